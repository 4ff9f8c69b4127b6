// Package sensor discovers sensor devices and samples them on request.
// Each sensor family (a driver plus its devices) runs one [Sampler]
// that waits for its read request and a synchronized clock, reads every
// device once, and queues the result as a single batch.
package sensor

import (
	"context"
	"time"

	"github.com/nugget/fieldnode/internal/readout"
)

// Measurement is the raw result of reading one device. Which
// identifying fields are meaningful depends on the driver's shape.
type Measurement struct {
	Value      float64
	Address    uint64
	SensorType string
	Unit       string
}

// Device is one discovered sensor.
type Device interface {
	// Source identifies the device in logs (bus id, address, endpoint).
	Source() string
	Read(ctx context.Context) (Measurement, error)
}

// Driver discovers the devices of one sensor family.
type Driver interface {
	// Name is the family name used in logs, events and batches.
	Name() string
	// Kind names the sensor model, e.g. "ds18b20".
	Kind() string
	Shape() readout.Shape
	// Discover scans for devices once. Order is the read order.
	Discover(ctx context.Context) ([]Device, error)
}

// Closer is implemented by drivers that hold resources.
type Closer interface {
	Close() error
}

// Clock supplies reading timestamps.
type Clock interface {
	Now() time.Time
}
