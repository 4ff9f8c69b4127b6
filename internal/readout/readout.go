// Package readout defines the sensor readings that flow from samplers to
// the telemetry publisher, the bounded channel that carries them, and
// the wire encodings used when they are published.
package readout

import (
	"fmt"
	"time"
)

// Shape selects how a family identifies the source of its readings on
// the wire. Every batch of a family uses the same shape.
type Shape int

const (
	// ShapeAddress tags each reading with its 64-bit bus address.
	ShapeAddress Shape = iota
	// ShapeSensorType tags each reading with a fixed sensor type and unit.
	ShapeSensorType
)

func (s Shape) String() string {
	switch s {
	case ShapeAddress:
		return "address"
	case ShapeSensorType:
		return "sensor_type"
	default:
		return fmt.Sprintf("shape(%d)", int(s))
	}
}

// Reading is a single measurement from one device.
type Reading struct {
	// Timestamp is taken from the synchronized clock.
	Timestamp time.Time
	Value     float64
	// Address is the bus address for ShapeAddress families.
	Address uint64
	// SensorType is the fixed tag for ShapeSensorType families.
	SensorType string
	Unit       string
	// Kind names the sensor model, e.g. "ds18b20".
	Kind string
}

// Batch holds the readings of one sampling cycle of one family, in
// device scan order. A batch with no readings is valid.
type Batch struct {
	Family string
	Shape  Shape
	// Topic overrides the deployment topic when non-empty.
	Topic    string
	Readings []Reading
}

// Len returns the number of readings in the batch.
func (b Batch) Len() int {
	return len(b.Readings)
}

// FormatAddress renders a bus address as "0x" followed by 16 uppercase
// hex digits.
func FormatAddress(addr uint64) string {
	return fmt.Sprintf("0x%016X", addr)
}
