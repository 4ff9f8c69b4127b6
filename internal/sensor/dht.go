package sensor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/nugget/fieldnode/internal/readout"
)

// Quantity selects which DHT11 channel is reported.
type Quantity string

const (
	Humidity    Quantity = "humidity"
	Temperature Quantity = "temperature"
)

// DHTDriver reads a DHT11 through the Linux IIO dht11 driver.
type DHTDriver struct {
	iioPath  string
	quantity Quantity
}

// NewDHTDriver returns a driver scanning iioPath, normally
// /sys/bus/iio/devices.
func NewDHTDriver(iioPath string, q Quantity) *DHTDriver {
	if q == "" {
		q = Humidity
	}
	return &DHTDriver{iioPath: iioPath, quantity: q}
}

func (d *DHTDriver) Name() string         { return "dht11" }
func (d *DHTDriver) Kind() string         { return "dht11" }
func (d *DHTDriver) Shape() readout.Shape { return readout.ShapeSensorType }

// Discover returns every IIO device whose name is dht11.
func (d *DHTDriver) Discover(ctx context.Context) ([]Device, error) {
	matches, err := filepath.Glob(filepath.Join(d.iioPath, "iio:device*"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)

	file, unit := "in_humidityrelative_input", "%"
	if d.quantity == Temperature {
		file, unit = "in_temp_input", "C"
	}

	var devices []Device
	for _, dir := range matches {
		name, err := os.ReadFile(filepath.Join(dir, "name"))
		if err != nil || strings.TrimSpace(string(name)) != "dht11" {
			continue
		}
		devices = append(devices, &dht11{
			path: filepath.Join(dir, file),
			unit: unit,
		})
	}
	return devices, nil
}

type dht11 struct {
	path string
	unit string
}

func (d *dht11) Source() string {
	return filepath.Base(filepath.Dir(d.path))
}

// Read returns the channel value. The kernel reports milli-units and
// fails the read (EIO/ETIMEDOUT) when the sensor does not answer.
func (d *dht11) Read(ctx context.Context) (Measurement, error) {
	if err := ctx.Err(); err != nil {
		return Measurement{}, err
	}
	raw, err := os.ReadFile(d.path)
	if err != nil {
		return Measurement{}, err
	}
	milli, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 32)
	if err != nil {
		return Measurement{}, fmt.Errorf("%s: %w", d.Source(), err)
	}
	return Measurement{
		Value:      float64(milli) / 1000,
		SensorType: "dht11",
		Unit:       d.unit,
	}, nil
}
