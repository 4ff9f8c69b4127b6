package sensor

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/goburrow/modbus"

	"github.com/nugget/fieldnode/internal/readout"
)

// ModbusSpec describes one register-backed sensor.
type ModbusSpec struct {
	Name       string
	SensorType string
	Unit       string

	// Endpoint is host:port for Modbus TCP. Leave empty for RTU.
	Endpoint string

	// SerialDevice, BaudRate and Parity configure Modbus RTU.
	SerialDevice string
	BaudRate     int
	Parity       string

	SlaveID  uint8
	Register uint16
	// Input selects FC4 (input registers) instead of FC3 (holding).
	Input  bool
	Signed bool
	Scale  float64

	Timeout time.Duration
}

// registerReader is the subset of modbus.Client a sensor needs.
type registerReader interface {
	ReadHoldingRegisters(address, quantity uint16) ([]byte, error)
	ReadInputRegisters(address, quantity uint16) ([]byte, error)
}

// ModbusDriver reads a single register from one Modbus slave.
type ModbusDriver struct {
	spec ModbusSpec

	mu      sync.Mutex
	handler io.Closer
}

// NewModbusDriver returns a driver for spec. No connection is made
// until the first read.
func NewModbusDriver(spec ModbusSpec) *ModbusDriver {
	if spec.Scale == 0 {
		spec.Scale = 1
	}
	if spec.Timeout <= 0 {
		spec.Timeout = time.Second
	}
	if spec.SensorType == "" {
		spec.SensorType = spec.Name
	}
	return &ModbusDriver{spec: spec}
}

func (d *ModbusDriver) Name() string         { return d.spec.Name }
func (d *ModbusDriver) Kind() string         { return "modbus" }
func (d *ModbusDriver) Shape() readout.Shape { return readout.ShapeSensorType }

// Discover builds the client. The goburrow handlers dial lazily, so an
// unreachable slave shows up as read failures rather than as an empty
// family.
func (d *ModbusDriver) Discover(ctx context.Context) ([]Device, error) {
	client, err := d.open()
	if err != nil {
		return nil, err
	}
	return []Device{&modbusSensor{spec: d.spec, client: client}}, nil
}

func (d *ModbusDriver) open() (modbus.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch {
	case d.spec.Endpoint != "":
		h := modbus.NewTCPClientHandler(d.spec.Endpoint)
		h.Timeout = d.spec.Timeout
		h.SlaveId = d.spec.SlaveID
		d.handler = h
		return modbus.NewClient(h), nil
	case d.spec.SerialDevice != "":
		h := modbus.NewRTUClientHandler(d.spec.SerialDevice)
		h.BaudRate = d.spec.BaudRate
		h.DataBits = 8
		h.Parity = d.spec.Parity
		h.StopBits = 1
		if h.Parity == "N" {
			h.StopBits = 2
		}
		h.Timeout = d.spec.Timeout
		h.SlaveId = d.spec.SlaveID
		d.handler = h
		return modbus.NewClient(h), nil
	default:
		return nil, errors.New("modbus: endpoint or serial device required")
	}
}

// Close releases the connection, if one was opened.
func (d *ModbusDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handler == nil {
		return nil
	}
	return d.handler.Close()
}

type modbusSensor struct {
	spec   ModbusSpec
	client registerReader
}

func (m *modbusSensor) Source() string {
	where := m.spec.Endpoint
	if where == "" {
		where = m.spec.SerialDevice
	}
	return fmt.Sprintf("%s/%d/%d", where, m.spec.SlaveID, m.spec.Register)
}

func (m *modbusSensor) Read(ctx context.Context) (Measurement, error) {
	if err := ctx.Err(); err != nil {
		return Measurement{}, err
	}

	var (
		raw []byte
		err error
	)
	if m.spec.Input {
		raw, err = m.client.ReadInputRegisters(m.spec.Register, 1)
	} else {
		raw, err = m.client.ReadHoldingRegisters(m.spec.Register, 1)
	}
	if err != nil {
		return Measurement{}, fmt.Errorf("%s: %w", m.Source(), err)
	}
	if len(raw) < 2 {
		return Measurement{}, fmt.Errorf("%s: short response (%d bytes)", m.Source(), len(raw))
	}

	reg := binary.BigEndian.Uint16(raw)
	v := float64(reg)
	if m.spec.Signed {
		v = float64(int16(reg))
	}
	return Measurement{
		Value:      v * m.spec.Scale,
		SensorType: m.spec.SensorType,
		Unit:       m.spec.Unit,
	}, nil
}
