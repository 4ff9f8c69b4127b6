package sensor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/nugget/fieldnode/internal/readout"
)

// ds18b20Family is the 1-Wire family code of the DS18B20.
const ds18b20Family = 0x28

var (
	errCRC       = errors.New("scratchpad CRC mismatch")
	errMalformed = errors.New("malformed w1_slave output")
)

// OneWireDriver finds DS18B20 thermometers through the Linux w1
// subsystem (w1-gpio + w1_therm).
type OneWireDriver struct {
	busPath string
}

// NewOneWireDriver returns a driver scanning busPath, normally
// /sys/bus/w1/devices.
func NewOneWireDriver(busPath string) *OneWireDriver {
	return &OneWireDriver{busPath: busPath}
}

func (d *OneWireDriver) Name() string         { return "ds18b20" }
func (d *OneWireDriver) Kind() string         { return "ds18b20" }
func (d *OneWireDriver) Shape() readout.Shape { return readout.ShapeAddress }

// Discover lists every DS18B20 slave, ordered by ROM address.
func (d *OneWireDriver) Discover(ctx context.Context) ([]Device, error) {
	matches, err := filepath.Glob(filepath.Join(d.busPath, fmt.Sprintf("%02x-*", ds18b20Family)))
	if err != nil {
		return nil, err
	}

	var found []*thermometer
	for _, dir := range matches {
		addr, err := romAddress(filepath.Base(dir))
		if err != nil {
			continue
		}
		found = append(found, &thermometer{dir: dir, addr: addr})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].addr < found[j].addr })

	devices := make([]Device, len(found))
	for i, t := range found {
		devices[i] = t
	}
	return devices, nil
}

// romAddress converts a w1 slave name ("28-0316a2799e0a") to the
// 64-bit ROM code as read from the bus: family in the low byte, the
// 48-bit serial above it, CRC8 in the high byte.
func romAddress(name string) (uint64, error) {
	fam, serialHex, ok := strings.Cut(name, "-")
	if !ok || len(serialHex) != 12 {
		return 0, fmt.Errorf("w1 slave name %q", name)
	}
	family, err := strconv.ParseUint(fam, 16, 8)
	if err != nil {
		return 0, fmt.Errorf("w1 slave family %q: %w", fam, err)
	}
	serial, err := strconv.ParseUint(serialHex, 16, 48)
	if err != nil {
		return 0, fmt.Errorf("w1 slave serial %q: %w", serialHex, err)
	}

	rom := make([]byte, 7)
	rom[0] = byte(family)
	for i := 0; i < 6; i++ {
		rom[i+1] = byte(serial >> (8 * i))
	}
	return uint64(crc8(rom))<<56 | serial<<8 | family, nil
}

// crc8 is the Dallas/Maxim 1-Wire CRC (polynomial x^8+x^5+x^4+1).
func crc8(data []byte) byte {
	var crc byte
	for _, b := range data {
		for i := 0; i < 8; i++ {
			mix := (crc ^ b) & 1
			crc >>= 1
			if mix != 0 {
				crc ^= 0x8C
			}
			b >>= 1
		}
	}
	return crc
}

type thermometer struct {
	dir  string
	addr uint64
}

func (t *thermometer) Source() string {
	return readout.FormatAddress(t.addr)
}

// Read triggers a conversion by reading w1_slave, which blocks for the
// conversion time (up to 750ms at 12-bit resolution).
func (t *thermometer) Read(ctx context.Context) (Measurement, error) {
	if err := ctx.Err(); err != nil {
		return Measurement{}, err
	}
	f, err := os.Open(filepath.Join(t.dir, "w1_slave"))
	if err != nil {
		return Measurement{}, err
	}
	defer f.Close()

	celsius, err := parseW1Slave(f)
	if err != nil {
		return Measurement{}, fmt.Errorf("%s: %w", t.Source(), err)
	}
	return Measurement{Value: celsius, Address: t.addr, Unit: "C"}, nil
}

// parseW1Slave parses the two-line w1_therm output:
//
//	72 01 4b 46 7f ff 0e 10 57 : crc=57 YES
//	72 01 4b 46 7f ff 0e 10 57 t=23125
func parseW1Slave(r io.Reader) (float64, error) {
	sc := bufio.NewScanner(r)
	if !sc.Scan() {
		return 0, errMalformed
	}
	if !strings.HasSuffix(strings.TrimSpace(sc.Text()), "YES") {
		return 0, errCRC
	}
	if !sc.Scan() {
		return 0, errMalformed
	}
	_, raw, ok := strings.Cut(sc.Text(), "t=")
	if !ok {
		return 0, errMalformed
	}
	milli, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", errMalformed, err)
	}
	return float64(milli) / 1000, nil
}
