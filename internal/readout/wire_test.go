package readout

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
)

var cycleTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestEncode_AddressShapeJSON(t *testing.T) {
	enc, err := NewEncoder("")
	if err != nil {
		t.Fatalf("NewEncoder() error = %v", err)
	}
	b := Batch{
		Family: "ds18b20",
		Shape:  ShapeAddress,
		Readings: []Reading{
			{Timestamp: cycleTime, Value: 21.5, Address: 0x0A00000000000028},
			{Timestamp: cycleTime, Value: -3.25, Address: 0xFF},
		},
	}

	got, err := enc.Encode(b)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	want := `[{"timestamp":1748779200,"value":21.5,"address":"0x0A00000000000028"},` +
		`{"timestamp":1748779200,"value":-3.25,"address":"0x00000000000000FF"}]`
	if string(got) != want {
		t.Errorf("Encode() =\n%s\nwant\n%s", got, want)
	}
}

func TestEncode_SensorTypeShapeJSON(t *testing.T) {
	enc, _ := NewEncoder(FormatJSON)
	b := Batch{
		Family: "dht11",
		Shape:  ShapeSensorType,
		Readings: []Reading{
			{Timestamp: cycleTime, Value: 48, SensorType: "dht11", Unit: "%"},
		},
	}

	got, err := enc.Encode(b)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	var decoded []map[string]any
	if err := json.Unmarshal(got, &decoded); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if len(decoded) != 1 {
		t.Fatalf("len = %d, want 1", len(decoded))
	}
	rec := decoded[0]
	if len(rec) != 4 {
		t.Errorf("record has %d keys, want 4: %v", len(rec), rec)
	}
	if _, ok := rec["address"]; ok {
		t.Error("sensor-type record must not carry an address")
	}
	if rec["sensor_type"] != "dht11" || rec["unit"] != "%" {
		t.Errorf("record = %v", rec)
	}
	if rec["timestamp"] != float64(cycleTime.Unix()) {
		t.Errorf("timestamp = %v, want %d", rec["timestamp"], cycleTime.Unix())
	}
}

func TestEncode_EmptyBatch(t *testing.T) {
	enc, _ := NewEncoder(FormatJSON)
	got, err := enc.Encode(Batch{Family: "ds18b20", Shape: ShapeAddress})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if string(got) != "[]" {
		t.Errorf("Encode(empty) = %s, want []", got)
	}
}

func TestEncode_RejectsNonFinite(t *testing.T) {
	enc, _ := NewEncoder(FormatJSON)
	b := Batch{Shape: ShapeSensorType, Readings: []Reading{{Value: math.NaN()}}}
	if _, err := enc.Encode(b); err == nil {
		t.Error("Encode(NaN) error = nil")
	}
}

func TestEncode_CBOR(t *testing.T) {
	enc, err := NewEncoder(FormatCBOR)
	if err != nil {
		t.Fatalf("NewEncoder(cbor) error = %v", err)
	}
	if enc.ContentType() != "application/cbor" {
		t.Errorf("ContentType() = %q", enc.ContentType())
	}

	b := Batch{
		Shape:    ShapeAddress,
		Readings: []Reading{{Timestamp: cycleTime, Value: 19.75, Address: 0x28}},
	}
	got, err := enc.Encode(b)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	var decoded []map[string]any
	if err := cbor.Unmarshal(got, &decoded); err != nil {
		t.Fatalf("payload is not CBOR: %v", err)
	}
	if len(decoded) != 1 {
		t.Fatalf("len = %d, want 1", len(decoded))
	}
	if decoded[0]["address"] != "0x0000000000000028" {
		t.Errorf("address = %v", decoded[0]["address"])
	}
	if decoded[0]["value"] != 19.75 {
		t.Errorf("value = %v", decoded[0]["value"])
	}
}

func TestNewEncoder_Unknown(t *testing.T) {
	if _, err := NewEncoder("xml"); err == nil {
		t.Error("NewEncoder(xml) error = nil")
	}
}
