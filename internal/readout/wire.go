package readout

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/fxamacker/cbor/v2"
)

// Format is a wire encoding for published batches.
type Format string

const (
	// FormatJSON encodes a batch as a JSON array. This is the default.
	FormatJSON Format = "json"
	// FormatCBOR encodes the same structure as a CBOR array.
	FormatCBOR Format = "cbor"
)

// addressRecord is the wire form of a reading from a bus-addressed family.
type addressRecord struct {
	Timestamp int64   `json:"timestamp" cbor:"timestamp"`
	Value     float64 `json:"value" cbor:"value"`
	Address   string  `json:"address" cbor:"address"`
}

// typedRecord is the wire form of a reading from a fixed single-sensor family.
type typedRecord struct {
	Timestamp  int64   `json:"timestamp" cbor:"timestamp"`
	Value      float64 `json:"value" cbor:"value"`
	SensorType string  `json:"sensor_type" cbor:"sensor_type"`
	Unit       string  `json:"unit" cbor:"unit"`
}

// Encoder serializes batches for the broker.
type Encoder struct {
	format Format
	cbor   cbor.EncMode
}

// NewEncoder returns an encoder for format. An empty format selects JSON.
func NewEncoder(format Format) (*Encoder, error) {
	e := &Encoder{format: format}
	switch format {
	case "", FormatJSON:
		e.format = FormatJSON
	case FormatCBOR:
		// Canonical key order, definite lengths only.
		opts := cbor.EncOptions{
			Sort:          cbor.SortCanonical,
			IndefLength:   cbor.IndefLengthForbidden,
			NilContainers: cbor.NilContainerAsEmpty,
		}
		mode, err := opts.EncMode()
		if err != nil {
			return nil, fmt.Errorf("cbor encoder mode: %w", err)
		}
		e.cbor = mode
	default:
		return nil, fmt.Errorf("unknown payload encoding %q (valid: json, cbor)", format)
	}
	return e, nil
}

// Format returns the encoder's wire format.
func (e *Encoder) Format() Format {
	return e.format
}

// ContentType returns the MIME type of encoded payloads.
func (e *Encoder) ContentType() string {
	if e.format == FormatCBOR {
		return "application/cbor"
	}
	return "application/json"
}

// Encode serializes b as an array with one object per reading. An
// empty batch encodes as an empty array. Readings with a non-finite
// value cannot be represented in JSON and are rejected.
func (e *Encoder) Encode(b Batch) ([]byte, error) {
	for i, r := range b.Readings {
		if math.IsNaN(r.Value) || math.IsInf(r.Value, 0) {
			return nil, fmt.Errorf("reading %d of %s: non-finite value", i, b.Family)
		}
	}

	var records any
	switch b.Shape {
	case ShapeAddress:
		out := make([]addressRecord, 0, len(b.Readings))
		for _, r := range b.Readings {
			out = append(out, addressRecord{
				Timestamp: r.Timestamp.Unix(),
				Value:     r.Value,
				Address:   FormatAddress(r.Address),
			})
		}
		records = out
	case ShapeSensorType:
		out := make([]typedRecord, 0, len(b.Readings))
		for _, r := range b.Readings {
			out = append(out, typedRecord{
				Timestamp:  r.Timestamp.Unix(),
				Value:      r.Value,
				SensorType: r.SensorType,
				Unit:       r.Unit,
			})
		}
		records = out
	default:
		return nil, fmt.Errorf("batch %s: unsupported shape %v", b.Family, b.Shape)
	}

	if e.format == FormatCBOR {
		return e.cbor.Marshal(records)
	}
	return json.Marshal(records)
}
