package shadow

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strconv"
)

// DecodeValue parses a single JSON value. Whole numbers decode to int64, or
// uint64 above the int64 range, so counters and identifiers keep every
// digit. Other numbers decode to float64.
func DecodeValue(data []byte) (any, error) {
	var v any
	if err := unmarshalExact(data, &v); err != nil {
		return nil, err
	}
	return NormalizeNumbers(v), nil
}

// NormalizeNumbers replaces json.Number values inside maps and slices with
// int64, uint64 or float64 as DecodeValue does. Maps and slices are
// rewritten in place.
func NormalizeNumbers(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, e := range t {
			t[k] = NormalizeNumbers(e)
		}
		return t
	case []any:
		for i, e := range t {
			t[i] = NormalizeNumbers(e)
		}
		return t
	case json.Number:
		return numberValue(t)
	default:
		return v
	}
}

func numberValue(n json.Number) any {
	s := n.String()
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if u, err := strconv.ParseUint(s, 10, 64); err == nil {
		return u
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	// Out of float64 range. json.Number re-encodes unchanged.
	return n
}

// unmarshalExact behaves like json.Unmarshal but leaves numbers inside
// interface values as json.Number.
func unmarshalExact(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return errors.New("unexpected data after JSON value")
	}
	return nil
}
