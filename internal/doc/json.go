package doc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Time values are carried through JSON as a tagged object so they decode
// back to time.Time instead of a plain string.
const (
	pseudoTypeKey = "$reql_type$"
	pseudoTime    = "TIME"
	isoKey        = "iso8601"
)

// MarshalJSON encodes d with sorted keys, no HTML escaping, and time.Time
// values wrapped in the TIME pseudo-type.
func MarshalJSON(d Document) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(encodeValue(map[string]any(Normalize(d)))); err != nil {
		return nil, fmt.Errorf("marshal document: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func encodeValue(v any) any {
	switch val := v.(type) {
	case time.Time:
		return map[string]any{
			pseudoTypeKey: pseudoTime,
			isoKey:        val.UTC().Format(time.RFC3339Nano),
		}
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[k] = encodeValue(elem)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = encodeValue(elem)
		}
		return out
	default:
		return v
	}
}

// UnmarshalJSON decodes a JSON object into a Document. Integral numbers
// decode as int64, others as float64; TIME pseudo-types decode as time.Time.
func UnmarshalJSON(data []byte) (Document, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("unmarshal document: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("unmarshal document: not a JSON object")
	}

	out := make(Document, len(raw))
	for k, v := range raw {
		decoded, err := decodeValue(v)
		if err != nil {
			return nil, fmt.Errorf("unmarshal document: field %q: %w", k, err)
		}
		out[k] = decoded
	}
	return Normalize(out), nil
}

func decodeValue(v any) (any, error) {
	switch val := v.(type) {
	case json.Number:
		if n, err := val.Int64(); err == nil {
			return n, nil
		}
		f, err := val.Float64()
		if err != nil {
			return nil, err
		}
		return f, nil
	case map[string]any:
		if val[pseudoTypeKey] == pseudoTime {
			iso, _ := val[isoKey].(string)
			t, err := time.Parse(time.RFC3339Nano, iso)
			if err != nil {
				return nil, fmt.Errorf("invalid TIME value %q: %w", iso, err)
			}
			return t.UTC(), nil
		}
		out := make(map[string]any, len(val))
		for k, elem := range val {
			decoded, err := decodeValue(elem)
			if err != nil {
				return nil, err
			}
			out[k] = decoded
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			decoded, err := decodeValue(elem)
			if err != nil {
				return nil, err
			}
			out[i] = decoded
		}
		return out, nil
	default:
		return v, nil
	}
}
