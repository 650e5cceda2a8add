// Package canonical produces deterministic JSON bytes for arbitrary
// JSON-like values. Two logically equal values that differ only in map
// key ordering, or in the presence of absent (nil-pointer / omitted)
// fields, canonicalize to identical bytes.
//
// Rules:
//   - object keys are sorted lexicographically (byte-wise), recursively
//   - array element order is preserved
//   - json.Number values keep their textual representation
//   - strings, numbers and booleans use standard JSON escaping
package canonical

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Marshal returns the canonical JSON encoding of v.
//
// Values that are not already generic (map[string]any, []any,
// primitives) are marshalled and re-decoded with json.Number so that
// struct inputs and their decoded-map equivalents canonicalize the same
// way. Cyclic values are a programmer error and return the underlying
// encoding/json failure.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encode(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MarshalString is Marshal returning a string.
func MarshalString(v any) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func encode(buf *bytes.Buffer, v any) error {
	switch vv := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if vv {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		buf.WriteString(vv.String())
	case string:
		b, _ := json.Marshal(vv)
		buf.Write(b)
	case float64:
		// Reached when a caller hands us a value unmarshalled without
		// UseNumber. encoding/json renders the shortest round-trippable
		// form, which is stable for a given float64.
		b, _ := json.Marshal(vv)
		buf.Write(b)
	case int:
		fmt.Fprintf(buf, "%d", vv)
	case int64:
		fmt.Fprintf(buf, "%d", vv)
	case []any:
		buf.WriteByte('[')
		for i, elem := range vv {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encode(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(vv))
		for k := range vv {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			buf.Write(kb)
			buf.WriteByte(':')
			if err := encode(buf, vv[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		// Typed value (struct, typed map/slice, pointer): marshal once,
		// then re-decode into generic form with UseNumber and recurse.
		// json tags with omitempty drop absent fields here, which is
		// exactly the "absent means omitted" rule.
		b, err := json.Marshal(vv)
		if err != nil {
			return fmt.Errorf("canonical: marshal %T: %w", vv, err)
		}
		var tmp any
		dec := json.NewDecoder(bytes.NewReader(b))
		dec.UseNumber()
		if err := dec.Decode(&tmp); err != nil {
			return fmt.Errorf("canonical: decode %T: %w", vv, err)
		}
		return encode(buf, tmp)
	}
	return nil
}
