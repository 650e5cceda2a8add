package canonical_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/chainseal/chainseal/internal/canonical"
)

func TestMarshal_sortsObjectKeys(t *testing.T) {
	b, err := canonical.Marshal(map[string]any{
		"zeta":  1,
		"alpha": 2,
		"mid":   3,
	})
	if err != nil {
		t.Fatal(err)
	}
	want := `{"alpha":2,"mid":3,"zeta":1}`
	if string(b) != want {
		t.Errorf("got %s, want %s", b, want)
	}
}

func TestMarshal_nestedAndArrays(t *testing.T) {
	b, err := canonical.Marshal(map[string]any{
		"b": []any{3, 1, 2},
		"a": map[string]any{"y": nil, "x": true},
	})
	if err != nil {
		t.Fatal(err)
	}
	want := `{"a":{"x":true,"y":null},"b":[3,1,2]}`
	if string(b) != want {
		t.Errorf("got %s, want %s", b, want)
	}
}

func TestMarshal_insertionOrderInvariant(t *testing.T) {
	// Build the same logical object twice with different insertion order
	// by decoding two differently ordered JSON documents.
	var a, b any
	if err := json.Unmarshal([]byte(`{"one":1,"two":{"x":1,"y":2}}`), &a); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal([]byte(`{"two":{"y":2,"x":1},"one":1}`), &b); err != nil {
		t.Fatal(err)
	}

	ca, err := canonical.Marshal(a)
	if err != nil {
		t.Fatal(err)
	}
	cb, err := canonical.Marshal(b)
	if err != nil {
		t.Fatal(err)
	}
	if string(ca) != string(cb) {
		t.Errorf("canonical forms differ: %s vs %s", ca, cb)
	}
}

func TestMarshal_absentFieldsDropped(t *testing.T) {
	type payload struct {
		Name string  `json:"name"`
		Note *string `json:"note,omitempty"`
	}

	withAbsent, err := canonical.Marshal(payload{Name: "a"})
	if err != nil {
		t.Fatal(err)
	}
	bare, err := canonical.Marshal(map[string]any{"name": "a"})
	if err != nil {
		t.Fatal(err)
	}
	if string(withAbsent) != string(bare) {
		t.Errorf("absent field changed canonical form: %s vs %s", withAbsent, bare)
	}
}

func TestMarshal_numberTextPreserved(t *testing.T) {
	var v any
	dec := json.NewDecoder(strings.NewReader(`{"n":1.50,"m":100}`))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		t.Fatal(err)
	}
	b, err := canonical.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"m":100,"n":1.50}`
	if string(b) != want {
		t.Errorf("got %s, want %s", b, want)
	}
}

func TestMarshal_stringEscaping(t *testing.T) {
	b, err := canonical.Marshal(map[string]any{"s": "a\"b\nc"})
	if err != nil {
		t.Fatal(err)
	}
	want := `{"s":"a\"b\nc"}`
	if string(b) != want {
		t.Errorf("got %s, want %s", b, want)
	}
}

func TestMarshal_compactOutput(t *testing.T) {
	b, err := canonical.Marshal(map[string]any{"a": 1})
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"a":1}` {
		t.Errorf("got %s, want {\"a\":1}", b)
	}
}
