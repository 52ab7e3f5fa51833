package cborcanon

import (
	"bytes"
	"encoding/hex"
	"testing"
)

func TestMarshalDeterminism(t *testing.T) {
	testCases := []struct {
		name     string
		input    interface{}
		expected string // hex; empty means only check determinism
	}{
		{"empty map", map[string]interface{}{}, "a0"},
		{"empty array", []interface{}{}, "80"},
		{"array order preserved", []interface{}{3, 1, 2}, "83030102"},
		{"map keys sorted", map[string]interface{}{"b": 2, "a": 1}, ""},
		{"nested map", map[string]interface{}{
			"z": 3,
			"a": map[string]interface{}{"y": 2, "x": 1},
		}, ""},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			encoded, err := Marshal(tc.input)
			if err != nil {
				t.Fatalf("Marshal failed: %v", err)
			}

			if tc.expected != "" && hex.EncodeToString(encoded) != tc.expected {
				t.Errorf("got %s, want %s", hex.EncodeToString(encoded), tc.expected)
			}

			// Decode and re-encode; canonical form must be a fixed point.
			var decoded interface{}
			if err := Unmarshal(encoded, &decoded); err != nil {
				t.Fatalf("Unmarshal failed: %v", err)
			}
			reencoded, err := Marshal(decoded)
			if err != nil {
				t.Fatalf("re-Marshal failed: %v", err)
			}
			if !bytes.Equal(encoded, reencoded) {
				t.Errorf("encoding not deterministic: %x vs %x", encoded, reencoded)
			}
			if !IsCanonical(encoded) {
				t.Error("IsCanonical returned false for canonical bytes")
			}
		})
	}
}

func TestEncodeForSigning(t *testing.T) {
	type record struct {
		Key   string `cbor:"key"`
		Value int    `cbor:"value"`
		Sig   []byte `cbor:"sig"`
	}

	signed := record{Key: "k", Value: 7, Sig: []byte{1, 2, 3}}
	unsigned := record{Key: "k", Value: 7}

	a, err := EncodeForSigning(signed, "sig")
	if err != nil {
		t.Fatalf("EncodeForSigning failed: %v", err)
	}
	b, err := EncodeForSigning(unsigned, "sig")
	if err != nil {
		t.Fatalf("EncodeForSigning failed: %v", err)
	}

	if !bytes.Equal(a, b) {
		t.Error("signing bytes differ between signed and unsigned copies")
	}
}

func TestIsCanonicalRejectsInvalid(t *testing.T) {
	if IsCanonical([]byte{0xff, 0x00}) {
		t.Error("IsCanonical accepted invalid CBOR")
	}
}
