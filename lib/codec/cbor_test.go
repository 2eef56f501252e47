// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"time"
)

// sampleRecord uses cbor tags, the convention for disk-only types.
type sampleRecord struct {
	Kind   string `cbor:"kind"`
	TaskID string `cbor:"task_id,omitempty"`
	Count  int    `cbor:"count"`
}

// sampleDualRecord uses json tags and relies on the fallback.
type sampleDualRecord struct {
	Sequence uint64 `json:"seq"`
	Text     string `json:"text"`
}

func TestMarshalUnmarshalRoundtrip(t *testing.T) {
	original := sampleRecord{Kind: "header", TaskID: "9b2f", Count: 42}

	data, err := Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded sampleRecord
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded != original {
		t.Errorf("roundtrip mismatch: got %+v, want %+v", decoded, original)
	}
}

func TestMarshalDeterministic(t *testing.T) {
	value := map[string]any{"zeta": 1, "alpha": 2, "mid": []string{"a"}}

	first, err := Marshal(value)
	if err != nil {
		t.Fatal(err)
	}
	second, err := Marshal(value)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(first, second) {
		t.Errorf("deterministic encoding violated: %x != %x", first, second)
	}
}

func TestEncoderDecoderSequence(t *testing.T) {
	records := []sampleRecord{
		{Kind: "header", TaskID: "a", Count: 1},
		{Kind: "event", Count: 2},
		{Kind: "result", Count: 3},
	}

	var buffer bytes.Buffer
	encoder := NewEncoder(&buffer)
	for _, record := range records {
		if err := encoder.Encode(record); err != nil {
			t.Fatalf("Encode: %v", err)
		}
	}

	decoder := NewDecoder(&buffer)
	for i, want := range records {
		var got sampleRecord
		if err := decoder.Decode(&got); err != nil {
			t.Fatalf("Decode record %d: %v", i, err)
		}
		if got != want {
			t.Errorf("record %d: got %+v, want %+v", i, got, want)
		}
	}
	var extra sampleRecord
	if err := decoder.Decode(&extra); err != io.EOF {
		t.Errorf("Decode past the end = %v, want io.EOF", err)
	}
}

func TestJSONTagFallback(t *testing.T) {
	original := sampleDualRecord{Sequence: 3, Text: "reading files"}

	data, err := Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	notation, _, err := DiagnoseFirst(data)
	if err != nil {
		t.Fatalf("DiagnoseFirst: %v", err)
	}
	if !strings.Contains(notation, `"seq"`) {
		t.Errorf("json tag name not used as the CBOR key: %s", notation)
	}

	var decoded sampleDualRecord
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded != original {
		t.Errorf("json-tag roundtrip mismatch: got %+v, want %+v", decoded, original)
	}
}

func TestTimePrecision(t *testing.T) {
	type stamped struct {
		At time.Time `cbor:"at"`
	}
	original := stamped{At: time.Date(2026, 3, 1, 12, 30, 0, 123456789, time.UTC)}

	data, err := Marshal(original)
	if err != nil {
		t.Fatal(err)
	}
	notation, _, err := DiagnoseFirst(data)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(notation, "2026-03-01T12:30:00.123456789Z") {
		t.Errorf("timestamp not encoded as RFC 3339 text: %s", notation)
	}

	var decoded stamped
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if !decoded.At.Equal(original.At) {
		t.Errorf("time roundtrip: got %v, want %v", decoded.At, original.At)
	}
}

func TestUnmarshalInvalidCBOR(t *testing.T) {
	var record sampleRecord
	if err := Unmarshal([]byte{0xFF, 0xFE, 0xFD}, &record); err == nil {
		t.Error("Unmarshal should reject invalid CBOR")
	}
}

func TestAnyTargetsUseStringMaps(t *testing.T) {
	data, err := Marshal(map[string]any{"kind": "note"})
	if err != nil {
		t.Fatal(err)
	}
	var decoded any
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if _, ok := decoded.(map[string]any); !ok {
		t.Errorf("decoded %T, want map[string]any", decoded)
	}
}

func TestDiagnoseFirstWalksSequence(t *testing.T) {
	item1, err := Marshal("hello")
	if err != nil {
		t.Fatal(err)
	}
	item2, err := Marshal(int64(42))
	if err != nil {
		t.Fatal(err)
	}
	sequence := append(append([]byte(nil), item1...), item2...)

	notation, remaining, err := DiagnoseFirst(sequence)
	if err != nil {
		t.Fatalf("DiagnoseFirst: %v", err)
	}
	if notation != `"hello"` {
		t.Errorf("first item = %s", notation)
	}
	notation, remaining, err = DiagnoseFirst(remaining)
	if err != nil {
		t.Fatalf("DiagnoseFirst second: %v", err)
	}
	if notation != "42" || len(remaining) != 0 {
		t.Errorf("second item = %s, %d bytes left", notation, len(remaining))
	}
}

func BenchmarkMarshal(b *testing.B) {
	record := sampleRecord{Kind: "event", TaskID: "9b2f", Count: 42}

	b.ReportAllocs()
	for b.Loop() {
		Marshal(record)
	}
}
