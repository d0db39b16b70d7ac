package tlv

import (
	"bytes"
	"errors"
	"math"
	"testing"
)

func TestEncodeDecodeFieldsRoundTripPreservesUnknown(t *testing.T) {
	in := []Field{
		String(10, "table name"),
		{ID: 9999, Type: TypeBytes, Value: []byte{0xAA, 0xBB}}, // unknown field id
	}
	b := EncodeFields(in)
	out, err := DecodeFields(b)
	if err != nil {
		t.Fatalf("decode fields: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 fields, got %d", len(out))
	}
	if out[1].ID != 9999 || out[1].Type != TypeBytes || !bytes.Equal(out[1].Value, []byte{0xAA, 0xBB}) {
		t.Fatalf("unknown field not preserved: %+v", out[1])
	}
}

func TestDecodeFieldsMalformedHeaderIsDeterministic(t *testing.T) {
	_, err := DecodeFields([]byte{1, 2, 3})
	if !errors.Is(err, ErrShortFieldHeader) {
		t.Fatalf("expected ErrShortFieldHeader, got %v", err)
	}
}

func TestDecodeFieldsMalformedLengthIsDeterministic(t *testing.T) {
	// id=1, type=string, len=5, value only 2 bytes
	payload := []byte{0, 1, TypeString, 0, 0, 0, 5, 'a', 'b'}
	_, err := DecodeFields(payload)
	if !errors.Is(err, ErrShortFieldValue) {
		t.Fatalf("expected ErrShortFieldValue, got %v", err)
	}
}

func TestRepeatedFieldsKeepWireOrder(t *testing.T) {
	fields := []Field{String(5, "sim1"), Bool(1, true), String(5, "sim2"), String(5, "sim3")}
	out, err := DecodeFields(EncodeFields(fields))
	if err != nil {
		t.Fatalf("decode fields: %v", err)
	}
	names := GetFields(out, 5)
	if len(names) != 3 {
		t.Fatalf("expected 3 repeated fields, got %d", len(names))
	}
	for i, want := range []string{"sim1", "sim2", "sim3"} {
		if string(names[i].Value) != want {
			t.Fatalf("field %d: got %q want %q", i, names[i].Value, want)
		}
	}
}

func TestScalarHelpers(t *testing.T) {
	i, err := I64FromBytes(I64(1, -32).Value)
	if err != nil || i != -32 {
		t.Fatalf("i64 round trip: %d %v", i, err)
	}
	f, err := F64FromBytes(F64(1, math.Pi).Value)
	if err != nil || f != math.Pi {
		t.Fatalf("f64 round trip: %v %v", f, err)
	}
	b, err := BoolFromBytes(Bool(1, true).Value)
	if err != nil || !b {
		t.Fatalf("bool round trip: %v %v", b, err)
	}
	if _, err := BoolFromBytes([]byte{7}); err == nil {
		t.Fatalf("expected invalid bool error")
	}
	if _, err := U64FromBytes([]byte{1, 2}); !errors.Is(err, ErrInvalidLength) {
		t.Fatalf("expected ErrInvalidLength, got %v", err)
	}
	if err := MustType(String(3, "x"), TypeBool); err == nil {
		t.Fatalf("expected type mismatch")
	}
}
