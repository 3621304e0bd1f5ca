package bacnet

import (
	"bytes"
	"errors"
	"testing"
)

func TestBits(t *testing.T) {
	if !GetBit(0x80, 7) || GetBit(0x80, 6) {
		t.Fatalf("GetBit(0x80) wrong")
	}
	if got := SetBit(0, 3, true); got != 0x08 {
		t.Fatalf("SetBit = 0x%02x, want 0x08", got)
	}
	if got := SetBit(0xFF, 0, false); got != 0xFE {
		t.Fatalf("SetBit clear = 0x%02x, want 0xfe", got)
	}
	if got := GetBits(0x75, 4, 4); got != 7 {
		t.Fatalf("GetBits high nibble = %d, want 7", got)
	}
	if got := SetBits(0, 4, 3, 0x0F); got != 0x70 {
		t.Fatalf("SetBits must mask the field, got 0x%02x", got)
	}
	if got := ByteOf(0x11223344, 1); got != 0x33 {
		t.Fatalf("ByteOf = 0x%02x, want 0x33", got)
	}
	if got := WordOf(0x11223344, 1); got != 0x1122 {
		t.Fatalf("WordOf = 0x%04x, want 0x1122", got)
	}
}

func TestReaderShortBuffer(t *testing.T) {
	r := NewReader([]byte{0x01})
	if _, err := r.ReadUint16(); !errors.Is(err, ErrShortBuffer) {
		t.Fatalf("ReadUint16 err = %v, want ErrShortBuffer", err)
	}
	if r.Offset() != 0 {
		t.Fatalf("failed read moved offset to %d", r.Offset())
	}
	if v, _ := r.PeekUint8(); v != 0x01 || r.Offset() != 0 {
		t.Fatalf("peek changed state")
	}
	sub, err := NewReader([]byte{1, 2, 3, 4}).Range(1, 3)
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	if !bytes.Equal(sub.Bytes(), []byte{2, 3}) {
		t.Fatalf("Range bytes = %x", sub.Bytes())
	}
}

func TestTagByte(t *testing.T) {
	w := NewWriter()
	WriteTag(w, 12, TagClassApplication, 4)
	WriteTag(w, 1, TagClassContext, 1)
	if !bytes.Equal(w.Bytes(), []byte{0xC4, 0x19}) {
		t.Fatalf("tags = % x, want c4 19", w.Bytes())
	}

	r := NewReader(w.Bytes())
	tag, err := ReadTag(r)
	if err != nil {
		t.Fatalf("ReadTag: %v", err)
	}
	if tag.Number != 12 || tag.Class != TagClassApplication || tag.LengthValue != 4 {
		t.Fatalf("tag = %+v", tag)
	}
	tag, _ = ReadTag(r)
	if !tag.IsContext(1) {
		t.Fatalf("second tag = %+v, want context 1", tag)
	}

	if !parseTag(0x3E).IsOpening() || !parseTag(0x3F).IsClosing() {
		t.Fatalf("opening/closing detection failed")
	}
}

func TestObjectIdentifierPacking(t *testing.T) {
	tests := []struct {
		typ  ObjectType
		inst uint32
		want []byte
	}{
		{ObjectTypeDevice, 9999, []byte{0x02, 0x00, 0x27, 0x0f}},
		{ObjectTypeBinaryValue, 46, []byte{0x01, 0x40, 0x00, 0x2e}},
		{1023, MaxInstance, []byte{0xFF, 0xFF, 0xFF, 0xFF}},
	}
	for _, tt := range tests {
		oid := NewObjectIdentifier(tt.typ, tt.inst)
		w := NewWriter()
		w.WriteUint32(oid.Encode())
		if !bytes.Equal(w.Bytes(), tt.want) {
			t.Errorf("%s packs to % x, want % x", oid, w.Bytes(), tt.want)
		}
		if back := DecodeObjectIdentifier(oid.Encode()); back != oid {
			t.Errorf("round trip %s -> %s", oid, back)
		}
	}
}

func TestEncodeValue(t *testing.T) {
	tests := []struct {
		name string
		v    Value
		want []byte
	}{
		{"null", Null{}, []byte{0x00}},
		{"true", Boolean(true), []byte{0x11}},
		{"uint8", Unsigned(200), []byte{0x21, 0xC8}},
		{"uint16", Unsigned(300), []byte{0x22, 0x01, 0x2C}},
		{"uint32", Unsigned(70000), []byte{0x24, 0x00, 0x01, 0x11, 0x70}},
		{"real", Real(1.5), []byte{0x44, 0x3F, 0xC0, 0x00, 0x00}},
		{"string", CharacterString("L02"), []byte{0x75, 0x04, 0x00, 0x4c, 0x30, 0x32}},
		{"flags", StatusFlags{InAlarm: true, OutOfService: true}, []byte{0x82, 0x04, 0x90}},
		{"enum", Enumerated(62), []byte{0x91, 0x3E}},
		{"oid", NewObjectIdentifier(ObjectTypeDevice, 9999), []byte{0xC4, 0x02, 0x00, 0x27, 0x0f}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := NewWriter()
			EncodeValue(w, tt.v)
			if !bytes.Equal(w.Bytes(), tt.want) {
				t.Fatalf("encoded % x, want % x", w.Bytes(), tt.want)
			}
			r := NewReader(w.Bytes())
			got, err := DecodeValue(r)
			if err != nil {
				t.Fatalf("DecodeValue: %v", err)
			}
			if got != tt.v {
				t.Fatalf("decoded %v (%T), want %v", got, got, tt.v)
			}
			if r.Remaining() != 0 {
				t.Fatalf("%d bytes left", r.Remaining())
			}
		})
	}
}

func TestDecodeValueFaults(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"three byte unsigned", []byte{0x23, 0x01, 0x02, 0x03}, ErrInvalidValue},
		{"foreign charset", []byte{0x75, 0x02, 0x04, 0x41}, ErrUnsupportedType},
		{"long bit string", []byte{0x83, 0x04, 0x00, 0x00}, ErrUnsupportedType},
		{"octet string", []byte{0x61, 0x00}, ErrUnsupportedTag},
		{"truncated real", []byte{0x44, 0x3F}, ErrShortBuffer},
		{"context tag", []byte{0x09, 0x01}, ErrUnexpectedTag},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeValue(NewReader(tt.data)); !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestLongCharacterString(t *testing.T) {
	s := CharacterString(bytes.Repeat([]byte("x"), 300))
	w := NewWriter()
	EncodeValue(w, s)
	if got := w.Bytes()[:4]; !bytes.Equal(got, []byte{0x75, 254, 0x01, 0x2D}) {
		t.Fatalf("header = % x, want 75 fe 01 2d", got)
	}
	v, err := DecodeValue(NewReader(w.Bytes()))
	if err != nil || v != s {
		t.Fatalf("round trip failed: %v", err)
	}
}

func TestContextPrimitives(t *testing.T) {
	w := NewWriter()
	WriteContextUnsigned(w, 0, 70000)
	WriteContextBoolean(w, 1, true)
	WriteContextObjectID(w, 2, NewObjectIdentifier(ObjectTypeAnalogInput, 7))
	writeValue(w, 3, Real(2.5), Unsigned(1))

	r := NewReader(w.Bytes())
	if v, err := ReadContextUnsigned(r, 0); err != nil || v != 70000 {
		t.Fatalf("unsigned = %d, %v", v, err)
	}
	if v, err := ReadContextBoolean(r, 1); err != nil || !v {
		t.Fatalf("boolean = %v, %v", v, err)
	}
	if v, err := ReadContextObjectID(r, 2); err != nil || v.Instance != 7 || v.Type != ObjectTypeAnalogInput {
		t.Fatalf("object id = %v, %v", v, err)
	}
	values, err := readParamValue(r, 3)
	if err != nil || len(values) != 2 || values[0] != Real(2.5) {
		t.Fatalf("param values = %v, %v", values, err)
	}
	if r.Remaining() != 0 {
		t.Fatalf("%d bytes left", r.Remaining())
	}

	if _, err := ReadContextUnsigned(NewReader([]byte{0x19, 0x01}), 0); !errors.Is(err, ErrUnexpectedTag) {
		t.Fatalf("wrong context number err = %v", err)
	}
	if _, err := readParamValue(NewReader([]byte{0x3E, 0x2E, 0x2F, 0x3F}), 3); !errors.Is(err, ErrUnsupportedTag) {
		t.Fatalf("nested constructed err = %v", err)
	}
}

func TestParseValue(t *testing.T) {
	tests := []struct {
		kind, in string
		want     Value
	}{
		{"real", "21.5", Real(21.5)},
		{"uint", "42", Unsigned(42)},
		{"bool", "active", Boolean(true)},
		{"enum", "3", Enumerated(3)},
		{"string", "lobby", CharacterString("lobby")},
		{"null", "", Null{}},
		{"oid", "ai:3", NewObjectIdentifier(ObjectTypeAnalogInput, 3)},
		{"oid", "130:1", NewObjectIdentifier(130, 1)},
	}
	for _, tt := range tests {
		got, err := ParseValue(tt.kind, tt.in)
		if err != nil {
			t.Errorf("ParseValue(%s, %q): %v", tt.kind, tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseValue(%s, %q) = %v, want %v", tt.kind, tt.in, got, tt.want)
		}
	}
	if _, err := ParseValue("octets", "00"); !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("unknown kind err = %v", err)
	}
	if _, err := ParseObjectIdentifier("device"); err == nil {
		t.Fatalf("missing instance accepted")
	}
}
