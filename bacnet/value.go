// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package bacnet

import (
	"fmt"
	"strconv"
	"strings"
)

// Value is an application-tagged primitive. The set of implementations is
// closed: Null, Boolean, Unsigned, Real, CharacterString, StatusFlags,
// Enumerated and ObjectIdentifier.
type Value interface {
	// Tag returns the application tag number the value encodes with
	Tag() ApplicationTag
	String() string
	encodePayload(w *Writer)
}

// Null is the BACnet null value
type Null struct{}

// Boolean is an application boolean; the value travels in the tag byte
type Boolean bool

// Unsigned is an unsigned integer encoded in 1, 2 or 4 octets
type Unsigned uint32

// Real is an IEEE-754 single precision float
type Real float32

// CharacterString is UTF-8 text
type CharacterString string

// Enumerated is an enumeration value encoded like Unsigned
type Enumerated uint32

// StatusFlags is the 4-bit status-flags bit string
type StatusFlags struct {
	InAlarm      bool
	Fault        bool
	Overridden   bool
	OutOfService bool
}

func (Null) Tag() ApplicationTag             { return TagNull }
func (Boolean) Tag() ApplicationTag          { return TagBoolean }
func (Unsigned) Tag() ApplicationTag         { return TagUnsignedInt }
func (Real) Tag() ApplicationTag             { return TagReal }
func (CharacterString) Tag() ApplicationTag  { return TagCharacterString }
func (StatusFlags) Tag() ApplicationTag      { return TagBitString }
func (Enumerated) Tag() ApplicationTag       { return TagEnumerated }
func (ObjectIdentifier) Tag() ApplicationTag { return TagObjectIdentifier }

func (Null) String() string { return "null" }

func (b Boolean) String() string { return strconv.FormatBool(bool(b)) }

func (u Unsigned) String() string { return strconv.FormatUint(uint64(u), 10) }

func (f Real) String() string { return strconv.FormatFloat(float64(f), 'g', -1, 32) }

func (s CharacterString) String() string { return string(s) }

func (e Enumerated) String() string { return strconv.FormatUint(uint64(e), 10) }

func (s StatusFlags) String() string {
	var set []string
	if s.InAlarm {
		set = append(set, "in-alarm")
	}
	if s.Fault {
		set = append(set, "fault")
	}
	if s.Overridden {
		set = append(set, "overridden")
	}
	if s.OutOfService {
		set = append(set, "out-of-service")
	}
	return "{" + strings.Join(set, ",") + "}"
}

// Byte packs the flags into the high nibble, in-alarm at bit 7
func (s StatusFlags) Byte() uint8 {
	var b uint8
	b = SetBit(b, 7, s.InAlarm)
	b = SetBit(b, 6, s.Fault)
	b = SetBit(b, 5, s.Overridden)
	b = SetBit(b, 4, s.OutOfService)
	return b
}

func parseStatusFlags(b uint8) StatusFlags {
	return StatusFlags{
		InAlarm:      GetBit(b, 7),
		Fault:        GetBit(b, 6),
		Overridden:   GetBit(b, 5),
		OutOfService: GetBit(b, 4),
	}
}

func (Null) encodePayload(*Writer) {}

func (b Boolean) encodePayload(*Writer) {}

func (u Unsigned) encodePayload(w *Writer) {
	writeUnsignedPayload(w, uint32(u), unsignedWidth(uint32(u)))
}

func (f Real) encodePayload(w *Writer) {
	w.WriteFloat32(float32(f))
}

func (s CharacterString) encodePayload(w *Writer) {
	w.WriteUint8(charsetUTF8)
	w.WriteString(string(s))
}

func (s StatusFlags) encodePayload(w *Writer) {
	w.WriteUint8(statusFlagsUnusedBits)
	w.WriteUint8(s.Byte())
}

func (e Enumerated) encodePayload(w *Writer) {
	writeUnsignedPayload(w, uint32(e), unsignedWidth(uint32(e)))
}

func (o ObjectIdentifier) encodePayload(w *Writer) {
	w.WriteUint32(o.Encode())
}

const (
	charsetUTF8           = 0x00
	statusFlagsUnusedBits = 4
)

// EncodeValue appends v with its application tag
func EncodeValue(w *Writer, v Value) {
	number := uint8(v.Tag())
	switch v := v.(type) {
	case Null:
		WriteTag(w, number, TagClassApplication, 0)
	case Boolean:
		var lv uint8
		if v {
			lv = 1
		}
		WriteTag(w, number, TagClassApplication, lv)
	case Unsigned:
		WriteTag(w, number, TagClassApplication, uint8(unsignedWidth(uint32(v))))
	case Enumerated:
		WriteTag(w, number, TagClassApplication, uint8(unsignedWidth(uint32(v))))
	case Real, ObjectIdentifier:
		WriteTag(w, number, TagClassApplication, 4)
	case StatusFlags:
		WriteTag(w, number, TagClassApplication, 2)
	case CharacterString:
		writeTagLength(w, number, TagClassApplication, len(v)+1, true)
	}
	v.encodePayload(w)
}

// DecodeValue consumes one application-tagged value. Dispatch is on the
// value's own tag number; unsupported tags are a decode fault.
func DecodeValue(r *Reader) (Value, error) {
	t, err := ReadTag(r)
	if err != nil {
		return nil, err
	}
	if t.Class != TagClassApplication {
		return nil, fmt.Errorf("%w: %s where an application value was expected", ErrUnexpectedTag, t)
	}

	switch ApplicationTag(t.Number) {
	case TagNull:
		return Null{}, nil
	case TagBoolean:
		return Boolean(t.LengthValue != 0), nil
	}

	n, err := readLength(r, t)
	if err != nil {
		return nil, err
	}

	switch ApplicationTag(t.Number) {
	case TagUnsignedInt:
		v, err := readUnsignedPayload(r, n)
		return Unsigned(v), err
	case TagEnumerated:
		v, err := readUnsignedPayload(r, n)
		return Enumerated(v), err
	case TagReal:
		if n != 4 {
			return nil, fmt.Errorf("%w: real of %d octets", ErrInvalidValue, n)
		}
		v, err := r.ReadFloat32()
		return Real(v), err
	case TagObjectIdentifier:
		if n != 4 {
			return nil, fmt.Errorf("%w: object identifier of %d octets", ErrInvalidValue, n)
		}
		raw, err := r.ReadUint32()
		return DecodeObjectIdentifier(raw), err
	case TagCharacterString:
		if n < 1 {
			return nil, fmt.Errorf("%w: empty character string", ErrInvalidValue)
		}
		charset, err := r.ReadUint8()
		if err != nil {
			return nil, err
		}
		if charset != charsetUTF8 {
			return nil, fmt.Errorf("%w: character set %d", ErrUnsupportedType, charset)
		}
		s, err := r.ReadString(n - 1)
		return CharacterString(s), err
	case TagBitString:
		if n != 2 {
			return nil, fmt.Errorf("%w: bit string of %d octets", ErrUnsupportedType, n)
		}
		if _, err := r.ReadUint8(); err != nil {
			return nil, err
		}
		b, err := r.ReadUint8()
		return parseStatusFlags(b), err
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedTag, ApplicationTag(t.Number))
	}
}

// ParseValue converts text to a value of the given application tag.
// Accepted kinds: null, bool, uint, real, string, enum, oid (type:instance).
func ParseValue(kind, s string) (Value, error) {
	switch strings.ToLower(kind) {
	case "null":
		return Null{}, nil
	case "bool", "boolean":
		b, err := parseBool(s)
		return Boolean(b), err
	case "uint", "unsigned":
		v, err := strconv.ParseUint(s, 10, 32)
		return Unsigned(v), err
	case "real", "float":
		v, err := strconv.ParseFloat(s, 32)
		return Real(v), err
	case "string", "str":
		return CharacterString(s), nil
	case "enum", "enumerated":
		v, err := strconv.ParseUint(s, 10, 32)
		return Enumerated(v), err
	case "oid", "object":
		return ParseObjectIdentifier(s)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, kind)
	}
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "true", "1", "on", "active":
		return true, nil
	case "false", "0", "off", "inactive":
		return false, nil
	default:
		return false, fmt.Errorf("invalid boolean %q", s)
	}
}

// ParseObjectIdentifier parses "type:instance" where type is a name,
// abbreviation or number
func ParseObjectIdentifier(s string) (ObjectIdentifier, error) {
	typ, inst, ok := strings.Cut(s, ":")
	if !ok {
		return ObjectIdentifier{}, fmt.Errorf("invalid object identifier %q (want type:instance)", s)
	}
	ot, ok := ParseObjectType(typ)
	if !ok {
		n, err := strconv.ParseUint(typ, 10, 10)
		if err != nil {
			return ObjectIdentifier{}, fmt.Errorf("unknown object type %q", typ)
		}
		ot = ObjectType(n)
	}
	n, err := strconv.ParseUint(inst, 10, 32)
	if err != nil || n > MaxInstance {
		return ObjectIdentifier{}, fmt.Errorf("invalid instance %q", inst)
	}
	return NewObjectIdentifier(ot, uint32(n)), nil
}

// ToFloat returns a numeric view of v for comparisons, e.g. COV increments
func ToFloat(v Value) (float64, bool) {
	switch v := v.(type) {
	case Real:
		return float64(v), true
	case Unsigned:
		return float64(v), true
	case Enumerated:
		return float64(v), true
	case Boolean:
		if v {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}
