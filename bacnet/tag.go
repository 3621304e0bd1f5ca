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

import "fmt"

// TagClass distinguishes application tags from context-specific tags
type TagClass uint8

const (
	TagClassApplication TagClass = 0
	TagClassContext     TagClass = 1
)

// ApplicationTag is the tag number of an application-tagged primitive
type ApplicationTag uint8

const (
	TagNull             ApplicationTag = 0
	TagBoolean          ApplicationTag = 1
	TagUnsignedInt      ApplicationTag = 2
	TagSignedInt        ApplicationTag = 3
	TagReal             ApplicationTag = 4
	TagDouble           ApplicationTag = 5
	TagOctetString      ApplicationTag = 6
	TagCharacterString  ApplicationTag = 7
	TagBitString        ApplicationTag = 8
	TagEnumerated       ApplicationTag = 9
	TagDate             ApplicationTag = 10
	TagTime             ApplicationTag = 11
	TagObjectIdentifier ApplicationTag = 12
)

func (t ApplicationTag) String() string {
	names := [...]string{
		"null", "boolean", "unsigned", "signed", "real", "double", "octet-string",
		"character-string", "bit-string", "enumerated", "date", "time", "object-identifier",
	}
	if int(t) < len(names) {
		return names[t]
	}
	return fmt.Sprintf("tag(%d)", uint8(t))
}

// Length/value markers carried in the low 3 bits of the tag byte
const (
	lvExtended = 5
	lvOpening  = 6
	lvClosing  = 7
)

// Tag is the one-byte header in front of every encoded value
type Tag struct {
	Number      uint8
	Class       TagClass
	LengthValue uint8
}

// Byte packs the tag as number<<4 | class<<3 | lengthValue
func (t Tag) Byte() uint8 {
	b := SetBits(0, 4, 4, t.Number)
	b = SetBit(b, 3, t.Class == TagClassContext)
	return SetBits(b, 0, 3, t.LengthValue)
}

// IsOpening reports whether t opens a constructed context value
func (t Tag) IsOpening() bool {
	return t.Class == TagClassContext && t.LengthValue == lvOpening
}

// IsClosing reports whether t closes a constructed context value
func (t Tag) IsClosing() bool {
	return t.Class == TagClassContext && t.LengthValue == lvClosing
}

// IsContext reports whether t is the primitive context tag number n
func (t Tag) IsContext(n uint8) bool {
	return t.Class == TagClassContext && t.Number == n && t.LengthValue < lvOpening
}

func (t Tag) String() string {
	class := "app"
	if t.Class == TagClassContext {
		class = "ctx"
	}
	return fmt.Sprintf("%s[%d]/%d", class, t.Number, t.LengthValue)
}

func parseTag(b uint8) Tag {
	class := TagClassApplication
	if GetBit(b, 3) {
		class = TagClassContext
	}
	return Tag{
		Number:      GetBits(b, 4, 4),
		Class:       class,
		LengthValue: GetBits(b, 0, 3),
	}
}

// ReadTag consumes one tag byte
func ReadTag(r *Reader) (Tag, error) {
	b, err := r.ReadUint8()
	if err != nil {
		return Tag{}, err
	}
	return parseTag(b), nil
}

// PeekTag returns the next tag without consuming it
func PeekTag(r *Reader) (Tag, error) {
	b, err := r.PeekUint8()
	if err != nil {
		return Tag{}, err
	}
	return parseTag(b), nil
}

// WriteTag packs and appends one tag byte
func WriteTag(w *Writer, number uint8, class TagClass, lengthValue uint8) {
	w.WriteUint8(Tag{Number: number, Class: class, LengthValue: lengthValue}.Byte())
}

// readLength resolves the payload length of a primitive tag, consuming the
// extended length bytes when the tag carries the extended marker
func readLength(r *Reader, t Tag) (int, error) {
	if t.LengthValue < lvExtended {
		return int(t.LengthValue), nil
	}
	if t.LengthValue != lvExtended {
		return 0, fmt.Errorf("%w: %s is not a primitive tag", ErrUnexpectedTag, t)
	}
	n, err := r.ReadUint8()
	if err != nil {
		return 0, err
	}
	switch n {
	case 254:
		v, err := r.ReadUint16()
		return int(v), err
	case 255:
		v, err := r.ReadUint32()
		return int(v), err
	default:
		return int(n), nil
	}
}

// writeTagLength writes a primitive tag with its length, using the
// extended form when length does not fit in the tag byte or when forced
func writeTagLength(w *Writer, number uint8, class TagClass, length int, extended bool) {
	if length < lvExtended && !extended {
		WriteTag(w, number, class, uint8(length))
		return
	}
	WriteTag(w, number, class, lvExtended)
	switch {
	case length < 254:
		w.WriteUint8(uint8(length))
	case length <= 0xFFFF:
		w.WriteUint8(254)
		w.WriteUint16(uint16(length))
	default:
		w.WriteUint8(255)
		w.WriteUint32(uint32(length))
	}
}

// unsignedWidth returns the minimal number of octets (1, 2 or 4) holding v
func unsignedWidth(v uint32) int {
	switch {
	case v <= 0xFF:
		return 1
	case v <= 0xFFFF:
		return 2
	default:
		return 4
	}
}

func writeUnsignedPayload(w *Writer, v uint32, width int) {
	switch width {
	case 1:
		w.WriteUint8(uint8(v))
	case 2:
		w.WriteUint16(uint16(v))
	default:
		w.WriteUint32(v)
	}
}

func readUnsignedPayload(r *Reader, width int) (uint32, error) {
	switch width {
	case 1:
		v, err := r.ReadUint8()
		return uint32(v), err
	case 2:
		v, err := r.ReadUint16()
		return uint32(v), err
	case 4:
		return r.ReadUint32()
	default:
		return 0, fmt.Errorf("%w: unsigned width %d", ErrInvalidValue, width)
	}
}

// WriteOpeningTag appends the opening tag of context number n
func WriteOpeningTag(w *Writer, n uint8) {
	WriteTag(w, n, TagClassContext, lvOpening)
}

// WriteClosingTag appends the closing tag of context number n
func WriteClosingTag(w *Writer, n uint8) {
	WriteTag(w, n, TagClassContext, lvClosing)
}

// expectOpening consumes the opening tag of context number n
func expectOpening(r *Reader, n uint8) error {
	t, err := ReadTag(r)
	if err != nil {
		return err
	}
	if !t.IsOpening() || t.Number != n {
		return fmt.Errorf("%w: want opening tag %d, got %s", ErrUnexpectedTag, n, t)
	}
	return nil
}

// expectClosing consumes the closing tag of context number n
func expectClosing(r *Reader, n uint8) error {
	t, err := ReadTag(r)
	if err != nil {
		return err
	}
	if !t.IsClosing() || t.Number != n {
		return fmt.Errorf("%w: want closing tag %d, got %s", ErrUnexpectedTag, n, t)
	}
	return nil
}

// nextIsContext reports whether the next tag is the primitive context tag n
func nextIsContext(r *Reader, n uint8) bool {
	t, err := PeekTag(r)
	return err == nil && t.IsContext(n)
}

// nextIsClosing reports whether the next tag closes context n
func nextIsClosing(r *Reader, n uint8) bool {
	t, err := PeekTag(r)
	return err == nil && t.IsClosing() && t.Number == n
}

// WriteContextUnsigned appends v with context tag n in minimal width
func WriteContextUnsigned(w *Writer, n uint8, v uint32) {
	width := unsignedWidth(v)
	WriteTag(w, n, TagClassContext, uint8(width))
	writeUnsignedPayload(w, v, width)
}

// WriteContextEnumerated appends an enumerated value with context tag n
func WriteContextEnumerated(w *Writer, n uint8, v uint32) {
	WriteContextUnsigned(w, n, v)
}

// WriteContextBoolean appends a boolean with context tag n
func WriteContextBoolean(w *Writer, n uint8, v bool) {
	WriteTag(w, n, TagClassContext, 1)
	if v {
		w.WriteUint8(1)
	} else {
		w.WriteUint8(0)
	}
}

// WriteContextObjectID appends an object identifier with context tag n
func WriteContextObjectID(w *Writer, n uint8, oid ObjectIdentifier) {
	WriteTag(w, n, TagClassContext, 4)
	w.WriteUint32(oid.Encode())
}

// ReadContextUnsigned consumes a primitive context tag n and its unsigned payload
func ReadContextUnsigned(r *Reader, n uint8) (uint32, error) {
	t, err := ReadTag(r)
	if err != nil {
		return 0, err
	}
	if !t.IsContext(n) {
		return 0, fmt.Errorf("%w: want context tag %d, got %s", ErrUnexpectedTag, n, t)
	}
	return readUnsignedPayload(r, int(t.LengthValue))
}

// ReadContextBoolean consumes a context-tagged boolean
func ReadContextBoolean(r *Reader, n uint8) (bool, error) {
	v, err := ReadContextUnsigned(r, n)
	return v != 0, err
}

// ReadContextObjectID consumes a context-tagged object identifier
func ReadContextObjectID(r *Reader, n uint8) (ObjectIdentifier, error) {
	t, err := ReadTag(r)
	if err != nil {
		return ObjectIdentifier{}, err
	}
	if !t.IsContext(n) || t.LengthValue != 4 {
		return ObjectIdentifier{}, fmt.Errorf("%w: want object identifier in context tag %d, got %s", ErrUnexpectedTag, n, t)
	}
	raw, err := r.ReadUint32()
	if err != nil {
		return ObjectIdentifier{}, err
	}
	return DecodeObjectIdentifier(raw), nil
}

// readParamValue consumes opening tag n, then application-tagged values up
// to the matching closing tag. Nested constructed values are not supported.
func readParamValue(r *Reader, n uint8) ([]Value, error) {
	if err := expectOpening(r, n); err != nil {
		return nil, err
	}
	var values []Value
	for {
		t, err := PeekTag(r)
		if err != nil {
			return values, err
		}
		if t.IsClosing() && t.Number == n {
			r.Skip(1)
			return values, nil
		}
		if t.Class == TagClassContext {
			return values, fmt.Errorf("%w: nested %s inside context %d", ErrUnsupportedTag, t, n)
		}
		v, err := DecodeValue(r)
		if err != nil {
			return values, err
		}
		values = append(values, v)
	}
}

// writeValue brackets application-tagged values with context tag n
func writeValue(w *Writer, n uint8, values ...Value) {
	WriteOpeningTag(w, n)
	for _, v := range values {
		EncodeValue(w, v)
	}
	WriteClosingTag(w, n)
}
