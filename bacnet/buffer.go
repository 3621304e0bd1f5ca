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
	"encoding/binary"
	"fmt"
	"math"
	"unicode/utf8"
)

// Reader is a forward-only cursor over a byte slice. Reads past the end
// return ErrShortBuffer and leave the offset untouched.
type Reader struct {
	buf    []byte
	offset int
}

// NewReader creates a reader positioned at the start of buf
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Offset returns the current read position
func (r *Reader) Offset() int {
	return r.offset
}

// Len returns the total length of the underlying buffer
func (r *Reader) Len() int {
	return len(r.buf)
}

// Remaining returns the number of unread bytes
func (r *Reader) Remaining() int {
	return len(r.buf) - r.offset
}

// Bytes returns the unread portion of the buffer without consuming it
func (r *Reader) Bytes() []byte {
	return r.buf[r.offset:]
}

func (r *Reader) need(n int) error {
	if n < 0 || r.offset+n > len(r.buf) {
		return fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrShortBuffer, n, r.offset, len(r.buf)-r.offset)
	}
	return nil
}

// ReadUint8 reads one byte and advances
func (r *Reader) ReadUint8() (uint8, error) {
	v, err := r.PeekUint8()
	if err == nil {
		r.offset++
	}
	return v, err
}

// PeekUint8 returns the next byte without advancing
func (r *Reader) PeekUint8() (uint8, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	return r.buf[r.offset], nil
}

// ReadUint16 reads a big-endian uint16 and advances
func (r *Reader) ReadUint16() (uint16, error) {
	v, err := r.PeekUint16()
	if err == nil {
		r.offset += 2
	}
	return v, err
}

// PeekUint16 returns the next big-endian uint16 without advancing
func (r *Reader) PeekUint16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(r.buf[r.offset:]), nil
}

// ReadUint32 reads a big-endian uint32 and advances
func (r *Reader) ReadUint32() (uint32, error) {
	v, err := r.PeekUint32()
	if err == nil {
		r.offset += 4
	}
	return v, err
}

// PeekUint32 returns the next big-endian uint32 without advancing
func (r *Reader) PeekUint32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(r.buf[r.offset:]), nil
}

// ReadFloat32 reads a big-endian IEEE-754 single and advances
func (r *Reader) ReadFloat32() (float32, error) {
	bits, err := r.ReadUint32()
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(bits), nil
}

// ReadBytes consumes n bytes and returns a copy
func (r *Reader) ReadBytes(n int) ([]byte, error) {
	if err := r.need(n); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, r.buf[r.offset:r.offset+n])
	r.offset += n
	return out, nil
}

// ReadString consumes n bytes and decodes them as UTF-8 text
func (r *Reader) ReadString(n int) (string, error) {
	if err := r.need(n); err != nil {
		return "", err
	}
	raw := r.buf[r.offset : r.offset+n]
	if !utf8.Valid(raw) {
		return "", fmt.Errorf("%w: invalid UTF-8 in character string", ErrInvalidValue)
	}
	r.offset += n
	return string(raw), nil
}

// Skip advances the offset by n bytes
func (r *Reader) Skip(n int) error {
	if err := r.need(n); err != nil {
		return err
	}
	r.offset += n
	return nil
}

// Range returns a reader over buf[start:end] without moving this reader.
// A negative end means the rest of the buffer.
func (r *Reader) Range(start, end int) (*Reader, error) {
	if end < 0 {
		end = len(r.buf)
	}
	if start < 0 || start > end || end > len(r.buf) {
		return nil, fmt.Errorf("%w: range [%d:%d] of %d bytes", ErrShortBuffer, start, end, len(r.buf))
	}
	return NewReader(r.buf[start:end:end]), nil
}

// Writer is a growable big-endian byte sink
type Writer struct {
	buf []byte
}

// NewWriter creates a writer. When seed is given, writes are appended after it.
func NewWriter(seed ...byte) *Writer {
	w := &Writer{}
	if len(seed) > 0 {
		w.buf = append(make([]byte, 0, len(seed)+16), seed...)
	}
	return w
}

// Bytes returns the written bytes
func (w *Writer) Bytes() []byte {
	if w == nil {
		return nil
	}
	return w.buf
}

// Len returns the number of bytes written; a nil writer has length 0
func (w *Writer) Len() int {
	if w == nil {
		return 0
	}
	return len(w.buf)
}

// WriteUint8 appends one byte
func (w *Writer) WriteUint8(v uint8) {
	w.buf = append(w.buf, v)
}

// WriteUint16 appends a big-endian uint16
func (w *Writer) WriteUint16(v uint16) {
	w.buf = binary.BigEndian.AppendUint16(w.buf, v)
}

// WriteUint32 appends a big-endian uint32
func (w *Writer) WriteUint32(v uint32) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, v)
}

// WriteFloat32 appends a big-endian IEEE-754 single
func (w *Writer) WriteFloat32(v float32) {
	w.WriteUint32(math.Float32bits(v))
}

// WriteBytes appends raw bytes
func (w *Writer) WriteBytes(b []byte) {
	w.buf = append(w.buf, b...)
}

// WriteString appends the UTF-8 bytes of s
func (w *Writer) WriteString(s string) {
	w.buf = append(w.buf, s...)
}

// Concat returns a new writer holding the bytes of each writer in order.
// Nil writers are skipped.
func Concat(writers ...*Writer) *Writer {
	size := 0
	for _, w := range writers {
		size += w.Len()
	}
	out := &Writer{buf: make([]byte, 0, size)}
	for _, w := range writers {
		out.buf = append(out.buf, w.Bytes()...)
	}
	return out
}
