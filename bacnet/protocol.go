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
	"net"
)

// BVLCHeaderLength is the size of the fixed BVLC header
const BVLCHeaderLength = 4

// NPDUVersion is the only supported network protocol version
const NPDUVersion = 0x01

// DefaultHopCount is written when a destination block is present
const DefaultHopCount = 0xFF

// BVLCHeader is the BACnet Virtual Link Control header
type BVLCHeader struct {
	Type     BVLCType
	Function BVLCFunction
	Length   uint16
	// Origin is the originating B/IP address of a Forwarded-NPDU
	Origin *net.UDPAddr
}

func (h *BVLCHeader) decode(r *Reader) error {
	t, err := r.ReadUint8()
	if err != nil {
		return decodeFault("bvlc", "type", err)
	}
	h.Type = BVLCType(t)
	if h.Type != BVLCTypeBACnetIP {
		return decodeFault("bvlc", "type", fmt.Errorf("%w: type 0x%02x", ErrInvalidBVLC, t))
	}
	f, err := r.ReadUint8()
	if err != nil {
		return decodeFault("bvlc", "function", err)
	}
	h.Function = BVLCFunction(f)
	if h.Length, err = r.ReadUint16(); err != nil {
		return decodeFault("bvlc", "length", err)
	}
	if int(h.Length) < BVLCHeaderLength || int(h.Length) > r.Len() {
		return decodeFault("bvlc", "length", fmt.Errorf("%w: declared length %d, datagram %d", ErrInvalidBVLC, h.Length, r.Len()))
	}
	if h.Function == BVLCForwardedNPDU {
		raw, err := r.ReadBytes(6)
		if err != nil {
			return decodeFault("bvlc", "origin", err)
		}
		h.Origin = &net.UDPAddr{
			IP:   net.IPv4(raw[0], raw[1], raw[2], raw[3]),
			Port: int(raw[4])<<8 | int(raw[5]),
		}
	}
	return nil
}

// carriesNPDU reports whether the function code is followed by an NPDU
func (h *BVLCHeader) carriesNPDU() bool {
	switch h.Function {
	case BVLCOriginalUnicastNPDU, BVLCOriginalBroadcastNPDU, BVLCForwardedNPDU, BVLCDistributeBroadcastToNetwork:
		return true
	default:
		return false
	}
}

// ControlFlags is the NPDU control octet, one field per bit from bit 7 down
type ControlFlags struct {
	NoAPDUMessageType bool
	Reserved1         bool
	DestSpecifier     bool
	Reserved2         bool
	SrcSpecifier      bool
	ExpectingReply    bool
	Priority1         bool
	Priority0         bool
}

// ParseControlFlags extracts each bit of the control octet independently
func ParseControlFlags(b uint8) ControlFlags {
	return ControlFlags{
		NoAPDUMessageType: GetBit(b, 7),
		Reserved1:         GetBit(b, 6),
		DestSpecifier:     GetBit(b, 5),
		Reserved2:         GetBit(b, 4),
		SrcSpecifier:      GetBit(b, 3),
		ExpectingReply:    GetBit(b, 2),
		Priority1:         GetBit(b, 1),
		Priority0:         GetBit(b, 0),
	}
}

// Byte packs the flags back into the control octet
func (c ControlFlags) Byte() uint8 {
	var b uint8
	b = SetBit(b, 7, c.NoAPDUMessageType)
	b = SetBit(b, 6, c.Reserved1)
	b = SetBit(b, 5, c.DestSpecifier)
	b = SetBit(b, 4, c.Reserved2)
	b = SetBit(b, 3, c.SrcSpecifier)
	b = SetBit(b, 2, c.ExpectingReply)
	b = SetBit(b, 1, c.Priority1)
	b = SetBit(b, 0, c.Priority0)
	return b
}

// Priority returns the 2-bit network priority
func (c ControlFlags) Priority() uint8 {
	var p uint8
	p = SetBit(p, 1, c.Priority1)
	p = SetBit(p, 0, c.Priority0)
	return p
}

// NPDU is the network-layer header
type NPDU struct {
	Version  uint8
	Control  ControlFlags
	Dest     *Address
	Src      *Address
	HopCount uint8
	// Set only for network-layer messages (Control.NoAPDUMessageType)
	MessageType NetworkMessageType
	VendorID    uint16
}

// NewNPDU creates an NPDU for a local-network APDU
func NewNPDU(expectingReply bool) *NPDU {
	return &NPDU{
		Version: NPDUVersion,
		Control: ControlFlags{ExpectingReply: expectingReply},
	}
}

// WithDest routes the NPDU to a remote network and sets the hop count
func (n *NPDU) WithDest(dest Address) *NPDU {
	n.Dest = &dest
	n.Control.DestSpecifier = true
	if n.HopCount == 0 {
		n.HopCount = DefaultHopCount
	}
	return n
}

// Encode writes the NPDU. Address blocks are written only when their
// specifier bit is set.
func (n *NPDU) Encode() *Writer {
	w := NewWriter()
	w.WriteUint8(NPDUVersion)
	w.WriteUint8(n.Control.Byte())
	if n.Control.DestSpecifier {
		writeNPDUAddress(w, n.Dest)
	}
	if n.Control.SrcSpecifier {
		writeNPDUAddress(w, n.Src)
	}
	if n.Control.DestSpecifier {
		w.WriteUint8(n.HopCount)
	}
	if n.Control.NoAPDUMessageType {
		w.WriteUint8(uint8(n.MessageType))
		if n.MessageType >= 0x80 {
			w.WriteUint16(n.VendorID)
		}
	}
	return w
}

func writeNPDUAddress(w *Writer, a *Address) {
	if a == nil {
		w.WriteUint16(0)
		w.WriteUint8(0)
		return
	}
	w.WriteUint16(a.Net)
	w.WriteUint8(uint8(len(a.MAC)))
	w.WriteBytes(a.MAC)
}

// DecodeNPDU decodes an NPDU header from the start of data and returns the
// number of bytes consumed
func DecodeNPDU(data []byte) (*NPDU, int, error) {
	r := NewReader(data)
	n, err := decodeNPDU(r)
	return n, r.Offset(), err
}

func decodeNPDU(r *Reader) (*NPDU, error) {
	n := &NPDU{}
	var err error
	if n.Version, err = r.ReadUint8(); err != nil {
		return n, decodeFault("npdu", "version", err)
	}
	if n.Version != NPDUVersion {
		return n, decodeFault("npdu", "version", fmt.Errorf("%w: unsupported version %d", ErrInvalidNPDU, n.Version))
	}
	control, err := r.ReadUint8()
	if err != nil {
		return n, decodeFault("npdu", "control", err)
	}
	n.Control = ParseControlFlags(control)

	if n.Control.DestSpecifier {
		if n.Dest, err = readNPDUAddress(r); err != nil {
			return n, decodeFault("npdu", "destination", err)
		}
	}
	if n.Control.SrcSpecifier {
		if n.Src, err = readNPDUAddress(r); err != nil {
			return n, decodeFault("npdu", "source", err)
		}
	}
	if n.Control.DestSpecifier {
		if n.HopCount, err = r.ReadUint8(); err != nil {
			return n, decodeFault("npdu", "hop-count", err)
		}
	}
	if n.Control.NoAPDUMessageType {
		mt, err := r.ReadUint8()
		if err != nil {
			return n, decodeFault("npdu", "message-type", err)
		}
		n.MessageType = NetworkMessageType(mt)
		if mt >= 0x80 {
			if n.VendorID, err = r.ReadUint16(); err != nil {
				return n, decodeFault("npdu", "vendor-id", err)
			}
		}
	}
	return n, nil
}

func readNPDUAddress(r *Reader) (*Address, error) {
	network, err := r.ReadUint16()
	if err != nil {
		return nil, err
	}
	macLen, err := r.ReadUint8()
	if err != nil {
		return nil, err
	}
	a := &Address{Net: network}
	if macLen > 0 {
		if a.MAC, err = r.ReadBytes(int(macLen)); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// Frame is one decoded BACnet/IP datagram
type Frame struct {
	BVLC BVLCHeader
	NPDU *NPDU
	// APDU is nil for network-layer messages and BVLC-only functions
	APDU APDU
}

// DecodeFrame decodes a datagram through all three layers. The NPDU slice
// is bounded by the declared BVLC length. On a fault the frame is returned
// populated up to the failing layer together with a *DecodeError.
func DecodeFrame(data []byte) (*Frame, error) {
	r := NewReader(data)
	f := &Frame{}
	if err := f.BVLC.decode(r); err != nil {
		return f, err
	}
	if !f.BVLC.carriesNPDU() {
		return f, nil
	}
	payload, err := r.Range(r.Offset(), int(f.BVLC.Length))
	if err != nil {
		return f, decodeFault("bvlc", "payload", err)
	}
	if f.NPDU, err = decodeNPDU(payload); err != nil {
		return f, err
	}
	if f.NPDU.Control.NoAPDUMessageType {
		return f, nil
	}
	f.APDU, err = decodeAPDU(payload)
	return f, err
}

// EncodeFrame assembles BVLC+NPDU+APDU into one datagram. The BVLC length
// is 4 plus the sizes of both writers; nil writers count as empty.
func EncodeFrame(function BVLCFunction, npdu, apdu *Writer) []byte {
	return encodeFrame(function, nil, npdu, apdu)
}

// EncodeForwardedFrame builds a Forwarded-NPDU carrying the originating address
func EncodeForwardedFrame(origin *net.UDPAddr, npdu, apdu *Writer) []byte {
	return encodeFrame(BVLCForwardedNPDU, origin, npdu, apdu)
}

func encodeFrame(function BVLCFunction, origin *net.UDPAddr, npdu, apdu *Writer) []byte {
	var originW *Writer
	if origin != nil {
		originW = NewWriter(AddressFromUDP(origin).MAC...)
	}
	header := NewWriter()
	header.WriteUint8(uint8(BVLCTypeBACnetIP))
	header.WriteUint8(uint8(function))
	header.WriteUint16(uint16(BVLCHeaderLength + originW.Len() + npdu.Len() + apdu.Len()))
	return Concat(header, originW, npdu, apdu).Bytes()
}

// EncodeAPDUFrame is a shorthand for a local-network frame carrying p
func EncodeAPDUFrame(function BVLCFunction, npdu *NPDU, p APDU) []byte {
	return EncodeFrame(function, npdu.Encode(), p.Encode())
}

// encodeRoutedFrame builds a unicast frame carrying p. A destination on a
// network other than localNet is written to the NPDU so a router forwards it.
func encodeRoutedFrame(dest *Address, localNet uint16, p APDU, expectingReply bool) []byte {
	npdu := NewNPDU(expectingReply)
	if dest != nil && dest.Net != 0 && dest.Net != localNet {
		npdu.WithDest(*dest)
	}
	return EncodeAPDUFrame(BVLCOriginalUnicastNPDU, npdu, p)
}
