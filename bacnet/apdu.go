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

// APDU is one application-layer PDU. Implementations are the pointer types
// ConfirmedRequest, UnconfirmedRequest, SimpleACK, ComplexACK, SegmentACK,
// ErrorPDU, RejectPDU and AbortPDU.
type APDU interface {
	Type() PDUType
	// Encode returns the wire form: header followed by the service body
	Encode() *Writer
}

// ConfirmedRequest is a request that expects an acknowledgement
type ConfirmedRequest struct {
	Segmented                 bool
	MoreFollows               bool
	SegmentedResponseAccepted bool
	MaxSegments               uint8 // 3-bit code
	MaxResponseSize           uint8 // 4-bit code
	InvokeID                  uint8
	SequenceNumber            uint8
	ProposedWindowSize        uint8
	ServiceChoice             ConfirmedServiceChoice
	Service                   ConfirmedService
	// Raw holds the undecoded body of a segmented request
	Raw []byte
}

// UnconfirmedRequest is a fire-and-forget request
type UnconfirmedRequest struct {
	ServiceChoice UnconfirmedServiceChoice
	Service       UnconfirmedService
}

// SimpleACK acknowledges a confirmed request that returns no data
type SimpleACK struct {
	InvokeID      uint8
	ServiceChoice ConfirmedServiceChoice
}

// ComplexACK carries the result of a confirmed request. When Segmented is
// set, Service is nil and Raw holds this fragment's body bytes.
type ComplexACK struct {
	Segmented          bool
	MoreFollows        bool
	InvokeID           uint8
	SequenceNumber     uint8
	ProposedWindowSize uint8
	ServiceChoice      ConfirmedServiceChoice
	Service            ConfirmedService
	Raw                []byte
}

// SegmentACK acknowledges (or negatively acknowledges) received segments
type SegmentACK struct {
	Negative         bool
	Server           bool
	InvokeID         uint8
	SequenceNumber   uint8
	ActualWindowSize uint8
}

// ErrorPDU reports a service failure for a confirmed request
type ErrorPDU struct {
	InvokeID      uint8
	ServiceChoice ConfirmedServiceChoice
	Class         ErrorClass
	Code          ErrorCode
}

// RejectPDU reports a syntactically unacceptable request
type RejectPDU struct {
	InvokeID uint8
	Reason   RejectReason
}

// AbortPDU terminates a transaction
type AbortPDU struct {
	Server   bool
	InvokeID uint8
	Reason   AbortReason
}

func (*ConfirmedRequest) Type() PDUType   { return PDUTypeConfirmedRequest }
func (*UnconfirmedRequest) Type() PDUType { return PDUTypeUnconfirmedRequest }
func (*SimpleACK) Type() PDUType          { return PDUTypeSimpleAck }
func (*ComplexACK) Type() PDUType         { return PDUTypeComplexAck }
func (*SegmentACK) Type() PDUType         { return PDUTypeSegmentAck }
func (*ErrorPDU) Type() PDUType           { return PDUTypeError }
func (*RejectPDU) Type() PDUType          { return PDUTypeReject }
func (*AbortPDU) Type() PDUType           { return PDUTypeAbort }

// Err converts the PDU into the matching Go error
func (p *ErrorPDU) Err() error { return NewBACnetError(p.Class, p.Code) }

// Err converts the PDU into the matching Go error
func (p *RejectPDU) Err() error { return &RejectError{InvokeID: p.InvokeID, Reason: p.Reason} }

// Err converts the PDU into the matching Go error
func (p *AbortPDU) Err() error {
	return &AbortError{InvokeID: p.InvokeID, Server: p.Server, Reason: p.Reason}
}

func metaByte(t PDUType) uint8 {
	return SetBits(0, 4, 4, uint8(t))
}

func (p *ConfirmedRequest) header() *Writer {
	w := NewWriter()
	meta := metaByte(PDUTypeConfirmedRequest)
	meta = SetBit(meta, 3, p.Segmented)
	meta = SetBit(meta, 2, p.MoreFollows)
	meta = SetBit(meta, 1, p.SegmentedResponseAccepted)
	w.WriteUint8(meta)
	w.WriteUint8(SetBits(SetBits(0, 4, 3, p.MaxSegments), 0, 4, p.MaxResponseSize))
	w.WriteUint8(p.InvokeID)
	if p.Segmented {
		w.WriteUint8(p.SequenceNumber)
		w.WriteUint8(p.ProposedWindowSize)
	}
	w.WriteUint8(uint8(p.ServiceChoice))
	return w
}

func (p *ConfirmedRequest) Encode() *Writer {
	return Concat(p.header(), serviceBody(p.Service, p.Raw))
}

func (p *UnconfirmedRequest) header() *Writer {
	w := NewWriter(metaByte(PDUTypeUnconfirmedRequest))
	w.WriteUint8(uint8(p.ServiceChoice))
	return w
}

func (p *UnconfirmedRequest) Encode() *Writer {
	var body *Writer
	if p.Service != nil {
		body = NewWriter()
		p.Service.encode(body)
	}
	return Concat(p.header(), body)
}

func (p *SimpleACK) Encode() *Writer {
	w := NewWriter(metaByte(PDUTypeSimpleAck))
	w.WriteUint8(p.InvokeID)
	w.WriteUint8(uint8(p.ServiceChoice))
	return w
}

func (p *ComplexACK) header() *Writer {
	meta := metaByte(PDUTypeComplexAck)
	meta = SetBit(meta, 3, p.Segmented)
	meta = SetBit(meta, 2, p.MoreFollows)
	w := NewWriter(meta)
	w.WriteUint8(p.InvokeID)
	if p.Segmented {
		w.WriteUint8(p.SequenceNumber)
		w.WriteUint8(p.ProposedWindowSize)
	}
	w.WriteUint8(uint8(p.ServiceChoice))
	return w
}

func (p *ComplexACK) Encode() *Writer {
	return Concat(p.header(), serviceBody(p.Service, p.Raw))
}

func (p *SegmentACK) Encode() *Writer {
	meta := metaByte(PDUTypeSegmentAck)
	meta = SetBit(meta, 1, p.Negative)
	meta = SetBit(meta, 0, p.Server)
	w := NewWriter(meta)
	w.WriteUint8(p.InvokeID)
	w.WriteUint8(p.SequenceNumber)
	w.WriteUint8(p.ActualWindowSize)
	return w
}

func (p *ErrorPDU) Encode() *Writer {
	w := NewWriter(metaByte(PDUTypeError))
	w.WriteUint8(p.InvokeID)
	w.WriteUint8(uint8(p.ServiceChoice))
	EncodeValue(w, Enumerated(p.Class))
	EncodeValue(w, Enumerated(p.Code))
	return w
}

func (p *RejectPDU) Encode() *Writer {
	w := NewWriter(metaByte(PDUTypeReject))
	w.WriteUint8(p.InvokeID)
	w.WriteUint8(uint8(p.Reason))
	return w
}

func (p *AbortPDU) Encode() *Writer {
	w := NewWriter(SetBit(metaByte(PDUTypeAbort), 0, p.Server))
	w.WriteUint8(p.InvokeID)
	w.WriteUint8(uint8(p.Reason))
	return w
}

func serviceBody(s ConfirmedService, raw []byte) *Writer {
	if s != nil {
		w := NewWriter()
		s.encode(w)
		return w
	}
	if len(raw) > 0 {
		return NewWriter(raw...)
	}
	return nil
}

// DecodeAPDU decodes one APDU. On a fault it returns the PDU populated up
// to the failing field together with a *DecodeError; the PDU is nil only
// when not even the PDU type could be determined.
func DecodeAPDU(buf []byte) (APDU, error) {
	return decodeAPDU(NewReader(buf))
}

func decodeAPDU(r *Reader) (APDU, error) {
	meta, err := r.ReadUint8()
	if err != nil {
		return nil, decodeFault("apdu", "meta", err)
	}
	switch t := PDUType(GetBits(meta, 4, 4)); t {
	case PDUTypeConfirmedRequest:
		p := &ConfirmedRequest{
			Segmented:                 GetBit(meta, 3),
			MoreFollows:               GetBit(meta, 2),
			SegmentedResponseAccepted: GetBit(meta, 1),
		}
		return p, decodeFault("apdu.confirmed-request", "", p.decode(r))
	case PDUTypeUnconfirmedRequest:
		p := &UnconfirmedRequest{}
		return p, decodeFault("apdu.unconfirmed-request", "", p.decode(r))
	case PDUTypeSimpleAck:
		p := &SimpleACK{}
		return p, decodeFault("apdu.simple-ack", "", p.decode(r))
	case PDUTypeComplexAck:
		p := &ComplexACK{
			Segmented:   GetBit(meta, 3),
			MoreFollows: GetBit(meta, 2),
		}
		return p, decodeFault("apdu.complex-ack", "", p.decode(r))
	case PDUTypeSegmentAck:
		p := &SegmentACK{Negative: GetBit(meta, 1), Server: GetBit(meta, 0)}
		return p, decodeFault("apdu.segment-ack", "", p.decode(r))
	case PDUTypeError:
		p := &ErrorPDU{}
		return p, decodeFault("apdu.error", "", p.decode(r))
	case PDUTypeReject:
		p := &RejectPDU{}
		return p, decodeFault("apdu.reject", "", p.decode(r))
	case PDUTypeAbort:
		p := &AbortPDU{Server: GetBit(meta, 0)}
		return p, decodeFault("apdu.abort", "", p.decode(r))
	default:
		return nil, decodeFault("apdu", "meta", fmt.Errorf("%w: %d", ErrUnknownPDUType, uint8(t)))
	}
}

func (p *ConfirmedRequest) decode(r *Reader) error {
	b, err := r.ReadUint8()
	if err != nil {
		return decodeFault("apdu.confirmed-request", "max-segments", err)
	}
	p.MaxSegments = GetBits(b, 4, 3)
	p.MaxResponseSize = GetBits(b, 0, 4)
	if p.InvokeID, err = r.ReadUint8(); err != nil {
		return decodeFault("apdu.confirmed-request", "invoke-id", err)
	}
	if p.Segmented {
		if p.SequenceNumber, err = r.ReadUint8(); err != nil {
			return decodeFault("apdu.confirmed-request", "sequence-number", err)
		}
		if p.ProposedWindowSize, err = r.ReadUint8(); err != nil {
			return decodeFault("apdu.confirmed-request", "window-size", err)
		}
	}
	choice, err := r.ReadUint8()
	if err != nil {
		return decodeFault("apdu.confirmed-request", "service-choice", err)
	}
	p.ServiceChoice = ConfirmedServiceChoice(choice)
	if p.Segmented {
		p.Raw, _ = r.ReadBytes(r.Remaining())
		return nil
	}
	p.Service, err = decodeConfirmedService(p.ServiceChoice, r)
	return decodeFault("apdu.confirmed-request", p.ServiceChoice.String(), err)
}

func (p *UnconfirmedRequest) decode(r *Reader) error {
	choice, err := r.ReadUint8()
	if err != nil {
		return decodeFault("apdu.unconfirmed-request", "service-choice", err)
	}
	p.ServiceChoice = UnconfirmedServiceChoice(choice)
	p.Service, err = decodeUnconfirmedService(p.ServiceChoice, r)
	return decodeFault("apdu.unconfirmed-request", p.ServiceChoice.String(), err)
}

func (p *SimpleACK) decode(r *Reader) error {
	var err error
	if p.InvokeID, err = r.ReadUint8(); err != nil {
		return decodeFault("apdu.simple-ack", "invoke-id", err)
	}
	choice, err := r.ReadUint8()
	if err != nil {
		return decodeFault("apdu.simple-ack", "service-choice", err)
	}
	p.ServiceChoice = ConfirmedServiceChoice(choice)
	switch p.ServiceChoice {
	case ServiceSubscribeCOV, ServiceWriteProperty:
		return nil
	default:
		return decodeFault("apdu.simple-ack", "service-choice", fmt.Errorf("%w: %s", ErrUnknownService, p.ServiceChoice))
	}
}

func (p *ComplexACK) decode(r *Reader) error {
	var err error
	if p.InvokeID, err = r.ReadUint8(); err != nil {
		return decodeFault("apdu.complex-ack", "invoke-id", err)
	}
	if p.Segmented {
		if p.SequenceNumber, err = r.ReadUint8(); err != nil {
			return decodeFault("apdu.complex-ack", "sequence-number", err)
		}
		if p.ProposedWindowSize, err = r.ReadUint8(); err != nil {
			return decodeFault("apdu.complex-ack", "window-size", err)
		}
	}
	choice, err := r.ReadUint8()
	if err != nil {
		return decodeFault("apdu.complex-ack", "service-choice", err)
	}
	p.ServiceChoice = ConfirmedServiceChoice(choice)
	if p.Segmented {
		p.Raw, _ = r.ReadBytes(r.Remaining())
		return nil
	}
	p.Service, err = decodeACKService(p.ServiceChoice, r)
	return decodeFault("apdu.complex-ack", p.ServiceChoice.String(), err)
}

func (p *SegmentACK) decode(r *Reader) error {
	var err error
	if p.InvokeID, err = r.ReadUint8(); err != nil {
		return decodeFault("apdu.segment-ack", "invoke-id", err)
	}
	if p.SequenceNumber, err = r.ReadUint8(); err != nil {
		return decodeFault("apdu.segment-ack", "sequence-number", err)
	}
	if p.ActualWindowSize, err = r.ReadUint8(); err != nil {
		return decodeFault("apdu.segment-ack", "window-size", err)
	}
	return nil
}

func (p *ErrorPDU) decode(r *Reader) error {
	var err error
	if p.InvokeID, err = r.ReadUint8(); err != nil {
		return decodeFault("apdu.error", "invoke-id", err)
	}
	choice, err := r.ReadUint8()
	if err != nil {
		return decodeFault("apdu.error", "service-choice", err)
	}
	p.ServiceChoice = ConfirmedServiceChoice(choice)
	class, err := readEnumerated(r)
	if err != nil {
		return decodeFault("apdu.error", "error-class", err)
	}
	p.Class = ErrorClass(class)
	code, err := readEnumerated(r)
	if err != nil {
		return decodeFault("apdu.error", "error-code", err)
	}
	p.Code = ErrorCode(code)
	return nil
}

func (p *RejectPDU) decode(r *Reader) error {
	var err error
	if p.InvokeID, err = r.ReadUint8(); err != nil {
		return decodeFault("apdu.reject", "invoke-id", err)
	}
	reason, err := r.ReadUint8()
	if err != nil {
		return decodeFault("apdu.reject", "reason", err)
	}
	p.Reason = RejectReason(reason)
	return nil
}

func (p *AbortPDU) decode(r *Reader) error {
	var err error
	if p.InvokeID, err = r.ReadUint8(); err != nil {
		return decodeFault("apdu.abort", "invoke-id", err)
	}
	reason, err := r.ReadUint8()
	if err != nil {
		return decodeFault("apdu.abort", "reason", err)
	}
	p.Reason = AbortReason(reason)
	return nil
}

// InvokeIDOf returns the invoke ID carried by p, if its type has one
func InvokeIDOf(p APDU) (uint8, bool) {
	switch p := p.(type) {
	case *ConfirmedRequest:
		return p.InvokeID, true
	case *SimpleACK:
		return p.InvokeID, true
	case *ComplexACK:
		return p.InvokeID, true
	case *SegmentACK:
		return p.InvokeID, true
	case *ErrorPDU:
		return p.InvokeID, true
	case *RejectPDU:
		return p.InvokeID, true
	case *AbortPDU:
		return p.InvokeID, true
	default:
		return 0, false
	}
}
