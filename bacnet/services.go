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

// ConfirmedService is the body of a confirmed request or ComplexACK
type ConfirmedService interface {
	ServiceChoice() ConfirmedServiceChoice
	encode(w *Writer)
}

// UnconfirmedService is the body of an unconfirmed request
type UnconfirmedService interface {
	ServiceChoice() UnconfirmedServiceChoice
	encode(w *Writer)
}

// WhoIs asks devices to announce themselves. Without limits every device
// answers; otherwise only devices with Low <= instance <= High.
type WhoIs struct {
	Low  *uint32
	High *uint32
}

// IAm announces a device
type IAm struct {
	ObjectID      ObjectIdentifier
	MaxAPDULength uint32
	Segmentation  Segmentation
	VendorID      uint32
}

// COVNotification reports changed properties of a monitored object
type COVNotification struct {
	SubscriberProcessID uint32
	InitiatingDevice    ObjectIdentifier
	MonitoredObject     ObjectIdentifier
	TimeRemaining       uint32
	Values              []PropertyValue
}

// ReadPropertyRequest reads one property, or one array element when
// ArrayIndex is set
type ReadPropertyRequest struct {
	ObjectID   ObjectIdentifier
	PropertyID PropertyIdentifier
	ArrayIndex *uint32
}

// ReadPropertyACK carries the value list of a ReadProperty result
type ReadPropertyACK struct {
	ObjectID   ObjectIdentifier
	PropertyID PropertyIdentifier
	ArrayIndex *uint32
	Values     []Value
}

// WritePropertyRequest writes a property at an optional priority
type WritePropertyRequest struct {
	ObjectID   ObjectIdentifier
	PropertyID PropertyIdentifier
	ArrayIndex *uint32
	Values     []Value
	Priority   *uint8
}

// SubscribeCOVRequest creates or cancels a COV subscription. A request with
// neither IssueConfirmed nor Lifetime set is a cancellation.
type SubscribeCOVRequest struct {
	SubscriberProcessID uint32
	MonitoredObject     ObjectIdentifier
	IssueConfirmed      *bool
	Lifetime            *uint32
}

// IsCancellation reports whether the request cancels a subscription
func (s *SubscribeCOVRequest) IsCancellation() bool {
	return s.IssueConfirmed == nil && s.Lifetime == nil
}

func (*WhoIs) ServiceChoice() UnconfirmedServiceChoice           { return ServiceWhoIs }
func (*IAm) ServiceChoice() UnconfirmedServiceChoice             { return ServiceIAm }
func (*COVNotification) ServiceChoice() UnconfirmedServiceChoice { return ServiceUnconfirmedCOVNotification }

func (*ReadPropertyRequest) ServiceChoice() ConfirmedServiceChoice  { return ServiceReadProperty }
func (*ReadPropertyACK) ServiceChoice() ConfirmedServiceChoice      { return ServiceReadProperty }
func (*WritePropertyRequest) ServiceChoice() ConfirmedServiceChoice { return ServiceWriteProperty }
func (*SubscribeCOVRequest) ServiceChoice() ConfirmedServiceChoice  { return ServiceSubscribeCOV }

func (s *WhoIs) encode(w *Writer) {
	if s.Low != nil && s.High != nil {
		WriteContextUnsigned(w, 0, *s.Low)
		WriteContextUnsigned(w, 1, *s.High)
	}
}

func (s *WhoIs) decode(r *Reader) error {
	if r.Remaining() == 0 {
		return nil
	}
	low, err := ReadContextUnsigned(r, 0)
	if err != nil {
		return err
	}
	high, err := ReadContextUnsigned(r, 1)
	if err != nil {
		return err
	}
	s.Low, s.High = &low, &high
	return nil
}

// Matches reports whether a device instance falls within the WhoIs range
func (s *WhoIs) Matches(instance uint32) bool {
	if s.Low == nil || s.High == nil {
		return true
	}
	return instance >= *s.Low && instance <= *s.High
}

func (s *IAm) encode(w *Writer) {
	EncodeValue(w, s.ObjectID)
	EncodeValue(w, Unsigned(s.MaxAPDULength))
	EncodeValue(w, Enumerated(s.Segmentation))
	EncodeValue(w, Unsigned(s.VendorID))
}

func (s *IAm) decode(r *Reader) error {
	v, err := DecodeValue(r)
	if err != nil {
		return err
	}
	oid, ok := v.(ObjectIdentifier)
	if !ok {
		return fmt.Errorf("%w: i-am object identifier is %s", ErrUnexpectedTag, v.Tag())
	}
	s.ObjectID = oid
	if s.MaxAPDULength, err = readUnsigned(r); err != nil {
		return err
	}
	seg, err := readEnumerated(r)
	if err != nil {
		return err
	}
	s.Segmentation = Segmentation(seg)
	s.VendorID, err = readUnsigned(r)
	return err
}

func (s *COVNotification) encode(w *Writer) {
	WriteContextUnsigned(w, 0, s.SubscriberProcessID)
	WriteContextObjectID(w, 1, s.InitiatingDevice)
	WriteContextObjectID(w, 2, s.MonitoredObject)
	WriteContextUnsigned(w, 3, s.TimeRemaining)
	WriteOpeningTag(w, 4)
	for _, pv := range s.Values {
		WriteContextEnumerated(w, 0, uint32(pv.PropertyID))
		if pv.ArrayIndex != nil {
			WriteContextUnsigned(w, 1, *pv.ArrayIndex)
		}
		writeValue(w, 2, pv.Values...)
		if pv.Priority != nil {
			WriteContextUnsigned(w, 3, uint32(*pv.Priority))
		}
	}
	WriteClosingTag(w, 4)
}

func (s *COVNotification) decode(r *Reader) error {
	var err error
	if s.SubscriberProcessID, err = ReadContextUnsigned(r, 0); err != nil {
		return err
	}
	if s.InitiatingDevice, err = ReadContextObjectID(r, 1); err != nil {
		return err
	}
	if s.MonitoredObject, err = ReadContextObjectID(r, 2); err != nil {
		return err
	}
	if s.TimeRemaining, err = ReadContextUnsigned(r, 3); err != nil {
		return err
	}
	if err := expectOpening(r, 4); err != nil {
		return err
	}
	for !nextIsClosing(r, 4) {
		pv := PropertyValue{ObjectID: s.MonitoredObject}
		prop, err := ReadContextUnsigned(r, 0)
		if err != nil {
			return err
		}
		pv.PropertyID = PropertyIdentifier(prop)
		if nextIsContext(r, 1) {
			idx, err := ReadContextUnsigned(r, 1)
			if err != nil {
				return err
			}
			pv.ArrayIndex = &idx
		}
		if pv.Values, err = readParamValue(r, 2); err != nil {
			return err
		}
		if nextIsContext(r, 3) {
			prio, err := ReadContextUnsigned(r, 3)
			if err != nil {
				return err
			}
			p := uint8(prio)
			pv.Priority = &p
		}
		s.Values = append(s.Values, pv)
	}
	return expectClosing(r, 4)
}

func (s *ReadPropertyRequest) encode(w *Writer) {
	WriteContextObjectID(w, 0, s.ObjectID)
	WriteContextEnumerated(w, 1, uint32(s.PropertyID))
	if s.ArrayIndex != nil {
		WriteContextUnsigned(w, 2, *s.ArrayIndex)
	}
}

func (s *ReadPropertyRequest) decode(r *Reader) error {
	var err error
	if s.ObjectID, err = ReadContextObjectID(r, 0); err != nil {
		return err
	}
	prop, err := ReadContextUnsigned(r, 1)
	if err != nil {
		return err
	}
	s.PropertyID = PropertyIdentifier(prop)
	if nextIsContext(r, 2) {
		idx, err := ReadContextUnsigned(r, 2)
		if err != nil {
			return err
		}
		s.ArrayIndex = &idx
	}
	return nil
}

func (s *ReadPropertyACK) encode(w *Writer) {
	WriteContextObjectID(w, 0, s.ObjectID)
	WriteContextEnumerated(w, 1, uint32(s.PropertyID))
	if s.ArrayIndex != nil {
		WriteContextUnsigned(w, 2, *s.ArrayIndex)
	}
	writeValue(w, 3, s.Values...)
}

func (s *ReadPropertyACK) decode(r *Reader) error {
	var err error
	if s.ObjectID, err = ReadContextObjectID(r, 0); err != nil {
		return err
	}
	prop, err := ReadContextUnsigned(r, 1)
	if err != nil {
		return err
	}
	s.PropertyID = PropertyIdentifier(prop)
	if nextIsContext(r, 2) {
		idx, err := ReadContextUnsigned(r, 2)
		if err != nil {
			return err
		}
		s.ArrayIndex = &idx
	}
	s.Values, err = readParamValue(r, 3)
	return err
}

func (s *WritePropertyRequest) encode(w *Writer) {
	WriteContextObjectID(w, 0, s.ObjectID)
	WriteContextEnumerated(w, 1, uint32(s.PropertyID))
	if s.ArrayIndex != nil {
		WriteContextUnsigned(w, 2, *s.ArrayIndex)
	}
	writeValue(w, 3, s.Values...)
	if s.Priority != nil {
		WriteContextUnsigned(w, 4, uint32(*s.Priority))
	}
}

func (s *WritePropertyRequest) decode(r *Reader) error {
	var err error
	if s.ObjectID, err = ReadContextObjectID(r, 0); err != nil {
		return err
	}
	prop, err := ReadContextUnsigned(r, 1)
	if err != nil {
		return err
	}
	s.PropertyID = PropertyIdentifier(prop)
	if nextIsContext(r, 2) {
		idx, err := ReadContextUnsigned(r, 2)
		if err != nil {
			return err
		}
		s.ArrayIndex = &idx
	}
	if s.Values, err = readParamValue(r, 3); err != nil {
		return err
	}
	if nextIsContext(r, 4) {
		prio, err := ReadContextUnsigned(r, 4)
		if err != nil {
			return err
		}
		if prio < 1 || prio > 16 {
			return fmt.Errorf("%w: priority %d", ErrInvalidValue, prio)
		}
		p := uint8(prio)
		s.Priority = &p
	}
	return nil
}

func (s *SubscribeCOVRequest) encode(w *Writer) {
	WriteContextUnsigned(w, 0, s.SubscriberProcessID)
	WriteContextObjectID(w, 1, s.MonitoredObject)
	if s.IssueConfirmed != nil {
		WriteContextBoolean(w, 2, *s.IssueConfirmed)
	}
	if s.Lifetime != nil {
		WriteContextUnsigned(w, 3, *s.Lifetime)
	}
}

func (s *SubscribeCOVRequest) decode(r *Reader) error {
	var err error
	if s.SubscriberProcessID, err = ReadContextUnsigned(r, 0); err != nil {
		return err
	}
	if s.MonitoredObject, err = ReadContextObjectID(r, 1); err != nil {
		return err
	}
	if nextIsContext(r, 2) {
		confirmed, err := ReadContextBoolean(r, 2)
		if err != nil {
			return err
		}
		s.IssueConfirmed = &confirmed
	}
	if nextIsContext(r, 3) {
		lifetime, err := ReadContextUnsigned(r, 3)
		if err != nil {
			return err
		}
		s.Lifetime = &lifetime
	}
	return nil
}

func decodeConfirmedService(choice ConfirmedServiceChoice, r *Reader) (ConfirmedService, error) {
	switch choice {
	case ServiceReadProperty:
		s := &ReadPropertyRequest{}
		return s, s.decode(r)
	case ServiceWriteProperty:
		s := &WritePropertyRequest{}
		return s, s.decode(r)
	case ServiceSubscribeCOV:
		s := &SubscribeCOVRequest{}
		return s, s.decode(r)
	default:
		return nil, fmt.Errorf("%w: confirmed %s", ErrUnknownService, choice)
	}
}

func decodeUnconfirmedService(choice UnconfirmedServiceChoice, r *Reader) (UnconfirmedService, error) {
	switch choice {
	case ServiceWhoIs:
		s := &WhoIs{}
		return s, s.decode(r)
	case ServiceIAm:
		s := &IAm{}
		return s, s.decode(r)
	case ServiceUnconfirmedCOVNotification:
		s := &COVNotification{}
		return s, s.decode(r)
	default:
		return nil, fmt.Errorf("%w: unconfirmed %s", ErrUnknownService, choice)
	}
}

// decodeACKService parses a ComplexACK body. It is also used on the
// concatenated body of a reassembled segmented ACK.
func decodeACKService(choice ConfirmedServiceChoice, r *Reader) (ConfirmedService, error) {
	switch choice {
	case ServiceReadProperty:
		s := &ReadPropertyACK{}
		return s, s.decode(r)
	default:
		return nil, fmt.Errorf("%w: complex-ack %s", ErrUnknownService, choice)
	}
}

func readUnsigned(r *Reader) (uint32, error) {
	v, err := DecodeValue(r)
	if err != nil {
		return 0, err
	}
	u, ok := v.(Unsigned)
	if !ok {
		return 0, fmt.Errorf("%w: want unsigned, got %s", ErrUnexpectedTag, v.Tag())
	}
	return uint32(u), nil
}

func readEnumerated(r *Reader) (uint32, error) {
	v, err := DecodeValue(r)
	if err != nil {
		return 0, err
	}
	e, ok := v.(Enumerated)
	if !ok {
		return 0, fmt.Errorf("%w: want enumerated, got %s", ErrUnexpectedTag, v.Tag())
	}
	return uint32(e), nil
}
