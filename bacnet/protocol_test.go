package bacnet

import (
	"bytes"
	"errors"
	"net"
	"testing"
)

func TestControlFlags(t *testing.T) {
	a := ParseControlFlags(0xAA)
	if !a.NoAPDUMessageType || !a.DestSpecifier || !a.SrcSpecifier || !a.Priority1 {
		t.Fatalf("0xaa missing set bits: %+v", a)
	}
	if a.Reserved1 || a.Reserved2 || a.ExpectingReply || a.Priority0 {
		t.Fatalf("0xaa has extra bits: %+v", a)
	}

	b := ParseControlFlags(0x55)
	if b.NoAPDUMessageType || b.DestSpecifier || b.SrcSpecifier || b.Priority1 {
		t.Fatalf("0x55 has extra bits: %+v", b)
	}
	if !b.Reserved1 || !b.Reserved2 || !b.ExpectingReply || !b.Priority0 {
		t.Fatalf("0x55 missing set bits: %+v", b)
	}

	for _, v := range []uint8{0x00, 0x04, 0x20, 0xAA, 0x55, 0xFF} {
		if got := ParseControlFlags(v).Byte(); got != v {
			t.Errorf("Byte(Parse(0x%02x)) = 0x%02x", v, got)
		}
	}
	if p := ParseControlFlags(0x03).Priority(); p != 3 {
		t.Errorf("priority = %d, want 3", p)
	}
}

func TestBVLCLength(t *testing.T) {
	empty := EncodeFrame(BVLCOriginalUnicastNPDU, nil, nil)
	if !bytes.Equal(empty, []byte{0x81, 0x0A, 0x00, 0x04}) {
		t.Fatalf("empty frame = % x", empty)
	}

	npduOnly := EncodeFrame(BVLCOriginalBroadcastNPDU, NewWriter(0x01, 0x80, 0x00), nil)
	if !bytes.Equal(npduOnly[:4], []byte{0x81, 0x0B, 0x00, 0x07}) {
		t.Fatalf("header = % x, want 81 0b 00 07", npduOnly[:4])
	}

	frame := EncodeAPDUFrame(BVLCOriginalUnicastNPDU, NewNPDU(true), &SimpleACK{InvokeID: 3, ServiceChoice: ServiceWriteProperty})
	if got := int(frame[2])<<8 | int(frame[3]); got != len(frame) {
		t.Fatalf("declared length %d, frame is %d bytes", got, len(frame))
	}
}

func TestDecodeFrameLengthBounded(t *testing.T) {
	frame := EncodeAPDUFrame(BVLCOriginalBroadcastNPDU, NewNPDU(false), &UnconfirmedRequest{ServiceChoice: ServiceWhoIs, Service: &WhoIs{}})
	padded := append(append([]byte(nil), frame...), 0x09, 0x05)

	f, err := DecodeFrame(padded)
	if err != nil {
		t.Fatalf("trailing bytes beyond the declared length were parsed: %v", err)
	}
	who, ok := f.APDU.(*UnconfirmedRequest).Service.(*WhoIs)
	if !ok || who.Low != nil {
		t.Fatalf("want unbounded who-is, got %+v", f.APDU)
	}

	if _, err := DecodeFrame(frame[:len(frame)-1]); !errors.Is(err, ErrInvalidBVLC) {
		t.Fatalf("truncated frame err = %v, want ErrInvalidBVLC", err)
	}
	if _, err := DecodeFrame([]byte{0x82, 0x0A, 0x00, 0x04}); !errors.Is(err, ErrInvalidBVLC) {
		t.Fatalf("foreign BVLC type err = %v", err)
	}
}

func TestForwardedFrame(t *testing.T) {
	origin := &net.UDPAddr{IP: net.IPv4(192, 168, 1, 20), Port: 47809}
	npdu := NewNPDU(false).Encode()
	apdu := (&UnconfirmedRequest{ServiceChoice: ServiceWhoIs, Service: &WhoIs{}}).Encode()
	f, err := DecodeFrame(EncodeForwardedFrame(origin, npdu, apdu))
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if f.BVLC.Function != BVLCForwardedNPDU || f.BVLC.Length != 14 {
		t.Fatalf("bvlc = %+v", f.BVLC)
	}
	if !f.BVLC.Origin.IP.Equal(origin.IP) || f.BVLC.Origin.Port != origin.Port {
		t.Fatalf("origin = %v, want %v", f.BVLC.Origin, origin)
	}
}

func TestDecodeNPDURouted(t *testing.T) {
	raw := []byte{
		0x01, 0x28,
		0x00, 0x05, 0x01, 0x0A, // destination
		0x00, 0x07, 0x01, 0x0B, // source
		0xFF, // hop count
		0x10, 0x08,
	}
	n, consumed, err := DecodeNPDU(raw)
	if err != nil {
		t.Fatalf("DecodeNPDU: %v", err)
	}
	if consumed != 11 {
		t.Fatalf("consumed %d bytes, want 11", consumed)
	}
	if n.Dest == nil || n.Dest.Net != 5 || !bytes.Equal(n.Dest.MAC, []byte{0x0A}) {
		t.Fatalf("dest = %+v", n.Dest)
	}
	if n.Src == nil || n.Src.Net != 7 || !bytes.Equal(n.Src.MAC, []byte{0x0B}) {
		t.Fatalf("src = %+v", n.Src)
	}
	if n.HopCount != 0xFF {
		t.Fatalf("hop count = %d", n.HopCount)
	}

	n = NewNPDU(true).WithDest(Address{Net: 5, MAC: []byte{0x0A}})
	n.Src = &Address{Net: 7, MAC: []byte{0x0B}}
	n.Control.SrcSpecifier = true
	if got := n.Encode().Bytes(); !bytes.Equal(got, []byte{0x01, 0x2C, 0x00, 0x05, 0x01, 0x0A, 0x00, 0x07, 0x01, 0x0B, 0xFF}) {
		t.Fatalf("encoded % x", got)
	}
}

func TestNetworkMessageHasNoAPDU(t *testing.T) {
	data := EncodeFrame(BVLCOriginalBroadcastNPDU, NewWriter(0x01, 0x80, 0x80, 0x01, 0x04), nil)
	f, err := DecodeFrame(data)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if f.APDU != nil || f.NPDU.MessageType != 0x80 || f.NPDU.VendorID != 0x0104 {
		t.Fatalf("network message decoded as %+v / %+v", f.NPDU, f.APDU)
	}
}

func TestWhoIsIAmRoundTrip(t *testing.T) {
	low, high := uint32(100), uint32(70000)
	who := &UnconfirmedRequest{ServiceChoice: ServiceWhoIs, Service: &WhoIs{Low: &low, High: &high}}
	f, err := DecodeFrame(EncodeAPDUFrame(BVLCOriginalBroadcastNPDU, NewNPDU(false), who))
	if err != nil {
		t.Fatalf("who-is: %v", err)
	}
	got := f.APDU.(*UnconfirmedRequest).Service.(*WhoIs)
	if *got.Low != low || *got.High != high {
		t.Fatalf("limits = %d..%d", *got.Low, *got.High)
	}
	if got.Matches(99) || !got.Matches(100) || !got.Matches(70000) || got.Matches(70001) {
		t.Fatalf("range matching wrong")
	}

	iam := &IAm{
		ObjectID:      NewObjectIdentifier(ObjectTypeDevice, 9999),
		MaxAPDULength: 1476,
		Segmentation:  SegmentationBoth,
		VendorID:      7,
	}
	data := EncodeAPDUFrame(BVLCOriginalUnicastNPDU, NewNPDU(false), &UnconfirmedRequest{ServiceChoice: ServiceIAm, Service: iam})
	want := []byte{0x10, 0x00, 0xC4, 0x02, 0x00, 0x27, 0x0F, 0x22, 0x05, 0xC4, 0x91, 0x00, 0x21, 0x07}
	if !bytes.Equal(data[6:], want) {
		t.Fatalf("i-am apdu = % x, want % x", data[6:], want)
	}
	f, err = DecodeFrame(data)
	if err != nil {
		t.Fatalf("i-am: %v", err)
	}
	if back := f.APDU.(*UnconfirmedRequest).Service.(*IAm); *back != *iam {
		t.Fatalf("i-am = %+v, want %+v", back, iam)
	}
}

func TestConfirmedServicesRoundTrip(t *testing.T) {
	idx := uint32(3)
	prio := uint8(8)
	confirmed := false
	lifetime := uint32(300)

	tests := []struct {
		name string
		svc  ConfirmedService
	}{
		{"read", &ReadPropertyRequest{ObjectID: NewObjectIdentifier(ObjectTypeDevice, 1), PropertyID: PropertyObjectList, ArrayIndex: &idx}},
		{"write", &WritePropertyRequest{ObjectID: NewObjectIdentifier(ObjectTypeAnalogValue, 2), PropertyID: PropertyPresentValue, Values: []Value{Real(21.5)}, Priority: &prio}},
		{"subscribe", &SubscribeCOVRequest{SubscriberProcessID: 9, MonitoredObject: NewObjectIdentifier(ObjectTypeBinaryInput, 4), IssueConfirmed: &confirmed, Lifetime: &lifetime}},
		{"unsubscribe", &SubscribeCOVRequest{SubscriberProcessID: 9, MonitoredObject: NewObjectIdentifier(ObjectTypeBinaryInput, 4)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := &ConfirmedRequest{
				SegmentedResponseAccepted: true,
				MaxSegments:               EncodeMaxSegments(64),
				MaxResponseSize:           EncodeMaxAPDU(1476),
				InvokeID:                  42,
				ServiceChoice:             tt.svc.ServiceChoice(),
				Service:                   tt.svc,
			}
			p, err := DecodeAPDU(req.Encode().Bytes())
			if err != nil {
				t.Fatalf("DecodeAPDU: %v", err)
			}
			got := p.(*ConfirmedRequest)
			if got.InvokeID != 42 || !got.SegmentedResponseAccepted || got.MaxSegments != 6 || got.MaxResponseSize != 5 {
				t.Fatalf("header = %+v", got)
			}
			if !bytes.Equal(got.Encode().Bytes(), req.Encode().Bytes()) {
				t.Fatalf("re-encoding differs")
			}
		})
	}

	unsub := &SubscribeCOVRequest{}
	if !unsub.IsCancellation() {
		t.Fatalf("empty subscribe is not a cancellation")
	}
}

func TestCOVNotificationRoundTrip(t *testing.T) {
	oid := NewObjectIdentifier(ObjectTypeAnalogInput, 1)
	n := &COVNotification{
		SubscriberProcessID: 1,
		InitiatingDevice:    NewObjectIdentifier(ObjectTypeDevice, 260001),
		MonitoredObject:     oid,
		TimeRemaining:       120,
		Values: []PropertyValue{
			{ObjectID: oid, PropertyID: PropertyPresentValue, Values: []Value{Real(19.25)}},
			{ObjectID: oid, PropertyID: PropertyStatusFlags, Values: []Value{StatusFlags{Fault: true}}},
		},
	}
	p, err := DecodeAPDU((&UnconfirmedRequest{ServiceChoice: ServiceUnconfirmedCOVNotification, Service: n}).Encode().Bytes())
	if err != nil {
		t.Fatalf("DecodeAPDU: %v", err)
	}
	got := p.(*UnconfirmedRequest).Service.(*COVNotification)
	if got.InitiatingDevice.Instance != 260001 || got.TimeRemaining != 120 || len(got.Values) != 2 {
		t.Fatalf("notification = %+v", got)
	}
	if got.Values[0].Value() != Real(19.25) || got.Values[1].Value() != (StatusFlags{Fault: true}) {
		t.Fatalf("values = %v", got.Values)
	}
}

func TestResponsePDUs(t *testing.T) {
	ack := &ComplexACK{
		InvokeID:      7,
		ServiceChoice: ServiceReadProperty,
		Service: &ReadPropertyACK{
			ObjectID:   NewObjectIdentifier(ObjectTypeDevice, 5),
			PropertyID: PropertyObjectName,
			Values:     []Value{CharacterString("AHU-1")},
		},
	}
	p, err := DecodeAPDU(ack.Encode().Bytes())
	if err != nil {
		t.Fatalf("complex-ack: %v", err)
	}
	rp := p.(*ComplexACK).Service.(*ReadPropertyACK)
	if rp.Values[0] != CharacterString("AHU-1") {
		t.Fatalf("values = %v", rp.Values)
	}

	p, err = DecodeAPDU((&ErrorPDU{InvokeID: 7, ServiceChoice: ServiceReadProperty, Class: ErrorClassProperty, Code: ErrorCodeUnknownProperty}).Encode().Bytes())
	if err != nil {
		t.Fatalf("error pdu: %v", err)
	}
	if !IsPropertyNotFound(p.(*ErrorPDU).Err()) {
		t.Fatalf("unknown-property not recognized: %v", p.(*ErrorPDU).Err())
	}

	p, err = DecodeAPDU((&AbortPDU{Server: true, InvokeID: 7, Reason: AbortReasonSegmentationNotSupported}).Encode().Bytes())
	if err != nil {
		t.Fatalf("abort: %v", err)
	}
	if !p.(*AbortPDU).Server || !IsSegmentationRefused(p.(*AbortPDU).Err()) {
		t.Fatalf("abort = %+v", p)
	}

	p, err = DecodeAPDU([]byte{0x40, 0x02, 0x03, 0x10})
	if err != nil {
		t.Fatalf("segment-ack: %v", err)
	}
	if sa := p.(*SegmentACK); sa.Negative || sa.Server || sa.SequenceNumber != 3 || sa.ActualWindowSize != 16 {
		t.Fatalf("segment-ack = %+v", sa)
	}
}

func TestPartialDecode(t *testing.T) {
	// complex-ack for read-property, body cut inside the object identifier
	p, err := DecodeAPDU([]byte{0x30, 0x05, 0x0C, 0x0C, 0x02})
	var de *DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("err = %v, want *DecodeError", err)
	}
	if de.Layer != "apdu.complex-ack" {
		t.Fatalf("layer = %q", de.Layer)
	}
	if id, ok := InvokeIDOf(p); !ok || id != 5 {
		t.Fatalf("invoke id not salvaged: %d %v", id, ok)
	}

	if p, err := DecodeAPDU([]byte{0x90}); p != nil || !errors.Is(err, ErrUnknownPDUType) {
		t.Fatalf("unknown pdu type: %v %v", p, err)
	}
	if _, err := DecodeAPDU([]byte{0x10, 0x05}); !errors.Is(err, ErrUnknownService) {
		t.Fatalf("unknown unconfirmed service err = %v", err)
	}
	if _, err := DecodeAPDU([]byte{0x20, 0x01, 0x0C}); !errors.Is(err, ErrUnknownService) {
		t.Fatalf("simple-ack for read-property err = %v", err)
	}
}

func TestSegmentedComplexACKKeepsRaw(t *testing.T) {
	seg := &ComplexACK{Segmented: true, MoreFollows: true, InvokeID: 1, SequenceNumber: 0, ProposedWindowSize: 2, ServiceChoice: ServiceReadProperty, Raw: []byte{0x0C, 0x02}}
	p, err := DecodeAPDU(seg.Encode().Bytes())
	if err != nil {
		t.Fatalf("DecodeAPDU: %v", err)
	}
	got := p.(*ComplexACK)
	if got.Service != nil || !bytes.Equal(got.Raw, seg.Raw) || got.ProposedWindowSize != 2 || !got.MoreFollows {
		t.Fatalf("fragment = %+v", got)
	}
}
