package bacnet

import (
	"errors"
	"testing"
)

func objectListBody(n int) []byte {
	ack := &ReadPropertyACK{
		ObjectID:   NewObjectIdentifier(ObjectTypeDevice, 9),
		PropertyID: PropertyObjectList,
	}
	for i := 0; i < n; i++ {
		ack.Values = append(ack.Values, NewObjectIdentifier(ObjectTypeAnalogValue, uint32(i)))
	}
	w := NewWriter()
	ack.encode(w)
	return w.Bytes()
}

func fragments(invokeID, window uint8, body []byte, parts int) []*ComplexACK {
	size := (len(body) + parts - 1) / parts
	var out []*ComplexACK
	for i := 0; i < parts; i++ {
		end := min((i+1)*size, len(body))
		out = append(out, &ComplexACK{
			Segmented:          true,
			MoreFollows:        i < parts-1,
			InvokeID:           invokeID,
			SequenceNumber:     uint8(i),
			ProposedWindowSize: window,
			ServiceChoice:      ServiceReadProperty,
			Raw:                body[i*size : end],
		})
	}
	return out
}

func TestReassembleWindow(t *testing.T) {
	r := NewReassembler()
	frags := fragments(3, 2, objectListBody(20), 3)

	complete, ack, err := r.Accept(frags[0])
	if err != nil || complete != nil {
		t.Fatalf("segment 0: complete=%v err=%v", complete, err)
	}
	if ack == nil || ack.Negative || ack.SequenceNumber != 0 || ack.ActualWindowSize != 2 {
		t.Fatalf("segment 0 ack = %+v", ack)
	}

	complete, ack, _ = r.Accept(frags[1])
	if complete != nil || ack != nil {
		t.Fatalf("segment 1 acked mid-window: %+v", ack)
	}

	complete, ack, err = r.Accept(frags[2])
	if err != nil {
		t.Fatalf("segment 2: %v", err)
	}
	if ack == nil || ack.SequenceNumber != 2 {
		t.Fatalf("last segment ack = %+v", ack)
	}
	rp, ok := complete.Service.(*ReadPropertyACK)
	if !ok {
		t.Fatalf("service = %T", complete.Service)
	}
	if len(rp.Values) != 20 || rp.Values[19] != NewObjectIdentifier(ObjectTypeAnalogValue, 19) {
		t.Fatalf("reassembled %d values", len(rp.Values))
	}
	if complete.InvokeID != 3 || complete.Segmented || r.Pending() != 0 {
		t.Fatalf("store not cleaned up")
	}
}

func TestReassembleOutOfOrder(t *testing.T) {
	r := NewReassembler()
	frags := fragments(7, 4, objectListBody(10), 3)

	r.Accept(frags[0])
	complete, ack, err := r.Accept(frags[2])
	if err != nil || complete != nil {
		t.Fatalf("out of order: complete=%v err=%v", complete, err)
	}
	if ack == nil || !ack.Negative || ack.SequenceNumber != 0 {
		t.Fatalf("nak = %+v, want negative with seq 0", ack)
	}

	// The sender retransmits from segment 1
	if _, ack, _ = r.Accept(frags[1]); ack != nil {
		t.Fatalf("unexpected ack %+v", ack)
	}
	complete, _, err = r.Accept(frags[2])
	if err != nil || complete == nil {
		t.Fatalf("retransmission not reassembled: %v", err)
	}
	if n := len(complete.Service.(*ReadPropertyACK).Values); n != 10 {
		t.Fatalf("got %d values, out of order fragment was stored", n)
	}
}

func TestReassembleDefaultsWindow(t *testing.T) {
	r := NewReassembler()
	frags := fragments(1, 0, objectListBody(4), 2)
	if _, ack, _ := r.Accept(frags[0]); ack == nil || ack.ActualWindowSize != 1 {
		t.Fatalf("ack = %+v, want window 1", ack)
	}
}

func TestReassembleUnsegmented(t *testing.T) {
	r := NewReassembler()
	p := &ComplexACK{InvokeID: 2, ServiceChoice: ServiceReadProperty, Service: &ReadPropertyACK{}}
	complete, ack, err := r.Accept(p)
	if complete != p || ack != nil || err != nil {
		t.Fatalf("unsegmented PDU not passed through")
	}
}

func TestReassembleDropAndFault(t *testing.T) {
	r := NewReassembler()
	frags := fragments(5, 2, objectListBody(6), 3)
	r.Accept(frags[0])
	r.Drop(5)
	if r.Pending() != 0 {
		t.Fatalf("Drop left the store")
	}

	bad := &ComplexACK{Segmented: true, InvokeID: 6, ServiceChoice: ServiceReadProperty, Raw: []byte{0x0C, 0x02}}
	complete, _, err := r.Accept(bad)
	var de *DecodeError
	if !errors.As(err, &de) || de.Layer != "segment" {
		t.Fatalf("err = %v, want segment decode error", err)
	}
	if complete == nil || complete.InvokeID != 6 {
		t.Fatalf("partial result missing")
	}
}
