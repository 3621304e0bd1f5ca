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

import "sync"

type segmentStore struct {
	next    uint8
	window  uint8
	counter uint8
	first   *ComplexACK
	parts   []*Writer
}

// Reassembler rebuilds segmented ComplexACKs. Fragments are only stored
// when they arrive in sequence; anything else is negatively acknowledged
// so the sender retransmits the window.
type Reassembler struct {
	mu     sync.Mutex
	stores map[uint8]*segmentStore
}

// NewReassembler creates an empty reassembler
func NewReassembler() *Reassembler {
	return &Reassembler{stores: make(map[uint8]*segmentStore)}
}

// Accept processes one ComplexACK. Unsegmented PDUs are returned as is.
// For fragments, ack (when non-nil) must be sent back to the peer, and
// complete is non-nil once the final fragment has been reassembled and its
// service body parsed. A parse failure returns the reassembled PDU with a
// *DecodeError.
func (r *Reassembler) Accept(p *ComplexACK) (complete *ComplexACK, ack *SegmentACK, err error) {
	if !p.Segmented {
		return p, nil, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	store, ok := r.stores[p.InvokeID]
	if !ok {
		window := p.ProposedWindowSize
		if window == 0 {
			window = 1
		}
		store = &segmentStore{window: window}
		r.stores[p.InvokeID] = store
	}

	if p.SequenceNumber != store.next {
		return nil, &SegmentACK{
			Negative:         true,
			InvokeID:         p.InvokeID,
			SequenceNumber:   store.next - 1,
			ActualWindowSize: store.window,
		}, nil
	}

	if store.first == nil {
		store.first = p
	}
	store.parts = append(store.parts, NewWriter(p.Raw...))
	if p.SequenceNumber != 0 {
		store.counter++
	}
	store.next++

	if p.SequenceNumber == 0 || store.counter >= store.window || !p.MoreFollows {
		store.counter = 0
		ack = &SegmentACK{
			InvokeID:         p.InvokeID,
			SequenceNumber:   p.SequenceNumber,
			ActualWindowSize: store.window,
		}
	}
	if p.MoreFollows {
		return nil, ack, nil
	}

	delete(r.stores, p.InvokeID)
	complete = &ComplexACK{
		InvokeID:      p.InvokeID,
		ServiceChoice: store.first.ServiceChoice,
	}
	body := Concat(store.parts...)
	complete.Service, err = decodeACKService(complete.ServiceChoice, NewReader(body.Bytes()))
	return complete, ack, decodeFault("segment", complete.ServiceChoice.String(), err)
}

// Drop discards a partially received response, e.g. after its request
// timed out
func (r *Reassembler) Drop(invokeID uint8) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.stores, invokeID)
}

// Pending returns the number of responses being reassembled
func (r *Reassembler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.stores)
}
