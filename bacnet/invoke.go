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
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// RequestInfo describes an in-flight confirmed request
type RequestInfo struct {
	ServiceChoice ConfirmedServiceChoice
	Device        uint32
	Address       string
	ObjectID      ObjectIdentifier
	PropertyID    PropertyIdentifier
	// OnTimeout is called when the request expires before Release. The
	// slot is released right after it returns.
	OnTimeout func(id uint8)
}

type requestSlot struct {
	info    RequestInfo
	started time.Time
	timer   *time.Timer
	gen     uint64
}

type slotResult struct {
	id  uint8
	err error
}

type slotWaiter struct {
	info RequestInfo
	ch   chan slotResult
}

// RequestStore allocates invoke IDs to confirmed requests. When every slot
// is taken, Register blocks and waiters are admitted in FIFO order as slots
// are released or time out.
type RequestStore struct {
	mu      sync.Mutex
	slots   []*requestSlot
	queue   []*slotWaiter
	timeout time.Duration
	logger  *slog.Logger
	gen     uint64
	closed  bool

	totalTime time.Duration
	released  int64
}

// NewRequestStore creates a store with capacity slots (at most 256)
func NewRequestStore(capacity int, timeout time.Duration, logger *slog.Logger) *RequestStore {
	if capacity <= 0 || capacity > MaxInvokeIDs {
		capacity = MaxInvokeIDs
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RequestStore{
		slots:   make([]*requestSlot, capacity),
		timeout: timeout,
		logger:  logger,
	}
}

// Register allocates the first free invoke ID for info, arming its timeout.
// It blocks while the table is full.
func (s *RequestStore) Register(ctx context.Context, info RequestInfo) (uint8, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrClosed
	}
	if id, ok := s.allocate(info); ok {
		s.mu.Unlock()
		return id, nil
	}
	w := &slotWaiter{info: info, ch: make(chan slotResult, 1)}
	s.queue = append(s.queue, w)
	s.logger.Debug("invoke ID table full, request queued",
		slog.Int("queued", len(s.queue)),
		slog.String("service", info.ServiceChoice.String()),
	)
	s.mu.Unlock()

	select {
	case res := <-w.ch:
		return res.id, res.err
	case <-ctx.Done():
	}

	s.mu.Lock()
	for i, q := range s.queue {
		if q == w {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			s.mu.Unlock()
			return 0, ctx.Err()
		}
	}
	s.mu.Unlock()

	// A slot was handed over concurrently with cancellation
	if res := <-w.ch; res.err == nil {
		s.Release(res.id)
	}
	return 0, ctx.Err()
}

// allocate installs info in the first free slot. Caller holds s.mu.
func (s *RequestStore) allocate(info RequestInfo) (uint8, bool) {
	for i, slot := range s.slots {
		if slot == nil {
			id := uint8(i)
			s.install(id, info)
			return id, true
		}
	}
	return 0, false
}

// install fills slot id and arms its timer. Caller holds s.mu.
func (s *RequestStore) install(id uint8, info RequestInfo) {
	s.gen++
	gen := s.gen
	slot := &requestSlot{info: info, started: time.Now(), gen: gen}
	if s.timeout > 0 {
		slot.timer = time.AfterFunc(s.timeout, func() { s.expire(id, gen) })
	}
	s.slots[id] = slot
}

// Release frees id, hands it to the oldest waiter if any, and returns the
// running average response time. Releasing a free slot is an error.
func (s *RequestStore) Release(id uint8) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.release(id, 0)
}

// release frees id; when gen is non-zero it must match the slot's
// generation. Caller holds s.mu.
func (s *RequestStore) release(id uint8, gen uint64) (time.Duration, error) {
	if int(id) >= len(s.slots) || s.slots[id] == nil || (gen != 0 && s.slots[id].gen != gen) {
		return s.average(), fmt.Errorf("%w: %d", ErrInvokeIDNotInUse, id)
	}
	slot := s.slots[id]
	if slot.timer != nil {
		slot.timer.Stop()
	}
	s.totalTime += time.Since(slot.started)
	s.released++
	s.slots[id] = nil

	if len(s.queue) > 0 && !s.closed {
		w := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.install(id, w.info)
		w.ch <- slotResult{id: id}
	}
	return s.average(), nil
}

func (s *RequestStore) average() time.Duration {
	if s.released == 0 {
		return 0
	}
	return s.totalTime / time.Duration(s.released)
}

func (s *RequestStore) expire(id uint8, gen uint64) {
	s.mu.Lock()
	slot := s.slots[id]
	if slot == nil || slot.gen != gen || s.closed {
		s.mu.Unlock()
		return
	}
	info := slot.info
	s.mu.Unlock()

	s.logger.Warn("request timed out",
		slog.Uint64("invoke_id", uint64(id)),
		slog.String("service", info.ServiceChoice.String()),
		slog.Uint64("device", uint64(info.Device)),
		slog.String("address", info.Address),
		slog.String("object", info.ObjectID.String()),
		slog.String("property", info.PropertyID.String()),
	)
	if info.OnTimeout != nil {
		info.OnTimeout(id)
	}

	s.mu.Lock()
	// The response may have raced the timer; then the slot is already gone
	s.release(id, gen)
	s.mu.Unlock()
}

// Lookup returns the request registered under id
func (s *RequestStore) Lookup(id uint8) (RequestInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(id) >= len(s.slots) || s.slots[id] == nil {
		return RequestInfo{}, false
	}
	return s.slots[id].info, true
}

// AverageResponseTime returns the running average over all releases
func (s *RequestStore) AverageResponseTime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.average()
}

// InFlight returns the number of occupied slots
func (s *RequestStore) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, slot := range s.slots {
		if slot != nil {
			n++
		}
	}
	return n
}

// Available returns the number of free slots
func (s *RequestStore) Available() int {
	return len(s.slots) - s.InFlight()
}

// Pending returns the number of requests waiting for a slot
func (s *RequestStore) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Close stops every timer and fails queued waiters with ErrClosed.
// In-flight slots are discarded.
func (s *RequestStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for i, slot := range s.slots {
		if slot != nil && slot.timer != nil {
			slot.timer.Stop()
		}
		s.slots[i] = nil
	}
	for _, w := range s.queue {
		w.ch <- slotResult{err: ErrClosed}
	}
	s.queue = nil
}
