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
	"log/slog"
	"sync"
	"time"
)

// FlowConfig configures outbound pacing for one logical flow
type FlowConfig struct {
	// Size is the maximum number of jobs active at once
	Size int
	// Delay is the initial spacing between consecutive job starts
	Delay time.Duration
	// MinDelay is the floor for adaptive delay changes
	MinDelay time.Duration
	// Step is the amount added or removed per adjustment
	Step time.Duration
	// Lockout multiplies the new delay to get the adjustment lockout period
	Lockout int
}

// DefaultFlowConfig returns the default pacing parameters
func DefaultFlowConfig() FlowConfig {
	return FlowConfig{
		Size:     4,
		Delay:    20 * time.Millisecond,
		MinDelay: 5 * time.Millisecond,
		Step:     5 * time.Millisecond,
		Lockout:  10,
	}
}

// Flow paces jobs: at most Size run at once and consecutive starts are at
// least the current delay apart. The delay adapts to observed response
// times, with a lockout after each change.
type Flow struct {
	mu       sync.Mutex
	cfg      FlowConfig
	delay    time.Duration
	active   int
	queue    []func()
	locked   bool
	closed   bool
	last     time.Time
	startT   *time.Timer
	lockT    *time.Timer
	observed time.Duration
	changed  chan struct{}
	logger   *slog.Logger
}

// NewFlow creates a flow
func NewFlow(cfg FlowConfig, logger *slog.Logger) *Flow {
	if cfg.Size <= 0 {
		cfg.Size = 1
	}
	if cfg.Delay < cfg.MinDelay {
		cfg.Delay = cfg.MinDelay
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Flow{
		cfg:     cfg,
		delay:   cfg.Delay,
		changed: make(chan struct{}),
		logger:  logger,
	}
}

// Push queues a job. The job's return is its completion signal.
func (f *Flow) Push(job func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.queue = append(f.queue, job)
	f.schedule()
}

// Hold dequeues the next pending job and counts it as active. The caller
// must Release once the job completes.
func (f *Flow) Hold() (func(), bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hold()
}

func (f *Flow) hold() (func(), bool) {
	if len(f.queue) == 0 {
		return nil, false
	}
	job := f.queue[0]
	f.queue[0] = nil
	f.queue = f.queue[1:]
	f.active++
	return job, true
}

// Release marks one active job as complete. Releasing with no active
// hold returns ErrFlowNotHeld.
func (f *Flow) Release() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active == 0 {
		return ErrFlowNotHeld
	}
	f.active--
	f.schedule()
	f.notify()
	return nil
}

// IsFree reports whether nothing is active or queued
func (f *Flow) IsFree() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active == 0 && len(f.queue) == 0
}

// Active returns the number of held jobs
func (f *Flow) Active() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

// Pending returns the number of queued jobs
func (f *Flow) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queue)
}

// Delay returns the current inter-start delay
func (f *Flow) Delay() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.delay
}

// schedule starts as many jobs as admission allows. Caller holds f.mu.
func (f *Flow) schedule() {
	if f.closed || f.startT != nil {
		return
	}
	for f.active < f.cfg.Size && len(f.queue) > 0 {
		now := time.Now()
		next := f.last.Add(f.delay)
		if now.Before(next) {
			f.startT = time.AfterFunc(next.Sub(now), func() {
				f.mu.Lock()
				f.startT = nil
				f.schedule()
				f.mu.Unlock()
			})
			return
		}
		job, _ := f.hold()
		f.last = now
		go f.run(job)
	}
}

func (f *Flow) run(job func()) {
	job()
	if err := f.Release(); err != nil {
		f.logger.Error("flow release failed", slog.String("error", err.Error()))
	}
}

// IncreaseDelay widens the delay by one step. It reports false while an
// earlier adjustment's lockout is still running.
func (f *Flow) IncreaseDelay() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.adjust(f.delay + f.cfg.Step)
}

// DecreaseDelay narrows the delay by one step, never below MinDelay
func (f *Flow) DecreaseDelay() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.adjust(f.delay - f.cfg.Step)
}

func (f *Flow) adjust(delay time.Duration) bool {
	if f.locked || f.closed {
		return false
	}
	if delay < f.cfg.MinDelay {
		delay = f.cfg.MinDelay
	}
	if delay == f.delay {
		return false
	}
	f.delay = delay
	f.locked = true
	f.lockT = time.AfterFunc(delay*time.Duration(f.cfg.Lockout), func() {
		f.mu.Lock()
		f.locked = false
		f.lockT = nil
		f.mu.Unlock()
	})
	f.logger.Debug("flow delay adjusted", slog.Duration("delay", delay))
	return true
}

// Observe feeds the latest average response time. A rise of more than a
// quarter over the previous observation widens the delay; a drop of more
// than a quarter narrows it.
func (f *Flow) Observe(avg time.Duration) {
	f.mu.Lock()
	prev := f.observed
	f.observed = avg
	f.mu.Unlock()
	if prev == 0 || avg == 0 {
		return
	}
	switch {
	case avg > prev+prev/4:
		f.IncreaseDelay()
	case avg < prev-prev/4:
		f.DecreaseDelay()
	}
}

// Wait blocks until the flow is free or ctx is done
func (f *Flow) Wait(ctx context.Context) error {
	for {
		f.mu.Lock()
		if f.active == 0 && len(f.queue) == 0 {
			f.mu.Unlock()
			return nil
		}
		ch := f.changed
		f.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// notify wakes Wait callers. Caller holds f.mu.
func (f *Flow) notify() {
	close(f.changed)
	f.changed = make(chan struct{})
}

// Drop discards the queued jobs and returns how many there were. Active
// jobs run to completion and the flow accepts new jobs afterwards.
func (f *Flow) Drop() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.queue)
	clear(f.queue)
	f.queue = nil
	if f.startT != nil {
		f.startT.Stop()
		f.startT = nil
	}
	f.notify()
	return n
}

// Close drops queued jobs and stops the flow's timers. Active jobs run to
// completion.
func (f *Flow) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	f.queue = nil
	if f.startT != nil {
		f.startT.Stop()
		f.startT = nil
	}
	if f.lockT != nil {
		f.lockT.Stop()
		f.lockT = nil
	}
	f.notify()
}

// FlowSet keys flows by device instance
type FlowSet struct {
	mu     sync.Mutex
	cfg    FlowConfig
	flows  map[uint32]*Flow
	logger *slog.Logger
}

// NewFlowSet creates an empty set whose flows share cfg
func NewFlowSet(cfg FlowConfig, logger *slog.Logger) *FlowSet {
	if logger == nil {
		logger = slog.Default()
	}
	return &FlowSet{cfg: cfg, flows: make(map[uint32]*Flow), logger: logger}
}

// Get returns the flow for key, creating it on first use
func (s *FlowSet) Get(key uint32) *Flow {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.flows[key]
	if !ok {
		f = NewFlow(s.cfg, s.logger.With(slog.Uint64("flow", uint64(key))))
		s.flows[key] = f
	}
	return f
}

// Close closes every flow and forgets them. A later Get starts a fresh
// flow, so the set survives a reconnect.
func (s *FlowSet) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.flows {
		f.Close()
	}
	clear(s.flows)
}
