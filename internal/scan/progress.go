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

package scan

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"
)

// DeviceProgress is the bookkeeping of one device
type DeviceProgress struct {
	Instance uint32
	Objects  int
	Done     int
	Failed   int
	// Err is set when the object list could not be read
	Err error
}

// Snapshot is an aggregate view of a scan in progress
type Snapshot struct {
	Devices int
	Objects int
	Done    int
	Failed  int
	Elapsed time.Duration
	// Rate is completed objects per second
	Rate float64
	ETA  time.Duration
}

// Percent returns the completed share of known objects
func (s Snapshot) Percent() float64 {
	if s.Objects == 0 {
		return 0
	}
	return float64(s.Done) / float64(s.Objects) * 100
}

func (s Snapshot) String() string {
	out := fmt.Sprintf("devices %d | objects %d/%d (%.1f%%) | failed %d | %.1f obj/s | elapsed %s",
		s.Devices, s.Done, s.Objects, s.Percent(), s.Failed, s.Rate, FormatDuration(s.Elapsed))
	if s.ETA > 0 {
		out += " | ETA " + FormatDuration(s.ETA)
	}
	return out
}

// Progress tracks devices and objects of a scan. It is safe for concurrent
// use.
type Progress struct {
	mu      sync.Mutex
	start   time.Time
	now     func() time.Time
	devices map[uint32]*DeviceProgress
}

// NewProgress starts the clock
func NewProgress() *Progress {
	return &Progress{
		start:   time.Now(),
		now:     time.Now,
		devices: make(map[uint32]*DeviceProgress),
	}
}

func (p *Progress) device(instance uint32) *DeviceProgress {
	d, ok := p.devices[instance]
	if !ok {
		d = &DeviceProgress{Instance: instance}
		p.devices[instance] = d
	}
	return d
}

// AddDevice records a discovered device
func (p *Progress) AddDevice(instance uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.device(instance)
}

// SetObjects records the object-list length of a device
func (p *Progress) SetObjects(instance uint32, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.device(instance).Objects = n
}

// ObjectDone records one completed object. failed is set when any of its
// property reads failed for a reason other than the property being absent.
func (p *Progress) ObjectDone(instance uint32, failed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	d := p.device(instance)
	d.Done++
	if failed {
		d.Failed++
	}
}

// DeviceFailed records a device whose object list could not be read
func (p *Progress) DeviceFailed(instance uint32, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.device(instance).Err = err
}

// Devices returns per-device progress ordered by instance
func (p *Progress) Devices() []DeviceProgress {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]DeviceProgress, 0, len(p.devices))
	for _, d := range p.devices {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instance < out[j].Instance })
	return out
}

// Snapshot aggregates the counters and estimates the remaining time from
// the completion rate so far
func (p *Progress) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Snapshot{Devices: len(p.devices), Elapsed: p.now().Sub(p.start)}
	for _, d := range p.devices {
		s.Objects += d.Objects
		s.Done += d.Done
		s.Failed += d.Failed
	}
	if s.Done > 0 && s.Elapsed > 0 {
		s.Rate = float64(s.Done) / s.Elapsed.Seconds()
		if remaining := s.Objects - s.Done; remaining > 0 {
			s.ETA = time.Duration(float64(remaining) / s.Rate * float64(time.Second))
		}
	}
	return s
}

// Report renders the snapshot to w every interval until ctx is done, then
// writes a final line
func (p *Progress) Report(ctx context.Context, w io.Writer, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintf(w, "\r%s\n", p.Snapshot())
			return
		case <-ticker.C:
			fmt.Fprintf(w, "\r%s", p.Snapshot())
		}
	}
}

// FormatDuration formats a duration in a human-readable way
func FormatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%dm%ds", minutes, seconds)
}
