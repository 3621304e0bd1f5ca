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

package device

import (
	"context"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"github.com/edgeo-scada/bacnet-ede/bacnet"
)

// Run advances simulated points every interval until ctx is done
func (db *Database) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n := db.Step(); n > 0 {
				db.logger.Debug("simulation step", slog.Int("changed", n))
			}
		}
	}
}

// Step advances every simulated point once and returns how many crossed
// their COV threshold. Points out of service are frozen.
func (db *Database) Step() int {
	db.mu.Lock()
	var changed []bacnet.ObjectIdentifier
	for _, oid := range db.order {
		p, ok := db.points[oid]
		if !ok || p.outOfService || p.cfg.Simulate == PatternStatic {
			continue
		}
		p.base = p.next()
		if p.due() {
			p.markReported()
			changed = append(changed, oid)
		}
	}
	db.mu.Unlock()

	db.fire(changed)
	return len(changed)
}

// bounds returns the simulation range of an analog point
func (p *point) bounds() (lo, hi float64) {
	lo, hi = 0, 100
	if p.cfg.Min != nil {
		lo = *p.cfg.Min
	}
	if p.cfg.Max != nil {
		hi = *p.cfg.Max
	}
	return lo, hi
}

func (p *point) next() bacnet.Value {
	cur, _ := bacnet.ToFloat(p.base)
	states := float64(len(p.cfg.StateText))

	switch p.cfg.Simulate {
	case PatternCounter:
		switch p.kind {
		case kindAnalog:
			lo, hi := p.bounds()
			if cur++; cur > hi {
				cur = lo
			}
			return bacnet.Real(cur)
		case kindBinary:
			return nativeValue(kindBinary, 1-cur)
		default:
			if cur++; cur > states {
				cur = 1
			}
			return bacnet.Unsigned(uint32(cur))
		}

	case PatternRandom:
		switch p.kind {
		case kindAnalog:
			lo, hi := p.bounds()
			return bacnet.Real(lo + rand.Float64()*(hi-lo))
		case kindBinary:
			return bacnet.Enumerated(rand.IntN(2))
		default:
			return bacnet.Unsigned(1 + rand.IntN(len(p.cfg.StateText)))
		}

	case PatternSine:
		p.phase += 0.1
		if p.phase > 2*math.Pi {
			p.phase -= 2 * math.Pi
		}
		s := math.Sin(p.phase)
		switch p.kind {
		case kindAnalog:
			lo, hi := p.bounds()
			return bacnet.Real(lo + (hi-lo)*(s+1)/2)
		case kindBinary:
			if s >= 0 {
				return bacnet.Enumerated(1)
			}
			return bacnet.Enumerated(0)
		default:
			n := 1 + int((s+1)/2*states)
			if n > len(p.cfg.StateText) {
				n = len(p.cfg.StateText)
			}
			return bacnet.Unsigned(n)
		}
	}
	return p.base
}
