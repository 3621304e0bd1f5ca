package bacnet

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestFlowReleaseWithoutHold(t *testing.T) {
	f := NewFlow(DefaultFlowConfig(), discardLogger())
	defer f.Close()
	if err := f.Release(); !errors.Is(err, ErrFlowNotHeld) {
		t.Fatalf("err = %v, want ErrFlowNotHeld", err)
	}
	if !f.IsFree() {
		t.Fatalf("fresh flow not free")
	}
}

func TestFlowConcurrencyCeiling(t *testing.T) {
	f := NewFlow(FlowConfig{Size: 2, Delay: time.Millisecond, MinDelay: time.Millisecond, Step: time.Millisecond, Lockout: 1}, discardLogger())
	defer f.Close()

	var mu sync.Mutex
	running, peak, done := 0, 0, 0
	for i := 0; i < 6; i++ {
		f.Push(func() {
			mu.Lock()
			running++
			peak = max(peak, running)
			mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			mu.Lock()
			running--
			done++
			mu.Unlock()
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := f.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if done != 6 {
		t.Fatalf("%d jobs completed, want 6", done)
	}
	if peak > 2 {
		t.Fatalf("%d jobs ran at once, ceiling is 2", peak)
	}
}

func TestFlowSpacing(t *testing.T) {
	const delay = 40 * time.Millisecond
	f := NewFlow(FlowConfig{Size: 4, Delay: delay, MinDelay: time.Millisecond, Step: time.Millisecond, Lockout: 1}, discardLogger())
	defer f.Close()

	var mu sync.Mutex
	var starts []time.Time
	for i := 0; i < 3; i++ {
		f.Push(func() {
			mu.Lock()
			starts = append(starts, time.Now())
			mu.Unlock()
		})
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := f.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(starts); i++ {
		if gap := starts[i].Sub(starts[i-1]); gap < delay-10*time.Millisecond {
			t.Fatalf("start %d only %v after the previous one", i, gap)
		}
	}
}

func TestFlowDelayLockout(t *testing.T) {
	f := NewFlow(FlowConfig{Size: 1, Delay: 20 * time.Millisecond, MinDelay: 5 * time.Millisecond, Step: 5 * time.Millisecond, Lockout: 10}, discardLogger())
	defer f.Close()

	if !f.IncreaseDelay() {
		t.Fatalf("first increase refused")
	}
	if f.Delay() != 25*time.Millisecond {
		t.Fatalf("delay = %v, want 25ms", f.Delay())
	}
	if f.IncreaseDelay() || f.DecreaseDelay() {
		t.Fatalf("adjustment accepted during lockout")
	}
	if f.Delay() != 25*time.Millisecond {
		t.Fatalf("delay changed during lockout: %v", f.Delay())
	}
}

func TestFlowDelayFloor(t *testing.T) {
	f := NewFlow(FlowConfig{Size: 1, Delay: 8 * time.Millisecond, MinDelay: 5 * time.Millisecond, Step: 5 * time.Millisecond, Lockout: 1}, discardLogger())
	defer f.Close()

	if !f.DecreaseDelay() {
		t.Fatalf("decrease refused")
	}
	if f.Delay() != 5*time.Millisecond {
		t.Fatalf("delay = %v, want floor 5ms", f.Delay())
	}
	time.Sleep(20 * time.Millisecond)
	if f.DecreaseDelay() {
		t.Fatalf("decrease below the floor accepted")
	}
	if f.Delay() != 5*time.Millisecond {
		t.Fatalf("delay = %v, want 5ms", f.Delay())
	}
}

func TestFlowObserve(t *testing.T) {
	f := NewFlow(FlowConfig{Size: 1, Delay: 20 * time.Millisecond, MinDelay: 5 * time.Millisecond, Step: 5 * time.Millisecond, Lockout: 10}, discardLogger())
	defer f.Close()

	f.Observe(100 * time.Millisecond)
	if f.Delay() != 20*time.Millisecond {
		t.Fatalf("first observation changed the delay")
	}
	f.Observe(110 * time.Millisecond)
	if f.Delay() != 20*time.Millisecond {
		t.Fatalf("10%% rise changed the delay")
	}
	f.Observe(200 * time.Millisecond)
	if f.Delay() != 25*time.Millisecond {
		t.Fatalf("delay = %v after a slowdown, want 25ms", f.Delay())
	}
}

func TestFlowSetAndClose(t *testing.T) {
	set := NewFlowSet(DefaultFlowConfig(), discardLogger())
	a := set.Get(1)
	if set.Get(1) != a || set.Get(2) == a {
		t.Fatalf("flows not keyed by device")
	}

	block := make(chan struct{})
	a.Push(func() { <-block })
	a.Push(func() {})
	waitFor(t, "first job", func() bool { return a.Active() == 1 })
	set.Close()
	if a.Pending() != 0 {
		t.Fatalf("close kept %d queued jobs", a.Pending())
	}
	close(block)
	waitFor(t, "active job", func() bool { return a.Active() == 0 })
}

func TestFlowSetCloseStartsFresh(t *testing.T) {
	set := NewFlowSet(DefaultFlowConfig(), discardLogger())
	a := set.Get(1)
	set.Close()

	b := set.Get(1)
	if b == a {
		t.Fatalf("closed flow handed out again")
	}
	done := make(chan struct{})
	b.Push(func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("job on fresh flow never ran")
	}
}

func TestFlowDrop(t *testing.T) {
	f := NewFlow(FlowConfig{Size: 1, Delay: time.Millisecond, MinDelay: time.Millisecond, Step: time.Millisecond, Lockout: 1}, discardLogger())
	defer f.Close()

	block := make(chan struct{})
	var mu sync.Mutex
	ran := 0
	f.Push(func() { <-block })
	for i := 0; i < 3; i++ {
		f.Push(func() {
			mu.Lock()
			ran++
			mu.Unlock()
		})
	}
	waitFor(t, "first job", func() bool { return f.Active() == 1 })

	if n := f.Drop(); n != 3 {
		t.Fatalf("Drop() = %d, want 3", n)
	}
	close(block)
	if err := f.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	if ran != 0 {
		t.Errorf("%d dropped jobs ran", ran)
	}
	mu.Unlock()

	// the flow still takes work after a drop
	done := make(chan struct{})
	f.Push(func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("job after Drop never ran")
	}
}
