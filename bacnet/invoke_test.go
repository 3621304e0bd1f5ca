package bacnet

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestRequestStoreFirstFreeSlot(t *testing.T) {
	s := NewRequestStore(8, 0, discardLogger())
	defer s.Close()
	ctx := context.Background()

	for want := uint8(0); want < 3; want++ {
		id, err := s.Register(ctx, RequestInfo{ServiceChoice: ServiceReadProperty})
		if err != nil || id != want {
			t.Fatalf("Register = %d, %v; want %d", id, err, want)
		}
	}
	if _, err := s.Release(1); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if id, _ := s.Register(ctx, RequestInfo{}); id != 1 {
		t.Fatalf("freed slot not reused, got %d", id)
	}
	if s.InFlight() != 3 || s.Available() != 5 {
		t.Fatalf("in flight %d, available %d", s.InFlight(), s.Available())
	}
}

func TestRequestStoreDoubleRelease(t *testing.T) {
	s := NewRequestStore(4, 0, discardLogger())
	defer s.Close()

	id, _ := s.Register(context.Background(), RequestInfo{})
	if _, err := s.Release(id); err != nil {
		t.Fatalf("first release: %v", err)
	}
	if _, err := s.Release(id); !errors.Is(err, ErrInvokeIDNotInUse) {
		t.Fatalf("second release err = %v, want ErrInvokeIDNotInUse", err)
	}
	if _, err := s.Release(200); !errors.Is(err, ErrInvokeIDNotInUse) {
		t.Fatalf("release of never used id err = %v", err)
	}
}

func TestRequestStoreQueuesInOrder(t *testing.T) {
	s := NewRequestStore(MaxInvokeIDs, 0, discardLogger())
	defer s.Close()
	ctx := context.Background()

	for i := 0; i < MaxInvokeIDs; i++ {
		if _, err := s.Register(ctx, RequestInfo{}); err != nil {
			t.Fatalf("Register %d: %v", i, err)
		}
	}

	type admitted struct {
		name string
		id   uint8
	}
	results := make(chan admitted, 2)
	register := func(name string) {
		id, err := s.Register(ctx, RequestInfo{})
		if err != nil {
			t.Errorf("%s: %v", name, err)
		}
		results <- admitted{name, id}
	}

	go register("first")
	waitFor(t, "first waiter", func() bool { return s.Pending() == 1 })
	go register("second")
	waitFor(t, "second waiter", func() bool { return s.Pending() == 2 })

	s.Release(10)
	if got := <-results; got.name != "first" || got.id != 10 {
		t.Fatalf("first admission = %+v", got)
	}
	s.Release(20)
	if got := <-results; got.name != "second" || got.id != 20 {
		t.Fatalf("second admission = %+v", got)
	}
	if s.Pending() != 0 {
		t.Fatalf("queue not drained")
	}
}

func TestRequestStoreTimeout(t *testing.T) {
	s := NewRequestStore(1, 20*time.Millisecond, discardLogger())
	defer s.Close()

	fired := make(chan uint8, 1)
	id, err := s.Register(context.Background(), RequestInfo{
		ServiceChoice: ServiceReadProperty,
		OnTimeout:     func(id uint8) { fired <- id },
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	select {
	case got := <-fired:
		if got != id {
			t.Fatalf("callback for %d, want %d", got, id)
		}
	case <-time.After(time.Second):
		t.Fatalf("timeout callback never ran")
	}
	waitFor(t, "slot release", func() bool { return s.InFlight() == 0 })
	if _, err := s.Release(id); !errors.Is(err, ErrInvokeIDNotInUse) {
		t.Fatalf("release after timeout err = %v", err)
	}
}

func TestRequestStoreReleaseBeatsTimer(t *testing.T) {
	s := NewRequestStore(1, 30*time.Millisecond, discardLogger())
	defer s.Close()

	fired := make(chan struct{}, 1)
	id, _ := s.Register(context.Background(), RequestInfo{OnTimeout: func(uint8) { fired <- struct{}{} }})
	if _, err := s.Release(id); err != nil {
		t.Fatalf("Release: %v", err)
	}
	select {
	case <-fired:
		t.Fatalf("timer fired after release")
	case <-time.After(80 * time.Millisecond):
	}
}

func TestRequestStoreCancelAndClose(t *testing.T) {
	s := NewRequestStore(1, 0, discardLogger())
	s.Register(context.Background(), RequestInfo{})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := s.Register(ctx, RequestInfo{})
		errc <- err
	}()
	waitFor(t, "waiter", func() bool { return s.Pending() == 1 })
	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled register err = %v", err)
	}
	if s.Pending() != 0 {
		t.Fatalf("cancelled waiter still queued")
	}

	go func() {
		_, err := s.Register(context.Background(), RequestInfo{})
		errc <- err
	}()
	waitFor(t, "waiter", func() bool { return s.Pending() == 1 })
	s.Close()
	if err := <-errc; !errors.Is(err, ErrClosed) {
		t.Fatalf("register on close err = %v", err)
	}
	if _, err := s.Register(context.Background(), RequestInfo{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("register after close err = %v", err)
	}
}

func TestRequestStoreAverage(t *testing.T) {
	s := NewRequestStore(2, 0, discardLogger())
	defer s.Close()

	id, _ := s.Register(context.Background(), RequestInfo{})
	time.Sleep(10 * time.Millisecond)
	avg, err := s.Release(id)
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if avg < 10*time.Millisecond || avg != s.AverageResponseTime() {
		t.Fatalf("average = %v", avg)
	}
}
