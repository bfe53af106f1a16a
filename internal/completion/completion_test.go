package completion

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestResolveFromAnotherGoroutine(t *testing.T) {
	handle, waiter := New[string]()

	go func() {
		time.Sleep(10 * time.Millisecond)
		handle.Resolve("PROXY_a")
	}()

	got, err := waiter.Wait(context.Background())
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if got != "PROXY_a" {
		t.Fatalf("unexpected value %q", got)
	}
}

func TestRejectSurfacesError(t *testing.T) {
	handle, waiter := New[int]()
	boom := errors.New("remove from group failed")

	if !handle.Reject(boom) {
		t.Fatalf("expected first reject to deliver")
	}
	_, err := waiter.Wait(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("expected rejection error, got %v", err)
	}
}

func TestResolveIsWriteOnce(t *testing.T) {
	handle, waiter := New[int]()

	if !handle.Resolve(1) {
		t.Fatalf("expected first resolve to deliver")
	}
	if handle.Resolve(2) {
		t.Fatalf("expected second resolve to be dropped")
	}
	if handle.Reject(errors.New("late")) {
		t.Fatalf("expected reject after resolve to be dropped")
	}

	got, err := waiter.Wait(context.Background())
	if err != nil || got != 1 {
		t.Fatalf("expected first value, got %d err=%v", got, err)
	}
	if _, err := waiter.Wait(context.Background()); !errors.Is(err, ErrAlreadyObserved) {
		t.Fatalf("expected already observed, got %v", err)
	}
}

func TestWaitHonorsContext(t *testing.T) {
	handle, waiter := New[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := waiter.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	// A late resolve must not block the producer.
	done := make(chan struct{})
	go func() {
		handle.Resolve(7)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("resolve blocked after waiter gave up")
	}

	got, err := waiter.Wait(context.Background())
	if err != nil || got != 7 {
		t.Fatalf("expected late value to still be observable, got %d err=%v", got, err)
	}
}

func TestNilHandleDiscards(t *testing.T) {
	var handle *Handle[string]
	if handle.Resolve("x") {
		t.Fatalf("nil handle must not report delivery")
	}
	if handle.Reject(errors.New("x")) {
		t.Fatalf("nil handle must not report delivery")
	}
}
