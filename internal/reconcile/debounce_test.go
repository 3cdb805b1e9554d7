package reconcile

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

type call struct {
	value string
	at    time.Time
}

func waitForCall(t *testing.T, calls <-chan call) call {
	t.Helper()
	select {
	case received := <-calls:
		return received
	case <-time.After(time.Second):
		t.Fatal("expected debounced call within deadline")
	}
	return call{}
}

func expectNoCall(t *testing.T, calls <-chan call) {
	t.Helper()
	select {
	case received := <-calls:
		t.Fatalf("unexpected call with %q", received.value)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestDebouncerCollapsesBurstToLatestValue(t *testing.T) {
	mock := clock.NewMock()
	start := mock.Now()
	calls := make(chan call, 4)
	debouncer := NewDebouncer(mock, 100*time.Millisecond, func(value string) {
		calls <- call{value: value, at: mock.Now()}
	})

	debouncer.Call("t0")
	mock.Add(30 * time.Millisecond)
	debouncer.Call("t30")
	mock.Add(30 * time.Millisecond)
	debouncer.Call("t60")

	mock.Add(99 * time.Millisecond)
	expectNoCall(t, calls)

	mock.Add(time.Millisecond)
	received := waitForCall(t, calls)
	if received.value != "t60" {
		t.Fatalf("expected latest arguments, got %q", received.value)
	}
	if elapsed := received.at.Sub(start); elapsed != 160*time.Millisecond {
		t.Fatalf("expected invocation at 160ms, got %v", elapsed)
	}

	mock.Add(time.Second)
	expectNoCall(t, calls)
}

func TestDebouncerZeroWindowPassesThrough(t *testing.T) {
	var received []string
	debouncer := NewDebouncer(clock.NewMock(), 0, func(value string) {
		received = append(received, value)
	})

	debouncer.Call("a")
	debouncer.Call("b")
	if len(received) != 2 || received[0] != "a" || received[1] != "b" {
		t.Fatalf("expected synchronous passthrough, got %v", received)
	}
}

func TestDebouncerStopDiscardsPendingValue(t *testing.T) {
	mock := clock.NewMock()
	calls := make(chan call, 1)
	debouncer := NewDebouncer(mock, 50*time.Millisecond, func(value string) {
		calls <- call{value: value}
	})

	debouncer.Call("pending")
	debouncer.Stop()
	mock.Add(time.Second)
	expectNoCall(t, calls)

	debouncer.Call("after-stop")
	mock.Add(time.Second)
	expectNoCall(t, calls)
}

func TestDebouncerFlushDeliversImmediately(t *testing.T) {
	mock := clock.NewMock()
	var received []string
	debouncer := NewDebouncer(mock, time.Minute, func(value string) {
		received = append(received, value)
	})

	debouncer.Call("x")
	debouncer.Flush()
	if len(received) != 1 || received[0] != "x" {
		t.Fatalf("expected flushed value, got %v", received)
	}
	debouncer.Flush()
	if len(received) != 1 {
		t.Fatalf("flush without pending value must not call fn")
	}
}

func TestCoalescerReplaysEveryValueInOrder(t *testing.T) {
	mock := clock.NewMock()
	batches := make(chan []string, 2)
	coalescer := NewCoalescer(mock, 100*time.Millisecond, func(batch []string) {
		batches <- batch
	})

	coalescer.Add("insert p1")
	mock.Add(10 * time.Millisecond)
	coalescer.Add("update p1")
	mock.Add(10 * time.Millisecond)
	coalescer.Add("delete p2")
	mock.Add(100 * time.Millisecond)

	select {
	case batch := <-batches:
		if len(batch) != 3 || batch[0] != "insert p1" || batch[2] != "delete p2" {
			t.Fatalf("unexpected batch %v", batch)
		}
	case <-time.After(time.Second):
		t.Fatal("expected coalesced batch")
	}
}
