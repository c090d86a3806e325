package timer

import (
	"runtime"
	"sync/atomic"
	"testing"
	"time"
	"weak"
)

func TestAddTimerFiresAfterInterval(t *testing.T) {
	m := New(nil)
	fired := make(chan struct{}, 1)
	m.AddTimer(10, func() { fired <- struct{}{} }, false)

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		expired := m.DrainExpired(nowMillis())
		if len(expired) > 0 {
			Fire(expired)
			break
		}
		time.Sleep(2 * time.Millisecond)
	}

	select {
	case <-fired:
	default:
		t.Fatal("timer did not fire within deadline")
	}
	if m.Count() != 0 {
		t.Errorf("one-shot timer should be removed after firing, count=%d", m.Count())
	}
}

func TestLoopTimerReinserts(t *testing.T) {
	m := New(nil)
	var calls atomic.Int32
	m.AddTimer(5, func() { calls.Add(1) }, true)

	for i := 0; i < 3; i++ {
		time.Sleep(10 * time.Millisecond)
		Fire(m.DrainExpired(nowMillis()))
	}

	if m.Count() != 1 {
		t.Errorf("loop timer should remain scheduled, count=%d", m.Count())
	}
	if calls.Load() == 0 {
		t.Error("loop timer never fired")
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	m := New(nil)
	called := false
	tm := m.AddTimer(10_000, func() { called = true }, false)
	tm.Cancel()
	tm.Cancel()
	if m.Count() != 0 {
		t.Errorf("count after cancel = %d, want 0", m.Count())
	}
	Fire(m.DrainExpired(MaxDeadline))
	if called {
		t.Error("canceled timer's function should never run")
	}
}

func TestRefreshMissingReturnsFalse(t *testing.T) {
	m := New(nil)
	tm := m.AddTimer(10_000, func() {}, false)
	tm.Cancel()
	if tm.Refresh() {
		t.Error("Refresh on a canceled timer should return false")
	}
}

func TestNextDeadlineEmptyIsSentinel(t *testing.T) {
	m := New(nil)
	if got := m.NextDeadline(); got != MaxDeadline {
		t.Errorf("NextDeadline on empty manager = %d, want MaxDeadline", got)
	}
}

func TestOnFirstInsertFiresOnNewMinimum(t *testing.T) {
	var calls atomic.Int32
	m := New(func() { calls.Add(1) })

	m.AddTimer(10_000, func() {}, false)
	if calls.Load() != 1 {
		t.Fatalf("expected 1 onFirstInsert call for first timer, got %d", calls.Load())
	}

	// a later, larger deadline should not trigger onFirstInsert again.
	m.AddTimer(20_000, func() {}, false)
	if calls.Load() != 1 {
		t.Errorf("non-minimum insert should not call onFirstInsert, calls=%d", calls.Load())
	}

	// an earlier deadline should trigger it again.
	m.AddTimer(1, func() {}, false)
	if calls.Load() != 2 {
		t.Errorf("new-minimum insert should call onFirstInsert, calls=%d", calls.Load())
	}
}

func TestConditionTimerSkipsWhenOwnerGone(t *testing.T) {
	m := New(nil)
	fired := make(chan struct{}, 1)

	// Large enough to skip the tiny allocator, whose shared blocks can
	// keep a dead object (and its weak pointer) alive across a GC.
	owner := new([64]byte)
	weakOwner := weak.Make(owner)
	AddConditionTimer(m, 5, func() { fired <- struct{}{} }, weakOwner, false)

	owner = nil
	runtime.GC()

	time.Sleep(20 * time.Millisecond)
	Fire(m.DrainExpired(nowMillis()))

	select {
	case <-fired:
		t.Error("condition timer fired after its owner was collected")
	default:
	}
}

func TestConditionTimerFiresWhileOwnerAlive(t *testing.T) {
	m := New(nil)
	fired := make(chan struct{}, 1)

	owner := new(int)
	weakOwner := weak.Make(owner)
	AddConditionTimer(m, 5, func() { fired <- struct{}{} }, weakOwner, false)

	time.Sleep(20 * time.Millisecond)
	Fire(m.DrainExpired(nowMillis()))

	select {
	case <-fired:
	default:
		t.Error("condition timer did not fire while its owner was alive")
	}
	_ = owner
}
