package coroutine

import (
	"errors"
	"testing"

	"github.com/3173936816/go-webserver/rterrors"
)

func TestNewRejectsInvalidStackSize(t *testing.T) {
	if _, err := New(func(c *Coroutine) {}, 0); err == nil {
		t.Fatal("expected error for zero stack size")
	} else if kind, ok := rterrors.Of(err); !ok || kind != rterrors.KindConfig {
		t.Errorf("got %v, want KindConfig", err)
	}
}

func TestResumeYieldResume(t *testing.T) {
	primary := NewPrimary()
	var steps []string

	c, err := New(func(c *Coroutine) {
		steps = append(steps, "a")
		c.Yield()
		steps = append(steps, "b")
	}, 4096)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := c.Resume(primary); err != nil {
		t.Fatalf("first Resume: %v", err)
	}
	if c.State() != Hold {
		t.Fatalf("state after yield = %v, want Hold", c.State())
	}

	if err := c.Resume(primary); err != nil {
		t.Fatalf("second Resume: %v", err)
	}
	if c.State() != Term {
		t.Fatalf("state after return = %v, want Term", c.State())
	}

	if len(steps) != 2 || steps[0] != "a" || steps[1] != "b" {
		t.Errorf("steps = %v, want [a b]", steps)
	}
}

func TestResumeOnTerminatedIsRejected(t *testing.T) {
	primary := NewPrimary()
	c, _ := New(func(c *Coroutine) {}, 4096)
	if err := c.Resume(primary); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if c.State() != Term {
		t.Fatalf("state = %v, want Term", c.State())
	}
	if err := c.Resume(primary); err == nil {
		t.Fatal("expected BadAsyncState resuming a terminated coroutine")
	}
}

func TestPanicMarksExcept(t *testing.T) {
	primary := NewPrimary()
	c, _ := New(func(c *Coroutine) {
		panic(errors.New("boom"))
	}, 4096)

	if err := c.Resume(primary); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if c.State() != Except {
		t.Fatalf("state = %v, want Except", c.State())
	}
	if c.Except() == nil {
		t.Error("expected recovered panic value to be retained")
	}
}

func TestResetReusesCoroutine(t *testing.T) {
	primary := NewPrimary()
	c, _ := New(func(c *Coroutine) {}, 4096)
	if err := c.Resume(primary); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	ran := false
	if err := c.Reset(func(c *Coroutine) { ran = true }); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if c.State() != Init {
		t.Fatalf("state after reset = %v, want Init", c.State())
	}
	if err := c.Resume(primary); err != nil {
		t.Fatalf("Resume after reset: %v", err)
	}
	if !ran {
		t.Error("reset body never ran")
	}
}

func TestCurrentDuringBody(t *testing.T) {
	primary := NewPrimary()
	var seenSelf bool
	c, _ := New(func(c *Coroutine) {
		seenSelf = Current() == c
	}, 4096)
	if err := c.Resume(primary); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if !seenSelf {
		t.Error("Current() inside the body did not return the running coroutine")
	}
}
