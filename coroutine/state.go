package coroutine

import "sync/atomic"

// State is one of a coroutine's lifecycle states.
//
// State machine:
//
//	Init (0)  → Exec (1)      [Resume()]
//	Exec (1)  → Hold (2)      [body calls Yield()]
//	Hold (2)  → Exec (1)      [Resume()]
//	Exec (1)  → Term (3)      [body returns normally]
//	Exec (1)  → Except (4)    [body panics]
//	Init/Term → Init (0)      [Reset()]
//
// Term and Except are terminal for Resume, which rejects both; only Reset
// (from Term) returns a coroutine to Init. Except cannot be reset.
type State uint32

const (
	// Init is the state of a coroutine that has not yet been resumed.
	Init State = iota
	// Exec is the state while the coroutine's goroutine is actively
	// running (holds the "CPU", i.e. is the one the scheduler swapped
	// into).
	Exec
	// Hold is the state after the coroutine has yielded back to its
	// resumer, awaiting the next Resume.
	Hold
	// Term is the terminal state reached when the body function returns.
	Term
	// Except is the terminal state reached when the body function
	// panics; the recovered value is attached to the Coroutine.
	Except
)

// String returns the state's diagnostic name.
func (s State) String() string {
	switch s {
	case Init:
		return "Init"
	case Exec:
		return "Exec"
	case Hold:
		return "Hold"
	case Term:
		return "Term"
	case Except:
		return "Except"
	default:
		return "Unknown"
	}
}

// fastState is a lock-free state cell, cache-line padded to avoid false
// sharing between the resuming goroutine and the coroutine's own
// goroutine, both of which poll it.
type fastState struct { // betteralign:ignore
	_ [64]byte
	v atomic.Uint32
	_ [60]byte
}

func newFastState(initial State) *fastState {
	s := &fastState{}
	s.v.Store(uint32(initial))
	return s
}

func (s *fastState) Load() State {
	return State(s.v.Load())
}

func (s *fastState) Store(state State) {
	s.v.Store(uint32(state))
}

func (s *fastState) TryTransition(from, to State) bool {
	return s.v.CompareAndSwap(uint32(from), uint32(to))
}

func (s *fastState) IsTerminal() bool {
	switch s.Load() {
	case Term, Except:
		return true
	default:
		return false
	}
}
