// Package coroutine implements stackful, single-threaded-at-a-time
// execution units with an explicit symmetric context switch between a
// worker's primary coroutine and the coroutines it runs.
//
// Go already provides stackful green threads (goroutines); rather than
// hand-roll a ucontext-equivalent stack/register save, a Coroutine is a
// goroutine parked on a pair of unbuffered channels (resumeCh, holdCh).
// resume() sends on resumeCh and blocks until the coroutine either
// parks itself again (sends on holdCh) or terminates (closes done); it
// never runs concurrently with its resumer, preserving the single-
// threaded-at-a-time contract without any locking inside the body.
package coroutine

import (
	"math/rand"
	"runtime"
	"sync"

	"github.com/3173936816/go-webserver/corelog"
	"github.com/3173936816/go-webserver/rterrors"
)

// Func is a coroutine's entry body. It receives the Coroutine so it can
// call Yield on itself without needing a separate current-coroutine
// lookup, though Current() is also available for code that doesn't hold
// a reference.
type Func func(c *Coroutine)

// Coroutine is a stackful execution unit. The zero value is not usable;
// construct with New.
type Coroutine struct {
	id      uint32
	fn      Func
	state   *fastState
	primary *Coroutine // nil for a primary coroutine itself

	resumeCh chan struct{}
	holdCh   chan struct{}
	done     chan struct{}

	except any // recovered panic value, set iff state == Except
}

var idSource = struct {
	mu sync.Mutex
	r  *rand.Rand
}{r: rand.New(rand.NewSource(1))}

// nextID returns a 5-digit pseudo-random diagnostic identifier. It is
// not guaranteed unique within a process; collisions are acceptable, as
// in the original implementation's UUID-derived ids.
func nextID() uint32 {
	idSource.mu.Lock()
	defer idSource.mu.Unlock()
	return uint32(idSource.r.Intn(90000) + 10000)
}

// New allocates a coroutine whose body is fn. stackSize is recorded for
// diagnostics only (Go manages goroutine stacks itself, growing them on
// demand) but a non-positive size is still rejected as a ConfigError,
// matching the contract's "fails with ConfigError if stack size is
// invalid".
func New(fn Func, stackSize int) (*Coroutine, error) {
	if stackSize <= 0 {
		return nil, rterrors.New(rterrors.KindConfig, "coroutine: stack size must be positive")
	}
	return &Coroutine{
		id:       nextID(),
		fn:       fn,
		state:    newFastState(Init),
		resumeCh: make(chan struct{}),
		holdCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// NewPrimary returns a primary (thread-root) coroutine: a sentinel with
// no body and no stack of its own, representing the worker loop itself.
// Its state starts at Exec, since the primary is always considered "the
// one currently running" from the moment its worker starts.
func NewPrimary() *Coroutine {
	return &Coroutine{
		state: newFastState(Exec),
	}
}

// ID returns the coroutine's diagnostic identifier.
func (c *Coroutine) ID() uint32 { return c.id }

// State returns the coroutine's current state.
func (c *Coroutine) State() State { return c.state.Load() }

// IsPrimary reports whether c is a worker's primary (thread-root)
// coroutine.
func (c *Coroutine) IsPrimary() bool { return c.fn == nil && c.primary == nil && c.resumeCh == nil }

// Except returns the panic value recovered from the body, if the
// coroutine's state is Except; nil otherwise.
func (c *Coroutine) Except() any { return c.except }

// Resume transitions c from {Init, Hold} to Exec and runs it until it
// yields, returns, or panics. primary is the calling thread's primary
// coroutine — the counterpart swapped back into on yield/return/panic.
// Resume must be called by the same goroutine/thread that owns primary;
// it blocks until control returns to primary.
//
// Resuming a coroutine not in {Init, Hold} is a programmer error and
// returns a BadAsyncState error without running anything.
func (c *Coroutine) Resume(primary *Coroutine) error {
	switch c.state.Load() {
	case Init:
		if !c.state.TryTransition(Init, Exec) {
			return rterrors.New(rterrors.KindBadAsyncState, "coroutine: concurrent resume of Init coroutine")
		}
		c.primary = primary
		go c.run()
	case Hold:
		if !c.state.TryTransition(Hold, Exec) {
			return rterrors.New(rterrors.KindBadAsyncState, "coroutine: concurrent resume of Hold coroutine")
		}
		c.primary = primary
		c.resumeCh <- struct{}{}
	default:
		return rterrors.New(rterrors.KindBadAsyncState, "coroutine: resume precondition violated: state is "+c.state.Load().String())
	}

	select {
	case <-c.holdCh:
	case <-c.done:
	}
	return nil
}

// run is the goroutine entry trampoline, the Go equivalent of the
// original's cor_routine() static entry function: it invokes the body,
// recovers a panic into Except, and otherwise transitions to Term,
// always signaling done so a blocked Resume wakes up exactly once.
//
// This goroutine persists across Yield/Resume cycles (Yield blocks it on
// resumeCh rather than letting it return), so it registers itself in
// currentTable exactly once, for the lifetime of the body.
func (c *Coroutine) run() {
	setCurrent(c)
	defer setCurrent(nil)
	defer func() {
		if r := recover(); r != nil {
			c.except = r
			c.state.Store(Except)
			corelog.System().Err().Str("stage", "coroutine").Log("uncaught panic in coroutine body")
		} else {
			c.state.Store(Term)
		}
		close(c.done)
	}()
	c.fn(c)
}

// Yield transitions c from Exec to Hold, parks the calling goroutine,
// and swaps back to c's primary. It must be called only by the
// coroutine's own goroutine while it is the current coroutine (state
// Exec, and c is not itself a primary); violating either precondition
// returns BadAsyncState without yielding.
func (c *Coroutine) Yield() error {
	if c.IsPrimary() {
		return rterrors.New(rterrors.KindBadAsyncState, "coroutine: primary coroutine cannot yield")
	}
	if !c.state.TryTransition(Exec, Hold) {
		return rterrors.New(rterrors.KindBadAsyncState, "coroutine: yield precondition violated: state is "+c.state.Load().String())
	}
	c.holdCh <- struct{}{}
	<-c.resumeCh
	return nil
}

// Reset reinitializes a coroutine for a new body fn, reusing its
// resume/hold channels (done is made afresh). Valid only from
// {Init, Term}; returns BadAsyncState otherwise.
func (c *Coroutine) Reset(fn Func) error {
	state := c.state.Load()
	if state != Init && state != Term {
		return rterrors.New(rterrors.KindBadAsyncState, "coroutine: reset precondition violated: state is "+state.String())
	}
	c.fn = fn
	c.except = nil
	c.done = make(chan struct{})
	c.state.Store(Init)
	return nil
}

// currentTable is the goroutine-id-keyed "thread-local" lookup the
// runtime uses in place of true TLS (goroutines are not pinned to OS
// threads unless LockOSThread is held, and even then Go exposes no
// native per-goroutine storage). Keyed by the numeric goroutine id
// parsed out of runtime.Stack, mirroring the teacher's getGoroutineID
// helper.
var currentTable sync.Map // goroutineID uint64 -> *Coroutine

func setCurrent(c *Coroutine) (previous *Coroutine) {
	gid := goroutineID()
	if prev, ok := currentTable.Load(gid); ok {
		previous = prev.(*Coroutine)
	}
	if c == nil {
		currentTable.Delete(gid)
	} else {
		currentTable.Store(gid, c)
	}
	return previous
}

// Current returns the coroutine currently executing on the calling
// goroutine, or nil if none is registered (e.g. called from a goroutine
// the runtime never resumed a coroutine onto).
func Current() *Coroutine {
	gid := goroutineID()
	if v, ok := currentTable.Load(gid); ok {
		return v.(*Coroutine)
	}
	return nil
}

// goroutineID parses the numeric id out of the calling goroutine's
// runtime.Stack dump. This is a diagnostic-grade, not a fast-path,
// operation; it is only called on resume/yield boundaries, not per
// syscall.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := buf[:n]
	// "goroutine 123 [running]:\n..."
	const prefix = "goroutine "
	if len(b) < len(prefix) {
		return 0
	}
	b = b[len(prefix):]
	var id uint64
	for _, ch := range b {
		if ch < '0' || ch > '9' {
			break
		}
		id = id*10 + uint64(ch-'0')
	}
	return id
}
