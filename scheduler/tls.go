package scheduler

import (
	"runtime"
	"sync"
	"time"

	"github.com/3173936816/go-webserver/coroutine"
)

// Each worker pins itself to one OS thread for its lifetime (see
// worker, in scheduler.go) and registers a primary coroutine keyed by
// its own goroutine id, playing the role of the original's per-thread
// "root" coroutine with no stack of its own.
//
// Current scheduler/task, by contrast, cannot be keyed by the calling
// goroutine: a task's body runs on the single persistent goroutine its
// Coroutine spawned at Init, which is not the worker goroutine that
// happens to call Resume this time around (a task may be picked up by a
// different worker on a later dispatch). So scheduler/task context is
// keyed by the *coroutine* currently running — resolved via
// coroutine.Current(), which does correctly reflect the calling
// goroutine since that lookup is already coroutine-body-goroutine
// scoped.
var (
	schedulerByCo sync.Map // *coroutine.Coroutine -> *Scheduler
	taskByCo      sync.Map // *coroutine.Coroutine -> *Task
	tidByCo       sync.Map // *coroutine.Coroutine -> int, the dispatching worker's OS thread id
	primaryTable  sync.Map // goroutineID uint64 -> *coroutine.Coroutine
)

func setWorkerPrimary() {
	primaryTable.Store(goroutineID(), coroutine.NewPrimary())
}

func clearWorkerPrimary() {
	primaryTable.Delete(goroutineID())
}

// registerTask associates task's coroutine with s, task, and the OS
// thread id of the worker dispatching it, so that code running inside
// the coroutine's body can find its way back via
// currentScheduler/currentTask/currentTID.
func registerTask(s *Scheduler, t *Task, tid int) {
	schedulerByCo.Store(t.co, s)
	taskByCo.Store(t.co, t)
	tidByCo.Store(t.co, tid)
}

func unregisterTask(t *Task) {
	schedulerByCo.Delete(t.co)
	taskByCo.Delete(t.co)
	tidByCo.Delete(t.co)
}

// currentScheduler returns the Scheduler that owns the task currently
// executing on the calling goroutine, or nil.
func currentScheduler() *Scheduler {
	co := coroutine.Current()
	if co == nil {
		return nil
	}
	if v, ok := schedulerByCo.Load(co); ok {
		return v.(*Scheduler)
	}
	return nil
}

// currentTask returns the Task currently executing on the calling
// goroutine, or nil.
func currentTask() *Task {
	co := coroutine.Current()
	if co == nil {
		return nil
	}
	if v, ok := taskByCo.Load(co); ok {
		return v.(*Task)
	}
	return nil
}

// currentTID returns the OS thread id of the worker currently
// dispatching the calling goroutine's task, or false if there is none.
func currentTID() (int, bool) {
	co := coroutine.Current()
	if co == nil {
		return 0, false
	}
	if v, ok := tidByCo.Load(co); ok {
		return v.(int), true
	}
	return 0, false
}

// primaryFor returns the calling worker goroutine's primary coroutine,
// the resume/yield counterpart every task on this thread swaps against.
func primaryFor(s *Scheduler) *coroutine.Coroutine {
	if v, ok := primaryTable.Load(goroutineID()); ok {
		return v.(*coroutine.Coroutine)
	}
	// Called from a goroutine that isn't a registered worker (e.g. a
	// test driving Resume directly); fall back to a throwaway primary.
	return coroutine.NewPrimary()
}

func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := buf[:n]
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

func unixMilli() int64 { return time.Now().UnixMilli() }
