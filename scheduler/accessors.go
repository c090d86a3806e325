package scheduler

import "github.com/3173936816/go-webserver/coroutine"

// ErrTimeout is the sentinel CurrentTimeout returns when called from a
// goroutine with no current scheduler.
const ErrTimeout uint64 = ^uint64(0)

// CurrentName returns the name of the scheduler owning the calling
// worker, or "UNKNOWN_SCHEDULER" if none.
func CurrentName() string {
	s := currentScheduler()
	if s == nil {
		return "UNKNOWN_SCHEDULER"
	}
	return s.name
}

// CurrentTimeout returns the default task timeout, in milliseconds, of
// the scheduler owning the calling worker, or ErrTimeout if none.
func CurrentTimeout() uint64 {
	s := currentScheduler()
	if s == nil {
		return ErrTimeout
	}
	return s.timeoutMs.Load()
}

// Current returns the Scheduler owning the calling worker, or nil if
// there is none (e.g. called from outside a task).
func Current() *Scheduler {
	return currentScheduler()
}

// CurrentTID returns the OS thread id of the worker currently
// dispatching the calling task, or false if there is none.
func CurrentTID() (int, bool) {
	return currentTID()
}

// CurrentOwner returns whatever value the current scheduler's composing
// type (e.g. a reactor) registered with SetOwner, or nil. This is the
// Go stand-in for the original's dynamic_cast<IOBase*>(currentScheduler):
// a package that needs to recover the concrete type composing the
// scheduler it's running under, without scheduler importing that type.
func CurrentOwner() any {
	s := currentScheduler()
	if s == nil {
		return nil
	}
	return s.Owner()
}

// DetachCurrent marks the calling task so that when it next yields, its
// worker does not requeue it automatically: the task is being parked
// against an external waker (see scheduler.ScheduleCoroutine and
// friends), which is responsible for re-submitting it once whatever
// it's waiting for actually happens. Mirrors spec's "clear current task
// before arming waker" discipline, which is what lets the now-former
// runner thread safely pick up other work in the meantime. Returns the
// coroutine to hand to a later Schedule*Coroutine call, or false if
// there is no current task.
func DetachCurrent() (*coroutine.Coroutine, bool) {
	t := currentTask()
	if t == nil {
		return nil, false
	}
	t.detached = true
	return t.co, true
}

// RescheduleAny sets the currently-running task's affinity to ANY, then
// yields it back to its scheduler: when next dispatched, any worker may
// pick it up. Must be called from within a task's own coroutine; returns
// false if there is no current scheduler/task (e.g. called from outside
// a worker).
func RescheduleAny() bool {
	return reschedule(func(t *Task) { t.sign = signAny })
}

// RescheduleNamed is RescheduleAny but pins the task to threadName on
// its next dispatch.
func RescheduleNamed(threadName string) bool {
	return reschedule(func(t *Task) {
		t.sign = signName
		t.threadName = threadName
	})
}

// RescheduleTID is RescheduleAny but pins the task to the worker whose
// OS thread id is tid.
func RescheduleTID(tid int) bool {
	return reschedule(func(t *Task) {
		t.sign = signTID
		t.threadTID = tid
	})
}

func reschedule(mutate func(*Task)) bool {
	t := currentTask()
	if t == nil {
		return false
	}
	mutate(t)
	co := coroutine.Current()
	if co == nil {
		return false
	}
	co.Yield()
	return true
}

// Schedule enqueues fn on the scheduler owning the calling worker, with
// ANY affinity. Returns false if there is no current scheduler.
func Schedule(fn func()) bool {
	s := currentScheduler()
	if s == nil {
		return false
	}
	s.Schedule(fn)
	return true
}

// ScheduleNamed is Schedule with NAME affinity.
func ScheduleNamed(threadName string, fn func()) bool {
	s := currentScheduler()
	if s == nil {
		return false
	}
	s.ScheduleNamed(threadName, fn)
	return true
}

// ScheduleTID is Schedule with TID affinity.
func ScheduleTID(tid int, fn func()) bool {
	s := currentScheduler()
	if s == nil {
		return false
	}
	s.ScheduleTID(tid, fn)
	return true
}
