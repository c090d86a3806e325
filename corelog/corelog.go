// Package corelog provides the two category-scoped structured loggers the
// runtime's internals use: "system" (scheduler/reactor/timer/coroutine/
// async internals) and "server" (client-facing reactor/listener events).
//
// Modeled on joeycumines-go-utilpkg/eventloop's package-level swappable
// logger (SetStructuredLogger/getGlobalLogger), backed here by
// github.com/joeycumines/logiface with the github.com/joeycumines/stumpy
// writer, the pairing the teacher repo itself depends on.
package corelog

import (
	"io"
	"os"
	"sync"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Event is the concrete logiface event type used throughout the runtime.
type Event = stumpy.Event

// Logger is the concrete logger type used throughout the runtime.
type Logger = logiface.Logger[*Event]

const (
	categoryField = "category"

	// CategorySystem is the logger category for internal diagnostics:
	// coroutine, timer, scheduler, reactor, async.
	CategorySystem = "system"
	// CategoryServer is the logger category for client-facing reactor and
	// listener events.
	CategoryServer = "server"
)

var (
	mu           sync.RWMutex
	systemLogger = newDefault(CategorySystem, os.Stderr)
	serverLogger = newDefault(CategoryServer, os.Stderr)

	// OsExit is called by Abort after logging a KindFatalSyscall-class
	// error. Overridable in tests, mirroring logiface's own OsExit.
	OsExit = os.Exit
)

// newDefault builds a logger that stamps every event it produces with
// category, via a Clone'd sub-logger rather than per-call-site Str calls --
// so System() and Server() are distinguishable in output even though
// callers never mention the category themselves.
func newDefault(category string, w io.Writer) *Logger {
	root := logiface.New[*Event](
		stumpy.L.WithStumpy(stumpy.WithWriter(w)),
		logiface.WithLevel[*Event](logiface.LevelInformational),
	)
	return root.Clone().Str(categoryField, category).Logger()
}

// System returns the current "system"-category logger.
func System() *Logger {
	mu.RLock()
	defer mu.RUnlock()
	return systemLogger
}

// Server returns the current "server"-category logger.
func Server() *Logger {
	mu.RLock()
	defer mu.RUnlock()
	return serverLogger
}

// SetSystem replaces the "system"-category logger.
func SetSystem(l *Logger) {
	mu.Lock()
	defer mu.Unlock()
	systemLogger = l
}

// SetServer replaces the "server"-category logger.
func SetServer(l *Logger) {
	mu.Lock()
	defer mu.Unlock()
	serverLogger = l
}

// Abort logs msg (with cause, if any) at emergency level under the
// "system" category, then calls OsExit(2). Used for spec §7's
// FatalSyscall kind: epoll_wait/context-switch/pipe/stack-allocation
// failures that leave the runtime in an unrecoverable state.
func Abort(msg string, cause error) {
	b := System().Emerg()
	if cause != nil {
		b = b.Err(cause)
	}
	b.Log(msg)
	OsExit(2)
}
