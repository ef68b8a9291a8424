package kernel

import (
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// PanicInfo describes a fatal kernel invariant violation.
type PanicInfo struct {
	Message string
	Stack   []byte
}

// InvariantViolation is the value the kernel panics with when its model of
// the emulated machine becomes inconsistent.
type InvariantViolation string

func (v InvariantViolation) Error() string { return "kernel invariant violated: " + string(v) }

var (
	panicActive atomic.Bool
	panicOnce   sync.Once

	panicHandler atomic.Value // func(PanicInfo)
)

// InPanicMode reports whether a fatal violation has occurred.
func InPanicMode() bool {
	return panicActive.Load()
}

// SetPanicHandler installs a process-wide handler for fatal violations.
//
// The handler is invoked at most once (on the first violation) before the
// offending goroutine panics. It must not panic.
func SetPanicHandler(fn func(PanicInfo)) {
	panicHandler.Store(fn)
}

func triggerPanic(info PanicInfo) {
	panicOnce.Do(func() {
		panicActive.Store(true)
		info.Stack = debug.Stack()
		if v := panicHandler.Load(); v != nil {
			if fn, ok := v.(func(PanicInfo)); ok && fn != nil {
				fn(info)
			}
		}
	})
}

func fatalf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	triggerPanic(PanicInfo{Message: msg})
	panic(InvariantViolation(msg))
}

func assert(cond bool, format string, args ...any) {
	if !cond {
		fatalf(format, args...)
	}
}
