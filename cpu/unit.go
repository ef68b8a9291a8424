// Package cpu drives the emulated CPU cores: one execution unit per core,
// the run loop that hands control between the unit and the kernel, and the
// exclusive monitor shared by every core.
package cpu

import (
	"hle/kernel"
)

// ExecutionUnit executes guest instructions for one core. The interpreter
// or recompiler behind it is opaque to the rest of the emulator.
//
// Run executes until the current timing slice is exhausted or a
// reschedule was requested. Step executes a single instruction. Both
// return a non-nil error only for a fault the unit cannot recover from.
type ExecutionUnit interface {
	Run() error
	Step() error

	SaveContext(ctx *kernel.ThreadContext)
	LoadContext(ctx *kernel.ThreadContext)
	SetTLSAddress(addr uint64)
	ClearExclusiveState()
	ClearInstructionCache()

	// PrepareReschedule makes a running Run return at the next
	// instruction boundary. It may be called from any goroutine.
	PrepareReschedule()
}

// Starter is implemented by units that own host resources.
type Starter interface {
	Start() error
	Stop()
}

// Callbacks is how an execution unit reaches back into the emulator.
type Callbacks struct {
	// CallSVC handles a supervisor call with the given immediate.
	CallSVC func(imm uint32)
	// AddTicks charges executed cycles.
	AddTicks func(ticks uint64)
	// TicksRemaining returns the cycles left in the current slice.
	TicksRemaining func() uint64
	// Memory returns the address space of the current process, or nil.
	Memory func() *kernel.VMManager
}

// UnitFactory builds the execution unit of a core.
type UnitFactory func(core int, cb Callbacks) ExecutionUnit

// IdleUnit executes nothing. Every Run consumes the rest of the slice, so
// timing and thread selection keep moving without a real interpreter.
type IdleUnit struct {
	cb    Callbacks
	ctx   kernel.ThreadContext
	tls   uint64
	flush uint64
}

// NewIdleUnit is a UnitFactory.
func NewIdleUnit(core int, cb Callbacks) ExecutionUnit {
	return &IdleUnit{cb: cb}
}

func (u *IdleUnit) Run() error {
	if n := u.cb.TicksRemaining(); n > 0 {
		u.cb.AddTicks(n)
	}
	return nil
}

func (u *IdleUnit) Step() error {
	u.cb.AddTicks(1)
	return nil
}

func (u *IdleUnit) SaveContext(ctx *kernel.ThreadContext) { *ctx = u.ctx }
func (u *IdleUnit) LoadContext(ctx *kernel.ThreadContext) { u.ctx = *ctx }
func (u *IdleUnit) SetTLSAddress(addr uint64)             { u.tls = addr }
func (u *IdleUnit) ClearExclusiveState()                  {}
func (u *IdleUnit) ClearInstructionCache()                { u.flush++ }
func (u *IdleUnit) PrepareReschedule()                    {}

// TLSAddress returns the last TLS address the kernel installed.
func (u *IdleUnit) TLSAddress() uint64 { return u.tls }

// InstructionCacheFlushes counts ClearInstructionCache calls.
func (u *IdleUnit) InstructionCacheFlushes() uint64 { return u.flush }
