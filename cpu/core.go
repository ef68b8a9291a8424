package cpu

import (
	"fmt"

	"hle/hal"
	"hle/kernel"
	"hle/timing"
)

// Core is one emulated CPU core: an execution unit and the loop that
// alternates between it and the kernel.
type Core struct {
	index   int
	unit    ExecutionUnit
	kernel  *kernel.KernelCore
	timing  *timing.CoreTiming
	monitor *ExclusiveMonitor
	log     hal.Logger
}

func newCore(index int, k *kernel.KernelCore, ct *timing.CoreTiming, mon *ExclusiveMonitor, factory UnitFactory, log hal.Logger) *Core {
	c := &Core{index: index, kernel: k, timing: ct, monitor: mon, log: log}
	c.unit = factory(index, Callbacks{
		CallSVC:        c.callSVC,
		AddTicks:       func(n uint64) { ct.AddTicks(int64(n)) },
		TicksRemaining: c.ticksRemaining,
		Memory:         c.memory,
	})
	return c
}

func (c *Core) Index() int                 { return c.index }
func (c *Core) Unit() ExecutionUnit        { return c.unit }
func (c *Core) Monitor() *ExclusiveMonitor { return c.monitor }

// RunLoop runs one pass: pick a thread, execute until the next yield point
// (or a single instruction when tight is false) and fire due events. A
// core without a thread skips to the next event instead.
func (c *Core) RunLoop(tight bool) error {
	if !c.Reschedule() {
		c.timing.Idle()
		c.timing.Advance()
		c.kernel.PrepareReschedule(c.index)
	} else {
		c.timing.Advance()
		var err error
		if tight {
			err = c.unit.Run()
		} else {
			err = c.unit.Step()
		}
		if err != nil {
			return fmt.Errorf("core %d: %w", c.index, err)
		}
	}
	c.timing.Advance()
	c.Reschedule()
	return nil
}

// Reschedule performs a pending thread selection. It reports whether the
// core has a thread to run afterwards.
func (c *Core) Reschedule() bool {
	c.kernel.Lock()
	defer c.kernel.Unlock()
	c.kernel.Reschedule(c.index)
	return c.kernel.CurrentThread(c.index) != nil
}

// PrepareReschedule asks the unit to stop at its next instruction
// boundary. The scheduler calls it when it flags this core.
func (c *Core) PrepareReschedule() { c.unit.PrepareReschedule() }

func (c *Core) SaveContext(ctx *kernel.ThreadContext) { c.unit.SaveContext(ctx) }
func (c *Core) LoadContext(ctx *kernel.ThreadContext) { c.unit.LoadContext(ctx) }
func (c *Core) SetTLSAddress(addr uint64)             { c.unit.SetTLSAddress(addr) }

func (c *Core) ClearExclusiveState() {
	c.monitor.ClearExclusive(c.index)
	c.unit.ClearExclusiveState()
}

// callSVC moves the guest registers into the current thread, runs the
// handler and moves them back before any thread switch the call caused.
func (c *Core) callSVC(imm uint32) {
	c.kernel.Lock()
	defer c.kernel.Unlock()

	t := c.kernel.CurrentThread(c.index)
	if t == nil {
		hal.Logf(c.log, "cpu: core %d: svc 0x%02X with no thread", c.index, imm)
		return
	}
	c.unit.SaveContext(t.Context())
	c.kernel.CallSVC(c.index, imm)
	c.unit.LoadContext(t.Context())
	c.kernel.Reschedule(c.index)
}

func (c *Core) ticksRemaining() uint64 {
	if d := c.timing.Downcount(); d > 0 {
		return uint64(d)
	}
	return 0
}

func (c *Core) memory() *kernel.VMManager {
	p := c.kernel.CurrentProcess()
	if p == nil {
		return nil
	}
	return p.VMManager()
}

var _ kernel.ExecutionContext = (*Core)(nil)
