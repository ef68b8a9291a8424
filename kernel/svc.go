package kernel

import (
	"encoding/binary"
	"sort"

	"hle/hal"
)

const maxWaitSynchronizationHandles = 0x40

// svcCall is the state of one supervisor call in flight. Arguments and
// results travel in the calling thread's saved registers.
type svcCall struct {
	k       *KernelCore
	core    int
	thread  *Thread
	process *Process
	regs    *[31]uint64
}

func (c *svcCall) w(i int) uint32 { return uint32(c.regs[i]) }
func (c *svcCall) x(i int) uint64 { return c.regs[i] }

func (c *svcCall) ret(err error) { c.regs[0] = uint64(ResultOf(err)) }

func (c *svcCall) getThread(h Handle) *Thread {
	if h == CurrentThread {
		return c.thread
	}
	return c.process.HandleTable().GetThread(h)
}

func (c *svcCall) getProcess(h Handle) *Process {
	if h == CurrentProcess {
		return c.process
	}
	return c.process.HandleTable().GetProcess(h)
}

type svcInfo struct {
	name string
	fn   func(c *svcCall)
}

var svcTable = [svcCapabilityCount]svcInfo{
	0x01: {"SetHeapSize", svcSetHeapSize},
	0x02: {"SetMemoryPermission", svcSetMemoryPermission},
	0x04: {"MapMemory", svcMapMemory},
	0x05: {"UnmapMemory", svcUnmapMemory},
	0x06: {"QueryMemory", svcQueryMemory},
	0x07: {"ExitProcess", svcExitProcess},
	0x08: {"CreateThread", svcCreateThread},
	0x09: {"StartThread", svcStartThread},
	0x0A: {"ExitThread", svcExitThread},
	0x0B: {"SleepThread", svcSleepThread},
	0x0C: {"GetThreadPriority", svcGetThreadPriority},
	0x0D: {"SetThreadPriority", svcSetThreadPriority},
	0x0E: {"GetThreadCoreMask", svcGetThreadCoreMask},
	0x0F: {"SetThreadCoreMask", svcSetThreadCoreMask},
	0x10: {"GetCurrentProcessorNumber", svcGetCurrentProcessorNumber},
	0x11: {"SignalEvent", svcSignalEvent},
	0x12: {"ClearEvent", svcClearEvent},
	0x16: {"CloseHandle", svcCloseHandle},
	0x17: {"ResetSignal", svcResetSignal},
	0x18: {"WaitSynchronization", svcWaitSynchronization},
	0x19: {"CancelSynchronization", svcCancelSynchronization},
	0x1A: {"ArbitrateLock", svcArbitrateLock},
	0x1B: {"ArbitrateUnlock", svcArbitrateUnlock},
	0x1C: {"WaitProcessWideKeyAtomic", svcWaitProcessWideKeyAtomic},
	0x1D: {"SignalProcessWideKey", svcSignalProcessWideKey},
	0x1E: {"GetSystemTick", svcGetSystemTick},
	0x24: {"GetProcessId", svcGetProcessID},
	0x25: {"GetThreadId", svcGetThreadID},
	0x26: {"Break", svcBreak},
	0x27: {"OutputDebugString", svcOutputDebugString},
	0x29: {"GetInfo", svcGetInfo},
	0x30: {"GetResourceLimitLimitValue", svcGetResourceLimitLimitValue},
	0x31: {"GetResourceLimitCurrentValue", svcGetResourceLimitCurrentValue},
	0x32: {"SetThreadActivity", svcSetThreadActivity},
	0x33: {"GetThreadContext", svcGetThreadContext},
	0x34: {"WaitForAddress", svcWaitForAddress},
	0x35: {"SignalToAddress", svcSignalToAddress},
	0x45: {"CreateEvent", svcCreateEvent},
}

// SVCName returns the name of supervisor call n, or "" if it is not
// implemented.
func SVCName(n uint32) string {
	if n >= uint32(len(svcTable)) {
		return ""
	}
	return svcTable[n].name
}

// CallSVC executes supervisor call imm for the thread running on core. The
// caller holds the kernel lock and has saved the thread's registers.
func (k *KernelCore) CallSVC(core int, imm uint32) {
	t := k.CurrentThread(core)
	if t == nil {
		hal.Logf(k.log, "svc: call 0x%02X on idle core %d", imm, core)
		return
	}
	c := &svcCall{k: k, core: core, thread: t, process: t.owner, regs: &t.context.CPURegisters}

	if imm >= uint32(len(svcTable)) || svcTable[imm].fn == nil {
		hal.Logf(k.log, "svc: unimplemented call 0x%02X (pc=0x%X)", imm, t.context.PC)
		return
	}
	info := svcTable[imm]
	if !c.process.IsSVCPermitted(imm) {
		hal.Logf(k.log, "svc: process %d is not permitted to call %s", c.process.ProcessID(), info.name)
		c.ret(ErrInvalidState)
		return
	}
	info.fn(c)
}

func svcSetHeapSize(c *svcCall) {
	size := c.x(1)
	if size%0x200000 != 0 || size >= 0x200000000 {
		c.ret(ErrInvalidSize)
		return
	}
	addr, err := c.process.VMManager().SetHeapSize(size)
	if err == nil {
		c.regs[1] = addr
	}
	c.ret(err)
}

func svcExitProcess(c *svcCall) {
	p := c.process
	hal.Logf(c.k.log, "svc: process %d exiting", p.ProcessID())
	assert(p.Status() == ProcessStatusRunning, "process %d exiting twice", p.ProcessID())

	p.PrepareForTermination(c.thread)
	c.thread.Stop()
	c.k.PrepareReschedule(c.core)
}

func svcCreateThread(c *svcCall) {
	entry, arg, stackTop := c.x(1), c.x(2), c.x(3)
	priority, processorID := c.w(4), int32(c.w(5))
	p := c.process

	if processorID == ThreadProcessorIDIdeal {
		processorID = p.IdealCore()
	}
	if processorID < 0 || processorID >= NumCPUCores || p.CoreMask()&(1<<uint(processorID)) == 0 {
		c.ret(ErrInvalidProcessorID)
		return
	}
	if priority > ThreadPrioLowest || p.PriorityMask()&(1<<priority) == 0 {
		c.ret(ErrInvalidThreadPriority)
		return
	}

	t, err := CreateThread(c.k, "", entry, priority, arg, processorID, stackTop, p)
	if err != nil {
		c.ret(err)
		return
	}
	h, err := p.HandleTable().Create(t)
	if err != nil {
		t.Stop()
		c.ret(err)
		return
	}
	c.regs[1] = uint64(h)
	c.ret(nil)
	c.k.PrepareReschedule(int(t.ProcessorID()))
}

func svcStartThread(c *svcCall) {
	t := c.getThread(Handle(c.w(0)))
	if t == nil {
		c.ret(ErrInvalidHandle)
		return
	}
	if t.Status() != ThreadStatusDormant {
		c.ret(ErrInvalidState)
		return
	}
	t.ResumeFromWait()
	if t.Status() == ThreadStatusReady {
		c.k.PrepareReschedule(int(t.ProcessorID()))
	}
	c.ret(nil)
}

func svcExitThread(c *svcCall) {
	c.thread.Stop()
	c.k.PrepareReschedule(c.core)
}

const (
	yieldWithoutLoadBalancing    = 0
	yieldWithLoadBalancing       = -1
	yieldAndWaitForLoadBalancing = -2
)

func svcSleepThread(c *svcCall) {
	ns := int64(c.x(0))
	t := c.thread
	switch {
	case ns > 0:
		t.Sleep(ns)
	case ns == yieldWithoutLoadBalancing:
		t.YieldSimple()
	case ns == yieldWithLoadBalancing:
		t.YieldAndBalanceLoad()
	case ns == yieldAndWaitForLoadBalancing:
		t.YieldAndWaitForLoadBalancing()
	default:
		hal.Logf(c.k.log, "svc: unknown yield type %d", ns)
	}
	c.k.PrepareReschedule(c.core)
}

func svcGetThreadPriority(c *svcCall) {
	t := c.getThread(Handle(c.w(1)))
	if t == nil {
		c.ret(ErrInvalidHandle)
		return
	}
	c.regs[1] = uint64(t.Priority())
	c.ret(nil)
}

func svcSetThreadPriority(c *svcCall) {
	priority := c.w(1)
	if priority > ThreadPrioLowest {
		c.ret(ErrInvalidThreadPriority)
		return
	}
	t := c.getThread(Handle(c.w(0)))
	if t == nil {
		c.ret(ErrInvalidHandle)
		return
	}
	t.SetPriority(priority)
	c.k.PrepareReschedule(int(t.ProcessorID()))
	c.ret(nil)
}

func svcGetCurrentProcessorNumber(c *svcCall) {
	c.regs[0] = uint64(uint32(c.thread.ProcessorID()))
}

func svcSignalEvent(c *svcCall) {
	e := c.process.HandleTable().GetWritableEvent(Handle(c.w(0)))
	if e == nil {
		c.ret(ErrInvalidHandle)
		return
	}
	e.Signal()
	c.ret(nil)
}

func svcClearEvent(c *svcCall) {
	ht := c.process.HandleTable()
	h := Handle(c.w(0))
	if e := ht.GetWritableEvent(h); e != nil {
		e.Clear()
		c.ret(nil)
		return
	}
	if e := ht.GetReadableEvent(h); e != nil {
		e.Clear()
		c.ret(nil)
		return
	}
	c.ret(ErrInvalidHandle)
}

func svcCloseHandle(c *svcCall) {
	c.ret(c.process.HandleTable().Close(Handle(c.w(0))))
}

func svcResetSignal(c *svcCall) {
	h := Handle(c.w(0))
	if e := c.process.HandleTable().GetReadableEvent(h); e != nil {
		c.ret(e.Reset())
		return
	}
	if p := c.getProcess(h); p != nil {
		c.ret(p.ClearSignalState())
		return
	}
	c.ret(ErrInvalidHandle)
}

func svcWaitSynchronization(c *svcCall) {
	addr, count, timeout := c.x(1), c.x(2), int64(c.x(3))
	vm := c.process.VMManager()

	if !vm.IsValidVirtualAddress(addr) {
		c.ret(ErrInvalidPointer)
		return
	}
	if count > maxWaitSynchronizationHandles {
		c.ret(ErrOutOfRange)
		return
	}

	objects := make([]WaitObject, count)
	for i := range objects {
		h := Handle(vm.Read32(addr + uint64(i)*4))
		var o WaitObject
		if t := c.getThread(h); t != nil {
			o = t
		} else if p := c.getProcess(h); p != nil {
			o = p
		} else {
			o = c.process.HandleTable().GetWaitObject(h)
		}
		if o == nil {
			c.ret(ErrInvalidHandle)
			return
		}
		objects[i] = o
	}

	index, err := c.k.WaitSynchronization(c.thread, objects, timeout)
	if err == nil {
		c.regs[1] = uint64(uint32(index))
	}
	c.ret(err)
}

func svcCancelSynchronization(c *svcCall) {
	t := c.getThread(Handle(c.w(0)))
	if t == nil {
		c.ret(ErrInvalidHandle)
		return
	}
	t.CancelWait()
	c.k.PrepareReschedule(int(t.ProcessorID()))
	c.ret(nil)
}

func svcArbitrateLock(c *svcCall) {
	holding, addr, requesting := Handle(c.w(0)), c.x(1), Handle(c.w(2))
	c.ret(c.process.Mutex().TryAcquire(c.thread, addr, holding, requesting))
}

func svcArbitrateUnlock(c *svcCall) {
	c.ret(c.process.Mutex().Release(c.thread, c.x(0)))
}

func svcWaitProcessWideKeyAtomic(c *svcCall) {
	mutexAddr, condVarAddr, h, timeout := c.x(0), c.x(1), Handle(c.w(2)), int64(c.x(3))
	if mutexAddr&3 != 0 {
		c.ret(ErrInvalidAddress)
		return
	}
	if c.getThread(h) == nil {
		c.ret(ErrInvalidHandle)
		return
	}

	t := c.thread
	if err := c.process.Mutex().Release(t, mutexAddr); err != nil {
		c.ret(err)
		return
	}

	t.SetCondVarWaitAddress(condVarAddr)
	t.SetMutexWaitAddress(mutexAddr)
	t.SetWaitHandle(h)
	t.SetStatus(ThreadStatusWaitCondVar)
	t.InvalidateWakeupCallback()
	t.WakeAfterDelay(timeout)

	// The lock owner's priority is deliberately not inherited here.
	c.k.PrepareReschedule(c.core)
	c.ret(nil)
}

func svcSignalProcessWideKey(c *svcCall) {
	condVarAddr, target := c.x(0), int32(c.w(1))

	var waiting []*Thread
	for _, t := range c.process.ThreadList() {
		if t.CondVarWaitAddress() == condVarAddr {
			waiting = append(waiting, t)
		}
	}
	sort.SliceStable(waiting, func(i, j int) bool { return waiting[i].Priority() < waiting[j].Priority() })
	if target != -1 && int(target) < len(waiting) {
		waiting = waiting[:target]
	}

	for _, t := range waiting {
		c.k.signalCondVarWaiter(c, t)
	}
	c.ret(nil)
}

// signalCondVarWaiter hands t the mutex it released when it began waiting,
// or queues it on the mutex owner if the mutex was taken meanwhile.
func (k *KernelCore) signalCondVarWaiter(c *svcCall, t *Thread) {
	t.SetCondVarWaitAddress(0)

	mon := k.ExclusiveMonitor()
	vm := c.process.VMManager()
	addr := t.MutexWaitAddress()

	var value uint32
	for {
		mon.SetExclusive(c.core, addr)
		value = vm.Read32(addr)
		if value != 0 {
			mon.ClearExclusive(c.core)
			break
		}
		if mon.DoExclusiveOperation(c.core, addr, 4, func() { vm.Write32(addr, uint32(t.WaitHandle())) }) {
			break
		}
	}

	if value == 0 {
		assert(t.Status() == ThreadStatusWaitCondVar, "condvar waiter %d has status %s", t.ThreadID(), t.Status())
		t.ResumeFromWait()
		if owner := t.LockOwner(); owner != nil {
			owner.RemoveMutexWaiter(t)
		}
		t.SetLockOwner(nil)
		t.SetMutexWaitAddress(0)
		t.SetWaitHandle(InvalidHandle)
		k.PrepareReschedule(int(t.ProcessorID()))
		return
	}

	for {
		mon.SetExclusive(c.core, addr)
		cur := vm.Read32(addr)
		assert(cur == value, "mutex word at 0x%X changed during condvar signal", addr)
		if mon.DoExclusiveOperation(c.core, addr, 4, func() { vm.Write32(addr, value|MutexHasWaitersFlag) }) {
			break
		}
	}

	owner := c.process.HandleTable().GetThread(Handle(value & MutexOwnerMask))
	assert(owner != nil, "mutex at 0x%X owned by unknown handle 0x%X", addr, value&MutexOwnerMask)
	assert(t.Status() == ThreadStatusWaitCondVar, "condvar waiter %d has status %s", t.ThreadID(), t.Status())
	t.InvalidateWakeupCallback()
	t.SetStatus(ThreadStatusWaitMutex)
	owner.AddMutexWaiter(t)
	k.PrepareReschedule(int(t.ProcessorID()))
}

func svcGetSystemTick(c *svcCall) {
	ct := c.k.timing
	c.regs[0] = ct.Ticks()
	// Guests busy-wait on the tick counter; let it move.
	ct.AddTicks(400)
}

func svcGetProcessID(c *svcCall) {
	h := Handle(c.w(1))
	if p := c.getProcess(h); p != nil {
		c.regs[1] = p.ProcessID()
		c.ret(nil)
		return
	}
	if t := c.getThread(h); t != nil && t.Owner() != nil {
		c.regs[1] = t.Owner().ProcessID()
		c.ret(nil)
		return
	}
	c.ret(ErrInvalidHandle)
}

func svcGetThreadID(c *svcCall) {
	t := c.getThread(Handle(c.w(1)))
	if t == nil {
		c.ret(ErrInvalidHandle)
		return
	}
	c.regs[1] = t.ThreadID()
	c.ret(nil)
}

func svcSetThreadActivity(c *svcCall) {
	activity := ThreadActivity(c.w(1))
	if activity > ThreadActivityPaused {
		c.ret(ErrInvalidEnumValue)
		return
	}
	t := c.getThread(Handle(c.w(0)))
	if t == nil || t.Owner() != c.process {
		c.ret(ErrInvalidHandle)
		return
	}
	if t == c.thread {
		c.ret(ErrInvalidState)
		return
	}
	t.SetActivity(activity)
	c.k.PrepareReschedule(int(t.ProcessorID()))
	c.ret(nil)
}

func svcWaitForAddress(c *svcCall) {
	addr, typ, value, timeout := c.x(0), ArbitrationType(c.w(1)), int32(c.w(2)), int64(c.x(3))
	c.ret(c.process.AddressArbiter().WaitForAddress(c.thread, addr, typ, value, timeout))
}

func svcSignalToAddress(c *svcCall) {
	addr, typ, value, count := c.x(0), SignalType(c.w(1)), int32(c.w(2)), int32(c.w(3))
	c.ret(c.process.AddressArbiter().SignalToAddress(addr, typ, value, count))
}

func svcCreateEvent(c *svcCall) {
	ht := c.process.HandleTable()
	pair := CreateEventPair(c.k, ResetManual, "CreateEvent")

	wh, err := ht.Create(pair.Writable)
	if err != nil {
		c.ret(err)
		return
	}
	rh, err := ht.Create(pair.Readable)
	if err != nil {
		_ = ht.Close(wh)
		c.ret(err)
		return
	}
	c.regs[1] = uint64(wh)
	c.regs[2] = uint64(rh)
	c.ret(nil)
}

func svcSetMemoryPermission(c *svcCall) {
	addr, size, raw := c.x(0), c.x(1), c.w(2)
	perm := VMAPermission(raw)
	vm := c.process.VMManager()

	switch {
	case addr&PageMask != 0:
		c.ret(ErrInvalidAddress)
		return
	case size == 0 || size&PageMask != 0:
		c.ret(ErrInvalidSize)
		return
	case addr+size <= addr:
		c.ret(ErrInvalidMemoryRange)
		return
	case raw > 0xFF || (perm != VMAPermNone && perm != VMAPermRead && perm != VMAPermReadWrite):
		c.ret(ErrInvalidMemoryPermissions)
		return
	case !vm.IsWithinAddressSpace(addr, size):
		c.ret(ErrInvalidMemoryRange)
		return
	}

	v, ok := vm.FindVMA(addr)
	if !ok || v.Type == VMATypeFree || addr+size > v.End() {
		c.ret(ErrInvalidMemoryRange)
		return
	}
	if v.State != MemoryStateHeap && v.State != MemoryStateCodeData {
		c.ret(ErrInvalidAddressState)
		return
	}
	c.ret(vm.ReprotectRange(addr, size, perm))
}

// checkMapArgs validates the operands shared by MapMemory and UnmapMemory.
func checkMapArgs(vm *VMManager, dst, src, size uint64) error {
	switch {
	case dst&PageMask != 0 || src&PageMask != 0:
		return ErrInvalidAddress
	case size == 0 || size&PageMask != 0:
		return ErrInvalidSize
	case dst+size <= dst || src+size <= src:
		return ErrInvalidAddressState
	case !vm.IsWithinAddressSpace(src, size):
		return ErrInvalidAddressState
	case dst < vm.NewMapRegionBase() || dst+size > vm.NewMapRegionEnd():
		return ErrInvalidMemoryRange
	case dst < vm.HeapRegionEnd() && dst+size > vm.HeapRegionBase():
		return ErrInvalidMemoryRange
	case dst < vm.MapRegionEnd() && dst+size > vm.MapRegionBase():
		return ErrInvalidMemoryRange
	}
	return nil
}

func svcMapMemory(c *svcCall) {
	dst, src, size := c.x(0), c.x(1), c.x(2)
	vm := c.process.VMManager()
	if err := checkMapArgs(vm, dst, src, size); err != nil {
		c.ret(err)
		return
	}
	c.ret(vm.MirrorMemory(dst, src, size, MemoryStateStack))
}

func svcUnmapMemory(c *svcCall) {
	dst, src, size := c.x(0), c.x(1), c.x(2)
	vm := c.process.VMManager()
	if err := checkMapArgs(vm, dst, src, size); err != nil {
		c.ret(err)
		return
	}
	v, ok := vm.FindVMA(dst)
	if !ok || v.State != MemoryStateStack || dst+size > v.End() {
		c.ret(ErrInvalidAddressState)
		return
	}
	if err := vm.UnmapRange(dst, size); err != nil {
		c.ret(err)
		return
	}
	c.ret(vm.ReprotectRange(src, size, VMAPermReadWrite))
}

// memoryInfoSize is the guest layout of a MemoryInfo record.
const memoryInfoSize = 0x28

func svcQueryMemory(c *svcCall) {
	out, addr := c.x(0), c.x(2)
	vm := c.process.VMManager()
	info := vm.QueryMemory(addr)

	buf := make([]byte, 0, memoryInfoSize)
	buf = binary.LittleEndian.AppendUint64(buf, info.BaseAddress)
	buf = binary.LittleEndian.AppendUint64(buf, info.Size)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(info.State))
	buf = binary.LittleEndian.AppendUint32(buf, info.Attributes)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(info.Permission))
	// IPC and device reference counts, then padding.
	buf = append(buf, make([]byte, memoryInfoSize-len(buf))...)

	if err := vm.WriteBlock(out, buf); err != nil {
		c.ret(ErrInvalidPointer)
		return
	}
	// Page info.
	c.regs[1] = 0
	c.ret(nil)
}

func svcGetThreadCoreMask(c *svcCall) {
	t := c.getThread(Handle(c.w(2)))
	if t == nil {
		c.ret(ErrInvalidHandle)
		return
	}
	c.regs[1] = uint64(uint32(t.IdealCore()))
	c.regs[2] = t.AffinityMask()
	c.ret(nil)
}

func svcSetThreadCoreMask(c *svcCall) {
	core, mask := int32(c.w(1)), c.x(2)
	t := c.getThread(Handle(c.w(0)))
	if t == nil {
		c.ret(ErrInvalidHandle)
		return
	}

	if core == ThreadProcessorIDIdeal {
		core = t.Owner().IdealCore()
		mask = 1 << uint(core)
	} else {
		coreMask := c.process.CoreMask()
		switch {
		case coreMask|mask != coreMask:
			c.ret(ErrInvalidProcessorID)
			return
		case mask == 0:
			c.ret(ErrInvalidCombination)
			return
		case core >= 0 && core < NumCPUCores:
			if mask&(1<<uint(core)) == 0 {
				c.ret(ErrInvalidCombination)
				return
			}
		case core != ThreadProcessorIDDontUpdate:
			c.ret(ErrInvalidProcessorID)
			return
		}
	}

	if err := t.SetCoreAndAffinityMask(core, mask); err != nil {
		c.ret(err)
		return
	}
	c.k.PrepareReschedule(int(t.ProcessorID()))
	c.ret(nil)
}

// breakNotificationOnly marks a break the guest expects to return from.
const breakNotificationOnly = 1 << 31

func svcBreak(c *svcCall) {
	reason, info1, info2 := c.w(0), c.x(1), c.x(2)
	hal.Logf(c.k.log, "svc: thread %d break reason=0x%08X info1=0x%X info2=0x%X",
		c.thread.ThreadID(), reason, info1, info2)
	if reason&breakNotificationOnly != 0 {
		c.ret(nil)
		return
	}
	c.thread.Stop()
	c.k.PrepareReschedule(c.core)
}

const maxDebugStringLength = 0x10000

func svcOutputDebugString(c *svcCall) {
	addr, n := c.x(0), c.x(1)
	if n == 0 {
		c.ret(nil)
		return
	}
	if n > maxDebugStringLength {
		n = maxDebugStringLength
	}
	buf := make([]byte, n)
	if err := c.process.VMManager().ReadBlock(addr, buf); err != nil {
		c.ret(ErrInvalidPointer)
		return
	}
	hal.Logf(c.k.log, "svc: debug: %s", buf)
	c.ret(nil)
}

// GetInfo identifiers.
const (
	infoAllowedCPUCoreMask        = 0
	infoAllowedThreadPriorityMask = 1
	infoMapRegionBaseAddr         = 2
	infoMapRegionSize             = 3
	infoHeapRegionBaseAddr        = 4
	infoHeapRegionSize            = 5
	infoTotalPhysicalMemory       = 6
	infoTotalPhysicalMemoryUsed   = 7
	infoIsCurrentProcessDebugged  = 8
	infoResourceLimit             = 9
	infoIdleTickCount             = 10
	infoRandomEntropy             = 11
	infoASLRRegionBaseAddr        = 12
	infoASLRRegionSize            = 13
	infoNewMapRegionBaseAddr      = 14
	infoNewMapRegionSize          = 15
	infoIsVirtualAddressMemory    = 16
	infoProgramID                 = 18
	infoThreadTickCount           = 0xF0000002
)

func svcGetInfo(c *svcCall) {
	id, h, sub := c.x(1), Handle(c.w(2)), c.x(3)

	switch id {
	case infoIsCurrentProcessDebugged, infoIdleTickCount:
		c.regs[1] = 0
		c.ret(nil)

	case infoResourceLimit:
		if h != 0 {
			c.ret(ErrInvalidHandle)
			return
		}
		if sub != 0 {
			c.ret(ErrInvalidCombination)
			return
		}
		rl := c.process.ResourceLimit()
		if rl == nil {
			c.regs[1] = uint64(InvalidHandle)
			c.ret(nil)
			return
		}
		rh, err := c.process.HandleTable().Create(rl)
		if err != nil {
			c.ret(err)
			return
		}
		c.regs[1] = uint64(rh)
		c.ret(nil)

	case infoRandomEntropy:
		if h != 0 {
			c.ret(ErrInvalidHandle)
			return
		}
		if sub >= uint64(len(c.process.randomEntropy)) {
			c.ret(ErrInvalidCombination)
			return
		}
		c.regs[1] = c.process.RandomEntropy(int(sub))
		c.ret(nil)

	case infoThreadTickCount:
		if sub != ^uint64(0) && sub >= NumCPUCores {
			c.ret(ErrInvalidCombination)
			return
		}
		t := c.getThread(h)
		if t == nil {
			c.ret(ErrInvalidHandle)
			return
		}
		c.regs[1] = t.CPUTimeTicks()
		c.ret(nil)

	case infoAllowedCPUCoreMask, infoAllowedThreadPriorityMask,
		infoMapRegionBaseAddr, infoMapRegionSize,
		infoHeapRegionBaseAddr, infoHeapRegionSize,
		infoTotalPhysicalMemory, infoTotalPhysicalMemoryUsed,
		infoASLRRegionBaseAddr, infoASLRRegionSize,
		infoNewMapRegionBaseAddr, infoNewMapRegionSize,
		infoIsVirtualAddressMemory, infoProgramID:
		if sub != 0 {
			c.ret(ErrInvalidEnumValue)
			return
		}
		p := c.getProcess(h)
		if p == nil {
			c.ret(ErrInvalidHandle)
			return
		}
		c.regs[1] = processInfo(p, id)
		c.ret(nil)

	default:
		hal.Logf(c.k.log, "svc: unknown info id 0x%X", id)
		c.ret(ErrInvalidEnumValue)
	}
}

func processInfo(p *Process, id uint64) uint64 {
	vm := p.VMManager()
	switch id {
	case infoAllowedCPUCoreMask:
		return p.CoreMask()
	case infoAllowedThreadPriorityMask:
		return p.PriorityMask()
	case infoMapRegionBaseAddr:
		return vm.MapRegionBase()
	case infoMapRegionSize:
		return vm.MapRegionEnd() - vm.MapRegionBase()
	case infoHeapRegionBaseAddr:
		return vm.HeapRegionBase()
	case infoHeapRegionSize:
		return vm.HeapRegionSize()
	case infoTotalPhysicalMemory:
		if rl := p.ResourceLimit(); rl != nil {
			return uint64(rl.MaxResourceValue(ResourcePhysicalMemory))
		}
		return 0
	case infoTotalPhysicalMemoryUsed:
		return p.TotalPhysicalMemoryUsed()
	case infoASLRRegionBaseAddr:
		return vm.ASLRRegionBase()
	case infoASLRRegionSize:
		return vm.ASLRRegionEnd() - vm.ASLRRegionBase()
	case infoNewMapRegionBaseAddr:
		return vm.NewMapRegionBase()
	case infoNewMapRegionSize:
		return vm.NewMapRegionEnd() - vm.NewMapRegionBase()
	case infoIsVirtualAddressMemory:
		if p.Is64Bit() {
			return 1
		}
		return 0
	case infoProgramID:
		return p.ProgramID()
	}
	return 0
}

func resourceLimitValue(c *svcCall, value func(*ResourceLimit, ResourceType) int64) {
	res := ResourceType(c.w(2))
	if res >= resourceTypeCount {
		c.ret(ErrInvalidEnumValue)
		return
	}
	rl, ok := Get[*ResourceLimit](c.process.HandleTable(), Handle(c.w(1)))
	if !ok {
		c.ret(ErrInvalidHandle)
		return
	}
	c.regs[1] = uint64(value(rl, res))
	c.ret(nil)
}

func svcGetResourceLimitLimitValue(c *svcCall) {
	resourceLimitValue(c, (*ResourceLimit).MaxResourceValue)
}

func svcGetResourceLimitCurrentValue(c *svcCall) {
	resourceLimitValue(c, (*ResourceLimit).CurrentResourceValue)
}

// threadContextSize is the guest layout of a 64-bit ThreadContext.
const threadContextSize = 0x320

func svcGetThreadContext(c *svcCall) {
	out := c.x(0)
	t := c.getThread(Handle(c.w(1)))
	if t == nil || t.Owner() != c.process {
		c.ret(ErrInvalidHandle)
		return
	}
	if t == c.thread {
		c.ret(ErrInvalidState)
		return
	}
	if err := c.process.VMManager().WriteBlock(out, t.Context().Bytes()); err != nil {
		c.ret(ErrInvalidPointer)
		return
	}
	c.ret(nil)
}
