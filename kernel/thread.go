package kernel

import (
	"encoding/binary"
	"fmt"

	"hle/timing"
)

const (
	ThreadPrioHighest     = 0
	ThreadPrioUserlandMax = 24
	ThreadPrioDefault     = 44
	ThreadPrioLowest      = 63
	ThreadPrioCount       = 64
)

const (
	// ThreadProcessorIDIdeal runs the thread on its process's ideal core.
	ThreadProcessorIDIdeal = -2
	// ThreadProcessorIDDontUpdate keeps the current ideal core when
	// changing affinity.
	ThreadProcessorIDDontUpdate = -3
)

// ThreadStatus is the scheduling state of a thread.
type ThreadStatus uint8

const (
	ThreadStatusRunning ThreadStatus = iota
	ThreadStatusReady
	ThreadStatusPaused
	ThreadStatusWaitHLEEvent
	ThreadStatusWaitSleep
	ThreadStatusWaitIPC
	ThreadStatusWaitSynch
	ThreadStatusWaitMutex
	ThreadStatusWaitCondVar
	ThreadStatusWaitArb
	ThreadStatusDormant
	ThreadStatusDead
)

func (s ThreadStatus) String() string {
	switch s {
	case ThreadStatusRunning:
		return "Running"
	case ThreadStatusReady:
		return "Ready"
	case ThreadStatusPaused:
		return "Paused"
	case ThreadStatusWaitHLEEvent:
		return "WaitHLEEvent"
	case ThreadStatusWaitSleep:
		return "WaitSleep"
	case ThreadStatusWaitIPC:
		return "WaitIPC"
	case ThreadStatusWaitSynch:
		return "WaitSynch"
	case ThreadStatusWaitMutex:
		return "WaitMutex"
	case ThreadStatusWaitCondVar:
		return "WaitCondVar"
	case ThreadStatusWaitArb:
		return "WaitArb"
	case ThreadStatusDormant:
		return "Dormant"
	case ThreadStatusDead:
		return "Dead"
	default:
		return fmt.Sprintf("ThreadStatus(%d)", uint8(s))
	}
}

// IsWaiting reports whether the status is one of the blocking wait states.
func (s ThreadStatus) IsWaiting() bool {
	switch s {
	case ThreadStatusWaitHLEEvent, ThreadStatusWaitSleep, ThreadStatusWaitIPC,
		ThreadStatusWaitSynch, ThreadStatusWaitMutex, ThreadStatusWaitCondVar,
		ThreadStatusWaitArb:
		return true
	}
	return false
}

// ThreadWakeupReason says why a waiting thread is being woken.
type ThreadWakeupReason uint8

const (
	WakeupReasonSignal ThreadWakeupReason = iota
	WakeupReasonTimeout
)

// WakeupCallback runs when a waiting thread is woken by a signal or timeout.
// It returns whether the thread should be resumed.
type WakeupCallback func(reason ThreadWakeupReason, t *Thread, obj WaitObject, index int) bool

// ThreadActivity is the user-controlled pause state of a thread.
type ThreadActivity uint32

const (
	ThreadActivityNormal ThreadActivity = iota
	ThreadActivityPaused
)

// ThreadContext is the saved register file of a thread.
type ThreadContext struct {
	CPURegisters    [31]uint64
	SP              uint64
	PC              uint64
	PState          uint32
	VectorRegisters [32][2]uint64
	FPCR            uint32
	FPSR            uint32
	TPIDR           uint64
}

// Bytes encodes the context in its little-endian guest layout.
func (c *ThreadContext) Bytes() []byte {
	le := binary.LittleEndian
	b := make([]byte, 0, threadContextSize)
	for _, r := range c.CPURegisters {
		b = le.AppendUint64(b, r)
	}
	b = le.AppendUint64(b, c.SP)
	b = le.AppendUint64(b, c.PC)
	b = le.AppendUint32(b, c.PState)
	b = le.AppendUint32(b, 0)
	for _, v := range c.VectorRegisters {
		b = le.AppendUint64(b, v[0])
		b = le.AppendUint64(b, v[1])
	}
	b = le.AppendUint32(b, c.FPCR)
	b = le.AppendUint32(b, c.FPSR)
	return le.AppendUint64(b, c.TPIDR)
}

// Thread is an emulated guest thread.
type Thread struct {
	objectBase
	waitQueue

	kernel *KernelCore
	owner  *Process

	threadID    uint64
	status      ThreadStatus
	activity    ThreadActivity
	isRunning   bool
	schedulable bool

	entryPoint uint64
	stackTop   uint64

	nominalPriority uint32
	currentPriority uint32

	processorID  int32
	idealCore    int32
	affinityMask uint64

	context    ThreadContext
	tlsAddress uint64
	tlsMemory  *MemoryBlock

	lastRunningTicks uint64
	cpuTimeTicks     uint64
	yieldCount       uint64

	waitObjects    []WaitObject
	wakeupCallback WakeupCallback
	callbackHandle Handle
	syncCancelled  bool

	mutexWaitAddress   uint64
	condVarWaitAddress uint64
	arbWaitAddress     uint64
	waitHandle         Handle
	lockOwner          *Thread
	waitMutexThreads   []*Thread
	heldMutexes        []*Mutex
}

// CreateThread creates a dormant thread owned by owner.
func CreateThread(k *KernelCore, name string, entry uint64, priority uint32, arg uint64, processorID int32, stackTop uint64, owner *Process) (*Thread, error) {
	assert(owner != nil, "thread %q created without an owner process", name)

	if priority > ThreadPrioLowest {
		return nil, ErrInvalidThreadPriority
	}
	if processorID == ThreadProcessorIDIdeal {
		processorID = owner.IdealCore()
	}
	if processorID < 0 || processorID >= NumCPUCores {
		return nil, ErrInvalidProcessorID
	}
	if !owner.VMManager().IsValidVirtualAddress(entry) {
		return nil, ErrInvalidAddress
	}
	if rl := owner.ResourceLimit(); rl != nil && !rl.Reserve(ResourceThreads, 1) {
		return nil, ErrResourceLimitExceeded
	}

	t := &Thread{
		objectBase:       objectBase{id: k.nextObjectID(), name: name},
		kernel:           k,
		owner:            owner,
		threadID:         k.createNewThreadID(),
		status:           ThreadStatusDormant,
		entryPoint:       entry,
		stackTop:         stackTop,
		nominalPriority:  priority,
		currentPriority:  priority,
		processorID:      processorID,
		idealCore:        processorID,
		affinityMask:     1 << uint(processorID),
		tlsMemory:        NewMemoryBlock(0),
		lastRunningTicks: k.timing.Ticks(),
	}

	h, err := k.wakeupCallbackTable.Create(t)
	if err != nil {
		if rl := owner.ResourceLimit(); rl != nil {
			rl.Release(ResourceThreads, 1)
		}
		return nil, err
	}
	t.callbackHandle = h

	t.context.CPURegisters[0] = arg
	t.context.PC = entry
	t.context.SP = stackTop
	// Flush denormals to zero and default NaN.
	t.context.FPCR = 0x03000000

	k.globalScheduler.AddThread(t)
	t.tlsAddress = owner.MarkNextAvailableTLSSlotAsUsed(t)
	owner.RegisterThread(t)
	return t, nil
}

func (t *Thread) TypeName() string       { return "Thread" }
func (t *Thread) HandleType() HandleType { return HandleTypeThread }

// ShouldWait blocks until the thread has exited.
func (t *Thread) ShouldWait(*Thread) bool { return t.status != ThreadStatusDead }

func (t *Thread) Acquire(waiter *Thread) {
	assert(!t.ShouldWait(waiter), "acquiring thread %d before it exited", t.threadID)
}

func (t *Thread) ThreadID() uint64           { return t.threadID }
func (t *Thread) Owner() *Process            { return t.owner }
func (t *Thread) Status() ThreadStatus       { return t.status }
func (t *Thread) Activity() ThreadActivity   { return t.activity }
func (t *Thread) IsRunning() bool            { return t.isRunning }
func (t *Thread) EntryPoint() uint64         { return t.entryPoint }
func (t *Thread) StackTop() uint64           { return t.stackTop }
func (t *Thread) Priority() uint32           { return t.currentPriority }
func (t *Thread) NominalPriority() uint32    { return t.nominalPriority }
func (t *Thread) ProcessorID() int32         { return t.processorID }
func (t *Thread) IdealCore() int32           { return t.idealCore }
func (t *Thread) AffinityMask() uint64       { return t.affinityMask }
func (t *Thread) Context() *ThreadContext    { return &t.context }
func (t *Thread) TLSAddress() uint64         { return t.tlsAddress }
func (t *Thread) TLSMemory() *MemoryBlock    { return t.tlsMemory }
func (t *Thread) LastRunningTicks() uint64   { return t.lastRunningTicks }
func (t *Thread) CPUTimeTicks() uint64       { return t.cpuTimeTicks }
func (t *Thread) YieldCount() uint64         { return t.yieldCount }
func (t *Thread) WaitObjects() []WaitObject  { return t.waitObjects }
func (t *Thread) LockOwner() *Thread         { return t.lockOwner }
func (t *Thread) WaitHandle() Handle         { return t.waitHandle }
func (t *Thread) MutexWaitAddress() uint64   { return t.mutexWaitAddress }
func (t *Thread) CondVarWaitAddress() uint64 { return t.condVarWaitAddress }
func (t *Thread) ArbiterWaitAddress() uint64 { return t.arbWaitAddress }

func (t *Thread) MutexWaitingThreads() []*Thread { return t.waitMutexThreads }

func (t *Thread) setIsRunning(v bool)               { t.isRunning = v }
func (t *Thread) setProcessorID(core int32)         { t.processorID = core }
func (t *Thread) incrementYieldCount()              { t.yieldCount++ }
func (t *Thread) updateCPUTimeTicks(delta uint64)   { t.cpuTimeTicks += delta }
func (t *Thread) SetWaitHandle(h Handle)            { t.waitHandle = h }
func (t *Thread) SetMutexWaitAddress(addr uint64)   { t.mutexWaitAddress = addr }
func (t *Thread) SetCondVarWaitAddress(addr uint64) { t.condVarWaitAddress = addr }
func (t *Thread) SetArbiterWaitAddress(addr uint64) { t.arbWaitAddress = addr }
func (t *Thread) SetLockOwner(owner *Thread)        { t.lockOwner = owner }

// SetStatus changes the scheduling state and updates the ready queues.
func (t *Thread) SetStatus(s ThreadStatus) {
	if s == t.status {
		return
	}
	t.status = s
	if s == ThreadStatusRunning {
		t.lastRunningTicks = t.kernel.timing.Ticks()
	}
	t.adjustSchedulingOnStatus()
}

func (t *Thread) wantsSchedule() bool {
	return (t.status == ThreadStatusReady || t.status == ThreadStatusRunning) && t.activity != ThreadActivityPaused
}

func (t *Thread) adjustSchedulingOnStatus() {
	want := t.wantsSchedule()
	if want == t.schedulable {
		return
	}
	t.schedulable = want

	g := t.kernel.globalScheduler
	for core := int32(0); core < NumCPUCores; core++ {
		switch {
		case core == t.processorID && want:
			g.Schedule(t.currentPriority, core, t)
		case core == t.processorID:
			g.Unschedule(t.currentPriority, core, t)
		case t.affinityMask&(1<<uint(core)) != 0 && want:
			g.Suggest(t.currentPriority, core, t)
		case t.affinityMask&(1<<uint(core)) != 0:
			g.Unsuggest(t.currentPriority, core, t)
		}
	}
	g.SetReselectionPending()
	if want && t.processorID >= 0 {
		t.kernel.PrepareReschedule(int(t.processorID))
	}
}

func (t *Thread) adjustSchedulingOnPriority(oldPriority uint32) {
	if !t.schedulable {
		return
	}
	g := t.kernel.globalScheduler
	if t.processorID >= 0 {
		g.Unschedule(oldPriority, t.processorID, t)
	}
	for core := int32(0); core < NumCPUCores; core++ {
		if core != t.processorID && t.affinityMask&(1<<uint(core)) != 0 {
			g.Unsuggest(oldPriority, core, t)
		}
	}

	if t.processorID >= 0 {
		// The running thread keeps its place at the head of its new level.
		if t.isRunning {
			g.SchedulePrepend(t.currentPriority, t.processorID, t)
		} else {
			g.Schedule(t.currentPriority, t.processorID, t)
		}
	}
	for core := int32(0); core < NumCPUCores; core++ {
		if core != t.processorID && t.affinityMask&(1<<uint(core)) != 0 {
			g.Suggest(t.currentPriority, core, t)
		}
	}
	g.SetReselectionPending()
}

func (t *Thread) adjustSchedulingOnAffinity(oldMask uint64, oldCore int32) {
	if !t.schedulable {
		return
	}
	g := t.kernel.globalScheduler
	for core := int32(0); core < NumCPUCores; core++ {
		if oldMask&(1<<uint(core)) == 0 {
			continue
		}
		if core == oldCore {
			g.Unschedule(t.currentPriority, core, t)
		} else {
			g.Unsuggest(t.currentPriority, core, t)
		}
	}
	for core := int32(0); core < NumCPUCores; core++ {
		if t.affinityMask&(1<<uint(core)) == 0 {
			continue
		}
		if core == t.processorID {
			g.Schedule(t.currentPriority, core, t)
		} else {
			g.Suggest(t.currentPriority, core, t)
		}
	}
	g.SetReselectionPending()
}

// ResumeFromWait makes a dormant, paused or waiting thread ready to run.
func (t *Thread) ResumeFromWait() {
	assert(len(t.waitObjects) == 0, "thread %d resuming while still waiting on %d objects", t.threadID, len(t.waitObjects))

	switch t.status {
	case ThreadStatusReady:
		// A thread waiting on several objects can be woken more than once.
		return
	case ThreadStatusRunning, ThreadStatusDead:
		return
	}

	t.wakeupCallback = nil
	if t.activity == ThreadActivityPaused {
		t.SetStatus(ThreadStatusPaused)
		return
	}
	t.SetStatus(ThreadStatusReady)
}

// CancelWait aborts a synchronization wait. A thread that is not waiting
// remembers the request and fails its next wait instead.
func (t *Thread) CancelWait() {
	if t.status != ThreadStatusWaitSynch {
		t.syncCancelled = true
		return
	}
	for _, o := range t.waitObjects {
		o.RemoveWaitingThread(t)
	}
	t.ClearWaitObjects()
	t.CancelWakeupTimer()
	t.SetWaitSynchronizationResult(ErrSynchronizationCanceled)
	t.ResumeFromWait()
}

func (t *Thread) consumeSyncCancel() bool {
	c := t.syncCancelled
	t.syncCancelled = false
	return c
}

// Stop terminates the thread and releases everything it holds.
func (t *Thread) Stop() {
	k := t.kernel
	k.timing.UnscheduleEvent(k.threadWakeupEvent, uint64(t.callbackHandle))
	_ = k.wakeupCallbackTable.Close(t.callbackHandle)
	t.callbackHandle = InvalidHandle

	if t.lockOwner != nil {
		t.lockOwner.RemoveMutexWaiter(t)
	}

	t.SetStatus(ThreadStatusDead)
	WakeupAllWaitingThreads(t)

	for _, o := range t.waitObjects {
		o.RemoveWaitingThread(t)
	}
	t.waitObjects = nil

	for len(t.heldMutexes) > 0 {
		t.heldMutexes[0].releaseAll(t)
	}

	k.globalScheduler.RemoveThread(t)
	t.owner.UnregisterThread(t)
	t.owner.FreeTLSSlot(t.tlsAddress)
	if rl := t.owner.ResourceLimit(); rl != nil {
		rl.Release(ResourceThreads, 1)
	}
}

// WakeAfterDelay schedules a timeout wakeup. -1 waits forever.
func (t *Thread) WakeAfterDelay(ns int64) {
	if ns < 0 {
		return
	}
	k := t.kernel
	k.timing.ScheduleEvent(timing.NsToCycles(ns), k.threadWakeupEvent, uint64(t.callbackHandle))
}

func (t *Thread) CancelWakeupTimer() {
	k := t.kernel
	k.timing.UnscheduleEvent(k.threadWakeupEvent, uint64(t.callbackHandle))
}

func (t *Thread) SetWaitObjects(objs []WaitObject) { t.waitObjects = objs }
func (t *Thread) ClearWaitObjects()                { t.waitObjects = nil }

// WaitObjectIndex returns the position of obj in the wait list.
func (t *Thread) WaitObjectIndex(obj WaitObject) int {
	for i := len(t.waitObjects) - 1; i >= 0; i-- {
		if t.waitObjects[i] == obj {
			return i
		}
	}
	return -1
}

func (t *Thread) HasWakeupCallback() bool             { return t.wakeupCallback != nil }
func (t *Thread) SetWakeupCallback(cb WakeupCallback) { t.wakeupCallback = cb }
func (t *Thread) InvalidateWakeupCallback()           { t.wakeupCallback = nil }

func (t *Thread) InvokeWakeupCallback(reason ThreadWakeupReason, obj WaitObject, index int) bool {
	assert(t.wakeupCallback != nil, "thread %d has no wakeup callback", t.threadID)
	return t.wakeupCallback(reason, t, obj, index)
}

// SetWaitSynchronizationResult stores the value the pending kernel call
// returns in X0.
func (t *Thread) SetWaitSynchronizationResult(r ResultCode) {
	t.context.CPURegisters[0] = uint64(r)
}

// SetWaitSynchronizationOutput stores the object index returned in X1.
func (t *Thread) SetWaitSynchronizationOutput(index int32) {
	t.context.CPURegisters[1] = uint64(uint32(index))
}

// SetPriority changes the base priority; inherited priority still applies.
func (t *Thread) SetPriority(priority uint32) {
	assert(priority <= ThreadPrioLowest, "invalid priority %d", priority)
	t.nominalPriority = priority
	t.UpdatePriority()
}

// BoostPriority raises the effective priority without touching the base.
func (t *Thread) BoostPriority(priority uint32) {
	t.setCurrentPriority(priority)
}

func (t *Thread) setCurrentPriority(priority uint32) {
	old := t.currentPriority
	t.currentPriority = priority
	t.adjustSchedulingOnPriority(old)
}

// AddMutexWaiter records that waiter is blocked on a mutex t holds.
func (t *Thread) AddMutexWaiter(waiter *Thread) {
	if waiter.lockOwner == t {
		return
	}
	assert(waiter.lockOwner == nil, "thread %d waits on two mutexes", waiter.threadID)
	for _, w := range t.waitMutexThreads {
		assert(w != waiter, "thread %d already in mutex waiter list", waiter.threadID)
	}

	i := 0
	for i < len(t.waitMutexThreads) && t.waitMutexThreads[i].Priority() <= waiter.Priority() {
		i++
	}
	t.waitMutexThreads = append(t.waitMutexThreads, nil)
	copy(t.waitMutexThreads[i+1:], t.waitMutexThreads[i:])
	t.waitMutexThreads[i] = waiter

	waiter.lockOwner = t
	t.UpdatePriority()
}

func (t *Thread) RemoveMutexWaiter(waiter *Thread) {
	assert(waiter.lockOwner == t, "thread %d is not waiting on thread %d", waiter.threadID, t.threadID)
	for i, w := range t.waitMutexThreads {
		if w == waiter {
			t.waitMutexThreads = append(t.waitMutexThreads[:i], t.waitMutexThreads[i+1:]...)
			waiter.lockOwner = nil
			t.UpdatePriority()
			return
		}
	}
	fatalf("thread %d missing from mutex waiter list of thread %d", waiter.threadID, t.threadID)
}

// UpdatePriority applies priority inheritance from mutex waiters and
// propagates the change to the thread this one waits on.
func (t *Thread) UpdatePriority() {
	p := t.nominalPriority
	if len(t.waitMutexThreads) > 0 && t.waitMutexThreads[0].currentPriority < p {
		p = t.waitMutexThreads[0].currentPriority
	}
	if p == t.currentPriority {
		return
	}
	t.setCurrentPriority(p)

	if t.lockOwner == nil {
		return
	}
	// Re-insert to keep the owner's waiter list sorted.
	owner := t.lockOwner
	owner.RemoveMutexWaiter(t)
	owner.AddMutexWaiter(t)
	owner.UpdatePriority()
}

// SetCoreAndAffinityMask moves the thread to a new ideal core and mask.
func (t *Thread) SetCoreAndAffinityMask(core int32, mask uint64) error {
	if core == ThreadProcessorIDDontUpdate {
		core = t.idealCore
		if mask&(1<<uint(core)) == 0 {
			return ErrInvalidCombination
		}
	}

	oldMask := t.affinityMask
	t.affinityMask = mask
	t.idealCore = core
	if oldMask == mask {
		return nil
	}

	oldCore := t.processorID
	if t.processorID >= 0 && t.affinityMask&(1<<uint(t.processorID)) == 0 {
		if t.idealCore < 0 {
			t.processorID = highestSetCore(mask)
		} else {
			t.processorID = t.idealCore
		}
	}
	t.adjustSchedulingOnAffinity(oldMask, oldCore)
	return nil
}

func highestSetCore(mask uint64) int32 {
	for core := int32(NumCPUCores - 1); core >= 0; core-- {
		if mask&(1<<uint(core)) != 0 {
			return core
		}
	}
	return -1
}

// SetActivity pauses or resumes the thread on behalf of the guest.
func (t *Thread) SetActivity(a ThreadActivity) {
	t.activity = a
	if a == ThreadActivityPaused {
		if t.status == ThreadStatusReady || t.status == ThreadStatusRunning {
			t.SetStatus(ThreadStatusPaused)
			t.kernel.PrepareReschedule(int(t.processorID))
		}
		return
	}
	if t.status == ThreadStatusPaused {
		t.ResumeFromWait()
	}
}

// Sleep blocks the thread for ns nanoseconds.
func (t *Thread) Sleep(ns int64) {
	t.SetStatus(ThreadStatusWaitSleep)
	t.WakeAfterDelay(ns)
}

// YieldSimple moves the thread behind its priority peers. It reports
// whether the yield was redundant (the thread would run again anyway).
func (t *Thread) YieldSimple() bool {
	return t.kernel.globalScheduler.YieldThread(t)
}

func (t *Thread) YieldAndBalanceLoad() bool {
	return t.kernel.globalScheduler.YieldThreadAndBalanceLoad(t)
}

func (t *Thread) YieldAndWaitForLoadBalancing() bool {
	return t.kernel.globalScheduler.YieldThreadAndWaitForLoadBalancing(t)
}
