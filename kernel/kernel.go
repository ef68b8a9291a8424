// Package kernel emulates the console's kernel objects: processes, threads,
// address spaces, synchronization primitives and the multi-core scheduler.
//
// Every exported operation that touches kernel state expects the caller to
// hold the kernel lock (KernelCore.Lock), the same way guest code only
// enters the kernel through a supervisor call.
package kernel

import (
	"sync"
	"sync/atomic"

	"hle/hal"
	"hle/timing"
)

// NumCPUCores is the number of emulated CPU cores.
const NumCPUCores = 4

const preemptionIntervalNs = 10_000_000

// Options configures a kernel instance.
type Options struct {
	// RNGSeed seeds process entropy. Nil selects the default seed 0.
	RNGSeed *uint32
}

// ExclusiveMonitor arbitrates load/store-exclusive pairs between cores.
type ExclusiveMonitor interface {
	SetExclusive(core int, addr uint64)
	ClearExclusive(core int)
	// DoExclusiveOperation runs op if core still holds its reservation on
	// addr, clearing every reservation of the range. It reports whether op
	// ran.
	DoExclusiveOperation(core int, addr uint64, size int, op func()) bool
}

// KernelCore owns the kernel state of one emulation session.
type KernelCore struct {
	mu sync.Mutex

	log    hal.Logger
	timing *timing.CoreTiming
	opts   Options

	processes      []*Process
	currentProcess atomic.Pointer[Process]

	systemResourceLimit *ResourceLimit
	globalScheduler     *GlobalScheduler
	schedulers          [NumCPUCores]*Scheduler
	monitor             ExclusiveMonitor

	threadWakeupEvent   *timing.EventType
	preemptionEvent     *timing.EventType
	wakeupCallbackTable *HandleTable

	nextObjectIDv       atomic.Uint32
	nextKernelProcessID uint64
	nextUserProcessID   uint64
	nextThreadID        uint64
	initialized         bool
}

// New returns an uninitialized kernel driven by ct.
func New(ct *timing.CoreTiming, log hal.Logger, opts Options) *KernelCore {
	return &KernelCore{timing: ct, log: log, opts: opts}
}

// Initialize creates the default resource limit, the schedulers and the
// timing events. It may be called again after Shutdown.
func (k *KernelCore) Initialize() {
	k.nextKernelProcessID = InitialKIPIDMin
	k.nextUserProcessID = ProcessIDMin
	k.nextThreadID = 1

	k.systemResourceLimit = NewResourceLimit(k, "System")
	for _, l := range []struct {
		res   ResourceType
		value int64
	}{
		{ResourcePhysicalMemory, 0x200000000},
		{ResourceThreads, 800},
		{ResourceEvents, 700},
		{ResourceTransferMemory, 200},
		{ResourceSessions, 933},
	} {
		if err := k.systemResourceLimit.SetLimitValue(l.res, l.value); err != nil {
			fatalf("setting system %s limit: %v", l.res, err)
		}
	}

	k.globalScheduler = newGlobalScheduler(k)
	for i := range k.schedulers {
		k.schedulers[i] = newScheduler(k, i)
	}
	k.wakeupCallbackTable = NewHandleTable()

	k.threadWakeupEvent = k.timing.RegisterEvent("ThreadWakeupCallback", k.threadWakeupCallback)
	k.preemptionEvent = k.timing.RegisterEvent("PreemptionCallback", k.preemptionCallback)
	k.timing.ScheduleEvent(timing.NsToCycles(preemptionIntervalNs), k.preemptionEvent, 0)

	k.initialized = true
}

// Shutdown drops every process and thread.
func (k *KernelCore) Shutdown() {
	if !k.initialized {
		return
	}
	k.timing.RemoveEvent(k.preemptionEvent)
	k.timing.RemoveEvent(k.threadWakeupEvent)

	k.processes = nil
	k.currentProcess.Store(nil)
	k.globalScheduler.Shutdown()
	for _, s := range k.schedulers {
		s.shutdown()
	}
	k.wakeupCallbackTable.Clear()
	k.monitor = nil
	k.initialized = false
}

func (k *KernelCore) Lock()   { k.mu.Lock() }
func (k *KernelCore) Unlock() { k.mu.Unlock() }

func (k *KernelCore) Logger() hal.Logger                     { return k.log }
func (k *KernelCore) Timing() *timing.CoreTiming             { return k.timing }
func (k *KernelCore) SystemResourceLimit() *ResourceLimit    { return k.systemResourceLimit }
func (k *KernelCore) GlobalScheduler() *GlobalScheduler      { return k.globalScheduler }
func (k *KernelCore) Scheduler(core int) *Scheduler          { return k.schedulers[core] }
func (k *KernelCore) Processes() []*Process                  { return append([]*Process(nil), k.processes...) }
func (k *KernelCore) CurrentProcess() *Process               { return k.currentProcess.Load() }
func (k *KernelCore) MakeCurrentProcess(p *Process)          { k.currentProcess.Store(p) }
func (k *KernelCore) AppendNewProcess(p *Process)            { k.processes = append(k.processes, p) }
func (k *KernelCore) SetExclusiveMonitor(m ExclusiveMonitor) { k.monitor = m }

// RNGSeed returns the configured entropy seed, 0 by default.
func (k *KernelCore) RNGSeed() uint32 {
	if k.opts.RNGSeed == nil {
		return 0
	}
	return *k.opts.RNGSeed
}

// ExclusiveMonitor returns the bound monitor, or one that always succeeds
// when no CPU is attached.
func (k *KernelCore) ExclusiveMonitor() ExclusiveMonitor {
	if k.monitor == nil {
		return nopMonitor{}
	}
	return k.monitor
}

type nopMonitor struct{}

func (nopMonitor) SetExclusive(int, uint64) {}
func (nopMonitor) ClearExclusive(int)       {}
func (nopMonitor) DoExclusiveOperation(_ int, _ uint64, _ int, op func()) bool {
	op()
	return true
}

// BindExecutionContext attaches the CPU core that runs threads of core.
func (k *KernelCore) BindExecutionContext(core int, ctx ExecutionContext) {
	k.schedulers[core].SetExecutionContext(ctx)
}

// PrepareReschedule asks core to select a thread at its next yield point.
func (k *KernelCore) PrepareReschedule(core int) {
	if core < 0 || core >= NumCPUCores || k.schedulers[core] == nil {
		return
	}
	k.schedulers[core].PrepareReschedule()
}

// Reschedule runs thread selection for core if it was requested. The caller
// holds the kernel lock.
func (k *KernelCore) Reschedule(core int) {
	if !k.schedulers[core].TakeReschedule() {
		return
	}
	k.globalScheduler.SelectThread(core)
	k.schedulers[core].TryDoContextSwitch()
}

// CurrentThread returns the thread running on core.
func (k *KernelCore) CurrentThread(core int) *Thread {
	return k.schedulers[core].CurrentThread()
}

func (k *KernelCore) nextObjectID() uint32 { return k.nextObjectIDv.Add(1) - 1 }

func (k *KernelCore) CreateNewKernelProcessID() uint64 {
	id := k.nextKernelProcessID
	k.nextKernelProcessID++
	return id
}

func (k *KernelCore) CreateNewUserProcessID() uint64 {
	id := k.nextUserProcessID
	k.nextUserProcessID++
	return id
}

func (k *KernelCore) createNewThreadID() uint64 {
	id := k.nextThreadID
	k.nextThreadID++
	return id
}

// threadWakeupCallback handles a thread's wait timing out.
func (k *KernelCore) threadWakeupCallback(userdata uint64, _ int64) {
	k.Lock()
	defer k.Unlock()

	t := k.wakeupCallbackTable.GetThread(Handle(userdata))
	if t == nil {
		hal.Logf(k.log, "kernel: wakeup for unknown thread handle 0x%08X", userdata)
		return
	}

	resume := true
	switch t.status {
	case ThreadStatusWaitSynch, ThreadStatusWaitHLEEvent:
		for _, o := range t.waitObjects {
			o.RemoveWaitingThread(t)
		}
		t.ClearWaitObjects()
		if t.HasWakeupCallback() {
			resume = t.InvokeWakeupCallback(WakeupReasonTimeout, nil, 0)
		}
	case ThreadStatusWaitMutex, ThreadStatusWaitCondVar:
		if t.status == ThreadStatusWaitCondVar {
			t.SetWaitSynchronizationResult(ResultTimeout)
		}
		t.SetMutexWaitAddress(0)
		t.SetCondVarWaitAddress(0)
		t.SetWaitHandle(InvalidHandle)
		// Condition variable waiters only have a lock owner once signaled.
		if owner := t.lockOwner; owner != nil {
			owner.RemoveMutexWaiter(t)
		}
	case ThreadStatusWaitArb:
		t.SetArbiterWaitAddress(0)
		t.SetWaitSynchronizationResult(ResultTimeout)
	}

	if resume {
		t.ResumeFromWait()
	}
}

func (k *KernelCore) preemptionCallback(uint64, int64) {
	k.Lock()
	k.globalScheduler.PreemptThreads()
	k.Unlock()
	k.timing.ScheduleEvent(timing.NsToCycles(preemptionIntervalNs), k.preemptionEvent, 0)
}

// WaitSynchronization acquires the first signaled object of objects or puts
// t to sleep on all of them. It returns the index of the acquired object.
// When t is suspended the result is ResultTimeout; the wakeup later
// overwrites it with the real outcome.
func (k *KernelCore) WaitSynchronization(t *Thread, objects []WaitObject, timeoutNs int64) (int, error) {
	for i, o := range objects {
		if !o.ShouldWait(t) {
			o.Acquire(t)
			return i, nil
		}
	}

	if timeoutNs == 0 {
		return 0, ResultTimeout
	}
	if t.consumeSyncCancel() {
		return 0, ErrSynchronizationCanceled
	}

	for _, o := range objects {
		o.AddWaitingThread(t)
	}
	t.SetWaitObjects(objects)
	t.SetStatus(ThreadStatusWaitSynch)
	t.WakeAfterDelay(timeoutNs)
	t.SetWakeupCallback(defaultWakeupCallback)

	k.PrepareReschedule(int(t.processorID))
	return 0, ResultTimeout
}

func defaultWakeupCallback(reason ThreadWakeupReason, t *Thread, _ WaitObject, index int) bool {
	assert(t.status == ThreadStatusWaitSynch, "wait wakeup of thread %d in status %s", t.threadID, t.status)
	if reason == WakeupReasonTimeout {
		t.SetWaitSynchronizationResult(ResultTimeout)
		return true
	}
	t.SetWaitSynchronizationResult(ResultSuccess)
	t.SetWaitSynchronizationOutput(int32(index))
	return true
}
