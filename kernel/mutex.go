package kernel

const (
	// MutexHasWaitersFlag is set in a guest mutex word while threads wait on it.
	MutexHasWaitersFlag = 0x40000000
	MutexOwnerMask      = 0xBFFFFFFF
)

// Mutex is a recursive lock threads acquire through WaitSynchronization.
// It is released automatically when its holder stops.
type Mutex struct {
	objectBase
	waitQueue

	holder    *Thread
	lockCount uint32
}

func NewMutex(k *KernelCore, name string) *Mutex {
	return &Mutex{objectBase: objectBase{id: k.nextObjectID(), name: name}}
}

func (m *Mutex) TypeName() string       { return "Mutex" }
func (m *Mutex) HandleType() HandleType { return HandleTypeMutex }
func (m *Mutex) Holder() *Thread        { return m.holder }
func (m *Mutex) LockCount() uint32      { return m.lockCount }

// ShouldWait blocks while another thread holds the mutex.
func (m *Mutex) ShouldWait(t *Thread) bool {
	return m.holder != nil && m.holder != t
}

func (m *Mutex) Acquire(t *Thread) {
	assert(!m.ShouldWait(t), "thread %d acquiring mutex %q held by another thread", t.threadID, m.name)
	if m.holder == nil {
		m.holder = t
		t.heldMutexes = append(t.heldMutexes, m)
	}
	m.lockCount++
}

// Release drops one level of ownership. The last release wakes waiters.
func (m *Mutex) Release(t *Thread) error {
	if m.holder != t {
		return ErrInvalidHandle
	}
	m.lockCount--
	if m.lockCount > 0 {
		return nil
	}
	m.dropHolder()
	WakeupAllWaitingThreads(m)
	return nil
}

func (m *Mutex) releaseAll(t *Thread) {
	assert(m.holder == t, "thread %d releasing mutex %q it does not hold", t.threadID, m.name)
	m.lockCount = 0
	m.dropHolder()
	WakeupAllWaitingThreads(m)
}

func (m *Mutex) dropHolder() {
	h := m.holder
	m.holder = nil
	for i, held := range h.heldMutexes {
		if held == m {
			h.heldMutexes = append(h.heldMutexes[:i], h.heldMutexes[i+1:]...)
			break
		}
	}
}

// AddressMutex implements the guest mutexes that live in process memory.
// The mutex word holds the owner's handle, with MutexHasWaitersFlag set
// while others wait on it.
type AddressMutex struct {
	kernel  *KernelCore
	process *Process
}

func newAddressMutex(k *KernelCore, p *Process) *AddressMutex {
	return &AddressMutex{kernel: k, process: p}
}

// TryAcquire blocks current on the mutex at addr if it is still owned by
// holdingHandle with waiters.
func (m *AddressMutex) TryAcquire(current *Thread, addr uint64, holdingHandle, requestingHandle Handle) error {
	if addr&3 != 0 {
		return ErrInvalidAddress
	}

	ht := m.process.HandleTable()
	holding := ht.GetThread(holdingHandle)
	requesting := ht.GetThread(requestingHandle)
	if requesting != current {
		return ErrInvalidHandle
	}

	value := m.process.VMManager().Read32(addr)
	if value != uint32(holdingHandle)|MutexHasWaitersFlag {
		return nil
	}
	if holding == nil {
		return ErrInvalidHandle
	}

	current.SetMutexWaitAddress(addr)
	current.SetWaitHandle(requestingHandle)
	current.SetStatus(ThreadStatusWaitMutex)
	current.InvalidateWakeupCallback()
	holding.AddMutexWaiter(current)

	m.kernel.PrepareReschedule(int(current.ProcessorID()))
	return nil
}

// highestPriorityWaiter returns the best thread waiting on addr among the
// waiters of owner, and how many threads wait on addr.
func highestPriorityWaiter(owner *Thread, addr uint64) (*Thread, int) {
	var best *Thread
	n := 0
	for _, t := range owner.MutexWaitingThreads() {
		if t.MutexWaitAddress() != addr {
			continue
		}
		assert(t.Status() == ThreadStatusWaitMutex, "mutex waiter %d has status %s", t.ThreadID(), t.Status())
		n++
		if best == nil || t.Priority() < best.Priority() {
			best = t
		}
	}
	return best, n
}

func transferMutexOwnership(addr uint64, current, newOwner *Thread) {
	for _, t := range append([]*Thread(nil), current.MutexWaitingThreads()...) {
		if t.MutexWaitAddress() != addr {
			continue
		}
		assert(t.LockOwner() == current, "mutex waiter %d has a different owner", t.ThreadID())
		current.RemoveMutexWaiter(t)
		if t != newOwner {
			newOwner.AddMutexWaiter(t)
		}
	}
}

// Release hands the mutex at addr to its best waiter, or clears it.
func (m *AddressMutex) Release(current *Thread, addr uint64) error {
	if addr&3 != 0 {
		return ErrInvalidAddress
	}
	vm := m.process.VMManager()

	next, waiters := highestPriorityWaiter(current, addr)
	if next == nil {
		vm.Write32(addr, 0)
		return nil
	}

	transferMutexOwnership(addr, current, next)
	value := uint32(next.WaitHandle())
	if waiters >= 2 {
		value |= MutexHasWaitersFlag
	}
	vm.Write32(addr, value)

	assert(next.Status() == ThreadStatusWaitMutex, "new mutex owner %d has status %s", next.ThreadID(), next.Status())
	next.SetLockOwner(nil)
	next.SetCondVarWaitAddress(0)
	next.SetMutexWaitAddress(0)
	next.SetWaitHandle(InvalidHandle)
	next.ResumeFromWait()

	m.kernel.PrepareReschedule(int(next.ProcessorID()))
	return nil
}
