package kernel

import "sort"

// SignalType selects how SignalToAddress updates the word before waking.
type SignalType uint32

const (
	SignalOnly SignalType = iota
	SignalIncrementIfEqual
	SignalModifyByWaitingCountIfEqual
)

// ArbitrationType selects the condition WaitForAddress checks.
type ArbitrationType uint32

const (
	ArbitrationWaitIfLessThan ArbitrationType = iota
	ArbitrationDecrementAndWaitIfLessThan
	ArbitrationWaitIfEqual
)

// AddressArbiter lets guest threads wait on and signal plain memory words.
type AddressArbiter struct {
	kernel  *KernelCore
	process *Process
}

func newAddressArbiter(k *KernelCore, p *Process) *AddressArbiter {
	return &AddressArbiter{kernel: k, process: p}
}

// SignalToAddress wakes up to count threads waiting on addr; count <= 0
// wakes all of them.
func (a *AddressArbiter) SignalToAddress(addr uint64, typ SignalType, value int32, count int32) error {
	if addr&3 != 0 {
		return ErrInvalidAddress
	}
	switch typ {
	case SignalOnly:
		a.wakeThreads(a.threadsWaitingOn(addr), count)
		return nil
	case SignalIncrementIfEqual:
		return a.incrementAndSignalIfEqual(addr, value, count)
	case SignalModifyByWaitingCountIfEqual:
		return a.modifyByWaitingCountAndSignalIfEqual(addr, value, count)
	default:
		return ErrInvalidEnumValue
	}
}

func (a *AddressArbiter) incrementAndSignalIfEqual(addr uint64, value, count int32) error {
	vm := a.process.VMManager()
	if !vm.IsValidVirtualAddress(addr) {
		return ErrInvalidAddressState
	}
	if int32(vm.Read32(addr)) != value {
		return ErrInvalidState
	}
	vm.Write32(addr, uint32(value+1))
	a.wakeThreads(a.threadsWaitingOn(addr), count)
	return nil
}

func (a *AddressArbiter) modifyByWaitingCountAndSignalIfEqual(addr uint64, value, count int32) error {
	vm := a.process.VMManager()
	if !vm.IsValidVirtualAddress(addr) {
		return ErrInvalidAddressState
	}

	waiting := a.threadsWaitingOn(addr)
	updated := value
	switch {
	case len(waiting) == 0:
		updated = value + 1
	case count <= 0 || len(waiting) <= int(count):
		updated = value - 1
	}

	if int32(vm.Read32(addr)) != value {
		return ErrInvalidState
	}
	vm.Write32(addr, uint32(updated))
	a.wakeThreads(waiting, count)
	return nil
}

// WaitForAddress blocks current on addr if the condition for typ holds.
func (a *AddressArbiter) WaitForAddress(current *Thread, addr uint64, typ ArbitrationType, value int32, timeoutNs int64) error {
	if addr&3 != 0 {
		return ErrInvalidAddress
	}
	vm := a.process.VMManager()
	switch typ {
	case ArbitrationWaitIfLessThan, ArbitrationDecrementAndWaitIfLessThan:
		if !vm.IsValidVirtualAddress(addr) {
			return ErrInvalidAddressState
		}
		cur := int32(vm.Read32(addr))
		if cur >= value {
			return ErrInvalidState
		}
		if typ == ArbitrationDecrementAndWaitIfLessThan {
			vm.Write32(addr, uint32(cur-1))
		}
	case ArbitrationWaitIfEqual:
		if !vm.IsValidVirtualAddress(addr) {
			return ErrInvalidAddressState
		}
		if int32(vm.Read32(addr)) != value {
			return ErrInvalidState
		}
	default:
		return ErrInvalidEnumValue
	}

	if timeoutNs == 0 {
		return ResultTimeout
	}

	current.SetArbiterWaitAddress(addr)
	current.SetStatus(ThreadStatusWaitArb)
	current.InvalidateWakeupCallback()
	current.WakeAfterDelay(timeoutNs)
	a.kernel.PrepareReschedule(int(current.ProcessorID()))
	return ResultTimeout
}

// threadsWaitingOn returns the process's threads waiting on addr, highest
// priority first.
func (a *AddressArbiter) threadsWaitingOn(addr uint64) []*Thread {
	var out []*Thread
	for _, t := range a.process.ThreadList() {
		if t.Status() == ThreadStatusWaitArb && t.ArbiterWaitAddress() == addr {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority() < out[j].Priority() })
	return out
}

func (a *AddressArbiter) wakeThreads(waiting []*Thread, count int32) {
	n := len(waiting)
	if count > 0 && int(count) < n {
		n = int(count)
	}
	for _, t := range waiting[:n] {
		assert(t.Status() == ThreadStatusWaitArb, "arbiter waiter %d has status %s", t.ThreadID(), t.Status())
		t.SetWaitSynchronizationResult(ResultSuccess)
		t.SetArbiterWaitAddress(0)
		t.CancelWakeupTimer()
		t.ResumeFromWait()
		a.kernel.PrepareReschedule(int(t.ProcessorID()))
	}
}
