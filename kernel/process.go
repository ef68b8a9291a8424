package kernel

import (
	"math/rand"

	"hle/hal"
)

const (
	// TLSEntrySize is the size of one thread's local storage slot.
	TLSEntrySize    = 0x200
	tlsSlotsPerPage = PageSize / TLSEntrySize

	// User process IDs start above the range reserved for kernel modules.
	ProcessIDMin    = 81
	InitialKIPIDMin = 1
)

// ProcessStatus is the lifecycle state of a process. It only moves forward.
type ProcessStatus uint8

const (
	ProcessStatusCreated ProcessStatus = iota
	ProcessStatusRunning
	ProcessStatusExiting
	ProcessStatusExited
)

func (s ProcessStatus) String() string {
	switch s {
	case ProcessStatusCreated:
		return "Created"
	case ProcessStatusRunning:
		return "Running"
	case ProcessStatusExiting:
		return "Exiting"
	case ProcessStatusExited:
		return "Exited"
	default:
		return "Unknown"
	}
}

// Process is an emulated guest process.
type Process struct {
	objectBase
	waitQueue

	kernel *KernelCore

	processID uint64
	programID uint64
	idealCore int32
	is64Bit   bool
	status    ProcessStatus
	signaled  bool

	vm            *VMManager
	handleTable   *HandleTable
	capabilities  ProcessCapabilities
	resourceLimit *ResourceLimit
	arbiter       *AddressArbiter
	mutex         *AddressMutex

	// Non-owning: threads register and unregister themselves.
	threads  []*Thread
	tlsSlots []uint8

	codeMemorySize      uint64
	mainThreadStackSize uint64
	cpuTimeTicks        uint64
	randomEntropy       [4]uint64
}

// CreateProcess creates a process in the Created state and registers it with
// the kernel.
func CreateProcess(k *KernelCore, name string) *Process {
	p := &Process{
		objectBase:    objectBase{id: k.nextObjectID(), name: name},
		kernel:        k,
		processID:     k.CreateNewUserProcessID(),
		status:        ProcessStatusCreated,
		vm:            NewVMManager(k.log),
		handleTable:   NewHandleTable(),
		resourceLimit: k.SystemResourceLimit(),
	}
	p.arbiter = newAddressArbiter(k, p)
	p.mutex = newAddressMutex(k, p)
	p.capabilities.InitializeForMetadatalessProcess()

	rng := rand.New(rand.NewSource(int64(k.RNGSeed())))
	for i := range p.randomEntropy {
		p.randomEntropy[i] = rng.Uint64()
	}

	k.AppendNewProcess(p)
	return p
}

func (p *Process) TypeName() string       { return "Process" }
func (p *Process) HandleType() HandleType { return HandleTypeProcess }

// ShouldWait blocks until the next status change.
func (p *Process) ShouldWait(*Thread) bool { return !p.signaled }

func (p *Process) Acquire(t *Thread) {
	assert(!p.ShouldWait(t), "acquiring process %d while unsignaled", p.processID)
}

func (p *Process) ProcessID() uint64                  { return p.processID }
func (p *Process) ProgramID() uint64                  { return p.programID }
func (p *Process) IdealCore() int32                   { return p.idealCore }
func (p *Process) Is64Bit() bool                      { return p.is64Bit }
func (p *Process) Status() ProcessStatus              { return p.status }
func (p *Process) IsSignaled() bool                   { return p.signaled }
func (p *Process) VMManager() *VMManager              { return p.vm }
func (p *Process) HandleTable() *HandleTable          { return p.handleTable }
func (p *Process) Capabilities() *ProcessCapabilities { return &p.capabilities }
func (p *Process) ResourceLimit() *ResourceLimit      { return p.resourceLimit }
func (p *Process) AddressArbiter() *AddressArbiter    { return p.arbiter }
func (p *Process) Mutex() *AddressMutex               { return p.mutex }
func (p *Process) CodeMemorySize() uint64             { return p.codeMemorySize }
func (p *Process) MainThreadStackSize() uint64        { return p.mainThreadStackSize }
func (p *Process) CPUTimeTicks() uint64               { return p.cpuTimeTicks }
func (p *Process) RandomEntropy(i int) uint64         { return p.randomEntropy[i] }
func (p *Process) updateCPUTimeTicks(delta uint64)    { p.cpuTimeTicks += delta }
func (p *Process) CoreMask() uint64                   { return p.capabilities.CoreMask() }
func (p *Process) PriorityMask() uint64               { return p.capabilities.PriorityMask() }
func (p *Process) IsSVCPermitted(n uint32) bool       { return p.capabilities.IsSVCPermitted(n) }

// TotalPhysicalMemoryUsed is heap, main stack and code together.
func (p *Process) TotalPhysicalMemoryUsed() uint64 {
	return p.vm.CurrentHeapSize() + p.mainThreadStackSize + p.codeMemorySize
}

// ThreadList returns a snapshot of the threads owned by the process.
func (p *Process) ThreadList() []*Thread {
	return append([]*Thread(nil), p.threads...)
}

func (p *Process) RegisterThread(t *Thread) {
	p.threads = append(p.threads, t)
}

func (p *Process) UnregisterThread(t *Thread) {
	for i, th := range p.threads {
		if th == t {
			p.threads = append(p.threads[:i], p.threads[i+1:]...)
			return
		}
	}
}

// LoadFromMetadata applies the title's metadata. An unknown address space
// type or a malformed capability list is returned to the caller.
func (p *Process) LoadFromMetadata(md ProgramMetadata) error {
	if !md.AddressSpaceType.IsValid() {
		hal.Logf(p.kernel.log, "kernel: process %d: invalid address space type %d", p.processID, md.AddressSpaceType)
		return ErrInvalidEnumValue
	}
	p.programID = md.ProgramID
	p.idealCore = md.MainThreadCore
	p.is64Bit = md.Is64Bit

	p.vm.Reset(md.AddressSpaceType)

	if err := p.capabilities.InitializeForUserProcess(md.Capabilities); err != nil {
		hal.Logf(p.kernel.log, "kernel: process %d: bad capabilities: %v", p.processID, err)
		return err
	}
	return p.handleTable.SetSize(p.capabilities.HandleTableSize())
}

// Run maps the main thread stack and starts the main thread at the code
// region base.
func (p *Process) Run(mainThreadPriority uint32, stackSize uint64) error {
	size := (stackSize + PageMask) &^ PageMask
	// The stack sits at the top of the TLS/IO region; keep the bottom free
	// for the TLS pages of the main thread.
	room := p.vm.TLSIORegionEnd() - p.vm.TLSIORegionBase() - uint64(len(p.tlsSlots)+1)*PageSize
	if size < stackSize || size > room {
		hal.Logf(p.kernel.log, "kernel: process %d: main thread stack of 0x%X bytes does not fit", p.processID, stackSize)
		return ErrOutOfMemory
	}

	stack := NewMemoryBlock(size)
	addr := p.vm.TLSIORegionEnd() - size
	if _, err := p.vm.MapMemoryBlock(addr, stack, 0, size, MemoryStateStack); err != nil {
		return err
	}
	p.mainThreadStackSize = size

	p.vm.LogLayout()
	p.ChangeStatus(ProcessStatusRunning)

	return p.setupMainThread(mainThreadPriority)
}

func (p *Process) setupMainThread(priority uint32) error {
	t, err := CreateThread(p.kernel, "main", p.vm.CodeRegionBase(), priority, 0, p.idealCore, p.vm.TLSIORegionEnd(), p)
	if err != nil {
		return err
	}
	h, err := p.handleTable.Create(t)
	if err != nil {
		t.Stop()
		return err
	}
	// The main thread receives a handle to itself in X1.
	t.context.CPURegisters[1] = uint64(h)

	// Threads start dormant.
	t.ResumeFromWait()
	return nil
}

// PrepareForTermination stops every other thread of the process. All of them
// must be blocked in a wait; current is the thread doing the exit, if any.
func (p *Process) PrepareForTermination(current *Thread) {
	p.ChangeStatus(ProcessStatusExiting)

	for _, t := range p.kernel.globalScheduler.Threads() {
		if t.owner != p || t == current || t.status == ThreadStatusDead {
			continue
		}
		switch {
		case t.status.IsWaiting(), t.status == ThreadStatusDormant, t.status == ThreadStatusPaused:
		default:
			fatalf("process %d exiting while thread %d is %s", p.processID, t.threadID, t.status)
		}
		t.Stop()
	}

	p.ChangeStatus(ProcessStatusExited)
}

// ChangeStatus moves the process to s and wakes its waiters. Setting the
// current status again does nothing.
func (p *Process) ChangeStatus(s ProcessStatus) {
	if p.status == s {
		return
	}
	p.status = s
	p.signaled = true
	WakeupAllWaitingThreads(p)
}

// ClearSignalState rearms the process after a waiter observed a status
// change.
func (p *Process) ClearSignalState() error {
	if p.status == ProcessStatusExited {
		return ErrInvalidState
	}
	if !p.signaled {
		return ErrInvalidState
	}
	p.signaled = false
	return nil
}

// TLSSlotOccupied reports whether slot of page is in use.
func (p *Process) TLSSlotOccupied(page, slot int) bool {
	return page < len(p.tlsSlots) && p.tlsSlots[page]&(1<<uint(slot)) != 0
}

// TLSPageCount returns the number of mapped TLS pages.
func (p *Process) TLSPageCount() int { return len(p.tlsSlots) }

func (p *Process) findFreeTLSSlot() (page, slot int, ok bool) {
	for page, bits := range p.tlsSlots {
		if bits == 0xFF {
			continue
		}
		for slot := 0; slot < tlsSlotsPerPage; slot++ {
			if bits&(1<<uint(slot)) == 0 {
				return page, slot, true
			}
		}
	}
	return 0, 0, false
}

// MarkNextAvailableTLSSlotAsUsed takes the lowest free TLS slot, mapping a
// new page backed by t's TLS memory when every page is full.
func (p *Process) MarkNextAvailableTLSSlotAsUsed(t *Thread) uint64 {
	base := p.vm.TLSIORegionBase()

	page, slot, ok := p.findFreeTLSSlot()
	if !ok {
		p.tlsSlots = append(p.tlsSlots, 0)
		page = len(p.tlsSlots) - 1
		slot = 0

		mem := t.tlsMemory
		mem.Resize(mem.Len() + PageSize)
		p.vm.RefreshMemoryBlockMappings(mem)

		addr := base + uint64(page)*PageSize
		if _, err := p.vm.MapMemoryBlock(addr, mem, mem.Len()-PageSize, PageSize, MemoryStateThreadLocal); err != nil {
			fatalf("mapping TLS page at 0x%X: %v", addr, err)
		}
	}

	p.tlsSlots[page] |= 1 << uint(slot)
	return base + uint64(page)*PageSize + uint64(slot)*TLSEntrySize
}

// FreeTLSSlot releases the slot at addr.
func (p *Process) FreeTLSSlot(addr uint64) {
	base := p.vm.TLSIORegionBase()
	assert(addr >= base, "TLS address 0x%X below region base 0x%X", addr, base)
	off := addr - base
	assert(off%TLSEntrySize == 0, "TLS address 0x%X is not slot aligned", addr)
	page := off / PageSize
	slot := (off % PageSize) / TLSEntrySize
	assert(page < uint64(len(p.tlsSlots)), "TLS address 0x%X beyond the %d allocated pages", addr, len(p.tlsSlots))
	assert(p.tlsSlots[page]&(1<<slot) != 0, "TLS slot at 0x%X freed twice", addr)

	p.tlsSlots[page] &^= 1 << slot
}

// LoadModule maps the segments of cs at base: code RX, rodata R, data RW.
func (p *Process) LoadModule(cs CodeSet, base uint64) error {
	mem := &MemoryBlock{Data: cs.Memory}

	mapSegment := func(seg *CodeSegment, perms VMAPermission, state MemoryState) error {
		if seg.Size == 0 {
			return nil
		}
		h, err := p.vm.MapMemoryBlock(base+seg.Addr, mem, seg.Offset, seg.Size, state)
		if err != nil {
			return err
		}
		p.vm.Reprotect(h, perms)
		return nil
	}

	if err := mapSegment(cs.CodeSegment(), VMAPermReadExecute, MemoryStateCode); err != nil {
		return err
	}
	if err := mapSegment(cs.RODataSegment(), VMAPermRead, MemoryStateCodeData); err != nil {
		return err
	}
	if err := mapSegment(cs.DataSegment(), VMAPermReadWrite, MemoryStateCodeData); err != nil {
		return err
	}

	p.codeMemorySize += uint64(len(cs.Memory))
	return nil
}
