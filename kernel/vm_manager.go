package kernel

import (
	"encoding/binary"
	"fmt"
	"sort"

	"hle/hal"
)

const (
	PageBits = 12
	PageSize = 1 << PageBits
	PageMask = PageSize - 1
)

// VMAPermission is the access mask of a mapping.
type VMAPermission uint8

const (
	VMAPermNone    VMAPermission = 0
	VMAPermRead    VMAPermission = 1
	VMAPermWrite   VMAPermission = 2
	VMAPermExecute VMAPermission = 4

	VMAPermReadWrite        = VMAPermRead | VMAPermWrite
	VMAPermReadExecute      = VMAPermRead | VMAPermExecute
	VMAPermReadWriteExecute = VMAPermRead | VMAPermWrite | VMAPermExecute
)

func (p VMAPermission) String() string {
	b := []byte("---")
	if p&VMAPermRead != 0 {
		b[0] = 'R'
	}
	if p&VMAPermWrite != 0 {
		b[1] = 'W'
	}
	if p&VMAPermExecute != 0 {
		b[2] = 'X'
	}
	return string(b)
}

// VMAType says what backs a mapping.
type VMAType uint8

const (
	VMATypeFree VMAType = iota
	VMATypeAllocatedMemoryBlock
)

func (t VMAType) String() string {
	switch t {
	case VMATypeFree:
		return "Free"
	case VMATypeAllocatedMemoryBlock:
		return "AllocatedMemoryBlock"
	default:
		return "Unknown"
	}
}

// MemoryState tags what a mapping is used for.
type MemoryState uint32

const (
	MemoryStateUnmapped MemoryState = iota
	MemoryStateIO
	MemoryStateNormal
	MemoryStateCode
	MemoryStateCodeData
	MemoryStateHeap
	MemoryStateShared
	MemoryStateModuleCode
	MemoryStateModuleCodeData
	MemoryStateIpcBuffer0
	MemoryStateStack
	MemoryStateThreadLocal
	MemoryStateTransferMemoryIsolated
	MemoryStateTransferMemory
	MemoryStateProcessMemory
	MemoryStateInaccessible
	MemoryStateIpcBuffer1
	MemoryStateIpcBuffer3
	MemoryStateKernelStack
)

var memoryStateNames = [...]string{
	"Unmapped", "IO", "Normal", "Code", "CodeData", "Heap", "Shared",
	"ModuleCode", "ModuleCodeData", "IpcBuffer0", "Stack", "ThreadLocal",
	"TransferMemoryIsolated", "TransferMemory", "ProcessMemory",
	"Inaccessible", "IpcBuffer1", "IpcBuffer3", "KernelStack",
}

func (s MemoryState) String() string {
	if int(s) < len(memoryStateNames) {
		return memoryStateNames[s]
	}
	return fmt.Sprintf("MemoryState(%d)", uint32(s))
}

// MemoryBlock is a growable host buffer that backs guest mappings. Several
// VMAs may share one block at different offsets.
type MemoryBlock struct {
	Data []byte
}

func NewMemoryBlock(size uint64) *MemoryBlock {
	return &MemoryBlock{Data: make([]byte, size)}
}

func (b *MemoryBlock) Len() uint64 { return uint64(len(b.Data)) }

// Resize grows or shrinks the block. Growing may move the data, so mappings
// of the block must be refreshed afterwards.
func (b *MemoryBlock) Resize(size uint64) {
	if size <= uint64(cap(b.Data)) {
		old := len(b.Data)
		b.Data = b.Data[:size]
		for i := old; i < len(b.Data); i++ {
			b.Data[i] = 0
		}
		return
	}
	n := make([]byte, size)
	copy(n, b.Data)
	b.Data = n
}

// VirtualMemoryArea is a contiguous range with uniform backing and access.
type VirtualMemoryArea struct {
	Base        uint64
	Size        uint64
	Type        VMAType
	Permissions VMAPermission
	State       MemoryState
	Block       *MemoryBlock
	Offset      uint64
}

func (v *VirtualMemoryArea) End() uint64 { return v.Base + v.Size }

func (v *VirtualMemoryArea) canBeMergedWith(next *VirtualMemoryArea) bool {
	if v.Base+v.Size != next.Base {
		return false
	}
	if v.Type != next.Type || v.Permissions != next.Permissions || v.State != next.State {
		return false
	}
	if v.Type == VMATypeAllocatedMemoryBlock {
		return v.Block == next.Block && v.Offset+v.Size == next.Offset
	}
	return true
}

// VMAHandle names a VMA by its base address.
type VMAHandle uint64

// AddressSpaceType selects one of the console's address-space layouts.
type AddressSpaceType uint8

const (
	AddressSpace32Bit AddressSpaceType = iota
	AddressSpace36Bit
	AddressSpace32BitNoMap
	AddressSpace39Bit
)

func (t AddressSpaceType) IsValid() bool { return t <= AddressSpace39Bit }

func (t AddressSpaceType) String() string {
	switch t {
	case AddressSpace32Bit:
		return "32-bit"
	case AddressSpace36Bit:
		return "36-bit"
	case AddressSpace32BitNoMap:
		return "32-bit (no map)"
	case AddressSpace39Bit:
		return "39-bit"
	default:
		return "unknown"
	}
}

type addressRange struct {
	base, end uint64
}

func (r addressRange) size() uint64              { return r.end - r.base }
func (r addressRange) contains(addr uint64) bool { return addr >= r.base && addr < r.end }

// VMManager owns one process's virtual address space.
type VMManager struct {
	log hal.Logger

	vmas []VirtualMemoryArea
	// Host view of every mapped page, rebuilt from the VMAs.
	pageTable map[uint64][]byte

	width        uint64
	addressSpace addressRange
	aslr         addressRange
	code         addressRange
	mapRegion    addressRange
	heap         addressRange
	newMap       addressRange
	tlsIO        addressRange

	heapMemory *MemoryBlock
	heapEnd    uint64
}

// NewVMManager returns a manager with the 39-bit layout.
func NewVMManager(log hal.Logger) *VMManager {
	m := &VMManager{log: log}
	m.Reset(AddressSpace39Bit)
	return m
}

// Reset unmaps everything and applies the layout for t.
func (m *VMManager) Reset(t AddressSpaceType) {
	m.initializeRegions(t)
	m.vmas = []VirtualMemoryArea{{
		Base: m.addressSpace.base,
		Size: m.addressSpace.size(),
		Type: VMATypeFree,
	}}
	m.pageTable = make(map[uint64][]byte)
	m.heapMemory = nil
	m.heapEnd = m.heap.base
}

func (m *VMManager) initializeRegions(t AddressSpaceType) {
	var mapSize, heapSize, newMapSize, tlsIOSize uint64
	var stackAndTLSIOEnd uint64

	switch t {
	case AddressSpace32Bit, AddressSpace32BitNoMap:
		m.width = 32
		m.code = addressRange{0x200000, 0x200000 + 0x3FE00000}
		m.aslr = addressRange{0x200000, 0x200000 + 0xFFE00000}
		if t == AddressSpace32Bit {
			mapSize = 0x40000000
			heapSize = 0x40000000
		} else {
			heapSize = 0x80000000
		}
		stackAndTLSIOEnd = 0x40000000
		tlsIOSize = 0x4000000
	case AddressSpace36Bit:
		m.width = 36
		m.code = addressRange{0x8000000, 0x8000000 + 0x78000000}
		m.aslr = addressRange{0x8000000, 0x8000000 + 0xFF8000000}
		mapSize = 0x180000000
		heapSize = 0x180000000
		stackAndTLSIOEnd = 0x80000000
		tlsIOSize = 0x8000000
	case AddressSpace39Bit:
		m.width = 39
		m.code = addressRange{0x8000000, 0x8000000 + 0x80000000}
		m.aslr = addressRange{0x8000000, 0x8000000 + 0x7FF8000000}
		mapSize = 0x1000000000
		heapSize = 0x180000000
		newMapSize = 0x80000000
		tlsIOSize = 0x1000000000
	default:
		fatalf("invalid address space type %d", t)
	}

	m.addressSpace = addressRange{0, 1 << m.width}
	m.mapRegion = addressRange{m.code.end, m.code.end + mapSize}
	m.heap = addressRange{m.mapRegion.end, m.mapRegion.end + heapSize}
	m.newMap = addressRange{m.heap.end, m.heap.end + newMapSize}
	m.tlsIO = addressRange{m.newMap.end, m.newMap.end + tlsIOSize}

	if newMapSize == 0 {
		m.newMap = m.addressSpace
	}
	if stackAndTLSIOEnd != 0 {
		// Legacy layouts keep stacks and TLS at the top of the code band;
		// the band is split so the two never overlap.
		m.tlsIO = addressRange{stackAndTLSIOEnd - tlsIOSize, stackAndTLSIOEnd}
		m.code.end = m.tlsIO.base
	}
}

func (m *VMManager) AddressSpaceWidth() uint64 { return m.width }
func (m *VMManager) AddressSpaceBase() uint64  { return m.addressSpace.base }
func (m *VMManager) AddressSpaceEnd() uint64   { return m.addressSpace.end }
func (m *VMManager) ASLRRegionBase() uint64    { return m.aslr.base }
func (m *VMManager) ASLRRegionEnd() uint64     { return m.aslr.end }
func (m *VMManager) CodeRegionBase() uint64    { return m.code.base }
func (m *VMManager) CodeRegionEnd() uint64     { return m.code.end }
func (m *VMManager) MapRegionBase() uint64     { return m.mapRegion.base }
func (m *VMManager) MapRegionEnd() uint64      { return m.mapRegion.end }
func (m *VMManager) HeapRegionBase() uint64    { return m.heap.base }
func (m *VMManager) HeapRegionEnd() uint64     { return m.heap.end }
func (m *VMManager) HeapRegionSize() uint64    { return m.heap.size() }
func (m *VMManager) NewMapRegionBase() uint64  { return m.newMap.base }
func (m *VMManager) NewMapRegionEnd() uint64   { return m.newMap.end }
func (m *VMManager) TLSIORegionBase() uint64   { return m.tlsIO.base }
func (m *VMManager) TLSIORegionEnd() uint64    { return m.tlsIO.end }
func (m *VMManager) CurrentHeapSize() uint64   { return m.heapEnd - m.heap.base }
func (m *VMManager) VMAs() []VirtualMemoryArea { return append([]VirtualMemoryArea(nil), m.vmas...) }

func (m *VMManager) IsWithinAddressSpace(addr, size uint64) bool {
	end := addr + size
	return end >= addr && addr >= m.addressSpace.base && end <= m.addressSpace.end
}

func (m *VMManager) findIndex(addr uint64) int {
	i := sort.Search(len(m.vmas), func(i int) bool { return m.vmas[i].Base > addr }) - 1
	if i < 0 || addr >= m.vmas[i].End() {
		return -1
	}
	return i
}

// FindVMA returns the VMA containing addr.
func (m *VMManager) FindVMA(addr uint64) (VirtualMemoryArea, bool) {
	i := m.findIndex(addr)
	if i < 0 {
		return VirtualMemoryArea{}, false
	}
	return m.vmas[i], true
}

// IsValidVirtualAddress reports whether addr is backed by memory.
func (m *VMManager) IsValidVirtualAddress(addr uint64) bool {
	i := m.findIndex(addr)
	return i >= 0 && m.vmas[i].Type != VMATypeFree
}

// MapMemoryBlock maps size bytes of block starting at offset to target.
// The whole range must currently be unmapped; nothing changes on failure.
func (m *VMManager) MapMemoryBlock(target uint64, block *MemoryBlock, offset, size uint64, state MemoryState) (VMAHandle, error) {
	assert(block != nil, "mapping a nil memory block")
	assert(offset+size <= block.Len(), "mapping 0x%X bytes at block offset 0x%X beyond block size 0x%X", size, offset, block.Len())
	if size == 0 || size&PageMask != 0 {
		return 0, ErrInvalidSize
	}
	if target&PageMask != 0 {
		return 0, ErrInvalidAddress
	}

	i, err := m.carveVMA(target, size)
	if err != nil {
		return 0, err
	}
	v := &m.vmas[i]
	v.Type = VMATypeAllocatedMemoryBlock
	v.Permissions = VMAPermReadWrite
	v.State = state
	v.Block = block
	v.Offset = offset
	m.updatePageTableForVMA(v)

	return VMAHandle(m.vmas[m.mergeAdjacent(i)].Base), nil
}

// Reprotect changes the permissions of the VMA named by h.
func (m *VMManager) Reprotect(h VMAHandle, perms VMAPermission) VMAHandle {
	i := m.findIndex(uint64(h))
	assert(i >= 0 && m.vmas[i].Base == uint64(h), "reprotect of unknown VMA 0x%X", uint64(h))
	m.vmas[i].Permissions = perms
	m.updatePageTableForVMA(&m.vmas[i])
	return VMAHandle(m.vmas[m.mergeAdjacent(i)].Base)
}

// ReprotectRange changes the permissions of every mapping in the range.
func (m *VMManager) ReprotectRange(target, size uint64, perms VMAPermission) error {
	first, last, err := m.carveVMARange(target, size)
	if err != nil {
		return err
	}
	for i := first; i <= last; i++ {
		m.vmas[i].Permissions = perms
	}
	m.mergeRange(target, size)
	return nil
}

// UnmapRange releases every mapping in the range.
func (m *VMManager) UnmapRange(target, size uint64) error {
	first, last, err := m.carveVMARange(target, size)
	if err != nil {
		return err
	}
	for i := first; i <= last; i++ {
		v := &m.vmas[i]
		v.Type = VMATypeFree
		v.Permissions = VMAPermNone
		v.State = MemoryStateUnmapped
		v.Block = nil
		v.Offset = 0
		m.updatePageTableForVMA(v)
	}
	m.mergeRange(target, size)
	return nil
}

// MirrorMemory maps the pages backing [src, src+size) a second time at dst
// with the given state. The source becomes inaccessible until the mirror is
// removed.
func (m *VMManager) MirrorMemory(dst, src, size uint64, state MemoryState) error {
	i := m.findIndex(src)
	if i < 0 {
		return ErrInvalidAddressState
	}
	v := m.vmas[i]
	if v.Type != VMATypeAllocatedMemoryBlock || src+size > v.End() {
		return ErrInvalidAddressState
	}
	if _, err := m.MapMemoryBlock(dst, v.Block, v.Offset+(src-v.Base), size, state); err != nil {
		return err
	}
	if err := m.ReprotectRange(dst, size, v.Permissions); err != nil {
		return err
	}
	return m.ReprotectRange(src, size, VMAPermNone)
}

// MemoryInfo describes the VMA around a queried address.
type MemoryInfo struct {
	BaseAddress uint64
	Size        uint64
	State       MemoryState
	Attributes  uint32
	Permission  VMAPermission
}

// QueryMemory describes the mapping containing addr. Addresses past the end
// of the address space report one inaccessible range covering the rest.
func (m *VMManager) QueryMemory(addr uint64) MemoryInfo {
	i := m.findIndex(addr)
	if i < 0 {
		end := m.addressSpace.end
		return MemoryInfo{BaseAddress: end, Size: 0 - end, State: MemoryStateInaccessible}
	}
	v := m.vmas[i]
	return MemoryInfo{BaseAddress: v.Base, Size: v.Size, State: v.State, Permission: v.Permissions}
}

// RefreshMemoryBlockMappings rebuilds the host view of every page backed by
// block, after the block was resized.
func (m *VMManager) RefreshMemoryBlockMappings(block *MemoryBlock) {
	for i := range m.vmas {
		if m.vmas[i].Type == VMATypeAllocatedMemoryBlock && m.vmas[i].Block == block {
			m.updatePageTableForVMA(&m.vmas[i])
		}
	}
}

// LogLayout writes one line per VMA.
func (m *VMManager) LogLayout() {
	for _, v := range m.vmas {
		hal.Logf(m.log, "kernel: vma %016X - %016X size: %16X %s %s", v.Base, v.End(), v.Size, v.Permissions, v.State)
	}
}

// SetHeapSize resizes the heap mapping and returns the heap base.
func (m *VMManager) SetHeapSize(size uint64) (uint64, error) {
	if size > m.heap.size() {
		return 0, ErrOutOfMemory
	}
	if size == m.CurrentHeapSize() {
		return m.heap.base, nil
	}

	if m.heapMemory == nil {
		m.heapMemory = NewMemoryBlock(0)
	} else if cur := m.CurrentHeapSize(); cur != 0 {
		if err := m.UnmapRange(m.heap.base, cur); err != nil {
			return 0, err
		}
	}

	m.heapMemory.Resize(size)
	m.RefreshMemoryBlockMappings(m.heapMemory)
	m.heapEnd = m.heap.base + size
	if size == 0 {
		return m.heap.base, nil
	}
	if _, err := m.MapMemoryBlock(m.heap.base, m.heapMemory, 0, size, MemoryStateHeap); err != nil {
		m.heapEnd = m.heap.base
		return 0, err
	}
	return m.heap.base, nil
}

func (m *VMManager) carveVMA(base, size uint64) (int, error) {
	if !m.IsWithinAddressSpace(base, size) {
		return -1, ErrInvalidAddress
	}
	i := m.findIndex(base)
	if i < 0 {
		return -1, ErrInvalidAddress
	}
	v := m.vmas[i]
	if v.Type != VMATypeFree {
		return -1, ErrInvalidAddressState
	}
	start := base - v.Base
	end := start + size
	if end > v.Size {
		// The range runs into the next VMA, which is never free.
		return -1, ErrInvalidAddressState
	}

	if end != v.Size {
		m.splitVMA(i, end)
	}
	if start != 0 {
		m.splitVMA(i, start)
		i++
	}
	return i, nil
}

func (m *VMManager) carveVMARange(target, size uint64) (first, last int, err error) {
	if size == 0 {
		return 0, 0, ErrInvalidSize
	}
	if !m.IsWithinAddressSpace(target, size) {
		return 0, 0, ErrInvalidAddress
	}
	end := target + size

	first = m.findIndex(target)
	if m.vmas[first].Base != target {
		m.splitVMA(first, target-m.vmas[first].Base)
		first++
	}
	last = m.findIndex(end - 1)
	if m.vmas[last].End() != end {
		m.splitVMA(last, end-m.vmas[last].Base)
	}
	return first, last, nil
}

func (m *VMManager) splitVMA(i int, offset uint64) {
	old := &m.vmas[i]
	assert(offset > 0 && offset < old.Size, "splitting VMA 0x%X at invalid offset 0x%X", old.Base, offset)

	next := *old
	old.Size = offset
	next.Base += offset
	next.Size -= offset
	if next.Type == VMATypeAllocatedMemoryBlock {
		next.Offset += offset
	}

	m.vmas = append(m.vmas, VirtualMemoryArea{})
	copy(m.vmas[i+2:], m.vmas[i+1:])
	m.vmas[i+1] = next
}

// mergeAdjacent merges the VMA at i with compatible neighbours and returns
// the index of the result.
func (m *VMManager) mergeAdjacent(i int) int {
	if i+1 < len(m.vmas) && m.vmas[i].canBeMergedWith(&m.vmas[i+1]) {
		m.vmas[i].Size += m.vmas[i+1].Size
		m.vmas = append(m.vmas[:i+1], m.vmas[i+2:]...)
	}
	if i > 0 && m.vmas[i-1].canBeMergedWith(&m.vmas[i]) {
		m.vmas[i-1].Size += m.vmas[i].Size
		m.vmas = append(m.vmas[:i], m.vmas[i+1:]...)
		i--
	}
	return i
}

func (m *VMManager) mergeRange(target, size uint64) {
	addr := target
	end := target + size
	for addr < end {
		i := m.mergeAdjacent(m.findIndex(addr))
		addr = m.vmas[i].End()
	}
	if end < m.addressSpace.end {
		m.mergeAdjacent(m.findIndex(end))
	}
}

func (m *VMManager) updatePageTableForVMA(v *VirtualMemoryArea) {
	first := v.Base >> PageBits
	count := v.Size >> PageBits
	for p := uint64(0); p < count; p++ {
		if v.Type == VMATypeFree {
			delete(m.pageTable, first+p)
			continue
		}
		off := v.Offset + p*PageSize
		m.pageTable[first+p] = v.Block.Data[off : off+PageSize : off+PageSize]
	}
}

// ReadBlock copies guest memory at addr into dst.
func (m *VMManager) ReadBlock(addr uint64, dst []byte) error {
	for len(dst) > 0 {
		page, ok := m.pageTable[addr>>PageBits]
		if !ok {
			return ErrInvalidAddress
		}
		n := copy(dst, page[addr&PageMask:])
		dst = dst[n:]
		addr += uint64(n)
	}
	return nil
}

// WriteBlock copies src into guest memory at addr.
func (m *VMManager) WriteBlock(addr uint64, src []byte) error {
	for len(src) > 0 {
		page, ok := m.pageTable[addr>>PageBits]
		if !ok {
			return ErrInvalidAddress
		}
		n := copy(page[addr&PageMask:], src)
		src = src[n:]
		addr += uint64(n)
	}
	return nil
}

func (m *VMManager) read(addr uint64, n int) uint64 {
	var buf [8]byte
	if err := m.ReadBlock(addr, buf[:n]); err != nil {
		hal.Logf(m.log, "kernel: unmapped read%d @ 0x%016X", n*8, addr)
		return 0
	}
	return binary.LittleEndian.Uint64(buf[:])
}

func (m *VMManager) write(addr uint64, n int, v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	if err := m.WriteBlock(addr, buf[:n]); err != nil {
		hal.Logf(m.log, "kernel: unmapped write%d 0x%X @ 0x%016X", n*8, v, addr)
	}
}

func (m *VMManager) Read8(addr uint64) uint8       { return uint8(m.read(addr, 1)) }
func (m *VMManager) Read16(addr uint64) uint16     { return uint16(m.read(addr, 2)) }
func (m *VMManager) Read32(addr uint64) uint32     { return uint32(m.read(addr, 4)) }
func (m *VMManager) Read64(addr uint64) uint64     { return m.read(addr, 8) }
func (m *VMManager) Write8(addr uint64, v uint8)   { m.write(addr, 1, uint64(v)) }
func (m *VMManager) Write16(addr uint64, v uint16) { m.write(addr, 2, uint64(v)) }
func (m *VMManager) Write32(addr uint64, v uint32) { m.write(addr, 4, uint64(v)) }
func (m *VMManager) Write64(addr uint64, v uint64) { m.write(addr, 8, v) }
