package kernel

import "testing"

func TestLayout39Bit(t *testing.T) {
	m := NewVMManager(nil)

	if got := m.AddressSpaceWidth(); got != 39 {
		t.Fatalf("AddressSpaceWidth() = %d, want 39", got)
	}
	if got := m.CodeRegionBase(); got != 0x8000000 {
		t.Fatalf("CodeRegionBase() = 0x%X, want 0x8000000", got)
	}
	if m.MapRegionBase() != m.CodeRegionEnd() || m.HeapRegionBase() != m.MapRegionEnd() {
		t.Fatalf("regions are not contiguous: code end 0x%X map 0x%X-0x%X heap 0x%X",
			m.CodeRegionEnd(), m.MapRegionBase(), m.MapRegionEnd(), m.HeapRegionBase())
	}
	if m.TLSIORegionBase() != m.NewMapRegionEnd() {
		t.Fatalf("TLSIORegionBase() = 0x%X, want 0x%X", m.TLSIORegionBase(), m.NewMapRegionEnd())
	}
	if got := len(m.VMAs()); got != 1 {
		t.Fatalf("len(VMAs()) = %d, want a single free VMA", got)
	}
}

func TestLegacyLayoutsSplitCodeBand(t *testing.T) {
	tests := []struct {
		typ       AddressSpaceType
		tlsIOBase uint64
		tlsIOEnd  uint64
		addrBits  uint64
	}{
		{AddressSpace32Bit, 0x3C000000, 0x40000000, 32},
		{AddressSpace32BitNoMap, 0x3C000000, 0x40000000, 32},
		{AddressSpace36Bit, 0x78000000, 0x80000000, 36},
	}
	for _, tt := range tests {
		m := NewVMManager(nil)
		m.Reset(tt.typ)
		if m.AddressSpaceWidth() != tt.addrBits {
			t.Fatalf("%s: AddressSpaceWidth() = %d, want %d", tt.typ, m.AddressSpaceWidth(), tt.addrBits)
		}
		if m.TLSIORegionBase() != tt.tlsIOBase || m.TLSIORegionEnd() != tt.tlsIOEnd {
			t.Fatalf("%s: TLS/IO region = 0x%X-0x%X, want 0x%X-0x%X",
				tt.typ, m.TLSIORegionBase(), m.TLSIORegionEnd(), tt.tlsIOBase, tt.tlsIOEnd)
		}
		if m.CodeRegionEnd() != m.TLSIORegionBase() {
			t.Fatalf("%s: CodeRegionEnd() = 0x%X, want 0x%X", tt.typ, m.CodeRegionEnd(), m.TLSIORegionBase())
		}
	}
}

func TestMapMemoryBlockRejectsOverlap(t *testing.T) {
	m := NewVMManager(nil)
	base := m.HeapRegionBase()
	block := NewMemoryBlock(4 * PageSize)

	if _, err := m.MapMemoryBlock(base, block, 0, 2*PageSize, MemoryStateHeap); err != nil {
		t.Fatalf("MapMemoryBlock() = %v, want nil", err)
	}
	before := m.VMAs()

	if _, err := m.MapMemoryBlock(base+PageSize, block, 2*PageSize, 2*PageSize, MemoryStateHeap); err != ErrInvalidAddressState {
		t.Fatalf("overlapping MapMemoryBlock() = %v, want %v", err, ErrInvalidAddressState)
	}
	if got := m.VMAs(); len(got) != len(before) {
		t.Fatalf("failed map changed the VMA list: %d entries, want %d", len(got), len(before))
	}

	if _, err := m.MapMemoryBlock(base+2*PageSize, block, 0, PageSize+1, MemoryStateHeap); err != ErrInvalidSize {
		t.Fatalf("unaligned size MapMemoryBlock() = %v, want %v", err, ErrInvalidSize)
	}
	if _, err := m.MapMemoryBlock(base+2*PageSize+1, block, 0, PageSize, MemoryStateHeap); err != ErrInvalidAddress {
		t.Fatalf("unaligned address MapMemoryBlock() = %v, want %v", err, ErrInvalidAddress)
	}
}

func TestMemoryAccessAndUnmap(t *testing.T) {
	m := NewVMManager(nil)
	base := m.HeapRegionBase()
	block := NewMemoryBlock(2 * PageSize)
	if _, err := m.MapMemoryBlock(base, block, 0, 2*PageSize, MemoryStateHeap); err != nil {
		t.Fatalf("MapMemoryBlock() = %v, want nil", err)
	}

	// Straddles the page boundary.
	addr := base + PageSize - 4
	m.Write64(addr, 0x1122334455667788)
	if got := m.Read64(addr); got != 0x1122334455667788 {
		t.Fatalf("Read64() = 0x%X, want 0x1122334455667788", got)
	}
	if got := m.Read32(addr + 4); got != 0x11223344 {
		t.Fatalf("Read32() = 0x%X, want 0x11223344", got)
	}
	if block.Data[PageSize-4] != 0x88 {
		t.Fatalf("backing block byte = 0x%X, want 0x88", block.Data[PageSize-4])
	}

	if err := m.UnmapRange(base+PageSize, PageSize); err != nil {
		t.Fatalf("UnmapRange() = %v, want nil", err)
	}
	if m.IsValidVirtualAddress(base + PageSize) {
		t.Fatalf("IsValidVirtualAddress() = true after unmap")
	}
	if !m.IsValidVirtualAddress(base) {
		t.Fatalf("IsValidVirtualAddress() = false for the page still mapped")
	}
	if got := m.Read32(base + PageSize); got != 0 {
		t.Fatalf("Read32(unmapped) = 0x%X, want 0", got)
	}
}

func TestReprotectMergesNeighbours(t *testing.T) {
	m := NewVMManager(nil)
	base := m.HeapRegionBase()
	block := NewMemoryBlock(3 * PageSize)
	if _, err := m.MapMemoryBlock(base, block, 0, 3*PageSize, MemoryStateHeap); err != nil {
		t.Fatalf("MapMemoryBlock() = %v, want nil", err)
	}
	n := len(m.VMAs())

	if err := m.ReprotectRange(base+PageSize, PageSize, VMAPermRead); err != nil {
		t.Fatalf("ReprotectRange() = %v, want nil", err)
	}
	if got := len(m.VMAs()); got != n+2 {
		t.Fatalf("len(VMAs()) after split = %d, want %d", got, n+2)
	}
	v, _ := m.FindVMA(base + PageSize)
	if v.Permissions != VMAPermRead {
		t.Fatalf("Permissions = %s, want %s", v.Permissions, VMAPermRead)
	}

	if err := m.ReprotectRange(base+PageSize, PageSize, VMAPermReadWrite); err != nil {
		t.Fatalf("ReprotectRange() = %v, want nil", err)
	}
	if got := len(m.VMAs()); got != n {
		t.Fatalf("len(VMAs()) after restoring = %d, want %d", got, n)
	}
}

func TestSetHeapSize(t *testing.T) {
	m := NewVMManager(nil)

	addr, err := m.SetHeapSize(0x200000)
	if err != nil {
		t.Fatalf("SetHeapSize() = %v, want nil", err)
	}
	if addr != m.HeapRegionBase() {
		t.Fatalf("SetHeapSize() = 0x%X, want heap base 0x%X", addr, m.HeapRegionBase())
	}
	m.Write32(addr+0x1000, 42)

	if _, err := m.SetHeapSize(0x400000); err != nil {
		t.Fatalf("growing SetHeapSize() = %v, want nil", err)
	}
	if got := m.Read32(addr + 0x1000); got != 42 {
		t.Fatalf("heap contents after growth = %d, want 42", got)
	}
	if got := m.CurrentHeapSize(); got != 0x400000 {
		t.Fatalf("CurrentHeapSize() = 0x%X, want 0x400000", got)
	}
	if _, err := m.SetHeapSize(m.HeapRegionSize() + PageSize); err != ErrOutOfMemory {
		t.Fatalf("oversized SetHeapSize() = %v, want %v", err, ErrOutOfMemory)
	}
}
