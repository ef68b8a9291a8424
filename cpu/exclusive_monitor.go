package cpu

import (
	"sync"
	"sync/atomic"

	"hle/kernel"
)

const (
	cacheLineShift = 6
	lineLockCount  = 256
)

// Memory is the access an exclusive load or store needs.
type Memory interface {
	Read32(addr uint64) uint32
	Write32(addr uint64, v uint32)
}

// ExclusiveMonitor emulates the global monitor behind load/store-exclusive
// pairs. Each core holds at most one reservation, tracked at cache-line
// granularity. Stores are serialized per line, not globally.
type ExclusiveMonitor struct {
	// reservation holds line+1 of each core's reservation, 0 when none.
	reservation [kernel.NumCPUCores]atomic.Uint64
	lines       [lineLockCount]sync.Mutex
}

func NewExclusiveMonitor() *ExclusiveMonitor {
	return &ExclusiveMonitor{}
}

func lineOf(addr uint64) uint64 { return addr >> cacheLineShift }

func (m *ExclusiveMonitor) lineLock(line uint64) *sync.Mutex {
	return &m.lines[line%lineLockCount]
}

// SetExclusive reserves the line holding addr for core.
func (m *ExclusiveMonitor) SetExclusive(core int, addr uint64) {
	m.reservation[core].Store(lineOf(addr) + 1)
}

func (m *ExclusiveMonitor) ClearExclusive(core int) {
	m.reservation[core].Store(0)
}

// Reserved reports whether core holds a reservation covering addr.
func (m *ExclusiveMonitor) Reserved(core int, addr uint64) bool {
	return m.reservation[core].Load() == lineOf(addr)+1
}

// DoExclusiveOperation runs op when core still holds its reservation on
// addr. Every reservation on the lines the access touches is dropped, so a
// competing core's store fails.
func (m *ExclusiveMonitor) DoExclusiveOperation(core int, addr uint64, size int, op func()) bool {
	first := lineOf(addr)
	last := lineOf(addr + uint64(size) - 1)

	a, b := m.lineLock(first), m.lineLock(last)
	if first%lineLockCount > last%lineLockCount {
		a, b = b, a
	}
	a.Lock()
	defer a.Unlock()
	if b != a {
		b.Lock()
		defer b.Unlock()
	}

	if !m.Reserved(core, addr) {
		return false
	}
	op()
	// Cleared after the store so that no core that read the old value
	// keeps its reservation.
	for i := range m.reservation {
		r := &m.reservation[i]
		if v := r.Load(); v == first+1 || v == last+1 {
			r.CompareAndSwap(v, 0)
		}
	}
	return true
}

// ExclusiveRead32 is a load-exclusive: it reserves addr for core and reads
// the word.
func (m *ExclusiveMonitor) ExclusiveRead32(core int, mem Memory, addr uint64) uint32 {
	m.SetExclusive(core, addr)
	return mem.Read32(addr)
}

// ExclusiveWrite32 is a store-exclusive. It reports whether the store
// happened.
func (m *ExclusiveMonitor) ExclusiveWrite32(core int, mem Memory, addr uint64, v uint32) bool {
	return m.DoExclusiveOperation(core, addr, 4, func() { mem.Write32(addr, v) })
}

var _ kernel.ExclusiveMonitor = (*ExclusiveMonitor)(nil)
