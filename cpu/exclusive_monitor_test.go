package cpu

import (
	"sync"
	"sync/atomic"
	"testing"
)

// wordMemory is a tiny word-addressed memory safe for concurrent use.
type wordMemory struct {
	words [64]atomic.Uint32
}

func (m *wordMemory) Read32(addr uint64) uint32     { return m.words[addr/4].Load() }
func (m *wordMemory) Write32(addr uint64, v uint32) { m.words[addr/4].Store(v) }

func TestExclusiveStoreNeedsReservation(t *testing.T) {
	mon := NewExclusiveMonitor()
	mem := &wordMemory{}

	if mon.ExclusiveWrite32(0, mem, 0x10, 1) {
		t.Fatalf("store without a reservation succeeded")
	}
	if v := mon.ExclusiveRead32(0, mem, 0x10); v != 0 {
		t.Fatalf("ExclusiveRead32() = %d, want 0", v)
	}
	if !mon.ExclusiveWrite32(0, mem, 0x10, 1) {
		t.Fatalf("store with a reservation failed")
	}
	if mon.Reserved(0, 0x10) {
		t.Fatalf("reservation kept after a successful store")
	}
	if mem.Read32(0x10) != 1 {
		t.Fatalf("word = %d, want 1", mem.Read32(0x10))
	}
}

func TestExclusiveStoreBreaksOtherReservations(t *testing.T) {
	mon := NewExclusiveMonitor()
	mem := &wordMemory{}

	mon.ExclusiveRead32(0, mem, 0x10)
	mon.ExclusiveRead32(1, mem, 0x14) // same line
	mon.ExclusiveRead32(2, mem, 0x80) // other line

	if !mon.ExclusiveWrite32(1, mem, 0x14, 7) {
		t.Fatalf("core 1 store failed")
	}
	if mon.ExclusiveWrite32(0, mem, 0x10, 9) {
		t.Fatalf("core 0 store succeeded after core 1 wrote its line")
	}
	if !mon.ExclusiveWrite32(2, mem, 0x80, 3) {
		t.Fatalf("core 2 store on another line failed")
	}
}

func TestClearExclusive(t *testing.T) {
	mon := NewExclusiveMonitor()
	mem := &wordMemory{}

	mon.ExclusiveRead32(3, mem, 0x20)
	mon.ClearExclusive(3)
	if mon.ExclusiveWrite32(3, mem, 0x20, 1) {
		t.Fatalf("store succeeded after ClearExclusive")
	}
}

func TestExclusiveIncrementsAreAtomic(t *testing.T) {
	const perCore = 500
	mon := NewExclusiveMonitor()
	mem := &wordMemory{}

	var wg sync.WaitGroup
	for core := 0; core < 4; core++ {
		wg.Add(1)
		go func(core int) {
			defer wg.Done()
			for i := 0; i < perCore; i++ {
				for {
					v := mon.ExclusiveRead32(core, mem, 0x40)
					if mon.ExclusiveWrite32(core, mem, 0x40, v+1) {
						break
					}
				}
			}
		}(core)
	}
	wg.Wait()

	if got := mem.Read32(0x40); got != 4*perCore {
		t.Fatalf("counter = %d, want %d", got, 4*perCore)
	}
}
