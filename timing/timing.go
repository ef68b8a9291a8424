// Package timing keeps the emulated clock and the queue of timed events
// every core advances through.
package timing

import (
	"container/heap"
	"sync"

	"hle/hal"
)

const (
	// BaseClockRate is the emulated CPU clock in Hz.
	BaseClockRate = 1019215872
	// MaxSliceLength is the longest run a core gets between event checks.
	MaxSliceLength = 10000
)

// TimedCallback runs when a scheduled event is due. cyclesLate is how far
// past its deadline the event fired.
type TimedCallback func(userdata uint64, cyclesLate int64)

// EventType is a registered kind of timed event.
type EventType struct {
	name     string
	callback TimedCallback
}

func (e *EventType) Name() string { return e.name }

type event struct {
	time      int64
	fifoOrder uint64
	userdata  uint64
	typ       *EventType
}

// eventQueue orders events by deadline, then by scheduling order.
type eventQueue []event

func (q eventQueue) Len() int { return len(q) }
func (q eventQueue) Less(i, j int) bool {
	if q[i].time != q[j].time {
		return q[i].time < q[j].time
	}
	return q[i].fifoOrder < q[j].fifoOrder
}
func (q eventQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *eventQueue) Push(x any)   { *q = append(*q, x.(event)) }
func (q *eventQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	*q = old[:n-1]
	return e
}

// CoreTiming is the emulated clock. It is safe for concurrent use; event
// callbacks run without its lock held, so they may schedule further events.
type CoreTiming struct {
	log hal.Logger

	mu          sync.Mutex
	events      eventQueue
	eventFIFOID uint64
	eventTypes  map[string]*EventType

	globalTimer int64
	sliceLength int64
	downcount   int64
	idledCycles int64
}

func New(log hal.Logger) *CoreTiming {
	t := &CoreTiming{log: log}
	t.Initialize()
	return t
}

// Initialize resets the clock and forgets every event.
func (t *CoreTiming) Initialize() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = nil
	t.eventFIFOID = 0
	t.eventTypes = make(map[string]*EventType)
	t.globalTimer = 0
	t.sliceLength = MaxSliceLength
	t.downcount = MaxSliceLength
	t.idledCycles = 0
}

// Shutdown drops all pending events and registrations.
func (t *CoreTiming) Shutdown() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n := len(t.events); n > 0 {
		hal.Logf(t.log, "timing: dropping %d pending events", n)
	}
	t.events = nil
	t.eventTypes = make(map[string]*EventType)
}

// RegisterEvent returns the event type called name, creating it with cb if
// it does not exist yet.
func (t *CoreTiming) RegisterEvent(name string, cb TimedCallback) *EventType {
	t.mu.Lock()
	defer t.mu.Unlock()
	if et, ok := t.eventTypes[name]; ok {
		hal.Logf(t.log, "timing: event %q registered twice", name)
		return et
	}
	et := &EventType{name: name, callback: cb}
	t.eventTypes[name] = et
	return et
}

// ScheduleEvent queues ev to fire cyclesInto cycles from now. A deadline
// inside the current slice shortens the slice.
func (t *CoreTiming) ScheduleEvent(cyclesInto int64, ev *EventType, userdata uint64) {
	if ev == nil {
		return
	}
	if cyclesInto < 0 {
		cyclesInto = 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	heap.Push(&t.events, event{
		time:      t.ticksLocked() + cyclesInto,
		fifoOrder: t.eventFIFOID,
		userdata:  userdata,
		typ:       ev,
	})
	t.eventFIFOID++

	if cyclesInto < t.downcount {
		t.sliceLength -= t.downcount - cyclesInto
		t.downcount = cyclesInto
	}
}

// UnscheduleEvent removes every pending ev carrying userdata.
func (t *CoreTiming) UnscheduleEvent(ev *EventType, userdata uint64) {
	t.removeIf(func(e *event) bool { return e.typ == ev && e.userdata == userdata })
}

// RemoveEvent removes every pending ev.
func (t *CoreTiming) RemoveEvent(ev *EventType) {
	t.removeIf(func(e *event) bool { return e.typ == ev })
}

func (t *CoreTiming) removeIf(match func(*event) bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	kept := t.events[:0]
	for i := range t.events {
		if !match(&t.events[i]) {
			kept = append(kept, t.events[i])
		}
	}
	if len(kept) == len(t.events) {
		return
	}
	t.events = kept
	heap.Init(&t.events)
}

// Pending returns the number of queued events.
func (t *CoreTiming) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.events)
}

// AddTicks charges executed cycles against the current slice.
func (t *CoreTiming) AddTicks(ticks int64) {
	t.mu.Lock()
	t.downcount -= ticks
	t.mu.Unlock()
}

// Downcount returns the cycles left in the current slice.
func (t *CoreTiming) Downcount() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.downcount
}

// Ticks returns the emulated cycle counter.
func (t *CoreTiming) Ticks() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return uint64(t.ticksLocked())
}

func (t *CoreTiming) ticksLocked() int64 {
	return t.globalTimer + t.sliceLength - t.downcount
}

// IdleTicks returns the cycles skipped by Idle.
func (t *CoreTiming) IdleTicks() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return uint64(t.idledCycles)
}

// Idle skips the rest of the slice; the core had nothing to run.
func (t *CoreTiming) Idle() {
	t.mu.Lock()
	t.idledCycles += t.downcount
	t.downcount = 0
	t.mu.Unlock()
}

// Advance commits the executed part of the slice, fires every due event
// and starts the next slice.
func (t *CoreTiming) Advance() {
	t.mu.Lock()
	t.globalTimer += t.sliceLength - t.downcount
	t.sliceLength = 0
	t.downcount = 0

	for len(t.events) > 0 && t.events[0].time <= t.globalTimer {
		e := heap.Pop(&t.events).(event)
		late := t.globalTimer - e.time
		t.mu.Unlock()
		if e.typ.callback != nil {
			e.typ.callback(e.userdata, late)
		}
		t.mu.Lock()
	}

	// Cycles charged by other cores while the lock was released.
	t.globalTimer += t.sliceLength - t.downcount
	t.sliceLength = MaxSliceLength
	if len(t.events) > 0 {
		if d := t.events[0].time - t.globalTimer; d < t.sliceLength {
			t.sliceLength = d
		}
	}
	t.downcount = t.sliceLength
	t.mu.Unlock()
}

// GlobalTimeUs returns emulated time in microseconds.
func (t *CoreTiming) GlobalTimeUs() int64 { return CyclesToUs(int64(t.Ticks())) }

// GlobalTimeNs returns emulated time in nanoseconds.
func (t *CoreTiming) GlobalTimeNs() int64 { return CyclesToNs(int64(t.Ticks())) }

// NsToCycles converts nanoseconds of emulated time to CPU cycles.
func NsToCycles(ns int64) int64 {
	return ns/1e9*BaseClockRate + ns%1e9*BaseClockRate/1e9
}

func UsToCycles(us int64) int64 {
	return us/1e6*BaseClockRate + us%1e6*BaseClockRate/1e6
}

func CyclesToUs(cycles int64) int64 {
	return cycles/BaseClockRate*1e6 + cycles%BaseClockRate*1e6/BaseClockRate
}

func CyclesToNs(cycles int64) int64 {
	return cycles/BaseClockRate*1e9 + cycles%BaseClockRate*1e9/BaseClockRate
}
