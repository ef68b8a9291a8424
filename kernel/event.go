package kernel

// ResetType says whether an event clears itself when a waiter acquires it.
type ResetType uint8

const (
	ResetAutomatic ResetType = iota
	ResetManual
)

// ReadableEvent is the waitable side of an event pair.
type ReadableEvent struct {
	objectBase
	waitQueue

	resetType ResetType
	signaled  bool
}

// WritableEvent is the signaling side of an event pair.
type WritableEvent struct {
	objectBase
	readable *ReadableEvent
}

// EventPair is the two halves of an event.
type EventPair struct {
	Readable *ReadableEvent
	Writable *WritableEvent
}

// CreateEventPair creates both halves of a new event.
func CreateEventPair(k *KernelCore, reset ResetType, name string) EventPair {
	r := &ReadableEvent{
		objectBase: objectBase{id: k.nextObjectID(), name: name + ":Readable"},
		resetType:  reset,
	}
	w := &WritableEvent{
		objectBase: objectBase{id: k.nextObjectID(), name: name + ":Writable"},
		readable:   r,
	}
	return EventPair{Readable: r, Writable: w}
}

func (e *ReadableEvent) TypeName() string       { return "ReadableEvent" }
func (e *ReadableEvent) HandleType() HandleType { return HandleTypeReadableEvent }
func (e *ReadableEvent) ResetType() ResetType   { return e.resetType }
func (e *ReadableEvent) IsSignaled() bool       { return e.signaled }

func (e *ReadableEvent) ShouldWait(*Thread) bool { return !e.signaled }

func (e *ReadableEvent) Acquire(t *Thread) {
	assert(!e.ShouldWait(t), "acquiring unsignaled event %q", e.name)
	if e.resetType == ResetAutomatic {
		e.signaled = false
	}
}

// Signal wakes waiters. Signaling a signaled event does nothing.
func (e *ReadableEvent) Signal() {
	if e.signaled {
		return
	}
	e.signaled = true
	WakeupAllWaitingThreads(e)
}

func (e *ReadableEvent) Clear() { e.signaled = false }

// Reset clears a signaled event; an unsignaled one is an error.
func (e *ReadableEvent) Reset() error {
	if !e.signaled {
		return ErrInvalidState
	}
	e.Clear()
	return nil
}

func (e *WritableEvent) TypeName() string         { return "WritableEvent" }
func (e *WritableEvent) HandleType() HandleType   { return HandleTypeWritableEvent }
func (e *WritableEvent) Readable() *ReadableEvent { return e.readable }
func (e *WritableEvent) Signal()                  { e.readable.Signal() }
func (e *WritableEvent) Clear()                   { e.readable.Clear() }
func (e *WritableEvent) IsSignaled() bool         { return e.readable.signaled }
