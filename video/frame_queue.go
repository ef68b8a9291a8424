package video

import (
	"runtime"
	"sync/atomic"
)

const frameQueueSlots = 8

// Frame is one composited guest frame awaiting presentation.
type Frame struct {
	Seq uint64
	// EmulatedUs is the guest clock at submission.
	EmulatedUs int64
}

// frameQueue is a bounded multi-producer, single-consumer ring. A slot is
// published through its ready flag only after the frame is written, so the
// consumer never observes a reserved but unwritten slot.
type frameQueue struct {
	_     [0]func()
	head  atomic.Uint32
	tail  atomic.Uint32
	ready [frameQueueSlots]atomic.Bool
	slots [frameQueueSlots]Frame
}

// TrySend enqueues f, returning false when the queue is full.
func (q *frameQueue) TrySend(f Frame) bool {
	for {
		head := q.head.Load()
		if head-q.tail.Load() >= frameQueueSlots {
			return false
		}
		if q.head.CompareAndSwap(head, head+1) {
			i := head % frameQueueSlots
			q.slots[i] = f
			q.ready[i].Store(true)
			return true
		}
	}
}

// TryRecv dequeues one frame. Only one goroutine may receive.
func (q *frameQueue) TryRecv() (Frame, bool) {
	tail := q.tail.Load()
	if tail == q.head.Load() {
		return Frame{}, false
	}
	i := tail % frameQueueSlots
	for !q.ready[i].Load() {
		// Reserved by a producer that has not finished writing yet.
		runtime.Gosched()
	}
	f := q.slots[i]
	q.ready[i].Store(false)
	q.tail.Store(tail + 1)
	return f, true
}

func (q *frameQueue) Len() int {
	return int(q.head.Load() - q.tail.Load())
}
