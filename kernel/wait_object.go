package kernel

// WaitObject is a kernel object threads can block on.
//
// ShouldWait must be a pure predicate over the object's current state.
// Acquire consumes the object on behalf of a thread and must never be called
// while ShouldWait reports true for that thread; implementations treat such
// a call as a fatal violation.
type WaitObject interface {
	Object

	ShouldWait(t *Thread) bool
	Acquire(t *Thread)

	AddWaitingThread(t *Thread)
	RemoveWaitingThread(t *Thread)
	WaitingThreads() []*Thread
}

// waitQueue is the waiter list shared by every WaitObject implementation.
type waitQueue struct {
	waiting []*Thread
}

func (q *waitQueue) AddWaitingThread(t *Thread) {
	for _, w := range q.waiting {
		if w == t {
			return
		}
	}
	q.waiting = append(q.waiting, t)
}

func (q *waitQueue) RemoveWaitingThread(t *Thread) {
	for i, w := range q.waiting {
		if w == t {
			q.waiting = append(q.waiting[:i], q.waiting[i+1:]...)
			return
		}
	}
}

func (q *waitQueue) WaitingThreads() []*Thread { return q.waiting }

// WakeupAllWaitingThreads resumes every waiter of obj whose wait predicate
// is now false, highest priority first. Waiters that still have to wait stay
// in the list.
func WakeupAllWaitingThreads(obj WaitObject) {
	for {
		t := highestPriorityReadyThread(obj)
		if t == nil {
			return
		}
		wakeupWaitingThread(obj, t)
	}
}

func highestPriorityReadyThread(obj WaitObject) *Thread {
	var candidate *Thread
	candidatePriority := uint32(ThreadPrioLowest + 1)
	for _, t := range obj.WaitingThreads() {
		st := t.Status()
		assert(st == ThreadStatusWaitSynch || st == ThreadStatusWaitHLEEvent,
			"thread %d waiting on %s %q has status %s", t.ThreadID(), obj.TypeName(), obj.Name(), st)
		if t.Priority() >= candidatePriority {
			continue
		}
		if obj.ShouldWait(t) {
			continue
		}
		candidate = t
		candidatePriority = t.Priority()
	}
	return candidate
}

func wakeupWaitingThread(obj WaitObject, t *Thread) {
	assert(!obj.ShouldWait(t), "waking thread %d that still has to wait on %s", t.ThreadID(), obj.TypeName())

	obj.Acquire(t)

	index := t.WaitObjectIndex(obj)
	for _, o := range t.WaitObjects() {
		o.RemoveWaitingThread(t)
	}
	t.ClearWaitObjects()
	t.CancelWakeupTimer()

	resume := true
	if t.HasWakeupCallback() {
		resume = t.InvokeWakeupCallback(WakeupReasonSignal, obj, index)
	}
	if resume {
		t.ResumeFromWait()
	}
}
