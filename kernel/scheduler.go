package kernel

import (
	"math/bits"
	"sync/atomic"
)

// Priorities at or above this value are the ones load balancing may move.
const minRegularPriority = 2

// priorityQueue is a FIFO per priority level with a bitmap of non-empty
// levels.
type priorityQueue struct {
	levels  [ThreadPrioCount][]*Thread
	present uint64
}

func (q *priorityQueue) add(t *Thread, prio uint32, back bool) {
	if back {
		q.levels[prio] = append(q.levels[prio], t)
	} else {
		q.levels[prio] = append([]*Thread{t}, q.levels[prio]...)
	}
	q.present |= 1 << prio
}

func (q *priorityQueue) remove(t *Thread, prio uint32) {
	l := q.levels[prio]
	for i, th := range l {
		if th == t {
			q.levels[prio] = append(l[:i], l[i+1:]...)
			break
		}
	}
	if len(q.levels[prio]) == 0 {
		q.present &^= 1 << prio
	}
}

func (q *priorityQueue) empty() bool { return q.present == 0 }

func (q *priorityQueue) front() *Thread {
	if q.present == 0 {
		return nil
	}
	return q.levels[bits.TrailingZeros64(q.present)][0]
}

func (q *priorityQueue) frontAt(prio uint32) *Thread {
	if len(q.levels[prio]) == 0 {
		return nil
	}
	return q.levels[prio][0]
}

func (q *priorityQueue) sizeAt(prio uint32) int { return len(q.levels[prio]) }

// yield moves the first thread of a level to its back.
func (q *priorityQueue) yield(prio uint32) {
	l := q.levels[prio]
	if len(l) < 2 {
		return
	}
	first := l[0]
	copy(l, l[1:])
	l[len(l)-1] = first
}

// all returns every queued thread, highest priority first, FIFO within a
// level.
func (q *priorityQueue) all() []*Thread {
	var out []*Thread
	for p := q.present; p != 0; p &= p - 1 {
		out = append(out, q.levels[bits.TrailingZeros64(p)]...)
	}
	return out
}

func (q *priorityQueue) clear() { *q = priorityQueue{} }

// GlobalScheduler holds every live thread and the per-core ready queues.
// Threads sit in the scheduled queue of the core they are assigned to and
// in the suggested queues of the other cores their affinity allows.
//
// All methods require the kernel lock.
type GlobalScheduler struct {
	kernel *KernelCore

	threads   []*Thread
	scheduled [NumCPUCores]priorityQueue
	suggested [NumCPUCores]priorityQueue

	reselectionPending   atomic.Bool
	preemptionPriorities [NumCPUCores]uint32
}

func newGlobalScheduler(k *KernelCore) *GlobalScheduler {
	return &GlobalScheduler{
		kernel:               k,
		preemptionPriorities: [NumCPUCores]uint32{59, 59, 59, 62},
	}
}

func (g *GlobalScheduler) AddThread(t *Thread) {
	g.threads = append(g.threads, t)
}

func (g *GlobalScheduler) RemoveThread(t *Thread) {
	for i, th := range g.threads {
		if th == t {
			g.threads = append(g.threads[:i], g.threads[i+1:]...)
			return
		}
	}
}

// Threads returns a snapshot of the live thread list.
func (g *GlobalScheduler) Threads() []*Thread {
	return append([]*Thread(nil), g.threads...)
}

func (g *GlobalScheduler) Schedule(prio uint32, core int32, t *Thread) {
	assert(t.processorID == core, "scheduling thread %d of core %d on core %d", t.threadID, t.processorID, core)
	g.scheduled[core].add(t, prio, true)
}

// SchedulePrepend queues t ahead of its priority peers.
func (g *GlobalScheduler) SchedulePrepend(prio uint32, core int32, t *Thread) {
	assert(t.processorID == core, "scheduling thread %d of core %d on core %d", t.threadID, t.processorID, core)
	g.scheduled[core].add(t, prio, false)
}

func (g *GlobalScheduler) Unschedule(prio uint32, core int32, t *Thread) {
	g.scheduled[core].remove(t, prio)
}

func (g *GlobalScheduler) Suggest(prio uint32, core int32, t *Thread) {
	g.suggested[core].add(t, prio, true)
}

func (g *GlobalScheduler) Unsuggest(prio uint32, core int32, t *Thread) {
	g.suggested[core].remove(t, prio)
}

// ScheduledThreads returns the scheduled queue of core in selection order.
func (g *GlobalScheduler) ScheduledThreads(core int) []*Thread { return g.scheduled[core].all() }

// SuggestedThreads returns the suggested queue of core in selection order.
func (g *GlobalScheduler) SuggestedThreads(core int) []*Thread { return g.suggested[core].all() }

func (g *GlobalScheduler) HaveReadyThreads(core int) bool { return !g.scheduled[core].empty() }

// SetReselectionPending asks every core to run selection again at its next
// yield point.
func (g *GlobalScheduler) SetReselectionPending() {
	g.reselectionPending.Store(true)
	for core := 0; core < NumCPUCores; core++ {
		if s := g.kernel.schedulers[core]; s != nil {
			s.PrepareReschedule()
		}
	}
}

func (g *GlobalScheduler) IsReselectionPending() bool { return g.reselectionPending.Load() }

// TransferToCore moves t to the scheduled queue of dest, leaving it
// suggested on its old core. A negative dest only suggests it.
func (g *GlobalScheduler) TransferToCore(prio uint32, dest int32, t *Thread) {
	src := t.processorID
	if src == dest || t.currentPriority >= ThreadPrioCount {
		return
	}
	t.setProcessorID(dest)
	if src >= 0 {
		g.Unschedule(prio, src, t)
	}
	if dest >= 0 {
		g.Unsuggest(prio, dest, t)
		g.Schedule(prio, dest, t)
	}
	if src >= 0 {
		g.Suggest(prio, src, t)
	}
}

// migratable reports whether t may be moved to core. A thread executing on
// another core is left alone so its context is never saved from a foreign
// core.
func (g *GlobalScheduler) migratable(t *Thread, core int32) bool {
	return !t.isRunning || g.kernel.schedulers[core].current == t
}

// SelectThread picks the next thread for core: the head of its own queue,
// else a thread suggested to it from another core.
func (g *GlobalScheduler) SelectThread(core int) {
	s := g.kernel.schedulers[core]
	g.reselectionPending.Store(false)

	if t := g.scheduled[core].front(); t != nil {
		s.setSelected(t)
		return
	}

	var winner *Thread
	var sourceCores []int32
	for _, t := range g.suggested[core].all() {
		src := t.processorID
		var onCore *Thread
		if src >= 0 {
			onCore = g.scheduled[src].front()
		}
		if src < 0 || t != onCore {
			if g.migratable(t, int32(core)) {
				winner = t
				break
			}
			continue
		}
		sourceCores = appendUnique(sourceCores, src)
	}

	if winner != nil && winner.currentPriority > minRegularPriority {
		g.TransferToCore(winner.currentPriority, int32(core), winner)
		s.setSelected(winner)
		return
	}

	// Take the head of a core that has another thread to run.
	var selected *Thread
	for _, src := range sourceCores {
		if g.scheduled[src].sizeAtLeast(2) {
			head := g.scheduled[src].front()
			if !g.migratable(head, int32(core)) {
				continue
			}
			g.TransferToCore(head.currentPriority, int32(core), head)
			selected = head
			break
		}
	}
	s.setSelected(selected)
}

func (q *priorityQueue) sizeAtLeast(n int) bool {
	c := 0
	for p := q.present; p != 0; p &= p - 1 {
		c += len(q.levels[bits.TrailingZeros64(p)])
		if c >= n {
			return true
		}
	}
	return false
}

func appendUnique(s []int32, v int32) []int32 {
	for _, x := range s {
		if x == v {
			return s
		}
	}
	return append(s, v)
}

// YieldThread moves t behind the other threads of its priority. It reports
// whether the yield was redundant.
func (g *GlobalScheduler) YieldThread(t *Thread) bool {
	core := t.processorID
	prio := t.currentPriority
	assert(g.scheduled[core].frontAt(prio) == t, "thread %d yielding without being in front", t.threadID)

	g.scheduled[core].yield(prio)
	winner := g.scheduled[core].frontAt(prio)
	return g.askForReselectionOrMarkRedundant(t, winner)
}

// YieldThreadAndBalanceLoad yields and lets an equal-priority thread
// suggested from another core take over.
func (g *GlobalScheduler) YieldThreadAndBalanceLoad(t *Thread) bool {
	core := t.processorID
	prio := t.currentPriority
	assert(g.scheduled[core].frontAt(prio) == t, "thread %d yielding without being in front", t.threadID)

	g.scheduled[core].yield(prio)

	var current [NumCPUCores]*Thread
	for i := range current {
		current[i] = g.scheduled[i].front()
	}
	next := g.scheduled[core].frontAt(prio)

	var winner *Thread
	for _, th := range g.suggested[core].all() {
		if th.currentPriority != prio || !g.migratable(th, core) {
			continue
		}
		if src := th.processorID; src >= 0 && current[src] != nil {
			if th == current[src] || current[src].currentPriority < minRegularPriority {
				continue
			}
		}
		if next.lastRunningTicks >= th.lastRunningTicks || next.currentPriority < th.currentPriority {
			if th.currentPriority <= prio {
				winner = th
				break
			}
		}
	}

	if winner != nil {
		if winner != t {
			g.TransferToCore(winner.currentPriority, core, winner)
		}
	} else {
		winner = next
	}
	return g.askForReselectionOrMarkRedundant(t, winner)
}

// YieldThreadAndWaitForLoadBalancing gives up the core entirely; t stays
// only suggested until a core picks it up.
func (g *GlobalScheduler) YieldThreadAndWaitForLoadBalancing(t *Thread) bool {
	core := t.processorID
	var winner *Thread

	g.TransferToCore(t.currentPriority, -1, t)

	if g.scheduled[core].empty() {
		var current [NumCPUCores]*Thread
		for i := range current {
			current[i] = g.scheduled[i].front()
		}
		for _, th := range g.suggested[core].all() {
			src := th.processorID
			if src < 0 || th == current[src] || !g.migratable(th, core) {
				continue
			}
			if current[src] == nil || current[src].currentPriority >= minRegularPriority {
				winner = th
			}
			break
		}
		if winner != nil {
			if winner != t {
				g.TransferToCore(winner.currentPriority, core, winner)
			}
		} else {
			winner = t
		}
	}
	return g.askForReselectionOrMarkRedundant(t, winner)
}

// PreemptThreads rotates each core's preemption priority level and lets
// starved suggested threads in. It runs on the preemption timer.
func (g *GlobalScheduler) PreemptThreads() {
	for core := int32(0); core < NumCPUCores; core++ {
		prio := g.preemptionPriorities[core]
		q := &g.scheduled[core]

		if q.sizeAt(prio) > 0 {
			q.frontAt(prio).incrementYieldCount()
			q.yield(prio)
			if q.sizeAt(prio) > 1 {
				q.frontAt(prio).incrementYieldCount()
			}
		}

		current := q.front()
		winner := g.findStarved(core, current, func(p uint32) bool { return p == prio })
		if winner != nil {
			g.TransferToCore(winner.currentPriority, core, winner)
			if current == nil || winner.currentPriority <= current.currentPriority {
				current = winner
			}
		}

		if current != nil && current.currentPriority > prio {
			winner = g.findStarved(core, current, func(p uint32) bool { return p >= prio })
			if winner != nil {
				g.TransferToCore(winner.currentPriority, core, winner)
			}
		}
	}
	g.SetReselectionPending()
}

func (g *GlobalScheduler) findStarved(core int32, current *Thread, prioOK func(uint32) bool) *Thread {
	for _, th := range g.suggested[core].all() {
		if !prioOK(th.currentPriority) || !g.migratable(th, core) {
			continue
		}
		if src := th.processorID; src >= 0 {
			next := g.scheduled[src].front()
			if next != nil && next.currentPriority < minRegularPriority {
				break
			}
			if next == th {
				continue
			}
		}
		if current != nil && current.lastRunningTicks >= th.lastRunningTicks {
			return th
		}
	}
	return nil
}

func (g *GlobalScheduler) askForReselectionOrMarkRedundant(current, winner *Thread) bool {
	if current == winner {
		current.incrementYieldCount()
		return true
	}
	g.SetReselectionPending()
	return false
}

// Shutdown forgets every thread.
func (g *GlobalScheduler) Shutdown() {
	g.threads = nil
	for i := range g.scheduled {
		g.scheduled[i].clear()
		g.suggested[i].clear()
	}
}

// ExecutionContext is the CPU side of a core, as seen by its scheduler.
// PrepareReschedule may be called from any goroutine.
type ExecutionContext interface {
	SaveContext(ctx *ThreadContext)
	LoadContext(ctx *ThreadContext)
	SetTLSAddress(addr uint64)
	ClearExclusiveState()
	PrepareReschedule()
}

// Scheduler tracks what one core is running.
type Scheduler struct {
	kernel *KernelCore
	coreID int
	ctx    ExecutionContext

	current  *Thread
	selected *Thread

	contextSwitchPending   bool
	idleSelectionCount     uint64
	lastContextSwitchTicks uint64

	reschedulePending atomic.Bool
}

func newScheduler(k *KernelCore, core int) *Scheduler {
	return &Scheduler{kernel: k, coreID: core}
}

func (s *Scheduler) CoreID() int                    { return s.coreID }
func (s *Scheduler) CurrentThread() *Thread         { return s.current }
func (s *Scheduler) SelectedThread() *Thread        { return s.selected }
func (s *Scheduler) IsContextSwitchPending() bool   { return s.contextSwitchPending }
func (s *Scheduler) IdleSelectionCount() uint64     { return s.idleSelectionCount }
func (s *Scheduler) LastContextSwitchTicks() uint64 { return s.lastContextSwitchTicks }

func (s *Scheduler) HaveReadyThreads() bool {
	return s.kernel.globalScheduler.HaveReadyThreads(s.coreID)
}

// SetExecutionContext binds the CPU core whose registers the scheduler
// saves and loads.
func (s *Scheduler) SetExecutionContext(ctx ExecutionContext) { s.ctx = ctx }

// PrepareReschedule requests selection at the next yield point.
func (s *Scheduler) PrepareReschedule() {
	s.reschedulePending.Store(true)
	if s.ctx != nil {
		s.ctx.PrepareReschedule()
	}
}

// TakeReschedule reports and clears a pending reschedule request.
func (s *Scheduler) TakeReschedule() bool { return s.reschedulePending.Swap(false) }

func (s *Scheduler) setSelected(t *Thread) {
	if t != s.selected {
		if t == nil {
			s.idleSelectionCount++
		}
		s.selected = t
	}
	s.contextSwitchPending = s.selected != s.current
}

// TryDoContextSwitch switches to the selected thread if it changed.
func (s *Scheduler) TryDoContextSwitch() {
	if s.contextSwitchPending {
		s.SwitchContext()
	}
}

// SwitchContext saves the current thread and loads the selected one.
func (s *Scheduler) SwitchContext() {
	prev := s.current
	next := s.selected
	s.contextSwitchPending = false

	if next == prev {
		// Woken again before it was switched out.
		if next != nil && next.status == ThreadStatusReady {
			next.SetStatus(ThreadStatusRunning)
		}
		return
	}

	prevProcess := s.kernel.CurrentProcess()
	s.updateLastContextSwitchTime(prev, prevProcess)

	if prev != nil {
		s.saveThread(prev)
	}

	if next == nil {
		// The current process stays; its threads are only paused.
		s.current = nil
		return
	}

	assert(next.processorID == int32(s.coreID), "thread %d of core %d selected on core %d", next.threadID, next.processorID, s.coreID)
	assert(next.status == ThreadStatusReady, "thread %d selected while %s", next.threadID, next.status)

	next.CancelWakeupTimer()
	s.current = next
	next.SetStatus(ThreadStatusRunning)
	next.setIsRunning(true)

	if owner := next.owner; owner != prevProcess {
		s.kernel.MakeCurrentProcess(owner)
	}
	if s.ctx != nil {
		s.ctx.LoadContext(&next.context)
		s.ctx.SetTLSAddress(next.tlsAddress)
		s.ctx.ClearExclusiveState()
	}
}

// Unload saves the current thread and leaves the core idle.
func (s *Scheduler) Unload() {
	prev := s.current
	s.updateLastContextSwitchTime(prev, s.kernel.CurrentProcess())
	if prev != nil {
		s.saveThread(prev)
	}
	s.current = nil
}

func (s *Scheduler) saveThread(t *Thread) {
	if s.ctx != nil {
		s.ctx.SaveContext(&t.context)
	}
	// Preempted rather than blocked.
	if t.status == ThreadStatusRunning {
		t.SetStatus(ThreadStatusReady)
	}
	t.setIsRunning(false)
}

func (s *Scheduler) updateLastContextSwitchTime(t *Thread, p *Process) {
	now := s.kernel.timing.Ticks()
	delta := now - s.lastContextSwitchTicks
	if t != nil {
		t.updateCPUTimeTicks(delta)
	}
	if p != nil {
		p.updateCPUTimeTicks(delta)
	}
	s.lastContextSwitchTicks = now
}

func (s *Scheduler) shutdown() {
	s.current = nil
	s.selected = nil
	s.contextSwitchPending = false
	s.ctx = nil
}
