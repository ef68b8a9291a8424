package kernel

import "testing"

type fakeExecContext struct {
	loaded      []*ThreadContext
	saved       []*ThreadContext
	tls         uint64
	clears      int
	reschedules int
}

func (f *fakeExecContext) SaveContext(ctx *ThreadContext) { f.saved = append(f.saved, ctx) }
func (f *fakeExecContext) LoadContext(ctx *ThreadContext) { f.loaded = append(f.loaded, ctx) }
func (f *fakeExecContext) SetTLSAddress(addr uint64)      { f.tls = addr }
func (f *fakeExecContext) ClearExclusiveState()           { f.clears++ }
func (f *fakeExecContext) PrepareReschedule()             { f.reschedules++ }

func TestSelectThreadPriorityThenFIFO(t *testing.T) {
	k := newTestKernel(t)
	p := newTestProcess(t, k)
	low := newTestThread(t, p, 40)
	a := newTestThread(t, p, 20)
	b := newTestThread(t, p, 20)
	for _, th := range []*Thread{low, a, b} {
		th.ResumeFromWait()
	}

	got := k.GlobalScheduler().ScheduledThreads(0)
	want := []*Thread{a, b, low}
	if len(got) != len(want) {
		t.Fatalf("len(ScheduledThreads(0)) = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ScheduledThreads(0)[%d] = thread %d, want thread %d", i, got[i].ThreadID(), want[i].ThreadID())
		}
	}

	k.Reschedule(0)
	if k.CurrentThread(0) != a {
		t.Fatalf("CurrentThread(0) = %v, want the first priority-20 thread", k.CurrentThread(0))
	}
	if a.Status() != ThreadStatusRunning || !a.IsRunning() {
		t.Fatalf("selected thread Status() = %s running %v, want Running", a.Status(), a.IsRunning())
	}
	if k.CurrentProcess() != p {
		t.Fatalf("CurrentProcess() was not switched to the thread's owner")
	}
}

func TestYieldRotatesEqualPriority(t *testing.T) {
	k := newTestKernel(t)
	p := newTestProcess(t, k)
	a := newTestThread(t, p, 20)
	b := newTestThread(t, p, 20)
	a.ResumeFromWait()
	b.ResumeFromWait()
	k.Reschedule(0)

	if redundant := a.YieldSimple(); redundant {
		t.Fatalf("YieldSimple() = redundant with a peer waiting")
	}
	k.Reschedule(0)

	if k.CurrentThread(0) != b {
		t.Fatalf("CurrentThread(0) after yield is not the peer")
	}
	if a.Status() != ThreadStatusReady || a.IsRunning() {
		t.Fatalf("yielded thread Status() = %s running %v, want Ready", a.Status(), a.IsRunning())
	}
}

func TestYieldAloneIsRedundant(t *testing.T) {
	k := newTestKernel(t)
	p := newTestProcess(t, k)
	a := newTestThread(t, p, 20)
	a.ResumeFromWait()
	k.Reschedule(0)

	if !a.YieldSimple() {
		t.Fatalf("YieldSimple() alone = not redundant")
	}
	if got := a.YieldCount(); got != 1 {
		t.Fatalf("YieldCount() = %d, want 1", got)
	}
}

func TestContextSwitchUsesExecutionContext(t *testing.T) {
	k := newTestKernel(t)
	p := newTestProcess(t, k)
	fake := &fakeExecContext{}
	k.BindExecutionContext(0, fake)

	a := newTestThread(t, p, 30)
	b := newTestThread(t, p, 20)
	a.ResumeFromWait()
	if fake.reschedules == 0 {
		t.Fatalf("readying a thread did not request a reschedule")
	}
	k.Reschedule(0)
	if len(fake.loaded) != 1 || fake.loaded[0] != a.Context() {
		t.Fatalf("LoadContext() calls = %d, want a's context once", len(fake.loaded))
	}
	if fake.tls != a.TLSAddress() || fake.clears != 1 {
		t.Fatalf("TLS 0x%X clears %d, want 0x%X and 1", fake.tls, fake.clears, a.TLSAddress())
	}

	b.ResumeFromWait()
	k.Reschedule(0)
	if len(fake.saved) != 1 || fake.saved[0] != a.Context() {
		t.Fatalf("SaveContext() did not save the preempted thread")
	}
	if k.CurrentThread(0) != b || a.Status() != ThreadStatusReady {
		t.Fatalf("higher priority thread did not preempt: current %v, a %s", k.CurrentThread(0), a.Status())
	}
}

func TestIdleCoreTakesSuggestedThread(t *testing.T) {
	k := newTestKernel(t)
	p := newTestProcess(t, k)
	head := newTestThread(t, p, 30)
	mover := newTestThread(t, p, 30)
	if err := mover.SetCoreAndAffinityMask(0, 0b11); err != nil {
		t.Fatalf("SetCoreAndAffinityMask() = %v, want nil", err)
	}
	head.ResumeFromWait()
	mover.ResumeFromWait()

	k.Reschedule(1)

	if k.CurrentThread(1) != mover {
		t.Fatalf("core 1 did not pick up the suggested thread")
	}
	if mover.ProcessorID() != 1 {
		t.Fatalf("ProcessorID() = %d, want 1", mover.ProcessorID())
	}
	if got := k.GlobalScheduler().ScheduledThreads(0); len(got) != 1 || got[0] != head {
		t.Fatalf("core 0 queue lost its head thread")
	}
}

func TestRunningThreadIsNotMigrated(t *testing.T) {
	k := newTestKernel(t)
	p := newTestProcess(t, k)
	a := newTestThread(t, p, 30)
	if err := a.SetCoreAndAffinityMask(0, 0b11); err != nil {
		t.Fatalf("SetCoreAndAffinityMask() = %v, want nil", err)
	}
	a.ResumeFromWait()
	k.Reschedule(0)

	k.Scheduler(1).PrepareReschedule()
	k.Reschedule(1)

	if k.CurrentThread(1) != nil {
		t.Fatalf("core 1 stole the thread running on core 0")
	}
	if a.ProcessorID() != 0 {
		t.Fatalf("ProcessorID() = %d, want 0", a.ProcessorID())
	}
}

func TestPausedThreadLeavesQueue(t *testing.T) {
	k := newTestKernel(t)
	p := newTestProcess(t, k)
	a := newTestThread(t, p, 30)
	a.ResumeFromWait()

	a.SetActivity(ThreadActivityPaused)
	if a.Status() != ThreadStatusPaused {
		t.Fatalf("Status() = %s, want Paused", a.Status())
	}
	if k.GlobalScheduler().HaveReadyThreads(0) {
		t.Fatalf("paused thread is still scheduled")
	}

	a.SetActivity(ThreadActivityNormal)
	if a.Status() != ThreadStatusReady {
		t.Fatalf("Status() = %s, want Ready", a.Status())
	}
}

func TestSwitchToNonReadyThreadIsFatal(t *testing.T) {
	k := newTestKernel(t)
	p := newTestProcess(t, k)
	a := newTestThread(t, p, 30)

	s := k.Scheduler(0)
	s.setSelected(a)
	mustViolate(t, "SwitchContext", s.SwitchContext)
}

func TestPriorityInheritance(t *testing.T) {
	k := newTestKernel(t)
	p := newTestProcess(t, k)
	owner := newTestThread(t, p, 40)
	waiter := newTestThread(t, p, 10)

	waiter.SetStatus(ThreadStatusWaitMutex)
	owner.AddMutexWaiter(waiter)
	if got := owner.Priority(); got != 10 {
		t.Fatalf("owner Priority() = %d, want inherited 10", got)
	}
	if got := owner.NominalPriority(); got != 40 {
		t.Fatalf("owner NominalPriority() = %d, want 40", got)
	}

	owner.RemoveMutexWaiter(waiter)
	if got := owner.Priority(); got != 40 {
		t.Fatalf("owner Priority() after removal = %d, want 40", got)
	}
}
