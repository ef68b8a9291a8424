package timing

import "testing"

func TestEventsFireInDeadlineThenFIFOOrder(t *testing.T) {
	ct := New(nil)
	var got []uint64
	ev := ct.RegisterEvent("test", func(userdata uint64, _ int64) {
		got = append(got, userdata)
	})

	ct.ScheduleEvent(100, ev, 3)
	ct.ScheduleEvent(50, ev, 1)
	ct.ScheduleEvent(50, ev, 2)

	for i := 0; i < 2; i++ {
		ct.AddTicks(ct.Downcount())
		ct.Advance()
	}

	if len(got) != 3 {
		t.Fatalf("fired %d events, want 3", len(got))
	}
	for i, want := range []uint64{1, 2, 3} {
		if got[i] != want {
			t.Fatalf("event %d userdata = %d, want %d", i, got[i], want)
		}
	}
}

func TestScheduleShortensSlice(t *testing.T) {
	ct := New(nil)
	ev := ct.RegisterEvent("short", nil)

	ct.ScheduleEvent(10, ev, 0)
	if got := ct.Downcount(); got != 10 {
		t.Fatalf("Downcount() = %d, want 10", got)
	}
	if got := ct.Ticks(); got != 0 {
		t.Fatalf("Ticks() = %d, want 0", got)
	}
}

func TestUnscheduleEvent(t *testing.T) {
	ct := New(nil)
	fired := 0
	ev := ct.RegisterEvent("wake", func(uint64, int64) { fired++ })

	ct.ScheduleEvent(5, ev, 7)
	ct.ScheduleEvent(5, ev, 8)
	ct.UnscheduleEvent(ev, 7)
	if got := ct.Pending(); got != 1 {
		t.Fatalf("Pending() = %d, want 1", got)
	}

	ct.AddTicks(5)
	ct.Advance()
	if fired != 1 {
		t.Fatalf("fired = %d, want 1", fired)
	}
}

func TestCallbackMayScheduleAgain(t *testing.T) {
	ct := New(nil)
	fired := 0
	var ev *EventType
	ev = ct.RegisterEvent("periodic", func(uint64, int64) {
		fired++
		ct.ScheduleEvent(100, ev, 0)
	})
	ct.ScheduleEvent(100, ev, 0)

	for i := 0; i < 3; i++ {
		ct.AddTicks(ct.Downcount())
		ct.Advance()
	}
	if fired != 3 {
		t.Fatalf("fired = %d, want 3", fired)
	}
	if got := ct.Ticks(); got != 300 {
		t.Fatalf("Ticks() = %d, want 300", got)
	}
}

func TestIdleSkipsSlice(t *testing.T) {
	ct := New(nil)
	ct.Idle()
	ct.Advance()
	if got := ct.Ticks(); got != MaxSliceLength {
		t.Fatalf("Ticks() = %d, want %d", got, MaxSliceLength)
	}
	if got := ct.IdleTicks(); got != MaxSliceLength {
		t.Fatalf("IdleTicks() = %d, want %d", got, MaxSliceLength)
	}
}

func TestConversions(t *testing.T) {
	if got := NsToCycles(1e9); got != BaseClockRate {
		t.Fatalf("NsToCycles(1s) = %d, want %d", got, BaseClockRate)
	}
	if got := CyclesToUs(BaseClockRate * 2); got != 2e6 {
		t.Fatalf("CyclesToUs(2s) = %d, want 2000000", got)
	}
	if got := CyclesToNs(UsToCycles(1000)); got < 999999 || got > 1000000 {
		t.Fatalf("round trip of 1ms = %dns", got)
	}
}
