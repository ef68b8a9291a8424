package kernel

import "testing"

func TestHandleTableNeverIssuesZero(t *testing.T) {
	k := newTestKernel(t)
	ht := NewHandleTable()
	ev := CreateEventPair(k, ResetManual, "ev")

	for i := 0; i < 64; i++ {
		h, err := ht.Create(ev.Readable)
		if err != nil {
			t.Fatalf("Create() = %v, want nil", err)
		}
		if h == InvalidHandle {
			t.Fatalf("Create() returned the invalid handle")
		}
	}
	if got := ht.Count(); got != 64 {
		t.Fatalf("Count() = %d, want 64", got)
	}
}

func TestHandleTableRejectsStaleHandle(t *testing.T) {
	k := newTestKernel(t)
	ht := NewHandleTable()
	ev := CreateEventPair(k, ResetManual, "ev")

	h1, _ := ht.Create(ev.Readable)
	if err := ht.Close(h1); err != nil {
		t.Fatalf("Close() = %v, want nil", err)
	}
	if err := ht.Close(h1); err != ErrInvalidHandle {
		t.Fatalf("second Close() = %v, want %v", err, ErrInvalidHandle)
	}

	h2, _ := ht.Create(ev.Writable)
	if handleSlot(h2) != handleSlot(h1) {
		t.Fatalf("slot of reused handle = %d, want %d", handleSlot(h2), handleSlot(h1))
	}
	if h2 == h1 {
		t.Fatalf("reused slot produced the same handle 0x%X", h1)
	}
	if ht.GetGeneric(h1) != nil {
		t.Fatalf("GetGeneric(stale) != nil")
	}
	if ht.GetWritableEvent(h2) != ev.Writable {
		t.Fatalf("GetWritableEvent() did not return the writable event")
	}
	if ht.GetReadableEvent(h2) != nil {
		t.Fatalf("GetReadableEvent() on a writable handle != nil")
	}
}

func TestHandleTableSize(t *testing.T) {
	k := newTestKernel(t)
	ht := NewHandleTable()
	ev := CreateEventPair(k, ResetManual, "ev")

	if err := ht.SetSize(MaxHandleCount + 1); err != ErrOutOfMemory {
		t.Fatalf("SetSize(%d) = %v, want %v", MaxHandleCount+1, err, ErrOutOfMemory)
	}
	if err := ht.SetSize(2); err != nil {
		t.Fatalf("SetSize(2) = %v, want nil", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := ht.Create(ev.Readable); err != nil {
			t.Fatalf("Create() #%d = %v, want nil", i, err)
		}
	}
	if _, err := ht.Create(ev.Readable); err != ErrHandleTableFull {
		t.Fatalf("Create() on a full table = %v, want %v", err, ErrHandleTableFull)
	}
}

func TestHandleTableDuplicate(t *testing.T) {
	k := newTestKernel(t)
	ht := NewHandleTable()
	ev := CreateEventPair(k, ResetManual, "ev")

	h, _ := ht.Create(ev.Readable)
	d, err := ht.Duplicate(h)
	if err != nil {
		t.Fatalf("Duplicate() = %v, want nil", err)
	}
	_ = ht.Close(h)
	if ht.GetReadableEvent(d) != ev.Readable {
		t.Fatalf("duplicate handle lost its object after closing the original")
	}
	if _, err := ht.Duplicate(h); err != ErrInvalidHandle {
		t.Fatalf("Duplicate(closed) = %v, want %v", err, ErrInvalidHandle)
	}
}
