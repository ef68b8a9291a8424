package applets

import (
	"testing"

	"hle/kernel"
	"hle/timing"
)

func newTestKernel(t *testing.T) *kernel.KernelCore {
	t.Helper()
	k := kernel.New(timing.New(nil), nil, kernel.Options{})
	k.Initialize()
	t.Cleanup(k.Shutdown)
	return k
}

func TestBrokerPopEmpty(t *testing.T) {
	b := NewDataBroker(newTestKernel(t))

	for name, pop := range map[string]func() *Storage{
		"NormalToGame":        b.PopNormalDataToGame,
		"NormalToApplet":      b.PopNormalDataToApplet,
		"InteractiveToGame":   b.PopInteractiveDataToGame,
		"InteractiveToApplet": b.PopInteractiveDataToApplet,
	} {
		if s := pop(); s != nil {
			t.Fatalf("Pop%s() = %v on an empty queue, want nil", name, s)
		}
	}
}

func TestBrokerQueuesAreFIFOAndIndependent(t *testing.T) {
	b := NewDataBroker(newTestKernel(t))

	b.PushNormalDataFromGame(NewStorage([]byte{1}))
	b.PushNormalDataFromGame(NewStorage([]byte{2}))
	b.PushInteractiveDataFromGame(NewStorage([]byte{3}))

	if s := b.PopNormalDataToGame(); s != nil {
		t.Fatalf("game-bound queue received game data")
	}
	if s := b.PopNormalDataToApplet(); s == nil || s.Data[0] != 1 {
		t.Fatalf("PopNormalDataToApplet() = %v, want first push", s)
	}
	if s := b.PopNormalDataToApplet(); s == nil || s.Data[0] != 2 {
		t.Fatalf("PopNormalDataToApplet() = %v, want second push", s)
	}
	if s := b.PopInteractiveDataToApplet(); s == nil || s.Data[0] != 3 {
		t.Fatalf("PopInteractiveDataToApplet() = %v, want interactive push", s)
	}
}

func TestBrokerSignalsOnlyAppletPushes(t *testing.T) {
	b := NewDataBroker(newTestKernel(t))

	b.PushNormalDataFromGame(NewStorage(nil))
	b.PushInteractiveDataFromGame(NewStorage(nil))
	if b.NormalDataEvent().IsSignaled() || b.InteractiveDataEvent().IsSignaled() {
		t.Fatalf("pushes from the game signaled an event")
	}

	b.PushNormalDataFromApplet(NewStorage(nil))
	if !b.NormalDataEvent().IsSignaled() {
		t.Fatalf("normal data event not signaled")
	}
	if b.InteractiveDataEvent().IsSignaled() || b.StateChangedEvent().IsSignaled() {
		t.Fatalf("normal push signaled another event")
	}

	b.PushInteractiveDataFromApplet(NewStorage(nil))
	if !b.InteractiveDataEvent().IsSignaled() {
		t.Fatalf("interactive data event not signaled")
	}

	// Manual reset: popping leaves the event set.
	b.PopNormalDataToGame()
	if !b.NormalDataEvent().IsSignaled() {
		t.Fatalf("normal data event cleared by a pop")
	}

	b.SignalStateChanged()
	if !b.StateChangedEvent().IsSignaled() {
		t.Fatalf("state changed event not signaled")
	}
	if b.StateChangedEvent().ResetType() != kernel.ResetManual {
		t.Fatalf("state changed event is not manual reset")
	}
}

func TestCommonArguments(t *testing.T) {
	want := CommonArguments{ArgumentsVersion: 1, Size: commonArgumentsSize, LibraryVersion: 5, ThemeColor: 2, PlayStartupSound: true, SystemTick: 0x1122334455}
	got, err := ParseCommonArguments(want.Bytes())
	if err != nil {
		t.Fatalf("ParseCommonArguments() = %v, want nil", err)
	}
	if got != want {
		t.Fatalf("ParseCommonArguments() = %+v, want %+v", got, want)
	}
	if _, err := ParseCommonArguments(make([]byte, 0x1F)); err == nil {
		t.Fatalf("ParseCommonArguments(short) = nil, want error")
	}
}
