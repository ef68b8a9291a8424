package service

import (
	"testing"

	"hle/kernel"
)

func TestRegisterService(t *testing.T) {
	m := NewManager(nil)

	for _, tc := range []struct {
		name string
		want error
	}{
		{"", ErrInvalidName},
		{"too:long:name", ErrInvalidName},
		{"fsp-srv", nil},
		{"fsp-srv", kernel.ErrAlreadyRegistered},
		{"12345678", nil},
	} {
		_, err := m.RegisterService(tc.name, 8)
		if err != tc.want {
			t.Fatalf("RegisterService(%q) = %v, want %v", tc.name, err, tc.want)
		}
	}
	if got := m.Names(); len(got) != 2 || got[0] != "12345678" || got[1] != "fsp-srv" {
		t.Fatalf("Names() = %v, want [12345678 fsp-srv]", got)
	}
}

func TestInstallRegistersSM(t *testing.T) {
	m := NewManager(nil)
	if err := m.Install(); err != nil {
		t.Fatalf("Install() = %v, want nil", err)
	}
	if _, err := m.Lookup("sm:"); err != nil {
		t.Fatalf("Lookup(sm:) = %v, want nil", err)
	}
	if err := m.Install(); err != kernel.ErrAlreadyRegistered {
		t.Fatalf("second Install() = %v, want %v", err, kernel.ErrAlreadyRegistered)
	}
}

func TestSessionLimit(t *testing.T) {
	m := NewManager(nil)
	if _, err := m.RegisterService("apm", 2); err != nil {
		t.Fatalf("RegisterService() = %v, want nil", err)
	}

	a, err := m.ConnectToService("apm")
	if err != nil {
		t.Fatalf("ConnectToService() = %v, want nil", err)
	}
	if _, err := m.ConnectToService("apm"); err != nil {
		t.Fatalf("second ConnectToService() = %v, want nil", err)
	}
	if _, err := m.ConnectToService("apm"); err != kernel.ErrMaxConnectionsReached {
		t.Fatalf("third ConnectToService() = %v, want %v", err, kernel.ErrMaxConnectionsReached)
	}

	a.Close()
	a.Close()
	if got := a.Port().Sessions(); got != 1 {
		t.Fatalf("Sessions() = %d after closing one twice, want 1", got)
	}
	if _, err := m.ConnectToService("apm"); err != nil {
		t.Fatalf("ConnectToService() after Close = %v, want nil", err)
	}
}

func TestUnregisterAndShutdown(t *testing.T) {
	m := NewManager(nil)
	p, _ := m.RegisterService("set:sys", 1)

	if err := m.UnregisterService("set:sys"); err != nil {
		t.Fatalf("UnregisterService() = %v, want nil", err)
	}
	if err := m.UnregisterService("set:sys"); err != ErrServiceNotRegistered {
		t.Fatalf("second UnregisterService() = %v, want %v", err, ErrServiceNotRegistered)
	}
	if _, err := p.Connect(); err != kernel.ErrSessionClosedByRemote {
		t.Fatalf("Connect() on removed port = %v, want %v", err, kernel.ErrSessionClosedByRemote)
	}
	if _, err := m.Lookup("set:sys"); err != ErrServiceNotRegistered {
		t.Fatalf("Lookup() = %v, want %v", err, ErrServiceNotRegistered)
	}

	m.Install()
	m.Shutdown()
	if len(m.Names()) != 0 {
		t.Fatalf("Names() = %v after Shutdown, want none", m.Names())
	}
}
