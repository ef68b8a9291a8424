// Package service keeps the registry of named service ports titles
// connect to through the service manager.
package service

import (
	"sort"
	"sync"

	"hle/hal"
	"hle/kernel"
)

const moduleSM = 21

// Service manager results.
var (
	ErrInvalidName          = kernel.ResultCode(moduleSM | 6<<9)
	ErrServiceNotRegistered = kernel.ResultCode(moduleSM | 7<<9)
)

// MaxNameLength is the longest service name, in bytes.
const MaxNameLength = 8

// Port is a registered service. It admits at most MaxSessions live
// sessions.
type Port struct {
	name        string
	maxSessions int

	mu       sync.Mutex
	sessions int
	closed   bool
}

func (p *Port) Name() string     { return p.name }
func (p *Port) MaxSessions() int { return p.maxSessions }

func (p *Port) Sessions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessions
}

// Connect opens a session on the port.
func (p *Port) Connect() (*Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, kernel.ErrSessionClosedByRemote
	}
	if p.sessions >= p.maxSessions {
		return nil, kernel.ErrMaxConnectionsReached
	}
	p.sessions++
	return &Session{port: p}, nil
}

func (p *Port) close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

// Session is one client connection to a port.
type Session struct {
	port *Port
	once sync.Once
}

func (s *Session) Port() *Port { return s.port }

// Close releases the session's slot. Further calls do nothing.
func (s *Session) Close() {
	s.once.Do(func() {
		s.port.mu.Lock()
		s.port.sessions--
		s.port.mu.Unlock()
	})
}

// Manager is the service registry of one session.
type Manager struct {
	log hal.Logger

	mu    sync.Mutex
	ports map[string]*Port
}

func NewManager(log hal.Logger) *Manager {
	return &Manager{log: log, ports: make(map[string]*Port)}
}

func validName(name string) bool {
	return name != "" && len(name) <= MaxNameLength
}

// RegisterService adds a port called name.
func (m *Manager) RegisterService(name string, maxSessions int) (*Port, error) {
	if !validName(name) {
		return nil, ErrInvalidName
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.ports[name]; ok {
		return nil, kernel.ErrAlreadyRegistered
	}
	p := &Port{name: name, maxSessions: maxSessions}
	m.ports[name] = p
	return p, nil
}

// UnregisterService removes name. Open sessions stay valid, new ones are
// refused.
func (m *Manager) UnregisterService(name string) error {
	if !validName(name) {
		return ErrInvalidName
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.ports[name]
	if !ok {
		return ErrServiceNotRegistered
	}
	p.close()
	delete(m.ports, name)
	return nil
}

// Lookup returns the port called name.
func (m *Manager) Lookup(name string) (*Port, error) {
	if !validName(name) {
		return nil, ErrInvalidName
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.ports[name]
	if !ok {
		hal.Logf(m.log, "service: %q is not registered", name)
		return nil, ErrServiceNotRegistered
	}
	return p, nil
}

// ConnectToService looks name up and opens a session on it.
func (m *Manager) ConnectToService(name string) (*Session, error) {
	p, err := m.Lookup(name)
	if err != nil {
		return nil, err
	}
	return p.Connect()
}

// Names returns the registered service names in order.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.ports))
	for n := range m.ports {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Shutdown closes every port.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for n, p := range m.ports {
		p.close()
		delete(m.ports, n)
	}
}

// Install registers the service manager's own port.
func (m *Manager) Install() error {
	_, err := m.RegisterService("sm:", 4)
	return err
}
