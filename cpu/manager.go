package cpu

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"hle/hal"
	"hle/kernel"
	"hle/timing"
)

// Config selects how the cores are driven.
type Config struct {
	// MultiCore runs cores 1..3 on their own goroutines. Otherwise every
	// core gets one slice in turn from the caller's RunLoop.
	MultiCore bool
	// NewUnit builds each core's execution unit. Nil selects NewIdleUnit.
	NewUnit UnitFactory
}

// ErrNotInitialized is returned by StartThreads before Initialize.
var ErrNotInitialized = errors.New("cpu: manager not initialized")

// Manager owns the emulated cores and the goroutines running them.
type Manager struct {
	kernel *kernel.KernelCore
	timing *timing.CoreTiming
	log    hal.Logger
	cfg    Config

	monitor *ExclusiveMonitor
	cores   []*Core
	active  int

	mu      sync.Mutex
	started []Starter
	cancel  context.CancelFunc
	group   *errgroup.Group
	err     error
}

func NewManager(k *kernel.KernelCore, ct *timing.CoreTiming, log hal.Logger, cfg Config) *Manager {
	if cfg.NewUnit == nil {
		cfg.NewUnit = NewIdleUnit
	}
	return &Manager{kernel: k, timing: ct, log: log, cfg: cfg}
}

// Initialize builds the monitor and the cores and binds them to the
// kernel's schedulers. The kernel must already be initialized.
func (m *Manager) Initialize() {
	m.monitor = NewExclusiveMonitor()
	m.cores = make([]*Core, kernel.NumCPUCores)
	for i := range m.cores {
		m.cores[i] = newCore(i, m.kernel, m.timing, m.monitor, m.cfg.NewUnit, m.log)
		m.kernel.BindExecutionContext(i, m.cores[i])
	}
	m.kernel.SetExclusiveMonitor(m.monitor)
	m.active = 0
}

func (m *Manager) Core(i int) *Core                    { return m.cores[i] }
func (m *Manager) ExclusiveMonitor() *ExclusiveMonitor { return m.monitor }
func (m *Manager) MultiCore() bool                     { return m.cfg.MultiCore }

// Err returns the first fault a core goroutine stopped on.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

func (m *Manager) setErr(err error) {
	m.mu.Lock()
	if m.err == nil {
		m.err = err
	}
	m.mu.Unlock()
}

// StartThreads starts every unit that owns host resources and, in
// multi-core mode, one goroutine per secondary core. On failure everything
// started so far is stopped again.
func (m *Manager) StartThreads(ctx context.Context) error {
	if m.cores == nil {
		return ErrNotInitialized
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range m.cores {
		s, ok := c.unit.(Starter)
		if !ok {
			continue
		}
		if err := s.Start(); err != nil {
			m.stopUnitsLocked()
			return fmt.Errorf("cpu: starting core %d: %w", c.index, err)
		}
		m.started = append(m.started, s)
	}

	if !m.cfg.MultiCore {
		return nil
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.group, ctx = errgroup.WithContext(ctx)
	for _, c := range m.cores[1:] {
		c := c
		m.group.Go(func() error {
			for ctx.Err() == nil {
				if err := c.RunLoop(true); err != nil {
					m.setErr(err)
					return err
				}
			}
			return nil
		})
	}
	hal.Logf(m.log, "cpu: %d core goroutines started", len(m.cores)-1)
	return nil
}

// RunLoop runs core 0 in multi-core mode, or the next core in turn
// otherwise. A fault on any core is returned.
func (m *Manager) RunLoop(tight bool) error {
	if err := m.Err(); err != nil {
		return err
	}
	if m.cfg.MultiCore {
		return m.runCore(m.cores[0], tight)
	}
	for range m.cores {
		c := m.cores[m.active]
		m.active = (m.active + 1) % len(m.cores)
		if err := m.runCore(c, tight); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) runCore(c *Core, tight bool) error {
	if err := c.RunLoop(tight); err != nil {
		m.setErr(err)
		return err
	}
	return nil
}

// Shutdown stops the core goroutines, waits for them and stops the units.
// It is safe before StartThreads and on a second call.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	cancel, group := m.cancel, m.group
	m.cancel, m.group = nil, nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		// Cores blocked in a slice return at the next reschedule.
		for _, c := range m.cores {
			c.unit.PrepareReschedule()
		}
		if err := group.Wait(); err != nil {
			hal.Logf(m.log, "cpu: core stopped with %v", err)
		}
	}

	m.mu.Lock()
	m.stopUnitsLocked()
	m.mu.Unlock()
}

func (m *Manager) stopUnitsLocked() {
	for i := len(m.started) - 1; i >= 0; i-- {
		m.started[i].Stop()
	}
	m.started = nil
}

// Running reports whether core goroutines are live.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.group != nil
}

// InvalidateAllInstructionCaches flushes every core's translated code.
func (m *Manager) InvalidateAllInstructionCaches() {
	for _, c := range m.cores {
		c.unit.ClearInstructionCache()
	}
}
