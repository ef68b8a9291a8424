package app

import (
	"fmt"

	"hle/hal"
)

// Session adapts a loaded System to the host runners: every host frame
// runs one slice on each core.
type Session struct {
	sys    *System
	frames int
}

var (
	_ hal.App           = (*Session)(nil)
	_ hal.SingleStepper = (*Session)(nil)
)

// NewSession creates a System on h and loads path into it.
func NewSession(h hal.HAL, cfg Config, path string) (*Session, error) {
	sys := New(h, cfg)
	if st := sys.Load(path); st != Success {
		return nil, fmt.Errorf("loading %s: %w (%s)", path, st, sys.StatusDetails())
	}
	return &Session{sys: sys}, nil
}

func (s *Session) System() *System { return s.sys }

func (s *Session) Step() error {
	if st := s.sys.RunLoop(true); st != Success {
		return fmt.Errorf("%w: %s", st, s.sys.StatusDetails())
	}
	s.sys.FrameLimit()
	s.frames++
	if s.frames%s.sys.cfg.StatsEvery == 0 {
		s.sys.PublishPerfStats()
	}
	return nil
}

func (s *Session) Close() { s.sys.Shutdown() }

// SingleStep advances every core by one instruction.
func (s *Session) SingleStep() error {
	if st := s.sys.SingleStep(); st != Success {
		return fmt.Errorf("%w: %s", st, s.sys.StatusDetails())
	}
	return nil
}
