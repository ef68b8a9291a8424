package telemetry

import (
	"sync"
	"time"
)

// Results summarizes one measurement interval.
type Results struct {
	// SystemFPS counts frames presented by the host per second.
	SystemFPS float64
	// GameFPS counts frames the guest submitted per second.
	GameFPS float64
	// FrameTime is the mean wall time spent inside a system frame, in seconds.
	FrameTime float64
	// EmulationSpeed is emulated time elapsed over wall time elapsed; 1 is full speed.
	EmulationSpeed float64
}

// PerfStats measures frame rate and emulation speed between resets.
type PerfStats struct {
	mu  sync.Mutex
	now func() time.Time

	resetPoint       time.Time
	resetPointSystem uint64

	frameBegin  time.Time
	inFrame     bool
	frameTime   time.Duration
	systemFrame uint32
	gameFrames  uint32
}

// NewPerfStats returns stats measured against now, or the host clock if
// now is nil.
func NewPerfStats(now func() time.Time) *PerfStats {
	if now == nil {
		now = time.Now
	}
	return &PerfStats{now: now, resetPoint: now()}
}

func (p *PerfStats) BeginSystemFrame() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frameBegin = p.now()
	p.inFrame = true
}

func (p *PerfStats) EndSystemFrame() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.inFrame {
		return
	}
	p.inFrame = false
	p.frameTime += p.now().Sub(p.frameBegin)
	p.systemFrame++
}

func (p *PerfStats) EndGameFrame() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gameFrames++
}

// GetAndResetStats returns the results since the previous reset. nowUs is
// the current emulated time in microseconds.
func (p *PerfStats) GetAndResetStats(nowUs uint64) Results {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	interval := now.Sub(p.resetPoint).Seconds()

	var r Results
	if interval > 0 {
		r.SystemFPS = float64(p.systemFrame) / interval
		r.GameFPS = float64(p.gameFrames) / interval
		if nowUs >= p.resetPointSystem {
			r.EmulationSpeed = float64(nowUs-p.resetPointSystem) / 1e6 / interval
		}
	}
	if p.systemFrame > 0 {
		r.FrameTime = p.frameTime.Seconds() / float64(p.systemFrame)
	}

	p.resetPoint = now
	p.resetPointSystem = nowUs
	p.frameTime = 0
	p.systemFrame = 0
	p.gameFrames = 0
	return r
}
