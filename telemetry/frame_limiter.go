package telemetry

import "time"

// maxLag bounds how far emulated time may drift from wall time at full
// speed. Slow frames beyond it are forgotten rather than caught up.
const maxLag = 25 * time.Millisecond

// FrameLimiter keeps emulated time from running ahead of wall time scaled
// by a speed limit. It is used from the emulation goroutine only.
type FrameLimiter struct {
	now   func() time.Time
	sleep func(time.Duration)
	limit uint16

	prevEmulatedUs uint64
	prevWall       time.Time
	deltaErr       time.Duration
}

// NewFrameLimiter returns a limiter running at limit percent of real
// speed. A zero limit disables it.
func NewFrameLimiter(limit uint16, now func() time.Time, sleep func(time.Duration)) *FrameLimiter {
	if now == nil {
		now = time.Now
	}
	if sleep == nil {
		sleep = time.Sleep
	}
	return &FrameLimiter{now: now, sleep: sleep, limit: limit, prevWall: now()}
}

func (f *FrameLimiter) Enabled() bool { return f.limit != 0 }
func (f *FrameLimiter) Limit() uint16 { return f.limit }

// DoFrameLimiting sleeps while the guest clock, at nowUs microseconds, is
// ahead of the host.
func (f *FrameLimiter) DoFrameLimiting(nowUs uint64) {
	if f.limit == 0 {
		return
	}
	now := f.now()
	scale := float64(f.limit) / 100
	lag := time.Duration(float64(maxLag) / scale)

	if nowUs > f.prevEmulatedUs {
		f.deltaErr += time.Duration(float64(nowUs-f.prevEmulatedUs) * float64(time.Microsecond) / scale)
	}
	f.deltaErr -= now.Sub(f.prevWall)
	f.deltaErr = min(max(f.deltaErr, -lag), lag)

	if f.deltaErr > 0 {
		f.sleep(f.deltaErr)
		after := f.now()
		f.deltaErr -= after.Sub(now)
		now = after
	}
	f.prevEmulatedUs = nowUs
	f.prevWall = now
}
