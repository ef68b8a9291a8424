package hal

import (
	"runtime"
	"time"
)

// hostClock is the host wall clock. Sleeps under a millisecond are spun
// off with Gosched, as the timer would overshoot them.
type hostClock struct{}

func (hostClock) Now() time.Time { return time.Now() }

func (hostClock) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	if d < time.Millisecond {
		start := time.Now()
		for time.Since(start) < d {
			runtime.Gosched()
		}
		return
	}
	time.Sleep(d)
}
