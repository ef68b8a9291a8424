package video

import (
	"sync"
	"sync/atomic"

	"hle/hal"
	"hle/telemetry"
)

// GPU accepts frames from the emulated display pipeline and presents them
// through a Renderer on its own goroutine.
type GPU interface {
	Start()
	Stop()
	SubmitFrame(f Frame) bool
}

// Presenter is the GPU used by the session. It hands every queued frame to
// the renderer in submission order.
type Presenter struct {
	renderer Renderer
	perf     *telemetry.PerfStats
	log      hal.Logger

	queue   frameQueue
	wake    chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool

	presented atomic.Uint64
	dropped   atomic.Uint64
}

// NewGPU returns a Presenter for r. perf may be nil.
func NewGPU(r Renderer, perf *telemetry.PerfStats, log hal.Logger) *Presenter {
	return &Presenter{
		renderer: r,
		perf:     perf,
		log:      log,
		wake:     make(chan struct{}, 1),
	}
}

func (g *Presenter) Start() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running {
		return
	}
	g.running = true
	g.done = make(chan struct{})
	g.wg.Add(1)
	go g.run(g.done)
}

// Stop waits for the presentation goroutine to drain the queue and exit.
func (g *Presenter) Stop() {
	g.mu.Lock()
	if !g.running {
		g.mu.Unlock()
		return
	}
	g.running = false
	close(g.done)
	g.mu.Unlock()
	g.wg.Wait()
}

// SubmitFrame queues f for presentation. It never blocks; a full queue
// drops the frame.
func (g *Presenter) SubmitFrame(f Frame) bool {
	if !g.queue.TrySend(f) {
		if g.dropped.Add(1) == 1 {
			hal.Logf(g.log, "video: frame queue full, dropping frames")
		}
		return false
	}
	if g.perf != nil {
		g.perf.EndGameFrame()
	}
	select {
	case g.wake <- struct{}{}:
	default:
	}
	return true
}

func (g *Presenter) Presented() uint64 { return g.presented.Load() }
func (g *Presenter) Dropped() uint64   { return g.dropped.Load() }

func (g *Presenter) run(done <-chan struct{}) {
	defer g.wg.Done()
	for {
		g.drain()
		select {
		case <-done:
			g.drain()
			return
		case <-g.wake:
		}
	}
}

func (g *Presenter) drain() {
	for {
		if _, ok := g.queue.TryRecv(); !ok {
			return
		}
		g.renderer.SwapBuffers()
		g.presented.Add(1)
	}
}
