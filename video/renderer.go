package video

import (
	"errors"
	"fmt"
	"image/color"
	"sync"

	"hle/hal"
	"hle/telemetry"

	"tinygo.org/x/tinyfont"
	"tinygo.org/x/tinyfont/proggy"
)

// Renderer presents finished frames to the host.
type Renderer interface {
	Init() error
	SwapBuffers()
	ShutDown()
}

var ErrNoFramebuffer = errors.New("video: no framebuffer")

// RendererConfig selects the optional parts of a FramebufferRenderer.
type RendererConfig struct {
	// Console reserves the lower part of the screen for a log console.
	Console bool
	// Stats is read for the status overlay. Nil disables the overlay.
	Stats *telemetry.Snapshot
}

var (
	overlayFG = color.RGBA{R: 0xE0, G: 0xE0, B: 0xE0, A: 0xFF}
	overlayBG = color.RGBA{R: 0x10, G: 0x10, B: 0x10, A: 0xFF}
)

// FramebufferRenderer draws a status line and an optional log console
// into the host framebuffer and presents it on every swap. Swaps may come
// from the GPU goroutine while the session shuts the renderer down.
type FramebufferRenderer struct {
	mu sync.Mutex

	display hal.Display
	perf    *telemetry.PerfStats
	cfg     RendererConfig
	log     hal.Logger

	screen  *FramebufferDisplay
	overlay *FramebufferDisplay
	console *Console
	lastSeq uint32
	frames  uint64
}

func NewFramebufferRenderer(d hal.Display, perf *telemetry.PerfStats, cfg RendererConfig, log hal.Logger) *FramebufferRenderer {
	return &FramebufferRenderer{display: d, perf: perf, cfg: cfg, log: log}
}

func (r *FramebufferRenderer) Init() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.display == nil {
		return ErrNoFramebuffer
	}
	fb := r.display.Framebuffer()
	if fb == nil {
		return ErrNoFramebuffer
	}
	if fb.Format() != hal.PixelFormatRGB565 {
		return fmt.Errorf("video: unsupported pixel format %d", fb.Format())
	}

	fb.ClearRGB(0, 0, 0)
	r.screen = NewFramebufferDisplay(fb)
	r.overlay = r.screen.Band(0, fontHeight)
	if r.cfg.Console {
		h := fb.Height() / 3
		r.console = NewConsole(r.screen.Band(fb.Height()-h, h))
	}
	r.lastSeq = 0
	r.frames = 0
	hal.Logf(r.log, "video: renderer %dx%d", fb.Width(), fb.Height())
	return nil
}

// Console returns the log console, or nil when it is disabled or the
// renderer is not initialized.
func (r *FramebufferRenderer) Console() *Console {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.console
}

// Frames reports how many frames were presented.
func (r *FramebufferRenderer) Frames() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames
}

func (r *FramebufferRenderer) SwapBuffers() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.screen == nil {
		return
	}
	if r.perf != nil {
		r.perf.EndSystemFrame()
	}

	r.drawOverlay()
	if err := r.screen.Display(); err != nil {
		hal.Logf(r.log, "video: present: %v", err)
	}
	r.frames++

	if r.perf != nil {
		r.perf.BeginSystemFrame()
	}
}

func (r *FramebufferRenderer) drawOverlay() {
	if r.cfg.Stats == nil {
		return
	}
	seq, res := r.cfg.Stats.Load()
	if seq == r.lastSeq {
		return
	}
	r.lastSeq = seq

	w, h := r.overlay.Size()
	_ = r.overlay.FillRectangle(0, 0, w, h, overlayBG)
	line := fmt.Sprintf("speed %3.0f%%  fps %4.1f  frame %5.2f ms",
		res.EmulationSpeed*100, res.GameFPS, res.FrameTime*1000)
	tinyfont.WriteLine(r.overlay, &proggy.TinySZ8pt7b, 2, fontOffset, line, overlayFG)
}

func (r *FramebufferRenderer) ShutDown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.screen == nil {
		return
	}
	r.screen.fb.ClearRGB(0, 0, 0)
	_ = r.screen.Display()
	r.screen = nil
	r.overlay = nil
	r.console = nil
}
