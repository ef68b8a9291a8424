package video

import (
	"errors"
	"image/color"
	"io"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"

	"hle/hal"
	"hle/telemetry"
)

func testFramebuffer(t *testing.T, w, h int) hal.Framebuffer {
	t.Helper()
	return hal.NewWithWriter(io.Discard, w, h).Display().Framebuffer()
}

func pixelAt(fb hal.Framebuffer, x, y int) uint16 {
	off := y*fb.StrideBytes() + x*2
	b := fb.Buffer()
	return uint16(b[off]) | uint16(b[off+1])<<8
}

func TestBandClipsAndOffsets(t *testing.T) {
	fb := testFramebuffer(t, 16, 10)
	d := NewFramebufferDisplay(fb)
	band := d.Band(4, 3)

	if w, h := band.Size(); w != 16 || h != 3 {
		t.Fatalf("Size() = %d,%d, want 16,3", w, h)
	}
	white := color.RGBA{R: 0xFF, G: 0xFF, B: 0xFF, A: 0xFF}
	band.SetPixel(2, 1, white)
	band.SetPixel(2, 3, white)
	if got := pixelAt(fb, 2, 5); got != 0xFFFF {
		t.Fatalf("pixel(2,5) = %#x, want 0xffff", got)
	}
	if got := pixelAt(fb, 2, 7); got != 0 {
		t.Fatalf("pixel outside band = %#x, want 0", got)
	}

	if err := band.FillRectangle(-5, -5, 100, 100, white); err != nil {
		t.Fatalf("FillRectangle() = %v", err)
	}
	if pixelAt(fb, 0, 3) != 0 || pixelAt(fb, 15, 6) != 0xFFFF || pixelAt(fb, 0, 7) != 0 {
		t.Fatalf("FillRectangle() escaped the band")
	}

	if b := band.Band(2, 10); b.top != 6 || b.height != 1 {
		t.Fatalf("nested Band() = top %d height %d, want 6, 1", b.top, b.height)
	}
}

func TestScrollUpStaysInBand(t *testing.T) {
	fb := testFramebuffer(t, 4, 8)
	fb.ClearRGB(0, 0, 0)
	d := NewFramebufferDisplay(fb)
	band := d.Band(2, 4)
	red := color.RGBA{R: 0xFF, A: 0xFF}

	d.SetPixel(0, 0, red)
	band.SetPixel(1, 3, red)
	if err := band.ScrollUp(2, color.RGBA{}); err != nil {
		t.Fatalf("ScrollUp() = %v", err)
	}
	if pixelAt(fb, 1, 3) != 0xF800 {
		t.Fatalf("scrolled pixel missing at row 3")
	}
	if pixelAt(fb, 1, 5) != 0 {
		t.Fatalf("exposed row not cleared")
	}
	if pixelAt(fb, 0, 0) != 0xF800 {
		t.Fatalf("ScrollUp() touched rows above the band")
	}
}

func TestFrameQueueTryRecvEmpty(t *testing.T) {
	var q frameQueue
	if _, ok := q.TryRecv(); ok {
		t.Fatalf("TryRecv() ok = true, want false")
	}
}

func TestFrameQueueTrySendFull(t *testing.T) {
	var q frameQueue
	for i := 0; i < frameQueueSlots; i++ {
		if !q.TrySend(Frame{Seq: uint64(i)}) {
			t.Fatalf("TrySend() ok = false at slot %d, want true", i)
		}
	}
	if q.TrySend(Frame{}) {
		t.Fatalf("TrySend() ok = true when full, want false")
	}
	for i := 0; i < frameQueueSlots; i++ {
		f, ok := q.TryRecv()
		if !ok || f.Seq != uint64(i) {
			t.Fatalf("TryRecv() = %v, %v, want seq %d", f.Seq, ok, i)
		}
	}
	if q.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", q.Len())
	}
}

func TestFrameQueueConcurrentProducers(t *testing.T) {
	const (
		producers = 4
		perProd   = 5_000
		total     = producers * perProd
	)

	var q frameQueue
	start := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(producers)
	for p := 0; p < producers; p++ {
		p := p
		go func() {
			defer wg.Done()
			<-start
			for i := 0; i < perProd; i++ {
				for !q.TrySend(Frame{Seq: uint64(p*perProd + i)}) {
					runtime.Gosched()
				}
			}
		}()
	}
	close(start)

	seen := make([]bool, total)
	for n := 0; n < total; {
		f, ok := q.TryRecv()
		if !ok {
			runtime.Gosched()
			continue
		}
		if f.Seq >= total || seen[f.Seq] {
			t.Fatalf("TryRecv() seq = %d, duplicate or out of range", f.Seq)
		}
		seen[f.Seq] = true
		n++
	}
	wg.Wait()
}

type countingRenderer struct {
	swaps atomic.Int32
}

func (r *countingRenderer) Init() error  { return nil }
func (r *countingRenderer) SwapBuffers() { r.swaps.Add(1) }
func (r *countingRenderer) ShutDown()    {}

func TestGPUPresentsSubmittedFrames(t *testing.T) {
	r := &countingRenderer{}
	g := NewGPU(r, telemetry.NewPerfStats(nil), nil)
	g.Start()
	g.Start()
	for i := 0; i < 3; i++ {
		if !g.SubmitFrame(Frame{Seq: uint64(i)}) {
			t.Fatalf("SubmitFrame(%d) = false", i)
		}
	}
	g.Stop()
	g.Stop()

	if got := r.swaps.Load(); got != 3 {
		t.Fatalf("swaps = %d, want 3", got)
	}
	if g.Presented() != 3 {
		t.Fatalf("Presented() = %d, want 3", g.Presented())
	}
}

func TestGPUDropsWhenFull(t *testing.T) {
	r := &countingRenderer{}
	g := NewGPU(r, nil, nil)
	for i := 0; i < frameQueueSlots; i++ {
		g.SubmitFrame(Frame{})
	}
	if g.SubmitFrame(Frame{}) {
		t.Fatalf("SubmitFrame() on full queue = true")
	}
	if g.Dropped() != 1 {
		t.Fatalf("Dropped() = %d, want 1", g.Dropped())
	}

	g.Start()
	g.Stop()
	if got := r.swaps.Load(); got != frameQueueSlots {
		t.Fatalf("swaps after restart = %d, want %d", got, frameQueueSlots)
	}
}

func TestRendererInitWithoutFramebuffer(t *testing.T) {
	r := NewFramebufferRenderer(nil, nil, RendererConfig{}, nil)
	if err := r.Init(); !errors.Is(err, ErrNoFramebuffer) {
		t.Fatalf("Init() = %v, want %v", err, ErrNoFramebuffer)
	}
	headless := hal.NewWithWriter(io.Discard, 0, 0)
	r = NewFramebufferRenderer(headless.Display(), nil, RendererConfig{}, nil)
	if err := r.Init(); !errors.Is(err, ErrNoFramebuffer) {
		t.Fatalf("Init() headless = %v, want %v", err, ErrNoFramebuffer)
	}
	r.SwapBuffers()
	r.ShutDown()
}

func TestRendererOverlay(t *testing.T) {
	h := hal.NewWithWriter(io.Discard, 320, 120)
	var stats telemetry.Snapshot
	r := NewFramebufferRenderer(h.Display(), telemetry.NewPerfStats(nil), RendererConfig{Stats: &stats}, nil)
	if err := r.Init(); err != nil {
		t.Fatalf("Init() = %v", err)
	}
	fb := h.Display().Framebuffer()

	r.SwapBuffers()
	if pixelAt(fb, 0, 0) != 0 {
		t.Fatalf("overlay drawn before stats were published")
	}

	stats.Publish(telemetry.Results{GameFPS: 60, EmulationSpeed: 1})
	r.SwapBuffers()
	if got, want := pixelAt(fb, 0, 0), rgb565(overlayBG); got != want {
		t.Fatalf("overlay background = %#x, want %#x", got, want)
	}
	if r.Frames() != 2 {
		t.Fatalf("Frames() = %d, want 2", r.Frames())
	}
	r.ShutDown()
	if pixelAt(fb, 0, 0) != 0 {
		t.Fatalf("ShutDown() left the overlay on screen")
	}
}

func TestRendererConsole(t *testing.T) {
	h := hal.NewWithWriter(io.Discard, 320, 120)
	r := NewFramebufferRenderer(h.Display(), nil, RendererConfig{Console: true}, nil)
	if err := r.Init(); err != nil {
		t.Fatalf("Init() = %v", err)
	}
	c := r.Console()
	if c == nil {
		t.Fatalf("Console() = nil with console enabled")
	}
	c.WriteLineString("kernel: ####")

	fb := h.Display().Framebuffer()
	lit := false
	for y := 80; y < 120 && !lit; y++ {
		for x := 0; x < 320; x++ {
			if pixelAt(fb, x, y) != 0 {
				lit = true
				break
			}
		}
	}
	if !lit {
		t.Fatalf("console line not drawn")
	}
	for x := 0; x < 320; x++ {
		if pixelAt(fb, x, 20) != 0 {
			t.Fatalf("console drew outside its band at x=%d", x)
		}
	}
}
