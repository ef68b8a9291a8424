package hal

import (
	"fmt"
	"io"
	"os"
	"sync"
)

const (
	// Emulated display resolution (handheld mode).
	screenWidth  = 1280
	screenHeight = 720
)

type hostHAL struct {
	logger *hostLogger
	fb     *hostFramebuffer
	clock  hostClock
}

// New returns a host HAL implementation.
func New() HAL {
	return newHost(os.Stdout, screenWidth, screenHeight)
}

// NewWithWriter returns a host HAL logging to w, with a framebuffer of the
// given size. A zero size yields a HAL without a display.
func NewWithWriter(w io.Writer, width, height int) HAL {
	return newHost(w, width, height)
}

func newHost(w io.Writer, width, height int) *hostHAL {
	h := &hostHAL{
		logger: &hostLogger{w: w},
	}
	if width > 0 && height > 0 {
		h.fb = newHostFramebuffer(width, height)
	}
	return h
}

func (h *hostHAL) Logger() Logger { return h.logger }
func (h *hostHAL) Clock() Clock   { return h.clock }

func (h *hostHAL) Display() Display {
	if h.fb == nil {
		return nil
	}
	return hostDisplay{fb: h.fb}
}

type hostDisplay struct {
	fb *hostFramebuffer
}

func (d hostDisplay) Framebuffer() Framebuffer { return d.fb }

type hostLogger struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *hostLogger) WriteLineString(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintln(l.w, s)
}

func (l *hostLogger) WriteLineBytes(b []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.w.Write(b)
	l.w.Write([]byte{'\n'})
}
