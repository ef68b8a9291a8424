package hal

import (
	"fmt"
	"time"
)

// Logger writes newline-delimited log lines.
type Logger interface {
	WriteLineString(s string)
	WriteLineBytes(b []byte)
}

// Logf formats one log line. A nil logger discards it.
func Logf(l Logger, format string, args ...any) {
	if l == nil {
		return
	}
	l.WriteLineString(fmt.Sprintf(format, args...))
}

// PixelFormat defines the framebuffer pixel encoding.
type PixelFormat uint8

const (
	// PixelFormatRGB565 is 16bpp: rrrrrggggggbbbbb.
	PixelFormatRGB565 PixelFormat = iota + 1
)

// Framebuffer is a simple pixel buffer plus a "present" hook.
type Framebuffer interface {
	Width() int
	Height() int
	Format() PixelFormat
	StrideBytes() int
	Buffer() []byte
	ClearRGB(r, g, b uint8)
	Present() error
}

// Display provides access to the framebuffer (if available).
type Display interface {
	Framebuffer() Framebuffer
}

// Clock is the host wall clock the emulator paces itself against.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

// HAL is the only contact point between the emulator core and the host.
type HAL interface {
	Logger() Logger
	Display() Display
	Clock() Clock
}

// App is an emulation session driven by a host runner.
type App interface {
	// Step advances emulation by one host frame.
	Step() error
	// Close tears the session down. It is called exactly once.
	Close()
}

// SingleStepper is implemented by sessions that can advance by a single
// instruction, for the window runner's pause mode.
type SingleStepper interface {
	SingleStep() error
}

// TeeLogger fans every line out to each non-nil logger.
type TeeLogger []Logger

func (t TeeLogger) WriteLineString(s string) {
	for _, l := range t {
		if l != nil {
			l.WriteLineString(s)
		}
	}
}

func (t TeeLogger) WriteLineBytes(b []byte) {
	for _, l := range t {
		if l != nil {
			l.WriteLineBytes(b)
		}
	}
}
