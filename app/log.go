package app

import (
	"sync/atomic"

	"hle/hal"
	"hle/video"
)

// sessionLog writes to the host logger and, while a renderer console is
// up, to the screen as well.
type sessionLog struct {
	base    hal.Logger
	console atomic.Pointer[video.Console]
}

func (l *sessionLog) WriteLineString(s string) {
	if l.base != nil {
		l.base.WriteLineString(s)
	}
	if c := l.console.Load(); c != nil {
		c.WriteLineString(s)
	}
}

func (l *sessionLog) WriteLineBytes(b []byte) {
	if l.base != nil {
		l.base.WriteLineBytes(b)
	}
	if c := l.console.Load(); c != nil {
		c.WriteLineBytes(b)
	}
}
