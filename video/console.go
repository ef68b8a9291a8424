package video

import (
	"sync"

	"tinygo.org/x/tinyfont/proggy"
	"tinygo.org/x/tinyterm"
)

const (
	fontHeight = 12
	fontOffset = 9
)

// Console is an on-screen log: every line written to it is drawn into its
// display band, wrapping back to the top when the band is full. It
// satisfies hal.Logger and may be written from any goroutine.
type Console struct {
	mu   sync.Mutex
	term *tinyterm.Terminal
}

func NewConsole(d *FramebufferDisplay) *Console {
	t := tinyterm.NewTerminal(d)
	t.Configure(&tinyterm.Config{
		Font:       &proggy.TinySZ8pt7b,
		FontHeight: fontHeight,
		FontOffset: fontOffset,
	})
	return &Console{term: t}
}

func (c *Console) WriteLineString(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.term.Write([]byte(s))
	c.term.WriteByte('\n')
}

func (c *Console) WriteLineBytes(b []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.term.Write(b)
	c.term.WriteByte('\n')
}
