package app

import (
	"image/color"
	"strings"
	"unicode/utf8"

	"hle/hal"
	"hle/kernel"
	"hle/video"

	"tinygo.org/x/tinyfont"
	"tinygo.org/x/tinyfont/proggy"
)

const (
	panicLineHeight = 12
	panicBaseline   = 9
)

var (
	panicFG = color.RGBA{R: 0xFF, G: 0xFF, B: 0xFF, A: 0xFF}
	panicBG = color.RGBA{R: 0x80, A: 0xFF}
)

// installPanicHandler reports fatal kernel violations on the log and on
// screen. The handler returns so the violating goroutine can unwind.
func installPanicHandler(h hal.HAL) {
	kernel.SetPanicHandler(func(info kernel.PanicInfo) {
		lines := panicLines(info)
		for _, line := range lines {
			hal.Logf(h.Logger(), "%s", line)
		}
		drawPanicScreen(h.Display(), lines)
	})
}

func panicLines(info kernel.PanicInfo) []string {
	lines := []string{"kernel panic:", info.Message}
	if len(info.Stack) == 0 {
		return append(lines, "stack: unavailable")
	}
	lines = append(lines, "stack:")
	for _, line := range strings.Split(string(info.Stack), "\n") {
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

func drawPanicScreen(disp hal.Display, lines []string) {
	if disp == nil {
		return
	}
	fb := disp.Framebuffer()
	if fb == nil {
		return
	}
	d := video.NewFramebufferDisplay(fb)
	w, h := d.Size()
	_ = d.FillRectangle(0, 0, w, h, panicBG)

	font := &proggy.TinySZ8pt7b
	_, cw := tinyfont.LineWidth(font, "0")
	cols := 1
	if cw > 0 && int(w) >= int(cw) {
		cols = int(w) / int(cw)
	}

	y := int16(0)
	for _, line := range lines {
		for line != "" {
			if y+panicLineHeight > h {
				_ = d.Display()
				return
			}
			chunk, rest := takeRunes(line, cols)
			tinyfont.WriteLine(d, font, 0, y+panicBaseline, chunk, panicFG)
			y += panicLineHeight
			line = strings.TrimLeft(rest, " \t")
		}
	}
	_ = d.Display()
}

// takeRunes splits s after its first n runes.
func takeRunes(s string, n int) (prefix, rest string) {
	if n <= 0 {
		return "", s
	}
	i := 0
	for count := 0; i < len(s) && count < n; count++ {
		_, size := utf8.DecodeRuneInString(s[i:])
		i += size
	}
	return s[:i], s[i:]
}
