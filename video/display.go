package video

import (
	"image/color"

	"hle/hal"

	"tinygo.org/x/drivers"
)

// FramebufferDisplay exposes a horizontal band of an RGB565 framebuffer as
// a tinygo display. Coordinates are relative to the band.
type FramebufferDisplay struct {
	fb     hal.Framebuffer
	top    int
	height int
}

var _ drivers.Displayer = (*FramebufferDisplay)(nil)

// NewFramebufferDisplay covers the whole framebuffer.
func NewFramebufferDisplay(fb hal.Framebuffer) *FramebufferDisplay {
	return &FramebufferDisplay{fb: fb, height: fb.Height()}
}

// Band returns a display covering rows [top, top+height) of d. The band is
// clipped to d.
func (d *FramebufferDisplay) Band(top, height int) *FramebufferDisplay {
	top = clampInt(top, 0, d.height)
	height = clampInt(height, 0, d.height-top)
	return &FramebufferDisplay{fb: d.fb, top: d.top + top, height: height}
}

func (d *FramebufferDisplay) Size() (x, y int16) {
	return int16(d.fb.Width()), int16(d.height)
}

func (d *FramebufferDisplay) usable() []byte {
	if d.fb.Format() != hal.PixelFormatRGB565 {
		return nil
	}
	return d.fb.Buffer()
}

func (d *FramebufferDisplay) SetPixel(x, y int16, c color.RGBA) {
	buf := d.usable()
	if buf == nil || x < 0 || int(x) >= d.fb.Width() || y < 0 || int(y) >= d.height {
		return
	}
	off := (d.top+int(y))*d.fb.StrideBytes() + int(x)*2
	if off+1 >= len(buf) {
		return
	}
	p := rgb565(c)
	buf[off] = byte(p)
	buf[off+1] = byte(p >> 8)
}

// Display presents the whole framebuffer.
func (d *FramebufferDisplay) Display() error {
	return d.fb.Present()
}

func (d *FramebufferDisplay) FillRectangle(x, y, width, height int16, c color.RGBA) error {
	buf := d.usable()
	if buf == nil {
		return nil
	}
	w := d.fb.Width()
	x0 := clampInt(int(x), 0, w)
	x1 := clampInt(int(x)+int(width), 0, w)
	y0 := clampInt(int(y), 0, d.height)
	y1 := clampInt(int(y)+int(height), 0, d.height)
	if x0 >= x1 || y0 >= y1 {
		return nil
	}

	p := rgb565(c)
	lo, hi := byte(p), byte(p>>8)
	stride := d.fb.StrideBytes()
	for py := y0; py < y1; py++ {
		row := (d.top + py) * stride
		for px := x0; px < x1; px++ {
			off := row + px*2
			if off+1 >= len(buf) {
				break
			}
			buf[off] = lo
			buf[off+1] = hi
		}
	}
	return nil
}

// ScrollUp moves the band content up by pixels rows and clears the exposed
// rows with bg. Rows outside the band are untouched.
func (d *FramebufferDisplay) ScrollUp(pixels int16, bg color.RGBA) error {
	buf := d.usable()
	if buf == nil || pixels <= 0 {
		return nil
	}
	w, _ := d.Size()
	n := int(pixels)
	if n >= d.height {
		return d.FillRectangle(0, 0, w, int16(d.height), bg)
	}

	stride := d.fb.StrideBytes()
	start := d.top * stride
	end := (d.top + d.height) * stride
	if end > len(buf) {
		end = len(buf)
	}
	if start+n*stride < end {
		copy(buf[start:end-n*stride], buf[start+n*stride:end])
	}
	return d.FillRectangle(0, int16(d.height-n), w, int16(n), bg)
}

func (d *FramebufferDisplay) SetScroll(int16) {}

func (d *FramebufferDisplay) SetRotation(drivers.Rotation) error { return nil }

func rgb565(c color.RGBA) uint16 {
	return uint16(c.R>>3)<<11 | uint16(c.G>>2)<<5 | uint16(c.B>>3)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
