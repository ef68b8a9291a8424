//go:build cgo

package hal

import (
	"image"

	"hle/internal/buildinfo"

	"github.com/hajimehoshi/ebiten/v2"
	"github.com/hajimehoshi/ebiten/v2/inpututil"
)

// RunWindow opens a desktop window that shows the emulated framebuffer and
// steps the session once per host frame. It blocks until the window closes.
//
// Keys: Escape quits, P pauses, N single-steps a paused session that
// implements SingleStepper.
func RunWindow(title string, newApp func(HAL) (App, error)) error {
	h := New().(*hostHAL)
	a, err := newApp(h)
	if err != nil {
		return err
	}
	defer a.Close()

	g := &hostGame{h: h, app: a}
	ebiten.SetWindowTitle(title + " (" + buildinfo.Short() + ")")
	ebiten.SetWindowSize(h.fb.width, h.fb.height)
	ebiten.SetWindowResizingMode(ebiten.WindowResizingModeEnabled)
	ebiten.SetTPS(60)
	return ebiten.RunGame(g)
}

type hostGame struct {
	h       *hostHAL
	app     App
	img     *image.RGBA
	fbImg   *ebiten.Image
	scratch []byte
	lastSeq uint64
	paused  bool
}

func (g *hostGame) Update() error {
	switch {
	case inpututil.IsKeyJustPressed(ebiten.KeyEscape):
		return ebiten.Termination
	case inpututil.IsKeyJustPressed(ebiten.KeyP):
		g.paused = !g.paused
		Logf(g.h.logger, "host: paused=%v", g.paused)
	}

	if g.paused {
		if s, ok := g.app.(SingleStepper); ok && inpututil.IsKeyJustPressed(ebiten.KeyN) {
			return s.SingleStep()
		}
		return nil
	}
	return g.app.Step()
}

func (g *hostGame) Draw(screen *ebiten.Image) {
	fb := g.h.fb
	if g.img == nil || g.img.Bounds().Dx() != fb.width || g.img.Bounds().Dy() != fb.height {
		g.img = image.NewRGBA(image.Rect(0, 0, fb.width, fb.height))
		g.scratch = make([]byte, len(fb.buf))
		if g.fbImg != nil {
			g.fbImg.Deallocate()
		}
		g.fbImg = ebiten.NewImage(fb.width, fb.height)
		g.lastSeq = ^uint64(0)
	}

	if seq := fb.snapshotRGB565(g.scratch); seq != g.lastSeq {
		g.lastSeq = seq
		src := g.scratch
		dst := g.img.Pix
		for i := 0; i+1 < len(src) && i/2*4+3 < len(dst); i += 2 {
			r, gg, b := rgb888From565(uint16(src[i]) | uint16(src[i+1])<<8)
			j := (i / 2) * 4
			dst[j+0] = r
			dst[j+1] = gg
			dst[j+2] = b
			dst[j+3] = 0xFF
		}
		g.fbImg.WritePixels(g.img.Pix)
	}
	screen.DrawImage(g.fbImg, nil)
}

func (g *hostGame) Layout(outsideWidth, outsideHeight int) (int, int) {
	return g.h.fb.width, g.h.fb.height
}
