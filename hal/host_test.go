package hal

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"
)

func TestLoggerWritesLines(t *testing.T) {
	var buf bytes.Buffer
	h := NewWithWriter(&buf, 0, 0)
	Logf(h.Logger(), "core: %d cores", 4)
	h.Logger().WriteLineBytes([]byte("raw"))
	Logf(nil, "dropped")

	if got, want := buf.String(), "core: 4 cores\nraw\n"; got != want {
		t.Fatalf("log = %q, want %q", got, want)
	}
	if h.Display() != nil {
		t.Fatalf("Display() != nil for a zero-sized HAL")
	}
}

func TestTeeLogger(t *testing.T) {
	var a, b bytes.Buffer
	tee := TeeLogger{NewWithWriter(&a, 0, 0).Logger(), nil, NewWithWriter(&b, 0, 0).Logger()}
	tee.WriteLineString("x")
	tee.WriteLineBytes([]byte("y"))
	if a.String() != "x\ny\n" || b.String() != "x\ny\n" {
		t.Fatalf("tee outputs = %q, %q", a.String(), b.String())
	}
}

func TestFramebufferClearAndSnapshot(t *testing.T) {
	fb := newHostFramebuffer(4, 2)
	if fb.StrideBytes() != 8 || len(fb.Buffer()) != 16 {
		t.Fatalf("stride %d len %d, want 8 16", fb.StrideBytes(), len(fb.Buffer()))
	}
	fb.ClearRGB(0xFF, 0, 0)
	if err := fb.Present(); err != nil {
		t.Fatalf("Present() = %v", err)
	}

	dst := make([]byte, 16)
	if seq := fb.snapshotRGB565(dst); seq != 1 {
		t.Fatalf("snapshot seq = %d, want 1", seq)
	}
	if p := uint16(dst[0]) | uint16(dst[1])<<8; p != 0xF800 {
		t.Fatalf("pixel = %#x, want 0xf800", p)
	}
	if r, g, b := rgb888From565(0xF800); r != 0xFF || g != 0 || b != 0 {
		t.Fatalf("rgb888From565 = %d,%d,%d", r, g, b)
	}
}

type countingApp struct {
	steps  int
	fail   int
	closed int
}

func (a *countingApp) Step() error {
	a.steps++
	if a.fail > 0 && a.steps == a.fail {
		return errors.New("core fault")
	}
	return nil
}

func (a *countingApp) Close() { a.closed++ }

func TestRunHeadlessStopsAfterTicks(t *testing.T) {
	app := &countingApp{}
	h := newHost(&bytes.Buffer{}, 8, 8)
	cfg := HeadlessConfig{Hz: 1000, Ticks: 3, StepBudget: 2}
	err := runHeadless(context.Background(), h, func(HAL) (App, error) { return app, nil }, cfg)
	if err != nil {
		t.Fatalf("runHeadless() = %v", err)
	}
	if app.steps != 6 || app.closed != 1 {
		t.Fatalf("steps %d closed %d, want 6 1", app.steps, app.closed)
	}
}

func TestRunHeadlessReturnsStepError(t *testing.T) {
	app := &countingApp{fail: 2}
	h := newHost(&bytes.Buffer{}, 8, 8)
	err := runHeadless(context.Background(), h, func(HAL) (App, error) { return app, nil }, HeadlessConfig{Hz: 1000})
	if err == nil || app.closed != 1 {
		t.Fatalf("runHeadless() = %v closed %d, want error and close", err, app.closed)
	}
}

func TestRunHeadlessCanceled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	app := &countingApp{}
	h := newHost(&bytes.Buffer{}, 8, 8)
	err := runHeadless(ctx, h, func(HAL) (App, error) { return app, nil }, HeadlessConfig{Hz: 100})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("runHeadless() = %v, want deadline exceeded", err)
	}

	want := errors.New("no image")
	err = runHeadless(context.Background(), h, func(HAL) (App, error) { return nil, want }, HeadlessConfig{})
	if !errors.Is(err, want) {
		t.Fatalf("runHeadless() = %v, want %v", err, want)
	}
}

func TestHostClockSleep(t *testing.T) {
	c := newHost(&bytes.Buffer{}, 0, 0).Clock()

	for _, d := range []time.Duration{0, -time.Second, 200 * time.Microsecond, 2 * time.Millisecond} {
		start := c.Now()
		c.Sleep(d)
		if got := c.Now().Sub(start); got < d {
			t.Fatalf("Sleep(%v) returned after %v", d, got)
		}
	}
}
