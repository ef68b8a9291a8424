package telemetry

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"hle/kernel"
	"hle/loader"
)

type lineLog struct {
	mu    sync.Mutex
	lines []string
}

func (l *lineLog) WriteLineString(s string) {
	l.mu.Lock()
	l.lines = append(l.lines, s)
	l.mu.Unlock()
}

func (l *lineLog) WriteLineBytes(b []byte) { l.WriteLineString(string(b)) }

type fakeLoader struct {
	title   string
	id      uint64
	buildID [loader.BuildIDSize]byte
}

func (f fakeLoader) FileType() loader.FileType { return loader.FileTypeHLEX }

func (f fakeLoader) Load(*kernel.Process) (loader.ResultStatus, loader.LoadParameters) {
	return loader.Success, loader.LoadParameters{}
}

func (f fakeLoader) ReadTitle() (string, loader.ResultStatus) {
	if f.title == "" {
		return "", loader.ErrorNoTitle
	}
	return f.title, loader.Success
}

func (f fakeLoader) ReadProgramID() (uint64, loader.ResultStatus) {
	return f.id, loader.Success
}

func (f fakeLoader) ReadBuildID() ([loader.BuildIDSize]byte, loader.ResultStatus) {
	if f.buildID == ([loader.BuildIDSize]byte{}) {
		return f.buildID, loader.ErrorNotImplemented
	}
	return f.buildID, loader.Success
}

func TestSessionFields(t *testing.T) {
	s := NewSession()
	s.AddInitialInfo(fakeLoader{title: "demo", id: 0x0100000000001000, buildID: [loader.BuildIDSize]byte{0xAB, 0x01}})
	s.AddField(FieldPerformance, "Shutdown_Framerate", 59.9)
	s.AddField(FieldPerformance, "Shutdown_Framerate", 60.0)

	f, ok := s.Field(FieldSession, "ProgramId")
	if !ok || f.Value != "0100000000001000" {
		t.Fatalf("ProgramId = %v, %v", f.Value, ok)
	}
	if f, _ := s.Field(FieldSession, "Title"); f.Value != "demo" {
		t.Fatalf("Title = %v, want demo", f.Value)
	}
	if f, _ := s.Field(FieldSession, "BuildId"); !strings.HasPrefix(fmt.Sprint(f.Value), "ab01") {
		t.Fatalf("BuildId = %v, want ab01...", f.Value)
	}
	if f, _ := s.Field(FieldPerformance, "Shutdown_Framerate"); f.Value != 60.0 {
		t.Fatalf("replaced field = %v, want 60", f.Value)
	}

	fields := s.Fields()
	for i := 1; i < len(fields); i++ {
		a, b := fields[i-1], fields[i]
		if a.Type > b.Type || (a.Type == b.Type && a.Name > b.Name) {
			t.Fatalf("Fields() not sorted at %d: %v then %v", i, a, b)
		}
	}
}

func TestSessionSkipsMissingTitle(t *testing.T) {
	s := NewSession()
	s.AddInitialInfo(fakeLoader{id: 1})
	if _, ok := s.Field(FieldSession, "Title"); ok {
		t.Fatalf("Title recorded for loader without one")
	}
	if _, ok := s.Field(FieldSession, "BuildId"); ok {
		t.Fatalf("BuildId recorded for loader without one")
	}
	s.AddInitialInfo(nil)
}

func TestSessionCloseLogsOnce(t *testing.T) {
	s := NewSession()
	s.AddField(FieldUserConfig, "Core_UseMultiCore", true)

	var log lineLog
	s.Close(&log)
	n := len(log.lines)
	if n == 0 {
		t.Fatalf("Close() logged nothing")
	}
	found := false
	for _, l := range log.lines {
		if strings.Contains(l, "UserConfig_Core_UseMultiCore=true") {
			found = true
		}
	}
	if !found {
		t.Fatalf("Close() lines = %q, missing config field", log.lines)
	}
	s.Close(&log)
	if len(log.lines) != n {
		t.Fatalf("second Close() logged %d more lines", len(log.lines)-n)
	}
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestPerfStats(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1000, 0)}
	p := NewPerfStats(clk.now)

	for i := 0; i < 4; i++ {
		p.BeginSystemFrame()
		clk.advance(10 * time.Millisecond)
		p.EndSystemFrame()
		if i%2 == 0 {
			p.EndGameFrame()
		}
		clk.advance(240 * time.Millisecond)
	}

	// One wall second elapsed while the guest clock moved half a second.
	r := p.GetAndResetStats(500_000)
	if !near(r.SystemFPS, 4) {
		t.Fatalf("SystemFPS = %v, want 4", r.SystemFPS)
	}
	if !near(r.GameFPS, 2) {
		t.Fatalf("GameFPS = %v, want 2", r.GameFPS)
	}
	if !near(r.FrameTime, 0.01) {
		t.Fatalf("FrameTime = %v, want 0.01", r.FrameTime)
	}
	if !near(r.EmulationSpeed, 0.5) {
		t.Fatalf("EmulationSpeed = %v, want 0.5", r.EmulationSpeed)
	}

	clk.advance(2 * time.Second)
	r = p.GetAndResetStats(2_500_000)
	if r.SystemFPS != 0 || r.FrameTime != 0 {
		t.Fatalf("after reset = %+v, want no frames", r)
	}
	if !near(r.EmulationSpeed, 1) {
		t.Fatalf("EmulationSpeed = %v, want 1", r.EmulationSpeed)
	}
}

func TestPerfStatsUnmatchedEnd(t *testing.T) {
	clk := &fakeClock{t: time.Unix(0, 0)}
	p := NewPerfStats(clk.now)
	p.EndSystemFrame()
	clk.advance(time.Second)
	if r := p.GetAndResetStats(0); r.SystemFPS != 0 {
		t.Fatalf("SystemFPS = %v, want 0", r.SystemFPS)
	}
}

func TestSnapshot(t *testing.T) {
	var s Snapshot
	if seq, r := s.Load(); seq != 0 || r != (Results{}) {
		t.Fatalf("Load() on empty = %d, %+v", seq, r)
	}
	s.Publish(Results{GameFPS: 30})
	seq := s.Publish(Results{GameFPS: 60})
	got, r := s.Load()
	if got != seq || seq != 2 {
		t.Fatalf("Load() seq = %d, want %d", got, seq)
	}
	if r.GameFPS != 60 {
		t.Fatalf("Load() = %+v, want GameFPS 60", r)
	}
}

func TestFrameLimiter(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1000, 0)}
	var slept []time.Duration
	sleep := func(d time.Duration) {
		slept = append(slept, d)
		clk.advance(d)
	}

	steps := []struct {
		name      string
		limit     uint16
		emulated  uint64 // us since the previous step
		wall      time.Duration
		wantSleep time.Duration
	}{
		{"ahead", 100, 16_000, 6 * time.Millisecond, 10 * time.Millisecond},
		{"far ahead is clamped", 100, 100_000, 0, 25 * time.Millisecond},
		{"behind", 100, 5_000, 20 * time.Millisecond, 0},
		{"catches up the debt first", 100, 20_000, 0, 5 * time.Millisecond},
		{"double speed", 200, 20_000, 4 * time.Millisecond, 6 * time.Millisecond},
	}
	var l *FrameLimiter
	var nowUs uint64
	for i, s := range steps {
		if i == 0 || s.limit != l.Limit() {
			l = NewFrameLimiter(s.limit, clk.now, sleep)
			nowUs = 0
		}
		slept = nil
		nowUs += s.emulated
		clk.advance(s.wall)
		l.DoFrameLimiting(nowUs)

		var got time.Duration
		for _, d := range slept {
			got += d
		}
		if got != s.wantSleep {
			t.Fatalf("%s: slept %v, want %v", s.name, got, s.wantSleep)
		}
	}
}

func TestFrameLimiterDisabled(t *testing.T) {
	clk := &fakeClock{t: time.Unix(0, 0)}
	l := NewFrameLimiter(0, clk.now, func(time.Duration) { t.Fatalf("disabled limiter slept") })
	if l.Enabled() {
		t.Fatalf("Enabled() = true for a zero limit")
	}
	l.DoFrameLimiting(1_000_000)
}
