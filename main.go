package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"time"

	"golang.org/x/term"

	"hle/app"
	"hle/hal"
)

func main() {
	var hcfg hal.HeadlessConfig
	var cfg app.Config
	var seed int64
	flag.BoolVar(&hcfg.Enabled, "headless", false, "Run without a window.")
	flag.IntVar(&hcfg.Hz, "hz", 60, "Host frame rate in headless mode.")
	flag.Uint64Var(&hcfg.Ticks, "ticks", 0, "Stop after N host frames in headless mode (0 = run forever).")
	flag.BoolVar(&cfg.MultiCore, "multicore", false, "Run each emulated core on its own goroutine.")
	flag.Int64Var(&seed, "seed", -1, "Process entropy seed (-1 = default).")
	flag.BoolVar(&cfg.Console, "console", false, "Show the log on screen.")
	speed := flag.Uint("speed-limit", 100, "Cap emulation speed at this percent of real time (0 = unlimited).")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] <image | program:<id>>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	path := flag.Arg(0)
	if seed >= 0 {
		s := uint32(seed)
		cfg.RNGSeed = &s
	}
	if hcfg.Hz > 0 {
		cfg.StatsEvery = hcfg.Hz
	}
	if *speed > 0xFFFF {
		fmt.Fprintf(os.Stderr, "speed limit %d%% out of range\n", *speed)
		os.Exit(2)
	}
	cfg.FrameLimit = uint16(*speed)

	var current atomic.Pointer[app.Session]
	newApp := func(h hal.HAL) (hal.App, error) {
		s, err := app.NewSession(h, cfg, path)
		if err != nil {
			return nil, err
		}
		current.Store(s)
		return s, nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if term.IsTerminal(int(os.Stderr.Fd())) {
		go statusLine(ctx, &current)
	}

	var err error
	if hcfg.Enabled {
		err = hal.RunHeadless(ctx, newApp, hcfg)
	} else {
		err = hal.RunWindow("hle", newApp)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// statusLine keeps the latest performance numbers on the last terminal
// line until ctx ends.
func statusLine(ctx context.Context, current *atomic.Pointer[app.Session]) {
	t := time.NewTicker(500 * time.Millisecond)
	defer t.Stop()
	var last uint32
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(os.Stderr)
			return
		case <-t.C:
		}
		s := current.Load()
		if s == nil {
			continue
		}
		seq, r := s.System().Stats().Load()
		if seq == 0 || seq == last {
			continue
		}
		last = seq
		fmt.Fprintf(os.Stderr, "\rspeed %5.1f%%  game %5.1f fps  host %5.1f fps  frame %6.2f ms ",
			r.EmulationSpeed*100, r.GameFPS, r.SystemFPS, r.FrameTime*1000)
	}
}
