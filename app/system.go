// Package app ties the emulated machine together into one session: it
// builds the clock, the kernel, the cores and their collaborators, loads a
// program and tears everything down again.
package app

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/afero"

	"hle/applets"
	"hle/cpu"
	"hle/filesys"
	"hle/hal"
	"hle/kernel"
	"hle/loader"
	"hle/service"
	"hle/telemetry"
	"hle/timing"
	"hle/video"
)

// Config holds the session settings chosen by the host.
type Config struct {
	// MultiCore runs cores 1..3 on their own goroutines.
	MultiCore bool
	// RNGSeed seeds process entropy. Nil selects the default seed.
	RNGSeed *uint32
	// Console mirrors the log on screen.
	Console bool
	// StatsEvery is the number of host frames between performance
	// snapshots. Zero means 60.
	StatsEvery int
	// FrameLimit caps emulation speed in percent of real time. Zero
	// runs unthrottled.
	FrameLimit uint16
}

// ProgramPrefix selects an installed program by id instead of a path,
// as in "program:0100000000001000".
const ProgramPrefix = "program:"

// compositionTicks is one refresh of the emulated display.
var compositionTicks = timing.NsToCycles(1_000_000_000 / 60)

type (
	RendererFactory func(s *System) video.Renderer
	GPUFactory      func(s *System, r video.Renderer) video.GPU
)

// System is one emulation session. It is driven from a single goroutine;
// only the performance snapshot may be read concurrently.
type System struct {
	hal hal.HAL
	cfg Config
	log *sessionLog

	timing    *timing.CoreTiming
	kernel    *kernel.KernelCore
	cpu       *cpu.Manager
	fs        afero.Fs
	content   *filesys.ContentProviderUnion
	gameFile  filesys.VirtualFile
	appLoader loader.AppLoader
	renderer  video.Renderer
	gpu       video.GPU
	applets   *applets.Manager
	services  *service.Manager
	telemetry *telemetry.Session
	perf      *telemetry.PerfStats
	limiter   *telemetry.FrameLimiter
	stats     telemetry.Snapshot
	buildID   [loader.BuildIDSize]byte

	newRenderer RendererFactory
	newGPU      GPUFactory
	newUnit     cpu.UnitFactory

	poweredOn bool
	status    ResultStatus
	details   string
}

// New returns a session in the NotInitialized state and installs its
// fatal error screen.
func New(h hal.HAL, cfg Config) *System {
	if cfg.StatsEvery <= 0 {
		cfg.StatsEvery = 60
	}
	clock := h.Clock()
	s := &System{
		hal:     h,
		cfg:     cfg,
		log:     &sessionLog{base: h.Logger()},
		perf:    telemetry.NewPerfStats(clock.Now),
		limiter: telemetry.NewFrameLimiter(cfg.FrameLimit, clock.Now, clock.Sleep),
	}
	s.applets = applets.NewManager(nil, s.log)
	s.newRenderer = defaultRenderer
	s.newGPU = defaultGPU
	installPanicHandler(h)
	return s
}

func defaultRenderer(s *System) video.Renderer {
	return video.NewFramebufferRenderer(s.hal.Display(), s.perf, video.RendererConfig{
		Console: s.cfg.Console,
		Stats:   &s.stats,
	}, s.log)
}

func defaultGPU(s *System, r video.Renderer) video.GPU {
	return video.NewGPU(r, s.perf, s.log)
}

// Init builds every session component. On failure the caller must call
// Shutdown before trying again.
func (s *System) Init() ResultStatus {
	s.timing = timing.New(s.log)
	s.kernel = kernel.New(s.timing, s.log, kernel.Options{RNGSeed: s.cfg.RNGSeed})
	s.kernel.Initialize()
	s.cpu = cpu.NewManager(s.kernel, s.timing, s.log, cpu.Config{
		MultiCore: s.cfg.MultiCore,
		NewUnit:   s.newUnit,
	})
	s.cpu.Initialize()

	s.ensureFilesystem()
	s.applets.SetKernel(s.kernel)
	s.applets.SetDefaultAppletsIfMissing()

	s.telemetry = telemetry.NewSession()
	s.telemetry.AddField(telemetry.FieldUserConfig, "Core_UseMultiCore", s.cfg.MultiCore)
	s.telemetry.AddField(telemetry.FieldUserConfig, "Core_SpeedLimit", s.cfg.FrameLimit)
	if s.cfg.RNGSeed != nil {
		s.telemetry.AddField(telemetry.FieldUserConfig, "System_RngSeed", *s.cfg.RNGSeed)
	}

	s.services = service.NewManager(s.log)
	if err := s.services.Install(); err != nil {
		s.SetStatus(ErrorUnknown, err.Error())
		return ErrorUnknown
	}

	s.renderer = s.newRenderer(s)
	if err := s.renderer.Init(); err != nil {
		hal.Logf(s.log, "core: renderer: %v", err)
		s.SetStatus(ErrorVideoCore, err.Error())
		return ErrorVideoCore
	}
	if fr, ok := s.renderer.(*video.FramebufferRenderer); ok {
		if c := fr.Console(); c != nil {
			s.log.console.Store(c)
		}
	}

	s.gpu = s.newGPU(s, s.renderer)
	gpu, ct := s.gpu, s.timing
	var seq uint64
	var composition *timing.EventType
	composition = ct.RegisterEvent("ScreenComposition", func(_ uint64, late int64) {
		seq++
		gpu.SubmitFrame(video.Frame{Seq: seq, EmulatedUs: ct.GlobalTimeUs()})
		ct.ScheduleEvent(compositionTicks-late, composition, 0)
	})
	ct.ScheduleEvent(compositionTicks, composition, 0)

	s.poweredOn = true
	s.GetAndResetPerfStats()
	s.perf.BeginSystemFrame()
	hal.Logf(s.log, "core: initialized")
	return Success
}

func (s *System) ensureFilesystem() {
	if s.fs == nil {
		s.fs = filesys.NewFilesystem()
	}
	if s.content == nil {
		s.content = filesys.NewContentProviderUnion()
	}
}

func (s *System) openGameFile(path string) (filesys.VirtualFile, error) {
	if hex, ok := strings.CutPrefix(path, ProgramPrefix); ok {
		id, err := strconv.ParseUint(hex, 16, 64)
		if err != nil {
			return nil, fmt.Errorf("bad program id %q: %w", hex, err)
		}
		return s.content.Entry(id, filesys.ContentProgram)
	}
	return filesys.OpenGameFile(s.fs, path)
}

// Load initializes the session and starts the program at path. Any
// failure shuts the session down again before returning.
func (s *System) Load(path string) ResultStatus {
	s.ensureFilesystem()
	f, err := s.openGameFile(path)
	if err != nil {
		hal.Logf(s.log, "core: opening %s: %v", path, err)
	}
	s.appLoader = loader.GetLoader(f, s.log)
	if s.appLoader == nil {
		if f != nil {
			f.Close()
		}
		hal.Logf(s.log, "core: no loader for %s", path)
		s.SetStatus(ErrorGetLoader, "no loader for "+path)
		return ErrorGetLoader
	}
	s.gameFile = f

	if st := s.Init(); st != Success {
		hal.Logf(s.log, "core: init failed: %v", st)
		s.Shutdown()
		return st
	}
	s.telemetry.AddInitialInfo(s.appLoader)

	p, ls, params := s.loadProcess()
	if ls != loader.Success {
		hal.Logf(s.log, "core: loading %s: %v", path, ls)
		s.Shutdown()
		st := LoaderError(ls)
		s.SetStatus(st, ls.String())
		return st
	}
	if id, ls := s.appLoader.ReadBuildID(); ls == loader.Success {
		s.SetCurrentProcessBuildID(id)
	}

	s.gpu.Start()
	if err := s.cpu.StartThreads(context.Background()); err != nil {
		hal.Logf(s.log, "core: %v", err)
		s.Shutdown()
		s.SetStatus(ErrorCPUCore, err.Error())
		return ErrorCPUCore
	}

	if err := s.runMainThread(p, params); err != nil {
		hal.Logf(s.log, "core: starting main thread: %v", err)
		s.Shutdown()
		s.SetStatus(ErrorKernel, err.Error())
		return ErrorKernel
	}

	s.status, s.details = Success, ""
	return Success
}

func (s *System) loadProcess() (*kernel.Process, loader.ResultStatus, loader.LoadParameters) {
	s.kernel.Lock()
	defer s.kernel.Unlock()

	p := kernel.CreateProcess(s.kernel, "main")
	ls, params := s.appLoader.Load(p)
	if ls == loader.Success {
		s.kernel.MakeCurrentProcess(p)
	}
	return p, ls, params
}

func (s *System) runMainThread(p *kernel.Process, params loader.LoadParameters) error {
	s.kernel.Lock()
	defer s.kernel.Unlock()
	return p.Run(params.MainThreadPriority, params.MainThreadStackSize)
}

// RunLoop runs the cores for one slice each, or one step each when tight
// is false.
func (s *System) RunLoop(tight bool) ResultStatus {
	if !s.poweredOn {
		return ErrorNotInitialized
	}
	s.status = Success
	if err := s.cpu.RunLoop(tight); err != nil {
		s.SetStatus(ErrorCPUCore, err.Error())
	}
	return s.status
}

func (s *System) SingleStep() ResultStatus { return s.RunLoop(false) }

// Shutdown tears the session down in reverse dependency order. It is safe
// after a partial Init or Load and on a second call.
func (s *System) Shutdown() {
	if s.telemetry != nil {
		r := s.GetAndResetPerfStats()
		s.telemetry.AddField(telemetry.FieldPerformance, "Shutdown_EmulationSpeed", r.EmulationSpeed*100)
		s.telemetry.AddField(telemetry.FieldPerformance, "Shutdown_Framerate", r.GameFPS)
		s.telemetry.AddField(telemetry.FieldPerformance, "Shutdown_Frametime", r.FrameTime*1000)
	}
	s.poweredOn = false

	s.log.console.Store(nil)
	if s.renderer != nil {
		s.renderer.ShutDown()
		s.renderer = nil
	}
	if s.services != nil {
		s.services.Shutdown()
		s.services = nil
	}
	if s.telemetry != nil {
		s.telemetry.Close(s.log)
		s.telemetry = nil
	}
	if s.gpu != nil {
		s.gpu.Stop()
		s.gpu = nil
	}
	if s.cpu != nil {
		s.cpu.Shutdown()
		s.cpu = nil
	}
	if s.kernel != nil {
		s.kernel.Lock()
		s.kernel.Shutdown()
		s.kernel.Unlock()
		s.kernel = nil
	}
	if s.timing != nil {
		s.timing.Shutdown()
		s.timing = nil
	}
	s.appLoader = nil
	s.buildID = [loader.BuildIDSize]byte{}
	if s.gameFile != nil {
		s.gameFile.Close()
		s.gameFile = nil
	}
	s.applets.ClearAll()
}

func (s *System) IsPoweredOn() bool { return s.poweredOn }

func (s *System) Status() ResultStatus  { return s.status }
func (s *System) StatusDetails() string { return s.details }

// SetStatus records st. An empty details string keeps the previous one.
func (s *System) SetStatus(st ResultStatus, details string) {
	s.status = st
	if details != "" {
		s.details = details
	}
}

// PrepareReschedule asks core to leave its current slice. A negative core
// selects every core.
func (s *System) PrepareReschedule(core int) {
	if s.cpu == nil || core >= kernel.NumCPUCores {
		return
	}
	if core >= 0 {
		s.cpu.Core(core).PrepareReschedule()
		return
	}
	for i := 0; i < kernel.NumCPUCores; i++ {
		s.cpu.Core(i).PrepareReschedule()
	}
}

func (s *System) InvalidateCPUInstructionCaches() {
	if s.cpu != nil {
		s.cpu.InvalidateAllInstructionCaches()
	}
}

// GetGameName returns the title of the loaded program.
func (s *System) GetGameName() (string, loader.ResultStatus) {
	if s.appLoader == nil {
		return "", loader.ErrorNotInitialized
	}
	return s.appLoader.ReadTitle()
}

// FrameLimit holds the calling goroutine back while emulated time runs
// ahead of the configured speed.
func (s *System) FrameLimit() {
	if s.timing == nil || !s.limiter.Enabled() {
		return
	}
	s.limiter.DoFrameLimiting(uint64(s.timing.GlobalTimeUs()))
}

// SetCurrentProcessBuildID records the build id of the running program.
func (s *System) SetCurrentProcessBuildID(id [loader.BuildIDSize]byte) { s.buildID = id }

func (s *System) CurrentProcessBuildID() [loader.BuildIDSize]byte { return s.buildID }

// GetAndResetPerfStats ends the current measurement interval.
func (s *System) GetAndResetPerfStats() telemetry.Results {
	var now uint64
	if s.timing != nil {
		now = uint64(s.timing.GlobalTimeUs())
	}
	return s.perf.GetAndResetStats(now)
}

// PublishPerfStats ends the current interval and makes its results
// visible through Stats.
func (s *System) PublishPerfStats() telemetry.Results {
	r := s.GetAndResetPerfStats()
	s.stats.Publish(r)
	return r
}

func (s *System) SetFilesystem(fs afero.Fs)                          { s.fs = fs }
func (s *System) SetContentProvider(u *filesys.ContentProviderUnion) { s.content = u }
func (s *System) SetAppletFrontendSet(set applets.FrontendSet)       { s.applets.SetFrontendSet(set) }
func (s *System) SetRendererFactory(f RendererFactory)               { s.newRenderer = f }
func (s *System) SetGPUFactory(f GPUFactory)                         { s.newGPU = f }
func (s *System) SetExecutionUnitFactory(f cpu.UnitFactory)          { s.newUnit = f }

func (s *System) Config() Config                                 { return s.cfg }
func (s *System) Logger() hal.Logger                             { return s.log }
func (s *System) Kernel() *kernel.KernelCore                     { return s.kernel }
func (s *System) CPU() *cpu.Manager                              { return s.cpu }
func (s *System) Timing() *timing.CoreTiming                     { return s.timing }
func (s *System) Filesystem() afero.Fs                           { return s.fs }
func (s *System) ContentProvider() *filesys.ContentProviderUnion { return s.content }
func (s *System) AppletManager() *applets.Manager                { return s.applets }
func (s *System) ServiceManager() *service.Manager               { return s.services }
func (s *System) Telemetry() *telemetry.Session                  { return s.telemetry }
func (s *System) PerfStats() *telemetry.PerfStats                { return s.perf }
func (s *System) FrameLimiter() *telemetry.FrameLimiter          { return s.limiter }
func (s *System) Stats() *telemetry.Snapshot                     { return &s.stats }
func (s *System) Renderer() video.Renderer                       { return s.renderer }
func (s *System) GPU() video.GPU                                 { return s.gpu }

// CurrentProcess returns the running program's process, or nil.
func (s *System) CurrentProcess() *kernel.Process {
	if s.kernel == nil {
		return nil
	}
	return s.kernel.CurrentProcess()
}
