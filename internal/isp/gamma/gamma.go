// Package gamma is the gamma/contrast auto-level state machine. On each
// histogram interrupt it decodes the statistics, asks the backend for a new
// gain and offset, and writes them to the gamma stages, reporting each step
// to the flow monitor.
package gamma

import (
	"fmt"

	"github.com/banshee-data/isp-autolevel/internal/isp/actuate"
	"github.com/banshee-data/isp-autolevel/internal/isp/flow"
	"github.com/banshee-data/isp-autolevel/internal/isp/fsm"
	"github.com/banshee-data/isp-autolevel/internal/isp/gammaalg"
	"github.com/banshee-data/isp-autolevel/internal/isp/histogram"
	"github.com/banshee-data/isp-autolevel/internal/isp/irq"
	"github.com/banshee-data/isp-autolevel/internal/monitoring"
	"github.com/banshee-data/isp-autolevel/internal/regbus"
)

// Name identifies this machine in logs and flow reports.
const Name = "gamma"

// OwnedInterrupt is the interrupt class that drives the loop.
const OwnedInterrupt = irq.AntifogHist

var logger = monitoring.Component(Name)

// State is the lifecycle state.
type State int

const (
	Uninitialized State = iota
	Ready
)

func (s State) String() string {
	if s == Ready {
		return "ready"
	}
	return "uninitialized"
}

// Phase is the position within one interrupt cycle.
type Phase int

const (
	Idle Phase = iota
	StatsPending
	Computing
)

func (p Phase) String() string {
	switch p {
	case StatsPending:
		return "stats_pending"
	case Computing:
		return "computing"
	default:
		return "idle"
	}
}

// Context is the shared calibration and stabilisation state the machine
// reads. It is never written from here.
type Context interface {
	// ManualAutoLevel reports that the user owns the gamma registers.
	ManualAutoLevel() bool
	AutoLevelControl() []uint32
	CustomCalibration() []uint32
}

// Config is the hardware variant and backend selection.
type Config struct {
	ContextID uint32
	StatsBase uint32
	Layout    histogram.Layout
	Stages    []actuate.Stage
	Backend   gammaalg.ResolveOptions
}

// DefaultConfig is the full-resolution-only, narrow-layout variant with the
// built-in backend.
func DefaultConfig() Config {
	return Config{
		StatsBase: 0x18000,
		Layout:    histogram.Narrow,
		Stages:    []actuate.Stage{{Name: "fr", Base: actuate.FullResBase}},
	}
}

// Deps are the collaborators the machine talks to.
type Deps struct {
	Bus     regbus.Bus
	IRQ     irq.Controller
	Events  fsm.Raiser
	Frames  flow.FrameSource
	Flow    flow.Reporter
	Context Context
}

// FSM is one gamma control loop. All methods run on the manager's goroutine;
// ProcessInterrupt in interrupt context, the rest on the main loop.
type FSM struct {
	cfg  Config
	deps Deps

	state State
	phase Phase
	mask  irq.Mask

	hist      histogram.Buffer
	tracker   *flow.Tracker
	actuation actuate.State
	backend   *gammaalg.Handle
	writer    *actuate.Writer
}

// New builds a machine in the Uninitialized state.
func New(cfg Config, deps Deps) *FSM {
	return &FSM{
		cfg:     cfg,
		deps:    deps,
		tracker: flow.NewTracker(Name, deps.Frames, deps.Flow),
		writer:  actuate.NewWriter(deps.Bus, cfg.Stages...),
	}
}

func (f *FSM) Name() string { return Name }

func (f *FSM) State() State { return f.state }

func (f *FSM) Phase() Phase { return f.phase }

// Clear resets the cycle state: no pending tracking id, unity gain, zero
// offset and an empty histogram.
func (f *FSM) Clear() {
	f.tracker.Reset()
	f.actuation = actuate.DefaultState
	f.hist = histogram.Buffer{}
	f.phase = Idle
}

// Init clears the machine, binds and initialises the backend, then arms the
// histogram interrupt.
func (f *FSM) Init() {
	if f.state == Ready {
		if err := f.Deinit(); err != nil {
			logger.Errorf("reinit: %v", err)
		}
	}
	logger.Infof("initialize gamma contrast FSM")
	f.Clear()
	f.backend = gammaalg.Resolve(f.cfg.Backend)
	f.backend.Init(f.cfg.ContextID)
	f.state = Ready
	f.requestInterrupt()
}

// Deinit releases the backend. No interrupt may be in flight.
func (f *FSM) Deinit() error {
	if f.state == Uninitialized {
		return nil
	}
	g := irq.Acquire(f.deps.IRQ)
	f.mask = irq.Mask{}
	g.Release()

	var err error
	if f.backend != nil {
		err = f.backend.Deinit()
		f.backend = nil
	}
	f.state = Uninitialized
	f.phase = Idle
	return err
}

func (f *FSM) requestInterrupt() {
	f.mask.Request(f.deps.IRQ, OwnedInterrupt.Bit())
}

// ProcessInterrupt reads the histogram for an armed OwnedInterrupt and
// raises the stats-ready event. Under manual auto-level the interrupt is
// ignored and stays armed.
func (f *FSM) ProcessInterrupt(class irq.Class) {
	if f.state != Ready || class != OwnedInterrupt || !f.mask.Armed(class) {
		return
	}
	if f.deps.Context.ManualAutoLevel() {
		return
	}

	g := irq.Acquire(f.deps.IRQ)
	defer g.Release()

	f.mask.Accept(class)
	f.phase = StatsPending

	c := f.tracker.Stamp()
	buf, err := histogram.Read(f.deps.Bus, f.cfg.StatsBase, f.cfg.Layout)
	if err != nil {
		logger.Errorf("histogram dropped: %v", err)
		f.phase = Idle
		f.mask.IRQ |= class.Bit()
		return
	}
	if !f.deps.Events.Raise(fsm.EventGammaStatsReady) {
		logger.Errorf("stats-ready event dropped, histogram for frame %d discarded", c.TrackingID)
		f.phase = Idle
		f.mask.IRQ |= class.Bit()
		return
	}
	f.hist = buf
	f.tracker.Commit(c)
	f.report(flow.InputReady)
}

// EventDropped re-arms the histogram interrupt when a queued stats-ready
// event is discarded before ProcessEvent sees it.
func (f *FSM) EventDropped(ev fsm.EventID) {
	if ev != fsm.EventGammaStatsReady || f.state != Ready {
		return
	}
	logger.Errorf("stats-ready event discarded, re-arming %s", OwnedInterrupt)
	f.phase = Idle
	f.requestInterrupt()
}

// ProcessEvent runs compute and actuation for a stats-ready event.
func (f *FSM) ProcessEvent(ev fsm.EventID) bool {
	if ev != fsm.EventGammaStatsReady || f.state != Ready {
		return false
	}
	f.phase = Computing
	f.processStats()
	f.report(flow.OutputReady)
	f.update()
	f.requestInterrupt()
	f.phase = Idle
	return true
}

// processStats runs the backend. On any failure the previous gain and
// offset stay in place.
func (f *FSM) processStats() {
	bins := f.hist.Bins
	stats := gammaalg.Stats{Hist: bins[:], Sum: f.hist.Sum}
	in := gammaalg.Input{
		AutoLevelControl: f.deps.Context.AutoLevelControl(),
		Custom:           f.deps.Context.CustomCalibration(),
	}
	var out gammaalg.Output
	if err := f.backend.Process(&stats, &in, &out); err != nil {
		logger.Errorf("can't process stats, holding gain %d offset %d: %v", f.actuation.Gain, f.actuation.Offset, err)
		return
	}
	f.actuation = actuate.State{Gain: out.Gain, Offset: out.Offset}
}

// update writes the current actuation unless the user owns the registers and
// reports APPLIED either way.
func (f *FSM) update() {
	written, err := f.writer.Commit(f.actuation, f.deps.Context.ManualAutoLevel())
	if err != nil {
		logger.Errorf("actuation failed: %v", err)
		return
	}
	if !written {
		logger.Debugf("manual auto level, gamma registers left alone")
	}
	f.report(flow.Applied)
}

func (f *FSM) report(state flow.State) {
	if f.tracker.Report(state) {
		logger.Debugf("flow: %s: frame_id_tracking: %d, cur frame_id: %d",
			state, f.tracker.Pending().TrackingID, f.deps.Frames.CurrentFrameID())
	}
}

// Snapshot is a copy of the machine's observable state.
type Snapshot struct {
	State            string          `json:"state"`
	Phase            string          `json:"phase"`
	Histogram        []uint32        `json:"histogram"`
	Sum              uint32          `json:"sum"`
	TrackingID       uint32          `json:"tracking_id"`
	Actuation        actuate.State   `json:"actuation"`
	Backend          string          `json:"backend"`
	BackendAvailable bool            `json:"backend_available"`
	Stages           []actuate.Stage `json:"stages"`
	InterruptArmed   bool            `json:"interrupt_armed"`
}

func (f *FSM) Snapshot() Snapshot {
	s := Snapshot{
		State:          f.state.String(),
		Phase:          f.phase.String(),
		Histogram:      append([]uint32(nil), f.hist.Bins[:]...),
		Sum:            f.hist.Sum,
		TrackingID:     f.tracker.Pending().TrackingID,
		Actuation:      f.actuation,
		Stages:         f.writer.Stages(),
		InterruptArmed: f.mask.Armed(OwnedInterrupt),
	}
	if f.backend != nil {
		s.Backend = f.backend.Source()
		s.BackendAvailable = f.backend.Available()
	}
	return s
}

func (f *FSM) String() string {
	return fmt.Sprintf("gamma[%s/%s gain=%d offset=%d]", f.state, f.phase, f.actuation.Gain, f.actuation.Offset)
}
