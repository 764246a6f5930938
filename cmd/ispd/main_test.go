package main

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/isp-autolevel/internal/config"
	"github.com/banshee-data/isp-autolevel/internal/db"
	"github.com/banshee-data/isp-autolevel/internal/isp/actuate"
	"github.com/banshee-data/isp-autolevel/internal/isp/flow"
	"github.com/banshee-data/isp-autolevel/internal/isp/fsm"
	"github.com/banshee-data/isp-autolevel/internal/isp/gamma"
	"github.com/banshee-data/isp-autolevel/internal/isp/histogram"
	"github.com/banshee-data/isp-autolevel/internal/isp/irq"
	"github.com/banshee-data/isp-autolevel/internal/monitoring"
	"github.com/banshee-data/isp-autolevel/internal/regbus"
	"github.com/banshee-data/isp-autolevel/internal/testutil"
	"github.com/banshee-data/isp-autolevel/internal/timeutil"
)

func quiet(t *testing.T) {
	t.Helper()
	prev := monitoring.Logf
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.SetLogger(prev) })
}

func TestFlagDefaults(t *testing.T) {
	assert.Equal(t, "", *configFile)
	assert.Equal(t, "", *listen)
	assert.False(t, *devMode)
	assert.Equal(t, "", *dbPath)
	assert.False(t, *showVersion)
}

func TestOpenBus_DefaultsToMemory(t *testing.T) {
	b, err := openBus(&config.Config{})
	require.NoError(t, err)
	assert.NotNil(t, b.mem)
	assert.Nil(t, b.interrupts)
	assert.Nil(t, b.closer)
}

func TestSimulatedLoop(t *testing.T) {
	quiet(t)
	cfg := config.MustLoadDefaultConfig()
	mem := regbus.NewMemory()
	rec := &testutil.FlowRecorder{}
	a := newApp(cfg, mem, rec)

	sim := newSimulator(mem, cfg.GetStatsBase(), cfg.GetLayout(), cfg.GetStatsEvery(), 7, a.mgr.Deliver)
	for i := 0; i < 10; i++ {
		sim.step()
		a.mgr.ProcessEvents(0)
	}

	assert.Equal(t, uint32(10), a.fwctx.CurrentFrameID())
	st, ok := a.mon.Status(gamma.Name)
	require.True(t, ok)
	assert.Equal(t, uint32(5), st.Frames, "statistics every other frame")
	assert.Zero(t, st.OrderingErrors)

	snap := a.gamma.Snapshot()
	assert.Greater(t, snap.Actuation.Gain, uint32(actuate.DefaultState.Gain))
	assert.Equal(t, snap.Actuation.Gain, mem.Peek(actuate.FullResBase+actuate.GainG))
	assert.Equal(t, snap.Actuation.Gain, mem.Peek(actuate.DownscaledBase+actuate.GainG))

	states := rec.States()
	require.Len(t, states, 15)
	assert.Equal(t, []flow.State{flow.InputReady, flow.OutputReady, flow.Applied}, states[:3])
}

func TestSimulatedLoop_UserStatsKeepMonitorClean(t *testing.T) {
	quiet(t)
	cfg := config.MustLoadDefaultConfig()
	mem := regbus.NewMemory()
	a := newApp(cfg, mem)

	sim := newSimulator(mem, cfg.GetStatsBase(), cfg.GetLayout(), cfg.GetStatsEvery(), 7, a.mgr.Deliver)
	for i := 0; i < 2; i++ {
		sim.step()
		a.mgr.ProcessEvents(0)
	}

	var buf histogram.Buffer
	copy(buf.Bins[:], testutil.Band(8, 23, 100))
	buf.Sum = 1600
	require.NoError(t, a.mgr.SetParam(fsm.ParamSetGammaStats, gamma.EncodeStats(buf)))
	assert.Equal(t, 1, a.mgr.ProcessEvents(0))

	st, _ := a.mon.Status(gamma.Name)
	assert.Equal(t, uint32(1), st.Frames)
	assert.Zero(t, st.OrderingErrors)
}

func TestSimulatedLoop_ResumesAfterFreeze(t *testing.T) {
	quiet(t)
	cfg := config.MustLoadDefaultConfig()
	mem := regbus.NewMemory()
	a := newApp(cfg, mem)

	sim := newSimulator(mem, cfg.GetStatsBase(), cfg.GetLayout(), cfg.GetStatsEvery(), 7, a.mgr.Deliver)
	a.fwctx.SetFreezeFirmware(true)
	for i := 0; i < 4; i++ {
		sim.step()
		a.mgr.ProcessEvents(0)
	}
	assert.Equal(t, uint32(4), a.fwctx.CurrentFrameID(), "frames still count while frozen")
	assert.Empty(t, mem.Writes())
	assert.True(t, a.gamma.Snapshot().InterruptArmed)

	a.fwctx.SetFreezeFirmware(false)
	for i := 0; i < 4; i++ {
		sim.step()
		a.mgr.ProcessEvents(0)
	}
	st, _ := a.mon.Status(gamma.Name)
	assert.Equal(t, uint32(2), st.Frames)
	assert.Zero(t, st.OrderingErrors)
	assert.Zero(t, st.InFlight)
}

func TestSimulatorHistogram(t *testing.T) {
	mem := regbus.NewMemory()
	var raised []irq.Class
	sim := newSimulator(mem, testutil.StatsBase, histogram.Wide, 1, 1, func(c irq.Class) { raised = append(raised, c) })

	sim.step()
	sim.step()
	assert.Equal(t, []irq.Class{irq.FrameStart, irq.AntifogHist, irq.FrameStart, irq.AntifogHist}, raised)

	buf, err := histogram.Read(mem, testutil.StatsBase, histogram.Wide)
	require.NoError(t, err)
	assert.Greater(t, buf.Sum, uint32(simPixels/2))

	peak := 0
	for i, v := range buf.Bins {
		if v > buf.Bins[peak] {
			peak = i
		}
	}
	assert.InDelta(t, sim.scene.Mu, float64(peak), 1)
	assert.Empty(t, mem.Writes())
}

func TestSimulatorRun(t *testing.T) {
	mem := regbus.NewMemory()
	var mu sync.Mutex
	frames := 0
	sim := newSimulator(mem, testutil.StatsBase, histogram.Narrow, 4, 1, func(c irq.Class) {
		if c == irq.FrameStart {
			mu.Lock()
			frames++
			mu.Unlock()
		}
	})
	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return frames
	}

	clock := timeutil.NewFakeClock(time.Unix(0, 0))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sim.run(ctx, clock, 33*time.Millisecond)
		close(done)
	}()
	require.Eventually(t, func() bool { return clock.Waiters() == 1 }, time.Second, time.Millisecond)

	for i := 1; i <= 3; i++ {
		clock.Advance(33 * time.Millisecond)
		require.Eventually(t, func() bool { return count() == i }, time.Second, time.Millisecond)
	}

	cancel()
	<-done
	assert.Equal(t, 0, clock.Waiters(), "ticker stopped on exit")
}

func TestAttachRoutes(t *testing.T) {
	quiet(t)
	a := newApp(&config.Config{}, regbus.NewMemory())
	mux := http.NewServeMux()
	a.attachRoutes(mux)

	rec := testutil.NewTestRecorder()
	mux.ServeHTTP(rec, testutil.NewLocalRequest(http.MethodGet, "/debug/isp-flow", nil))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
}

type fakeStore struct {
	mu   sync.Mutex
	acts []db.Actuation
	err  error
}

func (f *fakeStore) RecordActuation(a db.Actuation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acts = append(f.acts, a)
	return f.err
}

func TestActuationRecorder(t *testing.T) {
	store := &fakeStore{}
	state := actuate.State{Gain: 400, Offset: 12}
	r := newActuationRecorder(store, func() actuate.State { return state })

	r.ReportFlow(flow.Report{Algorithm: "gamma", TrackingID: 3, CurrentID: 3, State: flow.InputReady})
	r.ReportFlow(flow.Report{Algorithm: "gamma", TrackingID: 3, CurrentID: 5, State: flow.Applied})
	r.Close()
	r.Close()

	require.Len(t, store.acts, 1)
	assert.Equal(t, db.Actuation{FrameID: 5, TrackingID: 3, State: state}, store.acts[0])
}

type errCloser struct {
	err    error
	closed *int
}

func (c errCloser) Close() error {
	*c.closed++
	return c.err
}

func TestClosers(t *testing.T) {
	var n int
	first := errors.New("first")
	err := closers{errCloser{first, &n}, errCloser{errors.New("second"), &n}, errCloser{nil, &n}}.Close()
	assert.Equal(t, first, err)
	assert.Equal(t, 3, n)
}
