package firmware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/isp-autolevel/internal/isp/actuate"
	"github.com/banshee-data/isp-autolevel/internal/isp/flow"
	"github.com/banshee-data/isp-autolevel/internal/isp/fsm"
	"github.com/banshee-data/isp-autolevel/internal/isp/gamma"
	"github.com/banshee-data/isp-autolevel/internal/isp/histogram"
	"github.com/banshee-data/isp-autolevel/internal/isp/irq"
	"github.com/banshee-data/isp-autolevel/internal/monitoring"
	"github.com/banshee-data/isp-autolevel/internal/regbus"
	"github.com/banshee-data/isp-autolevel/internal/testutil"
)

func quiet(t *testing.T) {
	t.Helper()
	prev := monitoring.Logf
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.SetLogger(prev) })
}

type loop struct {
	mgr   *Manager
	gamma *gamma.FSM
	bus   *regbus.Memory
	flow  *testutil.FlowRecorder
}

func newLoop(t *testing.T) *loop {
	t.Helper()
	quiet(t)
	l := &loop{bus: regbus.NewMemory(), flow: &testutil.FlowRecorder{}}
	ctx := NewContext(0)
	ctx.SetCalibration(CalibrationAutoLevelControl, []uint32{1, 99, 1, 4096})
	l.mgr = NewManager(ctx, 8)
	l.gamma = gamma.New(gamma.DefaultConfig(), gamma.Deps{
		Bus:     l.bus,
		IRQ:     l.mgr.Controller(),
		Events:  l.mgr,
		Frames:  ctx,
		Flow:    l.flow,
		Context: ctx,
	})
	l.mgr.Register(l.gamma)
	l.mgr.AddStatus(gamma.Name, func() any { return l.gamma.Snapshot() })
	l.gamma.Init()
	testutil.LoadHistogram(l.bus, testutil.StatsBase, histogram.Narrow, testutil.Band(8, 23, 100))
	return l
}

func TestEventQueue(t *testing.T) {
	quiet(t)
	q := NewEventQueue(4)

	assert.Nil(t, q.Push(fsm.EventGammaStatsReady))
	q.Push(fsm.EventNone)
	assert.Equal(t, 2, q.Len())

	ev, ok := q.Pop()
	assert.True(t, ok)
	assert.Equal(t, fsm.EventGammaStatsReady, ev)

	q.Push(fsm.EventGammaStatsReady)
	q.Push(fsm.EventGammaStatsReady)
	assert.Equal(t, 3, q.Len())

	assert.Equal(t, []fsm.EventID{fsm.EventNone, fsm.EventGammaStatsReady, fsm.EventGammaStatsReady, fsm.EventNone},
		q.Push(fsm.EventNone))
	assert.Equal(t, 0, q.Len(), "overflow resets the queue")
	assert.Equal(t, uint64(1), q.Overflows())

	_, ok = q.Pop()
	assert.False(t, ok)
}

func TestEventQueue_OverflowLogIsRateLimited(t *testing.T) {
	var lines int
	prev := monitoring.Logf
	monitoring.SetLogger(func(string, ...interface{}) { lines++ })
	t.Cleanup(func() { monitoring.SetLogger(prev) })

	q := NewEventQueue(2)
	for i := 0; i < 130; i++ {
		q.Push(fsm.EventGammaStatsReady) // fills
		q.Push(fsm.EventGammaStatsReady) // overflows
	}
	assert.Equal(t, uint64(130), q.Overflows())
	assert.Equal(t, 3, lines, "overflows 1, 65 and 129 are logged")
}

func TestContext(t *testing.T) {
	c := NewContext(2)
	assert.Equal(t, []uint32{1, 99, 4, 4096}, c.AutoLevelControl())
	assert.Nil(t, c.CustomCalibration())

	alc := c.AutoLevelControl()
	alc[0] = 50
	assert.Equal(t, uint32(1), c.AutoLevelControl()[0], "callers get a copy")

	assert.Equal(t, uint32(1), c.AdvanceFrame())
	assert.Equal(t, uint32(1), c.CurrentFrameID())
	c.SetManualAutoLevel(true)
	assert.True(t, c.ManualAutoLevel())
}

func TestManager_FullCycle(t *testing.T) {
	l := newLoop(t)

	l.mgr.Deliver(irq.FrameStart)
	l.mgr.Deliver(irq.FrameStart)
	l.mgr.Deliver(gamma.OwnedInterrupt)
	assert.Equal(t, 1, l.mgr.Queue().Len())

	assert.Equal(t, 1, l.mgr.ProcessEvents(0))
	assert.Equal(t, []flow.State{flow.InputReady, flow.OutputReady, flow.Applied}, l.flow.States())
	assert.Equal(t, uint32(2), l.flow.Reports()[0].TrackingID)

	out := make([]byte, gamma.ResultSize)
	require.NoError(t, l.mgr.GetParam(fsm.ParamGetGammaResult, nil, out))
	assert.Equal(t, actuate.State{Gain: 512, Offset: 1024}, gamma.DecodeResult(out))
}

func TestManager_FrozenDropsEvents(t *testing.T) {
	l := newLoop(t)
	l.mgr.Context().SetFreezeFirmware(true)

	assert.False(t, l.mgr.Raise(fsm.EventGammaStatsReady))
	assert.Zero(t, l.mgr.Queue().Len())

	l.mgr.Deliver(irq.FrameStart)
	l.mgr.Deliver(gamma.OwnedInterrupt)
	assert.Equal(t, 0, l.mgr.ProcessEvents(0))
	assert.Empty(t, l.bus.Writes())
	assert.Empty(t, l.flow.Reports())
	assert.Equal(t, uint32(1), l.mgr.Context().CurrentFrameID(), "frame start is still counted")
	assert.True(t, l.gamma.Snapshot().InterruptArmed, "histogram interrupt not consumed while frozen")
}

func TestManager_ResumesAfterFreeze(t *testing.T) {
	l := newLoop(t)
	l.mgr.Context().SetFreezeFirmware(true)
	for i := 0; i < 3; i++ {
		l.mgr.Deliver(irq.FrameStart)
		l.mgr.Deliver(gamma.OwnedInterrupt)
		l.mgr.ProcessEvents(0)
	}

	l.mgr.Context().SetFreezeFirmware(false)
	l.mgr.Deliver(irq.FrameStart)
	l.mgr.Deliver(gamma.OwnedInterrupt)
	assert.Equal(t, 1, l.mgr.ProcessEvents(0))

	assert.Equal(t, []flow.State{flow.InputReady, flow.OutputReady, flow.Applied}, l.flow.States())
	assert.Equal(t, uint32(4), l.flow.Reports()[0].TrackingID)
	assert.Len(t, l.bus.Writes(), 6)
	assert.True(t, l.gamma.Snapshot().InterruptArmed)
}

func TestManager_OverflowOnRaiseRearms(t *testing.T) {
	l := newLoop(t)
	for i := 0; i < 7; i++ {
		l.mgr.Queue().Push(fsm.EventNone)
	}

	l.mgr.Deliver(irq.FrameStart)
	l.mgr.Deliver(gamma.OwnedInterrupt)
	assert.Equal(t, uint64(1), l.mgr.Queue().Overflows())
	assert.Empty(t, l.flow.Reports(), "nothing published for a dropped event")
	assert.True(t, l.gamma.Snapshot().InterruptArmed)
	assert.Equal(t, gamma.Idle, l.gamma.Phase())

	l.mgr.Deliver(irq.FrameStart)
	l.mgr.Deliver(gamma.OwnedInterrupt)
	assert.Equal(t, 1, l.mgr.ProcessEvents(0))
	assert.Equal(t, []flow.State{flow.InputReady, flow.OutputReady, flow.Applied}, l.flow.States())
	assert.Equal(t, uint32(2), l.flow.Reports()[0].TrackingID)
}

func TestManager_OverflowDiscardingQueuedStatsRearms(t *testing.T) {
	l := newLoop(t)
	l.mgr.Deliver(irq.FrameStart)
	l.mgr.Deliver(gamma.OwnedInterrupt)
	require.False(t, l.gamma.Snapshot().InterruptArmed)

	for i := 0; i < 6; i++ {
		require.True(t, l.mgr.Raise(fsm.EventNone))
	}
	assert.False(t, l.mgr.Raise(fsm.EventNone), "queue full")
	assert.Zero(t, l.mgr.Queue().Len())
	assert.True(t, l.gamma.Snapshot().InterruptArmed, "discarded stats event re-arms the interrupt")

	l.flow.Reset()
	l.mgr.Deliver(irq.FrameStart)
	l.mgr.Deliver(gamma.OwnedInterrupt)
	assert.Equal(t, 1, l.mgr.ProcessEvents(0))
	assert.Equal(t, []flow.State{flow.InputReady, flow.OutputReady, flow.Applied}, l.flow.States())
	assert.Len(t, l.bus.Writes(), 6)
}

func TestManager_ParamRouting(t *testing.T) {
	l := newLoop(t)

	assert.Equal(t, -1, ReturnCode(l.mgr.SetParam(fsm.ParamSetGammaStats, []byte{1, 2, 3})))
	assert.Equal(t, -1, ReturnCode(l.mgr.GetParam(fsm.ParamGetGammaResult, nil, make([]byte, 7))))

	err := l.mgr.SetParam(fsm.ParamID(77), nil)
	assert.ErrorIs(t, err, fsm.ErrUnknownParam)
	assert.Equal(t, -1, ReturnCode(err))

	var buf histogram.Buffer
	copy(buf.Bins[:], testutil.Band(0, 31, 10))
	buf.Sum = 320
	assert.Equal(t, 0, ReturnCode(l.mgr.SetParam(fsm.ParamSetGammaStats, gamma.EncodeStats(buf))))
	assert.Equal(t, 1, l.mgr.ProcessEvents(1))
}

func TestManager_RunAndDo(t *testing.T) {
	l := newLoop(t)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- l.mgr.Run(ctx) }()

	l.mgr.Interrupt(irq.FrameStart)
	l.mgr.Interrupt(gamma.OwnedInterrupt)

	require.Eventually(t, func() bool {
		var applied bool
		_ = l.mgr.Do(ctx, func() { applied = len(l.bus.Writes()) == 6 })
		return applied
	}, time.Second, 5*time.Millisecond)

	st, err := l.mgr.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), st.FrameID)
	snap, ok := st.Machines[gamma.Name].(gamma.Snapshot)
	require.True(t, ok)
	assert.Equal(t, uint32(512), snap.Actuation.Gain)

	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
}

func TestManager_DoHonoursContext(t *testing.T) {
	l := newLoop(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	// no Run loop: nothing ever receives the call
	assert.ErrorIs(t, l.mgr.Do(ctx, func() {}), context.DeadlineExceeded)
}

func TestManager_DoWaitsForAcceptedCall(t *testing.T) {
	l := newLoop(t)
	runCtx, stop := context.WithCancel(context.Background())
	defer stop()
	go l.mgr.Run(runCtx)

	ctx, cancel := context.WithCancel(context.Background())
	var ran bool
	err := l.mgr.Do(ctx, func() {
		cancel()
		time.Sleep(10 * time.Millisecond)
		ran = true
	})
	assert.NoError(t, err)
	assert.True(t, ran, "Do returns only after fn finished")
}

func TestAdminRoutes(t *testing.T) {
	l := newLoop(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.mgr.Run(ctx)

	mux := http.NewServeMux()
	l.mgr.AttachAdminRoutes(mux)

	rec := testutil.NewTestRecorder()
	mux.ServeHTTP(rec, testutil.NewLocalRequest(http.MethodPost, "/debug/isp-manual?on=true", nil))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	assert.True(t, l.mgr.Context().ManualAutoLevel())

	rec = testutil.NewTestRecorder()
	mux.ServeHTTP(rec, testutil.NewLocalRequest(http.MethodGet, "/debug/isp-manual?on=true", nil))
	testutil.AssertStatusCode(t, rec.Code, http.StatusMethodNotAllowed)

	rec = testutil.NewTestRecorder()
	mux.ServeHTTP(rec, testutil.NewLocalRequest(http.MethodGet, "/debug/isp-result", nil))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	var res resultResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	assert.Equal(t, resultResponse{RC: 0, Gain: 256, Offset: 0}, res)

	rec = testutil.NewTestRecorder()
	mux.ServeHTTP(rec, testutil.NewLocalRequest(http.MethodPost, "/debug/isp-stats", strings.NewReader(`{"sum":1,"bins":[1]}`)))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	var rc rcResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&rc))
	assert.Equal(t, -1, rc.RC)
	assert.NotEmpty(t, rc.Error)

	rec = testutil.NewTestRecorder()
	mux.ServeHTTP(rec, testutil.NewLocalRequest(http.MethodGet, "/debug/isp-status", nil))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	var st map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&st))
	assert.Equal(t, true, st["manual_auto_level"])
	assert.Contains(t, st["machines"], gamma.Name)
}
