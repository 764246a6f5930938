// Package monitor tracks per-algorithm flow reports: it pairs each
// statistics read with the result computed from it and the actuation that
// applied it, and keeps delay statistics across cycles.
package monitor

import (
	"encoding/binary"
	"sort"
	"sync"

	"github.com/banshee-data/isp-autolevel/internal/isp/flow"
	"github.com/banshee-data/isp-autolevel/internal/isp/fsm"
	"github.com/banshee-data/isp-autolevel/internal/isp/irq"
	"github.com/banshee-data/isp-autolevel/internal/monitoring"
)

// Name identifies the monitor machine.
const Name = "monitor"

// FlowRingSize is how many cycles per algorithm can be in flight.
const FlowRingSize = 8

// FlowPayloadSize is a ParamSetMonGammaFlow payload: tracking id, current id
// and state as little-endian 32-bit words.
const FlowPayloadSize = 12

// historySize bounds the delay samples kept for statistics and charts.
const historySize = 256

var logger = monitoring.Component(Name)

type item struct {
	tracking uint32
	input    uint32
	output   uint32
	apply    uint32
	inUse    bool
}

// Delay is a min/current/max frame count.
type Delay struct {
	Min uint32 `json:"min"`
	Cur uint32 `json:"cur"`
	Max uint32 `json:"max"`
}

func (d *Delay) add(v uint32, first bool) {
	d.Cur = v
	if first || v < d.Min {
		d.Min = v
	}
	if first || v > d.Max {
		d.Max = v
	}
}

type algInfo struct {
	name     string
	ring     [FlowRingSize]item
	writePos int

	frames         uint32
	in2out         Delay
	out2apply      Delay
	fpt            Delay
	in2outSeen     bool
	out2applySeen  bool
	fptSeen        bool
	prevOutID      uint32
	lastApplied    uint32
	orderingErrors uint64

	in2outHistory    []uint32
	out2applyHistory []uint32
}

// AlgStatus is the monitor's view of one algorithm.
type AlgStatus struct {
	Algorithm      string     `json:"algorithm"`
	Frames         uint32     `json:"frames"`
	InFlight       int        `json:"in_flight"`
	InToOut        Delay      `json:"in2out"`
	OutToApply     Delay      `json:"out2apply"`
	FramesPerRun   Delay      `json:"fpt"`
	OrderingErrors uint64     `json:"ordering_errors"`
	InToOutStats   DelayStats `json:"in2out_stats"`
	OutApplyStats  DelayStats `json:"out2apply_stats"`
}

// Monitor consumes flow reports. It is a flow.Reporter for machines that
// report directly and an fsm.Machine for reports routed as parameters.
// Every report is forwarded to the sinks after it is recorded.
type Monitor struct {
	mu    sync.Mutex
	algs  map[string]*algInfo
	sinks []flow.Reporter
}

// New returns a monitor forwarding to sinks.
func New(sinks ...flow.Reporter) *Monitor {
	return &Monitor{algs: make(map[string]*algInfo), sinks: sinks}
}

// AddSink appends a sink. Call it before reports start flowing.
func (m *Monitor) AddSink(s flow.Reporter) {
	m.sinks = append(m.sinks, s)
}

func (m *Monitor) info(alg string) *algInfo {
	a, ok := m.algs[alg]
	if !ok {
		a = &algInfo{name: alg}
		m.algs[alg] = a
	}
	return a
}

// ReportFlow records r and forwards it.
func (m *Monitor) ReportFlow(r flow.Report) {
	m.mu.Lock()
	m.handle(m.info(r.Algorithm), r)
	m.mu.Unlock()

	for _, s := range m.sinks {
		s.ReportFlow(r)
	}
}

func (m *Monitor) handle(a *algInfo, r flow.Report) {
	switch r.State {
	case flow.InputReady:
		if a.ring[a.writePos].inUse {
			logger.Debugf("%s: slot %d overwritten, tracking %d never applied", a.name, a.writePos, a.ring[a.writePos].tracking)
		}
		a.ring[a.writePos] = item{tracking: r.TrackingID, input: r.CurrentID, inUse: true}
		a.writePos = (a.writePos + 1) % FlowRingSize

	case flow.OutputReady:
		it := a.find(r.TrackingID)
		if it == nil {
			// user-pushed stats recompute under the last applied id
			if r.TrackingID == a.lastApplied {
				return
			}
			a.orderingErrors++
			logger.Errorf("%s: OUTPUT_READY for %d without INPUT_READY", a.name, r.TrackingID)
			return
		}
		it.output = r.CurrentID
		d := r.CurrentID - it.input
		a.in2out.add(d, !a.in2outSeen)
		a.in2outSeen = true
		a.in2outHistory = appendBounded(a.in2outHistory, d)
		if a.prevOutID != 0 {
			a.fpt.add(r.CurrentID-a.prevOutID, !a.fptSeen)
			a.fptSeen = true
		}
		a.prevOutID = r.CurrentID

	case flow.Applied:
		it := a.find(r.TrackingID)
		if it == nil {
			if r.TrackingID == a.lastApplied {
				return
			}
			a.orderingErrors++
			logger.Errorf("%s: APPLIED for %d without INPUT_READY", a.name, r.TrackingID)
			return
		}
		if it.output == 0 {
			a.orderingErrors++
			logger.Errorf("%s: APPLIED for %d before OUTPUT_READY", a.name, r.TrackingID)
			return
		}
		it.apply = r.CurrentID
		d := it.apply - it.output
		a.out2apply.add(d, !a.out2applySeen)
		a.out2applySeen = true
		a.out2applyHistory = appendBounded(a.out2applyHistory, d)
		a.frames++
		a.lastApplied = it.tracking
		*it = item{}
	}
}

func (a *algInfo) find(tracking uint32) *item {
	for i := range a.ring {
		if a.ring[i].inUse && a.ring[i].tracking == tracking {
			return &a.ring[i]
		}
	}
	return nil
}

func appendBounded(h []uint32, v uint32) []uint32 {
	if len(h) >= historySize {
		copy(h, h[1:])
		h = h[:len(h)-1]
	}
	return append(h, v)
}

func (a *algInfo) status() AlgStatus {
	st := AlgStatus{
		Algorithm:      a.name,
		Frames:         a.frames,
		InToOut:        a.in2out,
		OutToApply:     a.out2apply,
		FramesPerRun:   a.fpt,
		OrderingErrors: a.orderingErrors,
		InToOutStats:   computeStats(a.in2outHistory),
		OutApplyStats:  computeStats(a.out2applyHistory),
	}
	for _, it := range a.ring {
		if it.inUse {
			st.InFlight++
		}
	}
	return st
}

// Status returns the view of one algorithm.
func (m *Monitor) Status(alg string) (AlgStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.algs[alg]
	if !ok {
		return AlgStatus{}, false
	}
	return a.status(), true
}

// Statuses returns every algorithm seen so far, sorted by name.
func (m *Monitor) Statuses() []AlgStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]AlgStatus, 0, len(m.algs))
	for _, a := range m.algs {
		out = append(out, a.status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Algorithm < out[j].Algorithm })
	return out
}

// History returns copies of the recorded delays for alg.
func (m *Monitor) History(alg string) (in2out, out2apply []uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.algs[alg]
	if !ok {
		return nil, nil
	}
	return append([]uint32(nil), a.in2outHistory...), append([]uint32(nil), a.out2applyHistory...)
}

// Reset forgets everything recorded for alg.
func (m *Monitor) Reset(alg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.algs, alg)
}

func (m *Monitor) Name() string { return Name }

func (m *Monitor) ProcessInterrupt(irq.Class) {}

func (m *Monitor) ProcessEvent(fsm.EventID) bool { return false }

// SetParam accepts ParamSetMonGammaFlow reports.
func (m *Monitor) SetParam(id fsm.ParamID, payload []byte) error {
	switch id {
	case fsm.ParamSetMonGammaFlow:
		if err := fsm.CheckSize(id, FlowPayloadSize, len(payload)); err != nil {
			return err
		}
		m.ReportFlow(DecodeFlow("gamma", payload))
		return nil
	}
	return fsm.Unknown(id)
}

func (m *Monitor) GetParam(id fsm.ParamID, in, out []byte) error {
	return fsm.Unknown(id)
}

// EncodeFlow builds a FlowPayloadSize payload. The algorithm is implied by
// the opcode and not encoded.
func EncodeFlow(r flow.Report) []byte {
	p := make([]byte, FlowPayloadSize)
	binary.LittleEndian.PutUint32(p, r.TrackingID)
	binary.LittleEndian.PutUint32(p[4:], r.CurrentID)
	binary.LittleEndian.PutUint32(p[8:], uint32(r.State))
	return p
}

// DecodeFlow parses a FlowPayloadSize payload.
func DecodeFlow(alg string, p []byte) flow.Report {
	return flow.Report{
		Algorithm:  alg,
		TrackingID: binary.LittleEndian.Uint32(p),
		CurrentID:  binary.LittleEndian.Uint32(p[4:]),
		State:      flow.State(binary.LittleEndian.Uint32(p[8:])),
	}
}
