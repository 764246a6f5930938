// Package flow correlates each statistics read, computed result and actuation
// with the frame it belongs to, and forwards those transitions to an external
// flow monitor.
package flow

import "fmt"

// State is a stage of one control cycle.
type State uint8

const (
	InputReady State = iota
	Applied
	OutputReady
)

func (s State) String() string {
	switch s {
	case InputReady:
		return "INPUT_READY"
	case Applied:
		return "APPLIED"
	case OutputReady:
		return "OUTPUT_READY"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// NoTracking is the tracking id meaning no statistics are pending. It is
// never reported.
const NoTracking uint32 = 0

// Correlation ties a statistics snapshot to the frame it was read on.
type Correlation struct {
	TrackingID uint32
}

// Report is one flow transition: the frame the statistics belong to, the
// live frame counter at report time, and the stage reached.
type Report struct {
	Algorithm  string
	TrackingID uint32
	CurrentID  uint32
	State      State
}

// Reporter receives flow reports. Implementations must not block.
type Reporter interface {
	ReportFlow(Report)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(Report)

func (f ReporterFunc) ReportFlow(r Report) { f(r) }

// FrameSource supplies the live frame counter.
type FrameSource interface {
	CurrentFrameID() uint32
}

// Tracker holds the pending correlation for one algorithm.
type Tracker struct {
	algorithm string
	frames    FrameSource
	reporter  Reporter
	pending   Correlation
}

// NewTracker returns a tracker with no pending correlation. A nil reporter
// discards reports.
func NewTracker(algorithm string, frames FrameSource, reporter Reporter) *Tracker {
	return &Tracker{algorithm: algorithm, frames: frames, reporter: reporter}
}

// Stamp captures the current frame id. The stamp takes effect only once it
// is committed, so a failed read never replaces the pending correlation.
func (t *Tracker) Stamp() Correlation {
	return Correlation{TrackingID: t.frames.CurrentFrameID()}
}

func (t *Tracker) Commit(c Correlation) { t.pending = c }

func (t *Tracker) Pending() Correlation { return t.pending }

// Report forwards state for the pending correlation. It returns false when
// nothing is pending.
func (t *Tracker) Report(state State) bool {
	if t.pending.TrackingID == NoTracking || t.reporter == nil {
		return false
	}
	t.reporter.ReportFlow(Report{
		Algorithm:  t.algorithm,
		TrackingID: t.pending.TrackingID,
		CurrentID:  t.frames.CurrentFrameID(),
		State:      state,
	})
	return true
}

func (t *Tracker) Reset() { t.pending = Correlation{} }
