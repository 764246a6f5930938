// Package actuate writes gamma gain and offset to the pipeline stages that
// apply them.
package actuate

import (
	"fmt"

	"github.com/banshee-data/isp-autolevel/internal/regbus"
)

// Per-stage register offsets. Gain is 8.8 fixed point.
const (
	GainR   = 0x00
	GainG   = 0x04
	GainB   = 0x08
	OffsetR = 0x0C
	OffsetG = 0x10
	OffsetB = 0x14
)

// Default stage bases.
const (
	FullResBase    = 0x4C00
	DownscaledBase = 0x5C00
)

// State is the gain and offset currently driven to the hardware.
type State struct {
	Gain   uint32 `json:"gain"`
	Offset uint32 `json:"offset"`
}

// DefaultState is unity gain with no offset.
var DefaultState = State{Gain: 256}

// Stage is one pipeline stage's gamma register block.
type Stage struct {
	Name string `json:"name"`
	Base uint32 `json:"base"`
}

// WriteError reports the register write that aborted a commit.
type WriteError struct {
	Stage string
	Addr  uint32
	Err   error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("%s gamma register %#x: %v", e.Stage, e.Addr, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Writer pushes a State to every configured stage.
type Writer struct {
	bus    regbus.Writer
	stages []Stage
}

// NewWriter writes to stages in the order given.
func NewWriter(bus regbus.Writer, stages ...Stage) *Writer {
	return &Writer{bus: bus, stages: stages}
}

// Stages returns the configured stages.
func (w *Writer) Stages() []Stage {
	return append([]Stage(nil), w.stages...)
}

// Commit writes state unless manual is set, in which case the registers
// belong to the user and nothing is touched. It reports whether registers
// were written.
func (w *Writer) Commit(state State, manual bool) (bool, error) {
	if manual {
		return false, nil
	}
	for _, st := range w.stages {
		regs := [...]struct{ off, val uint32 }{
			{GainR, state.Gain},
			{GainG, state.Gain},
			{GainB, state.Gain},
			{OffsetR, state.Offset},
			{OffsetG, state.Offset},
			{OffsetB, state.Offset},
		}
		for _, r := range regs {
			addr := st.Base + r.off
			if err := w.bus.WriteReg(addr, r.val); err != nil {
				return false, &WriteError{Stage: st.Name, Addr: addr, Err: err}
			}
		}
	}
	return true, nil
}
