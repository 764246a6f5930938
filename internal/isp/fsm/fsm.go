// Package fsm holds the contract between the firmware manager and the state
// machines it drives: event and parameter ids, and the errors parameter
// dispatch returns.
package fsm

import (
	"errors"
	"fmt"

	"github.com/banshee-data/isp-autolevel/internal/isp/irq"
)

// EventID names an internal event raised by one machine and processed on
// the main loop.
type EventID uint8

const (
	EventNone EventID = iota
	EventGammaStatsReady
)

func (e EventID) String() string {
	switch e {
	case EventNone:
		return "none"
	case EventGammaStatsReady:
		return "gamma_stats_ready"
	default:
		return fmt.Sprintf("event(%d)", uint8(e))
	}
}

// Raiser queues an event for the main loop. Raise reports false when the
// event was dropped and will never be processed.
type Raiser interface {
	Raise(EventID) bool
}

// EventDropper is implemented by machines that must recover when an event
// they raised earlier is discarded from the queue.
type EventDropper interface {
	EventDropped(EventID)
}

// ParamID is a parameter opcode routed by the manager.
type ParamID uint32

const (
	ParamSetGammaStats ParamID = iota + 1
	ParamGetGammaResult
	ParamSetMonGammaFlow
)

func (p ParamID) String() string {
	switch p {
	case ParamSetGammaStats:
		return "SET_GAMMA_STATS"
	case ParamGetGammaResult:
		return "GET_GAMMA_CONTRAST_RESULT"
	case ParamSetMonGammaFlow:
		return "SET_MON_GAMMA_FLOW"
	default:
		return fmt.Sprintf("param(%d)", uint32(p))
	}
}

// Machine is one state machine driven by the manager. ProcessInterrupt runs
// in interrupt context and must not block; ProcessEvent runs on the main
// loop and reports whether it consumed the event.
type Machine interface {
	Name() string
	ProcessInterrupt(irq.Class)
	ProcessEvent(EventID) bool
	SetParam(id ParamID, payload []byte) error
	GetParam(id ParamID, in, out []byte) error
}

var (
	// ErrUnknownParam marks an opcode the machine does not own.
	ErrUnknownParam = errors.New("unknown parameter")
	// ErrPayloadSize marks a payload or output buffer of the wrong size.
	ErrPayloadSize = errors.New("invalid parameter size")
)

// ConfigError rejects a parameter call. Nothing was mutated.
type ConfigError struct {
	Param ParamID
	Want  int
	Got   int
	Err   error
}

func (e *ConfigError) Error() string {
	if errors.Is(e.Err, ErrPayloadSize) {
		return fmt.Sprintf("%s: %v: want %d bytes, got %d", e.Param, e.Err, e.Want, e.Got)
	}
	return fmt.Sprintf("%s: %v", e.Param, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Unknown returns the error for an opcode a machine does not handle.
func Unknown(id ParamID) error {
	return &ConfigError{Param: id, Err: ErrUnknownParam}
}

// CheckSize returns a ConfigError unless got equals want.
func CheckSize(id ParamID, want, got int) error {
	if want == got {
		return nil
	}
	return &ConfigError{Param: id, Want: want, Got: got, Err: ErrPayloadSize}
}
