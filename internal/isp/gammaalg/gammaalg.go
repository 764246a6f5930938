// Package gammaalg is the boundary between the gamma control loop and the
// algorithm that turns a histogram into a gamma gain and offset. A backend is
// either the built-in core or a shared module loaded at startup; both are
// reached through the same Handle.
package gammaalg

import (
	"errors"
	"fmt"
)

// UnityGain is a gain of 1.0 in 8.8 fixed point.
const UnityGain = 256

// Exported symbol names a shared backend module must provide.
const (
	SymbolInit    = "GammaCoreInit"
	SymbolDeinit  = "GammaCoreDeinit"
	SymbolProcess = "GammaCoreProc"
)

// Stats is the decoded histogram handed to a backend. Hist aliases the
// caller's buffer and must not be retained.
type Stats struct {
	Hist []uint32
	Sum  uint32
}

// Input carries calibration for one computation.
type Input struct {
	// AutoLevelControl is the AUTO_LEVEL_CONTROL calibration table.
	AutoLevelControl []uint32
	// Custom is passed through untouched for shared backends.
	Custom []uint32
}

// Output is what a backend produces.
type Output struct {
	Gain   uint32
	Offset uint32
}

type (
	// InitFunc creates a backend context. The returned value is opaque to
	// the caller and may be nil.
	InitFunc func(ctxID uint32) any
	// ProcessFunc computes out from stats and in.
	ProcessFunc func(ctx any, stats *Stats, in *Input, out *Output) error
	// DeinitFunc releases a context created by InitFunc.
	DeinitFunc func(ctx any) error
)

// EntryPoints are the three backend operations. Any of them may be nil when a
// shared module resolved only partially.
type EntryPoints struct {
	Init    InitFunc
	Process ProcessFunc
	Deinit  DeinitFunc
}

// ErrBackendUnavailable is returned by Process when no process entry point
// was resolved. It persists until the handle is resolved again.
var ErrBackendUnavailable = errors.New("gamma backend has no process entry point")

// ComputeError wraps a failure reported by a backend's process entry point.
type ComputeError struct {
	Backend string
	Err     error
}

func (e *ComputeError) Error() string {
	return fmt.Sprintf("gamma backend %s: process failed: %v", e.Backend, e.Err)
}

func (e *ComputeError) Unwrap() error { return e.Err }
