package gammaalg

import (
	"fmt"
	"strings"

	"github.com/banshee-data/isp-autolevel/internal/monitoring"
)

var logger = monitoring.Component("gammaalg")

// Mode selects how Resolve obtains a backend.
type Mode int

const (
	// ModeStatic binds the built-in core.
	ModeStatic Mode = iota
	// ModeShared loads a shared module at runtime.
	ModeShared
)

func (m Mode) String() string {
	if m == ModeShared {
		return "shared"
	}
	return "static"
}

// ParseMode accepts "static" or "shared".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "static":
		return ModeStatic, nil
	case "shared":
		return ModeShared, nil
	}
	return 0, fmt.Errorf("unknown backend mode %q (want static or shared)", s)
}

// ResolveOptions configures Resolve.
type ResolveOptions struct {
	Mode Mode
	// CustomPath is tried first in ModeShared. Empty uses DefaultCustomModule.
	CustomPath string
	// DefaultPath is the fallback module. Empty uses DefaultCoreModule.
	DefaultPath string
	// Open loads a module. Nil uses OpenPlugin.
	Open OpenFunc
}

// Handle is a resolved backend plus the context its Init returned. The
// context is never inspected here; it is passed back to Process and Deinit.
type Handle struct {
	source string
	entry  EntryPoints
	module Module
	ctx    any
}

// Resolve returns the backend selected by opts. It never fails: a shared
// module that cannot be opened, or that lacks some symbols, yields a handle
// with those entry points nil, and every resolution step is logged.
func Resolve(opts ResolveOptions) *Handle {
	if opts.Mode == ModeStatic {
		return NewHandle("builtin", Builtin())
	}
	return resolveShared(opts)
}

// NewHandle wraps entry points that were obtained some other way.
func NewHandle(source string, entry EntryPoints) *Handle {
	return &Handle{source: source, entry: entry}
}

// Source names where the backend came from: "builtin" or a module path.
func (h *Handle) Source() string { return h.source }

// Available reports whether Process can compute anything.
func (h *Handle) Available() bool { return h.entry.Process != nil }

// Entries reports which entry points resolved.
func (h *Handle) Entries() (hasInit, hasProcess, hasDeinit bool) {
	return h.entry.Init != nil, h.entry.Process != nil, h.entry.Deinit != nil
}

// Init creates the backend context for ctxID. A missing init entry point
// leaves the context nil.
func (h *Handle) Init(ctxID uint32) {
	if h.entry.Init == nil {
		logger.Infof("backend %s has no init entry point", h.source)
		return
	}
	h.ctx = h.entry.Init(ctxID)
	logger.Infof("init backend %s for context %d, ctx: %T", h.source, ctxID, h.ctx)
}

// Process runs one computation. out is written only by the backend; callers
// copy it into their own state when Process returns nil.
func (h *Handle) Process(stats *Stats, in *Input, out *Output) (err error) {
	if h.entry.Process == nil {
		return ErrBackendUnavailable
	}
	defer func() {
		if r := recover(); r != nil {
			err = &ComputeError{Backend: h.source, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	if perr := h.entry.Process(h.ctx, stats, in, out); perr != nil {
		return &ComputeError{Backend: h.source, Err: perr}
	}
	return nil
}

// Deinit destroys the backend context and drops the module. The handle is
// unusable afterwards.
func (h *Handle) Deinit() error {
	var err error
	if h.entry.Deinit != nil {
		err = h.entry.Deinit(h.ctx)
	}
	h.ctx = nil
	h.entry = EntryPoints{}
	h.module = nil
	if err != nil {
		return fmt.Errorf("deinit backend %s: %w", h.source, err)
	}
	return nil
}
