package firmware

import (
	"sync"
	"sync/atomic"

	"github.com/banshee-data/isp-autolevel/internal/isp/gammaalg"
)

// Calibration table names.
const (
	CalibrationAutoLevelControl = "AUTO_LEVEL_CONTROL"
	CalibrationGammaCustom      = "GAMMA_CUSTOM"
)

// Context is the per-sensor state shared by every machine: the live frame
// counter, stabilisation flags and calibration tables. Machines only read
// it; commands and the interrupt path write it.
type Context struct {
	id uint32

	frameID atomic.Uint32
	manual  atomic.Bool
	freeze  atomic.Bool

	mu          sync.RWMutex
	calibration map[string][]uint32
}

// NewContext returns a context with the default calibration loaded.
func NewContext(id uint32) *Context {
	c := &Context{id: id, calibration: make(map[string][]uint32)}
	c.SetCalibration(CalibrationAutoLevelControl, gammaalg.DefaultAutoLevelControl)
	return c
}

func (c *Context) ID() uint32 { return c.id }

func (c *Context) CurrentFrameID() uint32 { return c.frameID.Load() }

// AdvanceFrame counts a frame start and returns the new frame id.
func (c *Context) AdvanceFrame() uint32 { return c.frameID.Add(1) }

// SetManualAutoLevel hands the auto-level registers to the user (true) or
// back to the control loop (false).
func (c *Context) SetManualAutoLevel(manual bool) { c.manual.Store(manual) }

func (c *Context) ManualAutoLevel() bool { return c.manual.Load() }

// SetFreezeFirmware stops events from being queued while set.
func (c *Context) SetFreezeFirmware(freeze bool) { c.freeze.Store(freeze) }

func (c *Context) FreezeFirmware() bool { return c.freeze.Load() }

// SetCalibration replaces a calibration table with a copy of values.
func (c *Context) SetCalibration(name string, values []uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calibration[name] = append([]uint32(nil), values...)
}

// Calibration returns a copy of a table, or nil if it is not loaded.
func (c *Context) Calibration(name string) []uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.calibration[name]
	if !ok {
		return nil
	}
	return append([]uint32(nil), v...)
}

func (c *Context) AutoLevelControl() []uint32 {
	return c.Calibration(CalibrationAutoLevelControl)
}

func (c *Context) CustomCalibration() []uint32 {
	return c.Calibration(CalibrationGammaCustom)
}
