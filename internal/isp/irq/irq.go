// Package irq models ISP interrupt delivery: interrupt classes, the per-FSM
// one-shot mask, and the global enable that guards mask updates.
package irq

import (
	"fmt"
	"sync"
)

// Class is an ISP interrupt number.
type Class uint8

const (
	FrameStart  Class = 0
	FrameEnd    Class = 1
	AEStats     Class = 2
	AWBStats    Class = 3
	AFStats     Class = 4
	AntifogHist Class = 5

	NumClasses = 32
)

func (c Class) String() string {
	switch c {
	case FrameStart:
		return "FRAME_START"
	case FrameEnd:
		return "FRAME_END"
	case AEStats:
		return "AE_STATS"
	case AWBStats:
		return "AWB_STATS"
	case AFStats:
		return "AF_STATS"
	case AntifogHist:
		return "ANTIFOG_HIST"
	default:
		return fmt.Sprintf("IRQ%d", uint8(c))
	}
}

// Bit returns the mask bit for c.
func (c Class) Bit() uint32 {
	return 1 << (uint32(c) % NumClasses)
}

// Controller is the global interrupt enable of the ISP. Disable and Enable do
// not nest; callers go through Acquire.
type Controller interface {
	Disable()
	Enable()
}

// Guard holds interrupts disabled until Release. Release is idempotent so it
// can be deferred and also called early.
type Guard struct {
	ctrl     Controller
	released bool
}

// Acquire disables interrupts and returns the guard that re-enables them.
//
//	g := irq.Acquire(ctrl)
//	defer g.Release()
func Acquire(ctrl Controller) *Guard {
	ctrl.Disable()
	return &Guard{ctrl: ctrl}
}

func (g *Guard) Release() {
	if g.released {
		return
	}
	g.released = true
	g.ctrl.Enable()
}

// Mask is the set of classes one FSM wants delivered. Classes in IRQ are
// consumed on delivery unless they are also in Repeat.
type Mask struct {
	IRQ    uint32
	Repeat uint32
}

// Request arms mask bits with interrupts disabled around the update.
func (m *Mask) Request(ctrl Controller, bits uint32) {
	g := Acquire(ctrl)
	defer g.Release()
	m.IRQ |= bits
}

// Armed reports whether c would be delivered, without consuming it.
func (m *Mask) Armed(c Class) bool {
	return m.IRQ&c.Bit() != 0
}

// Accept consumes a delivery of c. It returns false when c is not armed and
// the interrupt must be ignored.
func (m *Mask) Accept(c Class) bool {
	bit := m.IRQ & c.Bit()
	if bit == 0 {
		return false
	}
	m.IRQ &= ^bit | m.Repeat
	return true
}

// LatchedController is a Controller for a software interrupt line: classes
// raised while disabled are latched and replayed, in class order, on Enable.
type LatchedController struct {
	mu       sync.Mutex
	disabled int
	pending  uint32
	deliver  func(Class)
}

// NewLatchedController delivers interrupts through deliver.
func NewLatchedController(deliver func(Class)) *LatchedController {
	return &LatchedController{deliver: deliver}
}

func (c *LatchedController) Disable() {
	c.mu.Lock()
	c.disabled++
	c.mu.Unlock()
}

func (c *LatchedController) Enable() {
	c.mu.Lock()
	if c.disabled > 0 {
		c.disabled--
	}
	if c.disabled > 0 || c.pending == 0 {
		c.mu.Unlock()
		return
	}
	pending := c.pending
	c.pending = 0
	c.mu.Unlock()

	for i := Class(0); i < NumClasses; i++ {
		if pending&i.Bit() != 0 {
			c.Raise(i)
		}
	}
}

// Raise delivers c now, or latches it while interrupts are disabled.
func (c *LatchedController) Raise(class Class) {
	c.mu.Lock()
	if c.disabled > 0 {
		c.pending |= class.Bit()
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.deliver(class)
}

// Enabled reports whether interrupts are currently delivered.
func (c *LatchedController) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disabled == 0
}
