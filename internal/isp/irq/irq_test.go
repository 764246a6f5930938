package irq

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type countingController struct {
	disables, enables int
	enabled           bool
}

func (c *countingController) Disable() { c.disables++; c.enabled = false }
func (c *countingController) Enable()  { c.enables++; c.enabled = true }

func TestGuard_ReleaseIsIdempotent(t *testing.T) {
	ctrl := &countingController{enabled: true}

	g := Acquire(ctrl)
	assert.False(t, ctrl.enabled)
	g.Release()
	g.Release()

	assert.True(t, ctrl.enabled)
	assert.Equal(t, 1, ctrl.disables)
	assert.Equal(t, 1, ctrl.enables)
}

func TestGuard_ReleasedOnEarlyReturn(t *testing.T) {
	ctrl := &countingController{enabled: true}
	f := func(bail bool) int {
		g := Acquire(ctrl)
		defer g.Release()
		if bail {
			return 0
		}
		return 1
	}

	f(true)
	f(false)
	assert.True(t, ctrl.enabled)
	assert.Equal(t, ctrl.disables, ctrl.enables)
}

func TestMask_OneShot(t *testing.T) {
	ctrl := &countingController{enabled: true}
	var m Mask

	assert.False(t, m.Accept(AntifogHist), "unarmed class is ignored")

	m.Request(ctrl, AntifogHist.Bit())
	assert.True(t, ctrl.enabled)
	assert.True(t, m.Armed(AntifogHist))

	assert.True(t, m.Accept(AntifogHist))
	assert.False(t, m.Armed(AntifogHist), "delivery consumes the bit")
	assert.False(t, m.Accept(AntifogHist))
}

func TestMask_Repeat(t *testing.T) {
	m := Mask{IRQ: FrameStart.Bit() | AntifogHist.Bit(), Repeat: FrameStart.Bit()}

	assert.True(t, m.Accept(FrameStart))
	assert.True(t, m.Accept(FrameStart), "repeat classes stay armed")
	assert.True(t, m.Accept(AntifogHist))
	assert.Equal(t, FrameStart.Bit(), m.IRQ)
}

func TestLatchedController(t *testing.T) {
	var got []Class
	c := NewLatchedController(func(class Class) { got = append(got, class) })

	c.Raise(FrameStart)
	assert.Equal(t, []Class{FrameStart}, got)

	c.Disable()
	c.Raise(AntifogHist)
	c.Raise(FrameStart)
	c.Raise(AntifogHist)
	assert.Len(t, got, 1, "nothing delivered while disabled")
	assert.False(t, c.Enabled())

	c.Enable()
	assert.True(t, c.Enabled())
	assert.Equal(t, []Class{FrameStart, FrameStart, AntifogHist}, got, "latched classes replay once each in class order")
}

func TestClassString(t *testing.T) {
	assert.Equal(t, "ANTIFOG_HIST", AntifogHist.String())
	assert.Equal(t, "IRQ17", Class(17).String())
}
