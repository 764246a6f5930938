// Package firmware is the manager that drives the ISP state machines: it
// delivers interrupts, queues and dispatches events, and routes parameter
// opcodes to the machine that owns them.
package firmware

import (
	"context"
	"errors"

	"github.com/banshee-data/isp-autolevel/internal/isp/fsm"
	"github.com/banshee-data/isp-autolevel/internal/isp/irq"
	"github.com/banshee-data/isp-autolevel/internal/monitoring"
)

var logger = monitoring.Component("firmware")

// interruptBacklog bounds interrupts waiting for the loop.
const interruptBacklog = 64

// Manager owns one context and the machines bound to it. Interrupt handling
// and event processing happen only inside Run, on a single goroutine.
type Manager struct {
	ctx      *Context
	ctrl     *irq.LatchedController
	queue    *EventQueue
	machines []fsm.Machine

	interrupts chan irq.Class
	calls      chan func()

	status map[string]func() any
}

// NewManager returns a manager with an empty machine list.
func NewManager(ctx *Context, queueSize int) *Manager {
	m := &Manager{
		ctx:        ctx,
		queue:      NewEventQueue(queueSize),
		interrupts: make(chan irq.Class, interruptBacklog),
		calls:      make(chan func()),
		status:     make(map[string]func() any),
	}
	m.ctrl = irq.NewLatchedController(m.dispatch)
	return m
}

func (m *Manager) Context() *Context { return m.ctx }

// Controller is the global interrupt enable machines guard their mask
// updates with.
func (m *Manager) Controller() irq.Controller { return m.ctrl }

func (m *Manager) Queue() *EventQueue { return m.queue }

// Register adds machines. Interrupts and events are offered to them in
// registration order.
func (m *Manager) Register(machines ...fsm.Machine) {
	m.machines = append(m.machines, machines...)
}

// AddStatus registers a snapshot function shown on the status page. fn runs
// on the loop goroutine.
func (m *Manager) AddStatus(name string, fn func() any) {
	m.status[name] = fn
}

// Raise queues ev unless the firmware is frozen. It returns false when ev
// was dropped. Earlier events discarded by a queue overflow are handed to
// machines implementing fsm.EventDropper.
func (m *Manager) Raise(ev fsm.EventID) bool {
	if m.ctx.FreezeFirmware() {
		logger.Debugf("firmware frozen, dropping event %s", ev)
		return false
	}
	discarded := m.queue.Push(ev)
	if discarded == nil {
		return true
	}
	for _, old := range discarded[:len(discarded)-1] {
		for _, mc := range m.machines {
			if d, ok := mc.(fsm.EventDropper); ok {
				d.EventDropped(old)
			}
		}
	}
	return false
}

// Interrupt hands an interrupt to the loop. It is safe to call from any
// goroutine and never blocks; an interrupt that finds the backlog full is
// dropped.
func (m *Manager) Interrupt(class irq.Class) {
	select {
	case m.interrupts <- class:
	default:
		logger.Errorf("interrupt %s dropped, loop is behind", class)
	}
}

// Deliver runs interrupt context for class now. It must be called from the
// loop goroutine, or in tests that drive the manager directly.
func (m *Manager) Deliver(class irq.Class) {
	m.ctrl.Raise(class)
}

// dispatch is the interrupt handler. While frozen only frame boundaries
// reach the machines.
func (m *Manager) dispatch(class irq.Class) {
	if class == irq.FrameStart {
		m.ctx.AdvanceFrame()
	}
	if m.ctx.FreezeFirmware() && class != irq.FrameStart && class != irq.FrameEnd {
		logger.Debugf("firmware frozen, ignoring interrupt %s", class)
		return
	}
	for _, mc := range m.machines {
		mc.ProcessInterrupt(class)
	}
}

// ProcessEvents drains the queue, offering each event to every machine.
// maxEvents > 0 stops after that many consumed events. It returns how many
// events were consumed.
func (m *Manager) ProcessEvents(maxEvents int) int {
	n := 0
	for {
		g := irq.Acquire(m.ctrl)
		ev, ok := m.queue.Pop()
		g.Release()
		if !ok {
			return n
		}
		logger.Debugf("processing event: %d %s", ev, ev)
		processed := false
		for _, mc := range m.machines {
			if mc.ProcessEvent(ev) {
				processed = true
			}
		}
		if processed {
			n++
			if maxEvents > 0 && n >= maxEvents {
				return n
			}
		}
	}
}

// SetParam routes a set opcode to the machine that owns it.
func (m *Manager) SetParam(id fsm.ParamID, payload []byte) error {
	for _, mc := range m.machines {
		err := mc.SetParam(id, payload)
		if errors.Is(err, fsm.ErrUnknownParam) {
			continue
		}
		return err
	}
	logger.Errorf("unsupported param_id: %s", id)
	return fsm.Unknown(id)
}

// GetParam routes a get opcode to the machine that owns it.
func (m *Manager) GetParam(id fsm.ParamID, in, out []byte) error {
	for _, mc := range m.machines {
		err := mc.GetParam(id, in, out)
		if errors.Is(err, fsm.ErrUnknownParam) {
			continue
		}
		return err
	}
	logger.Errorf("unsupported param_id: %s", id)
	return fsm.Unknown(id)
}

// ReturnCode maps a parameter error to the opcode convention: 0 on success,
// -1 otherwise.
func ReturnCode(err error) int {
	if err != nil {
		return -1
	}
	return 0
}

// Run delivers interrupts and drains events until ctx is done. Closures
// passed to Do also run here, between steps.
func (m *Manager) Run(ctx context.Context) error {
	logger.Infof("manager running with %d machines", len(m.machines))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case class := <-m.interrupts:
			m.Deliver(class)
		case fn := <-m.calls:
			fn()
		}
		m.ProcessEvents(0)
	}
}

// Do runs fn on the loop goroutine and waits for it to return. Use it to
// read or poke machine state from other goroutines. ctx bounds only the wait
// for the loop to pick fn up.
func (m *Manager) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	wrapped := func() {
		defer close(done)
		fn()
	}
	select {
	case m.calls <- wrapped:
	case <-ctx.Done():
		return ctx.Err()
	}
	// Once accepted, fn always runs to completion on the loop.
	<-done
	return nil
}
