package regbus

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/isp-autolevel/internal/monitoring"
	"github.com/banshee-data/isp-autolevel/internal/serialmux"
	"github.com/banshee-data/isp-autolevel/internal/timeutil"
)

// DefaultSerialTimeout bounds one register round trip over the bridge.
const DefaultSerialTimeout = 50 * time.Millisecond

// LineMux is the part of serialmux.SerialMux the bus needs.
type LineMux interface {
	Subscribe() (string, chan string)
	Unsubscribe(string)
	SendCommand(string) error
}

var serialLog = monitoring.Component("regbus")

// Serial is a register bus carried over the UART register bridge. Requests
// are serialised: one command is in flight at a time. Interrupt lines from the
// bridge are forwarded to Interrupts.
type Serial struct {
	mux     LineMux
	clock   timeutil.Clock
	timeout time.Duration

	reqMu   sync.Mutex
	subID   string
	replies chan string
	irqs    chan uint8
	done    chan struct{}
}

// NewSerial subscribes to mux and starts routing its lines. A nil clock uses
// the real clock; timeout <= 0 uses DefaultSerialTimeout.
func NewSerial(mux LineMux, clock timeutil.Clock, timeout time.Duration) *Serial {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if timeout <= 0 {
		timeout = DefaultSerialTimeout
	}
	id, lines := mux.Subscribe()
	s := &Serial{
		mux:     mux,
		clock:   clock,
		timeout: timeout,
		subID:   id,
		replies: make(chan string, 1),
		irqs:    make(chan uint8, 16),
		done:    make(chan struct{}),
	}
	go s.route(lines)
	return s
}

// Interrupts delivers interrupt class numbers forwarded by the bridge. It is
// closed when the subscription ends.
func (s *Serial) Interrupts() <-chan uint8 {
	return s.irqs
}

func (s *Serial) route(lines <-chan string) {
	defer close(s.done)
	defer close(s.irqs)
	for line := range lines {
		switch serialmux.ClassifyPayload(line) {
		case serialmux.LineIRQ:
			class, err := serialmux.ParseIRQ(line)
			if err != nil {
				serialLog.Errorf("%v", err)
				continue
			}
			select {
			case s.irqs <- class:
			default:
				serialLog.Errorf("interrupt %d dropped, consumer not keeping up", class)
			}
		case serialmux.LineReadReply, serialmux.LineWriteAck, serialmux.LineError:
			// drop a stale reply left by a timed-out request
			select {
			case <-s.replies:
			default:
			}
			s.replies <- line
		default:
			serialLog.Debugf("ignoring bridge line %q", line)
		}
	}
}

func (s *Serial) ReadReg(addr uint32) (uint32, error) {
	if err := checkAligned(addr); err != nil {
		return 0, err
	}
	line, err := s.roundTrip(serialmux.FormatRead(addr))
	if err != nil {
		return 0, fmt.Errorf("read %#x: %w", addr, err)
	}
	if serialmux.ClassifyPayload(line) != serialmux.LineReadReply {
		return 0, fmt.Errorf("read %#x: unexpected reply %q", addr, line)
	}
	got, value, err := serialmux.ParseReadReply(line)
	if err != nil {
		return 0, fmt.Errorf("read %#x: %w", addr, err)
	}
	if got != addr {
		return 0, fmt.Errorf("read %#x: reply for %#x", addr, got)
	}
	return value, nil
}

func (s *Serial) WriteReg(addr, value uint32) error {
	if err := checkAligned(addr); err != nil {
		return err
	}
	line, err := s.roundTrip(serialmux.FormatWrite(addr, value))
	if err != nil {
		return fmt.Errorf("write %#x: %w", addr, err)
	}
	if serialmux.ClassifyPayload(line) != serialmux.LineWriteAck {
		return fmt.Errorf("write %#x: unexpected reply %q", addr, line)
	}
	got, err := serialmux.ParseWriteAck(line)
	if err != nil {
		return fmt.Errorf("write %#x: %w", addr, err)
	}
	if got != addr {
		return fmt.Errorf("write %#x: ack for %#x", addr, got)
	}
	return nil
}

func (s *Serial) roundTrip(command string) (string, error) {
	s.reqMu.Lock()
	defer s.reqMu.Unlock()

	// discard anything that arrived unsolicited since the last request
	select {
	case <-s.replies:
	default:
	}

	if err := s.mux.SendCommand(command); err != nil {
		return "", err
	}
	select {
	case line := <-s.replies:
		if serialmux.ClassifyPayload(line) == serialmux.LineError {
			return "", fmt.Errorf("%w: %s", ErrBridge, strings.TrimSpace(strings.TrimPrefix(line, "ERR")))
		}
		return line, nil
	case <-s.done:
		return "", fmt.Errorf("%w: bridge subscription closed", ErrBridge)
	case <-s.clock.After(s.timeout):
		return "", ErrTimeout
	}
}

// Close stops routing bridge lines.
func (s *Serial) Close() error {
	s.mux.Unsubscribe(s.subID)
	<-s.done
	return nil
}
