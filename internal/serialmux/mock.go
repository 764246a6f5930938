package serialmux

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"sync"
)

var errPortClosed = errors.New("serial port closed")

// FakePort is an in-memory SerialPorter. Reads block like a UART until data
// is queued or the port is closed. Each error field fails the next matching
// call once.
type FakePort struct {
	mu   sync.Mutex
	cond *sync.Cond

	rx, tx bytes.Buffer
	closed bool

	ReadError  error
	WriteError error
	CloseError error

	// Responder, if set, sees every command line written and its non-empty
	// reply is queued for reading.
	Responder func(command string) string
}

// NewFakePort returns an open port with nothing queued.
func NewFakePort() *FakePort {
	p := &FakePort{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *FakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ReadError; err != nil {
		p.ReadError = nil
		return 0, err
	}
	for !p.closed && p.rx.Len() == 0 {
		p.cond.Wait()
	}
	if p.closed {
		return 0, errPortClosed
	}
	return p.rx.Read(b)
}

func (p *FakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, errPortClosed
	}
	if err := p.WriteError; err != nil {
		p.WriteError = nil
		return 0, err
	}
	if p.Responder != nil {
		for _, line := range strings.Split(strings.TrimRight(string(b), "\n"), "\n") {
			if reply := p.Responder(line); reply != "" {
				p.rx.WriteString(reply + "\n")
			}
		}
		p.cond.Broadcast()
	}
	return p.tx.Write(b)
}

func (p *FakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.cond.Broadcast()
	return p.CloseError
}

// Closed reports whether Close has been called.
func (p *FakePort) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Feed queues bridge output for Read.
func (p *FakePort) Feed(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rx.WriteString(s)
	p.cond.Broadcast()
}

// Written returns everything written so far.
func (p *FakePort) Written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tx.String()
}

// RegisterFile is what BridgeResponder serves commands from.
type RegisterFile interface {
	ReadReg(addr uint32) (uint32, error)
	WriteReg(addr, value uint32) error
}

// BridgeResponder answers R and W commands the way the bridge firmware
// does, against regs. Anything else gets no reply.
func BridgeResponder(regs RegisterFile) func(string) string {
	return func(cmd string) string {
		fields := strings.Fields(cmd)
		if len(fields) == 0 {
			return ""
		}
		switch {
		case fields[0] == "R" && len(fields) == 2:
			addr, err := parseWord(fields[1])
			if err != nil {
				return "ERR parse"
			}
			v, err := regs.ReadReg(addr)
			if err != nil {
				return "ERR " + err.Error()
			}
			return fmt.Sprintf("= 0x%08x 0x%08x", addr, v)
		case fields[0] == "W" && len(fields) == 3:
			addr, err1 := parseWord(fields[1])
			value, err2 := parseWord(fields[2])
			if err1 != nil || err2 != nil {
				return "ERR parse"
			}
			if err := regs.WriteReg(addr, value); err != nil {
				return "ERR " + err.Error()
			}
			return fmt.Sprintf("OK 0x%08x", addr)
		}
		return ""
	}
}
