package regbus

import (
	"fmt"
	"sync"
)

// Write records one register write made through a Memory bus.
type Write struct {
	Addr  uint32
	Value uint32
}

// Memory is an in-process register file. It backs the --dev simulator and is
// the fake used by tests: unwritten registers read as zero, every write is
// recorded in order, and individual addresses can be made to fail.
type Memory struct {
	mu     sync.Mutex
	regs   map[uint32]uint32
	writes []Write
	reads  int
	fail   map[uint32]error
}

// NewMemory returns an empty register file.
func NewMemory() *Memory {
	return &Memory{
		regs: make(map[uint32]uint32),
		fail: make(map[uint32]error),
	}
}

func (m *Memory) ReadReg(addr uint32) (uint32, error) {
	if err := checkAligned(addr); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	if err, ok := m.fail[addr]; ok {
		return 0, fmt.Errorf("read %#x: %w", addr, err)
	}
	return m.regs[addr], nil
}

func (m *Memory) WriteReg(addr, value uint32) error {
	if err := checkAligned(addr); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.fail[addr]; ok {
		return fmt.Errorf("write %#x: %w", addr, err)
	}
	m.regs[addr] = value
	m.writes = append(m.writes, Write{Addr: addr, Value: value})
	return nil
}

// Poke sets a register without recording a write, as hardware would when it
// updates a statistics register.
func (m *Memory) Poke(addr, value uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.regs[addr] = value
}

// PokeBlock sets consecutive registers starting at base.
func (m *Memory) PokeBlock(base uint32, values []uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, v := range values {
		m.regs[base+uint32(i)*4] = v
	}
}

// Peek returns a register value without counting a read.
func (m *Memory) Peek(addr uint32) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.regs[addr]
}

// FailAt makes every access to addr return err. A nil err clears it.
func (m *Memory) FailAt(addr uint32, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.fail, addr)
		return
	}
	m.fail[addr] = err
}

// Writes returns a copy of all recorded writes in order.
func (m *Memory) Writes() []Write {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Write, len(m.writes))
	copy(out, m.writes)
	return out
}

// Reads returns how many register reads were served.
func (m *Memory) Reads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads
}

// ResetLog forgets recorded writes and the read count.
func (m *Memory) ResetLog() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes = nil
	m.reads = 0
}
