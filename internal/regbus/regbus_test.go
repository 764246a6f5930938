package regbus

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/isp-autolevel/internal/serialmux"
	"github.com/banshee-data/isp-autolevel/internal/timeutil"
)

func TestMemory_ReadWrite(t *testing.T) {
	m := NewMemory()

	v, err := m.ReadReg(0x100)
	require.NoError(t, err)
	assert.Zero(t, v)

	require.NoError(t, m.WriteReg(0x100, 0xabcd))
	v, err = m.ReadReg(0x100)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xabcd), v)

	m.Poke(0x104, 7)
	assert.Equal(t, []Write{{Addr: 0x100, Value: 0xabcd}}, m.Writes(), "Poke is not a bus write")
	assert.Equal(t, 2, m.Reads())

	_, err = m.ReadReg(0x102)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestMemory_FailAt(t *testing.T) {
	m := NewMemory()
	boom := errors.New("bus fault")
	m.FailAt(0x8, boom)

	_, err := m.ReadReg(0x8)
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, m.WriteReg(0x8, 1), boom)

	m.FailAt(0x8, nil)
	assert.NoError(t, m.WriteReg(0x8, 1))
}

func TestMMap_ReadWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "regs.bin")
	require.NoError(t, os.WriteFile(path, make([]byte, 4096), 0o600))

	bus, err := OpenMMap(path, 0, 4096)
	require.NoError(t, err)

	require.NoError(t, bus.WriteReg(0x10, 0x01020304))
	v, err := bus.ReadReg(0x10)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x01020304), v)

	_, err = bus.ReadReg(4096)
	assert.ErrorIs(t, err, ErrOutOfRange)

	require.NoError(t, bus.Flush())
	require.NoError(t, bus.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x04, 0x03, 0x02, 0x01}, raw[0x10:0x14], "registers are little-endian")
}

func TestOpenMMap_BadSize(t *testing.T) {
	_, err := OpenMMap("/nonexistent", 0, 6)
	assert.Error(t, err)
}

// bridge wires a Serial bus to a fake bridge backed by regs.
func bridge(t *testing.T, regs *Memory) (*Serial, *serialmux.FakePort) {
	t.Helper()
	port := serialmux.NewFakePort()
	port.Responder = serialmux.BridgeResponder(regs)

	mux := serialmux.NewSerialMux(port)
	ctx, cancel := context.WithCancel(context.Background())
	go mux.Monitor(ctx)

	bus := NewSerial(mux, nil, 500*time.Millisecond)
	t.Cleanup(func() {
		cancel()
		mux.Close()
	})
	return bus, port
}

func TestSerial_ReadWrite(t *testing.T) {
	regs := NewMemory()
	regs.Poke(0x18000, 0x00010005)
	bus, _ := bridge(t, regs)

	v, err := bus.ReadReg(0x18000)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x00010005), v)

	require.NoError(t, bus.WriteReg(0x4c00, 300))
	assert.Equal(t, uint32(300), regs.Peek(0x4c00))
}

func TestSerial_BridgeError(t *testing.T) {
	regs := NewMemory()
	regs.FailAt(0x20, errors.New("no such register"))
	bus, _ := bridge(t, regs)

	_, err := bus.ReadReg(0x20)
	assert.ErrorIs(t, err, ErrBridge)
}

func TestSerial_Timeout(t *testing.T) {
	port := serialmux.NewFakePort()
	mux := serialmux.NewSerialMux(port)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mux.Monitor(ctx)
	defer mux.Close()

	clock := timeutil.NewFakeClock(time.Unix(0, 0))
	bus := NewSerial(mux, clock, 20*time.Millisecond)
	errc := make(chan error, 1)
	go func() {
		_, err := bus.ReadReg(0x0)
		errc <- err
	}()

	require.Eventually(t, func() bool { return clock.Waiters() == 1 }, time.Second, time.Millisecond)
	clock.Advance(19 * time.Millisecond)
	select {
	case err := <-errc:
		t.Fatalf("returned before the timeout: %v", err)
	case <-time.After(10 * time.Millisecond):
	}
	clock.Advance(time.Millisecond)
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrTimeout)
	case <-time.After(time.Second):
		t.Fatal("read did not time out")
	}
}

func TestSerial_ForwardsInterrupts(t *testing.T) {
	bus, port := bridge(t, NewMemory())

	port.Feed("IRQ 5\n")
	select {
	case class := <-bus.Interrupts():
		assert.Equal(t, uint8(5), class)
	case <-time.After(time.Second):
		t.Fatal("interrupt was not forwarded")
	}
}
