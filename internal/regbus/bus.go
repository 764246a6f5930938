// Package regbus is the ISP register boundary. Addresses are byte offsets into
// the ISP register window and every register is a 32-bit word.
package regbus

import (
	"errors"
	"fmt"
)

var (
	// ErrOutOfRange is returned for an address outside the mapped window or
	// not aligned to a word.
	ErrOutOfRange = errors.New("register address out of range")
	// ErrTimeout is returned when a remote bus does not answer in time.
	ErrTimeout = errors.New("register access timed out")
	// ErrBridge is returned when the remote bridge reports an error.
	ErrBridge = errors.New("register bridge error")
)

// Reader reads one 32-bit register.
type Reader interface {
	ReadReg(addr uint32) (uint32, error)
}

// Writer writes one 32-bit register.
type Writer interface {
	WriteReg(addr, value uint32) error
}

// Bus is a full register bus.
type Bus interface {
	Reader
	Writer
}

func checkAligned(addr uint32) error {
	if addr%4 != 0 {
		return fmt.Errorf("%w: %#x is not word aligned", ErrOutOfRange, addr)
	}
	return nil
}
