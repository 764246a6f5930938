package serialmux

import (
	"fmt"
	"io"

	"go.bug.st/serial"
)

// SerialPorter is the part of a serial port the mux needs. Reads are
// expected to block until data arrives or the port is closed.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}

// OpenBridge opens the register bridge at path and wraps it in a mux.
func OpenBridge(path string, opts PortOptions) (*SerialMux[serial.Port], error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open register bridge %s: %w", path, err)
	}
	return NewSerialMux[serial.Port](port), nil
}
