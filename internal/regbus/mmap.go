package regbus

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/edsrzf/mmap-go"
)

// MMap is a register bus over a memory-mapped window of a device node, such as
// a UIO device exposing the ISP register block, or a plain file when replaying
// a captured register image.
type MMap struct {
	fd   *os.File
	data mmap.MMap
}

// OpenMMap maps size bytes of path starting at offset. offset must be a
// multiple of the system page size.
func OpenMMap(path string, offset int64, size int) (*MMap, error) {
	if size <= 0 || size%4 != 0 {
		return nil, fmt.Errorf("mmap window size %d must be a positive multiple of 4", size)
	}
	fd, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("open register window: %w", err)
	}
	data, err := mmap.MapRegion(fd, size, mmap.RDWR, 0, offset)
	if err != nil {
		fd.Close()
		return nil, fmt.Errorf("mmap error: %w", err)
	}
	return &MMap{fd: fd, data: data}, nil
}

func (m *MMap) ReadReg(addr uint32) (uint32, error) {
	if err := m.check(addr); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(m.data[addr : addr+4]), nil
}

func (m *MMap) WriteReg(addr, value uint32) error {
	if err := m.check(addr); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(m.data[addr:addr+4], value)
	return nil
}

// Flush forces written registers out to the backing file.
func (m *MMap) Flush() error {
	return m.data.Flush()
}

// Close unmaps the window and closes the device.
func (m *MMap) Close() error {
	unmapErr := m.data.Unmap()
	closeErr := m.fd.Close()
	if unmapErr != nil {
		return fmt.Errorf("unmap register window: %w", unmapErr)
	}
	return closeErr
}

func (m *MMap) check(addr uint32) error {
	if err := checkAligned(addr); err != nil {
		return err
	}
	if uint64(addr)+4 > uint64(len(m.data)) {
		return fmt.Errorf("%w: %#x beyond %d byte window", ErrOutOfRange, addr, len(m.data))
	}
	return nil
}
