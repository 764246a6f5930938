// Package histogram decodes the packed statistics histogram registers of the
// ISP into linear bin counts.
//
// Each bin is a 16-bit code: a 4-bit shift in bits 12-15 and a 12-bit
// mantissa in bits 0-11. A zero shift means the mantissa is already linear;
// any other shift carries an implicit leading one above the mantissa.
package histogram

import (
	"fmt"
	"strings"

	"github.com/banshee-data/isp-autolevel/internal/regbus"
)

// HistogramSize is the number of bins the hardware produces.
const HistogramSize = 32

const (
	mantissaBits = 12
	mantissaMask = 0x0FFF
	implicitOne  = 0x1000
	maxShift     = 0xF

	// MaxBin is the largest value a single bin can encode.
	MaxBin = uint32(implicitOne|mantissaMask) << (maxShift - 1)
)

// Layout selects how bins are packed into 32-bit registers.
type Layout int

const (
	// Narrow packs one bin per register in the low 16 bits.
	Narrow Layout = iota
	// Wide packs two bins per register: bin 2i low, bin 2i+1 high.
	Wide
)

func (l Layout) String() string {
	switch l {
	case Narrow:
		return "narrow"
	case Wide:
		return "wide"
	default:
		return fmt.Sprintf("layout(%d)", int(l))
	}
}

// Registers returns how many registers hold one full histogram.
func (l Layout) Registers() int {
	if l == Wide {
		return HistogramSize / 2
	}
	return HistogramSize
}

// ParseLayout accepts "narrow" or "wide".
func ParseLayout(s string) (Layout, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "narrow":
		return Narrow, nil
	case "wide":
		return Wide, nil
	}
	return 0, fmt.Errorf("unknown histogram layout %q (want narrow or wide)", s)
}

// Buffer is one decoded histogram and the sum of its bins.
type Buffer struct {
	Bins [HistogramSize]uint32
	Sum  uint32
}

// StatsReadError reports the register read that aborted a histogram decode.
type StatsReadError struct {
	Index int
	Addr  uint32
	Err   error
}

func (e *StatsReadError) Error() string {
	return fmt.Sprintf("histogram register %d (%#x): %v", e.Index, e.Addr, e.Err)
}

func (e *StatsReadError) Unwrap() error { return e.Err }

// DecodeBin expands one 16-bit bin code into its linear value.
func DecodeBin(v uint16) uint32 {
	shift := (v >> mantissaBits) & maxShift
	m := uint32(v & mantissaMask)
	if shift == 0 {
		return m
	}
	return (m | implicitOne) << (shift - 1)
}

// Encode returns the bin code with the smallest shift that represents value.
// Low bits that do not fit the mantissa are truncated and values above MaxBin
// saturate.
func Encode(value uint32) uint16 {
	if value <= mantissaMask {
		return uint16(value)
	}
	if value >= MaxBin {
		return 0xFFFF
	}
	shift := uint32(1)
	for value>>(shift-1) > implicitOne|mantissaMask {
		shift++
	}
	return uint16(shift<<mantissaBits | (value>>(shift-1))&mantissaMask)
}

// Pack encodes bins into the register image the statistics block produces
// for layout. It is the inverse of Read up to Encode's rounding.
func Pack(layout Layout, bins []uint32) []uint32 {
	if layout != Wide {
		regs := make([]uint32, len(bins))
		for i, b := range bins {
			regs[i] = uint32(Encode(b))
		}
		return regs
	}
	regs := make([]uint32, (len(bins)+1)/2)
	for i, b := range bins {
		code := uint32(Encode(b))
		if i%2 == 1 {
			code <<= 16
		}
		regs[i/2] |= code
	}
	return regs
}

// Read drains one histogram from the registers starting at base. The result
// is published only when every register read succeeds; on failure the zero
// Buffer and a *StatsReadError are returned.
func Read(bus regbus.Reader, base uint32, layout Layout) (Buffer, error) {
	var buf Buffer
	for i := 0; i < layout.Registers(); i++ {
		addr := base + uint32(i)*4
		v, err := bus.ReadReg(addr)
		if err != nil {
			return Buffer{}, &StatsReadError{Index: i, Addr: addr, Err: err}
		}
		if layout == Wide {
			buf.Bins[2*i] = DecodeBin(uint16(v))
			buf.Bins[2*i+1] = DecodeBin(uint16(v >> 16))
		} else {
			buf.Bins[i] = DecodeBin(uint16(v))
		}
	}
	for _, b := range buf.Bins {
		buf.Sum += b
	}
	return buf, nil
}
