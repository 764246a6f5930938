package gammaalg

import (
	"errors"
	"fmt"
)

// AUTO_LEVEL_CONTROL calibration layout.
const (
	ALCBlackPercent = iota
	ALCWhitePercent
	ALCDamping
	ALCMaxGain

	ALCSize
)

// DefaultAutoLevelControl clips 1% at each end, moves a quarter of the way
// to the target per frame, and allows up to 16x gain.
var DefaultAutoLevelControl = []uint32{1, 99, 4, 4096}

// inputRange is the span of input levels the histogram covers.
const inputRange = 4096

// ErrEmptyHistogram is returned when there is nothing to level.
var ErrEmptyHistogram = errors.New("histogram is empty")

type coreContext struct {
	id     uint32
	gain   uint32
	offset uint32
}

// Builtin returns the entry points of the built-in auto-level core.
func Builtin() EntryPoints {
	return EntryPoints{Init: CoreInit, Process: CoreProcess, Deinit: CoreDeinit}
}

// CoreInit starts a context at unity gain and zero offset.
func CoreInit(ctxID uint32) any {
	return &coreContext{id: ctxID, gain: UnityGain}
}

func CoreDeinit(ctx any) error {
	if _, ok := ctx.(*coreContext); !ok {
		return fmt.Errorf("unexpected context %T", ctx)
	}
	return nil
}

// CoreProcess stretches the range between the black and white percentiles
// of the histogram to the full output range. The result moves toward that
// target by 1/damping of the difference per call.
func CoreProcess(ctx any, stats *Stats, in *Input, out *Output) error {
	c, ok := ctx.(*coreContext)
	if !ok {
		return fmt.Errorf("unexpected context %T", ctx)
	}
	alc, err := autoLevelControl(in)
	if err != nil {
		return err
	}
	n := len(stats.Hist)
	if stats.Sum == 0 || n == 0 {
		return ErrEmptyHistogram
	}
	var total uint64
	for _, b := range stats.Hist {
		total += uint64(b)
	}
	if total == 0 {
		return ErrEmptyHistogram
	}

	blackBin := percentileBin(stats.Hist, total*uint64(alc[ALCBlackPercent])/100)
	whiteBin := percentileBin(stats.Hist, total*uint64(alc[ALCWhitePercent])/100)
	black := uint32(blackBin * inputRange / n)
	white := uint32((whiteBin + 1) * inputRange / n)
	if white <= black {
		white = black + 1
	}

	gain := uint32(UnityGain * inputRange / (white - black))
	gain = max(gain, UnityGain)
	gain = min(gain, alc[ALCMaxGain])

	damping := int64(alc[ALCDamping])
	c.gain = uint32(int64(c.gain) + (int64(gain)-int64(c.gain))/damping)
	c.offset = uint32(int64(c.offset) + (int64(black)-int64(c.offset))/damping)

	out.Gain = c.gain
	out.Offset = c.offset
	return nil
}

// percentileBin returns the first bin at which the cumulative count reaches
// threshold.
func percentileBin(hist []uint32, threshold uint64) int {
	var cum uint64
	for i, b := range hist {
		cum += uint64(b)
		if cum >= threshold {
			return i
		}
	}
	return len(hist) - 1
}

// autoLevelControl fills missing or zero calibration entries from the
// defaults and validates the result.
func autoLevelControl(in *Input) ([]uint32, error) {
	alc := make([]uint32, ALCSize)
	copy(alc, DefaultAutoLevelControl)
	if in != nil {
		for i, v := range in.AutoLevelControl {
			if i < ALCSize && v != 0 {
				alc[i] = v
			}
		}
	}
	if alc[ALCBlackPercent] >= alc[ALCWhitePercent] || alc[ALCWhitePercent] > 100 {
		return nil, fmt.Errorf("auto level percentiles %d..%d out of order", alc[ALCBlackPercent], alc[ALCWhitePercent])
	}
	if alc[ALCMaxGain] < UnityGain {
		return nil, fmt.Errorf("auto level max gain %d below unity", alc[ALCMaxGain])
	}
	return alc, nil
}
