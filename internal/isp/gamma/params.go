package gamma

import (
	"encoding/binary"

	"github.com/banshee-data/isp-autolevel/internal/isp/actuate"
	"github.com/banshee-data/isp-autolevel/internal/isp/fsm"
	"github.com/banshee-data/isp-autolevel/internal/isp/histogram"
)

// Parameter payload sizes, little-endian 32-bit words.
const (
	// StatsPayloadSize is the sum followed by every bin.
	StatsPayloadSize = 4 + 4*histogram.HistogramSize
	// ResultSize is gain then offset.
	ResultSize = 8
)

// SetParam handles ParamSetGammaStats: the payload replaces the histogram and
// raises the stats-ready event. A wrong size leaves everything untouched.
func (f *FSM) SetParam(id fsm.ParamID, payload []byte) error {
	switch id {
	case fsm.ParamSetGammaStats:
		if err := fsm.CheckSize(id, StatsPayloadSize, len(payload)); err != nil {
			logger.Errorf("invalid param: %v", err)
			return err
		}
		f.hist = DecodeStats(payload)
		if !f.deps.Events.Raise(fsm.EventGammaStatsReady) {
			logger.Errorf("%s: stats-ready event dropped, histogram kept for the next cycle", id)
		}
		return nil
	}
	return fsm.Unknown(id)
}

// GetParam handles ParamGetGammaResult. out is written only on success.
func (f *FSM) GetParam(id fsm.ParamID, in, out []byte) error {
	switch id {
	case fsm.ParamGetGammaResult:
		if err := fsm.CheckSize(id, ResultSize, len(out)); err != nil {
			logger.Errorf("invalid param: %v", err)
			return err
		}
		EncodeResult(out, f.actuation)
		return nil
	}
	return fsm.Unknown(id)
}

// EncodeStats builds a ParamSetGammaStats payload.
func EncodeStats(buf histogram.Buffer) []byte {
	p := make([]byte, StatsPayloadSize)
	binary.LittleEndian.PutUint32(p, buf.Sum)
	for i, b := range buf.Bins {
		binary.LittleEndian.PutUint32(p[4+4*i:], b)
	}
	return p
}

// DecodeStats parses a payload of exactly StatsPayloadSize bytes.
func DecodeStats(p []byte) histogram.Buffer {
	var buf histogram.Buffer
	buf.Sum = binary.LittleEndian.Uint32(p)
	for i := range buf.Bins {
		buf.Bins[i] = binary.LittleEndian.Uint32(p[4+4*i:])
	}
	return buf
}

// EncodeResult fills a ResultSize buffer.
func EncodeResult(out []byte, s actuate.State) {
	binary.LittleEndian.PutUint32(out, s.Gain)
	binary.LittleEndian.PutUint32(out[4:], s.Offset)
}

// DecodeResult parses a ResultSize buffer.
func DecodeResult(out []byte) actuate.State {
	return actuate.State{
		Gain:   binary.LittleEndian.Uint32(out),
		Offset: binary.LittleEndian.Uint32(out[4:]),
	}
}
