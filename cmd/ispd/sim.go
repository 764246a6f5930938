package main

import (
	"context"
	"math/rand/v2"
	"time"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/banshee-data/isp-autolevel/internal/isp/histogram"
	"github.com/banshee-data/isp-autolevel/internal/isp/irq"
	"github.com/banshee-data/isp-autolevel/internal/regbus"
	"github.com/banshee-data/isp-autolevel/internal/timeutil"
)

// simPixels is the pixel count of one simulated frame.
const simPixels = 1 << 20

// simulator stands in for the sensor and statistics block on a memory bus.
// The scene is a normal distribution of levels whose mean and spread drift
// between statistics frames.
type simulator struct {
	bus        *regbus.Memory
	base       uint32
	layout     histogram.Layout
	statsEvery int
	raise      func(irq.Class)

	rng    *rand.Rand
	scene  distuv.Normal
	frames int
}

func newSimulator(bus *regbus.Memory, base uint32, layout histogram.Layout, statsEvery int, seed int64, raise func(irq.Class)) *simulator {
	if statsEvery < 1 {
		statsEvery = 1
	}
	return &simulator{
		bus:        bus,
		base:       base,
		layout:     layout,
		statsEvery: statsEvery,
		raise:      raise,
		rng:        rand.New(rand.NewPCG(uint64(seed), 0x15d)),
		scene:      distuv.Normal{Mu: histogram.HistogramSize / 2, Sigma: 4},
	}
}

// step simulates one frame: a frame start and, every statsEvery frames, a
// fresh histogram followed by its interrupt.
func (s *simulator) step() {
	s.raise(irq.FrameStart)
	s.frames++
	if s.frames%s.statsEvery != 0 {
		return
	}
	s.drift()
	// bound the write log
	s.bus.ResetLog()
	s.bus.PokeBlock(s.base, histogram.Pack(s.layout, s.levels()))
	s.raise(irq.AntifogHist)
}

func (s *simulator) drift() {
	s.scene.Mu = clamp(s.scene.Mu+s.rng.NormFloat64()*0.5, 3, histogram.HistogramSize-4)
	s.scene.Sigma = clamp(s.scene.Sigma+s.rng.NormFloat64()*0.2, 1.5, 8)
}

func (s *simulator) levels() []uint32 {
	bins := make([]uint32, histogram.HistogramSize)
	for i := range bins {
		bins[i] = uint32(simPixels * s.scene.Prob(float64(i)))
	}
	return bins
}

func (s *simulator) run(ctx context.Context, clock timeutil.Clock, interval time.Duration) {
	t := clock.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C():
			s.step()
		}
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
