package monitor

import (
	"sort"

	"gonum.org/v1/gonum/stat"
)

// DelayStats summarises the recent delay history in frames.
type DelayStats struct {
	N      int     `json:"n"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stddev"`
	P50    float64 `json:"p50"`
	P95    float64 `json:"p95"`
}

func computeStats(h []uint32) DelayStats {
	if len(h) == 0 {
		return DelayStats{}
	}
	x := make([]float64, len(h))
	for i, v := range h {
		x[i] = float64(v)
	}
	st := DelayStats{N: len(x)}
	st.Mean, st.StdDev = stat.MeanStdDev(x, nil)
	if len(x) < 2 {
		st.StdDev = 0
	}
	sort.Float64s(x)
	st.P50 = stat.Quantile(0.5, stat.Empirical, x, nil)
	st.P95 = stat.Quantile(0.95, stat.Empirical, x, nil)
	return st
}
