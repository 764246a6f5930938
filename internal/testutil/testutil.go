// Package testutil provides shared test fixtures: histogram register images,
// a flow report recorder and small HTTP helpers.
package testutil

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/banshee-data/isp-autolevel/internal/isp/flow"
	"github.com/banshee-data/isp-autolevel/internal/isp/histogram"
	"github.com/banshee-data/isp-autolevel/internal/regbus"
)

// StatsBase is the default statistics register base.
const StatsBase = 0x18000

// LoadHistogram writes bins into mem at base the way the statistics block
// would, without recording bus writes.
func LoadHistogram(mem *regbus.Memory, base uint32, layout histogram.Layout, bins []uint32) {
	mem.PokeBlock(base, histogram.Pack(layout, bins))
}

// Band returns a histogram with v in bins from..to inclusive.
func Band(from, to int, v uint32) []uint32 {
	bins := make([]uint32, histogram.HistogramSize)
	for i := from; i <= to; i++ {
		bins[i] = v
	}
	return bins
}

// FlowRecorder is a flow.Reporter that keeps every report.
type FlowRecorder struct {
	mu      sync.Mutex
	reports []flow.Report
}

func (r *FlowRecorder) ReportFlow(rep flow.Report) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, rep)
}

// Reports returns a copy of what was reported so far.
func (r *FlowRecorder) Reports() []flow.Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]flow.Report(nil), r.reports...)
}

// States returns just the reported states, in order.
func (r *FlowRecorder) States() []flow.State {
	var out []flow.State
	for _, rep := range r.Reports() {
		out = append(out, rep.State)
	}
	return out
}

func (r *FlowRecorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = nil
}

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t *testing.T, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}

// NewTestRecorder creates a test response recorder.
func NewTestRecorder() *httptest.ResponseRecorder {
	return httptest.NewRecorder()
}

// NewLocalRequest creates a request from loopback, which the tsweb debug
// handlers require.
func NewLocalRequest(method, path string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, path, body)
	req.RemoteAddr = "127.0.0.1:12345"
	return req
}
