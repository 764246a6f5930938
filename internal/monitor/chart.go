package monitor

import (
	"bytes"
	"fmt"
	"io"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"tailscale.com/tsweb"

	"github.com/banshee-data/isp-autolevel/internal/httputil"
)

// RenderDelayChart writes an HTML line chart of the recorded in-to-out and
// out-to-apply delays for alg.
func (m *Monitor) RenderDelayChart(w io.Writer, alg string) error {
	in2out, out2apply := m.History(alg)

	n := len(in2out)
	if len(out2apply) > n {
		n = len(out2apply)
	}
	x := make([]int, n)
	for i := range x {
		x[i] = i
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "ISP flow delays", Theme: "dark", Width: "900px", Height: "500px"}),
		charts.WithTitleOpts(opts.Title{Title: "Flow delay (frames)", Subtitle: fmt.Sprintf("algorithm=%s cycles=%d", alg, n)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "cycle", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "frames", NameLocation: "middle", NameGap: 30}),
	)
	line.SetXAxis(x).
		AddSeries("input to output", lineData(in2out)).
		AddSeries("output to apply", lineData(out2apply))

	return line.Render(w)
}

func lineData(h []uint32) []opts.LineData {
	out := make([]opts.LineData, len(h))
	for i, v := range h {
		out[i] = opts.LineData{Value: v}
	}
	return out
}

// AttachAdminRoutes adds the flow status and chart endpoints to mux.
func (m *Monitor) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("isp-flow", "flow monitor status", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, m.Statuses())
	})

	debug.HandleFunc("isp-flow-chart", "flow delay chart", func(w http.ResponseWriter, r *http.Request) {
		alg := r.URL.Query().Get("alg")
		if alg == "" {
			alg = "gamma"
		}
		if _, ok := m.Status(alg); !ok {
			httputil.WriteJSONError(w, http.StatusNotFound, "no flow recorded for "+alg)
			return
		}
		var buf bytes.Buffer
		if err := m.RenderDelayChart(&buf, alg); err != nil {
			httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render chart: %v", err))
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(buf.Bytes())
	})
}
