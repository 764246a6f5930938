package main

import (
	"fmt"
	"io"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

func title(res result) string {
	if res.Err != nil {
		return fmt.Sprintf("sum=%d backend=%s (compute failed)", res.Buffer.Sum, res.Source)
	}
	return fmt.Sprintf("sum=%d gain=%d offset=%d backend=%s", res.Buffer.Sum, res.Output.Gain, res.Output.Offset, res.Source)
}

func writePNG(res result, path string) error {
	values := make(plotter.Values, len(res.Buffer.Bins))
	for i, v := range res.Buffer.Bins {
		values[i] = float64(v)
	}

	p := plot.New()
	p.Title.Text = "Histogram " + title(res)
	p.X.Label.Text = "Bin"
	p.Y.Label.Text = "Count"

	bars, err := plotter.NewBarChart(values, vg.Points(12))
	if err != nil {
		return fmt.Errorf("failed to create bar chart: %w", err)
	}
	bars.LineStyle.Width = vg.Length(0)
	p.Add(bars)

	return p.Save(10*vg.Inch, 5*vg.Inch, path)
}

func writeHTML(res result, w io.Writer) error {
	x := make([]int, len(res.Buffer.Bins))
	data := make([]opts.BarData, len(res.Buffer.Bins))
	for i, v := range res.Buffer.Bins {
		x[i] = i
		data[i] = opts.BarData{Value: v}
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Histogram", Theme: "dark", Width: "900px", Height: "500px"}),
		charts.WithTitleOpts(opts.Title{Title: "Histogram", Subtitle: title(res)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "bin", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "count", NameLocation: "middle", NameGap: 50}),
	)
	bar.SetXAxis(x).AddSeries("bins", data)
	return bar.Render(w)
}
