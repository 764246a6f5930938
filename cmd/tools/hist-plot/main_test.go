package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/isp-autolevel/internal/isp/gammaalg"
	"github.com/banshee-data/isp-autolevel/internal/isp/histogram"
	"github.com/banshee-data/isp-autolevel/internal/monitoring"
)

func quiet(t *testing.T) {
	t.Helper()
	prev := monitoring.Logf
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.SetLogger(prev) })
}

func band() []uint32 {
	bins := make([]uint32, histogram.HistogramSize)
	for i := 8; i <= 23; i++ {
		bins[i] = 100
	}
	return bins
}

func dump(regs []uint32) string {
	var b strings.Builder
	b.WriteString("# statistics dump\n\n")
	for _, r := range regs {
		fmt.Fprintf(&b, "0x%08X\n", r)
	}
	return b.String()
}

func TestParseDump(t *testing.T) {
	regs, err := parseDump(strings.NewReader("# header\n 0x10 \n\n17\n0X1F\n"))
	require.NoError(t, err)
	assert.Equal(t, []uint32{16, 17, 31}, regs)

	_, err = parseDump(strings.NewReader("1\nbogus\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
}

func TestParseALC(t *testing.T) {
	alc, err := parseALC("")
	require.NoError(t, err)
	assert.Nil(t, alc)

	alc, err = parseALC("2, 98, 1, 2048")
	require.NoError(t, err)
	assert.Equal(t, []uint32{2, 98, 1, 2048}, alc)

	_, err = parseALC("1,2")
	assert.Error(t, err)
	_, err = parseALC("1,2,x,4")
	assert.Error(t, err)
}

func TestDecodeAndEvaluate(t *testing.T) {
	quiet(t)
	for _, l := range []histogram.Layout{histogram.Narrow, histogram.Wide} {
		t.Run(l.String(), func(t *testing.T) {
			regs, err := parseDump(strings.NewReader(dump(histogram.Pack(l, band()))))
			require.NoError(t, err)
			buf, err := decode(regs, l)
			require.NoError(t, err)
			assert.Equal(t, uint32(1600), buf.Sum)

			res := evaluate(buf, gammaalg.Resolve(gammaalg.ResolveOptions{}), []uint32{1, 99, 1, 4096})
			require.NoError(t, res.Err)
			assert.Equal(t, "builtin", res.Source)
			assert.Equal(t, gammaalg.Output{Gain: 512, Offset: 1024}, res.Output)
		})
	}

	_, err := decode([]uint32{1, 2, 3}, histogram.Narrow)
	assert.Error(t, err)
}

func TestEvaluate_EmptyHistogram(t *testing.T) {
	quiet(t)
	res := evaluate(histogram.Buffer{}, gammaalg.Resolve(gammaalg.ResolveOptions{}), nil)
	assert.ErrorIs(t, res.Err, gammaalg.ErrEmptyHistogram)

	var out bytes.Buffer
	printSummary(&out, res)
	assert.Contains(t, out.String(), "compute:")
}

func TestWriteOutputs(t *testing.T) {
	quiet(t)
	buf := histogram.Buffer{Sum: 1600}
	copy(buf.Bins[:], band())
	res := evaluate(buf, gammaalg.Resolve(gammaalg.ResolveOptions{}), []uint32{1, 99, 1, 4096})

	path := filepath.Join(t.TempDir(), "hist.png")
	require.NoError(t, writePNG(res, path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "\x89PNG", string(data[:4]))

	var html bytes.Buffer
	require.NoError(t, writeHTML(res, &html))
	assert.Contains(t, html.String(), "gain=512 offset=1024")

	var summary bytes.Buffer
	printSummary(&summary, res)
	assert.Contains(t, summary.String(), "gain:    512 (2.000x)")
}
