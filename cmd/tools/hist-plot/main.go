// Command hist-plot decodes a dump of the histogram statistics registers,
// runs it through a gamma backend and plots the result.
//
// The dump is one register value per line, decimal or 0x-prefixed hex;
// blank lines and lines starting with # are ignored.
//
//	hist-plot -in stats.txt -layout wide -png hist.png -html hist.html
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/banshee-data/isp-autolevel/internal/isp/gammaalg"
	"github.com/banshee-data/isp-autolevel/internal/isp/histogram"
	"github.com/banshee-data/isp-autolevel/internal/regbus"
)

var (
	inPath   = flag.String("in", "", "Register dump to decode (default stdin)")
	layout   = flag.String("layout", "narrow", "Register layout: narrow or wide")
	pngPath  = flag.String("png", "", "Write a PNG bar chart here")
	htmlPath = flag.String("html", "", "Write an interactive HTML chart here")
	alcFlag  = flag.String("alc", "", "AUTO_LEVEL_CONTROL as black,white,damping,maxgain (default built in)")
	mode     = flag.String("backend", "static", "Backend: static or shared")
	module   = flag.String("module", "", "Shared module to try first with -backend shared")
)

// result is one decoded histogram and what the backend made of it.
type result struct {
	Buffer histogram.Buffer
	Output gammaalg.Output
	Source string
	Err    error
}

func parseDump(r io.Reader) ([]uint32, error) {
	var regs []uint32
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		s := strings.TrimSpace(sc.Text())
		if s == "" || strings.HasPrefix(s, "#") {
			continue
		}
		v, err := strconv.ParseUint(s, 0, 32)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		regs = append(regs, uint32(v))
	}
	return regs, sc.Err()
}

func parseALC(s string) ([]uint32, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	if len(parts) != gammaalg.ALCSize {
		return nil, fmt.Errorf("want %d comma separated values, got %d", gammaalg.ALCSize, len(parts))
	}
	out := make([]uint32, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseUint(strings.TrimSpace(p), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("value %d: %w", i, err)
		}
		out[i] = uint32(v)
	}
	return out, nil
}

// decode loads regs into a scratch register file and reads it back the way
// the control loop does.
func decode(regs []uint32, l histogram.Layout) (histogram.Buffer, error) {
	if len(regs) != l.Registers() {
		return histogram.Buffer{}, fmt.Errorf("%s layout needs %d registers, dump has %d", l, l.Registers(), len(regs))
	}
	mem := regbus.NewMemory()
	mem.PokeBlock(0, regs)
	return histogram.Read(mem, 0, l)
}

func evaluate(buf histogram.Buffer, h *gammaalg.Handle, alc []uint32) result {
	res := result{Buffer: buf, Source: h.Source()}
	h.Init(0)
	defer h.Deinit()
	stats := &gammaalg.Stats{Hist: buf.Bins[:], Sum: buf.Sum}
	res.Err = h.Process(stats, &gammaalg.Input{AutoLevelControl: alc}, &res.Output)
	return res
}

func main() {
	flag.Parse()

	l, err := histogram.ParseLayout(*layout)
	if err != nil {
		log.Fatal(err)
	}
	alc, err := parseALC(*alcFlag)
	if err != nil {
		log.Fatalf("invalid -alc: %v", err)
	}
	m, err := gammaalg.ParseMode(*mode)
	if err != nil {
		log.Fatal(err)
	}

	var in io.Reader = os.Stdin
	if *inPath != "" {
		f, err := os.Open(*inPath)
		if err != nil {
			log.Fatalf("failed to open dump: %v", err)
		}
		defer f.Close()
		in = f
	}
	regs, err := parseDump(in)
	if err != nil {
		log.Fatalf("failed to parse dump: %v", err)
	}
	buf, err := decode(regs, l)
	if err != nil {
		log.Fatalf("failed to decode histogram: %v", err)
	}

	h := gammaalg.Resolve(gammaalg.ResolveOptions{Mode: m, CustomPath: *module})
	res := evaluate(buf, h, alc)
	printSummary(os.Stdout, res)

	if *pngPath != "" {
		if err := writePNG(res, *pngPath); err != nil {
			log.Fatalf("failed to write PNG: %v", err)
		}
		log.Printf("wrote %s", *pngPath)
	}
	if *htmlPath != "" {
		f, err := os.Create(*htmlPath)
		if err != nil {
			log.Fatalf("failed to create HTML: %v", err)
		}
		if err := writeHTML(res, f); err != nil {
			f.Close()
			log.Fatalf("failed to write HTML: %v", err)
		}
		if err := f.Close(); err != nil {
			log.Fatalf("failed to write HTML: %v", err)
		}
		log.Printf("wrote %s", *htmlPath)
	}
}

func printSummary(w io.Writer, res result) {
	fmt.Fprintf(w, "backend: %s\n", res.Source)
	fmt.Fprintf(w, "sum:     %d\n", res.Buffer.Sum)
	for i, v := range res.Buffer.Bins {
		fmt.Fprintf(w, "bin %2d:  %d\n", i, v)
	}
	if res.Err != nil {
		fmt.Fprintf(w, "compute: %v\n", res.Err)
		return
	}
	fmt.Fprintf(w, "gain:    %d (%.3fx)\n", res.Output.Gain, float64(res.Output.Gain)/gammaalg.UnityGain)
	fmt.Fprintf(w, "offset:  %d\n", res.Output.Offset)
}
