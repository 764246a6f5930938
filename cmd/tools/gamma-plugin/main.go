// Command gamma-plugin is a shared gamma backend. Build it with
//
//	go build -buildmode=plugin -o libgamma_core.so ./cmd/tools/gamma-plugin
//
// and point ispd at it with backend mode "shared". It wraps the built-in
// percentile core, so it doubles as a template for custom backends: replace
// the bodies and keep the exported names and signatures.
package main

import (
	"github.com/banshee-data/isp-autolevel/internal/isp/gammaalg"
)

// GammaCoreInit creates the per-context state.
func GammaCoreInit(ctxID uint32) any {
	return gammaalg.CoreInit(ctxID)
}

// GammaCoreProc computes gain and offset from one histogram.
func GammaCoreProc(ctx any, stats *gammaalg.Stats, in *gammaalg.Input, out *gammaalg.Output) error {
	return gammaalg.CoreProcess(ctx, stats, in, out)
}

// GammaCoreDeinit releases the per-context state.
func GammaCoreDeinit(ctx any) error {
	return gammaalg.CoreDeinit(ctx)
}

// Exported entry points, checked at compile time against what the loader
// looks up.
var (
	_ gammaalg.InitFunc    = GammaCoreInit
	_ gammaalg.ProcessFunc = GammaCoreProc
	_ gammaalg.DeinitFunc  = GammaCoreDeinit
)

func main() {}
