package main

import (
	"net/http"

	"github.com/banshee-data/isp-autolevel/internal/config"
	"github.com/banshee-data/isp-autolevel/internal/firmware"
	"github.com/banshee-data/isp-autolevel/internal/isp/flow"
	"github.com/banshee-data/isp-autolevel/internal/isp/gamma"
	"github.com/banshee-data/isp-autolevel/internal/monitor"
	"github.com/banshee-data/isp-autolevel/internal/regbus"
)

// app is one context's control loop: the manager, the gamma machine and the
// flow monitor it reports to.
type app struct {
	fwctx *firmware.Context
	mgr   *firmware.Manager
	gamma *gamma.FSM
	mon   *monitor.Monitor
}

// newApp wires the loop for cfg on bus and initialises the gamma machine.
// Flow reports reach sinks after the monitor has recorded them.
func newApp(cfg *config.Config, bus regbus.Bus, sinks ...flow.Reporter) *app {
	fwctx := firmware.NewContext(cfg.GetContextID())
	if alc := cfg.GetAutoLevelControl(); alc != nil {
		fwctx.SetCalibration(firmware.CalibrationAutoLevelControl, alc)
	}
	if custom := cfg.GetGammaCustom(); len(custom) > 0 {
		fwctx.SetCalibration(firmware.CalibrationGammaCustom, custom)
	}
	fwctx.SetManualAutoLevel(cfg.GetManualAutoLevel())

	mgr := firmware.NewManager(fwctx, cfg.GetEventQueueSize())
	mon := monitor.New(sinks...)
	g := gamma.New(gamma.Config{
		ContextID: cfg.GetContextID(),
		StatsBase: cfg.GetStatsBase(),
		Layout:    cfg.GetLayout(),
		Stages:    cfg.GetStages(),
		Backend:   cfg.GetBackend(),
	}, gamma.Deps{
		Bus:     bus,
		IRQ:     mgr.Controller(),
		Events:  mgr,
		Frames:  fwctx,
		Flow:    mon,
		Context: fwctx,
	})

	mgr.Register(g, mon)
	mgr.AddStatus(gamma.Name, func() any { return g.Snapshot() })
	mgr.AddStatus(monitor.Name, func() any { return mon.Statuses() })
	g.Init()

	return &app{fwctx: fwctx, mgr: mgr, gamma: g, mon: mon}
}

func (a *app) attachRoutes(mux *http.ServeMux) {
	a.mgr.AttachAdminRoutes(mux)
	a.mon.AttachAdminRoutes(mux)
}
