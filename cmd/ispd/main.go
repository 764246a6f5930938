// Command ispd runs the gamma auto-level control loop against a register bus:
// an mmap'd ISP window, a UART register bridge, or an in-process simulator.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"tailscale.com/tsweb"

	"github.com/banshee-data/isp-autolevel/internal/config"
	"github.com/banshee-data/isp-autolevel/internal/db"
	"github.com/banshee-data/isp-autolevel/internal/isp/actuate"
	"github.com/banshee-data/isp-autolevel/internal/isp/flow"
	"github.com/banshee-data/isp-autolevel/internal/isp/irq"
	"github.com/banshee-data/isp-autolevel/internal/monitor"
	"github.com/banshee-data/isp-autolevel/internal/monitoring"
	"github.com/banshee-data/isp-autolevel/internal/regbus"
	"github.com/banshee-data/isp-autolevel/internal/serialmux"
	"github.com/banshee-data/isp-autolevel/internal/timeutil"
	"github.com/banshee-data/isp-autolevel/internal/version"
)

var (
	configFile  = flag.String("config", "", "Path to JSON configuration file (defaults built in)")
	listen      = flag.String("listen", "", "Debug HTTP listen address (overrides config)")
	devMode     = flag.Bool("dev", false, "Run against the in-process sensor simulator")
	dbPath      = flag.String("db", "", "SQLite database for flow history (overrides config; empty disables)")
	port        = flag.String("port", "", "Register bus device: mmap node or serial port (overrides config)")
	mqttBroker  = flag.String("mqtt", "", "MQTT broker URL for flow reports (overrides config)")
	debug       = flag.Bool("debug", false, "Enable debug logging")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func loadConfig() *config.Config {
	cfg := &config.Config{}
	if *configFile != "" {
		var err error
		cfg, err = config.LoadConfig(*configFile)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}
	if *listen != "" {
		cfg.Listen = listen
	}
	if *dbPath != "" {
		cfg.DBPath = dbPath
	}
	if *mqttBroker != "" {
		if cfg.MQTT == nil {
			cfg.MQTT = &config.MQTTConfig{}
		}
		cfg.MQTT.Broker = mqttBroker
	}
	if *port != "" {
		if cfg.Bus == nil {
			cfg.Bus = &config.BusConfig{}
		}
		cfg.Bus.Device = port
	}
	if *devMode {
		kind := config.BusMemory
		if cfg.Bus == nil {
			cfg.Bus = &config.BusConfig{}
		}
		cfg.Bus.Kind = &kind
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	return cfg
}

// bus is the opened register transport and whatever must run or close
// alongside it.
type bus struct {
	regbus.Bus
	mem        *regbus.Memory
	interrupts <-chan uint8
	monitor    func(context.Context) error
	routes     func(*http.ServeMux)
	closer     io.Closer
}

func openBus(cfg *config.Config) (*bus, error) {
	switch cfg.GetBusKind() {
	case config.BusMMap:
		offset, size := cfg.GetMMapWindow()
		m, err := regbus.OpenMMap(cfg.GetBusDevice(), offset, size)
		if err != nil {
			return nil, err
		}
		log.Printf("mapped %d bytes of %s at offset %#x", size, cfg.GetBusDevice(), offset)
		return &bus{Bus: m, closer: m}, nil

	case config.BusSerial:
		mux, err := serialmux.OpenBridge(cfg.GetBusDevice(), cfg.GetSerialOptions())
		if err != nil {
			return nil, err
		}
		if err := mux.Initialise(); err != nil {
			mux.Close()
			return nil, fmt.Errorf("failed to initialise register bridge: %w", err)
		}
		s := regbus.NewSerial(mux, timeutil.RealClock{}, cfg.GetBusTimeout())
		log.Printf("register bridge on %s at %s", cfg.GetBusDevice(), cfg.GetSerialOptions())
		return &bus{
			Bus:        s,
			interrupts: s.Interrupts(),
			monitor:    mux.Monitor,
			routes:     mux.AttachAdminRoutes,
			closer:     closers{s, mux},
		}, nil

	default:
		mem := regbus.NewMemory()
		return &bus{Bus: mem, mem: mem}, nil
	}
}

type closers []io.Closer

func (cs closers) Close() error {
	var first error
	for _, c := range cs {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	cfg := loadConfig()
	monitoring.SetDebug(*debug || cfg.GetDebug())
	log.Printf("starting %s", version.String())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := openBus(cfg)
	if err != nil {
		log.Fatalf("failed to open register bus: %v", err)
	}
	if b.closer != nil {
		defer b.closer.Close()
	}

	var (
		sinks    []flow.Reporter
		shutdown []func()
		store    *db.DB
	)
	if path := cfg.GetDBPath(); path != "" {
		store, err = db.NewDB(path)
		if err != nil {
			log.Fatalf("failed to open database: %v", err)
		}
		defer store.Close()
		if _, err := store.StartSession(cfg.GetContextID(), version.Version); err != nil {
			log.Fatalf("failed to start session: %v", err)
		}
		s := monitor.NewAsyncSink(store, 0)
		sinks = append(sinks, s)
		shutdown = append(shutdown, s.Close)
	}
	if broker := cfg.GetMQTTBroker(); broker != "" {
		mcfg := monitor.MQTTConfig{
			Broker:   broker,
			ClientID: cfg.GetMQTTClientID(),
			Topic:    cfg.GetMQTTTopic(),
			QoS:      cfg.GetMQTTQoS(),
			Timeout:  cfg.GetMQTTTimeout(),
		}
		client, err := monitor.NewMQTTClient(mcfg)
		if err != nil {
			log.Fatalf("failed to connect to mqtt broker: %v", err)
		}
		defer client.Disconnect(250)
		s := monitor.NewAsyncSink(monitor.NewMQTTSink(client, mcfg), 0)
		sinks = append(sinks, s)
		shutdown = append(shutdown, s.Close)
	}

	a := newApp(cfg, b, sinks...)
	if store != nil {
		rec := newActuationRecorder(store, func() actuate.State { return a.gamma.Snapshot().Actuation })
		a.mon.AddSink(rec)
		shutdown = append(shutdown, rec.Close)
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.mgr.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("control loop stopped: %v", err)
		}
		log.Print("control loop terminated")
	}()

	if b.monitor != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := b.monitor(ctx); err != nil && err != context.Canceled {
				log.Printf("failed to monitor register bridge: %v", err)
			}
			log.Print("bridge monitor terminated")
		}()
	}

	if b.interrupts != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case n, ok := <-b.interrupts:
					if !ok {
						return
					}
					a.mgr.Interrupt(irq.Class(n))
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	if b.mem != nil {
		sim := newSimulator(b.mem, cfg.GetStatsBase(), cfg.GetLayout(), cfg.GetStatsEvery(), cfg.GetSimSeed(), a.mgr.Interrupt)
		log.Printf("simulating frames every %s, statistics every %d frames", cfg.GetFrameInterval(), cfg.GetStatsEvery())
		wg.Add(1)
		go func() {
			defer wg.Done()
			sim.run(ctx, timeutil.RealClock{}, cfg.GetFrameInterval())
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := http.NewServeMux()
		a.attachRoutes(mux)
		if store != nil {
			if err := store.AttachAdminRoutes(mux); err != nil {
				log.Printf("database debug routes unavailable: %v", err)
			}
		}
		if b.routes != nil {
			b.routes(mux)
		}
		tsweb.Debugger(mux).HandleSilentFunc("ispd-version", func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprintln(w, version.String())
		})

		server := &http.Server{
			Addr:    cfg.GetListen(),
			Handler: mux,
		}

		go func() {
			log.Printf("debug server listening on %s", cfg.GetListen())
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}
		log.Printf("HTTP server routine stopped")
	}()

	wg.Wait()

	// the loop has stopped, so the machine can be torn down from here
	a.gamma.Deinit()
	for _, fn := range shutdown {
		fn()
	}
	log.Printf("Graceful shutdown complete")
}
