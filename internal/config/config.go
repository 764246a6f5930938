// Package config loads the ispd daemon configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/isp-autolevel/internal/isp/actuate"
	"github.com/banshee-data/isp-autolevel/internal/isp/gammaalg"
	"github.com/banshee-data/isp-autolevel/internal/isp/histogram"
	"github.com/banshee-data/isp-autolevel/internal/serialmux"
)

// DefaultConfigPath is the path to the canonical defaults file.
const DefaultConfigPath = "config/ispd.defaults.json"

// Bus kinds.
const (
	BusMemory = "memory"
	BusMMap   = "mmap"
	BusSerial = "serial"
)

// Config is the daemon configuration. Every field is optional; the Get*
// methods fill in defaults for anything omitted.
type Config struct {
	ContextID      *uint32  `json:"context_id,omitempty"`
	Listen         *string  `json:"listen,omitempty"`
	DBPath         *string  `json:"db_path,omitempty"`
	EventQueueSize *int     `json:"event_queue_size,omitempty"`
	Debug          *bool    `json:"debug,omitempty"`
	ManualAuto     *bool    `json:"manual_auto_level,omitempty"`
	AutoLevel      []uint32 `json:"auto_level_control,omitempty"`
	GammaCustom    []uint32 `json:"gamma_custom,omitempty"`

	Stats   *StatsConfig   `json:"stats,omitempty"`
	Stages  []StageConfig  `json:"stages,omitempty"`
	Backend *BackendConfig `json:"backend,omitempty"`
	Bus     *BusConfig     `json:"bus,omitempty"`
	MQTT    *MQTTConfig    `json:"mqtt,omitempty"`
	Sim     *SimConfig     `json:"sim,omitempty"`
}

type StatsConfig struct {
	Base   *uint32 `json:"base,omitempty"`
	Layout *string `json:"layout,omitempty"` // "narrow" or "wide"
}

type StageConfig struct {
	Name string `json:"name"`
	Base uint32 `json:"base"`
}

type BackendConfig struct {
	Mode        *string `json:"mode,omitempty"` // "static" or "shared"
	CustomPath  *string `json:"custom_path,omitempty"`
	DefaultPath *string `json:"default_path,omitempty"`
}

// BusConfig selects the register transport.
type BusConfig struct {
	Kind    *string                `json:"kind,omitempty"`
	Device  *string                `json:"device,omitempty"`
	Offset  *int64                 `json:"offset,omitempty"`
	Size    *int                   `json:"size,omitempty"`
	Timeout *string                `json:"timeout,omitempty"` // duration string like "50ms"
	Serial  *serialmux.PortOptions `json:"serial,omitempty"`
}

type MQTTConfig struct {
	Broker   *string `json:"broker,omitempty"`
	ClientID *string `json:"client_id,omitempty"`
	Topic    *string `json:"topic,omitempty"`
	QoS      *int    `json:"qos,omitempty"`
	Timeout  *string `json:"timeout,omitempty"`
}

// SimConfig drives the in-process sensor simulator used with the memory bus.
type SimConfig struct {
	FrameInterval *string `json:"frame_interval,omitempty"`
	StatsEvery    *int    `json:"stats_every,omitempty"`
	Seed          *int64  `json:"seed,omitempty"`
}

// LoadConfig loads a Config from a JSON file.
// The file is validated to ensure it has a .json extension and is under the max file size.
func LoadConfig(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching parent
// directories. Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *Config {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *Config) Validate() error {
	if c.Stats != nil && c.Stats.Layout != nil {
		if _, err := histogram.ParseLayout(*c.Stats.Layout); err != nil {
			return err
		}
	}
	if c.Stats != nil && c.Stats.Base != nil && *c.Stats.Base%4 != 0 {
		return fmt.Errorf("stats.base 0x%x is not word aligned", *c.Stats.Base)
	}

	if c.Backend != nil && c.Backend.Mode != nil {
		if _, err := gammaalg.ParseMode(*c.Backend.Mode); err != nil {
			return err
		}
	}

	if c.AutoLevel != nil && len(c.AutoLevel) != gammaalg.ALCSize {
		return fmt.Errorf("auto_level_control must have %d entries, got %d", gammaalg.ALCSize, len(c.AutoLevel))
	}

	if c.EventQueueSize != nil && *c.EventQueueSize < 2 {
		return fmt.Errorf("event_queue_size must be at least 2, got %d", *c.EventQueueSize)
	}

	seen := make(map[string]bool)
	for _, s := range c.Stages {
		if s.Name == "" {
			return fmt.Errorf("stage with base 0x%x has no name", s.Base)
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate stage %q", s.Name)
		}
		seen[s.Name] = true
		if s.Base%4 != 0 {
			return fmt.Errorf("stage %q base 0x%x is not word aligned", s.Name, s.Base)
		}
	}

	if c.Bus != nil {
		if c.Bus.Kind != nil {
			switch *c.Bus.Kind {
			case BusMemory, BusMMap, BusSerial:
			default:
				return fmt.Errorf("unknown bus kind %q", *c.Bus.Kind)
			}
			if *c.Bus.Kind != BusMemory && (c.Bus.Device == nil || *c.Bus.Device == "") {
				return fmt.Errorf("bus kind %q needs a device", *c.Bus.Kind)
			}
		}
		if err := validateDuration("bus.timeout", c.Bus.Timeout); err != nil {
			return err
		}
		if c.Bus.Serial != nil {
			if _, err := c.Bus.Serial.Normalise(); err != nil {
				return err
			}
		}
	}

	if c.MQTT != nil {
		if c.MQTT.QoS != nil && (*c.MQTT.QoS < 0 || *c.MQTT.QoS > 2) {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", *c.MQTT.QoS)
		}
		if err := validateDuration("mqtt.timeout", c.MQTT.Timeout); err != nil {
			return err
		}
	}

	if c.Sim != nil {
		if err := validateDuration("sim.frame_interval", c.Sim.FrameInterval); err != nil {
			return err
		}
		if c.Sim.StatsEvery != nil && *c.Sim.StatsEvery < 1 {
			return fmt.Errorf("sim.stats_every must be positive, got %d", *c.Sim.StatsEvery)
		}
	}

	return nil
}

func validateDuration(name string, s *string) error {
	if s == nil || *s == "" {
		return nil
	}
	if _, err := time.ParseDuration(*s); err != nil {
		return fmt.Errorf("invalid %s '%s': %w", name, *s, err)
	}
	return nil
}

func durationOr(s *string, def time.Duration) time.Duration {
	if s == nil || *s == "" {
		return def
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return def
	}
	return d
}

func stringOr(s *string, def string) string {
	if s == nil || *s == "" {
		return def
	}
	return *s
}

func (c *Config) GetContextID() uint32 {
	if c.ContextID == nil {
		return 0
	}
	return *c.ContextID
}

func (c *Config) GetListen() string { return stringOr(c.Listen, "localhost:8090") }

// GetDBPath returns the database path. Empty disables persistence.
func (c *Config) GetDBPath() string {
	if c.DBPath == nil {
		return ""
	}
	return *c.DBPath
}

func (c *Config) GetEventQueueSize() int {
	if c.EventQueueSize == nil {
		return 64
	}
	return *c.EventQueueSize
}

func (c *Config) GetDebug() bool { return c.Debug != nil && *c.Debug }

func (c *Config) GetManualAutoLevel() bool { return c.ManualAuto != nil && *c.ManualAuto }

// GetAutoLevelControl returns the calibration, or nil to keep the built-in
// defaults.
func (c *Config) GetAutoLevelControl() []uint32 {
	return append([]uint32(nil), c.AutoLevel...)
}

func (c *Config) GetGammaCustom() []uint32 {
	return append([]uint32(nil), c.GammaCustom...)
}

func (c *Config) GetStatsBase() uint32 {
	if c.Stats == nil || c.Stats.Base == nil {
		return 0x0001_8000
	}
	return *c.Stats.Base
}

func (c *Config) GetLayout() histogram.Layout {
	if c.Stats == nil || c.Stats.Layout == nil {
		return histogram.Narrow
	}
	l, err := histogram.ParseLayout(*c.Stats.Layout)
	if err != nil {
		return histogram.Narrow
	}
	return l
}

// GetStages returns the actuation stages, defaulting to the full resolution
// and downscaled pipes.
func (c *Config) GetStages() []actuate.Stage {
	if len(c.Stages) == 0 {
		return []actuate.Stage{
			{Name: "fr", Base: actuate.FullResBase},
			{Name: "ds1", Base: actuate.DownscaledBase},
		}
	}
	out := make([]actuate.Stage, len(c.Stages))
	for i, s := range c.Stages {
		out[i] = actuate.Stage{Name: s.Name, Base: s.Base}
	}
	return out
}

func (c *Config) GetBackend() gammaalg.ResolveOptions {
	opts := gammaalg.ResolveOptions{
		Mode:        gammaalg.ModeStatic,
		CustomPath:  gammaalg.DefaultCustomModule,
		DefaultPath: gammaalg.DefaultCoreModule,
	}
	if c.Backend == nil {
		return opts
	}
	if c.Backend.Mode != nil {
		if m, err := gammaalg.ParseMode(*c.Backend.Mode); err == nil {
			opts.Mode = m
		}
	}
	opts.CustomPath = stringOr(c.Backend.CustomPath, opts.CustomPath)
	opts.DefaultPath = stringOr(c.Backend.DefaultPath, opts.DefaultPath)
	return opts
}

func (c *Config) GetBusKind() string {
	if c.Bus == nil {
		return BusMemory
	}
	return stringOr(c.Bus.Kind, BusMemory)
}

func (c *Config) GetBusDevice() string {
	if c.Bus == nil {
		return ""
	}
	return stringOr(c.Bus.Device, "")
}

// GetMMapWindow returns the offset and size of the register window.
func (c *Config) GetMMapWindow() (offset int64, size int) {
	offset, size = 0, 0x20000
	if c.Bus == nil {
		return offset, size
	}
	if c.Bus.Offset != nil {
		offset = *c.Bus.Offset
	}
	if c.Bus.Size != nil {
		size = *c.Bus.Size
	}
	return offset, size
}

func (c *Config) GetBusTimeout() time.Duration {
	if c.Bus == nil {
		return 50 * time.Millisecond
	}
	return durationOr(c.Bus.Timeout, 50*time.Millisecond)
}

func (c *Config) GetSerialOptions() serialmux.PortOptions {
	if c.Bus == nil || c.Bus.Serial == nil {
		return serialmux.PortOptions{}
	}
	return *c.Bus.Serial
}

// GetMQTTBroker returns the broker URL. Empty disables MQTT publishing.
func (c *Config) GetMQTTBroker() string {
	if c.MQTT == nil {
		return ""
	}
	return stringOr(c.MQTT.Broker, "")
}

func (c *Config) GetMQTTClientID() string {
	if c.MQTT == nil {
		return "ispd"
	}
	return stringOr(c.MQTT.ClientID, "ispd")
}

func (c *Config) GetMQTTTopic() string {
	if c.MQTT == nil {
		return "isp/flow"
	}
	return stringOr(c.MQTT.Topic, "isp/flow")
}

func (c *Config) GetMQTTQoS() byte {
	if c.MQTT == nil || c.MQTT.QoS == nil {
		return 0
	}
	return byte(*c.MQTT.QoS)
}

func (c *Config) GetMQTTTimeout() time.Duration {
	if c.MQTT == nil {
		return 5 * time.Second
	}
	return durationOr(c.MQTT.Timeout, 5*time.Second)
}

func (c *Config) GetFrameInterval() time.Duration {
	if c.Sim == nil {
		return 33 * time.Millisecond
	}
	return durationOr(c.Sim.FrameInterval, 33*time.Millisecond)
}

// GetStatsEvery returns how many frames pass between simulated statistics
// interrupts.
func (c *Config) GetStatsEvery() int {
	if c.Sim == nil || c.Sim.StatsEvery == nil {
		return 1
	}
	return *c.Sim.StatsEvery
}

func (c *Config) GetSimSeed() int64 {
	if c.Sim == nil || c.Sim.Seed == nil {
		return 1
	}
	return *c.Sim.Seed
}
