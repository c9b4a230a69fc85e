package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the full lightnode configuration. Durations on the sync hot path
// are expressed in the unit the subsystems consume (microseconds for clock
// math, milliseconds for loop cadences) to avoid conversion mistakes.
type Config struct {
	Node     NodeConfig     `yaml:"node"`
	Hub      HubConfig      `yaml:"hub"`
	Clock    ClockConfig    `yaml:"clock"`
	Queue    QueueConfig    `yaml:"queue"`
	Liveness LivenessConfig `yaml:"liveness"`
	Frame    FrameConfig    `yaml:"frame"`
	Scene    SceneConfig    `yaml:"scene"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// NodeConfig identifies this node to the hub.
type NodeConfig struct {
	ID string `yaml:"id"`
}

// HubConfig describes the hub websocket endpoint and the shared frame key.
type HubConfig struct {
	URL    string `yaml:"url"`
	Secret string `yaml:"secret"`

	// Reconnect backoff bounds.
	ReconnectMinMillis int `yaml:"reconnect_min_millis"`
	ReconnectMaxMillis int `yaml:"reconnect_max_millis"`
}

// ClockConfig tunes the offset estimator.
type ClockConfig struct {
	ProbeIntervalUnlockedMillis int   `yaml:"probe_interval_unlocked_millis"`
	ProbeIntervalLockedMillis   int   `yaml:"probe_interval_locked_millis"`
	StabilityThresholdMicros    int64 `yaml:"stability_threshold_micros"`
	LockThreshold               int   `yaml:"lock_threshold"`
	DegradeThreshold            int   `yaml:"degrade_threshold"`
	SilenceBoundMillis          int   `yaml:"silence_bound_millis"`
}

// QueueConfig bounds the scheduler queue.
type QueueConfig struct {
	Capacity         int `yaml:"capacity"`
	MaxPerCycle      int `yaml:"max_per_cycle"`
	ApplyAheadMillis int `yaml:"apply_ahead_millis"`
}

// LivenessConfig tunes the hub-contact policy.
type LivenessConfig struct {
	SoftSilenceMillis int     `yaml:"soft_silence_millis"`
	HardSilenceMillis int     `yaml:"hard_silence_millis"`
	LossRatioMax      float64 `yaml:"loss_ratio_max"`
}

// FrameConfig drives the render cycle cadence.
type FrameConfig struct {
	IntervalMillis int `yaml:"interval_millis"`
}

// SceneConfig controls local scene persistence.
type SceneConfig struct {
	Path               string `yaml:"path"`
	SaveIntervalMillis int    `yaml:"save_interval_millis"`
}

// LoggingConfig selects log level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig exposes the Prometheus listener.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns the configuration shipped on factory-fresh nodes.
func Default() *Config {
	return &Config{
		Node: NodeConfig{ID: "lightnode"},
		Hub: HubConfig{
			URL:                "ws://lighthub.local:8090/ws",
			ReconnectMinMillis: 500,
			ReconnectMaxMillis: 15000,
		},
		Clock: ClockConfig{
			ProbeIntervalUnlockedMillis: 250,
			ProbeIntervalLockedMillis:   2000,
			StabilityThresholdMicros:    5000,
			LockThreshold:               8,
			DegradeThreshold:            4,
			SilenceBoundMillis:          3000,
		},
		Queue: QueueConfig{
			Capacity:         64,
			MaxPerCycle:      16,
			ApplyAheadMillis: 50,
		},
		Liveness: LivenessConfig{
			SoftSilenceMillis: 3500,
			HardSilenceMillis: 10000,
			LossRatioMax:      0.25,
		},
		Frame: FrameConfig{IntervalMillis: 10},
		Scene: SceneConfig{
			Path:               "/var/lib/lightnode/scene.cbor",
			SaveIntervalMillis: 5000,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Metrics: MetricsConfig{Addr: ":9410"},
	}
}

// Load reads a YAML config file, fills in defaults, and applies environment
// overrides. A missing file is not an error; defaults plus environment are
// used instead.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		case os.IsNotExist(err):
			// fall through to defaults
		default:
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	applyDefaults(cfg)
	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the node cannot safely run with.
func (c *Config) Validate() error {
	if c.Hub.URL == "" {
		return fmt.Errorf("hub.url must be set")
	}
	if c.Hub.Secret == "" {
		return fmt.Errorf("hub.secret must be set (or LIGHTNODE_HUB_SECRET)")
	}
	if c.Queue.Capacity <= 0 {
		return fmt.Errorf("queue.capacity must be positive, got %d", c.Queue.Capacity)
	}
	if c.Queue.MaxPerCycle <= 0 {
		return fmt.Errorf("queue.max_per_cycle must be positive, got %d", c.Queue.MaxPerCycle)
	}
	if c.Frame.IntervalMillis <= 0 {
		return fmt.Errorf("frame.interval_millis must be positive, got %d", c.Frame.IntervalMillis)
	}
	if c.Liveness.LossRatioMax <= 0 || c.Liveness.LossRatioMax > 1 {
		return fmt.Errorf("liveness.loss_ratio_max must be in (0, 1], got %g", c.Liveness.LossRatioMax)
	}
	if c.Liveness.SoftSilenceMillis >= c.Liveness.HardSilenceMillis {
		return fmt.Errorf("liveness.soft_silence_millis (%d) must be below hard_silence_millis (%d)",
			c.Liveness.SoftSilenceMillis, c.Liveness.HardSilenceMillis)
	}
	return nil
}

func applyDefaults(c *Config) {
	d := Default()
	if c.Node.ID == "" {
		c.Node.ID = d.Node.ID
	}
	if c.Hub.URL == "" {
		c.Hub.URL = d.Hub.URL
	}
	if c.Hub.ReconnectMinMillis <= 0 {
		c.Hub.ReconnectMinMillis = d.Hub.ReconnectMinMillis
	}
	if c.Hub.ReconnectMaxMillis <= 0 {
		c.Hub.ReconnectMaxMillis = d.Hub.ReconnectMaxMillis
	}
	if c.Clock.ProbeIntervalUnlockedMillis <= 0 {
		c.Clock.ProbeIntervalUnlockedMillis = d.Clock.ProbeIntervalUnlockedMillis
	}
	if c.Clock.ProbeIntervalLockedMillis <= 0 {
		c.Clock.ProbeIntervalLockedMillis = d.Clock.ProbeIntervalLockedMillis
	}
	if c.Clock.StabilityThresholdMicros <= 0 {
		c.Clock.StabilityThresholdMicros = d.Clock.StabilityThresholdMicros
	}
	if c.Clock.LockThreshold <= 0 {
		c.Clock.LockThreshold = d.Clock.LockThreshold
	}
	if c.Clock.DegradeThreshold <= 0 {
		c.Clock.DegradeThreshold = d.Clock.DegradeThreshold
	}
	if c.Clock.SilenceBoundMillis <= 0 {
		c.Clock.SilenceBoundMillis = d.Clock.SilenceBoundMillis
	}
	if c.Queue.Capacity <= 0 {
		c.Queue.Capacity = d.Queue.Capacity
	}
	if c.Queue.MaxPerCycle <= 0 {
		c.Queue.MaxPerCycle = d.Queue.MaxPerCycle
	}
	if c.Queue.ApplyAheadMillis <= 0 {
		c.Queue.ApplyAheadMillis = d.Queue.ApplyAheadMillis
	}
	if c.Liveness.SoftSilenceMillis <= 0 {
		c.Liveness.SoftSilenceMillis = d.Liveness.SoftSilenceMillis
	}
	if c.Liveness.HardSilenceMillis <= 0 {
		c.Liveness.HardSilenceMillis = d.Liveness.HardSilenceMillis
	}
	if c.Liveness.LossRatioMax == 0 {
		c.Liveness.LossRatioMax = d.Liveness.LossRatioMax
	}
	if c.Frame.IntervalMillis <= 0 {
		c.Frame.IntervalMillis = d.Frame.IntervalMillis
	}
	if c.Scene.Path == "" {
		c.Scene.Path = d.Scene.Path
	}
	if c.Scene.SaveIntervalMillis <= 0 {
		c.Scene.SaveIntervalMillis = d.Scene.SaveIntervalMillis
	}
	if c.Logging.Level == "" {
		c.Logging.Level = d.Logging.Level
	}
	if c.Logging.Format == "" {
		c.Logging.Format = d.Logging.Format
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = d.Metrics.Addr
	}
}

// applyEnv layers environment overrides on top of the file. Only values
// operators commonly override per deployment are exposed.
func applyEnv(c *Config) {
	if v := os.Getenv("LIGHTNODE_ID"); v != "" {
		c.Node.ID = v
	}
	if v := os.Getenv("LIGHTNODE_HUB_URL"); v != "" {
		c.Hub.URL = v
	}
	if v := os.Getenv("LIGHTNODE_HUB_SECRET"); v != "" {
		c.Hub.Secret = v
	}
	if v := os.Getenv("LIGHTNODE_METRICS_ADDR"); v != "" {
		c.Metrics.Addr = v
	}
	if v := os.Getenv("LIGHTNODE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("LIGHTNODE_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("LIGHTNODE_QUEUE_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Queue.Capacity = n
		}
	}
	if v := os.Getenv("LIGHTNODE_SCENE_PATH"); v != "" {
		c.Scene.Path = v
	}
}
