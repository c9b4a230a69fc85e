package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("LIGHTNODE_HUB_SECRET", "topsecret")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Queue.Capacity != 64 {
		t.Fatalf("queue capacity = %d, want default 64", cfg.Queue.Capacity)
	}
	if cfg.Clock.ProbeIntervalUnlockedMillis != 250 {
		t.Fatalf("unlocked probe interval = %d, want 250", cfg.Clock.ProbeIntervalUnlockedMillis)
	}
	if cfg.Hub.Secret != "topsecret" {
		t.Fatalf("hub secret = %q, want env override", cfg.Hub.Secret)
	}
}

func TestLoadParsesYAMLAndFillsGaps(t *testing.T) {
	t.Setenv("LIGHTNODE_HUB_SECRET", "")

	dir := t.TempDir()
	path := filepath.Join(dir, "node.yaml")
	body := `
node:
  id: porch-strip
hub:
  url: ws://10.0.0.2:8090/ws
  secret: sharedkey
queue:
  capacity: 128
liveness:
  loss_ratio_max: 0.5
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Node.ID != "porch-strip" {
		t.Fatalf("node id = %q, want porch-strip", cfg.Node.ID)
	}
	if cfg.Hub.URL != "ws://10.0.0.2:8090/ws" {
		t.Fatalf("hub url = %q", cfg.Hub.URL)
	}
	if cfg.Queue.Capacity != 128 {
		t.Fatalf("queue capacity = %d, want 128", cfg.Queue.Capacity)
	}
	if cfg.Liveness.LossRatioMax != 0.5 {
		t.Fatalf("loss ratio max = %g, want 0.5", cfg.Liveness.LossRatioMax)
	}
	// Unspecified sections keep defaults.
	if cfg.Queue.MaxPerCycle != 16 {
		t.Fatalf("max per cycle = %d, want default 16", cfg.Queue.MaxPerCycle)
	}
	if cfg.Liveness.HardSilenceMillis != 10000 {
		t.Fatalf("hard silence = %d, want default 10000", cfg.Liveness.HardSilenceMillis)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.yaml")
	body := `
hub:
  url: ws://file-host:8090/ws
  secret: filesecret
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("LIGHTNODE_HUB_URL", "ws://env-host:8090/ws")
	t.Setenv("LIGHTNODE_HUB_SECRET", "envsecret")
	t.Setenv("LIGHTNODE_QUEUE_CAPACITY", "32")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Hub.URL != "ws://env-host:8090/ws" {
		t.Fatalf("hub url = %q, want env value", cfg.Hub.URL)
	}
	if cfg.Hub.Secret != "envsecret" {
		t.Fatalf("hub secret = %q, want env value", cfg.Hub.Secret)
	}
	if cfg.Queue.Capacity != 32 {
		t.Fatalf("queue capacity = %d, want 32", cfg.Queue.Capacity)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing secret", func(c *Config) { c.Hub.Secret = "" }, "hub.secret"},
		{"zero capacity", func(c *Config) { c.Queue.Capacity = 0 }, "queue.capacity"},
		{"loss ratio above one", func(c *Config) { c.Liveness.LossRatioMax = 1.5 }, "loss_ratio_max"},
		{"soft above hard", func(c *Config) { c.Liveness.SoftSilenceMillis = 20000 }, "soft_silence_millis"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			cfg.Hub.Secret = "ok"
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("Validate accepted bad config")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(path, []byte("hub: [not a map"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("Load accepted malformed YAML")
	}
}
