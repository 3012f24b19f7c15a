package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func env(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
	if cfg.Schedule.Lookahead != 1200*time.Millisecond || cfg.Liveness.FallbackAfter != 800*time.Millisecond {
		t.Errorf("defaults = %+v", cfg)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "beatsync.yaml")
	data := []byte(`
server: http://sync.example:9000
store: redis
redis: localhost:6379
logLevel: debug
schedule:
  lookahead: 2s
liveness:
  fallbackAfter: 1500ms
sinks:
  visual: false
  osc: 127.0.0.1:57120
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server != "http://sync.example:9000" || cfg.Store != StoreRedis || cfg.RedisAddr != "localhost:6379" {
		t.Errorf("Load() = %+v", cfg)
	}
	if cfg.Schedule.Lookahead != 2*time.Second || cfg.Schedule.Tick != 25*time.Millisecond {
		t.Errorf("schedule = %+v", cfg.Schedule)
	}
	if cfg.Liveness.FallbackAfter != 1500*time.Millisecond || cfg.LivenessConfig().RecoverAfter != 400*time.Millisecond {
		t.Errorf("liveness = %+v", cfg.Liveness)
	}
	if cfg.Sinks.Visual || cfg.Sinks.OSC != "127.0.0.1:57120" {
		t.Errorf("sinks = %+v", cfg.Sinks)
	}
	if cfg.Logger().GetLevel() != logrus.DebugLevel {
		t.Errorf("logger level = %v", cfg.Logger().GetLevel())
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load() of a missing file succeeded")
	}
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := cfg.applyEnv(env(map[string]string{
		"BEATSYNC_SERVER":        "https://sync.example",
		"DATABASE_URL":           "postgres://localhost/beatsync",
		"BEATSYNC_STORE":         "postgres",
		"PORT":                   "9999",
		"PEER_URL":               "",
		"BEATSYNC_TRACE_JOURNAL": "/tmp/trace.db",
	}))
	if err != nil {
		t.Fatalf("applyEnv() error = %v", err)
	}
	if cfg.Server != "https://sync.example" || cfg.Store != StorePostgres || cfg.Listen != ":9999" {
		t.Errorf("applyEnv() = %+v", cfg)
	}
	if cfg.PeerURL != "" || cfg.Trace.Journal != "/tmp/trace.db" {
		t.Errorf("PeerURL = %q, Journal = %q", cfg.PeerURL, cfg.Trace.Journal)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}

	if err := cfg.applyEnv(env(map[string]string{"PORT": "http"})); err == nil {
		t.Error("applyEnv() accepted a non-numeric PORT")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown store", func(c *Config) { c.Store = "etcd" }},
		{"redis without address", func(c *Config) { c.Store = StoreRedis }},
		{"postgres without url", func(c *Config) { c.Store = StorePostgres }},
		{"zero alpha", func(c *Config) { c.Sync.LeaderAlpha = 0 }},
		{"alpha above one", func(c *Config) { c.Sync.DirectAlpha = 1.5 }},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() = nil")
			}
		})
	}
}
