// Package config loads settings for the server and the agent: defaults,
// then an optional YAML file, then environment variables. Command-line
// flags are applied on top by the binaries.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"beatsync/clock"
	"beatsync/liveness"
	"beatsync/schedule"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

type Config struct {
	// Server is the base URL of the registry/relay/timesync server.
	Server string `yaml:"server"`
	// Listen is the server's HTTP address.
	Listen string `yaml:"listen"`
	// PeerListen is the address a leading agent accepts follower links on.
	PeerListen string `yaml:"peerListen"`
	// PeerURL overrides the websocket URL a leader advertises.
	PeerURL string `yaml:"peerURL"`

	Store       string `yaml:"store"`
	RedisAddr   string `yaml:"redis"`
	DatabaseURL string `yaml:"database"`

	LogLevel string `yaml:"logLevel"`

	Sync     Sync     `yaml:"sync"`
	Schedule Schedule `yaml:"schedule"`
	Liveness Liveness `yaml:"liveness"`
	Sinks    Sinks    `yaml:"sinks"`
	Trace    Trace    `yaml:"trace"`
}

type Sync struct {
	Samples        int           `yaml:"samples"`
	SampleInterval time.Duration `yaml:"sampleInterval"`
	SampleJitter   time.Duration `yaml:"sampleJitter"`
	RefineInterval time.Duration `yaml:"refineInterval"`
	LeaderAlpha    float64       `yaml:"leaderAlpha"`
	DirectAlpha    float64       `yaml:"directAlpha"`
}

type Schedule struct {
	Tick      time.Duration `yaml:"tick"`
	Lookahead time.Duration `yaml:"lookahead"`
	StartLead time.Duration `yaml:"startLead"`
}

type Liveness struct {
	Poll          time.Duration `yaml:"poll"`
	FallbackAfter time.Duration `yaml:"fallbackAfter"`
	RecoverAfter  time.Duration `yaml:"recoverAfter"`
	Gap           time.Duration `yaml:"gap"`
}

// Sinks selects beat outputs. Empty strings disable a sink.
type Sinks struct {
	Visual     bool   `yaml:"visual"`
	OSC        string `yaml:"osc"`
	MIDI       string `yaml:"midi"`
	Serial     string `yaml:"serial"`
	SerialBaud int    `yaml:"serialBaud"`
}

type Trace struct {
	Rows    int    `yaml:"rows"`
	Journal string `yaml:"journal"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Server:     "http://localhost:8080",
		Listen:     ":8080",
		PeerListen: ":7070",
		Store:      StoreMemory,
		LogLevel:   "info",
		Sync: Sync{
			Samples:        clock.DefaultSamples,
			SampleInterval: clock.DefaultSampleInterval,
			SampleJitter:   clock.DefaultSampleJitter,
			RefineInterval: clock.DefaultRefineInterval,
			LeaderAlpha:    clock.DefaultLeaderAlpha,
			DirectAlpha:    clock.DefaultDirectAlpha,
		},
		Schedule: Schedule{
			Tick:      schedule.DefaultTick,
			Lookahead: schedule.DefaultLookahead,
			StartLead: schedule.DefaultStartLead,
		},
		Liveness: Liveness{
			Poll:          liveness.DefaultPoll,
			FallbackAfter: liveness.DefaultFallbackAfter,
			RecoverAfter:  liveness.DefaultRecoverAfter,
			Gap:           liveness.DefaultGap,
		},
		Sinks: Sinks{Visual: true, SerialBaud: 115200},
		Trace: Trace{Rows: 400},
	}
}

// Load reads defaults, the YAML file at path if path is non-empty, and the
// environment, in that order.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, errors.Wrapf(err, "reading config %s", path)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, errors.Wrapf(err, "parsing config %s", path)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("BEATSYNC_SERVER", &c.Server)
	str("LISTEN_ADDR", &c.Listen)
	str("PEER_LISTEN_ADDR", &c.PeerListen)
	str("PEER_URL", &c.PeerURL)
	str("REDIS_ADDR", &c.RedisAddr)
	str("DATABASE_URL", &c.DatabaseURL)
	str("BEATSYNC_STORE", &c.Store)
	str("BEATSYNC_LOG_LEVEL", &c.LogLevel)
	str("BEATSYNC_TRACE_JOURNAL", &c.Trace.Journal)

	if v, ok := lookup("PORT"); ok && v != "" {
		if _, err := strconv.Atoi(v); err != nil {
			return errors.Wrapf(err, "PORT %q", v)
		}
		c.Listen = ":" + v
	}
	return nil
}

// Validate checks the settings the binaries depend on.
func (c Config) Validate() error {
	switch c.Store {
	case StoreMemory:
	case StoreRedis:
		if c.RedisAddr == "" {
			return errors.New("redis store needs REDIS_ADDR")
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			return errors.New("postgres store needs DATABASE_URL")
		}
	default:
		return errors.Errorf("unknown store %q", c.Store)
	}
	if c.Sync.LeaderAlpha <= 0 || c.Sync.LeaderAlpha > 1 {
		return errors.Errorf("sync.leaderAlpha %v outside (0,1]", c.Sync.LeaderAlpha)
	}
	if c.Sync.DirectAlpha <= 0 || c.Sync.DirectAlpha > 1 {
		return errors.Errorf("sync.directAlpha %v outside (0,1]", c.Sync.DirectAlpha)
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return errors.Wrap(err, "logLevel")
	}
	return nil
}

// Logger returns a logger at the configured level.
func (c Config) Logger() *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05.000"})
	if lvl, err := logrus.ParseLevel(c.LogLevel); err == nil {
		log.SetLevel(lvl)
	}
	return log
}

func (c Config) SchedulerConfig() schedule.Config {
	return schedule.Config{
		Tick:      c.Schedule.Tick,
		Lookahead: c.Schedule.Lookahead,
		StartLead: c.Schedule.StartLead,
	}
}

func (c Config) LivenessConfig() liveness.Config {
	return liveness.Config{
		Poll:          c.Liveness.Poll,
		FallbackAfter: c.Liveness.FallbackAfter,
		RecoverAfter:  c.Liveness.RecoverAfter,
		Gap:           c.Liveness.Gap,
	}
}

// Estimator applies the sync settings to e.
func (c Config) Estimator(e *clock.Estimator) *clock.Estimator {
	e.Interval = c.Sync.SampleInterval
	e.Jitter = c.Sync.SampleJitter
	return e
}

// Refiner applies the sync settings to r.
func (c Config) Refiner(r *clock.Refiner) *clock.Refiner {
	r.Interval = c.Sync.RefineInterval
	r.LeaderAlpha = c.Sync.LeaderAlpha
	r.DirectAlpha = c.Sync.DirectAlpha
	return r
}
