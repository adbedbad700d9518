// Package config loads the binder configuration file and the per-api settings document.
package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/next-trace/scg-binder/logging"
)

// Relay kinds.
const (
	RelayNone     = ""
	RelayMemory   = "memory"
	RelayNATS     = "nats"
	RelayRabbitMQ = "rabbitmq"
	RelayKafka    = "kafka"
)

type Config struct {
	Scheduler SchedulerConfig
	Log       LogConfig
	Settings  SettingsConfig
	Relay     RelayConfig
}

type SchedulerConfig struct {
	Workers        int
	MaxPending     int
	DefaultTimeout time.Duration
	VerbTimeout    time.Duration
	StartTimeout   time.Duration
}

type LogConfig struct {
	Level       logging.Level
	DefaultMask uint32
	Masks       map[string]uint32
}

// MaskFor returns the log mask of api.
func (c LogConfig) MaskFor(api string) uint32 {
	if m, ok := c.Masks[api]; ok {
		return m
	}
	return c.DefaultMask
}

type SettingsConfig struct {
	File string
}

type RelayConfig struct {
	Kind          string
	URL           string
	SubjectPrefix string
	Brokers       []string
	ClientID      string
	Exchange      string
}

// Default returns the configuration used for everything a file leaves out.
func Default() Config {
	return Config{
		Scheduler: SchedulerConfig{
			MaxPending:   1000,
			VerbTimeout:  30 * time.Second,
			StartTimeout: 10 * time.Second,
		},
		Log: LogConfig{
			Level:       logging.LevelNotice,
			DefaultMask: logging.DefaultMask,
			Masks:       map[string]uint32{},
		},
		Relay: RelayConfig{
			SubjectPrefix: "binder.events",
			ClientID:      "scg-binder",
		},
	}
}

type fileConfig struct {
	Scheduler struct {
		Workers        int    `toml:"workers"`
		MaxPending     int    `toml:"max_pending"`
		DefaultTimeout string `toml:"default_timeout"`
		VerbTimeout    string `toml:"verb_timeout"`
		StartTimeout   string `toml:"start_timeout"`
	} `toml:"scheduler"`
	Log struct {
		Level string            `toml:"level"`
		Masks map[string]string `toml:"masks"`
	} `toml:"log"`
	Settings struct {
		File string `toml:"file"`
	} `toml:"settings"`
	Relay struct {
		Kind          string   `toml:"kind"`
		URL           string   `toml:"url"`
		SubjectPrefix string   `toml:"subject_prefix"`
		Brokers       []string `toml:"brokers"`
		ClientID      string   `toml:"client_id"`
		Exchange      string   `toml:"exchange"`
	} `toml:"relay"`
}

// Load reads the TOML file at path over the defaults, then validates the result.
func Load(path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load binder config %s: %w", path, err)
	}
	return build(raw, meta)
}

// Parse is Load for an in-memory document.
func Parse(doc string) (Config, error) {
	var raw fileConfig
	meta, err := toml.Decode(doc, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("parse binder config: %w", err)
	}
	return build(raw, meta)
}

func build(raw fileConfig, meta toml.MetaData) (Config, error) {
	cfg := Default()

	if meta.IsDefined("scheduler", "workers") {
		cfg.Scheduler.Workers = raw.Scheduler.Workers
	}
	if meta.IsDefined("scheduler", "max_pending") {
		cfg.Scheduler.MaxPending = raw.Scheduler.MaxPending
	}
	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"default_timeout", raw.Scheduler.DefaultTimeout, &cfg.Scheduler.DefaultTimeout},
		{"verb_timeout", raw.Scheduler.VerbTimeout, &cfg.Scheduler.VerbTimeout},
		{"start_timeout", raw.Scheduler.StartTimeout, &cfg.Scheduler.StartTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined("scheduler", d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return Config{}, fmt.Errorf("parse scheduler.%s: %w", d.key, err)
		}
		*d.dst = v
	}

	if meta.IsDefined("log", "level") {
		l, err := logging.ParseLevel(raw.Log.Level)
		if err != nil {
			return Config{}, fmt.Errorf("parse log.level: %w", err)
		}
		cfg.Log.Level = l
		cfg.Log.DefaultMask = logging.UpTo(l)
	}
	for api, level := range raw.Log.Masks {
		l, err := logging.ParseLevel(level)
		if err != nil {
			return Config{}, fmt.Errorf("parse log.masks.%s: %w", api, err)
		}
		cfg.Log.Masks[api] = logging.UpTo(l)
	}

	if meta.IsDefined("settings", "file") {
		cfg.Settings.File = strings.TrimSpace(raw.Settings.File)
	}

	if meta.IsDefined("relay", "kind") {
		cfg.Relay.Kind = strings.ToLower(strings.TrimSpace(raw.Relay.Kind))
	}
	if meta.IsDefined("relay", "url") {
		cfg.Relay.URL = strings.TrimSpace(raw.Relay.URL)
	}
	if meta.IsDefined("relay", "subject_prefix") {
		cfg.Relay.SubjectPrefix = strings.TrimSpace(raw.Relay.SubjectPrefix)
	}
	if meta.IsDefined("relay", "brokers") {
		cfg.Relay.Brokers = normalize(raw.Relay.Brokers)
	}
	if meta.IsDefined("relay", "client_id") {
		cfg.Relay.ClientID = strings.TrimSpace(raw.Relay.ClientID)
	}
	if meta.IsDefined("relay", "exchange") {
		cfg.Relay.Exchange = strings.TrimSpace(raw.Relay.Exchange)
	}

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func normalize(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Validate checks a configuration built in code or loaded from a file.
func Validate(cfg Config) error {
	if cfg.Scheduler.Workers < 0 {
		return fmt.Errorf("scheduler.workers must not be negative")
	}
	if cfg.Scheduler.MaxPending <= 0 {
		return fmt.Errorf("scheduler.max_pending must be positive")
	}
	if cfg.Scheduler.DefaultTimeout < 0 || cfg.Scheduler.VerbTimeout < 0 || cfg.Scheduler.StartTimeout < 0 {
		return fmt.Errorf("scheduler timeouts must not be negative")
	}

	kinds := []string{RelayNone, RelayMemory, RelayNATS, RelayRabbitMQ, RelayKafka}
	if !slices.Contains(kinds, cfg.Relay.Kind) {
		return fmt.Errorf("relay.kind %q unknown", cfg.Relay.Kind)
	}
	switch cfg.Relay.Kind {
	case RelayNATS, RelayRabbitMQ:
		if cfg.Relay.URL == "" {
			return fmt.Errorf("relay.url required for %s", cfg.Relay.Kind)
		}
	case RelayKafka:
		if len(cfg.Relay.Brokers) == 0 {
			return fmt.Errorf("relay.brokers required for kafka")
		}
	}
	if cfg.Relay.Kind != RelayNone && cfg.Relay.SubjectPrefix == "" {
		return fmt.Errorf("relay.subject_prefix required")
	}
	return nil
}
