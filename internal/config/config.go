package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	defaultServerURL       = "http://localhost:8000"
	defaultHealthInterval  = 10 * time.Second
	defaultProbeTimeout    = 5 * time.Second
	defaultReconnectGrace  = 2 * time.Second
	defaultRequestTimeout  = 15 * time.Second
	defaultSnapshotTTL     = 24 * time.Hour
	defaultPersistEvery    = 10
	defaultHistoryLimit    = 50
	defaultLogMaxSizeBytes = 10 * 1024 * 1024
	defaultLogMaxFiles     = 5
)

// Config stores runtime settings loaded from TOML files.
type Config struct {
	ServerURL       string
	DefaultModel    string
	HealthInterval  time.Duration
	ProbeTimeout    time.Duration
	ReconnectGrace  time.Duration
	RequestTimeout  time.Duration
	SnapshotTTL     time.Duration
	PersistEvery    int
	HistoryLimit    int
	LogMaxSizeBytes int64
	LogMaxFiles     int
	OTELEndpoint    string
}

type fileConfig struct {
	ServerURL      *string     `toml:"server_url"`
	DefaultModel   *string     `toml:"default_model"`
	HealthInterval *string     `toml:"health_interval"`
	ProbeTimeout   *string     `toml:"probe_timeout"`
	ReconnectGrace *string     `toml:"reconnect_grace"`
	RequestTimeout *string     `toml:"request_timeout"`
	SnapshotTTL    *string     `toml:"snapshot_ttl"`
	PersistEvery   *int        `toml:"persist_every"`
	HistoryLimit   *int        `toml:"history_limit"`
	LogMaxSizeMB   *int        `toml:"log_max_size_mb"`
	LogMaxFiles    *int        `toml:"log_max_files"`
	OTEL           *otelConfig `toml:"otel"`
}

type otelConfig struct {
	Endpoint *string `toml:"endpoint"`
}

// Load reads config from ~/.genwatch/config.toml and overlays a project-local
// .genwatch/config.toml.
func Load() (*Config, error) {
	cfg := defaults()

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}

	workingDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}

	paths := []string{
		filepath.Join(homeDir, ".genwatch", "config.toml"),
		filepath.Join(workingDir, ".genwatch", "config.toml"),
	}

	for _, path := range paths {
		if err := overlayFromFile(&cfg, path); err != nil {
			return nil, err
		}
	}

	return &cfg, nil
}

func defaults() Config {
	return Config{
		ServerURL:       defaultServerURL,
		HealthInterval:  defaultHealthInterval,
		ProbeTimeout:    defaultProbeTimeout,
		ReconnectGrace:  defaultReconnectGrace,
		RequestTimeout:  defaultRequestTimeout,
		SnapshotTTL:     defaultSnapshotTTL,
		PersistEvery:    defaultPersistEvery,
		HistoryLimit:    defaultHistoryLimit,
		LogMaxSizeBytes: defaultLogMaxSizeBytes,
		LogMaxFiles:     defaultLogMaxFiles,
	}
}

func overlayFromFile(cfg *Config, path string) error {
	if cfg == nil {
		return errors.New("config must not be nil")
	}

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat config file %q: %w", path, err)
	}

	var decoded fileConfig
	if _, err := toml.DecodeFile(path, &decoded); err != nil {
		return fmt.Errorf("decode config file %q: %w", path, err)
	}

	if err := applyScalarOverrides(cfg, decoded, path); err != nil {
		return err
	}
	if err := applyDurationOverrides(cfg, decoded, path); err != nil {
		return err
	}
	return applyLogOverrides(cfg, decoded, path)
}

func applyScalarOverrides(cfg *Config, decoded fileConfig, path string) error {
	if decoded.ServerURL != nil {
		value := strings.TrimSpace(*decoded.ServerURL)
		if value == "" {
			return fmt.Errorf("parse server_url in %q: must not be empty", path)
		}
		cfg.ServerURL = strings.TrimRight(value, "/")
	}
	if decoded.DefaultModel != nil {
		cfg.DefaultModel = strings.TrimSpace(*decoded.DefaultModel)
	}
	if decoded.PersistEvery != nil {
		if *decoded.PersistEvery <= 0 {
			return fmt.Errorf("parse persist_every in %q: must be > 0", path)
		}
		cfg.PersistEvery = *decoded.PersistEvery
	}
	if decoded.HistoryLimit != nil {
		if *decoded.HistoryLimit <= 0 {
			return fmt.Errorf("parse history_limit in %q: must be > 0", path)
		}
		cfg.HistoryLimit = *decoded.HistoryLimit
	}
	if decoded.OTEL != nil && decoded.OTEL.Endpoint != nil {
		cfg.OTELEndpoint = strings.TrimSpace(*decoded.OTEL.Endpoint)
	}
	return nil
}

func applyDurationOverrides(cfg *Config, decoded fileConfig, path string) error {
	overrides := []struct {
		raw *string
		key string
		dst *time.Duration
	}{
		{decoded.HealthInterval, "health_interval", &cfg.HealthInterval},
		{decoded.ProbeTimeout, "probe_timeout", &cfg.ProbeTimeout},
		{decoded.ReconnectGrace, "reconnect_grace", &cfg.ReconnectGrace},
		{decoded.RequestTimeout, "request_timeout", &cfg.RequestTimeout},
		{decoded.SnapshotTTL, "snapshot_ttl", &cfg.SnapshotTTL},
	}
	for _, override := range overrides {
		if override.raw == nil {
			continue
		}
		value, err := parseDuration(*override.raw, override.key, path)
		if err != nil {
			return err
		}
		if value <= 0 {
			return fmt.Errorf("parse %s in %q: must be > 0", override.key, path)
		}
		*override.dst = value
	}
	return nil
}

func applyLogOverrides(cfg *Config, decoded fileConfig, path string) error {
	if decoded.LogMaxSizeMB != nil {
		if *decoded.LogMaxSizeMB <= 0 {
			return fmt.Errorf("parse log_max_size_mb in %q: must be > 0", path)
		}
		cfg.LogMaxSizeBytes = int64(*decoded.LogMaxSizeMB) * 1024 * 1024
	}
	if decoded.LogMaxFiles != nil {
		if *decoded.LogMaxFiles <= 0 {
			return fmt.Errorf("parse log_max_files in %q: must be > 0", path)
		}
		cfg.LogMaxFiles = *decoded.LogMaxFiles
	}
	return nil
}

func parseDuration(value, key, path string) (time.Duration, error) {
	parsed, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("parse %s in %q: %w", key, path, err)
	}
	return parsed, nil
}
