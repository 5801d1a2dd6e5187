// Package config loads the process bootstrap configuration. Everything that
// can change at runtime (credentials, proxy, clone root) lives in the
// persisted GlobalConfig singleton instead; this file only bootstraps the
// process: where to listen, where the database lives, how often the monitor
// refreshes.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the bootstrap configuration for the packflow daemon.
type Config struct {
	Listen          string        `yaml:"listen"`
	DatabasePath    string        `yaml:"database_path"`
	CloneRoot       string        `yaml:"clone_root"`
	Workers         int           `yaml:"workers"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	NATSUrl         string        `yaml:"nats_url"`
	CRPBaseURL      string        `yaml:"crp_base_url"`
	ReviewForgeAPI  string        `yaml:"review_forge_api"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Listen:          ":8086",
		DatabasePath:    "packflow.db",
		CloneRoot:       "/var/lib/packflow/repos",
		Workers:         3,
		RefreshInterval: 10 * time.Minute,
		CRPBaseURL:      "https://crp.example.com/api",
	}
}

// Load reads the YAML file at path, applies defaults for unset fields, then
// applies PACKFLOW_* environment overrides. A missing file is not an error;
// defaults apply.
func Load(path string) (Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// fall through to env overrides
	case err != nil:
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if cfg.Workers <= 0 {
		cfg.Workers = Defaults().Workers
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = Defaults().RefreshInterval
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PACKFLOW_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("PACKFLOW_DB"); v != "" {
		cfg.DatabasePath = v
	}
	if v := os.Getenv("PACKFLOW_CLONE_ROOT"); v != "" {
		cfg.CloneRoot = v
	}
	if v := os.Getenv("PACKFLOW_NATS_URL"); v != "" {
		cfg.NATSUrl = v
	}
	if v := os.Getenv("PACKFLOW_CRP_BASE_URL"); v != "" {
		cfg.CRPBaseURL = v
	}
	if v := os.Getenv("PACKFLOW_REVIEW_FORGE_API"); v != "" {
		cfg.ReviewForgeAPI = v
	}
}

// Init writes a starter configuration file. Refuses to overwrite unless
// force is set.
func Init(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("config file %s already exists (use --force to overwrite)", path)
	}
	data, err := yaml.Marshal(Defaults())
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}
