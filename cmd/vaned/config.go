package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

type fileConfig struct {
	Addr          string `toml:"addr"`
	PublicURL     string `toml:"public_url"`
	ServerName    string `toml:"server_name"`
	ServerVersion string `toml:"server_version"`
	DrainTimeout  string `toml:"drain_timeout"`
	KeepAlive     string `toml:"keep_alive"`
	LogLevel      string `toml:"log_level"`

	Weather struct {
		BaseURL   string `toml:"base_url"`
		UserAgent string `toml:"user_agent"`
	} `toml:"weather"`
}

type config struct {
	Addr          string
	PublicURL     string
	ServerName    string
	ServerVersion string
	DrainTimeout  time.Duration
	KeepAlive     time.Duration
	LogLevel      slog.Level

	WeatherBaseURL   string
	WeatherUserAgent string
}

func defaultConfig() config {
	return config{
		Addr:             ":8970",
		ServerName:       "weathervane",
		ServerVersion:    "1.0.0",
		DrainTimeout:     5 * time.Second,
		LogLevel:         slog.LevelInfo,
		WeatherUserAgent: "weathervane/1.0 (github.com/mstolt/vane)",
	}
}

// loadConfig reads a TOML config file and applies it over the defaults. An
// empty path yields the defaults unchanged.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return config{}, fmt.Errorf("load config (%s): %w", path, err)
	}

	var raw fileConfig
	if err := toml.Unmarshal(data, &raw); err != nil {
		return config{}, fmt.Errorf("parse config (%s): %w", path, err)
	}

	if raw.Addr != "" {
		cfg.Addr = raw.Addr
	}
	if raw.PublicURL != "" {
		cfg.PublicURL = strings.TrimSuffix(raw.PublicURL, "/")
	}
	if raw.ServerName != "" {
		cfg.ServerName = raw.ServerName
	}
	if raw.ServerVersion != "" {
		cfg.ServerVersion = raw.ServerVersion
	}
	if raw.DrainTimeout != "" {
		d, err := time.ParseDuration(raw.DrainTimeout)
		if err != nil {
			return config{}, fmt.Errorf("parse drain_timeout: %w", err)
		}
		if d <= 0 {
			return config{}, fmt.Errorf("drain_timeout must be positive, got %s", d)
		}
		cfg.DrainTimeout = d
	}
	if raw.KeepAlive != "" {
		d, err := time.ParseDuration(raw.KeepAlive)
		if err != nil {
			return config{}, fmt.Errorf("parse keep_alive: %w", err)
		}
		cfg.KeepAlive = d
	}
	if raw.LogLevel != "" {
		var level slog.Level
		if err := level.UnmarshalText([]byte(raw.LogLevel)); err != nil {
			return config{}, fmt.Errorf("parse log_level: %w", err)
		}
		cfg.LogLevel = level
	}
	if raw.Weather.BaseURL != "" {
		cfg.WeatherBaseURL = raw.Weather.BaseURL
	}
	if raw.Weather.UserAgent != "" {
		cfg.WeatherUserAgent = raw.Weather.UserAgent
	}

	return cfg, nil
}
