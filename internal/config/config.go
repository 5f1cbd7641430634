// SPDX-License-Identifier: MIT

// Package config loads and validates the agent configuration with the
// precedence ENV > file > defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// AppConfig is the effective agent configuration.
type AppConfig struct {
	ListenAddr string `yaml:"listenAddr"`
	DataDir    string `yaml:"dataDir"`
	LogLevel   string `yaml:"logLevel"`

	FFmpegBin    string `yaml:"ffmpegBin"`
	RegistryPath string `yaml:"registryPath"`

	// Retry policy for transient stream failures.
	RetryBaseDelay   time.Duration `yaml:"retryBaseDelay"`
	RetryMultiplier  float64       `yaml:"retryMultiplier"`
	RetryMaxDelay    time.Duration `yaml:"retryMaxDelay"`
	RetryMaxAttempts int           `yaml:"retryMaxAttempts"`

	// StabilityWindow is the continuous uptime after which a run counts as
	// recovered and the failure counter resets.
	StabilityWindow time.Duration `yaml:"stabilityWindow"`

	// Segment window (DVR buffer).
	SegmentWindow      int           `yaml:"segmentWindow"`
	SegmentSeconds     int           `yaml:"segmentSeconds"`
	WindowResumeMaxAge time.Duration `yaml:"windowResumeMaxAge"`

	// StaleAfter is the liveness staleness threshold: a running worker that
	// has produced no output for this long is treated as crashed.
	StaleAfter time.Duration `yaml:"staleAfter"`

	// StopGrace is how long a worker gets to exit after SIGTERM before it is
	// force-killed.
	StopGrace time.Duration `yaml:"stopGrace"`

	// PurgeOnStop deletes a camera's retained segments and index when its
	// stream is stopped. Off by default so a stopped stream can resume its
	// window.
	PurgeOnStop bool `yaml:"purgeOnStop"`

	// LogBuffer is the per-camera log ring capacity.
	LogBuffer int `yaml:"logBuffer"`

	// RateLimitRPM limits admin API requests per minute per client IP.
	// Zero disables rate limiting.
	RateLimitRPM int `yaml:"rateLimitRPM"`
}

// Defaults returns the built-in configuration defaults.
func Defaults() AppConfig {
	return AppConfig{
		ListenAddr:         ":8080",
		DataDir:            "/var/lib/camagent",
		LogLevel:           "info",
		FFmpegBin:          "ffmpeg",
		RetryBaseDelay:     2 * time.Second,
		RetryMultiplier:    2.0,
		RetryMaxDelay:      30 * time.Second,
		RetryMaxAttempts:   5,
		StabilityWindow:    60 * time.Second,
		SegmentWindow:      120,
		SegmentSeconds:     2,
		WindowResumeMaxAge: 60 * time.Second,
		StaleAfter:         15 * time.Second,
		StopGrace:          5 * time.Second,
		LogBuffer:          500,
		RateLimitRPM:       600,
	}
}

// Load builds the effective configuration: defaults, overlaid by the YAML
// file at path (if non-empty and present), overlaid by CAMAGENT_* variables.
func Load(path string) (AppConfig, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied config path
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("read config file %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.ListenAddr = ParseString("CAMAGENT_LISTEN", cfg.ListenAddr)
	cfg.DataDir = ParseString("CAMAGENT_DATA", cfg.DataDir)
	cfg.LogLevel = ParseString("CAMAGENT_LOG_LEVEL", cfg.LogLevel)
	cfg.FFmpegBin = ParseString("CAMAGENT_FFMPEG", cfg.FFmpegBin)
	cfg.RegistryPath = ParseString("CAMAGENT_REGISTRY_PATH", cfg.RegistryPath)
	cfg.RetryBaseDelay = ParseDuration("CAMAGENT_RETRY_BASE_DELAY", cfg.RetryBaseDelay)
	cfg.RetryMultiplier = ParseFloat("CAMAGENT_RETRY_MULTIPLIER", cfg.RetryMultiplier)
	cfg.RetryMaxDelay = ParseDuration("CAMAGENT_RETRY_MAX_DELAY", cfg.RetryMaxDelay)
	cfg.RetryMaxAttempts = ParseInt("CAMAGENT_RETRY_MAX_ATTEMPTS", cfg.RetryMaxAttempts)
	cfg.StabilityWindow = ParseDuration("CAMAGENT_STABILITY_WINDOW", cfg.StabilityWindow)
	cfg.SegmentWindow = ParseInt("CAMAGENT_SEGMENT_WINDOW", cfg.SegmentWindow)
	cfg.SegmentSeconds = ParseInt("CAMAGENT_SEGMENT_SECONDS", cfg.SegmentSeconds)
	cfg.WindowResumeMaxAge = ParseDuration("CAMAGENT_WINDOW_RESUME_MAX_AGE", cfg.WindowResumeMaxAge)
	cfg.StaleAfter = ParseDuration("CAMAGENT_STALE_AFTER", cfg.StaleAfter)
	cfg.StopGrace = ParseDuration("CAMAGENT_STOP_GRACE", cfg.StopGrace)
	cfg.PurgeOnStop = ParseBool("CAMAGENT_PURGE_ON_STOP", cfg.PurgeOnStop)
	cfg.LogBuffer = ParseInt("CAMAGENT_LOG_BUFFER", cfg.LogBuffer)
	cfg.RateLimitRPM = ParseInt("CAMAGENT_RATE_LIMIT_RPM", cfg.RateLimitRPM)

	if cfg.RegistryPath == "" {
		cfg.RegistryPath = filepath.Join(cfg.DataDir, "cameras.db")
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c AppConfig) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data dir must not be empty")
	}
	if c.RetryBaseDelay <= 0 {
		return fmt.Errorf("retry base delay must be positive, got %s", c.RetryBaseDelay)
	}
	if c.RetryMultiplier < 1 {
		return fmt.Errorf("retry multiplier must be >= 1, got %g", c.RetryMultiplier)
	}
	if c.RetryMaxDelay < c.RetryBaseDelay {
		return fmt.Errorf("retry max delay %s is below base delay %s", c.RetryMaxDelay, c.RetryBaseDelay)
	}
	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("retry max attempts must be >= 1, got %d", c.RetryMaxAttempts)
	}
	if c.SegmentWindow < 1 {
		return fmt.Errorf("segment window must be >= 1, got %d", c.SegmentWindow)
	}
	if c.SegmentSeconds < 1 {
		return fmt.Errorf("segment duration must be >= 1s, got %d", c.SegmentSeconds)
	}
	if c.StaleAfter <= 0 {
		return fmt.Errorf("staleness threshold must be positive, got %s", c.StaleAfter)
	}
	if c.StopGrace <= 0 {
		return fmt.Errorf("stop grace period must be positive, got %s", c.StopGrace)
	}
	if c.LogBuffer < 1 {
		return fmt.Errorf("log buffer capacity must be >= 1, got %d", c.LogBuffer)
	}
	return nil
}

// HLSRoot returns the root directory for per-camera segment output.
func (c AppConfig) HLSRoot() string {
	return filepath.Join(c.DataDir, "hls")
}
