// Package config loads the core's own configuration tree. Loading the YAML
// file and overlaying environment variables is the core's concern; sourcing
// that file from a CLI flag, a mounted ConfigMap, etc. is the caller's.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// AdaptiveScan holds the Adaptive Limiter's controller tuning (§4.H). The
// limiter governs concurrency for one job class only — JobType names it.
type AdaptiveScan struct {
	Enabled         bool   `yaml:"enabled"`
	JobType         string `yaml:"job_type"`
	MinConcurrent   int    `yaml:"min_concurrent"`
	MaxConcurrent   int    `yaml:"max_concurrent"`
	StepUp          int    `yaml:"step_up"`
	StepDown        int    `yaml:"step_down"`
	CheckIntervalMs int    `yaml:"check_interval_ms"`
}

// JobQueue holds the Worker Pool and Job Store's tuning (§4.F, §4.G).
type JobQueue struct {
	PollIntervalMs    int          `yaml:"poll_interval_ms"`
	MaxConcurrent     int          `yaml:"max_concurrent"`
	TimeoutSecs       int          `yaml:"timeout_secs"`
	SweepIntervalMs   int          `yaml:"sweep_interval_ms"`
	LeaseSecs         int          `yaml:"lease_secs"`
	ReclaimIntervalMs int          `yaml:"reclaim_interval_ms"`
	AdaptiveScan      AdaptiveScan `yaml:"adaptive_scan"`
}

// Plugins holds the Lifecycle Manager and Sandbox Context's tuning (§4.D, §4.E).
type Plugins struct {
	MaxMemoryMB int    `yaml:"max_memory_mb"`
	Location    string `yaml:"location"`
}

// Database holds the Persistence Pool's tuning (§4.A). Path is a plain
// filesystem path; the pool itself builds the sqlite DSN and pragmas.
type Database struct {
	Path           string `yaml:"path"`
	MaxConnections int    `yaml:"max_connections"`
}

// Config is the configuration tree named in §6.
type Config struct {
	Plugins  Plugins  `yaml:"plugins"`
	JobQueue JobQueue `yaml:"job_queue"`
	Database Database `yaml:"database"`
}

// Defaults mirrors the values original_source/src/config.rs ships when a
// key is absent, so a minimal YAML file is still a complete configuration.
func Defaults() *Config {
	return &Config{
		Plugins: Plugins{
			MaxMemoryMB: 64,
			Location:    "./plugins",
		},
		JobQueue: JobQueue{
			PollIntervalMs:    500,
			MaxConcurrent:     4,
			TimeoutSecs:       300,
			SweepIntervalMs:   5000,
			LeaseSecs:         30,
			ReclaimIntervalMs: 5000,
			AdaptiveScan: AdaptiveScan{
				Enabled:         true,
				JobType:         "scan-directory",
				MinConcurrent:   1,
				MaxConcurrent:   4,
				StepUp:          1,
				StepDown:        1,
				CheckIntervalMs: 2000,
			},
		},
		Database: Database{
			Path:           "vtx.db",
			MaxConnections: 8,
		},
	}
}

// Load reads path (if it exists) over Defaults(), then applies VTX_*
// environment overrides via ApplyEnv.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	ApplyEnv(cfg, os.Environ())
	return cfg, nil
}

// ApplyEnv overlays VTX_* environment variables onto cfg. Keys map into the
// configuration tree by splitting on double underscore, lower-casing each
// segment: VTX_JOB_QUEUE__LEASE_SECS=45 -> job_queue.lease_secs.
func ApplyEnv(cfg *Config, environ []string) {
	for _, kv := range environ {
		idx := strings.IndexByte(kv, '=')
		if idx < 0 {
			continue
		}
		key, value := kv[:idx], kv[idx+1:]
		if !strings.HasPrefix(key, "VTX_") {
			continue
		}
		path := strings.Split(strings.ToLower(strings.TrimPrefix(key, "VTX_")), "__")
		applyPath(cfg, path, value)
	}
}

func applyPath(cfg *Config, path []string, value string) {
	if len(path) < 2 {
		return
	}
	switch path[0] {
	case "plugins":
		switch path[1] {
		case "max_memory_mb":
			if n, err := strconv.Atoi(value); err == nil {
				cfg.Plugins.MaxMemoryMB = n
			}
		case "location":
			cfg.Plugins.Location = value
		}
	case "database":
		switch path[1] {
		case "path":
			cfg.Database.Path = value
		case "max_connections":
			if n, err := strconv.Atoi(value); err == nil {
				cfg.Database.MaxConnections = n
			}
		}
	case "job_queue":
		if len(path) == 2 {
			applyJobQueueField(cfg, path[1], value)
		} else if len(path) == 3 && path[1] == "adaptive_scan" {
			applyAdaptiveScanField(cfg, path[2], value)
		}
	}
}

func applyJobQueueField(cfg *Config, field, value string) {
	n, err := strconv.Atoi(value)
	switch field {
	case "poll_interval_ms":
		if err == nil {
			cfg.JobQueue.PollIntervalMs = n
		}
	case "max_concurrent":
		if err == nil {
			cfg.JobQueue.MaxConcurrent = n
		}
	case "timeout_secs":
		if err == nil {
			cfg.JobQueue.TimeoutSecs = n
		}
	case "sweep_interval_ms":
		if err == nil {
			cfg.JobQueue.SweepIntervalMs = n
		}
	case "lease_secs":
		if err == nil {
			cfg.JobQueue.LeaseSecs = n
		}
	case "reclaim_interval_ms":
		if err == nil {
			cfg.JobQueue.ReclaimIntervalMs = n
		}
	}
}

func applyAdaptiveScanField(cfg *Config, field, value string) {
	switch field {
	case "enabled":
		cfg.JobQueue.AdaptiveScan.Enabled = value == "true" || value == "1"
		return
	case "job_type":
		cfg.JobQueue.AdaptiveScan.JobType = value
		return
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return
	}
	switch field {
	case "min_concurrent":
		cfg.JobQueue.AdaptiveScan.MinConcurrent = n
	case "max_concurrent":
		cfg.JobQueue.AdaptiveScan.MaxConcurrent = n
	case "step_up":
		cfg.JobQueue.AdaptiveScan.StepUp = n
	case "step_down":
		cfg.JobQueue.AdaptiveScan.StepDown = n
	case "check_interval_ms":
		cfg.JobQueue.AdaptiveScan.CheckIntervalMs = n
	}
}
