// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// PipelineConfig describes a streamio-pump run: the chunking, concurrency,
// compression and throttling knobs for one pump pipeline. Modeled on
// ServerConfig's ChunkBufferConfig — string sizes with suffix parsing,
// derived *Raw fields computed once at load time, and a Validate method
// that fills in defaults the same way validate() does for ServerConfig.
type PipelineConfig struct {
	// ChunkSize is the fixed read/write unit the pump issues, e.g. "1mb".
	// Required; no default, since it directly governs sequentializer and
	// pump buffer allocation.
	ChunkSize string `yaml:"chunk_size"`
	// ChunkSizeRaw is ChunkSize parsed to bytes, filled in by Validate.
	ChunkSizeRaw int64 `yaml:"-"`

	// Mode selects the pump strategy: "bounded" (C5, known total size) or
	// "exhaustive" (C6, drain until temporarily or terminally out).
	Mode string `yaml:"mode"`

	// Concurrency bounds the exhaustive pump's number of in-flight
	// read/write slots. 0 uses the pump's own default of 8. The bounded
	// pump does not use it: it issues all of its reads at once.
	Concurrency int `yaml:"concurrency"`

	// Compression selects the filterwriter transform fronting the sink:
	// "none" (default), "zstd" or "gzip".
	Compression string `yaml:"compression"`

	// Throttle caps sustained throughput, e.g. "50mb" per second.
	// "0" or empty disables throttling.
	Throttle string `yaml:"throttle"`
	// ThrottleBytesPerSec is Throttle parsed to bytes/sec, filled in by
	// Validate. 0 means disabled.
	ThrottleBytesPerSec int64 `yaml:"-"`

	// Backpressure configures the optional memory-pressure monitor that
	// throttles an exhaustive pump's concurrency.
	Backpressure BackpressureConfig `yaml:"backpressure"`

	// Watch configures cmd/streamio-pump's --watch mode: a cron schedule
	// that periodically pumps every file sitting in InputDir into
	// OutputDir. Ignored outside --watch.
	Watch WatchConfig `yaml:"watch"`

	Logging LoggingInfo `yaml:"logging"`
}

// WatchConfig configures the periodic directory-draining mode.
type WatchConfig struct {
	// Schedule is a standard 5-field cron expression, e.g. "0 * * * *".
	Schedule string `yaml:"schedule"`
	InputDir string `yaml:"input_dir"`
	// OutputDir receives one pumped file per input file. Created if
	// missing.
	OutputDir string `yaml:"output_dir"`
}

// BackpressureConfig configures pump.BackpressureMonitor. An empty config
// (Enabled false) means the pump runs with a fixed concurrency and no
// memory sampling, matching spec.md's base C6 behavior.
type BackpressureConfig struct {
	Enabled bool `yaml:"enabled"`
	// IntervalSeconds is how often memory usage is sampled. 0 uses the
	// monitor's own default of 15s.
	IntervalSeconds int `yaml:"interval_seconds"`
	// HighWatermarkPercent is the used-memory percentage above which the
	// pump halves its concurrency. 0 uses the monitor's own default of 90.
	HighWatermarkPercent float64 `yaml:"high_watermark_percent"`
}

// LoadPipelineConfig reads and validates a PipelineConfig from path.
func LoadPipelineConfig(path string) (*PipelineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading pipeline config: %w", err)
	}

	var cfg PipelineConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing pipeline config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline config: %w", err)
	}
	return &cfg, nil
}

// Validate fills in defaults and range-checks every field, the same way
// ServerConfig.validate does for its own sub-configs.
func (c *PipelineConfig) Validate() error {
	if c.ChunkSize == "" {
		return fmt.Errorf("chunk_size is required")
	}
	parsed, err := ParseByteSize(c.ChunkSize)
	if err != nil {
		return fmt.Errorf("chunk_size: %w", err)
	}
	if parsed <= 0 {
		return fmt.Errorf("chunk_size must be > 0, got %s", c.ChunkSize)
	}
	c.ChunkSizeRaw = parsed

	if c.Mode == "" {
		c.Mode = "exhaustive"
	}
	c.Mode = strings.ToLower(strings.TrimSpace(c.Mode))
	if c.Mode != "bounded" && c.Mode != "exhaustive" {
		return fmt.Errorf("mode must be bounded or exhaustive, got %q", c.Mode)
	}

	if c.Concurrency < 0 {
		return fmt.Errorf("concurrency must be >= 0, got %d", c.Concurrency)
	}

	if c.Compression == "" {
		c.Compression = "none"
	}
	c.Compression = strings.ToLower(strings.TrimSpace(c.Compression))
	if c.Compression != "none" && c.Compression != "zstd" && c.Compression != "gzip" {
		return fmt.Errorf("compression must be none, zstd or gzip, got %q", c.Compression)
	}

	if c.Throttle == "" || c.Throttle == "0" {
		c.ThrottleBytesPerSec = 0
	} else {
		parsed, err := ParseByteSize(c.Throttle)
		if err != nil {
			return fmt.Errorf("throttle: %w", err)
		}
		if parsed <= 0 {
			return fmt.Errorf("throttle must be > 0 or \"0\" to disable, got %s", c.Throttle)
		}
		c.ThrottleBytesPerSec = parsed
	}

	if c.Backpressure.IntervalSeconds < 0 {
		return fmt.Errorf("backpressure.interval_seconds must be >= 0, got %d", c.Backpressure.IntervalSeconds)
	}
	if c.Backpressure.HighWatermarkPercent < 0 || c.Backpressure.HighWatermarkPercent > 100 {
		return fmt.Errorf("backpressure.high_watermark_percent must be between 0 and 100, got %.2f", c.Backpressure.HighWatermarkPercent)
	}

	if c.Watch.Schedule != "" {
		if c.Watch.InputDir == "" {
			return fmt.Errorf("watch.input_dir is required when watch.schedule is set")
		}
		if c.Watch.OutputDir == "" {
			return fmt.Errorf("watch.output_dir is required when watch.schedule is set")
		}
	}

	return nil
}
