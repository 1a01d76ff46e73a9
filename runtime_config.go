package webcodecs

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// RuntimeConfig tunes a Runtime. It is loaded from YAML:
//
//	flush_timeout: 30s
//	drain_poll_interval: 5ms
//	hardware_acceleration: no-preference
//	log_level: warn
//	hardware_pool:
//	  size: 4
//	  acquire_timeout: 2s
//	pipeline_overrides:
//	  h264: [videotoolbox, cuda]
type RuntimeConfig struct {
	FlushTimeout         time.Duration       `yaml:"flush_timeout"`
	DrainPollInterval    time.Duration       `yaml:"drain_poll_interval"`
	HardwareAcceleration string              `yaml:"hardware_acceleration"`
	LogLevel             string              `yaml:"log_level"`
	HardwarePool         PoolSettings        `yaml:"hardware_pool"`
	PipelineOverrides    map[string][]string `yaml:"pipeline_overrides"`
}

// PoolSettings is the YAML form of PoolConfig.
type PoolSettings struct {
	Size           int           `yaml:"size"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
}

// DefaultRuntimeConfig returns the default configuration.
func DefaultRuntimeConfig() *RuntimeConfig {
	return &RuntimeConfig{
		FlushTimeout:         30 * time.Second,
		DrainPollInterval:    5 * time.Millisecond,
		HardwareAcceleration: "no-preference",
		LogLevel:             "warn",
		HardwarePool: PoolSettings{
			Size:           4,
			AcquireTimeout: 2 * time.Second,
		},
	}
}

// LoadRuntimeConfig reads path over the defaults. A missing file yields the
// defaults.
func LoadRuntimeConfig(path string) (*RuntimeConfig, error) {
	cfg := DefaultRuntimeConfig()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read runtime config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: failed to parse runtime config: %v", ErrValidation, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("runtime config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks ranges and names.
func (c *RuntimeConfig) Validate() error {
	if c.FlushTimeout <= 0 {
		return fmt.Errorf("%w: flush_timeout must be positive, got %v", ErrValidation, c.FlushTimeout)
	}
	if c.DrainPollInterval <= 0 || c.DrainPollInterval > time.Second {
		return fmt.Errorf("%w: drain_poll_interval must be in (0, 1s], got %v", ErrValidation, c.DrainPollInterval)
	}
	if c.HardwarePool.Size <= 0 {
		return fmt.Errorf("%w: hardware_pool.size must be positive, got %d", ErrValidation, c.HardwarePool.Size)
	}
	if c.HardwarePool.AcquireTimeout <= 0 {
		return fmt.Errorf("%w: hardware_pool.acquire_timeout must be positive, got %v", ErrValidation, c.HardwarePool.AcquireTimeout)
	}
	if _, err := ParseHardwareAcceleration(c.HardwareAcceleration); err != nil {
		return err
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: log_level: %v", ErrValidation, err)
	}
	if _, err := c.Overrides(); err != nil {
		return err
	}
	return nil
}

// Overrides converts pipeline_overrides to typed form.
func (c *RuntimeConfig) Overrides() (map[Codec][]HWMethod, error) {
	if len(c.PipelineOverrides) == 0 {
		return nil, nil
	}
	out := make(map[Codec][]HWMethod, len(c.PipelineOverrides))
	for name, methods := range c.PipelineOverrides {
		codec, err := ParseCodecName(name)
		if err != nil {
			return nil, fmt.Errorf("pipeline_overrides: %w", err)
		}
		for _, mname := range methods {
			m, err := ParseHWMethod(mname)
			if err != nil {
				return nil, fmt.Errorf("pipeline_overrides.%s: %w", name, err)
			}
			out[codec] = append(out[codec], m)
		}
	}
	return out, nil
}

// Pool returns the hardware pool bounds.
func (c *RuntimeConfig) Pool() PoolConfig {
	return PoolConfig{Size: c.HardwarePool.Size, AcquireTimeout: c.HardwarePool.AcquireTimeout}
}

// DefaultAcceleration returns the parsed default hardware preference.
func (c *RuntimeConfig) DefaultAcceleration() HardwareAcceleration {
	h, err := ParseHardwareAcceleration(c.HardwareAcceleration)
	if err != nil {
		return HardwareAccelerationNoPreference
	}
	return h
}
