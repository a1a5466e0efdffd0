// Package config loads the optional canvassync.yaml file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/go-drift/canvassync/pkg/canvas"
	"github.com/go-drift/canvassync/pkg/diagnostics"
	"github.com/go-drift/canvassync/pkg/logging"
	"github.com/go-drift/canvassync/pkg/surface"
)

// FileName is the name of the configuration file looked up by Resolve.
const FileName = "canvassync.yaml"

// Limits enforced by Resolve.
const (
	MinBufferCount  = 2
	MaxBufferCount  = 16
	MinSamplePeriod = time.Second
)

// Config represents the optional canvassync.yaml configuration. Zero
// values mean "use the default".
type Config struct {
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Canvas      CanvasConfig      `yaml:"canvas"`
	Diagnostics DiagnosticsConfig `yaml:"diagnostics"`
	Logging     logging.Config    `yaml:"logging"`
}

// CoordinatorConfig contains surface coordinator settings.
type CoordinatorConfig struct {
	RegisterTimeout Duration `yaml:"register_timeout,omitempty"`
}

// CanvasConfig contains render context settings.
type CanvasConfig struct {
	MaxDrawCount int `yaml:"max_draw_count,omitempty"`
	BufferCount  int `yaml:"buffer_count,omitempty"`
}

// DiagnosticsConfig contains FPS and metrics settings.
type DiagnosticsConfig struct {
	FPSCounter      bool     `yaml:"fps_counter,omitempty"`
	FPSSamplePeriod Duration `yaml:"fps_sample_period,omitempty"`
	MetricsAddr     string   `yaml:"metrics_addr,omitempty"`
}

// Duration is a time.Duration written as a Go duration string ("500ms").
type Duration time.Duration

// UnmarshalYAML accepts a duration string or an integer nanosecond count.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		var n int64
		if nerr := value.Decode(&n); nerr != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		parsed = time.Duration(n)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML writes the duration as a string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Resolved contains resolved configuration values.
type Resolved struct {
	Path string `yaml:"-"`

	RegisterTimeout time.Duration
	MaxDrawCount    int
	BufferCount     int
	FPSCounter      bool
	FPSSamplePeriod time.Duration
	MetricsAddr     string
	Logging         logging.Config
}

// LoadOptional reads canvassync.yaml from dir if present.
func LoadOptional(dir string) (*Config, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", FileName, err)
	}
	return Parse(data)
}

// Parse decodes a configuration document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", FileName, err)
	}
	return &cfg, nil
}

// Resolve loads canvassync.yaml (if present) and resolves defaults.
func Resolve(dir string) (*Resolved, error) {
	cfg, err := LoadOptional(dir)
	if err != nil {
		return nil, err
	}
	r, err := cfg.Resolve()
	if err != nil {
		return nil, err
	}
	r.Path = filepath.Join(dir, FileName)
	return r, nil
}

// Resolve applies defaults and validates the result.
func (c *Config) Resolve() (*Resolved, error) {
	r := &Resolved{
		RegisterTimeout: time.Duration(c.Coordinator.RegisterTimeout),
		MaxDrawCount:    c.Canvas.MaxDrawCount,
		BufferCount:     c.Canvas.BufferCount,
		FPSCounter:      c.Diagnostics.FPSCounter,
		FPSSamplePeriod: time.Duration(c.Diagnostics.FPSSamplePeriod),
		MetricsAddr:     strings.TrimSpace(c.Diagnostics.MetricsAddr),
		Logging: logging.Config{
			Level:       strings.TrimSpace(c.Logging.Level),
			Encoding:    strings.TrimSpace(c.Logging.Encoding),
			Development: c.Logging.Development,
		},
	}

	if r.RegisterTimeout == 0 {
		r.RegisterTimeout = surface.DefaultRegisterTimeout
	}
	if r.MaxDrawCount == 0 {
		r.MaxDrawCount = canvas.DefaultMaxDrawCount
	}
	if r.BufferCount == 0 {
		r.BufferCount = canvas.DefaultBufferCount
	}
	if r.FPSSamplePeriod == 0 {
		r.FPSSamplePeriod = diagnostics.DefaultSamplePeriod
	}
	if r.Logging.Level == "" {
		r.Logging.Level = "info"
	}
	if r.Logging.Encoding == "" {
		r.Logging.Encoding = "console"
	}

	if err := r.validate(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Resolved) validate() error {
	if r.RegisterTimeout < 0 {
		return fmt.Errorf("coordinator.register_timeout must be positive (got %s)", r.RegisterTimeout)
	}
	if r.MaxDrawCount < 1 {
		return fmt.Errorf("canvas.max_draw_count must be at least 1 (got %d)", r.MaxDrawCount)
	}
	if r.BufferCount < MinBufferCount || r.BufferCount > MaxBufferCount {
		return fmt.Errorf("canvas.buffer_count must be in [%d, %d] (got %d)", MinBufferCount, MaxBufferCount, r.BufferCount)
	}
	if r.FPSSamplePeriod < MinSamplePeriod {
		return fmt.Errorf("diagnostics.fps_sample_period must be at least %s (got %s)", MinSamplePeriod, r.FPSSamplePeriod)
	}
	switch r.Logging.Encoding {
	case "console", "json":
	default:
		return fmt.Errorf("logging.encoding must be console or json (got %q)", r.Logging.Encoding)
	}
	return nil
}

// Config converts r back to a file document with every value filled in.
func (r *Resolved) Config() *Config {
	return &Config{
		Coordinator: CoordinatorConfig{RegisterTimeout: Duration(r.RegisterTimeout)},
		Canvas: CanvasConfig{
			MaxDrawCount: r.MaxDrawCount,
			BufferCount:  r.BufferCount,
		},
		Diagnostics: DiagnosticsConfig{
			FPSCounter:      r.FPSCounter,
			FPSSamplePeriod: Duration(r.FPSSamplePeriod),
			MetricsAddr:     r.MetricsAddr,
		},
		Logging: r.Logging,
	}
}

// Marshal encodes the resolved configuration as YAML.
func (r *Resolved) Marshal() ([]byte, error) {
	return yaml.Marshal(r.Config())
}
