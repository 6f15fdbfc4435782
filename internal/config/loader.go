package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidClassifierNames lists the classifier backends this build knows how to
// construct. [Validate] warns (but does not fail) on unrecognised names so
// that configs written for builds with extra backends still load.
var ValidClassifierNames = []string{"energy"}

// DefaultQueueSize is the pipeline chunk queue capacity applied when
// pipeline.queue_size is unset.
const DefaultQueueSize = 64

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
//
// Gate enum values are validated here as well as in the gate package itself;
// a bad sample rate should fail at config time with a file-oriented message,
// not at gate construction deep in the pipeline.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	switch cfg.Gate.SampleRate {
	case 0, 8000, 16000, 32000, 48000:
	default:
		errs = append(errs, fmt.Errorf("gate.sample_rate %d is invalid; valid values: 8000, 16000, 32000, 48000", cfg.Gate.SampleRate))
	}
	switch cfg.Gate.FrameMs {
	case 0, 10, 20, 30:
	default:
		errs = append(errs, fmt.Errorf("gate.frame_ms %d is invalid; valid values: 10, 20, 30", cfg.Gate.FrameMs))
	}
	if a := cfg.Gate.Aggressiveness; a != nil && (*a < 0 || *a > 3) {
		errs = append(errs, fmt.Errorf("gate.aggressiveness %d is invalid; valid range: 0-3", *a))
	}
	if cfg.Gate.PreRollMs < 0 {
		errs = append(errs, fmt.Errorf("gate.pre_roll_ms %d must not be negative", cfg.Gate.PreRollMs))
	}
	if cfg.Gate.SilenceStopMs < 0 {
		errs = append(errs, fmt.Errorf("gate.silence_stop_ms %d must not be negative", cfg.Gate.SilenceStopMs))
	}

	if cfg.Classifier.Name != "" && !slices.Contains(ValidClassifierNames, cfg.Classifier.Name) {
		slog.Warn("unknown classifier name in config",
			"name", cfg.Classifier.Name,
			"known", ValidClassifierNames,
		)
	}

	if cfg.Pipeline.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("pipeline.queue_size %d must not be negative", cfg.Pipeline.QueueSize))
	}

	return errors.Join(errs...)
}

// applyDefaults fills unset fields that have non-zero defaults.
func applyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Classifier.Name == "" {
		cfg.Classifier.Name = "energy"
	}
	if cfg.Pipeline.QueueSize == 0 {
		cfg.Pipeline.QueueSize = DefaultQueueSize
	}
}
