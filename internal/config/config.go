// Package config provides the configuration schema and loader for the
// Compass gating service.
package config

// LogLevel controls log verbosity for the Compass server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for Compass.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Gate       GateConfig       `yaml:"gate"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Store      StoreConfig      `yaml:"store"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
}

// ServerConfig holds network and logging settings for the ingest server.
type ServerConfig struct {
	// ListenAddr is the TCP address the ingest server listens on
	// (e.g., ":8080"). Empty disables the server (stdin demo mode only).
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// GateConfig holds the voice-activity gate parameters. Zero values fall back
// to the gate package defaults (16 kHz, 30 ms frames, 300 ms pre-roll,
// 700 ms silence stop).
type GateConfig struct {
	// SampleRate is the PCM sample rate in Hz. One of 8000, 16000, 32000, 48000.
	SampleRate int `yaml:"sample_rate"`

	// FrameMs is the frame duration in milliseconds. One of 10, 20, 30.
	FrameMs int `yaml:"frame_ms"`

	// Aggressiveness tunes the classifier (0 most permissive – 3 most
	// aggressive). Applied best-effort. A pointer because 0 is a valid
	// value; leave unset to use the gate default (2).
	Aggressiveness *int `yaml:"aggressiveness"`

	// PreRollMs is the pre-speech context window in milliseconds.
	PreRollMs int `yaml:"pre_roll_ms"`

	// SilenceStopMs is the continuous-silence duration that closes an open
	// segment, in milliseconds.
	SilenceStopMs int `yaml:"silence_stop_ms"`
}

// ClassifierConfig selects the frame-level speech classifier implementation.
type ClassifierConfig struct {
	// Name selects the classifier backend. Currently "energy" (default).
	Name string `yaml:"name"`
}

// StoreConfig configures segment metadata persistence.
type StoreConfig struct {
	// PostgresDSN is the connection string for the segment metadata store.
	// Empty disables persistence.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// PipelineConfig tunes the capture → gate hand-off.
type PipelineConfig struct {
	// QueueSize is the bounded chunk queue capacity between the capture
	// goroutine and the gate goroutine. When full, the oldest chunk is
	// dropped. Default: 64.
	QueueSize int `yaml:"queue_size"`
}
