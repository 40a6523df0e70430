// Package config loads the ingester's YAML configuration file, expanding
// ${VAR} / ${VAR:-default} environment references before parsing (see
// envexpand.go). It covers every enumerated variable in the external
// contract (§6) plus the connective tissue (Kafka, Redis, AWS) a
// deployment needs alongside them.
package config

import (
	"fmt"
	"time"
)

// Config is the root of a sessionrec.yaml file.
type Config struct {
	Buffer   BufferConfig   `yaml:"buffer"`
	Storage  StorageConfig  `yaml:"storage"`
	Realtime RealtimeConfig `yaml:"realtime"`
	Kafka    KafkaConfig    `yaml:"kafka"`
}

// BufferConfig holds the size/age flush-policy thresholds (§6).
type BufferConfig struct {
	// MaxSizeKB is SESSION_RECORDING_MAX_BUFFER_SIZE_KB.
	MaxSizeKB int64 `yaml:"max_buffer_size_kb"`
	// MaxAgeSeconds is SESSION_RECORDING_MAX_BUFFER_AGE_SECONDS.
	MaxAgeSeconds int64 `yaml:"max_buffer_age_seconds"`
	// AgeJitter is SESSION_RECORDING_BUFFER_AGE_JITTER, in [0,1).
	AgeJitter float64 `yaml:"buffer_age_jitter"`
	// AgeInMemoryMultiplier is SESSION_RECORDING_BUFFER_AGE_IN_MEMORY_MULTIPLIER, >= 1.
	AgeInMemoryMultiplier float64 `yaml:"buffer_age_in_memory_multiplier"`
	// LocalDirectory is SESSION_RECORDING_LOCAL_DIRECTORY.
	LocalDirectory string `yaml:"local_directory"`
	// FlushTimeout bounds a single flush attempt (the hard 60s deadline
	// in §4.C is the default; configurable for tests).
	FlushTimeout Duration `yaml:"flush_timeout"`
}

// StorageConfig holds object-store configuration (§6).
type StorageConfig struct {
	// RemoteFolder is SESSION_RECORDING_REMOTE_FOLDER.
	RemoteFolder string `yaml:"remote_folder"`
	// Bucket is OBJECT_STORAGE_BUCKET.
	Bucket string `yaml:"bucket"`
	Region string `yaml:"region"`
	Endpoint string `yaml:"endpoint,omitempty"`
	S3PathStyle bool `yaml:"s3_path_style,omitempty"`
}

// RealtimeConfig holds realtime mirror store connection details.
type RealtimeConfig struct {
	URL     string   `yaml:"url"`
	Timeout Duration `yaml:"timeout,omitempty"`
	Retries *int     `yaml:"retries,omitempty"`
}

// KafkaConfig holds partition-consumer connection details, used only by
// the illustrative cmd/ wiring — the consumer itself is out of scope
// (§1).
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	GroupID string   `yaml:"group_id"`
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "1m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// Validate checks required fields and threshold ranges.
func (c *Config) Validate() error {
	if c.Buffer.MaxSizeKB <= 0 {
		return fmt.Errorf("config: buffer.max_buffer_size_kb must be > 0")
	}
	if c.Buffer.MaxAgeSeconds <= 0 {
		return fmt.Errorf("config: buffer.max_buffer_age_seconds must be > 0")
	}
	if c.Buffer.AgeJitter < 0 || c.Buffer.AgeJitter >= 1 {
		return fmt.Errorf("config: buffer.buffer_age_jitter must be in [0,1), got %f", c.Buffer.AgeJitter)
	}
	if c.Buffer.AgeInMemoryMultiplier < 1 {
		return fmt.Errorf("config: buffer.buffer_age_in_memory_multiplier must be >= 1, got %f", c.Buffer.AgeInMemoryMultiplier)
	}
	if c.Buffer.LocalDirectory == "" {
		return fmt.Errorf("config: buffer.local_directory is required")
	}
	if c.Storage.Bucket == "" {
		return fmt.Errorf("config: storage.bucket is required")
	}
	return nil
}
