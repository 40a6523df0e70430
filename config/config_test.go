package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "sessionrec.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

const validConfigYAML = `
buffer:
  max_buffer_size_kb: 1024
  max_buffer_age_seconds: 300
  buffer_age_jitter: 0.2
  buffer_age_in_memory_multiplier: 1.5
  local_directory: /tmp/session-buffer-files
storage:
  remote_folder: session_recordings
  bucket: my-bucket
  region: us-east-1
realtime:
  url: redis://localhost:6379/0
kafka:
  brokers: ["localhost:9092"]
  topic: recording_events
  group_id: session-recording-ingester
`

func TestLoad_Valid(t *testing.T) {
	path := writeTempConfig(t, validConfigYAML)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Buffer.MaxSizeKB != 1024 {
		t.Errorf("MaxSizeKB = %d, want 1024", cfg.Buffer.MaxSizeKB)
	}
	if cfg.Buffer.AgeJitter != 0.2 {
		t.Errorf("AgeJitter = %f, want 0.2", cfg.Buffer.AgeJitter)
	}
	if cfg.Storage.Bucket != "my-bucket" {
		t.Errorf("Bucket = %q, want my-bucket", cfg.Storage.Bucket)
	}
	if cfg.Kafka.Topic != "recording_events" {
		t.Errorf("Topic = %q, want recording_events", cfg.Kafka.Topic)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLoad_InvalidJitter(t *testing.T) {
	path := writeTempConfig(t, `
buffer:
  max_buffer_size_kb: 1024
  max_buffer_age_seconds: 300
  buffer_age_jitter: 1.5
  buffer_age_in_memory_multiplier: 1
  local_directory: /tmp/x
storage:
  bucket: b
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for out-of-range jitter")
	}
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("SESSIONREC_BUCKET", "env-bucket")

	path := writeTempConfig(t, `
buffer:
  max_buffer_size_kb: 512
  max_buffer_age_seconds: 60
  buffer_age_jitter: 0
  buffer_age_in_memory_multiplier: 1
  local_directory: /tmp/x
storage:
  bucket: ${SESSIONREC_BUCKET}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Storage.Bucket != "env-bucket" {
		t.Errorf("Bucket = %q, want env-bucket", cfg.Storage.Bucket)
	}
}
