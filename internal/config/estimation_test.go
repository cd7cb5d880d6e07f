package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestEmptyConfigDefaults(t *testing.T) {
	cfg := EmptyEstimationConfig()
	if got := cfg.GetNumAnchors(); got != 1280 {
		t.Errorf("GetNumAnchors() = %d, want 1280", got)
	}
	if got := cfg.GetPoolingNeighbors(); got != 4 {
		t.Errorf("GetPoolingNeighbors() = %d, want 4", got)
	}
	if got := cfg.GetSparsityThreshold(); got != 0.05 {
		t.Errorf("GetSparsityThreshold() = %f, want 0.05", got)
	}
	if got := cfg.GetRequestTimeout(); got != 5*time.Second {
		t.Errorf("GetRequestTimeout() = %v, want 5s", got)
	}
	if !cfg.GetAsyncInference() {
		t.Error("GetAsyncInference() should default to true")
	}
	if cfg.GetForceTrigger() {
		t.Error("GetForceTrigger() should default to false")
	}
}

func TestLoadPartialConfig(t *testing.T) {
	path := writeConfig(t, "partial.json", `{"num_anchors": 640, "falloff": "exponential", "tick_interval": "250ms"}`)
	cfg, err := LoadEstimationConfig(path)
	if err != nil {
		t.Fatalf("LoadEstimationConfig: %v", err)
	}
	if cfg.GetNumAnchors() != 640 {
		t.Errorf("num_anchors = %d, want 640", cfg.GetNumAnchors())
	}
	if cfg.GetFalloff() != "exponential" {
		t.Errorf("falloff = %q", cfg.GetFalloff())
	}
	if cfg.GetTickInterval() != 250*time.Millisecond {
		t.Errorf("tick_interval = %v", cfg.GetTickInterval())
	}
	// Unset fields fall back.
	if cfg.GetPoolingWindow() != 9 {
		t.Errorf("pooling_window = %d, want 9", cfg.GetPoolingWindow())
	}
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		body    string
		wantErr string
	}{
		{"wrong extension", "cfg.yaml", `{}`, ".json extension"},
		{"bad json", "cfg.json", `{`, "parse config JSON"},
		{"too few anchors", "cfg.json", `{"num_anchors": 1}`, "num_anchors"},
		{"neighbors exceed anchors", "cfg.json", `{"num_anchors": 4, "pooling_neighbors": 4}`, "pooling_neighbors"},
		{"unknown falloff", "cfg.json", `{"falloff": "quadratic"}`, "unknown falloff"},
		{"bad duration", "cfg.json", `{"request_timeout": "soon"}`, "request_timeout"},
		{"negative retries", "cfg.json", `{"max_retries": -1}`, "max_retries"},
		{"zero tick interval", "cfg.json", `{"tick_interval": "0s"}`, "tick_interval must be positive"},
		{"negative tick interval", "cfg.json", `{"tick_interval": "-1s"}`, "tick_interval"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadEstimationConfig(writeConfig(t, tt.file, tt.body))
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := LoadEstimationConfig(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestDefaultsFileMatchesBuiltins(t *testing.T) {
	fromFile := MustLoadDefaultConfig()
	builtin := DefaultEstimationConfig()
	if err := builtin.Validate(); err != nil {
		t.Fatalf("built-in defaults invalid: %v", err)
	}
	if fromFile.GetNumAnchors() != builtin.GetNumAnchors() ||
		fromFile.GetPoolingNeighbors() != builtin.GetPoolingNeighbors() ||
		fromFile.GetTriggerColorThreshold() != builtin.GetTriggerColorThreshold() ||
		fromFile.GetInferenceURL() != builtin.GetInferenceURL() ||
		fromFile.GetTickInterval() != builtin.GetTickInterval() {
		t.Errorf("defaults file drifted from built-in defaults")
	}
}
