package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical estimation defaults file.
const DefaultConfigPath = "config/estimation.defaults.json"

// EstimationConfig holds the anchor-sphere, sampling, trigger and inference
// parameters. Every field is optional; the Get* accessors supply defaults, so a
// partial JSON document is a valid config.
type EstimationConfig struct {
	// Anchor sphere
	NumAnchors       *int `json:"num_anchors,omitempty"`
	PoolingNeighbors *int `json:"pooling_neighbors,omitempty"`
	PoolingWindow    *int `json:"pooling_window,omitempty"`
	CacheGridSize    *int `json:"cache_grid_size,omitempty"` // 0 selects automatically

	// Sampling
	Falloff       *string  `json:"falloff,omitempty"` // inverse | exponential | constant
	FalloffScaleM *float64 `json:"falloff_scale_m,omitempty"`
	MaxDepthM     *float64 `json:"max_depth_m,omitempty"`

	// Trigger
	TriggerMinUncoveredNeighbors *int     `json:"trigger_min_uncovered_neighbors,omitempty"`
	TriggerColorThreshold        *float64 `json:"trigger_color_threshold,omitempty"`
	TriggerMinChangedNeighbors   *int     `json:"trigger_min_changed_neighbors,omitempty"`
	SparsityThreshold            *float64 `json:"sparsity_threshold,omitempty"`
	ForceTrigger                 *bool    `json:"force_trigger,omitempty"`

	// Inference
	InferenceURL   *string `json:"inference_url,omitempty"`
	RequestTimeout *string `json:"request_timeout,omitempty"` // duration string like "5s"
	MaxRetries     *int    `json:"max_retries,omitempty"`
	RetryBaseDelay *string `json:"retry_base_delay,omitempty"`
	AsyncInference *bool   `json:"async_inference,omitempty"`

	// Controller
	TickInterval   *string `json:"tick_interval,omitempty"`
	Enabled        *bool   `json:"enabled,omitempty"`
	ComputeWorkers *int    `json:"compute_workers,omitempty"`
	Debug          *bool   `json:"debug,omitempty"`
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyEstimationConfig returns a config with every field unset.
func EmptyEstimationConfig() *EstimationConfig {
	return &EstimationConfig{}
}

// DefaultEstimationConfig returns a config with every field populated from the
// built-in defaults. Useful for dumping a starting file.
func DefaultEstimationConfig() *EstimationConfig {
	e := EmptyEstimationConfig()
	return &EstimationConfig{
		NumAnchors:                   ptrInt(e.GetNumAnchors()),
		PoolingNeighbors:             ptrInt(e.GetPoolingNeighbors()),
		PoolingWindow:                ptrInt(e.GetPoolingWindow()),
		CacheGridSize:                ptrInt(e.GetCacheGridSize()),
		Falloff:                      ptrString(e.GetFalloff()),
		FalloffScaleM:                ptrFloat64(e.GetFalloffScaleM()),
		MaxDepthM:                    ptrFloat64(e.GetMaxDepthM()),
		TriggerMinUncoveredNeighbors: ptrInt(e.GetTriggerMinUncoveredNeighbors()),
		TriggerColorThreshold:        ptrFloat64(e.GetTriggerColorThreshold()),
		TriggerMinChangedNeighbors:   ptrInt(e.GetTriggerMinChangedNeighbors()),
		SparsityThreshold:            ptrFloat64(e.GetSparsityThreshold()),
		ForceTrigger:                 ptrBool(e.GetForceTrigger()),
		InferenceURL:                 ptrString(e.GetInferenceURL()),
		RequestTimeout:               ptrString(e.GetRequestTimeout().String()),
		MaxRetries:                   ptrInt(e.GetMaxRetries()),
		RetryBaseDelay:               ptrString(e.GetRetryBaseDelay().String()),
		AsyncInference:               ptrBool(e.GetAsyncInference()),
		TickInterval:                 ptrString(e.GetTickInterval().String()),
		Enabled:                      ptrBool(e.GetEnabled()),
		ComputeWorkers:               ptrInt(e.GetComputeWorkers()),
		Debug:                        ptrBool(e.GetDebug()),
	}
}

// LoadEstimationConfig loads an EstimationConfig from a JSON file. The file
// must have a .json extension and be under 1MB.
func LoadEstimationConfig(path string) (*EstimationConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyEstimationConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching parent directories
// so it works from any package under internal/. Panics on failure; intended
// for test setup and binaries run from the repository root.
func MustLoadDefaultConfig() *EstimationConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,
		"../../../" + DefaultConfigPath,
		"../../../../" + DefaultConfigPath,
		"../../../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadEstimationConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that set fields hold usable values.
func (c *EstimationConfig) Validate() error {
	if c.NumAnchors != nil && (*c.NumAnchors < 2 || *c.NumAnchors > 65535) {
		return fmt.Errorf("num_anchors must be between 2 and 65535, got %d", *c.NumAnchors)
	}
	if c.PoolingNeighbors != nil && *c.PoolingNeighbors < 1 {
		return fmt.Errorf("pooling_neighbors must be positive, got %d", *c.PoolingNeighbors)
	}
	if c.PoolingNeighbors != nil && c.NumAnchors != nil && *c.PoolingNeighbors >= *c.NumAnchors {
		return fmt.Errorf("pooling_neighbors (%d) must be less than num_anchors (%d)", *c.PoolingNeighbors, *c.NumAnchors)
	}
	if c.PoolingWindow != nil && *c.PoolingWindow < 1 {
		return fmt.Errorf("pooling_window must be positive, got %d", *c.PoolingWindow)
	}
	if c.CacheGridSize != nil && *c.CacheGridSize < 0 {
		return fmt.Errorf("cache_grid_size must be non-negative, got %d", *c.CacheGridSize)
	}
	if c.Falloff != nil {
		switch *c.Falloff {
		case "inverse", "exponential", "constant":
		default:
			return fmt.Errorf("unknown falloff %q (want inverse, exponential or constant)", *c.Falloff)
		}
	}
	if c.FalloffScaleM != nil && *c.FalloffScaleM <= 0 {
		return fmt.Errorf("falloff_scale_m must be positive, got %f", *c.FalloffScaleM)
	}
	if c.MaxDepthM != nil && *c.MaxDepthM <= 0 {
		return fmt.Errorf("max_depth_m must be positive, got %f", *c.MaxDepthM)
	}
	if c.TriggerMinUncoveredNeighbors != nil && *c.TriggerMinUncoveredNeighbors < 0 {
		return fmt.Errorf("trigger_min_uncovered_neighbors must be non-negative, got %d", *c.TriggerMinUncoveredNeighbors)
	}
	if c.TriggerColorThreshold != nil && *c.TriggerColorThreshold < 0 {
		return fmt.Errorf("trigger_color_threshold must be non-negative, got %f", *c.TriggerColorThreshold)
	}
	if c.TriggerMinChangedNeighbors != nil && *c.TriggerMinChangedNeighbors < 0 {
		return fmt.Errorf("trigger_min_changed_neighbors must be non-negative, got %d", *c.TriggerMinChangedNeighbors)
	}
	if c.SparsityThreshold != nil && (*c.SparsityThreshold < 0 || *c.SparsityThreshold > 3) {
		return fmt.Errorf("sparsity_threshold must be between 0 and 3, got %f", *c.SparsityThreshold)
	}
	if c.MaxRetries != nil && *c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be non-negative, got %d", *c.MaxRetries)
	}
	if c.ComputeWorkers != nil && *c.ComputeWorkers < 0 {
		return fmt.Errorf("compute_workers must be non-negative, got %d", *c.ComputeWorkers)
	}
	for name, v := range map[string]*string{
		"request_timeout":  c.RequestTimeout,
		"retry_base_delay": c.RetryBaseDelay,
		"tick_interval":    c.TickInterval,
	} {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must be non-negative, got %s", name, d)
		}
		if name == "tick_interval" && d == 0 {
			return fmt.Errorf("tick_interval must be positive, got %s", d)
		}
	}
	return nil
}

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

// GetNumAnchors returns num_anchors or 1280.
func (c *EstimationConfig) GetNumAnchors() int {
	if c.NumAnchors == nil {
		return 1280
	}
	return *c.NumAnchors
}

// GetPoolingNeighbors returns pooling_neighbors or 4.
func (c *EstimationConfig) GetPoolingNeighbors() int {
	if c.PoolingNeighbors == nil {
		return 4
	}
	return *c.PoolingNeighbors
}

// GetPoolingWindow returns pooling_window or 9.
func (c *EstimationConfig) GetPoolingWindow() int {
	if c.PoolingWindow == nil {
		return 9
	}
	return *c.PoolingWindow
}

// GetCacheGridSize returns cache_grid_size or 0 (automatic).
func (c *EstimationConfig) GetCacheGridSize() int {
	if c.CacheGridSize == nil {
		return 0
	}
	return *c.CacheGridSize
}

func (c *EstimationConfig) GetFalloff() string {
	if c.Falloff == nil {
		return "inverse"
	}
	return *c.Falloff
}

func (c *EstimationConfig) GetFalloffScaleM() float64 {
	if c.FalloffScaleM == nil {
		return 1.0
	}
	return *c.FalloffScaleM
}

func (c *EstimationConfig) GetMaxDepthM() float64 {
	if c.MaxDepthM == nil {
		return 10.0
	}
	return *c.MaxDepthM
}

func (c *EstimationConfig) GetTriggerMinUncoveredNeighbors() int {
	if c.TriggerMinUncoveredNeighbors == nil {
		return 2
	}
	return *c.TriggerMinUncoveredNeighbors
}

func (c *EstimationConfig) GetTriggerColorThreshold() float64 {
	if c.TriggerColorThreshold == nil {
		return 0.15
	}
	return *c.TriggerColorThreshold
}

func (c *EstimationConfig) GetTriggerMinChangedNeighbors() int {
	if c.TriggerMinChangedNeighbors == nil {
		return 1
	}
	return *c.TriggerMinChangedNeighbors
}

// GetSparsityThreshold returns the minimum r+g+b an anchor needs to be encoded.
func (c *EstimationConfig) GetSparsityThreshold() float64 {
	if c.SparsityThreshold == nil {
		return 0.05
	}
	return *c.SparsityThreshold
}

func (c *EstimationConfig) GetForceTrigger() bool {
	if c.ForceTrigger == nil {
		return false
	}
	return *c.ForceTrigger
}

func (c *EstimationConfig) GetInferenceURL() string {
	if c.InferenceURL == nil || *c.InferenceURL == "" {
		return "http://localhost:8550/api/v2"
	}
	return *c.InferenceURL
}

func (c *EstimationConfig) GetRequestTimeout() time.Duration {
	return durationOr(c.RequestTimeout, 5*time.Second)
}

func (c *EstimationConfig) GetMaxRetries() int {
	if c.MaxRetries == nil {
		return 0
	}
	return *c.MaxRetries
}

func (c *EstimationConfig) GetRetryBaseDelay() time.Duration {
	return durationOr(c.RetryBaseDelay, 200*time.Millisecond)
}

// GetAsyncInference reports whether inference runs off the tick loop (default true).
func (c *EstimationConfig) GetAsyncInference() bool {
	if c.AsyncInference == nil {
		return true
	}
	return *c.AsyncInference
}

func (c *EstimationConfig) GetTickInterval() time.Duration {
	return durationOr(c.TickInterval, 100*time.Millisecond)
}

func (c *EstimationConfig) GetEnabled() bool {
	if c.Enabled == nil {
		return true
	}
	return *c.Enabled
}

// GetComputeWorkers returns compute_workers; 0 means one per CPU.
func (c *EstimationConfig) GetComputeWorkers() int {
	if c.ComputeWorkers == nil {
		return 0
	}
	return *c.ComputeWorkers
}

func (c *EstimationConfig) GetDebug() bool {
	if c.Debug == nil {
		return false
	}
	return *c.Debug
}
