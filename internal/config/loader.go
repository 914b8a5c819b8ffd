package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/banshee-data/pointcloud/internal/pointcloud"
)

// DefaultConfigPath is the path to the canonical loader defaults file.
const DefaultConfigPath = "config/pcload.defaults.json"

// maxFileSize bounds configuration files.
const maxFileSize = 1 * 1024 * 1024 // 1MB

// LoaderConfig is the root configuration for the point cloud loader. Every
// field is optional; the Get* methods supply defaults for unset values so
// partial files are safe.
type LoaderConfig struct {
	// Load options
	MaxPoints      *int     `json:"max_points,omitempty" yaml:"max_points,omitempty"`
	Normalize      *bool    `json:"normalize,omitempty" yaml:"normalize,omitempty"`
	TargetSpan     *float64 `json:"target_span,omitempty" yaml:"target_span,omitempty"`
	ColorMode      *string  `json:"color_mode,omitempty" yaml:"color_mode,omitempty"`
	Format         *string  `json:"format,omitempty" yaml:"format,omitempty"`
	FallbackFormat *string  `json:"fallback_format,omitempty" yaml:"fallback_format,omitempty"`

	// Streaming
	ChunkSize          *string `json:"chunk_size,omitempty" yaml:"chunk_size,omitempty"`       // size string like "1MiB"
	StallTimeout       *string `json:"stall_timeout,omitempty" yaml:"stall_timeout,omitempty"` // duration string like "30s"
	MaxConcurrentLoads *int    `json:"max_concurrent_loads,omitempty" yaml:"max_concurrent_loads,omitempty"`
	HTTPTimeout        *string `json:"http_timeout,omitempty" yaml:"http_timeout,omitempty"`

	// Resources
	MemoryBudget *string `json:"memory_budget,omitempty" yaml:"memory_budget,omitempty"` // size string like "512MiB"; "0" is unlimited

	// Recovery
	RecoveryCooldown     *string `json:"recovery_cooldown,omitempty" yaml:"recovery_cooldown,omitempty"`
	RecoveryMaxBackoff   *string `json:"recovery_max_backoff,omitempty" yaml:"recovery_max_backoff,omitempty"`
	RecoveryCeiling      *int    `json:"recovery_ceiling,omitempty" yaml:"recovery_ceiling,omitempty"`
	RecoveryStableWindow *string `json:"recovery_stable_window,omitempty" yaml:"recovery_stable_window,omitempty"`
	MinDegradedPoints    *int    `json:"min_degraded_points,omitempty" yaml:"min_degraded_points,omitempty"`

	// Service
	JournalPath *string  `json:"journal_path,omitempty" yaml:"journal_path,omitempty"`
	AllowedDirs []string `json:"allowed_dirs,omitempty" yaml:"allowed_dirs,omitempty"`
	ListenAddr  *string  `json:"listen_addr,omitempty" yaml:"listen_addr,omitempty"`
	GRPCAddr    *string  `json:"grpc_addr,omitempty" yaml:"grpc_addr,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyLoaderConfig returns a LoaderConfig with all fields unset.
func EmptyLoaderConfig() *LoaderConfig {
	return &LoaderConfig{}
}

// DefaultLoaderConfig returns a config with every field set to its default.
func DefaultLoaderConfig() *LoaderConfig {
	return &LoaderConfig{
		MaxPoints:            ptrInt(DefaultMaxPoints),
		Normalize:            ptrBool(true),
		TargetSpan:           ptrFloat64(10),
		ColorMode:            ptrString("rgb"),
		Format:               ptrString("auto"),
		FallbackFormat:       ptrString("ply"),
		ChunkSize:            ptrString("1MiB"),
		StallTimeout:         ptrString("30s"),
		MaxConcurrentLoads:   ptrInt(4),
		HTTPTimeout:          ptrString("60s"),
		MemoryBudget:         ptrString("0"),
		RecoveryCooldown:     ptrString("10s"),
		RecoveryMaxBackoff:   ptrString("2m"),
		RecoveryCeiling:      ptrInt(3),
		RecoveryStableWindow: ptrString("60s"),
		MinDegradedPoints:    ptrInt(DefaultMinDegradedPoints),
		JournalPath:          ptrString(""),
		ListenAddr:           ptrString("localhost:8089"),
		GRPCAddr:             ptrString(""),
	}
}

const (
	DefaultMaxPoints         = 2_000_000
	DefaultMinDegradedPoints = 50_000
)

// LoadLoaderConfig loads a LoaderConfig from a .json, .yaml or .yml file.
// The file must be under 1MB. Fields omitted from the file fall back to the
// Get* defaults.
func LoadLoaderConfig(path string) (*LoaderConfig, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyLoaderConfig()
	if ext == ".json" {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching the current
// directory and its parents. Panics if the file cannot be loaded; intended
// for test setup.
func MustLoadDefaultConfig() *LoaderConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,    // from internal/config/
		"../../../" + DefaultConfigPath, // from internal/pointcloud/formats/
	}
	for _, path := range candidates {
		if cfg, err := LoadLoaderConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that set values are well formed.
func (c *LoaderConfig) Validate() error {
	if c.MaxPoints != nil && *c.MaxPoints < 0 {
		return fmt.Errorf("max_points must be non-negative, got %d", *c.MaxPoints)
	}
	if c.TargetSpan != nil && *c.TargetSpan <= 0 {
		return fmt.Errorf("target_span must be positive, got %f", *c.TargetSpan)
	}
	if c.ColorMode != nil {
		if _, err := pointcloud.ParseColorMode(*c.ColorMode); err != nil {
			return fmt.Errorf("invalid color_mode: %w", err)
		}
	}
	if c.Format != nil {
		if _, err := pointcloud.ParseFormat(*c.Format); err != nil {
			return fmt.Errorf("invalid format: %w", err)
		}
	}
	if c.FallbackFormat != nil && *c.FallbackFormat != "" && *c.FallbackFormat != "none" {
		f, err := pointcloud.ParseFormat(*c.FallbackFormat)
		if err != nil {
			return fmt.Errorf("invalid fallback_format: %w", err)
		}
		if f == pointcloud.FormatAuto {
			return fmt.Errorf("fallback_format cannot be auto")
		}
	}
	for name, v := range map[string]*string{
		"chunk_size":    c.ChunkSize,
		"memory_budget": c.MemoryBudget,
	} {
		if v != nil && *v != "" {
			if _, err := humanize.ParseBytes(*v); err != nil {
				return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
			}
		}
	}
	for name, v := range map[string]*string{
		"stall_timeout":          c.StallTimeout,
		"http_timeout":           c.HTTPTimeout,
		"recovery_cooldown":      c.RecoveryCooldown,
		"recovery_max_backoff":   c.RecoveryMaxBackoff,
		"recovery_stable_window": c.RecoveryStableWindow,
	} {
		if v != nil && *v != "" {
			if d, err := time.ParseDuration(*v); err != nil {
				return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
			} else if d < 0 {
				return fmt.Errorf("%s must be non-negative, got %s", name, *v)
			}
		}
	}
	if c.MaxConcurrentLoads != nil && *c.MaxConcurrentLoads < 1 {
		return fmt.Errorf("max_concurrent_loads must be at least 1, got %d", *c.MaxConcurrentLoads)
	}
	if c.RecoveryCeiling != nil && *c.RecoveryCeiling < 1 {
		return fmt.Errorf("recovery_ceiling must be at least 1, got %d", *c.RecoveryCeiling)
	}
	if c.MinDegradedPoints != nil && *c.MinDegradedPoints < 0 {
		return fmt.Errorf("min_degraded_points must be non-negative, got %d", *c.MinDegradedPoints)
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

func bytesOr(v *string, def int64) int64 {
	if v == nil || *v == "" {
		return def
	}
	n, err := humanize.ParseBytes(*v)
	if err != nil {
		return def
	}
	return int64(n)
}

// GetMaxPoints returns the max_points value or the default. 0 disables downsampling.
func (c *LoaderConfig) GetMaxPoints() int {
	if c.MaxPoints == nil {
		return DefaultMaxPoints
	}
	return *c.MaxPoints
}

// GetNormalize returns the normalize value or the default.
func (c *LoaderConfig) GetNormalize() bool {
	if c.Normalize == nil {
		return true
	}
	return *c.Normalize
}

// GetTargetSpan returns the target_span value or the default.
func (c *LoaderConfig) GetTargetSpan() float32 {
	if c.TargetSpan == nil {
		return 10
	}
	return float32(*c.TargetSpan)
}

// GetColorMode returns the parsed color_mode or ColorRGB.
func (c *LoaderConfig) GetColorMode() pointcloud.ColorMode {
	if c.ColorMode == nil {
		return pointcloud.ColorRGB
	}
	m, err := pointcloud.ParseColorMode(*c.ColorMode)
	if err != nil {
		return pointcloud.ColorRGB
	}
	return m
}

// GetFormat returns the parsed format or FormatAuto.
func (c *LoaderConfig) GetFormat() pointcloud.Format {
	if c.Format == nil {
		return pointcloud.FormatAuto
	}
	f, err := pointcloud.ParseFormat(*c.Format)
	if err != nil {
		return pointcloud.FormatAuto
	}
	return f
}

// GetFallbackFormat returns the fallback reader format. ok is false when the
// fallback is disabled with "none" or "".
func (c *LoaderConfig) GetFallbackFormat() (f pointcloud.Format, ok bool) {
	if c.FallbackFormat == nil {
		return pointcloud.FormatPLY, true
	}
	if *c.FallbackFormat == "" || *c.FallbackFormat == "none" {
		return pointcloud.FormatAuto, false
	}
	f, err := pointcloud.ParseFormat(*c.FallbackFormat)
	if err != nil || f == pointcloud.FormatAuto {
		return pointcloud.FormatPLY, true
	}
	return f, true
}

// GetChunkSize returns the chunk_size in bytes.
func (c *LoaderConfig) GetChunkSize() int {
	return int(bytesOr(c.ChunkSize, 1<<20))
}

// GetStallTimeout returns the stall_timeout duration.
func (c *LoaderConfig) GetStallTimeout() time.Duration {
	return durationOr(c.StallTimeout, 30*time.Second)
}

// GetMaxConcurrentLoads returns the max_concurrent_loads value or the default.
func (c *LoaderConfig) GetMaxConcurrentLoads() int {
	if c.MaxConcurrentLoads == nil {
		return 4
	}
	return *c.MaxConcurrentLoads
}

// GetHTTPTimeout returns the http_timeout duration.
func (c *LoaderConfig) GetHTTPTimeout() time.Duration {
	return durationOr(c.HTTPTimeout, 60*time.Second)
}

// GetMemoryBudget returns the memory_budget in bytes; 0 means unlimited.
func (c *LoaderConfig) GetMemoryBudget() int64 {
	return bytesOr(c.MemoryBudget, 0)
}

// GetRecoveryCooldown returns the recovery_cooldown duration.
func (c *LoaderConfig) GetRecoveryCooldown() time.Duration {
	return durationOr(c.RecoveryCooldown, 10*time.Second)
}

// GetRecoveryMaxBackoff returns the recovery_max_backoff duration.
func (c *LoaderConfig) GetRecoveryMaxBackoff() time.Duration {
	return durationOr(c.RecoveryMaxBackoff, 2*time.Minute)
}

// GetRecoveryCeiling returns the recovery_ceiling value or the default.
func (c *LoaderConfig) GetRecoveryCeiling() int {
	if c.RecoveryCeiling == nil {
		return 3
	}
	return *c.RecoveryCeiling
}

// GetRecoveryStableWindow returns the recovery_stable_window duration.
func (c *LoaderConfig) GetRecoveryStableWindow() time.Duration {
	return durationOr(c.RecoveryStableWindow, 60*time.Second)
}

// GetMinDegradedPoints returns the min_degraded_points value or the default.
func (c *LoaderConfig) GetMinDegradedPoints() int {
	if c.MinDegradedPoints == nil {
		return DefaultMinDegradedPoints
	}
	return *c.MinDegradedPoints
}

// GetJournalPath returns the journal_path; empty disables the journal.
func (c *LoaderConfig) GetJournalPath() string {
	if c.JournalPath == nil {
		return ""
	}
	return *c.JournalPath
}

// GetListenAddr returns the HTTP status API address.
func (c *LoaderConfig) GetListenAddr() string {
	if c.ListenAddr == nil || *c.ListenAddr == "" {
		return "localhost:8089"
	}
	return *c.ListenAddr
}

// GetGRPCAddr returns the gRPC health address; empty disables it.
func (c *LoaderConfig) GetGRPCAddr() string {
	if c.GRPCAddr == nil {
		return ""
	}
	return *c.GRPCAddr
}
