// Package config loads and validates service configuration.
//
// Precedence, lowest to highest:
//  1. Hardcoded defaults
//  2. YAML config file (locus.yaml)
//  3. .env file in the working directory
//  4. Environment variables (LOCUS_*)
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Authentication mode names recognized in authentication.enabled_modes.
const (
	ModeAPIKey    = "api_key"
	ModeEntraID   = "entra_id"
	ModeSimulated = "simulated"
)

// Fusion algorithm names recognized in vector.hybrid.fusion.
const (
	FusionRRF      = "rrf"
	FusionWeighted = "weighted"
)

// Config is the complete service configuration.
type Config struct {
	// API-key mode secrets. The admin key grants full access, the query
	// key grants read access to index data.
	AdminAPIKey string `yaml:"admin_api_key"`
	QueryAPIKey string `yaml:"query_api_key"`

	// DataDirectory is the root for all persisted state: metadata store,
	// per-index inverted indexes, vector snapshots, and logs.
	DataDirectory string `yaml:"data_directory"`

	// Admission caps.
	MaxIndexes           int `yaml:"max_indexes"`
	MaxDocumentsPerIndex int `yaml:"max_documents_per_index"`
	MaxFieldsPerIndex    int `yaml:"max_fields_per_index"`
	DefaultPageSize      int `yaml:"default_page_size"`
	MaxPageSize          int `yaml:"max_page_size"`

	Server  ServerConfig  `yaml:"server"`
	Logging LoggingConfig `yaml:"logging"`
	Vector  VectorConfig  `yaml:"vector"`
	Indexer IndexerConfig `yaml:"indexer"`
	Auth    AuthConfig    `yaml:"authentication"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// Development includes inner error details (cause chains) in wire
	// errors and enables the simulated authentication mode.
	Development bool `yaml:"development"`
}

// LoggingConfig configures the slog setup.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	MaxSizeMB int    `yaml:"max_size_mb"`
	MaxFiles  int    `yaml:"max_files"`
	Quiet     bool   `yaml:"quiet"` // suppress the stderr handler
}

// VectorConfig tunes the vector store and hybrid fusion.
type VectorConfig struct {
	// UseHNSW selects the graph algorithm; false falls back to exact
	// brute-force scans.
	UseHNSW bool         `yaml:"use_hnsw"`
	HNSW    HNSWConfig   `yaml:"hnsw"`
	Hybrid  HybridConfig `yaml:"hybrid"`
}

// HNSWConfig carries the HNSW graph parameters. The YAML keys mirror the
// vector algorithm parameter names used on the wire.
type HNSWConfig struct {
	M                    int `yaml:"M"`
	EfConstruction       int `yaml:"efConstruction"`
	EfSearch             int `yaml:"efSearch"`
	OversampleMultiplier int `yaml:"oversampleMultiplier"`
}

// HybridConfig tunes how text and vector rankings are fused.
type HybridConfig struct {
	Fusion       string  `yaml:"fusion"` // "rrf" or "weighted"
	VectorWeight float64 `yaml:"vector_weight"`
	TextWeight   float64 `yaml:"text_weight"`
	RRFK         int     `yaml:"rrf_k"`
}

// IndexerConfig tunes indexer execution and scheduling.
type IndexerConfig struct {
	EnableScheduler       bool   `yaml:"enable_scheduler"`
	EnableFileWatch       bool   `yaml:"enable_file_watch"`
	DefaultBatchSize      int    `yaml:"default_batch_size"`
	DefaultTimeoutMinutes int    `yaml:"default_timeout_minutes"`
	TickInterval          string `yaml:"tick_interval"`
}

// AuthConfig selects which authentication modes are active.
type AuthConfig struct {
	// EnabledModes lists active modes in no particular order: "api_key",
	// "entra_id", "simulated". Empty disables authentication entirely and
	// every request runs with full access.
	EnabledModes []string `yaml:"enabled_modes"`

	// APIKeyTakesPrecedence makes a valid api-key header win over any
	// accompanying bearer token.
	APIKeyTakesPrecedence bool `yaml:"api_key_takes_precedence"`

	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig configures bearer-token verification for the entra_id mode.
type JWTConfig struct {
	Secret   string `yaml:"secret"`
	Issuer   string `yaml:"issuer"`
	Audience string `yaml:"audience"`
}

// Default returns the configuration used when no file or overrides exist.
func Default() *Config {
	return &Config{
		DataDirectory:        "locus-data",
		MaxIndexes:           50,
		MaxDocumentsPerIndex: 100000,
		MaxFieldsPerIndex:    1000,
		DefaultPageSize:      50,
		MaxPageSize:          1000,
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSizeMB: 10,
			MaxFiles:  5,
		},
		Vector: VectorConfig{
			UseHNSW: true,
			HNSW: HNSWConfig{
				M:                    16,
				EfConstruction:       200,
				EfSearch:             100,
				OversampleMultiplier: 4,
			},
			Hybrid: HybridConfig{
				Fusion:       FusionRRF,
				VectorWeight: 0.7,
				TextWeight:   0.3,
				RRFK:         60,
			},
		},
		Indexer: IndexerConfig{
			EnableScheduler:       true,
			EnableFileWatch:       false,
			DefaultBatchSize:      100,
			DefaultTimeoutMinutes: 5,
			TickInterval:          "10s",
		},
		Auth: AuthConfig{
			EnabledModes:          nil,
			APIKeyTakesPrecedence: true,
		},
	}
}

// Load builds the effective configuration. path may be empty, in which
// case locus.yaml / locus.yml in the working directory are tried; a
// missing file is fine, an unreadable or malformed one is not.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = findConfigFile()
	}
	if path != "" {
		if err := cfg.loadYAML(path); err != nil {
			if explicit || !errors.Is(err, os.ErrNotExist) {
				return nil, err
			}
		}
	}

	// .env values become visible to the env override pass below.
	_ = godotenv.Load()

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func findConfigFile() string {
	for _, name := range []string{"locus.yaml", "locus.yml"} {
		if _, err := os.Stat(name); err == nil {
			return name
		}
	}
	return ""
}

// loadYAML overlays values from a YAML file onto cfg. Keys absent from
// the file keep their current values.
func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// applyEnvOverrides applies LOCUS_* environment variables. They take
// precedence over everything loaded from files.
func (c *Config) applyEnvOverrides() {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "1" || strings.EqualFold(v, "true")
		}
	}
	setFloat := func(key string, dst *float64) {
		if v := os.Getenv(key); v != "" {
			if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
				*dst = f
			}
		}
	}

	setString("LOCUS_ADMIN_API_KEY", &c.AdminAPIKey)
	setString("LOCUS_QUERY_API_KEY", &c.QueryAPIKey)
	setString("LOCUS_DATA_DIRECTORY", &c.DataDirectory)
	setInt("LOCUS_MAX_INDEXES", &c.MaxIndexes)
	setInt("LOCUS_MAX_DOCUMENTS_PER_INDEX", &c.MaxDocumentsPerIndex)

	setString("LOCUS_HOST", &c.Server.Host)
	setInt("LOCUS_PORT", &c.Server.Port)
	setBool("LOCUS_DEVELOPMENT", &c.Server.Development)

	setString("LOCUS_LOG_LEVEL", &c.Logging.Level)

	setBool("LOCUS_USE_HNSW", &c.Vector.UseHNSW)
	setString("LOCUS_FUSION", &c.Vector.Hybrid.Fusion)
	setFloat("LOCUS_VECTOR_WEIGHT", &c.Vector.Hybrid.VectorWeight)
	setFloat("LOCUS_TEXT_WEIGHT", &c.Vector.Hybrid.TextWeight)
	setInt("LOCUS_RRF_K", &c.Vector.Hybrid.RRFK)

	setBool("LOCUS_ENABLE_SCHEDULER", &c.Indexer.EnableScheduler)

	if v := os.Getenv("LOCUS_AUTH_MODES"); v != "" {
		var modes []string
		for _, m := range strings.Split(v, ",") {
			if m = strings.TrimSpace(m); m != "" {
				modes = append(modes, m)
			}
		}
		c.Auth.EnabledModes = modes
	}
	setBool("LOCUS_API_KEY_TAKES_PRECEDENCE", &c.Auth.APIKeyTakesPrecedence)
	setString("LOCUS_JWT_SECRET", &c.Auth.JWT.Secret)
}

// AuthModeEnabled reports whether the named authentication mode is active.
func (c *Config) AuthModeEnabled(mode string) bool {
	for _, m := range c.Auth.EnabledModes {
		if strings.EqualFold(m, mode) {
			return true
		}
	}
	return false
}

// IndexesDir returns the directory holding per-index inverted indexes.
func (c *Config) IndexesDir() string {
	return filepath.Join(c.DataDirectory, "indexes")
}

// MetadataDir returns the directory holding the metadata store.
func (c *Config) MetadataDir() string {
	return filepath.Join(c.DataDirectory, "metadata")
}

// Addr returns the host:port the HTTP server binds to.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Validate checks the configuration for values the service cannot run with.
func (c *Config) Validate() error {
	if c.DataDirectory == "" {
		return fmt.Errorf("data_directory must not be empty")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in [1, 65535], got %d", c.Server.Port)
	}

	if c.MaxIndexes < 1 {
		return fmt.Errorf("max_indexes must be positive, got %d", c.MaxIndexes)
	}
	if c.MaxDocumentsPerIndex < 1 {
		return fmt.Errorf("max_documents_per_index must be positive, got %d", c.MaxDocumentsPerIndex)
	}
	if c.MaxFieldsPerIndex < 1 {
		return fmt.Errorf("max_fields_per_index must be positive, got %d", c.MaxFieldsPerIndex)
	}
	if c.DefaultPageSize < 1 || c.MaxPageSize < 1 {
		return fmt.Errorf("page sizes must be positive")
	}
	if c.DefaultPageSize > c.MaxPageSize {
		return fmt.Errorf("default_page_size %d exceeds max_page_size %d", c.DefaultPageSize, c.MaxPageSize)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("logging.level must be debug, info, warn, or error, got %q", c.Logging.Level)
	}

	if c.Vector.HNSW.M < 2 {
		return fmt.Errorf("vector.hnsw.M must be at least 2, got %d", c.Vector.HNSW.M)
	}
	if c.Vector.HNSW.EfConstruction < c.Vector.HNSW.M {
		return fmt.Errorf("vector.hnsw.efConstruction must be >= M, got %d", c.Vector.HNSW.EfConstruction)
	}
	if c.Vector.HNSW.EfSearch < 1 {
		return fmt.Errorf("vector.hnsw.efSearch must be positive, got %d", c.Vector.HNSW.EfSearch)
	}
	if c.Vector.HNSW.OversampleMultiplier < 1 {
		return fmt.Errorf("vector.hnsw.oversampleMultiplier must be at least 1, got %d", c.Vector.HNSW.OversampleMultiplier)
	}

	switch strings.ToLower(c.Vector.Hybrid.Fusion) {
	case FusionRRF:
		if c.Vector.Hybrid.RRFK < 1 {
			return fmt.Errorf("vector.hybrid.rrf_k must be positive, got %d", c.Vector.Hybrid.RRFK)
		}
	case FusionWeighted:
		if c.Vector.Hybrid.VectorWeight < 0 || c.Vector.Hybrid.TextWeight < 0 {
			return fmt.Errorf("fusion weights must be non-negative")
		}
		if c.Vector.Hybrid.VectorWeight+c.Vector.Hybrid.TextWeight == 0 {
			return fmt.Errorf("fusion weights must not both be zero")
		}
	default:
		return fmt.Errorf("vector.hybrid.fusion must be %q or %q, got %q", FusionRRF, FusionWeighted, c.Vector.Hybrid.Fusion)
	}

	if c.Indexer.DefaultBatchSize < 1 {
		return fmt.Errorf("indexer.default_batch_size must be positive, got %d", c.Indexer.DefaultBatchSize)
	}
	if c.Indexer.DefaultTimeoutMinutes < 1 {
		return fmt.Errorf("indexer.default_timeout_minutes must be positive, got %d", c.Indexer.DefaultTimeoutMinutes)
	}

	for _, mode := range c.Auth.EnabledModes {
		switch strings.ToLower(mode) {
		case ModeAPIKey:
			if c.AdminAPIKey == "" {
				return fmt.Errorf("authentication mode %q requires admin_api_key", ModeAPIKey)
			}
		case ModeEntraID:
			if c.Auth.JWT.Secret == "" {
				return fmt.Errorf("authentication mode %q requires authentication.jwt.secret", ModeEntraID)
			}
		case ModeSimulated:
		default:
			return fmt.Errorf("unknown authentication mode %q", mode)
		}
	}

	return nil
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}
