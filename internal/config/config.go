// Package config loads the server configuration from YAML with
// ${VAR} and ${VAR:default} environment substitution.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ZanzyTHEbar/layerbridge"
)

// Config is the top-level configuration structure.
type Config struct {
	Server    ServerConfig   `yaml:"server"`
	Log       LogConfig      `yaml:"log"`
	Layers    LayersConfig   `yaml:"layers"`
	Cache     CacheConfig    `yaml:"cache"`
	Workflows WorkflowConfig `yaml:"workflows"`
	Events    EventsConfig   `yaml:"events"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORSOrigins     []string      `yaml:"cors_origins"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

type LayersConfig struct {
	Reasoning  CLIBackendConfig        `yaml:"reasoning"`
	Search     CLIBackendConfig        `yaml:"search"`
	Multimodal MultimodalBackendConfig `yaml:"multimodal"`
	Retry      RetryConfig             `yaml:"retry"`
	Timeouts   TimeoutConfig           `yaml:"timeouts"`
	// MediaDir receives generated images, audio and video.
	MediaDir string `yaml:"media_dir"`
}

// CLIBackendConfig describes a one-shot command line backend.
type CLIBackendConfig struct {
	Disabled        bool     `yaml:"disabled"`
	Binary          string   `yaml:"binary"`
	Model           string   `yaml:"model"`
	Args            []string `yaml:"args"`
	CostPer1KTokens float64  `yaml:"cost_per_1k_tokens"`
	// CredentialEnv lists environment variables of which at least one must be set.
	CredentialEnv []string `yaml:"credential_env"`
}

type MultimodalBackendConfig struct {
	Disabled          bool          `yaml:"disabled"`
	Binary            string        `yaml:"binary"`
	Model             string        `yaml:"model"`
	Args              []string      `yaml:"args"`
	PoolSize          int           `yaml:"pool_size"`
	ProcessLifetime   time.Duration `yaml:"process_lifetime"`
	CostPerFile       float64       `yaml:"cost_per_file"`
	CostPerGeneration float64       `yaml:"cost_per_generation"`
	CredentialEnv     []string      `yaml:"credential_env"`
}

type RetryConfig struct {
	Attempts int           `yaml:"attempts"`
	Delay    time.Duration `yaml:"delay"`
}

type TimeoutConfig struct {
	Base       time.Duration `yaml:"base"`
	PerFile    time.Duration `yaml:"per_file"`
	MediaFloor time.Duration `yaml:"media_floor"`
	Max        time.Duration `yaml:"max"`
}

// Policy converts the section into a timeout policy.
func (t TimeoutConfig) Policy() layerbridge.TimeoutPolicy {
	return layerbridge.TimeoutPolicy{Base: t.Base, PerFile: t.PerFile, MediaFloor: t.MediaFloor, Max: t.Max}
}

type CacheConfig struct {
	Disabled            bool          `yaml:"disabled"`
	TTL                 time.Duration `yaml:"ttl"`
	MaxEntries          int           `yaml:"max_entries"`
	SimilarityThreshold float64       `yaml:"similarity_threshold"`
	Metrics             bool          `yaml:"metrics"`
	Auth                AuthConfig    `yaml:"auth"`
}

type AuthConfig struct {
	TTLs        map[string]time.Duration `yaml:"ttls"`
	FallbackTTL time.Duration            `yaml:"fallback_ttl"`
}

// Summary modes.
const (
	SummaryLayer = "layer"
	SummaryFlow  = "flow"
	SummaryText  = "text"
)

type WorkflowConfig struct {
	MaxWorkers int `yaml:"max_workers"`
	// Summary selects the summarizer: layer, flow or text.
	Summary string `yaml:"summary"`
	// AsyncRetention is how long finished async runs stay queryable.
	AsyncRetention time.Duration `yaml:"async_retention"`
}

type EventsConfig struct {
	BufferSize int `yaml:"buffer_size"`
	Workers    int `yaml:"workers"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	timeouts := layerbridge.DefaultTimeoutPolicy()
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ShutdownTimeout: 15 * time.Second,
			CORSOrigins:     []string{"*"},
		},
		Log: LogConfig{Level: "info"},
		Layers: LayersConfig{
			Reasoning: CLIBackendConfig{
				Binary:          "claude",
				CostPer1KTokens: 0.015,
				CredentialEnv:   []string{"ANTHROPIC_API_KEY"},
			},
			Search: CLIBackendConfig{
				Binary:          "gemini",
				CostPer1KTokens: 0.002,
				CredentialEnv:   []string{"GEMINI_API_KEY", "GOOGLE_API_KEY"},
			},
			Multimodal: MultimodalBackendConfig{
				Binary:            "multimodal-worker",
				PoolSize:          2,
				ProcessLifetime:   10 * time.Minute,
				CostPerFile:       0.01,
				CostPerGeneration: 0.04,
				CredentialEnv:     []string{"OPENAI_API_KEY"},
			},
			Retry: RetryConfig{Attempts: 3, Delay: 2 * time.Second},
			Timeouts: TimeoutConfig{
				Base:       timeouts.Base,
				PerFile:    timeouts.PerFile,
				MediaFloor: timeouts.MediaFloor,
				Max:        timeouts.Max,
			},
			MediaDir: "media",
		},
		Cache: CacheConfig{
			TTL:                 30 * time.Minute,
			MaxEntries:          100,
			SimilarityThreshold: 0.8,
			Auth: AuthConfig{
				TTLs: map[string]time.Duration{
					string(layerbridge.LayerReasoning):  7 * 24 * time.Hour,
					string(layerbridge.LayerSearch):     24 * time.Hour,
					string(layerbridge.LayerMultimodal): 24 * time.Hour,
				},
				FallbackTTL: time.Hour,
			},
		},
		Workflows: WorkflowConfig{
			MaxWorkers:     5,
			Summary:        SummaryLayer,
			AsyncRetention: time.Hour,
		},
		Events: EventsConfig{BufferSize: 100, Workers: 4},
	}
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// ExpandEnv substitutes ${VAR} and ${VAR:default} with environment values.
func ExpandEnv(data []byte) []byte {
	return envVarRe.ReplaceAllFunc(data, func(match []byte) []byte {
		parts := envVarRe.FindSubmatch(match)
		if v := os.Getenv(string(parts[1])); v != "" {
			return []byte(v)
		}
		return parts[2]
	})
}

// Load reads a YAML config file over the defaults. An empty path returns
// the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		cfg := Default()
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, layerbridge.NewConfigurationError(fmt.Sprintf("read config %s", path), err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, layerbridge.NewConfigurationError(fmt.Sprintf("parse config %s", path), err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(ExpandEnv(data)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	switch {
	case c.Server.Port < 0 || c.Server.Port > 65535:
		return layerbridge.NewConfigurationError(fmt.Sprintf("server.port %d out of range", c.Server.Port), nil)
	case c.Layers.Retry.Attempts < 1:
		return layerbridge.NewConfigurationError("layers.retry.attempts must be at least 1", nil)
	case c.Layers.Retry.Delay < 0:
		return layerbridge.NewConfigurationError("layers.retry.delay must not be negative", nil)
	case c.Cache.SimilarityThreshold <= 0 || c.Cache.SimilarityThreshold > 1:
		return layerbridge.NewConfigurationError("cache.similarity_threshold must be in (0, 1]", nil)
	case c.Cache.MaxEntries < 1:
		return layerbridge.NewConfigurationError("cache.max_entries must be at least 1", nil)
	case c.Workflows.MaxWorkers < 1:
		return layerbridge.NewConfigurationError("workflows.max_workers must be at least 1", nil)
	}
	switch c.Workflows.Summary {
	case SummaryLayer, SummaryFlow, SummaryText:
	default:
		return layerbridge.NewConfigurationError(
			fmt.Sprintf("workflows.summary %q is not one of layer, flow, text", c.Workflows.Summary), nil)
	}
	for name := range c.Cache.Auth.TTLs {
		if !layerbridge.LayerName(name).Valid() {
			return layerbridge.NewConfigurationError(fmt.Sprintf("cache.auth.ttls: unknown layer %q", name), nil)
		}
	}
	return nil
}
