// Package config defines the session and pipeline configuration surface
// and a YAML loader with .env expansion.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/B-A-M-N/amnesic/pkg/observability"
	"github.com/B-A-M-N/amnesic/pkg/protocol"
)

// EvictionStrategy controls when staged files leave L1.
type EvictionStrategy string

const (
	// EvictOnSave unstages the source file after a successful save_artifact.
	EvictOnSave EvictionStrategy = "on_save"
	// EvictOnLimit relies on capacity governance only.
	EvictOnLimit EvictionStrategy = "on_limit"
	// EvictManual disables TTL demotion; only explicit unstaging evicts.
	EvictManual EvictionStrategy = "manual"
)

// ContextMode biases the elastic capacity floors.
type ContextMode string

const (
	ContextDiligent ContextMode = "diligent"
	ContextCreative ContextMode = "creative"
	ContextBalanced ContextMode = "balanced"
)

// ContextFloors reserves window space for reasoning, output and structural
// prompt overhead when elastic capacity is recomputed.
type ContextFloors struct {
	Reasoning int `yaml:"reasoning"`
	Output    int `yaml:"output"`
	Overhead  int `yaml:"overhead"`
}

// DriverConfig selects and tunes the model driver.
type DriverConfig struct {
	Provider    string  `yaml:"provider"`
	Model       string  `yaml:"model"`
	Host        string  `yaml:"host"`
	APIKey      string  `yaml:"api_key"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
	Timeout     int     `yaml:"timeout"`
	MaxRetries  int     `yaml:"max_retries"`
	EmbedModel  string  `yaml:"embed_model"`
}

// SidecarConfig configures the shared knowledge store.
type SidecarConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CacheDir string `yaml:"cache_dir"`
	// Vector index backend: "chromem" (embedded, default) or "qdrant".
	VectorProvider string `yaml:"vector_provider"`
	QdrantHost     string `yaml:"qdrant_host"`
	QdrantPort     int    `yaml:"qdrant_port"`
	QdrantAPIKey   string `yaml:"qdrant_api_key"`
}

// SessionConfig is the full per-session configuration surface.
type SessionConfig struct {
	Mission  string   `yaml:"mission"`
	RootDirs []string `yaml:"root_dirs"`

	Driver DriverConfig `yaml:"driver"`

	L1CapacityTokens  int  `yaml:"l1_capacity_tokens"`
	MaxTotalContext   int  `yaml:"max_total_context"`
	ElasticMode       bool `yaml:"elastic_mode"`
	DeterministicSeed int  `yaml:"deterministic_seed"`

	Strategy         string           `yaml:"strategy"`
	EvictionStrategy EvictionStrategy `yaml:"eviction_strategy"`
	ContextMode      ContextMode      `yaml:"context_mode"`
	ContextFloors    ContextFloors    `yaml:"context_floors"`

	ForbiddenTools []string `yaml:"forbidden_tools"`
	Sandbox        bool     `yaml:"sandbox"`

	Policies           []string                          `yaml:"policies"`
	UseDefaultPolicies *bool                             `yaml:"use_default_policies"`
	AuditProfile       string                            `yaml:"audit_profile"`
	CustomProfiles     map[string]protocol.AuditProfile  `yaml:"custom_audit_profiles"`

	RecursionLimit int `yaml:"recursion_limit"`
	MaxRecentTurns int `yaml:"max_recent_turns"`

	// SanitizationMode exempts redacted values from grounding. It is an
	// explicit flag, never inferred from payloads.
	SanitizationMode bool `yaml:"sanitization_mode"`

	// Explicit terminal conditions. Zero values fall back to mission-text
	// heuristics.
	RequiredArtifacts int  `yaml:"required_artifacts"`
	RequiresWrite     bool `yaml:"requires_write"`

	Sidecar SidecarConfig `yaml:"sidecar"`

	Observability ObservabilityConfig `yaml:"observability"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// ObservabilityConfig groups tracing and metrics.
type ObservabilityConfig struct {
	Tracer  observability.TracerConfig  `yaml:"tracer"`
	Metrics observability.MetricsConfig `yaml:"metrics"`
	// MetricsPort serves prometheus metrics when > 0.
	MetricsPort int `yaml:"metrics_port"`
}

// PipelineStepConfig is one step of a pipeline run.
type PipelineStepConfig struct {
	Name    string `yaml:"name"`
	Mission string `yaml:"mission"`
	// Kind: "linear" (default) or "map".
	Kind string `yaml:"kind"`
	// InputArtifact names the artifact whose delimited items fan out a map
	// step; each item substitutes {item} in Mission.
	InputArtifact  string   `yaml:"input_artifact"`
	AuditProfile   string   `yaml:"audit_profile"`
	ForbiddenTools []string `yaml:"forbidden_tools"`
	Parallel       bool     `yaml:"parallel"`
}

// PipelineConfig composes multiple sessions over one sidecar.
type PipelineConfig struct {
	Session SessionConfig        `yaml:"session"`
	Steps   []PipelineStepConfig `yaml:"steps"`
}

// SetDefaults fills unset fields with the documented defaults.
func (c *SessionConfig) SetDefaults() {
	if len(c.RootDirs) == 0 {
		if wd, err := os.Getwd(); err == nil {
			c.RootDirs = []string{wd}
		}
	}
	if c.Driver.Provider == "" {
		c.Driver.Provider = "ollama"
	}
	if c.Driver.Model == "" {
		c.Driver.Model = "llama3.2"
	}
	if c.Driver.Timeout == 0 {
		c.Driver.Timeout = 120
	}
	if c.Driver.MaxRetries == 0 {
		c.Driver.MaxRetries = 3
	}
	if c.L1CapacityTokens == 0 {
		c.L1CapacityTokens = 4000
	}
	if c.MaxTotalContext == 0 {
		c.MaxTotalContext = 16000
	}
	if c.EvictionStrategy == "" {
		c.EvictionStrategy = EvictOnLimit
	}
	if c.ContextMode == "" {
		c.ContextMode = ContextBalanced
	}
	if c.ContextFloors.Reasoning == 0 {
		switch c.ContextMode {
		case ContextCreative:
			c.ContextFloors.Reasoning = 2048
		case ContextDiligent:
			c.ContextFloors.Reasoning = 512
		default:
			c.ContextFloors.Reasoning = 1024
		}
	}
	if c.ContextFloors.Output == 0 {
		c.ContextFloors.Output = 1024
	}
	if c.ContextFloors.Overhead == 0 {
		c.ContextFloors.Overhead = 512
	}
	if c.AuditProfile == "" {
		c.AuditProfile = protocol.ProfileFluidRead
	}
	if c.RecursionLimit == 0 {
		c.RecursionLimit = 40
	}
	if c.MaxRecentTurns == 0 {
		c.MaxRecentTurns = 5
	}
	if c.Sidecar.CacheDir == "" {
		c.Sidecar.CacheDir = ".amnesic"
	}
	if c.Sidecar.VectorProvider == "" {
		c.Sidecar.VectorProvider = "chromem"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "simple"
	}
}

// UseDefaults reports whether the built-in policies should be installed.
func (c *SessionConfig) UseDefaults() bool {
	return c.UseDefaultPolicies == nil || *c.UseDefaultPolicies
}

// Validate rejects configurations the kernel cannot honor.
func (c *SessionConfig) Validate() error {
	if strings.TrimSpace(c.Mission) == "" {
		return fmt.Errorf("mission is required")
	}
	if c.L1CapacityTokens < 0 {
		return fmt.Errorf("l1_capacity_tokens cannot be negative")
	}
	if c.RecursionLimit < 1 {
		return fmt.Errorf("recursion_limit must be at least 1")
	}
	switch c.EvictionStrategy {
	case EvictOnSave, EvictOnLimit, EvictManual:
	default:
		return fmt.Errorf("unknown eviction_strategy %q", c.EvictionStrategy)
	}
	switch c.ContextMode {
	case ContextDiligent, ContextCreative, ContextBalanced:
	default:
		return fmt.Errorf("unknown context_mode %q", c.ContextMode)
	}
	return nil
}
