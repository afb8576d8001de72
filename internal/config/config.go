// Package config assembles runtime configuration: compiled-in defaults,
// an optional YAML overlay, and KLAUS_* environment variables, in that
// order of increasing precedence.
package config

import (
	"fmt"
	"time"
)

// Config is the full runtime configuration surface.
type Config struct {
	// APIKey authenticates against the model provider.
	APIKey string `yaml:"api_key"`
	// APISecret is the bearer token protecting the /api surface.
	APISecret string `yaml:"api_secret"`

	WorkspaceDir string `yaml:"workspace_dir"`
	DBPath       string `yaml:"db_path"`

	Model         string   `yaml:"model"`
	SummaryModel  string   `yaml:"summary_model"`
	AllowedModels []string `yaml:"allowed_models"`
	MaxTokens     int      `yaml:"max_tokens"`

	MaxContextMessages    int   `yaml:"max_context_messages"`
	MaxConcurrentSessions int   `yaml:"max_concurrent_sessions"`
	MaxPromptChars        int   `yaml:"max_prompt_chars"`
	MaxToolCalls          int   `yaml:"max_tool_calls"`
	MaxToolOutputContext  int   `yaml:"max_tool_output_context"`
	TokenBudget           int64 `yaml:"token_budget"`

	APIRetryCount    int           `yaml:"api_retry_count"`
	APIRetryDelay    time.Duration `yaml:"api_retry_delay"`
	APIRetryMaxDelay time.Duration `yaml:"api_retry_max_delay"`

	RequirePatchApproval bool          `yaml:"require_patch_approval"`
	PatchApprovalTimeout time.Duration `yaml:"patch_approval_timeout"`

	Port            int           `yaml:"port"`
	CORSOrigin      string        `yaml:"cors_origin"`
	WSRateLimit     int           `yaml:"ws_rate_limit"`
	TrustProxy      bool          `yaml:"trust_proxy"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	SessionTTL             time.Duration `yaml:"session_ttl"`
	SessionCleanupInterval time.Duration `yaml:"session_cleanup_interval"`

	MetricsEnabled bool   `yaml:"metrics_enabled"`
	OTELEndpoint   string `yaml:"otel_endpoint"`
	LogLevel       string `yaml:"log_level"`
	LogFormat      string `yaml:"log_format"`
}

// Default returns the compiled-in configuration.
func Default() *Config {
	return &Config{
		WorkspaceDir: ".",
		DBPath:       "klaus.db",

		Model:        "claude-sonnet-4-20250514",
		SummaryModel: "claude-3-5-haiku-20241022",
		AllowedModels: []string{
			"claude-opus-4-20250514",
			"claude-sonnet-4-20250514",
			"claude-3-5-haiku-20241022",
		},
		MaxTokens: 4096,

		MaxContextMessages:    40,
		MaxConcurrentSessions: 5,
		MaxPromptChars:        100000,
		MaxToolCalls:          100,
		MaxToolOutputContext:  10000,
		TokenBudget:           0,

		APIRetryCount:    3,
		APIRetryDelay:    time.Second,
		APIRetryMaxDelay: 30 * time.Second,

		RequirePatchApproval: false,
		PatchApprovalTimeout: 120 * time.Second,

		Port:            8080,
		CORSOrigin:      "*",
		WSRateLimit:     30,
		TrustProxy:      false,
		ShutdownTimeout: 30 * time.Second,

		SessionTTL:             0,
		SessionCleanupInterval: time.Hour,

		MetricsEnabled: true,
		LogLevel:       "info",
		LogFormat:      "json",
	}
}

// Validate checks the fields a serve invocation cannot run without.
func (c *Config) Validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("api key is required (set KLAUS_API_KEY)")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.MaxConcurrentSessions <= 0 {
		return fmt.Errorf("max_concurrent_sessions must be positive")
	}
	if c.MaxContextMessages < 2 {
		return fmt.Errorf("max_context_messages must be at least 2")
	}
	return nil
}

// ModelAllowed reports whether model is the configured default or a member
// of the allow-set. Matching is exact.
func (c *Config) ModelAllowed(model string) bool {
	if model == "" || model == c.Model {
		return true
	}
	for _, allowed := range c.AllowedModels {
		if model == allowed {
			return true
		}
	}
	return false
}
