package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Load builds the configuration from defaults, an optional YAML file, and
// the environment. Environment variables win over the file; the file wins
// over defaults. Values in the file pass through os.ExpandEnv first.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := applyFile(cfg, path); err != nil {
			return nil, err
		}
	}
	applyEnv(cfg)
	return cfg, nil
}

// fileConfig mirrors Config with optional fields so an absent key leaves
// the default untouched. Durations are strings in Go duration syntax.
type fileConfig struct {
	APIKey    *string `yaml:"api_key"`
	APISecret *string `yaml:"api_secret"`

	WorkspaceDir *string `yaml:"workspace_dir"`
	DBPath       *string `yaml:"db_path"`

	Model         *string  `yaml:"model"`
	SummaryModel  *string  `yaml:"summary_model"`
	AllowedModels []string `yaml:"allowed_models"`
	MaxTokens     *int     `yaml:"max_tokens"`

	MaxContextMessages    *int   `yaml:"max_context_messages"`
	MaxConcurrentSessions *int   `yaml:"max_concurrent_sessions"`
	MaxPromptChars        *int   `yaml:"max_prompt_chars"`
	MaxToolCalls          *int   `yaml:"max_tool_calls"`
	MaxToolOutputContext  *int   `yaml:"max_tool_output_context"`
	TokenBudget           *int64 `yaml:"token_budget"`

	APIRetryCount    *int    `yaml:"api_retry_count"`
	APIRetryDelay    *string `yaml:"api_retry_delay"`
	APIRetryMaxDelay *string `yaml:"api_retry_max_delay"`

	RequirePatchApproval *bool   `yaml:"require_patch_approval"`
	PatchApprovalTimeout *string `yaml:"patch_approval_timeout"`

	Port            *int    `yaml:"port"`
	CORSOrigin      *string `yaml:"cors_origin"`
	WSRateLimit     *int    `yaml:"ws_rate_limit"`
	TrustProxy      *bool   `yaml:"trust_proxy"`
	ShutdownTimeout *string `yaml:"shutdown_timeout"`

	SessionTTL             *string `yaml:"session_ttl"`
	SessionCleanupInterval *string `yaml:"session_cleanup_interval"`

	MetricsEnabled *bool   `yaml:"metrics_enabled"`
	OTELEndpoint   *string `yaml:"otel_endpoint"`
	LogLevel       *string `yaml:"log_level"`
	LogFormat      *string `yaml:"log_format"`
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var file fileConfig
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &file); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	setString(&cfg.APIKey, file.APIKey)
	setString(&cfg.APISecret, file.APISecret)
	setString(&cfg.WorkspaceDir, file.WorkspaceDir)
	setString(&cfg.DBPath, file.DBPath)
	setString(&cfg.Model, file.Model)
	setString(&cfg.SummaryModel, file.SummaryModel)
	if len(file.AllowedModels) > 0 {
		cfg.AllowedModels = file.AllowedModels
	}
	setInt(&cfg.MaxTokens, file.MaxTokens)
	setInt(&cfg.MaxContextMessages, file.MaxContextMessages)
	setInt(&cfg.MaxConcurrentSessions, file.MaxConcurrentSessions)
	setInt(&cfg.MaxPromptChars, file.MaxPromptChars)
	setInt(&cfg.MaxToolCalls, file.MaxToolCalls)
	setInt(&cfg.MaxToolOutputContext, file.MaxToolOutputContext)
	if file.TokenBudget != nil {
		cfg.TokenBudget = *file.TokenBudget
	}
	setInt(&cfg.APIRetryCount, file.APIRetryCount)
	if err := setDuration(&cfg.APIRetryDelay, file.APIRetryDelay); err != nil {
		return err
	}
	if err := setDuration(&cfg.APIRetryMaxDelay, file.APIRetryMaxDelay); err != nil {
		return err
	}
	setBool(&cfg.RequirePatchApproval, file.RequirePatchApproval)
	if err := setDuration(&cfg.PatchApprovalTimeout, file.PatchApprovalTimeout); err != nil {
		return err
	}
	setInt(&cfg.Port, file.Port)
	setString(&cfg.CORSOrigin, file.CORSOrigin)
	setInt(&cfg.WSRateLimit, file.WSRateLimit)
	setBool(&cfg.TrustProxy, file.TrustProxy)
	if err := setDuration(&cfg.ShutdownTimeout, file.ShutdownTimeout); err != nil {
		return err
	}
	if err := setDuration(&cfg.SessionTTL, file.SessionTTL); err != nil {
		return err
	}
	if err := setDuration(&cfg.SessionCleanupInterval, file.SessionCleanupInterval); err != nil {
		return err
	}
	setBool(&cfg.MetricsEnabled, file.MetricsEnabled)
	setString(&cfg.OTELEndpoint, file.OTELEndpoint)
	setString(&cfg.LogLevel, file.LogLevel)
	setString(&cfg.LogFormat, file.LogFormat)
	return nil
}

func applyEnv(cfg *Config) {
	envString(&cfg.APIKey, "KLAUS_API_KEY")
	envString(&cfg.APISecret, "KLAUS_API_SECRET")
	envString(&cfg.WorkspaceDir, "KLAUS_WORKSPACE_DIR")
	envString(&cfg.DBPath, "KLAUS_DB_PATH")
	envString(&cfg.Model, "KLAUS_MODEL")
	envString(&cfg.SummaryModel, "KLAUS_SUMMARY_MODEL")
	envList(&cfg.AllowedModels, "KLAUS_ALLOWED_MODELS")
	envInt(&cfg.MaxTokens, "KLAUS_MAX_TOKENS")
	envInt(&cfg.MaxContextMessages, "KLAUS_MAX_CONTEXT_MESSAGES")
	envInt(&cfg.MaxConcurrentSessions, "KLAUS_MAX_CONCURRENT_SESSIONS")
	envInt(&cfg.MaxPromptChars, "KLAUS_MAX_PROMPT_CHARS")
	envInt(&cfg.MaxToolCalls, "KLAUS_MAX_TOOL_CALLS")
	envInt(&cfg.MaxToolOutputContext, "KLAUS_MAX_TOOL_OUTPUT_CONTEXT")
	envInt64(&cfg.TokenBudget, "KLAUS_TOKEN_BUDGET")
	envInt(&cfg.APIRetryCount, "KLAUS_API_RETRY_COUNT")
	envInt(&cfg.APIRetryCount, "KLAUS_MAX_RETRIES")
	envDuration(&cfg.APIRetryDelay, "KLAUS_API_RETRY_DELAY")
	envDuration(&cfg.APIRetryMaxDelay, "KLAUS_API_RETRY_MAX_DELAY")
	envBool(&cfg.RequirePatchApproval, "KLAUS_REQUIRE_PATCH_APPROVAL")
	envDuration(&cfg.PatchApprovalTimeout, "KLAUS_PATCH_APPROVAL_TIMEOUT")
	envInt(&cfg.Port, "KLAUS_PORT")
	envString(&cfg.CORSOrigin, "KLAUS_CORS_ORIGIN")
	envInt(&cfg.WSRateLimit, "KLAUS_WS_RATE_LIMIT")
	envBool(&cfg.TrustProxy, "KLAUS_TRUST_PROXY")
	envDuration(&cfg.ShutdownTimeout, "KLAUS_SHUTDOWN_TIMEOUT")
	envDuration(&cfg.SessionTTL, "KLAUS_SESSION_TTL")
	envDuration(&cfg.SessionCleanupInterval, "KLAUS_SESSION_CLEANUP_INTERVAL")
	envBool(&cfg.MetricsEnabled, "KLAUS_METRICS_ENABLED")
	envString(&cfg.OTELEndpoint, "KLAUS_OTEL_ENDPOINT")
	envString(&cfg.LogLevel, "KLAUS_LOG_LEVEL")
	envString(&cfg.LogFormat, "KLAUS_LOG_FORMAT")
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

func setBool(dst *bool, src *bool) {
	if src != nil {
		*dst = *src
	}
}

func setDuration(dst *time.Duration, src *string) error {
	if src == nil {
		return nil
	}
	d, err := parseDuration(*src)
	if err != nil {
		return err
	}
	*dst = d
	return nil
}

func envString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func envList(dst *[]string, key string) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) > 0 {
		*dst = out
	}
}

func envInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt64(dst *int64, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func envBool(dst *bool, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envDuration(dst *time.Duration, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if d, err := parseDuration(v); err == nil {
			*dst = d
		}
	}
}

// parseDuration accepts Go duration syntax and, for compatibility with
// bare-number deployments, plain integers interpreted as seconds.
func parseDuration(v string) (time.Duration, error) {
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", v, err)
	}
	return d, nil
}
