package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Config is the root configuration for Pressbot.
type Config struct {
	General  GeneralConfig  `json:"general"`
	Pipeline PipelineConfig `json:"pipeline"`
	Channels ChannelsConfig `json:"channels"`
	Analyzer AnalyzerConfig `json:"analyzer"`
	Media    MediaConfig    `json:"media"`
	Blog     BlogConfig     `json:"blog"`
	Archive  ArchiveConfig  `json:"archive"`
	Presets  PresetsConfig  `json:"presets"`
	Metrics  MetricsConfig  `json:"metrics"`
}

type GeneralConfig struct {
	Workspace string `json:"workspace"`
	LogLevel  string `json:"logLevel"`
	LogFile   string `json:"logFile,omitempty"` // optional log file path
}

// PipelineConfig tunes the aggregation buffer and the workflow engine.
//
// debounceWindowSeconds deliberately has no default: deployments have used
// anything from two minutes to an hour, so the operator must choose.
type PipelineConfig struct {
	DebounceWindowSeconds      int    `json:"debounceWindowSeconds"`
	MaxRetriesPerStep          int    `json:"maxRetriesPerStep"`
	BackoffScheduleMs          []int  `json:"backoffScheduleMs"`
	RateLimitBackoffScheduleMs []int  `json:"rateLimitBackoffScheduleMs,omitempty"` // elevated tier for quota errors
	PerStepTimeoutMs           int    `json:"perStepTimeoutMs"`
	MediaUploadFailurePolicy   string `json:"mediaUploadFailurePolicy"` // "degrade" | "abort"
	MaxConcurrentWorkflows     int    `json:"maxConcurrentWorkflows"`
}

func (p PipelineConfig) DebounceWindow() time.Duration {
	return time.Duration(p.DebounceWindowSeconds) * time.Second
}

func (p PipelineConfig) PerStepTimeout() time.Duration {
	return time.Duration(p.PerStepTimeoutMs) * time.Millisecond
}

func (p PipelineConfig) BackoffSchedule() []time.Duration {
	return msSchedule(p.BackoffScheduleMs)
}

func (p PipelineConfig) RateLimitBackoffSchedule() []time.Duration {
	return msSchedule(p.RateLimitBackoffScheduleMs)
}

func msSchedule(ms []int) []time.Duration {
	out := make([]time.Duration, len(ms))
	for i, m := range ms {
		out[i] = time.Duration(m) * time.Millisecond
	}
	return out
}

type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	Webhook  WebhookConfig  `json:"webhook"`
}

type TelegramConfig struct {
	Enabled   bool           `json:"enabled"`
	Token     string         `json:"token"`
	AllowFrom FlexStringList `json:"allowFrom"`
	ParseMode string         `json:"parseMode"`
}

type WebhookConfig struct {
	Enabled bool   `json:"enabled"`
	Port    int    `json:"port"`
	Path    string `json:"path,omitempty"`
	Secret  string `json:"secret,omitempty"` // HMAC secret for signature verification
}

// AnalyzerConfig points at the generative API backing content analysis and
// draft generation.
type AnalyzerConfig struct {
	APIBase string `json:"apiBase"`
	APIKey  string `json:"apiKey"`
	Model   string `json:"model"`
}

// MediaConfig points at the image host backing media upload.
type MediaConfig struct {
	APIBase  string `json:"apiBase"`
	ClientID string `json:"clientId"`
}

// BlogConfig points at the AtomPub blog backing publication.
type BlogConfig struct {
	APIBase  string `json:"apiBase"`
	HatenaID string `json:"hatenaId"`
	BlogID   string `json:"blogId"`
	APIKey   string `json:"apiKey"`
	Draft    bool   `json:"draft"` // publish entries as drafts
}

type ArchiveConfig struct {
	Enabled       bool   `json:"enabled"`
	DBPath        string `json:"dbPath"`
	RetentionDays int    `json:"retentionDays"`
}

type PresetsConfig struct {
	Dir string `json:"dir,omitempty"` // directory of per-user publishing preset YAML files
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
}

// FlexStringList is a []string that can unmarshal from JSON arrays containing
// both strings and numbers (e.g. ["123", 456] both become "123", "456").
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	// Try []string first
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	// Fallback: array of mixed types
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			result = append(result, s)
			continue
		}
		var n float64
		if err := json.Unmarshal(item, &n); err == nil {
			result = append(result, strconv.FormatInt(int64(n), 10))
			continue
		}
		result = append(result, string(item))
	}
	*f = result
	return nil
}

// DefaultConfigDir returns the default config directory (~/.pressbot).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".pressbot"
	}
	return filepath.Join(home, ".pressbot")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("cannot resolve home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.Workspace = ExpandPath(cfg.General.Workspace)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Archive.DBPath = ExpandPath(cfg.Archive.DBPath)
	cfg.Presets.Dir = ExpandPath(cfg.Presets.Dir)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // Keep original if no env var and no default
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o644)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	// No default exists for the debounce window; a zero value means the
	// operator never chose one.
	if cfg.Pipeline.DebounceWindowSeconds < 1 {
		errs = append(errs, "pipeline.debounceWindowSeconds must be set (>= 1); there is no default")
	}
	if cfg.Pipeline.MaxRetriesPerStep < 0 || cfg.Pipeline.MaxRetriesPerStep > 20 {
		errs = append(errs, "pipeline.maxRetriesPerStep must be between 0 and 20")
	}
	if len(cfg.Pipeline.BackoffScheduleMs) == 0 {
		errs = append(errs, "pipeline.backoffScheduleMs must have at least one entry")
	}
	for _, ms := range cfg.Pipeline.BackoffScheduleMs {
		if ms < 0 {
			errs = append(errs, "pipeline.backoffScheduleMs entries must be >= 0")
			break
		}
	}
	if cfg.Pipeline.PerStepTimeoutMs < 1 {
		errs = append(errs, "pipeline.perStepTimeoutMs must be >= 1")
	}
	switch cfg.Pipeline.MediaUploadFailurePolicy {
	case "degrade", "abort":
		// valid
	default:
		errs = append(errs, "pipeline.mediaUploadFailurePolicy must be one of: degrade, abort")
	}
	if cfg.Pipeline.MaxConcurrentWorkflows < 1 || cfg.Pipeline.MaxConcurrentWorkflows > 100 {
		errs = append(errs, "pipeline.maxConcurrentWorkflows must be between 1 and 100")
	}

	if cfg.Channels.Webhook.Port < 0 || cfg.Channels.Webhook.Port > 65535 {
		errs = append(errs, "channels.webhook.port must be between 0 and 65535")
	}
	if cfg.Metrics.Port < 0 || cfg.Metrics.Port > 65535 {
		errs = append(errs, "metrics.port must be between 0 and 65535")
	}
	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token == "" {
		errs = append(errs, "channels.telegram.token is required when telegram is enabled")
	}

	if cfg.Archive.Enabled && cfg.Archive.DBPath == "" {
		errs = append(errs, "archive.dbPath is required when archive is enabled")
	}
	if cfg.Archive.RetentionDays < 1 {
		errs = append(errs, "archive.retentionDays must be >= 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
