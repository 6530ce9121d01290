package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// validConfig returns defaults with the operator-required fields filled in.
func validConfig() *Config {
	cfg := Defaults()
	cfg.Pipeline.DebounceWindowSeconds = 300
	return cfg
}

// --- Validate ---

func TestValidate_ValidConfig(t *testing.T) {
	cfg := validConfig()
	if err := Validate(cfg); err != nil {
		t.Fatalf("expected valid config, got: %v", err)
	}
}

func TestValidate_DebounceWindowRequired(t *testing.T) {
	cfg := Defaults()
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error when debounceWindowSeconds is unset")
	}

	cfg.Pipeline.DebounceWindowSeconds = 0
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for debounceWindowSeconds=0")
	}

	cfg.Pipeline.DebounceWindowSeconds = 1
	if err := Validate(cfg); err != nil {
		t.Fatalf("debounceWindowSeconds=1 should be valid: %v", err)
	}
}

func TestValidate_MaxRetries_Bounds(t *testing.T) {
	cfg := validConfig()
	cfg.Pipeline.MaxRetriesPerStep = -1
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for maxRetriesPerStep=-1")
	}

	cfg.Pipeline.MaxRetriesPerStep = 21
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for maxRetriesPerStep=21")
	}

	cfg.Pipeline.MaxRetriesPerStep = 0
	if err := Validate(cfg); err != nil {
		t.Fatalf("maxRetriesPerStep=0 should be valid: %v", err)
	}
}

func TestValidate_EmptyBackoffSchedule(t *testing.T) {
	cfg := validConfig()
	cfg.Pipeline.BackoffScheduleMs = nil
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for empty backoff schedule")
	}
}

func TestValidate_NegativeBackoffEntry(t *testing.T) {
	cfg := validConfig()
	cfg.Pipeline.BackoffScheduleMs = []int{1000, -5}
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for negative backoff entry")
	}
}

func TestValidate_InvalidMediaPolicy(t *testing.T) {
	cfg := validConfig()
	cfg.Pipeline.MediaUploadFailurePolicy = "panic"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for invalid media policy")
	}
}

func TestValidate_ValidMediaPolicies(t *testing.T) {
	for _, policy := range []string{"degrade", "abort"} {
		cfg := validConfig()
		cfg.Pipeline.MediaUploadFailurePolicy = policy
		if err := Validate(cfg); err != nil {
			t.Fatalf("policy %q should be valid: %v", policy, err)
		}
	}
}

func TestValidate_InvalidPort(t *testing.T) {
	cfg := validConfig()
	cfg.Channels.Webhook.Port = -1
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for negative port")
	}

	cfg.Channels.Webhook.Port = 70000
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for port > 65535")
	}
}

func TestValidate_TelegramTokenRequired(t *testing.T) {
	cfg := validConfig()
	cfg.Channels.Telegram.Enabled = true
	cfg.Channels.Telegram.Token = ""
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for enabled telegram with no token")
	}
}

func TestValidate_ArchiveDBPathRequired(t *testing.T) {
	cfg := validConfig()
	cfg.Archive.Enabled = true
	cfg.Archive.DBPath = ""
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for enabled archive with no dbPath")
	}
}

// --- Load / Save ---

func TestLoadSave_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	original := validConfig()
	original.Analyzer.Model = "test-model"

	if err := Save(path, original); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if loaded.Analyzer.Model != "test-model" {
		t.Fatalf("expected 'test-model', got %q", loaded.Analyzer.Model)
	}
	if loaded.Pipeline.DebounceWindowSeconds != 300 {
		t.Fatalf("expected debounce 300, got %d", loaded.Pipeline.DebounceWindowSeconds)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.json")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_InvalidJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	os.WriteFile(path, []byte("{not json}"), 0o644)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestLoad_RejectsMissingDebounceWindow(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "config.json")
	content := `{
		"pipeline": {
			"maxRetriesPerStep": 3
		}
	}`
	if err := os.WriteFile(cfgFile, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(cfgFile)
	if err == nil {
		t.Fatal("expected validation error when debounceWindowSeconds is absent")
	}
}

func TestLoad_WithEnvVarSubstitution(t *testing.T) {
	t.Setenv("TEST_PRESSBOT_TOKEN", "123456789:ABCdefGHIjklMNOpqr")

	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "config.json")
	content := `{
		"pipeline": {
			"debounceWindowSeconds": 600
		},
		"channels": {
			"telegram": {
				"enabled": true,
				"token": "${TEST_PRESSBOT_TOKEN}"
			}
		}
	}`
	if err := os.WriteFile(cfgFile, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(cfgFile)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Channels.Telegram.Token != "123456789:ABCdefGHIjklMNOpqr" {
		t.Fatalf("token not substituted: %q", cfg.Channels.Telegram.Token)
	}
}

// --- Duration helpers ---

func TestPipeline_DurationHelpers(t *testing.T) {
	p := PipelineConfig{
		DebounceWindowSeconds: 600,
		BackoffScheduleMs:     []int{1000, 5000, 15000},
		PerStepTimeoutMs:      30000,
	}

	if p.DebounceWindow() != 10*time.Minute {
		t.Fatalf("debounce window: %v", p.DebounceWindow())
	}
	if p.PerStepTimeout() != 30*time.Second {
		t.Fatalf("step timeout: %v", p.PerStepTimeout())
	}
	sched := p.BackoffSchedule()
	if len(sched) != 3 || sched[1] != 5*time.Second {
		t.Fatalf("backoff schedule: %v", sched)
	}
	if len(p.RateLimitBackoffSchedule()) != 0 {
		t.Fatal("rate limit schedule should be empty when unset")
	}
}

// --- Accessor ---

func TestGetByPath_ValidPaths(t *testing.T) {
	cfg := validConfig()

	val, err := GetByPath(cfg, "pipeline.mediaUploadFailurePolicy")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if val != "degrade" {
		t.Fatalf("expected 'degrade', got %v", val)
	}
}

func TestGetByPath_InvalidPath(t *testing.T) {
	cfg := validConfig()
	_, err := GetByPath(cfg, "nonexistent.path")
	if err == nil {
		t.Fatal("expected error for nonexistent path")
	}
}

func TestSetByPath_ValidPath(t *testing.T) {
	cfg := validConfig()
	if err := SetByPath(cfg, "pipeline.mediaUploadFailurePolicy", "abort"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if cfg.Pipeline.MediaUploadFailurePolicy != "abort" {
		t.Fatalf("expected 'abort', got %q", cfg.Pipeline.MediaUploadFailurePolicy)
	}
}

func TestSetByPath_IntConversion(t *testing.T) {
	cfg := validConfig()
	if err := SetByPath(cfg, "pipeline.debounceWindowSeconds", "900"); err != nil {
		t.Fatalf("set int: %v", err)
	}
	if cfg.Pipeline.DebounceWindowSeconds != 900 {
		t.Fatalf("expected 900, got %d", cfg.Pipeline.DebounceWindowSeconds)
	}
}

func TestSetByPath_BoolConversion(t *testing.T) {
	cfg := validConfig()
	if err := SetByPath(cfg, "archive.enabled", "false"); err != nil {
		t.Fatalf("set bool: %v", err)
	}
	if cfg.Archive.Enabled {
		t.Fatal("expected archive.enabled=false")
	}
}

// --- Sanitize ---

func TestSanitize_MasksSecrets(t *testing.T) {
	cfg := validConfig()
	cfg.Channels.Telegram.Token = "123456789:ABCdefGHIjklMNOpqrSTUvwxyz"
	cfg.Analyzer.APIKey = "AIzaSy1234567890abcdefghij"
	cfg.Blog.APIKey = "hatena-api-key-12345678"
	cfg.Channels.Webhook.Secret = "topsecret-hmac-key"

	sanitized := Sanitize(cfg)

	if sanitized.Channels.Telegram.Token == cfg.Channels.Telegram.Token {
		t.Fatal("telegram token should be masked")
	}
	if sanitized.Analyzer.APIKey == cfg.Analyzer.APIKey {
		t.Fatal("analyzer API key should be masked")
	}
	if sanitized.Blog.APIKey == cfg.Blog.APIKey {
		t.Fatal("blog API key should be masked")
	}
	if sanitized.Channels.Webhook.Secret != "***" {
		t.Fatalf("webhook secret should be '***', got %q", sanitized.Channels.Webhook.Secret)
	}
	// Verify original is untouched
	if cfg.Channels.Telegram.Token != "123456789:ABCdefGHIjklMNOpqrSTUvwxyz" {
		t.Fatal("original config should not be modified")
	}
}

func TestSanitize_ShortSecret(t *testing.T) {
	cfg := validConfig()
	cfg.Channels.Telegram.Token = "short"
	sanitized := Sanitize(cfg)
	if sanitized.Channels.Telegram.Token != "***" {
		t.Fatalf("short secret should be '***', got %q", sanitized.Channels.Telegram.Token)
	}
}

// --- ListPaths ---

func TestListPaths_ReturnsAllLeaves(t *testing.T) {
	cfg := validConfig()
	paths := ListPaths(cfg)
	if len(paths) == 0 {
		t.Fatal("expected non-empty paths")
	}

	for _, expected := range []string{"general.workspace", "pipeline.debounceWindowSeconds", "archive.enabled"} {
		if _, ok := paths[expected]; !ok {
			t.Errorf("missing expected path: %s", expected)
		}
	}
}

// --- FlexStringList ---

func TestFlexStringList_MixedTypes(t *testing.T) {
	input := `["hello", 123, "world", 456.0]`
	var list FlexStringList
	if err := json.Unmarshal([]byte(input), &list); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(list) != 4 {
		t.Fatalf("expected 4 items, got %d", len(list))
	}
	if list[0] != "hello" || list[2] != "world" {
		t.Fatal("string items mismatch")
	}
	if list[1] != "123" || list[3] != "456" {
		t.Fatalf("number conversion mismatch: %v", list)
	}
}

func TestFlexStringList_PureStrings(t *testing.T) {
	input := `["a", "b", "c"]`
	var list FlexStringList
	if err := json.Unmarshal([]byte(input), &list); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(list) != 3 || list[0] != "a" {
		t.Fatalf("unexpected: %v", list)
	}
}

// --- ExpandEnvVars ---

func TestExpandEnvVars_SimpleSubstitution(t *testing.T) {
	t.Setenv("TEST_API_KEY", "sk-abc123")
	result := ExpandEnvVars(`{"apiKey": "${TEST_API_KEY}"}`)
	expected := `{"apiKey": "sk-abc123"}`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_DefaultValue(t *testing.T) {
	os.Unsetenv("NONEXISTENT_VAR_12345")
	result := ExpandEnvVars(`{"port": "${NONEXISTENT_VAR_12345:-8080}"}`)
	expected := `{"port": "8080"}`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_SetVarOverridesDefault(t *testing.T) {
	t.Setenv("MY_PORT", "9090")
	result := ExpandEnvVars(`{"port": "${MY_PORT:-8080}"}`)
	expected := `{"port": "9090"}`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_UnsetVarNoDefault_KeepsOriginal(t *testing.T) {
	os.Unsetenv("TOTALLY_UNSET_VAR_XYZ")
	result := ExpandEnvVars(`"${TOTALLY_UNSET_VAR_XYZ}"`)
	expected := `"${TOTALLY_UNSET_VAR_XYZ}"`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_EmptyVarUsesDefault(t *testing.T) {
	t.Setenv("EMPTY_VAR", "")
	result := ExpandEnvVars(`"${EMPTY_VAR:-fallback}"`)
	expected := `"fallback"`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_DollarSignWithoutBraces(t *testing.T) {
	input := `"$HOME is not substituted"`
	result := ExpandEnvVars(input)
	if result != input {
		t.Fatalf("expected no change for bare $VAR, got %q", result)
	}
}
