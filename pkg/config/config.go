package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

const (
	envLarkAppID     = "LARK_APP_ID"
	envLarkAppSecret = "LARK_APP_SECRET"
	envAllowFrom     = "SCHEDBOT_ALLOW_FROM"

	defaultAIAPIKeyEnv = "SCHEDBOT_AI_API_KEY"
)

// Config is the root runtime configuration loaded from config.json.
type Config struct {
	Channels ChannelsConfig `json:"channels"`
	AI       AIConfig       `json:"ai"`
	Calendar CalendarConfig `json:"calendar"`
	Pipeline PipelineConfig `json:"pipeline,omitempty"`
	Store    StoreConfig    `json:"store,omitempty"`
	Gateway  GatewayConfig  `json:"gateway"`
	Logging  LoggingConfig  `json:"logging,omitempty"`
}

// LoggingConfig controls structured log output format and verbosity.
type LoggingConfig struct {
	Format    string `json:"format,omitempty"`
	Level     string `json:"level,omitempty"`
	AddSource bool   `json:"add_source,omitempty"`
}

// ChannelsConfig stores transport adapter settings.
type ChannelsConfig struct {
	Lark LarkConfig `json:"lark"`
}

// LarkConfig configures the Lark long-connection channel.
type LarkConfig struct {
	Enabled    bool     `json:"enabled"`
	AppID      string   `json:"app_id"`
	AppSecret  string   `json:"app_secret"`
	BaseDomain string   `json:"base_domain,omitempty"`
	AllowFrom  []string `json:"allow_from,omitempty"`
}

// AIConfig configures the OpenAI-compatible model endpoint used for schedule
// extraction, image OCR and voice transcription.
type AIConfig struct {
	APIKeyEnv             string `json:"api_key_env,omitempty"`
	BaseURL               string `json:"base_url,omitempty"`
	ExtractModel          string `json:"extract_model"`
	VisionModel           string `json:"vision_model"`
	TranscribeModel       string `json:"transcribe_model,omitempty"`
	RequestTimeoutSeconds int    `json:"request_timeout_seconds,omitempty"`
}

// ASRConfigured reports whether voice transcription is configured at all.
// An empty transcribe model means voice messages fail fast instead of
// calling the API.
func (c AIConfig) ASRConfigured() bool {
	return strings.TrimSpace(c.TranscribeModel) != ""
}

// CalendarConfig configures the remote calendar API client and the OAuth
// flow used to obtain per-sender user tokens.
type CalendarConfig struct {
	APIBase               string `json:"api_base"`
	AppID                 string `json:"app_id,omitempty"`
	AppSecret             string `json:"app_secret,omitempty"`
	OAuthAuthorizeURL     string `json:"oauth_authorize_url,omitempty"`
	OAuthRedirectURI      string `json:"oauth_redirect_uri,omitempty"`
	Timezone              string `json:"timezone,omitempty"`
	RequestTimeoutSeconds int    `json:"request_timeout_seconds,omitempty"`
}

// PipelineConfig holds the pipeline policy knobs. Zero values fall back to
// the documented defaults so a minimal config.json stays valid.
type PipelineConfig struct {
	MessageTimeoutSeconds  int     `json:"message_timeout_seconds,omitempty"`
	PastGraceMinutes       int     `json:"past_grace_minutes,omitempty"`
	FutureCeilingDays      int     `json:"future_ceiling_days,omitempty"`
	DefaultDurationMinutes int     `json:"default_duration_minutes,omitempty"`
	MaxCandidates          int     `json:"max_candidates,omitempty"`
	CreateAttempts         int     `json:"create_attempts,omitempty"`
	RetryBackoffMillis     int     `json:"retry_backoff_millis,omitempty"`
	CalendarCacheTTLMin    int     `json:"calendar_cache_ttl_minutes,omitempty"`
	DedupTTLHours          int     `json:"dedup_ttl_hours,omitempty"`
	TransportDedupMinutes  int     `json:"transport_dedup_minutes,omitempty"`
	ASRConfidenceFloor     float64 `json:"asr_confidence_floor,omitempty"`
}

// StoreConfig configures the local SQLite store location.
type StoreConfig struct {
	Path string `json:"path,omitempty"`
}

// GatewayConfig configures HTTP gateway bind settings.
type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// Pipeline policy defaults, applied when config.json leaves a knob unset.
const (
	DefaultMessageTimeout     = 60 * time.Second
	DefaultPastGrace          = 5 * time.Minute
	DefaultFutureCeiling      = 730 * 24 * time.Hour
	DefaultEventDuration      = 30 * time.Minute
	DefaultMaxCandidates      = 5
	DefaultCreateAttempts     = 3
	DefaultRetryBackoff       = 500 * time.Millisecond
	DefaultCalendarCacheTTL   = 30 * time.Minute
	DefaultDedupTTL           = 24 * time.Hour
	DefaultTransportDedup     = time.Hour
	DefaultASRConfidenceFloor = 0.60
)

func (p PipelineConfig) MessageTimeout() time.Duration {
	return positiveDuration(time.Duration(p.MessageTimeoutSeconds)*time.Second, DefaultMessageTimeout)
}

func (p PipelineConfig) PastGrace() time.Duration {
	return positiveDuration(time.Duration(p.PastGraceMinutes)*time.Minute, DefaultPastGrace)
}

func (p PipelineConfig) FutureCeiling() time.Duration {
	return positiveDuration(time.Duration(p.FutureCeilingDays)*24*time.Hour, DefaultFutureCeiling)
}

func (p PipelineConfig) DefaultDuration() time.Duration {
	return positiveDuration(time.Duration(p.DefaultDurationMinutes)*time.Minute, DefaultEventDuration)
}

func (p PipelineConfig) CandidateCap() int {
	if p.MaxCandidates > 0 {
		return p.MaxCandidates
	}
	return DefaultMaxCandidates
}

func (p PipelineConfig) Attempts() int {
	if p.CreateAttempts > 0 {
		return p.CreateAttempts
	}
	return DefaultCreateAttempts
}

func (p PipelineConfig) RetryBackoff() time.Duration {
	return positiveDuration(time.Duration(p.RetryBackoffMillis)*time.Millisecond, DefaultRetryBackoff)
}

func (p PipelineConfig) CalendarCacheTTL() time.Duration {
	return positiveDuration(time.Duration(p.CalendarCacheTTLMin)*time.Minute, DefaultCalendarCacheTTL)
}

func (p PipelineConfig) DedupTTL() time.Duration {
	return positiveDuration(time.Duration(p.DedupTTLHours)*time.Hour, DefaultDedupTTL)
}

func (p PipelineConfig) TransportDedupWindow() time.Duration {
	return positiveDuration(time.Duration(p.TransportDedupMinutes)*time.Minute, DefaultTransportDedup)
}

func (p PipelineConfig) ConfidenceFloor() float64 {
	if p.ASRConfidenceFloor > 0 {
		return p.ASRConfidenceFloor
	}
	return DefaultASRConfidenceFloor
}

func positiveDuration(value, fallback time.Duration) time.Duration {
	if value > 0 {
		return value
	}
	return fallback
}

// LoadConfig resolves config.json, unmarshals it, and applies environment overrides.
func LoadConfig() (*Config, error) {
	configPath, err := findConfigPath()
	if err != nil {
		return nil, err
	}

	content, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides injects selected env-driven settings on top of file config.
func applyEnvOverrides(cfg *Config) {
	if cfg == nil {
		return
	}

	if appID := strings.TrimSpace(os.Getenv(envLarkAppID)); appID != "" {
		cfg.Channels.Lark.AppID = appID
	}

	if appSecret := strings.TrimSpace(os.Getenv(envLarkAppSecret)); appSecret != "" {
		cfg.Channels.Lark.AppSecret = appSecret
	}

	// The calendar API shares the app credential with the channel unless
	// configured separately.
	if cfg.Calendar.AppID == "" {
		cfg.Calendar.AppID = cfg.Channels.Lark.AppID
	}
	if cfg.Calendar.AppSecret == "" {
		cfg.Calendar.AppSecret = cfg.Channels.Lark.AppSecret
	}

	if rawAllowFrom := strings.TrimSpace(os.Getenv(envAllowFrom)); rawAllowFrom != "" {
		cfg.Channels.Lark.AllowFrom = parseCSV(rawAllowFrom)
	}

	if strings.TrimSpace(cfg.AI.APIKeyEnv) == "" {
		cfg.AI.APIKeyEnv = defaultAIAPIKeyEnv
	}
}

// parseCSV splits comma-separated values and returns a trimmed compact slice.
func parseCSV(input string) []string {
	parts := strings.Split(input, ",")
	clean := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		clean = append(clean, trimmed)
	}

	return slices.Clip(clean)
}

// findConfigPath resolves the active config file location.
//
// Precedence is SCHEDBOT_CONFIG first, then cwd-local fallback paths.
func findConfigPath() (string, error) {
	if value := strings.TrimSpace(os.Getenv("SCHEDBOT_CONFIG")); value != "" {
		if info, err := os.Stat(value); err == nil && !info.IsDir() {
			return value, nil
		}
		return "", fmt.Errorf("SCHEDBOT_CONFIG does not point to a file: %s", value)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get current working directory: %w", err)
	}

	candidates := []string{
		filepath.Join(cwd, "config.json"),
		filepath.Join(cwd, "config", "config.json"),
	}

	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("config.json not found (checked %s and %s)", candidates[0], candidates[1])
}
