package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigFromEnvPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	content := `{
	  "channels": {"lark": {"enabled": true, "app_id": "cli_a1", "app_secret": "s1"}},
	  "ai": {"extract_model": "gpt-4o-mini", "vision_model": "gpt-4o"},
	  "calendar": {"api_base": "https://open.feishu.cn", "timezone": "Asia/Shanghai"},
	  "pipeline": {"message_timeout_seconds": 90, "max_candidates": 3},
	  "store": {"path": "data/test.db"},
	  "gateway": {"host": "0.0.0.0", "port": 18790},
	  "logging": {"format": "json", "level": "debug", "add_source": true}
	}`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	t.Setenv("SCHEDBOT_CONFIG", path)
	t.Setenv("LARK_APP_ID", "")
	t.Setenv("LARK_APP_SECRET", "")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}

	if !cfg.Channels.Lark.Enabled {
		t.Fatal("channels.lark.enabled = false, want true")
	}
	if cfg.AI.ExtractModel != "gpt-4o-mini" {
		t.Fatalf("ai.extract_model = %q", cfg.AI.ExtractModel)
	}
	if cfg.Pipeline.MessageTimeout() != 90*time.Second {
		t.Fatalf("pipeline message timeout = %v", cfg.Pipeline.MessageTimeout())
	}
	if cfg.Pipeline.CandidateCap() != 3 {
		t.Fatalf("pipeline candidate cap = %d", cfg.Pipeline.CandidateCap())
	}
	if cfg.Logging.Format != "json" {
		t.Fatalf("logging.format = %q, want %q", cfg.Logging.Format, "json")
	}
}

func TestLoadConfigInvalidEnvPath(t *testing.T) {
	t.Setenv("SCHEDBOT_CONFIG", filepath.Join(t.TempDir(), "missing.json"))

	if _, err := LoadConfig(); err == nil {
		t.Fatal("expected error for missing config path")
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("LARK_APP_ID", "cli_env")
	t.Setenv("LARK_APP_SECRET", "secret_env")
	t.Setenv("SCHEDBOT_ALLOW_FROM", "ou_1, ou_2,,ou_3 ")

	cfg := &Config{}
	cfg.Channels.Lark.AppID = "cli_file"
	applyEnvOverrides(cfg)

	if cfg.Channels.Lark.AppID != "cli_env" {
		t.Fatalf("lark app_id = %q, want env override", cfg.Channels.Lark.AppID)
	}
	if cfg.Channels.Lark.AppSecret != "secret_env" {
		t.Fatalf("lark app_secret = %q", cfg.Channels.Lark.AppSecret)
	}

	want := []string{"ou_1", "ou_2", "ou_3"}
	if len(cfg.Channels.Lark.AllowFrom) != len(want) {
		t.Fatalf("allow_from = %v, want %v", cfg.Channels.Lark.AllowFrom, want)
	}
	for i, id := range want {
		if cfg.Channels.Lark.AllowFrom[i] != id {
			t.Fatalf("allow_from[%d] = %q, want %q", i, cfg.Channels.Lark.AllowFrom[i], id)
		}
	}
}

func TestCalendarInheritsChannelCredential(t *testing.T) {
	t.Setenv("LARK_APP_ID", "")
	t.Setenv("LARK_APP_SECRET", "")
	t.Setenv("SCHEDBOT_ALLOW_FROM", "")

	cfg := &Config{}
	cfg.Channels.Lark.AppID = "cli_shared"
	cfg.Channels.Lark.AppSecret = "secret_shared"
	applyEnvOverrides(cfg)

	if cfg.Calendar.AppID != "cli_shared" || cfg.Calendar.AppSecret != "secret_shared" {
		t.Fatalf("calendar credential = %q/%q, want inherited", cfg.Calendar.AppID, cfg.Calendar.AppSecret)
	}

	cfg = &Config{}
	cfg.Channels.Lark.AppID = "cli_shared"
	cfg.Calendar.AppID = "cli_own"
	applyEnvOverrides(cfg)
	if cfg.Calendar.AppID != "cli_own" {
		t.Fatalf("calendar app_id = %q, want explicit value kept", cfg.Calendar.AppID)
	}
}

func TestPipelineDefaults(t *testing.T) {
	var p PipelineConfig

	if p.MessageTimeout() != DefaultMessageTimeout {
		t.Fatalf("message timeout = %v", p.MessageTimeout())
	}
	if p.PastGrace() != DefaultPastGrace {
		t.Fatalf("past grace = %v", p.PastGrace())
	}
	if p.FutureCeiling() != DefaultFutureCeiling {
		t.Fatalf("future ceiling = %v", p.FutureCeiling())
	}
	if p.DefaultDuration() != DefaultEventDuration {
		t.Fatalf("default duration = %v", p.DefaultDuration())
	}
	if p.CandidateCap() != DefaultMaxCandidates {
		t.Fatalf("candidate cap = %d", p.CandidateCap())
	}
	if p.Attempts() != DefaultCreateAttempts {
		t.Fatalf("attempts = %d", p.Attempts())
	}
	if p.RetryBackoff() != DefaultRetryBackoff {
		t.Fatalf("retry backoff = %v", p.RetryBackoff())
	}
	if p.CalendarCacheTTL() != DefaultCalendarCacheTTL {
		t.Fatalf("calendar cache ttl = %v", p.CalendarCacheTTL())
	}
	if p.DedupTTL() != DefaultDedupTTL {
		t.Fatalf("dedup ttl = %v", p.DedupTTL())
	}
	if p.TransportDedupWindow() != DefaultTransportDedup {
		t.Fatalf("transport dedup window = %v", p.TransportDedupWindow())
	}
	if p.ConfidenceFloor() != DefaultASRConfidenceFloor {
		t.Fatalf("confidence floor = %v", p.ConfidenceFloor())
	}
}

func TestASRConfigured(t *testing.T) {
	if (AIConfig{}).ASRConfigured() {
		t.Fatal("empty transcribe model reported as configured")
	}
	if !(AIConfig{TranscribeModel: "whisper-1"}).ASRConfigured() {
		t.Fatal("transcribe model not reported as configured")
	}
}
