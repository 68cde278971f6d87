package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"chorus/internal/config"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
	if cfg.Pools.GPU != 1 || cfg.Pools.Download != 3 || cfg.Pools.CPU != 8 ||
		cfg.Pools.NLP != 4 || cfg.Pools.Utility != 2 {
		t.Fatalf("unexpected default pool sizes: %+v", cfg.Pools)
	}
	if cfg.Speaker.AutoAcceptThreshold != 0.90 || cfg.Speaker.SuggestThreshold != 0.60 {
		t.Fatalf("unexpected default thresholds: %+v", cfg.Speaker)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	cfg, resolved, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if exists {
		t.Fatal("missing file reported as existing")
	}
	if resolved != path {
		t.Fatalf("resolved path mismatch: %s", resolved)
	}
	if cfg.Retry.MaxAttempts != 3 || cfg.Workflow.QueuePollInterval != 5 {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
}

func TestLoadOverridesAndNormalizes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
[paths]
data_dir = "` + filepath.Join(dir, "data") + `"
work_dir = "` + filepath.Join(dir, "work") + `"

[pools]
gpu = 2

[retry]
max_attempts = 5

[retry.stage_overrides.transcribe]
max_attempts = 2

[logging]
level = "DEBUG"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, _, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !exists {
		t.Fatal("existing file reported missing")
	}
	if cfg.Pools.GPU != 2 {
		t.Fatalf("override not applied: %+v", cfg.Pools)
	}
	if cfg.Pools.CPU != 8 {
		t.Fatalf("unset fields must keep defaults: %+v", cfg.Pools)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("log level not normalized: %q", cfg.Logging.Level)
	}
	if cfg.Retry.For("transcribe").MaxAttempts != 2 {
		t.Fatalf("stage override lost: %+v", cfg.Retry.For("transcribe"))
	}
	if cfg.Retry.For("diarize").MaxAttempts != 5 {
		t.Fatalf("global retry override lost: %+v", cfg.Retry.For("diarize"))
	}
}

func TestLoadRejectsInvalidPools(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte("[pools]\ngpu = 0\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, _, _, err := config.Load(path); err == nil || !strings.Contains(err.Error(), "pools.gpu") {
		t.Fatalf("expected pool validation error, got %v", err)
	}
}

func TestRetryForMergesOverridesAndClamps(t *testing.T) {
	retry := config.Retry{
		MaxAttempts:       3,
		BackoffSeconds:    10,
		BackoffMultiplier: 2.0,
		StageOverrides: map[string]config.RetryOverride{
			"download-resolve": {MaxAttempts: 5},
			"summarize":        {BackoffSeconds: 30, BackoffMultiplier: 1.5},
		},
	}

	resolved := retry.For("download-resolve")
	if resolved.MaxAttempts != 5 || resolved.BackoffSeconds != 10 || resolved.BackoffMultiplier != 2.0 {
		t.Fatalf("zero override fields must inherit: %+v", resolved)
	}
	resolved = retry.For("summarize")
	if resolved.MaxAttempts != 3 || resolved.BackoffSeconds != 30 || resolved.BackoffMultiplier != 1.5 {
		t.Fatalf("unexpected merged policy: %+v", resolved)
	}
	if got := retry.For("diarize"); got.MaxAttempts != 3 {
		t.Fatalf("stage without override must use the defaults: %+v", got)
	}

	clamped := config.Retry{}.For("anything")
	if clamped.MaxAttempts != 1 || clamped.BackoffSeconds != 1 || clamped.BackoffMultiplier != 1 {
		t.Fatalf("empty policy must clamp to minimums: %+v", clamped)
	}
}

func TestTimeoutForFallsBack(t *testing.T) {
	workflow := config.Workflow{
		DefaultStageTimeout: 900,
		StageTimeouts:       map[string]int{"transcribe": 1800},
	}
	if got := workflow.TimeoutFor("transcribe"); got != 1800 {
		t.Fatalf("stage timeout lost: %d", got)
	}
	if got := workflow.TimeoutFor("diarize"); got != 900 {
		t.Fatalf("default timeout lost: %d", got)
	}
	if got := (config.Workflow{}).TimeoutFor("diarize"); got != 600 {
		t.Fatalf("builtin fallback lost: %d", got)
	}
}

func TestWriteSampleRefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := config.WriteSample(path); err != nil {
		t.Fatalf("WriteSample failed: %v", err)
	}
	if _, _, _, err := config.Load(path); err != nil {
		t.Fatalf("sample config must parse: %v", err)
	}
	if err := config.WriteSample(path); err == nil {
		t.Fatal("expected an error overwriting an existing config")
	}
}
