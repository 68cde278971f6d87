package testsupport

import (
	"path/filepath"
	"testing"

	"chorus/internal/config"
)

// ConfigOption customizes the generated test configuration.
type ConfigOption func(*config.Config)

// NewConfig produces a config seeded with unique temp directories per test.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.DataDir = filepath.Join(base, "data")
	cfg.Paths.WorkDir = filepath.Join(base, "work")
	cfg.Paths.LogDir = filepath.Join(base, "logs")

	for _, opt := range opts {
		opt(&cfg)
	}

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	return &cfg
}

// WithSpeakerThresholds overrides the identity resolver thresholds.
func WithSpeakerThresholds(auto, suggest float64) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Speaker.AutoAcceptThreshold = auto
		cfg.Speaker.SuggestThreshold = suggest
	}
}

// WithPoolSizes overrides every dispatch pool size.
func WithPoolSizes(gpu, download, cpu, nlp, utility int) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Pools.GPU = gpu
		cfg.Pools.Download = download
		cfg.Pools.CPU = cpu
		cfg.Pools.NLP = nlp
		cfg.Pools.Utility = utility
	}
}

// WithRetryPolicy overrides the global retry defaults.
func WithRetryPolicy(maxAttempts, backoffSeconds int, multiplier float64) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Retry.MaxAttempts = maxAttempts
		cfg.Retry.BackoffSeconds = backoffSeconds
		cfg.Retry.BackoffMultiplier = multiplier
	}
}
