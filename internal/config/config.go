package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	DataDir string `toml:"data_dir"`
	WorkDir string `toml:"work_dir"`
	LogDir  string `toml:"log_dir"`
}

// Pools contains the maximum concurrency for each dispatch pool.
type Pools struct {
	GPU      int `toml:"gpu"`
	Download int `toml:"download"`
	CPU      int `toml:"cpu"`
	NLP      int `toml:"nlp"`
	Utility  int `toml:"utility"`
}

// Workflow contains daemon timing and intervals.
type Workflow struct {
	QueuePollInterval  int `toml:"queue_poll_interval"`
	ErrorRetryInterval int `toml:"error_retry_interval"`
	HeartbeatInterval  int `toml:"heartbeat_interval"`
	RecoveryInterval   int `toml:"recovery_interval"`
	// StageTimeouts maps stage names to heartbeat timeouts in seconds. Stages
	// without an entry fall back to DefaultStageTimeout.
	StageTimeouts       map[string]int `toml:"stage_timeouts"`
	DefaultStageTimeout int            `toml:"default_stage_timeout"`
}

// Retry contains retry policy settings applied per stage.
type Retry struct {
	MaxAttempts       int     `toml:"max_attempts"`
	BackoffSeconds    int     `toml:"backoff_seconds"`
	BackoffMultiplier float64 `toml:"backoff_multiplier"`
	// StageOverrides replaces the defaults for individual stages.
	StageOverrides map[string]RetryOverride `toml:"stage_overrides"`
}

// RetryOverride adjusts retry policy for one stage. Zero values inherit the defaults.
type RetryOverride struct {
	MaxAttempts       int     `toml:"max_attempts"`
	BackoffSeconds    int     `toml:"backoff_seconds"`
	BackoffMultiplier float64 `toml:"backoff_multiplier"`
}

// For resolves the effective retry policy for one stage: the global defaults
// with any per-stage override applied, clamped to sane minimums.
func (r Retry) For(stage string) RetryOverride {
	resolved := RetryOverride{
		MaxAttempts:       r.MaxAttempts,
		BackoffSeconds:    r.BackoffSeconds,
		BackoffMultiplier: r.BackoffMultiplier,
	}
	if override, ok := r.StageOverrides[stage]; ok {
		if override.MaxAttempts > 0 {
			resolved.MaxAttempts = override.MaxAttempts
		}
		if override.BackoffSeconds > 0 {
			resolved.BackoffSeconds = override.BackoffSeconds
		}
		if override.BackoffMultiplier > 0 {
			resolved.BackoffMultiplier = override.BackoffMultiplier
		}
	}
	if resolved.MaxAttempts < 1 {
		resolved.MaxAttempts = 1
	}
	if resolved.BackoffSeconds < 1 {
		resolved.BackoffSeconds = 1
	}
	if resolved.BackoffMultiplier < 1 {
		resolved.BackoffMultiplier = 1
	}
	return resolved
}

// TimeoutFor resolves the heartbeat timeout for one stage in seconds,
// falling back to the workflow default.
func (w Workflow) TimeoutFor(stage string) int {
	if timeout, ok := w.StageTimeouts[stage]; ok && timeout > 0 {
		return timeout
	}
	if w.DefaultStageTimeout > 0 {
		return w.DefaultStageTimeout
	}
	return 600
}

// Speaker contains identity-resolver thresholds and limits.
type Speaker struct {
	// AutoAcceptThreshold authorizes automatic assignment and retroactive propagation.
	AutoAcceptThreshold float64 `toml:"auto_accept_threshold"`
	// SuggestThreshold is the confidence floor for pushing suggested matches
	// to the user for review.
	SuggestThreshold       float64 `toml:"suggest_threshold"`
	MaxReferenceEmbeddings int     `toml:"max_reference_embeddings"`
	MinSegmentSeconds      float64 `toml:"min_segment_seconds"`
	RelabelConcurrency     int     `toml:"relabel_concurrency"`
}

// WhisperX contains transcription, diarization, and embedding settings.
type WhisperX struct {
	Model       string `toml:"model"`
	CUDAEnabled bool   `toml:"cuda_enabled"`
	HFToken     string `toml:"hf_token"`
	Language    string `toml:"language"`
}

// LLM contains summarization provider connection settings.
type LLM struct {
	APIKey         string `toml:"api_key"`
	BaseURL        string `toml:"base_url"`
	Model          string `toml:"model"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Downloader contains URL media resolution settings.
type Downloader struct {
	Binary           string `toml:"binary"`
	TimeoutSeconds   int    `toml:"timeout_seconds"`
	MaxPlaylistItems int    `toml:"max_playlist_items"`
}

// Notifications contains ntfy push notification settings.
type Notifications struct {
	NtfyTopic      string `toml:"ntfy_topic"`
	RequestTimeout int    `toml:"request_timeout"`
	Progress       bool   `toml:"progress"`
	Completion     bool   `toml:"completion"`
	Errors         bool   `toml:"errors"`
}

// Logging contains log output configuration.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for the orchestrator.
type Config struct {
	Paths         Paths         `toml:"paths"`
	Pools         Pools         `toml:"pools"`
	Workflow      Workflow      `toml:"workflow"`
	Retry         Retry         `toml:"retry"`
	Speaker       Speaker       `toml:"speaker"`
	WhisperX      WhisperX      `toml:"whisperx"`
	LLM           LLM           `toml:"llm"`
	Downloader    Downloader    `toml:"downloader"`
	Notifications Notifications `toml:"notifications"`
	Logging       Logging       `toml:"logging"`
}

// DefaultConfigPath returns the absolute path of the default configuration file.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/chorus/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned
// config has all path fields expanded and normalized. When no file exists the
// defaults are returned with exists=false.
func Load(path string) (cfg *Config, resolvedPath string, exists bool, err error) {
	loaded := Default()

	resolvedPath, exists, err = resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&loaded); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := loaded.normalize(); err != nil {
		return nil, "", false, err
	}
	if err := loaded.Validate(); err != nil {
		return nil, "", false, err
	}
	return &loaded, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		if _, err := os.Stat(expanded); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}
	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	return defaultPath, false, nil
}

// WriteSample writes the embedded sample configuration to path.
func WriteSample(path string) error {
	expanded, err := expandPath(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return fmt.Errorf("ensure config directory: %w", err)
	}
	if _, err := os.Stat(expanded); err == nil {
		return fmt.Errorf("config file already exists at %s", expanded)
	}
	return os.WriteFile(expanded, []byte(sampleConfig), 0o644)
}

// EnsureDirectories creates the configured data, work, and log directories.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.Paths.WorkDir, c.Paths.LogDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

func (c *Config) normalize() error {
	var err error
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if c.Paths.WorkDir, err = expandPath(c.Paths.WorkDir); err != nil {
		return fmt.Errorf("paths.work_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if c.LLM.BaseURL == "" {
		c.LLM.BaseURL = defaultLLMBaseURL
	}
	if c.Downloader.Binary == "" {
		c.Downloader.Binary = defaultDownloaderBinary
	}
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	return nil
}

func expandPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", nil
	}
	if trimmed == "~" || strings.HasPrefix(trimmed, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if trimmed == "~" {
			return home, nil
		}
		return filepath.Join(home, trimmed[2:]), nil
	}
	return filepath.Abs(trimmed)
}
