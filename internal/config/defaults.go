package config

const (
	defaultDataDir              = "~/.local/share/chorus/data"
	defaultWorkDir              = "~/.local/share/chorus/work"
	defaultLogDir               = "~/.local/share/chorus/logs"
	defaultQueuePollInterval    = 5
	defaultErrorRetryInterval   = 10
	defaultHeartbeatInterval    = 15
	defaultRecoveryInterval     = 60
	defaultStageTimeout         = 600
	defaultRetryMaxAttempts     = 3
	defaultRetryBackoffSeconds  = 10
	defaultRetryMultiplier      = 2.0
	defaultAutoAcceptThreshold  = 0.90
	defaultSuggestThreshold     = 0.60
	defaultMaxReferences        = 5
	defaultMinSegmentSeconds    = 0.5
	defaultRelabelConcurrency   = 4
	defaultWhisperXModel        = "large-v3-turbo"
	defaultLLMBaseURL           = "https://openrouter.ai/api/v1/chat/completions"
	defaultLLMModel             = "google/gemini-3-flash-preview"
	defaultLLMTimeoutSeconds    = 60
	defaultDownloaderBinary     = "yt-dlp"
	defaultDownloadTimeout      = 1800
	defaultMaxPlaylistItems     = 50
	defaultNotifyRequestTimeout = 10
	defaultLogLevel             = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir: defaultDataDir,
			WorkDir: defaultWorkDir,
			LogDir:  defaultLogDir,
		},
		Pools: Pools{
			GPU:      1,
			Download: 3,
			CPU:      8,
			NLP:      4,
			Utility:  2,
		},
		Workflow: Workflow{
			QueuePollInterval:   defaultQueuePollInterval,
			ErrorRetryInterval:  defaultErrorRetryInterval,
			HeartbeatInterval:   defaultHeartbeatInterval,
			RecoveryInterval:    defaultRecoveryInterval,
			DefaultStageTimeout: defaultStageTimeout,
			StageTimeouts: map[string]int{
				"transcribe":       1800,
				"download-resolve": 3600,
				"summarize":        300,
			},
		},
		Retry: Retry{
			MaxAttempts:       defaultRetryMaxAttempts,
			BackoffSeconds:    defaultRetryBackoffSeconds,
			BackoffMultiplier: defaultRetryMultiplier,
		},
		Speaker: Speaker{
			AutoAcceptThreshold:    defaultAutoAcceptThreshold,
			SuggestThreshold:       defaultSuggestThreshold,
			MaxReferenceEmbeddings: defaultMaxReferences,
			MinSegmentSeconds:      defaultMinSegmentSeconds,
			RelabelConcurrency:     defaultRelabelConcurrency,
		},
		WhisperX: WhisperX{
			Model: defaultWhisperXModel,
		},
		LLM: LLM{
			BaseURL:        defaultLLMBaseURL,
			Model:          defaultLLMModel,
			TimeoutSeconds: defaultLLMTimeoutSeconds,
		},
		Downloader: Downloader{
			Binary:           defaultDownloaderBinary,
			TimeoutSeconds:   defaultDownloadTimeout,
			MaxPlaylistItems: defaultMaxPlaylistItems,
		},
		Notifications: Notifications{
			RequestTimeout: defaultNotifyRequestTimeout,
			Progress:       true,
			Completion:     true,
			Errors:         true,
		},
		Logging: Logging{
			Level: defaultLogLevel,
		},
	}
}
