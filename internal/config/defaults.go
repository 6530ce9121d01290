package config

// Defaults returns a config with sensible default values. The debounce window
// is left at zero on purpose; it must come from the config file.
func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			Workspace: "~/.pressbot/workspace",
			LogLevel:  "info",
		},
		Pipeline: PipelineConfig{
			MaxRetriesPerStep:        3,
			BackoffScheduleMs:        []int{1000, 5000, 15000},
			PerStepTimeoutMs:         30000,
			MediaUploadFailurePolicy: "degrade",
			MaxConcurrentWorkflows:   4,
		},
		Channels: ChannelsConfig{
			Telegram: TelegramConfig{
				Enabled:   false,
				ParseMode: "Markdown",
			},
			Webhook: WebhookConfig{
				Enabled: false,
				Port:    8487,
				Path:    "/ingest",
			},
		},
		Analyzer: AnalyzerConfig{
			APIBase: "https://generativelanguage.googleapis.com/v1beta",
			Model:   "gemini-2.0-flash",
		},
		Media: MediaConfig{
			APIBase: "https://api.imgur.com/3",
		},
		Blog: BlogConfig{
			Draft: false,
		},
		Archive: ArchiveConfig{
			Enabled:       true,
			DBPath:        "~/.pressbot/archive.db",
			RetentionDays: 90,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Host:    "127.0.0.1",
			Port:    9487,
		},
	}
}
