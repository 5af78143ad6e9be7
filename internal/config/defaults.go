package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel: "info",
		},
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8000,
			CORSOrigins:  []string{"*"},
			MaxBodyBytes: 1 << 20,
		},
		Dispatch: DispatchConfig{
			DefaultTimeoutSeconds: 15,
			MaxAttempts:           1,
			RetryBackoffMillis:    250,
			MaxBatch:              8,
			BatchConcurrency:      4,
		},
		Tools: ToolsConfig{
			News: NewsToolConfig{
				MaxResults: 10,
			},
			Search: SearchToolConfig{
				MaxResults: 10,
			},
			Music: MusicToolConfig{
				OutputDir:           "~/.toolgate/music",
				MaxPromptLength:     1000,
				PollIntervalSeconds: 5,
				TimeoutSeconds:      120,
			},
			Data: DataToolConfig{
				MaxRows: 100,
			},
			Scrape: ScrapeToolConfig{
				Browser: BrowserConfig{
					Enabled:      false,
					SettleMillis: 500,
				},
			},
		},
		LLM: LLMConfig{
			Model:     "gpt-4o-mini",
			MaxTokens: 512,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Prefix:  "toolgate",
		},
		MCP: MCPConfig{
			Enabled: false,
			Path:    "/mcp",
		},
		Alerts: AlertsConfig{
			Telegram: TelegramAlertConfig{
				Enabled:         false,
				CooldownSeconds: 60,
			},
		},
	}
}
