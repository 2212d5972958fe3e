package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			DataDir:   "~/.kisaki",
			LogLevel:  "info",
			LogFormat: "auto",
		},
		IPC: IPCConfig{
			Host:                 "127.0.0.1",
			Port:                 7878,
			Path:                 "/ipc",
			MaxPending:           200,
			InvokeTimeoutSeconds: 30,
			ReadLimitBytes:       1 << 20,
		},
		Network: NetworkConfig{
			TimeoutMs: 30000,
			Retries:   3,
			UserAgent: "kisaki/dev",
			RateLimits: map[string]RateLimitConfig{
				"vndb": {MaxRequests: 200, WindowMs: 5 * 60 * 1000},
			},
		},
		Settings: SettingsConfig{
			DBPath: "~/.kisaki/settings.db",
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Endpoint: "/metrics",
		},
	}
}
