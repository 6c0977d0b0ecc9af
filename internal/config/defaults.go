package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel: "info",
		},
		Server: ServerConfig{
			Host:       "127.0.0.1",
			Port:       3001,
			CORSOrigin: "*",
		},
		Relay: RelayConfig{
			TimeoutSeconds: 30,
			Delivery:       "queue",
		},
		Queue: QueueConfig{
			RetentionSeconds: 5,
			MaxAgeSeconds:    600,
		},
		Invoke: InvokeConfig{
			Command:           "openclaw",
			Args:              []string{"agent", "--message", "{{.Instruction}}"},
			ReplyURL:          "http://localhost:3001/api/response",
			LaunchesPerMinute: 30,
		},
		Telegram: TelegramConfig{
			AllowFrom: FlexStringList{},
		},
		Tunnel: TunnelConfig{
			File: ".tunnel-url",
		},
		Persona: PersonaConfig{
			File: "~/.clawbridge/persona.yaml",
		},
		Journal: JournalConfig{
			Enabled:       true,
			DBPath:        "~/.clawbridge/journal.db",
			RetentionDays: 30,
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
		},
	}
}
