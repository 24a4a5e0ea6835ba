package config

import (
	"wecombridge/internal/session"
	"wecombridge/internal/stream"
)

// Defaults returns the base config. Credentials reference the environment
// variables the bridge has always been configured with.
func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel: "info",
			DataDir:  "~/.wecombridge",
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8788,
			Path: "/callback",
		},
		WeCom: WeComConfig{
			Token:          "${WECOM_TOKEN}",
			EncodingAESKey: "${WECOM_ENCODING_AES_KEY}",
		},
		Upstream: UpstreamConfig{
			URL:          "${OPENCLAW_API}",
			FallbackURLs: []string{},
			Token:        "${OPENCLAW_TOKEN:-}",
			Model:        "openclaw",
		},
		Stream: StreamConfig{
			TTLSeconds:         600,
			GraceSeconds:       30,
			SweepSchedule:      stream.DefaultSweepSchedule,
			DedupWindowSeconds: 600,
			DedupMaxEntries:    1000,
		},
		Media: MediaConfig{
			Enabled:  false,
			Dir:      "~/.wecombridge/media",
			MaxBytes: 20 << 20,
		},
		Session: SessionConfig{
			Enabled:       true,
			DBPath:        "~/.wecombridge/sessions.db",
			ResetCommands: append([]string(nil), session.DefaultResetCommands...),
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}
