package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the bot gateway service
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8766"`

	// Public base URL for this service (e.g. https://xxx.ngrok-free.dev when behind ngrok).
	// When set, sessions reuse it instead of provisioning a tunnel per session.
	PublicURL string `envconfig:"PUBLIC_URL" default:""`

	// MeetingBaas API configuration
	MeetingBaasAPIURL string `envconfig:"MEETING_BAAS_API_URL" default:"https://api.meetingbaas.com"`
	MeetingBaasAPIKey string `envconfig:"MEETING_BAAS_API_KEY" required:"true"`

	// ngrok agent API (the local agent, not the ngrok cloud API)
	NgrokAPIURL string `envconfig:"NGROK_API_URL" default:"http://127.0.0.1:4040"`

	// Child process commands. Each is split on whitespace; port and peer
	// arguments are appended by the registry at spawn time.
	BotCommand   string `envconfig:"BOT_COMMAND" default:"python3 -m meetingbaas_pipecat.bot.bot"`
	ProxyCommand string `envconfig:"PROXY_COMMAND" default:"python3 -m meetingbaas_pipecat.proxy"`

	// Port allocation
	BotPortBase int `envconfig:"BOT_PORT_BASE" default:"8765"` // First port tried for bot processes
	PortWindow  int `envconfig:"PORT_WINDOW" default:"100"`    // Ports scanned before giving up

	// Audio framing (must match what the pipeline process is started with)
	SampleRate  int `envconfig:"SAMPLE_RATE" default:"24000"`
	NumChannels int `envconfig:"NUM_CHANNELS" default:"1"`

	// Bridge configuration
	SendQueueSize int `envconfig:"SEND_QUEUE_SIZE" default:"100"` // Outbound messages buffered per socket

	// Session lifecycle timing
	RegistrationWaitSeconds int `envconfig:"REGISTRATION_WAIT_SECONDS" default:"15"` // Caller-visible ceiling on the external bot id
	RegistrationMaxSeconds  int `envconfig:"REGISTRATION_MAX_SECONDS" default:"60"`  // Hard ceiling before background registration gives up
	TunnelTimeoutSeconds    int `envconfig:"TUNNEL_TIMEOUT_SECONDS" default:"30"`
	TerminateGraceSeconds   int `envconfig:"TERMINATE_GRACE_SECONDS" default:"5"` // Grace before SIGKILL
	MonitorIntervalMillis   int `envconfig:"MONITOR_INTERVAL_MILLIS" default:"1000"`

	// Resilience configuration
	RetryMaxAttempts    int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`
	RetryInitialBackoff int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"` // Initial backoff in milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if cfg.MeetingBaasAPIKey == "" {
		return nil, fmt.Errorf("MEETING_BAAS_API_KEY is required")
	}
	if cfg.PortWindow < 1 {
		return nil, fmt.Errorf("PORT_WINDOW must be at least 1, got %d", cfg.PortWindow)
	}
	if cfg.SampleRate <= 0 || cfg.NumChannels <= 0 {
		return nil, fmt.Errorf("invalid audio configuration: sample_rate=%d channels=%d", cfg.SampleRate, cfg.NumChannels)
	}
	if strings.TrimSpace(cfg.BotCommand) == "" {
		return nil, fmt.Errorf("BOT_COMMAND must not be empty")
	}
	if strings.TrimSpace(cfg.ProxyCommand) == "" {
		return nil, fmt.Errorf("PROXY_COMMAND must not be empty")
	}

	return &cfg, nil
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
