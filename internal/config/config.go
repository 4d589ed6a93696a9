package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Provider names accepted by STT_PROVIDER and COMPLETION_PROVIDER
const (
	STTProviderDeepgram = "deepgram"
	STTProviderGoogle   = "google"

	CompletionProviderGemini       = "gemini"
	CompletionProviderOrchestrator = "orchestrator"
)

// Config holds all configuration for the voice relay service
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// Client WebSocket limits
	WSMaxMessageBytes int64 `envconfig:"WS_MAX_MESSAGE_BYTES" default:"1048576"` // Max inbound frame size
	WSWriteTimeout    int   `envconfig:"WS_WRITE_TIMEOUT" default:"10"`          // seconds
	WSPingInterval    int   `envconfig:"WS_PING_INTERVAL" default:"30"`          // seconds, 0 disables pings

	// Speech-to-text configuration
	STTProvider      string `envconfig:"STT_PROVIDER" default:"deepgram"`        // deepgram, google
	STTDrainTimeout  int    `envconfig:"STT_DRAIN_TIMEOUT_MS" default:"2000"`    // Wait for trailing finals on close
	DeepgramAPIKey   string `envconfig:"DEEPGRAM_API_KEY"`                       // Required for deepgram
	DeepgramModel    string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"`        // nova-2, enhanced, base
	DeepgramLanguage string `envconfig:"DEEPGRAM_LANGUAGE" default:"en"`         // Language code (en, es, fr, etc.)
	GoogleLanguage   string `envconfig:"GOOGLE_SPEECH_LANGUAGE" default:"en-US"` // BCP-47 code for Google Cloud Speech

	// Completion (language model) configuration
	CompletionProvider     string  `envconfig:"COMPLETION_PROVIDER" default:"gemini"` // gemini, orchestrator
	GeminiAPIKey           string  `envconfig:"GEMINI_API_KEY"`                       // Required for gemini
	GeminiModel            string  `envconfig:"GEMINI_MODEL" default:"gemini-2.0-flash"`
	CompletionSystemPrompt string  `envconfig:"COMPLETION_SYSTEM_PROMPT" default:"You are a helpful assistant. Answer any questions posed in the user's message clearly and concisely."`
	CompletionTemperature  float32 `envconfig:"COMPLETION_TEMPERATURE" default:"0.7"`
	CompletionTimeout      int     `envconfig:"COMPLETION_TIMEOUT" default:"30"` // seconds

	// Completion orchestrator gRPC endpoint (COMPLETION_PROVIDER=orchestrator)
	OrchestratorURL        string `envconfig:"ORCHESTRATOR_URL" default:"localhost:50051"`
	OrchestratorTLSEnabled bool   `envconfig:"ORCHESTRATOR_TLS_ENABLED" default:"false"`
	OrchestratorTimeout    int    `envconfig:"ORCHESTRATOR_TIMEOUT" default:"30"` // seconds

	// ElevenLabs TTS configuration
	ElevenLabsAPIKey  string `envconfig:"ELEVENLABS_API_KEY" required:"true"`
	ElevenLabsVoiceID string `envconfig:"ELEVENLABS_VOICE_ID" default:"Xb7hH8MSUJpSbSDYk0k2"`
	ElevenLabsModelID string `envconfig:"ELEVENLABS_MODEL_ID" default:"eleven_turbo_v2"`
	ElevenLabsURL     string `envconfig:"ELEVENLABS_URL" default:"wss://api.elevenlabs.io/v1"`

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`             // Maximum retry attempts
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"`        // Initial backoff in milliseconds
	ReconnectMaxAttempts       int `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"3"`         // Maximum reconnection attempts
	ReconnectBackoff           int `envconfig:"RECONNECT_BACKOFF" default:"500"`            // Reconnection backoff in milliseconds

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

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks provider selection and the keys each provider needs
func (c *Config) Validate() error {
	c.STTProvider = strings.ToLower(strings.TrimSpace(c.STTProvider))
	c.CompletionProvider = strings.ToLower(strings.TrimSpace(c.CompletionProvider))

	switch c.STTProvider {
	case STTProviderDeepgram:
		if c.DeepgramAPIKey == "" {
			return fmt.Errorf("DEEPGRAM_API_KEY is required")
		}
	case STTProviderGoogle:
		// Credentials come from Application Default Credentials
	default:
		return fmt.Errorf("unsupported STT_PROVIDER %q", c.STTProvider)
	}

	switch c.CompletionProvider {
	case CompletionProviderGemini:
		if c.GeminiAPIKey == "" {
			return fmt.Errorf("GEMINI_API_KEY is required")
		}
	case CompletionProviderOrchestrator:
		if c.OrchestratorURL == "" {
			return fmt.Errorf("ORCHESTRATOR_URL is required")
		}
	default:
		return fmt.Errorf("unsupported COMPLETION_PROVIDER %q", c.CompletionProvider)
	}

	if c.ElevenLabsAPIKey == "" {
		return fmt.Errorf("ELEVENLABS_API_KEY is required")
	}

	return nil
}

// WriteTimeout returns the per-frame write deadline for client sockets
func (c *Config) WriteTimeout() time.Duration {
	return time.Duration(c.WSWriteTimeout) * time.Second
}

// PingInterval returns the keepalive ping period, zero when disabled
func (c *Config) PingInterval() time.Duration {
	return time.Duration(c.WSPingInterval) * time.Second
}

// DrainTimeout returns how long an STT stream waits for trailing finals on close
func (c *Config) DrainTimeout() time.Duration {
	return time.Duration(c.STTDrainTimeout) * time.Millisecond
}
