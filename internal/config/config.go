package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the companion voice agent.
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// Public base URL for this service (e.g. https://xxx.ngrok-free.dev when behind ngrok).
	// The telephony vendor connects to wss://<this-host>/streams/telephony.
	// Optional; the server does not read it (the startup log names
	// ws://localhost:<PORT>/streams/telephony).
	PublicURL string `envconfig:"PUBLIC_URL" default:""`

	// Deepgram STT API configuration
	DeepgramAPIKey   string `envconfig:"DEEPGRAM_API_KEY" required:"true"`
	DeepgramModel    string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"`
	DeepgramLanguage string `envconfig:"DEEPGRAM_LANGUAGE" default:"en"`

	// Cartesia TTS API configuration
	CartesiaAPIKey  string `envconfig:"CARTESIA_API_KEY" required:"true"`
	CartesiaVoiceID string `envconfig:"CARTESIA_VOICE_ID" default:"sonic-english"`
	CartesiaModelID string `envconfig:"CARTESIA_MODEL_ID" default:"sonic"`

	// LLM Adapter configuration
	OpenAIAPIKey        string `envconfig:"OPENAI_API_KEY" required:"true"`
	LLMModel            string `envconfig:"LLM_MODEL" default:"gpt-4o"`
	LLMSegmentDelimiter string `envconfig:"LLM_SEGMENT_DELIMITER" default:"•"`
	LLMSystemPromptMax  int    `envconfig:"LLM_SYSTEM_PROMPT_MAX_CHARS" default:"4000"`
	LLMTimeout          int    `envconfig:"LLM_TIMEOUT_SECONDS" default:"30"`

	// Memory Store / Conversation Journal persistence
	DBPath string `envconfig:"DB_PATH" default:"./data/companion.db"`

	// News function (get_news)
	NewsFeedURL string `envconfig:"NEWS_FEED_URL" default:"https://feeds.bbci.co.uk/news/rss.xml"`

	// Call-transfer function (transfer_call)
	TransferNumber string `envconfig:"TRANSFER_NUMBER" default:""`

	// Audio / TTS throttling configuration
	TTSMaxRequestsPerSecond   float64 `envconfig:"TTS_MAX_REQUESTS_PER_SECOND" default:"5.0"`
	TTSRequestSpacingMs       int     `envconfig:"TTS_REQUEST_SPACING_MS" default:"50"`
	TTSCircuitBreakerMaxFail  int     `envconfig:"TTS_CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`
	TTSCircuitBreakerResetSec int     `envconfig:"TTS_CIRCUIT_BREAKER_RESET_SECONDS" default:"30"`

	// STT reconnect/retry configuration
	STTMaxRetries         int `envconfig:"STT_MAX_RETRIES" default:"5"`
	STTInitialRetryDelay  int `envconfig:"STT_INITIAL_RETRY_DELAY_MS" default:"250"`
	STTMaxRetryDelay      int `envconfig:"STT_MAX_RETRY_DELAY_MS" default:"10000"`
	STTBufferCapacity     int `envconfig:"STT_BUFFER_CAPACITY" default:"50"`

	// Resilience configuration (shared retry/circuit-breaker defaults)
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"`
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"`
	ReconnectMaxAttempts       int `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"5"`
	ReconnectBackoff           int `envconfig:"RECONNECT_BACKOFF" default:"1000"`

	// Call-quality configuration
	MinimumCallDurationSeconds int    `envconfig:"MINIMUM_CALL_DURATION_SECONDS" default:"3"`
	RecordingEnabled           bool   `envconfig:"RECORDING_ENABLED" default:"false"`
	Timezone                   string `envconfig:"TIMEZONE" default:"America/New_York"`

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"`
}

// Load reads configuration from environment variables.
// It first attempts to load from a .env file if present, then from the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load a .env file (useful for containerized deployments).
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if cfg.DeepgramAPIKey == "" {
		return nil, fmt.Errorf("DEEPGRAM_API_KEY is required")
	}
	if cfg.CartesiaAPIKey == "" {
		return nil, fmt.Errorf("CARTESIA_API_KEY is required")
	}
	if cfg.OpenAIAPIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is required")
	}

	return &cfg, nil
}

// GetEnv returns the value of an environment variable or a default value.
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
