package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-turns/internal/audio"
	"github.com/lexiqai/voice-turns/internal/pipeline"
	"github.com/lexiqai/voice-turns/internal/resilience"
)

// Provider names accepted by the *_PROVIDER settings.
const (
	ProviderWhisper  = "whisper"
	ProviderDeepgram = "deepgram"
	ProviderStream   = "stream"
	ProviderOpenAI   = "openai"
	ProviderGemini   = "gemini"
	ProviderGRPC     = "grpc"
	ProviderCartesia = "cartesia"
)

// Config holds all configuration for the voice turns service
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// Public base URL for this service (e.g. https://xxx.ngrok-free.dev when behind ngrok).
	// Used to validate Twilio signatures and to build the wss:// stream URL returned in TwiML.
	// Optional; if unset, the request host is used.
	PublicURL string `envconfig:"PUBLIC_URL" default:""`

	// Collaborator selection
	STTProvider   string `envconfig:"STT_PROVIDER" default:"whisper"`  // whisper, deepgram, stream
	ReplyProvider string `envconfig:"REPLY_PROVIDER" default:"openai"` // openai, gemini, grpc
	TTSProvider   string `envconfig:"TTS_PROVIDER" default:"openai"`   // openai, cartesia

	// OpenAI (Whisper transcription, chat replies, speech synthesis)
	OpenAIAPIKey      string `envconfig:"OPENAI_API_KEY" default:""`
	OpenAIChatModel   string `envconfig:"OPENAI_CHAT_MODEL" default:"gpt-4o-mini"`
	OpenAISpeechVoice string `envconfig:"OPENAI_SPEECH_VOICE" default:"alloy"`

	// Deepgram STT API configuration
	DeepgramAPIKey string `envconfig:"DEEPGRAM_API_KEY" default:""`
	DeepgramModel  string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"` // nova-2, enhanced, base

	// Streaming transcription server used when STT_PROVIDER=stream
	STTStreamURL string `envconfig:"STT_STREAM_URL" default:"ws://localhost:8080/stt/stream"`

	// Gemini reply generation
	GeminiAPIKey string `envconfig:"GEMINI_API_KEY" default:""`
	GeminiModel  string `envconfig:"GEMINI_MODEL" default:"gemini-1.5-flash"`

	// gRPC reply service
	ReplyGRPCURL     string `envconfig:"REPLY_GRPC_URL" default:"localhost:50051"`
	ReplyGRPCMethod  string `envconfig:"REPLY_GRPC_METHOD" default:"/voice.reply.v1.ReplyService/Generate"`
	ReplyGRPCTimeout int    `envconfig:"REPLY_GRPC_TIMEOUT" default:"30"` // seconds

	// Cartesia TTS API configuration
	CartesiaAPIKey  string `envconfig:"CARTESIA_API_KEY" default:""`
	CartesiaVoiceID string `envconfig:"CARTESIA_VOICE_ID" default:"sonic-english"` // Voice ID for Cartesia
	CartesiaModelID string `envconfig:"CARTESIA_MODEL_ID" default:"sonic"`         // Model ID (sonic, etc.)

	// Twilio
	TwilioAuthToken      string `envconfig:"TWILIO_AUTH_TOKEN" default:""`
	TwilioSkipValidation bool   `envconfig:"TWILIO_SKIP_VALIDATION" default:"false"`

	// Conversation settings
	Language  string `envconfig:"LANGUAGE" default:"en"`      // en, ja, ...
	Verbosity string `envconfig:"VERBOSITY" default:"normal"` // brief, normal, detailed

	// Voice activity detection
	VADSpeechThreshold  float64 `envconfig:"VAD_SPEECH_THRESHOLD" default:"0.02"`
	VADSilenceThreshold float64 `envconfig:"VAD_SILENCE_THRESHOLD" default:"0.01"`
	VADMinRecordingMs   int     `envconfig:"VAD_MIN_RECORDING_MS" default:"600"`
	VADSilenceMs        int     `envconfig:"VAD_SILENCE_MS" default:"1000"`
	VADMaxRecordingMs   int     `envconfig:"VAD_MAX_RECORDING_MS" default:"8000"`

	// Local session behaviour
	ContinuousMode    bool    `envconfig:"CONTINUOUS_MODE" default:"true"`
	BargeIn           bool    `envconfig:"BARGE_IN" default:"false"`
	BargeInThreshold  float64 `envconfig:"BARGE_IN_THRESHOLD" default:"0.05"`
	BargeInSustainMs  int     `envconfig:"BARGE_IN_SUSTAIN_MS" default:"200"`
	CaptureSampleRate int     `envconfig:"CAPTURE_SAMPLE_RATE" default:"16000"`
	AudioBufferSize   int     `envconfig:"AUDIO_BUFFER_SIZE" default:"8192"` // Capture ring buffer size in bytes

	// Call registry
	ObserverBuffer int `envconfig:"OBSERVER_BUFFER" default:"64"`  // Per-observer event buffer
	CallRetention  int `envconfig:"CALL_RETENTION" default:"3600"` // Seconds finalized calls are kept; 0 keeps forever

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`             // Maximum retry attempts
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"`        // Initial backoff in milliseconds
	ReconnectMaxAttempts       int `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"5"`         // Maximum reconnection attempts
	ReconnectBackoff           int `envconfig:"RECONNECT_BACKOFF" default:"1000"`           // Reconnection backoff in milliseconds

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

// Validate checks provider selection and the keys each selected provider needs.
func (c *Config) Validate() error {
	c.STTProvider = strings.ToLower(c.STTProvider)
	c.ReplyProvider = strings.ToLower(c.ReplyProvider)
	c.TTSProvider = strings.ToLower(c.TTSProvider)

	switch c.STTProvider {
	case ProviderWhisper:
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required for STT_PROVIDER=%s", c.STTProvider)
		}
	case ProviderDeepgram:
		if c.DeepgramAPIKey == "" {
			return fmt.Errorf("DEEPGRAM_API_KEY is required for STT_PROVIDER=%s", c.STTProvider)
		}
	case ProviderStream:
		if c.STTStreamURL == "" {
			return fmt.Errorf("STT_STREAM_URL is required for STT_PROVIDER=%s", c.STTProvider)
		}
	default:
		return fmt.Errorf("unknown STT_PROVIDER %q", c.STTProvider)
	}

	switch c.ReplyProvider {
	case ProviderOpenAI:
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required for REPLY_PROVIDER=%s", c.ReplyProvider)
		}
	case ProviderGemini:
		if c.GeminiAPIKey == "" {
			return fmt.Errorf("GEMINI_API_KEY is required for REPLY_PROVIDER=%s", c.ReplyProvider)
		}
	case ProviderGRPC:
		if c.ReplyGRPCURL == "" {
			return fmt.Errorf("REPLY_GRPC_URL is required for REPLY_PROVIDER=%s", c.ReplyProvider)
		}
	default:
		return fmt.Errorf("unknown REPLY_PROVIDER %q", c.ReplyProvider)
	}

	switch c.TTSProvider {
	case ProviderOpenAI:
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required for TTS_PROVIDER=%s", c.TTSProvider)
		}
	case ProviderCartesia:
		if c.CartesiaAPIKey == "" {
			return fmt.Errorf("CARTESIA_API_KEY is required for TTS_PROVIDER=%s", c.TTSProvider)
		}
	default:
		return fmt.Errorf("unknown TTS_PROVIDER %q", c.TTSProvider)
	}

	if _, err := audio.NewVoiceActivityDetector(c.VAD()); err != nil {
		return fmt.Errorf("invalid VAD settings: %w", err)
	}

	return nil
}

// VAD returns the detector tunables.
func (c *Config) VAD() audio.VADConfig {
	return audio.VADConfig{
		SpeechThreshold:  c.VADSpeechThreshold,
		SilenceThreshold: c.VADSilenceThreshold,
		MinRecording:     time.Duration(c.VADMinRecordingMs) * time.Millisecond,
		RequiredSilence:  time.Duration(c.VADSilenceMs) * time.Millisecond,
		MaxRecording:     time.Duration(c.VADMaxRecordingMs) * time.Millisecond,
	}
}

// PipelineConfig returns the settings for a local turn pipeline.
func (c *Config) PipelineConfig() pipeline.Config {
	return pipeline.Config{
		VAD:              c.VAD(),
		SampleRate:       c.CaptureSampleRate,
		Continuous:       c.ContinuousMode,
		BargeIn:          c.BargeIn,
		BargeInThreshold: c.BargeInThreshold,
		BargeInSustain:   time.Duration(c.BargeInSustainMs) * time.Millisecond,
		Language:         c.Language,
		Verbosity:        c.Verbosity,
	}
}

// Retention returns how long finalized calls are kept.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.CallRetention) * time.Second
}

// Breaker creates a circuit breaker for the named collaborator.
func (c *Config) Breaker(name string) *resilience.CircuitBreaker {
	return resilience.NewCircuitBreaker(name, c.CircuitBreakerMaxFailures,
		time.Duration(c.CircuitBreakerResetTimeout)*time.Second)
}

// Retry returns the retry policy for collaborator calls.
func (c *Config) Retry() *resilience.RetryConfig {
	retry := resilience.DefaultRetryConfig()
	retry.MaxAttempts = c.RetryMaxAttempts
	retry.InitialBackoff = time.Duration(c.RetryInitialBackoff) * time.Millisecond
	return retry
}

// Reconnect returns the reconnection policy for streaming collaborators.
func (c *Config) Reconnect(logger zerolog.Logger) *resilience.ReconnectConfig {
	reconnect := resilience.DefaultReconnectConfig()
	reconnect.MaxAttempts = c.ReconnectMaxAttempts
	reconnect.Backoff = time.Duration(c.ReconnectBackoff) * time.Millisecond
	reconnect.Logger = logger
	return reconnect
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
