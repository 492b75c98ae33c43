package config

import (
	"strings"
	"testing"
	"time"
)

func setEnv(t *testing.T, vars map[string]string) {
	t.Helper()
	for k, v := range vars {
		t.Setenv(k, v)
	}
}

func TestLoadFromEnv(t *testing.T) {
	setEnv(t, map[string]string{
		"OPENAI_API_KEY": "test-openai-key",
		"LANGUAGE":       "ja",
		"VERBOSITY":      "brief",
	})

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}

	if cfg.OpenAIAPIKey != "test-openai-key" {
		t.Errorf("Expected OpenAIAPIKey 'test-openai-key', got '%s'", cfg.OpenAIAPIKey)
	}
	if cfg.Language != "ja" || cfg.Verbosity != "brief" {
		t.Errorf("Expected ja/brief, got %s/%s", cfg.Language, cfg.Verbosity)
	}
}

func TestLoadFromEnv_Defaults(t *testing.T) {
	setEnv(t, map[string]string{"OPENAI_API_KEY": "test-openai-key"})

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("Expected default Port '8080', got '%s'", cfg.Port)
	}
	if cfg.STTProvider != ProviderWhisper || cfg.ReplyProvider != ProviderOpenAI || cfg.TTSProvider != ProviderOpenAI {
		t.Errorf("Unexpected default providers %s/%s/%s", cfg.STTProvider, cfg.ReplyProvider, cfg.TTSProvider)
	}
	if cfg.Language != "en" {
		t.Errorf("Expected default Language 'en', got '%s'", cfg.Language)
	}
	if cfg.BargeIn {
		t.Error("Expected barge-in to be off by default")
	}
	if !cfg.ContinuousMode {
		t.Error("Expected continuous mode by default")
	}
	if cfg.CircuitBreakerMaxFailures != 5 {
		t.Errorf("Expected default CircuitBreakerMaxFailures 5, got %d", cfg.CircuitBreakerMaxFailures)
	}
	if cfg.Retention() != time.Hour {
		t.Errorf("Expected default retention 1h, got %v", cfg.Retention())
	}
}

func TestLoadFromEnv_ProviderKeys(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{
			name:    "whisper without key",
			env:     map[string]string{"OPENAI_API_KEY": ""},
			wantErr: "OPENAI_API_KEY",
		},
		{
			name: "deepgram without key",
			env: map[string]string{
				"OPENAI_API_KEY": "k",
				"STT_PROVIDER":   "deepgram",
			},
			wantErr: "DEEPGRAM_API_KEY",
		},
		{
			name: "gemini without key",
			env: map[string]string{
				"OPENAI_API_KEY": "k",
				"REPLY_PROVIDER": "gemini",
			},
			wantErr: "GEMINI_API_KEY",
		},
		{
			name: "cartesia without key",
			env: map[string]string{
				"OPENAI_API_KEY": "k",
				"TTS_PROVIDER":   "cartesia",
			},
			wantErr: "CARTESIA_API_KEY",
		},
		{
			name: "unknown provider",
			env: map[string]string{
				"OPENAI_API_KEY": "k",
				"TTS_PROVIDER":   "espeak",
			},
			wantErr: "unknown TTS_PROVIDER",
		},
		{
			name: "all non-openai providers",
			env: map[string]string{
				"STT_PROVIDER":     "Deepgram",
				"DEEPGRAM_API_KEY": "dg",
				"REPLY_PROVIDER":   "grpc",
				"TTS_PROVIDER":     "cartesia",
				"CARTESIA_API_KEY": "ca",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("OPENAI_API_KEY", "")
			setEnv(t, tt.env)

			cfg, err := LoadFromEnv()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Expected no error, got %v", err)
				}
				if cfg.STTProvider != ProviderDeepgram {
					t.Errorf("Expected provider names to be lower-cased, got %s", cfg.STTProvider)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoadFromEnv_InvalidVAD(t *testing.T) {
	setEnv(t, map[string]string{
		"OPENAI_API_KEY":        "k",
		"VAD_SPEECH_THRESHOLD":  "0.01",
		"VAD_SILENCE_THRESHOLD": "0.02",
	})

	if _, err := LoadFromEnv(); err == nil {
		t.Error("Expected error when the silence threshold exceeds the speech threshold")
	}
}

func TestConfig_Derived(t *testing.T) {
	setEnv(t, map[string]string{
		"OPENAI_API_KEY":        "k",
		"VAD_MIN_RECORDING_MS":  "500",
		"VAD_SILENCE_MS":        "700",
		"BARGE_IN":              "true",
		"BARGE_IN_SUSTAIN_MS":   "300",
		"CAPTURE_SAMPLE_RATE":   "24000",
		"RETRY_MAX_ATTEMPTS":    "4",
		"RETRY_INITIAL_BACKOFF": "250",
	})

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}

	vad := cfg.VAD()
	if vad.MinRecording != 500*time.Millisecond || vad.RequiredSilence != 700*time.Millisecond {
		t.Errorf("Unexpected VAD durations %v/%v", vad.MinRecording, vad.RequiredSilence)
	}

	pc := cfg.PipelineConfig()
	if !pc.BargeIn || pc.BargeInSustain != 300*time.Millisecond || pc.SampleRate != 24000 {
		t.Errorf("Unexpected pipeline config %+v", pc)
	}

	retry := cfg.Retry()
	if retry.MaxAttempts != 4 || retry.InitialBackoff != 250*time.Millisecond {
		t.Errorf("Unexpected retry config %+v", retry)
	}

	if cb := cfg.Breaker("test"); cb.Name() != "test" {
		t.Errorf("Expected breaker named 'test', got '%s'", cb.Name())
	}
}

func TestGetEnv(t *testing.T) {
	t.Setenv("TEST_VAR", "test-value")

	if got := GetEnv("TEST_VAR", "default"); got != "test-value" {
		t.Errorf("Expected 'test-value', got '%s'", got)
	}
	if got := GetEnv("NON_EXISTENT_VAR", "default"); got != "default" {
		t.Errorf("Expected 'default', got '%s'", got)
	}
}
