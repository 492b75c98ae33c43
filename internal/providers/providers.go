// Package providers builds the transcription, reply and synthesis
// collaborators selected by configuration.
package providers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-turns/internal/config"
	"github.com/lexiqai/voice-turns/internal/observability"
	"github.com/lexiqai/voice-turns/internal/pipeline"
	"github.com/lexiqai/voice-turns/internal/reply"
	"github.com/lexiqai/voice-turns/internal/resilience"
	"github.com/lexiqai/voice-turns/internal/stt"
	"github.com/lexiqai/voice-turns/internal/tts"
)

// Set holds one configured collaborator per stage.
type Set struct {
	Transcriber stt.Transcriber
	Generator   reply.Generator
	Synthesizer tts.Synthesizer
	// Checks are readiness checks keyed by collaborator name.
	Checks map[string]observability.HealthCheckFunc

	closers []func() error
}

// Build constructs the collaborators named by cfg.
func Build(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Set, error) {
	s := &Set{Checks: make(map[string]observability.HealthCheckFunc)}

	if err := s.buildTranscriber(cfg, logger); err != nil {
		return nil, err
	}
	if err := s.buildGenerator(ctx, cfg, logger); err != nil {
		s.Close()
		return nil, err
	}
	s.buildSynthesizer(cfg, logger)

	logger.Info().
		Str("stt", cfg.STTProvider).
		Str("reply", cfg.ReplyProvider).
		Str("tts", cfg.TTSProvider).
		Msg("Collaborators configured")
	return s, nil
}

func (s *Set) buildTranscriber(cfg *config.Config, logger zerolog.Logger) error {
	switch cfg.STTProvider {
	case config.ProviderWhisper:
		s.Transcriber = stt.NewWhisperTranscriber(cfg.OpenAIAPIKey)
	case config.ProviderDeepgram:
		breaker := cfg.Breaker("deepgram")
		s.Transcriber = stt.NewDeepgramTranscriber(stt.DeepgramConfig{
			APIKey:    cfg.DeepgramAPIKey,
			Model:     cfg.DeepgramModel,
			Breaker:   breaker,
			Reconnect: cfg.Reconnect(logger),
			Logger:    observability.WithComponent(logger, "deepgram"),
		})
		s.Checks["deepgram"] = breakerCheck(breaker)
	case config.ProviderStream:
		s.Transcriber = stt.NewStreamTranscriber(cfg.STTStreamURL, cfg.Retry(), observability.WithComponent(logger, "stt_stream"))
	default:
		return fmt.Errorf("unknown STT provider %q", cfg.STTProvider)
	}
	return nil
}

func (s *Set) buildGenerator(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	switch cfg.ReplyProvider {
	case config.ProviderOpenAI:
		s.Generator = reply.NewOpenAIGenerator(cfg.OpenAIAPIKey, cfg.OpenAIChatModel, observability.WithComponent(logger, "openai"))
	case config.ProviderGemini:
		gen, err := reply.NewGeminiGenerator(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, observability.WithComponent(logger, "gemini"))
		if err != nil {
			return err
		}
		s.Generator = gen
		s.closers = append(s.closers, gen.Close)
	case config.ProviderGRPC:
		gen, err := reply.NewGRPCGenerator(reply.GRPCConfig{
			Target:  cfg.ReplyGRPCURL,
			Method:  cfg.ReplyGRPCMethod,
			Timeout: time.Duration(cfg.ReplyGRPCTimeout) * time.Second,
			Breaker: cfg.Breaker("reply-grpc"),
			Retry:   cfg.Retry(),
			Logger:  observability.WithComponent(logger, "reply_grpc"),
		})
		if err != nil {
			return err
		}
		s.Generator = gen
		s.Checks["reply"] = gen.HealthCheck
		s.closers = append(s.closers, gen.Close)
	default:
		return fmt.Errorf("unknown reply provider %q", cfg.ReplyProvider)
	}
	return nil
}

func (s *Set) buildSynthesizer(cfg *config.Config, logger zerolog.Logger) {
	switch cfg.TTSProvider {
	case config.ProviderCartesia:
		breaker := cfg.Breaker("cartesia")
		s.Synthesizer = tts.NewCartesiaClient(tts.CartesiaConfig{
			APIKey:  cfg.CartesiaAPIKey,
			VoiceID: cfg.CartesiaVoiceID,
			ModelID: cfg.CartesiaModelID,
			Breaker: breaker,
			Logger:  observability.WithComponent(logger, "cartesia"),
		})
		s.Checks["cartesia"] = breakerCheck(breaker)
	default:
		s.Synthesizer = tts.NewOpenAISynthesizer(cfg.OpenAIAPIKey, cfg.OpenAISpeechVoice)
	}
}

// Stages wires the collaborators into turn stages reporting to recorder.
func (s *Set) Stages(cfg *config.Config, recorder pipeline.Recorder, logger zerolog.Logger) *pipeline.Stages {
	return &pipeline.Stages{
		Transcriber: s.Transcriber,
		Generator:   s.Generator,
		Synthesizer: s.Synthesizer,
		Recorder:    recorder,
		Language:    cfg.Language,
		Verbosity:   cfg.Verbosity,
		Logger:      logger,
	}
}

// Transcribers returns the transcribers a browser client may pick by name:
// the configured one, plus Whisper whenever an OpenAI key is set.
func (s *Set) Transcribers(cfg *config.Config) map[string]stt.Transcriber {
	out := map[string]stt.Transcriber{cfg.STTProvider: s.Transcriber}
	if _, ok := out[config.ProviderWhisper]; !ok && cfg.OpenAIAPIKey != "" {
		out[config.ProviderWhisper] = stt.NewWhisperTranscriber(cfg.OpenAIAPIKey)
	}
	return out
}

// Close releases collaborator connections.
func (s *Set) Close() error {
	var errs []error
	for _, closeFn := range s.closers {
		if err := closeFn(); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

// breakerCheck reports not ready while the breaker is open.
func breakerCheck(cb *resilience.CircuitBreaker) observability.HealthCheckFunc {
	return func(ctx context.Context) (bool, error) {
		if state := cb.GetState(); state == resilience.StateOpen {
			return false, fmt.Errorf("circuit %s is %s", cb.Name(), state)
		}
		return true, nil
	}
}
