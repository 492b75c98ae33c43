package stt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	websocketv1api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-turns/internal/resilience"
	"github.com/lexiqai/voice-turns/internal/voiceerr"
)

const (
	// After the last audio chunk, wait this long without results before closing.
	deepgramQuietPeriod = 800 * time.Millisecond
	deepgramFlushCap    = 3 * time.Second
	deepgramChunkMs     = 20
)

// DeepgramConfig configures the Deepgram adapter.
type DeepgramConfig struct {
	APIKey    string
	Model     string
	Breaker   *resilience.CircuitBreaker
	Reconnect *resilience.ReconnectConfig
	Logger    zerolog.Logger
}

// DeepgramTranscriber transcribes an utterance over one Deepgram live session
// per call, collecting final results only.
type DeepgramTranscriber struct {
	cfg DeepgramConfig
}

// NewDeepgramTranscriber creates a Deepgram-backed Transcriber
func NewDeepgramTranscriber(cfg DeepgramConfig) *DeepgramTranscriber {
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	if cfg.Breaker == nil {
		cfg.Breaker = resilience.NewCircuitBreaker("deepgram", 5, 30*time.Second)
	}
	return &DeepgramTranscriber{cfg: cfg}
}

// utteranceCallback implements the LiveMessageCallback interface
// It embeds the default handler and overrides only the methods we need to customize
type utteranceCallback struct {
	*websocketv1api.DefaultCallbackHandler

	mu           sync.Mutex
	fragments    []string
	lastActivity time.Time
	failure      error
	logger       zerolog.Logger
}

// Message collects final transcripts
func (c *utteranceCallback) Message(msg *msginterfaces.MessageResponse) error {
	if msg == nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivity = time.Now()

	if !msg.IsFinal || len(msg.Channel.Alternatives) == 0 {
		return nil
	}
	if text := msg.Channel.Alternatives[0].Transcript; text != "" {
		c.fragments = append(c.fragments, text)
	}
	return nil
}

// Error records the first service error for the running utterance
func (c *utteranceCallback) Error(errorResponse *msginterfaces.ErrorResponse) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failure == nil && errorResponse != nil {
		c.failure = fmt.Errorf("deepgram error: %+v", *errorResponse)
	}
	c.logger.Warn().Interface("error", errorResponse).Msg("Deepgram reported an error")
	return nil
}

func (c *utteranceCallback) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

func (c *utteranceCallback) snapshot() (text string, idle time.Duration, failure error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return JoinFragments(c.fragments), time.Since(c.lastActivity), c.failure
}

// Transcribe implements Transcriber
func (d *DeepgramTranscriber) Transcribe(ctx context.Context, req Request) (*Transcript, error) {
	var transcript *Transcript
	err := d.cfg.Breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		transcript, err = d.transcribe(ctx, req)
		return err
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, voiceerr.E(voiceerr.CollaboratorFailure, "stt.deepgram", err)
	}
	return transcript, nil
}

func (d *DeepgramTranscriber) transcribe(ctx context.Context, req Request) (*Transcript, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tOptions := &interfaces.LiveTranscriptionOptions{
		Model:          d.cfg.Model,
		Language:       req.Language,
		Punctuate:      true,
		InterimResults: false,
		Encoding:       "linear16",
		Channels:       1,
		SampleRate:     req.SampleRate,
	}

	callback := &utteranceCallback{
		DefaultCallbackHandler: websocketv1api.NewDefaultCallbackHandler(),
		lastActivity:           time.Now(),
		logger:                 d.cfg.Logger,
	}

	client, err := listenClient.NewWSUsingCallback(ctx, d.cfg.APIKey, nil, tOptions, callback)
	if err != nil {
		return nil, fmt.Errorf("failed to create Deepgram client: %w", err)
	}

	err = resilience.Reconnect(ctx, func(context.Context) error {
		if !client.Connect() {
			return errors.New("failed to connect to Deepgram")
		}
		return nil
	}, d.cfg.Reconnect)
	if err != nil {
		return nil, err
	}
	defer client.Finish()

	chunk := req.SampleRate * 2 * deepgramChunkMs / 1000
	if chunk <= 0 {
		return nil, fmt.Errorf("invalid sample rate %d", req.SampleRate)
	}
	for off := 0; off < len(req.Audio); off += chunk {
		end := off + chunk
		if end > len(req.Audio) {
			end = len(req.Audio)
		}
		if _, err := client.Write(req.Audio[off:end]); err != nil {
			return nil, fmt.Errorf("failed to send audio to Deepgram: %w", err)
		}
	}

	// Wait until results stop arriving, bounded by the flush cap.
	callback.touch()
	deadline := time.Now().Add(deepgramFlushCap)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}

		text, idle, failure := callback.snapshot()
		if failure != nil {
			return nil, failure
		}
		if idle >= deepgramQuietPeriod || time.Now().After(deadline) {
			d.cfg.Logger.Debug().Str("text", text).Msg("Deepgram utterance transcribed")
			return &Transcript{Text: text, Language: req.Language}, nil
		}
	}
}
