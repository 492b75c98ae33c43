package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-turns/internal/audio"
	"github.com/lexiqai/voice-turns/internal/resilience"
	"github.com/lexiqai/voice-turns/internal/voiceerr"
)

const (
	cartesiaURL        = "https://api.cartesia.ai/tts/bytes"
	cartesiaVersion    = "2024-06-10"
	cartesiaSampleRate = 24000
)

// CartesiaConfig configures the Cartesia client.
type CartesiaConfig struct {
	APIKey  string
	VoiceID string
	ModelID string
	// URL overrides the API endpoint.
	URL        string
	HTTPClient *http.Client
	Breaker    *resilience.CircuitBreaker
	Logger     zerolog.Logger
}

// CartesiaClient implements Synthesizer using Cartesia's TTS API
type CartesiaClient struct {
	cfg CartesiaConfig
}

// CartesiaRequest represents the request payload for Cartesia TTS API
type CartesiaRequest struct {
	ModelID      string               `json:"model_id"`
	Transcript   string               `json:"transcript"`
	Voice        CartesiaVoice        `json:"voice"`
	OutputFormat CartesiaOutputFormat `json:"output_format"`
	Language     string               `json:"language,omitempty"`
}

// CartesiaVoice selects a voice by id.
type CartesiaVoice struct {
	Mode string `json:"mode"`
	ID   string `json:"id"`
}

// CartesiaOutputFormat requests raw little-endian PCM.
type CartesiaOutputFormat struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

// NewCartesiaClient creates a new Cartesia TTS client
func NewCartesiaClient(cfg CartesiaConfig) *CartesiaClient {
	if cfg.URL == "" {
		cfg.URL = cartesiaURL
	}
	if cfg.ModelID == "" {
		cfg.ModelID = "sonic"
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Breaker == nil {
		cfg.Breaker = resilience.NewCircuitBreaker("cartesia", 5, 30*time.Second)
	}
	return &CartesiaClient{cfg: cfg}
}

// Synthesize implements Synthesizer
func (c *CartesiaClient) Synthesize(ctx context.Context, req Request) (*Audio, error) {
	if req.Text == "" {
		return nil, voiceerr.E(voiceerr.CollaboratorFailure, "tts.cartesia", errors.New("empty text"))
	}

	var data []byte
	err := c.cfg.Breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		data, err = c.synthesize(ctx, req)
		return err
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, voiceerr.E(voiceerr.CollaboratorFailure, "tts.cartesia", err)
	}

	return &Audio{Data: data, SampleRate: cartesiaSampleRate, Encoding: audio.EncodingPCM16}, nil
}

func (c *CartesiaClient) synthesize(ctx context.Context, req Request) ([]byte, error) {
	lang := ""
	if len(req.LanguageCode) >= 2 {
		lang = req.LanguageCode[:2]
	}

	reqBody := CartesiaRequest{
		ModelID:    c.cfg.ModelID,
		Transcript: req.Text,
		Voice:      CartesiaVoice{Mode: "id", ID: c.cfg.VoiceID},
		OutputFormat: CartesiaOutputFormat{
			Container:  "raw",
			Encoding:   "pcm_s16le",
			SampleRate: cartesiaSampleRate,
		},
		Language: lang,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-API-Key", c.cfg.APIKey)
	httpReq.Header.Set("Cartesia-Version", cartesiaVersion)

	start := time.Now()
	resp, err := c.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("cartesia API returned status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	audioData, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read audio: %w", err)
	}
	if len(audioData) == 0 {
		return nil, errors.New("cartesia returned empty audio data")
	}

	c.cfg.Logger.Debug().
		Int("bytes", len(audioData)).
		Dur("latency", time.Since(start)).
		Msg("Cartesia synthesis complete")
	return audioData, nil
}
