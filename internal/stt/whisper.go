package stt

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/lexiqai/voice-turns/internal/audio"
	"github.com/lexiqai/voice-turns/internal/voiceerr"
)

// WhisperTranscriber uploads each utterance as a WAV file to the OpenAI transcription API.
type WhisperTranscriber struct {
	client openai.Client
}

// NewWhisperTranscriber creates a transcriber. Extra options (base URL, HTTP client) are passed through.
func NewWhisperTranscriber(apiKey string, opts ...option.RequestOption) *WhisperTranscriber {
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &WhisperTranscriber{client: openai.NewClient(opts...)}
}

// Transcribe implements Transcriber.
func (w *WhisperTranscriber) Transcribe(ctx context.Context, req Request) (*Transcript, error) {
	samples, err := audio.PCMBytesToSamples(req.Audio)
	if err != nil {
		return nil, fmt.Errorf("invalid utterance audio: %w", err)
	}
	wav := audio.EncodeWAV(samples, req.SampleRate)

	params := openai.AudioTranscriptionNewParams{
		Model: openai.AudioModelWhisper1,
		File:  openai.File(bytes.NewReader(wav), "audio.wav", "audio/wav"),
	}
	if req.Language != "" {
		params.Language = openai.String(req.Language)
	}

	resp, err := w.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return nil, voiceerr.E(voiceerr.CollaboratorFailure, "stt.whisper", err)
	}

	return &Transcript{Text: strings.TrimSpace(resp.Text), Language: req.Language}, nil
}
