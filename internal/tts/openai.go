package tts

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/lexiqai/voice-turns/internal/audio"
	"github.com/lexiqai/voice-turns/internal/voiceerr"
)

// OpenAISampleRate is the rate of the API's raw pcm response format.
const OpenAISampleRate = 24000

// OpenAISynthesizer synthesizes speech with the OpenAI speech endpoint.
type OpenAISynthesizer struct {
	client openai.Client
	voice  string
}

// NewOpenAISynthesizer creates a synthesizer using voice (e.g. "alloy").
func NewOpenAISynthesizer(apiKey, voice string, opts ...option.RequestOption) *OpenAISynthesizer {
	if voice == "" {
		voice = "alloy"
	}
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &OpenAISynthesizer{client: openai.NewClient(opts...), voice: voice}
}

// Synthesize implements Synthesizer. The voice is multilingual, so the
// language code only matters to the text itself.
func (s *OpenAISynthesizer) Synthesize(ctx context.Context, req Request) (*Audio, error) {
	if req.Text == "" {
		return nil, voiceerr.E(voiceerr.CollaboratorFailure, "tts.openai", errors.New("empty text"))
	}

	resp, err := s.client.Audio.Speech.New(ctx, openai.AudioSpeechNewParams{
		Model:          openai.SpeechModelTTS1,
		Input:          req.Text,
		Voice:          openai.AudioSpeechNewParamsVoice(s.voice),
		ResponseFormat: openai.AudioSpeechNewParamsResponseFormatPCM,
	})
	if err != nil {
		return nil, voiceerr.E(voiceerr.CollaboratorFailure, "tts.openai", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, voiceerr.E(voiceerr.CollaboratorFailure, "tts.openai", fmt.Errorf("failed to read speech: %w", err))
	}
	if len(data) == 0 {
		return nil, voiceerr.E(voiceerr.CollaboratorFailure, "tts.openai", errors.New("empty audio"))
	}

	return &Audio{Data: data, SampleRate: OpenAISampleRate, Encoding: audio.EncodingPCM16}, nil
}
