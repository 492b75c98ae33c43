package tts

import (
	"context"

	"github.com/lexiqai/voice-turns/internal/audio"
)

// Request is one synthesis call.
type Request struct {
	Text         string
	LanguageCode string // BCP-47, e.g. "en-US"
}

// Audio is synthesized speech in a declared encoding.
type Audio struct {
	Data       []byte
	SampleRate int
	Encoding   audio.Encoding
}

// Samples decodes Data into linear PCM samples.
func (a *Audio) Samples() ([]int16, error) {
	if a.Encoding == audio.EncodingMulaw {
		return audio.DecodeMulaw(a.Data), nil
	}
	return audio.PCMBytesToSamples(a.Data)
}

// Synthesizer converts text to speech.
type Synthesizer interface {
	Synthesize(ctx context.Context, req Request) (*Audio, error)
}

// SynthesizerFunc adapts a function to Synthesizer.
type SynthesizerFunc func(ctx context.Context, req Request) (*Audio, error)

// Synthesize implements Synthesizer.
func (f SynthesizerFunc) Synthesize(ctx context.Context, req Request) (*Audio, error) {
	return f(ctx, req)
}

// LanguageCode maps a short language tag to the locale synthesis engines expect.
func LanguageCode(lang string) string {
	switch lang {
	case "ja", "JA", "ja-JP":
		return "ja-JP"
	default:
		return "en-US"
	}
}
