package device

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/lexiqai/voice-turns/internal/audio"
	"github.com/lexiqai/voice-turns/internal/tts"
)

// DefaultPlaybackRate matches the PCM rate of the speech synthesizers.
const DefaultPlaybackRate = 24000

// SpeakerPlayer plays synthesized speech on the default output device.
// Only one SpeakerPlayer may exist per process.
type SpeakerPlayer struct {
	otoCtx     *oto.Context
	sampleRate int
	// Play calls are serialized.
	mu sync.Mutex
}

// NewSpeakerPlayer opens the output device at sampleRate, mono 16-bit.
func NewSpeakerPlayer(sampleRate int) (*SpeakerPlayer, error) {
	if sampleRate <= 0 {
		sampleRate = DefaultPlaybackRate
	}

	otoCtx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: 1,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   100 * time.Millisecond,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init speaker: %w", err)
	}
	<-ready

	return &SpeakerPlayer{otoCtx: otoCtx, sampleRate: sampleRate}, nil
}

// Play blocks until speech has been played or ctx is cancelled. Cancellation
// stops the audio immediately.
func (p *SpeakerPlayer) Play(ctx context.Context, speech *tts.Audio) error {
	pcm, err := playbackPCM(speech, p.sampleRate)
	if err != nil {
		return err
	}
	if len(pcm) == 0 {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	player := p.otoCtx.NewPlayer(bytes.NewReader(pcm))
	defer player.Close()
	player.Play()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for player.IsPlaying() {
		select {
		case <-ctx.Done():
			player.Pause()
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// playbackPCM converts speech to 16-bit PCM at rate.
func playbackPCM(speech *tts.Audio, rate int) ([]byte, error) {
	if speech == nil || len(speech.Data) == 0 {
		return nil, nil
	}
	if speech.Encoding == audio.EncodingPCM16 && speech.SampleRate == rate {
		return speech.Data, nil
	}

	samples, err := speech.Samples()
	if err != nil {
		return nil, fmt.Errorf("invalid speech audio: %w", err)
	}
	return audio.SamplesToPCMBytes(audio.Resample(samples, speech.SampleRate, rate)), nil
}
