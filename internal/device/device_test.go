package device

import (
	"testing"
	"time"

	"github.com/lexiqai/voice-turns/internal/audio"
	"github.com/lexiqai/voice-turns/internal/tts"
)

func pcmOf(n int, v int16) []byte {
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = v
	}
	return audio.SamplesToPCMBytes(samples)
}

func nextFrame(t *testing.T, c *MicCapture) audio.Frame {
	t.Helper()
	select {
	case f, ok := <-c.Frames():
		if !ok {
			t.Fatal("Frames closed unexpectedly")
		}
		return f
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for frame")
		return audio.Frame{}
	}
}

func TestMicCapture_FramesCallbackData(t *testing.T) {
	c := NewMicCapture(CaptureConfig{SampleRate: 16000, FrameDuration: 20 * time.Millisecond})
	c.startFramer()
	defer c.Close()

	// One and a half frames, then the other half.
	c.onData(pcmOf(480, 1000))
	f := nextFrame(t, c)
	if len(f.Samples) != 320 || f.SampleRate != 16000 {
		t.Errorf("Expected 320 samples at 16000 Hz, got %d at %d", len(f.Samples), f.SampleRate)
	}
	if f.Samples[0] != 1000 {
		t.Errorf("Expected sample 1000, got %d", f.Samples[0])
	}

	c.onData(pcmOf(160, 2000))
	f = nextFrame(t, c)
	if f.Samples[0] != 1000 || f.Samples[319] != 2000 {
		t.Errorf("Expected frame to span both writes, got %d..%d", f.Samples[0], f.Samples[319])
	}
}

func TestMicCapture_PauseDiscards(t *testing.T) {
	c := NewMicCapture(CaptureConfig{SampleRate: 16000, FrameDuration: 20 * time.Millisecond})
	c.startFramer()
	defer c.Close()

	c.Pause()
	c.onData(pcmOf(640, 500))
	c.Resume()
	c.onData(pcmOf(320, 42))

	f := nextFrame(t, c)
	if f.Samples[0] != 42 {
		t.Errorf("Expected audio from after resume, got sample %d", f.Samples[0])
	}
}

func TestMicCapture_CloseClosesFrames(t *testing.T) {
	started := NewMicCapture(DefaultCaptureConfig())
	started.startFramer()
	started.Close()
	if _, ok := <-started.Frames(); ok {
		t.Error("Expected frames channel to be closed")
	}

	// Never started
	idle := NewMicCapture(DefaultCaptureConfig())
	idle.Close()
	if _, ok := <-idle.Frames(); ok {
		t.Error("Expected frames channel to be closed")
	}
	if err := idle.Close(); err != nil {
		t.Errorf("Expected second Close to succeed, got %v", err)
	}
}

func TestPlaybackPCM(t *testing.T) {
	// Already at the output rate
	native := &tts.Audio{Data: pcmOf(240, 7), SampleRate: 24000, Encoding: audio.EncodingPCM16}
	out, err := playbackPCM(native, 24000)
	if err != nil {
		t.Fatalf("playbackPCM failed: %v", err)
	}
	if len(out) != 480 {
		t.Errorf("Expected 480 bytes, got %d", len(out))
	}

	// 8 kHz μ-law is decoded and upsampled
	mulaw := &tts.Audio{Data: audio.EncodeMulaw(make([]int16, 80)), SampleRate: 8000, Encoding: audio.EncodingMulaw}
	out, err = playbackPCM(mulaw, 24000)
	if err != nil {
		t.Fatalf("playbackPCM failed: %v", err)
	}
	if len(out) != 240*2 {
		t.Errorf("Expected 480 bytes, got %d", len(out))
	}

	if out, err := playbackPCM(&tts.Audio{}, 24000); err != nil || out != nil {
		t.Errorf("Expected empty audio to yield nothing, got %d bytes, %v", len(out), err)
	}

	if _, err := playbackPCM(&tts.Audio{Data: []byte{1, 2, 3}, SampleRate: 16000}, 24000); err == nil {
		t.Error("Expected odd-length PCM to fail")
	}
}
