package audio

import (
	"testing"
	"time"
)

const frameStep = 20 * time.Millisecond

func testVADConfig() VADConfig {
	return VADConfig{
		SpeechThreshold:  0.02,
		SilenceThreshold: 0.01,
		MinRecording:     600 * time.Millisecond,
		RequiredSilence:  1000 * time.Millisecond,
	}
}

// feed pushes a constant RMS for d and returns how many times the utterance ended.
func feed(v *VoiceActivityDetector, clock *time.Time, rms float64, d time.Duration) int {
	ends := 0
	for elapsed := time.Duration(0); elapsed < d; elapsed += frameStep {
		if ended, _ := v.Observe(rms, *clock, frameStep); ended {
			ends++
		}
		*clock = clock.Add(frameStep)
	}
	return ends
}

func TestNewVoiceActivityDetector_RejectsInvertedThresholds(t *testing.T) {
	cfg := testVADConfig()
	cfg.SpeechThreshold = 0.01
	cfg.SilenceThreshold = 0.02

	if _, err := NewVoiceActivityDetector(cfg); err == nil {
		t.Error("Expected error when speech threshold is not above silence threshold")
	}
}

func TestVAD_ScenarioA_QuietNeverEnds(t *testing.T) {
	v, err := NewVoiceActivityDetector(testVADConfig())
	if err != nil {
		t.Fatalf("NewVoiceActivityDetector failed: %v", err)
	}
	clock := time.Unix(0, 0)

	// Below the speech threshold for a full two seconds
	if ends := feed(v, &clock, 0.015, 2*time.Second); ends != 0 {
		t.Errorf("Expected no end-of-utterance, got %d", ends)
	}
	if v.HasSpoken() {
		t.Error("Expected has_spoken to stay false")
	}
}

func TestVAD_ScenarioB_SpeechThenSilenceEndsOnce(t *testing.T) {
	v, err := NewVoiceActivityDetector(testVADConfig())
	if err != nil {
		t.Fatalf("NewVoiceActivityDetector failed: %v", err)
	}
	clock := time.Unix(0, 0)

	ends := feed(v, &clock, 0.2, 700*time.Millisecond)
	ends += feed(v, &clock, 0.001, 1100*time.Millisecond)

	if ends != 1 {
		t.Errorf("Expected exactly one end-of-utterance, got %d", ends)
	}
}

func TestVAD_ShortBurstWaitsForMinimumRecording(t *testing.T) {
	cfg := testVADConfig()
	cfg.RequiredSilence = 100 * time.Millisecond
	v, _ := NewVoiceActivityDetector(cfg)
	clock := time.Unix(0, 0)

	feed(v, &clock, 0.3, 100*time.Millisecond)

	// 100ms burst + 400ms silence: still under the 600ms minimum
	if ends := feed(v, &clock, 0.0, 400*time.Millisecond); ends != 0 {
		t.Fatalf("Expected no end before minimum recording, got %d", ends)
	}
	if ends := feed(v, &clock, 0.0, 300*time.Millisecond); ends != 1 {
		t.Errorf("Expected one end after minimum recording, got %d", ends)
	}
}

func TestVAD_HysteresisBandResetsSilence(t *testing.T) {
	v, _ := NewVoiceActivityDetector(testVADConfig())
	clock := time.Unix(0, 0)

	feed(v, &clock, 0.3, 700*time.Millisecond)
	feed(v, &clock, 0.0, 900*time.Millisecond)

	// One frame between the thresholds restarts the silence timer
	if ends := feed(v, &clock, 0.015, frameStep); ends != 0 {
		t.Fatalf("Expected no end on a hysteresis frame, got %d", ends)
	}
	if v.State().SilenceStart != nil {
		t.Error("Expected silence timer to be cleared")
	}
	if ends := feed(v, &clock, 0.0, 900*time.Millisecond); ends != 0 {
		t.Errorf("Expected no end before a fresh 1s of silence, got %d", ends)
	}
	if ends := feed(v, &clock, 0.0, 200*time.Millisecond); ends != 1 {
		t.Errorf("Expected end after a fresh 1s of silence, got %d", ends)
	}
}

func TestVAD_EndsIffSpokenAndTrailingSilence(t *testing.T) {
	tests := []struct {
		name    string
		speech  time.Duration
		rms     float64
		silence time.Duration
		want    int
	}{
		{"no speech", 0, 0.3, 3 * time.Second, 0},
		{"speech, short silence", 800 * time.Millisecond, 0.3, 900 * time.Millisecond, 0},
		{"speech, enough silence", 800 * time.Millisecond, 0.3, 1100 * time.Millisecond, 1},
		{"speech in hysteresis band only", 800 * time.Millisecond, 0.015, 2 * time.Second, 0},
		{"long speech, long silence", 3 * time.Second, 0.5, 3 * time.Second, 1},
		{"short speech, silence covers minimum", 100 * time.Millisecond, 0.3, 1000 * time.Millisecond, 1},
		{"speech, silence one frame short", 700 * time.Millisecond, 0.3, 980 * time.Millisecond, 0},
		{"speech, exactly required silence", 700 * time.Millisecond, 0.3, 1000 * time.Millisecond, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, _ := NewVoiceActivityDetector(testVADConfig())
			clock := time.Unix(0, 0)

			ends := feed(v, &clock, tt.rms, tt.speech)
			ends += feed(v, &clock, 0.0, tt.silence)
			if ends != tt.want {
				t.Errorf("Expected %d ends, got %d", tt.want, ends)
			}
		})
	}
}

func TestVAD_SilenceCountsBeforeMinimumRecording(t *testing.T) {
	v, _ := NewVoiceActivityDetector(testVADConfig())
	clock := time.Unix(0, 0)

	feed(v, &clock, 0.3, 100*time.Millisecond)

	// Silence starting at 100ms reaches 1s at 1.1s, the earliest allowed end
	frames := 0
	for ; frames < 100; frames++ {
		ended, reason := v.Observe(0.0, clock, frameStep)
		clock = clock.Add(frameStep)
		if ended {
			if reason != EndSilence {
				t.Errorf("Expected reason %v, got %v", EndSilence, reason)
			}
			break
		}
	}
	if frames+1 != 50 {
		t.Errorf("Expected end on silent frame 50, got %d", frames+1)
	}
	if got := clock.Sub(time.Unix(0, 0)); got != 1100*time.Millisecond {
		t.Errorf("Expected end at 1.1s, got %v", got)
	}
}

func TestVAD_MaxRecordingForcesEnd(t *testing.T) {
	cfg := testVADConfig()
	cfg.MaxRecording = 2 * time.Second
	v, _ := NewVoiceActivityDetector(cfg)
	clock := time.Unix(0, 0)

	var reason EndReason
	ends := 0
	for i := 0; i < 150; i++ {
		if ended, r := v.Observe(0.4, clock, frameStep); ended {
			ends++
			reason = r
		}
		clock = clock.Add(frameStep)
	}

	// 3s of continuous speech with a 2s cap
	if ends != 1 {
		t.Fatalf("Expected one forced end, got %d", ends)
	}
	if reason != EndMaxDuration {
		t.Errorf("Expected reason %v, got %v", EndMaxDuration, reason)
	}
}

func TestVAD_ResetClearsState(t *testing.T) {
	v, _ := NewVoiceActivityDetector(testVADConfig())
	clock := time.Unix(0, 0)
	feed(v, &clock, 0.3, 100*time.Millisecond)

	if !v.HasSpoken() {
		t.Fatal("Expected has_spoken after speech")
	}
	v.Reset()
	if v.HasSpoken() {
		t.Error("Expected has_spoken to be false after reset")
	}
}

func TestSegmenter_ReturnsUtteranceWithPreRoll(t *testing.T) {
	s, err := NewSegmenter(testVADConfig(), 8000)
	if err != nil {
		t.Fatalf("NewSegmenter failed: %v", err)
	}
	clock := time.Unix(0, 0)
	quiet := Frame{Samples: make([]int16, 160), SampleRate: 8000}
	loud := Frame{Samples: constant(160, 8000), SampleRate: 8000}

	push := func(f Frame, n int) (Segment, bool) {
		for i := 0; i < n; i++ {
			seg, ok := s.Push(f, clock)
			clock = clock.Add(frameStep)
			if ok {
				return seg, true
			}
		}
		return Segment{}, false
	}

	// 2s of leading quiet is trimmed to the pre-roll
	if _, ok := push(quiet, 100); ok {
		t.Fatal("Expected no segment from silence")
	}
	if s.Buffered() != FrameSamples(8000, DefaultPreRoll) {
		t.Errorf("Expected %d buffered samples, got %d", FrameSamples(8000, DefaultPreRoll), s.Buffered())
	}

	push(loud, 40)
	seg, ok := push(quiet, 60)
	if !ok {
		t.Fatal("Expected a segment after speech and silence")
	}
	if seg.Reason != EndSilence {
		t.Errorf("Expected reason silence, got %v", seg.Reason)
	}
	if seg.Duration() < 800*time.Millisecond {
		t.Errorf("Expected segment to include speech, got %v", seg.Duration())
	}
	if s.Buffered() != 0 {
		t.Error("Expected buffer to start over after a segment")
	}
}

func constant(n int, v int16) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = v
	}
	return out
}
