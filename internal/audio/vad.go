package audio

import (
	"fmt"
	"time"
)

// VADConfig holds the tunables for one voice activity detector.
// Thresholds are normalized RMS values in [0,1].
type VADConfig struct {
	SpeechThreshold  float64       // RMS above this latches has_spoken
	SilenceThreshold float64       // RMS below this counts as silence
	MinRecording     time.Duration // Recording must be at least this long before silence can end it
	RequiredSilence  time.Duration // Trailing silence needed to end an utterance
	MaxRecording     time.Duration // Force an end this long after speech onset (0 disables)
}

// DefaultVADConfig returns the defaults used for both browser and telephony sessions.
func DefaultVADConfig() VADConfig {
	return VADConfig{
		SpeechThreshold:  0.02,
		SilenceThreshold: 0.01,
		MinRecording:     600 * time.Millisecond,
		RequiredSilence:  1000 * time.Millisecond,
		MaxRecording:     8 * time.Second,
	}
}

// Validate checks the hysteresis and duration constraints.
func (c VADConfig) Validate() error {
	if c.SpeechThreshold <= c.SilenceThreshold {
		return fmt.Errorf("speech threshold %.4f must be greater than silence threshold %.4f",
			c.SpeechThreshold, c.SilenceThreshold)
	}
	if c.SilenceThreshold < 0 || c.SpeechThreshold > 1 {
		return fmt.Errorf("thresholds must be within [0,1]")
	}
	if c.RequiredSilence <= 0 {
		return fmt.Errorf("required silence must be positive, got %v", c.RequiredSilence)
	}
	if c.MinRecording < 0 || c.MaxRecording < 0 {
		return fmt.Errorf("recording durations must not be negative")
	}
	return nil
}

// EndReason says why an utterance ended.
type EndReason int

const (
	EndNone EndReason = iota
	EndSilence
	EndMaxDuration
)

func (r EndReason) String() string {
	switch r {
	case EndSilence:
		return "silence"
	case EndMaxDuration:
		return "max_duration"
	default:
		return "none"
	}
}

// VADState is a snapshot of the detector's per-utterance state.
type VADState struct {
	HasSpoken      bool
	SilenceStart   *time.Time
	RecordingStart time.Time
}

// VoiceActivityDetector turns a stream of per-frame energies into
// end-of-utterance signals. It is owned by a single session loop and is not
// safe for concurrent use.
type VoiceActivityDetector struct {
	config      VADConfig
	state       VADState
	started     bool
	speechStart time.Time
}

// NewVoiceActivityDetector validates config and returns a detector.
func NewVoiceActivityDetector(config VADConfig) (*VoiceActivityDetector, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid VAD config: %w", err)
	}
	return &VoiceActivityDetector{config: config}, nil
}

// Observe feeds one frame's normalized RMS. The frame covers [at, at+d).
// It returns true exactly when the current utterance ends; the detector then
// resets itself.
func (v *VoiceActivityDetector) Observe(rms float64, at time.Time, d time.Duration) (bool, EndReason) {
	if !v.started {
		v.state.RecordingStart = at
		v.started = true
	}
	end := at.Add(d)

	if rms > v.config.SpeechThreshold && !v.state.HasSpoken {
		v.state.HasSpoken = true
		v.speechStart = at
	}

	// Anything at or above the silence threshold breaks a silence run
	if rms >= v.config.SilenceThreshold {
		v.state.SilenceStart = nil
	} else if v.state.HasSpoken && v.state.SilenceStart == nil {
		start := at
		v.state.SilenceStart = &start
	}

	if !v.state.HasSpoken {
		return false, EndNone
	}

	if v.config.MaxRecording > 0 && end.Sub(v.speechStart) >= v.config.MaxRecording {
		v.Reset()
		return true, EndMaxDuration
	}

	if v.state.SilenceStart != nil &&
		end.Sub(*v.state.SilenceStart) >= v.config.RequiredSilence &&
		end.Sub(v.state.RecordingStart) >= v.config.MinRecording {
		v.Reset()
		return true, EndSilence
	}

	return false, EndNone
}

// Reset clears all per-utterance state. The next Observe starts a new recording.
func (v *VoiceActivityDetector) Reset() {
	v.state = VADState{}
	v.started = false
	v.speechStart = time.Time{}
}

// HasSpoken reports whether speech has been seen in the current recording.
func (v *VoiceActivityDetector) HasSpoken() bool {
	return v.state.HasSpoken
}

// State returns a copy of the current state.
func (v *VoiceActivityDetector) State() VADState {
	s := v.state
	if s.SilenceStart != nil {
		t := *s.SilenceStart
		s.SilenceStart = &t
	}
	return s
}

// Config returns the detector's configuration.
func (v *VoiceActivityDetector) Config() VADConfig {
	return v.config
}
