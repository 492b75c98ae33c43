package audio

import "time"

// DefaultPreRoll is how much audio ahead of speech onset is kept in a segment.
const DefaultPreRoll = 300 * time.Millisecond

// Segment is one complete utterance cut out of a capture stream.
type Segment struct {
	Samples    []int16
	SampleRate int
	Reason     EndReason
}

// Duration returns the segment length.
func (s Segment) Duration() time.Duration {
	return Frame{Samples: s.Samples, SampleRate: s.SampleRate}.Duration()
}

// Segmenter couples a VoiceActivityDetector with the buffer that collects an
// utterance's samples. Before speech starts only a short pre-roll is retained
// so a long quiet stretch does not end up in the next segment.
type Segmenter struct {
	vad        *VoiceActivityDetector
	sampleRate int
	preRoll    int
	buf        []int16
}

// NewSegmenter builds a segmenter for audio at sampleRate.
func NewSegmenter(config VADConfig, sampleRate int) (*Segmenter, error) {
	vad, err := NewVoiceActivityDetector(config)
	if err != nil {
		return nil, err
	}
	return &Segmenter{
		vad:        vad,
		sampleRate: sampleRate,
		preRoll:    FrameSamples(sampleRate, DefaultPreRoll),
	}, nil
}

// Push appends a frame that starts at time at. When the frame ends an utterance
// the buffered segment is returned and the buffer starts over.
func (s *Segmenter) Push(frame Frame, at time.Time) (Segment, bool) {
	s.buf = append(s.buf, frame.Samples...)

	ended, reason := s.vad.Observe(frame.Energy(), at, frame.Duration())
	if ended {
		seg := Segment{Samples: s.buf, SampleRate: s.sampleRate, Reason: reason}
		s.buf = nil
		return seg, true
	}

	if !s.vad.HasSpoken() && len(s.buf) > s.preRoll {
		kept := make([]int16, s.preRoll)
		copy(kept, s.buf[len(s.buf)-s.preRoll:])
		s.buf = kept
	}
	return Segment{}, false
}

// Reset drops buffered audio and VAD state.
func (s *Segmenter) Reset() {
	s.buf = nil
	s.vad.Reset()
}

// Buffered returns the number of samples currently held.
func (s *Segmenter) Buffered() int {
	return len(s.buf)
}

// HasSpoken reports whether the current recording contains speech.
func (s *Segmenter) HasSpoken() bool {
	return s.vad.HasSpoken()
}

// SampleRate returns the segmenter's input rate.
func (s *Segmenter) SampleRate() int {
	return s.sampleRate
}
