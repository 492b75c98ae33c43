package audio

import "time"

// Encoding tags the wire format a frame arrived in.
type Encoding int

const (
	EncodingPCM16 Encoding = iota // 16-bit signed little-endian linear PCM
	EncodingMulaw                 // G.711 μ-law, 8 kHz
)

func (e Encoding) String() string {
	switch e {
	case EncodingPCM16:
		return "pcm16"
	case EncodingMulaw:
		return "mulaw"
	default:
		return "unknown"
	}
}

// Frame is the unit of transport between capture and VAD. Samples are always
// linear; Encoding records what the source delivered.
type Frame struct {
	Samples    []int16
	SampleRate int
	Encoding   Encoding
}

// Duration returns the playback length of the frame.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.SampleRate)
}

// Energy returns the frame's normalized RMS in [0,1].
func (f Frame) Energy() float64 {
	return NormalizedRMS(f.Samples)
}

// FrameSamples returns how many samples make up a frame of the given length.
func FrameSamples(sampleRate int, d time.Duration) int {
	return int(int64(sampleRate) * int64(d) / int64(time.Second))
}
