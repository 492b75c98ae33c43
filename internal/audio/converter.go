package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

const (
	// TelephonySampleRate is the narrowband rate used by Twilio media streams.
	TelephonySampleRate = 8000

	// MulawSilence is the μ-law code for a zero sample.
	MulawSilence byte = 0xFF

	mulawBias = 0x84
	mulawClip = 32635
)

// MulawEncode converts one 16-bit linear sample to G.711 μ-law.
func MulawEncode(sample int16) byte {
	s := int(sample)
	sign := 0
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > mulawClip {
		s = mulawClip
	}
	s += mulawBias

	// Find the segment: position of the highest set bit above bit 7
	exponent := 7
	for mask := 0x4000; s&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := (s >> (exponent + 3)) & 0x0F

	return ^byte(sign | exponent<<4 | mantissa)
}

// MulawDecode converts one G.711 μ-law byte to a 16-bit linear sample.
func MulawDecode(code byte) int16 {
	u := ^code
	sign := u & 0x80
	exponent := int(u>>4) & 0x07
	mantissa := int(u & 0x0F)

	s := ((mantissa << 3) + mulawBias) << exponent
	s -= mulawBias
	if sign != 0 {
		s = -s
	}
	return int16(s)
}

// EncodeMulaw encodes linear samples to μ-law, one byte per sample.
func EncodeMulaw(samples []int16) []byte {
	out := make([]byte, len(samples))
	for i, s := range samples {
		out[i] = MulawEncode(s)
	}
	return out
}

// DecodeMulaw decodes μ-law bytes to linear samples.
func DecodeMulaw(data []byte) []int16 {
	out := make([]int16, len(data))
	for i, b := range data {
		out[i] = MulawDecode(b)
	}
	return out
}

// PCMBytesToSamples interprets data as 16-bit signed little-endian mono PCM.
func PCMBytesToSamples(data []byte) ([]int16, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("PCM data length must be even (16-bit samples), got %d", len(data))
	}
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return samples, nil
}

// SamplesToPCMBytes serializes samples as 16-bit signed little-endian PCM.
func SamplesToPCMBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// Resample converts samples between two rates by linear interpolation.
// Integer arithmetic keeps the output identical across platforms.
func Resample(samples []int16, inputRate, outputRate int) []int16 {
	if inputRate <= 0 || outputRate <= 0 || inputRate == outputRate || len(samples) == 0 {
		out := make([]int16, len(samples))
		copy(out, samples)
		return out
	}

	in := int64(inputRate)
	out := int64(outputRate)
	n := int64(len(samples)) * out / in
	result := make([]int16, n)

	last := int64(len(samples) - 1)
	for i := int64(0); i < n; i++ {
		pos := i * in
		idx0 := pos / out
		rem := pos % out
		if idx0 > last {
			idx0 = last
		}
		idx1 := idx0 + 1
		if idx1 > last {
			idx1 = last
		}

		s0 := int64(samples[idx0])
		s1 := int64(samples[idx1])
		delta := (s1 - s0) * rem
		// Round half away from zero
		if delta >= 0 {
			delta = (delta + out/2) / out
		} else {
			delta = (delta - out/2) / out
		}
		result[i] = int16(s0 + delta)
	}

	return result
}

// ConvertPCMToMulaw turns 16-bit PCM at inputRate into 8 kHz μ-law.
func ConvertPCMToMulaw(pcmData []byte, inputRate int) ([]byte, error) {
	if len(pcmData) == 0 {
		return nil, fmt.Errorf("empty PCM data")
	}
	samples, err := PCMBytesToSamples(pcmData)
	if err != nil {
		return nil, err
	}
	if inputRate != TelephonySampleRate {
		samples = Resample(samples, inputRate, TelephonySampleRate)
	}
	return EncodeMulaw(samples), nil
}

// ConvertMulawToPCM turns μ-law bytes into 16-bit little-endian PCM at the same rate.
func ConvertMulawToPCM(mulawData []byte) ([]byte, error) {
	if len(mulawData) == 0 {
		return nil, fmt.Errorf("empty PCMU data")
	}
	return SamplesToPCMBytes(DecodeMulaw(mulawData)), nil
}

// RMS returns the root-mean-square amplitude of samples on the int16 scale.
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// NormalizedRMS returns RMS scaled into [0,1].
func NormalizedRMS(samples []int16) float64 {
	r := RMS(samples) / 32768.0
	if r > 1 {
		return 1
	}
	return r
}

// SplitFrames cuts data into frames of exactly size bytes. The final frame
// is padded with pad so every frame has the same length.
func SplitFrames(data []byte, size int, pad byte) [][]byte {
	if size <= 0 || len(data) == 0 {
		return nil
	}
	frames := make([][]byte, 0, (len(data)+size-1)/size)
	for start := 0; start < len(data); start += size {
		frame := make([]byte, size)
		n := copy(frame, data[start:])
		for i := n; i < size; i++ {
			frame[i] = pad
		}
		frames = append(frames, frame)
	}
	return frames
}

// EncodeWAV wraps 16-bit mono PCM samples in a canonical 44-byte RIFF header.
func EncodeWAV(samples []int16, sampleRate int) []byte {
	dataLen := len(samples) * 2
	buf := make([]byte, 44+dataLen)

	copy(buf[0:], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:], uint32(36+dataLen))
	copy(buf[8:], "WAVE")
	copy(buf[12:], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:], 16)                     // fmt chunk size
	binary.LittleEndian.PutUint16(buf[20:], 1)                      // PCM
	binary.LittleEndian.PutUint16(buf[22:], 1)                      // mono
	binary.LittleEndian.PutUint32(buf[24:], uint32(sampleRate))     // sample rate
	binary.LittleEndian.PutUint32(buf[28:], uint32(sampleRate*2))   // byte rate
	binary.LittleEndian.PutUint16(buf[32:], 2)                      // block align
	binary.LittleEndian.PutUint16(buf[34:], 16)                     // bits per sample
	copy(buf[36:], "data")
	binary.LittleEndian.PutUint32(buf[40:], uint32(dataLen))

	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[44+i*2:], uint16(s))
	}
	return buf
}

// DecodeWAV reads a 16-bit PCM RIFF/WAVE file. Multi-channel audio is averaged
// down to mono. Chunks other than fmt and data are skipped.
func DecodeWAV(data []byte) ([]int16, int, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, fmt.Errorf("not a RIFF/WAVE file")
	}

	var (
		channels   int
		sampleRate int
		haveFormat bool
	)
	for off := 12; off+8 <= len(data); {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4:]))
		body := data[off+8:]
		if size > len(body) {
			size = len(body)
		}
		body = body[:size]

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, 0, fmt.Errorf("short fmt chunk: %d bytes", size)
			}
			if format := binary.LittleEndian.Uint16(body[0:]); format != 1 {
				return nil, 0, fmt.Errorf("unsupported WAV format %d, want PCM", format)
			}
			if bits := binary.LittleEndian.Uint16(body[14:]); bits != 16 {
				return nil, 0, fmt.Errorf("unsupported bit depth %d, want 16", bits)
			}
			channels = int(binary.LittleEndian.Uint16(body[2:]))
			sampleRate = int(binary.LittleEndian.Uint32(body[4:]))
			haveFormat = channels > 0 && sampleRate > 0
		case "data":
			if !haveFormat {
				return nil, 0, fmt.Errorf("data chunk before fmt chunk")
			}
			samples, err := PCMBytesToSamples(body[:len(body)-len(body)%(2*channels)])
			if err != nil {
				return nil, 0, err
			}
			if channels == 1 {
				return samples, sampleRate, nil
			}
			mono := make([]int16, len(samples)/channels)
			for i := range mono {
				var sum int
				for c := 0; c < channels; c++ {
					sum += int(samples[i*channels+c])
				}
				mono[i] = int16(sum / channels)
			}
			return mono, sampleRate, nil
		}

		// Chunks are word aligned
		off += 8 + size + size%2
	}
	return nil, 0, fmt.Errorf("no data chunk")
}
