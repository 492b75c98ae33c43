// Package device provides local microphone capture and speaker playback.
package device

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gen2brain/malgo"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-turns/internal/audio"
	"github.com/lexiqai/voice-turns/internal/voiceerr"
)

// CaptureConfig configures the microphone.
type CaptureConfig struct {
	SampleRate    int
	FrameDuration time.Duration
	// BufferSize is the ring buffer capacity in bytes between the device
	// callback and the framer.
	BufferSize int
	Logger     zerolog.Logger
}

// DefaultCaptureConfig returns 16 kHz mono in 20 ms frames.
func DefaultCaptureConfig() CaptureConfig {
	return CaptureConfig{
		SampleRate:    16000,
		FrameDuration: 20 * time.Millisecond,
		BufferSize:    8192,
		Logger:        zerolog.Nop(),
	}
}

// MicCapture reads 16-bit mono PCM from the default input device and emits
// fixed-size frames. While paused, device data is discarded.
type MicCapture struct {
	cfg        CaptureConfig
	frameBytes int

	malgoCtx *malgo.AllocatedContext
	device   *malgo.Device

	ring   *audio.RingBuffer
	frames chan audio.Frame
	notify chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup

	paused    atomic.Bool
	framing   atomic.Bool
	dropped   atomic.Int64
	startOnce sync.Once
	closeOnce sync.Once
}

// NewMicCapture creates a capture. The device is opened by Start.
func NewMicCapture(cfg CaptureConfig) *MicCapture {
	def := DefaultCaptureConfig()
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = def.SampleRate
	}
	if cfg.FrameDuration <= 0 {
		cfg.FrameDuration = def.FrameDuration
	}
	frameBytes := audio.FrameSamples(cfg.SampleRate, cfg.FrameDuration) * 2
	if cfg.BufferSize < 2*frameBytes {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.BufferSize < 2*frameBytes {
		cfg.BufferSize = 4 * frameBytes
	}

	return &MicCapture{
		cfg:        cfg,
		frameBytes: frameBytes,
		ring:       audio.NewRingBuffer(cfg.BufferSize),
		frames:     make(chan audio.Frame, 64),
		notify:     make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

// Start opens the default capture device and begins framing.
func (c *MicCapture) Start() error {
	var err error
	c.startOnce.Do(func() {
		err = c.open()
		if err == nil {
			c.startFramer()
		}
	})
	return err
}

func (c *MicCapture) open() error {
	ctxConfig := malgo.ContextConfig{}
	ctxConfig.ThreadPriority = malgo.ThreadPriorityRealtime

	malgoCtx, err := malgo.InitContext(nil, ctxConfig, nil)
	if err != nil {
		return voiceerr.E(voiceerr.CaptureUnavailable, "device.capture", fmt.Errorf("failed to init audio context: %w", err))
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = 1
	deviceConfig.SampleRate = uint32(c.cfg.SampleRate)
	deviceConfig.PeriodSizeInMilliseconds = uint32(c.cfg.FrameDuration / time.Millisecond)

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			c.onData(input)
		},
	}

	device, err := malgo.InitDevice(malgoCtx.Context, deviceConfig, callbacks)
	if err != nil {
		_ = malgoCtx.Uninit()
		malgoCtx.Free()
		return voiceerr.E(voiceerr.CaptureUnavailable, "device.capture", fmt.Errorf("failed to init microphone: %w", err))
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		_ = malgoCtx.Uninit()
		malgoCtx.Free()
		return voiceerr.E(voiceerr.CaptureUnavailable, "device.capture", fmt.Errorf("failed to start microphone: %w", err))
	}

	c.malgoCtx = malgoCtx
	c.device = device
	c.cfg.Logger.Info().
		Int("sample_rate", c.cfg.SampleRate).
		Dur("frame", c.cfg.FrameDuration).
		Msg("Microphone capture started")
	return nil
}

// onData runs on the device thread and must not block.
func (c *MicCapture) onData(input []byte) {
	if c.paused.Load() {
		return
	}
	if n := c.ring.Write(input); n < len(input) {
		c.dropped.Add(int64(len(input) - n))
	}
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *MicCapture) startFramer() {
	c.framing.Store(true)
	c.wg.Add(1)
	go c.frame()
}

func (c *MicCapture) frame() {
	defer c.wg.Done()
	defer close(c.frames)

	buf := make([]byte, c.frameBytes)
	for {
		select {
		case <-c.done:
			return
		case <-c.notify:
		}

		for c.ring.ReadFull(buf) {
			if c.paused.Load() {
				continue
			}
			samples, err := audio.PCMBytesToSamples(buf)
			if err != nil {
				continue
			}
			frame := audio.Frame{Samples: samples, SampleRate: c.cfg.SampleRate, Encoding: audio.EncodingPCM16}
			select {
			case c.frames <- frame:
			case <-c.done:
				return
			default:
				c.dropped.Add(int64(len(buf)))
			}
		}
	}
}

// Frames returns the frame channel. It is closed by Close.
func (c *MicCapture) Frames() <-chan audio.Frame {
	return c.frames
}

// Pause discards captured audio until Resume.
func (c *MicCapture) Pause() {
	c.paused.Store(true)
	c.ring.Clear()
}

// Resume starts delivering frames again, dropping anything captured while paused.
func (c *MicCapture) Resume() {
	c.ring.Clear()
	c.paused.Store(false)
}

// Dropped returns the number of bytes lost to a full buffer or a slow reader.
func (c *MicCapture) Dropped() int64 {
	return c.dropped.Load()
}

// Close stops the device and closes the frame channel.
func (c *MicCapture) Close() error {
	c.closeOnce.Do(func() {
		if c.device != nil {
			_ = c.device.Stop()
			c.device.Uninit()
		}
		if c.malgoCtx != nil {
			_ = c.malgoCtx.Uninit()
			c.malgoCtx.Free()
		}
		close(c.done)
		c.wg.Wait()
		if !c.framing.Load() {
			close(c.frames)
		}

		if n := c.dropped.Load(); n > 0 {
			c.cfg.Logger.Warn().Int64("dropped_bytes", n).Msg("Microphone audio dropped")
		}
	})
	return nil
}
