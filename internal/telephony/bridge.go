package telephony

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-turns/internal/audio"
	"github.com/lexiqai/voice-turns/internal/calls"
	"github.com/lexiqai/voice-turns/internal/observability"
	"github.com/lexiqai/voice-turns/internal/pipeline"
	"github.com/lexiqai/voice-turns/internal/tts"
	"github.com/lexiqai/voice-turns/internal/voiceerr"
)

// FrameBytes is 20 ms of 8 kHz μ-law.
const FrameBytes = 160

// Sender writes frames back to Twilio. Implementations must be safe for use
// from the turn worker while the read loop is running.
type Sender interface {
	Send(msg Message) error
}

// Bridge runs the turns of one phone call. Audio is fed in by the read loop;
// completed utterances are processed one at a time by a worker goroutine.
type Bridge struct {
	callID    string
	streamSid string
	stages    *pipeline.Stages
	sender    Sender
	metrics   *observability.Metrics
	logger    zerolog.Logger

	// Owned by the read loop.
	segmenter *audio.Segmenter
	clock     time.Time
	chunks    int

	// Utterances that ended while a turn was running, oldest first.
	queueMu sync.Mutex
	queue   []audio.Segment
	wake    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	turns []calls.Turn
	seq   int
	marks int
	ended bool
}

// NewBridge creates the bridge for a started stream. Call Start to run the worker.
func NewBridge(ctx context.Context, callID, streamSid string, vad audio.VADConfig, stages *pipeline.Stages, sender Sender, logger zerolog.Logger) (*Bridge, error) {
	segmenter, err := audio.NewSegmenter(vad, audio.TelephonySampleRate)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	return &Bridge{
		callID:    callID,
		streamSid: streamSid,
		stages:    stages,
		sender:    sender,
		metrics:   observability.NewCallMetrics(callID),
		logger:    logger,
		segmenter: segmenter,
		clock:     time.Now(),
		wake:      make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Start launches the turn worker.
func (b *Bridge) Start() {
	b.metrics.RecordCallStart()
	b.wg.Add(1)
	go b.work()
}

// HandleMedia ingests one media frame. Only the inbound track is used.
func (b *Bridge) HandleMedia(media *MediaPayload) error {
	if media.Payload == "" {
		return nil
	}
	if media.Track != "" && media.Track != TrackInbound {
		return nil
	}

	data, err := media.Decode()
	if err != nil {
		return err
	}
	b.metrics.RecordAudioBytes("in", int64(len(data)))

	b.chunks++
	if b.chunks == 1 || b.chunks%50 == 0 {
		b.logger.Debug().
			Int("chunk", b.chunks).
			Int("bytes", len(data)).
			Msg("Received inbound audio")
	}

	if b.Ended() {
		return nil
	}

	frame := audio.Frame{
		Samples:    audio.DecodeMulaw(data),
		SampleRate: audio.TelephonySampleRate,
		Encoding:   audio.EncodingMulaw,
	}
	start := b.clock
	b.clock = b.clock.Add(frame.Duration())

	if seg, ok := b.segmenter.Push(frame, start); ok {
		b.logger.Debug().
			Dur("duration", seg.Duration()).
			Str("reason", seg.Reason.String()).
			Msg("Utterance ended")
		b.enqueue(seg)
	}
	return nil
}

// enqueue queues seg behind any utterances still waiting for the worker.
func (b *Bridge) enqueue(seg audio.Segment) {
	b.queueMu.Lock()
	b.queue = append(b.queue, seg)
	waiting := len(b.queue)
	b.queueMu.Unlock()

	if waiting > 1 {
		b.logger.Debug().Int("waiting", waiting).Msg("Utterance queued behind running turn")
	}
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *Bridge) dequeue() (audio.Segment, bool) {
	b.queueMu.Lock()
	defer b.queueMu.Unlock()
	if len(b.queue) == 0 {
		return audio.Segment{}, false
	}
	seg := b.queue[0]
	b.queue[0] = audio.Segment{}
	b.queue = b.queue[1:]
	return seg, true
}

func (b *Bridge) work() {
	defer b.wg.Done()
	for {
		seg, ok := b.dequeue()
		if !ok {
			select {
			case <-b.ctx.Done():
				return
			case <-b.wake:
			}
			continue
		}
		if b.ctx.Err() != nil {
			return
		}
		if b.Ended() {
			continue
		}
		b.runTurn(seg)
	}
}

func (b *Bridge) runTurn(seg audio.Segment) {
	res, err := b.stages.Run(b.ctx, b.callID, seg, b.Turns())
	if err != nil {
		if b.ctx.Err() != nil {
			return
		}
		b.stages.Abort(b.callID, err)
		if kind := voiceerr.KindOf(err); kind != voiceerr.EmptyUtterance {
			b.metrics.RecordError(kind.String(), "telephony")
			b.logger.Error().Err(err).Msg("Turn failed")
		}
		return
	}

	b.stages.Complete(b.callID, res.Turn)
	b.mu.Lock()
	b.turns = append(b.turns, res.Turn)
	b.mu.Unlock()

	b.logger.Info().
		Str("user_text", res.Turn.UserText).
		Str("assistant_text", res.Turn.AssistantText).
		Float64("stt_ms", res.Turn.STTMs).
		Float64("llm_ms", res.Turn.LLMMs).
		Float64("tts_ms", res.Turn.TTSMs).
		Msg("Turn completed")

	if err := b.sendAudio(res.Audio); err != nil {
		b.metrics.RecordError(voiceerr.KindOf(err).String(), "telephony")
		b.logger.Warn().Err(err).Msg("Failed to send reply audio")
	}

	if res.EndConversation {
		b.mu.Lock()
		b.ended = true
		b.mu.Unlock()
		b.logger.Info().Msg("Conversation ended by assistant")
	}
}

// sendAudio converts speech to 8 kHz μ-law and sends it as media frames
// followed by a mark.
func (b *Bridge) sendAudio(speech *tts.Audio) error {
	if speech == nil || len(speech.Data) == 0 {
		return nil
	}

	mulaw := speech.Data
	if speech.Encoding != audio.EncodingMulaw || speech.SampleRate != audio.TelephonySampleRate {
		samples, err := speech.Samples()
		if err != nil {
			return fmt.Errorf("failed to decode reply audio: %w", err)
		}
		mulaw = audio.EncodeMulaw(audio.Resample(samples, speech.SampleRate, audio.TelephonySampleRate))
	}

	for _, frame := range audio.SplitFrames(mulaw, FrameBytes, audio.MulawSilence) {
		if b.ctx.Err() != nil {
			return b.ctx.Err()
		}
		if err := b.sender.Send(mediaMessage(b.streamSid, b.nextSeq(), frame)); err != nil {
			return voiceerr.E(voiceerr.TransportClosed, "telephony.send", err)
		}
	}
	b.metrics.RecordAudioBytes("out", int64(len(mulaw)))

	b.mu.Lock()
	b.marks++
	name := fmt.Sprintf("tts-%s-%d", b.callID, b.marks)
	b.mu.Unlock()

	if err := b.sender.Send(markMessage(b.streamSid, b.nextSeq(), name)); err != nil {
		return voiceerr.E(voiceerr.TransportClosed, "telephony.send", err)
	}
	return nil
}

func (b *Bridge) nextSeq() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	return b.seq
}

// Turns returns a copy of the completed turns.
func (b *Bridge) Turns() []calls.Turn {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]calls.Turn, len(b.turns))
	copy(out, b.turns)
	return out
}

// Ended reports whether the assistant has ended the conversation.
func (b *Bridge) Ended() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ended
}

// Close stops the worker, drops any in-flight turn and finalizes the call.
func (b *Bridge) Close() {
	b.cancel()
	b.wg.Wait()
	b.stages.Discard(b.callID, "hangup")
	b.stages.Finalize(b.callID)
	b.metrics.RecordCallEnd()
}
