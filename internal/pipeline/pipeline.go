package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-turns/internal/audio"
	"github.com/lexiqai/voice-turns/internal/calls"
	"github.com/lexiqai/voice-turns/internal/reply"
	"github.com/lexiqai/voice-turns/internal/tts"
	"github.com/lexiqai/voice-turns/internal/voiceerr"
)

// Capture is a source of audio frames. Pause and Resume must be idempotent.
type Capture interface {
	Start() error
	Frames() <-chan audio.Frame
	Pause()
	Resume()
	Close() error
}

// Player plays synthesized speech and returns early when ctx is cancelled.
type Player interface {
	Play(ctx context.Context, speech *tts.Audio) error
}

// Config holds the tunables of one pipeline.
type Config struct {
	VAD              audio.VADConfig
	SampleRate       int
	Continuous       bool
	BargeIn          bool
	BargeInThreshold float64
	BargeInSustain   time.Duration
	Language         string
	Verbosity        string
}

// DefaultConfig returns continuous listening at 16 kHz with barge-in off.
func DefaultConfig() Config {
	return Config{
		VAD:              audio.DefaultVADConfig(),
		SampleRate:       16000,
		Continuous:       true,
		BargeInThreshold: 0.05,
		BargeInSustain:   200 * time.Millisecond,
		Language:         "en",
		Verbosity:        "normal",
	}
}

// Observer is called from the run loop on every state change and must not block.
type Observer func(from, to State, ev Event)

type control struct {
	event Event
	ack   chan struct{}
}

type result struct {
	gen   uint64
	event Event
	text  string
	reply *reply.Reply
	audio *tts.Audio
	turn  calls.Turn
	err   error
	// last marks the final message of a turn goroutine.
	last bool
}

// Pipeline turns captured audio into conversational turns for one session.
// All state is owned by the run loop; the exported methods talk to it over channels.
type Pipeline struct {
	cfg     Config
	callID  string
	capture Capture
	player  Player
	stages  *Stages
	logger  zerolog.Logger

	observer Observer

	control chan control
	results chan result
	errs    chan error
	done    chan struct{}

	mu      sync.RWMutex
	state   State
	turns   []calls.Turn
	started bool

	// run loop only
	ctx        context.Context
	cancel     context.CancelFunc
	segmenter  *audio.Segmenter
	clock      time.Time
	gen        uint64
	turnActive bool
	turnCancel context.CancelFunc
	playCancel context.CancelFunc
	pending    *audio.Segment
	ending     bool
	bargeStart time.Time
}

// New builds a pipeline for callID. stages is copied; the language and
// verbosity from cfg take precedence over the ones it carries.
func New(cfg Config, callID string, capture Capture, player Player, stages *Stages, logger zerolog.Logger) (*Pipeline, error) {
	if capture == nil || player == nil || stages == nil {
		return nil, errors.New("pipeline needs a capture source, a player and stages")
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	segmenter, err := audio.NewSegmenter(cfg.VAD, cfg.SampleRate)
	if err != nil {
		return nil, err
	}

	st := *stages
	if cfg.Language != "" {
		st.Language = cfg.Language
	}
	if cfg.Verbosity != "" {
		st.Verbosity = cfg.Verbosity
	}
	st.Logger = logger

	return &Pipeline{
		cfg:       cfg,
		callID:    callID,
		capture:   capture,
		player:    player,
		stages:    &st,
		logger:    logger,
		control:   make(chan control, 4),
		results:   make(chan result, 8),
		errs:      make(chan error, 8),
		done:      make(chan struct{}),
		state:     StateIdle,
		segmenter: segmenter,
	}, nil
}

// OnStateChange registers the observer. Call before Start.
func (p *Pipeline) OnStateChange(o Observer) {
	p.observer = o
}

// Start opens the capture source and begins listening.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return errors.New("pipeline already started")
	}
	p.started = true
	p.mu.Unlock()

	if err := p.capture.Start(); err != nil {
		close(p.done)
		return voiceerr.E(voiceerr.CaptureUnavailable, "pipeline.start", err)
	}

	p.ctx, p.cancel = context.WithCancel(ctx)
	p.clock = time.Now()
	p.apply(EventListen)

	go p.run()
	return nil
}

// Stop halts playback and capture, discards the in-flight turn and returns to Idle.
func (p *Pipeline) Stop() {
	p.send(EventStop)
}

// Listen resumes listening from Idle.
func (p *Pipeline) Listen() {
	p.send(EventListen)
}

// Terminate ends the session, releases the capture source and finalizes the call.
func (p *Pipeline) Terminate() {
	p.mu.RLock()
	started := p.started
	p.mu.RUnlock()
	if !started {
		return
	}
	p.send(EventTerminate)
	<-p.done
}

func (p *Pipeline) send(ev Event) {
	p.mu.RLock()
	started := p.started
	p.mu.RUnlock()
	if !started {
		return
	}

	c := control{event: ev, ack: make(chan struct{})}
	select {
	case p.control <- c:
	case <-p.done:
		return
	}
	select {
	case <-c.ack:
	case <-p.done:
	}
}

// State returns the current state.
func (p *Pipeline) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// Turns returns the completed turns in order.
func (p *Pipeline) Turns() []calls.Turn {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]calls.Turn, len(p.turns))
	copy(out, p.turns)
	return out
}

// Errors delivers one error per aborted turn.
func (p *Pipeline) Errors() <-chan error {
	return p.errs
}

// Done is closed once the pipeline has terminated.
func (p *Pipeline) Done() <-chan struct{} {
	return p.done
}

func (p *Pipeline) run() {
	defer close(p.done)
	frames := p.capture.Frames()

	for {
		// Control requests win over anything else that is ready.
		select {
		case c := <-p.control:
			if p.handleControl(c) {
				return
			}
			continue
		default:
		}

		select {
		case c := <-p.control:
			if p.handleControl(c) {
				return
			}
		case <-p.ctx.Done():
			p.terminate(EventTerminate, "context done")
			return
		case frame, ok := <-frames:
			if !ok {
				p.logger.Warn().Msg("Capture stream closed")
				p.terminate(EventTerminate, "capture closed")
				return
			}
			p.onFrame(frame)
		case r := <-p.results:
			if p.onResult(r) {
				return
			}
		}
	}
}

func (p *Pipeline) handleControl(c control) bool {
	defer close(c.ack)

	switch c.event {
	case EventStop:
		if p.state == StateIdle {
			return false
		}
		p.halt("stopped")
		p.apply(EventStop)
	case EventTerminate:
		p.terminate(EventTerminate, "terminated")
		return true
	case EventListen:
		p.apply(EventListen)
	}
	return false
}

// halt cancels whatever the current turn is doing. Results still in flight
// carry an older generation and are dropped when they arrive.
func (p *Pipeline) halt(reason string) {
	p.gen++
	if p.turnCancel != nil {
		p.turnCancel()
		p.turnCancel = nil
	}
	if p.playCancel != nil {
		p.playCancel()
		p.playCancel = nil
	}
	if p.state >= StateTranscribing && p.state <= StateSynthesizing {
		p.stages.Discard(p.callID, reason)
	}
	p.pending = nil
	p.ending = false
	p.bargeStart = time.Time{}
	p.segmenter.Reset()
}

func (p *Pipeline) terminate(ev Event, reason string) {
	if p.state == StateTerminated {
		return
	}
	p.halt(reason)
	p.apply(ev)

	if err := p.capture.Close(); err != nil {
		p.logger.Warn().Err(err).Msg("Failed to close capture")
	}
	p.stages.Finalize(p.callID)
	p.cancel()
	p.logger.Info().Str("reason", reason).Int("turns", len(p.Turns())).Msg("Voice session terminated")
}

func (p *Pipeline) onFrame(frame audio.Frame) {
	start := p.clock
	p.clock = p.clock.Add(frame.Duration())

	switch p.state {
	case StateListening:
		if seg, ended := p.segmenter.Push(frame, start); ended {
			p.dispatch(seg)
		}
	case StatePlaying:
		if p.cfg.BargeIn {
			p.watchBargeIn(frame, start)
		}
	}
}

func (p *Pipeline) dispatch(seg audio.Segment) {
	if p.turnActive {
		// A cancelled turn has not unwound yet; keep only the newest segment.
		p.pending = &seg
		return
	}
	if !p.apply(EventUtteranceEnd) {
		return
	}

	p.gen++
	ctx, cancel := context.WithCancel(p.ctx)
	p.turnCancel = cancel
	p.turnActive = true

	p.mu.RLock()
	history := make([]calls.Turn, len(p.turns))
	copy(history, p.turns)
	p.mu.RUnlock()

	p.logger.Debug().
		Dur("duration", seg.Duration()).
		Str("reason", seg.Reason.String()).
		Msg("Utterance captured")
	go p.runTurn(ctx, p.gen, seg, history)
}

func (p *Pipeline) runTurn(ctx context.Context, gen uint64, seg audio.Segment, history []calls.Turn) {
	defer p.post(result{gen: gen, last: true})

	fail := func(err error) {
		ev := EventStageFailed
		if voiceerr.KindOf(err) == voiceerr.EmptyUtterance {
			ev = EventEmptyTranscript
		}
		p.post(result{gen: gen, event: ev, err: err})
	}

	userText, sttLatency, err := p.stages.Transcribe(ctx, p.callID, seg)
	if err != nil {
		fail(err)
		return
	}
	p.post(result{gen: gen, event: EventTranscribed, text: userText})

	out, llmLatency, err := p.stages.Reply(ctx, p.callID, history, userText)
	if err != nil {
		fail(err)
		return
	}
	p.post(result{gen: gen, event: EventReplied, reply: out})

	speech, ttsLatency, err := p.stages.Synthesize(ctx, p.callID, out.Text)
	if err != nil {
		fail(err)
		return
	}
	p.post(result{
		gen:   gen,
		event: EventSynthesized,
		reply: out,
		audio: speech,
		turn: calls.Turn{
			UserText:      userText,
			AssistantText: out.Text,
			STTMs:         ms(sttLatency),
			LLMMs:         ms(llmLatency),
			TTSMs:         ms(ttsLatency),
		},
	})
}

func (p *Pipeline) post(r result) {
	select {
	case p.results <- r:
	case <-p.done:
	}
}

// onResult applies a stage result and reports whether the loop should exit.
func (p *Pipeline) onResult(r result) bool {
	if r.last {
		p.turnActive = false
		if r.gen == p.gen && p.turnCancel != nil {
			p.turnCancel()
			p.turnCancel = nil
		}
		if p.pending != nil && p.state == StateListening {
			seg := *p.pending
			p.pending = nil
			p.dispatch(seg)
		}
		return false
	}

	if r.gen != p.gen {
		p.logger.Debug().Str("event", r.event.String()).Msg("Discarding late stage result")
		return false
	}

	switch r.event {
	case EventTranscribed, EventReplied:
		p.apply(r.event)

	case EventEmptyTranscript:
		p.stages.Abort(p.callID, r.err)
		p.apply(EventEmptyTranscript)

	case EventStageFailed:
		p.stages.Abort(p.callID, r.err)
		p.surface(r.err)
		p.apply(EventStageFailed)

	case EventSynthesized:
		p.stages.Complete(p.callID, r.turn)
		p.mu.Lock()
		p.turns = append(p.turns, r.turn)
		p.mu.Unlock()

		p.ending = r.reply.EndConversation
		p.apply(EventSynthesized)
		p.startPlayback(r.audio)

	case EventPlaybackDone:
		p.playCancel = nil
		if r.err != nil {
			p.surface(voiceerr.E(voiceerr.CollaboratorFailure, "pipeline.play", r.err))
			p.apply(EventStageFailed)
			return false
		}
		if p.ending {
			p.terminate(EventConversationEnded, "conversation ended")
			return true
		}
		p.apply(EventPlaybackDone)
	}
	return false
}

func (p *Pipeline) startPlayback(speech *tts.Audio) {
	ctx, cancel := context.WithCancel(p.ctx)
	p.playCancel = cancel
	p.bargeStart = time.Time{}
	gen := p.gen

	go func() {
		defer cancel()
		err := p.player.Play(ctx, speech)
		if ctx.Err() != nil {
			err = nil
		}
		p.post(result{gen: gen, event: EventPlaybackDone, err: err})
	}()
}

func (p *Pipeline) watchBargeIn(frame audio.Frame, start time.Time) {
	if frame.Energy() <= p.cfg.BargeInThreshold {
		p.bargeStart = time.Time{}
		return
	}
	if p.bargeStart.IsZero() {
		p.bargeStart = start
	}
	if p.clock.Sub(p.bargeStart) < p.cfg.BargeInSustain {
		return
	}

	p.logger.Info().Msg("Barge-in detected, cancelling playback")
	p.gen++
	if p.playCancel != nil {
		p.playCancel()
		p.playCancel = nil
	}
	p.ending = false
	p.bargeStart = time.Time{}
	p.apply(EventBargeIn)
	p.segmenter.Push(frame, start)
}

func (p *Pipeline) surface(err error) {
	p.logger.Error().Err(err).Str("kind", voiceerr.KindOf(err).String()).Msg("Turn aborted")
	select {
	case p.errs <- err:
	default:
		p.logger.Warn().Err(err).Msg("Error channel full, dropping error")
	}
}

// apply runs the transition function and updates capture to match the new state.
func (p *Pipeline) apply(ev Event) bool {
	p.mu.RLock()
	prev := p.state
	p.mu.RUnlock()

	next, err := Transition(prev, ev, p.cfg.Continuous)
	if err != nil {
		p.logger.Debug().Err(err).Msg("Ignoring event")
		return false
	}

	p.mu.Lock()
	p.state = next
	p.mu.Unlock()

	if next == prev {
		return true
	}

	switch {
	case next == StateListening:
		p.segmenter.Reset()
		p.capture.Resume()
	case next == StatePlaying && p.cfg.BargeIn:
		p.capture.Resume()
	case next != StateTerminated:
		p.capture.Pause()
	}

	p.logger.Debug().Str("from", prev.String()).Str("to", next.String()).Str("event", ev.String()).Msg("State change")
	if p.observer != nil {
		p.observer(prev, next, ev)
	}
	return true
}

// String describes the pipeline for logs.
func (p *Pipeline) String() string {
	return fmt.Sprintf("pipeline(%s, %s)", p.callID, p.State())
}
