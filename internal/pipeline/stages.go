package pipeline

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-turns/internal/audio"
	"github.com/lexiqai/voice-turns/internal/calls"
	"github.com/lexiqai/voice-turns/internal/observability"
	"github.com/lexiqai/voice-turns/internal/reply"
	"github.com/lexiqai/voice-turns/internal/stt"
	"github.com/lexiqai/voice-turns/internal/tts"
	"github.com/lexiqai/voice-turns/internal/voiceerr"
)

// Recorder receives turn progress. *calls.Registry implements it.
type Recorder interface {
	RecordPartial(callID string, update func(*calls.PartialTurn) error) error
	AppendTurn(callID string, turn calls.Turn) error
	DiscardPartial(callID string) error
	Finalize(callID string) (*calls.CallSession, error)
	Publish(ev calls.Event)
}

// Stages runs the collaborator calls of one turn and reports progress.
// It is shared by the local pipeline and the telephony bridge.
type Stages struct {
	Transcriber stt.Transcriber
	Generator   reply.Generator
	Synthesizer tts.Synthesizer
	// Recorder is optional.
	Recorder  Recorder
	Language  string
	Verbosity string
	Logger    zerolog.Logger
}

// TurnResult is the outcome of a fully processed utterance.
type TurnResult struct {
	Turn            calls.Turn
	Audio           *tts.Audio
	EndConversation bool
}

func ms(d time.Duration) float64 {
	if d < 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}

// Transcribe converts the segment to text. An empty transcript is reported as
// an EmptyUtterance error.
func (s *Stages) Transcribe(ctx context.Context, callID string, seg audio.Segment) (string, time.Duration, error) {
	start := time.Now()
	transcript, err := s.Transcriber.Transcribe(ctx, stt.Request{
		Audio:      audio.SamplesToPCMBytes(seg.Samples),
		SampleRate: seg.SampleRate,
		Language:   s.Language,
	})
	latency := time.Since(start)
	observability.RecordStage(observability.StageTranscribe, latency, err == nil)
	if err != nil {
		return "", latency, stageError("pipeline.transcribe", err)
	}

	text := ""
	if transcript != nil {
		text = strings.TrimSpace(transcript.Text)
	}
	if text == "" {
		return "", latency, voiceerr.E(voiceerr.EmptyUtterance, "pipeline.transcribe", nil)
	}
	if err := s.record(ctx, callID, func(p *calls.PartialTurn) {
		*p = calls.PartialTurn{UserText: text, STTMs: ms(latency)}
	}); err != nil {
		return "", latency, err
	}
	s.publish(callID, calls.StageSTTDone, map[string]any{"user_text": text, "stt_ms": ms(latency)})
	return text, latency, nil
}

// Reply asks the generator for the assistant turn given the prior turns.
func (s *Stages) Reply(ctx context.Context, callID string, history []calls.Turn, userText string) (*reply.Reply, time.Duration, error) {
	start := time.Now()
	out, err := s.Generator.Generate(ctx, reply.Request{
		History:   BuildHistory(history, userText),
		Language:  s.Language,
		Verbosity: s.Verbosity,
	})
	latency := time.Since(start)
	observability.RecordStage(observability.StageReply, latency, err == nil)
	if err != nil {
		return nil, latency, stageError("pipeline.reply", err)
	}
	if err := s.record(ctx, callID, func(p *calls.PartialTurn) {
		p.AssistantText = out.Text
		p.LLMMs = ms(latency)
	}); err != nil {
		return nil, latency, err
	}
	s.publish(callID, calls.StageLLMDone, map[string]any{
		"assistant_text":   out.Text,
		"llm_ms":           ms(latency),
		"end_conversation": out.EndConversation,
	})
	return out, latency, nil
}

// Synthesize strips markup from text and synthesizes it.
func (s *Stages) Synthesize(ctx context.Context, callID, text string) (*tts.Audio, time.Duration, error) {
	s.publish(callID, calls.StageTTSStart, nil)

	start := time.Now()
	speech, err := s.Synthesizer.Synthesize(ctx, tts.Request{
		Text:         tts.StripMarkup(text),
		LanguageCode: tts.LanguageCode(s.Language),
	})
	latency := time.Since(start)
	observability.RecordStage(observability.StageSynthesize, latency, err == nil)
	if err != nil {
		return nil, latency, stageError("pipeline.synthesize", err)
	}
	if err := s.record(ctx, callID, func(p *calls.PartialTurn) {
		p.TTSMs = ms(latency)
	}); err != nil {
		return nil, latency, err
	}
	s.publish(callID, calls.StageTTSDone, map[string]any{"tts_ms": ms(latency)})
	return speech, latency, nil
}

// Run executes transcribe, reply and synthesize in order. The returned turn
// has not been committed; call Complete once it should become history.
func (s *Stages) Run(ctx context.Context, callID string, seg audio.Segment, history []calls.Turn) (*TurnResult, error) {
	userText, sttLatency, err := s.Transcribe(ctx, callID, seg)
	if err != nil {
		return nil, err
	}
	out, llmLatency, err := s.Reply(ctx, callID, history, userText)
	if err != nil {
		return nil, err
	}
	speech, ttsLatency, err := s.Synthesize(ctx, callID, out.Text)
	if err != nil {
		return nil, err
	}

	partial := calls.PartialTurn{
		UserText:      userText,
		AssistantText: out.Text,
		STTMs:         ms(sttLatency),
		LLMMs:         ms(llmLatency),
		TTSMs:         ms(ttsLatency),
	}
	return &TurnResult{
		Turn:            partial.Turn(),
		Audio:           speech,
		EndConversation: out.EndConversation,
	}, nil
}

// Complete commits the turn and announces it.
func (s *Stages) Complete(callID string, turn calls.Turn) {
	if s.Recorder != nil {
		if err := s.Recorder.AppendTurn(callID, turn); err != nil {
			s.Logger.Warn().Err(err).Str("call_id", callID).Msg("Failed to append turn")
		}
	}
	observability.RecordTurn("completed")
	s.publish(callID, calls.StageTurnDone, map[string]any{
		"user_text":      turn.UserText,
		"assistant_text": turn.AssistantText,
		"stt_ms":         turn.STTMs,
		"llm_ms":         turn.LLMMs,
		"tts_ms":         turn.TTSMs,
	})
}

// Abort drops the partial turn. Empty utterances are discarded quietly; any
// other error is counted and announced as turn_aborted.
func (s *Stages) Abort(callID string, err error) {
	if s.Recorder != nil {
		if derr := s.Recorder.DiscardPartial(callID); derr != nil {
			s.Logger.Debug().Err(derr).Str("call_id", callID).Msg("No partial turn to discard")
		}
	}

	kind := voiceerr.KindOf(err)
	if kind == voiceerr.EmptyUtterance {
		observability.RecordTurn("empty")
		s.Logger.Debug().Str("call_id", callID).Msg("Empty utterance discarded")
		return
	}

	observability.RecordTurn("aborted")
	observability.RecordError(kind.String(), "pipeline")
	payload := map[string]any{"kind": kind.String()}
	if err != nil {
		payload["error"] = err.Error()
	}
	s.publish(callID, calls.StageTurnAborted, payload)
}

// Discard drops the partial turn after a stop or hang-up.
func (s *Stages) Discard(callID, reason string) {
	if s.Recorder == nil {
		return
	}
	if err := s.Recorder.DiscardPartial(callID); err != nil {
		s.Logger.Debug().Err(err).Str("call_id", callID).Msg("No partial turn to discard")
		return
	}
	observability.RecordTurn("aborted")
	s.publish(callID, calls.StageTurnAborted, map[string]any{"reason": reason})
}

// Finalize closes the call in the recorder.
func (s *Stages) Finalize(callID string) {
	if s.Recorder == nil {
		return
	}
	if _, err := s.Recorder.Finalize(callID); err != nil {
		s.Logger.Debug().Err(err).Str("call_id", callID).Msg("Call already finalized")
	}
}

// record applies update to the partial turn unless ctx is done. The check runs
// inside the recorder's update so it cannot interleave with a Discard, which
// always follows cancellation. Only ctx's error is returned.
func (s *Stages) record(ctx context.Context, callID string, update func(*calls.PartialTurn)) error {
	if s.Recorder == nil {
		return ctx.Err()
	}
	err := s.Recorder.RecordPartial(callID, func(p *calls.PartialTurn) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		update(p)
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.Logger.Debug().Err(err).Str("call_id", callID).Msg("Partial turn not recorded")
	}
	return nil
}

func (s *Stages) publish(callID, stage string, payload map[string]any) {
	if s.Recorder == nil {
		return
	}
	s.Recorder.Publish(calls.Event{CallID: callID, Stage: stage, Payload: payload})
}

// stageError keeps cancellation unwrapped and marks everything else as a
// collaborator failure.
func stageError(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if voiceerr.KindOf(err) != voiceerr.Unknown {
		return err
	}
	return voiceerr.E(voiceerr.CollaboratorFailure, op, err)
}

// BuildHistory flattens prior turns and the new user text into reply messages.
func BuildHistory(turns []calls.Turn, userText string) []reply.Message {
	history := make([]reply.Message, 0, 2*len(turns)+1)
	for _, t := range turns {
		history = append(history,
			reply.Message{Role: reply.RoleUser, Content: t.UserText},
			reply.Message{Role: reply.RoleAssistant, Content: t.AssistantText},
		)
	}
	return append(history, reply.Message{Role: reply.RoleUser, Content: userText})
}
