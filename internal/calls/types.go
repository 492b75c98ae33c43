// Package calls tracks per-call conversation state and fans progress events out to live observers.
package calls

import (
	"errors"
	"time"
)

var (
	ErrNotFound         = errors.New("call not found")
	ErrAlreadyExists    = errors.New("call already exists")
	ErrAlreadyFinalized = errors.New("call already finalized")
)

// Stage names carried by progress events.
const (
	StageSTTDone     = "stt_done"
	StageLLMDone     = "llm_done"
	StageTTSStart    = "tts_start"
	StageTTSDone     = "tts_done"
	StageTurnDone    = "turn_done"
	StageTurnAborted = "turn_aborted"
	StageCallEnded   = "call_ended"
)

// Turn is one completed user/assistant exchange. Latencies are in milliseconds.
type Turn struct {
	UserText      string  `json:"user_text"`
	AssistantText string  `json:"assistant_text"`
	STTMs         float64 `json:"stt_ms"`
	LLMMs         float64 `json:"llm_ms"`
	TTSMs         float64 `json:"tts_ms"`
}

// PartialTurn is the in-flight turn; fields fill in as stages complete.
type PartialTurn struct {
	UserText      string  `json:"user_text,omitempty"`
	AssistantText string  `json:"assistant_text,omitempty"`
	STTMs         float64 `json:"stt_ms,omitempty"`
	LLMMs         float64 `json:"llm_ms,omitempty"`
	TTSMs         float64 `json:"tts_ms,omitempty"`
}

// Turn converts the partial into a completed Turn.
func (p PartialTurn) Turn() Turn {
	return Turn{
		UserText:      p.UserText,
		AssistantText: p.AssistantText,
		STTMs:         p.STTMs,
		LLMMs:         p.LLMMs,
		TTSMs:         p.TTSMs,
	}
}

// CallSession is the record of one call.
type CallSession struct {
	CallID    string       `json:"call_id"`
	StreamID  string       `json:"stream_id,omitempty"`
	StartTime time.Time    `json:"start_time"`
	EndTime   *time.Time   `json:"end_time,omitempty"`
	Turns     []Turn       `json:"turns"`
	Partial   *PartialTurn `json:"partial,omitempty"`
}

// Active reports whether the call has not been finalized.
func (s *CallSession) Active() bool {
	return s.EndTime == nil
}

// Summary is the list view of a call.
type Summary struct {
	CallID    string     `json:"call_id"`
	StreamID  string     `json:"stream_id,omitempty"`
	StartTime time.Time  `json:"start_time"`
	EndTime   *time.Time `json:"end_time,omitempty"`
	TurnCount int        `json:"turn_count"`
}

// Event is a live progress notification for one call.
type Event struct {
	CallID  string         `json:"call_id"`
	Stage   string         `json:"stage"`
	Payload map[string]any `json:"payload,omitempty"`
	At      time.Time      `json:"-"`
}
