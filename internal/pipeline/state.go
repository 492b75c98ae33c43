// Package pipeline runs the per-session voice turn state machine:
// listen, transcribe, reply, synthesize, play.
package pipeline

import (
	"errors"
	"fmt"
)

// State is a pipeline state.
type State int

const (
	StateIdle State = iota
	StateListening
	StateTranscribing
	StateReplying
	StateSynthesizing
	StatePlaying
	StateTerminated
)

var stateNames = [...]string{
	StateIdle:         "idle",
	StateListening:    "listening",
	StateTranscribing: "transcribing",
	StateReplying:     "replying",
	StateSynthesizing: "synthesizing",
	StatePlaying:      "playing",
	StateTerminated:   "terminated",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Busy reports whether a turn is being processed or played.
func (s State) Busy() bool {
	return s >= StateTranscribing && s <= StatePlaying
}

// Event drives a transition.
type Event int

const (
	EventListen Event = iota
	EventUtteranceEnd
	EventTranscribed
	EventEmptyTranscript
	EventReplied
	EventSynthesized
	EventPlaybackDone
	EventConversationEnded
	EventBargeIn
	EventStageFailed
	EventStop
	EventTerminate
)

var eventNames = [...]string{
	EventListen:            "listen",
	EventUtteranceEnd:      "utterance_end",
	EventTranscribed:       "transcribed",
	EventEmptyTranscript:   "empty_transcript",
	EventReplied:           "replied",
	EventSynthesized:       "synthesized",
	EventPlaybackDone:      "playback_done",
	EventConversationEnded: "conversation_ended",
	EventBargeIn:           "barge_in",
	EventStageFailed:       "stage_failed",
	EventStop:              "stop",
	EventTerminate:         "terminate",
}

func (e Event) String() string {
	if e >= 0 && int(e) < len(eventNames) {
		return eventNames[e]
	}
	return fmt.Sprintf("event(%d)", int(e))
}

// ErrInvalidTransition is returned for an event the current state does not accept.
var ErrInvalidTransition = errors.New("invalid transition")

// Transition is the pipeline's transition function. continuous selects where
// a finished or failed turn goes: Listening when set, Idle otherwise.
func Transition(s State, e Event, continuous bool) (State, error) {
	if s == StateTerminated {
		return s, fmt.Errorf("%s on %s: %w", e, s, ErrInvalidTransition)
	}

	rest := StateIdle
	if continuous {
		rest = StateListening
	}

	switch e {
	case EventStop:
		return StateIdle, nil
	case EventTerminate:
		return StateTerminated, nil
	case EventStageFailed:
		if s.Busy() {
			return rest, nil
		}
	case EventListen:
		if s == StateIdle || s == StateListening {
			return StateListening, nil
		}
	case EventUtteranceEnd:
		if s == StateListening {
			return StateTranscribing, nil
		}
	case EventEmptyTranscript:
		if s == StateTranscribing {
			return StateListening, nil
		}
	case EventTranscribed:
		if s == StateTranscribing {
			return StateReplying, nil
		}
	case EventReplied:
		if s == StateReplying {
			return StateSynthesizing, nil
		}
	case EventSynthesized:
		if s == StateSynthesizing {
			return StatePlaying, nil
		}
	case EventBargeIn:
		if s == StatePlaying {
			return StateListening, nil
		}
	case EventPlaybackDone:
		if s == StatePlaying {
			return rest, nil
		}
	case EventConversationEnded:
		if s == StatePlaying {
			return StateTerminated, nil
		}
	}

	return s, fmt.Errorf("%s on %s: %w", e, s, ErrInvalidTransition)
}
