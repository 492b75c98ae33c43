// Package telephony bridges Twilio media streams to the turn stages.
package telephony

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strconv"

	"github.com/lexiqai/voice-turns/internal/voiceerr"
)

// Twilio media stream event names.
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventStop      = "stop"
	EventMark      = "mark"
	EventDTMF      = "dtmf"
)

// TrackInbound is the caller's audio.
const TrackInbound = "inbound"

// Message is one frame of the Twilio media stream protocol.
type Message struct {
	Event          string        `json:"event"`
	SequenceNumber string        `json:"sequenceNumber,omitempty"`
	StreamSid      string        `json:"streamSid,omitempty"`
	Protocol       string        `json:"protocol,omitempty"`
	Version        string        `json:"version,omitempty"`
	Start          *StartPayload `json:"start,omitempty"`
	Media          *MediaPayload `json:"media,omitempty"`
	Stop           *StopPayload  `json:"stop,omitempty"`
	Mark           *MarkPayload  `json:"mark,omitempty"`
	DTMF           *DTMFPayload  `json:"dtmf,omitempty"`
}

// StartPayload describes the stream when it begins.
type StartPayload struct {
	AccountSid       string            `json:"accountSid,omitempty"`
	CallSid          string            `json:"callSid"`
	StreamSid        string            `json:"streamSid,omitempty"`
	Tracks           []string          `json:"tracks,omitempty"`
	MediaFormat      MediaFormat       `json:"mediaFormat"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

// MediaFormat is the audio format Twilio sends, normally audio/x-mulaw at 8000 Hz mono.
type MediaFormat struct {
	Encoding   string `json:"encoding,omitempty"`
	SampleRate int    `json:"sampleRate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
}

// MediaPayload carries one chunk of base64 μ-law audio.
type MediaPayload struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

// StopPayload is sent when the stream ends.
type StopPayload struct {
	AccountSid string `json:"accountSid,omitempty"`
	CallSid    string `json:"callSid,omitempty"`
}

// MarkPayload names a point in the outbound audio.
type MarkPayload struct {
	Name string `json:"name"`
}

// DTMFPayload carries a keypad digit.
type DTMFPayload struct {
	Track string `json:"track,omitempty"`
	Digit string `json:"digit"`
}

// ParseMessage decodes a frame and checks the fields its event requires.
func ParseMessage(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, voiceerr.E(voiceerr.MalformedControlFrame, "telephony.parse", err)
	}

	switch msg.Event {
	case "":
		return nil, voiceerr.E(voiceerr.MalformedControlFrame, "telephony.parse", errors.New("missing event"))
	case EventStart:
		if msg.Start == nil || msg.Start.CallSid == "" {
			return nil, voiceerr.E(voiceerr.MalformedControlFrame, "telephony.parse", errors.New("start without callSid"))
		}
		if msg.StreamSid == "" {
			msg.StreamSid = msg.Start.StreamSid
		}
	case EventMedia:
		if msg.Media == nil {
			return nil, voiceerr.E(voiceerr.MalformedControlFrame, "telephony.parse", errors.New("media without payload"))
		}
	}
	return &msg, nil
}

// Decode returns the raw μ-law bytes of the chunk.
func (m *MediaPayload) Decode() ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(m.Payload)
	if err != nil {
		return nil, voiceerr.E(voiceerr.MalformedControlFrame, "telephony.media", err)
	}
	return data, nil
}

func mediaMessage(streamSid string, seq int, mulaw []byte) Message {
	return Message{
		Event:          EventMedia,
		SequenceNumber: strconv.Itoa(seq),
		StreamSid:      streamSid,
		Media:          &MediaPayload{Payload: base64.StdEncoding.EncodeToString(mulaw)},
	}
}

func markMessage(streamSid string, seq int, name string) Message {
	return Message{
		Event:          EventMark,
		SequenceNumber: strconv.Itoa(seq),
		StreamSid:      streamSid,
		Mark:           &MarkPayload{Name: name},
	}
}
