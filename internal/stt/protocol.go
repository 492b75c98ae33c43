package stt

// Control message types of the streaming transcription protocol. Audio travels
// as binary frames of mono 16-bit little-endian PCM between config and end.
const (
	MessageConfig = "config" // client -> server, first frame
	MessageEnd    = "end"    // client -> server, no more audio
	MessageFinal  = "final"  // server -> client, zero or more
	MessageDone   = "done"   // server -> client, terminal
	MessageError  = "error"  // server -> client, terminal
)

// ControlMessage is the JSON text frame used in both directions.
type ControlMessage struct {
	Type       string `json:"type"`
	Language   string `json:"language,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Text       string `json:"text,omitempty"`
	Message    string `json:"message,omitempty"`
}

// DefaultStreamSampleRate is assumed when a config frame omits sample_rate.
const DefaultStreamSampleRate = 16000
