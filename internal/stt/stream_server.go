package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// maxStreamAudio caps buffered audio per connection (60 s at 16 kHz).
const maxStreamAudio = 60 * DefaultStreamSampleRate * 2

// StreamServer serves the streaming transcription protocol, buffering audio
// until end and then transcribing it with the wrapped Transcriber.
type StreamServer struct {
	transcriber Transcriber
	upgrader    websocket.Upgrader
	timeout     time.Duration
	logger      zerolog.Logger
}

// NewStreamServer creates a server backed by transcriber.
func NewStreamServer(transcriber Transcriber, timeout time.Duration, logger zerolog.Logger) *StreamServer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &StreamServer{
		transcriber: transcriber,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		timeout: timeout,
		logger:  logger,
	}
}

// ServeHTTP upgrades the request and runs one session.
func (s *StreamServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade transcription stream")
		return
	}
	defer conn.Close()

	s.serve(r.Context(), conn)
}

func (s *StreamServer) serve(ctx context.Context, conn *websocket.Conn) {
	var (
		cfg        ControlMessage
		configured bool
		audio      bytes.Buffer
	)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			s.logger.Debug().Err(err).Msg("Transcription client went away before end")
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			if !configured {
				s.fail(conn, "audio before config")
				return
			}
			if audio.Len()+len(data) > maxStreamAudio {
				s.fail(conn, "utterance too long")
				return
			}
			audio.Write(data)

		case websocket.TextMessage:
			var msg ControlMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				s.fail(conn, "malformed control frame")
				return
			}

			switch msg.Type {
			case MessageConfig:
				cfg = msg
				if cfg.SampleRate <= 0 {
					cfg.SampleRate = DefaultStreamSampleRate
				}
				configured = true

			case MessageEnd:
				if !configured {
					s.fail(conn, "end before config")
					return
				}
				s.finish(ctx, conn, cfg, audio.Bytes())
				return

			default:
				s.fail(conn, "unexpected message type "+msg.Type)
				return
			}
		}
	}
}

func (s *StreamServer) finish(ctx context.Context, conn *websocket.Conn, cfg ControlMessage, audio []byte) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	transcript, err := s.transcriber.Transcribe(ctx, Request{
		Audio:      audio,
		SampleRate: cfg.SampleRate,
		Language:   cfg.Language,
	})
	if err != nil {
		s.logger.Error().Err(err).Int("bytes", len(audio)).Msg("Stream transcription failed")
		s.fail(conn, err.Error())
		return
	}

	if transcript != nil && transcript.Text != "" {
		if err := conn.WriteJSON(ControlMessage{Type: MessageFinal, Text: transcript.Text}); err != nil {
			return
		}
	}
	_ = conn.WriteJSON(ControlMessage{Type: MessageDone})

	s.logger.Debug().
		Int("bytes", len(audio)).
		Dur("latency", time.Since(start)).
		Msg("Stream transcription complete")
}

func (s *StreamServer) fail(conn *websocket.Conn, message string) {
	_ = conn.WriteJSON(ControlMessage{Type: MessageError, Message: message})
}
