package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-turns/internal/resilience"
	"github.com/lexiqai/voice-turns/internal/voiceerr"
)

// StreamConfig is sent in the opening config frame.
type StreamConfig struct {
	Language   string
	SampleRate int
	Logger     zerolog.Logger
}

type streamOutcome int

const (
	outcomePending streamOutcome = iota
	outcomeDone
	outcomeError
	outcomeClosed
)

// StreamSession is the client side of one streaming transcription exchange.
// Send may be called from one goroutine while End runs on another.
type StreamSession struct {
	conn   *websocket.Conn
	logger zerolog.Logger

	writeMu sync.Mutex
	ended   bool

	mu        sync.Mutex
	fragments []string
	outcome   streamOutcome
	serverErr string
	readErr   error

	finished  chan struct{}
	closeOnce sync.Once
}

// DialStream connects to url and sends the config frame.
func DialStream(ctx context.Context, url string, cfg StreamConfig) (*StreamSession, error) {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultStreamSampleRate
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial transcription stream: %w", err)
	}

	s := &StreamSession{
		conn:     conn,
		logger:   cfg.Logger,
		finished: make(chan struct{}),
	}

	err = conn.WriteJSON(ControlMessage{
		Type:       MessageConfig,
		Language:   cfg.Language,
		SampleRate: cfg.SampleRate,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to send stream config: %w", err)
	}

	go s.readLoop()
	return s, nil
}

func (s *StreamSession) readLoop() {
	defer close(s.finished)

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			s.finish(outcomeClosed, "", err)
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var msg ControlMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Debug().Err(err).Msg("Ignoring malformed transcription frame")
			continue
		}

		switch msg.Type {
		case MessageFinal:
			s.mu.Lock()
			s.fragments = append(s.fragments, msg.Text)
			s.mu.Unlock()
		case MessageDone:
			s.finish(outcomeDone, "", nil)
			return
		case MessageError:
			s.finish(outcomeError, msg.Message, nil)
			return
		default:
			s.logger.Debug().Str("type", msg.Type).Msg("Ignoring unknown transcription frame")
		}
	}
}

func (s *StreamSession) finish(outcome streamOutcome, serverErr string, readErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcome = outcome
	s.serverErr = serverErr
	s.readErr = readErr
}

// Send streams one chunk of PCM audio.
func (s *StreamSession) Send(pcm []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.ended {
		return fmt.Errorf("send after end of stream")
	}
	if err := s.conn.WriteMessage(websocket.BinaryMessage, pcm); err != nil {
		return voiceerr.E(voiceerr.TransportClosed, "stt.stream.send", err)
	}
	return nil
}

// Text returns the finals received so far, joined.
func (s *StreamSession) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return JoinFragments(s.fragments)
}

// End signals the end of audio and waits for the server to finish. If the
// connection drops first, the fragments collected so far are returned.
func (s *StreamSession) End(ctx context.Context) (string, error) {
	s.writeMu.Lock()
	if !s.ended {
		s.ended = true
		if err := s.conn.WriteJSON(ControlMessage{Type: MessageEnd}); err != nil {
			s.logger.Debug().Err(err).Msg("Failed to send end frame")
		}
	}
	s.writeMu.Unlock()

	select {
	case <-s.finished:
	case <-ctx.Done():
		s.Close()
		return "", ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	text := JoinFragments(s.fragments)
	switch s.outcome {
	case outcomeError:
		return "", voiceerr.E(voiceerr.CollaboratorFailure, "stt.stream", errors.New(s.serverErr))
	case outcomeClosed:
		closed := voiceerr.E(voiceerr.TransportClosed, "stt.stream", s.readErr)
		s.logger.Warn().Err(closed).Int("fragments", len(s.fragments)).Msg("Transcription stream closed before done")
	}
	return text, nil
}

// Close tears down the connection. Safe to call more than once.
func (s *StreamSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}

// StreamTranscriber implements Transcriber over the streaming protocol,
// sending the utterance in 20 ms chunks.
type StreamTranscriber struct {
	url    string
	retry  *resilience.RetryConfig
	logger zerolog.Logger
}

// NewStreamTranscriber creates a transcriber for the server at url.
func NewStreamTranscriber(url string, retry *resilience.RetryConfig, logger zerolog.Logger) *StreamTranscriber {
	return &StreamTranscriber{url: url, retry: retry, logger: logger}
}

// Transcribe implements Transcriber.
func (t *StreamTranscriber) Transcribe(ctx context.Context, req Request) (*Transcript, error) {
	var session *StreamSession
	err := resilience.RetryContext(ctx, func(ctx context.Context) error {
		var err error
		session, err = DialStream(ctx, t.url, StreamConfig{
			Language:   req.Language,
			SampleRate: req.SampleRate,
			Logger:     t.logger,
		})
		return err
	}, t.retry, resilience.IsRetryableNetworkError)
	if err != nil {
		return nil, voiceerr.E(voiceerr.CollaboratorFailure, "stt.stream.dial", err)
	}
	defer session.Close()

	chunk := req.SampleRate * 2 / 50
	if chunk <= 0 {
		chunk = DefaultStreamSampleRate * 2 / 50
	}
	for off := 0; off < len(req.Audio); off += chunk {
		end := off + chunk
		if end > len(req.Audio) {
			end = len(req.Audio)
		}
		if err := session.Send(req.Audio[off:end]); err != nil {
			// The reader sees the close too; End returns what arrived.
			t.logger.Warn().Err(err).Msg("Transcription stream send failed")
			break
		}
	}

	text, err := session.End(ctx)
	if err != nil {
		return nil, err
	}
	return &Transcript{Text: text, Language: req.Language}, nil
}
