package telephony

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-turns/internal/audio"
	"github.com/lexiqai/voice-turns/internal/calls"
	"github.com/lexiqai/voice-turns/internal/observability"
	"github.com/lexiqai/voice-turns/internal/pipeline"
	"github.com/lexiqai/voice-turns/internal/voiceerr"
)

const writeTimeout = 10 * time.Second

// MediaStream routes the frames of one Twilio media stream connection.
// Handle is called from a single read loop.
type MediaStream struct {
	ctx      context.Context
	registry *calls.Registry
	stages   *pipeline.Stages
	vad      audio.VADConfig
	sender   Sender
	logger   zerolog.Logger

	bridge *Bridge
	closed bool
}

// NewMediaStream creates the router for one connection. stages is copied per call.
func NewMediaStream(ctx context.Context, registry *calls.Registry, stages *pipeline.Stages, vad audio.VADConfig, sender Sender, logger zerolog.Logger) *MediaStream {
	return &MediaStream{
		ctx:      ctx,
		registry: registry,
		stages:   stages,
		vad:      vad,
		sender:   sender,
		logger:   logger,
	}
}

// Handle processes one raw frame. It reports done once the stream has stopped.
// Errors are per-frame; the stream stays usable.
func (m *MediaStream) Handle(raw []byte) (bool, error) {
	msg, err := ParseMessage(raw)
	if err != nil {
		return false, err
	}

	switch msg.Event {
	case EventConnected:
		m.logger.Debug().
			Str("protocol", msg.Protocol).
			Str("version", msg.Version).
			Msg("Media stream connected")

	case EventStart:
		return false, m.start(msg)

	case EventMedia:
		if m.bridge == nil {
			return false, voiceerr.E(voiceerr.MalformedControlFrame, "telephony.media", errors.New("media before start"))
		}
		return false, m.bridge.HandleMedia(msg.Media)

	case EventMark:
		if msg.Mark != nil {
			m.logger.Debug().Str("mark", msg.Mark.Name).Msg("Playback reached mark")
		}

	case EventDTMF:
		if msg.DTMF != nil {
			m.logger.Info().Str("digit", msg.DTMF.Digit).Msg("DTMF received")
		}

	case EventStop:
		m.logger.Info().Msg("Media stream stopped")
		m.Close()
		return true, nil

	default:
		return false, voiceerr.E(voiceerr.MalformedControlFrame, "telephony.parse", fmt.Errorf("unknown event %q", msg.Event))
	}

	return false, nil
}

func (m *MediaStream) start(msg *Message) error {
	if m.bridge != nil {
		return voiceerr.E(voiceerr.MalformedControlFrame, "telephony.start", errors.New("duplicate start"))
	}

	callID := msg.Start.CallSid
	logger := observability.WithCall(m.logger, callID, msg.StreamSid)

	if _, err := m.registry.Create(callID, msg.StreamSid); err != nil {
		if !errors.Is(err, calls.ErrAlreadyExists) {
			return err
		}
		logger.Warn().Msg("Call session already registered, reusing it")
	}

	logger.Info().
		Strs("tracks", msg.Start.Tracks).
		Str("encoding", msg.Start.MediaFormat.Encoding).
		Int("sample_rate", msg.Start.MediaFormat.SampleRate).
		Interface("custom_parameters", msg.Start.CustomParameters).
		Msg("Media stream started")

	stages := *m.stages
	stages.Logger = logger

	bridge, err := NewBridge(m.ctx, callID, msg.StreamSid, m.vad, &stages, m.sender, logger)
	if err != nil {
		m.registry.Finalize(callID)
		return err
	}
	bridge.Start()
	m.bridge = bridge
	return nil
}

// Bridge returns the call bridge, or nil before start.
func (m *MediaStream) Bridge() *Bridge {
	return m.bridge
}

// Close finalizes the call, if one was started. Safe to call more than once.
func (m *MediaStream) Close() {
	if m.closed {
		return
	}
	m.closed = true
	if m.bridge != nil {
		m.bridge.Close()
	}
}

// wsSender serializes writes to the websocket.
type wsSender struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *wsSender) Send(msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(msg)
}

// StreamHandler accepts Twilio media stream websockets.
type StreamHandler struct {
	registry *calls.Registry
	stages   *pipeline.Stages
	vad      audio.VADConfig
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// NewStreamHandler creates the handler. stages.Recorder should be registry.
func NewStreamHandler(registry *calls.Registry, stages *pipeline.Stages, vad audio.VADConfig, logger zerolog.Logger) *StreamHandler {
	return &StreamHandler{
		registry: registry,
		stages:   stages,
		vad:      vad,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true // Twilio connects from its own infrastructure
			},
		},
		logger: logger,
	}
}

// ServeHTTP upgrades the connection and runs the read loop until stop or close.
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade media stream")
		return
	}
	defer conn.Close()

	logger := h.logger.With().Str("correlation_id", observability.NewCorrelationID()).Logger()
	logger.Info().Str("remote_addr", r.RemoteAddr).Msg("Media stream connection opened")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	stream := NewMediaStream(ctx, h.registry, h.stages, h.vad, &wsSender{conn: conn}, logger)
	defer stream.Close()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				closed := voiceerr.E(voiceerr.TransportClosed, "telephony.read", err)
				observability.RecordError(voiceerr.TransportClosed.String(), "telephony")
				logger.Warn().Err(closed).Msg("Media stream closed unexpectedly")
			}
			return
		}

		done, err := stream.Handle(raw)
		if err != nil {
			kind := voiceerr.KindOf(err)
			observability.RecordError(kind.String(), "telephony")
			logger.Warn().Err(err).Str("kind", kind.String()).Msg("Ignoring media stream frame")
			continue
		}
		if done {
			logger.Info().Msg("Media stream connection closing")
			return
		}
	}
}
