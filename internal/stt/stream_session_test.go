package stt

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-turns/internal/resilience"
	"github.com/lexiqai/voice-turns/internal/voiceerr"
)

// scriptedServer reads config and audio until end, then runs reply.
func scriptedServer(t *testing.T, reply func(conn *websocket.Conn)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if msgType != websocket.TextMessage {
				continue
			}
			var msg ControlMessage
			json.Unmarshal(data, &msg)
			if msg.Type == MessageEnd {
				reply(conn)
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *StreamSession {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	session, err := DialStream(ctx, url, StreamConfig{Language: "en", SampleRate: 16000, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("DialStream failed: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return session
}

func TestStreamSession_JoinsFinals(t *testing.T) {
	url := scriptedServer(t, func(conn *websocket.Conn) {
		conn.WriteJSON(ControlMessage{Type: MessageFinal, Text: "hello"})
		conn.WriteJSON(ControlMessage{Type: MessageFinal, Text: " there "})
		conn.WriteJSON(ControlMessage{Type: MessageFinal, Text: ""})
		conn.WriteJSON(ControlMessage{Type: MessageDone})
	})
	session := dial(t, url)

	if err := session.Send(make([]byte, 640)); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	text, err := session.End(context.Background())
	if err != nil {
		t.Fatalf("End failed: %v", err)
	}
	if text != "hello there" {
		t.Errorf("Expected 'hello there', got '%s'", text)
	}
}

func TestStreamSession_ImplicitEndOnClose(t *testing.T) {
	url := scriptedServer(t, func(conn *websocket.Conn) {
		conn.WriteJSON(ControlMessage{Type: MessageFinal, Text: "cut short"})
		// Returning closes the socket without a done frame
	})
	session := dial(t, url)

	text, err := session.End(context.Background())
	if err != nil {
		t.Fatalf("Expected no error on unexpected close, got %v", err)
	}
	if text != "cut short" {
		t.Errorf("Expected collected fragments, got '%s'", text)
	}
}

func TestStreamSession_ServerError(t *testing.T) {
	url := scriptedServer(t, func(conn *websocket.Conn) {
		conn.WriteJSON(ControlMessage{Type: MessageError, Message: "model overloaded"})
	})
	session := dial(t, url)

	_, err := session.End(context.Background())
	if err == nil {
		t.Fatal("Expected an error")
	}
	if voiceerr.KindOf(err) != voiceerr.CollaboratorFailure {
		t.Errorf("Expected CollaboratorFailure, got %v", voiceerr.KindOf(err))
	}
	if !strings.Contains(err.Error(), "model overloaded") {
		t.Errorf("Expected server message in error, got %v", err)
	}
}

func TestStreamSession_SendAfterEnd(t *testing.T) {
	url := scriptedServer(t, func(conn *websocket.Conn) {
		conn.WriteJSON(ControlMessage{Type: MessageDone})
	})
	session := dial(t, url)

	if _, err := session.End(context.Background()); err != nil {
		t.Fatalf("End failed: %v", err)
	}
	if err := session.Send([]byte{0, 0}); err == nil {
		t.Error("Expected Send after End to fail")
	}
}

func newStreamServer(t *testing.T, transcriber Transcriber) string {
	t.Helper()
	srv := httptest.NewServer(NewStreamServer(transcriber, time.Second, zerolog.Nop()))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestStreamTranscriber_RoundTripThroughServer(t *testing.T) {
	seen := make(chan Request, 1)
	url := newStreamServer(t, TranscriberFunc(func(ctx context.Context, req Request) (*Transcript, error) {
		seen <- req
		return &Transcript{Text: "  turn on the lights "}, nil
	}))

	transcriber := NewStreamTranscriber(url, &resilience.RetryConfig{MaxAttempts: 1}, zerolog.Nop())
	audio := make([]byte, 16000) // 0.5 s at 16 kHz

	transcript, err := transcriber.Transcribe(context.Background(), Request{Audio: audio, SampleRate: 16000, Language: "en"})
	if err != nil {
		t.Fatalf("Transcribe failed: %v", err)
	}
	if transcript.Text != "turn on the lights" {
		t.Errorf("Expected trimmed text, got '%s'", transcript.Text)
	}
	got := <-seen
	if len(got.Audio) != len(audio) || got.SampleRate != 16000 || got.Language != "en" {
		t.Errorf("Server saw %d bytes at %d Hz (%s)", len(got.Audio), got.SampleRate, got.Language)
	}
}

func TestStreamTranscriber_EmptyUtterance(t *testing.T) {
	url := newStreamServer(t, TranscriberFunc(func(ctx context.Context, req Request) (*Transcript, error) {
		return &Transcript{}, nil
	}))

	transcriber := NewStreamTranscriber(url, &resilience.RetryConfig{MaxAttempts: 1}, zerolog.Nop())
	transcript, err := transcriber.Transcribe(context.Background(), Request{Audio: make([]byte, 640), SampleRate: 16000})
	if err != nil {
		t.Fatalf("Transcribe failed: %v", err)
	}
	if transcript.Text != "" {
		t.Errorf("Expected empty text, got '%s'", transcript.Text)
	}
}

func TestStreamServer_ReportsTranscriberFailure(t *testing.T) {
	url := newStreamServer(t, TranscriberFunc(func(ctx context.Context, req Request) (*Transcript, error) {
		return nil, errors.New("engine unavailable")
	}))
	session := dial(t, url)
	session.Send(make([]byte, 320))

	_, err := session.End(context.Background())
	if voiceerr.KindOf(err) != voiceerr.CollaboratorFailure {
		t.Errorf("Expected CollaboratorFailure, got %v", err)
	}
}

func TestStreamTranscriber_DialFailure(t *testing.T) {
	transcriber := NewStreamTranscriber("ws://127.0.0.1:1/stt/stream", &resilience.RetryConfig{MaxAttempts: 1}, zerolog.Nop())

	_, err := transcriber.Transcribe(context.Background(), Request{Audio: make([]byte, 320), SampleRate: 16000})
	if voiceerr.KindOf(err) != voiceerr.CollaboratorFailure {
		t.Errorf("Expected CollaboratorFailure, got %v", err)
	}
}

func TestJoinFragments(t *testing.T) {
	tests := []struct {
		in   []string
		want string
	}{
		{nil, ""},
		{[]string{"a"}, "a"},
		{[]string{" a ", "", "  ", "b"}, "a b"},
	}

	for _, tt := range tests {
		if got := JoinFragments(tt.in); got != tt.want {
			t.Errorf("JoinFragments(%q): expected '%s', got '%s'", tt.in, tt.want, got)
		}
	}
}
