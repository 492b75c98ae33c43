package tts

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-turns/internal/audio"
	"github.com/lexiqai/voice-turns/internal/resilience"
	"github.com/lexiqai/voice-turns/internal/voiceerr"
)

func TestCartesiaClient_Synthesize(t *testing.T) {
	var got CartesiaRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != "test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Write(audio.SamplesToPCMBytes([]int16{1, 2, 3, 4}))
	}))
	defer srv.Close()

	client := NewCartesiaClient(CartesiaConfig{
		APIKey:  "test-key",
		VoiceID: "voice-1",
		URL:     srv.URL,
		Logger:  zerolog.Nop(),
	})

	out, err := client.Synthesize(context.Background(), Request{Text: "Hello", LanguageCode: "ja-JP"})
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}
	if out.SampleRate != 24000 || out.Encoding != audio.EncodingPCM16 {
		t.Errorf("Expected 24 kHz PCM, got %d Hz %v", out.SampleRate, out.Encoding)
	}
	if len(out.Data) != 8 {
		t.Errorf("Expected 8 bytes of audio, got %d", len(out.Data))
	}
	if got.Transcript != "Hello" || got.Voice.ID != "voice-1" || got.Language != "ja" {
		t.Errorf("Unexpected request payload: %+v", got)
	}
	if got.OutputFormat.Encoding != "pcm_s16le" {
		t.Errorf("Expected pcm_s16le output, got %s", got.OutputFormat.Encoding)
	}
}

func TestCartesiaClient_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	breaker := resilience.NewCircuitBreaker("cartesia-test", 2, time.Minute)
	client := NewCartesiaClient(CartesiaConfig{URL: srv.URL, Breaker: breaker, Logger: zerolog.Nop()})

	for i := 0; i < 2; i++ {
		_, err := client.Synthesize(context.Background(), Request{Text: "Hello"})
		if voiceerr.KindOf(err) != voiceerr.CollaboratorFailure {
			t.Fatalf("Expected CollaboratorFailure, got %v", err)
		}
	}
	if breaker.GetState() != resilience.StateOpen {
		t.Errorf("Expected breaker to open after repeated failures, got %s", breaker.GetState())
	}
}
