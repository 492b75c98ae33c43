package telephony

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

const testAuthToken = "12345"

// sign computes X-Twilio-Signature for a form POST.
func sign(token, fullURL string, params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(params.Get(k))
	}

	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func incomingRequest(params url.Values, signature string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, IncomingPath, strings.NewReader(params.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if signature != "" {
		req.Header.Set("X-Twilio-Signature", signature)
	}
	return req
}

func callParams() url.Values {
	return url.Values{
		"CallSid": {"CA123"},
		"From":    {"+15550001111"},
		"To":      {"+15550002222"},
	}
}

func TestWebhook_ValidSignature(t *testing.T) {
	handler := NewWebhookHandler(WebhookConfig{
		AuthToken: testAuthToken,
		PublicURL: "https://voice.example.com/",
		Logger:    zerolog.Nop(),
	})
	params := callParams()
	sig := sign(testAuthToken, "https://voice.example.com/voice/incoming", params)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, incomingRequest(params, sig))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/xml" {
		t.Errorf("Expected application/xml, got '%s'", ct)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "<Connect>") {
		t.Errorf("Expected <Connect> in TwiML, got %s", body)
	}
	if !strings.Contains(body, `url="wss://voice.example.com/voice/stream"`) {
		t.Errorf("Expected wss stream url in TwiML, got %s", body)
	}
}

func TestWebhook_RejectsBadSignature(t *testing.T) {
	handler := NewWebhookHandler(WebhookConfig{
		AuthToken: testAuthToken,
		PublicURL: "https://voice.example.com",
		Logger:    zerolog.Nop(),
	})

	tests := []struct {
		name      string
		signature string
	}{
		{"missing", ""},
		{"wrong token", sign("other-token", "https://voice.example.com/voice/incoming", callParams())},
		{"wrong url", sign(testAuthToken, "https://elsewhere.example.com/voice/incoming", callParams())},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, incomingRequest(callParams(), tt.signature))
			if rec.Code != http.StatusForbidden {
				t.Errorf("Expected status 403, got %d", rec.Code)
			}
			if strings.Contains(rec.Body.String(), "<Connect>") {
				t.Error("Expected no TwiML on rejected request")
			}
		})
	}
}

func TestWebhook_SkipValidation(t *testing.T) {
	handler := NewWebhookHandler(WebhookConfig{
		AuthToken:      testAuthToken,
		SkipValidation: true,
		Logger:         zerolog.Nop(),
	})

	req := incomingRequest(callParams(), "")
	req.Host = "abc.ngrok-free.app"
	req.Header.Set("X-Forwarded-Proto", "https")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `url="wss://abc.ngrok-free.app/voice/stream"`) {
		t.Errorf("Expected stream url from request host, got %s", rec.Body.String())
	}
}

func TestWebhook_StreamURLScheme(t *testing.T) {
	tests := []struct {
		publicURL string
		want      string
	}{
		{"https://a.example.com", "wss://a.example.com/voice/stream"},
		{"http://localhost:8080/", "ws://localhost:8080/voice/stream"},
		{"", "ws://example.com/voice/stream"},
	}

	for _, tt := range tests {
		handler := NewWebhookHandler(WebhookConfig{PublicURL: tt.publicURL, Logger: zerolog.Nop()})
		req := httptest.NewRequest(http.MethodPost, IncomingPath, nil)
		if got := handler.streamURL(req); got != tt.want {
			t.Errorf("streamURL(%q): expected '%s', got '%s'", tt.publicURL, tt.want, got)
		}
	}
}
