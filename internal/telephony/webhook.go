package telephony

import (
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
	"github.com/twilio/twilio-go/client"
	"github.com/twilio/twilio-go/twiml"

	"github.com/lexiqai/voice-turns/internal/observability"
	"github.com/lexiqai/voice-turns/internal/voiceerr"
)

// Paths served by the telephony handlers.
const (
	IncomingPath = "/voice/incoming"
	StreamPath   = "/voice/stream"
)

// WebhookConfig configures the incoming-call webhook.
type WebhookConfig struct {
	AuthToken      string
	PublicURL      string // e.g. https://example.ngrok-free.app; request host is used when empty
	SkipValidation bool
	Logger         zerolog.Logger
}

// WebhookHandler answers Twilio's voice webhook with TwiML that connects the
// call to the media stream endpoint.
type WebhookHandler struct {
	cfg       WebhookConfig
	validator client.RequestValidator
}

// NewWebhookHandler creates the handler.
func NewWebhookHandler(cfg WebhookConfig) *WebhookHandler {
	cfg.PublicURL = strings.TrimRight(strings.TrimSpace(cfg.PublicURL), "/")
	return &WebhookHandler{
		cfg:       cfg,
		validator: client.NewRequestValidator(cfg.AuthToken),
	}
}

// ServeHTTP implements http.Handler.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	if err := h.validate(r); err != nil {
		observability.RecordError(voiceerr.KindOf(err).String(), "telephony")
		h.cfg.Logger.Warn().
			Err(err).
			Str("public_url", h.cfg.PublicURL).
			Msg("Twilio signature validation failed; check PUBLIC_URL matches the webhook URL configured in Twilio and TWILIO_AUTH_TOKEN is the auth token")
		http.Error(w, "Forbidden", voiceerr.KindOf(err).HTTPStatus())
		return
	}

	streamURL := h.streamURL(r)
	stream := twiml.VoiceStream{Url: streamURL}
	connect := twiml.VoiceConnect{
		InnerElements: []twiml.Element{stream},
	}

	response, err := twiml.Voice([]twiml.Element{connect})
	if err != nil {
		h.cfg.Logger.Error().Err(err).Msg("Failed to build TwiML")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	h.cfg.Logger.Info().
		Str("call_sid", r.PostForm.Get("CallSid")).
		Str("stream_url", streamURL).
		Msg("Incoming call, connecting media stream")

	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(response))
}

func (h *WebhookHandler) validate(r *http.Request) error {
	if h.cfg.SkipValidation {
		h.cfg.Logger.Warn().Msg("TWILIO_SKIP_VALIDATION is set; skipping Twilio signature validation")
		return nil
	}
	if h.cfg.AuthToken == "" {
		h.cfg.Logger.Warn().Msg("TWILIO_AUTH_TOKEN not set; skipping signature validation")
		return nil
	}

	params := make(map[string]string, len(r.PostForm))
	for key, values := range r.PostForm {
		if len(values) > 0 {
			params[key] = values[0]
		}
	}

	signature := strings.TrimSpace(r.Header.Get("X-Twilio-Signature"))
	if !h.validator.Validate(h.webhookURL(r), params, signature) {
		return voiceerr.E(voiceerr.SignatureValidationFailure, "telephony.webhook", errors.New("signature mismatch"))
	}
	return nil
}

// webhookURL is the URL Twilio signed.
func (h *WebhookHandler) webhookURL(r *http.Request) string {
	if h.cfg.PublicURL != "" {
		return h.cfg.PublicURL + IncomingPath
	}
	return requestOrigin(r, "https", "http") + r.URL.RequestURI()
}

func (h *WebhookHandler) streamURL(r *http.Request) string {
	if h.cfg.PublicURL != "" {
		origin := h.cfg.PublicURL
		switch {
		case strings.HasPrefix(origin, "https://"):
			origin = "wss://" + strings.TrimPrefix(origin, "https://")
		case strings.HasPrefix(origin, "http://"):
			origin = "ws://" + strings.TrimPrefix(origin, "http://")
		}
		return origin + StreamPath
	}
	return requestOrigin(r, "wss", "ws") + StreamPath
}

// requestOrigin rebuilds scheme://host, honouring a proxy's X-Forwarded-Proto.
func requestOrigin(r *http.Request, secure, plain string) string {
	scheme := plain
	if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		scheme = secure
	}
	host := r.Host
	if fwd := r.Header.Get("X-Forwarded-Host"); fwd != "" {
		host = fwd
	}
	return scheme + "://" + host
}
