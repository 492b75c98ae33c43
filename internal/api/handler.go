// Package api serves the single-shot collaborator endpoints a browser client
// uses to run its own turn loop: transcribe, chat, synthesize and end.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-turns/internal/audio"
	"github.com/lexiqai/voice-turns/internal/observability"
	"github.com/lexiqai/voice-turns/internal/reply"
	"github.com/lexiqai/voice-turns/internal/stt"
	"github.com/lexiqai/voice-turns/internal/tts"
	"github.com/lexiqai/voice-turns/internal/voiceerr"
)

const (
	maxUploadBytes    = 25 << 20
	defaultUploadRate = 16000
	requestTimeout    = 60 * time.Second
)

// Config wires the handler to its collaborators.
type Config struct {
	// Transcribers are selectable by the transcribe endpoint's model field.
	Transcribers map[string]stt.Transcriber
	// DefaultModel names the transcriber used when no model is given.
	DefaultModel string
	Generator    reply.Generator
	Synthesizer  tts.Synthesizer
	Language     string
	Verbosity    string
	Logger       zerolog.Logger
}

// Handler serves the browser-facing endpoints.
type Handler struct {
	cfg    Config
	models []string
}

// NewHandler creates the handler.
func NewHandler(cfg Config) *Handler {
	models := make([]string, 0, len(cfg.Transcribers))
	for name := range cfg.Transcribers {
		models = append(models, name)
	}
	sort.Strings(models)
	return &Handler{cfg: cfg, models: models}
}

// Register mounts the routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/transcribe", h.handleTranscribe)
	mux.HandleFunc("POST /api/chat", h.handleChat)
	mux.HandleFunc("POST /api/tts", h.handleSpeechPost)
	mux.HandleFunc("GET /api/tts", h.handleSpeechGet)
	mux.HandleFunc("POST /api/voice/end", h.handleEnd)
}

// TranscribeResponse is the body of a successful transcription.
type TranscribeResponse struct {
	Text     string `json:"text"`
	Language string `json:"language"`
	Model    string `json:"model"`
}

// handleTranscribe accepts a multipart upload with an "audio" file, plus
// optional "language", "model" and "sample_rate" fields. WAV uploads carry
// their own rate; anything else is taken as raw 16-bit PCM.
func (h *Handler) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "expected multipart form with an audio file")
		return
	}

	model := strings.ToLower(strings.TrimSpace(r.FormValue("model")))
	if model == "" {
		model = h.cfg.DefaultModel
	}
	transcriber, ok := h.cfg.Transcribers[model]
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("model must be one of %s", strings.Join(h.models, ", ")))
		return
	}

	file, _, err := r.FormFile("audio")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing audio file")
		return
	}
	defer file.Close()
	content, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read audio")
		return
	}
	if len(content) == 0 {
		writeError(w, http.StatusBadRequest, "Empty audio")
		return
	}

	samples, rate, err := uploadSamples(content, r.FormValue("sample_rate"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	lang := h.language(r.FormValue("language"))
	ctx, cancel := contextWithTimeout(r)
	defer cancel()

	start := time.Now()
	transcript, err := transcriber.Transcribe(ctx, stt.Request{
		Audio:      audio.SamplesToPCMBytes(samples),
		SampleRate: rate,
		Language:   lang,
	})
	observability.RecordStage(observability.StageTranscribe, time.Since(start), err == nil)
	if err != nil {
		h.collaboratorFailed(w, "api.transcribe", err)
		return
	}

	resp := TranscribeResponse{Language: tts.LanguageCode(lang), Model: model}
	if transcript != nil {
		resp.Text = strings.TrimSpace(transcript.Text)
	}
	writeJSON(w, http.StatusOK, resp)
}

func uploadSamples(content []byte, rateField string) ([]int16, int, error) {
	if len(content) >= 12 && string(content[0:4]) == "RIFF" {
		samples, rate, err := audio.DecodeWAV(content)
		if err != nil {
			return nil, 0, fmt.Errorf("invalid WAV upload: %w", err)
		}
		return samples, rate, nil
	}

	rate := defaultUploadRate
	if rateField != "" {
		n, err := strconv.Atoi(rateField)
		if err != nil || n <= 0 {
			return nil, 0, fmt.Errorf("invalid sample_rate %q", rateField)
		}
		rate = n
	}
	samples, err := audio.PCMBytesToSamples(content)
	if err != nil {
		return nil, 0, err
	}
	return samples, rate, nil
}

// ChatRequest is the body of a chat call. The last message is the new user turn.
type ChatRequest struct {
	Messages  []reply.Message `json:"messages"`
	Language  string          `json:"language"`
	Verbosity string          `json:"verbosity"`
}

// ChatResponse carries the assistant reply and whether the conversation is over.
type ChatResponse struct {
	Message         reply.Message `json:"message"`
	Done            bool          `json:"done"`
	EndConversation bool          `json:"end_conversation"`
}

func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "messages must not be empty")
		return
	}
	for _, m := range req.Messages {
		if m.Role != reply.RoleUser && m.Role != reply.RoleAssistant {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported role %q", m.Role))
			return
		}
	}

	verbosity := req.Verbosity
	if verbosity == "" {
		verbosity = h.cfg.Verbosity
	}
	ctx, cancel := contextWithTimeout(r)
	defer cancel()

	start := time.Now()
	out, err := h.cfg.Generator.Generate(ctx, reply.Request{
		History:   req.Messages,
		Language:  h.language(req.Language),
		Verbosity: reply.NormalizeVerbosity(verbosity),
	})
	observability.RecordStage(observability.StageReply, time.Since(start), err == nil)
	if err != nil {
		h.collaboratorFailed(w, "api.chat", err)
		return
	}

	writeJSON(w, http.StatusOK, ChatResponse{
		Message:         reply.Message{Role: reply.RoleAssistant, Content: out.Text},
		Done:            true,
		EndConversation: out.EndConversation,
	})
}

// SpeechRequest is the body of a POST synthesis call.
type SpeechRequest struct {
	Text         string `json:"text"`
	LanguageCode string `json:"language_code"`
}

func (h *Handler) handleSpeechPost(w http.ResponseWriter, r *http.Request) {
	var req SpeechRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	h.speak(w, r, req)
}

// handleSpeechGet lets an audio element point straight at the endpoint.
func (h *Handler) handleSpeechGet(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	h.speak(w, r, SpeechRequest{Text: q.Get("text"), LanguageCode: q.Get("language_code")})
}

// speak synthesizes req and returns it as a mono 16-bit WAV file.
func (h *Handler) speak(w http.ResponseWriter, r *http.Request, req SpeechRequest) {
	text := tts.StripMarkup(req.Text)
	if strings.TrimSpace(text) == "" {
		writeError(w, http.StatusBadRequest, "text must not be empty")
		return
	}
	code := req.LanguageCode
	if code == "" {
		code = tts.LanguageCode(h.cfg.Language)
	}

	ctx, cancel := contextWithTimeout(r)
	defer cancel()

	start := time.Now()
	speech, err := h.cfg.Synthesizer.Synthesize(ctx, tts.Request{Text: text, LanguageCode: code})
	observability.RecordStage(observability.StageSynthesize, time.Since(start), err == nil)
	if err != nil {
		h.collaboratorFailed(w, "api.tts", err)
		return
	}
	samples, err := speech.Samples()
	if err != nil {
		h.collaboratorFailed(w, "api.tts", err)
		return
	}

	wav := audio.EncodeWAV(samples, speech.SampleRate)
	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Length", strconv.Itoa(len(wav)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(wav)
}

// handleEnd acknowledges that the client closed its listening session.
func (h *Handler) handleEnd(w http.ResponseWriter, r *http.Request) {
	h.cfg.Logger.Info().Str("remote_addr", r.RemoteAddr).Msg("Browser voice session ended")
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "message": "Voice session ended"})
}

func (h *Handler) language(lang string) string {
	if strings.TrimSpace(lang) == "" {
		lang = h.cfg.Language
	}
	return reply.NormalizeLanguage(lang)
}

func (h *Handler) collaboratorFailed(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, context.Canceled) {
		// The client went away; nobody is left to answer.
		return
	}
	kind := voiceerr.KindOf(err)
	if kind == voiceerr.Unknown {
		kind = voiceerr.CollaboratorFailure
	}
	observability.RecordError(kind.String(), "api")
	h.cfg.Logger.Error().Err(err).Str("op", op).Msg("Collaborator call failed")
	writeError(w, kind.HTTPStatus(), err.Error())
}

func contextWithTimeout(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), requestTimeout)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
