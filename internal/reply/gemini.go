package reply

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"

	"github.com/lexiqai/voice-turns/internal/voiceerr"
)

// GeminiGenerator answers with a Gemini chat session and function calling.
type GeminiGenerator struct {
	client *genai.Client
	model  string
	logger zerolog.Logger
}

// NewGeminiGenerator connects a Gemini client.
func NewGeminiGenerator(ctx context.Context, apiKey, model string, logger zerolog.Logger) (*GeminiGenerator, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	if model == "" {
		model = "gemini-1.5-flash"
	}
	return &GeminiGenerator{client: client, model: model, logger: logger}, nil
}

// Close releases the underlying client.
func (g *GeminiGenerator) Close() error {
	return g.client.Close()
}

// Generate implements Generator.
func (g *GeminiGenerator) Generate(ctx context.Context, req Request) (*Reply, error) {
	if len(req.History) == 0 {
		return nil, voiceerr.E(voiceerr.CollaboratorFailure, "reply.gemini", errors.New("empty history"))
	}

	model := g.client.GenerativeModel(g.model)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(SystemMessage(req.Language, req.Verbosity))},
	}
	model.Tools = []*genai.Tool{{
		FunctionDeclarations: []*genai.FunctionDeclaration{{
			Name:        EndConversationTool,
			Description: EndToolDescription(req.Language),
		}},
	}}

	cs := model.StartChat()
	last := len(req.History) - 1
	for _, m := range req.History[:last] {
		role := "user"
		if m.Role == RoleAssistant {
			role = "model"
		}
		cs.History = append(cs.History, &genai.Content{
			Role:  role,
			Parts: []genai.Part{genai.Text(m.Content)},
		})
	}

	var (
		text  string
		ended bool
		next  = []genai.Part{genai.Text(req.History[last].Content)}
	)
	for round := 0; round < MaxToolRounds; round++ {
		resp, err := cs.SendMessage(ctx, next...)
		if err != nil {
			return nil, voiceerr.E(voiceerr.CollaboratorFailure, "reply.gemini", err)
		}
		if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
			return nil, voiceerr.E(voiceerr.CollaboratorFailure, "reply.gemini", errors.New("no candidates returned"))
		}

		text = ""
		next = nil
		for _, part := range resp.Candidates[0].Content.Parts {
			switch p := part.(type) {
			case genai.Text:
				text += string(p)
			case genai.FunctionCall:
				result := "ok"
				if p.Name == EndConversationTool {
					ended = true
				} else {
					g.logger.Warn().Str("tool", p.Name).Msg("Model called an unknown tool")
					result = "Unknown tool."
				}
				next = append(next, genai.FunctionResponse{
					Name:     p.Name,
					Response: map[string]any{"result": result},
				})
			}
		}

		if len(next) == 0 {
			return finish(text, ended, req.Language), nil
		}
	}

	g.logger.Warn().Int("rounds", MaxToolRounds).Msg("Tool loop reached its round limit")
	return finish(text, ended, req.Language), nil
}
