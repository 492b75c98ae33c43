package reply

import (
	"context"
	"errors"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-turns/internal/voiceerr"
)

// OpenAIGenerator answers with chat completions and offers the end_conversation tool.
type OpenAIGenerator struct {
	client openai.Client
	model  string
	logger zerolog.Logger
}

// NewOpenAIGenerator creates a generator for the given chat model.
func NewOpenAIGenerator(apiKey, model string, logger zerolog.Logger, opts ...option.RequestOption) *OpenAIGenerator {
	if model == "" {
		model = "gpt-4o-mini"
	}
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &OpenAIGenerator{
		client: openai.NewClient(opts...),
		model:  model,
		logger: logger,
	}
}

func (g *OpenAIGenerator) endTool(lang string) openai.ChatCompletionToolParam {
	return openai.ChatCompletionToolParam{
		Function: openai.FunctionDefinitionParam{
			Name:        EndConversationTool,
			Description: openai.String(EndToolDescription(lang)),
			Parameters: openai.FunctionParameters{
				"type":       "object",
				"properties": map[string]any{},
			},
		},
	}
}

// Generate implements Generator. Tool calls are answered in a loop of at most MaxToolRounds.
func (g *OpenAIGenerator) Generate(ctx context.Context, req Request) (*Reply, error) {
	if len(req.History) == 0 {
		return nil, voiceerr.E(voiceerr.CollaboratorFailure, "reply.openai", errors.New("empty history"))
	}

	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(SystemMessage(req.Language, req.Verbosity)),
	}
	for _, m := range req.History {
		switch m.Role {
		case RoleAssistant:
			messages = append(messages, openai.AssistantMessage(m.Content))
		default:
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}

	var (
		text  string
		ended bool
	)
	for round := 0; round < MaxToolRounds; round++ {
		resp, err := g.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
			Messages:  messages,
			Model:     openai.ChatModel(g.model),
			MaxTokens: openai.Int(2048),
			Tools:     []openai.ChatCompletionToolParam{g.endTool(req.Language)},
		})
		if err != nil {
			return nil, voiceerr.E(voiceerr.CollaboratorFailure, "reply.openai", err)
		}
		if len(resp.Choices) == 0 {
			return nil, voiceerr.E(voiceerr.CollaboratorFailure, "reply.openai", errors.New("no choices returned"))
		}

		msg := resp.Choices[0].Message
		text = msg.Content
		if len(msg.ToolCalls) == 0 {
			return finish(text, ended, req.Language), nil
		}

		messages = append(messages, msg.ToParam())
		for _, tc := range msg.ToolCalls {
			switch tc.Function.Name {
			case EndConversationTool:
				ended = true
				messages = append(messages, openai.ToolMessage("ok", tc.ID))
			default:
				g.logger.Warn().Str("tool", tc.Function.Name).Msg("Model called an unknown tool")
				messages = append(messages, openai.ToolMessage("Unknown tool.", tc.ID))
			}
		}
	}

	g.logger.Warn().Int("rounds", MaxToolRounds).Msg("Tool loop reached its round limit")
	return finish(text, ended, req.Language), nil
}
