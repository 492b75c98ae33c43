package reply

import "context"

// Message roles in a conversation history.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry of the conversation history
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request carries the ordered history, ending with the new user text.
type Request struct {
	History   []Message
	Language  string
	Verbosity string
}

// LastUserText returns the content of the final user message, if any.
func (r Request) LastUserText() string {
	for i := len(r.History) - 1; i >= 0; i-- {
		if r.History[i].Role == RoleUser {
			return r.History[i].Content
		}
	}
	return ""
}

// Reply is the generated assistant turn.
type Reply struct {
	Text string
	// EndConversation is set when the model decided the user wants to stop.
	EndConversation bool
}

// Generator produces the assistant reply for a conversation.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Reply, error)
}

// GeneratorFunc adapts a function to Generator
type GeneratorFunc func(ctx context.Context, req Request) (*Reply, error)

// Generate implements Generator
func (f GeneratorFunc) Generate(ctx context.Context, req Request) (*Reply, error) {
	return f(ctx, req)
}
