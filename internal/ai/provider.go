package ai

import "context"

// Message is one turn of generation context.
type Message struct {
	Role    string
	Content string
}

// Provider is the text-completion collaborator. Implementations must honour ctx.
type Provider interface {
	Chat(ctx context.Context, messages []Message) (string, error)
}
