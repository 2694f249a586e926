// Package llm provides the chat completion collaborator contract.
package llm

import "context"

// Message represents a chat message for the LLM.
type Message struct {
	Role    string `json:"role"` // system, user, assistant
	Content string `json:"content"`
}

// Client is the interface the actor uses for inference. Implementations
// must enforce a bounded per-request deadline.
type Client interface {
	// Complete sends the conversation and returns the assistant's text.
	Complete(ctx context.Context, messages []Message) (string, error)
}
