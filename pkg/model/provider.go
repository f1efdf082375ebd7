// Package model abstracts the LLM that answers hosted assistant runs.
package model

import (
	"context"
	"strings"

	"github.com/nstogner/threadrun/pkg/domain"
)

// ContentType identifies the kind of a Content part.
type ContentType string

const (
	ContentTypeText ContentType = "text"
	ContentTypeFile ContentType = "file"
)

// Message represents a message in the model's conversation context.
type Message struct {
	// Role indicates the sender (user or assistant).
	Role domain.Role
	// Content holds the message parts.
	Content []Content
}

// Text concatenates the text parts of the message.
func (m Message) Text() string {
	var b strings.Builder
	for _, c := range m.Content {
		if c.Type == ContentTypeText {
			b.WriteString(c.Text)
		}
	}
	return b.String()
}

// Content represents a single component of a message.
type Content struct {
	Type ContentType `json:"type"`

	// Text content (when Type == "text").
	Text string `json:"text,omitempty"`

	// File content sent inline (when Type == "file").
	File *domain.File `json:"file,omitempty"`
}

// TextMessage builds a single-part text message.
func TextMessage(role domain.Role, text string) Message {
	return Message{Role: role, Content: []Content{{Type: ContentTypeText, Text: text}}}
}

// Provider represents a service that provides LLMs (e.g. Gemini).
type Provider interface {
	// Name returns the provider's identifier (e.g. "gemini").
	Name() string

	// List returns the available models from this provider.
	List(ctx context.Context) ([]domain.Model, error)

	// Stream sends a conversation context to the LLM and returns a stream of responses.
	// modelName identifies which model to use, instructions is the system prompt.
	Stream(ctx context.Context, modelName, instructions string, messages []Message) (ModelStream, error)
}

// ModelStream abstracts the stream of responses from the model.
type ModelStream interface {
	// FullMessage blocks until the complete response is available and returns it.
	FullMessage() (Message, error)

	// Close releases resources associated with this stream.
	Close() error
}
