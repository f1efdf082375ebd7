package domain

import "time"

// AssistantDetails configures a remotely hosted assistant entity.
// The orchestrator passes it through untouched.
type AssistantDetails struct {
	Name         string `json:"name" yaml:"name"`
	Model        string `json:"model" yaml:"model"`
	Description  string `json:"description" yaml:"description"`
	Instructions string `json:"instructions,omitempty" yaml:"instructions,omitempty"`
}

// FileMeta describes a file attached to a user message.
type FileMeta struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Size int64  `json:"size"`
}

// File is the content of a file handed to the assistant service for upload.
type File struct {
	Name     string `json:"name"`
	MIMEType string `json:"mime_type"`
	Data     []byte `json:"data"`
}

// Meta returns the display metadata for f.
func (f File) Meta() FileMeta {
	return FileMeta{Name: f.Name, Type: f.MIMEType, Size: int64(len(f.Data))}
}

// Message is a single entry of the local conversation transcript.
type Message struct {
	Role    Role       `json:"role"`
	Content string     `json:"content"`
	Files   []FileMeta `json:"files,omitempty"`
}

// HistoryEntry is the persisted transcript of one thread.
type HistoryEntry struct {
	ID        string    `json:"id"` // thread ID
	Messages  []Message `json:"messages"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// HasUserMessage reports whether the entry contains at least one
// user-authored message.
func (e HistoryEntry) HasUserMessage() bool {
	for _, m := range e.Messages {
		if m.Role == RoleUser {
			return true
		}
	}
	return false
}

// Model represents an available LLM model.
type Model struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Provider  string `json:"provider"`
	MaxTokens int    `json:"max_tokens,omitempty"`
}

// CloneMessages returns a copy of msgs that shares no backing arrays.
func CloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m
		if m.Files != nil {
			out[i].Files = append([]FileMeta(nil), m.Files...)
		}
	}
	return out
}
