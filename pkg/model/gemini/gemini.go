// Package gemini implements model.Provider on the Google Gen AI SDK.
package gemini

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/genai"

	"github.com/nstogner/threadrun/pkg/domain"
	"github.com/nstogner/threadrun/pkg/model"
)

// Provider implements model.Provider using the Google Gen AI SDK.
type Provider struct {
	client *genai.Client
}

var _ model.Provider = (*Provider)(nil)

// New creates a new Gemini provider.
func New(ctx context.Context, apiKey string) (*Provider, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return &Provider{client: client}, nil
}

// Name returns the provider identifier.
func (p *Provider) Name() string { return "gemini" }

// List returns the Gemini models that support content generation.
func (p *Provider) List(ctx context.Context) ([]domain.Model, error) {
	var models []domain.Model
	for m, err := range p.client.Models.All(ctx) {
		if err != nil {
			return nil, fmt.Errorf("listing models: %w", err)
		}
		if !supportsGenerate(m) {
			continue
		}
		models = append(models, domain.Model{
			ID:        m.Name,
			Name:      m.DisplayName,
			Provider:  p.Name(),
			MaxTokens: int(max(m.InputTokenLimit, 0)),
		})
	}
	return models, nil
}

func supportsGenerate(m *genai.Model) bool {
	if strings.Contains(strings.ToLower(m.Name), "gemma") {
		return false
	}
	for _, action := range m.SupportedActions {
		if action == "generateContent" {
			return true
		}
	}
	return false
}

// Stream sends the conversation to Gemini and returns a stream over the reply.
func (p *Provider) Stream(ctx context.Context, modelName, instructions string, messages []model.Message) (model.ModelStream, error) {
	slog.Debug("Gemini.Stream", "model", modelName, "messageCount", len(messages))

	contents := toContents(messages)
	if len(contents) == 0 {
		return nil, fmt.Errorf("no content to send to %s", modelName)
	}

	config := &genai.GenerateContentConfig{}
	if instructions != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: instructions}},
		}
	}

	streamCtx, cancel := context.WithCancel(ctx)
	iter := p.client.Models.GenerateContentStream(streamCtx, modelName, contents, config)

	return &geminiStream{
		iter:   iter,
		cancel: cancel,
	}, nil
}

func toContents(messages []model.Message) []*genai.Content {
	var contents []*genai.Content
	for _, msg := range messages {
		var parts []*genai.Part
		for _, c := range msg.Content {
			switch c.Type {
			case model.ContentTypeText:
				if c.Text != "" {
					parts = append(parts, &genai.Part{Text: c.Text})
				}
			case model.ContentTypeFile:
				if c.File != nil && len(c.File.Data) > 0 {
					parts = append(parts, &genai.Part{
						InlineData: &genai.Blob{
							MIMEType: mimeType(c.File),
							Data:     c.File.Data,
						},
					})
				}
			}
		}
		if len(parts) == 0 {
			continue
		}

		role := "user"
		if msg.Role == domain.RoleAssistant {
			role = "model"
		}
		contents = append(contents, &genai.Content{Role: role, Parts: parts})
	}
	return contents
}

func mimeType(f *domain.File) string {
	if f.MIMEType != "" {
		return f.MIMEType
	}
	return "application/octet-stream"
}

// geminiStream wraps the Gemini streaming iterator.
type geminiStream struct {
	iter   func(yield func(*genai.GenerateContentResponse, error) bool)
	cancel context.CancelFunc
}

func (s *geminiStream) FullMessage() (model.Message, error) {
	var fullText strings.Builder

	for resp, err := range s.iter {
		if err != nil {
			return model.Message{}, err
		}
		if resp == nil {
			continue
		}
		for _, cand := range resp.Candidates {
			if cand.Content == nil {
				continue
			}
			for _, part := range cand.Content.Parts {
				if part.Text != "" && !part.Thought {
					fullText.WriteString(part.Text)
				}
			}
		}
	}

	return model.TextMessage(domain.RoleAssistant, fullText.String()), nil
}

func (s *geminiStream) Close() error {
	s.cancel()
	return nil
}
