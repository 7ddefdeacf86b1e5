package ai

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// GeminiProvider calls the Gemini API through google.golang.org/genai.
type GeminiProvider struct {
	baseURL string
}

// NewGeminiProvider creates a provider. An empty baseURL uses the SDK default.
func NewGeminiProvider(baseURL string) *GeminiProvider {
	return &GeminiProvider{baseURL: baseURL}
}

func (p *GeminiProvider) Name() string { return "gemini" }

func (p *GeminiProvider) Serves(model string) bool {
	return strings.HasPrefix(model, "gemini")
}

func (p *GeminiProvider) Complete(ctx context.Context, pr Prompt) (string, error) {
	cfg := &genai.ClientConfig{
		APIKey:  pr.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if p.baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: p.baseURL}
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return "", fmt.Errorf("create genai client: %w", err)
	}

	contents := make([]*genai.Content, 0, len(pr.History)+1)
	for _, turn := range pr.History {
		role := genai.Role(genai.RoleUser)
		if turn.Role == "assistant" {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(turn.Content, role))
	}
	contents = append(contents, genai.NewContentFromText(pr.Message, genai.RoleUser))

	resp, err := client.Models.GenerateContent(ctx, pr.Model, contents, &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(pr.System, genai.RoleUser),
		MaxOutputTokens:   int32(pr.MaxTokens),
	})
	if err != nil {
		return "", err
	}
	return resp.Text(), nil
}
