package ai

import (
	"context"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// DefaultAnthropicModel is used when a request names no model.
const DefaultAnthropicModel = "claude-sonnet-4-5-20250929"

// AnthropicProvider calls the Anthropic Messages API.
type AnthropicProvider struct {
	opts []option.RequestOption
}

// NewAnthropicProvider creates a provider. Extra options are applied to
// every client (base URL, retries); the API key comes from each prompt.
func NewAnthropicProvider(opts ...option.RequestOption) *AnthropicProvider {
	return &AnthropicProvider{opts: opts}
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) Serves(model string) bool {
	return strings.HasPrefix(model, "claude")
}

func (p *AnthropicProvider) Complete(ctx context.Context, pr Prompt) (string, error) {
	opts := append([]option.RequestOption{option.WithAPIKey(pr.APIKey)}, p.opts...)
	client := anthropic.NewClient(opts...)

	messages := make([]anthropic.MessageParam, 0, len(pr.History)+1)
	for _, turn := range pr.History {
		if turn.Role == "assistant" {
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(turn.Content)))
		} else {
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(turn.Content)))
		}
	}
	messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(pr.Message)))

	resp, err := client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(pr.Model),
		MaxTokens: int64(pr.MaxTokens),
		System:    []anthropic.TextBlockParam{{Text: pr.System}},
		Messages:  messages,
	})
	if err != nil {
		return "", err
	}

	var parts []string
	for _, block := range resp.Content {
		if block.Type == "text" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "\n"), nil
}
