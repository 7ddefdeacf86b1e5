// Package ai turns a chat turn plus project context into a provider call
// and back into a structured response.
package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/kink2001crypto/aether-relay/internal/models"
)

var (
	// ErrMissingAPIKey is returned when neither the request nor the
	// configuration carries a credential for the selected provider.
	ErrMissingAPIKey = errors.New("missing API key")
	// ErrEmptyResponse is returned when a provider answers without text.
	ErrEmptyResponse = errors.New("provider returned no text")
	// ErrUnknownProvider is returned when no provider serves a model.
	ErrUnknownProvider = errors.New("no provider for model")
)

// Turn is one prior message sent to a provider.
type Turn struct {
	Role    string
	Content string
}

// Prompt is the provider-neutral request.
type Prompt struct {
	Model     string
	APIKey    string
	System    string
	History   []Turn
	Message   string
	MaxTokens int
}

// Provider is a text-generation backend.
type Provider interface {
	Name() string
	// Serves reports whether the provider handles the model name.
	Serves(model string) bool
	Complete(ctx context.Context, p Prompt) (string, error)
}

// Request is one chat turn as received from a client.
type Request struct {
	Message     string
	Model       string
	APIKey      string
	ProjectPath string
	Files       []models.FileContext
	History     []models.ChatMessage
}

// Response is the structured answer returned to the client.
type Response struct {
	Content    string             `json:"content"`
	CodeBlocks []models.CodeBlock `json:"codeBlocks,omitempty"`
}

// Config holds bridge-wide settings.
type Config struct {
	DefaultModel string
	MaxTokens    int
	// Keys maps provider names to configured credentials.
	Keys map[string]string
}

// Bridge routes chat requests to providers.
type Bridge struct {
	providers []Provider
	cfg       Config
	log       *zap.Logger
}

// NewBridge creates a bridge. Providers are consulted in order; the last one
// is the fallback for models no provider claims.
func NewBridge(cfg Config, log *zap.Logger, providers ...Provider) *Bridge {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Bridge{providers: providers, cfg: cfg, log: log.Named("ai")}
}

// Chat sends req to the provider serving its model.
func (b *Bridge) Chat(ctx context.Context, req Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = b.cfg.DefaultModel
	}
	provider, err := b.providerFor(model)
	if err != nil {
		return nil, err
	}

	key := req.APIKey
	if key == "" {
		key = b.cfg.Keys[provider.Name()]
	}
	if key == "" {
		return nil, fmt.Errorf("%s: %w", provider.Name(), ErrMissingAPIKey)
	}

	prompt := Prompt{
		Model:     model,
		APIKey:    key,
		System:    BuildSystemPrompt(req.ProjectPath, req.Files),
		History:   historyTurns(req.History),
		Message:   req.Message,
		MaxTokens: b.cfg.MaxTokens,
	}

	b.log.Debug("chat request",
		zap.String("provider", provider.Name()),
		zap.String("model", model),
		zap.Int("files", len(req.Files)),
		zap.Int("history", len(prompt.History)),
	)

	text, err := provider.Complete(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", provider.Name(), err)
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%s: %w", provider.Name(), ErrEmptyResponse)
	}

	return &Response{Content: text, CodeBlocks: ExtractCodeBlocks(text)}, nil
}

func (b *Bridge) providerFor(model string) (Provider, error) {
	if len(b.providers) == 0 {
		return nil, fmt.Errorf("%w %q", ErrUnknownProvider, model)
	}
	for _, p := range b.providers {
		if p.Serves(model) {
			return p, nil
		}
	}
	return b.providers[len(b.providers)-1], nil
}

func historyTurns(history []models.ChatMessage) []Turn {
	turns := make([]Turn, 0, len(history))
	for _, m := range history {
		if m.Role != models.RoleUser && m.Role != models.RoleAssistant {
			continue
		}
		turns = append(turns, Turn{Role: m.Role, Content: m.Content})
	}
	return turns
}
