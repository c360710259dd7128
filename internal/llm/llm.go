// Package llm provides text generation for synthesis and the research
// planner. The "none" provider keeps retrieval usable with no model
// configured; callers fall back to extractive output.
package llm

import (
	"context"

	"github.com/fyrsmithlabs/researchd/internal/apperr"
	"github.com/fyrsmithlabs/researchd/internal/config"
	"github.com/fyrsmithlabs/researchd/internal/logging"
)

// Role identifies the author of a chat message.
type Role string

// Chat roles.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of a chat prompt.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Generator produces a completion for a chat prompt.
type Generator interface {
	// Generate returns the assistant completion for the given messages.
	Generate(ctx context.Context, messages []Message) (string, error)
	// Name identifies the provider for cache keys and logs.
	Name() string
	// Available reports whether the provider can actually generate.
	Available() bool
}

// NewGenerator creates a generator from configuration.
func NewGenerator(cfg config.LLMConfig, log *logging.Logger) (Generator, error) {
	if log == nil {
		log = logging.NewNop()
	}
	switch cfg.Provider {
	case "openai":
		return newOpenAIGenerator(cfg, log)
	case "none", "":
		return noneGenerator{}, nil
	default:
		return nil, apperr.E(apperr.Validation, "unknown llm provider %q", cfg.Provider)
	}
}

// noneGenerator is the explicit no-model provider.
type noneGenerator struct{}

func (noneGenerator) Generate(context.Context, []Message) (string, error) {
	return "", apperr.E(apperr.Unsupported, "no llm provider configured")
}

func (noneGenerator) Name() string    { return "none" }
func (noneGenerator) Available() bool { return false }
