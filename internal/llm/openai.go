package llm

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/param"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/researchd/internal/apperr"
	"github.com/fyrsmithlabs/researchd/internal/config"
	"github.com/fyrsmithlabs/researchd/internal/logging"
)

// openaiGenerator calls an OpenAI-compatible chat completion endpoint.
type openaiGenerator struct {
	cfg    config.LLMConfig
	client openai.Client
	log    *logging.Logger
}

var _ Generator = (*openaiGenerator)(nil)

func newOpenAIGenerator(cfg config.LLMConfig, log *logging.Logger) (*openaiGenerator, error) {
	if !cfg.APIKey.IsSet() {
		return nil, apperr.E(apperr.Validation, "openai provider requires an api key")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey.Value())}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &openaiGenerator{
		cfg:    cfg,
		client: openai.NewClient(opts...),
		log:    log,
	}, nil
}

func (g *openaiGenerator) Name() string    { return "openai" }
func (g *openaiGenerator) Available() bool { return true }

// Generate sends the chat prompt and returns the first choice's content.
func (g *openaiGenerator) Generate(ctx context.Context, messages []Message) (string, error) {
	if len(messages) == 0 {
		return "", apperr.E(apperr.Validation, "messages cannot be empty")
	}

	prompt := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			prompt = append(prompt, openai.SystemMessage(msg.Content))
		case RoleAssistant:
			prompt = append(prompt, openai.AssistantMessage(msg.Content))
		default:
			prompt = append(prompt, openai.UserMessage(msg.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Messages: prompt,
		Model:    openai.ChatModel(g.cfg.Model),
	}
	if g.cfg.Temperature > 0 {
		params.Temperature = param.NewOpt(g.cfg.Temperature)
	}
	if g.cfg.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(g.cfg.MaxTokens))
	}

	start := time.Now()
	completion, err := g.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", classifyAPIError(ctx, err)
	}
	if len(completion.Choices) == 0 {
		return "", apperr.E(apperr.Internal, "no choices in completion")
	}

	g.log.Debug(ctx, "llm completion",
		zap.String("model", g.cfg.Model),
		zap.Duration("elapsed", time.Since(start)),
		zap.Int64("prompt_tokens", completion.Usage.PromptTokens),
		zap.Int64("completion_tokens", completion.Usage.CompletionTokens))
	return completion.Choices[0].Message.Content, nil
}

func classifyAPIError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return apperr.Wrap(apperr.DeadlineExceeded, err, "llm request")
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500 {
			return apperr.Wrap(apperr.Transient, err, "llm request")
		}
		return apperr.Wrap(apperr.Internal, err, "llm request")
	}
	return apperr.Wrap(apperr.Transient, err, "llm request")
}
