package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
)

// OpenAIConfig configures the OpenAI client.
type OpenAIConfig struct {
	APIKey            string
	BaseURL           string
	Model             string
	MaxTokens         int64
	Temperature       float64
	RequestsPerMinute float64
	MaxConcurrent     int
	Timeout           time.Duration

	// OnUsage, if set, receives the token usage of every completion.
	OnUsage func(promptTokens, completionTokens int64)
}

// DefaultOpenAIConfig returns default OpenAI configuration.
func DefaultOpenAIConfig() OpenAIConfig {
	return OpenAIConfig{
		Model:             "gpt-4o-mini",
		MaxTokens:         1500,
		Temperature:       0.2,
		RequestsPerMinute: 60,
		MaxConcurrent:     4,
		Timeout:           60 * time.Second,
	}
}

// OpenAIClient implements Completer over the OpenAI chat completions API.
type OpenAIClient struct {
	client  openai.Client
	config  OpenAIConfig
	limiter *Limiter
	logger  *slog.Logger
}

// NewOpenAIClient creates a rate-limited client.
func NewOpenAIClient(config OpenAIConfig, logger *slog.Logger) *OpenAIClient {
	defaults := DefaultOpenAIConfig()
	if config.Model == "" {
		config.Model = defaults.Model
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = defaults.MaxTokens
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	options := []option.RequestOption{option.WithAPIKey(config.APIKey), option.WithRequestTimeout(config.Timeout)}
	if config.BaseURL != "" {
		options = append(options, option.WithBaseURL(config.BaseURL))
	}

	return &OpenAIClient{
		client:  openai.NewClient(options...),
		config:  config,
		limiter: NewLimiter(config.RequestsPerMinute, config.MaxConcurrent),
		logger:  logger,
	}
}

// Model returns the configured model name.
func (c *OpenAIClient) Model() string { return c.config.Model }

// Complete implements Completer.
func (c *OpenAIClient) Complete(ctx context.Context, req Request) (string, error) {
	release, err := c.limiter.Acquire(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(req.User))

	params := openai.ChatCompletionNewParams{
		Messages: messages,
		Model:    openai.ChatModel(c.config.Model),
	}
	temperature := c.config.Temperature
	if req.Temperature > 0 {
		temperature = req.Temperature
	}
	params.Temperature = param.NewOpt(temperature)
	maxTokens := c.config.MaxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}
	params.MaxCompletionTokens = param.NewOpt(maxTokens)

	start := time.Now()
	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai chat completion: %w", err)
	}
	if len(completion.Choices) == 0 {
		return "", ErrEmptyCompletion
	}

	c.logger.Debug("Chat completion finished",
		"model", c.config.Model,
		"prompt_tokens", completion.Usage.PromptTokens,
		"completion_tokens", completion.Usage.CompletionTokens,
		"duration_ms", time.Since(start).Milliseconds())
	if c.config.OnUsage != nil {
		c.config.OnUsage(completion.Usage.PromptTokens, completion.Usage.CompletionTokens)
	}

	return completion.Choices[0].Message.Content, nil
}
