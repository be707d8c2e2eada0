// Package llm wraps the metered completion and embedding provider. Every
// call reports its token usage so the budget gateway can settle it against
// the ledger; nothing in this package spends without the caller's grant.
package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// Usage is the token and latency accounting of one provider call.
type Usage struct {
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
	CostUSD          float64
	LatencyMS        int64
}

// Completion is the result of one chat call.
type Completion struct {
	Text  string
	Usage Usage
}

// Client is the provider surface the pipeline depends on.
type Client interface {
	Complete(ctx context.Context, system, user string, maxTokens int64) (Completion, error)
	Embed(ctx context.Context, texts []string) ([][]float32, Usage, error)
	Model() string
	EmbeddingModel() string
}

// modelPricing is USD per 1M tokens.
type modelPricing struct {
	prompt     float64
	completion float64
}

var pricing = map[string]modelPricing{
	"gpt-4o-mini":            {prompt: 0.15, completion: 0.60},
	"gpt-4o":                 {prompt: 2.50, completion: 10.00},
	"gpt-4.1-mini":           {prompt: 0.40, completion: 1.60},
	"text-embedding-3-small": {prompt: 0.02},
	"text-embedding-3-large": {prompt: 0.13},
}

// Cost estimates the USD cost of a call; unknown models cost zero.
func Cost(model string, promptTokens, completionTokens int64) float64 {
	p, ok := pricing[model]
	if !ok {
		return 0
	}
	return (float64(promptTokens)*p.prompt + float64(completionTokens)*p.completion) / 1_000_000
}

// OpenAIClient implements Client over the OpenAI API.
type OpenAIClient struct {
	client         *openai.Client
	model          string
	embeddingModel string
	temperature    float32
}

// Config configures the OpenAI-backed client.
type Config struct {
	APIKey         string
	BaseURL        string
	Model          string
	EmbeddingModel string
	Temperature    float32
}

// NewOpenAIClient builds the provider client.
func NewOpenAIClient(cfg Config) (*OpenAIClient, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("llm api key required")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	embeddingModel := cfg.EmbeddingModel
	if embeddingModel == "" {
		embeddingModel = "text-embedding-3-small"
	}
	temperature := cfg.Temperature
	if temperature == 0 {
		temperature = 0.2
	}
	return &OpenAIClient{
		client:         openai.NewClientWithConfig(clientCfg),
		model:          model,
		embeddingModel: embeddingModel,
		temperature:    temperature,
	}, nil
}

func (c *OpenAIClient) Model() string          { return c.model }
func (c *OpenAIClient) EmbeddingModel() string { return c.embeddingModel }

// Complete runs one chat completion bounded by maxTokens.
func (c *OpenAIClient) Complete(ctx context.Context, system, user string, maxTokens int64) (Completion, error) {
	start := time.Now()
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		Temperature: c.temperature,
		MaxTokens:   int(maxTokens),
	})
	if err != nil {
		return Completion{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Completion{}, fmt.Errorf("chat completion: empty response")
	}
	usage := Usage{
		PromptTokens:     int64(resp.Usage.PromptTokens),
		CompletionTokens: int64(resp.Usage.CompletionTokens),
		TotalTokens:      int64(resp.Usage.TotalTokens),
		LatencyMS:        time.Since(start).Milliseconds(),
	}
	usage.CostUSD = Cost(c.model, usage.PromptTokens, usage.CompletionTokens)
	return Completion{Text: resp.Choices[0].Message.Content, Usage: usage}, nil
}

// Embed returns one vector per input text.
func (c *OpenAIClient) Embed(ctx context.Context, texts []string) ([][]float32, Usage, error) {
	if len(texts) == 0 {
		return nil, Usage{}, nil
	}
	start := time.Now()
	resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(c.embeddingModel),
	})
	if err != nil {
		return nil, Usage{}, fmt.Errorf("embeddings: %w", err)
	}
	vecs := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		vecs[i] = d.Embedding
	}
	usage := Usage{
		PromptTokens: int64(resp.Usage.PromptTokens),
		TotalTokens:  int64(resp.Usage.TotalTokens),
		LatencyMS:    time.Since(start).Milliseconds(),
	}
	usage.CostUSD = Cost(c.embeddingModel, usage.PromptTokens, 0)
	return vecs, usage, nil
}
