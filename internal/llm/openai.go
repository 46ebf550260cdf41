package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// Provider names with built-in endpoint defaults.
const (
	ProviderDeepSeek    = "deepseek"
	ProviderSiliconFlow = "siliconflow"
	ProviderOpenAI      = "openai"
)

type providerDefaults struct {
	baseURL string
	model   string
}

var defaults = map[string]providerDefaults{
	ProviderDeepSeek:    {"https://api.deepseek.com/v1", "deepseek-chat"},
	ProviderSiliconFlow: {"https://api.siliconflow.cn/v1", "deepseek-ai/DeepSeek-V3"},
	ProviderOpenAI:      {"https://api.openai.com/v1", openai.GPT4oMini},
}

// Config selects an OpenAI-compatible endpoint.
type Config struct {
	Provider       string
	APIKey         string
	BaseURL        string // empty = provider default
	Model          string // empty = provider default
	EmbeddingModel string // empty disables Embed
	Timeout        time.Duration
	Temperature    float32
	MaxTokens      int
}

// DefaultConfig returns the deepseek defaults used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Provider:    ProviderDeepSeek,
		Timeout:     30 * time.Second,
		Temperature: 0.7,
		MaxTokens:   1024,
	}
}

// Client talks to an OpenAI-compatible chat completions API.
type Client struct {
	api *openai.Client
	cfg Config
}

// NewClient resolves provider defaults and builds the client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("llm: api key is required")
	}
	if cfg.Provider == "" {
		cfg.Provider = ProviderDeepSeek
	}
	d, known := defaults[strings.ToLower(cfg.Provider)]
	if cfg.BaseURL == "" {
		if !known {
			return nil, fmt.Errorf("llm: unknown provider %q and no base url", cfg.Provider)
		}
		cfg.BaseURL = d.baseURL
	}
	if cfg.Model == "" {
		if d.model == "" {
			return nil, fmt.Errorf("llm: no model configured for provider %q", cfg.Provider)
		}
		cfg.Model = d.model
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	oc := openai.DefaultConfig(cfg.APIKey)
	oc.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	return &Client{api: openai.NewClientWithConfig(oc), cfg: cfg}, nil
}

// Model returns the resolved chat model.
func (c *Client) Model() string { return c.cfg.Model }

// Generate runs one chat completion under the configured timeout.
func (c *Client) Generate(ctx context.Context, messages []Message) Result {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req := openai.ChatCompletionRequest{
		Model:       c.cfg.Model,
		Messages:    make([]openai.ChatCompletionMessage, len(messages)),
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	}
	for i, m := range messages {
		req.Messages[i] = openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}

	start := time.Now()
	resp, err := c.api.CreateChatCompletion(ctx, req)
	if err != nil {
		if isTimeout(ctx, err) {
			slog.Warn("llm: request timed out", "provider", c.cfg.Provider, "timeout", c.cfg.Timeout)
			return Result{Err: fmt.Sprintf("%s request timed out after %s", c.cfg.Provider, c.cfg.Timeout), Timeout: true}
		}
		slog.Warn("llm: request failed", "provider", c.cfg.Provider, "error", err)
		return Result{Err: fmt.Sprintf("%s request failed: %v", c.cfg.Provider, err)}
	}
	if len(resp.Choices) == 0 {
		return Result{Err: c.cfg.Provider + " returned no choices"}
	}
	slog.Debug("llm: completion", "provider", c.cfg.Provider, "model", c.cfg.Model,
		"tokens", resp.Usage.TotalTokens, "duration", time.Since(start))
	return Result{Content: resp.Choices[0].Message.Content}
}

// Embed returns one vector per input text.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if c.cfg.EmbeddingModel == "" {
		return nil, errors.New("llm: no embedding model configured")
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	resp, err := c.api.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(c.cfg.EmbeddingModel),
	})
	if err != nil {
		return nil, fmt.Errorf("llm: embeddings: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("llm: embeddings: got %d vectors for %d inputs", len(resp.Data), len(texts))
	}
	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("llm: embeddings: index %d out of range", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
