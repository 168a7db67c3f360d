package provider

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAI is an OpenAI embeddings and chat-completions client. It implements
// both Embedder and Generator.
type OpenAI struct {
	apiKey     string
	baseURL    string
	embedModel string
	chatModel  string
	dimension  int
	timeout    time.Duration
	httpClient *http.Client
}

// OpenAIConfig configures an OpenAI client. APIKey is required; BaseURL
// defaults to the public API.
type OpenAIConfig struct {
	APIKey     string
	BaseURL    string
	EmbedModel string
	ChatModel  string
	Dimension  int
	Timeout    time.Duration
	HTTPClient *http.Client
}

// NewOpenAI creates an OpenAI client.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: missing API key (set OPENAI_API_KEY)")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultOpenAIBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	return &OpenAI{
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		embedModel: cfg.EmbedModel,
		chatModel:  cfg.ChatModel,
		dimension:  cfg.Dimension,
		timeout:    cfg.Timeout,
		httpClient: cfg.HTTPClient,
	}, nil
}

// ModelID returns the embedding model identifier recorded on collections.
func (c *OpenAI) ModelID() string { return c.embedModel }

// Dimension returns the configured embedding dimensionality.
func (c *OpenAI) Dimension() int { return c.dimension }

// Embed returns one vector per input text, order preserved.
func (c *OpenAI) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if err := validateInputs("openai", texts); err != nil {
		return nil, err
	}

	var resp embeddingsResponse
	err := doJSON(ctx, c.httpClient, "openai", "embed",
		c.baseURL+"/embeddings",
		c.authHeaders(),
		embeddingsRequest{Model: c.embedModel, Input: texts},
		&resp, c.timeout)
	if err != nil {
		return nil, err
	}
	return orderEmbeddings("openai", "embed", resp, len(texts), c.dimension)
}

// Complete sends a system+user chat exchange and returns the assistant text.
func (c *OpenAI) Complete(ctx context.Context, system, user string) (string, error) {
	if strings.TrimSpace(user) == "" {
		return "", ErrEmptyInput
	}

	messages := []chatMessage{}
	if system != "" {
		messages = append(messages, chatMessage{Role: "system", Content: system})
	}
	messages = append(messages, chatMessage{Role: "user", Content: user})

	var resp chatResponse
	err := doJSON(ctx, c.httpClient, "openai", "generate",
		c.baseURL+"/chat/completions",
		c.authHeaders(),
		chatRequest{Model: c.chatModel, Messages: messages},
		&resp, c.timeout)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", &Error{Provider: "openai", Op: "generate", Err: errors.New("response has no choices")}
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *OpenAI) authHeaders() map[string]string {
	return map[string]string{"Authorization": "Bearer " + c.apiKey}
}
