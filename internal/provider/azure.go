package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Azure is an Azure OpenAI client. It speaks the same wire format as OpenAI
// but addresses deployments on a resource endpoint and authenticates with an
// api-key header. It implements both Embedder and Generator.
type Azure struct {
	apiKey          string
	endpoint        string
	embedDeployment string
	chatDeployment  string
	apiVersion      string
	dimension       int
	timeout         time.Duration
	httpClient      *http.Client
}

// AzureConfig configures an Azure OpenAI client. Endpoint is the resource
// URL (https://<resource>.openai.azure.com); deployments are the names the
// models are deployed under.
type AzureConfig struct {
	APIKey          string
	Endpoint        string
	EmbedDeployment string
	ChatDeployment  string
	APIVersion      string
	Dimension       int
	Timeout         time.Duration
	HTTPClient      *http.Client
}

// NewAzure creates an Azure OpenAI client.
func NewAzure(cfg AzureConfig) (*Azure, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("azure: missing API key (set AZURE_OPENAI_API_KEY)")
	}
	if cfg.Endpoint == "" {
		return nil, errors.New("azure: missing endpoint")
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = "2024-02-15-preview"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	return &Azure{
		apiKey:          cfg.APIKey,
		endpoint:        strings.TrimRight(cfg.Endpoint, "/"),
		embedDeployment: cfg.EmbedDeployment,
		chatDeployment:  cfg.ChatDeployment,
		apiVersion:      cfg.APIVersion,
		dimension:       cfg.Dimension,
		timeout:         cfg.Timeout,
		httpClient:      cfg.HTTPClient,
	}, nil
}

// ModelID returns the embedding deployment name recorded on collections.
func (c *Azure) ModelID() string { return c.embedDeployment }

// Dimension returns the configured embedding dimensionality.
func (c *Azure) Dimension() int { return c.dimension }

// Embed returns one vector per input text, order preserved.
func (c *Azure) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if err := validateInputs("azure", texts); err != nil {
		return nil, err
	}

	var resp embeddingsResponse
	err := doJSON(ctx, c.httpClient, "azure", "embed",
		c.deploymentURL(c.embedDeployment, "embeddings"),
		map[string]string{"api-key": c.apiKey},
		embeddingsRequest{Input: texts},
		&resp, c.timeout)
	if err != nil {
		return nil, err
	}
	return orderEmbeddings("azure", "embed", resp, len(texts), c.dimension)
}

// Complete sends a system+user chat exchange and returns the assistant text.
func (c *Azure) Complete(ctx context.Context, system, user string) (string, error) {
	if strings.TrimSpace(user) == "" {
		return "", ErrEmptyInput
	}

	messages := []chatMessage{}
	if system != "" {
		messages = append(messages, chatMessage{Role: "system", Content: system})
	}
	messages = append(messages, chatMessage{Role: "user", Content: user})

	var resp chatResponse
	err := doJSON(ctx, c.httpClient, "azure", "generate",
		c.deploymentURL(c.chatDeployment, "chat/completions"),
		map[string]string{"api-key": c.apiKey},
		chatRequest{Messages: messages},
		&resp, c.timeout)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", &Error{Provider: "azure", Op: "generate", Err: errors.New("response has no choices")}
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *Azure) deploymentURL(deployment, operation string) string {
	return fmt.Sprintf("%s/openai/deployments/%s/%s?api-version=%s",
		c.endpoint, url.PathEscape(deployment), operation, url.QueryEscape(c.apiVersion))
}
