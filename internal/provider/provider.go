package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// ErrEmptyInput is returned for a blank input text before any network call.
var ErrEmptyInput = errors.New("empty input text")

// Embedder turns texts into fixed-length vectors. Output order matches input
// order and every vector has Dimension() elements.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
	ModelID() string
}

// Generator produces a free-text completion for a grounded prompt.
type Generator interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// Error is a remote-service failure from an embedding or generation call.
// Timeout distinguishes a deadline expiry from a provider-side failure.
type Error struct {
	Provider   string
	Op         string // "embed" or "generate"
	Status     int    // HTTP status, 0 for transport errors
	RetryAfter time.Duration
	Timeout    bool
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.Timeout:
		return fmt.Sprintf("%s %s: timed out: %v", e.Provider, e.Op, e.Err)
	case e.Status != 0:
		return fmt.Sprintf("%s %s: status %d: %v", e.Provider, e.Op, e.Status, e.Err)
	default:
		return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the retry budget should be spent on the error:
// timeouts, transport failures, rate limiting, server errors, and
// authentication failures all retry up to the bounded attempt count before
// surfacing. A bad request is permanent.
func (e *Error) Retryable() bool {
	switch {
	case e.Timeout, e.Status == 0, e.Status >= 500:
		return true
	case e.Status == http.StatusTooManyRequests,
		e.Status == http.StatusUnauthorized,
		e.Status == http.StatusForbidden:
		return true
	default:
		return false
	}
}

// OpenAI-compatible wire format, shared by the OpenAI and Azure clients.

type embeddingsRequest struct {
	Model string   `json:"model,omitempty"`
	Input []string `json:"input"`
}

type embeddingsResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model,omitempty"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type apiErrorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// doJSON posts a JSON payload and decodes a JSON response, mapping transport,
// deadline, and HTTP-status failures to *Error.
func doJSON(ctx context.Context, client *http.Client, providerName, op, url string, headers map[string]string, payload, out any, timeout time.Duration) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return &Error{Provider: providerName, Op: op, Err: fmt.Errorf("encoding request: %w", err)}
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return &Error{Provider: providerName, Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return &Error{Provider: providerName, Op: op, Timeout: true, Err: err}
		}
		return &Error{Provider: providerName, Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		msg := string(data)
		var apiErr apiErrorBody
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error.Message != "" {
			msg = apiErr.Error.Message
		}
		return &Error{
			Provider:   providerName,
			Op:         op,
			Status:     resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Err:        errors.New(msg),
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Provider: providerName, Op: op, Err: fmt.Errorf("decoding response: %w", err)}
	}
	return nil
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	secs, err := strconv.Atoi(header)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// validateInputs rejects blank texts without contacting the remote service.
func validateInputs(providerName string, texts []string) error {
	for i, text := range texts {
		if len(text) == 0 {
			return fmt.Errorf("%s: text %d: %w", providerName, i, ErrEmptyInput)
		}
	}
	return nil
}

// orderEmbeddings rearranges the response data by index and checks count and
// dimensionality against the request.
func orderEmbeddings(providerName, op string, resp embeddingsResponse, wantCount, wantDim int) ([][]float32, error) {
	if len(resp.Data) != wantCount {
		return nil, &Error{
			Provider: providerName, Op: op,
			Err: fmt.Errorf("got %d embeddings for %d inputs", len(resp.Data), wantCount),
		}
	}
	out := make([][]float32, wantCount)
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= wantCount {
			return nil, &Error{Provider: providerName, Op: op, Err: fmt.Errorf("embedding index %d out of range", d.Index)}
		}
		if wantDim > 0 && len(d.Embedding) != wantDim {
			return nil, &Error{
				Provider: providerName, Op: op,
				Err: fmt.Errorf("embedding %d has dimension %d, want %d", d.Index, len(d.Embedding), wantDim),
			}
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}
