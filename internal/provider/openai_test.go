package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func embedServer(t *testing.T, dim int, requests *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests != nil {
			requests.Add(1)
		}
		var req embeddingsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding request: %v", err)
		}

		resp := embeddingsResponse{}
		// Return in reverse order to verify index-based reassembly.
		for i := len(req.Input) - 1; i >= 0; i-- {
			vec := make([]float32, dim)
			vec[0] = float32(i + 1)
			resp.Data = append(resp.Data, struct {
				Index     int       `json:"index"`
				Embedding []float32 `json:"embedding"`
			}{Index: i, Embedding: vec})
		}
		json.NewEncoder(w).Encode(resp)
	}))
}

func TestOpenAI_EmbedOrderPreserved(t *testing.T) {
	srv := embedServer(t, 4, nil)
	defer srv.Close()

	c, err := NewOpenAI(OpenAIConfig{
		APIKey:     "test-key",
		BaseURL:    srv.URL,
		EmbedModel: "text-embedding-3-small",
		Dimension:  4,
	})
	if err != nil {
		t.Fatal(err)
	}

	vecs, err := c.Embed(context.Background(), []string{"one", "two", "three"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vecs) != 3 {
		t.Fatalf("got %d vectors, want 3", len(vecs))
	}
	for i, v := range vecs {
		if len(v) != 4 {
			t.Errorf("vector %d has dimension %d, want 4", i, len(v))
		}
		if v[0] != float32(i+1) {
			t.Errorf("vector %d out of order: marker %v", i, v[0])
		}
	}
}

func TestOpenAI_EmptyInputSkipsNetwork(t *testing.T) {
	var requests atomic.Int32
	srv := embedServer(t, 4, &requests)
	defer srv.Close()

	c, _ := NewOpenAI(OpenAIConfig{APIKey: "k", BaseURL: srv.URL, EmbedModel: "m", Dimension: 4})

	_, err := c.Embed(context.Background(), []string{"fine", ""})
	if !errors.Is(err, ErrEmptyInput) {
		t.Errorf("err = %v, want ErrEmptyInput", err)
	}
	if requests.Load() != 0 {
		t.Errorf("remote service contacted %d times for invalid input", requests.Load())
	}
}

func TestOpenAI_AuthFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"Incorrect API key provided","type":"invalid_request_error"}}`)
	}))
	defer srv.Close()

	c, _ := NewOpenAI(OpenAIConfig{APIKey: "bad", BaseURL: srv.URL, EmbedModel: "m"})

	_, err := c.Embed(context.Background(), []string{"text"})
	var pe *Error
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want *Error", err)
	}
	if pe.Provider != "openai" {
		t.Errorf("Provider = %q, want openai", pe.Provider)
	}
	if pe.Status != http.StatusUnauthorized {
		t.Errorf("Status = %d, want 401", pe.Status)
	}
	if !pe.Retryable() {
		t.Error("auth failure must spend the retry budget before surfacing")
	}
}

func TestOpenAI_DimensionMismatch(t *testing.T) {
	srv := embedServer(t, 8, nil)
	defer srv.Close()

	c, _ := NewOpenAI(OpenAIConfig{APIKey: "k", BaseURL: srv.URL, EmbedModel: "m", Dimension: 4})

	_, err := c.Embed(context.Background(), []string{"text"})
	if err == nil {
		t.Fatal("expected dimension mismatch error")
	}
}

func TestOpenAI_Complete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer k" {
			t.Errorf("Authorization = %q", got)
		}
		var req chatRequest
		json.NewDecoder(r.Body).Decode(&req)
		if len(req.Messages) != 2 || req.Messages[0].Role != "system" {
			t.Errorf("messages = %+v", req.Messages)
		}
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"grounded answer"}}]}`)
	}))
	defer srv.Close()

	c, _ := NewOpenAI(OpenAIConfig{APIKey: "k", BaseURL: srv.URL, ChatModel: "gpt-4o"})

	answer, err := c.Complete(context.Background(), "you are helpful", "what changed?")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if answer != "grounded answer" {
		t.Errorf("answer = %q", answer)
	}
}

func TestAzure_HeadersAndPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("api-key"); got != "azure-key" {
			t.Errorf("api-key header = %q", got)
		}
		if r.URL.Path != "/openai/deployments/embed-deploy/embeddings" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.URL.Query().Get("api-version"); got != "2024-02-15-preview" {
			t.Errorf("api-version = %q", got)
		}
		fmt.Fprint(w, `{"data":[{"index":0,"embedding":[0.1,0.2]}]}`)
	}))
	defer srv.Close()

	c, err := NewAzure(AzureConfig{
		APIKey:          "azure-key",
		Endpoint:        srv.URL,
		EmbedDeployment: "embed-deploy",
		Dimension:       2,
	})
	if err != nil {
		t.Fatal(err)
	}

	vecs, err := c.Embed(context.Background(), []string{"text"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vecs) != 1 || len(vecs[0]) != 2 {
		t.Errorf("vecs = %v", vecs)
	}
}

func TestNewOpenAI_RequiresKey(t *testing.T) {
	if _, err := NewOpenAI(OpenAIConfig{}); err == nil {
		t.Error("expected error for missing API key")
	}
}
