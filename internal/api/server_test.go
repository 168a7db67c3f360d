package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/ragline/ragline/internal/config"
	"github.com/ragline/ragline/internal/pipeline"
	"github.com/ragline/ragline/internal/provider"
	"github.com/ragline/ragline/internal/vectorstore"
)

type stubEmbedder struct {
	modelID string
	dim     int
}

func (s *stubEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec := make([]float32, s.dim)
		for j, r := range t {
			vec[j%s.dim] += float32(r % 7)
		}
		out[i] = vec
	}
	return out, nil
}
func (s *stubEmbedder) Dimension() int  { return s.dim }
func (s *stubEmbedder) ModelID() string { return s.modelID }

type stubGenerator struct{}

func (stubGenerator) Complete(_ context.Context, _, _ string) (string, error) {
	return "grounded answer", nil
}

type stubFactory struct{}

func (stubFactory) Embedder(p config.ModelProfile) (provider.Embedder, error) {
	return &stubEmbedder{modelID: p.EmbeddingModel, dim: p.EmbeddingDim}, nil
}
func (stubFactory) Generator(config.ModelProfile) (provider.Generator, error) {
	return stubGenerator{}, nil
}

func newTestServer(t *testing.T, token string) *httptest.Server {
	t.Helper()
	store, err := vectorstore.OpenSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := config.Config{
		ModelProfiles: map[string]config.ModelProfile{
			"default": {Provider: config.ProviderOpenAI, EmbeddingModel: "stub-a", EmbeddingDim: 4},
			"other":   {Provider: config.ProviderOpenAI, EmbeddingModel: "stub-b", EmbeddingDim: 8},
		},
		FileTypes: map[string][]string{"default": {".txt", ".md"}},
		Query:     config.QueryConfig{TopK: 3, SimilarityFloor: 0.01},
		Index:     config.IndexConfig{MaxChunkSize: 128, ChunkOverlap: 16, EmbedBatchSize: 4},
	}
	p := pipeline.New(cfg, store, stubFactory{}, nil)

	srv := httptest.NewServer(NewHandler(Deps{Pipeline: p, Token: token}))
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
}

func errorType(t *testing.T, resp *http.Response) string {
	t.Helper()
	var body struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	decodeBody(t, resp, &body)
	return body.Error.Type
}

func writeCorpus(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestIndexAndQuery(t *testing.T) {
	srv := newTestServer(t, "")
	dir := writeCorpus(t, map[string]string{
		"handbook_v1.txt": "Employees get twenty vacation days.",
		"handbook_v2.txt": "Employees get twenty five vacation days.",
	})

	resp := postJSON(t, srv.URL+"/v1/index", map[string]string{"dir": dir, "collection": "hr"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("index status = %d", resp.StatusCode)
	}
	var stats struct {
		DocumentsLoaded int `json:"documents_loaded"`
		ChunksIndexed   int `json:"chunks_indexed"`
	}
	decodeBody(t, resp, &stats)
	if stats.DocumentsLoaded != 2 || stats.ChunksIndexed == 0 {
		t.Errorf("stats = %+v", stats)
	}

	resp = postJSON(t, srv.URL+"/v1/query", map[string]string{
		"collection": "hr",
		"question":   "Employees get twenty five vacation days.",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("query status = %d", resp.StatusCode)
	}
	var result struct {
		Answer  string `json:"answer"`
		Sources []struct {
			Path    string  `json:"path"`
			Version string  `json:"version"`
			Score   float32 `json:"score"`
		} `json:"sources"`
	}
	decodeBody(t, resp, &result)
	if result.Answer != "grounded answer" {
		t.Errorf("answer = %q", result.Answer)
	}
	if len(result.Sources) == 0 {
		t.Fatal("no sources")
	}
	if result.Sources[0].Version == "" {
		t.Errorf("source missing version: %+v", result.Sources[0])
	}
}

func TestQuery_MissingCollection(t *testing.T) {
	srv := newTestServer(t, "")

	resp := postJSON(t, srv.URL+"/v1/query", map[string]string{
		"collection": "ghost", "question": "anything",
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
	if got := errorType(t, resp); got != "not_found_error" {
		t.Errorf("error type = %q", got)
	}
}

func TestIndex_UnknownProfile(t *testing.T) {
	srv := newTestServer(t, "")

	resp := postJSON(t, srv.URL+"/v1/index", map[string]string{
		"dir": t.TempDir(), "collection": "c", "model_profile": "nope",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestIndex_MissingDirectory(t *testing.T) {
	srv := newTestServer(t, "")

	resp := postJSON(t, srv.URL+"/v1/index", map[string]string{
		"dir": "/nonexistent/ragline/docs", "collection": "c",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	if got := errorType(t, resp); got != "invalid_request_error" {
		t.Errorf("error type = %q", got)
	}
}

func TestIndex_ModelConflict(t *testing.T) {
	srv := newTestServer(t, "")
	dir := writeCorpus(t, map[string]string{"a.txt": "some content"})

	resp := postJSON(t, srv.URL+"/v1/index", map[string]string{"dir": dir, "collection": "c"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first index status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/v1/index", map[string]string{
		"dir": dir, "collection": "c", "model_profile": "other",
	})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", resp.StatusCode)
	}
	if got := errorType(t, resp); got != "conflict_error" {
		t.Errorf("error type = %q", got)
	}
}

func TestCollectionsLifecycle(t *testing.T) {
	srv := newTestServer(t, "")
	dir := writeCorpus(t, map[string]string{"doc_v1.txt": "one", "doc_v2.txt": "two"})

	resp := postJSON(t, srv.URL+"/v1/index", map[string]string{"dir": dir, "collection": "docs"})
	resp.Body.Close()

	resp, err := http.Get(srv.URL + "/v1/collections")
	if err != nil {
		t.Fatal(err)
	}
	var listed struct {
		Collections []struct {
			Name          string `json:"name"`
			ModelID       string `json:"embedding_model"`
			DocumentCount int    `json:"document_count"`
		} `json:"collections"`
	}
	decodeBody(t, resp, &listed)
	if len(listed.Collections) != 1 || listed.Collections[0].Name != "docs" {
		t.Fatalf("collections = %+v", listed.Collections)
	}
	if listed.Collections[0].ModelID != "stub-a" || listed.Collections[0].DocumentCount != 2 {
		t.Errorf("collection info = %+v", listed.Collections[0])
	}

	resp, err = http.Get(srv.URL + "/v1/collections/docs/versions")
	if err != nil {
		t.Fatal(err)
	}
	var versions struct {
		Families []struct {
			Family   string   `json:"family"`
			Versions []string `json:"versions"`
			Latest   string   `json:"latest"`
		} `json:"families"`
	}
	decodeBody(t, resp, &versions)
	if len(versions.Families) != 1 || versions.Families[0].Latest != "v2" {
		t.Errorf("families = %+v", versions.Families)
	}

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/v1/collections/docs", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	req, _ = http.NewRequest(http.MethodDelete, srv.URL+"/v1/collections/docs", nil)
	resp, _ = http.DefaultClient.Do(req)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("second delete status = %d, want 200 (delete is idempotent)", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestBearerAuth(t *testing.T) {
	srv := newTestServer(t, "secret")

	resp, err := http.Get(srv.URL + "/v1/collections")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status without token = %d, want 401", resp.StatusCode)
	}
	if resp.Header.Get("WWW-Authenticate") == "" {
		t.Error("401 response missing WWW-Authenticate header")
	}
	resp.Body.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v1/collections", nil)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status with token = %d, want 200", resp.StatusCode)
	}
	resp.Body.Close()

	// Health stays open.
	resp, err = http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestRequestIDHeader(t *testing.T) {
	srv := newTestServer(t, "")

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID header")
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/healthz", nil)
	req.Header.Set("X-Request-ID", "given-id")
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	if got := resp2.Header.Get("X-Request-ID"); got != "given-id" {
		t.Errorf("X-Request-ID = %q, want given-id", got)
	}
}

func TestIndex_BadBody(t *testing.T) {
	srv := newTestServer(t, "")

	resp, err := http.Post(srv.URL+"/v1/index", "application/json", bytes.NewReader([]byte("{")))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/v1/index", map[string]string{"collection": "c"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status without dir = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()
}
