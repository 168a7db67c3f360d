package api

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/ragline/ragline/internal/config"
	"github.com/ragline/ragline/internal/pipeline"
	"github.com/ragline/ragline/internal/vectorstore"
)

func newTestMCPDeps(t *testing.T) MCPDeps {
	t.Helper()
	store, err := vectorstore.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := config.Config{
		ModelProfiles: map[string]config.ModelProfile{
			"default": {Provider: config.ProviderOpenAI, EmbeddingModel: "stub-a", EmbeddingDim: 4},
		},
		FileTypes: map[string][]string{"default": {".txt", ".md"}},
		Query:     config.QueryConfig{TopK: 3, SimilarityFloor: 0.01},
		Index:     config.IndexConfig{MaxChunkSize: 128, ChunkOverlap: 16, EmbedBatchSize: 4},
	}
	return MCPDeps{Pipeline: pipeline.New(cfg, store, stubFactory{}, nil)}
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func TestMCPTool_IndexAndAsk(t *testing.T) {
	deps := newTestMCPDeps(t)

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "policy_v3.txt"), []byte("Remote work is allowed three days per week."), 0o644); err != nil {
		t.Fatal(err)
	}

	indexHandler := mcpIndexDirectory(deps)
	result, err := indexHandler(context.Background(), makeCallToolRequest("index_directory", map[string]interface{}{
		"dir":        dir,
		"collection": "policies",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}

	var stats struct {
		DocumentsLoaded int `json:"documents_loaded"`
	}
	if err := json.Unmarshal([]byte(toolText(t, result)), &stats); err != nil {
		t.Fatalf("parsing stats: %v", err)
	}
	if stats.DocumentsLoaded != 1 {
		t.Errorf("DocumentsLoaded = %d", stats.DocumentsLoaded)
	}

	askHandler := mcpAskDocuments(deps)
	result, err = askHandler(context.Background(), makeCallToolRequest("ask_documents", map[string]interface{}{
		"collection": "policies",
		"question":   "Remote work is allowed three days per week.",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}
	if !strings.Contains(toolText(t, result), "grounded answer") {
		t.Errorf("result = %s", toolText(t, result))
	}
}

func TestMCPTool_IndexRequiresArgs(t *testing.T) {
	deps := newTestMCPDeps(t)
	handler := mcpIndexDirectory(deps)

	result, err := handler(context.Background(), makeCallToolRequest("index_directory", map[string]interface{}{
		"collection": "c",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Error("expected tool error for missing dir")
	}
}

func TestMCPTool_AskMissingCollection(t *testing.T) {
	deps := newTestMCPDeps(t)
	handler := mcpAskDocuments(deps)

	result, err := handler(context.Background(), makeCallToolRequest("ask_documents", map[string]interface{}{
		"collection": "ghost",
		"question":   "anything",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Error("expected tool error for missing collection")
	}
	if !strings.Contains(toolText(t, result), "not found") {
		t.Errorf("error text = %s", toolText(t, result))
	}
}

func TestMCPTool_ListCollectionsAndVersions(t *testing.T) {
	deps := newTestMCPDeps(t)

	dir := t.TempDir()
	for name, content := range map[string]string{
		"spec_v1.txt": "first draft",
		"spec_v2.txt": "second draft",
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	indexHandler := mcpIndexDirectory(deps)
	if result, err := indexHandler(context.Background(), makeCallToolRequest("index_directory", map[string]interface{}{
		"dir": dir, "collection": "specs",
	})); err != nil || result.IsError {
		t.Fatalf("indexing: err=%v result=%+v", err, result)
	}

	listHandler := mcpListCollections(deps)
	result, err := listHandler(context.Background(), makeCallToolRequest("list_collections", nil))
	if err != nil {
		t.Fatal(err)
	}
	var collections []struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal([]byte(toolText(t, result)), &collections); err != nil {
		t.Fatalf("parsing collections: %v", err)
	}
	if len(collections) != 1 || collections[0].Name != "specs" {
		t.Errorf("collections = %+v", collections)
	}

	versionsHandler := mcpListVersions(deps)
	result, err = versionsHandler(context.Background(), makeCallToolRequest("list_versions", map[string]interface{}{
		"collection": "specs",
	}))
	if err != nil {
		t.Fatal(err)
	}
	var families []struct {
		Family   string   `json:"family"`
		Versions []string `json:"versions"`
		Latest   string   `json:"latest"`
	}
	if err := json.Unmarshal([]byte(toolText(t, result)), &families); err != nil {
		t.Fatalf("parsing families: %v", err)
	}
	if len(families) != 1 || families[0].Latest != "v2" {
		t.Errorf("families = %+v", families)
	}
}
