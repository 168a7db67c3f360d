package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/ragline/ragline/internal/pipeline"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Pipeline *pipeline.Pipeline
}

// NewMCPServer creates an MCP server exposing the pipeline as tools, so
// agent hosts can index directories and ask grounded questions over stdio.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"ragline",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("ragline indexes local document directories and answers questions grounded in their content, with document version awareness."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("index_directory",
			mcp.WithDescription("Scan a directory, chunk and embed its documents, and store them in a named collection."),
			mcp.WithString("dir", mcp.Description("Directory to index"), mcp.Required()),
			mcp.WithString("collection", mcp.Description("Collection to index into"), mcp.Required()),
			mcp.WithString("model_profile", mcp.Description("Model profile name (default: default)")),
			mcp.WithString("file_type_profile", mcp.Description("File-type profile name (default: default)")),
		),
		mcpIndexDirectory(deps),
	)

	s.AddTool(
		mcp.NewTool("ask_documents",
			mcp.WithDescription("Answer a question grounded in an indexed collection, citing source files and versions."),
			mcp.WithString("collection", mcp.Description("Collection to query"), mcp.Required()),
			mcp.WithString("question", mcp.Description("The question to answer"), mcp.Required()),
			mcp.WithString("model_profile", mcp.Description("Model profile name (default: default)")),
		),
		mcpAskDocuments(deps),
	)

	s.AddTool(
		mcp.NewTool("list_collections",
			mcp.WithDescription("List indexed collections with their embedding model and record counts."),
		),
		mcpListCollections(deps),
	)

	s.AddTool(
		mcp.NewTool("list_versions",
			mcp.WithDescription("List the document families in a collection and their versions, oldest to newest."),
			mcp.WithString("collection", mcp.Description("Collection to inspect"), mcp.Required()),
		),
		mcpListVersions(deps),
	)

	return s
}

func mcpIndexDirectory(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dir, err := req.RequireString("dir")
		if err != nil {
			return mcpError("dir is required"), nil
		}
		collection, err := req.RequireString("collection")
		if err != nil {
			return mcpError("collection is required"), nil
		}

		stats, err := deps.Pipeline.LoadAndIndex(ctx, pipeline.IndexRequest{
			Dir:             dir,
			Collection:      collection,
			ModelProfile:    req.GetString("model_profile", ""),
			FileTypeProfile: req.GetString("file_type_profile", ""),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("indexing failed: %v", err)), nil
		}

		b, err := json.Marshal(stats)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal stats: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpAskDocuments(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		collection, err := req.RequireString("collection")
		if err != nil {
			return mcpError("collection is required"), nil
		}
		question, err := req.RequireString("question")
		if err != nil {
			return mcpError("question is required"), nil
		}

		result, err := deps.Pipeline.Query(ctx, pipeline.QueryRequest{
			Collection:   collection,
			Question:     question,
			ModelProfile: req.GetString("model_profile", ""),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("query failed: %v", err)), nil
		}

		b, err := json.Marshal(result)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpListCollections(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		infos, err := deps.Pipeline.ListCollections(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("listing collections failed: %v", err)), nil
		}

		type collectionSummary struct {
			Name          string `json:"name"`
			ModelID       string `json:"embedding_model"`
			Dimension     int    `json:"dimension"`
			RecordCount   int    `json:"record_count"`
			DocumentCount int    `json:"document_count"`
		}
		summaries := make([]collectionSummary, len(infos))
		for i, info := range infos {
			summaries[i] = collectionSummary(info)
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal collections: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpListVersions(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		collection, err := req.RequireString("collection")
		if err != nil {
			return mcpError("collection is required"), nil
		}

		families, err := deps.Pipeline.ListVersions(ctx, collection)
		if err != nil {
			return mcpError(fmt.Sprintf("listing versions failed: %v", err)), nil
		}

		b, err := json.Marshal(families)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal versions: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
