// Package queryengine answers questions over an indexed collection: it
// embeds the question, retrieves the most similar chunks, and asks a chat
// model for an answer grounded in them.
package queryengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ragline/ragline/internal/vectorstore"
)

// ErrModelMismatch is returned when a query's embedding model differs from
// the one the collection was indexed with. Vectors from different models are
// not comparable.
var ErrModelMismatch = errors.New("embedding model does not match collection")

// Embedder turns texts into vectors. ModelID identifies the embedding model
// for the collection binding check.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	ModelID() string
}

// Generator produces a completion from a system and user prompt.
type Generator interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// Source identifies one retrieved chunk that grounded an answer.
type Source struct {
	ChunkID string  `json:"chunk_id"`
	Path    string  `json:"path"`
	Version string  `json:"version,omitempty"`
	Family  string  `json:"family,omitempty"`
	Score   float32 `json:"score"`
}

// Result is a grounded answer with the sources that produced it.
// LowConfidence is set when no retrieved chunk cleared the similarity floor;
// in that case no completion was requested and Answer explains the miss.
type Result struct {
	Answer        string   `json:"answer"`
	Sources       []Source `json:"sources"`
	LowConfidence bool     `json:"low_confidence"`
}

// Config tunes retrieval. Zero values fall back to the defaults.
type Config struct {
	TopK             int
	SimilarityFloor  float32
	MaxContextTokens int
}

const (
	defaultTopK            = 5
	defaultSimilarityFloor = 0.15
)

// Engine runs the retrieve-then-generate flow against one store.
type Engine struct {
	store     vectorstore.Store
	embedder  Embedder
	generator Generator
	cfg       Config
	logger    *slog.Logger
}

// New creates an Engine. A nil logger discards nothing and defaults to slog's
// global handler.
func New(store vectorstore.Store, embedder Embedder, generator Generator, cfg Config, logger *slog.Logger) *Engine {
	if cfg.TopK <= 0 {
		cfg.TopK = defaultTopK
	}
	if cfg.SimilarityFloor <= 0 {
		cfg.SimilarityFloor = defaultSimilarityFloor
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:     store,
		embedder:  embedder,
		generator: generator,
		cfg:       cfg,
		logger:    logger,
	}
}

// Answer retrieves context for the question from the collection and returns
// a grounded completion. The collection must have been indexed with the same
// embedding model the engine is configured with.
func (e *Engine) Answer(ctx context.Context, collection, question string) (Result, error) {
	info, err := e.store.GetCollection(ctx, collection)
	if err != nil {
		return Result{}, fmt.Errorf("fetching collection %q: %w", collection, err)
	}
	if info.ModelID != e.embedder.ModelID() {
		return Result{}, fmt.Errorf("collection %q was indexed with %q, query uses %q: %w",
			collection, info.ModelID, e.embedder.ModelID(), ErrModelMismatch)
	}

	vectors, err := e.embedder.Embed(ctx, []string{question})
	if err != nil {
		return Result{}, fmt.Errorf("embedding question: %w", err)
	}
	if len(vectors) != 1 {
		return Result{}, fmt.Errorf("embedding question: got %d vectors, want 1", len(vectors))
	}

	scored, err := e.store.Search(ctx, collection, vectors[0], e.cfg.TopK)
	if err != nil {
		return Result{}, fmt.Errorf("searching collection %q: %w", collection, err)
	}

	kept := scored[:0:0]
	for _, s := range scored {
		if s.Score >= e.cfg.SimilarityFloor {
			kept = append(kept, s)
		}
	}

	e.logger.Debug("retrieved context",
		"collection", collection,
		"candidates", len(scored),
		"above_floor", len(kept))

	if len(kept) == 0 {
		return Result{
			Answer:        "No indexed content was similar enough to the question to answer it confidently.",
			LowConfidence: true,
		}, nil
	}

	versions, err := e.store.ListVersions(ctx, collection)
	if err != nil {
		return Result{}, fmt.Errorf("listing versions of %q: %w", collection, err)
	}

	user := buildUserPrompt(question, kept, versions, e.cfg.MaxContextTokens)
	answer, err := e.generator.Complete(ctx, systemPrompt, user)
	if err != nil {
		return Result{}, fmt.Errorf("generating answer: %w", err)
	}

	sources := make([]Source, 0, len(kept))
	for _, s := range kept {
		sources = append(sources, Source{
			ChunkID: s.ChunkID,
			Path:    s.SourcePath,
			Version: s.Version,
			Family:  s.Family,
			Score:   s.Score,
		})
	}
	return Result{Answer: answer, Sources: sources}, nil
}
