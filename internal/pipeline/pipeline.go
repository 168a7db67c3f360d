// Package pipeline wires loading, embedding, storage, and querying into the
// operations the CLI, HTTP API, and MCP server expose.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ragline/ragline/internal/config"
	"github.com/ragline/ragline/internal/loader"
	"github.com/ragline/ragline/internal/provider"
	"github.com/ragline/ragline/internal/queryengine"
	"github.com/ragline/ragline/internal/vectorstore"
)

// ProviderFactory builds embedding and generation clients for a resolved
// model profile. Injected so tests can run the pipeline without network
// credentials.
type ProviderFactory interface {
	Embedder(profile config.ModelProfile) (provider.Embedder, error)
	Generator(profile config.ModelProfile) (provider.Generator, error)
}

// IndexRequest describes one ingestion run.
type IndexRequest struct {
	Dir             string
	Collection      string
	ModelProfile    string
	FileTypeProfile string
}

// IndexStats summarizes an ingestion run. Warnings carry per-file failures
// that did not abort the run.
type IndexStats struct {
	DocumentsLoaded int              `json:"documents_loaded"`
	ChunksIndexed   int              `json:"chunks_indexed"`
	Warnings        []loader.Warning `json:"warnings,omitempty"`
}

// QueryRequest describes one question against an indexed collection.
type QueryRequest struct {
	Collection   string
	Question     string
	ModelProfile string
}

// FamilyVersions lists the versions of one document family, oldest first.
type FamilyVersions struct {
	Family   string   `json:"family"`
	Versions []string `json:"versions"`
	Latest   string   `json:"latest"`
}

// Pipeline is the top-level facade over the ingestion and query flows.
type Pipeline struct {
	cfg     config.Config
	store   vectorstore.Store
	factory ProviderFactory
	logger  *slog.Logger
}

// New creates a Pipeline. A nil factory uses the real provider clients; a
// nil logger uses slog's default handler.
func New(cfg config.Config, store vectorstore.Store, factory ProviderFactory, logger *slog.Logger) *Pipeline {
	if factory == nil {
		factory = NewProviderFactory(cfg.Retry)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{cfg: cfg, store: store, factory: factory, logger: logger}
}

// LoadAndIndex scans a directory, chunks and embeds its documents, and
// upserts them into the collection. Profiles are resolved before any I/O so
// a typo fails fast; the collection is created only after at least one
// document loaded, so a failed run never leaves an empty collection behind.
func (p *Pipeline) LoadAndIndex(ctx context.Context, req IndexRequest) (IndexStats, error) {
	profile, err := p.cfg.ResolveModel(req.ModelProfile)
	if err != nil {
		return IndexStats{}, err
	}
	exts, err := p.cfg.ResolveFileTypes(req.FileTypeProfile)
	if err != nil {
		return IndexStats{}, err
	}
	embedder, err := p.factory.Embedder(profile)
	if err != nil {
		return IndexStats{}, err
	}

	ld := loader.New(exts,
		loader.WithChunking(p.cfg.Index.MaxChunkSize, p.cfg.Index.ChunkOverlap),
		loader.WithLogger(p.logger))

	docs, warnings, err := ld.Load(req.Dir)
	if err != nil {
		return IndexStats{}, err
	}

	if err := p.store.CreateCollection(ctx, req.Collection, embedder.ModelID(), embedder.Dimension()); err != nil {
		return IndexStats{}, err
	}

	var chunks []loader.Chunk
	for _, doc := range docs {
		chunks = append(chunks, doc.Chunks...)
	}

	indexed, err := p.embedAndUpsert(ctx, req.Collection, embedder, chunks)
	if err != nil {
		return IndexStats{}, err
	}

	p.logger.Info("indexing complete",
		"collection", req.Collection,
		"documents", len(docs),
		"chunks", indexed,
		"warnings", len(warnings))

	return IndexStats{
		DocumentsLoaded: len(docs),
		ChunksIndexed:   indexed,
		Warnings:        warnings,
	}, nil
}

// embedAndUpsert embeds chunks in batches, several batches in flight at
// once, and upserts each batch as its vectors arrive.
func (p *Pipeline) embedAndUpsert(ctx context.Context, collection string, embedder provider.Embedder, chunks []loader.Chunk) (int, error) {
	batchSize := p.cfg.Index.EmbedBatchSize
	if batchSize <= 0 {
		batchSize = 16
	}

	g, gctx := errgroup.WithContext(ctx)
	if n := p.cfg.Index.EmbedConcurrency; n > 0 {
		g.SetLimit(n)
	}

	var mu sync.Mutex
	indexed := 0

	for start := 0; start < len(chunks); start += batchSize {
		end := start + batchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]

		g.Go(func() error {
			texts := make([]string, len(batch))
			for i, c := range batch {
				texts[i] = c.Text
			}

			vectors, err := embedder.Embed(gctx, texts)
			if err != nil {
				return fmt.Errorf("embedding batch of %d chunks: %w", len(batch), err)
			}

			records := make([]vectorstore.Record, len(batch))
			for i, c := range batch {
				records[i] = vectorstore.Record{
					ChunkID:     c.ID,
					Vector:      vectors[i],
					Text:        c.Text,
					SourcePath:  c.SourcePath,
					Version:     c.Version,
					Family:      c.Family,
					Seq:         c.Seq,
					StartOffset: c.StartOffset,
					EndOffset:   c.EndOffset,
				}
			}

			if err := p.store.Upsert(gctx, collection, records); err != nil {
				return fmt.Errorf("upserting batch of %d records: %w", len(records), err)
			}

			mu.Lock()
			indexed += len(records)
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return indexed, err
	}
	return indexed, nil
}

// Query answers a question against a collection using the given model
// profile.
func (p *Pipeline) Query(ctx context.Context, req QueryRequest) (queryengine.Result, error) {
	profile, err := p.cfg.ResolveModel(req.ModelProfile)
	if err != nil {
		return queryengine.Result{}, err
	}
	embedder, err := p.factory.Embedder(profile)
	if err != nil {
		return queryengine.Result{}, err
	}
	generator, err := p.factory.Generator(profile)
	if err != nil {
		return queryengine.Result{}, err
	}

	engine := queryengine.New(p.store, embedder, generator, queryengine.Config{
		TopK:             p.cfg.Query.TopK,
		SimilarityFloor:  p.cfg.Query.SimilarityFloor,
		MaxContextTokens: p.cfg.Query.MaxContextTokens,
	}, p.logger)

	return engine.Answer(ctx, req.Collection, req.Question)
}

// ListCollections returns all collections with their stats.
func (p *Pipeline) ListCollections(ctx context.Context) ([]vectorstore.CollectionInfo, error) {
	return p.store.ListCollections(ctx)
}

// DeleteCollection removes a collection and everything in it.
func (p *Pipeline) DeleteCollection(ctx context.Context, name string) error {
	return p.store.DeleteCollection(ctx, name)
}

// ListVersions returns the document families of a collection with their
// versions ordered oldest to newest.
func (p *Pipeline) ListVersions(ctx context.Context, collection string) ([]FamilyVersions, error) {
	infos, err := p.store.ListVersions(ctx, collection)
	if err != nil {
		return nil, err
	}

	byFamily := map[string][]string{}
	for _, v := range infos {
		byFamily[v.Family] = append(byFamily[v.Family], v.Version)
	}

	families := make([]string, 0, len(byFamily))
	for f := range byFamily {
		families = append(families, f)
	}
	sort.Strings(families)

	out := make([]FamilyVersions, 0, len(families))
	for _, f := range families {
		versions := byFamily[f]
		loader.SortVersions(versions)
		latest := ""
		if len(versions) > 0 {
			latest = versions[len(versions)-1]
		}
		out = append(out, FamilyVersions{Family: f, Versions: versions, Latest: latest})
	}
	return out, nil
}

// IndexFile re-indexes one file into a collection, replacing any records
// previously derived from the same path. Used by watch mode.
func (p *Pipeline) IndexFile(ctx context.Context, collection, modelProfile, fileTypeProfile, path string) (int, error) {
	profile, err := p.cfg.ResolveModel(modelProfile)
	if err != nil {
		return 0, err
	}
	exts, err := p.cfg.ResolveFileTypes(fileTypeProfile)
	if err != nil {
		return 0, err
	}
	embedder, err := p.factory.Embedder(profile)
	if err != nil {
		return 0, err
	}

	ld := loader.New(exts,
		loader.WithChunking(p.cfg.Index.MaxChunkSize, p.cfg.Index.ChunkOverlap),
		loader.WithLogger(p.logger))

	doc, err := ld.LoadFile(path)
	if err != nil {
		return 0, err
	}

	if err := p.store.CreateCollection(ctx, collection, embedder.ModelID(), embedder.Dimension()); err != nil {
		return 0, err
	}
	if _, err := p.store.DeleteBySource(ctx, collection, path); err != nil {
		return 0, err
	}
	return p.embedAndUpsert(ctx, collection, embedder, doc.Chunks)
}

// RemoveFile deletes all records derived from a source path. Used by watch
// mode when a file disappears.
func (p *Pipeline) RemoveFile(ctx context.Context, collection, path string) (int, error) {
	return p.store.DeleteBySource(ctx, collection, path)
}
