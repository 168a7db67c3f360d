package vectorstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	chromago "github.com/amikos-tech/chroma-go/pkg/api/v2"
	"github.com/amikos-tech/chroma-go/pkg/embeddings"
)

// Compile-time check that ChromaStore implements Store.
var _ Store = (*ChromaStore)(nil)

// ChromaStore is the ChromaDB-backed Store. It delegates similarity search
// to the server's ANN index, which makes it the right backend once a corpus
// outgrows the brute-force SQLite scan. The embedding model binding lives in
// collection metadata.
type ChromaStore struct {
	client chromago.Client
}

// NewChroma connects to a ChromaDB server. An empty baseURL uses the
// client's default (http://localhost:8000).
func NewChroma(baseURL string) (*ChromaStore, error) {
	var opts []chromago.ClientOption
	if baseURL != "" {
		opts = append(opts, chromago.WithBaseURL(baseURL))
	}
	client, err := chromago.NewHTTPClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating chroma client: %w", err)
	}
	return &ChromaStore{client: client}, nil
}

// Close releases the underlying HTTP client.
func (s *ChromaStore) Close() error {
	return s.client.Close()
}

// CreateCollection creates a collection bound to an embedding model and
// dimension, recorded in collection metadata.
func (s *ChromaStore) CreateCollection(ctx context.Context, name, modelID string, dimension int) error {
	if dimension <= 0 {
		return fmt.Errorf("collection %q: dimension must be positive, got %d", name, dimension)
	}

	col, err := s.client.GetOrCreateCollection(ctx, name,
		chromago.WithCollectionMetadataCreate(
			chromago.NewMetadata(
				chromago.NewStringAttribute("embedding_model", modelID),
				chromago.NewIntAttribute("dimension", int64(dimension)),
				chromago.NewStringAttribute("hnsw:space", "cosine"),
			),
		),
	)
	if err != nil {
		return fmt.Errorf("creating collection %q: %w", name, err)
	}

	gotModel, gotDim, err := collectionBinding(col)
	if err != nil {
		return fmt.Errorf("reading binding of %q: %w", name, err)
	}
	if gotModel != modelID || gotDim != dimension {
		return fmt.Errorf("collection %q is bound to model %q (dim %d), requested %q (dim %d): %w",
			name, gotModel, gotDim, modelID, dimension, ErrCollectionConflict)
	}
	return nil
}

// GetCollection returns collection metadata or ErrCollectionNotFound.
func (s *ChromaStore) GetCollection(ctx context.Context, name string) (CollectionInfo, error) {
	col, err := s.getCollection(ctx, name)
	if err != nil {
		return CollectionInfo{}, err
	}

	modelID, dimension, err := collectionBinding(col)
	if err != nil {
		return CollectionInfo{}, fmt.Errorf("reading binding of %q: %w", name, err)
	}

	count, err := col.Count(ctx)
	if err != nil {
		return CollectionInfo{}, fmt.Errorf("counting records of %q: %w", name, err)
	}

	info := CollectionInfo{
		Name:        name,
		ModelID:     modelID,
		Dimension:   dimension,
		RecordCount: count,
	}

	if count > 0 {
		results, err := col.Get(ctx)
		if err != nil {
			return CollectionInfo{}, fmt.Errorf("fetching records of %q: %w", name, err)
		}
		sources := map[string]struct{}{}
		for _, md := range results.GetMetadatas() {
			m, err := metadataToMap(md)
			if err != nil {
				return CollectionInfo{}, err
			}
			if p, ok := m["source_path"].(string); ok {
				sources[p] = struct{}{}
			}
		}
		info.DocumentCount = len(sources)
	}
	return info, nil
}

// ListCollections returns all collections sorted by name.
func (s *ChromaStore) ListCollections(ctx context.Context) ([]CollectionInfo, error) {
	cols, err := s.client.ListCollections(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing collections: %w", err)
	}

	names := make([]string, 0, len(cols))
	for _, c := range cols {
		names = append(names, c.Name())
	}
	sort.Strings(names)

	infos := make([]CollectionInfo, 0, len(names))
	for _, n := range names {
		info, err := s.GetCollection(ctx, n)
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// DeleteCollection removes a collection and all its records. Deleting a
// collection that does not exist is a no-op.
func (s *ChromaStore) DeleteCollection(ctx context.Context, name string) error {
	if _, err := s.getCollection(ctx, name); err != nil {
		if errors.Is(err, ErrCollectionNotFound) {
			return nil
		}
		return err
	}
	if err := s.client.DeleteCollection(ctx, name); err != nil {
		return fmt.Errorf("deleting collection %q: %w", name, err)
	}
	return nil
}

// Upsert inserts records into a collection, replacing any with the same
// chunk ID.
func (s *ChromaStore) Upsert(ctx context.Context, collection string, records []Record) error {
	col, err := s.getCollection(ctx, collection)
	if err != nil {
		return err
	}
	_, dimension, err := collectionBinding(col)
	if err != nil {
		return fmt.Errorf("reading binding of %q: %w", collection, err)
	}

	ids := make([]chromago.DocumentID, 0, len(records))
	texts := make([]string, 0, len(records))
	vectors := make([]embeddings.Embedding, 0, len(records))
	metadatas := make([]chromago.DocumentMetadata, 0, len(records))

	for _, r := range records {
		if len(r.Vector) != dimension {
			return fmt.Errorf("record %s has dimension %d, collection %q expects %d: %w",
				r.ChunkID, len(r.Vector), collection, dimension, ErrDimensionMismatch)
		}
		indexedAt := r.IndexedAt
		if indexedAt.IsZero() {
			indexedAt = time.Now().UTC()
		}
		ids = append(ids, chromago.DocumentID(r.ChunkID))
		texts = append(texts, r.Text)
		vectors = append(vectors, embeddings.NewEmbeddingFromFloat32(r.Vector))
		metadatas = append(metadatas, chromago.NewDocumentMetadata(
			chromago.NewStringAttribute("source_path", r.SourcePath),
			chromago.NewStringAttribute("version", r.Version),
			chromago.NewStringAttribute("family", r.Family),
			chromago.NewIntAttribute("seq", int64(r.Seq)),
			chromago.NewIntAttribute("start_offset", int64(r.StartOffset)),
			chromago.NewIntAttribute("end_offset", int64(r.EndOffset)),
			chromago.NewStringAttribute("indexed_at", indexedAt.Format(time.RFC3339)),
		))
	}

	err = col.Upsert(ctx,
		chromago.WithIDs(ids...),
		chromago.WithTexts(texts...),
		chromago.WithEmbeddings(vectors...),
		chromago.WithMetadatas(metadatas...),
	)
	if err != nil {
		return fmt.Errorf("upserting %d records into %q: %w", len(records), collection, err)
	}
	return nil
}

// Search returns the top-K records most similar to the query vector. Chroma
// reports cosine distance; score is 1 - distance. Results are re-sorted
// client-side so tie-breaking matches the SQLite backend.
func (s *ChromaStore) Search(ctx context.Context, collection string, vector []float32, k int) ([]ScoredRecord, error) {
	if k < 1 {
		return nil, fmt.Errorf("top-K must be at least 1, got %d", k)
	}

	col, err := s.getCollection(ctx, collection)
	if err != nil {
		return nil, err
	}
	_, dimension, err := collectionBinding(col)
	if err != nil {
		return nil, fmt.Errorf("reading binding of %q: %w", collection, err)
	}
	if len(vector) != dimension {
		return nil, fmt.Errorf("query vector has dimension %d, collection %q expects %d: %w",
			len(vector), collection, dimension, ErrDimensionMismatch)
	}

	count, err := col.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("counting records of %q: %w", collection, err)
	}
	if count == 0 {
		return nil, fmt.Errorf("collection %q: %w", collection, ErrEmptyCollection)
	}
	if k > count {
		k = count
	}

	results, err := col.Query(ctx,
		chromago.WithQueryEmbeddings(embeddings.NewEmbeddingFromFloat32(vector)),
		chromago.WithNResults(k),
	)
	if err != nil {
		return nil, fmt.Errorf("querying %q: %w", collection, err)
	}

	idGroups := results.GetIDGroups()
	docGroups := results.GetDocumentsGroups()
	metaGroups := results.GetMetadatasGroups()
	distGroups := results.GetDistancesGroups()
	if len(idGroups) == 0 {
		return nil, nil
	}

	scored := make([]ScoredRecord, 0, len(idGroups[0]))
	for i, id := range idGroups[0] {
		r := Record{ChunkID: string(id)}
		if len(docGroups) > 0 && i < len(docGroups[0]) {
			r.Text = docGroups[0][i].ContentString()
		}
		var score float32
		if len(distGroups) > 0 && i < len(distGroups[0]) {
			score = 1 - float32(distGroups[0][i])
		}
		if len(metaGroups) > 0 && i < len(metaGroups[0]) {
			m, err := metadataToMap(metaGroups[0][i])
			if err != nil {
				return nil, err
			}
			applyRecordMetadata(&r, m)
		}
		scored = append(scored, ScoredRecord{Record: r, Score: score})
	}

	sortByScore(scored)
	return scored, nil
}

// DeleteBySource removes all records originating from the given source path.
func (s *ChromaStore) DeleteBySource(ctx context.Context, collection, sourcePath string) (int, error) {
	col, err := s.getCollection(ctx, collection)
	if err != nil {
		return 0, err
	}

	where := chromago.EqString("source_path", sourcePath)

	matched, err := col.Get(ctx, chromago.WithWhereGet(where))
	if err != nil {
		return 0, fmt.Errorf("finding records for %s: %w", sourcePath, err)
	}
	n := len(matched.GetIDs())
	if n == 0 {
		return 0, nil
	}

	if err := col.Delete(ctx, chromago.WithWhereDelete(where)); err != nil {
		return 0, fmt.Errorf("deleting records for %s: %w", sourcePath, err)
	}
	return n, nil
}

// ListVersions enumerates the document versions stored in a collection,
// grouped by family and ordered by family then version.
func (s *ChromaStore) ListVersions(ctx context.Context, collection string) ([]VersionInfo, error) {
	col, err := s.getCollection(ctx, collection)
	if err != nil {
		return nil, err
	}

	results, err := col.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching records of %q: %w", collection, err)
	}

	type key struct{ family, version, source string }
	counts := map[key]int{}
	for _, md := range results.GetMetadatas() {
		m, err := metadataToMap(md)
		if err != nil {
			return nil, err
		}
		k := key{
			family:  stringField(m, "family"),
			version: stringField(m, "version"),
			source:  stringField(m, "source_path"),
		}
		counts[k]++
	}

	versions := make([]VersionInfo, 0, len(counts))
	for k, n := range counts {
		versions = append(versions, VersionInfo{
			Family:     k.family,
			Version:    k.version,
			SourcePath: k.source,
			ChunkCount: n,
		})
	}

	// Match the SQLite backend's ordering.
	for i := 1; i < len(versions); i++ {
		for j := i; j > 0 && versionLess(versions[j], versions[j-1]); j-- {
			versions[j], versions[j-1] = versions[j-1], versions[j]
		}
	}
	return versions, nil
}

func versionLess(a, b VersionInfo) bool {
	if a.Family != b.Family {
		return a.Family < b.Family
	}
	return a.Version < b.Version
}

func (s *ChromaStore) getCollection(ctx context.Context, name string) (chromago.Collection, error) {
	col, err := s.client.GetCollection(ctx, name)
	if err != nil {
		msg := err.Error()
		if strings.Contains(msg, "not found") || strings.Contains(msg, "does not exist") {
			return nil, ErrCollectionNotFound
		}
		return nil, fmt.Errorf("fetching collection %q: %w", name, err)
	}
	return col, nil
}

// collectionBinding extracts the embedding model and dimension recorded in
// collection metadata.
func collectionBinding(col chromago.Collection) (string, int, error) {
	m, err := metadataToMap(col.Metadata())
	if err != nil {
		return "", 0, err
	}
	model := stringField(m, "embedding_model")
	dim := 0
	if v, ok := m["dimension"].(float64); ok {
		dim = int(v)
	}
	return model, dim, nil
}

// metadataToMap converts chroma metadata to a plain map via a JSON
// roundtrip, the accessor pattern the client library supports.
func metadataToMap(md any) (map[string]interface{}, error) {
	if md == nil {
		return map[string]interface{}{}, nil
	}
	jsonBytes, err := json.Marshal(md)
	if err != nil {
		return nil, fmt.Errorf("marshaling metadata: %w", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(jsonBytes, &m); err != nil {
		return nil, fmt.Errorf("unmarshaling metadata: %w", err)
	}
	return m, nil
}

func applyRecordMetadata(r *Record, m map[string]interface{}) {
	r.SourcePath = stringField(m, "source_path")
	r.Version = stringField(m, "version")
	r.Family = stringField(m, "family")
	r.Seq = intField(m, "seq")
	r.StartOffset = intField(m, "start_offset")
	r.EndOffset = intField(m, "end_offset")
	if ts := stringField(m, "indexed_at"); ts != "" {
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			r.IndexedAt = t
		}
	}
}

func stringField(m map[string]interface{}, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func intField(m map[string]interface{}, key string) int {
	if v, ok := m[key].(float64); ok {
		return int(v)
	}
	return 0
}
