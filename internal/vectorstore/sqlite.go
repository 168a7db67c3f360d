package vectorstore

import (
	"container/heap"
	"context"
	"database/sql"
	"embed"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore is the default Store backend: collections and embeddings live
// in a single SQLite database, and search is a brute-force cosine scan with
// a top-K heap. Good up to roughly 100K vectors per collection; beyond that
// the Chroma backend with ANN indexes is the better fit.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database (used by
// tests).
func OpenSQLite(dataDir string) (*SQLiteStore, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "ragline.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't
// been run yet.
func (s *SQLiteStore) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		var version int
		if _, err := fmt.Sscanf(entry.Name(), "%d_", &version); err != nil {
			return fmt.Errorf("parsing migration version from %q: %w", entry.Name(), err)
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

// CreateCollection creates a collection bound to an embedding model and
// dimension.
func (s *SQLiteStore) CreateCollection(ctx context.Context, name, modelID string, dimension int) error {
	if dimension <= 0 {
		return fmt.Errorf("collection %q: dimension must be positive, got %d", name, dimension)
	}

	existing, err := s.GetCollection(ctx, name)
	if err == nil {
		if existing.ModelID != modelID || existing.Dimension != dimension {
			return fmt.Errorf("collection %q is bound to model %q (dim %d), requested %q (dim %d): %w",
				name, existing.ModelID, existing.Dimension, modelID, dimension, ErrCollectionConflict)
		}
		return nil
	}
	if err != ErrCollectionNotFound {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO collections (name, embedding_model, dimension, created_at)
		VALUES (?, ?, ?, ?)`,
		name, modelID, dimension, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("creating collection %q: %w", name, err)
	}
	return nil
}

// GetCollection returns collection metadata or ErrCollectionNotFound.
func (s *SQLiteStore) GetCollection(ctx context.Context, name string) (CollectionInfo, error) {
	var info CollectionInfo
	err := s.db.QueryRowContext(ctx,
		"SELECT name, embedding_model, dimension FROM collections WHERE name = ?", name,
	).Scan(&info.Name, &info.ModelID, &info.Dimension)
	if err == sql.ErrNoRows {
		return CollectionInfo{}, ErrCollectionNotFound
	}
	if err != nil {
		return CollectionInfo{}, fmt.Errorf("fetching collection %q: %w", name, err)
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(DISTINCT source_path)
		FROM records WHERE collection = ?`, name,
	).Scan(&info.RecordCount, &info.DocumentCount)
	if err != nil {
		return CollectionInfo{}, fmt.Errorf("counting records for %q: %w", name, err)
	}
	return info, nil
}

// ListCollections returns all collections sorted by name.
func (s *SQLiteStore) ListCollections(ctx context.Context) ([]CollectionInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT name FROM collections ORDER BY name ASC")
	if err != nil {
		return nil, fmt.Errorf("listing collections: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("scanning collection name: %w", err)
		}
		names = append(names, n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

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
func (s *SQLiteStore) DeleteCollection(ctx context.Context, name string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning delete transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM records WHERE collection = ?", name); err != nil {
		return fmt.Errorf("deleting records of %q: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM collections WHERE name = ?", name); err != nil {
		return fmt.Errorf("deleting collection %q: %w", name, err)
	}
	return tx.Commit()
}

// Upsert inserts records into a collection, replacing any with the same
// chunk ID.
func (s *SQLiteStore) Upsert(ctx context.Context, collection string, records []Record) error {
	info, err := s.GetCollection(ctx, collection)
	if err != nil {
		return err
	}
	for _, r := range records {
		if len(r.Vector) != info.Dimension {
			return fmt.Errorf("record %s has dimension %d, collection %q expects %d: %w",
				r.ChunkID, len(r.Vector), collection, info.Dimension, ErrDimensionMismatch)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning upsert transaction: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO records
			(collection, chunk_id, embedding, text_chunk, source_path, version, family, seq, start_offset, end_offset, indexed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing upsert statement: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		indexedAt := r.IndexedAt
		if indexedAt.IsZero() {
			indexedAt = time.Now().UTC()
		}
		if _, err := stmt.ExecContext(ctx, collection, r.ChunkID, encodeFloat32s(r.Vector),
			r.Text, r.SourcePath, r.Version, r.Family, r.Seq, r.StartOffset, r.EndOffset,
			indexedAt.Format(time.RFC3339)); err != nil {
			tx.Rollback()
			return fmt.Errorf("upserting record %s: %w", r.ChunkID, err)
		}
	}

	return tx.Commit()
}

// idScore holds only the chunk ID and score during the scan phase of Search.
// Full record details are fetched only for top-K winners.
type idScore struct {
	ID    string
	Score float32
}

// Search performs brute-force cosine similarity search over a collection,
// returning the top-K most similar records sorted by score descending with
// ties broken by chunk ID ascending.
func (s *SQLiteStore) Search(ctx context.Context, collection string, vector []float32, k int) ([]ScoredRecord, error) {
	if k < 1 {
		return nil, fmt.Errorf("top-K must be at least 1, got %d", k)
	}

	info, err := s.GetCollection(ctx, collection)
	if err != nil {
		return nil, err
	}
	if len(vector) != info.Dimension {
		return nil, fmt.Errorf("query vector has dimension %d, collection %q expects %d: %w",
			len(vector), collection, info.Dimension, ErrDimensionMismatch)
	}
	if info.RecordCount == 0 {
		return nil, fmt.Errorf("collection %q: %w", collection, ErrEmptyCollection)
	}
	if k > info.RecordCount {
		k = info.RecordCount
	}

	// Phase 1: scan only chunk_id + embedding to find top-K candidates.
	rows, err := s.db.QueryContext(ctx,
		"SELECT chunk_id, embedding FROM records WHERE collection = ?", collection)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}
	defer rows.Close()

	queryNorm := norm(vector)

	h := &idScoreHeap{}
	heap.Init(h)

	// Reusable buffer for decoding embeddings to avoid per-row allocations.
	var buf []float32

	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}

		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", id, err)
		}

		cand := idScore{ID: id, Score: cosine(vector, buf, queryNorm)}
		if h.Len() < k {
			heap.Push(h, cand)
		} else if worse((*h)[0], cand) {
			(*h)[0] = cand
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	if h.Len() == 0 {
		return nil, nil
	}

	// Phase 2: fetch full records only for the top-K IDs.
	topIDs := make([]string, h.Len())
	scores := make(map[string]float32, h.Len())
	for i := len(topIDs) - 1; i >= 0; i-- {
		item := heap.Pop(h).(idScore)
		topIDs[i] = item.ID
		scores[item.ID] = item.Score
	}

	queryArgs := make([]interface{}, 0, len(topIDs)+1)
	queryArgs = append(queryArgs, collection)
	for _, id := range topIDs {
		queryArgs = append(queryArgs, id)
	}
	fullQuery := `SELECT chunk_id, embedding, text_chunk, source_path, version, family, seq, start_offset, end_offset, indexed_at
		FROM records WHERE collection = ? AND chunk_id IN (?` + strings.Repeat(",?", len(topIDs)-1) + `)`

	fullRows, err := s.db.QueryContext(ctx, fullQuery, queryArgs...)
	if err != nil {
		return nil, fmt.Errorf("fetching top-K records: %w", err)
	}
	defer fullRows.Close()

	var results []ScoredRecord
	for fullRows.Next() {
		r, err := scanRecord(fullRows)
		if err != nil {
			return nil, err
		}
		results = append(results, ScoredRecord{Record: r, Score: scores[r.ChunkID]})
	}
	if err := fullRows.Err(); err != nil {
		return nil, fmt.Errorf("iterating full records: %w", err)
	}

	// Sort results by score descending (IN query doesn't preserve order).
	sortByScore(results)

	return results, nil
}

// DeleteBySource removes all records originating from the given source path.
func (s *SQLiteStore) DeleteBySource(ctx context.Context, collection, sourcePath string) (int, error) {
	if _, err := s.GetCollection(ctx, collection); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM records WHERE collection = ? AND source_path = ?", collection, sourcePath)
	if err != nil {
		return 0, fmt.Errorf("deleting records for %s: %w", sourcePath, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// ListVersions enumerates the document versions stored in a collection,
// grouped by family and ordered by family then version.
func (s *SQLiteStore) ListVersions(ctx context.Context, collection string) ([]VersionInfo, error) {
	if _, err := s.GetCollection(ctx, collection); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT family, version, source_path, COUNT(*)
		FROM records WHERE collection = ?
		GROUP BY family, version, source_path
		ORDER BY family ASC, version ASC`, collection)
	if err != nil {
		return nil, fmt.Errorf("listing versions: %w", err)
	}
	defer rows.Close()

	var versions []VersionInfo
	for rows.Next() {
		var v VersionInfo
		if err := rows.Scan(&v.Family, &v.Version, &v.SourcePath, &v.ChunkCount); err != nil {
			return nil, fmt.Errorf("scanning version row: %w", err)
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func scanRecord(rows *sql.Rows) (Record, error) {
	var r Record
	var blob []byte
	var indexedAt string
	if err := rows.Scan(&r.ChunkID, &blob, &r.Text, &r.SourcePath, &r.Version, &r.Family,
		&r.Seq, &r.StartOffset, &r.EndOffset, &indexedAt); err != nil {
		return Record{}, fmt.Errorf("scanning record: %w", err)
	}
	vec, err := decodeFloat32s(blob)
	if err != nil {
		return Record{}, fmt.Errorf("decoding embedding for %s: %w", r.ChunkID, err)
	}
	r.Vector = vec
	t, err := time.Parse(time.RFC3339, indexedAt)
	if err != nil {
		return Record{}, fmt.Errorf("parsing indexed_at: %w", err)
	}
	r.IndexedAt = t
	return r, nil
}

// worse reports whether a ranks below b: lower score, or equal score with a
// lexically greater chunk ID. Keeps search results deterministic on ties.
func worse(a, b idScore) bool {
	if a.Score != b.Score {
		return a.Score < b.Score
	}
	return a.ID > b.ID
}

// sortByScore sorts ScoredRecords by score descending, chunk ID ascending on
// ties. Used for small slices (topK).
func sortByScore(results []ScoredRecord) {
	for i := 1; i < len(results); i++ {
		for j := i; j > 0 && worse(
			idScore{ID: results[j-1].ChunkID, Score: results[j-1].Score},
			idScore{ID: results[j].ChunkID, Score: results[j].Score}); j-- {
			results[j], results[j-1] = results[j-1], results[j]
		}
	}
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32s deserializes little-endian bytes into a new float32 slice.
func decodeFloat32s(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	v := make([]float32, n)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}

// decodeFloat32sInto decodes little-endian bytes into the provided buffer,
// reusing it to avoid per-row allocations during search scans.
func decodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

// norm returns the L2 norm of a vector.
func norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// cosine computes cosine similarity as dot(a,b) / (aNorm * bNorm).
// aNorm is the precomputed L2 norm of vector a.
func cosine(a, b []float32, aNorm float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot float64
	var bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	bNorm := math.Sqrt(bNormSq)
	if aNorm == 0 || bNorm == 0 {
		return 0
	}
	return float32(dot / (float64(aNorm) * bNorm))
}

// idScoreHeap is a min-heap of idScore; the root is the current worst
// candidate, so it is the one evicted when a better record scans in.
type idScoreHeap []idScore

func (h idScoreHeap) Len() int            { return len(h) }
func (h idScoreHeap) Less(i, j int) bool  { return worse(h[i], h[j]) }
func (h idScoreHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *idScoreHeap) Push(x interface{}) { *h = append(*h, x.(idScore)) }
func (h *idScoreHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
