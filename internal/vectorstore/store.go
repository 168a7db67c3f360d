// Package vectorstore persists embedded chunks in named collections and
// serves top-K cosine similarity searches over them.
package vectorstore

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrCollectionNotFound is returned when an operation references a
	// collection that does not exist.
	ErrCollectionNotFound = errors.New("collection not found")

	// ErrCollectionConflict is returned when creating a collection whose name
	// is already bound to a different embedding model or dimension.
	ErrCollectionConflict = errors.New("collection already exists with different settings")

	// ErrEmptyCollection is returned by Search when the collection holds no
	// records.
	ErrEmptyCollection = errors.New("collection is empty")

	// ErrDimensionMismatch is returned when a vector's dimensionality does
	// not match the collection's.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
)

// Record is one embedded chunk stored in a collection.
type Record struct {
	ChunkID     string
	Vector      []float32
	Text        string
	SourcePath  string
	Version     string
	Family      string
	Seq         int
	StartOffset int
	EndOffset   int
	IndexedAt   time.Time
}

// ScoredRecord pairs a record with its cosine similarity to a query vector.
type ScoredRecord struct {
	Record
	Score float32
}

// CollectionInfo describes a collection and its embedding binding.
type CollectionInfo struct {
	Name          string
	ModelID       string
	Dimension     int
	RecordCount   int
	DocumentCount int
}

// VersionInfo is one version of a document family within a collection.
type VersionInfo struct {
	Family     string
	Version    string
	SourcePath string
	ChunkCount int
}

// Store is the persistence contract shared by the SQLite and Chroma
// backends. All reads and writes are collection-scoped.
type Store interface {
	// CreateCollection creates a collection bound to an embedding model and
	// dimension. Creating an existing collection with the same binding is a
	// no-op; a different binding returns ErrCollectionConflict.
	CreateCollection(ctx context.Context, name, modelID string, dimension int) error

	// GetCollection returns collection metadata or ErrCollectionNotFound.
	GetCollection(ctx context.Context, name string) (CollectionInfo, error)

	// ListCollections returns all collections sorted by name.
	ListCollections(ctx context.Context) ([]CollectionInfo, error)

	// DeleteCollection removes a collection and all its records. Deleting
	// a collection that does not exist is a no-op, never an error.
	DeleteCollection(ctx context.Context, name string) error

	// Upsert inserts records, replacing any with the same chunk ID.
	// Re-indexing unchanged content leaves the record count unchanged.
	Upsert(ctx context.Context, collection string, records []Record) error

	// Search returns up to k records most similar to the query vector,
	// sorted by score descending. Ties break by chunk ID ascending. k is
	// clamped to the collection size; k < 1 is an error.
	Search(ctx context.Context, collection string, vector []float32, k int) ([]ScoredRecord, error)

	// DeleteBySource removes all records originating from the given source
	// path and returns how many were removed.
	DeleteBySource(ctx context.Context, collection, sourcePath string) (int, error)

	// ListVersions enumerates the document versions stored in a collection,
	// grouped by family.
	ListVersions(ctx context.Context, collection string) ([]VersionInfo, error)

	Close() error
}
