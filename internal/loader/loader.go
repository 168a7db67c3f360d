package loader

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrEmptyCorpus is returned when a scan finds no loadable documents.
// Callers must not silently index nothing.
var ErrEmptyCorpus = errors.New("no documents loaded")

// ErrBadDirectory is returned when the scan root is missing or not a
// directory. A caller-side configuration problem, never retried.
var ErrBadDirectory = errors.New("bad documents directory")

// ErrUnsupportedFile is returned by LoadFile for an extension outside the
// loader's allow-list.
var ErrUnsupportedFile = errors.New("unsupported file type")

// Document is a single source file after extraction and chunking. It is
// immutable once loaded; re-scanning a changed file produces a new Document
// that supersedes the old chunk set for the same path.
type Document struct {
	Path    string
	Format  string // extension without the dot
	Text    string // normalized extracted text
	Version string // parsed version token, empty when unversioned
	Family  string // filename stem with the version token stripped
	Hash    string // sha256 of the raw file bytes
	ModTime time.Time
	Chunks  []Chunk
}

// Chunk is a contiguous span of a Document's normalized text. Chunks from
// one Document, concatenated in Seq order with the overlapping prefixes
// removed, reconstruct the normalized text exactly.
type Chunk struct {
	ID          string
	Text        string
	SourcePath  string
	Version     string
	Family      string
	Seq         int
	StartOffset int
	EndOffset   int
}

// Warning records a per-file load failure. Warnings are accumulated and
// returned alongside successful results, never silently dropped.
type Warning struct {
	Path   string
	Reason string
}

// Loader scans a directory tree and turns matching files into chunked
// Documents. It has no side effects beyond filesystem reads.
type Loader struct {
	exts         map[string]struct{}
	registry     *Registry
	maxChunkSize int
	chunkOverlap int
	logger       *slog.Logger
}

// Option configures a Loader.
type Option func(*Loader)

// WithChunking overrides the chunk window size and overlap (in bytes of
// normalized text, cut at rune boundaries).
func WithChunking(maxSize, overlap int) Option {
	return func(l *Loader) {
		l.maxChunkSize = maxSize
		l.chunkOverlap = overlap
	}
}

// WithRegistry substitutes the extractor registry. Used to register
// additional formats.
func WithRegistry(r *Registry) Option {
	return func(l *Loader) { l.registry = r }
}

// WithLogger sets the logger used for per-file diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loader) { l.logger = logger }
}

// New creates a Loader restricted to the given extension allow-list
// (".txt" form, case-insensitive).
func New(extensions []string, opts ...Option) *Loader {
	l := &Loader{
		exts:         make(map[string]struct{}, len(extensions)),
		registry:     NewRegistry(),
		maxChunkSize: 2048,
		chunkOverlap: 200,
		logger:       slog.Default(),
	}
	for _, ext := range extensions {
		l.exts[strings.ToLower(ext)] = struct{}{}
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load recursively scans dir for allowed files and returns the chunked
// documents plus any per-file warnings. A fresh call re-scans from disk.
// A missing directory is fatal; individual unreadable or corrupt files are
// recorded as warnings and skipped. Zero loaded documents is ErrEmptyCorpus.
func (l *Loader) Load(dir string) ([]Document, []Warning, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("%w %s: %v", ErrBadDirectory, dir, err)
	}
	if !info.IsDir() {
		return nil, nil, fmt.Errorf("%w %s: not a directory", ErrBadDirectory, dir)
	}

	var docs []Document
	var warnings []Warning

	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if strings.HasPrefix(name, ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(name))
		if _, ok := l.exts[ext]; !ok {
			return nil
		}

		doc, loadErr := l.LoadFile(path)
		if loadErr != nil {
			l.logger.Warn("skipping file", "path", path, "error", loadErr)
			warnings = append(warnings, Warning{Path: path, Reason: loadErr.Error()})
			return nil
		}
		docs = append(docs, doc)
		return nil
	})
	if err != nil {
		return nil, warnings, fmt.Errorf("scanning %s: %w", dir, err)
	}

	if len(docs) == 0 {
		return nil, warnings, fmt.Errorf("directory %s: %w", dir, ErrEmptyCorpus)
	}
	return docs, warnings, nil
}

// LoadFile extracts, normalizes, and chunks a single file.
func (l *Loader) LoadFile(path string) (Document, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if _, ok := l.exts[ext]; !ok {
		return Document{}, fmt.Errorf("%s: %w", path, ErrUnsupportedFile)
	}
	extractor, ok := l.registry.Lookup(ext)
	if !ok {
		return Document{}, fmt.Errorf("%s: no extractor registered for %q", path, ext)
	}

	data, modTime, err := readWithRetry(path)
	if err != nil {
		return Document{}, fmt.Errorf("reading %s: %w", path, err)
	}

	raw, err := extractor.Extract(path, data)
	if err != nil {
		return Document{}, fmt.Errorf("extracting %s: %w", path, err)
	}
	text := Normalize(raw)
	if text == "" {
		return Document{}, fmt.Errorf("extracting %s: no text content", path)
	}

	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	family, version := SplitVersion(stem)

	sum := sha256.Sum256(data)
	doc := Document{
		Path:    path,
		Format:  strings.TrimPrefix(ext, "."),
		Text:    text,
		Version: version,
		Family:  family,
		Hash:    hex.EncodeToString(sum[:]),
		ModTime: modTime,
	}
	doc.Chunks = l.chunk(doc)
	return doc, nil
}

// chunk splits a document's normalized text into overlapping windows and
// assigns deterministic chunk IDs.
func (l *Loader) chunk(doc Document) []Chunk {
	spans := splitText(doc.Text, l.maxChunkSize, l.chunkOverlap)
	chunks := make([]Chunk, len(spans))
	for i, s := range spans {
		text := doc.Text[s.start:s.end]
		chunks[i] = Chunk{
			ID:          chunkID(doc.Path, s.start, text),
			Text:        text,
			SourcePath:  doc.Path,
			Version:     doc.Version,
			Family:      doc.Family,
			Seq:         i,
			StartOffset: s.start,
			EndOffset:   s.end,
		}
	}
	return chunks
}

// chunkID derives a stable identifier from source path, offset, and content,
// so re-indexing an unchanged file upserts onto the same IDs.
func chunkID(path string, offset int, text string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|", path, offset)
	h.Write([]byte(text))
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// readWithRetry reads a file, retrying once on a transient read error.
func readWithRetry(path string) ([]byte, time.Time, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		data, err := os.ReadFile(path)
		if err == nil {
			info, statErr := os.Stat(path)
			if statErr != nil {
				return nil, time.Time{}, statErr
			}
			return data, info.ModTime(), nil
		}
		lastErr = err
	}
	return nil, time.Time{}, lastErr
}
