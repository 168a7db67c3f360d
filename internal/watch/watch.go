// Package watch keeps a collection in sync with a directory: file writes
// trigger re-indexing, removals delete the file's records.
package watch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Indexer is the slice of the pipeline the watcher needs.
type Indexer interface {
	IndexFile(ctx context.Context, collection, modelProfile, fileTypeProfile, path string) (int, error)
	RemoveFile(ctx context.Context, collection, path string) (int, error)
}

// Options configures a Watcher.
type Options struct {
	Dir             string
	Collection      string
	ModelProfile    string
	FileTypeProfile string
	Extensions      []string // allow-list; files outside it are ignored
	Logger          *slog.Logger
}

// Watcher mirrors directory changes into a collection. Hashes of seen files
// are kept in memory so editor save storms (temp file + rename) do not
// trigger redundant re-embedding.
type Watcher struct {
	indexer Indexer
	opts    Options
	logger  *slog.Logger

	mu     sync.Mutex
	hashes map[string]string
}

// New creates a Watcher.
func New(indexer Indexer, opts Options) *Watcher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		indexer: indexer,
		opts:    opts,
		logger:  logger,
		hashes:  make(map[string]string),
	}
}

// Run watches the directory until the context is cancelled. Subdirectories
// present at start are watched too; new ones are added as they appear.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := addRecursive(watcher, w.opts.Dir); err != nil {
		return err
	}

	w.logger.Info("watching directory", "dir", w.opts.Dir, "collection", w.opts.Collection)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			w.handleEvent(ctx, watcher, event)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("watch error", "error", err)
		}
	}
}

func (w *Watcher) handleEvent(ctx context.Context, watcher *fsnotify.Watcher, event fsnotify.Event) {
	// New directories need their own watch.
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := addRecursive(watcher, event.Name); err != nil {
				w.logger.Error("watching new directory", "dir", event.Name, "error", err)
			}
			return
		}
	}

	if !w.supported(event.Name) {
		return
	}

	switch {
	case event.Has(fsnotify.Write) || event.Has(fsnotify.Create):
		w.reindex(ctx, event.Name)
	case event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename):
		w.remove(ctx, event.Name)
	}
}

// reindex embeds the file again unless its content hash is unchanged.
func (w *Watcher) reindex(ctx context.Context, path string) {
	hash, err := fileHash(path)
	if err != nil {
		w.logger.Warn("hashing changed file", "path", path, "error", err)
		return
	}

	w.mu.Lock()
	unchanged := w.hashes[path] == hash
	w.hashes[path] = hash
	w.mu.Unlock()
	if unchanged {
		return
	}

	n, err := w.indexer.IndexFile(ctx, w.opts.Collection, w.opts.ModelProfile, w.opts.FileTypeProfile, path)
	if err != nil {
		w.logger.Error("re-indexing changed file", "path", path, "error", err)
		return
	}
	w.logger.Info("re-indexed file", "path", path, "chunks", n)
}

func (w *Watcher) remove(ctx context.Context, path string) {
	w.mu.Lock()
	delete(w.hashes, path)
	w.mu.Unlock()

	n, err := w.indexer.RemoveFile(ctx, w.opts.Collection, path)
	if err != nil {
		w.logger.Error("removing records for deleted file", "path", path, "error", err)
		return
	}
	if n > 0 {
		w.logger.Info("removed file from index", "path", path, "records", n)
	}
}

func (w *Watcher) supported(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	ext := strings.ToLower(filepath.Ext(path))
	for _, allowed := range w.opts.Extensions {
		if ext == allowed {
			return true
		}
	}
	return false
}

func addRecursive(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if name := d.Name(); strings.HasPrefix(name, ".") && path != root {
			return filepath.SkipDir
		}
		if err := watcher.Add(path); err != nil {
			return fmt.Errorf("watching %s: %w", path, err)
		}
		return nil
	})
}

func fileHash(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
