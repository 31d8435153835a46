// Package watcher mirrors live edits in the active working tree into the
// index. Filesystem events are debounced per path and drained by a single
// consumer; a periodic reconciliation pass repairs anything the event stream
// missed.
package watcher

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tomehq/tome/internal/ingestion"
	"github.com/tomehq/tome/internal/metrics"
	"github.com/tomehq/tome/internal/repository"
	"github.com/tomehq/tome/internal/tenant"
)

// DocumentIndexer is the slice of the indexer the watcher needs.
type DocumentIndexer interface {
	Index(ctx context.Context, key tenant.Key, filePath, content string) (*ingestion.IndexResult, error)
	Delete(ctx context.Context, key tenant.Key, filePath string) (bool, error)
}

// Config tunes the watcher.
type Config struct {
	// Debounce is how long a path must stay quiet before it is processed.
	Debounce time.Duration
	// ReconcileInterval is the period of the disk/index reconciliation pass.
	// Zero disables reconciliation.
	ReconcileInterval time.Duration
}

// Watcher watches one working tree for one tenant. Paths are indexed under
// their slash-separated form relative to the root.
type Watcher struct {
	root    string
	key     tenant.Key
	config  Config
	indexer DocumentIndexer
	docs    repository.DocumentRepository
	metrics *metrics.Metrics
	logger  *slog.Logger

	fsw *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]time.Time

	done chan struct{}
}

// New creates a watcher over root for the given tenant. The document
// repository is used for reconciliation and may be nil to disable it.
func New(root string, key tenant.Key, config Config, indexer DocumentIndexer, docs repository.DocumentRepository, m *metrics.Metrics, logger *slog.Logger) (*Watcher, error) {
	if config.Debounce <= 0 {
		config.Debounce = 500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		root:    root,
		key:     key,
		config:  config,
		indexer: indexer,
		docs:    docs,
		metrics: m,
		logger:  logger.With("component", "watcher"),
		fsw:     fsw,
		pending: make(map[string]time.Time),
		done:    make(chan struct{}),
	}, nil
}

// Start registers the directory tree and launches the consumer goroutine. It
// returns once the tree is being watched.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.addTree(w.root); err != nil {
		return err
	}
	go w.run(ctx)
	w.logger.Info("watching working tree", "root", w.root, "tenant", w.key.String())
	return nil
}

// Close stops the watcher and waits for the consumer to drain.
func (w *Watcher) Close() error {
	err := w.fsw.Close()
	<-w.done
	return err
}

// addTree watches dir and every subdirectory, skipping dot-directories.
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		name := d.Name()
		if path != dir && strings.HasPrefix(name, ".") {
			return filepath.SkipDir
		}
		return w.fsw.Add(path)
	})
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	flush := time.NewTicker(w.config.Debounce / 4)
	defer flush.Stop()

	var reconcile <-chan time.Time
	if w.config.ReconcileInterval > 0 && w.docs != nil {
		t := time.NewTicker(w.config.ReconcileInterval)
		defer t.Stop()
		reconcile = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", "error", err)
		case <-flush.C:
			w.flush(ctx)
		case <-reconcile:
			if err := w.Reconcile(ctx); err != nil {
				w.logger.Warn("reconciliation failed", "error", err)
			}
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	// New directories must be added to the watch before their first file
	// event can arrive.
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if !strings.HasPrefix(filepath.Base(event.Name), ".") {
				if err := w.addTree(event.Name); err != nil {
					w.logger.Warn("failed to watch new directory", "path", event.Name, "error", err)
				}
			}
			return
		}
	}

	if !isMarkdown(event.Name) {
		return
	}
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}

	w.mu.Lock()
	w.pending[event.Name] = time.Now()
	w.mu.Unlock()
}

// flush processes every path that has been quiet past the debounce window.
func (w *Watcher) flush(ctx context.Context) {
	now := time.Now()
	var settled []string

	w.mu.Lock()
	for path, last := range w.pending {
		if now.Sub(last) >= w.config.Debounce {
			settled = append(settled, path)
			delete(w.pending, path)
		}
	}
	w.mu.Unlock()

	if len(settled) == 0 {
		return
	}
	if w.metrics != nil {
		w.metrics.WatcherFlushes.Inc()
	}
	for _, path := range settled {
		w.process(ctx, path)
	}
}

func (w *Watcher) process(ctx context.Context, path string) {
	rel, err := w.relPath(path)
	if err != nil {
		w.logger.Warn("event outside watched tree", "path", path)
		return
	}

	content, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if _, derr := w.indexer.Delete(ctx, w.key, rel); derr != nil {
			w.logger.Warn("failed to remove document", "path", rel, "error", derr)
		}
		return
	}
	if err != nil {
		w.logger.Warn("failed to read changed file", "path", rel, "error", err)
		return
	}
	if _, err := w.indexer.Index(ctx, w.key, rel, string(content)); err != nil {
		w.logger.Warn("failed to index changed file", "path", rel, "error", err)
	}
}

// Reconcile compares the index against the disk: documents whose file is
// gone are deleted, markdown files the index has never seen are indexed.
func (w *Watcher) Reconcile(ctx context.Context) error {
	onDisk := make(map[string]bool)
	err := filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != w.root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !isMarkdown(path) {
			return nil
		}
		rel, err := w.relPath(path)
		if err != nil {
			return nil
		}
		onDisk[rel] = true
		return nil
	})
	if err != nil {
		return err
	}

	known, err := w.docs.ListByTenant(ctx, w.key.Filter())
	if err != nil {
		return err
	}

	indexed := make(map[string]bool, len(known))
	for _, doc := range known {
		indexed[doc.FilePath] = true
		if !onDisk[doc.FilePath] {
			if _, err := w.indexer.Delete(ctx, w.key, doc.FilePath); err != nil {
				w.logger.Warn("reconcile delete failed", "path", doc.FilePath, "error", err)
			}
		}
	}
	for rel := range onDisk {
		if indexed[rel] {
			continue
		}
		content, err := os.ReadFile(filepath.Join(w.root, filepath.FromSlash(rel)))
		if err != nil {
			continue
		}
		if _, err := w.indexer.Index(ctx, w.key, rel, string(content)); err != nil {
			w.logger.Warn("reconcile index failed", "path", rel, "error", err)
		}
	}
	return nil
}

func (w *Watcher) relPath(path string) (string, error) {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return "", err
	}
	return filepath.ToSlash(rel), nil
}

func isMarkdown(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown":
		return true
	}
	return false
}
