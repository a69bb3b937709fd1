package scheduler

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

	"github.com/locussearch/locus/internal/connector"
	"github.com/locussearch/locus/internal/indexer"
	"github.com/locussearch/locus/internal/metastore"
)

// sourceWatch is a live fsnotify watch over one filesystem data source.
// Events re-arm a trailing debounce timer; once events go quiet, every
// indexer bound to the source fires.
type sourceWatch struct {
	source string
	root   string
	fw     *fsnotify.Watcher
	done   chan struct{}

	mu       sync.Mutex
	indexers []string
	timer    *time.Timer
	closed   bool
}

type watchSpec struct {
	root     string
	indexers []string
}

// reconcileWatches aligns the running watches with the filesystem-backed
// indexers currently defined. Failing to watch a source is not an error:
// its indexers still run on their schedule.
func (s *Scheduler) reconcileWatches(ctx context.Context, defs []indexer.Indexer) {
	desired := make(map[string]*watchSpec)
	for i := range defs {
		def := &defs[i]
		if def.Disabled {
			continue
		}
		ds, _, err := metastore.Get[connector.DataSource](ctx, s.catalog, metastore.KindDataSource, def.DataSourceName)
		if err != nil || ds.Type != connector.TypeFilesystem {
			continue
		}
		spec := desired[ds.Name]
		if spec == nil {
			root, err := (&connector.FilesystemConnector{}).Root(&ds)
			if err != nil {
				continue
			}
			spec = &watchSpec{root: root}
			desired[ds.Name] = spec
		}
		spec.indexers = append(spec.indexers, def.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	for name, w := range s.watches {
		if spec, ok := desired[name]; ok && spec.root == w.root {
			w.setIndexers(spec.indexers)
			continue
		}
		w.close()
		delete(s.watches, name)
	}
	for name, spec := range desired {
		if _, ok := s.watches[name]; ok {
			continue
		}
		w, err := newSourceWatch(name, spec.root)
		if err != nil {
			slog.Debug("file_watch_unavailable",
				slog.String("source", name),
				slog.String("error", err.Error()))
			continue
		}
		w.setIndexers(spec.indexers)
		s.watches[name] = w
		go s.runWatch(ctx, w)
		slog.Info("file_watch_started",
			slog.String("source", name),
			slog.String("root", spec.root))
	}
}

func newSourceWatch(source, root string) (*sourceWatch, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &sourceWatch{source: source, root: root, fw: fw, done: make(chan struct{})}
	if err := w.addRecursive(root); err != nil {
		_ = fw.Close()
		return nil, err
	}
	return w, nil
}

// addRecursive watches root and every non-hidden directory below it,
// mirroring what the filesystem connector lists.
func (w *sourceWatch) addRecursive(root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if p != root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		return w.fw.Add(p)
	})
}

func (s *Scheduler) runWatch(ctx context.Context, w *sourceWatch) {
	defer close(w.done)
	defer func() { _ = w.fw.Close() }()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case event, ok := <-w.fw.Events:
			if !ok {
				return
			}
			s.handleWatchEvent(ctx, w, event)
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			slog.Debug("file_watch_error",
				slog.String("source", w.source),
				slog.String("error", err.Error()))
		}
	}
}

func (s *Scheduler) handleWatchEvent(ctx context.Context, w *sourceWatch, event fsnotify.Event) {
	if strings.HasPrefix(filepath.Base(event.Name), ".") {
		return
	}
	switch {
	case event.Op&fsnotify.Create != 0:
		// New directories join the watch so their files are seen.
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			_ = w.fw.Add(event.Name)
		}
	case event.Op&fsnotify.Chmod != 0:
		return
	}
	w.bump(s.opts.DebounceWindow, func() { s.fireWatch(ctx, w) })
}

// fireWatch triggers every indexer bound to the watch. Busy indexers
// re-arm the debounce so the change is picked up right after their
// current run.
func (s *Scheduler) fireWatch(ctx context.Context, w *sourceWatch) {
	select {
	case <-s.stopCh:
		return
	default:
	}
	retry := false
	for _, name := range w.names() {
		if !s.launch(ctx, name, "file change") {
			retry = true
		}
	}
	if retry {
		w.bump(s.opts.DebounceWindow, func() { s.fireWatch(ctx, w) })
	}
}

func (w *sourceWatch) bump(window time.Duration, fire func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(window, fire)
}

func (w *sourceWatch) setIndexers(names []string) {
	w.mu.Lock()
	w.indexers = names
	w.mu.Unlock()
}

func (w *sourceWatch) names() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.indexers...)
}

func (w *sourceWatch) close() {
	w.mu.Lock()
	w.closed = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	_ = w.fw.Close()
}
