// Package invindex manages the per-index inverted text indexes. Each
// search index owns one bleve index under <data>/indexes/<name>/text;
// vector fields are excluded and live in the vector store, linked by
// document key.
package invindex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	index "github.com/blevesearch/bleve_index_api"

	"github.com/locussearch/locus/internal/apperr"
	"github.com/locussearch/locus/internal/schema"
)

const textDirName = "text"

var (
	// ErrNotFound is returned when no document exists for a key.
	ErrNotFound = errors.New("invindex: document not found")

	// ErrClosed is returned after an index or the manager is closed.
	ErrClosed = errors.New("invindex: index is closed")
)

// Manager opens, caches, and drops the per-index writers.
type Manager struct {
	mu      sync.Mutex
	baseDir string
	open    map[string]*Index
	closed  bool
}

// NewManager returns a manager rooted at the indexes directory.
func NewManager(baseDir string) *Manager {
	return &Manager{
		baseDir: baseDir,
		open:    make(map[string]*Index),
	}
}

// Open returns the writer for the named index, creating the on-disk
// index on first use. Handles are cached; concurrent callers share one.
func (m *Manager) Open(ctx context.Context, def *schema.Index) (*Index, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	if ix, ok := m.open[def.Name]; ok {
		return ix, nil
	}

	path := filepath.Join(m.baseDir, def.Name, textDirName)
	ix, err := openIndex(path, def)
	if err != nil {
		return nil, err
	}
	m.open[def.Name] = ix
	return ix, nil
}

// Get returns a cached writer without opening one.
func (m *Manager) Get(name string) (*Index, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ix, ok := m.open[name]
	return ix, ok
}

// Drop closes the named index and removes its files.
func (m *Manager) Drop(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if ix, ok := m.open[name]; ok {
		if err := ix.Close(); err != nil {
			slog.Warn("invindex_close_failed",
				slog.String("index", name),
				slog.String("error", err.Error()))
		}
		delete(m.open, name)
	}
	path := filepath.Join(m.baseDir, name, textDirName)
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("remove index %s: %w", name, err)
	}
	return nil
}

// Rebuild recreates the named index under a new definition and reloads
// every stored document through the new mapping. Used when an index
// definition gains fields.
func (m *Manager) Rebuild(ctx context.Context, def *schema.Index) (*Index, error) {
	m.mu.Lock()
	ix, ok := m.open[def.Name]
	m.mu.Unlock()

	if !ok {
		var err error
		ix, err = m.Open(ctx, def)
		return ix, err
	}
	if err := ix.rebuild(ctx, def); err != nil {
		return nil, err
	}
	return ix, nil
}

// Close closes every open index.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	var firstErr error
	for name, ix := range m.open {
		if err := ix.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close index %s: %w", name, err)
		}
	}
	m.open = nil
	return firstErr
}

// Index is the writer plus near-real-time reader for one search index.
type Index struct {
	mu     sync.RWMutex
	path   string
	def    *schema.Index
	idx    bleve.Index
	closed bool
}

// validateIntegrity checks an on-disk index before opening it. A nil
// return means the index is absent or looks sound.
func validateIntegrity(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	metaPath := filepath.Join(path, "index_meta.json")
	info, err := os.Stat(metaPath)
	if os.IsNotExist(err) {
		return fmt.Errorf("index_meta.json missing")
	}
	if err != nil {
		return fmt.Errorf("stat index_meta.json: %w", err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("index_meta.json is empty")
	}
	data, err := os.ReadFile(metaPath)
	if err != nil {
		return fmt.Errorf("read index_meta.json: %w", err)
	}
	var meta map[string]interface{}
	if err := json.Unmarshal(data, &meta); err != nil {
		return fmt.Errorf("index_meta.json is corrupt: %w", err)
	}
	return nil
}

func isCorruptionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, bleve.ErrorIndexMetaCorrupt) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "unexpected end of JSON") ||
		strings.Contains(msg, "error parsing mapping JSON") ||
		strings.Contains(msg, "failed to load segment") ||
		strings.Contains(msg, "error opening bolt") ||
		strings.Contains(msg, "no such file or directory")
}

// openIndex opens or creates the bleve index at path. A corrupted index
// is cleared and recreated empty; documents are restored by reindexing.
func openIndex(path string, def *schema.Index) (*Index, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create index directory: %w", err)
	}

	if err := validateIntegrity(path); err != nil {
		slog.Warn("invindex_corrupted",
			slog.String("path", path),
			slog.String("error", err.Error()))
		if rmErr := os.RemoveAll(path); rmErr != nil {
			return nil, fmt.Errorf("clear corrupted index at %s: %w", path, rmErr)
		}
		slog.Info("invindex_cleared", slog.String("path", path))
	}

	idx, err := bleve.Open(path)
	if err == bleve.ErrorIndexPathDoesNotExist {
		im, mapErr := buildIndexMapping(def)
		if mapErr != nil {
			return nil, mapErr
		}
		idx, err = bleve.New(path, im)
	} else if err != nil && isCorruptionError(err) {
		slog.Warn("invindex_open_failed",
			slog.String("path", path),
			slog.String("error", err.Error()))
		if rmErr := os.RemoveAll(path); rmErr != nil {
			return nil, fmt.Errorf("clear corrupted index at %s: %w", path, rmErr)
		}
		slog.Info("invindex_cleared", slog.String("path", path))
		im, mapErr := buildIndexMapping(def)
		if mapErr != nil {
			return nil, mapErr
		}
		idx, err = bleve.New(path, im)
	}
	if err != nil {
		return nil, fmt.Errorf("open index at %s: %w", path, err)
	}

	return &Index{path: path, def: def, idx: idx}, nil
}

// ValidateDefinition checks that every analyzer, normalizer, and filter
// the definition references can be built.
func ValidateDefinition(def *schema.Index) error {
	_, err := buildIndexMapping(def)
	return err
}

// Definition returns the index definition this writer was opened with.
func (ix *Index) Definition() *schema.Index {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.def
}

// Batch accumulates document operations committed together.
type Batch struct {
	def   *schema.Index
	batch *bleve.Batch
}

// NewBatch starts an empty batch against this index.
func (ix *Index) NewBatch() *Batch {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return &Batch{def: ix.def, batch: ix.idx.NewBatch()}
}

// Upsert replaces the document stored under key.
func (b *Batch) Upsert(key string, doc schema.Document) error {
	indexable, err := buildIndexable(b.def, doc)
	if err != nil {
		return err
	}
	if err := b.batch.Index(key, indexable); err != nil {
		return fmt.Errorf("index document %s: %w", key, err)
	}
	return nil
}

// Delete removes the document stored under key.
func (b *Batch) Delete(key string) {
	b.batch.Delete(key)
}

// Len reports the number of operations in the batch.
func (b *Batch) Len() int {
	return b.batch.Size()
}

// Commit applies the batch. Readers opened afterwards see its effects.
func (ix *Index) Commit(ctx context.Context, b *Batch) error {
	if b.Len() == 0 {
		return nil
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ix.idx.Batch(b.batch); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

// Upsert indexes a single document outside a batch.
func (ix *Index) Upsert(ctx context.Context, key string, doc schema.Document) error {
	b := ix.NewBatch()
	if err := b.Upsert(key, doc); err != nil {
		return err
	}
	return ix.Commit(ctx, b)
}

// Delete removes a single document outside a batch.
func (ix *Index) Delete(ctx context.Context, key string) error {
	b := ix.NewBatch()
	b.Delete(key)
	return ix.Commit(ctx, b)
}

// Search runs a bleve search against the current reader.
func (ix *Index) Search(ctx context.Context, req *bleve.SearchRequest) (*bleve.SearchResult, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if ix.closed {
		return nil, ErrClosed
	}
	res, err := ix.idx.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	return res, nil
}

// Count returns the number of indexed documents.
func (ix *Index) Count(ctx context.Context) (uint64, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if ix.closed {
		return 0, ErrClosed
	}
	n, err := ix.idx.DocCount()
	if err != nil {
		return 0, fmt.Errorf("doc count: %w", err)
	}
	return n, nil
}

// GetDocument reconstructs the wire document stored under key. Vector
// fields are absent; callers merge them from the vector store.
func (ix *Index) GetDocument(ctx context.Context, key string) (schema.Document, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if ix.closed {
		return nil, ErrClosed
	}
	return getDocumentLocked(ix.idx, key)
}

func getDocumentLocked(idx bleve.Index, key string) (schema.Document, error) {
	doc, err := idx.Document(key)
	if err != nil {
		return nil, fmt.Errorf("load document %s: %w", key, err)
	}
	if doc == nil {
		return nil, ErrNotFound
	}

	var src []byte
	doc.VisitFields(func(f index.Field) {
		if f.Name() == sourceField {
			src = f.Value()
		}
	})
	if src == nil {
		return nil, fmt.Errorf("document %s has no stored source", key)
	}

	var out schema.Document
	if err := json.Unmarshal(src, &out); err != nil {
		return nil, fmt.Errorf("decode document %s: %w", key, err)
	}
	return out, nil
}

// Contains reports whether a document exists for key.
func (ix *Index) Contains(ctx context.Context, key string) (bool, error) {
	_, err := ix.GetDocument(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Normalize applies the field's configured normalizer to a literal, so
// filter comparisons see the same form the index stores.
func (ix *Index) Normalize(fieldPath, value string) (string, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if ix.closed {
		return "", ErrClosed
	}

	f := ix.def.FieldByPath(fieldPath)
	if f == nil {
		return value, nil
	}
	name, err := normalizerAnalyzer(ix.def, f.Normalizer)
	if err != nil {
		return "", err
	}

	analyzer := ix.idx.Mapping().AnalyzerNamed(name)
	if analyzer == nil {
		return value, nil
	}
	tokens := analyzer.Analyze([]byte(value))
	if len(tokens) == 0 {
		return "", nil
	}
	parts := make([]string, len(tokens))
	for i, tok := range tokens {
		parts[i] = string(tok.Term)
	}
	return strings.Join(parts, " "), nil
}

// Token is one term produced by a field's search analyzer, with byte
// offsets into the analyzed text.
type Token struct {
	Term  string
	Start int
	End   int
}

// Tokens runs the search analyzer of a field over text. Fields without a
// declared analyzer use the standard analyzer.
func (ix *Index) Tokens(fieldPath, text string) ([]Token, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if ix.closed {
		return nil, ErrClosed
	}

	analyzerName := ""
	if f := ix.def.FieldByPath(fieldPath); f != nil {
		analyzerName = f.Analyzer
	}
	name, err := searchAnalyzerName(ix.def, analyzerName)
	if err != nil {
		return nil, err
	}
	analyzer := ix.idx.Mapping().AnalyzerNamed(name)
	if analyzer == nil {
		return nil, apperr.InvalidArgument("analyzer %q is not registered", name)
	}

	stream := analyzer.Analyze([]byte(text))
	out := make([]Token, 0, len(stream))
	for _, tok := range stream {
		out = append(out, Token{Term: string(tok.Term), Start: tok.Start, End: tok.End})
	}
	return out, nil
}

// TermsWithPrefix returns up to limit indexed terms of a field that start
// with prefix, with their document frequencies, in term order.
func (ix *Index) TermsWithPrefix(fieldPath, prefix string, limit int) ([]TermCount, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if ix.closed {
		return nil, ErrClosed
	}

	dict, err := ix.idx.FieldDictPrefix(PhysicalPath(fieldPath), []byte(prefix))
	if err != nil {
		return nil, fmt.Errorf("open field dictionary for %s: %w", fieldPath, err)
	}
	defer func() {
		if closeErr := dict.Close(); closeErr != nil {
			slog.Warn("invindex_dict_close_failed", slog.String("error", closeErr.Error()))
		}
	}()

	var out []TermCount
	for len(out) < limit {
		entry, err := dict.Next()
		if err != nil {
			return nil, fmt.Errorf("iterate field dictionary: %w", err)
		}
		if entry == nil {
			break
		}
		out = append(out, TermCount{Term: entry.Term, Count: int(entry.Count)})
	}
	return out, nil
}

// TermCount pairs an indexed term with its document frequency.
type TermCount struct {
	Term  string
	Count int
}

// DeleteAll drops every document but keeps the index definition.
func (ix *Index) DeleteAll(ctx context.Context) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.closed {
		return ErrClosed
	}

	if err := ix.idx.Close(); err != nil {
		return fmt.Errorf("close for clear: %w", err)
	}
	if err := os.RemoveAll(ix.path); err != nil {
		return fmt.Errorf("clear index: %w", err)
	}
	im, err := buildIndexMapping(ix.def)
	if err != nil {
		return err
	}
	idx, err := bleve.New(ix.path, im)
	if err != nil {
		return fmt.Errorf("recreate index: %w", err)
	}
	ix.idx = idx
	return nil
}

// rebuild swaps in a fresh index built under def, re-coercing every
// stored document through the new schema.
func (ix *Index) rebuild(ctx context.Context, def *schema.Index) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.closed {
		return ErrClosed
	}

	im, err := buildIndexMapping(def)
	if err != nil {
		return err
	}
	tmpPath := ix.path + ".rebuild"
	if err := os.RemoveAll(tmpPath); err != nil {
		return fmt.Errorf("clear rebuild directory: %w", err)
	}
	next, err := bleve.New(tmpPath, im)
	if err != nil {
		return fmt.Errorf("create rebuild index: %w", err)
	}

	reindexed, err := copyDocuments(ctx, ix.idx, next, def)
	if err != nil {
		_ = next.Close()
		_ = os.RemoveAll(tmpPath)
		return err
	}

	if err := ix.idx.Close(); err != nil {
		_ = next.Close()
		_ = os.RemoveAll(tmpPath)
		return fmt.Errorf("close old index: %w", err)
	}
	if err := next.Close(); err != nil {
		return fmt.Errorf("close rebuild index: %w", err)
	}
	if err := os.RemoveAll(ix.path); err != nil {
		return fmt.Errorf("remove old index: %w", err)
	}
	if err := os.Rename(tmpPath, ix.path); err != nil {
		return fmt.Errorf("swap rebuilt index: %w", err)
	}

	idx, err := bleve.Open(ix.path)
	if err != nil {
		return fmt.Errorf("reopen rebuilt index: %w", err)
	}
	ix.idx = idx
	ix.def = def

	slog.Info("invindex_rebuilt",
		slog.String("index", def.Name),
		slog.Int("documents", reindexed))
	return nil
}

// copyDocuments streams every stored document from src into dst,
// re-coercing values under the new definition.
func copyDocuments(ctx context.Context, src, dst bleve.Index, def *schema.Index) (int, error) {
	const page = 1000

	total := 0
	for from := 0; ; from += page {
		req := bleve.NewSearchRequest(bleve.NewMatchAllQuery())
		req.Size = page
		req.From = from
		req.SortBy([]string{"_id"})

		res, err := src.SearchInContext(ctx, req)
		if err != nil {
			return total, fmt.Errorf("scan documents: %w", err)
		}
		if len(res.Hits) == 0 {
			return total, nil
		}

		batch := dst.NewBatch()
		for _, hit := range res.Hits {
			wire, err := getDocumentLocked(src, hit.ID)
			if err != nil {
				return total, err
			}
			coerced, _ := def.CoerceDocument(wire)
			indexable, err := buildIndexable(def, coerced)
			if err != nil {
				return total, err
			}
			if err := batch.Index(hit.ID, indexable); err != nil {
				return total, fmt.Errorf("reindex document %s: %w", hit.ID, err)
			}
		}
		if err := dst.Batch(batch); err != nil {
			return total, fmt.Errorf("commit rebuild batch: %w", err)
		}
		total += len(res.Hits)
	}
}

// Close releases the underlying index.
func (ix *Index) Close() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.closed {
		return nil
	}
	ix.closed = true
	return ix.idx.Close()
}
