// Package vectorstore keeps the per-index float-vector maps used for
// k-NN search. For every (index, vector field) pair it owns an
// authoritative key→vector map, optionally accelerated by an HNSW graph,
// and snapshots both to disk so they survive restarts. Document keys link
// entries to the inverted index; the document-operations layer keeps the
// two in lockstep.
package vectorstore

import (
	"bufio"
	"encoding/gob"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/coder/hnsw"

	"github.com/locussearch/locus/internal/apperr"
	"github.com/locussearch/locus/internal/schema"
)

const vectorsDirName = "vectors"

// Config carries the service-level vector tuning knobs.
type Config struct {
	UseHNSW              bool
	M                    int
	EfConstruction       int
	EfSearch             int
	OversampleMultiplier int
}

// DefaultConfig returns the tuning defaults.
func DefaultConfig() Config {
	return Config{
		UseHNSW:              true,
		M:                    16,
		EfConstruction:       200,
		EfSearch:             100,
		OversampleMultiplier: 4,
	}
}

// Match is one k-NN result.
type Match struct {
	Key   string
	Score float64
}

// Store owns the vector state of every open index.
type Store struct {
	mu      sync.Mutex
	baseDir string
	cfg     Config
	open    map[string]*IndexVectors
	closed  bool
}

// New returns a store rooted at the indexes directory.
func New(baseDir string, cfg Config) *Store {
	if cfg.OversampleMultiplier <= 0 {
		cfg.OversampleMultiplier = 1
	}
	return &Store{
		baseDir: baseDir,
		cfg:     cfg,
		open:    make(map[string]*IndexVectors),
	}
}

// Open returns the vector state for an index, loading the snapshot on
// first use. Reopening after the definition gained vector fields adds
// stores for the new fields.
func (s *Store) Open(def *schema.Index) (*IndexVectors, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("vectorstore: store is closed")
	}

	if iv, ok := s.open[def.Name]; ok {
		if err := iv.reconcile(def, s.cfg); err != nil {
			return nil, err
		}
		return iv, nil
	}

	iv := &IndexVectors{
		name:   def.Name,
		path:   filepath.Join(s.baseDir, def.Name, vectorsDirName),
		fields: make(map[string]*fieldStore),
	}
	if err := iv.reconcile(def, s.cfg); err != nil {
		return nil, err
	}
	if err := iv.load(); err != nil {
		return nil, err
	}
	s.open[def.Name] = iv
	return iv, nil
}

// Get returns the cached state for an index without opening it.
func (s *Store) Get(name string) (*IndexVectors, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	iv, ok := s.open[name]
	return iv, ok
}

// Drop discards the vector state and snapshot files for an index.
func (s *Store) Drop(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if iv, ok := s.open[name]; ok {
		iv.close()
		delete(s.open, name)
	}
	path := filepath.Join(s.baseDir, name, vectorsDirName)
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("remove vector state for %s: %w", name, err)
	}
	return nil
}

// Close snapshots and releases every open index.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var firstErr error
	for name, iv := range s.open {
		if err := iv.Save(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("save vector state for %s: %w", name, err)
		}
		iv.close()
	}
	s.open = nil
	return firstErr
}

// IndexVectors holds the per-field vector stores of one index. Mutation
// is serialized per index; searches run concurrently.
type IndexVectors struct {
	mu     sync.RWMutex
	name   string
	path   string
	fields map[string]*fieldStore
	closed bool
}

// fieldStore is the state behind one vector field. The vecs map is the
// authoritative store; the graph accelerates search in HNSW mode and is
// rebuilt from vecs whenever it is missing or mostly orphans.
type fieldStore struct {
	dims       int
	metric     string
	useGraph   bool
	efSearch   int
	m          int
	oversample int

	vecs map[string][]float32

	graph   *hnsw.Graph[uint64]
	idMap   map[string]uint64
	keyMap  map[uint64]string
	nextKey uint64
}

// fieldMeta is the gob snapshot of one field store.
type fieldMeta struct {
	Vecs    map[string][]float32
	IDMap   map[string]uint64
	NextKey uint64
	Dims    int
	Metric  string
}

// reconcile creates field stores for vector fields the definition has
// and this state does not.
func (iv *IndexVectors) reconcile(def *schema.Index, cfg Config) error {
	iv.mu.Lock()
	defer iv.mu.Unlock()

	for _, f := range def.VectorFields() {
		if _, ok := iv.fields[f.Name]; ok {
			continue
		}
		profile, alg := def.VectorProfile(f.VectorSearchProfile)
		if profile == nil || alg == nil {
			return apperr.InvalidArgument(
				"vector field %q references unknown vector search profile %q", f.Name, f.VectorSearchProfile)
		}

		fs := &fieldStore{
			dims:       f.Dimensions,
			metric:     alg.Metric(),
			useGraph:   cfg.UseHNSW && alg.Kind != schema.AlgorithmExhaustiveKnn,
			efSearch:   cfg.EfSearch,
			m:          cfg.M,
			oversample: cfg.OversampleMultiplier,
			vecs:       make(map[string][]float32),
		}
		if p := alg.HNSWParameters; p != nil {
			if p.M > 0 {
				fs.m = p.M
			}
			if p.EfSearch > 0 {
				fs.efSearch = p.EfSearch
			}
		}
		if fs.useGraph {
			fs.resetGraph()
		}
		iv.fields[f.Name] = fs
	}
	return nil
}

func (fs *fieldStore) resetGraph() {
	g := hnsw.NewGraph[uint64]()
	g.Distance = distanceFunc(fs.metric)
	if fs.m > 0 {
		g.M = fs.m
	}
	if fs.efSearch > 0 {
		g.EfSearch = fs.efSearch
	}
	g.Ml = 0.25
	fs.graph = g
	fs.idMap = make(map[string]uint64)
	fs.keyMap = make(map[uint64]string)
	fs.nextKey = 0
}

func distanceFunc(metric string) hnsw.DistanceFunc {
	switch metric {
	case schema.MetricEuclidean:
		return hnsw.EuclideanDistance
	case schema.MetricDotProduct:
		return negativeDotDistance
	default:
		return hnsw.CosineDistance
	}
}

func negativeDotDistance(a, b hnsw.Vector) float32 {
	var dot float32
	for i := range a {
		dot += a[i] * b[i]
	}
	return -dot
}

// scoreFromDistance converts a metric distance into the similarity score
// reported to callers. Cosine distance 0..2 maps to 1..0; euclidean maps
// through 1/(1+d); dot product reports the raw product.
func scoreFromDistance(metric string, d float32) float64 {
	switch metric {
	case schema.MetricEuclidean:
		return 1.0 / (1.0 + float64(d))
	case schema.MetricDotProduct:
		return float64(-d)
	default:
		return 1.0 - float64(d)/2.0
	}
}

// storedVector returns the form of vec the graph indexes: normalized for
// cosine, as-is otherwise.
func (fs *fieldStore) storedVector(vec []float32) []float32 {
	out := make([]float32, len(vec))
	copy(out, vec)
	if fs.metric == schema.MetricCosine || fs.metric == "" {
		normalizeInPlace(out)
	}
	return out
}

func normalizeInPlace(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	inv := float32(1.0 / math.Sqrt(sum))
	for i := range v {
		v[i] *= inv
	}
}

// Put stores a vector for a document key.
func (iv *IndexVectors) Put(field, key string, vec []float32) error {
	iv.mu.Lock()
	defer iv.mu.Unlock()

	if iv.closed {
		return fmt.Errorf("vectorstore: index %s is closed", iv.name)
	}
	fs, ok := iv.fields[field]
	if !ok {
		return apperr.InvalidArgument("unknown vector field %q", field)
	}
	if len(vec) != fs.dims {
		return apperr.InvalidArgument(
			"vector field %q expects %d dimensions, got %d", field, fs.dims, len(vec))
	}

	stored := make([]float32, len(vec))
	copy(stored, vec)
	fs.vecs[key] = stored

	if fs.graph != nil {
		// Replacing a key orphans the old graph node; deleting from a
		// coder/hnsw graph can break it, so the node is only unmapped.
		if oldKey, exists := fs.idMap[key]; exists {
			delete(fs.keyMap, oldKey)
			delete(fs.idMap, key)
		}
		gk := fs.nextKey
		fs.nextKey++
		fs.graph.Add(hnsw.MakeNode(gk, fs.storedVector(vec)))
		fs.idMap[key] = gk
		fs.keyMap[gk] = key
	}
	return nil
}

// DeleteKey removes the key from every vector field of the index.
func (iv *IndexVectors) DeleteKey(key string) {
	iv.mu.Lock()
	defer iv.mu.Unlock()

	if iv.closed {
		return
	}
	for _, fs := range iv.fields {
		delete(fs.vecs, key)
		if fs.graph != nil {
			if gk, exists := fs.idMap[key]; exists {
				delete(fs.keyMap, gk)
				delete(fs.idMap, key)
			}
		}
	}
}

// Vector returns the stored vector for (field, key).
func (iv *IndexVectors) Vector(field, key string) ([]float32, bool) {
	iv.mu.RLock()
	defer iv.mu.RUnlock()

	fs, ok := iv.fields[field]
	if !ok {
		return nil, false
	}
	vec, ok := fs.vecs[key]
	return vec, ok
}

// Contains reports whether any field stores a vector for key.
func (iv *IndexVectors) Contains(key string) bool {
	iv.mu.RLock()
	defer iv.mu.RUnlock()

	for _, fs := range iv.fields {
		if _, ok := fs.vecs[key]; ok {
			return true
		}
	}
	return false
}

// Count returns the number of vectors stored for a field.
func (iv *IndexVectors) Count(field string) int {
	iv.mu.RLock()
	defer iv.mu.RUnlock()

	fs, ok := iv.fields[field]
	if !ok {
		return 0
	}
	return len(fs.vecs)
}

// Fields returns the vector field names with state.
func (iv *IndexVectors) Fields() []string {
	iv.mu.RLock()
	defer iv.mu.RUnlock()

	out := make([]string, 0, len(iv.fields))
	for name := range iv.fields {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Search returns the top-k keys nearest to q. When filterKeys is
// non-nil, only keys in the set are returned; HNSW mode oversamples by
// the configured multiplier and post-filters.
func (iv *IndexVectors) Search(field string, q []float32, k int, filterKeys map[string]struct{}) ([]Match, error) {
	return iv.search(field, q, k, filterKeys, false)
}

// SearchExhaustive scans every stored vector regardless of the field's
// algorithm, trading latency for exact recall.
func (iv *IndexVectors) SearchExhaustive(field string, q []float32, k int, filterKeys map[string]struct{}) ([]Match, error) {
	return iv.search(field, q, k, filterKeys, true)
}

func (iv *IndexVectors) search(field string, q []float32, k int, filterKeys map[string]struct{}, exhaustive bool) ([]Match, error) {
	iv.mu.RLock()
	defer iv.mu.RUnlock()

	if iv.closed {
		return nil, fmt.Errorf("vectorstore: index %s is closed", iv.name)
	}
	fs, ok := iv.fields[field]
	if !ok {
		return nil, apperr.InvalidArgument("unknown vector field %q", field)
	}
	if len(q) != fs.dims {
		return nil, apperr.InvalidArgument(
			"vector field %q expects %d dimensions, got %d", field, fs.dims, len(q))
	}
	if k <= 0 || len(fs.vecs) == 0 {
		return []Match{}, nil
	}

	if fs.graph != nil && !exhaustive {
		return fs.searchGraph(q, k, filterKeys), nil
	}
	return fs.searchBrute(q, k, filterKeys), nil
}

func (fs *fieldStore) searchBrute(q []float32, k int, filterKeys map[string]struct{}) []Match {
	nq := fs.storedVector(q)
	dist := distanceFunc(fs.metric)

	matches := make([]Match, 0, len(fs.vecs))
	for key, vec := range fs.vecs {
		if filterKeys != nil {
			if _, ok := filterKeys[key]; !ok {
				continue
			}
		}
		d := dist(nq, fs.storedVector(vec))
		matches = append(matches, Match{Key: key, Score: scoreFromDistance(fs.metric, d)})
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Key < matches[j].Key
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches
}

func (fs *fieldStore) searchGraph(q []float32, k int, filterKeys map[string]struct{}) []Match {
	nq := fs.storedVector(q)

	fetch := k
	if filterKeys != nil {
		fetch = k * fs.oversample
	}

	for {
		if fetch > fs.graph.Len() {
			fetch = fs.graph.Len()
		}
		nodes := fs.graph.Search(nq, fetch)

		matches := make([]Match, 0, k)
		for _, node := range nodes {
			key, live := fs.keyMap[node.Key]
			if !live {
				continue
			}
			if filterKeys != nil {
				if _, ok := filterKeys[key]; !ok {
					continue
				}
			}
			d := fs.graph.Distance(nq, node.Value)
			matches = append(matches, Match{Key: key, Score: scoreFromDistance(fs.metric, d)})
			if len(matches) == k {
				return matches
			}
		}

		// Orphans or the filter starved the result; widen once to the
		// whole graph before accepting fewer than k.
		if fetch >= fs.graph.Len() {
			return matches
		}
		fetch = fs.graph.Len()
	}
}

// Save snapshots every field store atomically (temp file + rename).
func (iv *IndexVectors) Save() error {
	iv.mu.Lock()
	defer iv.mu.Unlock()

	if iv.closed {
		return fmt.Errorf("vectorstore: index %s is closed", iv.name)
	}
	if len(iv.fields) == 0 {
		return nil
	}
	if err := os.MkdirAll(iv.path, 0o755); err != nil {
		return fmt.Errorf("create vector directory: %w", err)
	}

	for name, fs := range iv.fields {
		if fs.graph != nil && len(fs.keyMap) < len(fs.vecs) {
			// The graph lost entries it should have (for example a
			// snapshot from an older definition); rebuild from the map.
			fs.rebuildGraph()
		}
		if fs.graph != nil && fs.graph.Len() > 2*len(fs.vecs) {
			// Mostly lazy-deleted orphans; compact before exporting.
			fs.rebuildGraph()
		}
		if err := fs.save(iv.fieldPath(name)); err != nil {
			return fmt.Errorf("save vector field %s: %w", name, err)
		}
	}
	return nil
}

func (iv *IndexVectors) fieldPath(field string) string {
	return filepath.Join(iv.path, field)
}

func (fs *fieldStore) rebuildGraph() {
	fs.resetGraph()
	keys := make([]string, 0, len(fs.vecs))
	for key := range fs.vecs {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		gk := fs.nextKey
		fs.nextKey++
		fs.graph.Add(hnsw.MakeNode(gk, fs.storedVector(fs.vecs[key])))
		fs.idMap[key] = gk
		fs.keyMap[gk] = key
	}
}

func (fs *fieldStore) save(base string) error {
	meta := fieldMeta{
		Vecs:    fs.vecs,
		IDMap:   fs.idMap,
		NextKey: fs.nextKey,
		Dims:    fs.dims,
		Metric:  fs.metric,
	}
	if err := writeGob(base+".meta", meta); err != nil {
		return err
	}

	if fs.graph == nil {
		return nil
	}
	tmp := base + ".graph.tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create graph file: %w", err)
	}
	if err := fs.graph.Export(file); err != nil {
		_ = file.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("export graph: %w", err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close graph file: %w", err)
	}
	return os.Rename(tmp, base+".graph")
}

func writeGob(path string, value interface{}) error {
	tmp := path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}
	if err := gob.NewEncoder(file).Encode(value); err != nil {
		_ = file.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close %s: %w", tmp, err)
	}
	return os.Rename(tmp, path)
}

// load restores every field store that has a snapshot on disk.
func (iv *IndexVectors) load() error {
	iv.mu.Lock()
	defer iv.mu.Unlock()

	for name, fs := range iv.fields {
		if err := fs.load(iv.fieldPath(name)); err != nil {
			return fmt.Errorf("load vector field %s: %w", name, err)
		}
	}
	return nil
}

func (fs *fieldStore) load(base string) error {
	file, err := os.Open(base + ".meta")
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open snapshot: %w", err)
	}
	var meta fieldMeta
	decodeErr := gob.NewDecoder(file).Decode(&meta)
	_ = file.Close()
	if decodeErr != nil {
		return fmt.Errorf("decode snapshot: %w", decodeErr)
	}
	if meta.Dims != fs.dims {
		return fmt.Errorf("snapshot dimensions %d do not match declared %d", meta.Dims, fs.dims)
	}

	fs.vecs = meta.Vecs
	if fs.vecs == nil {
		fs.vecs = make(map[string][]float32)
	}

	if fs.graph == nil {
		return nil
	}

	fs.idMap = meta.IDMap
	if fs.idMap == nil {
		fs.idMap = make(map[string]uint64)
	}
	fs.keyMap = make(map[uint64]string, len(fs.idMap))
	for key, gk := range fs.idMap {
		fs.keyMap[gk] = key
	}
	fs.nextKey = meta.NextKey

	graphFile, err := os.Open(base + ".graph")
	if os.IsNotExist(err) {
		fs.rebuildGraph()
		return nil
	}
	if err != nil {
		return fmt.Errorf("open graph snapshot: %w", err)
	}
	importErr := fs.graph.Import(bufio.NewReader(graphFile))
	_ = graphFile.Close()
	if importErr != nil {
		slog.Warn("vectorstore_graph_import_failed",
			slog.String("path", base+".graph"),
			slog.String("error", importErr.Error()))
		fs.rebuildGraph()
	}
	return nil
}

func (iv *IndexVectors) close() {
	iv.mu.Lock()
	defer iv.mu.Unlock()
	iv.closed = true
	iv.fields = nil
}
