package connector

import (
	"context"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/locussearch/locus/internal/apperr"
)

// MemoryConnector serves seeded documents from process memory. It backs
// tests and demo data sources where no real storage exists.
type MemoryConnector struct {
	mu         sync.RWMutex
	containers map[string]map[string]memoryObject
}

type memoryObject struct {
	content  []byte
	modified time.Time
}

// NewMemoryConnector returns an empty in-memory connector.
func NewMemoryConnector() *MemoryConnector {
	return &MemoryConnector{containers: make(map[string]map[string]memoryObject)}
}

func (*MemoryConnector) Type() string { return TypeMemory }

// Seed stores an object under a container, replacing any previous content.
func (m *MemoryConnector) Seed(container, name string, content []byte, modified time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.containers[container]
	if !ok {
		c = make(map[string]memoryObject)
		m.containers[container] = c
	}
	c[name] = memoryObject{content: content, modified: modified.UTC()}
}

// List streams the container's objects in name order.
func (m *MemoryConnector) List(ctx context.Context, ds *DataSource, tracking *TrackingState) (<-chan Item, error) {
	m.mu.RLock()
	container := m.containers[ds.Container.Name]
	docs := make([]*Document, 0, len(container))
	for name, obj := range container {
		if !matchGlob(name, ds.Container.Query) {
			continue
		}
		if tracking != nil && !obj.modified.After(tracking.HighWater) {
			continue
		}
		docs = append(docs, memoryDocument(ds.Container.Name, name, obj))
	}
	m.mu.RUnlock()
	sort.Slice(docs, func(i, j int) bool { return docs[i].Name < docs[j].Name })

	items := make(chan Item, len(docs))
	go func() {
		defer close(items)
		for _, doc := range docs {
			select {
			case items <- Item{Doc: doc}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return items, nil
}

// Read returns a seeded object's content.
func (m *MemoryConnector) Read(ctx context.Context, ds *DataSource, doc *Document) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.containers[ds.Container.Name][doc.Name]
	if !ok {
		return nil, apperr.NotFound("document", doc.Name)
	}
	out := make([]byte, len(obj.content))
	copy(out, obj.content)
	return out, nil
}

// Get resolves a single seeded object by key.
func (m *MemoryConnector) Get(ctx context.Context, ds *DataSource, key string) (*Document, error) {
	decoded, err := DecodeKey(key)
	if err != nil {
		return nil, err
	}
	name, ok := strings.CutPrefix(decoded, ds.Container.Name+"/")
	if !ok {
		return nil, apperr.NotFound("document", key)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, found := m.containers[ds.Container.Name][name]
	if !found {
		return nil, apperr.NotFound("document", key)
	}
	return memoryDocument(ds.Container.Name, name, obj), nil
}

func memoryDocument(container, name string, obj memoryObject) *Document {
	full := container + "/" + name
	ct := ContentTypeForPath(name)
	return &Document{
		Key:          EncodeKey(full),
		Name:         name,
		Path:         full,
		ContentType:  ct,
		Size:         int64(len(obj.content)),
		LastModified: obj.modified,
		Metadata: map[string]string{
			"metadata_storage_path":           full,
			"metadata_storage_name":           filepath.Base(name),
			"metadata_storage_content_type":   ct,
			"metadata_storage_size":           strconv.FormatInt(int64(len(obj.content)), 10),
			"metadata_storage_last_modified":  obj.modified.Format(time.RFC3339),
			"metadata_storage_file_extension": strings.ToLower(filepath.Ext(name)),
		},
	}
}
