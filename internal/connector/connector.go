// Package connector lists and reads source objects for indexer runs.
// Each connector type exposes the same three capabilities: stream the
// container's object metadata (honoring an incremental tracking state),
// read one object's content, and look a single object up by key.
package connector

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/locussearch/locus/internal/apperr"
)

// Connector type names accepted in data source definitions.
const (
	TypeFilesystem = "filesystem"
	TypeAzureBlob  = "azureblob"
	TypeADLSGen2   = "adlsgen2"
	TypeMemory     = "memory"
)

// ErrConnectorUnavailable reports a connector type that is registered as
// a seam but has no implementation in this build.
var ErrConnectorUnavailable = errors.New("connector implementation not available")

// DataSource is the stored definition of a data source.
type DataSource struct {
	Name        string       `json:"name"`
	Type        string       `json:"type"`
	Description string       `json:"description,omitempty"`
	Credentials *Credentials `json:"credentials,omitempty"`
	Container   Container    `json:"container"`
	Identity    *Identity    `json:"identity,omitempty"`
	ETag        string       `json:"@odata.etag,omitempty"`
}

// Credentials carries a connection string. For the filesystem connector
// this is the base directory; cloud connectors accept SAS or account-key
// strings.
type Credentials struct {
	ConnectionString string `json:"connectionString,omitempty"`
}

// Container scopes listings to one bucket of the source plus an optional
// query (a glob pattern for the filesystem connector).
type Container struct {
	Name  string `json:"name"`
	Query string `json:"query,omitempty"`
}

// Identity is a resource identity reference used instead of a connection
// string for managed-identity style authentication.
type Identity struct {
	Type                 string `json:"@odata.type,omitempty"`
	UserAssignedIdentity string `json:"userAssignedIdentity,omitempty"`
}

// Document is the metadata of one source object.
type Document struct {
	// Key is the URL-safe base64 form of the object's storage path.
	Key          string
	Name         string
	Path         string
	ContentType  string
	Size         int64
	LastModified time.Time
	// Metadata holds the metadata_storage_* properties surfaced to
	// field mappings.
	Metadata map[string]string
}

// TrackingState is the incremental high-water mark persisted between
// indexer runs. Listings emit only objects strictly newer than it.
type TrackingState struct {
	HighWater time.Time `json:"highWater"`
}

// Item is one element of a List stream.
type Item struct {
	Doc *Document
	Err error
}

// Connector is one source type's capability set. List closes the channel
// when the listing completes; a failed walk surfaces as a trailing Item
// carrying the error.
type Connector interface {
	Type() string
	List(ctx context.Context, ds *DataSource, tracking *TrackingState) (<-chan Item, error)
	Read(ctx context.Context, ds *DataSource, doc *Document) ([]byte, error)
	Get(ctx context.Context, ds *DataSource, key string) (*Document, error)
}

// Credential is a resolved secret usable by a cloud connector.
type Credential struct {
	ConnectionString string
	Token            string
}

// CredentialResolver turns a data source's identity reference into a
// credential. The auth package provides the production implementation.
type CredentialResolver interface {
	Resolve(ctx context.Context, ds *DataSource) (Credential, error)
}

// Registry maps connector type names to implementations. Registering a
// type that already exists replaces it, which is how plug-in connectors
// take over the cloud seams.
type Registry struct {
	mu         sync.RWMutex
	connectors map[string]Connector
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{connectors: make(map[string]Connector)}
}

// NewDefaultRegistry returns a registry with the built-in connectors:
// filesystem, memory, and the azureblob / adlsgen2 seams wired to the
// given credential resolver. resolver may be nil when no identity-based
// sources are configured.
func NewDefaultRegistry(resolver CredentialResolver) *Registry {
	r := NewRegistry()
	r.Register(&FilesystemConnector{})
	r.Register(NewMemoryConnector())
	r.Register(newBlobConnector(TypeAzureBlob, resolver))
	r.Register(newBlobConnector(TypeADLSGen2, resolver))
	return r
}

// Register adds or replaces the connector for its type name.
func (r *Registry) Register(c Connector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectors[c.Type()] = c
}

// Lookup resolves a connector by type name.
func (r *Registry) Lookup(typeName string) (Connector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connectors[typeName]
	if !ok {
		return nil, apperr.InvalidArgument("unknown data source type %q", typeName)
	}
	return c, nil
}

// Types lists the registered connector type names.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.connectors))
	for name := range r.connectors {
		out = append(out, name)
	}
	return out
}

// Validate checks the definition's shape without touching the source.
func (ds *DataSource) Validate() error {
	if ds.Name == "" {
		return apperr.InvalidArgument("data source name is required")
	}
	if ds.Type == "" {
		return apperr.InvalidArgument("data source %q: type is required", ds.Name)
	}
	if ds.Container.Name == "" && ds.Type != TypeFilesystem {
		return apperr.InvalidArgument("data source %q: container name is required", ds.Name)
	}
	hasConn := ds.Credentials != nil && ds.Credentials.ConnectionString != ""
	if !hasConn && ds.Identity == nil {
		return apperr.InvalidArgument("data source %q: credentials or an identity reference is required", ds.Name)
	}
	return nil
}

// connectionString returns the definition's connection string, or an
// error naming what is missing.
func connectionString(ds *DataSource) (string, error) {
	if ds.Credentials == nil || ds.Credentials.ConnectionString == "" {
		return "", apperr.InvalidArgument("data source %q has no connection string", ds.Name)
	}
	return ds.Credentials.ConnectionString, nil
}

// EncodeKey converts a storage path into a URL-safe document key.
func EncodeKey(path string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(path))
}

// DecodeKey reverses EncodeKey, accepting padded and unpadded forms.
func DecodeKey(key string) (string, error) {
	data, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(key, "="))
	if err != nil {
		return "", apperr.InvalidArgument("malformed document key %q", key)
	}
	return string(data), nil
}
