package connector

import (
	"context"

	"github.com/locussearch/locus/internal/apperr"
)

// blobConnector is the seam for the cloud storage connector types
// (azureblob, adlsgen2). It resolves credentials up front so definition
// mistakes surface immediately, then reports ErrConnectorUnavailable
// until a plug-in implementation replaces it in the registry.
type blobConnector struct {
	kind     string
	resolver CredentialResolver
}

func newBlobConnector(kind string, resolver CredentialResolver) *blobConnector {
	return &blobConnector{kind: kind, resolver: resolver}
}

func (c *blobConnector) Type() string { return c.kind }

func (c *blobConnector) List(ctx context.Context, ds *DataSource, tracking *TrackingState) (<-chan Item, error) {
	if _, err := c.credential(ctx, ds); err != nil {
		return nil, err
	}
	return nil, c.unavailable()
}

func (c *blobConnector) Read(ctx context.Context, ds *DataSource, doc *Document) ([]byte, error) {
	if _, err := c.credential(ctx, ds); err != nil {
		return nil, err
	}
	return nil, c.unavailable()
}

func (c *blobConnector) Get(ctx context.Context, ds *DataSource, key string) (*Document, error) {
	if _, err := c.credential(ctx, ds); err != nil {
		return nil, err
	}
	return nil, c.unavailable()
}

// credential prefers an explicit connection string and falls back to
// resolving the identity reference.
func (c *blobConnector) credential(ctx context.Context, ds *DataSource) (Credential, error) {
	if ds.Credentials != nil && ds.Credentials.ConnectionString != "" {
		return Credential{ConnectionString: ds.Credentials.ConnectionString}, nil
	}
	if ds.Identity == nil {
		return Credential{}, apperr.InvalidArgument(
			"data source %q: %s requires a connection string or an identity reference", ds.Name, c.kind)
	}
	if c.resolver == nil {
		return Credential{}, apperr.InvalidArgument(
			"data source %q: no credential resolver configured for identity references", ds.Name)
	}
	return c.resolver.Resolve(ctx, ds)
}

func (c *blobConnector) unavailable() error {
	return apperr.Wrap(apperr.CodeServiceUnavailable, ErrConnectorUnavailable, "%s connector", c.kind)
}
