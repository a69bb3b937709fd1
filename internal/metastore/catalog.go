package metastore

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/locussearch/locus/internal/apperr"
)

// Catalog marshals typed definitions over the blob store and owns the
// existence and conflict checks shared by every resource collection.
type Catalog struct {
	store *Store
}

// NewCatalog wraps a blob store.
func NewCatalog(store *Store) *Catalog {
	return &Catalog{store: store}
}

// Store exposes the underlying blob store.
func (c *Catalog) Store() *Store { return c.store }

// Create persists a new definition, rejecting duplicates.
func Create[T any](ctx context.Context, c *Catalog, kind Kind, name string, def T) (uint64, error) {
	if !ValidName(name) {
		return 0, apperr.InvalidArgument("invalid %s name %q", kind.Label(), name).WithTarget(name)
	}
	exists, err := c.store.Exists(ctx, kind, name)
	if err != nil {
		return 0, apperr.Wrap(apperr.CodeInternal, err, "check existing %s", kind.Label())
	}
	if exists {
		return 0, apperr.AlreadyExists(kind.Label(), name)
	}
	return put(ctx, c, kind, name, def)
}

// Upsert persists a definition, reporting whether it was created.
func Upsert[T any](ctx context.Context, c *Catalog, kind Kind, name string, def T) (etag uint64, created bool, err error) {
	if !ValidName(name) {
		return 0, false, apperr.InvalidArgument("invalid %s name %q", kind.Label(), name).WithTarget(name)
	}
	exists, err := c.store.Exists(ctx, kind, name)
	if err != nil {
		return 0, false, apperr.Wrap(apperr.CodeInternal, err, "check existing %s", kind.Label())
	}
	etag, err = put(ctx, c, kind, name, def)
	return etag, !exists, err
}

func put[T any](ctx context.Context, c *Catalog, kind Kind, name string, def T) (uint64, error) {
	data, err := json.Marshal(def)
	if err != nil {
		return 0, apperr.Wrap(apperr.CodeInternal, err, "encode %s", kind.Label())
	}
	etag, err := c.store.Put(ctx, kind, name, data)
	if err != nil {
		if errors.Is(err, ErrInvalidName) {
			return 0, apperr.InvalidArgument("invalid %s name %q", kind.Label(), name).WithTarget(name)
		}
		return 0, apperr.Wrap(apperr.CodeInternal, err, "persist %s", kind.Label())
	}
	return etag, nil
}

// Get loads and decodes the named definition.
func Get[T any](ctx context.Context, c *Catalog, kind Kind, name string) (T, uint64, error) {
	var def T
	data, etag, err := c.store.Get(ctx, kind, name)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return def, 0, apperr.NotFound(kind.Label(), name)
		}
		return def, 0, apperr.Wrap(apperr.CodeInternal, err, "load %s", kind.Label())
	}
	if err := json.Unmarshal(data, &def); err != nil {
		return def, 0, apperr.Wrap(apperr.CodeInternal, err, "decode %s %q", kind.Label(), name)
	}
	return def, etag, nil
}

// List loads and decodes every definition of the kind, ordered by name.
func List[T any](ctx context.Context, c *Catalog, kind Kind) ([]T, error) {
	blobs, err := c.store.List(ctx, kind)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, err, "list %s", kind.Label())
	}
	out := make([]T, 0, len(blobs))
	for _, blob := range blobs {
		var def T
		if err := json.Unmarshal(blob, &def); err != nil {
			return nil, apperr.Wrap(apperr.CodeInternal, err, "decode %s", kind.Label())
		}
		out = append(out, def)
	}
	return out, nil
}

// Delete removes the named definition or fails with ResourceNotFound.
func (c *Catalog) Delete(ctx context.Context, kind Kind, name string) error {
	existed, err := c.store.Delete(ctx, kind, name)
	if err != nil {
		return apperr.Wrap(apperr.CodeInternal, err, "delete %s", kind.Label())
	}
	if !existed {
		return apperr.NotFound(kind.Label(), name)
	}
	return nil
}

// Exists reports whether the named definition is present.
func (c *Catalog) Exists(ctx context.Context, kind Kind, name string) (bool, error) {
	exists, err := c.store.Exists(ctx, kind, name)
	if err != nil {
		return false, apperr.Wrap(apperr.CodeInternal, err, "check %s", kind.Label())
	}
	return exists, nil
}

// Names lists the defined names of the kind, ordered.
func (c *Catalog) Names(ctx context.Context, kind Kind) ([]string, error) {
	names, err := c.store.Names(ctx, kind)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, err, "list %s names", kind.Label())
	}
	return names, nil
}
