package connector

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/locussearch/locus/internal/apperr"
)

// FilesystemConnector serves documents from a local directory tree. The
// connection string is the base directory, the container name an optional
// subdirectory, and the container query a glob pattern. Hidden entries
// and symlinks are skipped.
type FilesystemConnector struct{}

func (*FilesystemConnector) Type() string { return TypeFilesystem }

// List walks the container directory and streams one Item per matching
// file, newest state only when tracking is set.
func (c *FilesystemConnector) List(ctx context.Context, ds *DataSource, tracking *TrackingState) (<-chan Item, error) {
	root, err := c.Root(ds)
	if err != nil {
		return nil, err
	}
	pattern := ds.Container.Query
	if pattern != "" {
		if _, err := path.Match(pattern, "x"); err != nil {
			return nil, apperr.InvalidArgument("data source %q: malformed container query %q", ds.Name, pattern)
		}
	}

	items := make(chan Item, 64)
	go func() {
		defer close(items)
		err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			if err != nil {
				return nil // skip entries we cannot access
			}
			rel, err := filepath.Rel(root, p)
			if err != nil || rel == "." {
				return nil
			}
			if d.IsDir() {
				if strings.HasPrefix(d.Name(), ".") {
					return filepath.SkipDir
				}
				return nil
			}
			if d.Type()&fs.ModeSymlink != 0 {
				return nil
			}
			if strings.HasPrefix(d.Name(), ".") {
				return nil
			}
			if !matchGlob(rel, pattern) {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return nil
			}
			if tracking != nil && !info.ModTime().After(tracking.HighWater) {
				return nil
			}
			select {
			case items <- Item{Doc: fileDocument(p, rel, info)}:
			case <-ctx.Done():
				return ctx.Err()
			}
			return nil
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			select {
			case items <- Item{Err: apperr.Upstream(err, "list data source %q", ds.Name)}:
			case <-ctx.Done():
			}
		}
	}()
	return items, nil
}

// Read returns the file's content, refusing paths outside the container.
func (c *FilesystemConnector) Read(ctx context.Context, ds *DataSource, doc *Document) ([]byte, error) {
	root, err := c.Root(ds)
	if err != nil {
		return nil, err
	}
	p := doc.Path
	if p == "" {
		decoded, err := DecodeKey(doc.Key)
		if err != nil {
			return nil, err
		}
		p = filepath.FromSlash(decoded)
	}
	if err := underRoot(root, p); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, apperr.Upstream(err, "read %q", doc.Name)
	}
	return data, nil
}

// Get resolves a single document by key.
func (c *FilesystemConnector) Get(ctx context.Context, ds *DataSource, key string) (*Document, error) {
	root, err := c.Root(ds)
	if err != nil {
		return nil, err
	}
	decoded, err := DecodeKey(key)
	if err != nil {
		return nil, err
	}
	p := filepath.FromSlash(decoded)
	if err := underRoot(root, p); err != nil {
		return nil, err
	}
	info, err := os.Stat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperr.NotFound("document", key)
		}
		return nil, apperr.Upstream(err, "stat %q", p)
	}
	rel, err := filepath.Rel(root, p)
	if err != nil {
		rel = info.Name()
	}
	return fileDocument(p, rel, info), nil
}

// Root resolves and verifies the directory a data source points at.
func (*FilesystemConnector) Root(ds *DataSource) (string, error) {
	base, err := connectionString(ds)
	if err != nil {
		return "", err
	}
	root := filepath.Join(base, ds.Container.Name)
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", apperr.InvalidArgument("data source %q: resolve path %q: %v", ds.Name, root, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", apperr.Upstream(err, "data source %q: stat %q", ds.Name, abs)
	}
	if !info.IsDir() {
		return "", apperr.InvalidArgument("data source %q: %q is not a directory", ds.Name, abs)
	}
	return abs, nil
}

func fileDocument(p, rel string, info fs.FileInfo) *Document {
	slashPath := filepath.ToSlash(p)
	ct := ContentTypeForPath(p)
	mod := info.ModTime().UTC()
	return &Document{
		Key:          EncodeKey(slashPath),
		Name:         filepath.ToSlash(rel),
		Path:         p,
		ContentType:  ct,
		Size:         info.Size(),
		LastModified: mod,
		Metadata: map[string]string{
			"metadata_storage_path":           slashPath,
			"metadata_storage_name":           info.Name(),
			"metadata_storage_content_type":   ct,
			"metadata_storage_size":           strconv.FormatInt(info.Size(), 10),
			"metadata_storage_last_modified":  mod.Format(time.RFC3339),
			"metadata_storage_file_extension": strings.ToLower(filepath.Ext(p)),
		},
	}
}

// matchGlob applies the container query to a listing entry. Patterns
// containing a separator match the slash-form path relative to the root;
// plain patterns match the base name. An empty pattern matches all.
func matchGlob(rel, pattern string) bool {
	if pattern == "" {
		return true
	}
	target := filepath.Base(rel)
	if strings.ContainsRune(pattern, '/') {
		target = filepath.ToSlash(rel)
	}
	ok, err := path.Match(pattern, target)
	if err != nil {
		return false
	}
	return ok
}

func underRoot(root, p string) error {
	abs, err := filepath.Abs(p)
	if err != nil {
		return apperr.InvalidArgument("resolve path %q: %v", p, err)
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return apperr.InvalidArgument("path %q escapes the data source root", p)
	}
	return nil
}
