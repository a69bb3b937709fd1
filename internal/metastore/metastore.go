// Package metastore persists named resource definitions. It is a
// badger-backed blob store keyed by (kind, name) with monotone etags,
// plus a typed catalog layered on top for JSON definitions.
package metastore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"regexp"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

// Kind identifies a resource collection.
type Kind string

const (
	KindIndex        Kind = "index"
	KindDataSource   Kind = "datasource"
	KindSkillset     Kind = "skillset"
	KindIndexer      Kind = "indexer"
	KindSynonymMap   Kind = "synonymmap"
	KindIndexerState Kind = "indexerstate"
)

// Single-byte key prefixes; prefix iteration implements List.
var kindPrefixes = map[Kind]byte{
	KindIndex:        0x01,
	KindDataSource:   0x02,
	KindSkillset:     0x03,
	KindIndexer:      0x04,
	KindSynonymMap:   0x05,
	KindIndexerState: 0x06,
}

// Label returns the human-readable singular name of the kind.
func (k Kind) Label() string {
	switch k {
	case KindIndex:
		return "index"
	case KindDataSource:
		return "data source"
	case KindSkillset:
		return "skillset"
	case KindIndexer:
		return "indexer"
	case KindSynonymMap:
		return "synonym map"
	case KindIndexerState:
		return "indexer state"
	}
	return string(k)
}

var (
	// ErrNotFound is returned when no blob exists for (kind, name).
	ErrNotFound = errors.New("metastore: not found")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("metastore: store is closed")

	// ErrInvalidName is returned when a name violates the naming rule.
	ErrInvalidName = errors.New("metastore: invalid resource name")
)

// Resource names: lowercase letter first, then lowercase letters, digits,
// dashes, at most 128 characters total.
var nameRe = regexp.MustCompile(`^[a-z][a-z0-9-]{0,127}$`)

// ValidName reports whether name satisfies the resource naming rule.
func ValidName(name string) bool {
	return nameRe.MatchString(name)
}

// Options configures Open.
type Options struct {
	// Dir is the storage directory. Ignored when InMemory is set.
	Dir string

	// InMemory keeps everything in RAM. For tests.
	InMemory bool

	// SyncWrites fsyncs each write before returning.
	SyncWrites bool
}

// Store is the blob store. Safe for concurrent use.
type Store struct {
	db  *badger.DB
	seq *badger.Sequence

	mu     sync.RWMutex
	closed bool
}

// Open creates or opens a store at dir with durable writes.
func Open(dir string) (*Store, error) {
	return OpenWithOptions(Options{Dir: dir, SyncWrites: true})
}

// OpenInMemory opens a volatile store for tests.
func OpenInMemory() (*Store, error) {
	return OpenWithOptions(Options{InMemory: true})
}

// OpenWithOptions opens a store with explicit options.
func OpenWithOptions(opts Options) (*Store, error) {
	var badgerOpts badger.Options
	if opts.InMemory {
		badgerOpts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		badgerOpts = badger.DefaultOptions(opts.Dir)
	}

	badgerOpts = badgerOpts.
		WithSyncWrites(opts.SyncWrites).
		WithLogger(nil).
		WithMemTableSize(16 << 20).
		WithValueLogFileSize(64 << 20).
		WithNumMemtables(2).
		WithBlockCacheSize(32 << 20).
		WithIndexCacheSize(16 << 20)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("open metadata store: %w", err)
	}

	seq, err := db.GetSequence([]byte{0xFF, 'e', 't', 'a', 'g'}, 128)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open etag sequence: %w", err)
	}

	return &Store{db: db, seq: seq}, nil
}

// Close releases the etag sequence and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.seq.Release(); err != nil {
		_ = s.db.Close()
		return fmt.Errorf("release etag sequence: %w", err)
	}
	return s.db.Close()
}

func (s *Store) guard(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func blobKey(kind Kind, name string) []byte {
	key := make([]byte, 0, 1+len(name))
	key = append(key, kindPrefixes[kind])
	key = append(key, name...)
	return key
}

// Value layout: 8-byte big-endian etag, then the blob.
func encodeValue(etag uint64, data []byte) []byte {
	buf := make([]byte, 8+len(data))
	binary.BigEndian.PutUint64(buf, etag)
	copy(buf[8:], data)
	return buf
}

func decodeValue(buf []byte) (uint64, []byte, error) {
	if len(buf) < 8 {
		return 0, nil, fmt.Errorf("metastore: corrupt value (%d bytes)", len(buf))
	}
	data := make([]byte, len(buf)-8)
	copy(data, buf[8:])
	return binary.BigEndian.Uint64(buf), data, nil
}

// Put writes data under (kind, name) and returns the new etag. A
// successful Put is durable before it returns.
func (s *Store) Put(ctx context.Context, kind Kind, name string, data []byte) (uint64, error) {
	if err := s.guard(ctx); err != nil {
		return 0, err
	}
	if !ValidName(name) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	n, err := s.seq.Next()
	if err != nil {
		return 0, fmt.Errorf("next etag: %w", err)
	}
	etag := n + 1 // sequence starts at 0; etags start at 1

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(blobKey(kind, name), encodeValue(etag, data))
	})
	if err != nil {
		return 0, fmt.Errorf("put %s %q: %w", kind.Label(), name, err)
	}
	return etag, nil
}

// Get returns the blob and etag stored under (kind, name), or ErrNotFound.
func (s *Store) Get(ctx context.Context, kind Kind, name string) ([]byte, uint64, error) {
	if err := s.guard(ctx); err != nil {
		return nil, 0, err
	}

	var (
		etag uint64
		data []byte
	)
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(blobKey(kind, name))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var decodeErr error
			etag, data, decodeErr = decodeValue(val)
			return decodeErr
		})
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("get %s %q: %w", kind.Label(), name, err)
	}
	return data, etag, nil
}

// List returns every blob of the kind, ordered by name.
func (s *Store) List(ctx context.Context, kind Kind) ([][]byte, error) {
	if err := s.guard(ctx); err != nil {
		return nil, err
	}

	prefix := []byte{kindPrefixes[kind]}
	var out [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				_, data, err := decodeValue(val)
				if err != nil {
					return err
				}
				out = append(out, data)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", kind.Label(), err)
	}
	return out, nil
}

// Names returns the names of every blob of the kind, ordered.
func (s *Store) Names(ctx context.Context, kind Kind) ([]string, error) {
	if err := s.guard(ctx); err != nil {
		return nil, err
	}

	prefix := []byte{kindPrefixes[kind]}
	var out []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().Key()
			out = append(out, string(key[1:]))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s names: %w", kind.Label(), err)
	}
	return out, nil
}

// Delete removes (kind, name) and reports whether it existed.
func (s *Store) Delete(ctx context.Context, kind Kind, name string) (bool, error) {
	if err := s.guard(ctx); err != nil {
		return false, err
	}

	existed := false
	err := s.db.Update(func(txn *badger.Txn) error {
		key := blobKey(kind, name)
		if _, err := txn.Get(key); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		existed = true
		return txn.Delete(key)
	})
	if err != nil {
		return false, fmt.Errorf("delete %s %q: %w", kind.Label(), name, err)
	}
	return existed, nil
}

// Exists reports whether (kind, name) is present.
func (s *Store) Exists(ctx context.Context, kind Kind, name string) (bool, error) {
	if err := s.guard(ctx); err != nil {
		return false, err
	}

	exists := false
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(blobKey(kind, name))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		exists = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("exists %s %q: %w", kind.Label(), name, err)
	}
	return exists, nil
}

// Count returns the number of blobs of the kind.
func (s *Store) Count(ctx context.Context, kind Kind) (int, error) {
	names, err := s.Names(ctx, kind)
	if err != nil {
		return 0, err
	}
	return len(names), nil
}
