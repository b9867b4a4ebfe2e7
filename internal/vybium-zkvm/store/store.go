// Package store persists committed executables, continuation proofs and
// root proofs in a bbolt database under content-addressed keys.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/mr-tron/base58"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/aggregation"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/utils"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/vm"
	"github.com/zeebo/blake3"
	bolt "go.etcd.io/bbolt"
)

var (
	// ErrNotFound is returned when no artifact is stored under a key.
	ErrNotFound = errors.New("artifact not found")

	// ErrClosed is returned when operating on a closed store.
	ErrClosed = errors.New("store closed")

	// ErrCorrupted is returned when stored bytes no longer hash to their key.
	ErrCorrupted = errors.New("stored artifact corrupted")

	// ErrInvalidKey is returned for keys that are not 32-byte base58 strings.
	ErrInvalidKey = errors.New("invalid artifact key")
)

// Kind selects the bucket an artifact lives in.
type Kind string

const (
	KindExe          Kind = "exes"
	KindContinuation Kind = "continuations"
	KindRoot         Kind = "roots"
)

var kinds = []Kind{KindExe, KindContinuation, KindRoot}

// bucketLabels maps names to keys, e.g. "fib" -> exe key.
var bucketLabels = []byte("labels")

// Key is the BLAKE3 digest of an encoded artifact.
type Key [32]byte

// KeyOf returns the key of data.
func KeyOf(data []byte) Key {
	return Key(blake3.Sum256(data))
}

// String returns the base58 form of the key.
func (k Key) String() string {
	return base58.Encode(k[:])
}

// ParseKey reverses Key.String.
func ParseKey(s string) (Key, error) {
	var k Key
	data, err := base58.Decode(s)
	if err != nil {
		return k, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(data) != len(k) {
		return k, fmt.Errorf("%w: %d bytes", ErrInvalidKey, len(data))
	}
	copy(k[:], data)
	return k, nil
}

// Config holds store options.
type Config struct {
	// Path is the database file.
	Path string

	// NoSync disables fsync after each write.
	NoSync bool

	// ReadOnly opens the database in read-only mode.
	ReadOnly bool

	// Timeout bounds the wait for the file lock.
	Timeout time.Duration
}

// DefaultConfig returns the default configuration for the database at path.
func DefaultConfig(path string) Config {
	return Config{Path: path, Timeout: 5 * time.Second}
}

// Stats summarizes the store contents.
type Stats struct {
	Counts       map[Kind]int
	Labels       int
	DatabaseSize int64
}

// BoltStore is a bbolt-backed artifact store.
type BoltStore struct {
	db     *bolt.DB
	config Config
	logger log.Logger

	mu     sync.RWMutex
	closed bool
}

// Open opens or creates the store described by config.
func Open(config Config, logger log.Logger) (*BoltStore, error) {
	if !config.ReadOnly {
		if err := os.MkdirAll(filepath.Dir(config.Path), 0755); err != nil {
			return nil, fmt.Errorf("create directory: %w", err)
		}
	}
	db, err := bolt.Open(config.Path, 0600, &bolt.Options{
		Timeout:  config.Timeout,
		NoSync:   config.NoSync,
		ReadOnly: config.ReadOnly,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	s := &BoltStore{db: db, config: config, logger: utils.OrDiscard(logger)}
	if !config.ReadOnly {
		if err := s.initBuckets(); err != nil {
			db.Close()
			return nil, fmt.Errorf("init buckets: %w", err)
		}
	}
	s.logger.Debug("Opened proof store", "path", config.Path, "readonly", config.ReadOnly)
	return s, nil
}

func (s *BoltStore) initBuckets() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, k := range kinds {
			if _, err := tx.CreateBucketIfNotExists([]byte(k)); err != nil {
				return fmt.Errorf("create bucket %s: %w", k, err)
			}
		}
		_, err := tx.CreateBucketIfNotExists(bucketLabels)
		return err
	})
}

func (s *BoltStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Put stores data under its key. Storing the same bytes twice is a no-op.
func (s *BoltStore) Put(kind Kind, data []byte) (Key, error) {
	if err := s.checkOpen(); err != nil {
		return Key{}, err
	}
	key := KeyOf(data)
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(kind))
		if b == nil {
			return fmt.Errorf("unknown kind %q", kind)
		}
		if b.Get(key[:]) != nil {
			return nil
		}
		return b.Put(key[:], data)
	})
	if err != nil {
		return Key{}, err
	}
	s.logger.Debug("Stored artifact", "kind", kind, "key", key, "bytes", len(data))
	return key, nil
}

// Get returns the bytes stored under key, checking they still hash to it.
func (s *BoltStore) Get(kind Kind, key Key) ([]byte, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(kind))
		if b == nil {
			return ErrNotFound
		}
		data := b.Get(key[:])
		if data == nil {
			return ErrNotFound
		}
		out = append([]byte(nil), data...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", kind, key, err)
	}
	if KeyOf(out) != key {
		return nil, fmt.Errorf("%s %s: %w", kind, key, ErrCorrupted)
	}
	return out, nil
}

// Has reports whether key is stored.
func (s *BoltStore) Has(kind Kind, key Key) bool {
	if s.checkOpen() != nil {
		return false
	}
	found := false
	s.db.View(func(tx *bolt.Tx) error {
		if b := tx.Bucket([]byte(kind)); b != nil {
			found = b.Get(key[:]) != nil
		}
		return nil
	})
	return found
}

// Delete removes key. Labels pointing at it are left dangling.
func (s *BoltStore) Delete(kind Kind, key Key) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(kind))
		if b == nil || b.Get(key[:]) == nil {
			return ErrNotFound
		}
		return b.Delete(key[:])
	})
}

// List returns every key of kind in byte order.
func (s *BoltStore) List(kind Kind) ([]Key, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var keys []Key
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(kind))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			var key Key
			copy(key[:], k)
			keys = append(keys, key)
			return nil
		})
	})
	return keys, err
}

// SetLabel points name at key.
func (s *BoltStore) SetLabel(name string, key Key) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLabels).Put([]byte(name), key[:])
	})
}

// Resolve turns a label or a base58 key into a key.
func (s *BoltStore) Resolve(ref string) (Key, error) {
	if err := s.checkOpen(); err != nil {
		return Key{}, err
	}
	var key Key
	found := false
	s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLabels)
		if b == nil {
			return nil
		}
		if v := b.Get([]byte(ref)); v != nil {
			copy(key[:], v)
			found = true
		}
		return nil
	})
	if found {
		return key, nil
	}
	return ParseKey(ref)
}

// ============================================================================
// Typed artifacts
// ============================================================================

// PutExe stores a committed executable.
func (s *BoltStore) PutExe(c *vm.CommittedExe) (Key, error) {
	data, err := vm.EncodeCommittedExe(c)
	if err != nil {
		return Key{}, err
	}
	return s.Put(KindExe, data)
}

// GetExe loads a committed executable.
func (s *BoltStore) GetExe(key Key) (*vm.CommittedExe, error) {
	data, err := s.Get(KindExe, key)
	if err != nil {
		return nil, err
	}
	return vm.DecodeCommittedExe(data)
}

// PutContinuationProof stores the segment proofs of a run.
func (s *BoltStore) PutContinuationProof(p *vm.ContinuationProof) (Key, error) {
	data, err := vm.EncodeContinuationProof(p)
	if err != nil {
		return Key{}, err
	}
	return s.Put(KindContinuation, data)
}

// GetContinuationProof loads the segment proofs of a run.
func (s *BoltStore) GetContinuationProof(key Key) (*vm.ContinuationProof, error) {
	data, err := s.Get(KindContinuation, key)
	if err != nil {
		return nil, err
	}
	return vm.DecodeContinuationProof(data)
}

// PutRootProof stores an aggregated proof.
func (s *BoltStore) PutRootProof(r *aggregation.RootProof) (Key, error) {
	data, err := aggregation.EncodeRootProof(r)
	if err != nil {
		return Key{}, err
	}
	return s.Put(KindRoot, data)
}

// GetRootProof loads an aggregated proof.
func (s *BoltStore) GetRootProof(key Key) (*aggregation.RootProof, error) {
	data, err := s.Get(KindRoot, key)
	if err != nil {
		return nil, err
	}
	return aggregation.DecodeRootProof(data)
}

// ============================================================================
// Maintenance
// ============================================================================

// GetStats counts the stored artifacts.
func (s *BoltStore) GetStats() (*Stats, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	stats := &Stats{Counts: make(map[Kind]int)}
	err := s.db.View(func(tx *bolt.Tx) error {
		for _, k := range kinds {
			if b := tx.Bucket([]byte(k)); b != nil {
				stats.Counts[k] = b.Stats().KeyN
			}
		}
		if b := tx.Bucket(bucketLabels); b != nil {
			stats.Labels = b.Stats().KeyN
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if info, err := os.Stat(s.config.Path); err == nil {
		stats.DatabaseSize = info.Size()
	}
	return stats, nil
}

// Sync forces a sync of the database to disk.
func (s *BoltStore) Sync() error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.Sync()
}

// Close closes the database. Closing twice is a no-op.
func (s *BoltStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.db.Close()
}
