// Package cas implements a deduplicated, reference-counted blob store keyed
// by the SHA-256 of each blob's bytes.
//
// Layout under the store directory:
//
//	objects/<hex>   immutable blob files
//	index.json      {hash, size, ref_count} for every entry
//
// All mutating operations serialize through one exclusive lock over the
// index, and the index is rewritten atomically after every mutation. An entry
// whose ref_count is zero is never returned by Get.
package cas

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/opencontainers/go-digest"
	"go.uber.org/zap"

	"wmonorepo/internal/fsutil"
	"wmonorepo/internal/logging"
	"wmonorepo/internal/metrics"
)

const (
	indexFile  = "index.json"
	objectsDir = "objects"

	defaultHotEntries = 256
	maxHotBlobSize    = 1 << 20
)

// ErrInvalidHash is returned for strings that are not a hex SHA-256 digest.
var ErrInvalidHash = errors.New("invalid content hash")

// Entry is the index record of one blob.
type Entry struct {
	Hash     string `json:"hash"`
	Size     int64  `json:"size"`
	RefCount int    `json:"ref_count"`
}

type indexDoc struct {
	Version int     `json:"version"`
	Entries []Entry `json:"entries"`
}

// Store is the content-addressable store.
type Store struct {
	dir     string
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu    sync.Mutex
	index map[string]*Entry
	hot   *lru.Cache[string, []byte]
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.logger = logging.OrNop(l) }
}

// WithMetrics publishes live blob counts after every mutation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// Open loads (or initializes) the store at dir.
func Open(dir string, opts ...Option) (*Store, error) {
	hot, err := lru.New[string, []byte](defaultHotEntries)
	if err != nil {
		return nil, err
	}
	s := &Store{
		dir:    dir,
		logger: zap.NewNop(),
		index:  make(map[string]*Entry),
		hot:    hot,
	}
	for _, o := range opts {
		o(s)
	}
	if err := fsutil.EnsureDir(filepath.Join(dir, objectsDir), 0o755); err != nil {
		return nil, fmt.Errorf("init cas dir: %w", err)
	}

	var doc indexDoc
	err = fsutil.ReadJSONStrict(filepath.Join(dir, indexFile), &doc)
	switch {
	case err == nil:
		for i := range doc.Entries {
			e := doc.Entries[i]
			if validHash(e.Hash) != nil || e.RefCount < 0 {
				return nil, fmt.Errorf("invalid cas index entry %q", e.Hash)
			}
			s.index[e.Hash] = &e
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("load cas index: %w", err)
	}
	s.publish()
	return s, nil
}

// Dir returns the store directory.
func (s *Store) Dir() string { return s.dir }

// HashOf returns the content hash Store would assign to data.
func HashOf(data []byte) string {
	return digest.SHA256.FromBytes(data).Encoded()
}

func validHash(h string) error {
	if err := digest.NewDigestFromEncoded(digest.SHA256, h).Validate(); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidHash, h)
	}
	return nil
}

func (s *Store) objectPath(h string) string {
	return filepath.Join(s.dir, objectsDir, h)
}

// Store persists data and returns its hash. Storing bytes that are already
// present increments the entry's ref_count instead of writing a second copy.
func (s *Store) Store(data []byte) (string, error) {
	h := HashOf(data)

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.index[h]; ok && e.RefCount > 0 {
		if _, err := os.Stat(s.objectPath(h)); err == nil {
			e.RefCount++
			if err := s.persistLocked(); err != nil {
				e.RefCount--
				return "", err
			}
			s.logger.Debug("cas dedup", zap.String("hash", h), zap.Int("ref_count", e.RefCount))
			return h, nil
		}
		// The blob vanished under a live entry; rewrite it and keep counting.
	}

	if err := fsutil.WriteFileAtomic(s.objectPath(h), data, 0o444); err != nil {
		return "", fmt.Errorf("write blob %s: %w", h, err)
	}
	prev, existed := s.index[h]
	var prevEntry Entry
	if existed {
		prevEntry = *prev
		prev.RefCount++
		prev.Size = int64(len(data))
	} else {
		s.index[h] = &Entry{Hash: h, Size: int64(len(data)), RefCount: 1}
	}
	if err := s.persistLocked(); err != nil {
		if existed {
			*prev = prevEntry
		} else {
			delete(s.index, h)
		}
		return "", err
	}
	s.publish()
	return h, nil
}

// Get returns the bytes of a live entry. It reports false when no live entry
// exists or the blob file is missing or corrupted.
func (s *Store) Get(h string) ([]byte, bool) {
	if validHash(h) != nil {
		return nil, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.index[h]
	if !ok || e.RefCount <= 0 {
		return nil, false
	}
	if data, ok := s.hot.Get(h); ok {
		return data, true
	}
	data, err := os.ReadFile(s.objectPath(h))
	if err != nil {
		s.logger.Warn("cas blob missing", zap.String("hash", h), zap.Error(err))
		return nil, false
	}
	if HashOf(data) != h {
		s.logger.Warn("cas blob corrupted", zap.String("hash", h))
		return nil, false
	}
	if len(data) <= maxHotBlobSize {
		s.hot.Add(h, data)
	}
	return data, true
}

// Has reports whether a live entry exists and its blob file is present. It
// does not verify content.
func (s *Store) Has(h string) bool {
	if validHash(h) != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.index[h]
	if !ok || e.RefCount <= 0 {
		return false
	}
	_, err := os.Stat(s.objectPath(h))
	return err == nil
}

// Remove drops one reference. It returns true only if this call brought the
// count to zero and the blob was deleted. Removing an unknown or already
// released hash returns false.
func (s *Store) Remove(h string) (bool, error) {
	if err := validHash(h); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.index[h]
	if !ok || e.RefCount <= 0 {
		return false, nil
	}
	e.RefCount--
	if e.RefCount > 0 {
		if err := s.persistLocked(); err != nil {
			e.RefCount++
			return false, err
		}
		return false, nil
	}

	s.hot.Remove(h)
	if err := os.Remove(s.objectPath(h)); err != nil && !errors.Is(err, os.ErrNotExist) {
		// Keep the zero entry so GC can retry the delete.
		s.logger.Warn("cas blob delete failed", zap.String("hash", h), zap.Error(err))
		if perr := s.persistLocked(); perr != nil {
			return false, perr
		}
		s.publish()
		return false, nil
	}
	delete(s.index, h)
	if err := s.persistLocked(); err != nil {
		return false, err
	}
	s.publish()
	return true, nil
}

// GC deletes every zero-ref entry and any blob file the index does not know
// about (a crash between blob write and index persist). It returns the number
// of blobs removed and the bytes freed.
func (s *Store) GC() (count int, freed int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for h, e := range s.index {
		if e.RefCount > 0 {
			continue
		}
		info, statErr := os.Stat(s.objectPath(h))
		if rmErr := os.Remove(s.objectPath(h)); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			return count, freed, fmt.Errorf("gc %s: %w", h, rmErr)
		}
		if statErr == nil {
			count++
			freed += info.Size()
		}
		s.hot.Remove(h)
		delete(s.index, h)
	}

	files, err := os.ReadDir(filepath.Join(s.dir, objectsDir))
	if err != nil {
		return count, freed, fmt.Errorf("gc list objects: %w", err)
	}
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		if _, known := s.index[f.Name()]; known {
			continue
		}
		info, err := f.Info()
		if err != nil {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, objectsDir, f.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
			return count, freed, fmt.Errorf("gc orphan %s: %w", f.Name(), err)
		}
		count++
		freed += info.Size()
	}

	if err := s.persistLocked(); err != nil {
		return count, freed, err
	}
	s.publish()
	if count > 0 {
		s.logger.Info("cas gc", zap.Int("blobs", count), zap.Int64("bytes_freed", freed))
	}
	return count, freed, nil
}

// Stats returns the number of live entries and their total size.
func (s *Store) Stats() (count int, total int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statsLocked()
}

// Entry returns a copy of the index record for h, including zero-ref entries
// awaiting GC.
func (s *Store) Entry(h string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.index[h]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

func (s *Store) statsLocked() (count int, total int64) {
	for _, e := range s.index {
		if e.RefCount > 0 {
			count++
			total += e.Size
		}
	}
	return count, total
}

func (s *Store) persistLocked() error {
	doc := indexDoc{Version: 1, Entries: make([]Entry, 0, len(s.index))}
	for _, e := range s.index {
		doc.Entries = append(doc.Entries, *e)
	}
	sort.Slice(doc.Entries, func(i, j int) bool { return doc.Entries[i].Hash < doc.Entries[j].Hash })
	if err := fsutil.WriteJSON(filepath.Join(s.dir, indexFile), doc); err != nil {
		return fmt.Errorf("persist cas index: %w", err)
	}
	return nil
}

// publish must be called with mu held or before the store is shared.
func (s *Store) publish() {
	if s.metrics == nil {
		return
	}
	count, total := s.statsLocked()
	s.metrics.SetCASUsage(count, total)
}
