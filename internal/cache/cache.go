package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"wmonorepo/internal/cas"
	"wmonorepo/internal/fsutil"
	"wmonorepo/internal/logging"
)

const refsDir = "refs"

// Cache is the fingerprint → Bundle index over a CAS store.
type Cache struct {
	store  *cas.Store
	refs   string
	logger *zap.Logger
}

// New returns a cache whose refs live next to the store's objects.
func New(store *cas.Store, logger *zap.Logger) *Cache {
	return &Cache{
		store:  store,
		refs:   filepath.Join(store.Dir(), refsDir),
		logger: logging.OrNop(logger),
	}
}

// Store returns the underlying CAS.
func (c *Cache) Store() *cas.Store { return c.store }

func (c *Cache) refPath(fp string) (string, error) {
	if fp == "" || strings.ContainsAny(fp, `/\.`) {
		return "", fmt.Errorf("invalid fingerprint %q", fp)
	}
	return filepath.Join(c.refs, fp), nil
}

func (c *Cache) readRef(fp string) (string, bool) {
	p, err := c.refPath(fp)
	if err != nil {
		return "", false
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return "", false
	}
	return strings.TrimSpace(string(data)), true
}

// Lookup returns the bundle cached under fp. A hit requires the ref, the
// bundle blob and every artifact blob; any missing piece is a miss.
func (c *Cache) Lookup(fp string) (*Bundle, bool) {
	bundleHash, ok := c.readRef(fp)
	if !ok {
		return nil, false
	}
	data, ok := c.store.Get(bundleHash)
	if !ok {
		c.logger.Debug("cache ref dangling", zap.String("fingerprint", fp))
		return nil, false
	}
	b, err := DecodeBundle(data)
	if err != nil || b.Fingerprint != fp {
		c.logger.Warn("cache bundle unreadable", zap.String("fingerprint", fp), zap.Error(err))
		return nil, false
	}
	for _, a := range b.Artifacts {
		if !c.store.Has(a.Hash) {
			c.logger.Debug("cache artifact missing",
				zap.String("fingerprint", fp), zap.String("path", a.Path))
			return nil, false
		}
	}
	return b, true
}

// Save stores the result and artifacts of a successful execution under fp.
// Re-saving an identical result leaves reference counts unchanged; saving a
// different result releases the previous bundle.
func (c *Cache) Save(fp string, exitCode int, stdout, stderr []byte, files []File) (*Bundle, error) {
	refPath, err := c.refPath(fp)
	if err != nil {
		return nil, err
	}

	b := &Bundle{
		Fingerprint: fp,
		ExitCode:    exitCode,
		Stdout:      stdout,
		Stderr:      stderr,
		Artifacts:   make([]Artifact, 0, len(files)),
	}
	for _, f := range files {
		h, err := c.store.Store(f.Content)
		if err != nil {
			c.release(b, "")
			return nil, fmt.Errorf("store artifact %s: %w", f.Path, err)
		}
		b.Artifacts = append(b.Artifacts, Artifact{Path: f.Path, Hash: h, Mode: uint32(f.Mode.Perm())})
	}
	return c.commit(refPath, b)
}

// commit stores the bundle blob and points the ref at it. It takes ownership
// of one reference on every artifact blob of b.
func (c *Cache) commit(refPath string, b *Bundle) (*Bundle, error) {
	data, err := b.Encode()
	if err != nil {
		c.release(b, "")
		return nil, err
	}
	bundleHash, err := c.store.Store(data)
	if err != nil {
		c.release(b, "")
		return nil, fmt.Errorf("store bundle: %w", err)
	}

	prevHash, hadPrev := c.readRef(b.Fingerprint)
	if hadPrev && prevHash == bundleHash {
		// Same content already referenced: drop the references just taken.
		c.release(b, bundleHash)
		return b, nil
	}
	if err := fsutil.WriteFileAtomic(refPath, []byte(bundleHash+"\n"), 0o644); err != nil {
		c.release(b, bundleHash)
		return nil, fmt.Errorf("write ref: %w", err)
	}
	if hadPrev {
		c.releaseHash(prevHash)
	}
	c.logger.Debug("cache saved",
		zap.String("fingerprint", b.Fingerprint),
		zap.Int("artifacts", len(b.Artifacts)))
	return b, nil
}

// Evict drops the ref for fp and releases its bundle.
func (c *Cache) Evict(fp string) error {
	refPath, err := c.refPath(fp)
	if err != nil {
		return err
	}
	bundleHash, ok := c.readRef(fp)
	if !ok {
		return nil
	}
	if err := os.Remove(refPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove ref: %w", err)
	}
	c.releaseHash(bundleHash)
	return nil
}

func (c *Cache) releaseHash(bundleHash string) {
	data, ok := c.store.Get(bundleHash)
	if !ok {
		_, _ = c.store.Remove(bundleHash)
		return
	}
	b, err := DecodeBundle(data)
	if err != nil {
		_, _ = c.store.Remove(bundleHash)
		return
	}
	c.release(b, bundleHash)
}

// release drops one reference on each artifact of b and, if bundleHash is
// set, on the bundle blob.
func (c *Cache) release(b *Bundle, bundleHash string) {
	for _, a := range b.Artifacts {
		if _, err := c.store.Remove(a.Hash); err != nil {
			c.logger.Warn("cache release failed", zap.String("hash", a.Hash), zap.Error(err))
		}
	}
	if bundleHash != "" {
		if _, err := c.store.Remove(bundleHash); err != nil {
			c.logger.Warn("cache release failed", zap.String("hash", bundleHash), zap.Error(err))
		}
	}
}

// Export packs the bundle cached under fp into a self-contained archive.
func (c *Cache) Export(fp string) ([]byte, bool, error) {
	b, ok := c.Lookup(fp)
	if !ok {
		return nil, false, nil
	}
	arc := Archive{Bundle: b, Blobs: make(map[string][]byte, len(b.Artifacts))}
	for _, a := range b.Artifacts {
		data, ok := c.store.Get(a.Hash)
		if !ok {
			return nil, false, nil
		}
		arc.Blobs[a.Hash] = data
	}
	data, err := json.Marshal(arc)
	if err != nil {
		return nil, false, fmt.Errorf("encode archive: %w", err)
	}
	return data, true, nil
}

// Import verifies an archive produced by Export and installs it under fp,
// back-filling the local CAS.
func (c *Cache) Import(fp string, data []byte) (*Bundle, error) {
	refPath, err := c.refPath(fp)
	if err != nil {
		return nil, err
	}
	var arc Archive
	if err := json.Unmarshal(data, &arc); err != nil {
		return nil, fmt.Errorf("decode archive: %w", err)
	}
	if arc.Bundle == nil || arc.Bundle.Fingerprint != fp {
		return nil, fmt.Errorf("archive is not for fingerprint %s", fp)
	}
	for _, a := range arc.Bundle.Artifacts {
		blob, ok := arc.Blobs[a.Hash]
		if !ok || cas.HashOf(blob) != a.Hash {
			return nil, fmt.Errorf("archive blob for %s missing or corrupt", a.Path)
		}
	}

	b := &Bundle{
		Fingerprint: arc.Bundle.Fingerprint,
		ExitCode:    arc.Bundle.ExitCode,
		Stdout:      arc.Bundle.Stdout,
		Stderr:      arc.Bundle.Stderr,
	}
	for _, a := range arc.Bundle.Artifacts {
		if _, err := c.store.Store(arc.Blobs[a.Hash]); err != nil {
			c.release(b, "")
			return nil, fmt.Errorf("store artifact %s: %w", a.Path, err)
		}
		b.Artifacts = append(b.Artifacts, a)
	}
	return c.commit(refPath, b)
}
