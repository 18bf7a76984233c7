// Package database keeps a local cache of input files downloaded from
// database servers (HTTP, S3 or a directory mirror). Files are verified
// against sha256 checksums and recorded in an SQLite index.
package database

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrOffline means a file is not cached and downloads are disabled.
var ErrOffline = errors.New("file is not cached and the cache is offline")

// ChecksumError means downloaded content does not match the expected digest.
type ChecksumError struct {
	Database string
	Filename string
	Want     string
	Got      string
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("%s/%s: sha256 %s does not match expected %s", e.Database, e.Filename, e.Got, e.Want)
}

// Cache resolves database inputs to local files, downloading on a miss.
type Cache struct {
	root    string
	source  Source
	index   *Index
	logger  zerolog.Logger
	offline bool

	mu sync.Mutex
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// WithOffline serves only files already in the cache.
func WithOffline() Option {
	return func(c *Cache) { c.offline = true }
}

// NewCache opens the cache rooted at root. src may be nil for an offline cache.
func NewCache(root string, src Source, opts ...Option) (*Cache, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	index, err := OpenIndex(filepath.Join(root, "index.db"))
	if err != nil {
		return nil, err
	}
	c := &Cache{root: root, source: src, index: index, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(c)
	}
	if src == nil {
		c.offline = true
	}
	return c, nil
}

// Close closes the index.
func (c *Cache) Close() error {
	return c.index.Close()
}

// Root returns the cache directory.
func (c *Cache) Root() string { return c.root }

// Entries lists the cached files.
func (c *Cache) Entries() ([]Entry, error) {
	return c.index.List()
}

// Path is where database/filename lives in the cache.
func (c *Cache) Path(database, filename string) string {
	return filepath.Join(c.root, database, filepath.FromSlash(filename))
}

// Fetch returns the local path of database/filename, downloading it when it
// is not cached or its recorded digest differs from checksum. An empty
// checksum accepts any cached copy.
func (c *Cache) Fetch(ctx context.Context, database, filename, checksum string) (string, error) {
	if database == "" || filename == "" {
		return "", errors.New("database and filename are required")
	}
	if !filepath.IsLocal(database) || !filepath.IsLocal(filepath.FromSlash(filename)) {
		return "", fmt.Errorf("%s/%s: database paths must be relative", database, filename)
	}
	checksum = strings.ToLower(checksum)

	c.mu.Lock()
	defer c.mu.Unlock()

	local := c.Path(database, filename)
	if c.cached(database, filename, checksum, local) {
		c.logger.Debug().Str("database", database).Str("file", filename).Msg("database cache hit")
		return local, nil
	}
	if c.offline {
		return "", fmt.Errorf("%s/%s: %w", database, filename, ErrOffline)
	}
	if err := c.download(ctx, database, filename, checksum, local); err != nil {
		return "", err
	}
	return local, nil
}

func (c *Cache) cached(database, filename, checksum, local string) bool {
	entry, err := c.index.Lookup(database, filename)
	if err != nil {
		c.logger.Warn().Err(err).Msg("database index lookup failed")
		return false
	}
	if entry == nil {
		return false
	}
	info, err := os.Stat(local)
	if err != nil || info.Size() != entry.Size {
		return false
	}
	return checksum == "" || checksum == entry.SHA256
}

func (c *Cache) download(ctx context.Context, database, filename, checksum, local string) error {
	c.logger.Info().
		Str("database", database).
		Str("file", filename).
		Str("source", c.source.String()).
		Msg("downloading database file")

	body, err := c.source.Open(ctx, database, filename)
	if err != nil {
		return err
	}
	defer body.Close()

	if err := os.MkdirAll(filepath.Dir(local), 0755); err != nil {
		return fmt.Errorf("create cache directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(local), ".download-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	hash := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, hash), body)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("download %s/%s: %w", database, filename, err)
	}

	digest := hex.EncodeToString(hash.Sum(nil))
	if checksum != "" && digest != checksum {
		return &ChecksumError{Database: database, Filename: filename, Want: checksum, Got: digest}
	}
	if err := os.Rename(tmp.Name(), local); err != nil {
		return fmt.Errorf("install %s: %w", local, err)
	}

	return c.index.Put(Entry{
		Database:  database,
		Filename:  filename,
		SHA256:    digest,
		Size:      size,
		FetchedAt: time.Now().UTC(),
	})
}

// Remove deletes a cached file and its index entry.
func (c *Cache) Remove(database, filename string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := os.Remove(c.Path(database, filename)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return c.index.Remove(database, filename)
}
