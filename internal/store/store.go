// Package store persists small JSON state documents (preferences, success
// patterns, estimator statistics) under a single directory.
//
// Each document is one file, {dir}/{key}.json. Writes go to a temporary file
// that is renamed into place, and both reads and writes hold a per-key
// flock so concurrent keyforge processes never observe a partial file.
// Loading never fails: a missing or undecodable document yields the
// caller's defaults, and corruption is logged.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/Iron-Ham/keyforge/internal/errors"
	"github.com/Iron-Ham/keyforge/internal/logging"
)

var keyPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// Store is a directory of JSON documents.
type Store struct {
	dir    string
	logger *logging.Logger
}

// New creates the directory if needed and returns a Store rooted at it.
func New(dir string, logger *logging.Logger) (*Store, error) {
	if dir == "" {
		return nil, errors.NewValidationError("store directory is required").WithField("dir")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.NewStoreError("create store directory", err).WithPath(dir)
	}
	return &Store{
		dir:    dir,
		logger: logging.OrNop(logger).WithComponent("store"),
	}, nil
}

// Dir returns the store directory.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the file path of the document with the given key.
func (s *Store) Path(key string) string {
	return filepath.Join(s.dir, key+".json")
}

func (s *Store) lockPath(key string) string {
	return filepath.Join(s.dir, "."+key+".lock")
}

func validateKey(key string) error {
	if !keyPattern.MatchString(key) {
		return errors.NewValidationError("invalid document key").WithField("key").WithValue(key)
	}
	return nil
}

// read returns the raw document bytes while holding the key lock.
func (s *Store) read(key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	fl := newFileLock(s.lockPath(key))
	if err := fl.lock(); err != nil {
		return nil, errors.NewStoreError("acquire lock", err).WithKey(key)
	}
	defer func() { _ = fl.unlock() }()

	return os.ReadFile(s.Path(key))
}

// write atomically replaces the document while holding the key lock.
func (s *Store) write(key string, data []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}

	fl := newFileLock(s.lockPath(key))
	if err := fl.lock(); err != nil {
		return errors.NewStoreError("acquire lock", err).WithKey(key)
	}
	defer func() { _ = fl.unlock() }()

	target := s.Path(key)
	tmp := target + ".tmp"

	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return errors.NewStoreError("write temp file", err).WithKey(key).WithPath(tmp)
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp) // best-effort cleanup
		return errors.NewStoreError("rename temp file", err).WithKey(key).WithPath(target)
	}
	return nil
}

// Remove deletes a document. Removing a missing document is not an error.
func (s *Store) Remove(key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := os.Remove(s.Path(key)); err != nil && !os.IsNotExist(err) {
		return errors.NewStoreError("remove document", err).WithKey(key)
	}
	return nil
}

// Document is a typed view of one stored key.
type Document[T any] struct {
	store    *Store
	key      string
	defaults func() T
}

// NewDocument binds key to a value type. defaults produces the value used
// when the document is missing or corrupt, and the base onto which stored
// fields are decoded, so fields absent from an older file keep their
// defaults. A nil defaults yields the zero value.
func NewDocument[T any](s *Store, key string, defaults func() T) *Document[T] {
	if defaults == nil {
		defaults = func() T {
			var zero T
			return zero
		}
	}
	return &Document[T]{store: s, key: key, defaults: defaults}
}

// Key returns the document key.
func (d *Document[T]) Key() string {
	return d.key
}

// Path returns the document's file path.
func (d *Document[T]) Path() string {
	return d.store.Path(d.key)
}

// TryLoad reads and decodes the document. A missing file returns the
// defaults with a nil error; an undecodable one returns the defaults and an
// error matching errors.ErrStoreCorrupted.
func (d *Document[T]) TryLoad() (T, error) {
	value := d.defaults()

	data, err := d.store.read(d.key)
	if err != nil {
		if os.IsNotExist(err) {
			return value, nil
		}
		return value, err
	}

	if err := json.Unmarshal(data, &value); err != nil {
		return d.defaults(), errors.NewStoreError("decode document",
			fmt.Errorf("%w: %w", errors.ErrStoreCorrupted, err)).WithKey(d.key).WithPath(d.Path())
	}
	return value, nil
}

// Load is TryLoad with errors logged and defaults substituted.
func (d *Document[T]) Load() T {
	value, err := d.TryLoad()
	if err != nil {
		d.store.logger.Warn("using defaults for stored document",
			"key", d.key, "error", err.Error())
	}
	return value
}

// Save encodes and atomically writes the document.
func (d *Document[T]) Save(value T) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return errors.NewStoreError("encode document", err).WithKey(d.key)
	}
	return d.store.write(d.key, data)
}
