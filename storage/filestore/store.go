// Package filestore implements storage.Store on a directory tree, for local
// development and tests. Keys map to paths below the root.
package filestore

import (
	"bytes"
	"context"
	stderrors "errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/afero"

	"github.com/c360/refdata/errors"
	"github.com/c360/refdata/storage"
)

const tempSuffix = ".tmp"

// Store keeps objects as files below a root directory.
type Store struct {
	fs      afero.Fs // rooted at the bucket directory
	localFs afero.Fs // where PutFile reads staged files from
	root    string
	logger  *slog.Logger

	// Serialises writers of the same key so rename stays last-write-wins.
	mu sync.Mutex
}

var _ storage.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithLocalFs sets the filesystem PutFile reads from. Defaults to the base filesystem.
func WithLocalFs(fs afero.Fs) Option {
	return func(s *Store) {
		if fs != nil {
			s.localFs = fs
		}
	}
}

// New returns a Store rooted at root on base, creating the directory if needed.
func New(base afero.Fs, root string, opts ...Option) (*Store, error) {
	if base == nil {
		base = afero.NewOsFs()
	}
	if root == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Store", "New", "root directory is required")
	}
	if err := base.MkdirAll(root, 0o755); err != nil {
		return nil, errors.WrapInvalid(err, "Store", "New", "create root "+root)
	}

	s := &Store{
		fs:      afero.NewBasePathFs(base, root),
		localFs: base,
		root:    root,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "filestore", "root", root)
	return s, nil
}

// Root returns the directory objects are stored under.
func (s *Store) Root() string {
	return s.root
}

// PutFile copies the local file to key.
func (s *Store) PutFile(ctx context.Context, key, localPath string) error {
	f, err := s.localFs.Open(localPath)
	if err != nil {
		return errors.WrapTransient(stderrors.Join(errors.ErrStagingFailed, err), "Store", "PutFile", "open staged file")
	}
	defer f.Close()

	return s.write(ctx, "PutFile", key, f)
}

// Put stores data under key.
func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	return s.write(ctx, "Put", key, bytes.NewReader(data))
}

func (s *Store) write(ctx context.Context, method, key string, r io.Reader) error {
	name, err := cleanKey(key)
	if err != nil {
		return errors.WrapInvalid(err, "Store", method, "validate key")
	}
	if err := ctx.Err(); err != nil {
		return errors.WrapTransient(err, "Store", method, "write "+key)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fs.MkdirAll(path.Dir(name), 0o755); err != nil {
		return errors.WrapTransient(stderrors.Join(errors.ErrUploadFailed, err), "Store", method, "create directory")
	}

	tmp := name + tempSuffix
	if err := afero.WriteReader(s.fs, tmp, r); err != nil {
		_ = s.fs.Remove(tmp)
		return errors.WrapTransient(stderrors.Join(errors.ErrUploadFailed, err), "Store", method, "write "+key)
	}
	if err := s.fs.Rename(tmp, name); err != nil {
		_ = s.fs.Remove(tmp)
		return errors.WrapTransient(stderrors.Join(errors.ErrUploadFailed, err), "Store", method, "commit "+key)
	}

	s.logger.Debug("Stored object", "key", name)
	return nil
}

// Get returns the object under key.
func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	name, err := cleanKey(key)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Store", "Get", "validate key")
	}
	data, err := afero.ReadFile(s.fs, name)
	if err != nil {
		if stderrors.Is(err, fs.ErrNotExist) {
			return nil, errors.WrapInvalid(errors.ErrKeyNotFound, "Store", "Get", "lookup "+key)
		}
		return nil, errors.WrapTransient(err, "Store", "Get", "read "+key)
	}
	return data, nil
}

// List walks the tree and returns keys with the given prefix, sorted.
func (s *Store) List(_ context.Context, prefix string) ([]string, error) {
	keys := []string{}
	err := afero.Walk(s.fs, "/", func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || strings.HasSuffix(p, tempSuffix) {
			return nil
		}
		key := strings.TrimPrefix(path.Clean("/"+p), "/")
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "Store", "List", "walk "+s.root)
	}
	sort.Strings(keys)
	return keys, nil
}

// Delete removes key; missing keys are ignored.
func (s *Store) Delete(_ context.Context, key string) error {
	name, err := cleanKey(key)
	if err != nil {
		return errors.WrapInvalid(err, "Store", "Delete", "validate key")
	}
	if err := s.fs.Remove(name); err != nil && !stderrors.Is(err, fs.ErrNotExist) {
		return errors.WrapTransient(err, "Store", "Delete", "remove "+key)
	}
	return nil
}

// cleanKey rejects empty keys and keys escaping the root.
func cleanKey(key string) (string, error) {
	if key == "" {
		return "", errors.ErrInvalidData
	}
	cleaned := path.Clean("/" + key)
	if cleaned == "/" || strings.HasSuffix(cleaned, tempSuffix) || strings.Contains(key, "..") {
		return "", errors.ErrInvalidData
	}
	return cleaned, nil
}
