// Package objectstore is a filesystem-backed object store that issues signed
// download URLs.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/briangreenhill/palette/internal/apperr"
)

// FileStore keeps objects under a root directory, one file per key.
type FileStore struct {
	dir    string
	signer URLSigner
	now    func() time.Time
	logger zerolog.Logger
}

type Option func(*FileStore)

func WithClock(now func() time.Time) Option {
	return func(s *FileStore) { s.now = now }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *FileStore) { s.logger = l }
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string, signer URLSigner, opts ...Option) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("objectstore: dir is required")
	}
	if len(signer.Secret) == 0 {
		return nil, errors.New("objectstore: signing secret is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	s := &FileStore{
		dir:    dir,
		signer: signer,
		now:    time.Now,
		logger: zerolog.Nop(),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// CleanKey rejects keys that are empty or would escape the store root.
func CleanKey(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, `\`) {
		return "", fmt.Errorf("invalid object key %q: %w", key, apperr.ErrBadRequest)
	}
	clean := path.Clean(key)
	if clean != key || clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("invalid object key %q: %w", key, apperr.ErrBadRequest)
	}
	return clean, nil
}

func (s *FileStore) path(key string) string {
	return filepath.Join(s.dir, filepath.FromSlash(key))
}

// Put writes r to key. The object becomes visible only once fully written.
func (s *FileStore) Put(ctx context.Context, key string, r io.Reader) error {
	key, err := CleanKey(key)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	dst := s.path(key)
	if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
		return err
	}

	tmp := dst + ".tmp." + uuid.NewString()
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write object %s: %w", key, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return err
	}
	s.logger.Debug().Str("object_key", key).Msg("stored object")
	return nil
}

// Open returns the object at key. Missing objects wrap apperr.ErrNotFound.
func (s *FileStore) Open(ctx context.Context, key string) (*os.File, error) {
	key, err := CleanKey(key)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("object %s: %w", key, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if st, err := f.Stat(); err == nil && st.IsDir() {
		f.Close()
		return nil, fmt.Errorf("object %s: %w", key, apperr.ErrNotFound)
	}
	return f, nil
}

// Download returns the object contents.
func (s *FileStore) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	return s.Open(ctx, key)
}

// Sign returns a URL for key valid for lifetime. Like a remote presigner it
// does not check that the object exists.
func (s *FileStore) Sign(ctx context.Context, key string, lifetime time.Duration) (string, error) {
	key, err := CleanKey(key)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if lifetime <= 0 {
		return "", errors.New("objectstore: lifetime must be positive")
	}
	return s.signer.URL(key, s.now().Add(lifetime))
}

// Verify checks a signed request for key.
func (s *FileStore) Verify(key, expires, sig string) error {
	return s.signer.Verify(key, expires, sig, s.now())
}

// Ping checks that the root directory is reachable.
func (s *FileStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	st, err := os.Stat(s.dir)
	if err != nil {
		return err
	}
	if !st.IsDir() {
		return fmt.Errorf("objectstore: %s is not a directory", s.dir)
	}
	return nil
}
