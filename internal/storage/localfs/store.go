// Package localfs is a storage.Store over an afero filesystem.
package localfs

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/kurobon/sessync/internal/storage"
)

// New returns a store rooted at fs. A nil fs stores objects under
// ./.sessync/objects on disk.
func New(fs afero.Fs) storage.Store {
	if fs == nil {
		fs = afero.NewBasePathFs(afero.NewOsFs(), filepath.Join(".sessync", "objects"))
	}
	return &localFS{fs: fs}
}

// NewDir returns a store rooted at dir on disk.
func NewDir(dir string) storage.Store {
	return New(afero.NewBasePathFs(afero.NewOsFs(), dir))
}

type localFS struct {
	fs afero.Fs
}

func (l *localFS) Has(ctx context.Context, key string) (bool, error) {
	fi, err := l.fs.Stat(key)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return !fi.IsDir(), nil
}

func (l *localFS) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	has, err := l.Has(ctx, key)
	if err != nil {
		return nil, err
	}
	if !has {
		return nil, storage.ErrNotFound
	}
	return l.fs.Open(key)
}

// Put stages the object next to its destination and renames it into place so
// readers never observe a partial write.
func (l *localFS) Put(ctx context.Context, key string, source io.Reader, exclusive bool) error {
	if dir := filepath.Dir(key); dir != "" {
		if err := l.fs.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("ensuring directories for %q: %w", key, err)
		}
	}
	if exclusive {
		has, err := l.Has(ctx, key)
		if err != nil {
			return err
		}
		if has {
			return storage.ErrExists
		}
	}

	staging, err := afero.TempFile(l.fs, filepath.Dir(key), ".put-*")
	if err != nil {
		return fmt.Errorf("create staging record for %q: %w", key, err)
	}
	name := staging.Name()
	if _, err := io.Copy(staging, source); err != nil {
		staging.Close()
		_ = l.fs.Remove(name)
		return fmt.Errorf("write record for %q: %w", key, err)
	}
	if err := staging.Close(); err != nil {
		_ = l.fs.Remove(name)
		return err
	}
	if err := l.fs.Rename(name, key); err != nil {
		_ = l.fs.Remove(name)
		return fmt.Errorf("commit record for %q: %w", key, err)
	}
	return nil
}

func (l *localFS) Delete(ctx context.Context, key string) error {
	if err := l.fs.Remove(key); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %q: %w", key, err)
	}
	return nil
}

func (l *localFS) String() string {
	const localfs = "localfs"
	switch fs := l.fs.(type) {
	case *afero.BasePathFs:
		pp, err := fs.RealPath("")
		if err != nil {
			return localfs
		}
		return localfs + "@" + pp
	default:
		return localfs
	}
}
