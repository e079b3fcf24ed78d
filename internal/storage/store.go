// Package storage defines the remote blob store the session bundle is backed
// up to. A store holds named objects; sessync only ever uses one of them.
package storage

import (
	"context"
	"fmt"
	"io"
)

type errString string

func (e errString) Error() string { return string(e) }

const (
	ErrNotFound     errString = "not found"
	ErrExists       errString = "exists already"
	ErrForbidden    errString = "forbidden"
	ErrObjectTooBig errString = "object too big to be read into memory"
)

// MaxObjectSize bounds what ReadAll loads into memory.
const MaxObjectSize = 2 * 1024 * 1024 * 1024

// DefaultKey is the object name the session bundle is stored under.
const DefaultKey = "repo.bundle"

// Store is a flat key/value blob store.
type Store interface {
	String() string
	Has(ctx context.Context, key string) (bool, error)
	// Get returns ErrNotFound when the key is absent.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// Put writes the object. With exclusive set it fails with ErrExists
	// instead of replacing an existing object.
	Put(ctx context.Context, key string, source io.Reader, exclusive bool) error
	Delete(ctx context.Context, key string) error
}

// ReadAll fetches a whole object.
func ReadAll(ctx context.Context, s Store, key string) ([]byte, error) {
	r, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	data, err := io.ReadAll(io.LimitReader(r, MaxObjectSize+1))
	if err != nil {
		return nil, fmt.Errorf("read %s from %s: %w", key, s, err)
	}
	if len(data) > MaxObjectSize {
		return nil, ErrObjectTooBig
	}
	return data, nil
}
