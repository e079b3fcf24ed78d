package localfs

import (
	"bytes"
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kurobon/sessync/internal/storage"
)

func TestLocalStore(t *testing.T) {
	ctx := context.Background()
	s := New(afero.NewMemMapFs())

	has, err := s.Has(ctx, storage.DefaultKey)
	require.NoError(t, err)
	assert.False(t, has)

	_, err = s.Get(ctx, storage.DefaultKey)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, s.Put(ctx, storage.DefaultKey, bytes.NewBufferString("v1"), true))
	err = s.Put(ctx, storage.DefaultKey, bytes.NewBufferString("v2"), true)
	assert.ErrorIs(t, err, storage.ErrExists)

	require.NoError(t, s.Put(ctx, storage.DefaultKey, bytes.NewBufferString("v3"), false))
	data, err := storage.ReadAll(ctx, s, storage.DefaultKey)
	require.NoError(t, err)
	assert.Equal(t, "v3", string(data))

	require.NoError(t, s.Delete(ctx, storage.DefaultKey))
	require.NoError(t, s.Delete(ctx, storage.DefaultKey))
	has, err = s.Has(ctx, storage.DefaultKey)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestNestedKeys(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	s := New(fs)

	require.NoError(t, s.Put(ctx, "bucket/project/repo.bundle", bytes.NewBufferString("x"), false))
	data, err := storage.ReadAll(ctx, s, "bucket/project/repo.bundle")
	require.NoError(t, err)
	assert.Equal(t, "x", string(data))

	entries, err := afero.ReadDir(fs, "bucket/project")
	require.NoError(t, err)
	assert.Len(t, entries, 1, "staging files must not linger")
}

func TestStringNamesRoot(t *testing.T) {
	dir := t.TempDir()
	assert.Contains(t, NewDir(dir).String(), dir)
	assert.Equal(t, "localfs", New(afero.NewMemMapFs()).String())
}
