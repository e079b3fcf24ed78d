package supabase_test

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kurobon/sessync/internal/server"
	"github.com/kurobon/sessync/internal/storage"
	"github.com/kurobon/sessync/internal/storage/localfs"
	"github.com/kurobon/sessync/internal/storage/supabase"
)

func newBackend(t *testing.T) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(server.NewServer(localfs.New(afero.NewMemMapFs()), "service-key", nil, server.PublicBuckets("sessions")))
	t.Cleanup(ts.Close)
	return ts
}

func TestRoundTripAgainstBlobServer(t *testing.T) {
	ctx := context.Background()
	ts := newBackend(t)
	s := supabase.New(ts.URL+"/", "service-key", "sessions", supabase.HTTPClient(ts.Client()))

	_, err := s.Get(ctx, storage.DefaultKey)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	has, err := s.Has(ctx, storage.DefaultKey)
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, s.Put(ctx, storage.DefaultKey, bytes.NewBufferString("first"), false))
	// second upload hits 409 and falls back to PUT
	require.NoError(t, s.Put(ctx, storage.DefaultKey, bytes.NewBufferString("second"), false))
	err = s.Put(ctx, storage.DefaultKey, bytes.NewBufferString("third"), true)
	assert.ErrorIs(t, err, storage.ErrExists)

	data, err := storage.ReadAll(ctx, s, storage.DefaultKey)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))

	public := supabase.New(ts.URL, "", "sessions", supabase.HTTPClient(ts.Client()), supabase.PublicReads())
	data, err = storage.ReadAll(ctx, public, storage.DefaultKey)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))

	require.NoError(t, s.Delete(ctx, storage.DefaultKey))
	require.NoError(t, s.Delete(ctx, storage.DefaultKey))
}

func TestWrongKeyIsForbidden(t *testing.T) {
	ts := newBackend(t)
	s := supabase.New(ts.URL, "wrong", "sessions", supabase.HTTPClient(ts.Client()))
	err := s.Put(context.Background(), storage.DefaultKey, bytes.NewBufferString("x"), false)
	assert.ErrorIs(t, err, storage.ErrForbidden)
}

func TestLegacyNotFoundBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"statusCode":"404","error":"not_found","message":"Object not found"}`))
	}))
	defer ts.Close()

	s := supabase.New(ts.URL, "k", "sessions", supabase.HTTPClient(ts.Client()))
	_, err := s.Get(context.Background(), storage.DefaultKey)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
