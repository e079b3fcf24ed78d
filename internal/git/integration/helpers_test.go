package integration_test

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/kurobon/sessync/internal/checkout"
	"github.com/kurobon/sessync/internal/git"
	"github.com/kurobon/sessync/internal/reconcile"
	"github.com/kurobon/sessync/internal/server"
	"github.com/kurobon/sessync/internal/sessions"
	"github.com/kurobon/sessync/internal/storage"
	"github.com/kurobon/sessync/internal/storage/localfs"
	"github.com/kurobon/sessync/internal/storage/supabase"
)

const serviceKey = "service-role-key"

// remoteBucket starts a blob server and returns a client for it.
func remoteBucket(t *testing.T) storage.Store {
	t.Helper()
	srv := server.NewServer(localfs.New(afero.NewMemMapFs()), serviceKey, nil)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return supabase.New(ts.URL, serviceKey, "sessions")
}

// project is the primary repository every workstation works on.
type project struct {
	engine *git.Engine
}

func newProject(t *testing.T) *project {
	t.Helper()
	e := git.Open(t.TempDir())
	require.NoError(t, e.Init(context.Background()))
	return &project{engine: e}
}

func (p *project) commit(t *testing.T, file, content string) string {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, os.WriteFile(filepath.Join(p.engine.Root(), file), []byte(content), 0o644))
	require.NoError(t, p.engine.Add(ctx, "."))
	h, err := p.engine.Commit(ctx, "edit "+file, false)
	require.NoError(t, err)
	return h
}

func (p *project) checkout(t *testing.T, branch string) string {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, p.engine.CheckoutOrCreateBranch(ctx, branch, ""))
	h, err := p.engine.CurrentCommit(ctx)
	require.NoError(t, err)
	return h
}

// workstation is one machine with its own session store for the project.
type workstation struct {
	store    *git.Engine
	sessions *sessions.Store
	sync     *checkout.Synchronizer
	remote   *reconcile.Reconciler
}

func newWorkstation(t *testing.T, p *project, remote storage.Store, lockDir string) *workstation {
	t.Helper()
	store := git.Open(filepath.Join(t.TempDir(), "store"))
	return &workstation{
		store:    store,
		sessions: sessions.New(store),
		sync:     checkout.New(store, p.engine),
		remote: reconcile.New(store, remote,
			reconcile.WithLockDir(lockDir),
			reconcile.WithLockWait(5*time.Second)),
	}
}

func (w *workstation) writeSession(t *testing.T, name, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(w.store.Root(), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(w.store.Root(), name), []byte(content), 0o644))
}

func (w *workstation) readSession(t *testing.T, name string) string {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(w.store.Root(), name))
	require.NoError(t, err)
	return string(b)
}

func (w *workstation) hasSession(name string) bool {
	_, err := os.Stat(filepath.Join(w.store.Root(), name))
	return err == nil
}

func (w *workstation) head(t *testing.T) string {
	t.Helper()
	h, err := w.store.CurrentCommit(context.Background())
	require.NoError(t, err)
	return h
}

func (w *workstation) branch(t *testing.T) string {
	t.Helper()
	b, err := w.store.CurrentBranch(context.Background())
	require.NoError(t, err)
	return b
}
