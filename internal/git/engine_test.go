package git

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kurobon/sessync/internal/vcs"
)

func newRepo(t *testing.T, name string) *Engine {
	t.Helper()
	e := NewMemory(name)
	require.NoError(t, e.Init(context.Background()))
	return e
}

func writeWorktreeFile(t *testing.T, e *Engine, path, content string) {
	t.Helper()
	require.NoError(t, util.WriteFile(e.Filesystem(), path, []byte(content), 0o644))
}

func readWorktreeFile(t *testing.T, e *Engine, path string) string {
	t.Helper()
	b, err := util.ReadFile(e.Filesystem(), path)
	require.NoError(t, err)
	return string(b)
}

func fileExists(e *Engine, path string) bool {
	_, err := e.Filesystem().Stat(path)
	return err == nil
}

func commitAll(t *testing.T, e *Engine, message string) string {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.Add(ctx, "."))
	h, err := e.Commit(ctx, message, false)
	require.NoError(t, err)
	return h
}

func TestInitAndCommit(t *testing.T) {
	ctx := context.Background()
	e := NewMemory("sessions")
	assert.False(t, e.Initialized())

	require.NoError(t, e.Init(ctx))
	assert.True(t, e.Initialized())
	// idempotent
	require.NoError(t, e.Init(ctx))

	branch, err := e.CurrentBranch(ctx)
	require.NoError(t, err)
	assert.Equal(t, DefaultBranch, branch)

	_, err = e.CurrentCommit(ctx)
	assert.ErrorIs(t, err, vcs.ErrNoCommits)

	h, err := e.Commit(ctx, "Empty initial state", true)
	require.NoError(t, err)

	head, err := e.CurrentCommit(ctx)
	require.NoError(t, err)
	assert.Equal(t, h, head)

	_, err = e.Commit(ctx, "nothing", false)
	assert.ErrorIs(t, err, vcs.ErrNothingToCommit)
}

func TestAddStagesDeletionsAndFiltersPathspecs(t *testing.T) {
	ctx := context.Background()
	e := newRepo(t, "sessions")
	writeWorktreeFile(t, e, "a.jsonl", "a")
	writeWorktreeFile(t, e, "b.jsonl", "b")
	commitAll(t, e, "first")

	require.NoError(t, e.Filesystem().Remove("a.jsonl"))
	writeWorktreeFile(t, e, "notes.txt", "ignored")
	require.NoError(t, e.Add(ctx, "*.jsonl"))
	_, err := e.Commit(ctx, "second", false)
	require.NoError(t, err)

	dirty, err := e.HasChanges(ctx)
	require.NoError(t, err)
	assert.True(t, dirty, "notes.txt must stay untracked")

	require.NoError(t, e.CleanUntracked(ctx))
	dirty, err = e.HasChanges(ctx)
	require.NoError(t, err)
	assert.False(t, dirty)
	assert.False(t, fileExists(e, "a.jsonl"))
	assert.False(t, fileExists(e, "notes.txt"))
}

func TestCleanUntrackedRemovesNestedDirectories(t *testing.T) {
	ctx := context.Background()
	e := newRepo(t, "sessions")
	writeWorktreeFile(t, e, "keep/tracked.jsonl", "x")
	commitAll(t, e, "first")

	writeWorktreeFile(t, e, "keep/new.jsonl", "y")
	writeWorktreeFile(t, e, "scratch/deep/file.jsonl", "z")
	require.NoError(t, e.CleanUntracked(ctx))

	assert.True(t, fileExists(e, "keep/tracked.jsonl"))
	assert.False(t, fileExists(e, "keep/new.jsonl"))
	assert.False(t, fileExists(e, "scratch"))
}

func TestCheckoutOrCreateBranch(t *testing.T) {
	ctx := context.Background()
	e := newRepo(t, "sessions")
	writeWorktreeFile(t, e, "a.jsonl", "v1")
	first := commitAll(t, e, "first")
	writeWorktreeFile(t, e, "a.jsonl", "v2")
	commitAll(t, e, "second")

	// local edits are discarded when resetting to a commit
	writeWorktreeFile(t, e, "a.jsonl", "dirty")
	require.NoError(t, e.CheckoutOrCreateBranch(ctx, "feature", first))

	branch, err := e.CurrentBranch(ctx)
	require.NoError(t, err)
	assert.Equal(t, "feature", branch)
	assert.Equal(t, "v1", readWorktreeFile(t, e, "a.jsonl"))

	require.NoError(t, e.CheckoutOrCreateBranch(ctx, "main", ""))
	assert.Equal(t, "v2", readWorktreeFile(t, e, "a.jsonl"))

	require.NoError(t, e.CheckoutOrCreateBranch(ctx, "topic", ""))
	branches, err := e.Branches(ctx)
	require.NoError(t, err)
	assert.Len(t, branches, 3)
	assert.Equal(t, branches["main"], branches["topic"])
	assert.Equal(t, first, branches["feature"])
}

func TestCheckoutOnUnbornRenamesHead(t *testing.T) {
	ctx := context.Background()
	e := newRepo(t, "sessions")
	require.NoError(t, e.CheckoutOrCreateBranch(ctx, "develop", ""))

	branch, err := e.CurrentBranch(ctx)
	require.NoError(t, err)
	assert.Equal(t, "develop", branch)
}

func TestUpdateBranchRejectsUnknownCommit(t *testing.T) {
	e := newRepo(t, "sessions")
	err := e.UpdateBranch(context.Background(), "x", "1111111111111111111111111111111111111111")
	assert.Error(t, err)
}

func TestOpenOnDiskAndToplevel(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	e := Open(dir)
	assert.False(t, e.Initialized())
	require.NoError(t, e.Init(ctx))
	assert.True(t, e.Initialized())

	nested := filepath.Join(dir, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	root, err := Toplevel(nested)
	require.NoError(t, err)
	assert.Equal(t, dir, root)

	_, err = Toplevel(t.TempDir())
	assert.Error(t, err)
}
