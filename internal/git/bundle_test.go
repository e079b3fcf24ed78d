package git

import (
	"bytes"
	"context"
	"testing"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kurobon/sessync/internal/vcs"
)

func mustBundle(t *testing.T, e *Engine) []byte {
	t.Helper()
	b, err := e.BundleCreateAll(context.Background())
	require.NoError(t, err)
	return b
}

func TestBundleCreateAllHeader(t *testing.T) {
	ctx := context.Background()
	e := newRepo(t, "sessions")

	_, err := e.BundleCreateAll(ctx)
	assert.ErrorIs(t, err, vcs.ErrNoCommits)

	head, err := e.Commit(ctx, "Empty initial state", true)
	require.NoError(t, err)

	bundle := mustBundle(t, e)
	assert.True(t, bytes.HasPrefix(bundle, []byte("# v2 git bundle\n")))
	assert.Contains(t, string(bundle), head+" refs/heads/main\n")
	assert.Contains(t, string(bundle), head+" HEAD\n")
}

func TestBundleRoundTripCarriesAllBranches(t *testing.T) {
	ctx := context.Background()
	src := newRepo(t, "src")
	writeWorktreeFile(t, src, "a.jsonl", "a")
	root := commitAll(t, src, "first")
	require.NoError(t, src.CheckoutOrCreateBranch(ctx, "feature", root))
	writeWorktreeFile(t, src, "f.jsonl", "f")
	feature := commitAll(t, src, "feature work")

	dst := newRepo(t, "dst")
	heads, err := dst.BundleFetch(ctx, mustBundle(t, src))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"main": root, "feature": feature}, heads)

	repo, err := dst.Repository()
	require.NoError(t, err)
	_, err = repo.CommitObject(plumbing.NewHash(feature))
	assert.NoError(t, err)
	staged, err := repo.Reference(plumbing.ReferenceName(vcs.StagingPrefix+"feature"), true)
	require.NoError(t, err)
	assert.Equal(t, feature, staged.Hash().String())
}

func TestFetchAndMergeBootstrapsEmptyRepository(t *testing.T) {
	ctx := context.Background()
	src := newRepo(t, "src")
	writeWorktreeFile(t, src, "a.jsonl", "a")
	root := commitAll(t, src, "first")
	require.NoError(t, src.CheckoutOrCreateBranch(ctx, "feature", root))
	writeWorktreeFile(t, src, "f.jsonl", "f")
	commitAll(t, src, "feature work")

	dst := newRepo(t, "dst")
	res, err := vcs.FetchAndMerge(ctx, dst, mustBundle(t, src), vcs.TheirsWins, nil)
	require.NoError(t, err)
	assert.Equal(t, "main", res.Current.Branch)
	assert.Equal(t, []string{"feature"}, res.Created)

	branch, err := dst.CurrentBranch(ctx)
	require.NoError(t, err)
	assert.Equal(t, "main", branch)
	assert.Equal(t, "a", readWorktreeFile(t, dst, "a.jsonl"))
	assert.False(t, fileExists(dst, "f.jsonl"))
}

func TestBundleFetchRejectsGarbage(t *testing.T) {
	e := newRepo(t, "sessions")
	for _, input := range [][]byte{
		nil,
		[]byte("not a bundle\n"),
		[]byte("# v2 git bundle\nzzz refs/heads/main\n\n"),
		[]byte("# v2 git bundle\n"),
	} {
		_, err := e.BundleFetch(context.Background(), input)
		assert.ErrorIs(t, err, vcs.ErrInvalidBundle, "input %q", input)
	}
}
