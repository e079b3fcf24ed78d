package git

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kurobon/sessync/internal/vcs"
)

// transfer moves every ref of src into dst's staging namespace and returns
// the branch heads.
func transfer(t *testing.T, src, dst *Engine) map[string]string {
	t.Helper()
	ctx := context.Background()
	bundle, err := src.BundleCreateAll(ctx)
	require.NoError(t, err)
	heads, err := dst.BundleFetch(ctx, bundle)
	require.NoError(t, err)
	return heads
}

func TestMergeUnrelatedHistoriesTheirsWins(t *testing.T) {
	ctx := context.Background()
	a := newRepo(t, "a")
	writeWorktreeFile(t, a, "shared.jsonl", "from-a")
	writeWorktreeFile(t, a, "only-a.jsonl", "a")
	commitAll(t, a, "a")

	b := newRepo(t, "b")
	writeWorktreeFile(t, b, "shared.jsonl", "from-b")
	writeWorktreeFile(t, b, "only-b.jsonl", "b")
	ours := commitAll(t, b, "b")

	heads := transfer(t, a, b)
	res, err := b.Merge(ctx, heads["main"], vcs.TheirsWins, "Merge remote sessions into main")
	require.NoError(t, err)

	assert.Equal(t, vcs.OutcomeMerged, res.Outcome)
	assert.Equal(t, []string{"shared.jsonl"}, res.Overwritten)
	assert.Equal(t, "from-a", readWorktreeFile(t, b, "shared.jsonl"))
	assert.Equal(t, "a", readWorktreeFile(t, b, "only-a.jsonl"))
	assert.Equal(t, "b", readWorktreeFile(t, b, "only-b.jsonl"))

	parents, err := b.ParentsOf(ctx, res.Commit)
	require.NoError(t, err)
	assert.Equal(t, []string{ours, heads["main"]}, parents)

	dirty, err := b.HasChanges(ctx)
	require.NoError(t, err)
	assert.False(t, dirty)
}

func TestMergeFastForwardAndUpToDate(t *testing.T) {
	ctx := context.Background()
	a := newRepo(t, "a")
	writeWorktreeFile(t, a, "one.jsonl", "1")
	writeWorktreeFile(t, a, "gone.jsonl", "x")
	commitAll(t, a, "first")

	b := newRepo(t, "b")
	res, err := vcs.FetchAndMerge(ctx, b, mustBundle(t, a), vcs.TheirsWins, nil)
	require.NoError(t, err)
	assert.Equal(t, vcs.OutcomeCreated, res.Current.Outcome)
	assert.Equal(t, "x", readWorktreeFile(t, b, "gone.jsonl"))

	require.NoError(t, a.Filesystem().Remove("gone.jsonl"))
	writeWorktreeFile(t, a, "one.jsonl", "2")
	tip := commitAll(t, a, "second")

	heads := transfer(t, a, b)
	mr, err := b.Merge(ctx, heads["main"], vcs.TheirsWins, "merge")
	require.NoError(t, err)
	assert.Equal(t, vcs.OutcomeFastForward, mr.Outcome)
	assert.Equal(t, tip, mr.Commit)
	assert.Equal(t, "2", readWorktreeFile(t, b, "one.jsonl"))
	assert.False(t, fileExists(b, "gone.jsonl"))

	mr, err = b.Merge(ctx, heads["main"], vcs.TheirsWins, "merge")
	require.NoError(t, err)
	assert.Equal(t, vcs.OutcomeUpToDate, mr.Outcome)
}

func TestMergeKeepsLocalOnlyChanges(t *testing.T) {
	ctx := context.Background()
	a := newRepo(t, "a")
	writeWorktreeFile(t, a, "s.jsonl", "base")
	commitAll(t, a, "first")

	b := newRepo(t, "b")
	_, err := vcs.FetchAndMerge(ctx, b, mustBundle(t, a), vcs.TheirsWins, nil)
	require.NoError(t, err)

	writeWorktreeFile(t, a, "remote.jsonl", "r")
	commitAll(t, a, "remote work")
	writeWorktreeFile(t, b, "local.jsonl", "l")
	commitAll(t, b, "local work")

	heads := transfer(t, a, b)
	mr, err := b.Merge(ctx, heads["main"], vcs.TheirsWins, "merge")
	require.NoError(t, err)
	assert.Equal(t, vcs.OutcomeMerged, mr.Outcome)
	assert.Empty(t, mr.Overwritten)
	assert.Equal(t, "r", readWorktreeFile(t, b, "remote.jsonl"))
	assert.Equal(t, "l", readWorktreeFile(t, b, "local.jsonl"))
	assert.Equal(t, "base", readWorktreeFile(t, b, "s.jsonl"))
}
