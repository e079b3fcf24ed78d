package git

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kurobon/sessync/internal/vcs"
)

func TestStashPushAndPop(t *testing.T) {
	ctx := context.Background()
	e := newRepo(t, "sessions")
	writeWorktreeFile(t, e, "tracked.jsonl", "base")
	commitAll(t, e, "first")

	writeWorktreeFile(t, e, "tracked.jsonl", "edited")
	writeWorktreeFile(t, e, "new.jsonl", "untracked")
	tag := vcs.StashTag("c0ffee")
	require.NoError(t, e.StashPush(ctx, tag))

	dirty, err := e.HasChanges(ctx)
	require.NoError(t, err)
	assert.False(t, dirty)
	assert.Equal(t, "base", readWorktreeFile(t, e, "tracked.jsonl"))
	assert.False(t, fileExists(e, "new.jsonl"))

	entries, err := e.StashList(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "On main: "+tag, entries[0].Message)

	entry, err := vcs.FindStash(ctx, e, tag)
	require.NoError(t, err)
	require.NoError(t, e.StashPop(ctx, entry.Ref))

	assert.Equal(t, "edited", readWorktreeFile(t, e, "tracked.jsonl"))
	assert.Equal(t, "untracked", readWorktreeFile(t, e, "new.jsonl"))

	entries, err = e.StashList(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestStashPushCleanIsNoop(t *testing.T) {
	ctx := context.Background()
	e := newRepo(t, "sessions")
	writeWorktreeFile(t, e, "a.jsonl", "a")
	commitAll(t, e, "first")

	require.NoError(t, e.StashPush(ctx, "nothing"))
	entries, err := e.StashList(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestStashListNewestFirst(t *testing.T) {
	ctx := context.Background()
	e := newRepo(t, "sessions")
	writeWorktreeFile(t, e, "a.jsonl", "a")
	commitAll(t, e, "first")

	writeWorktreeFile(t, e, "a.jsonl", "one")
	require.NoError(t, e.StashPush(ctx, "sessions-for-one"))
	writeWorktreeFile(t, e, "a.jsonl", "two")
	require.NoError(t, e.StashPush(ctx, "sessions-for-two"))

	entries, err := e.StashList(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Contains(t, entries[0].Message, "sessions-for-two")
	assert.Contains(t, entries[1].Message, "sessions-for-one")

	_, err = vcs.FindStash(ctx, e, "sessions-for-three")
	assert.ErrorIs(t, err, vcs.ErrNotFound)
}

func TestStashPopConflictKeepsEntry(t *testing.T) {
	ctx := context.Background()
	e := newRepo(t, "sessions")
	writeWorktreeFile(t, e, "a.jsonl", "base")
	commitAll(t, e, "first")

	writeWorktreeFile(t, e, "a.jsonl", "stashed")
	require.NoError(t, e.StashPush(ctx, "sessions-for-x"))

	writeWorktreeFile(t, e, "a.jsonl", "committed")
	commitAll(t, e, "second")

	entry, err := vcs.FindStash(ctx, e, "sessions-for-x")
	require.NoError(t, err)
	err = e.StashPop(ctx, entry.Ref)
	assert.ErrorIs(t, err, vcs.ErrStashConflict)
	assert.Equal(t, "committed", readWorktreeFile(t, e, "a.jsonl"))

	entries, err := e.StashList(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestStashPopUnknownRef(t *testing.T) {
	e := newRepo(t, "sessions")
	_, err := e.Commit(context.Background(), "root", true)
	require.NoError(t, err)
	err = e.StashPop(context.Background(), StashRefPrefix+"missing")
	assert.ErrorIs(t, err, vcs.ErrNotFound)
}
