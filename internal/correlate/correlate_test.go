package correlate

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kurobon/sessync/internal/vcs"
)

type fakeStore map[string]string

func (f fakeStore) LogSearch(_ context.Context, pattern string) (string, error) {
	if c, ok := f[pattern]; ok {
		return c, nil
	}
	return "", vcs.ErrNotFound
}

type fakeGraph struct {
	parents map[string][]string
	fail    map[string]bool
	calls   map[string]int
}

func (g *fakeGraph) ParentsOf(_ context.Context, commit string) ([]string, error) {
	if g.calls == nil {
		g.calls = map[string]int{}
	}
	g.calls[commit]++
	if g.fail[commit] {
		return nil, errors.New("bad object")
	}
	return g.parents[commit], nil
}

func TestResolveDirect(t *testing.T) {
	r := New(fakeStore{"p1": "s1"}, nil)

	got, err := r.Resolve(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, "s1", got)

	_, err = r.Resolve(context.Background(), "p2")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = r.Resolve(context.Background(), "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolveUnbornStoreIsNotFound(t *testing.T) {
	r := New(searchFunc(func(string) (string, error) { return "", vcs.ErrNoCommits }), nil)
	_, err := r.Resolve(context.Background(), "p1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolveSearchErrorPropagates(t *testing.T) {
	boom := errors.New("disk on fire")
	r := New(searchFunc(func(string) (string, error) { return "", boom }), nil)
	_, err := r.Resolve(context.Background(), "p1")
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrNotFound)
}

type searchFunc func(string) (string, error)

func (f searchFunc) LogSearch(_ context.Context, pattern string) (string, error) { return f(pattern) }

func TestResolveWithAncestry(t *testing.T) {
	// c3 -> c2 -> c1, only c1 has context.
	graph := &fakeGraph{parents: map[string][]string{"c3": {"c2"}, "c2": {"c1"}}}
	r := New(fakeStore{"c1": "s1"}, graph)

	m, err := r.ResolveWithAncestry(context.Background(), "c3", 0)
	require.NoError(t, err)
	assert.Equal(t, Match{Secondary: "s1", Primary: "c1", Depth: 2}, m)

	m, err = r.ResolveWithAncestry(context.Background(), "c1", 10)
	require.NoError(t, err)
	assert.Equal(t, 0, m.Depth)
}

func TestResolveWithAncestryPrefersNearest(t *testing.T) {
	// merge m has parents a and b; b has context directly, a only via its parent.
	graph := &fakeGraph{parents: map[string][]string{
		"m": {"a", "b"},
		"a": {"root"},
		"b": {"root"},
	}}
	r := New(fakeStore{"b": "sb", "root": "sr"}, graph)

	m, err := r.ResolveWithAncestry(context.Background(), "m", 0)
	require.NoError(t, err)
	assert.Equal(t, "b", m.Primary)
	assert.Equal(t, 1, m.Depth)
}

func TestResolveWithAncestryVisitsDiamondsOnce(t *testing.T) {
	// A ladder of diamonds: every level has two commits sharing both parents.
	parents := map[string][]string{}
	for i := 0; i < 20; i++ {
		next := []string{fmt.Sprintf("l%d", i+1), fmt.Sprintf("r%d", i+1)}
		parents[fmt.Sprintf("l%d", i)] = next
		parents[fmt.Sprintf("r%d", i)] = next
	}
	graph := &fakeGraph{parents: parents}
	r := New(fakeStore{}, graph)

	_, err := r.ResolveWithAncestry(context.Background(), "l0", 0)
	assert.ErrorIs(t, err, ErrNotFound)
	for commit, n := range graph.calls {
		assert.Equal(t, 1, n, commit)
	}
	assert.Len(t, graph.calls, 41)
}

func TestResolveWithAncestryDepthBound(t *testing.T) {
	parents := map[string][]string{}
	for i := 0; i < 50; i++ {
		parents[fmt.Sprintf("c%d", i)] = []string{fmt.Sprintf("c%d", i+1)}
	}
	graph := &fakeGraph{parents: parents}
	r := New(fakeStore{"c50": "s"}, graph)

	_, err := r.ResolveWithAncestry(context.Background(), "c0", 10)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Len(t, graph.calls, 10)

	m, err := r.ResolveWithAncestry(context.Background(), "c0", 50)
	require.NoError(t, err)
	assert.Equal(t, 50, m.Depth)
}

func TestResolveWithAncestryParentFailureIsRoot(t *testing.T) {
	graph := &fakeGraph{
		parents: map[string][]string{"m": {"a", "b"}, "b": {"c"}},
		fail:    map[string]bool{"a": true},
	}
	r := New(fakeStore{"c": "sc"}, graph)

	m, err := r.ResolveWithAncestry(context.Background(), "m", 0)
	require.NoError(t, err)
	assert.Equal(t, "c", m.Primary)
}

func TestResolveWithAncestryHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := New(fakeStore{"c": "s"}, &fakeGraph{})
	_, err := r.ResolveWithAncestry(ctx, "c", 0)
	assert.ErrorIs(t, err, context.Canceled)
}
