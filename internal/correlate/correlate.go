// Package correlate maps a commit of the primary project to the session-store
// commit that was captured for it.
package correlate

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/kurobon/sessync/internal/vcs"
)

// ErrNotFound is returned when no session-store commit references the
// primary commit or any ancestor within reach.
var ErrNotFound = errors.New("no session context for commit")

// DefaultMaxDepth bounds ancestry walks when the caller passes a non-positive depth.
const DefaultMaxDepth = 100

// Searcher finds the newest session-store commit whose message mentions a pattern.
type Searcher interface {
	LogSearch(ctx context.Context, pattern string) (string, error)
}

// Lineage answers parent lookups in the primary project.
type Lineage interface {
	ParentsOf(ctx context.Context, commit string) ([]string, error)
}

// Match is a resolved session-store commit.
type Match struct {
	// Secondary is the session-store commit.
	Secondary string
	// Primary is the primary-project commit whose id was found in Secondary's message.
	Primary string
	// Depth is how many generations Primary lies behind the requested commit.
	Depth int
}

// Resolver correlates primary commits with session-store commits.
type Resolver struct {
	store   Searcher
	primary Lineage
	log     *zap.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the logger parent lookup failures are reported to.
func WithLogger(l *zap.Logger) Option {
	return func(r *Resolver) {
		if l != nil {
			r.log = l
		}
	}
}

// New returns a Resolver searching store and walking primary's history.
// primary may be nil when only direct lookups are needed.
func New(store Searcher, primary Lineage, opts ...Option) *Resolver {
	r := &Resolver{store: store, primary: primary, log: zap.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the newest session-store commit referencing primaryCommit.
func (r *Resolver) Resolve(ctx context.Context, primaryCommit string) (string, error) {
	if primaryCommit == "" {
		return "", ErrNotFound
	}
	commit, err := r.store.LogSearch(ctx, primaryCommit)
	if errors.Is(err, vcs.ErrNotFound) || errors.Is(err, vcs.ErrNoCommits) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("search session history for %s: %w", primaryCommit, err)
	}
	return commit, nil
}

// ResolveWithAncestry walks the primary project's history breadth-first from
// primaryCommit and returns the first commit with captured context. At most
// maxDepth commits are expanded.
func (r *Resolver) ResolveWithAncestry(ctx context.Context, primaryCommit string, maxDepth int) (Match, error) {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	if primaryCommit == "" {
		return Match{}, ErrNotFound
	}

	type node struct {
		commit string
		depth  int
	}
	queue := []node{{primaryCommit, 0}}
	seen := map[string]bool{primaryCommit: true}
	expanded := 0

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return Match{}, err
		}
		current := queue[0]
		queue = queue[1:]

		secondary, err := r.Resolve(ctx, current.commit)
		if err == nil {
			return Match{Secondary: secondary, Primary: current.commit, Depth: current.depth}, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return Match{}, err
		}

		if r.primary == nil || expanded >= maxDepth {
			continue
		}
		expanded++
		parents, err := r.primary.ParentsOf(ctx, current.commit)
		if err != nil {
			r.log.Warn("parent lookup failed, treating commit as a root",
				zap.String("commit", current.commit), zap.Error(err))
			continue
		}
		for _, p := range parents {
			if seen[p] {
				continue
			}
			seen[p] = true
			queue = append(queue, node{p, current.depth + 1})
		}
	}
	return Match{}, ErrNotFound
}
