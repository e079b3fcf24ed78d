package git

import (
	"context"
	"fmt"
	"strings"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/kurobon/sessync/internal/vcs"
)

// walkBranches visits every commit reachable from a local branch once,
// breadth first from the branch heads.
func walkBranches(repo *gogit.Repository, visit func(c *object.Commit)) error {
	var queue []plumbing.Hash
	iter, err := repo.Branches()
	if err != nil {
		return err
	}
	_ = iter.ForEach(func(r *plumbing.Reference) error {
		queue = append(queue, r.Hash())
		return nil
	})

	seen := make(map[plumbing.Hash]bool)
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if seen[current] {
			continue
		}
		seen[current] = true

		c, err := repo.CommitObject(current)
		if err != nil {
			return fmt.Errorf("read commit %s: %w", current, err)
		}
		visit(c)
		queue = append(queue, c.ParentHashes...)
	}
	return nil
}

// newer orders commits by committer time, breaking ties on the larger id so
// the choice does not depend on traversal order.
func newer(a, b *object.Commit) bool {
	if !a.Committer.When.Equal(b.Committer.When) {
		return a.Committer.When.After(b.Committer.When)
	}
	return a.Hash.String() > b.Hash.String()
}

func (e *Engine) LogSearch(ctx context.Context, pattern string) (string, error) {
	if pattern == "" {
		return "", vcs.ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	repo, err := e.open()
	if err != nil {
		return "", err
	}
	var best *object.Commit
	err = walkBranches(repo, func(c *object.Commit) {
		if !strings.Contains(c.Message, pattern) {
			return
		}
		if best == nil || newer(c, best) {
			best = c
		}
	})
	if err != nil {
		return "", err
	}
	if best == nil {
		return "", vcs.ErrNotFound
	}
	return best.Hash.String(), nil
}

// FirstCommit returns the oldest parentless commit on any branch.
func (e *Engine) FirstCommit(ctx context.Context) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	repo, err := e.open()
	if err != nil {
		return "", err
	}
	var first *object.Commit
	err = walkBranches(repo, func(c *object.Commit) {
		if c.NumParents() != 0 {
			return
		}
		if first == nil || newer(first, c) {
			first = c
		}
	})
	if err != nil {
		return "", err
	}
	if first == nil {
		return "", vcs.ErrNoCommits
	}
	return first.Hash.String(), nil
}

func (e *Engine) ParentsOf(ctx context.Context, commit string) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	repo, err := e.open()
	if err != nil {
		return nil, err
	}
	c, err := repo.CommitObject(plumbing.NewHash(commit))
	if err != nil {
		return nil, fmt.Errorf("commit %s: %w", commit, vcs.ErrNotFound)
	}
	parents := make([]string, 0, len(c.ParentHashes))
	for _, p := range c.ParentHashes {
		parents = append(parents, p.String())
	}
	return parents, nil
}

func (e *Engine) IsAncestor(ctx context.Context, ancestor, descendant string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	repo, err := e.open()
	if err != nil {
		return false, err
	}
	return isAncestor(repo, plumbing.NewHash(ancestor), plumbing.NewHash(descendant))
}

func isAncestor(repo *gogit.Repository, ancestor, descendant plumbing.Hash) (bool, error) {
	if ancestor == descendant {
		return true, nil
	}
	a, err := repo.CommitObject(ancestor)
	if err != nil {
		return false, fmt.Errorf("commit %s: %w", ancestor, err)
	}
	d, err := repo.CommitObject(descendant)
	if err != nil {
		return false, fmt.Errorf("commit %s: %w", descendant, err)
	}
	return a.IsAncestor(d)
}
