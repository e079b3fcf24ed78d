package git

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/kurobon/sessync/internal/vcs"
)

// pathChange is one path that must change for ours to absorb theirs.
type pathChange struct {
	path string
	// theirs is the incoming blob, zero when theirs deleted the path.
	theirs plumbing.Hash
	// conflict is set when ours also changed the path relative to base.
	conflict bool
}

func treeFiles(c *object.Commit) (map[string]plumbing.Hash, error) {
	files := make(map[string]plumbing.Hash)
	if c == nil {
		return files, nil
	}
	iter, err := c.Files()
	if err != nil {
		return nil, err
	}
	err = iter.ForEach(func(f *object.File) error {
		files[f.Name] = f.Hash
		return nil
	})
	return files, err
}

// planThreeWay compares every path in the union of the three trees:
//   - ours == theirs: nothing to do
//   - base == ours: take theirs
//   - base == theirs: keep ours
//   - otherwise both changed the path and it is a conflict
//
// base may be nil for unrelated histories, in which case every differing path
// present on both sides conflicts.
func planThreeWay(base, ours, theirs *object.Commit) ([]pathChange, error) {
	baseFiles, err := treeFiles(base)
	if err != nil {
		return nil, err
	}
	oursFiles, err := treeFiles(ours)
	if err != nil {
		return nil, err
	}
	theirsFiles, err := treeFiles(theirs)
	if err != nil {
		return nil, err
	}

	paths := make(map[string]struct{})
	for _, m := range []map[string]plumbing.Hash{baseFiles, oursFiles, theirsFiles} {
		for p := range m {
			paths[p] = struct{}{}
		}
	}

	var changes []pathChange
	for p := range paths {
		b, o, t := baseFiles[p], oursFiles[p], theirsFiles[p]
		switch {
		case o == t:
		case b == o:
			changes = append(changes, pathChange{path: p, theirs: t})
		case b == t:
		default:
			changes = append(changes, pathChange{path: p, theirs: t, conflict: true})
		}
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].path < changes[j].path })
	return changes, nil
}

// applyChanges writes theirs' version of every planned path into the worktree
// and stages it.
func applyChanges(w *gogit.Worktree, theirs *object.Commit, changes []pathChange) error {
	for _, ch := range changes {
		if ch.theirs.IsZero() {
			if err := w.Filesystem.Remove(ch.path); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("remove %s: %w", ch.path, err)
			}
			// Not staged when ours never tracked it.
			_, _ = w.Remove(ch.path)
			continue
		}
		f, err := theirs.File(ch.path)
		if err != nil {
			return fmt.Errorf("read %s from %s: %w", ch.path, theirs.Hash, err)
		}
		if err := writeBlob(w, f); err != nil {
			return err
		}
		if _, err := w.Add(ch.path); err != nil {
			return fmt.Errorf("stage %s: %w", ch.path, err)
		}
	}
	return nil
}

func writeBlob(w *gogit.Worktree, f *object.File) error {
	if dir := path.Dir(f.Name); dir != "." {
		if err := w.Filesystem.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	r, err := f.Reader()
	if err != nil {
		return fmt.Errorf("open blob %s: %w", f.Name, err)
	}
	defer r.Close()

	out, err := w.Filesystem.OpenFile(f.Name, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", f.Name, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, r); err != nil {
		return fmt.Errorf("write %s: %w", f.Name, err)
	}
	return nil
}

// removeDropped deletes worktree files tracked in from but absent in to. A
// hard reset leaves them behind when they were never in the index.
func removeDropped(w *gogit.Worktree, from, to *object.Commit) error {
	fromFiles, err := treeFiles(from)
	if err != nil {
		return err
	}
	toFiles, err := treeFiles(to)
	if err != nil {
		return err
	}
	for p := range fromFiles {
		if _, ok := toFiles[p]; ok {
			continue
		}
		if err := w.Filesystem.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", p, err)
		}
	}
	return nil
}

func (e *Engine) Merge(ctx context.Context, commit string, policy vcs.ConflictPolicy, message string) (*vcs.MergeResult, error) {
	if policy != vcs.TheirsWins {
		return nil, fmt.Errorf("unsupported conflict policy %s", policy)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	repo, w, err := e.worktree()
	if err != nil {
		return nil, err
	}
	theirsHash := plumbing.NewHash(commit)
	theirs, err := repo.CommitObject(theirsHash)
	if err != nil {
		return nil, fmt.Errorf("commit %s: %w", commit, err)
	}

	oursHash, err := headHash(repo)
	if errors.Is(err, vcs.ErrNoCommits) {
		// Unborn branch: adopt theirs as is.
		if err := w.Reset(&gogit.ResetOptions{Mode: gogit.HardReset, Commit: theirsHash}); err != nil {
			return nil, err
		}
		return &vcs.MergeResult{Outcome: vcs.OutcomeCreated, Commit: commit}, nil
	}
	if err != nil {
		return nil, err
	}

	if oursHash == theirsHash {
		return &vcs.MergeResult{Outcome: vcs.OutcomeUpToDate, Commit: oursHash.String()}, nil
	}
	if ok, err := isAncestor(repo, theirsHash, oursHash); err != nil {
		return nil, err
	} else if ok {
		return &vcs.MergeResult{Outcome: vcs.OutcomeUpToDate, Commit: oursHash.String()}, nil
	}

	ours, err := repo.CommitObject(oursHash)
	if err != nil {
		return nil, err
	}

	if ok, err := isAncestor(repo, oursHash, theirsHash); err != nil {
		return nil, err
	} else if ok {
		if err := w.Reset(&gogit.ResetOptions{Mode: gogit.HardReset, Commit: theirsHash}); err != nil {
			return nil, fmt.Errorf("fast-forward: %w", err)
		}
		if err := removeDropped(w, ours, theirs); err != nil {
			return nil, err
		}
		return &vcs.MergeResult{Outcome: vcs.OutcomeFastForward, Commit: commit}, nil
	}

	var base *object.Commit
	bases, err := ours.MergeBase(theirs)
	if err != nil {
		return nil, fmt.Errorf("merge base: %w", err)
	}
	if len(bases) > 0 {
		base = bases[0]
	}

	changes, err := planThreeWay(base, ours, theirs)
	if err != nil {
		return nil, err
	}
	if err := applyChanges(w, theirs, changes); err != nil {
		return nil, err
	}

	var overwritten []string
	for _, ch := range changes {
		if ch.conflict {
			overwritten = append(overwritten, ch.path)
		}
	}

	sig := e.identity.signature()
	merged, err := w.Commit(message, &gogit.CommitOptions{
		Author:            sig,
		Committer:         sig,
		Parents:           []plumbing.Hash{oursHash, theirsHash},
		AllowEmptyCommits: true,
	})
	if err != nil {
		return nil, fmt.Errorf("commit merge: %w", err)
	}
	return &vcs.MergeResult{
		Outcome:     vcs.OutcomeMerged,
		Commit:      merged.String(),
		Overwritten: overwritten,
	}, nil
}
