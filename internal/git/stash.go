package git

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/kurobon/sessync/internal/vcs"
)

// StashRefPrefix holds one ref per stash entry. Names sort by creation time.
const StashRefPrefix = "refs/stashes/"

// StashPush records the worktree as a commit whose parent is HEAD, keeps it
// under StashRefPrefix and resets the worktree to HEAD.
func (e *Engine) StashPush(ctx context.Context, message string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	repo, w, err := e.worktree()
	if err != nil {
		return err
	}
	head, err := headHash(repo)
	if err != nil {
		return err
	}
	status, err := w.Status()
	if err != nil {
		return err
	}
	if status.IsClean() {
		return nil
	}

	branch := "(no branch)"
	if ref, err := repo.Storer.Reference(plumbing.HEAD); err == nil && ref.Type() == plumbing.SymbolicReference {
		branch = ref.Target().Short()
	}

	if err := w.AddWithOptions(&gogit.AddOptions{All: true}); err != nil {
		return fmt.Errorf("stage changes for stash: %w", err)
	}
	sig := e.identity.signature()
	stashHash, err := w.Commit(fmt.Sprintf("On %s: %s", branch, message), &gogit.CommitOptions{
		Author:            sig,
		Committer:         sig,
		Parents:           []plumbing.Hash{head},
		AllowEmptyCommits: true,
	})
	if err != nil {
		if resetErr := w.Reset(&gogit.ResetOptions{Mode: gogit.MixedReset, Commit: head}); resetErr != nil {
			return fmt.Errorf("create stash commit: %v (rollback also failed: %w)", err, resetErr)
		}
		return fmt.Errorf("create stash commit: %w", err)
	}

	name := plumbing.ReferenceName(fmt.Sprintf("%s%020d", StashRefPrefix, time.Now().UnixNano()))
	if err := repo.Storer.SetReference(plumbing.NewHashReference(name, stashHash)); err != nil {
		return err
	}

	if err := w.Reset(&gogit.ResetOptions{Mode: gogit.HardReset, Commit: head}); err != nil {
		return fmt.Errorf("reset worktree: %w", err)
	}
	stash, err := repo.CommitObject(stashHash)
	if err != nil {
		return err
	}
	headCommit, err := repo.CommitObject(head)
	if err != nil {
		return err
	}
	return removeDropped(w, stash, headCommit)
}

func (e *Engine) StashList(ctx context.Context) ([]vcs.StashEntry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	repo, err := e.open()
	if err != nil {
		return nil, err
	}
	return stashEntries(repo)
}

func stashEntries(repo *gogit.Repository) ([]vcs.StashEntry, error) {
	refs, err := repo.References()
	if err != nil {
		return nil, err
	}
	var entries []vcs.StashEntry
	err = refs.ForEach(func(r *plumbing.Reference) error {
		if !strings.HasPrefix(r.Name().String(), StashRefPrefix) {
			return nil
		}
		c, err := repo.CommitObject(r.Hash())
		if err != nil {
			return fmt.Errorf("stash %s: %w", r.Name(), err)
		}
		subject, _, _ := strings.Cut(c.Message, "\n")
		entries = append(entries, vcs.StashEntry{Ref: r.Name().String(), Message: subject})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Ref > entries[j].Ref })
	return entries, nil
}

// StashPop replays the stash onto the current HEAD. Nothing is written when a
// stashed path was also changed by HEAD since the stash was taken.
func (e *Engine) StashPop(ctx context.Context, ref string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	repo, w, err := e.worktree()
	if err != nil {
		return err
	}
	r, err := repo.Reference(plumbing.ReferenceName(ref), true)
	if err != nil {
		return fmt.Errorf("stash %s: %w", ref, vcs.ErrNotFound)
	}
	stash, err := repo.CommitObject(r.Hash())
	if err != nil {
		return err
	}
	if stash.NumParents() == 0 {
		return fmt.Errorf("invalid stash commit %s (no parents)", stash.Hash)
	}
	base, err := stash.Parent(0)
	if err != nil {
		return fmt.Errorf("could not resolve stash base: %w", err)
	}
	head, err := headHash(repo)
	if err != nil {
		return err
	}
	ours, err := repo.CommitObject(head)
	if err != nil {
		return err
	}

	changes, err := planThreeWay(base, ours, stash)
	if err != nil {
		return err
	}
	for _, ch := range changes {
		if ch.conflict {
			return fmt.Errorf("%s: %w", ch.path, vcs.ErrStashConflict)
		}
	}
	if err := applyChanges(w, stash, changes); err != nil {
		return err
	}
	// Leave the restored work unstaged.
	if err := w.Reset(&gogit.ResetOptions{Mode: gogit.MixedReset, Commit: head}); err != nil {
		return err
	}
	return repo.Storer.RemoveReference(r.Name())
}
