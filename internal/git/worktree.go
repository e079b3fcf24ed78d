package git

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"sort"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/kurobon/sessync/internal/vcs"
)

func (e *Engine) Add(ctx context.Context, pathspecs ...string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	_, w, err := e.worktree()
	if err != nil {
		return err
	}
	status, err := w.Status()
	if err != nil {
		return err
	}
	for p, st := range status {
		if st.Worktree == gogit.Unmodified || !matchPathspec(pathspecs, p) {
			continue
		}
		if st.Worktree == gogit.Deleted {
			if _, err := w.Remove(p); err != nil {
				return fmt.Errorf("stage removal of %s: %w", p, err)
			}
			continue
		}
		if _, err := w.Add(p); err != nil {
			return fmt.Errorf("stage %s: %w", p, err)
		}
	}
	return nil
}

// matchPathspec treats each spec as a glob against the full path or its base
// name; "." matches everything.
func matchPathspec(specs []string, p string) bool {
	if len(specs) == 0 {
		return true
	}
	for _, spec := range specs {
		if spec == "." || spec == "" {
			return true
		}
		if ok, _ := path.Match(spec, p); ok {
			return true
		}
		if ok, _ := path.Match(spec, path.Base(p)); ok {
			return true
		}
	}
	return false
}

func (e *Engine) Commit(ctx context.Context, message string, allowEmpty bool) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	_, w, err := e.worktree()
	if err != nil {
		return "", err
	}
	sig := e.identity.signature()
	hash, err := w.Commit(message, &gogit.CommitOptions{
		Author:            sig,
		Committer:         sig,
		AllowEmptyCommits: allowEmpty,
	})
	if err != nil {
		if errors.Is(err, gogit.ErrEmptyCommit) {
			return "", vcs.ErrNothingToCommit
		}
		return "", fmt.Errorf("commit: %w", err)
	}
	return hash.String(), nil
}

func (e *Engine) CurrentBranch(ctx context.Context) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	repo, err := e.open()
	if err != nil {
		return "", err
	}
	ref, err := repo.Storer.Reference(plumbing.HEAD)
	if err != nil {
		return "", err
	}
	if ref.Type() == plumbing.SymbolicReference && ref.Target().IsBranch() {
		return ref.Target().Short(), nil
	}
	return vcs.DetachedHead, nil
}

func (e *Engine) CurrentCommit(ctx context.Context) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	repo, err := e.open()
	if err != nil {
		return "", err
	}
	h, err := headHash(repo)
	if err != nil {
		return "", err
	}
	return h.String(), nil
}

func (e *Engine) HasChanges(ctx context.Context) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	_, w, err := e.worktree()
	if err != nil {
		return false, err
	}
	status, err := w.Status()
	if err != nil {
		return false, err
	}
	return !status.IsClean(), nil
}

func (e *Engine) CheckoutOrCreateBranch(ctx context.Context, name, at string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	repo, w, err := e.worktree()
	if err != nil {
		return err
	}
	ref := plumbing.NewBranchReferenceName(name)

	if at != "" {
		h := plumbing.NewHash(at)
		if _, err := repo.CommitObject(h); err != nil {
			return fmt.Errorf("commit %s: %w", at, err)
		}
		if err := repo.Storer.SetReference(plumbing.NewHashReference(ref, h)); err != nil {
			return err
		}
		return w.Checkout(&gogit.CheckoutOptions{Branch: ref, Force: true})
	}

	if _, err := repo.Reference(ref, true); err == nil {
		return w.Checkout(&gogit.CheckoutOptions{Branch: ref})
	}
	if _, err := headHash(repo); errors.Is(err, vcs.ErrNoCommits) {
		// Nothing to branch from yet: just repoint the unborn HEAD.
		return repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, ref))
	}
	return w.Checkout(&gogit.CheckoutOptions{Branch: ref, Create: true, Keep: true})
}

func (e *Engine) CleanUntracked(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	_, w, err := e.worktree()
	if err != nil {
		return err
	}
	status, err := w.Status()
	if err != nil {
		return err
	}

	var files []string
	dirs := make(map[string]bool)
	for p, st := range status {
		if st.Worktree != gogit.Untracked {
			continue
		}
		info, err := w.Filesystem.Lstat(p)
		if err != nil {
			continue
		}
		if info.IsDir() {
			dirs[p] = true
			continue
		}
		files = append(files, p)
		for dir := path.Dir(p); dir != "." && dir != "/"; dir = path.Dir(dir) {
			dirs[dir] = true
		}
	}

	sort.Strings(files)
	for _, p := range files {
		if err := w.Filesystem.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", p, err)
		}
	}

	ordered := make([]string, 0, len(dirs))
	for dir := range dirs {
		ordered = append(ordered, dir)
	}
	// children before parents
	sort.Slice(ordered, func(i, j int) bool { return len(ordered[i]) > len(ordered[j]) })
	for _, dir := range ordered {
		// Directories still holding tracked files fail to remove and stay.
		_ = w.Filesystem.Remove(dir)
	}
	return nil
}

func (e *Engine) Branches(ctx context.Context) (map[string]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	repo, err := e.open()
	if err != nil {
		return nil, err
	}
	return branchHeads(repo)
}

func branchHeads(repo *gogit.Repository) (map[string]string, error) {
	iter, err := repo.Branches()
	if err != nil {
		return nil, err
	}
	heads := make(map[string]string)
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		heads[ref.Name().Short()] = ref.Hash().String()
		return nil
	})
	return heads, err
}

func (e *Engine) UpdateBranch(ctx context.Context, name, commit string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	repo, err := e.open()
	if err != nil {
		return err
	}
	h := plumbing.NewHash(commit)
	if _, err := repo.CommitObject(h); err != nil {
		return fmt.Errorf("commit %s: %w", commit, err)
	}
	return repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName(name), h))
}
