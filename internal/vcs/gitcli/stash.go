package gitcli

import (
	"context"
	"fmt"
	"strings"

	"github.com/kurobon/sessync/internal/vcs"
)

func (e *Engine) StashPush(ctx context.Context, message string) error {
	dirty, err := e.HasChanges(ctx)
	if err != nil || !dirty {
		return err
	}
	_, err = e.run(ctx, "stash", "push", "--include-untracked", "--quiet", "-m", message)
	return err
}

func (e *Engine) StashList(ctx context.Context) ([]vcs.StashEntry, error) {
	lines, err := e.lines(ctx, "stash", "list", "--format=%gd %gs")
	if err != nil {
		return nil, err
	}
	entries := make([]vcs.StashEntry, 0, len(lines))
	for _, line := range lines {
		ref, msg, _ := strings.Cut(line, " ")
		entries = append(entries, vcs.StashEntry{Ref: ref, Message: msg})
	}
	return entries, nil
}

// StashPop restores an entry. A failed pop leaves the entry in the stash
// list; the worktree is reset so no conflict markers are left behind.
func (e *Engine) StashPop(ctx context.Context, ref string) error {
	if _, err := e.run(ctx, "rev-parse", "--verify", "-q", ref); err != nil {
		return fmt.Errorf("stash %s: %w", ref, vcs.ErrNotFound)
	}
	if _, err := e.run(ctx, "stash", "pop", "--quiet", ref); err != nil {
		if _, resetErr := e.run(ctx, "reset", "--hard", "--quiet"); resetErr != nil {
			return fmt.Errorf("%w: %w (reset also failed: %v)", vcs.ErrStashConflict, err, resetErr)
		}
		return fmt.Errorf("%w: %w", vcs.ErrStashConflict, err)
	}
	return nil
}
