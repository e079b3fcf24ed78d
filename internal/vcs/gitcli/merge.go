package gitcli

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/kurobon/sessync/internal/vcs"
)

func (e *Engine) Merge(ctx context.Context, commit string, policy vcs.ConflictPolicy, message string) (*vcs.MergeResult, error) {
	if policy != vcs.TheirsWins {
		return nil, fmt.Errorf("unsupported conflict policy %s", policy)
	}

	ours, err := e.CurrentCommit(ctx)
	if errors.Is(err, vcs.ErrNoCommits) {
		if _, err := e.run(ctx, "reset", "--hard", "--quiet", commit); err != nil {
			return nil, err
		}
		return &vcs.MergeResult{Outcome: vcs.OutcomeCreated, Commit: commit}, nil
	}
	if err != nil {
		return nil, err
	}

	if ours == commit {
		return &vcs.MergeResult{Outcome: vcs.OutcomeUpToDate, Commit: ours}, nil
	}
	if ok, err := e.IsAncestor(ctx, commit, ours); err != nil {
		return nil, err
	} else if ok {
		return &vcs.MergeResult{Outcome: vcs.OutcomeUpToDate, Commit: ours}, nil
	}
	if ok, err := e.IsAncestor(ctx, ours, commit); err != nil {
		return nil, err
	} else if ok {
		if _, err := e.run(ctx, "merge", "--ff-only", "--quiet", commit); err != nil {
			return nil, err
		}
		return &vcs.MergeResult{Outcome: vcs.OutcomeFastForward, Commit: commit}, nil
	}

	overwritten, err := e.bothChanged(ctx, ours, commit)
	if err != nil {
		return nil, err
	}

	_, mergeErr := e.run(ctx, "merge", "--no-edit", "--quiet", "--allow-unrelated-histories",
		"-X", "theirs", "-m", message, commit)
	if mergeErr != nil {
		if err := e.resolveTheirs(ctx, commit); err != nil {
			_, _ = e.run(ctx, "merge", "--abort")
			return nil, fmt.Errorf("%w (resolution failed: %v)", mergeErr, err)
		}
	}

	head, err := e.CurrentCommit(ctx)
	if err != nil {
		return nil, err
	}
	return &vcs.MergeResult{Outcome: vcs.OutcomeMerged, Commit: head, Overwritten: overwritten}, nil
}

// resolveTheirs finishes a merge that -X theirs could not settle on its own,
// typically modify/delete or add/add of binary content: every unmerged path
// takes theirs' version, or is removed when theirs has none.
func (e *Engine) resolveTheirs(ctx context.Context, theirs string) error {
	unmerged, err := e.lines(ctx, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return err
	}
	if len(unmerged) == 0 {
		return errors.New("merge failed without unmerged paths")
	}
	for _, path := range unmerged {
		if _, err := e.run(ctx, "cat-file", "-e", theirs+":"+path); err == nil {
			if _, err := e.run(ctx, "checkout", theirs, "--", path); err != nil {
				return err
			}
			if _, err := e.run(ctx, "add", "--", path); err != nil {
				return err
			}
			continue
		}
		if _, err := e.run(ctx, "rm", "--quiet", "--force", "--", path); err != nil {
			return err
		}
	}
	_, err = e.run(ctx, "commit", "--no-edit", "--no-verify", "--quiet")
	return err
}

// bothChanged lists paths that differ between ours and theirs and were
// changed on both sides since their merge base. For unrelated histories every
// differing path present on both sides counts.
func (e *Engine) bothChanged(ctx context.Context, ours, theirs string) ([]string, error) {
	differ, err := e.lines(ctx, "diff", "--name-only", "--no-renames", ours, theirs)
	if err != nil {
		return nil, err
	}
	if len(differ) == 0 {
		return nil, nil
	}

	base, err := e.mergeBase(ctx, ours, theirs)
	if err != nil {
		return nil, err
	}
	var oursSide, theirsSide []string
	if base != "" {
		if oursSide, err = e.lines(ctx, "diff", "--name-only", "--no-renames", base, ours); err != nil {
			return nil, err
		}
		if theirsSide, err = e.lines(ctx, "diff", "--name-only", "--no-renames", base, theirs); err != nil {
			return nil, err
		}
	} else {
		if oursSide, err = e.lines(ctx, "ls-tree", "-r", "--name-only", ours); err != nil {
			return nil, err
		}
		if theirsSide, err = e.lines(ctx, "ls-tree", "-r", "--name-only", theirs); err != nil {
			return nil, err
		}
	}

	inOurs := make(map[string]bool, len(oursSide))
	for _, p := range oursSide {
		inOurs[p] = true
	}
	inTheirs := make(map[string]bool, len(theirsSide))
	for _, p := range theirsSide {
		inTheirs[p] = true
	}
	var both []string
	for _, p := range differ {
		if inOurs[p] && inTheirs[p] {
			both = append(both, p)
		}
	}
	sort.Strings(both)
	return both, nil
}
