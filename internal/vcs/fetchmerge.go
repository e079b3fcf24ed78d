package vcs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
)

// FetchResult summarizes applying a bundle to a repository.
type FetchResult struct {
	// Current is the merge into the checked-out branch, nil when the bundle
	// carries nothing for it.
	Current *MergeResult
	// Created are local branches that did not exist and now track the bundle.
	Created []string
	// FastForwarded are non-current branches moved forward to the bundle head.
	FastForwarded []string
	// Diverged are non-current branches left alone because they diverged;
	// they merge the next time they are checked out and synced.
	Diverged []string
	// Stash is set when local changes were stashed around the merge and could
	// not be restored.
	Stash string
}

// defaultBranches are tried, in order, when an unborn repository has to pick
// which incoming branch to check out.
var defaultBranches = []string{"main", "master"}

// FetchAndMerge applies a bundle produced by BundleCreateAll on another
// machine: every head is fetched to a staging ref, missing branches are
// created, non-current branches are fast-forwarded and the current branch is
// merged with policy. Local uncommitted changes are stashed around the merge
// and restored best-effort.
func FetchAndMerge(ctx context.Context, e Engine, bundle []byte, policy ConflictPolicy, log *zap.Logger) (*FetchResult, error) {
	if log == nil {
		log = zap.NewNop()
	}

	heads, err := e.BundleFetch(ctx, bundle)
	if err != nil {
		return nil, fmt.Errorf("fetch bundle: %w", err)
	}
	if len(heads) == 0 {
		return nil, fmt.Errorf("bundle carries no branches: %w", ErrInvalidBundle)
	}

	current, err := e.CurrentBranch(ctx)
	if err != nil {
		return nil, err
	}
	local, err := e.Branches(ctx)
	if err != nil {
		return nil, err
	}
	_, err = e.CurrentCommit(ctx)
	unborn := errors.Is(err, ErrNoCommits)
	if err != nil && !unborn {
		return nil, err
	}

	res := &FetchResult{}
	names := make([]string, 0, len(heads))
	for name := range heads {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if name == current {
			continue
		}
		remote := heads[name]
		mine, ok := local[name]
		switch {
		case !ok:
			if err := e.UpdateBranch(ctx, name, remote); err != nil {
				return nil, fmt.Errorf("create branch %s: %w", name, err)
			}
			res.Created = append(res.Created, name)
		case mine == remote:
		default:
			ff, err := e.IsAncestor(ctx, mine, remote)
			if err != nil {
				return nil, err
			}
			if !ff {
				log.Info("branch diverged from remote, left for a later sync", zap.String("branch", name))
				res.Diverged = append(res.Diverged, name)
				continue
			}
			if err := e.UpdateBranch(ctx, name, remote); err != nil {
				return nil, fmt.Errorf("fast-forward branch %s: %w", name, err)
			}
			res.FastForwarded = append(res.FastForwarded, name)
		}
	}

	if unborn {
		target := current
		if _, ok := heads[target]; !ok || target == DetachedHead {
			target = pickDefault(names)
		}
		if err := e.CheckoutOrCreateBranch(ctx, target, heads[target]); err != nil {
			return nil, fmt.Errorf("check out %s: %w", target, err)
		}
		res.Current = &MergeResult{Branch: target, Outcome: OutcomeCreated, Commit: heads[target]}
		return res, nil
	}

	remote, ok := heads[current]
	if !ok {
		log.Debug("bundle has no head for current branch", zap.String("branch", current))
		return res, nil
	}

	dirty, err := e.HasChanges(ctx)
	if err != nil {
		return nil, err
	}
	var tag string
	if dirty {
		tag = fmt.Sprintf("sessions-before-sync-%d", time.Now().UnixNano())
		if err := e.StashPush(ctx, tag); err != nil {
			log.Warn("could not stash local changes before merge", zap.Error(err))
			tag = ""
		}
	}

	mr, mergeErr := e.Merge(ctx, remote, policy, fmt.Sprintf("Merge remote sessions into %s", current))

	if tag != "" {
		entry, err := FindStash(ctx, e, tag)
		if err == nil {
			err = e.StashPop(ctx, entry.Ref)
		}
		if err != nil {
			log.Warn("local changes kept in stash after merge", zap.String("stash", tag), zap.Error(err))
			res.Stash = tag
		}
	}

	if mergeErr != nil {
		return nil, fmt.Errorf("merge %s: %w", current, mergeErr)
	}
	mr.Branch = current
	res.Current = mr
	return res, nil
}

func pickDefault(names []string) string {
	for _, want := range defaultBranches {
		for _, name := range names {
			if name == want {
				return name
			}
		}
	}
	return names[0]
}
