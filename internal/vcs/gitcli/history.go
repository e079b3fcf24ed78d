package gitcli

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/kurobon/sessync/internal/vcs"
)

type logEntry struct {
	id   string
	when int64
}

// newer orders by committer time, then by larger id.
func (a logEntry) newer(b logEntry) bool {
	if a.when != b.when {
		return a.when > b.when
	}
	return a.id > b.id
}

func (e *Engine) logEntries(ctx context.Context, args ...string) ([]logEntry, error) {
	args = append([]string{"log", "--branches", "--format=%H %ct"}, args...)
	lines, err := e.lines(ctx, args...)
	if err != nil {
		// An unborn repository has no branches to walk.
		if e.unborn(ctx) {
			return nil, nil
		}
		return nil, err
	}
	entries := make([]logEntry, 0, len(lines))
	for _, line := range lines {
		id, ts, ok := strings.Cut(line, " ")
		if !ok {
			continue
		}
		when, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse commit time %q: %w", ts, err)
		}
		entries = append(entries, logEntry{id: id, when: when})
	}
	return entries, nil
}

func (e *Engine) LogSearch(ctx context.Context, pattern string) (string, error) {
	if pattern == "" {
		return "", vcs.ErrNotFound
	}
	entries, err := e.logEntries(ctx, "--fixed-strings", "--grep="+pattern)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", vcs.ErrNotFound
	}
	best := entries[0]
	for _, entry := range entries[1:] {
		if entry.newer(best) {
			best = entry
		}
	}
	return best.id, nil
}

// FirstCommit returns the oldest parentless commit on any branch.
func (e *Engine) FirstCommit(ctx context.Context) (string, error) {
	entries, err := e.logEntries(ctx, "--max-parents=0")
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", vcs.ErrNoCommits
	}
	first := entries[0]
	for _, entry := range entries[1:] {
		if first.newer(entry) {
			first = entry
		}
	}
	return first.id, nil
}

func (e *Engine) ParentsOf(ctx context.Context, commit string) ([]string, error) {
	out, err := e.run(ctx, "rev-list", "--parents", "-n", "1", commit, "--")
	if err != nil {
		return nil, fmt.Errorf("commit %s: %w: %w", commit, vcs.ErrNotFound, err)
	}
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return nil, fmt.Errorf("commit %s: %w", commit, vcs.ErrNotFound)
	}
	return fields[1:], nil
}

func (e *Engine) IsAncestor(ctx context.Context, ancestor, descendant string) (bool, error) {
	_, err := e.run(ctx, "merge-base", "--is-ancestor", ancestor, descendant)
	if err == nil {
		return true, nil
	}
	if exitCode(err) == 1 {
		return false, nil
	}
	return false, err
}

// mergeBase returns the best common ancestor, or "" for unrelated histories.
func (e *Engine) mergeBase(ctx context.Context, a, b string) (string, error) {
	out, err := e.run(ctx, "merge-base", a, b)
	if err != nil {
		if exitCode(err) == 1 {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(out), nil
}
