// Package vcs defines the version-control capability set sessync consumes.
//
// The session store and the primary project are both driven through Engine.
// Two adapters exist: gitcli shells out to the git binary and is the default,
// internal/git implements the same surface on go-git and doubles as the
// in-memory engine used by tests.
package vcs

import (
	"context"
	"errors"
	"strings"
)

// Sentinel errors shared by all engine adapters.
var (
	// ErrNotInitialized is returned when the repository directory has no repository yet.
	ErrNotInitialized = errors.New("repository not initialized")

	// ErrNoCommits is returned when HEAD (or every branch) is unborn.
	ErrNoCommits = errors.New("repository has no commits")

	// ErrNotFound is returned by lookups (log search, stash search) that matched nothing.
	ErrNotFound = errors.New("not found")

	// ErrNothingToCommit is returned by Commit when the index matches HEAD and
	// allowEmpty was not requested.
	ErrNothingToCommit = errors.New("nothing to commit")

	// ErrStashConflict is returned when a stash cannot be applied cleanly. The
	// stash entry is kept.
	ErrStashConflict = errors.New("stash does not apply cleanly")

	// ErrInvalidBundle is returned when bundle bytes cannot be parsed.
	ErrInvalidBundle = errors.New("invalid bundle")
)

// DetachedHead is what CurrentBranch reports when HEAD is not a branch.
const DetachedHead = "HEAD"

// StagingPrefix is the ref namespace bundle heads are fetched into before
// being merged.
const StagingPrefix = "refs/remotes/sessync/"

// StashEntry is one stashed snapshot of working changes.
type StashEntry struct {
	// Ref is the adapter-specific handle passed back to StashPop.
	Ref string
	// Message is the stash subject as recorded by the engine.
	Message string
}

// ConflictPolicy decides which side wins when both sides changed a path.
type ConflictPolicy int

const (
	// TheirsWins takes the incoming version of every conflicting path.
	TheirsWins ConflictPolicy = iota
)

func (p ConflictPolicy) String() string {
	switch p {
	case TheirsWins:
		return "theirs"
	default:
		return "unknown"
	}
}

// MergeOutcome describes what Merge did to the current branch.
type MergeOutcome string

const (
	OutcomeCreated     MergeOutcome = "created"
	OutcomeFastForward MergeOutcome = "fast-forward"
	OutcomeMerged      MergeOutcome = "merged"
	OutcomeUpToDate    MergeOutcome = "up-to-date"
)

// MergeResult is the result of merging one commit into the current branch.
type MergeResult struct {
	Branch  string
	Outcome MergeOutcome
	// Commit is the branch tip after the merge.
	Commit string
	// Overwritten lists paths changed on both sides whose local version was
	// replaced by the incoming one.
	Overwritten []string
}

// Engine is the set of primitive operations sessync needs from a
// version-control system rooted at one directory.
type Engine interface {
	// Root returns the working tree directory the engine operates on.
	Root() string
	// Initialized reports whether a repository exists at Root.
	Initialized() bool
	// Init creates an empty repository at Root without any commit.
	Init(ctx context.Context) error

	// Add stages additions, modifications and deletions matching the pathspecs.
	Add(ctx context.Context, pathspecs ...string) error
	// Commit records the index and returns the new commit id.
	Commit(ctx context.Context, message string, allowEmpty bool) (string, error)

	// CurrentBranch returns the short branch name, or DetachedHead.
	CurrentBranch(ctx context.Context) (string, error)
	// CurrentCommit returns the id HEAD points at, or ErrNoCommits.
	CurrentCommit(ctx context.Context) (string, error)
	// HasChanges reports staged, unstaged or untracked changes.
	HasChanges(ctx context.Context) (bool, error)

	// StashPush stashes tracked and untracked changes under message.
	StashPush(ctx context.Context, message string) error
	// StashList returns stash entries, newest first.
	StashList(ctx context.Context) ([]StashEntry, error)
	// StashPop applies the entry and drops it. On ErrStashConflict the entry is kept.
	StashPop(ctx context.Context, ref string) error

	// LogSearch returns the most recent commit reachable from any branch
	// whose message contains pattern literally, or ErrNotFound.
	LogSearch(ctx context.Context, pattern string) (string, error)
	// FirstCommit returns the designated root commit, or ErrNoCommits.
	FirstCommit(ctx context.Context) (string, error)
	// ParentsOf returns the parent ids of commit.
	ParentsOf(ctx context.Context, commit string) ([]string, error)
	// IsAncestor reports whether ancestor is reachable from descendant.
	IsAncestor(ctx context.Context, ancestor, descendant string) (bool, error)

	// CheckoutOrCreateBranch checks out branch name. When at is set the branch
	// is created or force-reset to it and local tracked changes are discarded.
	CheckoutOrCreateBranch(ctx context.Context, name, at string) error
	// CleanUntracked removes untracked files and directories.
	CleanUntracked(ctx context.Context) error
	// Branches maps local branch names to commit ids.
	Branches(ctx context.Context) (map[string]string, error)
	// UpdateBranch moves a branch that is not checked out.
	UpdateBranch(ctx context.Context, name, commit string) error

	// BundleCreateAll serializes every ref and its history.
	BundleCreateAll(ctx context.Context) ([]byte, error)
	// BundleFetch stores the bundle's objects, points StagingPrefix+<branch>
	// at every head it carries and returns branch -> commit.
	BundleFetch(ctx context.Context, bundle []byte) (map[string]string, error)
	// Merge merges commit into the current branch, tolerating unrelated histories.
	Merge(ctx context.Context, commit string, policy ConflictPolicy, message string) (*MergeResult, error)
}

// StashTag is the stash message that marks session changes captured while the
// primary project was at commit.
func StashTag(commit string) string {
	return "sessions-for-" + commit
}

// MatchesTag reports whether a stash subject carries tag. Engines prefix the
// message ("On main: <tag>"), so the tag must be the last word.
func MatchesTag(message, tag string) bool {
	message = strings.TrimSpace(message)
	return message == tag || strings.HasSuffix(message, " "+tag)
}

// FindStash returns the newest stash entry tagged with tag.
func FindStash(ctx context.Context, e Engine, tag string) (StashEntry, error) {
	entries, err := e.StashList(ctx)
	if err != nil {
		return StashEntry{}, err
	}
	for _, entry := range entries {
		if MatchesTag(entry.Message, tag) {
			return entry, nil
		}
	}
	return StashEntry{}, ErrNotFound
}
