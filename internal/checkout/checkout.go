// Package checkout keeps the session store aligned with the primary
// project's working copy every time the primary project checks out a branch.
package checkout

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/kurobon/sessync/internal/correlate"
	"github.com/kurobon/sessync/internal/vcs"
)

// Event is one post-checkout notification from the primary project.
type Event struct {
	OldCommit      string
	NewCommit      string
	BranchCheckout bool
}

// ParseEvent builds an Event from the post-checkout hook arguments.
func ParseEvent(oldCommit, newCommit, flag string) (Event, error) {
	ev := Event{OldCommit: oldCommit, NewCommit: newCommit}
	switch flag {
	case "1":
		ev.BranchCheckout = true
	case "0":
	default:
		return ev, fmt.Errorf("checkout flag must be 0 or 1, got %q", flag)
	}
	if newCommit == "" {
		return ev, errors.New("new commit is required")
	}
	return ev, nil
}

// Outcome classifies how an event was handled.
type Outcome string

const (
	Synced  Outcome = "synced"
	Skipped Outcome = "skipped"
	Failed  Outcome = "failed"
)

// Report describes what handling one Event did.
type Report struct {
	Outcome Outcome
	// Branch is the session-store branch that was checked out.
	Branch string
	// Resolved is the session-store commit the branch was reset to.
	Resolved string
	// Fallback is set when no context matched and the initial commit was used.
	Fallback bool
	// MatchedPrimary is the primary commit whose context was found, which
	// differs from the event's new commit when an ancestor matched.
	MatchedPrimary string
	// Preserved is the tag local changes were stashed under.
	Preserved string
	// Restored is the stash reference that was re-applied.
	Restored string
	// Notes explain harmless no-ops.
	Notes []string
	// Warnings are best-effort steps that failed.
	Warnings error
	// Err is the terminal failure when Outcome is Failed.
	Err error
}

func (r *Report) note(format string, args ...any) {
	r.Notes = append(r.Notes, fmt.Sprintf(format, args...))
}

func (r *Report) warn(err error) {
	r.Warnings = multierr.Append(r.Warnings, err)
}

func (r *Report) fail(err error) *Report {
	r.Outcome = Failed
	r.Err = err
	return r
}

// Primary is the read-only view of the primary project the synchronizer needs.
type Primary interface {
	CurrentBranch(ctx context.Context) (string, error)
	correlate.Lineage
}

// Synchronizer applies checkout events to a session store.
type Synchronizer struct {
	store    vcs.Engine
	primary  Primary
	resolver *correlate.Resolver
	ancestry bool
	maxDepth int
	log      *zap.Logger
}

// Option configures a Synchronizer.
type Option func(*Synchronizer)

// WithAncestry toggles the ancestor walk. When off only exact matches count.
func WithAncestry(on bool) Option {
	return func(s *Synchronizer) { s.ancestry = on }
}

// WithMaxDepth bounds the ancestor walk.
func WithMaxDepth(n int) Option {
	return func(s *Synchronizer) { s.maxDepth = n }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Synchronizer) {
		if l != nil {
			s.log = l
		}
	}
}

// New returns a Synchronizer for the session store driven by primary.
func New(store vcs.Engine, primary Primary, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		store:    store,
		primary:  primary,
		ancestry: true,
		maxDepth: correlate.DefaultMaxDepth,
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.resolver = correlate.New(store, primary, correlate.WithLogger(s.log))
	return s
}

// OnCheckout handles the raw hook arguments. It never panics and never
// returns an error: the primary checkout has already happened and must not be
// disturbed, so every failure ends up in the report.
func (s *Synchronizer) OnCheckout(ctx context.Context, oldCommit, newCommit, flag string) (report *Report) {
	defer func() {
		if p := recover(); p != nil {
			s.log.Error("checkout sync panicked", zap.Any("panic", p))
			if report == nil {
				report = &Report{}
			}
			report.fail(fmt.Errorf("checkout sync panicked: %v", p))
		}
	}()

	ev, err := ParseEvent(oldCommit, newCommit, flag)
	if err != nil {
		return (&Report{}).fail(err)
	}
	return s.Sync(ctx, ev)
}

// Sync runs the checkout steps for ev in order: preserve local changes,
// resolve the target commit, switch, clean, restore.
func (s *Synchronizer) Sync(ctx context.Context, ev Event) *Report {
	r := &Report{Outcome: Skipped}

	if !ev.BranchCheckout {
		r.note("file checkout, session store left alone")
		return r
	}
	if !s.store.Initialized() {
		r.note("session store not initialized at %s", s.store.Root())
		return r
	}

	branch, err := s.primary.CurrentBranch(ctx)
	if err != nil {
		return r.fail(fmt.Errorf("read primary branch: %w", err))
	}
	if branch == vcs.DetachedHead {
		r.note("primary project is in detached HEAD state, session store left alone")
		return r
	}
	r.Branch = branch
	log := s.log.With(zap.String("branch", branch), zap.String("commit", ev.NewCommit))

	s.preserve(ctx, ev, r)

	if err := s.resolve(ctx, ev, r); err != nil {
		log.Error("could not resolve session context", zap.Error(err))
		return r.fail(err)
	}

	if err := s.store.CheckoutOrCreateBranch(ctx, branch, r.Resolved); err != nil {
		log.Error("could not switch session store", zap.Error(err))
		return r.fail(fmt.Errorf("switch session store to %s at %s: %w", branch, r.Resolved, err))
	}

	if err := s.store.CleanUntracked(ctx); err != nil {
		r.warn(fmt.Errorf("remove untracked session files: %w", err))
	}

	s.restore(ctx, ev, r)

	r.Outcome = Synced
	log.Info("session store synchronized",
		zap.String("resolved", r.Resolved), zap.Bool("fallback", r.Fallback))
	return r
}

func (s *Synchronizer) preserve(ctx context.Context, ev Event, r *Report) {
	dirty, err := s.store.HasChanges(ctx)
	if err != nil {
		r.warn(fmt.Errorf("inspect session changes, uncommitted session data may be lost: %w", err))
		return
	}
	if !dirty {
		return
	}
	tag := vcs.StashTag(ev.OldCommit)
	if err := s.store.StashPush(ctx, tag); err != nil {
		r.warn(fmt.Errorf("stash session changes, uncommitted session data may be lost: %w", err))
		return
	}
	r.Preserved = tag
}

func (s *Synchronizer) resolve(ctx context.Context, ev Event, r *Report) error {
	var err error
	if s.ancestry {
		var m correlate.Match
		m, err = s.resolver.ResolveWithAncestry(ctx, ev.NewCommit, s.maxDepth)
		if err == nil {
			r.Resolved, r.MatchedPrimary = m.Secondary, m.Primary
			if m.Depth > 0 {
				r.note("using session context of ancestor %s (%d generations back)", m.Primary, m.Depth)
			}
			return nil
		}
	} else {
		r.Resolved, err = s.resolver.Resolve(ctx, ev.NewCommit)
		if err == nil {
			r.MatchedPrimary = ev.NewCommit
			return nil
		}
	}
	if !errors.Is(err, correlate.ErrNotFound) {
		return err
	}

	first, err := s.store.FirstCommit(ctx)
	if err != nil {
		return fmt.Errorf("no session context for %s and no initial commit: %w", ev.NewCommit, err)
	}
	r.Resolved = first
	r.Fallback = true
	r.note("no session context for %s, starting from the initial state", ev.NewCommit)
	return nil
}

func (s *Synchronizer) restore(ctx context.Context, ev Event, r *Report) {
	entry, err := vcs.FindStash(ctx, s.store, vcs.StashTag(ev.NewCommit))
	if errors.Is(err, vcs.ErrNotFound) {
		return
	}
	if err != nil {
		r.warn(fmt.Errorf("look up stashed session changes: %w", err))
		return
	}
	if err := s.store.StashPop(ctx, entry.Ref); err != nil {
		r.warn(fmt.Errorf("restore stashed session changes %s: %w", entry.Ref, err))
		return
	}
	r.Restored = entry.Ref
}
