package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/kurobon/sessync/internal/checkout"
	"github.com/kurobon/sessync/internal/correlate"
	"github.com/kurobon/sessync/internal/reconcile"
	"github.com/kurobon/sessync/internal/sessions"
	"github.com/kurobon/sessync/internal/vcs"
)

func newInitCmd(a *app) *cobra.Command {
	var fromRemote bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the session store for this project",
		Long: "Create the session store for the current project. Existing session logs are committed " +
			"for the current primary commit. With --from-remote the store is restored from the remote backup instead.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			p, err := a.project(ctx)
			if err != nil {
				return a.fail(err)
			}
			if fromRemote {
				rec, err := a.reconciler(p)
				if err != nil {
					return a.fail(err)
				}
				res, err := rec.Bootstrap(ctx)
				if err != nil {
					return a.fail(fmt.Errorf("restore session store: %w", err))
				}
				a.msg.Done("restored session store at %s from %s", p.store.Root(), a.cfg.Remote.URL)
				reportFetch(a, res)
				return nil
			}

			head, err := p.head(ctx)
			if err != nil {
				return a.fail(err)
			}
			n, err := sessions.New(p.store, sessions.WithLogger(a.log)).Init(ctx, head, false)
			if errors.Is(err, sessions.ErrAlreadyInitialized) {
				a.msg.Note("session store already exists at %s", p.store.Root())
				return nil
			}
			if err != nil {
				return a.fail(err)
			}
			a.msg.Done("initialized session store at %s with %d session(s)", p.store.Root(), n)
			return nil
		},
	}
	cmd.Flags().BoolVar(&fromRemote, "from-remote", false, "restore the store from the remote backup")
	return cmd
}

func newCaptureCmd(a *app) *cobra.Command {
	var push bool
	cmd := &cobra.Command{
		Use:   "capture",
		Short: "Commit session logs for the current primary commit (post-commit hook)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			p, err := a.project(ctx)
			if err != nil {
				return a.fail(err)
			}
			head, err := p.head(ctx)
			if err != nil {
				return a.fail(err)
			}
			made, err := sessions.New(p.store, sessions.WithLogger(a.log)).Capture(ctx, head)
			if errors.Is(err, vcs.ErrNotInitialized) {
				a.msg.Note("no session store for this project, run sessync init")
				return nil
			}
			if err != nil {
				return a.fail(err)
			}
			if !made {
				a.msg.Note("no session changes to capture")
				return nil
			}
			a.msg.Done("captured sessions for %s", head)
			if push {
				if err := a.pushInBackground(); err != nil {
					a.msg.Warn("could not start background push: %v", err)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&push, "push", false, "push to the remote in the background afterwards")
	return cmd
}

func newCheckoutSyncCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "checkout-sync <old-commit> <new-commit> <branch-flag>",
		Short: "Align the session store with a checkout (post-checkout hook)",
		Long: "Called from the post-checkout hook with the hook's three arguments. " +
			"It never fails the checkout: problems are reported and the exit status is always 0.",
		Args:        cobra.ExactArgs(3),
		Annotations: map[string]string{annotationAlwaysSucceed: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			p, err := a.project(ctx)
			if err != nil {
				a.msg.Error("%v", err)
				return nil
			}
			r := a.synchronizer(p).OnCheckout(ctx, args[0], args[1], args[2])
			reportCheckout(a, r)
			return nil
		},
	}
}

func reportCheckout(a *app, r *checkout.Report) {
	for _, n := range r.Notes {
		a.msg.Note("%s", n)
	}
	for _, w := range multierr.Errors(r.Warnings) {
		a.msg.Warn("%v", w)
	}
	switch r.Outcome {
	case checkout.Failed:
		a.msg.Error("session store not synchronized: %v", r.Err)
	case checkout.Synced:
		a.msg.Done("session store on %s at %s", r.Branch, short(r.Resolved))
		if r.Restored != "" {
			a.msg.Done("restored uncommitted sessions from %s", r.Restored)
		}
	}
}

func newSyncCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Pull the remote backup, or push when the remote is empty or unusable",
		Long: "Pull the remote backup into the session store, or push when the remote is empty or unusable. " +
			"When the project has no session store yet it is restored from the remote backup.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.project(cmd.Context())
			if err != nil {
				return a.fail(err)
			}
			rec, err := a.reconciler(p)
			if err != nil {
				return a.fail(err)
			}
			if err := rec.Sync(cmd.Context()); err != nil {
				if errors.Is(err, vcs.ErrNotInitialized) {
					err = fmt.Errorf("%w (run sessync init)", err)
				}
				return a.fail(err)
			}
			a.msg.Done("sessions synchronized with %s", a.cfg.Remote.URL)
			return nil
		},
	}
}

func newPullCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "pull",
		Short: "Merge the remote backup into the session store; the remote wins conflicts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := a.openReconciler(cmd.Context())
			if err != nil {
				return err
			}
			res, err := rec.Pull(cmd.Context())
			if errors.Is(err, reconcile.ErrRemoteEmpty) {
				a.msg.Note("nothing to pull, the remote is empty")
				return nil
			}
			if err != nil {
				return a.fail(err)
			}
			reportFetch(a, res)
			return nil
		},
	}
}

func reportFetch(a *app, res *vcs.FetchResult) {
	if res == nil {
		return
	}
	if c := res.Current; c != nil {
		a.msg.Done("%s: %s at %s", c.Branch, c.Outcome, short(c.Commit))
		if len(c.Overwritten) > 0 {
			a.msg.Warn("remote versions replaced local changes to %s", strings.Join(c.Overwritten, ", "))
		}
	}
	if len(res.Diverged) > 0 {
		a.msg.Note("diverged branches merge when next checked out and synced: %s", strings.Join(res.Diverged, ", "))
	}
	if res.Stash != "" {
		a.msg.Warn("local changes could not be restored and remain in the stash %q", res.Stash)
	}
}

func newPushCmd(a *app) *cobra.Command {
	var background bool
	cmd := &cobra.Command{
		Use:   "push",
		Short: "Replace the remote backup with the session store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if background {
				if err := a.pushInBackground(); err != nil {
					return a.fail(err)
				}
				a.msg.Done("push started in the background")
				return nil
			}
			rec, err := a.openReconciler(cmd.Context())
			if err != nil {
				return err
			}
			if err := rec.Push(cmd.Context()); err != nil {
				return a.fail(err)
			}
			a.msg.Done("pushed sessions to %s", a.cfg.Remote.URL)
			return nil
		},
	}
	cmd.Flags().BoolVar(&background, "background", false, "push from a detached process and return immediately")
	return cmd
}

func (a *app) openReconciler(ctx context.Context) (*reconcile.Reconciler, error) {
	p, err := a.project(ctx)
	if err != nil {
		return nil, a.fail(err)
	}
	if !p.store.Initialized() {
		return nil, a.fail(fmt.Errorf("%s: %w (run sessync init)", p.store.Root(), vcs.ErrNotInitialized))
	}
	rec, err := a.reconciler(p)
	if err != nil {
		return nil, a.fail(err)
	}
	return rec, nil
}

// pushInBackground re-executes sessync as a detached process so the push
// outlives the hook that triggered it.
func (a *app) pushInBackground() error {
	self, err := os.Executable()
	if err != nil {
		return err
	}
	args := []string{"push", "--dir", a.dir, "--log-level", "none"}
	if a.configFile != "" {
		args = append(args, "--config", a.configFile)
	}
	if a.engine != "" {
		args = append(args, "--engine", a.engine)
	}
	child := exec.Command(self, args...)
	detach(child)
	if err := child.Start(); err != nil {
		return err
	}
	a.log.Debug("background push started", zap.Int("pid", child.Process.Pid))
	return child.Process.Release()
}

func newResolveCmd(a *app) *cobra.Command {
	var direct bool
	cmd := &cobra.Command{
		Use:   "resolve <commit>",
		Short: "Show which session snapshot belongs to a primary commit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			p, err := a.project(ctx)
			if err != nil {
				return a.fail(err)
			}
			r := correlate.New(p.store, p.primary, correlate.WithLogger(a.log))
			out := a.out(cmd)
			if direct || !a.cfg.Ancestry {
				c, err := r.Resolve(ctx, args[0])
				if err != nil {
					return a.fail(err)
				}
				_, _ = fmt.Fprintln(out, c)
				return nil
			}
			m, err := r.ResolveWithAncestry(ctx, args[0], a.cfg.MaxDepth)
			if err != nil {
				return a.fail(err)
			}
			_, _ = fmt.Fprintln(out, m.Secondary)
			if m.Depth > 0 {
				a.msg.Note("matched ancestor %s, %d generation(s) back", m.Primary, m.Depth)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&direct, "direct", false, "only accept an exact match")
	return cmd
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Describe the session store of this project",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			p, err := a.project(ctx)
			if err != nil {
				return a.fail(err)
			}
			out := a.out(cmd)
			line := func(k, v string) { _, _ = fmt.Fprintf(out, "%-10s %s\n", k+":", v) }

			line("project", p.root)
			line("store", p.store.Root())
			if !p.store.Initialized() {
				line("state", "not initialized")
				return nil
			}
			branch, err := p.store.CurrentBranch(ctx)
			if err != nil {
				return a.fail(err)
			}
			line("branch", branch)
			head, err := p.store.CurrentCommit(ctx)
			switch {
			case errors.Is(err, vcs.ErrNoCommits):
				line("head", "(no commits)")
			case err != nil:
				return a.fail(err)
			default:
				line("head", head)
			}
			dirty, err := p.store.HasChanges(ctx)
			if err != nil {
				return a.fail(err)
			}
			line("changes", fmt.Sprint(dirty))
			files, err := sessions.New(p.store).SessionFiles()
			if err != nil {
				return a.fail(err)
			}
			line("sessions", fmt.Sprint(len(files)))
			stashes, err := p.store.StashList(ctx)
			if err != nil {
				return a.fail(err)
			}
			line("stashes", fmt.Sprint(len(stashes)))
			if remote, err := a.remote(); err == nil {
				line("remote", remote.String())
			} else {
				line("remote", "(none)")
			}
			return nil
		},
	}
}

func short(commit string) string {
	if len(commit) > 12 {
		return commit[:12]
	}
	return commit
}
