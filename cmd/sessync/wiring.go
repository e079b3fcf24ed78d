package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/kurobon/sessync/internal/checkout"
	"github.com/kurobon/sessync/internal/config"
	"github.com/kurobon/sessync/internal/git"
	"github.com/kurobon/sessync/internal/reconcile"
	"github.com/kurobon/sessync/internal/sessions"
	"github.com/kurobon/sessync/internal/storage"
	"github.com/kurobon/sessync/internal/storage/localfs"
	"github.com/kurobon/sessync/internal/storage/sthree"
	"github.com/kurobon/sessync/internal/storage/supabase"
	"github.com/kurobon/sessync/internal/vcs"
	"github.com/kurobon/sessync/internal/vcs/gitcli"
)

// errNoRemote is returned by commands that need a remote when none is configured.
var errNoRemote = errors.New("no remote configured: set remote.url, remote.service_key and remote.bucket " +
	"(or SUPABASE_URL, SUPABASE_SERVICE_KEY and SUPABASE_BUCKET)")

// project is the primary project and its session store.
type project struct {
	root    string
	primary vcs.Engine
	store   vcs.Engine
}

func (a *app) engineAt(dir string) vcs.Engine {
	id := a.cfg.Identity
	if a.cfg.Engine == config.EngineGoGit {
		var opts []git.Option
		if id.Name != "" || id.Email != "" {
			def := git.DefaultIdentity()
			if id.Name != "" {
				def.Name = id.Name
			}
			if id.Email != "" {
				def.Email = id.Email
			}
			opts = append(opts, git.WithIdentity(def))
		}
		return git.Open(dir, opts...)
	}
	return gitcli.New(dir, gitcli.WithIdentity(id.Name, id.Email))
}

func (a *app) project(ctx context.Context) (*project, error) {
	var (
		root string
		err  error
	)
	if a.cfg.Engine == config.EngineGoGit {
		root, err = git.Toplevel(a.dir)
	} else {
		root, err = gitcli.Toplevel(ctx, a.dir)
	}
	if err != nil {
		return nil, err
	}
	dir, err := sessions.Dir(a.cfg.Home, root)
	if err != nil {
		return nil, err
	}
	return &project{root: root, primary: a.engineAt(root), store: a.engineAt(dir)}, nil
}

// head is the primary project's current commit, empty when it has none.
func (p *project) head(ctx context.Context) (string, error) {
	c, err := p.primary.CurrentCommit(ctx)
	if errors.Is(err, vcs.ErrNoCommits) {
		return "", nil
	}
	return c, err
}

func (a *app) remote() (storage.Store, error) {
	r := a.cfg.Remote
	if r.Backend != config.BackendFile && !r.Configured() {
		return nil, errNoRemote
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	switch r.Backend {
	case config.BackendS3:
		client, err := sthree.Dial(r.URL, r.AccessKey, r.ServiceKey)
		if err != nil {
			return nil, fmt.Errorf("connect to %s: %w", r.URL, err)
		}
		return sthree.New(sthree.Client(client), sthree.Bucket(r.Bucket))
	case config.BackendFile:
		return localfs.NewDir(strings.TrimPrefix(r.URL, "file://")), nil
	default:
		opts := []supabase.Option{supabase.HTTPClient(&http.Client{})}
		if r.Public {
			opts = append(opts, supabase.PublicReads())
		}
		return supabase.New(r.URL, r.ServiceKey, r.Bucket, opts...), nil
	}
}

func (a *app) reconciler(p *project) (*reconcile.Reconciler, error) {
	remote, err := a.remote()
	if err != nil {
		return nil, err
	}
	return reconcile.New(p.store, remote,
		reconcile.WithKey(a.cfg.Remote.Key),
		reconcile.WithLockDir(a.cfg.LockDir),
		reconcile.WithTimeouts(a.cfg.Remote.DownloadTimeout, a.cfg.Remote.UploadTimeout),
		reconcile.WithLogger(a.log),
	), nil
}

func (a *app) synchronizer(p *project) *checkout.Synchronizer {
	return checkout.New(p.store, p.primary,
		checkout.WithAncestry(a.cfg.Ancestry),
		checkout.WithMaxDepth(a.cfg.MaxDepth),
		checkout.WithLogger(a.log),
	)
}
