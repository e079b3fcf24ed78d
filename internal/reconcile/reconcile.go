// Package reconcile keeps a session store and its remote backup in step.
//
// The remote holds a single bundle of every ref. Pulling merges that bundle
// into the local store with the remote winning conflicts, pushing replaces
// it with a fresh bundle of the local store. Every operation holds an
// exclusive file lock so concurrent hooks and background pushes on the same
// store never interleave.
package reconcile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/kurobon/sessync/internal/sessions"
	"github.com/kurobon/sessync/internal/storage"
	"github.com/kurobon/sessync/internal/vcs"
)

var (
	// ErrRemoteEmpty is returned by Pull when nothing was ever pushed.
	ErrRemoteEmpty = errors.New("remote has no session backup")

	// ErrLocked is returned when another sync holds the store lock past the wait budget.
	ErrLocked = errors.New("session store is locked by another sync")
)

const (
	DefaultDownloadTimeout = 30 * time.Second
	DefaultUploadTimeout   = 60 * time.Second
	DefaultLockWait        = 2 * time.Minute

	lockRetry = 100 * time.Millisecond
)

// Reconciler synchronizes one session store with one remote object.
type Reconciler struct {
	engine vcs.Engine
	store  storage.Store
	key    string

	lockPath        string
	lockWait        time.Duration
	downloadTimeout time.Duration
	uploadTimeout   time.Duration
	log             *zap.Logger

	inflight sync.WaitGroup
}

type Option func(*Reconciler)

// WithKey sets the remote object name.
func WithKey(key string) Option {
	return func(r *Reconciler) {
		if key != "" {
			r.key = key
		}
	}
}

// WithLockDir places the store lock file in dir.
func WithLockDir(dir string) Option {
	return func(r *Reconciler) {
		if dir != "" {
			r.lockPath = lockFile(dir, r.engine.Root())
		}
	}
}

// WithLockWait bounds how long an operation waits for the store lock.
func WithLockWait(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.lockWait = d
		}
	}
}

// WithTimeouts sets the download and upload deadlines. Zero keeps the default.
func WithTimeouts(download, upload time.Duration) Option {
	return func(r *Reconciler) {
		if download > 0 {
			r.downloadTimeout = download
		}
		if upload > 0 {
			r.uploadTimeout = upload
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(r *Reconciler) {
		if l != nil {
			r.log = l
		}
	}
}

// New returns a Reconciler for the store versioned by engine.
func New(engine vcs.Engine, store storage.Store, opts ...Option) *Reconciler {
	r := &Reconciler{
		engine:          engine,
		store:           store,
		key:             storage.DefaultKey,
		lockPath:        lockFile(filepath.Join(os.TempDir(), "sessync"), engine.Root()),
		lockWait:        DefaultLockWait,
		downloadTimeout: DefaultDownloadTimeout,
		uploadTimeout:   DefaultUploadTimeout,
		log:             zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.With(zap.String("store", engine.Root()), zap.Stringer("remote", store))
	return r
}

func lockFile(dir, root string) string {
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}
	return filepath.Join(dir, sessions.EncodePath(root)+".lock")
}

// LockPath is the file guarding this store.
func (r *Reconciler) LockPath() string { return r.lockPath }

// withLock runs fn while holding the store lock.
func (r *Reconciler) withLock(ctx context.Context, fn func() error) error {
	if err := os.MkdirAll(filepath.Dir(r.lockPath), 0o755); err != nil {
		return fmt.Errorf("create lock directory: %w", err)
	}
	lock := flock.New(r.lockPath)

	waitCtx, cancel := context.WithTimeout(ctx, r.lockWait)
	defer cancel()
	locked, err := lock.TryLockContext(waitCtx, lockRetry)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("lock %s: %w", r.lockPath, err)
	}
	if !locked {
		return ErrLocked
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			r.log.Warn("could not release store lock", zap.String("lock", r.lockPath), zap.Error(err))
		}
	}()
	return fn()
}

// Sync pulls and falls back to pushing when the pull did not succeed, so a
// fresh remote is seeded and an unreachable or corrupt one is overwritten
// with local state. A store that does not exist yet is bootstrapped from the
// remote.
func (r *Reconciler) Sync(ctx context.Context) error {
	return r.withLock(ctx, func() error {
		if !r.engine.Initialized() {
			_, err := r.bootstrap(ctx)
			if errors.Is(err, ErrRemoteEmpty) {
				return fmt.Errorf("%w: %w", vcs.ErrNotInitialized, err)
			}
			return err
		}
		_, err := r.pull(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, vcs.ErrNotInitialized) {
			return err
		}
		if errors.Is(err, ErrRemoteEmpty) {
			r.log.Info("remote is empty, pushing local sessions")
		} else {
			r.log.Warn("pull failed, pushing local sessions instead", zap.Error(err))
		}
		if perr := r.push(ctx); perr != nil {
			return fmt.Errorf("pull failed (%v), push failed: %w", err, perr)
		}
		return nil
	})
}

// Pull merges the remote bundle into the local store.
func (r *Reconciler) Pull(ctx context.Context) (*vcs.FetchResult, error) {
	var res *vcs.FetchResult
	err := r.withLock(ctx, func() error {
		var err error
		res, err = r.pull(ctx)
		return err
	})
	return res, err
}

func (r *Reconciler) pull(ctx context.Context) (*vcs.FetchResult, error) {
	if !r.engine.Initialized() {
		return nil, vcs.ErrNotInitialized
	}
	bundle, err := r.download(ctx)
	if err != nil {
		return nil, err
	}
	res, err := vcs.FetchAndMerge(ctx, r.engine, bundle, vcs.TheirsWins, r.log)
	if err != nil {
		return nil, err
	}
	r.report(res)
	return res, nil
}

func (r *Reconciler) download(ctx context.Context) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, r.downloadTimeout)
	defer cancel()

	bundle, err := storage.ReadAll(ctx, r.store, r.key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrRemoteEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", r.key, err)
	}
	if len(bundle) == 0 {
		return nil, ErrRemoteEmpty
	}
	return bundle, nil
}

func (r *Reconciler) report(res *vcs.FetchResult) {
	if res.Current != nil {
		r.log.Info("pulled remote sessions",
			zap.String("branch", res.Current.Branch),
			zap.String("outcome", string(res.Current.Outcome)),
			zap.String("commit", res.Current.Commit))
		for _, p := range res.Current.Overwritten {
			r.log.Warn("local session file replaced by remote version",
				zap.String("branch", res.Current.Branch), zap.String("path", p))
		}
	}
	for _, b := range res.Created {
		r.log.Info("branch created from remote", zap.String("branch", b))
	}
	for _, b := range res.FastForwarded {
		r.log.Info("branch fast-forwarded to remote", zap.String("branch", b))
	}
	if res.Stash != "" {
		r.log.Warn("local changes could not be restored after the merge and remain stashed",
			zap.String("stash", res.Stash))
	}
}

// Push replaces the remote bundle with the full local store. The last push wins.
func (r *Reconciler) Push(ctx context.Context) error {
	return r.withLock(ctx, func() error { return r.push(ctx) })
}

func (r *Reconciler) push(ctx context.Context) error {
	if !r.engine.Initialized() {
		return vcs.ErrNotInitialized
	}
	bundle, err := r.engine.BundleCreateAll(ctx)
	if err != nil {
		return fmt.Errorf("bundle session store: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.uploadTimeout)
	defer cancel()
	if err := r.store.Put(ctx, r.key, bytes.NewReader(bundle), false); err != nil {
		return fmt.Errorf("upload %s: %w", r.key, err)
	}
	r.log.Info("pushed sessions", zap.Int("bytes", len(bundle)))
	return nil
}

// PushAsync pushes in the background. Failures are only logged.
func (r *Reconciler) PushAsync(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	r.inflight.Add(1)
	go func() {
		defer r.inflight.Done()
		if err := r.Push(ctx); err != nil {
			r.log.Warn("background push failed", zap.Error(err))
		}
	}()
}

// Wait blocks until background pushes have finished.
func (r *Reconciler) Wait() {
	r.inflight.Wait()
}

// Bootstrap creates the store from the remote backup. The store must not
// exist yet, and an empty remote is an error. The repository is created
// without the initial commit so the remote history is adopted unchanged.
func (r *Reconciler) Bootstrap(ctx context.Context) (*vcs.FetchResult, error) {
	var res *vcs.FetchResult
	err := r.withLock(ctx, func() error {
		var err error
		res, err = r.bootstrap(ctx)
		return err
	})
	return res, err
}

func (r *Reconciler) bootstrap(ctx context.Context) (*vcs.FetchResult, error) {
	if r.engine.Initialized() {
		return nil, fmt.Errorf("%s: %w", r.engine.Root(), sessions.ErrAlreadyInitialized)
	}
	bundle, err := r.download(ctx)
	if err != nil {
		return nil, err
	}
	if err := r.engine.Init(ctx); err != nil {
		return nil, err
	}
	res, err := vcs.FetchAndMerge(ctx, r.engine, bundle, vcs.TheirsWins, r.log)
	if err != nil {
		return nil, err
	}
	r.report(res)
	r.log.Info("session store restored from remote", zap.String("root", r.engine.Root()))
	return res, nil
}
