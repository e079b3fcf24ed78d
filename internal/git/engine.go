// Package git implements vcs.Engine on go-git.
//
// An Engine is either backed by a directory on disk (Open) or fully in memory
// (NewMemory). The in-memory form is what package tests across the module use
// in place of the git binary.
package git

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/osfs"
	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/cache"
	"github.com/go-git/go-git/v5/storage"
	"github.com/go-git/go-git/v5/storage/filesystem"
	"github.com/go-git/go-git/v5/storage/memory"

	"github.com/kurobon/sessync/internal/vcs"
)

// DefaultBranch is the branch a freshly initialized repository starts on.
const DefaultBranch = "main"

// Engine drives one repository through go-git.
type Engine struct {
	mu sync.Mutex

	root    string
	fs      billy.Filesystem
	storage storage.Storer
	repo    *gogit.Repository

	identity Identity
}

var _ vcs.Engine = (*Engine)(nil)

// Option configures an Engine.
type Option func(*Engine)

// WithIdentity sets the signature used for commits the engine creates.
func WithIdentity(id Identity) Option {
	return func(e *Engine) { e.identity = id }
}

// Open returns an engine for the working tree at dir. The repository does not
// have to exist yet; Init creates it.
func Open(dir string, opts ...Option) *Engine {
	fs := osfs.New(dir)
	dot, _ := fs.Chroot(gogit.GitDirName)
	e := &Engine{
		root:     dir,
		fs:       fs,
		storage:  filesystem.NewStorage(dot, cache.NewObjectLRUDefault()),
		identity: DefaultIdentity(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewMemory returns an engine whose working tree and object store live in
// memory. name is reported by Root.
func NewMemory(name string, opts ...Option) *Engine {
	e := &Engine{
		root:     name,
		fs:       memfs.New(),
		storage:  memory.NewStorage(),
		identity: DefaultIdentity(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// FromRepository wraps an already opened repository.
func FromRepository(name string, repo *gogit.Repository, opts ...Option) (*Engine, error) {
	w, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("repository has no worktree: %w", err)
	}
	st, ok := repo.Storer.(storage.Storer)
	if !ok {
		return nil, fmt.Errorf("unsupported storer %T", repo.Storer)
	}
	e := &Engine{
		root:     name,
		fs:       w.Filesystem,
		storage:  st,
		repo:     repo,
		identity: DefaultIdentity(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func (e *Engine) Root() string { return e.root }

// Filesystem exposes the working tree.
func (e *Engine) Filesystem() billy.Filesystem { return e.fs }

// Repository exposes the underlying go-git repository, opening it if needed.
func (e *Engine) Repository() (*gogit.Repository, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.open()
}

func (e *Engine) Initialized() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, err := e.open()
	return err == nil
}

func (e *Engine) Init(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.open(); err == nil {
		return nil
	}
	repo, err := gogit.InitWithOptions(e.storage, e.fs, gogit.InitOptions{
		DefaultBranch: plumbing.NewBranchReferenceName(DefaultBranch),
	})
	if err != nil {
		return fmt.Errorf("init repository at %s: %w", e.root, err)
	}
	e.repo = repo
	return nil
}

// open must be called with mu held.
func (e *Engine) open() (*gogit.Repository, error) {
	if e.repo != nil {
		return e.repo, nil
	}
	repo, err := gogit.Open(e.storage, e.fs)
	if err != nil {
		if errors.Is(err, gogit.ErrRepositoryNotExists) {
			return nil, vcs.ErrNotInitialized
		}
		return nil, err
	}
	e.repo = repo
	return repo, nil
}

// worktree must be called with mu held.
func (e *Engine) worktree() (*gogit.Repository, *gogit.Worktree, error) {
	repo, err := e.open()
	if err != nil {
		return nil, nil, err
	}
	w, err := repo.Worktree()
	if err != nil {
		return nil, nil, err
	}
	return repo, w, nil
}

// head returns the commit HEAD resolves to. Must be called with mu held.
func headHash(repo *gogit.Repository) (plumbing.Hash, error) {
	ref, err := repo.Head()
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return plumbing.ZeroHash, vcs.ErrNoCommits
		}
		return plumbing.ZeroHash, err
	}
	return ref.Hash(), nil
}

// Toplevel returns the root of the working tree containing dir.
func Toplevel(dir string) (string, error) {
	repo, err := gogit.PlainOpenWithOptions(dir, &gogit.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return "", fmt.Errorf("%s is not inside a git working tree: %w", dir, err)
	}
	w, err := repo.Worktree()
	if err != nil {
		return "", err
	}
	return w.Filesystem.Root(), nil
}
