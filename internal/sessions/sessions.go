// Package sessions manages the lifecycle of a session store: where it lives,
// creating it and capturing session logs after primary-project commits.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/kurobon/sessync/internal/vcs"
)

// ErrAlreadyInitialized is returned by Init when the store already has a repository.
var ErrAlreadyInitialized = errors.New("session store already initialized")

const (
	// InitialMessage marks the designated empty root commit.
	InitialMessage = "Empty initial state"
	// Pattern selects session logs.
	Pattern = "*.jsonl"
)

// ContextMessage is the commit message tying a capture to a primary commit.
func ContextMessage(primaryCommit string) string {
	return "Context for main repo commit " + primaryCommit
}

// EncodePath turns an absolute project path into the directory name the
// Claude client uses under ~/.claude/projects.
func EncodePath(abs string) string {
	return strings.NewReplacer("/", "-", "\\", "-", "_", "-").Replace(abs)
}

// Dir returns the session store directory for the project at toplevel.
func Dir(home, toplevel string) (string, error) {
	abs, err := filepath.Abs(toplevel)
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".claude", "projects", EncodePath(abs)), nil
}

// Store is a session store directory and the engine versioning it.
type Store struct {
	engine vcs.Engine
	fs     afero.Fs
	dir    string
	log    *zap.Logger
}

type Option func(*Store)

// WithFs reads session files through fs instead of the OS filesystem.
func WithFs(fs afero.Fs) Option {
	return func(s *Store) { s.fs = fs }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// New returns the store versioned by engine, whose files live at engine.Root().
func New(engine vcs.Engine, opts ...Option) *Store {
	s := &Store{engine: engine, fs: afero.NewOsFs(), dir: engine.Root(), log: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Dir() string { return s.dir }

// SessionFiles lists session logs in the store root, sorted.
func (s *Store) SessionFiles() ([]string, error) {
	matches, err := afero.Glob(s.fs, filepath.Join(s.dir, Pattern))
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(matches))
	for _, m := range matches {
		if fi, err := s.fs.Stat(m); err == nil && !fi.IsDir() {
			files = append(files, filepath.Base(m))
		}
	}
	sort.Strings(files)
	return files, nil
}

// Init creates the repository. Unless skipInitial is set it records the empty
// initial commit and then commits any existing session logs tagged with
// primaryHead. It returns the number of session logs found.
func (s *Store) Init(ctx context.Context, primaryHead string, skipInitial bool) (int, error) {
	if s.engine.Initialized() {
		return 0, fmt.Errorf("%s: %w", s.dir, ErrAlreadyInitialized)
	}
	if err := s.fs.MkdirAll(s.dir, 0o755); err != nil {
		return 0, fmt.Errorf("create session store: %w", err)
	}
	if err := s.engine.Init(ctx); err != nil {
		return 0, err
	}
	files, err := s.SessionFiles()
	if err != nil {
		return 0, err
	}
	if skipInitial {
		return len(files), nil
	}

	if _, err := s.engine.Commit(ctx, InitialMessage, true); err != nil {
		return 0, fmt.Errorf("create initial commit: %w", err)
	}
	if len(files) == 0 {
		return 0, nil
	}
	if err := s.engine.Add(ctx, Pattern); err != nil {
		return 0, err
	}
	msg := "Initial Claude sessions\n" + ContextMessage(primaryHead)
	if _, err := s.engine.Commit(ctx, msg, false); err != nil && !errors.Is(err, vcs.ErrNothingToCommit) {
		return 0, fmt.Errorf("commit existing sessions: %w", err)
	}
	s.log.Info("session store initialized", zap.String("dir", s.dir), zap.Int("sessions", len(files)))
	return len(files), nil
}

// Capture commits the current session logs for primaryHead. It reports
// whether a commit was made.
func (s *Store) Capture(ctx context.Context, primaryHead string) (bool, error) {
	if !s.engine.Initialized() {
		return false, vcs.ErrNotInitialized
	}
	files, err := s.SessionFiles()
	if err != nil {
		return false, err
	}
	if len(files) == 0 {
		return false, nil
	}
	if err := s.engine.Add(ctx, Pattern); err != nil {
		return false, err
	}
	commit, err := s.engine.Commit(ctx, ContextMessage(primaryHead), false)
	if errors.Is(err, vcs.ErrNothingToCommit) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("capture sessions: %w", err)
	}
	s.log.Info("sessions captured", zap.String("primary", primaryHead), zap.String("commit", commit))
	return true, nil
}
