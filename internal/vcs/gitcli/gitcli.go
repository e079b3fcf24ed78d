// Package gitcli implements vcs.Engine by running the git binary. Every
// command targets the engine's directory with "git -C <dir>".
package gitcli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/kurobon/sessync/internal/vcs"
)

// Error is a failed git invocation.
type Error struct {
	Args     []string
	Dir      string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("git %s in %s: %v (stderr: %s)", strings.Join(e.Args, " "), e.Dir, e.Err, e.Stderr)
}

func (e *Error) Unwrap() error { return e.Err }

// exitCode returns the exit status of a failed git invocation, or -1 when the
// process did not run to completion.
func exitCode(err error) int {
	var gitErr *Error
	if errors.As(err, &gitErr) {
		return gitErr.ExitCode
	}
	return -1
}

// Engine runs git against one working tree.
type Engine struct {
	dir    string
	binary string
	config []string
}

var _ vcs.Engine = (*Engine)(nil)

// Option configures an Engine.
type Option func(*Engine)

// WithBinary overrides the git executable.
func WithBinary(path string) Option {
	return func(e *Engine) { e.binary = path }
}

// WithIdentity sets user.name and user.email for every command. Without it
// git falls back to the user's own configuration.
func WithIdentity(name, email string) Option {
	return func(e *Engine) {
		if name != "" {
			e.config = append(e.config, "-c", "user.name="+name)
		}
		if email != "" {
			e.config = append(e.config, "-c", "user.email="+email)
		}
	}
}

// New returns an engine for the working tree at dir.
func New(dir string, opts ...Option) *Engine {
	e := &Engine{dir: dir, binary: "git"}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Root() string { return e.dir }

// run executes git and returns stdout. Stderr is folded into the error.
func (e *Engine) run(ctx context.Context, args ...string) (string, error) {
	full := make([]string, 0, len(e.config)+len(args)+2)
	full = append(full, "-C", e.dir)
	full = append(full, e.config...)
	full = append(full, args...)

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, e.binary, full...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// Never block on an editor or credential prompt.
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "GIT_EDITOR=true", "GIT_MERGE_AUTOEDIT=no")

	if err := cmd.Run(); err != nil {
		code := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
		return stdout.String(), &Error{
			Args:     args,
			Dir:      e.dir,
			ExitCode: code,
			Stderr:   strings.TrimSpace(stderr.String()),
			Err:      err,
		}
	}
	return stdout.String(), nil
}

// lines runs git and splits trimmed stdout into non-empty lines.
func (e *Engine) lines(ctx context.Context, args ...string) ([]string, error) {
	out, err := e.run(ctx, args...)
	if err != nil {
		return nil, err
	}
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines, nil
}

func (e *Engine) Initialized() bool {
	_, err := os.Stat(filepath.Join(e.dir, ".git"))
	return err == nil
}

func (e *Engine) Init(ctx context.Context) error {
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", e.dir, err)
	}
	_, err := e.run(ctx, "init", "--quiet")
	return err
}

func (e *Engine) Add(ctx context.Context, pathspecs ...string) error {
	args := append([]string{"add", "--all", "--"}, pathspecs...)
	if len(pathspecs) == 0 {
		args = append(args, ".")
	}
	_, err := e.run(ctx, args...)
	return err
}

func (e *Engine) Commit(ctx context.Context, message string, allowEmpty bool) (string, error) {
	args := []string{"commit", "--quiet", "--no-verify", "-m", message}
	if allowEmpty {
		args = append(args, "--allow-empty")
	} else {
		staged, err := e.run(ctx, "diff", "--cached", "--name-only")
		if err != nil {
			return "", err
		}
		if strings.TrimSpace(staged) == "" {
			return "", vcs.ErrNothingToCommit
		}
	}
	if _, err := e.run(ctx, args...); err != nil {
		return "", err
	}
	return e.CurrentCommit(ctx)
}

func (e *Engine) unborn(ctx context.Context) bool {
	_, err := e.CurrentCommit(ctx)
	return errors.Is(err, vcs.ErrNoCommits)
}

func (e *Engine) CurrentBranch(ctx context.Context) (string, error) {
	out, err := e.run(ctx, "symbolic-ref", "--short", "-q", "HEAD")
	if err != nil {
		if exitCode(err) == 1 {
			return vcs.DetachedHead, nil
		}
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (e *Engine) CurrentCommit(ctx context.Context) (string, error) {
	out, err := e.run(ctx, "rev-parse", "--verify", "-q", "HEAD^{commit}")
	if err != nil {
		if exitCode(err) == 1 {
			return "", vcs.ErrNoCommits
		}
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (e *Engine) HasChanges(ctx context.Context) (bool, error) {
	out, err := e.run(ctx, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

func (e *Engine) CheckoutOrCreateBranch(ctx context.Context, name, at string) error {
	if at != "" {
		_, err := e.run(ctx, "checkout", "--quiet", "-f", "-B", name, at)
		return err
	}
	if _, err := e.run(ctx, "show-ref", "--verify", "--quiet", "refs/heads/"+name); err == nil {
		_, err = e.run(ctx, "checkout", "--quiet", name)
		return err
	}
	_, err := e.run(ctx, "checkout", "--quiet", "-b", name)
	return err
}

func (e *Engine) CleanUntracked(ctx context.Context) error {
	_, err := e.run(ctx, "clean", "-f", "-d", "-q")
	return err
}

func (e *Engine) Branches(ctx context.Context) (map[string]string, error) {
	lines, err := e.lines(ctx, "for-each-ref", "--format=%(refname:short) %(objectname)", "refs/heads")
	if err != nil {
		return nil, err
	}
	heads := make(map[string]string, len(lines))
	for _, line := range lines {
		name, id, ok := strings.Cut(line, " ")
		if ok {
			heads[name] = id
		}
	}
	return heads, nil
}

func (e *Engine) UpdateBranch(ctx context.Context, name, commit string) error {
	_, err := e.run(ctx, "update-ref", "refs/heads/"+name, commit)
	return err
}

// Toplevel returns the root of the working tree containing dir.
func Toplevel(ctx context.Context, dir string, opts ...Option) (string, error) {
	out, err := New(dir, opts...).run(ctx, "rev-parse", "--show-toplevel")
	if err != nil {
		return "", fmt.Errorf("%s is not inside a git working tree: %w", dir, err)
	}
	return strings.TrimSpace(out), nil
}
