package gitcli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kurobon/sessync/internal/vcs"
)

// withTempFile hands fn a path inside a private temporary directory that is
// removed afterwards.
func withTempFile(fn func(path string) error) error {
	dir, err := os.MkdirTemp("", "sessync-bundle-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)
	return fn(filepath.Join(dir, "repo.bundle"))
}

func (e *Engine) BundleCreateAll(ctx context.Context) ([]byte, error) {
	refs, err := e.lines(ctx, "for-each-ref", "--count=1", "--format=%(refname)")
	if err != nil {
		return nil, err
	}
	if len(refs) == 0 {
		return nil, vcs.ErrNoCommits
	}

	var data []byte
	err = withTempFile(func(path string) error {
		if _, err := e.run(ctx, "bundle", "create", "--quiet", path, "--all"); err != nil {
			return err
		}
		data, err = os.ReadFile(path)
		return err
	})
	return data, err
}

func (e *Engine) BundleFetch(ctx context.Context, bundle []byte) (map[string]string, error) {
	heads := make(map[string]string)
	err := withTempFile(func(path string) error {
		if err := os.WriteFile(path, bundle, 0o600); err != nil {
			return err
		}
		lines, err := e.lines(ctx, "bundle", "list-heads", path)
		if err != nil {
			return fmt.Errorf("%w: %w", vcs.ErrInvalidBundle, err)
		}
		for _, line := range lines {
			id, ref, ok := strings.Cut(line, " ")
			if !ok {
				continue
			}
			if name, ok := strings.CutPrefix(ref, "refs/heads/"); ok {
				heads[name] = id
			}
		}
		if len(heads) == 0 {
			return nil
		}
		_, err = e.run(ctx, "fetch", "--quiet", "--no-tags", "--force", path,
			"refs/heads/*:"+vcs.StagingPrefix+"*")
		return err
	})
	if err != nil {
		return nil, err
	}
	return heads, nil
}
