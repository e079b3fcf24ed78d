package git

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/format/packfile"
	"github.com/go-git/go-git/v5/plumbing/revlist"

	"github.com/kurobon/sessync/internal/vcs"
)

const (
	bundleV2 = "# v2 git bundle"
	bundleV3 = "# v3 git bundle"
)

// BundleCreateAll writes a v2 bundle: a signature line, one "<id> <ref>"
// line per ref, a blank line and a packfile holding everything reachable.
// The output is readable by `git bundle` and `git fetch`.
func (e *Engine) BundleCreateAll(ctx context.Context) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	repo, err := e.open()
	if err != nil {
		return nil, err
	}

	refs, err := bundleRefs(repo)
	if err != nil {
		return nil, err
	}
	if len(refs) == 0 {
		return nil, vcs.ErrNoCommits
	}

	tips := make([]plumbing.Hash, 0, len(refs))
	seen := make(map[plumbing.Hash]bool)
	for _, r := range refs {
		if !seen[r.Hash()] {
			seen[r.Hash()] = true
			tips = append(tips, r.Hash())
		}
	}
	objects, err := revlist.Objects(repo.Storer, tips, nil)
	if err != nil {
		return nil, fmt.Errorf("list objects: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString(bundleV2 + "\n")
	for _, r := range refs {
		fmt.Fprintf(&buf, "%s %s\n", r.Hash(), r.Name())
	}
	buf.WriteString("\n")

	enc := packfile.NewEncoder(&buf, repo.Storer, false)
	if _, err := enc.Encode(objects, 10); err != nil {
		return nil, fmt.Errorf("encode packfile: %w", err)
	}
	return buf.Bytes(), nil
}

// bundleRefs returns every hash ref plus HEAD, sorted by name.
func bundleRefs(repo *gogit.Repository) ([]*plumbing.Reference, error) {
	iter, err := repo.References()
	if err != nil {
		return nil, err
	}
	var refs []*plumbing.Reference
	err = iter.ForEach(func(r *plumbing.Reference) error {
		if r.Type() == plumbing.HashReference && r.Name() != plumbing.HEAD {
			refs = append(refs, r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Name() < refs[j].Name() })
	if head, err := repo.Head(); err == nil {
		refs = append(refs, plumbing.NewHashReference(plumbing.HEAD, head.Hash()))
	}
	return refs, nil
}

// BundleFetch stores the bundle's objects and points a staging ref at every
// branch head it carries.
func (e *Engine) BundleFetch(ctx context.Context, bundle []byte) (map[string]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	repo, err := e.open()
	if err != nil {
		return nil, err
	}

	r := bufio.NewReader(bytes.NewReader(bundle))
	heads, prerequisites, err := readBundleHeader(r)
	if err != nil {
		return nil, err
	}
	if len(heads) == 0 {
		return map[string]string{}, nil
	}
	for _, p := range prerequisites {
		if _, err := repo.CommitObject(p); err != nil {
			return nil, fmt.Errorf("bundle requires missing commit %s: %w", p, vcs.ErrInvalidBundle)
		}
	}

	if err := packfile.UpdateObjectStorage(repo.Storer, r); err != nil {
		return nil, fmt.Errorf("unpack bundle: %w", err)
	}

	branches := make(map[string]string)
	for name, h := range heads {
		ref := plumbing.ReferenceName(name)
		if !ref.IsBranch() {
			continue
		}
		staging := plumbing.ReferenceName(vcs.StagingPrefix + ref.Short())
		if err := repo.Storer.SetReference(plumbing.NewHashReference(staging, h)); err != nil {
			return nil, err
		}
		branches[ref.Short()] = h.String()
	}
	return branches, nil
}

func readBundleHeader(r *bufio.Reader) (map[string]plumbing.Hash, []plumbing.Hash, error) {
	sig, err := r.ReadString('\n')
	if err != nil {
		return nil, nil, fmt.Errorf("read signature: %w", vcs.ErrInvalidBundle)
	}
	sig = strings.TrimSuffix(sig, "\n")
	if sig != bundleV2 && sig != bundleV3 {
		return nil, nil, fmt.Errorf("unknown signature %q: %w", sig, vcs.ErrInvalidBundle)
	}

	heads := make(map[string]plumbing.Hash)
	var prerequisites []plumbing.Hash
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				return nil, nil, fmt.Errorf("truncated header: %w", vcs.ErrInvalidBundle)
			}
			return nil, nil, err
		}
		line = strings.TrimSuffix(line, "\n")
		switch {
		case line == "":
			return heads, prerequisites, nil
		case strings.HasPrefix(line, "@"):
			// v3 capability
		case strings.HasPrefix(line, "-"):
			id, _, _ := strings.Cut(line[1:], " ")
			prerequisites = append(prerequisites, plumbing.NewHash(id))
		default:
			id, name, ok := strings.Cut(line, " ")
			if !ok || len(id) != 40 {
				return nil, nil, fmt.Errorf("malformed ref line %q: %w", line, vcs.ErrInvalidBundle)
			}
			heads[name] = plumbing.NewHash(id)
		}
	}
}
