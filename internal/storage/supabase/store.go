// Package supabase is a storage.Store over the Supabase Storage REST API.
package supabase

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	"github.com/kurobon/sessync/internal/storage"
)

const objectPath = "/storage/v1/object/"

// Option configures the store.
type Option func(*supabaseStore)

// HTTPClient replaces the default http.Client.
func HTTPClient(c *http.Client) Option {
	return func(s *supabaseStore) { s.client = c }
}

// PublicReads downloads through the unauthenticated public object route,
// which only works for public buckets.
func PublicReads() Option {
	return func(s *supabaseStore) { s.public = true }
}

// New returns a store for bucket at the project url authenticated with
// serviceKey.
func New(projectURL, serviceKey, bucket string, opts ...Option) storage.Store {
	s := &supabaseStore{
		base:   strings.TrimRight(projectURL, "/"),
		key:    serviceKey,
		bucket: bucket,
		client: http.DefaultClient,
	}
	for _, apply := range opts {
		apply(s)
	}
	return s
}

type supabaseStore struct {
	base   string
	key    string
	bucket string
	public bool
	client *http.Client
}

func (s *supabaseStore) String() string {
	return "supabase@" + s.base + "/" + s.bucket
}

func (s *supabaseStore) objectURL(key string, public bool) string {
	route := objectPath
	if public {
		route += "public/"
	}
	return s.base + route + url.PathEscape(s.bucket) + "/" + escapeKey(key)
}

func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

func (s *supabaseStore) newRequest(ctx context.Context, method, target string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.key)
	req.Header.Set("apikey", s.key)
	return req, nil
}

func (s *supabaseStore) Has(ctx context.Context, key string) (bool, error) {
	req, err := s.newRequest(ctx, http.MethodHead, s.objectURL(key, false), nil)
	if err != nil {
		return false, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("head %s: %w", key, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return true, nil
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusBadRequest:
		return false, nil
	default:
		return false, statusError(resp)
	}
}

func (s *supabaseStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	req, err := s.newRequest(ctx, http.MethodGet, s.objectURL(key, s.public), nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", key, err)
	}
	if resp.StatusCode == http.StatusOK {
		return resp.Body, nil
	}
	defer resp.Body.Close()
	return nil, statusError(resp)
}

// Put uploads with a multipart POST. When the object exists and the write is
// not exclusive it is replaced with a PUT of the raw bytes.
func (s *supabaseStore) Put(ctx context.Context, key string, source io.Reader, exclusive bool) error {
	data, err := io.ReadAll(source)
	if err != nil {
		return fmt.Errorf("read upload for %s: %w", key, err)
	}

	err = s.upload(ctx, http.MethodPost, key, data)
	if err == nil || exclusive || err != storage.ErrExists {
		return err
	}
	return s.upload(ctx, http.MethodPut, key, data)
}

func (s *supabaseStore) upload(ctx context.Context, method, key string, data []byte) error {
	var (
		body        io.Reader
		contentType string
	)
	if method == http.MethodPost {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		part, err := mw.CreateFormFile("file", key[strings.LastIndex(key, "/")+1:])
		if err != nil {
			return err
		}
		if _, err := part.Write(data); err != nil {
			return err
		}
		if err := mw.Close(); err != nil {
			return err
		}
		body, contentType = &buf, mw.FormDataContentType()
	} else {
		body, contentType = bytes.NewReader(data), "application/octet-stream"
	}

	req, err := s.newRequest(ctx, method, s.objectURL(key, false), body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated {
		return nil
	}
	return statusError(resp)
}

func (s *supabaseStore) Delete(ctx context.Context, key string) error {
	req, err := s.newRequest(ctx, http.MethodDelete, s.objectURL(key, false), nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	if err := statusError(resp); err != storage.ErrNotFound {
		return err
	}
	return nil
}

// statusError maps a failed response to a storage error. Supabase reports a
// missing object either as 404 or as 400 with a not_found body, and an
// existing object on upload as 409 or as 400 with a Duplicate body.
func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(body))
	lower := strings.ToLower(msg)

	switch {
	case resp.StatusCode == http.StatusNotFound,
		resp.StatusCode == http.StatusBadRequest && strings.Contains(lower, "not_found"),
		resp.StatusCode == http.StatusBadRequest && strings.Contains(lower, "not found"):
		return storage.ErrNotFound
	case resp.StatusCode == http.StatusConflict,
		resp.StatusCode == http.StatusBadRequest && strings.Contains(lower, "duplicate"):
		return storage.ErrExists
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: status %d: %s", storage.ErrForbidden, resp.StatusCode, msg)
	default:
		return fmt.Errorf("supabase storage error: status %d: %s", resp.StatusCode, msg)
	}
}
