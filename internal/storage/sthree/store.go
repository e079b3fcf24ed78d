// Package sthree is a storage.Store over any S3-compatible API through the
// minio client.
package sthree

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/kurobon/sessync/internal/storage"
)

// Option configures the store.
type Option func(*s3FS)

// Bucket selects the bucket objects live in.
func Bucket(bucket string) Option {
	return func(fs *s3FS) { fs.bucket = bucket }
}

// Prefix is prepended to every key.
func Prefix(prefix string) Option {
	return func(fs *s3FS) { fs.prefix = prefix }
}

// Client supplies an already configured minio client.
func Client(c *minio.Client) Option {
	return func(fs *s3FS) { fs.client = c }
}

// New returns a store for the bucket chosen by options. A client must be
// supplied with Client or built with Dial.
func New(option Option, options ...Option) (storage.Store, error) {
	fs := new(s3FS)
	option(fs)
	for _, apply := range options {
		apply(fs)
	}
	if fs.client == nil {
		return nil, fmt.Errorf("sthree: no client configured")
	}
	if fs.bucket == "" {
		return nil, fmt.Errorf("sthree: no bucket configured")
	}
	return fs, nil
}

// Dial builds a minio client from an endpoint URL such as
// https://s3.example.com; the scheme decides TLS.
func Dial(endpoint, accessKey, secretKey string) (*minio.Client, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint %q: %w", endpoint, err)
	}
	host := u.Host
	if host == "" {
		host = endpoint
	}
	return minio.New(host, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: u.Scheme == "https",
	})
}

type s3FS struct {
	bucket string
	prefix string
	client *minio.Client
}

func (s *s3FS) String() string {
	return "s3@" + s.client.EndpointURL().Host + "/" + s.bucket
}

func (s *s3FS) key(key string) string {
	return s.prefix + key
}

func (s *s3FS) Has(ctx context.Context, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, s.key(key), minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to get head request: %w", err)
	}
	return true, nil
}

func (s *s3FS) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, s.key(key), minio.GetObjectOptions{})
	if err != nil {
		return nil, translateError(err)
	}
	// GetObject is lazy: surface a missing key now rather than on first Read.
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		return nil, translateError(err)
	}
	return obj, nil
}

func (s *s3FS) Put(ctx context.Context, key string, source io.Reader, exclusive bool) error {
	if exclusive {
		has, err := s.Has(ctx, key)
		if err != nil {
			return err
		}
		if has {
			return storage.ErrExists
		}
	}
	_, err := s.client.PutObject(ctx, s.bucket, s.key(key), source, sizeOf(source), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	return translateError(err)
}

// sizeOf returns the unread length of in-memory readers, or -1 so minio
// falls back to a multipart upload.
func sizeOf(r io.Reader) int64 {
	if l, ok := r.(interface{ Len() int }); ok {
		return int64(l.Len())
	}
	return -1
}

func (s *s3FS) Delete(ctx context.Context, key string) error {
	return translateError(s.client.RemoveObject(ctx, s.bucket, s.key(key), minio.RemoveObjectOptions{}))
}

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.StatusCode == http.StatusNotFound || resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket"
}

func translateError(err error) error {
	if err == nil {
		return nil
	}
	if isNotFound(err) {
		return storage.ErrNotFound
	}
	switch minio.ToErrorResponse(err).StatusCode {
	case http.StatusForbidden, http.StatusUnauthorized:
		return fmt.Errorf("%w: %v", storage.ErrForbidden, err)
	}
	return err
}
