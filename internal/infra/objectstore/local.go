// Package objectstore keeps uploaded photo evidence on local disk and
// serves it back through the API's /files route.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// ErrInvalidPath is returned for object keys that escape the bucket.
var ErrInvalidPath = errors.New("invalid object path")

// Local stores objects under root/<bucket>/<path>.
type Local struct {
	root    string
	baseURL string
}

// NewLocal creates the root directory if needed. baseURL is the public
// prefix objects are served from, e.g. "http://127.0.0.1:8080/files".
func NewLocal(root, baseURL string) (*Local, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create object root: %w", err)
	}
	return &Local{root: root, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// Root returns the directory objects are written to.
func (l *Local) Root() string { return l.root }

// Upload writes r to bucket/p atomically and returns its public URL.
func (l *Local) Upload(ctx context.Context, bucket, p string, r io.Reader) (string, error) {
	full, err := l.resolve(bucket, p)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("create bucket dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(full), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("create temp object: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, readerWithContext(ctx, r)); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close object: %w", err)
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		return "", fmt.Errorf("commit object: %w", err)
	}
	return l.PublicURL(bucket, p), nil
}

// PublicURL returns the URL bucket/p is served from.
func (l *Local) PublicURL(bucket, p string) string {
	segs := strings.Split(path.Clean("/"+bucket+"/"+p), "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return l.baseURL + strings.Join(segs, "/")
}

// Remove deletes bucket/p. Missing objects are ignored.
func (l *Local) Remove(ctx context.Context, bucket, p string) error {
	full, err := l.resolve(bucket, p)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove object: %w", err)
	}
	return nil
}

func (l *Local) resolve(bucket, p string) (string, error) {
	if bucket == "" || p == "" || strings.Contains(bucket, "/") {
		return "", ErrInvalidPath
	}
	clean := path.Clean("/" + p)
	if clean == "/" {
		return "", ErrInvalidPath
	}
	return filepath.Join(l.root, bucket, filepath.FromSlash(clean)), nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

func readerWithContext(ctx context.Context, r io.Reader) io.Reader {
	return ctxReader{ctx: ctx, r: r}
}
