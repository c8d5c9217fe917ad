package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"go.uber.org/zap"
)

const s3Scheme = "s3"

// Files opens and removes job-scoped files. Plain paths (or file:// URIs) are served from the
// local disk; s3://bucket/key URIs go to the configured object store.
type Files struct {
	objects ObjectStore
}

// ObjectStore is the subset of an S3 client the file access needs.
type ObjectStore interface {
	Open(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	Remove(ctx context.Context, bucket, key string) error
}

type FilesOption func(f *Files)

func WithObjectStore(objects ObjectStore) FilesOption {
	return func(f *Files) {
		f.objects = objects
	}
}

func NewFiles(opts ...FilesOption) *Files {
	f := &Files{}
	for _, o := range opts {
		o(f)
	}
	return f
}

func (f *Files) Open(ctx context.Context, uri string) (io.ReadCloser, error) {
	loc, err := parse(uri)
	if err != nil {
		return nil, err
	}
	if loc.bucket == "" {
		return os.Open(loc.path)
	}
	if f.objects == nil {
		return nil, fmt.Errorf("no object store configured for %s", uri)
	}
	return f.objects.Open(ctx, loc.bucket, loc.path)
}

// Remove deletes the file. A file that is already gone is not an error.
func (f *Files) Remove(ctx context.Context, uri string) error {
	loc, err := parse(uri)
	if err != nil {
		return err
	}

	if loc.bucket == "" {
		if err := os.Remove(loc.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		zap.S().Named("storage").Debugw("removed local file", "path", loc.path)
		return nil
	}

	if f.objects == nil {
		return fmt.Errorf("no object store configured for %s", uri)
	}
	if err := f.objects.Remove(ctx, loc.bucket, loc.path); err != nil {
		return err
	}
	zap.S().Named("storage").Debugw("removed object", "bucket", loc.bucket, "key", loc.path)
	return nil
}

type location struct {
	bucket string
	path   string
}

func parse(uri string) (location, error) {
	if uri == "" {
		return location{}, errors.New("empty file location")
	}
	if !strings.Contains(uri, "://") {
		return location{path: uri}, nil
	}

	u, err := url.Parse(uri)
	if err != nil {
		return location{}, fmt.Errorf("invalid file location %q: %w", uri, err)
	}
	switch u.Scheme {
	case "file":
		return location{path: u.Path}, nil
	case s3Scheme:
		key := strings.TrimPrefix(u.Path, "/")
		if u.Host == "" || key == "" {
			return location{}, fmt.Errorf("invalid object location %q: expected s3://bucket/key", uri)
		}
		return location{bucket: u.Host, path: key}, nil
	default:
		return location{}, fmt.Errorf("unsupported file location scheme %q", u.Scheme)
	}
}
