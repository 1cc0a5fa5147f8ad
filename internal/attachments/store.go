// Package attachments stores documents and photos referenced by
// notifications and chat flows. A reference is either a local path or an
// s3://bucket/key URI.
package attachments

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

var ErrNotFound = errors.New("attachment not found")

// Store reads and writes attachments by reference.
type Store interface {
	Exists(ctx context.Context, ref string) (bool, error)
	Open(ctx context.Context, ref string) (io.ReadCloser, error)
	Save(ctx context.Context, name string, r io.Reader) (string, error)
}

// IsS3 reports whether ref points at an S3 object.
func IsS3(ref string) bool {
	return strings.HasPrefix(ref, "s3://")
}

// Local keeps attachments under a root directory. Relative references are
// resolved against the root; absolute ones are used as given.
type Local struct {
	root   string
	logger *zap.Logger
}

func NewLocal(root string, logger *zap.Logger) *Local {
	return &Local{root: root, logger: logger}
}

func (l *Local) path(ref string) string {
	if filepath.IsAbs(ref) {
		return ref
	}
	return filepath.Join(l.root, filepath.Clean("/"+ref))
}

func (l *Local) Exists(ctx context.Context, ref string) (bool, error) {
	info, err := os.Stat(l.path(ref))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat attachment: %w", err)
	}
	return !info.IsDir(), nil
}

func (l *Local) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	f, err := os.Open(l.path(ref))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("open attachment: %w", err)
	}
	return f, nil
}

func (l *Local) Save(ctx context.Context, name string, r io.Reader) (string, error) {
	dst := l.path(name)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("create attachment dir: %w", err)
	}

	f, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("create attachment: %w", err)
	}
	defer f.Close()

	n, err := io.Copy(f, r)
	if err != nil {
		return "", fmt.Errorf("write attachment: %w", err)
	}

	l.logger.Debug("attachment saved", zap.String("path", dst), zap.Int64("bytes", n))
	if filepath.IsAbs(name) {
		return name, nil
	}
	return strings.TrimPrefix(filepath.Clean("/"+name), "/"), nil
}

// Router sends s3:// references to the S3 store and everything else to the
// local one. New attachments go to S3 when it is configured.
type Router struct {
	local *Local
	s3    *S3
}

// NewRouter builds a router. s3 may be nil.
func NewRouter(local *Local, s3 *S3) *Router {
	return &Router{local: local, s3: s3}
}

func (r *Router) pick(ref string) (Store, error) {
	if IsS3(ref) {
		if r.s3 == nil {
			return nil, fmt.Errorf("s3 attachment %s but no bucket configured", ref)
		}
		return r.s3, nil
	}
	return r.local, nil
}

func (r *Router) Exists(ctx context.Context, ref string) (bool, error) {
	s, err := r.pick(ref)
	if err != nil {
		return false, err
	}
	return s.Exists(ctx, ref)
}

func (r *Router) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	s, err := r.pick(ref)
	if err != nil {
		return nil, err
	}
	return s.Open(ctx, ref)
}

func (r *Router) Save(ctx context.Context, name string, body io.Reader) (string, error) {
	if r.s3 != nil {
		return r.s3.Save(ctx, name, body)
	}
	return r.local.Save(ctx, name, body)
}
