package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"
)

// LocalDir serves objects from a directory tree. Used for local development
// and tests in place of S3.
type LocalDir struct {
	base string
}

func NewLocalDir(base string) (*LocalDir, error) {
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create blob directory: %w", err)
	}
	return &LocalDir{base: base}, nil
}

func (l *LocalDir) path(key string) (string, error) {
	return localPath(l.base, key)
}

func (l *LocalDir) Upload(_ context.Context, key string, content []byte, _ string) error {
	p, err := l.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", key, err)
	}
	return os.WriteFile(p, content, 0o644)
}

func (l *LocalDir) Download(_ context.Context, key string) ([]byte, error) {
	p, err := l.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return data, err
}

func (l *LocalDir) DownloadToDirectory(ctx context.Context, root string, names []string, dir string) error {
	var written []string
	cleanup := func() {
		for _, p := range written {
			os.Remove(p)
		}
	}
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			cleanup()
			return err
		}
		p, err := l.copyTo(ObjectKey(root, name), dir, name)
		if p != "" {
			written = append(written, p)
		}
		if err != nil {
			cleanup()
			return err
		}
	}
	return nil
}

func (l *LocalDir) copyTo(key, dir, name string) (string, error) {
	src, err := l.path(key)
	if err != nil {
		return "", err
	}
	in, err := os.Open(src)
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return "", err
	}
	defer in.Close()

	out, p, err := createFile(dir, name)
	if err != nil {
		return "", err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return p, fmt.Errorf("failed to copy %s: %w", key, err)
	}
	return p, nil
}

func (l *LocalDir) ContentType(_ context.Context, key string) (string, error) {
	p, err := l.path(key)
	if err != nil {
		return "", err
	}
	mt, err := mimetype.DetectFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return "", err
	}
	return mt.String(), nil
}

func (l *LocalDir) SignedURL(_ context.Context, key string) (string, error) {
	p, err := l.path(key)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String(), nil
}
