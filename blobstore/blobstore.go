package blobstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
)

var ErrNotFound = errors.New("blob not found")

// Store is the blob store the grading services read attachments from and
// archive results to. Object keys are "<root>/<name>".
type Store interface {
	DownloadToDirectory(ctx context.Context, root string, names []string, dir string) error
	ContentType(ctx context.Context, key string) (string, error)
	SignedURL(ctx context.Context, key string) (string, error)
	Upload(ctx context.Context, key string, content []byte, mediaType string) error
	Download(ctx context.Context, key string) ([]byte, error)
}

func ObjectKey(root, name string) string {
	return path.Join(root, name)
}

// localPath joins name onto dir, refusing names that would escape it.
func localPath(dir, name string) (string, error) {
	rel := filepath.FromSlash(name)
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("refusing non-local file name %q", name)
	}
	return filepath.Join(dir, rel), nil
}

func createFile(dir, name string) (*os.File, string, error) {
	p, err := localPath(dir, name)
	if err != nil {
		return nil, "", err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return nil, "", fmt.Errorf("failed to create directory for %s: %w", name, err)
	}
	f, err := os.Create(p)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create %s: %w", name, err)
	}
	return f, p, nil
}
