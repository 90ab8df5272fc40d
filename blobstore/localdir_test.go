package blobstore_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/programme-lv/grader/blobstore"
	"github.com/stretchr/testify/require"
)

func TestLocalDirDownloadToDirectory(t *testing.T) {
	ctx := context.Background()
	store, err := blobstore.NewLocalDir(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.Upload(ctx, "sub-1/main.go", []byte("package main\n"), "text/x-go"))
	require.NoError(t, store.Upload(ctx, "sub-1/pkg/util.go", []byte("package pkg\n"), "text/x-go"))

	dir := t.TempDir()
	require.NoError(t, store.DownloadToDirectory(ctx, "sub-1", []string{"main.go", "pkg/util.go"}, dir))

	data, err := os.ReadFile(filepath.Join(dir, "pkg", "util.go"))
	require.NoError(t, err)
	require.Equal(t, "package pkg\n", string(data))
}

func TestLocalDirMissingObjectCleansUp(t *testing.T) {
	ctx := context.Background()
	store, err := blobstore.NewLocalDir(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.Upload(ctx, "sub-1/a.txt", []byte("a"), "text/plain"))

	dir := t.TempDir()
	err = store.DownloadToDirectory(ctx, "sub-1", []string{"a.txt", "missing.txt"}, dir)
	require.ErrorIs(t, err, blobstore.ErrNotFound)
	require.NoFileExists(t, filepath.Join(dir, "a.txt"))
}

func TestLocalDirRejectsEscapingNames(t *testing.T) {
	ctx := context.Background()
	store, err := blobstore.NewLocalDir(t.TempDir())
	require.NoError(t, err)
	require.Error(t, store.Upload(ctx, "../outside.txt", []byte("x"), "text/plain"))
	require.Error(t, store.DownloadToDirectory(ctx, "sub-1", []string{"../../etc/passwd"}, t.TempDir()))
}

func TestLocalDirContentTypeAndURL(t *testing.T) {
	ctx := context.Background()
	store, err := blobstore.NewLocalDir(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.Upload(ctx, "sub-1/data.json", []byte(`{"a":1}`), ""))

	ct, err := store.ContentType(ctx, "sub-1/data.json")
	require.NoError(t, err)
	require.Equal(t, "application/json", ct)

	u, err := store.SignedURL(ctx, "sub-1/data.json")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(u, "file://"))
}
