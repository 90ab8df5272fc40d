package sandbox_test

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/programme-lv/grader/sandbox"
	"github.com/stretchr/testify/require"
)

func TestArchiveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "pkg"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.py"), []byte("print(1)\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pkg", "util.py"), []byte("X = 2\n"), 0o644))

	var buf bytes.Buffer
	require.NoError(t, sandbox.WriteArchive(&buf, sandbox.DirFiles(dir, []string{"pkg/util.py", "main.py"})))

	files, err := sandbox.ReadArchive(&buf)
	require.NoError(t, err)
	require.Equal(t, map[string][]byte{
		"main.py":     []byte("print(1)\n"),
		"pkg/util.py": []byte("X = 2\n"),
	}, files)
}

func TestArchiveRejectsEscapingName(t *testing.T) {
	var buf bytes.Buffer
	require.Error(t, sandbox.WriteArchive(&buf, []sandbox.File{{Name: "../secret", Path: "/etc/hostname"}}))
	require.Error(t, sandbox.WriteArchive(&buf, []sandbox.File{{Name: "a", Path: "x"}, {Name: "a", Path: "y"}}))
}

func TestClientPhases(t *testing.T) {
	var mu sync.Mutex
	var paths []string
	var uploaded map[string][]byte
	var callback string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		paths = append(paths, r.Method+" "+r.URL.Path)
		if r.URL.Path == "/submissions/s-1" {
			require.Equal(t, sandbox.ArchiveContentType, r.Header.Get("Content-Type"))
			callback = r.URL.Query().Get("callback")
			files, err := sandbox.ReadArchive(r.Body)
			require.NoError(t, err)
			uploaded = files
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.py"), []byte("print(1)\n"), 0o644))

	c := sandbox.NewClient(srv.URL+"/", srv.Client())
	ctx := context.Background()
	require.NoError(t, c.Upload(ctx, "s-1", sandbox.DirFiles(dir, []string{"main.py"}), "http://grader/callback?id=s-1"))
	require.NoError(t, c.Initialize(ctx, "s-1"))
	require.NoError(t, c.Run(ctx, "s-1"))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{
		"POST /submissions/s-1",
		"POST /submissions/s-1/initialize",
		"POST /submissions/s-1/run",
	}, paths)
	require.Equal(t, "http://grader/callback?id=s-1", callback)
	require.Contains(t, uploaded, "main.py")
}

func TestClientReportsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such submission", http.StatusNotFound)
	}))
	defer srv.Close()

	err := sandbox.NewClient(srv.URL, srv.Client()).Run(context.Background(), "missing")
	require.ErrorContains(t, err, "404")
	require.ErrorContains(t, err, "no such submission")
}

func TestParseRunResult(t *testing.T) {
	res, err := sandbox.ParseRunResult([]byte(`{"exit_code":1,"tests":[{"name":"a","passed":true},{"name":"b","passed":false,"message":"expected 2"}]}`))
	require.NoError(t, err)
	require.Equal(t, 1, res.Passed())
	require.Len(t, res.Tests, 2)

	_, err = sandbox.ParseRunResult([]byte(`{"tests":[{"passed":true}]}`))
	require.Error(t, err)

	_, err = sandbox.ParseRunResult([]byte(`nope`))
	require.Error(t, err)
}
