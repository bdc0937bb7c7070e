package reconstruct

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chunkrelay/internal/script"
	"chunkrelay/pkg/types"
)

func chunkServer(t *testing.T, parts map[string]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := parts[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func manifest(srv *httptest.Server, filename string, paths ...string) *script.Manifest {
	m := &script.Manifest{Filename: filename}
	for i, p := range paths {
		m.Chunks = append(m.Chunks, types.Chunk{URL: srv.URL + p, Index: i, Filename: fmt.Sprintf("%s.part%d", filename, i)})
	}
	return m
}

func TestRun_ConcatenatesInListOrder(t *testing.T) {
	srv := chunkServer(t, map[string]string{"/0": "hello ", "/1": "chunked ", "/2": "world"})
	dir := t.TempDir()

	res, err := New(srv.Client()).Run(context.Background(), manifest(srv, "file.txt", "/0", "/1", "/2"), dir)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "file.txt"), res.Path)
	assert.Equal(t, int64(len("hello chunked world")), res.Bytes)
	assert.Equal(t, 3, res.Chunks)

	data, err := os.ReadFile(res.Path)
	require.NoError(t, err)
	assert.Equal(t, "hello chunked world", string(data))
}

func TestRun_CollisionNaming(t *testing.T) {
	srv := chunkServer(t, map[string]string{"/0": "new"})
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "file.txt"), []byte("old"), 0o644))

	r := New(srv.Client())
	m := manifest(srv, "file.txt", "/0")

	first, err := r.Run(context.Background(), m, dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "file (1).txt"), first.Path)

	second, err := r.Run(context.Background(), m, dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "file (2).txt"), second.Path)

	old, err := os.ReadFile(filepath.Join(dir, "file.txt"))
	require.NoError(t, err)
	assert.Equal(t, "old", string(old))
}

func TestRun_FailedChunkLeavesNoOutput(t *testing.T) {
	srv := chunkServer(t, map[string]string{"/0": "a"})
	dir := t.TempDir()

	var seen []int
	r := New(srv.Client())
	r.Progress = func(current, total int) { seen = append(seen, current) }

	_, err := r.Run(context.Background(), manifest(srv, "file.bin", "/0", "/missing", "/0"), dir)
	require.ErrorIs(t, err, ErrFetchFailed)
	assert.Equal(t, []int{1, 2}, seen, "fetching stops at the first failure")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRun_InvalidManifest(t *testing.T) {
	r := New(nil)

	_, err := r.Run(context.Background(), &script.Manifest{Filename: "x"}, t.TempDir())
	assert.ErrorIs(t, err, ErrEmptyManifest)

	_, err = r.Run(context.Background(), &script.Manifest{Chunks: []types.Chunk{{URL: "http://x"}}}, t.TempDir())
	assert.ErrorIs(t, err, ErrNoFilename)
}

func TestNonConflictingPath(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "archive.tar")

	got, err := NonConflictingPath(base)
	require.NoError(t, err)
	assert.Equal(t, base, got)

	require.NoError(t, os.WriteFile(base, nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "archive (1).tar"), nil, 0o644))

	got, err = NonConflictingPath(base)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "archive (2).tar"), got)

	noExt := filepath.Join(dir, "README")
	require.NoError(t, os.WriteFile(noExt, nil, 0o644))
	got, err = NonConflictingPath(noExt)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "README (1)"), got)
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	chunks := []types.Chunk{{URL: "https://cdn.example/0", Index: 0, Filename: "r.pdf.part0"}}

	program, err := script.Generate(chunks, "r.pdf")
	require.NoError(t, err)
	scriptPath := filepath.Join(dir, "downloader.pyw")
	require.NoError(t, os.WriteFile(scriptPath, program, 0o644))

	m, err := LoadManifest(scriptPath)
	require.NoError(t, err)
	assert.Equal(t, "r.pdf", m.Filename)
	assert.Equal(t, chunks[0].URL, m.Chunks[0].URL)

	jsonPath := filepath.Join(dir, "manifest.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"filename":"r.pdf","chunks":[{"url":"u","index":0,"filename":"r.pdf.part0"}]}`), 0o644))
	m, err = LoadManifest(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, "u", m.Chunks[0].URL)

	junkPath := filepath.Join(dir, "junk.txt")
	require.NoError(t, os.WriteFile(junkPath, []byte("nothing here"), 0o644))
	_, err = LoadManifest(junkPath)
	assert.ErrorIs(t, err, script.ErrInvalidManifest)

	_, err = LoadManifest(filepath.Join(dir, "absent"))
	assert.Error(t, err)
}

func TestOutputDir(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	wd, err := os.Getwd()
	require.NoError(t, err)
	got, err := OutputDir()
	require.NoError(t, err)
	assert.Equal(t, wd, got)

	require.NoError(t, os.Mkdir(filepath.Join(home, "Downloads"), 0o755))
	got, err = OutputDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "Downloads"), got)
}
