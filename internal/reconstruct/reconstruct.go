// Package reconstruct runs a downloader manifest natively: it fetches every
// chunk in order and writes the reassembled file, following the same rules
// as the generated program.
package reconstruct

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"

	"chunkrelay/internal/logger"
	"chunkrelay/internal/script"
)

// Result describes a finished reconstruction.
type Result struct {
	Path   string
	Bytes  int64
	Chunks int
}

// Reconstructor downloads and joins chunks.
type Reconstructor struct {
	client *http.Client

	// Progress, when set, is called before each chunk is fetched.
	Progress func(current, total int)
}

// New creates a Reconstructor. A nil client gets one with the per-chunk
// fetch timeout.
func New(client *http.Client) *Reconstructor {
	if client == nil {
		client = &http.Client{Timeout: script.FetchTimeout}
	}
	return &Reconstructor{client: client}
}

// LoadManifest reads either a generated downloader or a bare JSON manifest.
func LoadManifest(path string) (*script.Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	m, err := script.DecodeManifest(data)
	if err == nil {
		return m, nil
	}
	if !errors.Is(err, script.ErrMissingManifest) {
		return nil, err
	}

	var raw script.Manifest
	if jerr := json.Unmarshal(data, &raw); jerr != nil {
		return nil, fmt.Errorf("%w: %s is neither a downloader nor a JSON manifest", script.ErrInvalidManifest, path)
	}
	return &raw, nil
}

// OutputDir is ~/Downloads when it exists, otherwise the working directory.
func OutputDir() (string, error) {
	if home, err := os.UserHomeDir(); err == nil {
		downloads := filepath.Join(home, "Downloads")
		if info, err := os.Stat(downloads); err == nil && info.IsDir() {
			return downloads, nil
		}
	}
	return os.Getwd()
}

// NonConflictingPath returns path itself if nothing exists there, otherwise
// the first free "name (n).ext" with n counting from 1.
func NonConflictingPath(path string) (string, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return path, nil
	} else if err != nil {
		return "", err
	}

	ext := filepath.Ext(path)
	name := strings.TrimSuffix(path, ext)
	for n := 1; ; n++ {
		candidate := fmt.Sprintf("%s (%d)%s", name, n, ext)
		_, err := os.Stat(candidate)
		if errors.Is(err, os.ErrNotExist) {
			return candidate, nil
		}
		if err != nil {
			return "", err
		}
	}
}

// Run fetches the manifest's chunks sequentially into outDir. Any failed
// fetch aborts the run and leaves no output file behind.
func (r *Reconstructor) Run(ctx context.Context, m *script.Manifest, outDir string) (*Result, error) {
	if len(m.Chunks) == 0 {
		return nil, ErrEmptyManifest
	}
	name := filepath.Base(m.Filename)
	if m.Filename == "" || name == "." || name == string(filepath.Separator) {
		return nil, ErrNoFilename
	}

	tmp, err := os.CreateTemp(outDir, ".chunkrelay-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	var total int64
	for i, chunk := range m.Chunks {
		if r.Progress != nil {
			r.Progress(i+1, len(m.Chunks))
		}
		n, err := r.fetch(ctx, chunk.URL, tmp)
		if err != nil {
			return nil, fmt.Errorf("chunk %d of %d: %w", i+1, len(m.Chunks), err)
		}
		total += n
	}

	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("failed to flush output: %w", err)
	}

	path, err := NonConflictingPath(filepath.Join(outDir, name))
	if err != nil {
		return nil, err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return nil, fmt.Errorf("failed to move output into place: %w", err)
	}
	committed = true

	logger.Info().
		Str("path", path).
		Int("chunks", len(m.Chunks)).
		Str("size", humanize.Bytes(uint64(total))).
		Msg("file reconstructed")

	return &Result{Path: path, Bytes: total, Chunks: len(m.Chunks)}, nil
}

func (r *Reconstructor) fetch(ctx context.Context, url string, w io.Writer) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, fmt.Errorf("%w: %s returned %s", ErrFetchFailed, url, resp.Status)
	}

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	return n, nil
}
