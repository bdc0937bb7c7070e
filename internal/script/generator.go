// Package script renders the standalone downloader handed to users when a
// session is finalized.
//
// The chunk list and target filename travel as a JSON manifest, base64
// encoded into a single string literal of the program. Base64 output never
// needs escaping inside a quoted literal, so arbitrary filenames and URLs
// cannot break the generated source. DecodeManifest reverses the embedding.
package script

import (
	"bytes"
	_ "embed"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"text/template"
	"time"
	"unicode"

	"chunkrelay/pkg/types"
)

// FetchTimeout bounds each chunk download, both in generated programs and in
// the native reconstructor.
const FetchTimeout = 30 * time.Second

//go:embed downloader.pyw.tmpl
var downloaderSource string

var (
	downloaderTemplate = template.Must(template.New("downloader").Parse(downloaderSource))
	manifestPattern    = regexp.MustCompile(`(?m)^MANIFEST = "([A-Za-z0-9+/=]*)"$`)
)

// Manifest is everything a downloader needs: chunks in fetch order and the
// name of the reassembled file.
type Manifest struct {
	Filename string        `json:"filename"`
	Chunks   []types.Chunk `json:"chunks"`
}

type templateData struct {
	Filename       string
	ChunkCount     int
	Payload        string
	TimeoutSeconds int
}

// Generate renders a downloader for chunks, which must already be in index
// order. The list order is the fetch and concatenation order. Only the base
// name of filename is kept, so the program always writes into its output
// directory.
func Generate(chunks []types.Chunk, filename string) ([]byte, error) {
	if len(chunks) == 0 {
		return nil, ErrNoChunks
	}
	filename, ok := types.BaseName(filename)
	if !ok {
		return nil, ErrEmptyFilename
	}

	payload, err := EncodeManifest(Manifest{Filename: filename, Chunks: chunks})
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	err = downloaderTemplate.Execute(&buf, templateData{
		Filename:       commentSafe(filename),
		ChunkCount:     len(chunks),
		Payload:        payload,
		TimeoutSeconds: int(FetchTimeout / time.Second),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to render downloader: %w", err)
	}
	return buf.Bytes(), nil
}

// EncodeManifest returns the base64 form embedded in generated programs.
func EncodeManifest(m Manifest) (string, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to encode manifest: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeManifest extracts the manifest from a generated program.
func DecodeManifest(program []byte) (*Manifest, error) {
	match := manifestPattern.FindSubmatch(program)
	if match == nil {
		return nil, ErrMissingManifest
	}

	raw, err := base64.StdEncoding.DecodeString(string(match[1]))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}

	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if m.Chunks == nil {
		m.Chunks = []types.Chunk{}
	}
	return &m, nil
}

// ScriptName is the attachment name of a delivered downloader.
func ScriptName(userID string, at time.Time) string {
	return fmt.Sprintf("downloader_%s_%d.pyw", userID, at.Unix())
}

// FallbackFilename names the output when no chunk carries a part marker.
func FallbackFilename(userID string, at time.Time) string {
	return fmt.Sprintf("merged_file_%s_%d", userID, at.Unix())
}

// RecoverFilename returns the base name of the first chunk, in the given
// order, whose filename contains the part marker. Only that chunk is
// consulted. The result is reduced to its last path element; a name that
// reduces to nothing, "." or ".." counts as not found.
func RecoverFilename(chunks []types.Chunk) (string, bool) {
	for _, chunk := range chunks {
		name, ok := types.OriginalFilename(chunk.Filename)
		if !ok {
			continue
		}
		if name == "" {
			return "", false
		}
		return types.BaseName(name)
	}
	return "", false
}

// commentSafe keeps the filename from ending the header comment line or
// putting bytes CPython refuses into the source.
func commentSafe(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, s)
}
