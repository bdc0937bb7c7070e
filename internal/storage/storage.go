// Package storage keeps uploaded attachments and delivered downloaders and
// hands out the URLs that point at them.
package storage

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"

	"chunkrelay/internal/config"
	"chunkrelay/pkg/types"
)

// FileStore persists a blob and returns a URL it can be fetched from.
type FileStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

// ObjectKey builds "<owner>/<uuid>/<filename>". The random segment keeps
// repeated uploads of one filename apart.
func ObjectKey(owner, filename string) (string, error) {
	if owner == "" || strings.ContainsAny(owner, "/\\") || owner == "." || owner == ".." {
		return "", fmt.Errorf("%w: owner %q", ErrInvalidKey, owner)
	}
	name, ok := types.BaseName(filename)
	if !ok {
		return "", fmt.Errorf("%w: filename %q", ErrInvalidKey, filename)
	}
	return path.Join(owner, uuid.NewString(), name), nil
}

// validKey rejects keys that would escape the store root.
func validKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return nil
}

// New builds the configured backend. publicBaseURL is where the HTTP server
// is reachable; the local backend serves files beneath it.
func New(ctx context.Context, cfg *config.StorageConfig, publicBaseURL string) (FileStore, error) {
	switch cfg.Backend {
	case "local":
		return NewLocalStore(cfg.Dir, publicBaseURL)
	case "s3":
		return NewS3Store(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, cfg.Backend)
	}
}
