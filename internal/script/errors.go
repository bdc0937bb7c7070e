package script

import "errors"

var (
	ErrNoChunks        = errors.New("no chunks to reconstruct")
	ErrEmptyFilename   = errors.New("target filename cannot be empty")
	ErrMissingManifest = errors.New("program does not embed a manifest")
	ErrInvalidManifest = errors.New("embedded manifest is malformed")
)
