package reconstruct

import "errors"

var (
	ErrEmptyManifest = errors.New("manifest has no chunks")
	ErrNoFilename    = errors.New("manifest has no filename")
	ErrFetchFailed   = errors.New("chunk download failed")
)
