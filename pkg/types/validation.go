package types

import (
	"path"
	"regexp"
	"strconv"
	"strings"
)

var (
	userIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	digitsRegex = regexp.MustCompile(`^[0-9]+$`)
)

// IsValidUserID checks that a user id is 1-64 characters of letters, digits,
// underscore or hyphen. User ids end up in session ids, channel names and
// script filenames, so the alphabet is kept narrow.
func IsValidUserID(userID string) bool {
	if len(userID) < 1 || len(userID) > 64 {
		return false
	}
	return userIDRegex.MatchString(userID)
}

// HasPartMarker reports whether a filename looks like a chunk.
func HasPartMarker(filename string) bool {
	return strings.Contains(filename, PartMarker)
}

// ParsePartIndex extracts the chunk index from "<base>.part<digits>". The
// suffix after the first marker must be all digits and fit in an int.
func ParsePartIndex(filename string) (int, error) {
	pos := strings.Index(filename, PartMarker)
	if pos < 0 {
		return 0, ErrMissingPartMarker
	}
	suffix := filename[pos+len(PartMarker):]
	if !digitsRegex.MatchString(suffix) {
		return 0, ErrInvalidPartIndex
	}
	index, err := strconv.Atoi(suffix)
	if err != nil {
		return 0, ErrInvalidPartIndex
	}
	return index, nil
}

// OriginalFilename returns the portion of a chunk filename before the first
// part marker.
func OriginalFilename(filename string) (string, bool) {
	pos := strings.Index(filename, PartMarker)
	if pos < 0 {
		return "", false
	}
	return filename[:pos], true
}

// BaseName reduces a client-supplied filename to its last path element.
// Both slash kinds count as separators. It reports false when no usable
// name remains.
func BaseName(filename string) (string, bool) {
	name := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	switch name {
	case ".", "..", "/":
		return "", false
	}
	return name, true
}
