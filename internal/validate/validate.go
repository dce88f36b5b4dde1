// Package validate provides centralized input validation logic.
// This includes object name validation, relative path validation, and
// security checks.
//
// All user inputs are validated before being sent to the drive server to
// prevent path traversal and ensure names the server will accept.
package validate

import (
	"strings"
	"unicode"

	"github.com/cirrusdrive/cirrus-go/upload/errors"
)

// maxNameLength is the longest object or folder name the drive accepts.
const maxNameLength = 255

// Name validates an object or folder leaf name.
func Name(name string) error {
	if name == "" {
		return errors.NewError("validateName", errors.ErrInvalidInput).
			WithMessage("name cannot be empty")
	}
	if len(name) > maxNameLength {
		return errors.NewError("validateName", errors.ErrInvalidInput).
			WithPath(name).
			WithMessage("name cannot exceed 255 bytes")
	}
	if name == "." || name == ".." {
		return errors.NewError("validateName", errors.ErrInvalidInput).
			WithPath(name).
			WithMessage("name cannot be a relative path component")
	}
	if strings.ContainsAny(name, "/\\") {
		return errors.NewError("validateName", errors.ErrInvalidInput).
			WithPath(name).
			WithMessage("name cannot contain path separators")
	}
	if hasControlCharacters(name) {
		return errors.NewError("validateName", errors.ErrInvalidInput).
			WithPath(name).
			WithMessage("name cannot contain control characters")
	}
	return nil
}

// RelDir validates a slash-separated relative directory path. The empty
// string means the destination folder itself. Every non-empty segment must
// be a valid name; traversal sequences and absolute paths are rejected.
func RelDir(relDir string) error {
	if relDir == "" {
		return nil
	}
	if strings.HasPrefix(relDir, "/") {
		return errors.NewError("validateRelDir", errors.ErrInvalidInput).
			WithPath(relDir).
			WithMessage("relative directory cannot be absolute")
	}
	if strings.Contains(relDir, "\\") {
		return errors.NewError("validateRelDir", errors.ErrInvalidInput).
			WithPath(relDir).
			WithMessage("relative directory must use forward slashes")
	}
	for _, seg := range strings.Split(relDir, "/") {
		if seg == "" || seg == "." {
			// Collapsed by the folder resolver.
			continue
		}
		if seg == ".." {
			return errors.NewError("validateRelDir", errors.ErrInvalidInput).
				WithPath(relDir).
				WithMessage("relative directory cannot contain traversal sequences")
		}
		if err := Name(seg); err != nil {
			return errors.NewError("validateRelDir", errors.ErrInvalidInput).
				WithPath(relDir).
				WithMessage("invalid segment " + seg)
		}
	}
	return nil
}

// hasControlCharacters reports whether the string contains control
// characters that could corrupt headers or listings.
func hasControlCharacters(s string) bool {
	for _, r := range s {
		if unicode.IsControl(r) {
			return true
		}
	}
	return false
}
