package session

import (
	"errors"
	"fmt"
	"regexp"
)

// ErrInvalidName rejects session names that cannot be used as a directory.
var ErrInvalidName = errors.New("invalid session name")

const maxNameLen = 64

var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// ValidateName checks that name is usable as a session directory: lowercase
// letters, digits, '-' and '_', starting with a letter or digit, at most 64
// bytes.
func ValidateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty", ErrInvalidName)
	case len(name) > maxNameLen:
		return fmt.Errorf("%w %q: longer than %d characters", ErrInvalidName, name, maxNameLen)
	case !namePattern.MatchString(name):
		return fmt.Errorf("%w %q: use lowercase letters, digits, '-' or '_', starting with a letter or digit", ErrInvalidName, name)
	}
	return nil
}
