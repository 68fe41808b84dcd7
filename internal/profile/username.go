// Package profile manages the public profile each user completes before
// posting: a unique username plus the display name and photo copied from the
// identity provider.
package profile

import (
	"errors"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	MinUsernameLen = 3
	MaxUsernameLen = 30
)

// ErrInvalidUsername is wrapped by Validate with a user-facing message.
var ErrInvalidUsername = errors.New("invalid username")

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9._\- ]+$`)

// Canonicalize trims raw and collapses each run of whitespace into a single
// space.
func Canonicalize(raw string) string {
	return strings.Join(strings.Fields(raw), " ")
}

// Validate checks a canonical username. The returned error wraps
// ErrInvalidUsername and reads as a message for the user.
func Validate(username string) error {
	switch n := utf8.RuneCountInString(username); {
	case n == 0:
		return usernameError("Please choose a username.")
	case n < MinUsernameLen:
		return usernameError("Usernames must be at least 3 characters long.")
	case n > MaxUsernameLen:
		return usernameError("Usernames must be at most 30 characters long.")
	}
	if !usernamePattern.MatchString(username) {
		return usernameError("Use letters, numbers, spaces, dots, hyphens, or underscores only.")
	}
	return nil
}

// Lower is the case-folded form used for uniqueness.
func Lower(username string) string {
	return strings.ToLower(username)
}

// SuggestUsername derives a starting username from the provider display
// name. The suggestion is not validated.
func SuggestUsername(displayName string) string {
	s := strings.TrimSpace(displayName)
	if utf8.RuneCountInString(s) <= MaxUsernameLen {
		return s
	}
	return strings.TrimSpace(string([]rune(s)[:MaxUsernameLen]))
}

type validationError struct {
	msg string
}

func usernameError(msg string) error { return &validationError{msg: msg} }

func (e *validationError) Error() string { return e.msg }

func (e *validationError) Unwrap() error { return ErrInvalidUsername }
