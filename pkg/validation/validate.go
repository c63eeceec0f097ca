package validation

import (
	"errors"
	"fmt"
	"strings"
)

// Validation failures are rejected before any backend call is made.
var (
	ErrEmptyText        = errors.New("message text must not be empty")
	ErrEmptyCredentials = errors.New("username and password are required")
)

// MaxTextBytes bounds a single message body. Values above it are rejected
// with a descriptive error.
var MaxTextBytes = 16 * 1024

// ValidateMessageText rejects empty or whitespace-only message text and
// enforces the size cap.
func ValidateMessageText(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyText
	}
	if len(text) > MaxTextBytes {
		return fmt.Errorf("message text exceeds %d bytes", MaxTextBytes)
	}
	return nil
}

// ValidateCredentials rejects empty usernames or passwords.
func ValidateCredentials(username, password string) error {
	if strings.TrimSpace(username) == "" || password == "" {
		return ErrEmptyCredentials
	}
	return nil
}

// ValidateUsername enforces a conservative character set for usernames so
// they can be embedded in store keys.
func ValidateUsername(username string) error {
	if strings.TrimSpace(username) == "" {
		return ErrEmptyCredentials
	}
	if strings.ContainsAny(username, ": \t\n") {
		return fmt.Errorf("username contains invalid characters")
	}
	return nil
}
