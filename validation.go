package bookmail

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// MaxUserIDLength is the maximum length of a user ID in bytes.
const MaxUserIDLength = 256

// ValidateBody checks a message body against the default size limit.
func ValidateBody(body string) error {
	return ValidateBodyWithLimit(body, DefaultMaxBodySize)
}

// ValidateBodyWithLimit checks that body is non-blank, at most maxSize bytes,
// valid UTF-8 and free of control characters other than tab and newlines.
func ValidateBodyWithLimit(body string, maxSize int) error {
	if strings.TrimSpace(body) == "" {
		return &ValidationError{Field: "body", Message: "body is empty", Err: ErrEmptyBody}
	}
	if len(body) > maxSize {
		return &ValidationError{
			Field:   "body",
			Message: fmt.Sprintf("body size %d exceeds max %d bytes", len(body), maxSize),
			Err:     ErrBodyTooLarge,
		}
	}
	if !utf8.ValidString(body) {
		return &ValidationError{Field: "body", Message: "body contains invalid UTF-8", Err: ErrInvalidContent}
	}
	for _, r := range body {
		if unicode.IsControl(r) && r != '\t' && r != '\n' && r != '\r' {
			return &ValidationError{
				Field:   "body",
				Message: fmt.Sprintf("body contains control character U+%04X", r),
				Err:     ErrInvalidContent,
			}
		}
	}
	return nil
}

// ValidateRecipient checks that recipientID is a usable user ID distinct
// from senderID.
func ValidateRecipient(senderID, recipientID string) error {
	if !isValidUserID(recipientID) {
		return &ValidationError{Field: "recipient_id", Message: "invalid recipient id", Err: ErrInvalidRecipient}
	}
	if recipientID == senderID {
		return &ValidationError{Field: "recipient_id", Message: "cannot send to yourself", Err: ErrInvalidRecipient}
	}
	return nil
}

// isValidUserID checks if a user ID is valid.
// Valid user IDs are non-empty and contain only safe characters,
// which keeps them usable as Redis and pebble key components.
func isValidUserID(userID string) bool {
	if userID == "" || len(userID) > MaxUserIDLength {
		return false
	}
	// Disallow: *, :, /, \, whitespace and control characters
	for _, c := range userID {
		if c == '*' || c == ':' || c == '/' || c == '\\' ||
			c == ' ' || c == '\t' || c == '\n' || c == '\r' ||
			c < 32 || c == 127 {
			return false
		}
	}
	return true
}

// IsValidUserID reports whether userID is accepted by Client.
func IsValidUserID(userID string) bool {
	return isValidUserID(userID)
}
