package bookmail

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateBody(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr error
	}{
		{"valid", "hello", nil},
		{"multiline", "line one\nline two\ttabbed\r\n", nil},
		{"unicode", "héllo 世界", nil},
		{"empty", "", ErrEmptyBody},
		{"whitespace only", " \t\n", ErrEmptyBody},
		{"invalid utf8", "bad \xff byte", ErrInvalidContent},
		{"control character", "bell \a", ErrInvalidContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateBody(tt.body)
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
			if !errors.Is(err, ErrInvalidMessage) {
				t.Errorf("expected validation error to match ErrInvalidMessage, got %v", err)
			}
		})
	}
}

func TestValidateBodyWithLimit(t *testing.T) {
	if err := ValidateBodyWithLimit(strings.Repeat("a", 10), 10); err != nil {
		t.Errorf("body at the limit should pass: %v", err)
	}
	err := ValidateBodyWithLimit(strings.Repeat("a", 11), 10)
	if !errors.Is(err, ErrBodyTooLarge) {
		t.Errorf("expected ErrBodyTooLarge, got %v", err)
	}
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Field != "body" {
		t.Errorf("expected ValidationError for body, got %v", err)
	}
}

func TestValidateRecipient(t *testing.T) {
	tests := []struct {
		name      string
		sender    string
		recipient string
		wantErr   bool
	}{
		{"valid", "alice", "bob", false},
		{"email style", "alice", "bob@example.com", false},
		{"self", "alice", "alice", true},
		{"empty", "alice", "", true},
		{"colon", "alice", "bob:1", true},
		{"wildcard", "alice", "bob*", true},
		{"space", "alice", "bo b", true},
		{"too long", "alice", strings.Repeat("b", MaxUserIDLength+1), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRecipient(tt.sender, tt.recipient)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateRecipient(%q, %q) = %v, wantErr %v", tt.sender, tt.recipient, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidRecipient) {
				t.Errorf("expected ErrInvalidRecipient, got %v", err)
			}
		})
	}
}

func TestIsValidUserID(t *testing.T) {
	for _, id := range []string{"alice", "user-1", "user_1", "a.b", "x@y"} {
		if !IsValidUserID(id) {
			t.Errorf("%q should be valid", id)
		}
	}
	for _, id := range []string{"", "a:b", "a/b", `a\b`, "a b", "a\x00b", "a\x7fb"} {
		if IsValidUserID(id) {
			t.Errorf("%q should be invalid", id)
		}
	}
}
