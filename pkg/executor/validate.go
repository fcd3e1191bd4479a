package executor

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	// MaxInputLength is the maximum task payload size in characters
	MaxInputLength = 10000

	// MaxIdentifierLength bounds session ids and agent refs
	MaxIdentifierLength = 128
)

var identifierPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidateIdentifier checks a value that is passed to the external system
// as a correlation id.
func ValidateIdentifier(field, value string) error {
	if value == "" {
		return &ValidationError{Field: field, Reason: "must not be empty"}
	}
	if len(value) > MaxIdentifierLength {
		return &ValidationError{Field: field, Reason: fmt.Sprintf("exceeds %d characters", MaxIdentifierLength)}
	}
	if !identifierPattern.MatchString(value) {
		return &ValidationError{Field: field, Reason: "may only contain letters, digits, '_' and '-'"}
	}
	return nil
}

// ValidateInput checks a task payload
func ValidateInput(input string) error {
	if strings.TrimSpace(input) == "" {
		return &ValidationError{Field: "input", Reason: "must not be empty"}
	}
	if !utf8.ValidString(input) {
		return &ValidationError{Field: "input", Reason: "is not valid UTF-8"}
	}
	if n := utf8.RuneCountInString(input); n > MaxInputLength {
		return &ValidationError{Field: "input", Reason: fmt.Sprintf("has %d characters, maximum is %d", n, MaxInputLength)}
	}
	for _, r := range input {
		if r == 0 {
			return &ValidationError{Field: "input", Reason: "contains a null byte"}
		}
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return &ValidationError{Field: "input", Reason: fmt.Sprintf("contains control character U+%04X", r)}
		}
	}
	return nil
}

// Validate checks every field of inv. Every mode calls it before launching.
func Validate(inv Invocation) error {
	if err := ValidateIdentifier("session id", inv.SessionID); err != nil {
		return err
	}
	if err := ValidateIdentifier("agent ref", inv.AgentRef); err != nil {
		return err
	}
	return ValidateInput(inv.Input)
}
