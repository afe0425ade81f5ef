package model

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// sessionIDPattern matches producer-assigned session identifiers: 1 to 64
// alphanumeric characters or hyphens.
var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9-]{1,64}$`)

// ValidateSessionID reports whether id is a well-formed session identifier.
func ValidateSessionID(id string) error {
	if id == "" {
		return fmt.Errorf("session id is empty")
	}
	if len(id) > 64 {
		return fmt.Errorf("session id exceeds 64 characters")
	}
	if !sessionIDPattern.MatchString(id) {
		return fmt.Errorf("session id contains invalid characters")
	}
	return nil
}

// SanitizePathComponent rejects path components that could escape their
// directory: traversal sequences, null bytes, and separators are invalid in
// both the raw and percent-decoded forms of the component.
func SanitizePathComponent(component string) error {
	if component == "" {
		return fmt.Errorf("path component is empty")
	}

	candidates := []string{component}
	if decoded, err := url.PathUnescape(component); err == nil && decoded != component {
		candidates = append(candidates, decoded)
	}

	for _, c := range candidates {
		if strings.Contains(c, "..") {
			return fmt.Errorf("path component contains traversal sequence")
		}
		if strings.ContainsRune(c, 0) {
			return fmt.Errorf("path component contains null byte")
		}
		if strings.ContainsAny(c, `/\`) {
			return fmt.Errorf("path component contains separator")
		}
	}
	return nil
}
