package gradient

import (
	"regexp"
	"strings"
)

// maxNameLength is the platform's limit for resource names.
const maxNameLength = 63

var invalidNameChars = regexp.MustCompile(`[^a-z0-9_-]+`)

// SanitizeName converts an arbitrary label into a platform-safe resource
// name: lowercase, only [a-z0-9_-], at most 63 characters, never empty.
// fallback is used when nothing survives sanitization.
func SanitizeName(name, fallback string) string {
	s := strings.ToLower(name)
	s = invalidNameChars.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-_")
	if len(s) > maxNameLength {
		s = s[:maxNameLength]
		s = strings.Trim(s, "-_")
	}
	if s == "" {
		return fallback
	}
	return s
}
