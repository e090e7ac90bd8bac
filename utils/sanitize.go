package utils

import (
	"regexp"
	"strings"
)

var (
	invalidNameChars = regexp.MustCompile(`[^-a-z0-9]+`)
	dashRuns         = regexp.MustCompile(`-+`)
)

/**
 * SanitizeName converts an arbitrary step or volume identifier into a
 * Kubernetes object name: lowercase alphanumerics and dashes, at most
 * 63 characters, no leading or trailing dash.
 */
func SanitizeName(name string) string {
	s := strings.ToLower(name)
	s = invalidNameChars.ReplaceAllString(s, "-")
	s = dashRuns.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if len(s) > 63 {
		s = strings.TrimRight(s[:63], "-")
	}
	return s
}
