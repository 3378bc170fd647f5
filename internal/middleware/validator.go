package middleware

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// Input validation and sanitization utilities

var (
	uuidRe     = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)
	hostnameRe = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9\-\.]{0,251}[a-zA-Z0-9])?$`)
)

// ValidateScanID checks the id is a well-formed UUID before it reaches SQL
// or the filesystem.
func ValidateScanID(id string) error {
	if !uuidRe.MatchString(strings.ToLower(id)) {
		return fmt.Errorf("invalid scan id format")
	}
	return nil
}

// ValidateTarget accepts a bare hostname or an http(s) URL. Targets become
// CLI arguments and directory names, so shell metacharacters and path
// separators are rejected outright.
func ValidateTarget(target string) error {
	if target == "" {
		return fmt.Errorf("target cannot be empty")
	}
	if strings.ContainsAny(target, " \t\n;&|$`<>\\") {
		return fmt.Errorf("target contains forbidden characters")
	}
	if strings.Contains(target, "://") {
		u, err := url.Parse(target)
		if err != nil {
			return fmt.Errorf("invalid target URL: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("invalid target scheme: %s (allowed: http, https)", u.Scheme)
		}
		if u.Hostname() == "" {
			return fmt.Errorf("target URL has no host")
		}
		return nil
	}
	if !hostnameRe.MatchString(target) {
		return fmt.Errorf("invalid target hostname")
	}
	return nil
}

// ValidateLimit bounds a ?limit= style query parameter.
func ValidateLimit(limit, max int) (int, error) {
	if limit < 0 {
		return 0, fmt.Errorf("limit cannot be negative")
	}
	if limit == 0 {
		return max, nil
	}
	if limit > max {
		return 0, fmt.Errorf("limit too large (max %d)", max)
	}
	return limit, nil
}

// SanitizeLogValue strips newlines so untrusted input cannot forge log lines.
func SanitizeLogValue(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	if len(s) > 256 {
		s = s[:256]
	}
	return s
}
