// Package utils provides small helpers shared across the server: environment
// lookups with defaults, token masking for logs, and cookie serialization.
package utils

import (
	"os"
	"sort"
	"strconv"
	"strings"
)

// GetEnvWithDefault retrieves an environment variable or returns a default value if not set.
//
// Parameters:
//   - name: The name of the environment variable
//   - defaultValue: The default value to return if the environment variable is not set
//
// Returns the value of the environment variable, or the default value if not set.
func GetEnvWithDefault(name, defaultValue string) string {
	value := os.Getenv(name)
	if value == "" {
		return defaultValue
	}
	return value
}

// GetEnvInt retrieves an integer environment variable or returns a default
// value if the variable is unset or not a valid integer.
func GetEnvInt(name string, defaultValue int) int {
	value := os.Getenv(name)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return defaultValue
	}
	return n
}

// MaskToken masks a token for display by showing only the first and last few characters.
// This is used for logging to show token format without revealing the entire token.
func MaskToken(token string) string {
	if len(token) < 10 {
		return "***" // Too short to safely show anything
	}
	return token[:4] + "..." + token[len(token)-4:]
}

// BuildCookieHeader serializes a cookie map into a single Cookie header value.
// Empty values are skipped; names are sorted so the header is deterministic
// across requests.
func BuildCookieHeader(cookies map[string]string) string {
	names := make([]string, 0, len(cookies))
	for name, value := range cookies {
		if value == "" {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+"="+cookies[name])
	}
	return strings.Join(parts, "; ")
}
