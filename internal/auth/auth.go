// Package auth verifies the two inbound trust boundaries: client API keys
// (or signed access tokens) on the OpenAI surface, and the shared extension
// secret on the push surface.
package auth

import (
	"crypto/subtle"
	"net/http"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
)

// VerifyAppAPIKey checks if the provided API key is valid for accessing this app's API.
// This function verifies keys against the VALID_API_KEYS environment variable, which
// should contain a comma-separated list of valid API keys. When AUTH_SECRET is set,
// JWT access tokens signed with it are accepted as well.
//
// If the DISABLE_AUTH environment variable is set to "true" or "1", all authentication
// checks will be bypassed and any API key will be considered valid.
//
// Parameters:
//   - apiKey: The API key to validate
//
// Returns:
//   - bool: true if the API key is valid or if authentication is disabled, false otherwise
func VerifyAppAPIKey(apiKey string) bool {
	// Check if authorization is disabled globally
	if disableAuth := os.Getenv("DISABLE_AUTH"); disableAuth == "true" || disableAuth == "1" {
		return true
	}

	validKeys := os.Getenv("VALID_API_KEYS")
	for _, key := range strings.Split(validKeys, ",") {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey != "" && subtle.ConstantTimeCompare([]byte(apiKey), []byte(trimmedKey)) == 1 {
			return true
		}
	}

	// Fall back to signed access tokens when a signing secret is configured.
	if secret := os.Getenv("AUTH_SECRET"); secret != "" {
		if _, err := ValidateAccessToken(apiKey, secret); err == nil {
			return true
		}
	}

	if validKeys == "" {
		log.Debug("no valid API keys configured in environment")
	}
	return false
}

// VerifyPushSecret checks the X-Extension-Secret value against the
// EXTENSION_SECRET environment variable. An empty configuration means the
// push surface is open (local deployments behind a firewall).
func VerifyPushSecret(provided string) bool {
	secret := os.Getenv("EXTENSION_SECRET")
	if secret == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) == 1
}

// ExtractBearer pulls the credential out of an Authorization header,
// tolerating the header-format variations real clients send.
func ExtractBearer(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	if strings.HasPrefix(header, "Bearer: ") {
		return strings.TrimPrefix(header, "Bearer: ")
	}
	// Assume the entire header value is the API key
	return header
}
