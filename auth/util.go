package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
)

// nonceLength is the number of random bytes in an OIDC nonce.
const nonceLength = 32

// generateNonce creates a random, URL-safe OIDC nonce.
func generateNonce() (string, error) {
	b := make([]byte, nonceLength)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// GetVerifiedEmail returns the email address from the ID Token if the email_verified claim is true.
// Returns empty string and false if not verified or email is missing.
func GetVerifiedEmail(token *oidc.IDToken) (string, bool) {
	if token == nil {
		return "", false
	}
	var claims oidc.UserInfo
	if err := token.Claims(&claims); err != nil {
		return "", false
	}
	if !claims.EmailVerified || claims.Email == "" {
		return "", false
	}
	return claims.Email, true
}

// GetStableID returns a stable identifier for the user based on the provider ID and the subject claim.
// Format: "provider:subject"
func GetStableID(token *oidc.IDToken, providerID string) string {
	if token == nil {
		return ""
	}
	return fmt.Sprintf("%s:%s", providerID, token.Subject)
}

// ValidateNextURLIsLocal returns nextURL if it is a local absolute path, and
// "/" otherwise.
func ValidateNextURLIsLocal(nextURL string) string {
	// Must be relative (start with /) and not protocol-relative (// or /\,
	// which browsers treat alike).
	if nextURL == "" || !strings.HasPrefix(nextURL, "/") ||
		strings.HasPrefix(nextURL, "//") || strings.HasPrefix(nextURL, "/\\") ||
		strings.ContainsAny(nextURL, "\r\n") {
		return "/"
	}
	return nextURL
}
