package auth

import "os"

// BundledOAuthClientID and BundledOAuthClientSecret can be set at build time
// via -ldflags. The DOCSYNC_OAUTH_CLIENT_* variables take precedence.
var (
	BundledOAuthClientID     string
	BundledOAuthClientSecret string
)

// OAuthClient returns the OAuth client credentials to use, if any
func OAuthClient() (id, secret string, ok bool) {
	if id := os.Getenv("DOCSYNC_OAUTH_CLIENT_ID"); id != "" {
		return id, os.Getenv("DOCSYNC_OAUTH_CLIENT_SECRET"), true
	}
	if BundledOAuthClientID == "" {
		return "", "", false
	}
	return BundledOAuthClientID, BundledOAuthClientSecret, true
}
