package security

import (
	"net/http"
	"net/url"
)

// callbackCSP permits the inline style of the callback page and nothing else.
const callbackCSP = "default-src 'none'; style-src 'unsafe-inline'; frame-ancestors 'none'"

// SetSecurityHeaders hardens responses of the local callback and relay
// endpoints. HSTS is only sent when pageURL is served over HTTPS.
func SetSecurityHeaders(w http.ResponseWriter, pageURL string) {
	h := w.Header()
	h.Set("X-Frame-Options", "DENY")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Content-Security-Policy", callbackCSP)
	h.Set("Referrer-Policy", "no-referrer")

	if parsed, err := url.Parse(pageURL); err == nil && parsed.Scheme == "https" {
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}

	// The callback URL carries an authorization code.
	h.Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
	h.Set("Pragma", "no-cache")
}
