package webhookutils

import (
	"net/http"
	"strings"
)

// Event headers of the supported providers.
const (
	HeaderGitHubEvent      = "X-GitHub-Event"
	HeaderGitHubDelivery   = "X-GitHub-Delivery"
	HeaderBitbucketEvent   = "X-Event-Key"
	HeaderBitbucketRequest = "X-Request-UUID"
	HeaderHubSignature256  = "X-Hub-Signature-256"
	HeaderHubSignature     = "X-Hub-Signature"
)

// GetHeaderCaseInsensitive retrieves a header value using case-insensitive key matching.
// This is needed because Go's HTTP library canonicalizes header keys (e.g., X-GitHub-Event -> X-Github-Event)
// which can cause exact string matches to fail.
func GetHeaderCaseInsensitive(headers map[string]string, key string) (string, bool) {
	keyLower := strings.ToLower(key)
	for k, v := range headers {
		if strings.ToLower(k) == keyLower {
			return v, true
		}
	}
	return "", false
}

// FlattenHeaders keeps the first value of every header.
func FlattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

// EventName returns the trimmed value of the first header present in names.
func EventName(h http.Header, names ...string) string {
	flat := FlattenHeaders(h)
	for _, name := range names {
		if v, ok := GetHeaderCaseInsensitive(flat, name); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
