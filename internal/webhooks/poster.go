package webhooks

import "strings"

// resolvePoster turns an image reference from a webhook into a usable URL.
// Absolute URLs point at third-party hosts and are kept as-is; anything else is a path
// on the media server itself and is joined to its base URL.
func resolvePoster(baseURL, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	lower := strings.ToLower(ref)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return ref
	}
	if baseURL == "" {
		return ref
	}
	return strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(ref, "/")
}
