package httpclient

import (
	"net/http"
	"time"
)

// DefaultUserAgent identifies the crawler when a job does not configure its
// own agent string.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// New creates an HTTP client with the given timeout. Redirects are followed
// with the default policy (at most 10 hops).
func New(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// BrowserHeaders returns the request headers a mainstream browser would
// send, so origins that vary on them serve the crawler the same content.
// Accept-Encoding is left to the transport so response bodies arrive
// decompressed.
func BrowserHeaders(userAgent string) map[string]string {
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	return map[string]string{
		"User-Agent":      userAgent,
		"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8",
		"Accept-Language": "en-US,en;q=0.9",
		"Cache-Control":   "no-cache",
	}
}

// ApplyHeaders sets the base browser headers plus any extras on a request.
// Extras win on conflict.
func ApplyHeaders(req *http.Request, userAgent string, extra map[string]string) {
	for k, v := range BrowserHeaders(userAgent) {
		req.Header.Set(k, v)
	}
	for k, v := range extra {
		req.Header.Set(k, v)
	}
}
