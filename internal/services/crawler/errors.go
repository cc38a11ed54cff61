package crawler

import (
	"errors"
	"fmt"
)

// Lifecycle errors returned by the orchestrator's control operations.
var (
	ErrAlreadyRunning = errors.New("crawl is already running")
	ErrNotRunning     = errors.New("crawl is not running")
	ErrNotPaused      = errors.New("crawl is not paused")
	ErrFrontierClosed = errors.New("frontier is closed")
)

// Reasons recorded against skipped and failed URLs. Skips are policy
// decisions and are never retried; failures are processing errors.
const (
	ReasonRobotsDisallowed = "robots disallowed"
	ReasonRateLimitTimeout = "rate limit timeout"
	ReasonExtractionFailed = "extraction failed"
)

// ReasonContentType describes a skip caused by a disallowed content type.
func ReasonContentType(contentType string) string {
	if contentType == "" {
		contentType = "unknown"
	}
	return fmt.Sprintf("content-type %s", contentType)
}
