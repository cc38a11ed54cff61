package render

import (
	"context"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/aranea/internal/models"
)

// Renderer turns a page URL into the extraction payload the crawl worker
// persists. Implementations must be safe for concurrent use; the worker pool
// shares one renderer per job.
type Renderer interface {
	// Render fetches and processes a single page. A non-nil result may
	// accompany an error when partial information (such as the HTTP status)
	// was recovered before the failure.
	Render(ctx context.Context, pageURL string, opts models.RenderOptions) (*models.ExtractResult, error)

	// Close releases any resources held by the renderer.
	Close() error
}

// Initializer is implemented by renderers that allocate expensive resources
// up front. The orchestrator calls Init before starting workers so a broken
// browser environment fails the job instead of every page.
type Initializer interface {
	Init(ctx context.Context) error
}

// NeedsBrowser reports whether the render options require a headless browser.
// Auto mode upgrades to a browser when the options ask for things a plain
// HTTP fetch cannot deliver.
func NeedsBrowser(opts models.RenderOptions) bool {
	switch opts.Mode {
	case models.RenderBrowser:
		return true
	case models.RenderStatic:
		return false
	}

	if opts.Screenshot || len(opts.UserScripts) > 0 || opts.SleepMs > 0 {
		return true
	}
	if opts.WaitUntil == models.WaitNetworkIdle {
		return true
	}
	if opts.Device != "" && opts.Device != models.DeviceDesktop {
		return true
	}
	return opts.Incognito || opts.Proxy != ""
}

// New selects and constructs the renderer for a crawl based on its render
// options. Browser-backed rendering keeps at most maxTabs pages in flight.
func New(opts models.RenderOptions, userAgent string, maxTabs int, logger arbor.ILogger) Renderer {
	if NeedsBrowser(opts) {
		return NewChromedpRenderer(userAgent, maxTabs, logger)
	}
	return NewStaticRenderer(userAgent, logger)
}
