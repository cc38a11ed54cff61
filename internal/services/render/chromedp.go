package render

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/device"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/aranea/internal/models"
)

const (
	browserStartupTimeout = 30 * time.Second

	// networkIdleSettle approximates the networkidle lifecycle event by
	// letting in-flight requests drain after the load event.
	networkIdleSettle = 2 * time.Second

	screenshotQuality = 90

	// maxPooledBrowsers caps how many Chrome processes a single job keeps
	// alive. Tabs above this share browsers round-robin.
	maxPooledBrowsers = 3
)

// navigationStatusScript recovers the document status from the performance
// API when no CDP response event was observed for the navigation.
const navigationStatusScript = `window.performance?.getEntriesByType?.('navigation')?.[0]?.responseStatus || 0`

// ChromedpRenderer drives headless Chrome for crawls that need JavaScript
// execution, screenshots, or device emulation. A small pool of long-lived
// browsers serves renders round-robin and each render runs in a fresh tab.
// Incognito and proxy renders launch a throwaway browser instead of touching
// the shared pool.
type ChromedpRenderer struct {
	userAgent string
	poolSize  int
	logger    arbor.ILogger

	mu               sync.Mutex
	browsers         []context.Context
	browserCancels   []context.CancelFunc
	allocatorCancels []context.CancelFunc
	nextBrowser      int
	initialized      bool
	closed           bool

	sem chan struct{}
}

// NewChromedpRenderer builds a browser renderer allowing at most maxTabs
// concurrent renders. Browsers start lazily on Init or first Render.
func NewChromedpRenderer(userAgent string, maxTabs int, logger arbor.ILogger) *ChromedpRenderer {
	if maxTabs < 1 {
		maxTabs = 1
	}
	poolSize := maxTabs
	if poolSize > maxPooledBrowsers {
		poolSize = maxPooledBrowsers
	}
	return &ChromedpRenderer{
		userAgent: userAgent,
		poolSize:  poolSize,
		logger:    logger,
		sem:       make(chan struct{}, maxTabs),
	}
}

// Init starts the browser pool. Creation is best-effort per instance; Init
// fails only when no browser at all could be started.
func (r *ChromedpRenderer) Init(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return fmt.Errorf("renderer is closed")
	}
	if r.initialized {
		return nil
	}

	r.logger.Info().
		Int("pool_size", r.poolSize).
		Str("user_agent", r.userAgent).
		Msg("Starting browser pool")

	created := 0
	var lastErr error
	for i := 0; i < r.poolSize; i++ {
		if err := ctx.Err(); err != nil {
			r.shutdownLocked()
			return err
		}
		if err := r.createBrowser(i); err != nil {
			lastErr = err
			r.logger.Warn().
				Err(err).
				Int("browser_index", i).
				Msg("Failed to start browser instance")
			continue
		}
		created++
	}
	if created == 0 {
		return fmt.Errorf("failed to start any browser instance: %w", lastErr)
	}

	r.initialized = true
	r.logger.Info().
		Int("browsers_created", created).
		Int("requested", r.poolSize).
		Msg("Browser pool ready")
	return nil
}

func (r *ChromedpRenderer) allocatorOptions(proxy string) []chromedp.ExecAllocatorOption {
	opts := append(
		chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if r.userAgent != "" {
		opts = append(opts, chromedp.UserAgent(r.userAgent))
	}
	if proxy != "" {
		opts = append(opts, chromedp.ProxyServer(proxy))
	}
	return opts
}

// createBrowser starts one browser instance and probes it before adding it
// to the pool. Callers must hold the mutex.
func (r *ChromedpRenderer) createBrowser(index int) error {
	start := time.Now()

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), r.allocatorOptions("")...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	probeCtx, probeCancel := context.WithTimeout(browserCtx, browserStartupTimeout)
	defer probeCancel()

	var title string
	if err := chromedp.Run(probeCtx, chromedp.Navigate("about:blank"), chromedp.Title(&title)); err != nil {
		browserCancel()
		allocCancel()
		return fmt.Errorf("browser failed startup probe: %w", err)
	}

	r.browsers = append(r.browsers, browserCtx)
	r.browserCancels = append(r.browserCancels, browserCancel)
	r.allocatorCancels = append(r.allocatorCancels, allocCancel)

	r.logger.Debug().
		Int("browser_index", index).
		Dur("startup_time", time.Since(start)).
		Msg("Browser instance started")
	return nil
}

// acquireBrowser hands out pooled browser contexts round-robin.
func (r *ChromedpRenderer) acquireBrowser() (context.Context, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.initialized || len(r.browsers) == 0 {
		return nil, fmt.Errorf("browser pool not initialized")
	}
	browserCtx := r.browsers[r.nextBrowser%len(r.browsers)]
	r.nextBrowser = (r.nextBrowser + 1) % len(r.browsers)
	return browserCtx, nil
}

// Render navigates to the page in a browser tab and builds the extraction
// payload. The document status comes from the CDP response event, with the
// performance API as fallback.
func (r *ChromedpRenderer) Render(ctx context.Context, pageURL string, opts models.RenderOptions) (*models.ExtractResult, error) {
	select {
	case r.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-r.sem }()

	if err := r.Init(ctx); err != nil {
		return nil, err
	}

	var parent context.Context
	if opts.Incognito || opts.Proxy != "" {
		// Isolation or proxying needs its own browser process since pooled
		// browsers share a profile and proxies are fixed at launch.
		allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), r.allocatorOptions(opts.Proxy)...)
		defer allocCancel()
		browserCtx, browserCancel := chromedp.NewContext(allocCtx)
		defer browserCancel()
		parent = browserCtx
	} else {
		browserCtx, err := r.acquireBrowser()
		if err != nil {
			return nil, err
		}
		parent = browserCtx
	}

	tabCtx, cancelTab := chromedp.NewContext(parent)
	defer cancelTab()

	timeout := defaultRenderTimeout
	if opts.TimeoutMs > 0 {
		timeout = time.Duration(opts.TimeoutMs) * time.Millisecond
	}
	runCtx, cancelRun := context.WithTimeout(tabCtx, timeout)
	defer cancelRun()

	// Cut the tab loose when the caller gives up mid-render.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			cancelTab()
		case <-watchDone:
		}
	}()

	var documentStatus int64
	chromedp.ListenTarget(runCtx, func(ev interface{}) {
		if resp, ok := ev.(*network.EventResponseReceived); ok {
			if resp.Type == network.ResourceTypeDocument && documentStatus == 0 {
				documentStatus = resp.Response.Status
			}
		}
	})

	var (
		rawHTML    string
		finalURL   string
		screenshot []byte
	)

	tasks := chromedp.Tasks{network.Enable()}
	if len(opts.ExtraHeaders) > 0 {
		headers := make(network.Headers, len(opts.ExtraHeaders))
		for k, v := range opts.ExtraHeaders {
			headers[k] = v
		}
		tasks = append(tasks, network.SetExtraHTTPHeaders(headers))
	}
	switch opts.Device {
	case models.DeviceMobile:
		tasks = append(tasks, chromedp.Emulate(device.IPhoneX))
	case models.DeviceTablet:
		tasks = append(tasks, chromedp.Emulate(device.IPadPro))
	}
	tasks = append(tasks, chromedp.Navigate(pageURL))
	if opts.WaitUntil == models.WaitNetworkIdle {
		tasks = append(tasks, chromedp.Sleep(networkIdleSettle))
	}
	if opts.SleepMs > 0 {
		tasks = append(tasks, chromedp.Sleep(time.Duration(opts.SleepMs)*time.Millisecond))
	}
	for _, script := range opts.UserScripts {
		tasks = append(tasks, chromedp.Evaluate(script, nil))
	}
	tasks = append(tasks, chromedp.Location(&finalURL), chromedp.OuterHTML("html", &rawHTML))
	if opts.Screenshot {
		tasks = append(tasks, chromedp.FullScreenshot(&screenshot, screenshotQuality))
	}

	if err := chromedp.Run(runCtx, tasks...); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if documentStatus > 0 {
			return &models.ExtractResult{FinalURL: pageURL, StatusCode: int(documentStatus)},
				fmt.Errorf("browser navigation failed: %w", err)
		}
		return nil, fmt.Errorf("browser navigation failed: %w", err)
	}

	statusCode := int(documentStatus)
	if statusCode == 0 {
		var perfStatus int64
		if err := chromedp.Run(runCtx, chromedp.Evaluate(navigationStatusScript, &perfStatus)); err == nil && perfStatus > 0 {
			statusCode = int(perfStatus)
		}
	}
	if statusCode == 0 {
		statusCode = 200
	}
	if finalURL == "" {
		finalURL = pageURL
	}

	if statusCode >= 400 {
		return &models.ExtractResult{FinalURL: finalURL, StatusCode: statusCode},
			fmt.Errorf("navigation returned status %d", statusCode)
	}

	result, err := buildResult(rawHTML, finalURL, statusCode, r.logger)
	if err != nil {
		return &models.ExtractResult{FinalURL: finalURL, StatusCode: statusCode}, err
	}
	if len(screenshot) > 0 {
		result.Screenshot = base64.StdEncoding.EncodeToString(screenshot)
	}
	return result, nil
}

// Close shuts down every pooled browser. Safe to call more than once.
func (r *ChromedpRenderer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	r.shutdownLocked()
	return nil
}

func (r *ChromedpRenderer) shutdownLocked() {
	for _, cancel := range r.browserCancels {
		cancel()
	}
	for _, cancel := range r.allocatorCancels {
		cancel()
	}
	r.browsers = nil
	r.browserCancels = nil
	r.allocatorCancels = nil
	r.initialized = false
}
