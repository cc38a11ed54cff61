package crawler

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/aranea/internal/common"
	"github.com/ternarybob/aranea/internal/interfaces"
	"github.com/ternarybob/aranea/internal/models"
	"github.com/ternarybob/aranea/internal/services/render"
)

// rateLimitWaitTimeout bounds how long a worker blocks on the rate limiter
// before giving up on a URL.
const rateLimitWaitTimeout = 30 * time.Second

// worker pulls URLs off the frontier and runs each through the page
// pipeline: robots policy, rate limiting, content-type probe, rendering,
// link discovery, asset capture, and persistence. Every per-URL error is
// contained; nothing a single page does can take the crawl down.
type worker struct {
	id     int
	jobID  string
	params *models.CrawlParams

	frontier *Frontier
	limiter  *RateLimiter
	robots   *RobotsAdvisor
	scope    *ScopeFilter
	canon    *Canonicalizer
	fetcher  *Fetcher
	renderer render.Renderer
	store    interfaces.CrawlStore
	logger   arbor.ILogger

	// busy is shared across the pool so the monitor can tell an idle crawl
	// from one that is still processing.
	busy     *atomic.Int64
	progress func()
}

// run loops until the frontier closes or the context is cancelled.
func (w *worker) run(ctx context.Context) {
	w.logger.Debug().Int("worker_id", w.id).Msg("Crawl worker started")
	for {
		entry, ok := w.frontier.Dequeue(ctx)
		if !ok {
			w.logger.Debug().Int("worker_id", w.id).Msg("Crawl worker stopped")
			return
		}
		w.busy.Add(1)
		w.processURL(ctx, entry)
		w.busy.Add(-1)
		w.progress()
	}
}

// processURL runs one URL through the full pipeline. Cancellation aborts
// without writing records or touching counters, so a paused crawl can pick
// the URL up again later.
func (w *worker) processURL(ctx context.Context, entry *FrontierEntry) {
	pageURL := entry.URL
	defer func() {
		if rec := recover(); rec != nil {
			w.logger.Error().
				Int("worker_id", w.id).
				Str("url", pageURL).
				Str("stack", common.GetStackTrace()).
				Msgf("Worker panic: %v", rec)
			w.frontier.MarkFailure(pageURL, fmt.Sprintf("worker panic: %v", rec))
		}
	}()

	w.logger.Debug().
		Int("worker_id", w.id).
		Str("url", pageURL).
		Int("depth", entry.Depth).
		Msg("Processing URL")

	if w.params.RespectRobots {
		if !w.robots.CanFetch(ctx, pageURL, w.params.UserAgent) {
			w.logger.Debug().Str("url", pageURL).Msg("Disallowed by robots.txt")
			w.frontier.MarkSkipped(pageURL, ReasonRobotsDisallowed)
			return
		}
		if delay := w.robots.CrawlDelay(ctx, pageURL, w.params.UserAgent); delay > 0 {
			w.limiter.ApplyCrawlDelay(DomainKey(pageURL), delay)
		}
	}

	if !w.limiter.WaitForPermission(ctx, pageURL, rateLimitWaitTimeout) {
		if ctx.Err() != nil {
			return
		}
		w.logger.Warn().Str("url", pageURL).Msg("Rate limit wait timed out")
		w.frontier.MarkSkipped(pageURL, ReasonRateLimitTimeout)
		return
	}

	head, err := w.fetcher.Head(ctx, pageURL)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		w.logger.Debug().Str("url", pageURL).Err(err).Msg("Content type probe failed")
		w.frontier.MarkSkipped(pageURL, ReasonContentType(""))
		return
	}
	if !IsContentTypeAllowed(head.ContentType, w.params.ContentTypes) {
		w.logger.Debug().
			Str("url", pageURL).
			Str("content_type", head.ContentType).
			Msg("Content type not allowed")
		w.frontier.MarkSkipped(pageURL, ReasonContentType(head.ContentType))
		return
	}

	result, err := w.renderer.Render(ctx, pageURL, w.params.Render)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		w.recordExtractionFailure(entry, result, err)
		return
	}

	linkCount := 0
	if entry.Depth < w.params.MaxDepth {
		linkCount = w.enqueueLinks(ctx, w.discoverLinks(result, pageURL), entry.Depth)
	}

	var assets map[string]string
	if w.params.CaptureAssets && result.FullContent != "" {
		assets = w.captureAssets(ctx, result, pageURL)
	}
	if ctx.Err() != nil {
		return
	}

	w.persistScreenshot(result, pageURL)

	statusCode := result.StatusCode
	if statusCode == 0 {
		statusCode = 200
	}
	if !w.params.Render.FullContent {
		result.FullContent = ""
	}

	now := time.Now().UTC()
	record := &models.PageRecord{
		URL:           pageURL,
		Depth:         entry.Depth,
		StatusCode:    statusCode,
		OK:            true,
		Timestamp:     now,
		Title:         result.Title,
		Length:        result.Length,
		ArticleResult: result,
		Assets:        assets,
		CrawlMetadata: models.CrawlMetadata{
			JobID:     w.jobID,
			Depth:     entry.Depth,
			CrawledAt: now,
		},
	}
	if err := w.store.SavePage(w.jobID, record); err != nil {
		w.logger.Error().Str("url", pageURL).Err(err).Msg("Failed to save page record")
		w.frontier.MarkFailure(pageURL, fmt.Sprintf("io failure: %v", err))
		return
	}
	w.frontier.MarkSuccess(pageURL)

	if err := w.store.AppendLog(w.jobID, fmt.Sprintf("Successfully processed %s (depth: %d, links: %d)", pageURL, entry.Depth, linkCount)); err != nil {
		w.logger.Debug().Err(err).Msg("Failed to append job log")
	}

	w.logger.Info().
		Int("worker_id", w.id).
		Str("url", pageURL).
		Int("depth", entry.Depth).
		Int("status_code", statusCode).
		Int("links_found", linkCount).
		Msg("Page processed")
}

// recordExtractionFailure persists a failed page record so the job output
// shows the URL was attempted, then marks the failure.
func (w *worker) recordExtractionFailure(entry *FrontierEntry, partial *models.ExtractResult, cause error) {
	w.logger.Warn().
		Str("url", entry.URL).
		Err(cause).
		Msg("Content extraction failed")

	statusCode := 0
	if partial != nil {
		statusCode = partial.StatusCode
	}
	now := time.Now().UTC()
	record := &models.PageRecord{
		URL:        entry.URL,
		Depth:      entry.Depth,
		StatusCode: statusCode,
		OK:         false,
		Timestamp:  now,
		Reason:     ReasonExtractionFailed,
		CrawlMetadata: models.CrawlMetadata{
			JobID:     w.jobID,
			Depth:     entry.Depth,
			CrawledAt: now,
		},
	}
	if err := w.store.SavePage(w.jobID, record); err != nil {
		w.logger.Warn().Str("url", entry.URL).Err(err).Msg("Failed to record extraction failure")
	}
	w.frontier.MarkFailure(entry.URL, ReasonExtractionFailed)
}

// discoverLinks extracts links from the rendered document, falling back to a
// plain anchor scrape when the grouped extractor suppresses everything.
// Links resolve against the post-redirect URL so relative references land on
// the right host.
func (w *worker) discoverLinks(result *models.ExtractResult, pageURL string) []models.Link {
	if result.FullContent == "" {
		return nil
	}
	base := result.FinalURL
	if base == "" {
		base = pageURL
	}
	links := render.ExtractLinks(result.FullContent, base)
	if len(links) == 0 {
		links = render.ScrapeAnchors(result.FullContent, base)
	}
	return links
}

// enqueueLinks canonicalizes each candidate, applies the scope predicate,
// and feeds survivors back into the frontier one level deeper.
func (w *worker) enqueueLinks(ctx context.Context, links []models.Link, depth int) int {
	enqueued := 0
	for _, link := range links {
		if ctx.Err() != nil {
			break
		}
		canonical, err := w.canon.Canonicalize(link.Href)
		if err != nil {
			continue
		}
		comps, err := w.canon.ParseComponents(canonical)
		if err != nil {
			continue
		}
		if !w.scope.ShouldFollowLink(comps, link.NoFollow()) {
			continue
		}
		if w.frontier.Enqueue(canonical, depth+1) {
			enqueued++
		}
	}
	return enqueued
}

// captureAssets downloads page assets matching the allowed types and stores
// them in the job's blob store. Oversized or failing assets are dropped
// without affecting the page outcome. Assets are not scope checked since
// images routinely live on CDN hosts.
func (w *worker) captureAssets(ctx context.Context, result *models.ExtractResult, pageURL string) map[string]string {
	base := result.FinalURL
	if base == "" {
		base = pageURL
	}

	assets := make(map[string]string)
	for _, ref := range render.ExtractAssets(result.FullContent, base) {
		if ctx.Err() != nil {
			break
		}
		if !IsAssetTypeAllowed(ref.MIMEType, w.params.CaptureAssetTypes) {
			continue
		}
		data, contentType, err := w.fetcher.StreamGet(ctx, ref.URL, w.params.MaxAssetSizeBytes())
		if err != nil {
			w.logger.Debug().Str("asset_url", ref.URL).Err(err).Msg("Asset skipped")
			continue
		}
		if contentType == "" {
			contentType = ref.MIMEType
		}
		blobName, err := w.store.SaveAsset(w.jobID, ref.URL, data, contentType)
		if err != nil {
			w.logger.Warn().Str("asset_url", ref.URL).Err(err).Msg("Failed to store asset")
			continue
		}
		assets[ref.URL] = blobName
	}
	if len(assets) == 0 {
		return nil
	}
	return assets
}

// persistScreenshot moves an inline screenshot into the blob store and
// rewrites the field to the blob reference.
func (w *worker) persistScreenshot(result *models.ExtractResult, pageURL string) {
	if result.Screenshot == "" {
		return
	}
	data, err := base64.StdEncoding.DecodeString(result.Screenshot)
	if err != nil {
		result.Screenshot = ""
		return
	}
	blobName, err := w.store.SaveAsset(w.jobID, pageURL+"#screenshot", data, "image/png")
	if err != nil {
		w.logger.Warn().Str("url", pageURL).Err(err).Msg("Failed to store screenshot")
		result.Screenshot = ""
		return
	}
	result.Screenshot = blobName
}
