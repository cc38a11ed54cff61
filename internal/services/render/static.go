package render

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/aranea/internal/httpclient"
	"github.com/ternarybob/aranea/internal/models"
)

const (
	defaultRenderTimeout = 60 * time.Second

	// maxDocumentSize caps how much of a response body is read when
	// rendering statically.
	maxDocumentSize = 20 << 20
)

// StaticRenderer fetches pages with a plain HTTP GET. It is the cheap path
// for crawls that do not need JavaScript execution.
type StaticRenderer struct {
	client    *http.Client
	userAgent string
	logger    arbor.ILogger
}

// NewStaticRenderer returns a renderer backed by a shared HTTP client.
// Per-render deadlines come from the request context, so the client itself
// carries no timeout.
func NewStaticRenderer(userAgent string, logger arbor.ILogger) *StaticRenderer {
	return &StaticRenderer{
		client:    httpclient.New(0),
		userAgent: userAgent,
		logger:    logger,
	}
}

// Render fetches the page and builds the extraction payload. When the server
// answers with an error status a partial result carrying that status is
// returned alongside the error.
func (r *StaticRenderer) Render(ctx context.Context, pageURL string, opts models.RenderOptions) (*models.ExtractResult, error) {
	timeout := defaultRenderTimeout
	if opts.TimeoutMs > 0 {
		timeout = time.Duration(opts.TimeoutMs) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpclient.ApplyHeaders(req, r.userAgent, opts.ExtraHeaders)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch failed: %w", err)
	}
	defer resp.Body.Close()

	finalURL := pageURL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}

	if resp.StatusCode >= 400 {
		return &models.ExtractResult{FinalURL: finalURL, StatusCode: resp.StatusCode},
			fmt.Errorf("fetch returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
	if err != nil {
		return &models.ExtractResult{FinalURL: finalURL, StatusCode: resp.StatusCode},
			fmt.Errorf("failed to read response body: %w", err)
	}

	result, err := buildResult(string(body), finalURL, resp.StatusCode, r.logger)
	if err != nil {
		return &models.ExtractResult{FinalURL: finalURL, StatusCode: resp.StatusCode}, err
	}
	return result, nil
}

// Close is a no-op for the static renderer.
func (r *StaticRenderer) Close() error {
	return nil
}
