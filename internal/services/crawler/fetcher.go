package crawler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ternarybob/aranea/internal/httpclient"
)

const (
	headFetchTimeout  = 10 * time.Second
	assetFetchTimeout = 30 * time.Second
	assetChunkSize    = 8192
)

// HeadResult carries the response metadata of a content-type probe.
type HeadResult struct {
	StatusCode    int
	ContentType   string
	ContentLength int64
	FinalURL      string
}

// Fetcher performs the plain HTTP requests of the worker loop: content-type
// probes ahead of rendering, and streaming asset downloads with a byte cap.
type Fetcher struct {
	headClient *http.Client
	getClient  *http.Client
	userAgent  string
	headers    map[string]string
}

// NewFetcher builds a fetcher that sends the given user agent and extra
// headers on every request. An empty agent falls back to the browser default.
func NewFetcher(userAgent string, extraHeaders map[string]string) *Fetcher {
	return &Fetcher{
		headClient: httpclient.New(headFetchTimeout),
		getClient:  httpclient.New(assetFetchTimeout),
		userAgent:  userAgent,
		headers:    extraHeaders,
	}
}

// Head issues a HEAD request, following redirects, and reports the final
// status, content type (lowercased) and length.
func (f *Fetcher) Head(ctx context.Context, rawURL string) (*HeadResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return nil, err
	}
	httpclient.ApplyHeaders(req, f.userAgent, f.headers)

	resp, err := f.headClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return &HeadResult{
		StatusCode:    resp.StatusCode,
		ContentType:   strings.ToLower(resp.Header.Get("Content-Type")),
		ContentLength: resp.ContentLength,
		FinalURL:      resp.Request.URL.String(),
	}, nil
}

// StreamGet downloads a body in fixed-size chunks, aborting once maxBytes is
// exceeded either by the Content-Length header or by the running total. A
// maxBytes of zero means unbounded. The response content type is returned
// alongside the bytes.
func (f *Fetcher) StreamGet(ctx context.Context, rawURL string, maxBytes int64) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", err
	}
	httpclient.ApplyHeaders(req, f.userAgent, f.headers)

	resp, err := f.getClient.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("download returned status %d", resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")

	if maxBytes > 0 && resp.ContentLength > maxBytes {
		return nil, contentType, fmt.Errorf("content length %d exceeds limit of %d bytes", resp.ContentLength, maxBytes)
	}

	var body []byte
	chunk := make([]byte, assetChunkSize)
	for {
		n, readErr := resp.Body.Read(chunk)
		if n > 0 {
			body = append(body, chunk[:n]...)
			if maxBytes > 0 && int64(len(body)) > maxBytes {
				return nil, contentType, fmt.Errorf("download exceeded limit of %d bytes", maxBytes)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return nil, contentType, readErr
		}
	}

	return body, contentType, nil
}
