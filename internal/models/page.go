package models

import (
	"strings"
	"time"
)

// Link is one hyperlink extracted from a rendered page.
type Link struct {
	Href string `json:"href"`
	Text string `json:"text,omitempty"`
	Rel  string `json:"rel,omitempty"`
}

// NoFollow reports whether the anchor carried rel=nofollow.
func (l Link) NoFollow() bool {
	return strings.Contains(strings.ToLower(l.Rel), "nofollow")
}

// ExtractResult is the payload returned by the renderer/extractor
// collaborator for one page. Field names follow the readability output the
// extractor produces, so the payload round-trips into page records and the
// JSONL export without translation.
type ExtractResult struct {
	FinalURL    string            `json:"final_url,omitempty"`
	Title       string            `json:"title,omitempty"`
	Content     string            `json:"content,omitempty"` // cleaned article HTML
	Markdown    string            `json:"markdown,omitempty"`
	TextContent string            `json:"textContent,omitempty"`
	Length      int               `json:"length"`
	Excerpt     string            `json:"excerpt,omitempty"`
	Meta        map[string]string `json:"meta,omitempty"`        // OG/Twitter tags
	FullContent string            `json:"fullContent,omitempty"` // raw document HTML
	Screenshot  string            `json:"screenshot,omitempty"`  // blob reference
	StatusCode  int               `json:"status_code,omitempty"`
}

// CrawlMetadata ties a page record back to the job that produced it.
type CrawlMetadata struct {
	JobID     string    `json:"job_id"`
	Depth     int       `json:"depth"`
	CrawledAt time.Time `json:"crawled_at"`
}

// PageRecord is the durable JSON document written once per processed URL.
// Records are never mutated after being written.
type PageRecord struct {
	URL        string    `json:"url"`
	Depth      int       `json:"depth"`
	StatusCode int       `json:"status_code"`
	OK         bool      `json:"ok"`
	Timestamp  time.Time `json:"timestamp"`

	// Reason is set for failed or skipped pages.
	Reason string `json:"reason,omitempty"`

	Title  string `json:"title,omitempty"`
	Length int    `json:"length,omitempty"`

	ArticleResult *ExtractResult `json:"article_result,omitempty"`

	// Assets maps the source URL of a captured asset to the blob filename
	// written under blobs/.
	Assets map[string]string `json:"assets,omitempty"`

	CrawlMetadata CrawlMetadata `json:"crawl_metadata"`
}

// PageSummary is the projection served by GET /crawl/{id}/pages.
type PageSummary struct {
	PageID     string    `json:"page_id"`
	URL        string    `json:"url"`
	Depth      int       `json:"depth"`
	StatusCode int       `json:"status_code"`
	OK         bool      `json:"ok"`
	Timestamp  time.Time `json:"timestamp"`
	Title      string    `json:"title,omitempty"`
	Reason     string    `json:"reason,omitempty"`
}

// PageStatusFilter narrows ListPages results.
type PageStatusFilter string

const (
	PageFilterAll     PageStatusFilter = ""
	PageFilterOK      PageStatusFilter = "ok"
	PageFilterFailed  PageStatusFilter = "failed"
	PageFilterSkipped PageStatusFilter = "skipped"
)

// Matches reports whether a record passes the filter. Failed covers records
// written with ok=false and a reason; skipped URLs normally produce no
// record, so the skipped filter matches reasons carrying a skip marker.
func (f PageStatusFilter) Matches(rec *PageRecord) bool {
	switch f {
	case PageFilterOK:
		return rec.OK
	case PageFilterFailed:
		return !rec.OK
	case PageFilterSkipped:
		return !rec.OK && rec.Reason != ""
	default:
		return true
	}
}
