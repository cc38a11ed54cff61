package handlers

import (
	"bytes"
	"fmt"
	"html/template"
	"net/http"

	"github.com/yuin/goldmark"
)

var previewTemplate = template.Must(template.New("preview").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { font-family: sans-serif; max-width: 48rem; margin: 2rem auto; padding: 0 1rem; line-height: 1.5; }
header { color: #555; font-size: 0.85rem; border-bottom: 1px solid #ddd; padding-bottom: 0.75rem; margin-bottom: 1.5rem; }
header a { color: inherit; }
img { max-width: 100%; }
pre { background: #f5f5f5; padding: 0.75rem; overflow-x: auto; }
</style>
</head>
<body>
<header>
<strong>{{.Title}}</strong><br>
<a href="{{.URL}}">{{.URL}}</a><br>
depth {{.Depth}}, status {{.StatusCode}}, crawled {{.CrawledAt}}
</header>
{{.Body}}
</body>
</html>
`))

type previewData struct {
	Title      string
	URL        string
	Depth      int
	StatusCode int
	CrawledAt  string
	Body       template.HTML
}

// PreviewPageHandler renders the extracted markdown of a stored page as HTML
// for human inspection.
// GET /crawl/{id}/pages/{page_id}/preview
func (h *CrawlHandler) PreviewPageHandler(w http.ResponseWriter, r *http.Request) {
	jobID := pathSegment(r, 1)
	pageID := pathSegment(r, 3)

	record, err := h.manager.GetPage(jobID, pageID)
	if err != nil {
		h.writeJobError(w, jobID, err)
		return
	}
	if record == nil {
		WriteError(w, http.StatusNotFound, fmt.Sprintf("Page %s not found", pageID))
		return
	}

	var markdown string
	if record.ArticleResult != nil {
		markdown = record.ArticleResult.Markdown
	}

	var body bytes.Buffer
	if err := goldmark.Convert([]byte(markdown), &body); err != nil {
		h.logger.Error().Err(err).Str("page_id", pageID).Msg("Failed to render markdown")
		WriteError(w, http.StatusInternalServerError, "Failed to render page preview")
		return
	}

	title := record.Title
	if title == "" {
		title = record.URL
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := previewTemplate.Execute(w, previewData{
		Title:      title,
		URL:        record.URL,
		Depth:      record.Depth,
		StatusCode: record.StatusCode,
		CrawledAt:  record.Timestamp.Format("2006-01-02 15:04:05 MST"),
		Body:       template.HTML(body.String()),
	}); err != nil {
		h.logger.Warn().Err(err).Msg("Failed to write page preview")
	}
}
