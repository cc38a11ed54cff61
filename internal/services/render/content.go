package render

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/aranea/internal/models"
)

const excerptMaxRunes = 200

// noiseSelector matches elements stripped before content extraction.
const noiseSelector = "script, style, noscript, nav, footer, aside"

// contentSelector is tried first when locating the main content area, falling
// back to body when nothing matches.
const contentSelector = "main, article, .content, .main-content, #content, #main"

// buildResult parses rendered HTML into the extraction payload. The raw
// document is kept in FullContent so callers can run link and asset scans
// over the unstripped markup.
func buildResult(rawHTML, finalURL string, statusCode int, logger arbor.ILogger) (*models.ExtractResult, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	title := extractTitle(doc)
	meta := extractMeta(doc)

	doc.Find(noiseSelector).Remove()

	contentSel := doc.Find(contentSelector).First()
	if contentSel.Length() == 0 {
		contentSel = doc.Find("body")
	}
	if contentSel.Length() == 0 {
		contentSel = doc.Selection
	}

	contentHTML, err := goquery.OuterHtml(contentSel)
	if err != nil {
		contentHTML = rawHTML
	}

	textContent := normalizeSpace(contentSel.Text())
	markdown := htmlToMarkdown(contentHTML, finalURL, logger)

	excerpt := meta["description"]
	if excerpt == "" {
		excerpt = truncateRunes(textContent, excerptMaxRunes)
	}

	return &models.ExtractResult{
		FinalURL:    finalURL,
		Title:       title,
		Content:     contentHTML,
		Markdown:    markdown,
		TextContent: textContent,
		Length:      utf8.RuneCountInString(textContent),
		Excerpt:     excerpt,
		Meta:        meta,
		FullContent: rawHTML,
		StatusCode:  statusCode,
	}, nil
}

// extractTitle walks the usual suspects in priority order.
func extractTitle(doc *goquery.Document) string {
	if title := strings.TrimSpace(doc.Find("title").First().Text()); title != "" {
		return title
	}
	if title := strings.TrimSpace(doc.Find(`meta[property="og:title"]`).First().AttrOr("content", "")); title != "" {
		return title
	}
	if title := strings.TrimSpace(doc.Find("h1").First().Text()); title != "" {
		return title
	}
	if title := strings.TrimSpace(doc.Find(`meta[name="twitter:title"]`).First().AttrOr("content", "")); title != "" {
		return title
	}
	return "Untitled"
}

// extractMeta collects social and descriptive meta tags. First occurrence
// wins when a tag is repeated.
func extractMeta(doc *goquery.Document) map[string]string {
	meta := make(map[string]string)
	doc.Find("meta").Each(func(_ int, s *goquery.Selection) {
		content := strings.TrimSpace(s.AttrOr("content", ""))
		if content == "" {
			return
		}
		if prop := strings.TrimSpace(s.AttrOr("property", "")); prop != "" {
			if strings.HasPrefix(prop, "og:") || strings.HasPrefix(prop, "article:") {
				if _, exists := meta[prop]; !exists {
					meta[prop] = content
				}
				return
			}
		}
		name := strings.TrimSpace(s.AttrOr("name", ""))
		if name == "" {
			return
		}
		if strings.HasPrefix(name, "twitter:") || name == "description" || name == "keywords" || name == "author" {
			if _, exists := meta[name]; !exists {
				meta[name] = content
			}
		}
	})
	return meta
}

// htmlToMarkdown converts content HTML to markdown, falling back to tag
// stripping when the converter fails or produces nothing.
func htmlToMarkdown(html, baseURL string, logger arbor.ILogger) string {
	if html == "" {
		return ""
	}

	converter := md.NewConverter(baseURL, true, nil)
	converted, err := converter.ConvertString(html)
	if err != nil {
		if logger != nil {
			logger.Warn().Err(err).Msg("HTML to markdown conversion failed, using fallback")
		}
		return stripHTMLTags(html)
	}
	if strings.TrimSpace(converted) == "" {
		return stripHTMLTags(html)
	}
	return converted
}

var (
	tagPattern   = regexp.MustCompile(`<[^>]*>`)
	spacePattern = regexp.MustCompile(`\s+`)
)

// stripHTMLTags removes markup for fallback cases.
func stripHTMLTags(htmlStr string) string {
	stripped := tagPattern.ReplaceAllString(htmlStr, "")
	cleaned := spacePattern.ReplaceAllString(stripped, " ")

	cleaned = strings.ReplaceAll(cleaned, "&amp;", "&")
	cleaned = strings.ReplaceAll(cleaned, "&lt;", "<")
	cleaned = strings.ReplaceAll(cleaned, "&gt;", ">")
	cleaned = strings.ReplaceAll(cleaned, "&quot;", "\"")
	cleaned = strings.ReplaceAll(cleaned, "&#39;", "'")
	cleaned = strings.ReplaceAll(cleaned, "&nbsp;", " ")

	return strings.TrimSpace(cleaned)
}

// normalizeSpace collapses runs of whitespace to single spaces.
func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncateRunes(s string, max int) string {
	if max <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return strings.TrimSpace(string(runes[:max]))
}
