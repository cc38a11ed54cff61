package render

import (
	"net/url"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/ternarybob/aranea/internal/models"
)

// Group medians must exceed both thresholds before a group of anchors is
// treated as content links rather than navigation chrome.
const (
	textLenThreshold   = 40
	wordCountThreshold = 3
)

// AssetRef is a downloadable asset candidate found in page markup, with a
// MIME type guessed from its extension.
type AssetRef struct {
	URL      string
	MIMEType string
}

type anchorEntry struct {
	link  models.Link
	group string
	text  string
	pos   int
}

// ExtractLinks pulls article-style links out of rendered HTML, suppressing
// navigation noise. Anchors are grouped by their CSS path and a group only
// survives when the median text length and median word count of its members
// clear the thresholds. Surviving links keep document order.
func ExtractLinks(rawHTML, baseURL string) []models.Link {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		return nil
	}
	base, _ := url.Parse(baseURL)

	var anchors []anchorEntry
	doc.Find("a[href]").Each(func(i int, s *goquery.Selection) {
		href := strings.TrimSpace(s.AttrOr("href", ""))
		if skippableHref(href) {
			return
		}
		abs := resolveHref(base, href)
		if abs == "" {
			return
		}
		text := normalizeSpace(s.Text())
		anchors = append(anchors, anchorEntry{
			link: models.Link{
				Href: abs,
				Text: text,
				Rel:  strings.TrimSpace(s.AttrOr("rel", "")),
			},
			group: cssPath(s),
			text:  text,
			pos:   i,
		})
	})
	if len(anchors) == 0 {
		return nil
	}

	groups := make(map[string][]anchorEntry)
	for _, a := range anchors {
		groups[a.group] = append(groups[a.group], a)
	}

	approved := make(map[string]bool, len(groups))
	for key, members := range groups {
		textLens := make([]int, len(members))
		wordCounts := make([]int, len(members))
		for i, m := range members {
			textLens[i] = len(m.text)
			wordCounts[i] = len(strings.Fields(m.text))
		}
		approved[key] = median(textLens) > textLenThreshold && median(wordCounts) > wordCountThreshold
	}

	seen := make(map[string]struct{})
	var links []models.Link
	for _, a := range anchors {
		if !approved[a.group] {
			continue
		}
		if _, dup := seen[a.link.Href]; dup {
			continue
		}
		seen[a.link.Href] = struct{}{}
		links = append(links, a.link)
	}
	return links
}

// ScrapeAnchors collects every usable anchor without noise filtering. It is
// the fallback when the grouped extractor finds nothing on a page.
func ScrapeAnchors(rawHTML, baseURL string) []models.Link {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		return nil
	}
	base, _ := url.Parse(baseURL)

	seen := make(map[string]struct{})
	var links []models.Link
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href := strings.TrimSpace(s.AttrOr("href", ""))
		if skippableHref(href) {
			return
		}
		abs := resolveHref(base, href)
		if abs == "" {
			return
		}
		if _, dup := seen[abs]; dup {
			return
		}
		seen[abs] = struct{}{}
		links = append(links, models.Link{
			Href: abs,
			Text: normalizeSpace(s.Text()),
			Rel:  strings.TrimSpace(s.AttrOr("rel", "")),
		})
	})
	return links
}

// ExtractAssets finds image sources and PDF links in page markup. Type
// filtering against the job's allowed asset types happens in the caller.
func ExtractAssets(rawHTML, baseURL string) []AssetRef {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		return nil
	}
	base, _ := url.Parse(baseURL)

	var assets []AssetRef
	doc.Find("img[src]").Each(func(_ int, s *goquery.Selection) {
		src := strings.TrimSpace(s.AttrOr("src", ""))
		if src == "" || strings.HasPrefix(strings.ToLower(src), "data:") {
			return
		}
		abs := resolveHref(base, src)
		if abs == "" {
			return
		}
		assets = append(assets, AssetRef{URL: abs, MIMEType: imageMIMEType(abs)})
	})
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href := strings.TrimSpace(s.AttrOr("href", ""))
		if href == "" || !strings.HasSuffix(strings.ToLower(href), ".pdf") {
			return
		}
		abs := resolveHref(base, href)
		if abs == "" {
			return
		}
		assets = append(assets, AssetRef{URL: abs, MIMEType: "application/pdf"})
	})

	seen := make(map[string]struct{}, len(assets))
	var unique []AssetRef
	for _, a := range assets {
		if _, dup := seen[a.URL]; dup {
			continue
		}
		seen[a.URL] = struct{}{}
		unique = append(unique, a)
	}
	return unique
}

// imageMIMEType guesses a MIME type from the URL extension.
func imageMIMEType(rawURL string) string {
	lower := strings.ToLower(rawURL)
	switch {
	case strings.HasSuffix(lower, ".jpg"), strings.HasSuffix(lower, ".jpeg"):
		return "image/jpeg"
	case strings.HasSuffix(lower, ".png"):
		return "image/png"
	case strings.HasSuffix(lower, ".gif"):
		return "image/gif"
	case strings.HasSuffix(lower, ".svg"):
		return "image/svg+xml"
	case strings.HasSuffix(lower, ".webp"):
		return "image/webp"
	default:
		return "image/*"
	}
}

// cssPath builds a tag-and-class selector path from the document root down to
// the node. Anchors rendered by the same template share a path, which is what
// the group statistics rely on.
func cssPath(s *goquery.Selection) string {
	var parts []string
	for node := s; node.Length() > 0; node = node.Parent() {
		name := goquery.NodeName(node)
		if name == "" || strings.HasPrefix(name, "#") {
			break
		}
		if classes := strings.Fields(node.AttrOr("class", "")); len(classes) > 0 {
			sort.Strings(classes)
			name += "." + strings.Join(classes, ".")
		}
		parts = append(parts, name)
		if name == "html" {
			break
		}
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, ">")
}

func skippableHref(href string) bool {
	if href == "" || strings.HasPrefix(href, "#") {
		return true
	}
	lower := strings.ToLower(href)
	return strings.HasPrefix(lower, "javascript:") ||
		strings.HasPrefix(lower, "mailto:") ||
		strings.HasPrefix(lower, "tel:") ||
		strings.HasPrefix(lower, "data:")
}

// resolveHref resolves a reference against the page URL and returns the
// absolute form, or empty when it cannot be resolved.
func resolveHref(base *url.URL, href string) string {
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if base != nil {
		ref = base.ResolveReference(ref)
	}
	if !ref.IsAbs() || ref.Host == "" {
		return ""
	}
	return ref.String()
}

// median returns the statistical median of the values as a float so even
// sized groups average their middle pair.
func median(values []int) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]int, len(values))
	copy(sorted, values)
	sort.Ints(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return float64(sorted[mid])
	}
	return float64(sorted[mid-1]+sorted[mid]) / 2
}
