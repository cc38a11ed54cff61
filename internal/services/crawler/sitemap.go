package crawler

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ternarybob/aranea/internal/httpclient"
)

const (
	// sitemapMaxBodySize bounds how much of a single sitemap file is read.
	sitemapMaxBodySize = 10 << 20
	// sitemapMaxChildren bounds how many child sitemaps of an index file
	// are followed.
	sitemapMaxChildren = 10
)

// sitemapDoc covers both document shapes the sitemap protocol defines: a
// <urlset> of page locations and a <sitemapindex> of child sitemaps.
type sitemapDoc struct {
	XMLName xml.Name
	URLs    []sitemapLoc `xml:"url"`
	Maps    []sitemapLoc `xml:"sitemap"`
}

type sitemapLoc struct {
	Loc string `xml:"loc"`
}

// FetchSitemapURLs downloads a sitemap and returns the page URLs it lists,
// capped at maxURLs. Index files are followed one level deep across at most
// sitemapMaxChildren children. Unreachable or malformed sitemaps yield nil;
// sitemaps are advisory and never fail a crawl.
func FetchSitemapURLs(ctx context.Context, client *http.Client, sitemapURL string, maxURLs int) []string {
	return fetchSitemapLevel(ctx, client, sitemapURL, maxURLs, 0)
}

func fetchSitemapLevel(ctx context.Context, client *http.Client, sitemapURL string, maxURLs, depth int) []string {
	if maxURLs <= 0 || depth > 1 {
		return nil
	}

	body, err := fetchSitemapBody(ctx, client, sitemapURL)
	if err != nil {
		return nil
	}

	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil
	}

	var urls []string
	for _, entry := range doc.URLs {
		loc := strings.TrimSpace(entry.Loc)
		if loc == "" {
			continue
		}
		urls = append(urls, loc)
		if len(urls) >= maxURLs {
			return urls
		}
	}

	children := doc.Maps
	if len(children) > sitemapMaxChildren {
		children = children[:sitemapMaxChildren]
	}
	for _, child := range children {
		loc := strings.TrimSpace(child.Loc)
		if loc == "" {
			continue
		}
		urls = append(urls, fetchSitemapLevel(ctx, client, loc, maxURLs-len(urls), depth+1)...)
		if len(urls) >= maxURLs {
			return urls
		}
	}

	return urls
}

func fetchSitemapBody(ctx context.Context, client *http.Client, sitemapURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sitemapURL, nil)
	if err != nil {
		return nil, err
	}
	httpclient.ApplyHeaders(req, "", nil)

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("sitemap fetch returned status %d", resp.StatusCode)
	}

	return io.ReadAll(io.LimitReader(resp.Body, sitemapMaxBodySize))
}
