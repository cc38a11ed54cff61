package crawler

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ternarybob/aranea/internal/httpclient"
)

func sitemapServer(t *testing.T, pages map[string]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := pages[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/xml")
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func urlset(locs ...string) string {
	doc := `<?xml version="1.0" encoding="UTF-8"?><urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">`
	for _, loc := range locs {
		doc += "<url><loc>" + loc + "</loc></url>"
	}
	return doc + "</urlset>"
}

func sitemapIndex(locs ...string) string {
	doc := `<?xml version="1.0" encoding="UTF-8"?><sitemapindex xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">`
	for _, loc := range locs {
		doc += "<sitemap><loc>" + loc + "</loc></sitemap>"
	}
	return doc + "</sitemapindex>"
}

func TestFetchSitemapURLs(t *testing.T) {
	srv := sitemapServer(t, map[string]string{
		"/sitemap.xml": urlset("https://example.com/a", " https://example.com/b ", ""),
	})

	urls := FetchSitemapURLs(context.Background(), httpclient.New(0), srv.URL+"/sitemap.xml", 100)
	assert.Equal(t, []string{"https://example.com/a", "https://example.com/b"}, urls,
		"locations trimmed, empties dropped")
}

func TestFetchSitemapURLsCap(t *testing.T) {
	srv := sitemapServer(t, map[string]string{
		"/sitemap.xml": urlset("https://example.com/1", "https://example.com/2", "https://example.com/3"),
	})

	urls := FetchSitemapURLs(context.Background(), httpclient.New(0), srv.URL+"/sitemap.xml", 2)
	assert.Len(t, urls, 2)
}

func TestFetchSitemapIndex(t *testing.T) {
	var srv *httptest.Server
	pages := map[string]string{}
	srv = sitemapServer(t, pages)
	pages["/index.xml"] = sitemapIndex(srv.URL+"/child1.xml", srv.URL+"/child2.xml")
	pages["/child1.xml"] = urlset("https://example.com/a", "https://example.com/b")
	pages["/child2.xml"] = urlset("https://example.com/c")

	urls := FetchSitemapURLs(context.Background(), httpclient.New(0), srv.URL+"/index.xml", 100)
	assert.Equal(t, []string{
		"https://example.com/a",
		"https://example.com/b",
		"https://example.com/c",
	}, urls)
}

func TestFetchSitemapIndexOneLevelOnly(t *testing.T) {
	var srv *httptest.Server
	pages := map[string]string{}
	srv = sitemapServer(t, pages)
	pages["/index.xml"] = sitemapIndex(srv.URL + "/nested-index.xml")
	pages["/nested-index.xml"] = sitemapIndex(srv.URL + "/leaf.xml")
	pages["/leaf.xml"] = urlset("https://example.com/deep")

	urls := FetchSitemapURLs(context.Background(), httpclient.New(0), srv.URL+"/index.xml", 100)
	assert.Empty(t, urls, "children of a child index are not followed")
}

func TestFetchSitemapIndexCapAcrossChildren(t *testing.T) {
	var srv *httptest.Server
	pages := map[string]string{}
	srv = sitemapServer(t, pages)
	pages["/index.xml"] = sitemapIndex(srv.URL+"/child1.xml", srv.URL+"/child2.xml")
	pages["/child1.xml"] = urlset("https://example.com/1", "https://example.com/2")
	pages["/child2.xml"] = urlset("https://example.com/3", "https://example.com/4")

	urls := FetchSitemapURLs(context.Background(), httpclient.New(0), srv.URL+"/index.xml", 3)
	assert.Equal(t, []string{
		"https://example.com/1",
		"https://example.com/2",
		"https://example.com/3",
	}, urls)
}

func TestFetchSitemapMalformed(t *testing.T) {
	srv := sitemapServer(t, map[string]string{
		"/sitemap.xml": "this is not xml <<<",
	})
	assert.Nil(t, FetchSitemapURLs(context.Background(), httpclient.New(0), srv.URL+"/sitemap.xml", 100))
}

func TestFetchSitemapMissing(t *testing.T) {
	srv := sitemapServer(t, nil)
	assert.Nil(t, FetchSitemapURLs(context.Background(), httpclient.New(0), srv.URL+"/sitemap.xml", 100))
}

func TestFetchSitemapZeroBudget(t *testing.T) {
	assert.Nil(t, FetchSitemapURLs(context.Background(), httpclient.New(0), "http://unused.example.com/sitemap.xml", 0))
}
