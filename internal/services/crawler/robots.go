package crawler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/aranea/internal/httpclient"
	"github.com/ternarybob/aranea/internal/models"
)

// RobotsCacheTTL is how long a fetched robots.txt stays valid. The advisor
// refetches after this window and the maintenance sweep deletes records
// older than it.
const RobotsCacheTTL = 24 * time.Hour

const (
	robotsFetchTimeout = 10 * time.Second
	robotsMaxBodySize  = 512 * 1024
)

// RobotsStore is the persistent side of the robots cache.
type RobotsStore interface {
	Get(host string) (*models.RobotsRecord, error)
	Put(rec *models.RobotsRecord) error
}

// RobotsAdvisor answers allow/deny questions from robots.txt and lists a
// site's sitemaps. Every origin is fetched at most once per TTL window;
// results are cached in memory per origin and in the store keyed by host.
// Fetch failures are cached too, with an empty body, so an unreachable
// origin is not hammered.
type RobotsAdvisor struct {
	client    *http.Client
	store     RobotsStore // optional
	userAgent string
	ttl       time.Duration
	logger    arbor.ILogger

	mu       sync.Mutex
	memory   map[string]*robotsEntry
	inflight map[string]chan struct{}
}

type robotsEntry struct {
	rec  *models.RobotsRecord
	data *robotstxt.RobotsData
}

// NewRobotsAdvisor builds an advisor. store may be nil for memory-only
// caching; userAgent is used both for fetching robots.txt and as the
// default agent in directive checks.
func NewRobotsAdvisor(store RobotsStore, userAgent string, logger arbor.ILogger) *RobotsAdvisor {
	if userAgent == "" {
		userAgent = httpclient.DefaultUserAgent
	}
	return &RobotsAdvisor{
		client:    httpclient.New(robotsFetchTimeout),
		store:     store,
		userAgent: userAgent,
		ttl:       RobotsCacheTTL,
		logger:    logger,
		memory:    make(map[string]*robotsEntry),
		inflight:  make(map[string]chan struct{}),
	}
}

// CanFetch reports whether robots directives permit fetching the URL. The
// agent defaults to the advisor's user agent when empty. Unreachable or
// server-erroring robots endpoints permit everything; served directives are
// parsed strictly.
func (a *RobotsAdvisor) CanFetch(ctx context.Context, rawURL, agent string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return true
	}
	entry := a.entryFor(ctx, strings.ToLower(u.Scheme), strings.ToLower(u.Host))
	if entry == nil || entry.data == nil {
		return true
	}

	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	return entry.data.TestAgent(path, a.agentOrDefault(agent))
}

// CrawlDelay returns the Crawl-delay directive for the URL's origin, or 0.
func (a *RobotsAdvisor) CrawlDelay(ctx context.Context, rawURL, agent string) time.Duration {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return 0
	}
	entry := a.entryFor(ctx, strings.ToLower(u.Scheme), strings.ToLower(u.Host))
	if entry == nil || entry.data == nil {
		return 0
	}
	group := entry.data.FindGroup(a.agentOrDefault(agent))
	if group == nil {
		return 0
	}
	return group.CrawlDelay
}

// Sitemaps returns the origin's sitemap URLs: every Sitemap directive from
// robots.txt plus the conventional locations that answer HEAD with 200.
func (a *RobotsAdvisor) Sitemaps(ctx context.Context, rawURL string) []string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return nil
	}
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Host)

	seen := make(map[string]struct{})
	var sitemaps []string
	add := func(s string) {
		if s == "" {
			return
		}
		if _, ok := seen[s]; ok {
			return
		}
		seen[s] = struct{}{}
		sitemaps = append(sitemaps, s)
	}

	if entry := a.entryFor(ctx, scheme, host); entry != nil && entry.data != nil {
		for _, s := range entry.data.Sitemaps {
			add(strings.TrimSpace(s))
		}
	}

	base := scheme + "://" + host
	for _, path := range []string{"/sitemap.xml", "/sitemap_index.xml", "/sitemaps.xml", "/sitemap/sitemap.xml"} {
		candidate := base + path
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, candidate, nil)
		if err != nil {
			continue
		}
		httpclient.ApplyHeaders(req, a.userAgent, nil)
		resp, err := a.client.Do(req)
		if err != nil {
			continue
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			add(candidate)
		}
	}

	return sitemaps
}

// SitemapURLs aggregates the location entries of every sitemap reachable
// from the URL's origin, deduplicated in discovery order and capped at
// maxURLs.
func (a *RobotsAdvisor) SitemapURLs(ctx context.Context, rawURL string, maxURLs int) []string {
	seen := make(map[string]struct{})
	var all []string

	for _, sitemap := range a.Sitemaps(ctx, rawURL) {
		if len(all) >= maxURLs {
			break
		}
		for _, loc := range FetchSitemapURLs(ctx, a.client, sitemap, maxURLs-len(all)) {
			if _, ok := seen[loc]; ok {
				continue
			}
			seen[loc] = struct{}{}
			all = append(all, loc)
			if len(all) >= maxURLs {
				break
			}
		}
	}
	return all
}

func (a *RobotsAdvisor) agentOrDefault(agent string) string {
	if agent == "" {
		return a.userAgent
	}
	return agent
}

// entryFor returns the cached robots entry for an origin, fetching it when
// absent or expired. Concurrent callers for the same origin share one fetch.
func (a *RobotsAdvisor) entryFor(ctx context.Context, scheme, host string) *robotsEntry {
	origin := scheme + "://" + host

	for {
		a.mu.Lock()
		if entry, ok := a.memory[origin]; ok && !entry.rec.Expired(time.Now(), a.ttl) {
			a.mu.Unlock()
			return entry
		}
		if ch, ok := a.inflight[origin]; ok {
			a.mu.Unlock()
			select {
			case <-ch:
				continue
			case <-ctx.Done():
				return nil
			}
		}
		ch := make(chan struct{})
		a.inflight[origin] = ch
		a.mu.Unlock()

		entry := a.load(ctx, origin, host)

		a.mu.Lock()
		a.memory[origin] = entry
		delete(a.inflight, origin)
		close(ch)
		a.mu.Unlock()
		return entry
	}
}

// load consults the persistent cache and falls back to a fresh fetch.
func (a *RobotsAdvisor) load(ctx context.Context, origin, host string) *robotsEntry {
	if a.store != nil {
		rec, err := a.store.Get(host)
		if err != nil {
			a.logger.Warn().Err(err).Str("host", host).Msg("Error reading robots cache")
		} else if rec != nil && !rec.Expired(time.Now(), a.ttl) {
			return &robotsEntry{rec: rec, data: parseRobotsRecord(rec)}
		}
	}

	rec := a.fetch(ctx, origin, host)
	if a.store != nil {
		if err := a.store.Put(rec); err != nil {
			a.logger.Warn().Err(err).Str("host", host).Msg("Error writing robots cache")
		}
	}
	return &robotsEntry{rec: rec, data: parseRobotsRecord(rec)}
}

// fetch retrieves origin/robots.txt. Any transport error yields a record
// with status 0 and no body.
func (a *RobotsAdvisor) fetch(ctx context.Context, origin, host string) *models.RobotsRecord {
	rec := &models.RobotsRecord{
		Host:      host,
		Origin:    origin,
		FetchedAt: time.Now().UTC(),
	}

	robotsURL := origin + "/robots.txt"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		a.logger.Warn().Err(err).Str("url", robotsURL).Msg("Error building robots request")
		return rec
	}
	httpclient.ApplyHeaders(req, a.userAgent, nil)

	resp, err := a.client.Do(req)
	if err != nil {
		a.logger.Warn().Err(err).Str("url", robotsURL).Msg("Error fetching robots.txt")
		return rec
	}
	defer resp.Body.Close()

	rec.StatusCode = resp.StatusCode
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		body, err := io.ReadAll(io.LimitReader(resp.Body, robotsMaxBodySize))
		if err != nil {
			a.logger.Warn().Err(err).Str("url", robotsURL).Msg("Error reading robots.txt body")
			rec.StatusCode = 0
			return rec
		}
		rec.Body = body
	}
	return rec
}

// parseRobotsRecord turns a cached record into directive data. Server
// errors and unreachable origins parse as an empty file, which allows
// everything; 4xx statuses allow everything per the de facto standard.
func parseRobotsRecord(rec *models.RobotsRecord) *robotstxt.RobotsData {
	if rec.StatusCode == 0 || rec.StatusCode >= 500 {
		data, _ := robotstxt.FromBytes(nil)
		return data
	}
	data, err := robotstxt.FromStatusAndBytes(rec.StatusCode, rec.Body)
	if err != nil || data == nil {
		data, _ = robotstxt.FromBytes(nil)
		return data
	}
	return data
}

// OriginKey reports the memory-cache key for a URL, exposed for tests.
func OriginKey(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse %q: %w", rawURL, err)
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host), nil
}
