package jobs

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/aranea/internal/models"
	"github.com/ternarybob/aranea/internal/services/crawler"
	"github.com/ternarybob/aranea/internal/storage/crawlstore"
)

func newTestManager(t *testing.T, limits Limits) (*Manager, *crawlstore.Store) {
	t.Helper()
	store, err := crawlstore.New(t.TempDir(), arbor.NewLogger())
	require.NoError(t, err)
	return NewManager(store, nil, nil, limits, arbor.NewLogger()), store
}

// newTestSite serves a small crawlable site: the root links to count pages,
// every page links back to the root, and robots.txt is absent.
func newTestSite(t *testing.T, count int, delay time.Duration) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			http.NotFound(w, r)
			return
		}
		if delay > 0 {
			time.Sleep(delay)
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if r.URL.Path == "/" {
			var b strings.Builder
			b.WriteString("<html><head><title>Home</title></head><body>")
			for i := 0; i < count; i++ {
				fmt.Fprintf(&b, `<a href="/page/%d">page %d</a> `, i, i)
			}
			b.WriteString("</body></html>")
			fmt.Fprint(w, b.String())
			return
		}
		fmt.Fprintf(w, `<html><head><title>%s</title></head><body><p>Body text for %s.</p><a href="/">home</a></body></html>`,
			r.URL.Path, r.URL.Path)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func siteParams(srv *httptest.Server) *models.CrawlParams {
	params := models.DefaultCrawlParams(srv.URL + "/")
	params.Scope = models.ScopeHost
	params.Concurrency = 2
	params.MaxDepth = 2
	params.MaxPages = 100
	params.MaxDurationSec = 120
	params.RateLimitPerDomainPerSec = 500
	params.Render.Mode = models.RenderStatic
	return params
}

func waitTerminal(t *testing.T, m *Manager, jobID string) models.JobState {
	t.Helper()
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		manifest, err := m.GetJob(jobID)
		require.NoError(t, err)
		if manifest.Status.State.IsTerminal() {
			return manifest.Status.State
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("job did not reach a terminal state in time")
	return ""
}

func waitVisited(t *testing.T, m *Manager, jobID string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		manifest, err := m.GetJob(jobID)
		return err == nil && manifest.Status.Stats.Visited >= n
	}, 15*time.Second, 25*time.Millisecond)
}

func TestApplyLimitsClampsCeilings(t *testing.T) {
	m, _ := newTestManager(t, Limits{
		MaxConcurrency:       4,
		DefaultRatePerDomain: 2,
		HardPageLimit:        100,
		HardDurationSec:      600,
		UserAgent:            "aranea/1.0",
	})

	params := models.DefaultCrawlParams("https://example.com/")
	params.Concurrency = 32
	params.MaxPages = 100000
	params.MaxDurationSec = 86400
	params.RateLimitPerDomainPerSec = 0
	params.CaptureAssets = true

	m.applyLimits(params)

	assert.Equal(t, 4, params.Concurrency)
	assert.Equal(t, 100, params.MaxPages)
	assert.Equal(t, 600, params.MaxDurationSec)
	assert.Equal(t, 2.0, params.RateLimitPerDomainPerSec)
	assert.False(t, params.CaptureAssets, "asset capture stays off when the system switch is off")
	assert.Equal(t, "aranea/1.0", params.UserAgent)
}

func TestApplyLimitsKeepsStricterRequest(t *testing.T) {
	m, _ := newTestManager(t, Limits{
		MaxConcurrency:  8,
		HardPageLimit:   1000,
		HardDurationSec: 3600,
		AssetCapture:    true,
		UserAgent:       "aranea/1.0",
	})

	params := models.DefaultCrawlParams("https://example.com/")
	params.Concurrency = 2
	params.MaxPages = 50
	params.MaxDurationSec = 60
	params.RateLimitPerDomainPerSec = 0.5
	params.CaptureAssets = true
	params.UserAgent = "custom-agent"

	m.applyLimits(params)

	assert.Equal(t, 2, params.Concurrency)
	assert.Equal(t, 50, params.MaxPages)
	assert.Equal(t, 60, params.MaxDurationSec)
	assert.Equal(t, 0.5, params.RateLimitPerDomainPerSec)
	assert.True(t, params.CaptureAssets)
	assert.Equal(t, "custom-agent", params.UserAgent)
}

func TestCreateJob(t *testing.T) {
	m, store := newTestManager(t, Limits{})

	manifest, err := m.CreateJob(models.DefaultCrawlParams("https://example.com/docs"))
	require.NoError(t, err)
	assert.Equal(t, models.JobStatePending, manifest.Status.State)
	assert.Len(t, manifest.JobID, 16)

	stored, err := store.ReadManifest(manifest.JobID)
	require.NoError(t, err)
	assert.Equal(t, manifest.JobID, stored.JobID)

	logText, err := store.ReadLog(manifest.JobID)
	require.NoError(t, err)
	assert.Contains(t, logText, "Job created for https://example.com/docs")
}

func TestStartJobUnknown(t *testing.T) {
	m, _ := newTestManager(t, Limits{})
	err := m.StartJob(context.Background(), "does-not-exist")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestStartJobNotPending(t *testing.T) {
	m, store := newTestManager(t, Limits{})

	manifest, err := m.CreateJob(models.DefaultCrawlParams("https://example.com/"))
	require.NoError(t, err)
	manifest.Status.State = models.JobStateCompleted
	require.NoError(t, store.WriteManifest(manifest))

	err = m.StartJob(context.Background(), manifest.JobID)
	assert.ErrorIs(t, err, ErrJobNotPending)
}

func TestStartJobBadScopePersistsFailure(t *testing.T) {
	m, _ := newTestManager(t, Limits{})

	params := models.DefaultCrawlParams("https://example.com/")
	params.Scope = models.ScopeCustom
	params.IncludePatterns = []string{"["}
	manifest, err := m.CreateJob(params)
	require.NoError(t, err)

	err = m.StartJob(context.Background(), manifest.JobID)
	require.Error(t, err)

	failed, err := m.GetJob(manifest.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateFailed, failed.Status.State)
	assert.NotEmpty(t, failed.Status.LastError)
	assert.Equal(t, 0, m.ActiveJobs())
}

func TestCrawlRunsToCompletion(t *testing.T) {
	srv := newTestSite(t, 3, 0)
	m, store := newTestManager(t, Limits{})

	manifest, err := m.CreateJob(siteParams(srv))
	require.NoError(t, err)
	require.NoError(t, m.StartJob(context.Background(), manifest.JobID))

	state := waitTerminal(t, m, manifest.JobID)
	assert.Equal(t, models.JobStateCompleted, state)

	final, err := m.GetJob(manifest.JobID)
	require.NoError(t, err)
	assert.Equal(t, 4, final.Status.Stats.Visited, "root plus three pages")
	assert.Equal(t, 4, final.Status.Stats.OK)
	assert.Zero(t, final.Status.Stats.Failed)
	require.NotNil(t, final.Status.FinishedAt)

	assert.Equal(t, 4, store.PageCount(manifest.JobID))

	stats, err := m.JobStats(manifest.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateCompleted, stats.State)
	assert.Equal(t, 4, stats.TotalPagesStored)
	assert.Greater(t, stats.DurationSeconds, 0.0)
	assert.Greater(t, stats.CrawlRate, 0.0)
	require.NotNil(t, stats.Params)

	require.Eventually(t, func() bool { return m.ActiveJobs() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestStopJob(t *testing.T) {
	srv := newTestSite(t, 40, 30*time.Millisecond)
	m, _ := newTestManager(t, Limits{})

	params := siteParams(srv)
	params.RateLimitPerDomainPerSec = 20
	manifest, err := m.CreateJob(params)
	require.NoError(t, err)
	require.NoError(t, m.StartJob(context.Background(), manifest.JobID))
	waitVisited(t, m, manifest.JobID, 1)

	require.NoError(t, m.StopJob(manifest.JobID))

	final, err := m.GetJob(manifest.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateStopped, final.Status.State)
	require.NotNil(t, final.Status.FinishedAt)

	require.Eventually(t, func() bool { return m.ActiveJobs() == 0 }, 2*time.Second, 10*time.Millisecond)

	err = m.StopJob(manifest.JobID)
	assert.ErrorIs(t, err, crawler.ErrNotRunning)
}

func TestStopJobUnknown(t *testing.T) {
	m, _ := newTestManager(t, Limits{})
	assert.ErrorIs(t, m.StopJob("missing"), ErrJobNotFound)
}

func TestPauseAndResume(t *testing.T) {
	srv := newTestSite(t, 40, 20*time.Millisecond)
	m, _ := newTestManager(t, Limits{})

	params := siteParams(srv)
	params.RateLimitPerDomainPerSec = 10
	manifest, err := m.CreateJob(params)
	require.NoError(t, err)
	require.NoError(t, m.StartJob(context.Background(), manifest.JobID))
	waitVisited(t, m, manifest.JobID, 1)

	require.NoError(t, m.PauseJob(manifest.JobID))

	paused, err := m.GetJob(manifest.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatePaused, paused.Status.State)
	visitedAtPause := paused.Status.Stats.Visited

	time.Sleep(150 * time.Millisecond)
	still, err := m.GetJob(manifest.JobID)
	require.NoError(t, err)
	assert.Equal(t, visitedAtPause, still.Status.Stats.Visited, "counters frozen while paused")

	require.NoError(t, m.ResumeJob(manifest.JobID))
	require.Eventually(t, func() bool {
		cur, err := m.GetJob(manifest.JobID)
		return err == nil && cur.Status.Stats.Visited > visitedAtPause
	}, 15*time.Second, 25*time.Millisecond)

	require.NoError(t, m.StopJob(manifest.JobID))
}

func TestPauseJobNotRunning(t *testing.T) {
	m, _ := newTestManager(t, Limits{})
	manifest, err := m.CreateJob(models.DefaultCrawlParams("https://example.com/"))
	require.NoError(t, err)

	assert.ErrorIs(t, m.PauseJob(manifest.JobID), crawler.ErrNotRunning)
	assert.ErrorIs(t, m.ResumeJob(manifest.JobID), crawler.ErrNotPaused)
	assert.ErrorIs(t, m.PauseJob("missing"), ErrJobNotFound)
}

func TestDeleteRunningJob(t *testing.T) {
	srv := newTestSite(t, 40, 20*time.Millisecond)
	m, store := newTestManager(t, Limits{})

	params := siteParams(srv)
	params.RateLimitPerDomainPerSec = 10
	manifest, err := m.CreateJob(params)
	require.NoError(t, err)
	require.NoError(t, m.StartJob(context.Background(), manifest.JobID))
	waitVisited(t, m, manifest.JobID, 1)

	err = m.DeleteJob(manifest.JobID, false)
	assert.ErrorIs(t, err, ErrJobRunning)

	require.NoError(t, m.DeleteJob(manifest.JobID, true))
	assert.False(t, store.JobExists(manifest.JobID))

	_, err = m.GetJob(manifest.JobID)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestDeleteJobUnknown(t *testing.T) {
	m, _ := newTestManager(t, Limits{})
	assert.ErrorIs(t, m.DeleteJob("missing", false), ErrJobNotFound)
}

func TestFixStuckJobs(t *testing.T) {
	m, store := newTestManager(t, Limits{})

	withPages, err := m.CreateJob(models.DefaultCrawlParams("https://example.com/a"))
	require.NoError(t, err)
	empty, err := m.CreateJob(models.DefaultCrawlParams("https://example.com/b"))
	require.NoError(t, err)
	pending, err := m.CreateJob(models.DefaultCrawlParams("https://example.com/c"))
	require.NoError(t, err)

	markRunning := func(jobID string) {
		manifest, err := store.ReadManifest(jobID)
		require.NoError(t, err)
		started := time.Now().UTC().Add(-time.Minute)
		manifest.Status.State = models.JobStateRunning
		manifest.Status.StartedAt = &started
		require.NoError(t, store.WriteManifest(manifest))
	}
	markRunning(withPages.JobID)
	markRunning(empty.JobID)

	require.NoError(t, store.SavePage(withPages.JobID, &models.PageRecord{
		URL:        "https://example.com/a",
		StatusCode: 200,
		OK:         true,
		Timestamp:  time.Now().UTC(),
	}))

	assert.Equal(t, 2, m.FixStuckJobs())

	recovered, err := store.ReadManifest(withPages.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateCompleted, recovered.Status.State)
	require.NotNil(t, recovered.Status.FinishedAt)
	assert.Greater(t, recovered.Status.ElapsedSec, 0.0)

	failed, err := store.ReadManifest(empty.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateFailed, failed.Status.State)
	assert.Equal(t, interruptedError, failed.Status.LastError)

	untouched, err := store.ReadManifest(pending.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatePending, untouched.Status.State)

	assert.Equal(t, 0, m.FixStuckJobs())
}

func TestListJobs(t *testing.T) {
	m, store := newTestManager(t, Limits{})

	var ids []string
	for _, path := range []string{"one", "two", "three"} {
		manifest, err := m.CreateJob(models.DefaultCrawlParams("https://example.com/" + path))
		require.NoError(t, err)
		ids = append(ids, manifest.JobID)
	}

	manifest, err := store.ReadManifest(ids[0])
	require.NoError(t, err)
	manifest.Status.State = models.JobStateCompleted
	require.NoError(t, store.WriteManifest(manifest))

	all, total, err := m.ListJobs(0, 0, "")
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, all, 3)

	completed, total, err := m.ListJobs(0, 0, models.JobStateCompleted)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, completed, 1)
	assert.Equal(t, ids[0], completed[0].JobID)

	page, total, err := m.ListJobs(2, 0, "")
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, page, 2)

	tail, total, err := m.ListJobs(0, 2, "")
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, tail, 1)
}

func TestExportJob(t *testing.T) {
	m, store := newTestManager(t, Limits{})

	manifest, err := m.CreateJob(models.DefaultCrawlParams("https://example.com/"))
	require.NoError(t, err)
	require.NoError(t, store.SavePage(manifest.JobID, &models.PageRecord{
		URL:        "https://example.com/",
		StatusCode: 200,
		OK:         true,
		Timestamp:  time.Now().UTC(),
	}))

	path, err := m.ExportJob(manifest.JobID, models.ExportJSONL)
	require.NoError(t, err)
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))

	_, err = m.ExportJob(manifest.JobID, models.ExportFormat("csv"))
	assert.ErrorContains(t, err, "unsupported export format")

	_, err = m.ExportJob("missing", models.ExportJSONL)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestListPagesAndGetPage(t *testing.T) {
	m, store := newTestManager(t, Limits{})

	manifest, err := m.CreateJob(models.DefaultCrawlParams("https://example.com/"))
	require.NoError(t, err)
	require.NoError(t, store.SavePage(manifest.JobID, &models.PageRecord{
		URL:        "https://example.com/",
		StatusCode: 200,
		OK:         true,
		Timestamp:  time.Now().UTC(),
		Title:      "Home",
	}))

	pages, total, err := m.ListPages(manifest.JobID, 0, 0, models.PageFilterAll)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, pages, 1)

	got, err := m.GetPage(manifest.JobID, pages[0].PageID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Home", got.Title)

	missing, err := m.GetPage(manifest.JobID, strings.Repeat("0", 64))
	require.NoError(t, err)
	assert.Nil(t, missing)

	_, _, err = m.ListPages("missing", 0, 0, models.PageFilterAll)
	assert.ErrorIs(t, err, ErrJobNotFound)
}
