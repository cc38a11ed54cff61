package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/aranea/internal/interfaces"
	"github.com/ternarybob/aranea/internal/models"
	"github.com/ternarybob/aranea/internal/services/crawler"
	"github.com/ternarybob/aranea/internal/services/render"
	"github.com/ternarybob/aranea/internal/storage/crawlstore"
)

// interruptedError is recorded against jobs found running or paused on disk
// with no live orchestrator behind them.
const interruptedError = "Job appears to have been interrupted without completing"

var (
	// ErrJobNotFound indicates the job ID has no directory on disk.
	ErrJobNotFound = errors.New("job not found")

	// ErrJobRunning indicates the operation refuses to touch a live job.
	ErrJobRunning = errors.New("job is running")

	// ErrJobNotPending indicates a start was attempted on a job that
	// already ran.
	ErrJobNotPending = errors.New("job is not in pending state")
)

// RobotsCache is the persistent robots.txt store shared across jobs plus the
// expiry and compaction hooks the maintenance loop uses.
type RobotsCache interface {
	crawler.RobotsStore
	SweepExpired(cutoff time.Time) (int, error)
	GC() error
}

// Limits are the system-wide ceilings applied on top of whatever each job
// requests. A ceiling only ever tightens the job's own parameters; zero
// values leave them untouched.
type Limits struct {
	MaxConcurrency       int
	DefaultRatePerDomain float64
	HardPageLimit        int
	HardDurationSec      int
	AssetCapture         bool
	MaxBrowserTabs       int
	UserAgent            string
}

// Manager owns the crawl jobs of the process: it allocates them on disk,
// builds the per-job collaborator graph, tracks the live orchestrators, and
// reconciles manifests left running by an earlier process.
type Manager struct {
	store  *crawlstore.Store
	robots RobotsCache
	events interfaces.EventService
	limits Limits
	logger arbor.ILogger

	mu     sync.RWMutex
	active map[string]*crawler.Orchestrator

	cron *cron.Cron
}

// NewManager creates a job manager. The robots cache and event service may
// be nil; jobs then run without a shared robots store and without
// broadcasting.
func NewManager(store *crawlstore.Store, robots RobotsCache, events interfaces.EventService, limits Limits, logger arbor.ILogger) *Manager {
	return &Manager{
		store:  store,
		robots: robots,
		events: events,
		limits: limits,
		logger: logger,
		active: make(map[string]*crawler.Orchestrator),
	}
}

// CreateJob clamps the requested parameters to the configured ceilings and
// allocates the job on disk in the pending state.
func (m *Manager) CreateJob(params *models.CrawlParams) (*models.Manifest, error) {
	m.applyLimits(params)

	manifest, err := m.store.CreateJob(params)
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	if err := m.store.AppendLog(manifest.JobID, fmt.Sprintf("Job created for %s", params.StartURL)); err != nil {
		m.logger.Debug().Err(err).Msg("Failed to append job log")
	}
	return manifest, nil
}

// StartJob builds the collaborator graph for a pending job and launches its
// orchestrator. The crawl runs in the background after this returns; ctx
// only covers startup.
func (m *Manager) StartJob(ctx context.Context, jobID string) error {
	if !m.store.JobExists(jobID) {
		return ErrJobNotFound
	}
	manifest, err := m.store.ReadManifest(jobID)
	if err != nil {
		return fmt.Errorf("failed to read manifest: %w", err)
	}
	if manifest.Status.State != models.JobStatePending {
		return fmt.Errorf("job %s is in state %s: %w", jobID, manifest.Status.State, ErrJobNotPending)
	}

	orch, err := m.buildOrchestrator(manifest)
	if err != nil {
		m.failJob(manifest, err)
		return err
	}

	// The map insert is the serialization point: a concurrent start for the
	// same job loses here rather than racing in the orchestrator.
	m.mu.Lock()
	if _, live := m.active[jobID]; live {
		m.mu.Unlock()
		return crawler.ErrAlreadyRunning
	}
	m.active[jobID] = orch
	m.mu.Unlock()

	if err := orch.Start(ctx); err != nil {
		m.mu.Lock()
		delete(m.active, jobID)
		m.mu.Unlock()
		return err
	}

	go m.reap(jobID, orch)
	return nil
}

// buildOrchestrator assembles the full collaborator set for one job from its
// manifest parameters.
func (m *Manager) buildOrchestrator(manifest *models.Manifest) (*crawler.Orchestrator, error) {
	params := manifest.Params

	canon, err := crawler.NewCanonicalizer(params.IgnoreQueryParams)
	if err != nil {
		return nil, fmt.Errorf("invalid ignore_query_params: %w", err)
	}
	seed, err := canon.Canonicalize(params.StartURL)
	if err != nil {
		return nil, fmt.Errorf("invalid start URL: %w", err)
	}
	seedParts, err := canon.ParseComponents(seed)
	if err != nil {
		return nil, fmt.Errorf("invalid start URL: %w", err)
	}
	scope, err := crawler.NewScopeFilter(params, seedParts)
	if err != nil {
		return nil, fmt.Errorf("invalid scope configuration: %w", err)
	}

	userAgent := params.UserAgent
	if userAgent == "" {
		userAgent = m.limits.UserAgent
	}

	var robotsStore crawler.RobotsStore
	if m.robots != nil {
		robotsStore = m.robots
	}

	// Derived logger tags every line from this job's workers with its ID.
	jobLogger := m.logger.WithCorrelationId(manifest.JobID)

	return crawler.NewOrchestrator(manifest, crawler.OrchestratorDeps{
		Frontier: crawler.NewFrontier(canon, 0),
		Limiter:  crawler.NewRateLimiter(params.RateLimitPerDomainPerSec, params.GlobalRatePerSec),
		Robots:   crawler.NewRobotsAdvisor(robotsStore, userAgent, jobLogger),
		Scope:    scope,
		Canon:    canon,
		Fetcher:  crawler.NewFetcher(userAgent, params.Render.ExtraHeaders),
		Renderer: render.New(params.Render, userAgent, m.limits.MaxBrowserTabs, jobLogger),
		Store:    m.store,
		Events:   m.events,
		Logger:   jobLogger,
	}), nil
}

// reap removes the orchestrator from the live map once its crawl finishes.
func (m *Manager) reap(jobID string, orch *crawler.Orchestrator) {
	<-orch.Done()
	m.mu.Lock()
	if m.active[jobID] == orch {
		delete(m.active, jobID)
	}
	m.mu.Unlock()
}

// StopJob ends a running or paused job and blocks until its final manifest
// is on disk.
func (m *Manager) StopJob(jobID string) error {
	orch := m.liveOrchestrator(jobID)
	if orch == nil {
		if !m.store.JobExists(jobID) {
			return ErrJobNotFound
		}
		return crawler.ErrNotRunning
	}
	return orch.Stop()
}

// PauseJob suspends a running job's workers. The frontier and counters stay
// intact for a later resume.
func (m *Manager) PauseJob(jobID string) error {
	orch := m.liveOrchestrator(jobID)
	if orch == nil {
		if !m.store.JobExists(jobID) {
			return ErrJobNotFound
		}
		return crawler.ErrNotRunning
	}
	return orch.Pause()
}

// ResumeJob restarts a paused job's workers.
func (m *Manager) ResumeJob(jobID string) error {
	orch := m.liveOrchestrator(jobID)
	if orch == nil {
		if !m.store.JobExists(jobID) {
			return ErrJobNotFound
		}
		return crawler.ErrNotPaused
	}
	return orch.Resume()
}

// GetJob returns the job's manifest, with live counters overlaid while the
// job is running.
func (m *Manager) GetJob(jobID string) (*models.Manifest, error) {
	if !m.store.JobExists(jobID) {
		return nil, ErrJobNotFound
	}
	manifest, err := m.store.ReadManifest(jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	if orch := m.liveOrchestrator(jobID); orch != nil {
		manifest.Status = orch.Status()
	}
	return manifest, nil
}

// ListJobs returns stored jobs newest first with live counters overlaid,
// optionally narrowed to one state. The returned total counts matches before
// pagination.
func (m *Manager) ListJobs(limit, offset int, state models.JobState) ([]models.JobSummary, int, error) {
	jobs, err := m.store.ListJobs(0, 0)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list jobs: %w", err)
	}

	m.mu.RLock()
	for i := range jobs {
		orch, ok := m.active[jobs[i].JobID]
		if !ok {
			continue
		}
		status := orch.Status()
		jobs[i].State = status.State
		jobs[i].Stats = status.Stats
		jobs[i].ProgressPercent = status.Stats.ProgressPercent()
		jobs[i].StartedAt = status.StartedAt
		jobs[i].FinishedAt = status.FinishedAt
		jobs[i].LastError = status.LastError
	}
	m.mu.RUnlock()

	if state != "" {
		filtered := jobs[:0]
		for _, j := range jobs {
			if j.State == state {
				filtered = append(filtered, j)
			}
		}
		jobs = filtered
	}

	total := len(jobs)
	if offset < 0 {
		offset = 0
	}
	if offset > len(jobs) {
		offset = len(jobs)
	}
	jobs = jobs[offset:]
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, total, nil
}

// JobStats assembles the detailed statistics payload for one job: the
// manifest status plus crawl duration, pages per second, and the number of
// page records on disk.
func (m *Manager) JobStats(jobID string) (*models.JobStats, error) {
	manifest, err := m.GetJob(jobID)
	if err != nil {
		return nil, err
	}

	stats := &models.JobStats{
		JobID:            manifest.JobID,
		State:            manifest.Status.State,
		CreatedAt:        manifest.CreatedAt,
		StartedAt:        manifest.Status.StartedAt,
		FinishedAt:       manifest.Status.FinishedAt,
		Stats:            manifest.Status.Stats,
		TotalPagesStored: m.store.PageCount(jobID),
		Params:           manifest.Params,
	}
	if manifest.Status.StartedAt != nil {
		end := time.Now().UTC()
		if manifest.Status.FinishedAt != nil {
			end = *manifest.Status.FinishedAt
		}
		stats.DurationSeconds = end.Sub(*manifest.Status.StartedAt).Seconds()
	}
	if stats.DurationSeconds > 0 {
		stats.CrawlRate = float64(stats.Stats.Visited) / stats.DurationSeconds
	}
	return stats, nil
}

// ListPages returns page summaries for a job along with the total number of
// page records on disk.
func (m *Manager) ListPages(jobID string, offset, limit int, filter models.PageStatusFilter) ([]models.PageSummary, int, error) {
	if !m.store.JobExists(jobID) {
		return nil, 0, ErrJobNotFound
	}
	pages, err := m.store.ListPages(jobID, offset, limit, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list pages: %w", err)
	}
	return pages, m.store.PageCount(jobID), nil
}

// GetPage returns one full page record, or nil when the page is unknown.
func (m *Manager) GetPage(jobID, pageID string) (*models.PageRecord, error) {
	if !m.store.JobExists(jobID) {
		return nil, ErrJobNotFound
	}
	return m.store.GetPage(jobID, pageID)
}

// JobLog returns the job's activity log text.
func (m *Manager) JobLog(jobID string) (string, error) {
	if !m.store.JobExists(jobID) {
		return "", ErrJobNotFound
	}
	return m.store.ReadLog(jobID)
}

// ExportJob regenerates the export artifact in the requested format and
// returns its path on disk.
func (m *Manager) ExportJob(jobID string, format models.ExportFormat) (string, error) {
	if !m.store.JobExists(jobID) {
		return "", ErrJobNotFound
	}

	var (
		path string
		err  error
	)
	switch format {
	case models.ExportJSONL:
		path, err = m.store.ExportJSONL(jobID)
	case models.ExportZip:
		path, err = m.store.ExportZip(jobID)
	default:
		return "", fmt.Errorf("unsupported export format %q", format)
	}
	if err != nil {
		return "", err
	}

	if err := m.store.AppendLog(jobID, fmt.Sprintf("Exported results as %s", format)); err != nil {
		m.logger.Debug().Err(err).Msg("Failed to append job log")
	}
	return path, nil
}

// DeleteJob removes a job and everything under its directory. Live jobs are
// refused unless force is set, in which case they are stopped first.
func (m *Manager) DeleteJob(jobID string, force bool) error {
	if !m.store.JobExists(jobID) {
		return ErrJobNotFound
	}
	if orch := m.liveOrchestrator(jobID); orch != nil {
		if !force {
			return ErrJobRunning
		}
		if err := orch.Stop(); err != nil && !errors.Is(err, crawler.ErrNotRunning) {
			return fmt.Errorf("failed to stop job before delete: %w", err)
		}
	}
	if err := m.store.DeleteJob(jobID); err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	m.logger.Info().Str("job_id", jobID).Msg("Deleted job")
	return nil
}

// ActiveJobs reports how many orchestrators are currently live.
func (m *Manager) ActiveJobs() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}

// FixStuckJobs settles manifests that claim to be running or paused but have
// no live orchestrator, which happens when the process dies mid-crawl. Jobs
// with at least one stored page are marked completed, empty ones failed.
// Returns how many manifests were settled.
func (m *Manager) FixStuckJobs() int {
	summaries, err := m.store.ListJobs(0, 0)
	if err != nil {
		m.logger.Warn().Err(err).Msg("Failed to list jobs for reconciliation")
		return 0
	}

	fixed := 0
	for _, summary := range summaries {
		if summary.State != models.JobStateRunning && summary.State != models.JobStatePaused {
			continue
		}
		if m.liveOrchestrator(summary.JobID) != nil {
			continue
		}
		if err := m.settleInterrupted(summary.JobID); err != nil {
			m.logger.Warn().Err(err).Str("job_id", summary.JobID).Msg("Failed to settle interrupted job")
			continue
		}
		fixed++
	}
	if fixed > 0 {
		m.logger.Info().Int("count", fixed).Msg("Settled interrupted jobs")
	}
	return fixed
}

// settleInterrupted rewrites one orphaned manifest into its terminal state.
func (m *Manager) settleInterrupted(jobID string) error {
	manifest, err := m.store.ReadManifest(jobID)
	if err != nil {
		return fmt.Errorf("failed to read manifest: %w", err)
	}
	if manifest.Status.State != models.JobStateRunning && manifest.Status.State != models.JobStatePaused {
		return nil
	}

	now := time.Now().UTC()
	manifest.Status.FinishedAt = &now
	if manifest.Status.StartedAt != nil {
		manifest.Status.ElapsedSec = now.Sub(*manifest.Status.StartedAt).Seconds()
	}
	if m.store.PageCount(jobID) > 0 {
		manifest.Status.State = models.JobStateCompleted
	} else {
		manifest.Status.State = models.JobStateFailed
		manifest.Status.LastError = interruptedError
	}

	if err := m.store.WriteManifest(manifest); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := m.store.AppendLog(jobID, fmt.Sprintf("Recovered interrupted job as %s", manifest.Status.State)); err != nil {
		m.logger.Debug().Err(err).Msg("Failed to append job log")
	}
	m.logger.Info().
		Str("job_id", jobID).
		Str("state", string(manifest.Status.State)).
		Msg("Settled interrupted job")
	return nil
}

// StartMaintenance reconciles stuck jobs immediately and schedules the
// recurring sweeps: stuck-job recovery hourly and robots cache expiry every
// six hours.
func (m *Manager) StartMaintenance() error {
	m.FixStuckJobs()

	c := cron.New()
	if _, err := c.AddFunc("@hourly", func() { m.FixStuckJobs() }); err != nil {
		return fmt.Errorf("failed to schedule job reconciliation: %w", err)
	}
	if _, err := c.AddFunc("@every 6h", m.sweepRobots); err != nil {
		return fmt.Errorf("failed to schedule robots sweep: %w", err)
	}
	c.Start()
	m.cron = c

	m.logger.Info().Msg("Job maintenance scheduler started")
	return nil
}

// sweepRobots drops robots records older than the cache TTL, then compacts
// the store.
func (m *Manager) sweepRobots() {
	if m.robots == nil {
		return
	}
	removed, err := m.robots.SweepExpired(time.Now().Add(-crawler.RobotsCacheTTL))
	if err != nil {
		m.logger.Warn().Err(err).Msg("Failed to sweep robots cache")
		return
	}
	if removed > 0 {
		m.logger.Info().Int("count", removed).Msg("Swept expired robots records")
	}
	if err := m.robots.GC(); err != nil {
		m.logger.Warn().Err(err).Msg("Failed to compact robots cache")
	}
}

// Shutdown stops the maintenance scheduler and every live job, blocking
// until their final manifests are written.
func (m *Manager) Shutdown() {
	if m.cron != nil {
		<-m.cron.Stop().Done()
	}

	m.mu.RLock()
	live := make([]*crawler.Orchestrator, 0, len(m.active))
	for _, orch := range m.active {
		live = append(live, orch)
	}
	m.mu.RUnlock()

	for _, orch := range live {
		if err := orch.Stop(); err != nil && !errors.Is(err, crawler.ErrNotRunning) {
			m.logger.Warn().Err(err).Msg("Failed to stop job during shutdown")
		}
	}
	if len(live) > 0 {
		m.logger.Info().Int("count", len(live)).Msg("Stopped live jobs for shutdown")
	}
}

// liveOrchestrator returns the running orchestrator for a job, or nil.
func (m *Manager) liveOrchestrator(jobID string) *crawler.Orchestrator {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active[jobID]
}

// applyLimits clamps job parameters to the configured ceilings and fills
// system defaults for fields the request left empty.
func (m *Manager) applyLimits(params *models.CrawlParams) {
	if m.limits.MaxConcurrency > 0 && params.Concurrency > m.limits.MaxConcurrency {
		params.Concurrency = m.limits.MaxConcurrency
	}
	if m.limits.HardPageLimit > 0 && (params.MaxPages <= 0 || params.MaxPages > m.limits.HardPageLimit) {
		params.MaxPages = m.limits.HardPageLimit
	}
	if m.limits.HardDurationSec > 0 && (params.MaxDurationSec <= 0 || params.MaxDurationSec > m.limits.HardDurationSec) {
		params.MaxDurationSec = m.limits.HardDurationSec
	}
	if params.RateLimitPerDomainPerSec <= 0 && m.limits.DefaultRatePerDomain > 0 {
		params.RateLimitPerDomainPerSec = m.limits.DefaultRatePerDomain
	}
	if !m.limits.AssetCapture {
		params.CaptureAssets = false
	}
	if params.UserAgent == "" {
		params.UserAgent = m.limits.UserAgent
	}
}

// failJob persists a failure that happened before the orchestrator existed,
// so the job does not linger as pending.
func (m *Manager) failJob(manifest *models.Manifest, cause error) {
	now := time.Now().UTC()
	manifest.Status.State = models.JobStateFailed
	manifest.Status.LastError = cause.Error()
	manifest.Status.FinishedAt = &now
	if err := m.store.WriteManifest(manifest); err != nil {
		m.logger.Warn().Err(err).Str("job_id", manifest.JobID).Msg("Failed to persist job failure")
	}
	m.logger.Error().Err(cause).Str("job_id", manifest.JobID).Msg("Job failed to start")
}
