package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/aranea/internal/jobs"
	"github.com/ternarybob/aranea/internal/models"
	"github.com/ternarybob/aranea/internal/services/crawler"
)

// CrawlRequest is the submit payload for POST /crawl. Omitted fields take
// the documented defaults; out-of-range values are rejected, not clamped.
type CrawlRequest struct {
	StartURL      string  `json:"start_url" validate:"required,url,startswith=http"`
	MaxPages      int     `json:"max_pages" validate:"omitempty,gte=1,lte=5000"`
	MaxDuration   int     `json:"max_duration" validate:"omitempty,gte=60,lte=43200"`
	Scope         string  `json:"scope"`
	RateLimit     float64 `json:"rate_limit" validate:"omitempty,gte=0.1,lte=10"`
	RespectRobots *bool   `json:"respect_robots"`
	IncludeAssets bool    `json:"include_assets"`

	// CustomPatterns are additional include regexes applied on top of the
	// selected scope.
	CustomPatterns []string `json:"custom_patterns"`

	// Optional overrides passed straight through to the job params.
	MaxDepth    int                   `json:"max_depth" validate:"omitempty,gte=0,lte=100"`
	Concurrency int                   `json:"concurrency" validate:"omitempty,gte=1,lte=64"`
	UserAgent   string                `json:"user_agent"`
	Render      *models.RenderOptions `json:"render"`
}

// CrawlHandler serves the /crawl REST surface on top of the job manager.
type CrawlHandler struct {
	manager  *jobs.Manager
	validate *validator.Validate
	logger   arbor.ILogger
}

func NewCrawlHandler(manager *jobs.Manager, logger arbor.ILogger) *CrawlHandler {
	return &CrawlHandler{
		manager:  manager,
		validate: validator.New(),
		logger:   logger,
	}
}

// CreateHandler submits a new crawl job and starts it immediately.
// POST /crawl
func (h *CrawlHandler) CreateHandler(w http.ResponseWriter, r *http.Request) {
	var req CrawlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	if err := h.validate.Struct(&req); err != nil {
		WriteError(w, http.StatusBadRequest, fmt.Sprintf("Validation failed: %v", err))
		return
	}

	params, err := h.buildParams(&req)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	manifest, err := h.manager.CreateJob(params)
	if err != nil {
		h.logger.Error().Err(err).Str("start_url", params.StartURL).Msg("Failed to create job")
		WriteError(w, http.StatusInternalServerError, "Failed to create job")
		return
	}

	if err := h.manager.StartJob(r.Context(), manifest.JobID); err != nil {
		h.logger.Error().Err(err).Str("job_id", manifest.JobID).Msg("Failed to start job")
		WriteError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to start job: %v", err))
		return
	}

	WriteJSON(w, http.StatusAccepted, map[string]interface{}{
		"job_id":          manifest.JobID,
		"status":          string(models.JobStatePending),
		"message":         fmt.Sprintf("Started crawling %s", params.StartURL),
		"estimated_pages": params.MaxPages,
	})
}

// buildParams converts the request into immutable job params. System
// ceilings are applied later by the manager.
func (h *CrawlHandler) buildParams(req *CrawlRequest) (*models.CrawlParams, error) {
	params := models.DefaultCrawlParams(req.StartURL)

	// The API default is deliberately smaller than the internal one.
	params.MaxPages = 50
	if req.MaxPages > 0 {
		params.MaxPages = req.MaxPages
	}
	if req.MaxDuration > 0 {
		params.MaxDurationSec = req.MaxDuration
	}
	if req.RateLimit > 0 {
		params.RateLimitPerDomainPerSec = req.RateLimit
	}
	if req.RespectRobots != nil {
		params.RespectRobots = *req.RespectRobots
	}
	params.CaptureAssets = req.IncludeAssets
	if req.MaxDepth > 0 {
		params.MaxDepth = req.MaxDepth
	}
	if req.Concurrency > 0 {
		params.Concurrency = req.Concurrency
	}
	if req.UserAgent != "" {
		params.UserAgent = req.UserAgent
	}
	if req.Render != nil {
		params.Render = *req.Render
	}

	switch scope := req.Scope; {
	case scope == "" || scope == "domain":
		params.Scope = models.ScopeDomain
	case scope == "host":
		params.Scope = models.ScopeHost
	case scope == "path":
		params.Scope = models.ScopePathPrefix
		params.PathPrefix = seedPathPrefix(req.StartURL)
	case strings.HasPrefix(scope, "regex:"):
		pattern := strings.TrimPrefix(scope, "regex:")
		if _, err := regexp.Compile(pattern); err != nil {
			return nil, fmt.Errorf("invalid scope regex: %v", err)
		}
		params.Scope = models.ScopeCustom
		params.IncludePatterns = append(params.IncludePatterns, pattern)
	default:
		return nil, fmt.Errorf("invalid scope %q: must be domain, host, path, or regex:<pattern>", scope)
	}

	params.IncludePatterns = append(params.IncludePatterns, req.CustomPatterns...)
	return params, nil
}

// seedPathPrefix derives the directory of the seed URL, so path scope keeps
// the crawl under the seed's tree.
func seedPathPrefix(startURL string) string {
	u, err := url.Parse(startURL)
	if err != nil {
		return "/"
	}
	prefix := u.Path
	if idx := strings.LastIndex(prefix, "/"); idx >= 0 {
		prefix = prefix[:idx+1]
	}
	if prefix == "" {
		prefix = "/"
	}
	return prefix
}

// ListHandler returns a page of job summaries, newest first.
// GET /crawl?limit=&offset=&status=
func (h *CrawlHandler) ListHandler(w http.ResponseWriter, r *http.Request) {
	limit, offset := GetLimitOffset(r, 20)
	state := models.JobState(r.URL.Query().Get("status"))

	summaries, total, err := h.manager.ListJobs(limit, offset, state)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list jobs")
		WriteError(w, http.StatusInternalServerError, "Failed to list jobs")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":   summaries,
		"total":  total,
		"offset": offset,
		"limit":  limit,
	})
}

// GetJobHandler returns the full status detail of one job.
// GET /crawl/{id}
func (h *CrawlHandler) GetJobHandler(w http.ResponseWriter, r *http.Request) {
	jobID := pathSegment(r, 1)
	manifest, err := h.manager.GetJob(jobID)
	if err != nil {
		h.writeJobError(w, jobID, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"job_id":           manifest.JobID,
		"state":            manifest.Status.State,
		"created_at":       manifest.CreatedAt,
		"started_at":       manifest.Status.StartedAt,
		"finished_at":      manifest.Status.FinishedAt,
		"elapsed_sec":      manifest.Status.ElapsedSec,
		"stats":            manifest.Status.Stats,
		"progress_percent": manifest.Status.Stats.ProgressPercent(),
		"last_error":       manifest.Status.LastError,
		"params":           manifest.Params,
	})
}

// StatsHandler returns derived statistics for one job.
// GET /crawl/{id}/stats
func (h *CrawlHandler) StatsHandler(w http.ResponseWriter, r *http.Request) {
	jobID := pathSegment(r, 1)
	stats, err := h.manager.JobStats(jobID)
	if err != nil {
		h.writeJobError(w, jobID, err)
		return
	}
	WriteJSON(w, http.StatusOK, stats)
}

// StopJobHandler stops a running or paused job.
// POST /crawl/{id}/stop
func (h *CrawlHandler) StopJobHandler(w http.ResponseWriter, r *http.Request) {
	jobID := pathSegment(r, 1)
	if err := h.manager.StopJob(jobID); err != nil {
		h.writeJobError(w, jobID, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{
		"message": fmt.Sprintf("Job %s stopped successfully", jobID),
	})
}

// PauseJobHandler pauses a running job.
// POST /crawl/{id}/pause
func (h *CrawlHandler) PauseJobHandler(w http.ResponseWriter, r *http.Request) {
	jobID := pathSegment(r, 1)
	if err := h.manager.PauseJob(jobID); err != nil {
		h.writeJobError(w, jobID, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{
		"message": fmt.Sprintf("Job %s paused successfully", jobID),
	})
}

// ResumeJobHandler resumes a paused job.
// POST /crawl/{id}/resume
func (h *CrawlHandler) ResumeJobHandler(w http.ResponseWriter, r *http.Request) {
	jobID := pathSegment(r, 1)
	if err := h.manager.ResumeJob(jobID); err != nil {
		h.writeJobError(w, jobID, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{
		"message": fmt.Sprintf("Job %s resumed successfully", jobID),
	})
}

// DeleteJobHandler removes a job and its stored results. Running jobs are
// refused unless ?force=true is passed, which stops them first.
// DELETE /crawl/{id}
func (h *CrawlHandler) DeleteJobHandler(w http.ResponseWriter, r *http.Request) {
	jobID := pathSegment(r, 1)
	force := r.URL.Query().Get("force") == "true"

	if err := h.manager.DeleteJob(jobID, force); err != nil {
		h.writeJobError(w, jobID, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{
		"message": fmt.Sprintf("Job %s deleted successfully", jobID),
	})
}

// ListPagesHandler returns a page of page summaries for one job.
// GET /crawl/{id}/pages?limit=&offset=&status=
func (h *CrawlHandler) ListPagesHandler(w http.ResponseWriter, r *http.Request) {
	jobID := pathSegment(r, 1)
	limit, offset := GetLimitOffset(r, 50)
	filter := models.PageStatusFilter(r.URL.Query().Get("status"))

	pages, total, err := h.manager.ListPages(jobID, offset, limit, filter)
	if err != nil {
		h.writeJobError(w, jobID, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"job_id": jobID,
		"pages":  pages,
		"total":  total,
		"offset": offset,
		"limit":  limit,
	})
}

// GetPageHandler returns one full page record.
// GET /crawl/{id}/pages/{page_id}
func (h *CrawlHandler) GetPageHandler(w http.ResponseWriter, r *http.Request) {
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
	WriteJSON(w, http.StatusOK, record)
}

// ExportHandler builds an export artifact and returns where to fetch it.
// GET /crawl/{id}/export?format=jsonl|zip
func (h *CrawlHandler) ExportHandler(w http.ResponseWriter, r *http.Request) {
	jobID := pathSegment(r, 1)
	format, ok := exportFormat(w, r)
	if !ok {
		return
	}

	path, err := h.manager.ExportJob(jobID, format)
	if err != nil {
		h.writeJobError(w, jobID, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"job_id":       jobID,
		"format":       string(format),
		"export_path":  path,
		"download_url": fmt.Sprintf("/crawl/%s/download?format=%s", jobID, format),
	})
}

// DownloadHandler streams the export artifact.
// GET /crawl/{id}/download?format=jsonl|zip
func (h *CrawlHandler) DownloadHandler(w http.ResponseWriter, r *http.Request) {
	jobID := pathSegment(r, 1)
	format, ok := exportFormat(w, r)
	if !ok {
		return
	}

	path, err := h.manager.ExportJob(jobID, format)
	if err != nil {
		h.writeJobError(w, jobID, err)
		return
	}

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", fmt.Sprintf("%s.%s", jobID, format)))
	http.ServeFile(w, r, path)
}

// JobLogHandler returns the job's activity log as plain text.
// GET /crawl/{id}/log
func (h *CrawlHandler) JobLogHandler(w http.ResponseWriter, r *http.Request) {
	jobID := pathSegment(r, 1)
	text, err := h.manager.JobLog(jobID)
	if err != nil {
		h.writeJobError(w, jobID, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(text))
}

// exportFormat parses the format query parameter, defaulting to jsonl.
func exportFormat(w http.ResponseWriter, r *http.Request) (models.ExportFormat, bool) {
	raw := strings.ToLower(r.URL.Query().Get("format"))
	switch raw {
	case "", "jsonl":
		return models.ExportJSONL, true
	case "zip":
		return models.ExportZip, true
	default:
		WriteError(w, http.StatusBadRequest, fmt.Sprintf("Unsupported export format: %s", raw))
		return "", false
	}
}

// pathSegment returns the i-th segment of the request path, counting from
// zero at the first element after the leading slash.
func pathSegment(r *http.Request, i int) string {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if i < 0 || i >= len(parts) {
		return ""
	}
	return parts[i]
}

// writeJobError maps manager and lifecycle errors to API status codes.
func (h *CrawlHandler) writeJobError(w http.ResponseWriter, jobID string, err error) {
	switch {
	case errors.Is(err, jobs.ErrJobNotFound):
		WriteError(w, http.StatusNotFound, fmt.Sprintf("Job %s not found", jobID))
	case errors.Is(err, jobs.ErrJobRunning):
		WriteError(w, http.StatusConflict, fmt.Sprintf("Job %s is running; stop it first or use force=true", jobID))
	case errors.Is(err, jobs.ErrJobNotPending),
		errors.Is(err, crawler.ErrAlreadyRunning),
		errors.Is(err, crawler.ErrNotRunning),
		errors.Is(err, crawler.ErrNotPaused):
		WriteError(w, http.StatusConflict, err.Error())
	default:
		h.logger.Error().Err(err).Str("job_id", jobID).Msg("Job operation failed")
		WriteError(w, http.StatusInternalServerError, err.Error())
	}
}
