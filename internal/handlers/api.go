package handlers

import (
	"net/http"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/aranea/internal/common"
	"github.com/ternarybob/aranea/internal/jobs"
)

type APIHandler struct {
	logger    arbor.ILogger
	manager   *jobs.Manager
	startedAt time.Time
}

func NewAPIHandler(manager *jobs.Manager) *APIHandler {
	return &APIHandler{
		logger:    common.GetLogger(),
		manager:   manager,
		startedAt: time.Now(),
	}
}

// VersionHandler returns version information
func (h *APIHandler) VersionHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	WriteJSON(w, http.StatusOK, common.GetBuildInfo())
}

// HealthHandler returns health check status
// GET /healthz
func (h *APIHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	activeJobs := 0
	if h.manager != nil {
		activeJobs = h.manager.ActiveJobs()
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"version":        common.Version,
		"uptime_seconds": int(time.Since(h.startedAt).Seconds()),
		"active_jobs":    activeJobs,
	})
}

// NotFoundHandler handles 404 errors with JSON response
func (h *APIHandler) NotFoundHandler(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusNotFound, map[string]interface{}{
		"error":   "Not Found",
		"path":    r.URL.Path,
		"message": "The requested endpoint does not exist",
	})
}
