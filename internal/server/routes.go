package server

import (
	"net/http"
	"strings"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// WebSocket route
	mux.HandleFunc("/ws", s.app.WSHandler.HandleWebSocket)

	// Crawl API
	mux.HandleFunc("/crawl", s.handleCrawlRoot)   // GET (list), POST (submit)
	mux.HandleFunc("/crawl/", s.handleCrawlRoutes) // /{id} and subpaths

	// System
	mux.HandleFunc("/healthz", s.app.APIHandler.HealthHandler)
	mux.HandleFunc("/version", s.app.APIHandler.VersionHandler)

	// 404 handler for unmatched routes
	mux.HandleFunc("/", s.app.APIHandler.NotFoundHandler)

	return mux
}

// handleCrawlRoot routes /crawl requests (list and submit)
func (s *Server) handleCrawlRoot(w http.ResponseWriter, r *http.Request) {
	RouteCollection(w, r, s.app.CrawlHandler.ListHandler, s.app.CrawlHandler.CreateHandler)
}

// handleCrawlRoutes routes /crawl/{id} requests and subpaths to the
// appropriate handler.
func (s *Server) handleCrawlRoutes(w http.ResponseWriter, r *http.Request) {
	h := s.app.CrawlHandler

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[1] == "" {
		http.Error(w, "Job ID is required", http.StatusBadRequest)
		return
	}

	switch {
	// /crawl/{id}
	case len(parts) == 2:
		RouteResource(w, r, h.GetJobHandler, h.DeleteJobHandler)

	// /crawl/{id}/{action}
	case len(parts) == 3:
		switch parts[2] {
		case "stop":
			RouteByMethod(w, r, MethodRouter{"POST": h.StopJobHandler})
		case "pause":
			RouteByMethod(w, r, MethodRouter{"POST": h.PauseJobHandler})
		case "resume":
			RouteByMethod(w, r, MethodRouter{"POST": h.ResumeJobHandler})
		case "stats":
			RouteByMethod(w, r, MethodRouter{"GET": h.StatsHandler})
		case "pages":
			RouteByMethod(w, r, MethodRouter{"GET": h.ListPagesHandler})
		case "export":
			RouteByMethod(w, r, MethodRouter{"GET": h.ExportHandler})
		case "download":
			RouteByMethod(w, r, MethodRouter{"GET": h.DownloadHandler})
		case "log":
			RouteByMethod(w, r, MethodRouter{"GET": h.JobLogHandler})
		default:
			http.Error(w, "Not found", http.StatusNotFound)
		}

	// /crawl/{id}/pages/{page_id}
	case len(parts) == 4 && parts[2] == "pages":
		RouteByMethod(w, r, MethodRouter{"GET": h.GetPageHandler})

	// /crawl/{id}/pages/{page_id}/preview
	case len(parts) == 5 && parts[2] == "pages" && parts[4] == "preview":
		RouteByMethod(w, r, MethodRouter{"GET": h.PreviewPageHandler})

	default:
		http.Error(w, "Not found", http.StatusNotFound)
	}
}
