package server

import (
	"net/http"
	"time"

	"github.com/ternarybob/aranea/internal/common"
)

// corsAllowMethods lists the verbs the crawl API answers.
const corsAllowMethods = "GET, POST, DELETE, OPTIONS"

// withMiddleware wraps the router with the API middleware chain. WebSocket
// upgrades take only the CORS headers: once the connection is hijacked the
// logging wrapper cannot see the real status and a recovery response can no
// longer be written.
func (s *Server) withMiddleware(handler http.Handler) http.Handler {
	chain := s.recoveryMiddleware(handler)
	chain = s.corsMiddleware(chain)
	chain = s.loggingMiddleware(chain)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" {
			applyCORS(w)
			handler.ServeHTTP(w, r)
			return
		}
		chain.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs one line per request and one per response with the
// observed status, size and duration.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		event := s.app.Logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("remote", r.RemoteAddr)
		if r.URL.RawQuery != "" {
			event.Str("query", r.URL.RawQuery)
		}
		event.Msg("HTTP request")

		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)

		s.app.Logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rw.status).
			Int64("bytes", rw.written).
			Dur("duration", time.Since(start)).
			Msg("HTTP response")
	})
}

func applyCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", corsAllowMethods)
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
}

// corsMiddleware tags every response for browser clients and answers
// preflights directly.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		applyCORS(w)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// recoveryMiddleware turns handler panics into a 500 instead of killing the
// process.
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.app.Logger.Error().
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Str("stack", common.GetStackTrace()).
					Msgf("Handler panic: %v", rec)
				http.Error(w, "Internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the status and body size a handler writes.
type statusRecorder struct {
	http.ResponseWriter
	status  int
	written int64
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.written += int64(n)
	return n, err
}
