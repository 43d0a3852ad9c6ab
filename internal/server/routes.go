package server

import (
	"net/http"
	"strings"

	"github.com/ternarybob/dossier/internal/common"
	"github.com/ternarybob/dossier/internal/handlers"
)

// setupRoutes builds the route table: core endpoints under /api/core/*,
// job polling under /api/jobs/, each extension under its api_prefix, and
// the event stream at /ws.
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	docHandler := handlers.NewDocumentHandler(s.app.Dispatcher, s.app.Store, s.app.Logger)
	jobHandler := handlers.NewJobHandler(s.app.Broker, s.app.JobStore, s.app.Logger)
	poolHandler := handlers.NewPoolHandler(s.app.Dispatcher, s.app.Registry, s.app.Logger)
	eventHandler := handlers.NewEventHandler(s.app.Events, s.app.Logger)

	// Documents
	mux.HandleFunc("/api/core/documents", func(w http.ResponseWriter, r *http.Request) {
		RouteResourceCollection(w, r, docHandler.List, docHandler.Ingest)
	})
	mux.HandleFunc("/api/core/documents/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if strings.HasSuffix(r.URL.Path, "/chunks") {
			docHandler.Chunks(w, r)
			return
		}
		docHandler.Get(w, r)
	})
	mux.HandleFunc("/api/core/search", func(w http.ResponseWriter, r *http.Request) {
		RouteByMethod(w, r, MethodRouter{"GET": docHandler.Search})
	})

	// Jobs
	mux.HandleFunc("/api/core/jobs", func(w http.ResponseWriter, r *http.Request) {
		RouteResourceCollection(w, r, jobHandler.List, func(w http.ResponseWriter, r *http.Request) {
			jobHandler.Enqueue(w, r, s.app.Dispatcher)
		})
	})
	mux.HandleFunc("/api/core/jobs/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/requeue") {
			jobHandler.Requeue(w, r)
			return
		}
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	})
	mux.HandleFunc("/api/core/deadletter", func(w http.ResponseWriter, r *http.Request) {
		RouteByMethod(w, r, MethodRouter{"GET": jobHandler.Deadletter})
	})

	// Job polling endpoint for long-running operations
	mux.HandleFunc("/api/jobs/", func(w http.ResponseWriter, r *http.Request) {
		RouteByMethod(w, r, MethodRouter{"GET": jobHandler.Get})
	})

	// Pools, workers, events
	mux.HandleFunc("/api/core/pools", func(w http.ResponseWriter, r *http.Request) {
		RouteByMethod(w, r, MethodRouter{"GET": poolHandler.List})
	})
	mux.HandleFunc("/api/core/workers", func(w http.ResponseWriter, r *http.Request) {
		RouteByMethod(w, r, MethodRouter{"GET": poolHandler.Workers})
	})
	mux.HandleFunc("/api/core/events", func(w http.ResponseWriter, r *http.Request) {
		RouteByMethod(w, r, MethodRouter{"GET": eventHandler.List})
	})

	// Event stream
	mux.HandleFunc("/ws", s.app.WebSocket.Handle)

	// Extension routes, mounted under each extension's api_prefix
	for _, ext := range s.app.Extensions.Extensions() {
		manifest := ext.Manifest()
		prefix := strings.TrimSuffix(manifest.APIPrefix, "/")
		for _, route := range ext.Routes() {
			pattern := route.Method + " " + prefix + route.Path
			if route.Path == "/" {
				pattern = route.Method + " " + prefix
			}
			mux.HandleFunc(pattern, route.Handler)
			s.app.Logger.Debug().
				Str("extension", manifest.Name).
				Str("pattern", pattern).
				Msg("Extension route mounted")
		}
	}

	// Health and version
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("/version", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"version":"` + common.GetVersion() + `"}`))
	})

	return mux
}
