// internal/api/server.go
package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/aidenlabs/aiden/internal/protocol"
	"github.com/aidenlabs/aiden/internal/store"
)

// Health exposes liveness of the pipeline pieces the dashboard cares about.
type Health interface {
	WatcherRunning() bool
	MalformedLines() int64
	DroppedEvents() int64
}

// Server is the dashboard-facing HTTP surface: the REST query API plus the
// WebSocket push endpoint.
type Server struct {
	store  *store.Store
	hub    *Hub
	health Health
	server *http.Server

	boundAddr chan string
}

// NewServer wires the router.
func NewServer(addr string, st *store.Store, hub *Hub, health Health) *Server {
	s := &Server{store: st, hub: hub, health: health, boundAddr: make(chan string, 1)}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/errors", s.handleListErrors)
		r.Get("/errors/active", s.handleActiveErrors)
		r.Get("/errors/{id}", s.handleGetError)
		r.Post("/errors/{id}/dismiss", s.handleDismiss)
		r.Get("/devices", s.handleDevices)
	})
	r.Get("/ws", hub.ServeWS)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}
	log.Printf("API listening on %s", ln.Addr())
	s.boundAddr <- ln.Addr().String()

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.server.Shutdown(shutdownCtx)
		s.hub.Close()
		return nil
	case err := <-errCh:
		return err
	}
}

// WaitAddr blocks until Run has bound its listener and returns the actual
// address, which matters when the configured port is 0.
func (s *Server) WaitAddr() string { return <-s.boundAddr }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "healthy",
		"watcher_running": s.health.WatcherRunning(),
		"malformed_lines": s.health.MalformedLines(),
		"dropped_events":  s.health.DroppedEvents(),
		"ws_clients":      s.hub.ClientCount(),
	})
}

func (s *Server) handleListErrors(w http.ResponseWriter, r *http.Request) {
	page, perPage := pageParams(r)

	var f store.Filter
	f.DeviceID = r.URL.Query().Get("device_id")
	if sev := r.URL.Query().Get("severity"); sev != "" {
		f.Severity = protocol.Severity(sev)
	}
	if dis := r.URL.Query().Get("dismissed"); dis != "" {
		v := dis == "true" || dis == "1"
		f.Dismissed = &v
	}

	s.writeErrorPage(w, page, perPage, f)
}

// handleActiveErrors is the dashboard's default view: non-dismissed only.
func (s *Server) handleActiveErrors(w http.ResponseWriter, r *http.Request) {
	page, perPage := pageParams(r)
	active := false
	s.writeErrorPage(w, page, perPage, store.Filter{Dismissed: &active})
}

func (s *Server) writeErrorPage(w http.ResponseWriter, page, perPage int, f store.Filter) {
	items, total, err := s.store.ListErrors(page, perPage, f)
	if err != nil {
		log.Printf("List errors: %v", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	if items == nil {
		items = []protocol.ErrorWithSolution{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"errors":   items,
		"total":    total,
		"page":     page,
		"per_page": perPage,
	})
}

func (s *Server) handleGetError(w http.ResponseWriter, r *http.Request) {
	item, err := s.store.GetError(chi.URLParam(r, "id"))
	if errors.Is(err, sql.ErrNoRows) {
		http.Error(w, "Error not found", http.StatusNotFound)
		return
	}
	if err != nil {
		log.Printf("Get error: %v", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleDismiss(w http.ResponseWriter, r *http.Request) {
	err := s.store.Dismiss(chi.URLParam(r, "id"))
	if errors.Is(err, sql.ErrNoRows) {
		http.Error(w, "Error not found", http.StatusNotFound)
		return
	}
	if err != nil {
		log.Printf("Dismiss: %v", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "dismissed"})
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.store.Devices()
	if err != nil {
		log.Printf("List devices: %v", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	if devices == nil {
		devices = []protocol.DeviceSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

func pageParams(r *http.Request) (int, int) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))
	if perPage < 1 || perPage > 100 {
		perPage = 20
	}
	return page, perPage
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
