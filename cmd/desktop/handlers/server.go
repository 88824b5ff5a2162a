package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/coachcoreai/coachcore/backend/internal/logging"
	"github.com/coachcoreai/coachcore/backend/internal/services"
	syncpkg "github.com/coachcoreai/coachcore/backend/internal/sync"
	"github.com/coachcoreai/coachcore/backend/internal/sync/status"
)

const shutdownTimeout = 5 * time.Second

// Server is the localhost bridge the desktop UI talks to.
type Server struct {
	svc    *services.SyncService
	hub    *WSHub
	router *chi.Mux

	detach []func()
}

// NewServer builds the router and forwards sync events and status changes to
// WebSocket clients.
func NewServer(svc *services.SyncService) *Server {
	s := &Server{
		svc: svc,
		hub: NewWSHub(),
	}
	s.router = s.routes()
	s.detach = append(s.detach,
		svc.AddEventListener(func(e syncpkg.SyncEvent) { s.hub.BroadcastSyncEvent(e) }),
		svc.SubscribeStatus(func(st status.SyncStatus) { s.hub.BroadcastStatus(st) }),
	)
	return s
}

func (s *Server) routes() *chi.Mux {
	h := NewSyncHandler(s.svc)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/api/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":  "ok",
			"service": "coachsync",
			"online":  s.svc.IsOnline(),
		})
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/sync/status", h.GetStatus)
		r.Get("/sync/failures", h.GetFailures)
		r.Post("/sync", h.TriggerSync)
		r.Post("/connectivity", h.SetConnectivity)

		r.Route("/mutations", func(r chi.Router) {
			r.Get("/", h.ListMutations)
			r.Post("/", h.CreateMutation)
			r.Delete("/", h.ClearQueue)
			r.Post("/retry", h.RetryAll)
			r.Get("/{id}", h.GetMutation)
			r.Delete("/{id}", h.DeleteMutation)
			r.Post("/{id}/retry", h.RetryMutation)
		})

		r.Route("/conflicts", func(r chi.Router) {
			r.Get("/", h.ListConflicts)
			r.Get("/log", h.ListConflictLog)
			r.Get("/{id}", h.GetConflict)
			r.Post("/{id}/resolve", h.ResolveConflict)
			r.Post("/{id}/ack", h.AcknowledgeConflict)
		})

		r.Get("/documents/{collection}", h.ListDocuments)
		r.Get("/documents/{collection}/{id}", h.GetDocument)
		r.Get("/changes", h.ListChanges)
	})

	r.Get("/ws", HandleWebSocket(s.hub, s.pushStatus))
	return r
}

// pushStatus sends the current status so a new client does not wait for the
// next change.
func (s *Server) pushStatus() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	st, err := s.svc.Status(ctx)
	if err != nil {
		logging.Warn("Could not load status for new client", map[string]interface{}{"error": err.Error()})
		return
	}
	s.hub.BroadcastStatus(st)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Hub returns the WebSocket hub.
func (s *Server) Hub() *WSHub {
	return s.hub
}

// Close detaches from the service and disconnects WebSocket clients.
func (s *Server) Close() {
	for _, fn := range s.detach {
		fn()
	}
	s.detach = nil
	s.hub.Close()
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("Bridge listening", map[string]interface{}{"addr": addr})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	logging.Info("Bridge stopped")
	return nil
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logging.Debug("HTTP request", map[string]interface{}{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  middleware.GetReqID(r.Context()),
		})
	})
}
