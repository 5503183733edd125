package httpapi

import (
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/clockwork/fpe/internal/live"
	"github.com/clockwork/fpe/internal/logging"
)

// StatusSource is the read-only view of a running Task Runner that the
// status endpoint reports. Satisfied by *taskrunner.Runner, whose State()
// return type implements fmt.Stringer.
type StatusSource interface {
	State() fmt.Stringer
	Counts() (success, failure int64)
	WatchTableSize() int
	QueueDepth() int
}

// LedgerSource is the read-only view of the audit ledger's pending depth.
// Satisfied by ledger.Ledger.
type LedgerSource interface {
	Depth() int
}

// Server holds the dependencies the HTTP control/status API reports on or
// acts upon.
type Server struct {
	Task   StatusSource
	Ledger LedgerSource // nil if no ledger is configured
	Live   *live.Broadcaster
	Logger logging.Logger
	Stop   func() // invoked by POST /admin/stop
}

// NewRouter returns a configured chi.Router.
//
// Route layout:
//
//	GET  /healthz       liveness probe, no authentication
//	GET  /status        task/queue/ledger counters, no authentication
//	GET  /live          WebSocket upgrade for the live event feed
//	POST /admin/stop    graceful shutdown trigger, JWT required when pubKey is set
//
// When pubKey is nil, /admin routes are served without JWT validation; the
// fpe binary does this when no --jwt-public-key is configured.
func NewRouter(srv *Server, pubKey *rsa.PublicKey) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", srv.handleHealthz)
	r.Get("/status", srv.handleStatus)
	r.Get("/live", srv.handleLive)

	r.Route("/admin", func(r chi.Router) {
		if pubKey != nil {
			r.Use(JWTMiddleware(pubKey))
		}
		r.Post("/stop", srv.handleStop)
	})

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

type statusResponse struct {
	State           string `json:"state"`
	SuccessCount    int64  `json:"success_count"`
	FailureCount    int64  `json:"failure_count"`
	WatchTableSize  int    `json:"watch_table_size"`
	QueueDepth      int    `json:"queue_depth"`
	LedgerDepth     *int   `json:"ledger_depth,omitempty"`
	LiveClientCount int    `json:"live_client_count"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	success, failure := s.Task.Counts()
	resp := statusResponse{
		State:          s.Task.State().String(),
		SuccessCount:   success,
		FailureCount:   failure,
		WatchTableSize: s.Task.WatchTableSize(),
		QueueDepth:     s.Task.QueueDepth(),
	}
	if s.Ledger != nil {
		depth := s.Ledger.Depth()
		resp.LedgerDepth = &depth
	}
	if s.Live != nil {
		resp.LiveClientCount = s.Live.ClientCount()
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	if s.Live == nil {
		http.Error(w, "live feed not configured", http.StatusNotFound)
		return
	}
	live.NewHandler(s.Live, s.Logger, 0).ServeHTTP(w, r)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if s.Stop != nil {
		s.Stop()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "stopping"})
}
