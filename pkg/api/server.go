package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/corralhq/corral/pkg/log"
	"github.com/corralhq/corral/pkg/metrics"
	"github.com/corralhq/corral/pkg/nodes"
	"github.com/corralhq/corral/pkg/obligation"
	"github.com/corralhq/corral/pkg/state"
)

const readTimeout = 10 * time.Second

// Server is the orchestrator's HTTP surface: node agent traffic
// (registration, heartbeats, command acks), a minimal user VM API, and
// the health/metrics endpoints.
type Server struct {
	state       *state.Store
	nodeMgr     *nodes.Manager
	obligations *obligation.Store
	logger      zerolog.Logger

	http *http.Server
}

func NewServer(listenAddr string, st *state.Store, nodeMgr *nodes.Manager, obs *obligation.Store) *Server {
	s := &Server{
		state:       st,
		nodeMgr:     nodeMgr,
		obligations: obs,
		logger:      log.WithComponent("api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/nodes/register", s.handleRegister)
	mux.HandleFunc("POST /api/nodes/{nodeId}/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("POST /api/nodes/{nodeId}/commands/{commandId}/ack", s.handleAck)
	mux.HandleFunc("POST /api/vms", s.handleCreateVm)
	mux.HandleFunc("GET /api/vms/{vmId}", s.handleGetVm)
	mux.HandleFunc("DELETE /api/vms/{vmId}", s.handleDeleteVm)
	mux.HandleFunc("GET /health", metrics.HealthHandler())
	mux.HandleFunc("GET /ready", metrics.ReadyHandler())
	mux.Handle("GET /metrics", metrics.Handler())

	s.http = &http.Server{
		Addr:        listenAddr,
		Handler:     instrument(mux),
		ReadTimeout: readTimeout,
	}
	return s
}

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.http.Addr).Msg("api server listening")
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// instrument counts requests by method and response status.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
