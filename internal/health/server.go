package health

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SessionStatus is the per-entity part of the health report
type SessionStatus struct {
	EntityID        string `json:"entity_id"`
	ActiveTracks    int    `json:"active_tracks"`
	FramesProcessed uint64 `json:"frames_processed"`
	FramesDropped   uint64 `json:"frames_dropped"`
}

// Status is supplied by the orchestrator on every request
type Status struct {
	BusConnected bool
	StateStore   string
	Sessions     []SessionStatus
}

type HealthResponse struct {
	Status        string          `json:"status"`
	Service       string          `json:"service"`
	UptimeSeconds int64           `json:"uptime_seconds"`
	Timestamp     int64           `json:"timestamp"`
	NatsConnected bool            `json:"nats_connected"`
	StateStore    string          `json:"state_store"`
	Sessions      []SessionStatus `json:"sessions"`
}

// Server serves /health and /metrics
type Server struct {
	service   string
	startTime time.Time
	status    func() Status
	srv       *http.Server
}

// NewServer builds the server. registry may be nil, in which case /metrics
// is not mounted.
func NewServer(port, service string, registry *prometheus.Registry, status func() Status) *Server {
	s := &Server{
		service:   service,
		startTime: time.Now(),
		status:    status,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthHandler)
	if registry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	}

	s.srv = &http.Server{
		Addr:              ":" + port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start listens in the background. Listen errors are returned synchronously.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}

	log.Printf("Health check listening on %s", ln.Addr())

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("Health server failed: %v", err)
		}
	}()
	return nil
}

// Shutdown stops the server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Handler exposes the routes for tests
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	st := s.status()

	response := &HealthResponse{
		Status:        "healthy",
		Service:       s.service,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Timestamp:     time.Now().Unix(),
		NatsConnected: st.BusConnected,
		StateStore:    st.StateStore,
		Sessions:      st.Sessions,
	}
	if response.Sessions == nil {
		response.Sessions = []SessionStatus{}
	}

	code := http.StatusOK
	if !st.BusConnected {
		response.Status = "degraded"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Printf("Failed to write health response: %v", err)
	}
}
