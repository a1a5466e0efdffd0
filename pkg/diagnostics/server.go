package diagnostics

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/go-drift/canvassync/pkg/logging"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Server exposes /metrics, /health and /surfaces over HTTP.
type Server struct {
	gatherer prometheus.Gatherer
	snapshot func() any
	logger   *zap.Logger

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// NewServer creates a stopped server. snapshot, if non-nil, is served as
// JSON on /surfaces.
func NewServer(gatherer prometheus.Gatherer, snapshot func() any, logger *zap.Logger) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		gatherer: gatherer,
		snapshot: snapshot,
		logger:   logging.Named(logger, "diagnostics"),
	}
}

// Start listens on addr (e.g. ":9090" or "127.0.0.1:0") and serves in the
// background. It returns the bound address. Starting a running server
// returns its current address.
func (s *Server) Start(addr string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return s.listener.Addr().String(), nil
	}

	// Bind first to fail fast on port conflicts.
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("diagnostics listen: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", handleHealth)
	mux.HandleFunc("/surfaces", s.handleSurfaces)

	server := &http.Server{
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  15 * time.Second,
	}
	s.server = server
	s.listener = listener

	go func() {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.mu.Lock()
			s.server = nil
			s.listener = nil
			s.mu.Unlock()
			s.logger.Error("diagnostics server stopped", zap.Error(err))
		}
	}()

	s.logger.Info("diagnostics server listening", zap.String("addr", listener.Addr().String()))
	return listener.Addr().String(), nil
}

// Stop shuts the server down. Stopping a stopped server is a no-op.
func (s *Server) Stop() {
	s.mu.Lock()
	server := s.server
	s.server = nil
	s.listener = nil
	s.mu.Unlock()

	if server == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	server.Shutdown(ctx)
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleSurfaces(w http.ResponseWriter, r *http.Request) {
	if s.snapshot == nil {
		http.Error(w, "no snapshot source", http.StatusNotFound)
		return
	}
	data, err := json.Marshal(s.snapshot())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}
