// Package server exposes the pipeline's health, status and live detections
// over HTTP.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ayusman/tagcast/internal/app"
	"github.com/ayusman/tagcast/internal/capture"
	"github.com/ayusman/tagcast/internal/metrics"
)

// Pipeline is the read-only view of a run the server reports on.
type Pipeline interface {
	State() app.State
	Geometry() capture.Geometry
	Metrics() *metrics.Collector
}

// Config holds the server configuration.
type Config struct {
	Pipeline Pipeline
	// Hub, when set, serves published detections on /api/detections.
	Hub    *Hub
	RunID  string
	Logger *zap.Logger
}

// Server is the status HTTP server.
type Server struct {
	config Config
	mux    *http.ServeMux
	start  time.Time
	logger *zap.Logger
	http   *http.Server
}

// New creates a new Server with the given configuration.
func New(config Config) *Server {
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		config: config,
		mux:    http.NewServeMux(),
		start:  time.Now(),
		logger: logger.Named("server"),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/api/health", s.handleHealth)

	if s.config.Pipeline != nil {
		s.mux.HandleFunc("/api/status", s.handleStatus)
	}

	if s.config.Hub != nil {
		s.mux.Handle("/api/detections", s.config.Hub)
	}
}

// ServeHTTP implements the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// handleHealth handles GET requests to /api/health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.start).String(),
	})
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	RunID   string           `json:"run_id,omitempty"`
	State   string           `json:"state"`
	Frame   *FrameStatus     `json:"frame,omitempty"`
	Metrics metrics.Snapshot `json:"metrics"`
}

// FrameStatus is the layout the detector is bound to.
type FrameStatus struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Stride int    `json:"stride"`
	Size   int    `json:"size"`
	Format string `json:"format"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	p := s.config.Pipeline
	resp := StatusResponse{
		RunID:   s.config.RunID,
		State:   p.State().String(),
		Metrics: p.Metrics().Snapshot(),
	}
	if g := p.Geometry(); g.Width > 0 {
		resp.Frame = &FrameStatus{
			Width:  g.Width,
			Height: g.Height,
			Stride: g.Stride,
			Size:   g.Size,
			Format: g.Format.String(),
		}
	}

	writeJSON(w, resp)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

// ListenAndServe serves on addr until Shutdown is called.
// It returns nil after a clean shutdown.
func (s *Server) ListenAndServe(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.Info("status server listening", zap.String("addr", addr))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the server and disconnects detection subscribers.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.config.Hub != nil {
		s.config.Hub.Close()
	}
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
