package obs

import (
	"context"
	"log"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server exposes /healthz and /metrics on a single address. /healthz
// answers 503 "starting" until MarkReady is called, and 200 "ok" after.
type Server struct {
	addr    string
	metrics *Metrics
	ready   atomic.Bool
	server  *http.Server
}

// NewServer creates a Server bound to addr. If addr is empty the
// observability surface is disabled (see Start).
func NewServer(addr string, metrics *Metrics) *Server {
	s := &Server{addr: addr, metrics: metrics}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	if metrics != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))
	}
	s.server = &http.Server{Addr: addr, Handler: mux}
	return s
}

// MarkReady flips /healthz to serve 200 once scheduler startup has
// completed (tasks loaded, state loaded).
func (s *Server) MarkReady() {
	s.ready.Store(true)
}

// Start serves until ctx is cancelled. A no-op if addr is empty.
func (s *Server) Start(ctx context.Context) {
	if s.addr == "" {
		return
	}
	go func() {
		<-ctx.Done()
		_ = s.server.Close()
	}()
	log.Printf("observability server listening on %s", s.addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Printf("observability server error: %v", err)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	if !s.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("starting"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
