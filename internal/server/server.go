// Package server is the HTTP surface of the coordinator process.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/polzovatel/page-bridge/internal/bridge"
	"github.com/polzovatel/page-bridge/internal/wsport"
)

const shutdownTimeout = 5 * time.Second

// Coordinator serves restricted callers over a port.
type Coordinator interface {
	Serve(ctx context.Context, port bridge.Port) error
}

type Server struct {
	coord   Coordinator
	metrics http.Handler
	logger  zerolog.Logger
	router  chi.Router

	mu    sync.Mutex
	conns map[*wsport.Conn]struct{}
	wg    sync.WaitGroup
}

// New wires the routes. metrics may be nil.
func New(coord Coordinator, metrics http.Handler, logger zerolog.Logger) *Server {
	s := &Server{
		coord:   coord,
		metrics: metrics,
		logger:  logger,
		conns:   make(map[*wsport.Conn]struct{}),
	}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.health)
	r.Get("/bridge", s.bridge)
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}
	s.router = r
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is done, then closes every
// websocket caller and shuts down.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("listening")

	select {
	case err := <-errc:
		s.closeConns()
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.closeConns()
	if serveErr := <-errc; serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return serveErr
	}
	return err
}

func (s *Server) closeConns() {
	s.mu.Lock()
	conns := make([]*wsport.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
	s.wg.Wait()
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) bridge(w http.ResponseWriter, r *http.Request) {
	conn, err := wsport.Upgrade(w, r, s.logger)
	if err != nil {
		s.logger.Warn().Err(err).Msg("bridge upgrade")
		return
	}
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()
	defer func() {
		_ = conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		s.wg.Done()
	}()

	s.logger.Debug().Str("remote", r.RemoteAddr).Msg("caller connected")
	if err := s.coord.Serve(r.Context(), conn); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn().Err(err).Msg("caller session")
	}
	s.logger.Debug().Str("remote", r.RemoteAddr).Msg("caller disconnected")
}
