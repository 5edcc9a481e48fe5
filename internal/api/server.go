// Package api exposes the trade engine over HTTP, gRPC and websocket.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"google.golang.org/grpc"

	"tradegate/internal/config"
	"tradegate/internal/events"
)

// Server hosts the HTTP (REST + websocket) and gRPC endpoints.
type Server struct {
	engine   Engine
	hub      *Hub
	trades   *TradeService
	log      *slog.Logger
	httpAddr string
	grpcAddr string

	httpSrv *http.Server
	grpcSrv *grpc.Server
}

// NewServer creates a Server. A zero gRPC port disables the gRPC listener;
// a nil bus disables the websocket feed and event streaming.
func NewServer(cfg config.Server, engine Engine, bus *events.Bus, log *slog.Logger) *Server {
	log = log.With("component", "api")
	s := &Server{
		engine:   engine,
		trades:   NewTradeService(engine, bus, log),
		log:      log,
		httpAddr: fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
	}
	if bus != nil {
		s.hub = NewHub(bus, log)
	}
	if cfg.GRPCPort > 0 {
		s.grpcAddr = fmt.Sprintf("%s:%d", cfg.Host, cfg.GRPCPort)
	}
	s.httpSrv = &http.Server{
		Addr:              s.httpAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.grpcSrv = grpc.NewServer()
	s.trades.RegisterGRPC(s.grpcSrv)
	return s
}

// ListenAndServe starts the listeners and blocks until ctx is cancelled or
// a listener fails. On return both servers are shut down.
func (s *Server) ListenAndServe(ctx context.Context) error {
	httpLis, err := net.Listen("tcp", s.httpAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.httpAddr, err)
	}
	errCh := make(chan error, 2)
	go func() {
		s.log.Info("http listening", "addr", httpLis.Addr().String())
		if err := s.httpSrv.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()

	if s.grpcAddr != "" {
		grpcLis, err := net.Listen("tcp", s.grpcAddr)
		if err != nil {
			_ = s.httpSrv.Close()
			return fmt.Errorf("listening on %s: %w", s.grpcAddr, err)
		}
		go func() {
			s.log.Info("grpc listening", "addr", grpcLis.Addr().String())
			if err := s.grpcSrv.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				errCh <- fmt.Errorf("grpc: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
	case err = <-errCh:
		s.log.Error("listener failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if serr := s.Shutdown(shutdownCtx); serr != nil && err == nil {
		err = serr
	}
	return err
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.hub != nil {
		s.hub.Close()
	}
	done := make(chan struct{})
	go func() {
		s.grpcSrv.GracefulStop()
		close(done)
	}()
	err := s.httpSrv.Shutdown(ctx)
	select {
	case <-done:
	case <-ctx.Done():
		s.grpcSrv.Stop()
	}
	return err
}
