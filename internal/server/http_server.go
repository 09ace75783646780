package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/Tyrowin/helpdesk-relay/internal/cluster"
	"github.com/Tyrowin/helpdesk-relay/internal/config"
)

// CreateServer creates an HTTP server for addr. Only header reads are bounded:
// upgraded websocket connections are long-lived.
func CreateServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// Worker is one relay worker: a hub, its gateway and the HTTP server in front.
type Worker struct {
	Hub     *Hub
	Gateway *Gateway
	fabric  cluster.Fabric
	logger  *zap.Logger
}

// NewWorker builds a worker around fabric. The worker owns the fabric and
// closes it on shutdown.
func NewWorker(cfg *config.Config, nodeID string, fabric cluster.Fabric, logger *zap.Logger) *Worker {
	hub := NewHub(HubOptions{
		NodeID:            nodeID,
		Fabric:            fabric,
		PresenceScope:     cfg.PresenceScope,
		PresenceHeartbeat: cfg.PresenceHeartbeat,
		MaxMessageSize:    cfg.MaxMessageSize,
		RateLimit:         cfg.RateLimit,
		Logger:            logger,
	})
	return &Worker{
		Hub:     hub,
		Gateway: NewGateway(hub, NewOriginPolicy(cfg.AllowedOrigins, logger), hub.logger),
		fabric:  fabric,
		logger:  hub.logger,
	}
}

// Run serves on addr until ctx is done, then shuts down the server, the hub
// and the fabric in that order.
func (w *Worker) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	go w.Hub.Run()
	srv := CreateServer(addr, w.Gateway.SetupRoutes())

	errCh := make(chan error, 1)
	go func() {
		w.logger.Info("worker listening", zap.String("addr", addr))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err = <-errCh:
	}

	if shutdownErr := ShutdownServer(srv, 10*time.Second, w.logger); err == nil {
		err = shutdownErr
	}
	if hubErr := w.Hub.Shutdown(5 * time.Second); hubErr != nil {
		w.logger.Warn("hub shutdown", zap.Error(hubErr))
	}
	if w.fabric != nil {
		if cerr := w.fabric.Close(); cerr != nil {
			w.logger.Warn("fabric close", zap.Error(cerr))
		}
	}
	return err
}

// ShutdownServer gracefully shuts down the HTTP server. Hijacked websocket
// connections are not tracked by the server and are closed by the hub.
func ShutdownServer(server *http.Server, timeout time.Duration, logger *zap.Logger) error {
	logger.Info("shutting down HTTP server")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Warn("HTTP server shutdown error", zap.Error(err))
		return err
	}
	return nil
}
