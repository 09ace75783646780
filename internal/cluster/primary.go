package cluster

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Tyrowin/helpdesk-relay/internal/config"
)

// Primary is the process that owns the public listener: it supervises the
// workers, routes every request to one of them, and hosts the relay hub when
// the primary fabric is selected.
type Primary struct {
	cfg        *config.Config
	logger     *zap.Logger
	balancer   *Balancer
	relay      *RelayHub
	supervisor *Supervisor
	health     *http.Client

	mu       sync.Mutex
	base     context.Context
	launches map[int]context.CancelFunc
}

// NewPrimary wires the balancer, relay hub and supervisor for cfg.
func NewPrimary(cfg *config.Config, launcher Launcher, logger *zap.Logger) *Primary {
	p := &Primary{
		cfg:      cfg,
		logger:   logger.With(zap.String("role", "primary")),
		balancer: NewBalancer(cfg.AffinityTTL),
		health:   &http.Client{Timeout: time.Second},
		base:     context.Background(),
		launches: make(map[int]context.CancelFunc),
	}
	if cfg.Fabric == config.FabricPrimary {
		p.relay = NewRelayHub(logger)
	}

	workers := WorkerCount(cfg.Workers)
	for slot := 0; slot < workers; slot++ {
		p.balancer.SetWorker(slot, &url.URL{Scheme: "http", Host: cfg.WorkerAddr(slot)})
	}

	p.supervisor = NewSupervisor(launcher, workers, logger)
	p.supervisor.OnStart(p.workerStarted)
	p.supervisor.OnExit(p.workerExited)
	return p
}

// Balancer exposes the sticky balancer.
func (p *Primary) Balancer() *Balancer { return p.balancer }

// Run serves until ctx is done or the supervisor fails.
func (p *Primary) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p.mu.Lock()
	p.base = ctx
	p.mu.Unlock()

	var relaySrv *http.Server
	if p.relay != nil {
		ln, err := net.Listen("tcp", p.cfg.RelayAddr)
		if err != nil {
			return fmt.Errorf("relay listen: %w", err)
		}
		go p.relay.Run()
		mux := http.NewServeMux()
		mux.Handle(RelayPath, p.relay)
		relaySrv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := relaySrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				p.logger.Error("relay server stopped", zap.Error(err))
			}
		}()
		p.logger.Info("relay hub listening", zap.String("addr", p.cfg.RelayAddr))
	}

	front := &http.Server{
		Addr:              p.cfg.Port,
		Handler:           NewStickyProxy(p.balancer, p.logger, WithSameSite(SameSiteMode(p.cfg.AffinitySameSite))),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	ln, err := net.Listen("tcp", p.cfg.Port)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	errCh := make(chan error, 2)
	go func() {
		p.logger.Info("primary listening", zap.String("addr", p.cfg.Port), zap.Int("workers", p.supervisor.workers))
		if err := front.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		errCh <- p.supervisor.Run(ctx)
	}()
	go p.sweep(ctx)

	select {
	case <-ctx.Done():
	case err = <-errCh:
	}
	cancel()

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	_ = front.Shutdown(shutdownCtx)
	if relaySrv != nil {
		_ = relaySrv.Shutdown(shutdownCtx)
		_ = p.relay.Shutdown(5 * time.Second)
	}
	return err
}

// workerStarted begins readiness checks for a freshly launched worker. Each
// launch gets its own context so a check left over from an earlier run of the
// slot cannot put it back in rotation.
func (p *Primary) workerStarted(slot int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cancel, ok := p.launches[slot]; ok {
		cancel()
	}
	ctx, cancel := context.WithCancel(p.base)
	p.launches[slot] = cancel
	go p.waitReady(ctx, slot)
}

// workerExited takes slot out of rotation and stops its readiness check.
func (p *Primary) workerExited(slot int, _ error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cancel, ok := p.launches[slot]; ok {
		cancel()
		delete(p.launches, slot)
	}
	p.balancer.MarkDown(slot)
}

// waitReady polls the worker's health endpoint until it answers 200 or the
// launch ends. A worker that never answers stays out of rotation.
func (p *Primary) waitReady(ctx context.Context, slot int) {
	target := "http://" + p.cfg.WorkerAddr(slot) + "/healthz"
	warnAt := time.Now().Add(10 * time.Second)
	for !p.healthy(ctx, target) {
		if !warnAt.IsZero() && time.Now().After(warnAt) {
			p.logger.Warn("worker not answering health checks", zap.Int("slot", slot), zap.String("target", target))
			warnAt = time.Time{}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(100 * time.Millisecond):
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	p.balancer.MarkUp(slot)
	p.logger.Debug("worker in rotation", zap.Int("slot", slot))
}

func (p *Primary) healthy(ctx context.Context, target string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, http.NoBody)
	if err != nil {
		return false
	}
	resp, err := p.health.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (p *Primary) sweep(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.AffinityTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := p.balancer.Sweep(); n > 0 {
				p.logger.Debug("expired affinity pins", zap.Int("count", n))
			}
		}
	}
}
