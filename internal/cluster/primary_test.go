package cluster

import (
	"errors"
	"net"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Tyrowin/helpdesk-relay/internal/config"
)

// startHealthServer serves /healthz on a loopback port and returns a config
// whose slot 0 points at it. The endpoint answers 503 until ready is set.
func startHealthServer(t *testing.T, ready *atomic.Bool) *config.Config {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if !ready.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: time.Second}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = srv.Close() })

	cfg := config.NewConfig()
	cfg.Workers = 1
	cfg.WorkerBasePort = ln.Addr().(*net.TCPAddr).Port
	return cfg
}

func TestPrimaryKeepsUnhealthyWorkerOutOfRotation(t *testing.T) {
	var ready atomic.Bool
	cfg := startHealthServer(t, &ready)
	p := NewPrimary(cfg, newFakeLauncher(), zaptest.NewLogger(t))

	p.workerStarted(0)
	t.Cleanup(func() { p.workerExited(0, nil) })

	time.Sleep(400 * time.Millisecond)
	_, _, _, err := p.Balancer().Acquire("early")
	assert.ErrorIs(t, err, ErrNoWorkers)

	ready.Store(true)
	assert.Eventually(t, func() bool {
		_, _, release, err := p.Balancer().Acquire("late")
		if err != nil {
			return false
		}
		release()
		return true
	}, 2*time.Second, 20*time.Millisecond)
}

// TestPrimaryExitCancelsReadinessCheck checks a worker that exits before it
// became healthy is not put back in rotation when the port later answers.
func TestPrimaryExitCancelsReadinessCheck(t *testing.T) {
	var ready atomic.Bool
	cfg := startHealthServer(t, &ready)
	p := NewPrimary(cfg, newFakeLauncher(), zaptest.NewLogger(t))

	p.workerStarted(0)
	time.Sleep(200 * time.Millisecond)
	p.workerExited(0, errors.New("signal: killed"))

	ready.Store(true)
	time.Sleep(400 * time.Millisecond)
	_, _, _, err := p.Balancer().Acquire("t")
	assert.ErrorIs(t, err, ErrNoWorkers)

	// the next launch of the slot is checked afresh
	p.workerStarted(0)
	t.Cleanup(func() { p.workerExited(0, nil) })
	assert.Eventually(t, func() bool {
		slot, _, release, err := p.Balancer().Acquire("t")
		if err != nil {
			return false
		}
		release()
		return slot == 0
	}, 2*time.Second, 20*time.Millisecond)
}

// TestPrimaryExitTakesHealthyWorkerDown checks an exit removes a worker that
// was already in rotation.
func TestPrimaryExitTakesHealthyWorkerDown(t *testing.T) {
	var ready atomic.Bool
	ready.Store(true)
	cfg := startHealthServer(t, &ready)
	p := NewPrimary(cfg, newFakeLauncher(), zaptest.NewLogger(t))

	p.workerStarted(0)
	require.Eventually(t, func() bool {
		_, _, release, err := p.Balancer().Acquire("t")
		if err != nil {
			return false
		}
		release()
		return true
	}, 2*time.Second, 20*time.Millisecond)

	p.workerExited(0, errors.New("exit status 1"))
	time.Sleep(300 * time.Millisecond)
	_, _, _, err := p.Balancer().Acquire("t")
	assert.ErrorIs(t, err, ErrNoWorkers)
}
