package cluster

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Tyrowin/helpdesk-relay/internal/config"
)

type fakeProcess struct {
	pid  int
	exit chan error
}

func (p *fakeProcess) Pid() int    { return p.pid }
func (p *fakeProcess) Wait() error { return <-p.exit }

// fakeLauncher hands out processes that run until the test kills them or the
// launch context ends.
type fakeLauncher struct {
	mu       sync.Mutex
	running  map[int]*fakeProcess
	launches map[int]int
	failSlot int
	nextPid  int
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{running: make(map[int]*fakeProcess), launches: make(map[int]int), failSlot: -1}
}

func (l *fakeLauncher) Launch(ctx context.Context, slot int) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if slot == l.failSlot {
		return nil, errors.New("exec format error")
	}
	l.nextPid++
	p := &fakeProcess{pid: l.nextPid, exit: make(chan error, 1)}
	l.running[slot] = p
	l.launches[slot]++
	go func() {
		<-ctx.Done()
		select {
		case p.exit <- ctx.Err():
		default:
		}
	}()
	return p, nil
}

func (l *fakeLauncher) kill(slot int) {
	l.mu.Lock()
	p := l.running[slot]
	l.mu.Unlock()
	select {
	case p.exit <- errors.New("signal: killed"):
	default:
	}
}

func (l *fakeLauncher) count(slot int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launches[slot]
}

func TestSupervisorRestartsDeadWorkers(t *testing.T) {
	launcher := newFakeLauncher()
	sup := NewSupervisor(launcher, 2, zaptest.NewLogger(t))

	var exits sync.Map
	sup.OnExit(func(slot int, _ error) { exits.Store(slot, true) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	require.Eventually(t, func() bool { return launcher.count(0) == 1 && launcher.count(1) == 1 }, time.Second, 5*time.Millisecond)

	launcher.kill(1)
	require.Eventually(t, func() bool { return launcher.count(1) == 2 }, time.Second, 5*time.Millisecond)
	launcher.kill(1)
	require.Eventually(t, func() bool { return launcher.count(1) == 3 }, time.Second, 5*time.Millisecond)

	assert.Eventually(t, func() bool { return sup.Restarts() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, launcher.count(0))
	_, slot1Exited := exits.Load(1)
	assert.True(t, slot1Exited)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("supervisor did not stop")
	}
	assert.Equal(t, int64(2), sup.Restarts(), "no replacement after shutdown")
}

func TestSupervisorLaunchFailureIsFatal(t *testing.T) {
	launcher := newFakeLauncher()
	launcher.failSlot = 1
	sup := NewSupervisor(launcher, 3, zaptest.NewLogger(t))

	err := sup.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "worker-1")
}

func TestWorkerCount(t *testing.T) {
	assert.Equal(t, 3, WorkerCount(3))
	assert.GreaterOrEqual(t, WorkerCount(0), 1)
}

func TestNewPrimaryRegistersWorkersDown(t *testing.T) {
	cfg := config.NewConfig()
	cfg.Workers = 2

	p := NewPrimary(cfg, newFakeLauncher(), zaptest.NewLogger(t))

	_, _, _, err := p.Balancer().Acquire("t")
	assert.ErrorIs(t, err, ErrNoWorkers)

	p.Balancer().MarkUp(1)
	slot, target, release, err := p.Balancer().Acquire("t")
	require.NoError(t, err)
	defer release()
	assert.Equal(t, 1, slot)
	assert.Equal(t, cfg.WorkerAddr(1), target.Host)
}
