package cluster

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"go.uber.org/zap"
)

// Process is a running worker.
type Process interface {
	Pid() int
	Wait() error
}

// Launcher starts the worker for a slot. The process must stop when ctx is done.
type Launcher interface {
	Launch(ctx context.Context, slot int) (Process, error)
}

// WorkerCount resolves the number of workers: configured when positive,
// otherwise one per logical CPU.
func WorkerCount(configured int) int {
	if configured > 0 {
		return configured
	}
	n, err := cpu.Counts(true)
	if err != nil || n < 1 {
		n = runtime.NumCPU()
	}
	return n
}

func slotName(slot int) string {
	return "worker-" + strconv.Itoa(slot)
}

// Supervisor keeps one worker process alive per slot. A worker that exits for
// any reason is replaced immediately, with no backoff and no retry limit.
type Supervisor struct {
	launcher Launcher
	workers  int
	logger   *zap.Logger
	onStart  func(slot int)
	onExit   func(slot int, err error)
	restarts atomic.Int64
}

// NewSupervisor creates a supervisor for the given number of slots.
func NewSupervisor(launcher Launcher, workers int, logger *zap.Logger) *Supervisor {
	return &Supervisor{
		launcher: launcher,
		workers:  workers,
		logger:   logger.With(zap.String("component", "supervisor")),
	}
}

// OnStart registers a callback run after each successful launch.
func (s *Supervisor) OnStart(fn func(slot int)) { s.onStart = fn }

// OnExit registers a callback run after each worker exit.
func (s *Supervisor) OnExit(fn func(slot int, err error)) { s.onExit = fn }

// Restarts returns how many replacement workers have been launched.
func (s *Supervisor) Restarts() int64 { return s.restarts.Load() }

// Run launches every slot and keeps them running until ctx is done. A worker
// that cannot be launched at all stops the supervisor with an error.
func (s *Supervisor) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	for slot := 0; slot < s.workers; slot++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			if err := s.keep(ctx, slot); err != nil {
				errOnce.Do(func() {
					firstErr = err
					cancel()
				})
			}
		}(slot)
	}
	wg.Wait()
	return firstErr
}

func (s *Supervisor) keep(ctx context.Context, slot int) error {
	log := s.logger.With(zap.Int("slot", slot))
	for launches := 0; ; launches++ {
		if ctx.Err() != nil {
			return nil
		}

		proc, err := s.launcher.Launch(ctx, slot)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("launch %s: %w", slotName(slot), err)
		}
		if launches > 0 {
			s.restarts.Add(1)
		}
		log.Info("worker started", zap.Int("pid", proc.Pid()))
		if s.onStart != nil {
			s.onStart(slot)
		}

		err = proc.Wait()
		if s.onExit != nil {
			s.onExit(slot, err)
		}
		if ctx.Err() != nil {
			log.Info("worker stopped", zap.Int("pid", proc.Pid()))
			return nil
		}
		log.Warn("worker died; forking replacement", zap.Int("pid", proc.Pid()), zap.Error(err))
	}
}

// ExecLauncher starts workers by re-executing a binary, by default the
// running one, with the worker subcommand.
type ExecLauncher struct {
	Path   string
	Args   func(slot int) []string
	Env    []string
	Stdout io.Writer
	Stderr io.Writer
	// StopTimeout is how long a worker gets after SIGINT before it is killed.
	StopTimeout time.Duration
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Pid() int    { return p.cmd.Process.Pid }
func (p *execProcess) Wait() error { return p.cmd.Wait() }

// Launch starts the worker binary for slot.
func (l *ExecLauncher) Launch(ctx context.Context, slot int) (Process, error) {
	path := l.Path
	if path == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, err
		}
		path = self
	}

	args := []string{"worker", "--slot", strconv.Itoa(slot)}
	if l.Args != nil {
		args = l.Args(slot)
	}

	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Env = append(os.Environ(), l.Env...)
	cmd.Stdout = l.Stdout
	cmd.Stderr = l.Stderr
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = l.StopTimeout
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = 10 * time.Second
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &execProcess{cmd: cmd}, nil
}
