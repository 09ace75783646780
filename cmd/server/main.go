// Command server runs the helpdesk relay.
//
// Without a subcommand it starts the primary, which supervises one worker per
// CPU and routes clients to them. The worker subcommand is what the primary
// launches; standalone runs a single worker on the public port.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Tyrowin/helpdesk-relay/internal/cluster"
	"github.com/Tyrowin/helpdesk-relay/internal/config"
	"github.com/Tyrowin/helpdesk-relay/internal/logging"
	"github.com/Tyrowin/helpdesk-relay/internal/server"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type app struct {
	envFile string
	cfg     *config.Config
	logger  *zap.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "helpdesk-relay",
		Short:         "Real-time relay between helpdesk users and helpers",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return a.init()
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runPrimary(cmd.Context())
		},
	}
	root.PersistentFlags().StringVar(&a.envFile, "env-file", ".env", "optional dotenv file read before the environment")

	root.AddCommand(&cobra.Command{
		Use:   "primary",
		Short: "Supervise workers and route clients to them",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runPrimary(cmd.Context())
		},
	})

	var slot int
	worker := &cobra.Command{
		Use:    "worker",
		Short:  "Run one worker (launched by the primary)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runWorker(cmd.Context(), slot)
		},
	}
	worker.Flags().IntVar(&slot, "slot", 0, "worker slot index")
	root.AddCommand(worker)

	root.AddCommand(&cobra.Command{
		Use:   "standalone",
		Short: "Run a single worker on the public port",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runStandalone(cmd.Context())
		},
	})

	return root
}

func (a *app) init() error {
	cfg, err := config.Load(a.envFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	a.cfg = cfg
	a.logger = logger
	return nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func (a *app) runPrimary(parent context.Context) error {
	ctx, stop := signalContext(parent)
	defer stop()
	defer func() { _ = a.logger.Sync() }()

	launcher := &cluster.ExecLauncher{Stdout: os.Stdout, Stderr: os.Stderr}
	if a.envFile != "" {
		launcher.Args = func(slot int) []string {
			return []string{"worker", "--slot", fmt.Sprint(slot), "--env-file", a.envFile}
		}
	}

	primary := cluster.NewPrimary(a.cfg, launcher, a.logger)
	if err := primary.Run(ctx); err != nil {
		a.logger.Error("primary stopped", zap.Error(err))
		return err
	}
	a.logger.Info("primary stopped")
	return nil
}

func (a *app) runWorker(parent context.Context, slot int) error {
	ctx, stop := signalContext(parent)
	defer stop()
	defer func() { _ = a.logger.Sync() }()

	nodeID := fmt.Sprintf("w%d-%s", slot, uuid.NewString()[:8])
	logger := a.logger.With(zap.Int("slot", slot))

	fabric, err := cluster.Open(ctx, a.cfg, logger)
	if err != nil {
		logger.Error("open relay fabric", zap.String("fabric", a.cfg.Fabric), zap.Error(err))
		return err
	}

	w := server.NewWorker(a.cfg, nodeID, fabric, logger)
	return w.Run(ctx, a.cfg.WorkerAddr(slot))
}

func (a *app) runStandalone(parent context.Context) error {
	ctx, stop := signalContext(parent)
	defer stop()
	defer func() { _ = a.logger.Sync() }()

	cfg := *a.cfg
	if cfg.Fabric == config.FabricPrimary {
		// no primary to relay through
		cfg.Fabric = config.FabricMemory
	}

	fabric, err := cluster.Open(ctx, &cfg, a.logger)
	if err != nil {
		return err
	}
	w := server.NewWorker(&cfg, uuid.NewString(), fabric, a.logger)
	return w.Run(ctx, cfg.Port)
}
