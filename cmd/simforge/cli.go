package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/simforge/simforge/pkg/agent"
	"github.com/simforge/simforge/pkg/auth"
	"github.com/simforge/simforge/pkg/cluster"
	"github.com/simforge/simforge/pkg/config"
	"github.com/simforge/simforge/pkg/ecs"
	"github.com/simforge/simforge/pkg/httpapi"
	"github.com/simforge/simforge/pkg/modules"
	"github.com/simforge/simforge/pkg/sim"
	"github.com/simforge/simforge/pkg/state"
)

var (
	flagConfig string
	flagDebug  bool
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "simforge",
		Short: "simforge — multi-tenant simulation hosting platform",
		Long: `simforge hosts tick-driven simulation containers across a cluster of
nodes. A node process runs containers and their matches; the control
plane tracks nodes, distributes module artifacts, places matches, and
advises scaling.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "Path to YAML config file")
	root.PersistentFlags().BoolVarP(&flagDebug, "debug", "d", false, "Enable debug logging")

	root.AddCommand(
		newServeNodeCmd(),
		newServeControlCmd(),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			v := version
			if gitCommit != "" {
				v += fmt.Sprintf(" (git: %s)", gitCommit)
			}
			fmt.Printf("simforge %s\n  Go: %s\n", v, runtime.Version())
		},
	}
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if flagDebug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func loadStack() (*config.Config, *slog.Logger, *auth.Service, state.Store, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	logger := newLogger()

	signer, err := auth.NewSigner(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer, logger)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	authSvc := auth.NewService(auth.NewMemoryStore(), signer, cfg.Auth.SessionExpiry(), cfg.Auth.BcryptCost, logger)
	if err := seedAdmin(cfg, authSvc, logger); err != nil {
		return nil, nil, nil, nil, err
	}

	store, err := state.Open(cfg.State)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("open state backend %s: %w", cfg.State.Backend, err)
	}
	return cfg, logger, authSvc, store, nil
}

// seedAdmin creates the configured admin user with the wildcard scope.
func seedAdmin(cfg *config.Config, authSvc *auth.Service, logger *slog.Logger) error {
	if cfg.Auth.AdminUsername == "" || cfg.Auth.AdminPassword == "" {
		return nil
	}
	u, err := authSvc.CreateUser(cfg.Auth.AdminUsername, cfg.Auth.AdminPassword, nil, []string{"*"})
	if err != nil {
		return fmt.Errorf("seed admin user: %w", err)
	}
	logger.Info("admin user seeded", "username", u.Username)
	return nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// ── serve-node ────────────────────────────────────────────────────

func newServeNodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve-node",
		Short: "Run a simulation node: containers, matches, and the node API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, authSvc, store, err := loadStack()
			if err != nil {
				return err
			}
			defer store.Close()

			rt := ecs.NewRuntime()
			modules.RegisterBuiltins(rt.Catalog())

			manager := sim.NewManager(rt, sim.ManagerOptions{
				MaxContainers: cfg.Container.MaxContainers,
				Container: sim.Options{
					MaxEntities:       cfg.Container.MaxEntitiesPerContainer,
					QueueCapacity:     cfg.Container.CommandQueueCapacity,
					TickCommandBudget: cfg.Container.TickCommandBudget,
					HistorySize:       cfg.Container.SnapshotHistorySize,
					StopTimeout:       cfg.Container.StopTimeout(),
					SessionExpiry:     cfg.Auth.SessionExpiry(),
				},
			}, logger)

			ctx, cancel := signalContext()
			defer cancel()

			if _, disabled := store.(state.DisabledStore); !disabled {
				manager.SetOnChange(func(cs sim.ContainerState) {
					key := strconv.FormatUint(cs.ID, 10)
					if err := store.Put(ctx, state.CollectionContainers, key, cs); err != nil {
						logger.Warn("container state not persisted", "container_id", cs.ID, "error", err)
					}
				})
			}

			go agent.New(cfg, manager, logger).Run(ctx)

			server := httpapi.NewNodeServer(cfg, manager, authSvc, store, logger)
			err = server.Run(ctx)
			manager.Shutdown()
			return err
		},
	}
}

// ── serve-control ─────────────────────────────────────────────────

func newServeControlCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve-control",
		Short: "Run the control plane: node registry, distribution, placement",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, authSvc, store, err := loadStack()
			if err != nil {
				return err
			}
			defer store.Close()

			registry := cluster.NewRegistry(cfg.ControlPlane.NodeTTL(), logger)
			client := cluster.NewHTTPNodeClient(cfg.ControlPlane.DeployTimeout())
			if token := cfg.ControlPlane.NodeAPIToken; token != "" {
				client.AuthHeader = "Bearer " + token
			}
			distributor := cluster.NewDistributor(registry, client, logger)
			deployer := cluster.NewDeployer(registry, distributor, client, cfg.ControlPlane.DeployTimeout(), logger)
			autoscaler := cluster.NewAutoscaler(registry, cluster.AutoscalerConfig{
				HighWatermark: cfg.ControlPlane.CPUHighWatermark,
				LowWatermark:  cfg.ControlPlane.CPULowWatermark,
				MinNodes:      cfg.ControlPlane.MinNodes,
				BreachWindows: cfg.ControlPlane.BreachWindows,
			}, logger)
			proxy := cluster.NewProxy(registry, cfg.Proxy.Enabled, cfg.Proxy.ForwardedHeaders, logger)

			ctx, cancel := signalContext()
			defer cancel()

			go registry.RunSweeper(ctx)
			go autoscaler.Run(ctx, cfg.ControlPlane.AutoscalerInterval())

			server := httpapi.NewControlServer(cfg, registry, distributor, deployer, autoscaler, proxy, authSvc, store, logger)
			return server.Run(ctx)
		},
	}
}
