// blobmesh is the distributed file storage tool: a controller that
// replicates files across storage nodes, and the node agent that holds
// the bytes.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/blobmesh/blobmesh/internal/catalog"
	"github.com/blobmesh/blobmesh/internal/config"
	"github.com/blobmesh/blobmesh/internal/controller"
	"github.com/blobmesh/blobmesh/internal/metrics"
	"github.com/blobmesh/blobmesh/internal/node"
	"github.com/blobmesh/blobmesh/internal/placement"
	"github.com/blobmesh/blobmesh/internal/registry"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile  string
	logLevel string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "blobmesh",
		Short: "BlobMesh - replicated file storage across commodity nodes",
		Long: `BlobMesh stores files across a cluster of storage nodes with a
configurable replication factor.

QUICK START - controller:

  blobmesh controller --config controller.yaml

QUICK START - storage node:

  # Point the agent at the controller and give it a storage directory:
  BLOBMESH_CONTROLLER_URL=http://controller:8000 \
  BLOBMESH_STORAGE_DIR=/var/lib/blobmesh/data \
  blobmesh node

  # Upload through the controller:
  curl -F file=@report.pdf http://controller:8000/files/upload

For more help on any command, use: blobmesh <command> --help`,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level")

	controllerCmd := &cobra.Command{
		Use:   "controller",
		Short: "Run the placement controller",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runController()
		},
	}
	rootCmd.AddCommand(controllerCmd)

	nodeCmd := &cobra.Command{
		Use:   "node",
		Short: "Run a storage node agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode()
		},
	}
	rootCmd.AddCommand(nodeCmd)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("blobmesh %s (commit %s, built %s)\n", Version, Commit, BuildTime)
		},
	}
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runController() error {
	setupLogging()

	cfg, err := config.LoadControllerConfig(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	store, err := catalog.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open catalog: %w", err)
	}
	defer func() { _ = store.Close() }()

	reg := registry.New(store, registry.Config{
		HeartbeatTimeout: cfg.HeartbeatTimeoutDuration(),
		SweepInterval:    cfg.SweepIntervalDuration(),
		MinRequired:      cfg.MinActiveNodes,
	})

	cm := metrics.NewControllerMetrics(metrics.Registry)
	eng := placement.NewEngine(store, placement.NewNodeClient(cfg.NodeCallTimeoutDuration()), placement.Config{
		ReplicationFactor: cfg.ReplicationFactor,
		CallTimeout:       cfg.NodeCallTimeoutDuration(),
	}, cm)

	srv := controller.NewServer(cfg, store, reg, eng, cm, metrics.Registry)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go reg.RunSweep(ctx)
	go srv.RunMetricsPrune(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down controller")
		return nil
	case err := <-errCh:
		return err
	}
}

func runNode() error {
	setupLogging()

	cfg, err := config.LoadNodeConfig(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	cs, err := node.NewContentStore(cfg.StorageDir)
	if err != nil {
		return fmt.Errorf("open content store: %w", err)
	}

	stats := node.NewOpStats()
	am := metrics.NewAgentMetrics(metrics.Registry, cfg.NodeID)
	srv := node.NewServer(cfg, cs, stats, am, metrics.Registry)
	agent := node.NewAgent(cfg, cs, stats, controller.NewClient(cfg.ControllerURL), am)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go agent.Run(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		log.Info().Str("node", cfg.NodeID).Msg("shutting down node agent")
		return nil
	case err := <-errCh:
		return err
	}
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}
