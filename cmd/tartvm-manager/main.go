package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"tartvm-manager/internal/config"
	"tartvm-manager/internal/logging"
	"tartvm-manager/internal/manager"
	"tartvm-manager/internal/server"
	"tartvm-manager/internal/tart"
)

func main() {
	var (
		host    string
		port    int
		envFile string
		verbose bool
	)

	root := &cobra.Command{
		Use:   "tartvm-manager",
		Short: "Local HTTP agent for managing tart virtual machines",
		Long: "tartvm-manager wraps the tart command-line tool with a local HTTP and\n" +
			"WebSocket API: async task tracking with live log streaming, a refreshed\n" +
			"VM inventory, and a per-VM configuration cache.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(host, port, envFile, verbose)
		},
	}

	root.Flags().StringVar(&host, "host", "", "bind address (overrides TARTVM_HOST)")
	root.Flags().IntVar(&port, "port", 0, "listen port (overrides TARTVM_PORT)")
	root.Flags().StringVar(&envFile, "env-file", "", "path to a .env file to load")
	root.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(host string, port int, envFile string, verbose bool) error {
	cfg, err := config.Load(envFile)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if host != "" {
		cfg.Host = host
	}
	if port != 0 {
		cfg.Port = port
	}

	logger := logging.New(verbose)

	timeouts := tart.Timeouts{
		List:   cfg.TimeoutList,
		Get:    cfg.TimeoutGet,
		IP:     cfg.TimeoutIP,
		Stop:   cfg.TimeoutStop,
		Delete: cfg.TimeoutDelete,
		Pull:   cfg.TimeoutPull,
		Clone:  cfg.TimeoutClone,
	}
	runner := tart.NewCLI(cfg.TartPath, cfg.LogsDir(), timeouts, logger)

	mgr := manager.New(manager.Options{
		Runner:         runner,
		Logger:         logger,
		TartPath:       cfg.TartPath,
		MaxTaskLogs:    cfg.MaxTaskLogs,
		ConfigCacheTTL: cfg.ConfigCacheTTL,
		IPProbeLimit:   int64(cfg.IPProbeLimit),
	})

	srv := server.New(cfg, mgr, logger)

	// Warm the inventory before accepting requests; a failure here just
	// means the first reads are empty until the monitor catches up.
	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 30*time.Second)
	mgr.RefreshInventoryBestEffort(startupCtx)
	cancelStartup()

	mgr.StartInventoryMonitoring(cfg.InventoryInterval)
	mgr.StartTaskCleanup(cfg.CleanupInterval, cfg.TaskTTL)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			mgr.StopInventoryMonitoring()
			mgr.StopTaskCleanup()
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", "error", err)
	}

	mgr.StopInventoryMonitoring()
	mgr.StopTaskCleanup()
	return nil
}
