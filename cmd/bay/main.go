package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bayhq/bay/pkg/api"
	"github.com/bayhq/bay/pkg/cargo"
	"github.com/bayhq/bay/pkg/config"
	"github.com/bayhq/bay/pkg/driver"
	"github.com/bayhq/bay/pkg/events"
	"github.com/bayhq/bay/pkg/gc"
	"github.com/bayhq/bay/pkg/log"
	"github.com/bayhq/bay/pkg/metrics"
	"github.com/bayhq/bay/pkg/router"
	"github.com/bayhq/bay/pkg/sandbox"
	"github.com/bayhq/bay/pkg/session"
	"github.com/bayhq/bay/pkg/storage"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "bay",
	Short: "Bay - Sandbox orchestration for AI agents",
	Long: `Bay is an orchestration layer between untrusted agent callers and
sandboxed code-execution runtimes. It manages sandbox lifecycles,
routes capability calls to the right runtime container, and garbage
collects whatever the callers abandon.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Bay version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(checkConfigCmd)
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the Bay API server",
	Long: `Run the Bay API server: the HTTP surface, the session and cargo
managers, and the garbage-collection scheduler, all in one process.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")

		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %v", err)
		}

		log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})
		logger := log.WithComponent("main")
		logger.Info().Str("version", Version).Str("driver", cfg.Driver).Msg("Starting Bay server")

		metrics.SetVersion(Version)

		profiles, err := cfg.ProfileSet()
		if err != nil {
			return fmt.Errorf("invalid profiles: %v", err)
		}
		if len(profiles.List()) == 0 {
			logger.Warn().Msg("No profiles configured; sandbox creation will fail")
		}

		store, err := storage.NewBoltStore(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("failed to open store: %v", err)
		}
		defer store.Close()
		metrics.RegisterComponent("store", true, "")

		var drv driver.Driver
		switch cfg.Driver {
		case "docker":
			docker, err := driver.NewDockerDriver(cfg.DockerHost, cfg.DataDir)
			if err != nil {
				return fmt.Errorf("failed to connect to docker: %v", err)
			}
			drv = docker
		case "memory":
			mem, err := driver.NewMemoryDriver(cfg.DataDir, nil)
			if err != nil {
				return fmt.Errorf("failed to create memory fabric: %v", err)
			}
			drv = mem
		}
		defer drv.Close()

		pingCtx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		err = drv.Ping(pingCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("container fabric unreachable: %v", err)
		}
		metrics.RegisterComponent("driver", true, "")

		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()
		stopEventLog := events.LogSink(broker, log.WithComponent("events"))
		defer stopEventLog()

		cargos := cargo.NewManager(store, drv, broker)
		sessions := session.NewManager(store, drv, profiles, broker, session.NewLocks(), cfg.Timeouts)
		sandboxes := sandbox.NewManager(store, cargos, sessions, profiles, broker, cfg.Quota)
		rt := router.New(store, sessions, profiles, cfg.Timeouts)
		replayer := sandbox.NewReplayer(store, cfg.GC.IdempotencyRetention())

		scheduler := gc.NewScheduler(store, drv, sandboxes, sessions, cargos, profiles, broker, cfg.GC)

		// Reconcile before serving so restarts clean up whatever the
		// previous process left running on the fabric.
		scheduler.ReconcileOnce(cmd.Context())
		scheduler.Start(cmd.Context())
		defer scheduler.Stop()
		metrics.RegisterComponent("gc", true, "")

		collector := metrics.NewCollector(store)
		collector.Start()
		defer collector.Stop()

		server := api.NewServer(api.Deps{
			Store:     store,
			Sandboxes: sandboxes,
			Cargos:    cargos,
			Sessions:  sessions,
			Router:    rt,
			GC:        scheduler,
			Profiles:  profiles,
			Replayer:  replayer,
			APIKey:    cfg.APIKey,
		})

		errCh := make(chan error, 1)
		go func() {
			if err := server.Start(cfg.ListenAddr); err != nil {
				errCh <- fmt.Errorf("API server error: %v", err)
			}
		}()
		logger.Info().Str("addr", cfg.ListenAddr).Msg("API server listening")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case sig := <-sigCh:
			logger.Info().Str("signal", sig.String()).Msg("Shutting down")
		case err := <-errCh:
			return err
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("API server shutdown failed")
		}

		logger.Info().Msg("Shutdown complete")
		return nil
	},
}

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate a configuration file and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		profiles, err := cfg.ProfileSet()
		if err != nil {
			return err
		}

		fmt.Printf("Configuration OK\n")
		fmt.Printf("  Listen: %s\n", cfg.ListenAddr)
		fmt.Printf("  Driver: %s\n", cfg.Driver)
		fmt.Printf("  Data directory: %s\n", cfg.DataDir)
		fmt.Printf("  Profiles: %d\n", len(profiles.List()))
		for _, p := range profiles.List() {
			fmt.Printf("    %s (%d containers)\n", p.ID, len(p.Containers))
		}
		return nil
	},
}

func init() {
	serverCmd.Flags().String("config", "", "Path to YAML configuration file")
	checkConfigCmd.Flags().String("config", "", "Path to YAML configuration file")
}
