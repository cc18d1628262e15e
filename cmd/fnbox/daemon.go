package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fentz26/fnbox/internal/audit"
	"github.com/fentz26/fnbox/internal/auth"
	"github.com/fentz26/fnbox/internal/bundle"
	"github.com/fentz26/fnbox/internal/catalog"
	"github.com/fentz26/fnbox/internal/config"
	"github.com/fentz26/fnbox/internal/connectors/localexec"
	"github.com/fentz26/fnbox/internal/controlplane"
	"github.com/fentz26/fnbox/internal/dispatch"
	"github.com/fentz26/fnbox/internal/observability"
	"github.com/fentz26/fnbox/internal/registry"
	"github.com/fentz26/fnbox/internal/scheduler"
	"github.com/fentz26/fnbox/internal/store"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var listenAddr string

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the fnbox daemon",
	Long:  `Starts the fnbox daemon which serves the registration and execution API.`,
	RunE:  runDaemon,
}

func init() {
	daemonCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address for the API server (overrides config)")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if listenAddr != "" {
		cfg.Listen = listenAddr
	}
	observability.InitLogger("fnbox", cfg.Log.Level, cfg.Log.Format)
	log.Info().Str("config", configPath).Str("data_dir", cfg.DataDir).Msg("starting fnbox daemon")

	// Initialize store
	s, err := store.New(cfg.DBPath)
	if err != nil {
		return err
	}
	defer s.Close()

	cat, err := catalog.Open(cfg.CatalogPath)
	if err != nil {
		return err
	}
	root, err := bundle.NewRoot(cfg.FunctionsRoot, cfg.Layout)
	if err != nil {
		return err
	}
	workspaces, err := dispatch.NewWorkspaces(cfg.WorkspaceRoot)
	if err != nil {
		return err
	}
	reg, err := registry.New(cat, root, registry.Options{
		UploadTmpDir:      cfg.UploadTmpDir,
		AllowedExtensions: cfg.AllowedExtensions,
		MaxUploadBytes:    cfg.MaxUploadBytes(),
		MaxExtractedBytes: cfg.MaxBundleBytes(),
	})
	if err != nil {
		return err
	}
	authz, err := auth.NewAuthorizer(cfg.Auth)
	if err != nil {
		return err
	}
	if !authz.Open() && len(cfg.Auth.Tokens) == 0 {
		log.Warn().Msg("no API tokens and no anonymous role configured; every request will be rejected")
	}
	log.Info().Int("functions", cat.Len()).Str("catalog", cat.Path()).Msg("catalog loaded")

	// Create and start the worker pool
	sched := scheduler.New(cfg.SchedulerConfig())
	defer sched.Stop()
	observability.SetPoolSource(func() (int, int) {
		st := sched.GetStats()
		return st.ActiveWorkers, st.Waiting
	})

	connector := localexec.New(root.Dir())
	disp := dispatch.New(cat, root, connector, sched, workspaces, dispatch.Options{Timeout: cfg.Executor.Timeout})

	sweeper := dispatch.NewSweeper(workspaces, cfg.Retention)
	sweeper.OnSweep(func(removed []dispatch.RetainedWorkspace) {
		observability.RecordSwept(len(removed))
	})
	sweeper.Start()
	defer sweeper.Stop()

	// Create service and server
	service := controlplane.NewService(s, audit.NewPDRWriter(s), cat, reg, disp, sched)
	server := controlplane.NewServer(service, authz, cfg.Listen, controlplane.ServerOptions{
		CORSOrigins:    cfg.CORSOrigins,
		MaxUploadBytes: cfg.MaxUploadBytes(),
		WriteTimeout:   cfg.Executor.Timeout + time.Minute,
	})

	// Set up signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Channel to receive server errors
	serverErr := make(chan error, 1)

	// Start server in goroutine
	go func() {
		err := server.Start()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	// Wait for shutdown signal or server error
	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("initiating graceful shutdown")
	case err := <-serverErr:
		if err != nil {
			log.Error().Err(err).Msg("server error")
			return err
		}
	}

	// In-flight invocations may run up to the execution timeout.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Executor.Timeout+30*time.Second)
	defer shutdownCancel()

	log.Info().Msg("shutting down HTTP server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	log.Info().Msg("shutdown complete")
	return nil
}
