package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/evalwatch/internal/config"
	"github.com/3leaps/evalwatch/internal/observability"
	"github.com/3leaps/evalwatch/internal/server"
	"github.com/3leaps/evalwatch/internal/server/handlers"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve job reads and watch streams over HTTP",
	Long: `Start the HTTP server.

Routes:
  GET /v1/jobs               list jobs
  GET /v1/jobs/{id}          current snapshot
  GET /v1/jobs/{id}/watch    Server-Sent Events until the job finishes
  GET /health, /health/live, /health/ready, /health/startup
  GET /version

Another evalwatch can watch through this server with --backend http.

Examples:
  evalwatch serve --backend sqlite --port 8080
  EVALWATCH_SERVER_STREAM_TIMEOUT=5m evalwatch serve`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("host", "", "Listen host (default from config)")
	serveCmd.Flags().Int("port", 0, "Listen port (default from config)")
	serveCmd.Flags().Duration("poll-interval", 0, "Poll spacing for watch streams (default from config)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg := config.GetConfig()

	logger, err := observability.NewServiceLogger(config.AppName, cfg.Logging.Level)
	if err != nil {
		return exitError(exitInvalidArgument, "Invalid logging.level", err)
	}
	defer func() { _ = logger.Sync() }()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return exitError(exitServiceUnavailable, "Failed to open job store", err)
	}
	defer func() { _ = store.Close() }()

	health := handlers.InitHealthManager(versionInfo.Version)
	if store.health != nil {
		health.RegisterChecker("store", store.health)
	}

	jobs := handlers.NewJobsHandler(store.reader, newWatcher(store, cfg, logger),
		handlers.WithStreamTimeout(cfg.Server.StreamTimeout),
		handlers.WithJobsLogger(logger),
	)
	srv := server.New(cfg.Server.Host, cfg.Server.Port,
		server.WithJobs(jobs),
		server.WithHealthManager(health),
		server.WithVersion(handlers.NewVersionInfo(versionInfo.Version, versionInfo.Commit, versionInfo.BuildDate)),
		server.WithLogger(logger),
		server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.IdleTimeout),
	)

	logger.Info("Starting evalwatch server",
		zap.String("addr", srv.Addr()),
		zap.String("backend", string(cfg.Store.Backend)),
		zap.String("kind", string(cfg.Store.Kind)),
		zap.Duration("poll_interval", cfg.Watch.PollInterval))

	if err := srv.Start(ctx, cfg.Server.ShutdownTimeout); err != nil {
		logger.Error("Server failed", zap.Error(err))
		return exitError(exitServiceUnavailable, "Server failed", err)
	}
	logger.Info("Server stopped")
	return nil
}
