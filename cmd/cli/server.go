package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/anstrom/tracex/internal/api"
	"github.com/anstrom/tracex/internal/api/handlers"
	"github.com/anstrom/tracex/internal/config"
	"github.com/anstrom/tracex/internal/daemon"
	"github.com/anstrom/tracex/internal/events"
	"github.com/anstrom/tracex/internal/logging"
	"github.com/anstrom/tracex/internal/metrics"
	"github.com/anstrom/tracex/internal/scheduler"
)

// serveCmd represents the serve command.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP/WebSocket API and scheduled jobs",
	Long: `Start the API server. Clients start discovery and port scans over HTTP or
the websocket at /api/v1/ws and receive progress and results as events.
Scheduled vendor table refreshes and periodic scans run alongside.

SIGHUP reloads the vendor table from disk and SIGUSR1 logs a status dump.`,
	Example: `  tracex serve
  tracex serve --listen 0.0.0.0 --port 8080
  TRACEX_API_API_KEY_HASH='$2a$12$...' tracex serve`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	addDiscoveryFlags(serveCmd)

	def := config.Default()
	serveCmd.Flags().String("listen", def.API.ListenAddr, "address to listen on")
	serveCmd.Flags().Int("port", def.API.Port, "port to listen on")
	serveCmd.Flags().String("pid-file", def.Daemon.PIDFile, "write the process ID to this file")
	configFlag(serveCmd, "listen", "api.listen_addr")
	configFlag(serveCmd, "port", "api.port")
	configFlag(serveCmd, "pid-file", "daemon.pid_file")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	st, hub, err := newServeStack(cfg)
	if err != nil {
		return err
	}

	d := daemon.New(cfg.Daemon,
		daemon.WithLogger(st.logger.WithComponent("daemon")),
		daemon.WithReload(func(context.Context) error { return st.vendors.Reload() }),
		daemon.WithStatus(func() []any { return serveStatus(st, hub) }))

	return d.Run(context.Background(), func(ctx context.Context) error {
		if cfg.Vendor.AutoDownload {
			go func() {
				if err := st.refresher.RefreshIfStale(ctx, cfg.Vendor.MaxAge); err != nil {
					st.logger.Warn("Vendor table refresh failed", "error", err)
				}
			}()
		}

		sched, err := newScheduler(cfg, st)
		if err != nil {
			return err
		}
		if err := sched.Start(); err != nil {
			return err
		}
		defer sched.Stop()

		server := api.New(cfg, st.orch, hub, st.logger, st.metrics)
		err = server.Start(ctx)
		st.orch.Wait()
		return err
	})
}

// serveStatus describes the running server for status dumps.
func serveStatus(st *stack, hub *handlers.Hub) []any {
	fields := []any{
		"busy", st.orch.Busy(),
		"websocket_clients", hub.ClientCount(),
		"vendor_entries", st.vendors.Len(),
	}
	if s := st.orch.Session(); s != nil {
		fields = append(fields, "session_id", s.ID, "session_kind", s.Kind, "session_status", s.Status)
	}
	return fields
}

// newServeStack builds the orchestrator streaming to the websocket hub and
// to the session log.
func newServeStack(cfg *config.Config) (*stack, *handlers.Hub, error) {
	hub := handlers.NewHub(logging.Default(), metrics.GetGlobalMetrics())
	sink := events.Multi{hub, sessionLogSink(logging.Default().WithComponent("session"))}
	st, err := newStack(cfg, sink)
	if err != nil {
		hub.Shutdown()
		return nil, nil, err
	}
	return st, hub, nil
}

// newScheduler registers the configured cron jobs.
func newScheduler(cfg *config.Config, st *stack) (*scheduler.Scheduler, error) {
	sched := scheduler.NewScheduler(st.logger)
	if cfg.Vendor.RefreshSchedule != "" {
		if _, err := sched.AddVendorRefreshJob(cfg.Vendor.RefreshSchedule, st.refresher); err != nil {
			return nil, err
		}
	}
	if cfg.Schedule.ScanCron != "" {
		if _, err := sched.AddScanJob(cfg.Schedule.ScanCron, cfg.Schedule.ScanRange, st.orch); err != nil {
			return nil, err
		}
	}
	return sched, nil
}

// sessionLogSink writes session outcomes and problems to the log, so a
// daemon run without websocket clients still leaves a record.
func sessionLogSink(logger *logging.Logger) events.Sink {
	return events.SinkFunc(func(e events.Event) {
		switch d := e.Data.(type) {
		case events.StatusUpdate:
			switch d.Level {
			case events.LevelWarning:
				logger.Warn(d.Message, "session_id", e.SessionID)
			case events.LevelError:
				logger.Error(d.Message, "session_id", e.SessionID)
			}
		case events.ScanComplete:
			logger.Info("Scan session complete", "session_id", e.SessionID,
				"scanned", d.Scanned, "total", d.Total, "cancelled", d.Cancelled)
		}
	})
}
