package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"

	"github.com/teranos/spacerjobs/am"
	"github.com/teranos/spacerjobs/logger"
	"github.com/teranos/spacerjobs/pulse/jobs"
	"github.com/teranos/spacerjobs/pulse/schedule"
	"github.com/teranos/spacerjobs/server"
	"github.com/teranos/spacerjobs/sym"
)

const shutdownTimeout = 30 * time.Second

// ServeCmd runs the job engine in the foreground.
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: sym.Pulse + " Run workers, the scheduler ticker and the ops server",
	Long: sym.Pulse + ` Run the job engine in the foreground.

serve starts:
- A worker pool with one set of workers per task queue
- The ticker firing run_scheduled_jobs and schedule_periodic_jobs
- The ops HTTP server (/healthz, /metrics, /jobs)
- A config watcher that applies jobs.enable_periodic_jobs and log.level live

Ctrl+C (or SIGTERM) stops the ticker first, then lets running jobs finish.

Example:
  spacerjobs serve
  spacerjobs serve --workers 4 --addr :9000`,
	RunE: runServe,
}

func init() {
	ServeCmd.Flags().Int("workers", 0, "Workers per task queue (default from pulse.workers)")
	ServeCmd.Flags().String("addr", "", "Ops server listen address (default from server.addr)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := LoadConfig(cmd)
	if err != nil {
		return err
	}
	if n, _ := cmd.Flags().GetInt("workers"); n > 0 {
		cfg.Pulse.Workers = n
	}
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.Server.Addr = addr
	}
	log := logger.Logger

	a, err := newApp(cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.pingRedis(ctx); err != nil {
		return err
	}

	pool := jobs.NewWorkerPool(ctx, a.manager, a.registry.Queues(), jobs.WorkerPoolConfig{
		Workers:     cfg.Pulse.Workers,
		QueueBuffer: cfg.Pulse.QueueBuffer,
	}, log, a.metrics)
	a.manager.UseDispatcher(pool)
	pool.Start()

	ticker := schedule.NewTickerWithContext(ctx, pool, a.store, pool,
		schedule.TimerEntries(
			time.Duration(cfg.Pulse.SchedulerEveryMinutes)*time.Minute,
			time.Duration(cfg.Pulse.PeriodicEveryMinutes)*time.Minute),
		schedule.TickerConfig{Interval: time.Duration(cfg.Pulse.TickerIntervalSeconds) * time.Second},
		log)
	ticker.Start()

	srv := &http.Server{
		Addr: cfg.Server.Addr,
		Handler: server.NewRouter(server.Deps{
			Store:    a.store,
			Redis:    redisPinger(a),
			Pool:     pool,
			Gatherer: a.promReg,
			Logger:   log,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorw("Ops server failed", logger.FieldAddress, cfg.Server.Addr, logger.FieldError, err)
		}
	}()

	watcher := watchConfig(cmd, a)

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s spacerjobs serving\n", sym.Pulse)
	fmt.Fprintf(out, "  Queues: %v (%d worker(s) each)\n", pool.Queues(), cfg.Pulse.Workers)
	fmt.Fprintf(out, "  Remote queue: %s\n", cfg.Spacer.Queue)
	fmt.Fprintf(out, "  Ops server: %s\n", cfg.Server.Addr)
	fmt.Fprintf(out, "  Periodic jobs: %t\n", a.manager.PeriodicJobs())
	fmt.Fprintf(out, "\n%s Press Ctrl+C for graceful shutdown\n\n", sym.Pulse)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	fmt.Fprintf(out, "\n%s Shutting down...\n", sym.PulseClose)

	if watcher != nil {
		if err := watcher.Stop(); err != nil {
			log.Warnw("Failed to stop config watcher", logger.FieldError, err)
		}
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warnw("Ops server shutdown", logger.FieldError, err)
	}
	// Stop in reverse order of startup
	ticker.Stop()
	pool.Stop()
	cancel()

	fmt.Fprintf(out, "%s spacerjobs stopped\n", sym.PulseClose)
	return nil
}

func redisPinger(a *app) server.Pinger {
	if a.redis == nil {
		return nil
	}
	return a.redis
}

// watchConfig applies reloadable settings to the running engine. Other
// settings need a restart.
func watchConfig(cmd *cobra.Command, a *app) *am.ConfigWatcher {
	paths := configPaths(cmd)
	if len(paths) == 0 {
		return nil
	}
	watcher, err := am.NewConfigWatcher(paths, a.log)
	if err != nil {
		a.log.Warnw("Config watching disabled", logger.FieldError, err)
		return nil
	}
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		watcher.LoadWith(func() (*am.Config, error) { return am.LoadFromFile(path) })
	}
	watcher.OnReload(func(cfg *am.Config) error {
		return applyReload(a, cfg)
	})
	watcher.Start()
	return watcher
}

func applyReload(a *app, cfg *am.Config) error {
	if cfg.Jobs.EnablePeriodicJobs != a.manager.PeriodicJobs() {
		a.manager.SetPeriodicJobs(cfg.Jobs.EnablePeriodicJobs)
		a.log.Infow("Periodic jobs toggled", "enabled", cfg.Jobs.EnablePeriodicJobs)
	}
	lvl, err := zapcore.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	if lvl != logger.Level() {
		logger.SetLevel(lvl)
		a.log.Infow("Log level changed", "level", lvl.String())
	}
	return nil
}
