package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/CosmoTheDev/sdlc-agent/internal/config"
	"github.com/CosmoTheDev/sdlc-agent/internal/database"
	"github.com/CosmoTheDev/sdlc-agent/internal/ingress"
	"github.com/CosmoTheDev/sdlc-agent/internal/store"
	"github.com/CosmoTheDev/sdlc-agent/internal/ui"
)

var serverPort int

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the webhook server and job console",
	Long: `Starts the HTTP front door: POST /webhook verifies, deduplicates and
translates hosting-provider events into queued jobs; GET /ui serves the
job console; GET /health is the liveness check.

The server only enqueues. Run 'sdlc-agent worker' (typically as a second
process against the same database) to execute the jobs.`,
	RunE: runServer,
}

func init() {
	serverCmd.Flags().IntVar(&serverPort, "port", 0,
		"HTTP port to listen on (overrides config)")
}

func runServer(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if serverPort > 0 {
		cfg.Server.Port = serverPort
	}

	db, err := database.New(cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()
	st := store.New(db)
	if err := st.Init(ctx); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	console := ui.New(st, cfg.Artifacts.Dir)
	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: ingress.NewServer(cfg, st, console).Handler(),
	}

	reporter, err := startStatsReporter(ctx, cfg, st)
	if err != nil {
		return err
	}
	if reporter != nil {
		defer reporter.Stop()
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server: listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	fmt.Println("\nShutting down server gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

// startStatsReporter logs queue depth by status on the configured cron
// schedule. Returns nil when disabled.
func startStatsReporter(ctx context.Context, cfg *config.Config, st *store.Store) (*cron.Cron, error) {
	if cfg.Server.StatsCron == "" {
		return nil, nil
	}
	c := cron.New()
	_, err := c.AddFunc(cfg.Server.StatsCron, func() {
		jobs, err := st.ListJobs(ctx, "")
		if err != nil {
			slog.Warn("stats: listing jobs failed", "error", err)
			return
		}
		counts := map[string]int{}
		for _, j := range jobs {
			counts[j.Status]++
		}
		slog.Info("queue stats",
			"queued", counts["queued"], "running", counts["running"],
			"done", counts["done"], "failed", counts["failed"])
	})
	if err != nil {
		return nil, fmt.Errorf("invalid stats cron %q: %w", cfg.Server.StatsCron, err)
	}
	c.Start()
	return c, nil
}
