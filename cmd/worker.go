package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/CosmoTheDev/sdlc-agent/internal/config"
	"github.com/CosmoTheDev/sdlc-agent/internal/database"
	"github.com/CosmoTheDev/sdlc-agent/internal/githubapp"
	"github.com/CosmoTheDev/sdlc-agent/internal/jobs"
	"github.com/CosmoTheDev/sdlc-agent/internal/llm"
	"github.com/CosmoTheDev/sdlc-agent/internal/store"
	"github.com/CosmoTheDev/sdlc-agent/internal/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the queue worker that executes jobs",
	Long: `Runs the single queue consumer. The worker claims jobs in priority
order (fix, review, issue), executes the matching LLM agent in a fresh
git checkout, and records results on the job and in per-job artifacts.

Run exactly one worker per database. Jobs left running by a previous
crash are failed at startup before polling begins.`,
	RunE: runWorkerCmd,
}

func runWorkerCmd(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
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

	chat, err := llm.New(cfg.OpenRouter)
	if err != nil {
		return fmt.Errorf("configuring LLM client: %w", err)
	}
	runner := jobs.New(cfg, st, chat,
		githubapp.New(cfg.Code, cfg.GitHub.APIBase),
		githubapp.New(cfg.Reviewer, cfg.GitHub.APIBase))

	w := worker.New(st, runner, cfg.Artifacts.Dir)
	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	fmt.Println("\nWorker stopped.")
	return nil
}
