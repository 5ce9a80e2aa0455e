package cmd

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/CosmoTheDev/sdlc-agent/internal/config"
	"github.com/CosmoTheDev/sdlc-agent/internal/ingress"
)

var (
	simulateEvent  string
	simulateFile   string
	simulateURL    string
	simulateSecret string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Inject a signed webhook event into a running server",
	Long: `Reads a JSON payload from a file, signs it with the webhook secret,
and POSTs it to a server with a fresh delivery id. Useful for exercising
the full pipeline without a hosting-provider round trip:

  sdlc-agent simulate --event issues --file testdata/issue_opened.json`,
	RunE: runSimulate,
}

func init() {
	simulateCmd.Flags().StringVar(&simulateEvent, "event", "", "event name (e.g. issues, check_suite)")
	simulateCmd.Flags().StringVar(&simulateFile, "file", "", "path to the JSON payload")
	simulateCmd.Flags().StringVar(&simulateURL, "url", "http://localhost:8000/webhook", "webhook endpoint")
	simulateCmd.Flags().StringVar(&simulateSecret, "secret", "", "signing secret (default: configured code secret)")
	_ = simulateCmd.MarkFlagRequired("event")
	_ = simulateCmd.MarkFlagRequired("file")
}

func runSimulate(cmd *cobra.Command, args []string) error {
	body, err := os.ReadFile(simulateFile)
	if err != nil {
		return fmt.Errorf("reading payload: %w", err)
	}

	secret := simulateSecret
	if secret == "" {
		if cfg, err := config.Load(cfgFile); err == nil {
			secret = cfg.Code.WebhookSecret
		}
	}

	req, err := http.NewRequest(http.MethodPost, simulateURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", simulateEvent)
	req.Header.Set("X-GitHub-Delivery", uuid.NewString())
	if secret != "" {
		req.Header.Set("X-Hub-Signature-256", ingress.Sign(secret, body))
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("posting event: %w", err)
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	fmt.Printf("%d %s\n", resp.StatusCode, bytes.TrimSpace(out))
	return nil
}
