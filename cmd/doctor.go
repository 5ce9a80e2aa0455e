package cmd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/CosmoTheDev/sdlc-agent/internal/config"
	"github.com/CosmoTheDev/sdlc-agent/internal/database"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Verify configuration, storage, and tools",
	Long: `Checks that the database opens and migrates, the GitHub App keys and
webhook secrets are configured, the LLM client has credentials, the
artifact and workdir roots are writable, and the CLI tools the agents
shell out to are installed.`,
	RunE: runDoctor,
}

func runDoctor(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	allOK := true

	fmt.Println("=== sdlc-agent doctor ===")
	fmt.Println()

	fmt.Print("Database ................. ")
	db, err := database.New(cfg.Database)
	if err != nil {
		fmt.Printf("FAIL (%s)\n", err)
		allOK = false
	} else {
		if err := db.Migrate(ctx); err != nil {
			fmt.Printf("FAIL (%s)\n", err)
			allOK = false
		} else {
			fmt.Printf("OK (%s: %s)\n", db.Driver(), cfg.Database.Path)
		}
		db.Close()
	}

	fmt.Print("OpenRouter key ........... ")
	if cfg.OpenRouter.APIKey == "" {
		fmt.Println("MISSING (set OPENROUTER_API_KEY)")
		allOK = false
	} else {
		fmt.Printf("OK (model %s)\n", cfg.OpenRouter.Model)
	}

	for _, role := range []struct {
		name string
		app  config.GitHubAppConfig
	}{
		{"Code app", cfg.Code},
		{"Reviewer app", cfg.Reviewer},
	} {
		fmt.Printf("%-24s . ", role.name)
		switch {
		case role.app.AppID == "":
			fmt.Println("MISSING (app id not set)")
			allOK = false
		case !fileExists(role.app.AppPrivateKeyPath):
			fmt.Printf("FAIL (key file %s not found)\n", role.app.AppPrivateKeyPath)
			allOK = false
		default:
			fmt.Printf("OK (app %s)\n", role.app.AppID)
			if role.app.WebhookSecret == "" {
				fmt.Printf("%-24s . WARN (webhook verification disabled)\n", role.name+" secret")
			}
		}
	}

	for _, dir := range []struct {
		name string
		path string
	}{
		{"Artifacts dir", cfg.Artifacts.Dir},
		{"Workdir root", cfg.Workdir.Root},
	} {
		fmt.Printf("%-24s . ", dir.name)
		if err := writableDir(dir.path); err != nil {
			fmt.Printf("FAIL (%s)\n", err)
			allOK = false
		} else {
			fmt.Printf("OK (%s)\n", dir.path)
		}
	}

	fmt.Println()
	fmt.Println("Agent tools:")
	for _, tool := range []string{"git", "rg"} {
		fmt.Printf("  %-14s ... ", tool)
		if path, err := exec.LookPath(tool); err != nil {
			fmt.Println("MISSING")
			allOK = false
		} else {
			fmt.Printf("OK (%s)\n", path)
		}
	}

	fmt.Println()
	if allOK {
		fmt.Println("All checks passed — sdlc-agent is ready.")
		return nil
	}
	fmt.Println("Some checks failed; fix the items above before running jobs.")
	return nil
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// writableDir creates the directory if needed and probes it with a
// temp file.
func writableDir(path string) error {
	if path == "" {
		return fmt.Errorf("not configured")
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return err
	}
	probe := filepath.Join(path, ".doctor-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return err
	}
	return os.Remove(probe)
}
