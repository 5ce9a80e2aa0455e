package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Load reads the optional config file and the environment and returns a
// populated Config. Every nested key is overridable via environment
// variables ("database.path" → DATABASE_PATH and so on), which is the
// primary configuration surface in deployments.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
	}

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// The config file is optional; env vars and defaults are enough.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && configPath != "" {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.Agent.RetryLabels = splitLabels(cfg.Agent.RetryLabels)
	return &cfg, nil
}

// setDefaults populates viper with out-of-the-box values. The defaults run
// an unauthenticated local setup against api.github.com.
func setDefaults(v *viper.Viper) {
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/agent.db")
	v.SetDefault("database.dsn", "")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.stats_cron", "@every 1m")

	v.SetDefault("artifacts.dir", "./artifacts")
	v.SetDefault("workdir.root", "./workdir")

	v.SetDefault("code.app_id", "")
	v.SetDefault("code.app_private_key_path", "")
	v.SetDefault("code.webhook_secret", "")
	v.SetDefault("reviewer.app_id", "")
	v.SetDefault("reviewer.app_private_key_path", "")
	v.SetDefault("reviewer.webhook_secret", "")

	v.SetDefault("openrouter.api_key", "")
	v.SetDefault("openrouter.model", "google/gemini-3-flash-preview")
	v.SetDefault("openrouter.base_url", "https://openrouter.ai/api/v1")
	v.SetDefault("openrouter.timeout_sec", 60)
	v.SetDefault("openrouter.max_retries", 2)
	v.SetDefault("openrouter.max_tokens", 2048)

	v.SetDefault("github.api_base", "https://api.github.com")
	v.SetDefault("github.api_version", "2022-11-28")

	v.SetDefault("git.user_name", "code-agent[bot]")
	v.SetDefault("git.user_email", "code-agent@example.com")

	v.SetDefault("agent.max_steps", 30)
	v.SetDefault("agent.max_iters", 3)
	v.SetDefault("agent.retry_labels", []string{"retry-fix"})
	v.SetDefault("agent.allow_shell", false)
	v.SetDefault("agent.tool_timeout_sec", 120)
	v.SetDefault("agent.max_tool_output_chars", 8000)
	v.SetDefault("agent.temperature", 0.2)
	v.SetDefault("agent.test_command", "go test ./...")
}

// splitLabels normalises retry labels: env vars arrive as one
// comma-separated entry, config files as a proper list.
func splitLabels(raw []string) []string {
	var out []string
	for _, entry := range raw {
		for _, part := range strings.Split(entry, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
