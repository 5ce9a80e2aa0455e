package config

// Config is the root configuration structure for the agent service.
// Values come from the optional config file and from environment variables
// (nested keys map to env names with "." replaced by "_", e.g.
// database.path → DATABASE_PATH).
type Config struct {
	Database   DatabaseConfig   `mapstructure:"database"   json:"database"`
	Server     ServerConfig     `mapstructure:"server"     json:"server"`
	Artifacts  ArtifactsConfig  `mapstructure:"artifacts"  json:"artifacts"`
	Workdir    WorkdirConfig    `mapstructure:"workdir"    json:"workdir"`
	Code       GitHubAppConfig  `mapstructure:"code"       json:"code"`
	Reviewer   GitHubAppConfig  `mapstructure:"reviewer"   json:"reviewer"`
	OpenRouter OpenRouterConfig `mapstructure:"openrouter" json:"openrouter"`
	GitHub     GitHubAPIConfig  `mapstructure:"github"     json:"github"`
	Git        GitConfig        `mapstructure:"git"        json:"git"`
	Agent      AgentConfig      `mapstructure:"agent"      json:"agent"`
}

// DatabaseConfig controls the storage backend.
type DatabaseConfig struct {
	// Driver is "sqlite" (default) or "mysql".
	Driver string `mapstructure:"driver" json:"driver"`
	// Path is the SQLite file path.
	Path string `mapstructure:"path"   json:"path"`
	// DSN is the MySQL data source name (used when Driver == "mysql").
	DSN string `mapstructure:"dsn"    json:"dsn"`
}

// ServerConfig controls the webhook HTTP server.
type ServerConfig struct {
	Host string `mapstructure:"host" json:"host"`
	Port int    `mapstructure:"port" json:"port"`
	// StatsCron is a cron expression for the periodic queue-depth report.
	// Empty disables the reporter.
	StatsCron string `mapstructure:"stats_cron" json:"stats_cron"`
}

// ArtifactsConfig controls where per-job event logs and transcripts live.
type ArtifactsConfig struct {
	Dir string `mapstructure:"dir" json:"dir"`
}

// WorkdirConfig controls where mirrors and per-job working clones live.
type WorkdirConfig struct {
	Root string `mapstructure:"root" json:"root"`
}

// GitHubAppConfig holds credentials for one GitHub App role.
// Two apps exist: the code agent and the reviewer agent.
type GitHubAppConfig struct {
	AppID             string `mapstructure:"app_id"               json:"app_id"`
	AppPrivateKeyPath string `mapstructure:"app_private_key_path" json:"app_private_key_path"`
	// WebhookSecret verifies inbound X-Hub-Signature-256 headers.
	// Empty disables verification for this role.
	WebhookSecret string `mapstructure:"webhook_secret" json:"webhook_secret"`
}

// OpenRouterConfig controls the LLM chat client.
type OpenRouterConfig struct {
	APIKey     string `mapstructure:"api_key"     json:"api_key"`
	Model      string `mapstructure:"model"       json:"model"`
	BaseURL    string `mapstructure:"base_url"    json:"base_url"`
	TimeoutSec int    `mapstructure:"timeout_sec" json:"timeout_sec"`
	MaxRetries int    `mapstructure:"max_retries" json:"max_retries"`
	MaxTokens  int    `mapstructure:"max_tokens"  json:"max_tokens"`
}

// GitHubAPIConfig points the REST clients at api.github.com or an
// enterprise instance.
type GitHubAPIConfig struct {
	APIBase    string `mapstructure:"api_base"    json:"api_base"`
	APIVersion string `mapstructure:"api_version" json:"api_version"`
}

// GitConfig sets the author identity for agent commits.
type GitConfig struct {
	UserName  string `mapstructure:"user_name"  json:"user_name"`
	UserEmail string `mapstructure:"user_email" json:"user_email"`
}

// AgentConfig bounds the LLM agent loops.
type AgentConfig struct {
	// MaxSteps is the step budget per agent run; exceeding it ends the run
	// with a "max steps reached" result rather than failing the job.
	MaxSteps int `mapstructure:"max_steps" json:"max_steps"`
	// MaxIters caps fix cycles per PR before the governor blocks.
	MaxIters int `mapstructure:"max_iters" json:"max_iters"`
	// RetryLabels force a new fix cycle when applied to a PR
	// (comma-separated in the environment).
	RetryLabels []string `mapstructure:"retry_labels" json:"retry_labels"`
	// AllowShell enables the run_shell tool for the code agent.
	AllowShell bool `mapstructure:"allow_shell" json:"allow_shell"`
	// ToolTimeoutSec bounds each subprocess tool invocation.
	ToolTimeoutSec int `mapstructure:"tool_timeout_sec" json:"tool_timeout_sec"`
	// MaxToolOutputChars truncates tool observations fed back to the model.
	MaxToolOutputChars int `mapstructure:"max_tool_output_chars" json:"max_tool_output_chars"`
	// Temperature for chat completions.
	Temperature float64 `mapstructure:"temperature" json:"temperature"`
	// TestCommand is what run_tests executes inside the working copy.
	TestCommand string `mapstructure:"test_command" json:"test_command"`
}
