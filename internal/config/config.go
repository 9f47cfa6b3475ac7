package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Duration decodes TOML strings like "5m" or "30s" into a duration.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config holds all application configuration
type Config struct {
	General  GeneralConfig  `toml:"general"`
	Pipeline PipelineConfig `toml:"pipeline"`
	Tracker  TrackerConfig  `toml:"tracker"`
	GitHub   GitHubConfig   `toml:"github"`
	Claude   ClaudeConfig   `toml:"claude"`
	Web      WebConfig      `toml:"web"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	DatabasePath string `toml:"database_path"`
	DryRun       bool   `toml:"dry_run"`
}

// PipelineConfig holds engine and worker-pool settings
type PipelineConfig struct {
	CompletenessThreshold float64  `toml:"completeness_threshold"`
	MaxConcurrentRuns     int      `toml:"max_concurrent_runs"`
	RunTimeout            Duration `toml:"run_timeout"`
	RetryMaxAttempts      int      `toml:"retry_max_attempts"`
	RetryBaseDelay        Duration `toml:"retry_base_delay"`
}

// TrackerConfig holds issue-tracker settings
type TrackerConfig struct {
	Repo               string   `toml:"repo"`
	CandidateLabel     string   `toml:"candidate_label"`
	ClarificationLabel string   `toml:"clarification_label"`
	PollInterval       Duration `toml:"poll_interval"`
}

// GitHubConfig holds code-host settings
type GitHubConfig struct {
	Owner             string   `toml:"owner"`
	Repo              string   `toml:"repo"`
	BaseBranch        string   `toml:"base_branch"`
	Token             string   `toml:"token"`
	ReconcileInterval Duration `toml:"reconcile_interval"`
}

// ClaudeConfig holds model settings
type ClaudeConfig struct {
	Model     string `toml:"model"`
	MaxTokens int    `toml:"max_tokens"`
}

// WebConfig holds read-side API settings
type WebConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		General: GeneralConfig{
			DatabasePath: filepath.Join(home, ".proposal-orchestrator", "runs.db"),
		},
		Pipeline: PipelineConfig{
			CompletenessThreshold: 0.65,
			MaxConcurrentRuns:     3,
			RunTimeout:            Duration(20 * time.Minute),
			RetryMaxAttempts:      3,
			RetryBaseDelay:        Duration(time.Second),
		},
		Tracker: TrackerConfig{
			CandidateLabel:     "proposal-candidate",
			ClarificationLabel: "needs-clarification",
			PollInterval:       Duration(5 * time.Minute),
		},
		GitHub: GitHubConfig{
			BaseBranch:        "main",
			ReconcileInterval: Duration(time.Hour),
		},
		Claude: ClaudeConfig{
			Model:     "claude-sonnet-4-20250514",
			MaxTokens: 16000,
		},
		Web: WebConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks config invariants the engine depends on
func (c *Config) Validate() error {
	if c.Pipeline.CompletenessThreshold < 0 || c.Pipeline.CompletenessThreshold > 1 {
		return fmt.Errorf("completeness_threshold must be within [0,1], got %v", c.Pipeline.CompletenessThreshold)
	}
	if c.Pipeline.MaxConcurrentRuns <= 0 {
		return fmt.Errorf("max_concurrent_runs must be positive, got %d", c.Pipeline.MaxConcurrentRuns)
	}
	if c.Pipeline.RetryMaxAttempts <= 0 {
		return fmt.Errorf("retry_max_attempts must be positive, got %d", c.Pipeline.RetryMaxAttempts)
	}
	return nil
}

// ResolveToken returns the code-host token, preferring the config file and
// falling back to the GITHUB_TOKEN environment variable.
func (c *GitHubConfig) ResolveToken() string {
	if c.Token != "" {
		return c.Token
	}
	return os.Getenv("GITHUB_TOKEN")
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "proposal-orchestrator", "config.toml")
}
