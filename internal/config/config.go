// Package config loads the root Trinity configuration: storage paths,
// thresholds, the embedding provider endpoint, and the verification
// command contract.
package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig holds dashboard HTTP server and embedded broker settings.
type ServerConfig struct {
	DashboardPort int `yaml:"dashboard_port"`
	NATSPort      int `yaml:"nats_port"`
}

// WorkspaceConfig holds the directory ARCHITECT and EXECUTOR externalize
// their per-cycle debugging files to. Safe to point at an ephemeral
// directory: nothing in the core reads these files back.
type WorkspaceConfig struct {
	Dir string `yaml:"dir"`
}

// CodingAgentConfig configures the external coding-agent CLI process the
// code_writer, test_architect, and tool_developer roles shell out to.
type CodingAgentConfig struct {
	Binary         string `yaml:"binary"`
	Model          string `yaml:"model"`
	APIBase        string `yaml:"api_base"`
	APIKey         string `yaml:"api_key"`
	EditFormat     string `yaml:"edit_format"`
	AutoCommit     bool   `yaml:"auto_commit"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// StorageConfig holds the durable file paths for each store. A ":memory:"
// path selects an in-memory variant, used by tests.
type StorageConfig struct {
	BusPath           string `yaml:"bus_path"`
	PatternStorePath  string `yaml:"pattern_store_path"`
	CostTrackerPath   string `yaml:"cost_tracker_path"`
}

// EmbeddingConfig holds the (opaque) embedding provider identifier.
type EmbeddingConfig struct {
	ProviderURL string `yaml:"provider_url"`
	Model       string `yaml:"model"`
}

// WitnessConfig holds WITNESS's detection threshold and the repeat-sighting
// count at which a NORMAL-priority detection earns an improvement signal
// even without its own HIGH/CRITICAL priority.
type WitnessConfig struct {
	MinConfidence      float64 `yaml:"min_confidence"`
	TimesSeenThreshold int     `yaml:"times_seen_threshold"`
}

// ArchitectConfig holds ARCHITECT's complexity threshold.
type ArchitectConfig struct {
	MinComplexity float64 `yaml:"min_complexity"`
}

// ExecutorConfig holds EXECUTOR's verification gate settings.
type ExecutorConfig struct {
	VerificationTimeoutSeconds int      `yaml:"verification_timeout_seconds"`
	VerificationCommand        []string `yaml:"verification_command"`
}

// BudgetConfig holds the cost tracker's budget settings.
type BudgetConfig struct {
	LimitUSD          float64 `yaml:"limit_usd"`
	AlertThresholdPct float64 `yaml:"alert_threshold_pct"`
}

// Config is the root configuration for the Trinity core.
type Config struct {
	// ProjectDir is the working directory EXECUTOR launches the coding
	// agent and the verification command in. Defaults to ".".
	ProjectDir  string            `yaml:"project_dir"`
	Server      ServerConfig      `yaml:"server"`
	Storage     StorageConfig     `yaml:"storage"`
	Workspace   WorkspaceConfig   `yaml:"workspace"`
	Embedding   EmbeddingConfig   `yaml:"embedding"`
	CodingAgent CodingAgentConfig `yaml:"coding_agent"`
	Witness     WitnessConfig     `yaml:"witness"`
	Architect   ArchitectConfig   `yaml:"architect"`
	Executor    ExecutorConfig    `yaml:"executor"`
	Budget      BudgetConfig      `yaml:"budget"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		ProjectDir: ".",
		Server:    ServerConfig{DashboardPort: 8080, NATSPort: 4222},
		Workspace: WorkspaceConfig{Dir: "data/workspace"},
		Storage: StorageConfig{
			BusPath:          "data/bus.db",
			PatternStorePath: "data/patterns.db",
			CostTrackerPath:  "data/cost.db",
		},
		Embedding: EmbeddingConfig{
			ProviderURL: "http://localhost:1234/v1",
			Model:       "text-embedding-local",
		},
		CodingAgent: CodingAgentConfig{
			Binary:         "aider",
			Model:          "openai/qwen2.5-coder-7b-instruct",
			APIBase:        "http://localhost:1234/v1",
			APIKey:         "local",
			EditFormat:     "diff",
			AutoCommit:     false,
			TimeoutSeconds: 120,
		},
		Witness:   WitnessConfig{MinConfidence: 0.6, TimesSeenThreshold: 5},
		Architect: ArchitectConfig{MinComplexity: 0.7},
		Executor: ExecutorConfig{
			VerificationTimeoutSeconds: 600,
			VerificationCommand:        []string{"./run_tests.sh", "--run-all"},
		},
		Budget: BudgetConfig{LimitUSD: 0, AlertThresholdPct: 80},
	}
}

// Load reads configuration from a YAML file, then overlays environment
// variables loaded from an optional .env file (TRINITY_EMBEDDING_URL,
// TRINITY_EMBEDDING_MODEL, TRINITY_BUS_PATH). Missing .env is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	_ = godotenv.Load()
	applyEnvOverlay(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func applyEnvOverlay(cfg *Config) {
	if v := os.Getenv("TRINITY_EMBEDDING_URL"); v != "" {
		cfg.Embedding.ProviderURL = v
	}
	if v := os.Getenv("TRINITY_EMBEDDING_MODEL"); v != "" {
		cfg.Embedding.Model = v
	}
	if v := os.Getenv("TRINITY_BUS_PATH"); v != "" {
		cfg.Storage.BusPath = v
	}
}

// Validate checks invariants on the loaded configuration.
func (c *Config) Validate() error {
	if c.Server.DashboardPort <= 0 || c.Server.DashboardPort > 65535 {
		return fmt.Errorf("invalid dashboard port: %d", c.Server.DashboardPort)
	}
	if c.Server.NATSPort <= 0 || c.Server.NATSPort > 65535 {
		return fmt.Errorf("invalid nats port: %d", c.Server.NATSPort)
	}
	if c.Witness.MinConfidence < 0 || c.Witness.MinConfidence > 1 {
		return fmt.Errorf("witness.min_confidence must be in [0,1]: %f", c.Witness.MinConfidence)
	}
	if c.Witness.TimesSeenThreshold <= 0 {
		return fmt.Errorf("witness.times_seen_threshold must be positive: %d", c.Witness.TimesSeenThreshold)
	}
	if c.Architect.MinComplexity < 0 || c.Architect.MinComplexity > 1 {
		return fmt.Errorf("architect.min_complexity must be in [0,1]: %f", c.Architect.MinComplexity)
	}
	if c.Executor.VerificationTimeoutSeconds <= 0 {
		return fmt.Errorf("executor.verification_timeout_seconds must be positive: %d", c.Executor.VerificationTimeoutSeconds)
	}
	if len(c.Executor.VerificationCommand) == 0 {
		return fmt.Errorf("executor.verification_command must not be empty")
	}
	if c.Budget.AlertThresholdPct < 0 || c.Budget.AlertThresholdPct > 100 {
		return fmt.Errorf("budget.alert_threshold_pct must be in [0,100]: %f", c.Budget.AlertThresholdPct)
	}
	return nil
}
