package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the tradegate service.
type Config struct {
	Storage   Storage         `yaml:"storage"`
	Server    Server          `yaml:"server"`
	Alpaca    Alpaca          `yaml:"alpaca"`
	Logging   Logging         `yaml:"logging"`
	Engine    EngineConfig    `yaml:"engine"`
	Risk      RiskConfig      `yaml:"risk"`
	Simulator SimulatorConfig `yaml:"simulator"`
	Notify    NotifyConfig    `yaml:"notify"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// Storage holds paths for data persistence.
type Storage struct {
	SQLitePath string `yaml:"sqlite_path"`
	ArchiveDir string `yaml:"archive_dir"`
}

// Server holds network listener configuration.
type Server struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	GRPCPort int    `yaml:"grpc_port"`
}

// Alpaca holds credentials and endpoints for the Alpaca market-data API.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	DataURL   string `yaml:"data_url"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// EngineConfig holds lifecycle timeouts and ledger policy.
type EngineConfig struct {
	SnapshotTimeout         time.Duration `yaml:"snapshot_timeout"`
	RiskTimeout             time.Duration `yaml:"risk_timeout"`
	ExecutionTimeout        time.Duration `yaml:"execution_timeout"`
	NotifyTimeout           time.Duration `yaml:"notify_timeout"`
	ConfirmationWindow      time.Duration `yaml:"confirmation_window"`
	MaxConfirmationAttempts int           `yaml:"max_confirmation_attempts"`
	AllowShort              bool          `yaml:"allow_short"`
	LedgerMaxRetries        int           `yaml:"ledger_max_retries"`
	SubmissionsPerMinute    int           `yaml:"submissions_per_minute"`
}

// RiskConfig selects and tunes the risk classifier.
type RiskConfig struct {
	Provider         string  `yaml:"provider"` // "rules" or "openai"
	Model            string  `yaml:"model"`
	APIKey           string  `yaml:"api_key"`
	BaseURL          string  `yaml:"base_url"`
	MediumNotional   float64 `yaml:"medium_notional"`
	HighNotional     float64 `yaml:"high_notional"`
	MaxConcentration float64 `yaml:"max_concentration"`
}

// SimulatorConfig tunes the simulated execution backend.
type SimulatorConfig struct {
	MinLatency      time.Duration      `yaml:"min_latency"`
	MaxLatency      time.Duration      `yaml:"max_latency"`
	PartialFillRate float64            `yaml:"partial_fill_rate"`
	RejectRate      float64            `yaml:"reject_rate"`
	Seed            uint64             `yaml:"seed"`
	ReferencePrices map[string]float64 `yaml:"reference_prices"`
}

// NotifyConfig configures supervisor alerts.
type NotifyConfig struct {
	SlackToken        string            `yaml:"slack_token"`
	WebhookURL        string            `yaml:"webhook_url"`
	DefaultSupervisor string            `yaml:"default_supervisor"`
	Supervisors       map[string]string `yaml:"supervisors"`      // user -> supervisor
	RoleSupervisors   map[string]string `yaml:"role_supervisors"` // role -> supervisor
}

// TelemetryConfig configures the OTLP metrics exporter.
type TelemetryConfig struct {
	OTLPEndpoint   string        `yaml:"otlp_endpoint"`
	ServiceName    string        `yaml:"service_name"`
	Insecure       bool          `yaml:"insecure"`
	MetricInterval time.Duration `yaml:"metric_interval"`
}

// ---------------------------------------------------------------------------
// Defaults
// ---------------------------------------------------------------------------

// Default returns the configuration used for any field the YAML file omits.
func Default() *Config {
	return &Config{
		Storage: Storage{
			SQLitePath: "data/tradegate.db",
		},
		Server: Server{
			Host:     "0.0.0.0",
			Port:     8080,
			GRPCPort: 9090,
		},
		Logging: Logging{
			Level:  "info",
			Format: "json",
		},
		Engine: EngineConfig{
			SnapshotTimeout:         2 * time.Second,
			RiskTimeout:             10 * time.Second,
			ExecutionTimeout:        15 * time.Second,
			NotifyTimeout:           5 * time.Second,
			ConfirmationWindow:      5 * time.Minute,
			MaxConfirmationAttempts: 3,
			AllowShort:              false,
			LedgerMaxRetries:        5,
			SubmissionsPerMinute:    30,
		},
		Risk: RiskConfig{
			Provider:         "rules",
			Model:            "gpt-4o-mini",
			BaseURL:          "https://api.openai.com/v1",
			MediumNotional:   10000,
			HighNotional:     100000,
			MaxConcentration: 0.5,
		},
		Simulator: SimulatorConfig{
			MinLatency:      50 * time.Millisecond,
			MaxLatency:      500 * time.Millisecond,
			PartialFillRate: 0.1,
			RejectRate:      0.02,
			Seed:            1,
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "tradegate",
			MetricInterval: 30 * time.Second,
		},
	}
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path on top of
// Default, applies .env and environment variable overrides, and validates
// the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	// A missing .env is normal outside local development.
	_ = godotenv.Load()
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	var problems []error
	e := c.Engine
	if e.SnapshotTimeout <= 0 || e.RiskTimeout <= 0 || e.ExecutionTimeout <= 0 {
		problems = append(problems, errors.New("engine timeouts must be positive"))
	}
	if e.ConfirmationWindow <= 0 {
		problems = append(problems, errors.New("engine.confirmation_window must be positive"))
	}
	if e.MaxConfirmationAttempts < 1 {
		problems = append(problems, errors.New("engine.max_confirmation_attempts must be >= 1"))
	}
	if e.LedgerMaxRetries < 1 {
		problems = append(problems, errors.New("engine.ledger_max_retries must be >= 1"))
	}
	switch strings.ToLower(c.Risk.Provider) {
	case "rules", "openai":
	default:
		problems = append(problems, fmt.Errorf("risk.provider %q is not one of rules, openai", c.Risk.Provider))
	}
	if c.Risk.HighNotional < c.Risk.MediumNotional {
		problems = append(problems, errors.New("risk.high_notional must be >= risk.medium_notional"))
	}
	if c.Simulator.MaxLatency < c.Simulator.MinLatency {
		problems = append(problems, errors.New("simulator.max_latency must be >= simulator.min_latency"))
	}
	for _, r := range []float64{c.Simulator.PartialFillRate, c.Simulator.RejectRate} {
		if r < 0 || r > 1 {
			problems = append(problems, errors.New("simulator rates must be within [0, 1]"))
			break
		}
	}
	return errors.Join(problems...)
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("TRADEGATE_ARCHIVE_DIR"); v != "" {
		cfg.Storage.ArchiveDir = v
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Alpaca.APISecret = v
	}
	if v := os.Getenv("ALPACA_DATA_URL"); v != "" {
		cfg.Alpaca.DataURL = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	if v := os.Getenv("TRADEGATE_ALLOW_SHORT"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Engine.AllowShort = b
		}
	}
	if v := os.Getenv("TRADEGATE_CONFIRMATION_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Engine.ConfirmationWindow = d
		}
	}

	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.Risk.APIKey = v
	}
	if v := os.Getenv("SLACK_BOT_TOKEN"); v != "" {
		cfg.Notify.SlackToken = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
	}

	// Standard Alpaca env vars (highest priority, canonical names used by SDK).
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
}
