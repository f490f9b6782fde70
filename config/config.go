package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the dashboard generator
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Runner    RunnerConfig    `mapstructure:"runner"`
	Security  SecurityConfig  `mapstructure:"security"`
	Catalog   CatalogConfig   `mapstructure:"catalog"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	LogLevel       string        `mapstructure:"log_level"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	Workdir        string        `mapstructure:"workdir"` // generated programs are written here
}

// ServerConfig contains HTTP server and auth settings
type ServerConfig struct {
	Address   string `mapstructure:"address"`
	JWTSecret string `mapstructure:"jwt_secret"`
	Async     bool   `mapstructure:"async"`
}

// LLMConfig contains LLM provider configurations
type LLMConfig struct {
	Providers map[string]LLMProvider `mapstructure:"providers"`
	Routing   LLMRoutingConfig       `mapstructure:"routing"`
}

// LLMProvider represents a single LLM provider configuration
type LLMProvider struct {
	Type    string              `mapstructure:"type"` // openai or any OpenAI-compatible endpoint
	APIKey  string              `mapstructure:"api_key"`
	BaseURL string              `mapstructure:"base_url"`
	Models  map[string]LLMModel `mapstructure:"models"`
	Timeout time.Duration       `mapstructure:"timeout"`
}

// LLMModel represents a specific model configuration
type LLMModel struct {
	Name            string  `mapstructure:"name"`
	APIName         string  `mapstructure:"api_name"`
	MaxTokens       int     `mapstructure:"max_tokens"`
	Temperature     float64 `mapstructure:"temperature"`
	CostPer1K       float64 `mapstructure:"cost_per_1k_input"`
	CostPer1KOutput float64 `mapstructure:"cost_per_1k_output"`
}

// LLMRoutingConfig defines which model serves each pipeline stage
type LLMRoutingConfig struct {
	Planning  string `mapstructure:"planning"`
	Sourcing  string `mapstructure:"sourcing"`
	Coding    string `mapstructure:"coding"`
	Debugging string `mapstructure:"debugging"`
	Fallback  string `mapstructure:"fallback"`
}

// Stage names used for routing, metrics and events.
const (
	StagePlanning  = "planning"
	StageSourcing  = "sourcing"
	StageCoding    = "coding"
	StageDebugging = "debugging"
)

// ModelFor returns the routing key configured for stage, falling back to the
// fallback model when the stage has none.
func (r LLMRoutingConfig) ModelFor(stage string) string {
	var m string
	switch stage {
	case StagePlanning:
		m = r.Planning
	case StageSourcing:
		m = r.Sourcing
	case StageCoding:
		m = r.Coding
	case StageDebugging:
		m = r.Debugging
	}
	if strings.TrimSpace(m) == "" {
		return r.Fallback
	}
	return m
}

// Validate checks that at least one provider is configured and routing resolves.
func (c LLMConfig) Validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("llm.providers requires at least one provider")
	}
	for _, stage := range []string{StagePlanning, StageSourcing, StageCoding, StageDebugging} {
		if c.Routing.ModelFor(stage) == "" {
			return fmt.Errorf("llm.routing.%s is empty and no fallback model is set", stage)
		}
	}
	return nil
}

// PipelineConfig tunes the generation stages.
type PipelineConfig struct {
	Temperature      *float64 `mapstructure:"temperature"` // nil means 0.3; 0 is greedy sampling
	DebugIterations  int      `mapstructure:"debug_iterations"`
	OutputFile       string   `mapstructure:"output_file"`
	Domain           string   `mapstructure:"domain"`
	SecretEnv        []string `mapstructure:"secret_env"`
	MaxFeedbackChars int      `mapstructure:"max_feedback_chars"`
	UseCatalog       bool     `mapstructure:"use_catalog"`
	UseHistory       bool     `mapstructure:"use_history"`
}

// Normalize applies defaults for unset pipeline values.
func (c PipelineConfig) Normalize() PipelineConfig {
	if c.Temperature == nil {
		t := 0.3
		c.Temperature = &t
	}
	if c.DebugIterations == 0 {
		c.DebugIterations = 3
	}
	if strings.TrimSpace(c.OutputFile) == "" {
		c.OutputFile = "dashboard_generated.py"
	}
	if strings.TrimSpace(c.Domain) == "" {
		c.Domain = "NASA open data APIs"
	}
	if len(c.SecretEnv) == 0 {
		c.SecretEnv = []string{"NASA_API_KEY", "OPENAI_API_KEY"}
	}
	if c.MaxFeedbackChars <= 0 {
		c.MaxFeedbackChars = 6000
	}
	return c
}

// Validate ensures pipeline settings are usable.
func (c PipelineConfig) Validate() error {
	if c.DebugIterations < 0 {
		return fmt.Errorf("pipeline.debug_iterations cannot be negative")
	}
	if t := c.Temperature; t != nil && (*t < 0 || *t > 2) {
		return fmt.Errorf("pipeline.temperature must be between 0 and 2")
	}
	return nil
}

// RunnerConfig describes how generated dashboards are executed and observed.
type RunnerConfig struct {
	Command        []string      `mapstructure:"command"` // argv template with {file} and {port}
	Port           int           `mapstructure:"port"`
	StartupWait    time.Duration `mapstructure:"startup_wait"`
	RenderWait     time.Duration `mapstructure:"render_wait"`
	CaptureTimeout time.Duration `mapstructure:"capture_timeout"`
	StopTimeout    time.Duration `mapstructure:"stop_timeout"`
	MaxOutputBytes int           `mapstructure:"max_output_bytes"`
	ErrorMarkers   []string      `mapstructure:"error_markers"`
	LaunchPort     int           `mapstructure:"launch_port"`
}

// DefaultRunnerCommand launches a Streamlit dashboard headless on a fixed port.
var DefaultRunnerCommand = []string{"streamlit", "run", "{file}", "--server.headless", "true", "--server.port", "{port}"}

// Normalize applies defaults for unset runner values.
func (c RunnerConfig) Normalize() RunnerConfig {
	if len(c.Command) == 0 {
		c.Command = append([]string(nil), DefaultRunnerCommand...)
	}
	if c.Port <= 0 {
		c.Port = 8502
	}
	if c.StartupWait <= 0 {
		c.StartupWait = 10 * time.Second
	}
	if c.RenderWait <= 0 {
		c.RenderWait = 3 * time.Second
	}
	if c.CaptureTimeout <= 0 {
		c.CaptureTimeout = 20 * time.Second
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 10 * time.Second
	}
	if c.MaxOutputBytes <= 0 {
		c.MaxOutputBytes = 1 << 20
	}
	if c.ErrorMarkers == nil {
		c.ErrorMarkers = []string{"Traceback (most recent call last)", `data-testid="stException"`}
	}
	if c.LaunchPort <= 0 {
		c.LaunchPort = 8501
	}
	return c
}

// Validate checks the runner configuration.
func (c RunnerConfig) Validate() error {
	if len(c.Command) == 0 || strings.TrimSpace(c.Command[0]) == "" {
		return fmt.Errorf("runner.command requires an executable")
	}
	if c.Port == c.LaunchPort {
		return fmt.Errorf("runner.port and runner.launch_port must differ")
	}
	return nil
}

// SecurityConfig declares sandbox policy defaults.
type SecurityConfig struct {
	SandboxProvider string        `mapstructure:"sandbox_provider"`
	PolicyFile      string        `mapstructure:"policy_file"`
	DefaultTimeout  time.Duration `mapstructure:"default_timeout"`
}

// Normalize applies defaults for unset security values.
func (s SecurityConfig) Normalize() SecurityConfig {
	if strings.TrimSpace(s.SandboxProvider) == "" {
		s.SandboxProvider = "process"
	}
	if s.DefaultTimeout <= 0 {
		s.DefaultTimeout = time.Minute
	}
	return s
}

// CatalogConfig points at an optional API catalog used to seed the data sourcer.
type CatalogConfig struct {
	URL      string        `mapstructure:"url"`
	Timeout  time.Duration `mapstructure:"timeout"`
	MaxChars int           `mapstructure:"max_chars"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// Normalize applies defaults for unset catalog values.
func (c CatalogConfig) Normalize() CatalogConfig {
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	if c.MaxChars <= 0 {
		c.MaxChars = 8000
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 6 * time.Hour
	}
	return c
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
}

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	History  HistoryConfig  `mapstructure:"history"`
}

// HistoryConfig controls the full-text index of past generations.
type HistoryConfig struct {
	IndexPath string `mapstructure:"index_path"` // empty keeps the index in memory
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Stream   string        `mapstructure:"stream"`
}

// Enabled reports whether a Redis endpoint is configured.
func (r RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.Host) != ""
}

// Addr returns host:port with the default Redis port when none is set.
func (r RedisConfig) Addr() string {
	port := strings.TrimSpace(r.Port)
	if port == "" {
		port = "6379"
	}
	return fmt.Sprintf("%s:%s", strings.TrimSpace(r.Host), port)
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// Enabled reports whether Postgres persistence is configured.
func (p PostgresConfig) Enabled() bool {
	return strings.TrimSpace(p.URL) != "" || strings.TrimSpace(p.Host) != ""
}

// DSN builds a connection string from either url or the discrete fields.
func (p PostgresConfig) DSN() string {
	if strings.TrimSpace(p.URL) != "" {
		return p.URL
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl)
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" || strings.TrimSpace(p.Host) == "" {
		return nil
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when host is provided")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("general.log_level", "info")
	v.SetDefault("general.default_timeout", 2*time.Minute)
	v.SetDefault("server.address", ":10001")
	v.SetDefault("llm.providers.openai.type", "openai")
	v.SetDefault("llm.providers.openai.timeout", 2*time.Minute)
	v.SetDefault("llm.providers.openai.models.gpt-4o-mini.api_name", "gpt-4o-mini")
	v.SetDefault("llm.providers.openai.models.gpt-4o-mini.temperature", 0.3)
	v.SetDefault("llm.providers.openai.models.gpt-4.1-mini.api_name", "gpt-4.1-mini")
	v.SetDefault("llm.providers.openai.models.gpt-4.1-mini.temperature", 0.3)
	v.SetDefault("llm.routing.planning", "gpt-4.1-mini")
	v.SetDefault("llm.routing.fallback", "gpt-4o-mini")
	v.SetDefault("pipeline.use_catalog", true)
	v.SetDefault("pipeline.use_history", true)
	v.SetDefault("storage.redis.stream", "dashforge:events")
	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.namespace", "dashforge")
}

// LoadConfig loads config from the given file, or searches the usual locations
// when path is empty. A missing config file is not an error: defaults plus
// DASHFORGE_* environment variables are enough to run.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("json")
	setDefaults(v)

	if path == "" {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		if exe, err := os.Executable(); err == nil {
			exeDir := filepath.Dir(exe)
			v.AddConfigPath(exeDir)
			v.AddConfigPath(filepath.Join(exeDir, "..", "config"))
		}
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("DASHFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("llm.providers.openai.api_key", "DASHFORGE_LLM_PROVIDERS_OPENAI_API_KEY", "OPENAI_API_KEY")
	_ = v.BindEnv("server.jwt_secret", "DASHFORGE_SERVER_JWT_SECRET", "JWT_SECRET")
	_ = v.BindEnv("storage.postgres.url", "DASHFORGE_STORAGE_POSTGRES_URL", "DATABASE_URL")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Normalize applies defaults to every section in place.
func (c *Config) Normalize() {
	c.Pipeline = c.Pipeline.Normalize()
	c.Runner = c.Runner.Normalize()
	c.Security = c.Security.Normalize()
	c.Catalog = c.Catalog.Normalize()
	if c.General.DefaultTimeout <= 0 {
		c.General.DefaultTimeout = 2 * time.Minute
	}
	if strings.TrimSpace(c.Storage.Redis.Stream) == "" {
		c.Storage.Redis.Stream = "dashforge:events"
	}
}

// Validate runs every section validator.
func (c *Config) Validate() error {
	if err := c.LLM.Validate(); err != nil {
		return err
	}
	if err := c.Pipeline.Validate(); err != nil {
		return err
	}
	if err := c.Runner.Validate(); err != nil {
		return err
	}
	return c.Storage.Postgres.Validate()
}
