package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the lead research pipeline.
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Search    SearchConfig    `mapstructure:"search"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Agents    AgentsConfig    `mapstructure:"agents"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings.
type GeneralConfig struct {
	Debug          bool          `mapstructure:"debug"`
	LogLevel       string        `mapstructure:"log_level"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Address string `mapstructure:"address"`
}

// LLMConfig contains the completion/embedding endpoint configuration.
type LLMConfig struct {
	APIKey              string        `mapstructure:"api_key"`
	BaseURL             string        `mapstructure:"base_url"`
	CompletionModel     string        `mapstructure:"completion_model"`
	EmbeddingModel      string        `mapstructure:"embedding_model"`
	EmbeddingDimensions int           `mapstructure:"embedding_dimensions"`
	Temperature         float32       `mapstructure:"temperature"`
	MaxTokens           int           `mapstructure:"max_tokens"`
	Timeout             time.Duration `mapstructure:"timeout"`
}

func (l LLMConfig) Validate() error {
	if strings.TrimSpace(l.CompletionModel) == "" {
		return fmt.Errorf("llm.completion_model is required")
	}
	if l.EmbeddingDimensions <= 0 {
		return fmt.Errorf("llm.embedding_dimensions must be > 0")
	}
	return nil
}

// SearchConfig contains web search provider settings.
type SearchConfig struct {
	Provider   string        `mapstructure:"provider"` // serper or brave
	APIKey     string        `mapstructure:"api_key"`
	MaxResults int           `mapstructure:"max_results"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// FetchConfig contains page fetch settings for the web_fetch tool.
type FetchConfig struct {
	Fetcher       string        `mapstructure:"fetcher"` // static or chromedp
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxChars      int           `mapstructure:"max_chars"`
	RespectRobots bool          `mapstructure:"respect_robots"`
	PerHostRPS    float64       `mapstructure:"per_host_rps"`
}

// AgentsConfig tunes the scoring agents and their retry behaviour.
type AgentsConfig struct {
	MaxIterations        int           `mapstructure:"max_iterations"` // tool-call rounds per attempt
	MaxAttempts          int           `mapstructure:"max_attempts"`   // full attempts before the empty sentinel
	RetryDelay           time.Duration `mapstructure:"retry_delay"`
	MaxConcurrentUrgency int           `mapstructure:"max_concurrent_urgency"`
	MinScore             float64       `mapstructure:"min_score"`
	MaxScore             float64       `mapstructure:"max_score"`
	NeutralWeight        float64       `mapstructure:"neutral_weight"`
	SourceCacheTTL       time.Duration `mapstructure:"source_cache_ttl"` // 0 = process lifetime
	TopN                 int           `mapstructure:"top_n"`
	RecentContextLimit   int           `mapstructure:"recent_context_limit"`
	ToolTimeout          time.Duration `mapstructure:"tool_timeout"`
	ToolResultMaxChars   int           `mapstructure:"tool_result_max_chars"`
}

func (a AgentsConfig) Validate() error {
	if a.MaxIterations <= 0 {
		return fmt.Errorf("agents.max_iterations must be > 0")
	}
	if a.MaxAttempts <= 0 {
		return fmt.Errorf("agents.max_attempts must be > 0")
	}
	if a.MinScore >= a.MaxScore {
		return fmt.Errorf("agents.min_score must be below agents.max_score")
	}
	return nil
}

// StorageConfig contains storage and persistence settings.
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig contains Postgres connection settings.
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

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// DSN assembles a Postgres connection string from the configured fields.
func (p PostgresConfig) DSN() string {
	if p.URL != "" {
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

// RedisConfig contains Redis connection settings for the lead feed.
type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (r RedisConfig) Validate() error {
	if !r.Enabled {
		return nil
	}
	if strings.TrimSpace(r.Host) == "" {
		return fmt.Errorf("storage.redis.host required when redis is enabled")
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required when redis is enabled")
	}
	return nil
}

// TelemetryConfig contains metrics settings.
type TelemetryConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// LoadConfig loads config from file, with LEADSCOUT_* environment overrides.
func LoadConfig(path string) *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("json")

	viper.SetDefault("general.log_level", "info")
	viper.SetDefault("general.default_timeout", "60s")
	viper.SetDefault("server.address", ":10020")
	viper.SetDefault("llm.completion_model", "gpt-4o-mini")
	viper.SetDefault("llm.embedding_model", "text-embedding-3-large")
	viper.SetDefault("llm.embedding_dimensions", 3072)
	viper.SetDefault("llm.temperature", 1.0)
	viper.SetDefault("llm.max_tokens", 16000)
	viper.SetDefault("llm.timeout", "90s")
	viper.SetDefault("search.provider", "serper")
	viper.SetDefault("search.max_results", 10)
	viper.SetDefault("search.timeout", "15s")
	viper.SetDefault("fetch.fetcher", "static")
	viper.SetDefault("fetch.timeout", "15s")
	viper.SetDefault("fetch.max_chars", 20000)
	viper.SetDefault("fetch.respect_robots", true)
	viper.SetDefault("fetch.per_host_rps", 1.0)
	viper.SetDefault("agents.max_iterations", 12)
	viper.SetDefault("agents.max_attempts", 10)
	viper.SetDefault("agents.retry_delay", "2s")
	viper.SetDefault("agents.max_concurrent_urgency", 4)
	viper.SetDefault("agents.min_score", 1.0)
	viper.SetDefault("agents.max_score", 10.0)
	viper.SetDefault("agents.neutral_weight", 5.0)
	viper.SetDefault("agents.source_cache_ttl", "0s")
	viper.SetDefault("agents.top_n", 15)
	viper.SetDefault("agents.recent_context_limit", 5)
	viper.SetDefault("agents.tool_timeout", "30s")
	viper.SetDefault("agents.tool_result_max_chars", 16000)
	viper.SetDefault("telemetry.enabled", true)

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)
		viper.AddConfigPath(filepath.Join(exeDir, ".."))
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("LEADSCOUT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	if err := config.LLM.Validate(); err != nil {
		panic(err)
	}
	if err := config.Agents.Validate(); err != nil {
		panic(err)
	}
	if err := config.Storage.Postgres.Validate(); err != nil {
		panic(err)
	}
	if err := config.Storage.Redis.Validate(); err != nil {
		panic(err)
	}
	return &config
}
