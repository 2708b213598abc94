package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the assistant.
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Session   SessionConfig   `mapstructure:"session"`
	Retrieval RetrievalConfig `mapstructure:"retrieval"`
	Archiver  ArchiverConfig  `mapstructure:"archiver"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug          bool          `mapstructure:"debug"`
	LogLevel       string        `mapstructure:"log_level"`
	Environment    string        `mapstructure:"environment"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Address      string        `mapstructure:"address"`
	CORSOrigins  []string      `mapstructure:"cors_origins"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// LLMConfig contains provider credentials and the per-task model routing.
type LLMConfig struct {
	Providers map[string]LLMProvider `mapstructure:"providers"`
	Routing   LLMRoutingConfig       `mapstructure:"routing"`
}

// LLMProvider represents a single completion provider configuration
type LLMProvider struct {
	Type    string        `mapstructure:"type"` // openai, openrouter
	APIKey  string        `mapstructure:"api_key"`
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// LLMRoutingConfig names which model serves each task.
type LLMRoutingConfig struct {
	Provider           string `mapstructure:"provider"` // key into Providers
	Router             string `mapstructure:"router"`
	Analysis           string `mapstructure:"analysis"`
	Summary            string `mapstructure:"summary"`
	Embedding          string `mapstructure:"embedding"`
	EmbeddingDimension int    `mapstructure:"embedding_dimension"`
}

func (l LLMConfig) Validate() error {
	if len(l.Providers) == 0 {
		return fmt.Errorf("llm.providers requires at least one provider")
	}
	if l.Routing.Provider == "" {
		return fmt.Errorf("llm.routing.provider required")
	}
	if _, ok := l.Providers[l.Routing.Provider]; !ok {
		return fmt.Errorf("llm.routing.provider %q not found in llm.providers", l.Routing.Provider)
	}
	for _, name := range []struct{ key, value string }{
		{"llm.routing.router", l.Routing.Router},
		{"llm.routing.analysis", l.Routing.Analysis},
		{"llm.routing.embedding", l.Routing.Embedding},
	} {
		if strings.TrimSpace(name.value) == "" {
			return fmt.Errorf("%s required", name.key)
		}
	}
	return nil
}

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Qdrant   QdrantConfig   `mapstructure:"qdrant"`
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (r RedisConfig) Validate() error {
	if strings.TrimSpace(r.Host) == "" {
		return fmt.Errorf("storage.redis.host required")
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required")
	}
	return nil
}

// Addr renders host:port for the redis client.
func (r RedisConfig) Addr() string {
	return r.Host + ":" + r.Port
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

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.Port) == "" {
		return fmt.Errorf("storage.postgres.port required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// DSN renders the connection string, preferring an explicit url.
func (p PostgresConfig) DSN() string {
	if strings.TrimSpace(p.URL) != "" {
		return p.URL
	}
	sslmode := p.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.DBName, sslmode)
}

// QdrantConfig contains vector store connection settings
type QdrantConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

func (q QdrantConfig) Validate() error {
	if strings.TrimSpace(q.URL) == "" {
		return fmt.Errorf("storage.qdrant.url required")
	}
	return nil
}

// SessionConfig bounds conversation state kept in redis.
type SessionConfig struct {
	MaxContextTokens int `mapstructure:"max_context_tokens"`
}

// RetrievalConfig bounds fetch sizes. ReferenceDate, when set
// (YYYY-MM-DD), pins relative date phrases to a fixed day; seeded demo
// datasets need this.
type RetrievalConfig struct {
	TradeLimit    int    `mapstructure:"trade_limit"`
	JournalTopK   int    `mapstructure:"journal_top_k"`
	ReferenceDate string `mapstructure:"reference_date"`
}

func (r RetrievalConfig) Validate() error {
	if r.ReferenceDate == "" {
		return nil
	}
	if _, err := time.Parse("2006-01-02", r.ReferenceDate); err != nil {
		return fmt.Errorf("retrieval.reference_date must be YYYY-MM-DD: %w", err)
	}
	return nil
}

// ArchiverConfig schedules the idle-session embedding job.
type ArchiverConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Schedule  string        `mapstructure:"schedule"` // cron expression
	IdleAfter time.Duration `mapstructure:"idle_after"`
}

// TelemetryConfig contains metrics settings
type TelemetryConfig struct {
	Enabled     bool `mapstructure:"enabled"`
	MetricsPort int  `mapstructure:"metrics_port"`
}

func (t TelemetryConfig) Validate() error {
	if t.Enabled && t.MetricsPort <= 0 {
		return fmt.Errorf("telemetry.metrics_port must be > 0 when telemetry is enabled")
	}
	return nil
}

// LoadConfig loads config from file
func LoadConfig(path string) *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("json")

	viper.SetDefault("general.log_level", "info")
	viper.SetDefault("general.environment", "development")
	viper.SetDefault("general.default_timeout", "60s")
	viper.SetDefault("server.address", ":8000")
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "5m")
	viper.SetDefault("llm.routing.embedding_dimension", 1536)
	viper.SetDefault("storage.qdrant.timeout", "10s")
	viper.SetDefault("session.max_context_tokens", 128000)
	viper.SetDefault("retrieval.trade_limit", 100)
	viper.SetDefault("retrieval.journal_top_k", 5)
	viper.SetDefault("telemetry.enabled", true)
	viper.SetDefault("archiver.schedule", "*/10 * * * *")
	viper.SetDefault("archiver.idle_after", "30m")

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)
		viper.AddConfigPath(filepath.Join(exeDir, ".."))
		viper.AddConfigPath(filepath.Join(exeDir, "..", "config"))
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("JOURNALYST")
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
	if err := config.Storage.Redis.Validate(); err != nil {
		panic(err)
	}
	if err := config.Storage.Postgres.Validate(); err != nil {
		panic(err)
	}
	if err := config.Storage.Qdrant.Validate(); err != nil {
		panic(err)
	}
	if err := config.Retrieval.Validate(); err != nil {
		panic(err)
	}
	if err := config.Telemetry.Validate(); err != nil {
		panic(err)
	}
	return &config
}
