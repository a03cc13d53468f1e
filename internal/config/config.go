package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"

	toml "github.com/pelletier/go-toml/v2"
)

type Config struct {
	Server     ServerConfig     `toml:"server"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	Worker     WorkerConfig     `toml:"worker"`
	Auth       AuthConfig       `toml:"auth"`
	LLM        LLMConfig        `toml:"llm"`
	Pipeline   PipelineConfig   `toml:"pipeline"`
	CMS        CMSConfig        `toml:"cms"`
	Enrichment EnrichmentConfig `toml:"enrichment"`
	Scheduler  SchedulerConfig  `toml:"scheduler"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

type PostgresConfig struct {
	DSN string `toml:"dsn"`
}

type RedisConfig struct {
	Addr          string `toml:"addr"`
	QueueKey      string `toml:"queue_key"`
	ProcessingKey string `toml:"processing_key"`
}

type WorkerConfig struct {
	Count int `toml:"count"`
}

type AuthConfig struct {
	InternalSecret   string `toml:"internal_secret"`
	SessionVerifyURL string `toml:"session_verify_url"`
}

type LLMConfig struct {
	APIKey            string                `toml:"api_key"`
	Model             string                `toml:"model"`
	MaxTokens         int                   `toml:"max_tokens"`
	Temperature       float64               `toml:"temperature"`
	TimeoutSeconds    int                   `toml:"timeout_seconds"`
	RequestsPerMinute int                   `toml:"requests_per_minute"`
	Pricing           map[string]ModelPrice `toml:"pricing"`
}

// ModelPrice is USD per million tokens. Cost is configuration, not logic.
type ModelPrice struct {
	InputPerMTok  float64 `toml:"input_per_mtok"`
	OutputPerMTok float64 `toml:"output_per_mtok"`
}

type PipelineConfig struct {
	DefaultMaxIterations    int `toml:"default_max_iterations"`
	DefaultQualityThreshold int `toml:"default_quality_threshold"`
	DefaultTargetWords      int `toml:"default_target_words"`
	MaxStageRetries         int `toml:"max_stage_retries"`
	RetryBackoffMillis      int `toml:"retry_backoff_millis"`
}

type CMSConfig struct {
	BaseURL  string `toml:"base_url"`
	APIToken string `toml:"api_token"`
}

type EnrichmentConfig struct {
	BaseURL  string `toml:"base_url"`
	APIToken string `toml:"api_token"`
}

type SchedulerConfig struct {
	Enabled  bool   `toml:"enabled"`
	Schedule string `toml:"schedule"`
}

// Load reads an optional TOML file, applies defaults, then applies
// environment overrides. Env always wins so deployments can keep the file
// checked in without secrets.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if cfg.Worker.Count <= 0 {
		cfg.Worker.Count = 4
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{Addr: ":8080"},
		Redis: RedisConfig{
			QueueKey:      "jobs:queue",
			ProcessingKey: "jobs:processing",
		},
		Worker: WorkerConfig{Count: 4},
		LLM: LLMConfig{
			Model:             "claude-sonnet-4-20250514",
			MaxTokens:         8192,
			Temperature:       0.7,
			TimeoutSeconds:    120,
			RequestsPerMinute: 30,
		},
		Pipeline: PipelineConfig{
			DefaultMaxIterations:    3,
			DefaultQualityThreshold: 7,
			DefaultTargetWords:      1500,
			MaxStageRetries:         3,
			RetryBackoffMillis:      2000,
		},
		Scheduler: SchedulerConfig{
			Enabled:  true,
			Schedule: "@every 1m",
		},
	}
}

func (c *Config) applyEnv() {
	setStr(&c.Server.Addr, "SERVER_ADDR")
	setStr(&c.Postgres.DSN, "POSTGRES_DSN")
	setStr(&c.Redis.Addr, "REDIS_ADDR")
	setStr(&c.Redis.QueueKey, "REDIS_QUEUE_KEY")
	setStr(&c.Redis.ProcessingKey, "REDIS_PROCESSING_KEY")
	setInt(&c.Worker.Count, "WORKERS")
	setStr(&c.Auth.InternalSecret, "INTERNAL_SECRET")
	setStr(&c.Auth.SessionVerifyURL, "SESSION_VERIFY_URL")
	setStr(&c.LLM.APIKey, "ANTHROPIC_API_KEY")
	setStr(&c.LLM.Model, "LLM_MODEL")
	setStr(&c.CMS.BaseURL, "CMS_BASE_URL")
	setStr(&c.CMS.APIToken, "CMS_API_TOKEN")
	setStr(&c.Enrichment.BaseURL, "ENRICHMENT_BASE_URL")
	setStr(&c.Enrichment.APIToken, "ENRICHMENT_API_TOKEN")
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			*dst = i
		}
	}
}

var dsnPassword = regexp.MustCompile(`://([^:/?#]+):([^@/]+)@`)

// RedactDSN masks the password in a connection string for logging.
func RedactDSN(dsn string) string {
	return dsnPassword.ReplaceAllString(dsn, `://$1:****@`)
}
