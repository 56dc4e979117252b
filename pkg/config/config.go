package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/alim08/fin_advisor/pkg/validation"
)

// Weights is the per-kind interaction weight table.
type Weights struct {
	InvestedIn   float64 `yaml:"invested_in" validate:"gt=0"`
	Researched   float64 `yaml:"researched" validate:"gt=0"`
	InterestedIn float64 `yaml:"interested_in" validate:"gt=0"`
}

// Recommend tunes the recommendation engine.
type Recommend struct {
	Weights       Weights       `yaml:"weights"`
	Neighbors     int           `yaml:"neighbors" validate:"min=1,max=100"`
	Limit         int           `yaml:"limit" validate:"min=1,max=50"`
	SimilarityTTL time.Duration `yaml:"similarity_ttl" validate:"gt=0"`
}

// Chat tunes the turn pipeline.
type Chat struct {
	GatherDeadline time.Duration `yaml:"gather_deadline" validate:"gt=0"`
	HistoryLimit   int           `yaml:"history_limit" validate:"min=1,max=100"`
	MaxPending     int           `yaml:"max_pending" validate:"min=1"`
	ReporterQueue  int           `yaml:"reporter_queue" validate:"min=1"`
}

// Quotes tunes the quote cache and its upstream.
type Quotes struct {
	SourceURL    string        `yaml:"source_url"`
	APIKey       string        `yaml:"-"`
	TTL          time.Duration `yaml:"ttl" validate:"gt=0"`
	Capacity     int           `yaml:"capacity" validate:"min=1"`
	FetchTimeout time.Duration `yaml:"fetch_timeout" validate:"gt=0"`
}

// AI configures the language-model client.
type AI struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"-"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout" validate:"gt=0"`
}

type Config struct {
	HTTPPort     int      `yaml:"port" validate:"min=1,max=65535"`
	RedisURL     string   `yaml:"redis_url"`
	MongoURL     string   `yaml:"mongo_url"`
	MongoDB      string   `yaml:"mongo_db"`
	Neo4jURI     string   `yaml:"neo4j_uri"`
	Neo4jUser    string   `yaml:"neo4j_user"`
	Neo4jPass    string   `yaml:"-"`
	UsePostgres  bool     `yaml:"use_postgres"`
	JWTSecret    string   `yaml:"-"`
	OTLPEndpoint string   `yaml:"otlp_endpoint"`
	AllowOrigins []string `yaml:"allow_origins"`

	Recommend Recommend `yaml:"recommend"`
	Chat      Chat      `yaml:"chat"`
	Quotes    Quotes    `yaml:"quotes"`
	AI        AI        `yaml:"ai"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		HTTPPort:     8080,
		MongoDB:      "fin_advisor",
		AllowOrigins: []string{"http://localhost:3000"},
		Recommend: Recommend{
			Weights:       Weights{InvestedIn: 3, Researched: 2, InterestedIn: 1},
			Neighbors:     10,
			Limit:         5,
			SimilarityTTL: 24 * time.Hour,
		},
		Chat: Chat{
			GatherDeadline: 2 * time.Second,
			HistoryLimit:   10,
			MaxPending:     32,
			ReporterQueue:  1024,
		},
		Quotes: Quotes{
			TTL:          60 * time.Second,
			Capacity:     5000,
			FetchTimeout: 3 * time.Second,
		},
		AI: AI{
			BaseURL: "https://api.openai.com/v1",
			Model:   "gpt-4o-mini",
			Timeout: 15 * time.Second,
		},
	}
}

// Load reads the optional YAML file, then environment variables and
// application flags (via a local FlagSet), strips out any -test.* flags,
// and validates the result.
func Load() (*Config, error) {
	return load(os.Args[1:])
}

func load(args []string) (*Config, error) {
	// 1. Build a fresh FlagSet so we don't collide with `go test` flags
	fs := flag.NewFlagSet("config", flag.ContinueOnError)

	// 2. Define only the flags this package cares about
	var (
		file     string
		port     int
		redisURL string
	)
	fs.StringVar(&file, "config", os.Getenv("CONFIG_FILE"), "Path to YAML config file")
	fs.IntVar(&port, "port", 0, "HTTP listen port")
	fs.StringVar(&redisURL, "redis", "", "Redis connection URL")

	// 3. Filter out any -test.* args before parsing
	var appArgs []string
	for _, arg := range args {
		if strings.HasPrefix(arg, "-test.") {
			continue
		}
		appArgs = append(appArgs, arg)
	}
	if err := fs.Parse(appArgs); err != nil {
		return nil, err
	}

	// 4. Defaults, then file, then env, then flags
	cfg := Default()
	if file != "" {
		if err := cfg.loadFile(file); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if port != 0 {
		cfg.HTTPPort = port
	}
	if redisURL != "" {
		cfg.RedisURL = redisURL
	}

	// 5. Validate
	if errs := validation.ValidateStruct(cfg); len(errs) > 0 {
		return nil, fmt.Errorf("invalid config: %w", errs)
	}
	if cfg.Neo4jURI != "" && cfg.Neo4jUser == "" {
		return nil, fmt.Errorf("missing required config: NEO4J_USER when NEO4J_URI is set")
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	if portEnv := os.Getenv("PORT"); portEnv != "" {
		portVal, err := strconv.Atoi(portEnv)
		if err != nil {
			return fmt.Errorf("invalid PORT env var: %v", err)
		}
		c.HTTPPort = portVal
	}

	c.RedisURL = getEnvOrDefault("REDIS_URL", c.RedisURL)
	c.MongoURL = getEnvOrDefault("MONGO_URL", c.MongoURL)
	c.MongoDB = getEnvOrDefault("MONGO_DB", c.MongoDB)
	c.Neo4jURI = getEnvOrDefault("NEO4J_URI", c.Neo4jURI)
	c.Neo4jUser = getEnvOrDefault("NEO4J_USER", c.Neo4jUser)
	c.Neo4jPass = getEnvOrDefault("NEO4J_PASSWORD", c.Neo4jPass)
	c.JWTSecret = getEnvOrDefault("JWT_SECRET", c.JWTSecret)
	c.OTLPEndpoint = getEnvOrDefault("OTEL_EXPORTER_OTLP_ENDPOINT", c.OTLPEndpoint)
	if env := os.Getenv("ALLOW_ORIGINS"); env != "" {
		c.AllowOrigins = splitAndTrim(env, ",")
	}
	if os.Getenv("DB_HOST") != "" {
		c.UsePostgres = true
	}

	c.Quotes.SourceURL = getEnvOrDefault("QUOTE_API_URL", c.Quotes.SourceURL)
	c.Quotes.APIKey = getEnvOrDefault("QUOTE_API_KEY", c.Quotes.APIKey)
	c.Quotes.TTL = getDurationEnvOrDefault("QUOTE_TTL", c.Quotes.TTL)
	c.Quotes.Capacity = getIntEnvOrDefault("QUOTE_CACHE_SIZE", c.Quotes.Capacity)

	c.AI.BaseURL = getEnvOrDefault("AI_BASE_URL", c.AI.BaseURL)
	c.AI.APIKey = getEnvOrDefault("AI_API_KEY", c.AI.APIKey)
	c.AI.Model = getEnvOrDefault("AI_MODEL", c.AI.Model)
	c.AI.Timeout = getDurationEnvOrDefault("AI_TIMEOUT", c.AI.Timeout)

	c.Chat.GatherDeadline = getDurationEnvOrDefault("CHAT_GATHER_DEADLINE", c.Chat.GatherDeadline)
	c.Chat.HistoryLimit = getIntEnvOrDefault("CHAT_HISTORY_LIMIT", c.Chat.HistoryLimit)
	c.Chat.MaxPending = getIntEnvOrDefault("CHAT_MAX_PENDING", c.Chat.MaxPending)

	c.Recommend.Neighbors = getIntEnvOrDefault("RECOMMEND_NEIGHBORS", c.Recommend.Neighbors)
	c.Recommend.SimilarityTTL = getDurationEnvOrDefault("SIMILARITY_TTL", c.Recommend.SimilarityTTL)
	return nil
}

// splitAndTrim splits s on sep, trims spaces, and drops empty entries.
func splitAndTrim(s, sep string) []string {
	parts := []string{}
	for _, p := range strings.Split(s, sep) {
		if t := strings.TrimSpace(p); t != "" {
			parts = append(parts, t)
		}
	}
	return parts
}

// getEnvOrDefault returns environment variable value or default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getIntEnvOrDefault returns environment variable as int or default
func getIntEnvOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

// getDurationEnvOrDefault returns environment variable as duration or default
func getDurationEnvOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
