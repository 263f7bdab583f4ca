package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr string

	DBDSN          string
	JWTSecret      string
	CredentialsKey string

	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// AI providers
	OpenRouterBaseURL        string
	OpenRouterAPIKey         string
	OpenRouterModel          string
	OpenRouterReasoningModel string
	OpenRouterSiteURL        string
	OpenRouterAppName        string
	OllamaBaseURL            string
	OllamaModel              string
	OpenAIBaseURL            string
	OpenAIAPIKey             string
	OpenAIModel              string

	// turn limits
	TurnMaxSteps    int
	TurnTimeout     time.Duration
	ToolTimeout     time.Duration
	ToolConcurrency int
	TitleTimeout    time.Duration
	StreamTTL       time.Duration
	ChatLockTTL     time.Duration
	ChatLockWait    time.Duration
	TokenTTL        time.Duration

	Tiers Tiers

	// rabbitMQ
	RabbitURL         string
	RabbitTitleQueue  string
	WorkerConcurrency int
}

// Tier holds the daily and per-minute message caps of one entitlement tier.
type Tier struct {
	DailyMessages  int
	MinuteMessages int
}

type Tiers struct {
	Guest   Tier
	Regular Tier
	BYOK    Tier
}

func Load() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file loaded, relying on environment", "err", err)
	}

	// DSN demo：
	// app:apppass@tcp(127.0.0.1:3306)/turn_gateway?charset=utf8mb4&parseTime=true&loc=Local
	// sqlite:turn_gateway.db
	dsn := getEnv("DB_DSN", "sqlite:turn_gateway.db")

	return Config{
		HTTPAddr: getEnv("HTTP_ADDR", ":8080"),

		DBDSN:          dsn,
		JWTSecret:      getEnv("JWT_SECRET", "dev-secret-change-me"),
		CredentialsKey: os.Getenv("CREDENTIALS_KEY"),

		RedisEnabled:  getEnvBool("REDIS_ENABLED", os.Getenv("REDIS_ADDR") != ""),
		RedisAddr:     getEnv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		OpenRouterBaseURL:        getEnv("OPENROUTER_BASE_URL", "https://openrouter.ai/api/v1"),
		OpenRouterAPIKey:         os.Getenv("OPENROUTER_API_KEY"),
		OpenRouterModel:          getEnv("OPENROUTER_MODEL", "openrouter/auto"),
		OpenRouterReasoningModel: getEnv("OPENROUTER_REASONING_MODEL", "deepseek/deepseek-r1"),
		OpenRouterSiteURL:        os.Getenv("OPENROUTER_SITE_URL"),
		OpenRouterAppName:        os.Getenv("OPENROUTER_APP_NAME"),
		OllamaBaseURL:            getEnv("OLLAMA_BASE_URL", "http://localhost:11434"),
		OllamaModel:              getEnv("OLLAMA_MODEL", "llama3.1:latest"),
		OpenAIBaseURL:            os.Getenv("OPENAI_BASE_URL"),
		OpenAIAPIKey:             os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:              getEnv("OPENAI_MODEL", "gpt-4o-mini"),

		TurnMaxSteps:    getEnvInt("TURN_MAX_STEPS", 8),
		TurnTimeout:     getEnvDuration("TURN_TIMEOUT", 5*time.Minute),
		ToolTimeout:     getEnvDuration("TOOL_TIMEOUT", 30*time.Second),
		ToolConcurrency: getEnvInt("TOOL_CONCURRENCY", 4),
		TitleTimeout:    getEnvDuration("TITLE_TIMEOUT", 20*time.Second),
		StreamTTL:       getEnvDuration("STREAM_TTL", time.Hour),
		ChatLockTTL:     getEnvDuration("CHAT_LOCK_TTL", 30*time.Second),
		ChatLockWait:    getEnvDuration("CHAT_LOCK_WAIT", 5*time.Second),
		TokenTTL:        getEnvDuration("TOKEN_TTL", 30*24*time.Hour),

		Tiers: Tiers{
			Guest: Tier{
				DailyMessages:  getEnvInt("GUEST_DAILY_MESSAGES", 20),
				MinuteMessages: getEnvInt("GUEST_MINUTE_MESSAGES", 5),
			},
			Regular: Tier{
				DailyMessages:  getEnvInt("REGULAR_DAILY_MESSAGES", 100),
				MinuteMessages: getEnvInt("REGULAR_MINUTE_MESSAGES", 10),
			},
			BYOK: Tier{
				DailyMessages:  getEnvInt("BYOK_DAILY_MESSAGES", 1000),
				MinuteMessages: getEnvInt("BYOK_MINUTE_MESSAGES", 20),
			},
		},

		RabbitURL:         os.Getenv("RABBIT_URL"),
		RabbitTitleQueue:  getEnv("RABBIT_TITLE_QUEUE", "title_jobs"),
		WorkerConcurrency: getEnvInt("WORKER_CONCURRENCY", 2),
	}
}

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
