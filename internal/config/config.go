package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store backends.
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Sender backends for the sms and email channels.
const (
	SenderLog = "log"
	SenderSNS = "sns"
	SenderSES = "ses"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Store selects the campaign store: postgres or memory.
	Store string

	// Database
	DatabaseURL string
	DBHost      string
	DBPort      int
	DBUser      string
	DBPassword  string
	DBName      string
	DBSSLMode   string

	MigrationsDir string

	// Redis config. Redis is optional; without it the rate limiter is
	// process-local and Idempotency-Key is ignored.
	RedisURL      string
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// AWS Services
	AWSRegion    string
	AWSEndpoint  string // optional, e.g. LocalStack
	SESFromEmail string
	SNSRegion    string // AWS region for SNS (SMS)

	SMSSender   string // sns or log
	EmailSender string // ses or log

	// WhatsApp HTTP provider. An empty URL logs messages instead of sending.
	ProviderURL      string
	ProviderAPIKey   string
	ProviderInstance string
	ProviderTimeout  time.Duration
	ProviderRPS      float64

	BreakerMaxFailures int
	BreakerRecovery    time.Duration

	// Dispatch runner
	RunnerOwner        string
	RunnerPollInterval time.Duration
	RunnerLeaseTTL     time.Duration

	// Lifecycle events
	EventsSQSQueueURL string
	EventsSNSTopicARN string

	CORSAllowedOrigins []string

	// APIRateLimit is requests per minute per tenant; 0 disables it.
	APIRateLimit int
}

// Load reads configuration from environment variables with sensible defaults.
// A .env file in the working directory is loaded first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",
		Store:    StorePostgres,

		// Local postgres defaults
		DBHost:    "localhost",
		DBPort:    5432,
		DBUser:    "courier",
		DBName:    "courier",
		DBSSLMode: "disable",

		MigrationsDir: "migrations",

		RedisHost: "localhost",
		RedisPort: 6379,

		AWSRegion:    "us-east-1",
		SESFromEmail: "noreply@courier.local",
		SMSSender:    SenderLog,
		EmailSender:  SenderLog,

		ProviderInstance: "default",
		ProviderTimeout:  15 * time.Second,
		ProviderRPS:      20,

		BreakerMaxFailures: 5,
		BreakerRecovery:    30 * time.Second,

		RunnerPollInterval: 5 * time.Second,
		RunnerLeaseTTL:     30 * time.Second,

		CORSAllowedOrigins: []string{"*"},
		APIRateLimit:       100,
	}

	var err error

	if cfg.Port, err = intEnv("PORT", cfg.Port); err != nil {
		return nil, err
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	if store := os.Getenv("STORE"); store != "" {
		cfg.Store = strings.ToLower(store)
	}
	if cfg.Store != StorePostgres && cfg.Store != StoreMemory {
		return nil, fmt.Errorf("invalid STORE %q: must be postgres or memory", cfg.Store)
	}

	// Database config
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")

	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if cfg.DBPort, err = intEnv("DB_PORT", cfg.DBPort); err != nil {
		return nil, err
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}

	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}

	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	if dir := os.Getenv("MIGRATIONS_DIR"); dir != "" {
		cfg.MigrationsDir = dir
	}

	// Redis config
	cfg.RedisURL = os.Getenv("REDIS_URL")

	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}

	if cfg.RedisPort, err = intEnv("REDIS_PORT", cfg.RedisPort); err != nil {
		return nil, err
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if cfg.RedisDB, err = intEnv("REDIS_DB", cfg.RedisDB); err != nil {
		return nil, err
	}

	// AWS
	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}

	cfg.AWSEndpoint = os.Getenv("AWS_ENDPOINT")

	if from := os.Getenv("SES_FROM_EMAIL"); from != "" {
		cfg.SESFromEmail = from
	}

	if region := os.Getenv("SNS_REGION"); region != "" {
		cfg.SNSRegion = region
	} else {
		cfg.SNSRegion = cfg.AWSRegion
	}

	if s := os.Getenv("SMS_SENDER"); s != "" {
		cfg.SMSSender = strings.ToLower(s)
	}
	if cfg.SMSSender != SenderSNS && cfg.SMSSender != SenderLog {
		return nil, fmt.Errorf("invalid SMS_SENDER %q: must be sns or log", cfg.SMSSender)
	}

	if s := os.Getenv("EMAIL_SENDER"); s != "" {
		cfg.EmailSender = strings.ToLower(s)
	}
	if cfg.EmailSender != SenderSES && cfg.EmailSender != SenderLog {
		return nil, fmt.Errorf("invalid EMAIL_SENDER %q: must be ses or log", cfg.EmailSender)
	}

	// WhatsApp provider
	cfg.ProviderURL = os.Getenv("PROVIDER_URL")
	cfg.ProviderAPIKey = os.Getenv("PROVIDER_API_KEY")

	if instance := os.Getenv("PROVIDER_INSTANCE"); instance != "" {
		cfg.ProviderInstance = instance
	}

	if cfg.ProviderTimeout, err = durationEnv("PROVIDER_TIMEOUT", cfg.ProviderTimeout); err != nil {
		return nil, err
	}

	if rps := os.Getenv("PROVIDER_RPS"); rps != "" {
		v, err := strconv.ParseFloat(rps, 64)
		if err != nil || v < 0 {
			return nil, fmt.Errorf("invalid PROVIDER_RPS: %q", rps)
		}
		cfg.ProviderRPS = v
	}

	if cfg.BreakerMaxFailures, err = intEnv("BREAKER_MAX_FAILURES", cfg.BreakerMaxFailures); err != nil {
		return nil, err
	}

	if cfg.BreakerRecovery, err = durationEnv("BREAKER_RECOVERY", cfg.BreakerRecovery); err != nil {
		return nil, err
	}

	// Runner
	cfg.RunnerOwner = os.Getenv("RUNNER_OWNER")

	if cfg.RunnerPollInterval, err = durationEnv("RUNNER_POLL_INTERVAL", cfg.RunnerPollInterval); err != nil {
		return nil, err
	}

	if cfg.RunnerLeaseTTL, err = durationEnv("RUNNER_LEASE_TTL", cfg.RunnerLeaseTTL); err != nil {
		return nil, err
	}

	// Events
	cfg.EventsSQSQueueURL = os.Getenv("EVENTS_SQS_QUEUE_URL")
	cfg.EventsSNSTopicARN = os.Getenv("EVENTS_SNS_TOPIC_ARN")

	if origins := os.Getenv("CORS_ALLOWED_ORIGINS"); origins != "" {
		cfg.CORSAllowedOrigins = splitList(origins)
	}

	if cfg.APIRateLimit, err = intEnv("API_RATE_LIMIT", cfg.APIRateLimit); err != nil {
		return nil, err
	}

	return cfg, nil
}

func intEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

// durationEnv accepts Go durations ("45s", "2m") or a bare number of seconds.
func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
