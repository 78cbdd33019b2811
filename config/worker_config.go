package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Scoring queue backends
const (
	QueueRedis = "redis"
	QueueAMQP  = "amqp"
	QueueNone  = "none"
)

// generateWorkerID creates a unique worker ID using hostname and PID
func generateWorkerID() string {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "worker"
	}
	return fmt.Sprintf("%s-%d", hostname, os.Getpid())
}

type Config struct {
	Port        string
	Environment string
	LogLevel    string

	// Database
	DatabaseURL string
	DBMaxConns  int
	RedisURL    string
	MongoDBURL  string
	MongoDBName string
	AMQPURL     string

	// Scoring queue: redis | amqp | none
	ScoringQueue string

	// OAuth - Google
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string
	GoogleProjectID    string
	GmailPushTopic     string

	// Push authentication (둘 다 비어있으면 검증 생략)
	PushAudience    string
	PushVerifyToken string

	// Operator API (비어있으면 비활성화)
	OperatorToken string

	// Push 엔드포인트 rate limit (per source IP)
	PushRateLimit  int
	PushRateWindow time.Duration

	// HTTP
	BodyLimit      int
	AllowedOrigins []string

	// OpenAI
	OpenAIAPIKey   string
	LLMModel       string
	LLMMaxTokens   int
	LLMTemperature float64
	LLMTimeoutSec  int

	// Storage: gridfs | local
	StorageBackend  string
	StorageLocalDir string

	// Token encryption
	EncryptionKey string

	// Pipeline
	ImportConfidenceThreshold int
	PrefilterAutoClassify     bool
	MinExtractionConfidence   float64
	PollPageSize              int64
	RecordRetentionDays       int

	// Scheduler (robfig/cron spec)
	SchedulerEnabled     bool
	PollSchedule         string
	TokenRefreshSchedule string
	WatchRenewSchedule   string
	CleanupSchedule      string
	WatchRenewWindow     time.Duration

	// Worker
	WorkerID        string
	WorkerMax       int
	WorkerQueueSize int
	SyncConcurrency int
	SyncTimeout     time.Duration

	// Consumer (Redis Stream)
	ConsumerMaxRetries      int
	ConsumerPendingCheckSec int
}

func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENV", "development"),
		LogLevel:    getEnv("LOG_LEVEL", ""),

		// Database
		DatabaseURL: getEnv("DATABASE_URL", ""),
		DBMaxConns:  getEnvInt("DB_MAX_CONNS", 25),
		RedisURL:    getEnv("REDIS_URL", ""),
		MongoDBURL:  getEnv("MONGODB_URL", ""),
		MongoDBName: getEnv("MONGODB_DATABASE", "intake"),
		AMQPURL:     getEnv("AMQP_URL", ""),

		ScoringQueue: strings.ToLower(getEnv("SCORING_QUEUE", QueueRedis)),

		// OAuth - Google
		GoogleClientID:     getEnv("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret: getEnv("GOOGLE_CLIENT_SECRET", ""),
		GoogleRedirectURL:  getEnv("GOOGLE_REDIRECT_URL", ""),
		GoogleProjectID:    getEnv("GOOGLE_PROJECT_ID", ""),
		GmailPushTopic:     getEnv("GMAIL_PUSH_TOPIC", ""),

		PushAudience:    getEnv("PUSH_AUDIENCE", ""),
		PushVerifyToken: getEnv("PUSH_VERIFY_TOKEN", ""),

		OperatorToken: getEnv("OPERATOR_TOKEN", ""),

		PushRateLimit:  getEnvInt("PUSH_RATE_LIMIT", 600),
		PushRateWindow: getEnvDuration("PUSH_RATE_WINDOW", time.Minute),

		BodyLimit:      getEnvInt("BODY_LIMIT", 4*1024*1024),
		AllowedOrigins: getEnvSlice("ALLOWED_ORIGINS", nil),

		// OpenAI
		OpenAIAPIKey:   getEnv("OPENAI_API_KEY", ""),
		LLMModel:       getEnv("LLM_MODEL", "gpt-4o-mini"),
		LLMMaxTokens:   getEnvInt("LLM_MAX_TOKENS", 2048),
		LLMTemperature: getEnvFloat("LLM_TEMPERATURE", 0.2),
		LLMTimeoutSec:  getEnvInt("LLM_TIMEOUT_SEC", 60),

		StorageBackend:  strings.ToLower(getEnv("STORAGE_BACKEND", "gridfs")),
		StorageLocalDir: getEnv("STORAGE_LOCAL_DIR", "./uploads"),

		EncryptionKey: getEnv("ENCRYPTION_KEY", ""),

		// Pipeline
		ImportConfidenceThreshold: getEnvInt("IMPORT_CONFIDENCE_THRESHOLD", 80),
		PrefilterAutoClassify:     getEnvBool("PREFILTER_AUTO_CLASSIFY", true),
		MinExtractionConfidence:   getEnvFloat("MIN_EXTRACTION_CONFIDENCE", 0.3),
		PollPageSize:              int64(getEnvInt("POLL_PAGE_SIZE", 25)),
		RecordRetentionDays:       getEnvInt("RECORD_RETENTION_DAYS", 90),

		// Scheduler
		SchedulerEnabled:     getEnvBool("SCHEDULER_ENABLED", true),
		PollSchedule:         getEnv("POLL_SCHEDULE", "@every 2m"),
		TokenRefreshSchedule: getEnv("TOKEN_REFRESH_SCHEDULE", "@every 30m"),
		WatchRenewSchedule:   getEnv("WATCH_RENEW_SCHEDULE", "@every 6h"),
		CleanupSchedule:      getEnv("CLEANUP_SCHEDULE", "@daily"),
		WatchRenewWindow:     getEnvDuration("WATCH_RENEW_WINDOW", 48*time.Hour),

		// Worker
		WorkerID:        getEnv("WORKER_ID", generateWorkerID()),
		WorkerMax:       getEnvInt("WORKER_MAX", 16),
		WorkerQueueSize: getEnvInt("WORKER_QUEUE_SIZE", 1000),
		SyncConcurrency: getEnvInt("SYNC_CONCURRENCY", 4),
		SyncTimeout:     getEnvDuration("SYNC_TIMEOUT", 2*time.Minute),

		// Consumer
		ConsumerMaxRetries:      getEnvInt("CONSUMER_MAX_RETRIES", 3),
		ConsumerPendingCheckSec: getEnvInt("CONSUMER_PENDING_CHECK_SEC", 30),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	cfg.ScoringQueue = cfg.resolveQueue()
	return cfg, nil
}

// resolveQueue falls back to inline scoring when the selected broker is not configured.
func (c *Config) resolveQueue() string {
	switch c.ScoringQueue {
	case QueueRedis:
		if c.RedisURL == "" {
			return QueueNone
		}
	case QueueAMQP:
		if c.AMQPURL == "" {
			return QueueNone
		}
	default:
		return QueueNone
	}
	return c.ScoringQueue
}

// PushTopic returns the Pub/Sub topic Gmail publishes to.
func (c *Config) PushTopic() string {
	if c.GmailPushTopic != "" {
		return c.GmailPushTopic
	}
	return fmt.Sprintf("projects/%s/topics/gmail-push", c.GoogleProjectID)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, v := range strings.Split(value, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
