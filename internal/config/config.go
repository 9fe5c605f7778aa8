package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis (event dedupe + API idempotency + API rate limiting)
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// AWS
	AWSRegion    string
	SESFromEmail string
	SESFromName  string

	// Notification queue (SES -> SNS -> SQS)
	SQSRegion            string
	SQSQueueURL          string
	SQSVisibilityTimeout int // seconds; must exceed worst-case reconciliation latency
	SQSPollBatchSize     int
	SNSTopicARN          string // replay tool target

	// Segment scheduling
	SegmentSize         int
	SegmentInterval     time.Duration // fixed inter-segment delay
	SegmentMaxRetries   int           // consecutive failed segment runs before the campaign fails
	SegmentErrorRatePct int           // % of permanently failed recipients that fails a campaign
	SchedulerPoll       time.Duration

	// Pipeline
	PipelinePoll    time.Duration
	StoreRetryMax   int
	StoreRetryDelay time.Duration

	// Token-bucket rate limiter, per class
	SendCapacity         float64
	SendRefillPerSec     float64
	CriticalCapacity     float64
	CriticalRefillPerSec float64
	InfoCapacity         float64
	InfoRefillPerSec     float64
	AcquireMaxWait       time.Duration

	// HTTP API rate limiting (sliding window, Redis-backed)
	APIRateLimit       int
	APIRateLimitWindow time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
// The returned struct is never mutated after load; every component receives
// its slice of it at construction.
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "bulkemail",
		DBPassword: "",
		DBName:     "bulkemail",
		DBSSLMode:  "disable",

		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,

		AWSRegion:    "us-east-1",
		SESFromEmail: "noreply@bulkemail.local",
		SESFromName:  "Bulk Email",

		SQSVisibilityTimeout: 60,
		SQSPollBatchSize:     10,

		SegmentSize:         50,
		SegmentInterval:     15 * time.Minute,
		SegmentMaxRetries:   3,
		SegmentErrorRatePct: 50,
		SchedulerPoll:       10 * time.Second,

		PipelinePoll:    5 * time.Second,
		StoreRetryMax:   3,
		StoreRetryDelay: 500 * time.Millisecond,

		// The critical bucket is sized so bounce/complaint events are
		// effectively never throttled; the informational bucket is the
		// actual backpressure for delivery floods.
		SendCapacity:         14,
		SendRefillPerSec:     14,
		CriticalCapacity:     1000,
		CriticalRefillPerSec: 100,
		InfoCapacity:         50,
		InfoRefillPerSec:     10,
		AcquireMaxWait:       5 * time.Second,

		APIRateLimit:       100,
		APIRateLimitWindow: 1 * time.Minute,
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = p
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	// Database config
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	var err error
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

	// Redis config
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

	// AWS config
	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}

	if from := os.Getenv("SES_FROM_EMAIL"); from != "" {
		cfg.SESFromEmail = from
	}

	if name := os.Getenv("SES_FROM_NAME"); name != "" {
		cfg.SESFromName = name
	}

	// Notification queue config
	if region := os.Getenv("SQS_REGION"); region != "" {
		cfg.SQSRegion = region
	} else {
		cfg.SQSRegion = cfg.AWSRegion
	}

	if url := os.Getenv("SQS_QUEUE_URL"); url != "" {
		cfg.SQSQueueURL = url
	}

	if arn := os.Getenv("SNS_TOPIC_ARN"); arn != "" {
		cfg.SNSTopicARN = arn
	}

	if cfg.SQSVisibilityTimeout, err = intEnv("SQS_VISIBILITY_TIMEOUT", cfg.SQSVisibilityTimeout); err != nil {
		return nil, err
	}

	if cfg.SQSPollBatchSize, err = intEnv("SQS_POLL_BATCH_SIZE", cfg.SQSPollBatchSize); err != nil {
		return nil, err
	}

	// Segment scheduling config
	if cfg.SegmentSize, err = intEnv("SEGMENT_SIZE", cfg.SegmentSize); err != nil {
		return nil, err
	}

	if cfg.SegmentInterval, err = durationEnv("SEGMENT_INTERVAL", cfg.SegmentInterval); err != nil {
		return nil, err
	}

	if cfg.SegmentMaxRetries, err = intEnv("SEGMENT_MAX_RETRIES", cfg.SegmentMaxRetries); err != nil {
		return nil, err
	}

	if cfg.SegmentErrorRatePct, err = intEnv("SEGMENT_ERROR_RATE_PCT", cfg.SegmentErrorRatePct); err != nil {
		return nil, err
	}

	if cfg.SchedulerPoll, err = durationEnv("SCHEDULER_POLL_INTERVAL", cfg.SchedulerPoll); err != nil {
		return nil, err
	}

	// Pipeline config
	if cfg.PipelinePoll, err = durationEnv("PIPELINE_POLL_INTERVAL", cfg.PipelinePoll); err != nil {
		return nil, err
	}

	if cfg.StoreRetryMax, err = intEnv("STORE_RETRY_MAX", cfg.StoreRetryMax); err != nil {
		return nil, err
	}

	if cfg.StoreRetryDelay, err = durationEnv("STORE_RETRY_DELAY", cfg.StoreRetryDelay); err != nil {
		return nil, err
	}

	// Rate limiter config
	if cfg.SendCapacity, err = floatEnv("RATE_SEND_CAPACITY", cfg.SendCapacity); err != nil {
		return nil, err
	}

	if cfg.SendRefillPerSec, err = floatEnv("RATE_SEND_REFILL_PER_SEC", cfg.SendRefillPerSec); err != nil {
		return nil, err
	}

	if cfg.CriticalCapacity, err = floatEnv("RATE_CRITICAL_CAPACITY", cfg.CriticalCapacity); err != nil {
		return nil, err
	}

	if cfg.CriticalRefillPerSec, err = floatEnv("RATE_CRITICAL_REFILL_PER_SEC", cfg.CriticalRefillPerSec); err != nil {
		return nil, err
	}

	if cfg.InfoCapacity, err = floatEnv("RATE_INFO_CAPACITY", cfg.InfoCapacity); err != nil {
		return nil, err
	}

	if cfg.InfoRefillPerSec, err = floatEnv("RATE_INFO_REFILL_PER_SEC", cfg.InfoRefillPerSec); err != nil {
		return nil, err
	}

	if cfg.AcquireMaxWait, err = durationEnv("RATE_ACQUIRE_MAX_WAIT", cfg.AcquireMaxWait); err != nil {
		return nil, err
	}

	if cfg.APIRateLimit, err = intEnv("API_RATE_LIMIT", cfg.APIRateLimit); err != nil {
		return nil, err
	}

	if cfg.APIRateLimitWindow, err = durationEnv("API_RATE_LIMIT_WINDOW", cfg.APIRateLimitWindow); err != nil {
		return nil, err
	}

	return cfg, nil
}

func intEnv(name string, def int) (int, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return v, nil
}

func floatEnv(name string, def float64) (float64, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return v, nil
}

func durationEnv(name string, def time.Duration) (time.Duration, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return def, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return v, nil
}
