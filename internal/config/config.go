package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
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

	// Redis config
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// Chat transport (wuzapi gateway)
	WuzapiURL     string
	WuzapiToken   string
	WebhookURL    string // public URL the gateway posts events to
	WebhookSecret string

	// Outbound queue
	OutboundCapacity    int
	OutboundMaxAttempts int
	OutboundMinDelay    time.Duration
	OutboundMaxDelay    time.Duration
	OutboundRetryDelay  time.Duration

	// Notification sweep
	SweepInterval            time.Duration
	SweepBatchSize           int
	SweepRecoveryTimeout     time.Duration
	SweepConnectivityBackoff time.Duration

	// Conversation sessions
	SessionTTL     time.Duration
	SessionBackend string // memory or redis

	// AWS Services
	AWSRegion         string
	AWSEndpoint       string // localstack or other compatible endpoint
	SESFromEmail      string
	SNSRegion         string
	EventsSQSQueueURL string
	EventsSNSTopicARN string

	// Attachments
	AttachmentsS3Bucket string
	UploadDir           string

	// RabbitMQ delivery events
	AMQPURL   string
	AMQPQueue string

	PushGatewayURL string
	WebhookTimeout time.Duration

	// GenieACS
	GenieACSURL      string
	GenieACSUsername string
	GenieACSPassword string

	// Assistant
	OpenAIAPIKey string
	OpenAIModel  string

	// Business
	CompanyName   string
	AdminContact  string
	QRISImagePath string
}

// Load reads configuration from environment variables with sensible defaults.
// A .env file in the working directory is applied first; variables already set
// in the environment win.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		DBHost:    "localhost",
		DBPort:    5432,
		DBUser:    "kabar",
		DBName:    "kabar",
		DBSSLMode: "disable",

		RedisHost: "localhost",
		RedisPort: 6379,

		WuzapiURL: "http://localhost:8081",

		OutboundCapacity:    500,
		OutboundMaxAttempts: 3,
		OutboundMinDelay:    2 * time.Second,
		OutboundMaxDelay:    6 * time.Second,
		OutboundRetryDelay:  5 * time.Second,

		SweepInterval:            time.Minute,
		SweepBatchSize:           50,
		SweepRecoveryTimeout:     15 * time.Minute,
		SweepConnectivityBackoff: 5 * time.Minute,

		SessionTTL:     30 * time.Minute,
		SessionBackend: "memory",

		AWSRegion:    "ap-southeast-1",
		SESFromEmail: "noreply@kabar.local",

		UploadDir: "uploads",
		AMQPQueue: "kabar.delivery",

		WebhookTimeout: 30 * time.Second,

		OpenAIModel: "gpt-4o-mini",

		CompanyName: "Kabar Net",
	}

	p := parser{}

	p.int("PORT", &cfg.Port)
	p.str("LOG_LEVEL", &cfg.LogLevel)
	p.str("ENV", &cfg.Env)

	// Database config
	p.str("DB_HOST", &cfg.DBHost)
	p.int("DB_PORT", &cfg.DBPort)
	p.str("DB_USER", &cfg.DBUser)
	p.str("DB_PASSWORD", &cfg.DBPassword)
	p.str("DB_NAME", &cfg.DBName)
	p.str("DB_SSLMODE", &cfg.DBSSLMode)

	// Redis config
	p.str("REDIS_HOST", &cfg.RedisHost)
	p.int("REDIS_PORT", &cfg.RedisPort)
	p.str("REDIS_PASSWORD", &cfg.RedisPassword)
	p.int("REDIS_DB", &cfg.RedisDB)

	p.str("WUZAPI_URL", &cfg.WuzapiURL)
	p.str("WUZAPI_TOKEN", &cfg.WuzapiToken)
	p.str("WEBHOOK_URL", &cfg.WebhookURL)
	p.str("WEBHOOK_SECRET", &cfg.WebhookSecret)

	p.int("OUTBOUND_CAPACITY", &cfg.OutboundCapacity)
	p.int("OUTBOUND_MAX_ATTEMPTS", &cfg.OutboundMaxAttempts)
	p.duration("OUTBOUND_MIN_DELAY", &cfg.OutboundMinDelay)
	p.duration("OUTBOUND_MAX_DELAY", &cfg.OutboundMaxDelay)
	p.duration("OUTBOUND_RETRY_DELAY", &cfg.OutboundRetryDelay)

	p.duration("SWEEP_INTERVAL", &cfg.SweepInterval)
	p.int("SWEEP_BATCH_SIZE", &cfg.SweepBatchSize)
	p.duration("SWEEP_RECOVERY_TIMEOUT", &cfg.SweepRecoveryTimeout)
	p.duration("SWEEP_CONNECTIVITY_BACKOFF", &cfg.SweepConnectivityBackoff)

	p.duration("SESSION_TTL", &cfg.SessionTTL)
	p.str("SESSION_BACKEND", &cfg.SessionBackend)

	p.str("AWS_REGION", &cfg.AWSRegion)
	p.str("AWS_ENDPOINT_URL", &cfg.AWSEndpoint)
	p.str("SES_FROM_EMAIL", &cfg.SESFromEmail)
	cfg.SNSRegion = cfg.AWSRegion
	p.str("SNS_REGION", &cfg.SNSRegion)
	p.str("EVENTS_SQS_QUEUE_URL", &cfg.EventsSQSQueueURL)
	p.str("EVENTS_SNS_TOPIC_ARN", &cfg.EventsSNSTopicARN)

	p.str("ATTACHMENTS_S3_BUCKET", &cfg.AttachmentsS3Bucket)
	p.str("UPLOAD_DIR", &cfg.UploadDir)

	p.str("AMQP_URL", &cfg.AMQPURL)
	p.str("AMQP_QUEUE", &cfg.AMQPQueue)

	p.str("PUSH_GATEWAY_URL", &cfg.PushGatewayURL)
	p.duration("WEBHOOK_TIMEOUT", &cfg.WebhookTimeout)

	p.str("GENIEACS_URL", &cfg.GenieACSURL)
	p.str("GENIEACS_USERNAME", &cfg.GenieACSUsername)
	p.str("GENIEACS_PASSWORD", &cfg.GenieACSPassword)

	p.str("OPENAI_API_KEY", &cfg.OpenAIAPIKey)
	p.str("OPENAI_MODEL", &cfg.OpenAIModel)

	p.str("COMPANY_NAME", &cfg.CompanyName)
	p.str("ADMIN_CONTACT", &cfg.AdminContact)
	p.str("QRIS_IMAGE_PATH", &cfg.QRISImagePath)

	if p.err != nil {
		return nil, p.err
	}

	switch cfg.SessionBackend {
	case "memory", "redis":
	default:
		return nil, fmt.Errorf("invalid SESSION_BACKEND %q: want memory or redis", cfg.SessionBackend)
	}
	if cfg.OutboundMinDelay > cfg.OutboundMaxDelay {
		return nil, fmt.Errorf("OUTBOUND_MIN_DELAY %s exceeds OUTBOUND_MAX_DELAY %s", cfg.OutboundMinDelay, cfg.OutboundMaxDelay)
	}

	return cfg, nil
}

// AIEnabled reports whether an OpenAI key is configured.
func (c *Config) AIEnabled() bool {
	return c.OpenAIAPIKey != ""
}

// IsDevelopment is true for local runs.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// parser keeps the first parse error so Load can read every variable in one pass.
type parser struct {
	err error
}

func (p *parser) str(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func (p *parser) int(key string, dst *int) {
	v := os.Getenv(key)
	if v == "" || p.err != nil {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.err = fmt.Errorf("invalid %s: %w", key, err)
		return
	}
	*dst = n
}

func (p *parser) duration(key string, dst *time.Duration) {
	v := os.Getenv(key)
	if v == "" || p.err != nil {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.err = fmt.Errorf("invalid %s: %w", key, err)
		return
	}
	*dst = d
}
