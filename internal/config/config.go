package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
	_ "time/tzdata" // zones resolve on hosts without a zoneinfo database

	"github.com/joho/godotenv"
)

// Mail transports understood by MAIL_TRANSPORT.
const (
	TransportSMTP = "smtp"
	TransportSES  = "ses"
	TransportSQS  = "sqs"
	TransportLog  = "log"
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

	// Mail
	MailTransport      string
	MailRelayTransport string // what cmd/mailrelay drains the queue into

	SMTPHost               string
	SMTPPort               int
	SMTPUsername           string
	SMTPPassword           string
	SMTPFrom               string
	SMTPInsecureSkipVerify bool // accept invalid certificates from the SMTP relay

	// AWS Services
	AWSRegion            string
	SESFromEmail         string
	SQSRegion            string
	SQSMailQueueURL      string
	SNSRegion            string
	SNSLifecycleTopicARN string

	// Time zones
	CalendarTimezone *time.Location // calendar-day math for reminder windows
	DisplayTimezone  *time.Location // dates rendered in emails

	// Scheduler
	EventReminderInterval time.Duration
	PromoReminderInterval time.Duration
	ReconcileInterval     time.Duration
	RunOnStart            bool
	JobTimeout            time.Duration
	OperationTimeout      time.Duration

	// Reminder delivery
	ReminderBatchSize       int
	ReminderConcurrency     int
	ReminderClaimLease      time.Duration
	ReminderRefreshSnapshot bool
	RetryMaxAttempts        int           // 0 retries forever
	RetryBackoff            time.Duration // 0 retries on the next tick

	// Resilience
	RateLimitPerMinute     int
	BreakerMaxFailures     int
	BreakerRecoveryTimeout time.Duration

	// Operator overrides (archive, expire). Empty leaves them unmounted.
	OperatorJWTSecret string
}

// Load reads configuration from the environment (and an optional .env file)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		DBHost:    "localhost",
		DBPort:    5432,
		DBUser:    "postgres",
		DBName:    "sfaxportal",
		DBSSLMode: "disable",

		RedisHost: "localhost",
		RedisPort: 6379,

		MailTransport:      TransportSMTP,
		MailRelayTransport: TransportSMTP,

		SMTPHost:               "smtp.gmail.com",
		SMTPPort:               587,
		SMTPInsecureSkipVerify: true,

		AWSRegion:    "eu-west-3",
		SESFromEmail: "noreply@sfax-portal.tn",

		CalendarTimezone: time.UTC,

		EventReminderInterval: time.Minute,
		PromoReminderInterval: time.Minute,
		ReconcileInterval:     time.Minute,
		JobTimeout:            5 * time.Minute,
		OperationTimeout:      30 * time.Second,

		ReminderBatchSize:   500,
		ReminderConcurrency: 1,
		ReminderClaimLease:  10 * time.Minute,

		RateLimitPerMinute:     30,
		BreakerMaxFailures:     5,
		BreakerRecoveryTimeout: 30 * time.Second,
	}

	var err error

	if cfg.Port, err = intEnv("PORT", cfg.Port); err != nil {
		return nil, err
	}
	cfg.LogLevel = stringEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.Env = stringEnv("ENV", cfg.Env)

	// Database config
	cfg.DBHost = stringEnv("DB_HOST", cfg.DBHost)
	if cfg.DBPort, err = intEnv("DB_PORT", cfg.DBPort); err != nil {
		return nil, err
	}
	cfg.DBUser = stringEnv("DB_USER", cfg.DBUser)
	cfg.DBPassword = stringEnv("DB_PASSWORD", cfg.DBPassword)
	cfg.DBName = stringEnv("DB_NAME", cfg.DBName)
	cfg.DBSSLMode = stringEnv("DB_SSLMODE", cfg.DBSSLMode)

	// Redis config
	cfg.RedisHost = stringEnv("REDIS_HOST", cfg.RedisHost)
	if cfg.RedisPort, err = intEnv("REDIS_PORT", cfg.RedisPort); err != nil {
		return nil, err
	}
	cfg.RedisPassword = stringEnv("REDIS_PASSWORD", cfg.RedisPassword)
	if cfg.RedisDB, err = intEnv("REDIS_DB", cfg.RedisDB); err != nil {
		return nil, err
	}

	// Mail
	cfg.MailTransport = stringEnv("MAIL_TRANSPORT", cfg.MailTransport)
	switch cfg.MailTransport {
	case TransportSMTP, TransportSES, TransportSQS, TransportLog:
	default:
		return nil, fmt.Errorf("invalid MAIL_TRANSPORT: %q", cfg.MailTransport)
	}
	cfg.MailRelayTransport = stringEnv("MAIL_RELAY_TRANSPORT", cfg.MailRelayTransport)
	switch cfg.MailRelayTransport {
	case TransportSMTP, TransportSES, TransportLog:
	default:
		return nil, fmt.Errorf("invalid MAIL_RELAY_TRANSPORT: %q", cfg.MailRelayTransport)
	}

	cfg.SMTPHost = stringEnv("SMTP_HOST", cfg.SMTPHost)
	if cfg.SMTPPort, err = intEnv("SMTP_PORT", cfg.SMTPPort); err != nil {
		return nil, err
	}
	// EMAIL_USER / EMAIL_PASS are the names older deployments use
	cfg.SMTPUsername = stringEnv("SMTP_USERNAME", os.Getenv("EMAIL_USER"))
	cfg.SMTPPassword = stringEnv("SMTP_PASSWORD", os.Getenv("EMAIL_PASS"))
	cfg.SMTPFrom = stringEnv("SMTP_FROM", cfg.SMTPUsername)
	if cfg.SMTPInsecureSkipVerify, err = boolEnv("SMTP_INSECURE_SKIP_VERIFY", cfg.SMTPInsecureSkipVerify); err != nil {
		return nil, err
	}

	cfg.AWSRegion = stringEnv("AWS_REGION", cfg.AWSRegion)
	cfg.SESFromEmail = stringEnv("SES_FROM_EMAIL", cfg.SESFromEmail)
	cfg.SQSRegion = stringEnv("SQS_REGION", cfg.AWSRegion)
	cfg.SQSMailQueueURL = stringEnv("SQS_MAIL_QUEUE_URL", cfg.SQSMailQueueURL)
	cfg.SNSRegion = stringEnv("SNS_REGION", cfg.AWSRegion)
	cfg.SNSLifecycleTopicARN = stringEnv("SNS_LIFECYCLE_TOPIC_ARN", cfg.SNSLifecycleTopicARN)
	cfg.OperatorJWTSecret = stringEnv("OPERATOR_JWT_SECRET", cfg.OperatorJWTSecret)

	if cfg.MailTransport == TransportSQS && cfg.SQSMailQueueURL == "" {
		return nil, fmt.Errorf("SQS_MAIL_QUEUE_URL is required when MAIL_TRANSPORT=sqs")
	}

	// Time zones
	if cfg.CalendarTimezone, err = locationEnv("CALENDAR_TIMEZONE", "UTC"); err != nil {
		return nil, err
	}
	if cfg.DisplayTimezone, err = locationEnv("DISPLAY_TIMEZONE", "Africa/Tunis"); err != nil {
		return nil, err
	}

	// Scheduler
	if cfg.EventReminderInterval, err = durationEnv("EVENT_REMINDER_INTERVAL", cfg.EventReminderInterval); err != nil {
		return nil, err
	}
	if cfg.PromoReminderInterval, err = durationEnv("PROMO_REMINDER_INTERVAL", cfg.PromoReminderInterval); err != nil {
		return nil, err
	}
	if cfg.ReconcileInterval, err = durationEnv("RECONCILE_INTERVAL", cfg.ReconcileInterval); err != nil {
		return nil, err
	}
	for key, d := range map[string]time.Duration{
		"EVENT_REMINDER_INTERVAL": cfg.EventReminderInterval,
		"PROMO_REMINDER_INTERVAL": cfg.PromoReminderInterval,
		"RECONCILE_INTERVAL":      cfg.ReconcileInterval,
	} {
		if d == 0 {
			return nil, fmt.Errorf("invalid %s: must be positive", key)
		}
	}
	if cfg.RunOnStart, err = boolEnv("SCHEDULER_RUN_ON_START", cfg.RunOnStart); err != nil {
		return nil, err
	}
	if cfg.JobTimeout, err = durationEnv("JOB_TIMEOUT", cfg.JobTimeout); err != nil {
		return nil, err
	}
	if cfg.OperationTimeout, err = durationEnv("OPERATION_TIMEOUT", cfg.OperationTimeout); err != nil {
		return nil, err
	}

	// Reminder delivery
	if cfg.ReminderBatchSize, err = intEnv("REMINDER_BATCH_SIZE", cfg.ReminderBatchSize); err != nil {
		return nil, err
	}
	if cfg.ReminderConcurrency, err = intEnv("REMINDER_CONCURRENCY", cfg.ReminderConcurrency); err != nil {
		return nil, err
	}
	if cfg.ReminderClaimLease, err = durationEnv("REMINDER_CLAIM_LEASE", cfg.ReminderClaimLease); err != nil {
		return nil, err
	}
	if cfg.ReminderRefreshSnapshot, err = boolEnv("REMINDER_REFRESH_SNAPSHOT", cfg.ReminderRefreshSnapshot); err != nil {
		return nil, err
	}
	if cfg.RetryMaxAttempts, err = intEnv("RETRY_MAX_ATTEMPTS", cfg.RetryMaxAttempts); err != nil {
		return nil, err
	}
	if cfg.RetryMaxAttempts < 0 {
		return nil, fmt.Errorf("invalid RETRY_MAX_ATTEMPTS: must be >= 0")
	}
	if cfg.RetryBackoff, err = durationEnv("RETRY_BACKOFF", cfg.RetryBackoff); err != nil {
		return nil, err
	}

	// Resilience
	if cfg.RateLimitPerMinute, err = intEnv("RATE_LIMIT_PER_MINUTE", cfg.RateLimitPerMinute); err != nil {
		return nil, err
	}
	if cfg.BreakerMaxFailures, err = intEnv("BREAKER_MAX_FAILURES", cfg.BreakerMaxFailures); err != nil {
		return nil, err
	}
	if cfg.BreakerRecoveryTimeout, err = durationEnv("BREAKER_RECOVERY_TIMEOUT", cfg.BreakerRecoveryTimeout); err != nil {
		return nil, err
	}

	return cfg, nil
}

func stringEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func intEnv(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func boolEnv(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid %s: must not be negative", key)
	}
	return d, nil
}

func locationEnv(key, fallback string) (*time.Location, error) {
	name := stringEnv(key, fallback)
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", key, err)
	}
	return loc, nil
}
