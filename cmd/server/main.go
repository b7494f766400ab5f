package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"drivein/internal/app"
	"drivein/internal/config"
	"drivein/internal/logging"
)

func main() {
	var cfg config.Config

	flag.StringVar(&cfg.Addr, "addr", getEnv("ADDR", "127.0.0.1:8080"), "listen address")
	flag.StringVar(&cfg.DataDir, "data-dir", getEnv("DATA_DIR", "./data"), "data directory (sqlite db)")
	flag.StringVar(&cfg.DBBackend, "db-backend", getEnv("DB_BACKEND", "sqlite"), "database backend (sqlite or postgres)")
	flag.StringVar(&cfg.DatabaseURL, "database-url", getEnv("DATABASE_URL", ""), "postgres connection string (required when db-backend=postgres)")
	flag.StringVar(&cfg.LogFormat, "log-format", getEnv("LOG_FORMAT", "text"), "log format (text or json)")
	flag.StringVar(&cfg.LogLevel, "log-level", getEnv("LOG_LEVEL", "info"), "log level (debug, info, warn, error)")
	flag.StringVar(&cfg.APIToken, "api-token", getEnv("API_TOKEN", ""), "optional API token (X-Api-Token)")
	flag.BoolVar(&cfg.AllowRemote, "allow-remote", getEnvBool("ALLOW_REMOTE", false), "allow non-local bind and accept private remote clients (requires API_TOKEN)")
	flag.StringVar(&cfg.EncryptionKey, "encryption-key", getEnv("ENCRYPTION_KEY", ""), "optional base64 key to encrypt stored tokens at rest")
	flag.IntVar(&cfg.JobConcurrency, "job-concurrency", getEnvInt("JOB_CONCURRENCY", 4), "job worker count")
	flag.DurationVar(&cfg.SweepInterval, "sweep-interval", getEnvDuration("SWEEP_INTERVAL", 5*time.Minute), "interval between proactive renewal sweeps")
	flag.DurationVar(&cfg.ImmediateWindow, "immediate-window", getEnvDuration("IMMEDIATE_WINDOW", 30*time.Minute), "tokens expiring inside this window refresh on the high lane")
	flag.DurationVar(&cfg.AdvanceWindow, "advance-window", getEnvDuration("ADVANCE_WINDOW", 24*time.Hour), "tokens expiring inside this window are scheduled on the maintenance lane")
	flag.DurationVar(&cfg.StaleLockAge, "stale-lock-age", getEnvDuration("STALE_LOCK_AGE", 2*time.Hour), "age after which an abandoned refresh schedule is released")
	flag.DurationVar(&cfg.FailureCounterAge, "failure-counter-age", getEnvDuration("FAILURE_COUNTER_AGE", 7*24*time.Hour), "age after which stale refresh failure streaks reset")
	flag.DurationVar(&cfg.HealthRecordAge, "health-record-age", getEnvDuration("HEALTH_RECORD_AGE", 90*24*time.Hour), "age after which untouched health records are purged")
	flag.DurationVar(&cfg.JobRetryUntil, "job-retry-budget", getEnvDuration("JOB_RETRY_BUDGET", time.Hour), "wall-clock retry deadline attached to queued jobs")
	flag.DurationVar(&cfg.NotificationCooldown, "notification-cooldown", getEnvDuration("NOTIFICATION_COOLDOWN", 24*time.Hour), "minimum gap between notifications per user and provider")
	flag.StringVar(&cfg.SMTPAddr, "smtp-addr", getEnv("SMTP_ADDR", ""), "SMTP relay address (host:port); notifications go to the log when empty")
	flag.StringVar(&cfg.SMTPFrom, "smtp-from", getEnv("SMTP_FROM", ""), "From address for notification mail")
	flag.StringVar(&cfg.GoogleClientID, "google-client-id", getEnv("GOOGLE_CLIENT_ID", ""), "Google Drive OAuth client id")
	flag.StringVar(&cfg.GoogleClientSecret, "google-client-secret", getEnv("GOOGLE_CLIENT_SECRET", ""), "Google Drive OAuth client secret")
	flag.StringVar(&cfg.GoogleTokenURL, "google-token-url", getEnv("GOOGLE_TOKEN_URL", ""), "override for the Google OAuth token endpoint")
	flag.StringVar(&cfg.S3Endpoint, "s3-endpoint", getEnv("S3_ENDPOINT", ""), "S3-compatible endpoint URL (empty for AWS)")
	flag.StringVar(&cfg.S3Region, "s3-region", getEnv("S3_REGION", ""), "S3 region")
	flag.StringVar(&cfg.S3Bucket, "s3-bucket", getEnv("S3_BUCKET", ""), "S3 bucket; the s3 provider is registered when set")
	flag.StringVar(&cfg.S3KeyPrefix, "s3-key-prefix", getEnv("S3_KEY_PREFIX", ""), "key prefix for delivered objects")
	flag.BoolVar(&cfg.S3ForcePathStyle, "s3-force-path-style", getEnvBool("S3_FORCE_PATH_STYLE", false), "use path-style S3 addressing")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, cfg); err != nil {
		logging.Fatalf("server error: %v", err)
	}
}

func getEnv(key, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	parsed, err := time.ParseDuration(val)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func getEnvBool(key string, defaultValue bool) bool {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultValue
	}
	switch strings.ToLower(val) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return defaultValue
	}
}
