package config

import "time"

type Config struct {
	Addr          string
	DataDir       string
	DBBackend     string
	DatabaseURL   string
	LogFormat     string
	LogLevel      string
	APIToken      string
	AllowRemote   bool
	EncryptionKey string

	JobConcurrency int

	// Proactive renewal windows. Tokens expiring inside ImmediateWindow
	// go on the high-priority lane; tokens inside AdvanceWindow go on
	// the maintenance lane.
	SweepInterval   time.Duration
	ImmediateWindow time.Duration
	AdvanceWindow   time.Duration

	// Garbage-collection ages for the maintenance sweep.
	StaleLockAge      time.Duration
	FailureCounterAge time.Duration
	HealthRecordAge   time.Duration

	// Hard wall-clock deadline applied to queued jobs.
	JobRetryUntil time.Duration

	// Notification throttle per (user, provider).
	NotificationCooldown time.Duration

	SMTPAddr string
	SMTPFrom string

	// Google Drive OAuth application credentials. The provider is
	// registered only when both are set.
	GoogleClientID     string
	GoogleClientSecret string
	GoogleTokenURL     string

	// S3-compatible archive target. Registered when Bucket is set.
	S3Endpoint       string
	S3Region         string
	S3Bucket         string
	S3KeyPrefix      string
	S3ForcePathStyle bool
}
