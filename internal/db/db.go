package db

import (
	"errors"
	"fmt"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type Backend string

const (
	BackendSQLite   Backend = "sqlite"
	BackendPostgres Backend = "postgres"
)

type Config struct {
	Backend     Backend
	SQLitePath  string
	DatabaseURL string
}

func ParseBackend(raw string) (Backend, error) {
	raw = strings.TrimSpace(strings.ToLower(raw))
	if raw == "" {
		return BackendSQLite, nil
	}
	switch raw {
	case "sqlite":
		return BackendSQLite, nil
	case "postgres", "postgresql", "pg":
		return BackendPostgres, nil
	default:
		return "", fmt.Errorf("unsupported db backend %q (expected sqlite or postgres)", raw)
	}
}

func Open(cfg Config) (*gorm.DB, error) {
	backend := cfg.Backend
	if backend == "" {
		backend = BackendSQLite
	}
	switch backend {
	case BackendSQLite:
		if strings.TrimSpace(cfg.SQLitePath) == "" {
			return nil, errors.New("sqlite path is required")
		}
		return openSQLite(cfg.SQLitePath)
	case BackendPostgres:
		if strings.TrimSpace(cfg.DatabaseURL) == "" {
			return nil, errors.New("DATABASE_URL is required when DB_BACKEND=postgres")
		}
		return openPostgres(cfg.DatabaseURL)
	default:
		return nil, fmt.Errorf("unsupported db backend %q", backend)
	}
}

func openSQLite(dbPath string) (*gorm.DB, error) {
	gormDB, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{Logger: logger.Discard})
	if err != nil {
		return nil, err
	}

	if err := gormDB.Exec(`PRAGMA busy_timeout=5000;`).Error; err != nil {
		return nil, err
	}
	if err := gormDB.Exec(`PRAGMA foreign_keys=ON;`).Error; err != nil {
		return nil, err
	}
	if err := gormDB.Exec(`PRAGMA journal_mode=WAL;`).Error; err != nil {
		return nil, err
	}

	if err := migrate(gormDB); err != nil {
		return nil, err
	}

	return gormDB, nil
}

func openPostgres(databaseURL string) (*gorm.DB, error) {
	gormDB, err := gorm.Open(postgres.Open(databaseURL), &gorm.Config{Logger: logger.Discard})
	if err != nil {
		return nil, err
	}

	if err := migrate(gormDB); err != nil {
		return nil, err
	}

	return gormDB, nil
}

func migrate(db *gorm.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			role TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_users_role ON users(role);`,

		`CREATE TABLE IF NOT EXISTS cloud_storage_tokens (
			user_id TEXT NOT NULL,
			provider TEXT NOT NULL,
			access_token TEXT NOT NULL,
			refresh_token TEXT NOT NULL,
			expires_at TEXT,
			last_refresh_attempt_at TEXT,
			last_successful_refresh_at TEXT,
			refresh_failure_count INTEGER NOT NULL DEFAULT 0,
			proactive_refresh_scheduled_at TEXT,
			requires_user_intervention INTEGER NOT NULL DEFAULT 0,
			health_check_failure_count INTEGER NOT NULL DEFAULT 0,
			last_notification_sent_at TEXT,
			notification_failure_count INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY(user_id, provider),
			FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tokens_provider_expires_at ON cloud_storage_tokens(provider, expires_at);`,
		`CREATE INDEX IF NOT EXISTS idx_tokens_scheduled_at ON cloud_storage_tokens(proactive_refresh_scheduled_at);`,

		`CREATE TABLE IF NOT EXISTS cloud_storage_health (
			user_id TEXT NOT NULL,
			provider TEXT NOT NULL,
			status TEXT NOT NULL,
			consecutive_failures INTEGER NOT NULL DEFAULT 0,
			last_error_message TEXT,
			last_error_type TEXT,
			token_expires_at TEXT,
			requires_reconnection INTEGER NOT NULL DEFAULT 0,
			provider_data_json TEXT NOT NULL DEFAULT '{}',
			last_successful_operation_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY(user_id, provider)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_health_provider_status ON cloud_storage_health(provider, status);`,
		`CREATE INDEX IF NOT EXISTS idx_health_updated_at ON cloud_storage_health(updated_at);`,

		`CREATE TABLE IF NOT EXISTS file_uploads (
			id TEXT PRIMARY KEY,
			provider TEXT NOT NULL,
			company_user_id TEXT,
			uploaded_by_user_id TEXT,
			client_email TEXT NOT NULL DEFAULT '',
			filename TEXT NOT NULL,
			local_path TEXT NOT NULL,
			size_bytes BIGINT NOT NULL DEFAULT 0,
			provider_file_id TEXT,
			retry_count INTEGER NOT NULL DEFAULT 0,
			recovery_attempts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			error_details_json TEXT,
			cloud_storage_error_type TEXT,
			cloud_storage_error_context_json TEXT,
			connection_health_at_failure TEXT,
			last_processed_at TEXT,
			retry_recommended_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_file_uploads_provider_file_id ON file_uploads(provider_file_id);`,
		`CREATE INDEX IF NOT EXISTS idx_file_uploads_company_user ON file_uploads(company_user_id);`,
		`CREATE INDEX IF NOT EXISTS idx_file_uploads_error_type ON file_uploads(cloud_storage_error_type);`,
		`CREATE INDEX IF NOT EXISTS idx_file_uploads_updated_at ON file_uploads(updated_at);`,

		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			lane TEXT NOT NULL,
			status TEXT NOT NULL,
			payload_json TEXT NOT NULL,
			attempt INTEGER NOT NULL DEFAULT 0,
			retry_until TEXT,
			error TEXT,
			error_kind TEXT,
			created_at TEXT NOT NULL,
			started_at TEXT,
			finished_at TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_type ON jobs(type);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status_finished_at ON jobs(status, finished_at);`,
	}

	for _, stmt := range stmts {
		if err := db.Exec(stmt).Error; err != nil {
			return err
		}
	}
	return nil
}
