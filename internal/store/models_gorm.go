package store

type userRow struct {
	ID        string `gorm:"column:id;primaryKey"`
	Email     string `gorm:"column:email"`
	Name      string `gorm:"column:name"`
	Role      string `gorm:"column:role"`
	CreatedAt string `gorm:"column:created_at"`
}

func (userRow) TableName() string { return "users" }

type tokenRow struct {
	UserID                      string  `gorm:"column:user_id;primaryKey"`
	Provider                    string  `gorm:"column:provider;primaryKey"`
	AccessToken                 string  `gorm:"column:access_token"`
	RefreshToken                string  `gorm:"column:refresh_token"`
	ExpiresAt                   *string `gorm:"column:expires_at"`
	LastRefreshAttemptAt        *string `gorm:"column:last_refresh_attempt_at"`
	LastSuccessfulRefreshAt     *string `gorm:"column:last_successful_refresh_at"`
	RefreshFailureCount         int     `gorm:"column:refresh_failure_count"`
	ProactiveRefreshScheduledAt *string `gorm:"column:proactive_refresh_scheduled_at"`
	RequiresUserIntervention    int     `gorm:"column:requires_user_intervention"`
	HealthCheckFailureCount     int     `gorm:"column:health_check_failure_count"`
	LastNotificationSentAt      *string `gorm:"column:last_notification_sent_at"`
	NotificationFailureCount    int     `gorm:"column:notification_failure_count"`
	CreatedAt                   string  `gorm:"column:created_at"`
	UpdatedAt                   string  `gorm:"column:updated_at"`
}

func (tokenRow) TableName() string { return "cloud_storage_tokens" }

type healthRow struct {
	UserID                    string  `gorm:"column:user_id;primaryKey"`
	Provider                  string  `gorm:"column:provider;primaryKey"`
	Status                    string  `gorm:"column:status"`
	ConsecutiveFailures       int     `gorm:"column:consecutive_failures"`
	LastErrorMessage          *string `gorm:"column:last_error_message"`
	LastErrorType             *string `gorm:"column:last_error_type"`
	TokenExpiresAt            *string `gorm:"column:token_expires_at"`
	RequiresReconnection      int     `gorm:"column:requires_reconnection"`
	ProviderDataJSON          string  `gorm:"column:provider_data_json"`
	LastSuccessfulOperationAt *string `gorm:"column:last_successful_operation_at"`
	CreatedAt                 string  `gorm:"column:created_at"`
	UpdatedAt                 string  `gorm:"column:updated_at"`
}

func (healthRow) TableName() string { return "cloud_storage_health" }

type uploadRow struct {
	ID                           string  `gorm:"column:id;primaryKey"`
	Provider                     string  `gorm:"column:provider"`
	CompanyUserID                *string `gorm:"column:company_user_id"`
	UploadedByUserID             *string `gorm:"column:uploaded_by_user_id"`
	ClientEmail                  string  `gorm:"column:client_email"`
	Filename                     string  `gorm:"column:filename"`
	LocalPath                    string  `gorm:"column:local_path"`
	SizeBytes                    int64   `gorm:"column:size_bytes"`
	ProviderFileID               *string `gorm:"column:provider_file_id"`
	RetryCount                   int     `gorm:"column:retry_count"`
	RecoveryAttempts             int     `gorm:"column:recovery_attempts"`
	LastError                    *string `gorm:"column:last_error"`
	ErrorDetailsJSON             *string `gorm:"column:error_details_json"`
	CloudStorageErrorType        *string `gorm:"column:cloud_storage_error_type"`
	CloudStorageErrorContextJSON *string `gorm:"column:cloud_storage_error_context_json"`
	ConnectionHealthAtFailure    *string `gorm:"column:connection_health_at_failure"`
	LastProcessedAt              *string `gorm:"column:last_processed_at"`
	RetryRecommendedAt           *string `gorm:"column:retry_recommended_at"`
	CreatedAt                    string  `gorm:"column:created_at"`
	UpdatedAt                    string  `gorm:"column:updated_at"`
}

func (uploadRow) TableName() string { return "file_uploads" }

type jobRow struct {
	ID          string  `gorm:"column:id;primaryKey"`
	Type        string  `gorm:"column:type"`
	Lane        string  `gorm:"column:lane"`
	Status      string  `gorm:"column:status"`
	PayloadJSON string  `gorm:"column:payload_json"`
	Attempt     int     `gorm:"column:attempt"`
	RetryUntil  *string `gorm:"column:retry_until"`
	Error       *string `gorm:"column:error"`
	ErrorKind   *string `gorm:"column:error_kind"`
	CreatedAt   string  `gorm:"column:created_at"`
	StartedAt   *string `gorm:"column:started_at"`
	FinishedAt  *string `gorm:"column:finished_at"`
}

func (jobRow) TableName() string { return "jobs" }
