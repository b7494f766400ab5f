package models

type ErrorResponse struct {
	Error APIError `json:"error"`
}

type APIError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type UserRole string

const (
	UserRoleAdmin    UserRole = "admin"
	UserRoleEmployee UserRole = "employee"
	UserRoleClient   UserRole = "client"
)

type User struct {
	ID        string   `json:"id"`
	Email     string   `json:"email"`
	Name      string   `json:"name"`
	Role      UserRole `json:"role"`
	CreatedAt string   `json:"createdAt"`
}

// HealthStatus is the derived connectivity-quality classification for a
// (user, provider) pair. It is always computed from the consecutive
// failure counter, never set directly.
type HealthStatus string

const (
	HealthStatusHealthy      HealthStatus = "healthy"
	HealthStatusDegraded     HealthStatus = "degraded"
	HealthStatusUnhealthy    HealthStatus = "unhealthy"
	HealthStatusDisconnected HealthStatus = "disconnected"
)

// TokenRecord is the API view of a stored credential pair. Credential
// material never leaves the store.
type TokenRecord struct {
	UserID                      string  `json:"userId"`
	Provider                    string  `json:"provider"`
	ExpiresAt                   *string `json:"expiresAt,omitempty"`
	LastRefreshAttemptAt        *string `json:"lastRefreshAttemptAt,omitempty"`
	LastSuccessfulRefreshAt     *string `json:"lastSuccessfulRefreshAt,omitempty"`
	RefreshFailureCount         int     `json:"refreshFailureCount"`
	ProactiveRefreshScheduledAt *string `json:"proactiveRefreshScheduledAt,omitempty"`
	RequiresUserIntervention    bool    `json:"requiresUserIntervention"`
	HealthCheckFailureCount     int     `json:"healthCheckFailureCount"`
	LastNotificationSentAt      *string `json:"lastNotificationSentAt,omitempty"`
	NotificationFailureCount    int     `json:"notificationFailureCount"`
	CreatedAt                   string  `json:"createdAt"`
	UpdatedAt                   string  `json:"updatedAt"`
}

type HealthRecord struct {
	UserID                    string            `json:"userId"`
	Provider                  string            `json:"provider"`
	Status                    HealthStatus      `json:"status"`
	ConsecutiveFailures       int               `json:"consecutiveFailures"`
	LastErrorMessage          *string           `json:"lastErrorMessage,omitempty"`
	LastErrorType             *string           `json:"lastErrorType,omitempty"`
	TokenExpiresAt            *string           `json:"tokenExpiresAt,omitempty"`
	RequiresReconnection      bool              `json:"requiresReconnection"`
	ProviderSpecificData      map[string]string `json:"providerSpecificData,omitempty"`
	LastSuccessfulOperationAt *string           `json:"lastSuccessfulOperationAt,omitempty"`
	UpdatedAt                 string            `json:"updatedAt"`
}

// HealthSummary is the flattened view presentation layers consume.
type HealthSummary struct {
	UserID                    string       `json:"userId"`
	Provider                  string       `json:"provider"`
	Status                    HealthStatus `json:"status"`
	IsHealthy                 bool         `json:"isHealthy"`
	IsDegraded                bool         `json:"isDegraded"`
	IsUnhealthy               bool         `json:"isUnhealthy"`
	IsDisconnected            bool         `json:"isDisconnected"`
	TokenExpiringSoon         bool         `json:"tokenExpiringSoon"`
	TokenExpired              bool         `json:"tokenExpired"`
	RequiresReconnection      bool         `json:"requiresReconnection"`
	ConsecutiveFailures       int          `json:"consecutiveFailures"`
	LastErrorType             *string      `json:"lastErrorType,omitempty"`
	LastErrorMessage          *string      `json:"lastErrorMessage,omitempty"`
	LastSuccessfulOperationAt *string      `json:"lastSuccessfulOperationAt,omitempty"`
	TokenExpiresAt            *string      `json:"tokenExpiresAt,omitempty"`
}

type UploadStatus string

const (
	UploadStatusPending   UploadStatus = "pending"
	UploadStatusDelivered UploadStatus = "delivered"
	UploadStatusFailed    UploadStatus = "failed"
)

type FileUpload struct {
	ID                        string         `json:"id"`
	Provider                  string         `json:"provider"`
	CompanyUserID             *string        `json:"companyUserId,omitempty"`
	UploadedByUserID          *string        `json:"uploadedByUserId,omitempty"`
	ClientEmail               string         `json:"clientEmail,omitempty"`
	Filename                  string         `json:"filename"`
	LocalPath                 string         `json:"localPath,omitempty"`
	SizeBytes                 int64          `json:"sizeBytes"`
	ProviderFileID            *string        `json:"providerFileId,omitempty"`
	RetryCount                int            `json:"retryCount"`
	RecoveryAttempts          int            `json:"recoveryAttempts"`
	LastError                 *string        `json:"lastError,omitempty"`
	ErrorDetails              map[string]any `json:"errorDetails,omitempty"`
	CloudStorageErrorType     *string        `json:"cloudStorageErrorType,omitempty"`
	CloudStorageErrorContext  map[string]any `json:"cloudStorageErrorContext,omitempty"`
	ConnectionHealthAtFailure *string        `json:"connectionHealthAtFailure,omitempty"`
	LastProcessedAt           *string        `json:"lastProcessedAt,omitempty"`
	RetryRecommendedAt        *string        `json:"retryRecommendedAt,omitempty"`
	CreatedAt                 string         `json:"createdAt"`
	UpdatedAt                 string         `json:"updatedAt"`
}

// Status derives the lifecycle phase from the delivered guard and the
// recorded error. A record with a provider file id is final.
func (u FileUpload) Status() UploadStatus {
	if u.ProviderFileID != nil && *u.ProviderFileID != "" {
		return UploadStatusDelivered
	}
	if u.LastError != nil && *u.LastError != "" {
		return UploadStatusFailed
	}
	return UploadStatusPending
}

type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCanceled  JobStatus = "canceled"
)

// JobLane selects the queue a job runs on. The high lane is drained
// before the maintenance lane.
type JobLane string

const (
	JobLaneHigh        JobLane = "high"
	JobLaneMaintenance JobLane = "maintenance"
)

type Job struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Lane       JobLane        `json:"lane"`
	Status     JobStatus      `json:"status"`
	Payload    map[string]any `json:"payload"`
	Attempt    int            `json:"attempt"`
	RetryUntil *string        `json:"retryUntil,omitempty"`
	Error      *string        `json:"error,omitempty"`
	ErrorKind  *string        `json:"errorKind,omitempty"`
	CreatedAt  string         `json:"createdAt"`
	StartedAt  *string        `json:"startedAt,omitempty"`
	FinishedAt *string        `json:"finishedAt,omitempty"`
}

type JobsListResponse struct {
	Items      []Job   `json:"items"`
	NextCursor *string `json:"nextCursor,omitempty"`
}

type UploadsListResponse struct {
	Items      []FileUpload `json:"items"`
	NextCursor *string      `json:"nextCursor,omitempty"`
}

type UnhealthyConnectionsResponse struct {
	Provider string          `json:"provider"`
	Items    []HealthSummary `json:"items"`
}

// RefreshOutcome mirrors the coordinator's tagged result for the API.
type RefreshOutcome struct {
	Result    string  `json:"result"`
	Message   string  `json:"message"`
	ErrorKind *string `json:"errorKind,omitempty"`
	ExpiresAt *string `json:"expiresAt,omitempty"`
}

type MetaResponse struct {
	Version                string   `json:"version"`
	ServerAddr             string   `json:"serverAddr"`
	APITokenEnabled        bool     `json:"apiTokenEnabled"`
	EncryptionEnabled      bool     `json:"encryptionEnabled"`
	Providers              []string `json:"providers"`
	JobConcurrency         int      `json:"jobConcurrency"`
	SweepIntervalSeconds   int64    `json:"sweepIntervalSeconds"`
	ImmediateWindowSeconds int64    `json:"immediateWindowSeconds"`
	AdvanceWindowSeconds   int64    `json:"advanceWindowSeconds"`
}
