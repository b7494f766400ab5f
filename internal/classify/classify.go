package classify

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"strings"

	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

// Kind is the closed taxonomy of provider failure kinds. Classification
// happens once, close to the failure site, and the resulting kind is
// persisted; it is never re-derived from a stale message later.
//
// IMPORTANT: These kinds are provider-agnostic. Do not add
// provider-specific values here.
type Kind string

const (
	KindTokenExpired            Kind = "token_expired" // #nosec G101 -- error kind, not credentials
	KindInvalidCredentials      Kind = "invalid_credentials"
	KindInsufficientPermissions Kind = "insufficient_permissions"
	KindAPIQuotaExceeded        Kind = "api_quota_exceeded"
	KindStorageQuotaExceeded    Kind = "storage_quota_exceeded"
	KindNetworkError            Kind = "network_error"
	KindServiceUnavailable      Kind = "service_unavailable"
	KindTimeout                 Kind = "timeout"
	KindFileNotFound            Kind = "file_not_found"
	KindUnknown                 Kind = "unknown_error"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Kinds lists every member of the taxonomy. Tests iterate this to keep
// the property tables total.
func Kinds() []Kind {
	return []Kind{
		KindTokenExpired,
		KindInvalidCredentials,
		KindInsufficientPermissions,
		KindAPIQuotaExceeded,
		KindStorageQuotaExceeded,
		KindNetworkError,
		KindServiceUnavailable,
		KindTimeout,
		KindFileNotFound,
		KindUnknown,
	}
}

// Recoverable reports whether an automatic retry can ever succeed for
// this kind. Unknown is treated as non-recoverable so conditions we
// cannot name are never retried indefinitely.
func (k Kind) Recoverable() bool {
	switch k {
	case KindTokenExpired, KindAPIQuotaExceeded, KindNetworkError, KindServiceUnavailable, KindTimeout:
		return true
	default:
		return false
	}
}

// RequiresUserIntervention reports whether the owning user has to act
// (reconnect, free storage, grant access) before the connection can
// work again.
func (k Kind) RequiresUserIntervention() bool {
	switch k {
	case KindInvalidCredentials, KindInsufficientPermissions, KindStorageQuotaExceeded:
		return true
	default:
		return false
	}
}

func (k Kind) Severity() Severity {
	switch k {
	case KindNetworkError, KindTimeout:
		return SeverityLow
	case KindTokenExpired, KindAPIQuotaExceeded, KindServiceUnavailable, KindFileNotFound:
		return SeverityMedium
	case KindInvalidCredentials, KindInsufficientPermissions, KindStorageQuotaExceeded, KindUnknown:
		return SeverityHigh
	default:
		return SeverityMedium
	}
}

func (k Kind) String() string { return string(k) }

// ParseKind maps a persisted kind string back into the taxonomy.
// Anything unrecognized collapses to unknown.
func ParseKind(raw string) Kind {
	k := Kind(strings.TrimSpace(strings.ToLower(raw)))
	for _, known := range Kinds() {
		if k == known {
			return known
		}
	}
	return KindUnknown
}

// Classify maps a raw provider failure onto exactly one kind. Structured
// information (AWS API error codes, HTTP status) is consulted before
// falling back to substring checks, because providers emit wildly
// inconsistent messages. The mapping is total and deterministic.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return KindTimeout
	}

	if kind, ok := classifyStructured(err); ok {
		return kind
	}

	msg := strings.ToLower(err.Error())
	if strings.TrimSpace(msg) == "" {
		return KindUnknown
	}

	// Order matters: credential phrases often also mention "token" or
	// "expired", and 403 quota bodies carry permission phrasing, so
	// the quota checks run before the permission check.
	switch {
	case IsTokenExpired(msg):
		return KindTokenExpired
	case IsInvalidCredentials(msg):
		return KindInvalidCredentials
	case IsStorageQuotaExceeded(msg):
		return KindStorageQuotaExceeded
	case IsInsufficientPermissions(msg):
		return KindInsufficientPermissions
	case IsAPIQuotaExceeded(msg):
		return KindAPIQuotaExceeded
	case IsFileNotFound(msg):
		return KindFileNotFound
	case IsTimeout(msg):
		return KindTimeout
	case IsServiceUnavailable(msg):
		return KindServiceUnavailable
	case IsNetworkError(msg):
		return KindNetworkError
	default:
		return KindUnknown
	}
}

// classifyStructured inspects typed errors before any message matching:
// smithy API errors (code + HTTP status), HTTP response errors, and net
// errors.
func classifyStructured(err error) (Kind, bool) {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := strings.ToLower(apiErr.ErrorCode())
		switch {
		case strings.Contains(code, "expiredtoken") || strings.Contains(code, "tokenrefreshrequired"):
			return KindTokenExpired, true
		case strings.Contains(code, "invalidaccesskey") || strings.Contains(code, "invalidtoken") || strings.Contains(code, "signaturedoesnotmatch"):
			return KindInvalidCredentials, true
		case strings.Contains(code, "accessdenied") || strings.Contains(code, "forbidden"):
			return KindInsufficientPermissions, true
		case strings.Contains(code, "slowdown") || strings.Contains(code, "throttl") || strings.Contains(code, "toomanyrequests"):
			return KindAPIQuotaExceeded, true
		case strings.Contains(code, "quotaexceeded") || strings.Contains(code, "entitytoolarge"):
			return KindStorageQuotaExceeded, true
		case strings.Contains(code, "nosuchkey") || strings.Contains(code, "nosuchbucket") || strings.Contains(code, "notfound"):
			return KindFileNotFound, true
		case strings.Contains(code, "serviceunavailable") || strings.Contains(code, "internalerror"):
			return KindServiceUnavailable, true
		case strings.Contains(code, "requesttimeout"):
			return KindTimeout, true
		}
	}

	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) && respErr.Response != nil {
		if kind, ok := classifyHTTPStatus(respErr.Response.StatusCode, strings.ToLower(err.Error())); ok {
			return kind, true
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout, true
		}
		return KindNetworkError, true
	}

	return KindUnknown, false
}

// classifyHTTPStatus applies the status-code layer of the mapping.
// 401 bodies mentioning expiry classify as token_expired so a refresh
// is attempted before giving up on the credential.
func classifyHTTPStatus(status int, msgLower string) (Kind, bool) {
	switch {
	case status == http.StatusUnauthorized:
		if IsTokenExpired(msgLower) {
			return KindTokenExpired, true
		}
		return KindInvalidCredentials, true
	case status == http.StatusForbidden:
		if IsStorageQuotaExceeded(msgLower) {
			return KindStorageQuotaExceeded, true
		}
		return KindInsufficientPermissions, true
	case status == http.StatusNotFound:
		return KindFileNotFound, true
	case status == http.StatusRequestTimeout:
		return KindTimeout, true
	case status == http.StatusTooManyRequests:
		return KindAPIQuotaExceeded, true
	case status == http.StatusInsufficientStorage:
		return KindStorageQuotaExceeded, true
	case status >= 500:
		return KindServiceUnavailable, true
	default:
		return KindUnknown, false
	}
}

func IsTokenExpired(msgLower string) bool {
	msg := msgLower
	switch {
	case strings.Contains(msg, "token has been expired or revoked"):
		return true
	case strings.Contains(msg, "token expired") || strings.Contains(msg, "expired token"):
		return true
	case strings.Contains(msg, "expiredtoken"):
		return true
	case strings.Contains(msg, "token") && strings.Contains(msg, "expir"):
		return true
	default:
		return false
	}
}

func IsInvalidCredentials(msgLower string) bool {
	msg := msgLower
	switch {
	// OAuth
	case strings.Contains(msg, "invalid_grant"):
		return true
	case strings.Contains(msg, "invalid_client"):
		return true
	case strings.Contains(msg, "oauth2:") && strings.Contains(msg, "token"):
		return true

	// S3-style
	case strings.Contains(msg, "invalidaccesskeyid"):
		return true
	case strings.Contains(msg, "invalid access key"):
		return true
	case strings.Contains(msg, "signaturedoesnotmatch"):
		return true
	case strings.Contains(msg, "security token") && strings.Contains(msg, "invalid"):
		return true

	// Generic 401
	case strings.Contains(msg, "unauthorized"):
		return true
	case strings.Contains(msg, "authentication failed") || strings.Contains(msg, "authenticationfailed"):
		return true
	case strings.Contains(msg, "status 401") || strings.Contains(msg, "error 401"):
		return true
	default:
		return false
	}
}

func IsInsufficientPermissions(msgLower string) bool {
	msg := msgLower
	switch {
	case strings.Contains(msg, "accessdenied") || strings.Contains(msg, "access denied"):
		return true
	case strings.Contains(msg, "permission denied") || strings.Contains(msg, "permissiondenied"):
		return true
	case strings.Contains(msg, "insufficient permission") || strings.Contains(msg, "insufficientpermissions"):
		return true
	case strings.Contains(msg, "forbidden"):
		return true
	case strings.Contains(msg, "does not have") && strings.Contains(msg, " access"):
		return true
	case strings.Contains(msg, "status 403") || strings.Contains(msg, "error 403"):
		return true
	default:
		return false
	}
}

func IsAPIQuotaExceeded(msgLower string) bool {
	msg := msgLower
	switch {
	case strings.Contains(msg, "rate limit"):
		return true
	case strings.Contains(msg, "too many requests") || strings.Contains(msg, "toomanyrequests"):
		return true
	case strings.Contains(msg, "ratelimitexceeded") || strings.Contains(msg, "userratelimitexceeded"):
		return true
	case strings.Contains(msg, "resourceexhausted"):
		return true
	case strings.Contains(msg, "slowdown") || strings.Contains(msg, "slow down"):
		return true
	case strings.Contains(msg, "throttle") || strings.Contains(msg, "throttl"):
		return true
	case strings.Contains(msg, "quota") && strings.Contains(msg, "exceed"):
		return true
	case strings.Contains(msg, "status 429") || strings.Contains(msg, "error 429"):
		return true
	default:
		return false
	}
}

func IsStorageQuotaExceeded(msgLower string) bool {
	msg := msgLower
	switch {
	case strings.Contains(msg, "storagequotaexceeded"):
		return true
	case strings.Contains(msg, "storage quota"):
		return true
	case strings.Contains(msg, "insufficient storage"):
		return true
	case strings.Contains(msg, "quota") && strings.Contains(msg, "storage"):
		return true
	case strings.Contains(msg, "disk full") || strings.Contains(msg, "no space left"):
		return true
	default:
		return false
	}
}

func IsFileNotFound(msgLower string) bool {
	msg := msgLower
	switch {
	case strings.Contains(msg, "nosuchkey") || strings.Contains(msg, "no such key"):
		return true
	case strings.Contains(msg, "nosuchbucket") || strings.Contains(msg, "no such bucket"):
		return true
	case strings.Contains(msg, "file not found") || strings.Contains(msg, "no such file"):
		return true
	case strings.Contains(msg, "notfound") || strings.Contains(msg, "not found"):
		return true
	case strings.Contains(msg, "status 404") || strings.Contains(msg, "error 404"):
		return true
	default:
		return false
	}
}

func IsTimeout(msgLower string) bool {
	msg := msgLower
	return strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "timed out") ||
		strings.Contains(msg, "context deadline exceeded") ||
		strings.Contains(msg, "i/o timeout")
}

func IsServiceUnavailable(msgLower string) bool {
	msg := msgLower
	switch {
	case strings.Contains(msg, "service unavailable") || strings.Contains(msg, "serviceunavailable"):
		return true
	case strings.Contains(msg, "bad gateway"):
		return true
	case strings.Contains(msg, "internal server error") || strings.Contains(msg, "internalerror"):
		return true
	case strings.Contains(msg, "backend error") || strings.Contains(msg, "backenderror"):
		return true
	case strings.Contains(msg, "status 500") || strings.Contains(msg, "status 502") || strings.Contains(msg, "status 503"):
		return true
	case strings.Contains(msg, "temporarily unavailable"):
		return true
	default:
		return false
	}
}

func IsNetworkError(msgLower string) bool {
	msg := msgLower
	switch {
	case strings.Contains(msg, "no such host"):
		return true
	case strings.Contains(msg, "connection refused") || strings.Contains(msg, "connection reset"):
		return true
	case strings.Contains(msg, "connection closed") || strings.Contains(msg, "connection aborted"):
		return true
	case strings.Contains(msg, "broken pipe"):
		return true
	case strings.Contains(msg, "dial tcp"):
		return true
	case strings.Contains(msg, "unexpected eof"):
		return true
	case strings.Contains(msg, "network") && (strings.Contains(msg, "error") || strings.Contains(msg, "unreachable")):
		return true
	case strings.Contains(msg, "tls:") || strings.Contains(msg, "x509:"):
		return true
	case strings.TrimSpace(msg) == "eof":
		return true
	default:
		return false
	}
}
