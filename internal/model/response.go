package model

// ListResponse is the standard envelope for list endpoints, wrapping results
// in a "resource" array with optional metadata.
type ListResponse[T any] struct {
	Resource []T           `json:"resource"`
	Meta     *ResponseMeta `json:"meta,omitempty"`
}

// ResponseMeta contains count information for list responses.
type ResponseMeta struct {
	Count int `json:"count"`
}

// ErrorResponse is the standard envelope for error responses.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains the structured error information returned by the API.
// Code is a stable machine-readable identifier such as INVALID_API_KEY;
// Status mirrors the HTTP status code.
type ErrorDetail struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Status  int                    `json:"status"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// Stable error codes shared by the management API and the storefront guard.
const (
	CodeInvalidAPIKey        = "INVALID_API_KEY"
	CodeAPIKeyRevoked        = "API_KEY_REVOKED"
	CodeAPIKeyExpired        = "API_KEY_EXPIRED"
	CodeMonthlyQuotaExceeded = "MONTHLY_QUOTA_EXCEEDED"
	CodeInsufficientScopes   = "INSUFFICIENT_SCOPES"
	CodeOriginNotAllowed     = "ORIGIN_NOT_ALLOWED"
	CodeIPNotAllowed         = "IP_NOT_ALLOWED"
	CodeRateLimitExceeded    = "RATE_LIMIT_EXCEEDED"
	CodeAuthUnavailable      = "AUTH_UNAVAILABLE"

	CodeUnauthorized   = "UNAUTHORIZED"
	CodeForbidden      = "FORBIDDEN"
	CodeBadRequest     = "BAD_REQUEST"
	CodeNotFound       = "NOT_FOUND"
	CodeConflict       = "KEY_NOT_ACTIVE"
	CodeAlreadyRotated = "KEY_ALREADY_ROTATED"
	CodeRateLimited    = "TOO_MANY_REQUESTS"
	CodeInternal       = "INTERNAL_ERROR"
)
