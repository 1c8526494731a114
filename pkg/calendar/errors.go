package calendar

import (
	"fmt"

	"schedbot/pkg/pipeline"
)

// apiError carries the remote API failure details. Classified instances
// wrap one of the pipeline error classes so callers can match with
// errors.Is.
type apiError struct {
	Operation  string
	StatusCode int
	Code       int
	Msg        string
	class      error
}

func (e *apiError) Error() string {
	return fmt.Sprintf("calendar %s: status=%d code=%d msg=%s", e.Operation, e.StatusCode, e.Code, e.Msg)
}

func (e *apiError) Unwrap() error {
	return e.class
}

// Auth error codes documented for the open platform: invalid, expired or
// revoked user access tokens.
func isAuthCode(code int) bool {
	return code >= 99991661 && code <= 99991679
}

func isRateLimitCode(code int) bool {
	return code == 99991400
}

// classifyAPIError maps a failed API response onto the pipeline error
// classes. Unclassified failures stay plain apiErrors and read as hard
// rejections upstream.
func classifyAPIError(operation string, statusCode, code int, msg string) error {
	apiErr := &apiError{Operation: operation, StatusCode: statusCode, Code: code, Msg: msg}
	switch {
	case statusCode == 401 || isAuthCode(code):
		apiErr.class = pipeline.ErrUnauthorized
	case statusCode == 404:
		apiErr.class = pipeline.ErrNotFound
	case statusCode == 429 || isRateLimitCode(code):
		apiErr.class = pipeline.ErrRateLimited
	case statusCode >= 500:
		apiErr.class = pipeline.ErrTransient
	}
	return apiErr
}

// transportError wraps network level failures (no response at all), which
// are always retryable.
func transportError(operation string, err error) error {
	return fmt.Errorf("calendar %s: %w: %w", operation, pipeline.ErrTransient, err)
}
