package domain

import (
	"errors"
	"fmt"
	"net/http"
)

type Code string

const (
	CodeValidation         Code = "VALIDATION_ERROR"
	CodeInvalidVideoURL    Code = "INVALID_VIDEO_URL"
	CodeVideoNotFound      Code = "VIDEO_NOT_FOUND"
	CodeDownloadFailed     Code = "VIDEO_DOWNLOAD_FAILED"
	CodeDownloadTimeout    Code = "DOWNLOAD_TIMEOUT"
	CodeCookiesUnavailable Code = "COOKIES_UNAVAILABLE"
	CodeStorageFull        Code = "STORAGE_FULL"
	CodeUploadFailed       Code = "FILE_UPLOAD_FAILED"
	CodeFileNotFound       Code = "FILE_NOT_FOUND"
	CodeDuplicateJobID     Code = "DUPLICATE_JOB_ID"
	CodeJobNotFound        Code = "JOB_NOT_FOUND"
	CodeDatabase           Code = "DATABASE_ERROR"
	CodeRateLimited        Code = "RATE_LIMIT_EXCEEDED"
	CodeUnauthorized       Code = "UNAUTHORIZED"
	CodeInternal           Code = "INTERNAL_ERROR"
)

// Error is the typed failure carried from any layer up to the API boundary.
type Error struct {
	Code      Code
	Message   string
	Status    int
	Details   map[string]any
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on code so errors.Is(err, &Error{Code: CodeJobNotFound}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

func newErr(code Code, status int, msg string, details map[string]any) *Error {
	return &Error{Code: code, Status: status, Message: msg, Details: details}
}

func ValidationError(msg string, details map[string]any) *Error {
	return newErr(CodeValidation, http.StatusBadRequest, msg, details)
}

func InvalidSourceReference(url string) *Error {
	return newErr(CodeInvalidVideoURL, http.StatusBadRequest,
		"Invalid YouTube Shorts URL", map[string]any{"url": url})
}

func VideoNotFound(id, reason string) *Error {
	return newErr(CodeVideoNotFound, http.StatusNotFound,
		"Video not found or unavailable", map[string]any{"videoId": id, "reason": reason})
}

func DownloadFailed(reason string) *Error {
	return newErr(CodeDownloadFailed, http.StatusInternalServerError,
		"Failed to download video", map[string]any{"reason": reason})
}

// DownloadTimeout is transient: a later attempt may finish in time.
func DownloadTimeout(limitSeconds int) *Error {
	e := newErr(CodeDownloadTimeout, http.StatusGatewayTimeout,
		"Video download timed out", map[string]any{"timeoutSeconds": limitSeconds})
	e.Retryable = true
	return e
}

func CookiesUnavailable(reason string) *Error {
	return newErr(CodeCookiesUnavailable, http.StatusServiceUnavailable,
		"YouTube authentication required. Please try again in a few minutes.",
		map[string]any{"reason": reason, "retryAfter": 300})
}

func NoProviderAvailable() *Error {
	return newErr(CodeStorageFull, http.StatusInsufficientStorage,
		"All storage providers are at capacity", nil)
}

func UploadFailed(provider, reason string) *Error {
	return newErr(CodeUploadFailed, http.StatusInternalServerError,
		"Failed to upload file", map[string]any{"provider": provider, "reason": reason})
}

func ObjectNotFound(provider, name string) *Error {
	return newErr(CodeFileNotFound, http.StatusNotFound,
		"File not found", map[string]any{"provider": provider, "fileName": name})
}

func DuplicateJobID(id string) *Error {
	return newErr(CodeDuplicateJobID, http.StatusConflict,
		"Job already exists", map[string]any{"jobId": id})
}

func JobNotFound(id string) *Error {
	return newErr(CodeJobNotFound, http.StatusNotFound,
		"Job not found", map[string]any{"jobId": id})
}

func DatabaseError(op string, err error) *Error {
	e := newErr(CodeDatabase, http.StatusInternalServerError,
		"Database operation failed", map[string]any{"operation": op})
	e.Err = err
	e.Retryable = true
	return e
}

func RateLimited(limit int, windowSeconds int) *Error {
	return newErr(CodeRateLimited, http.StatusTooManyRequests,
		"Too many requests", map[string]any{"limit": limit, "windowSeconds": windowSeconds})
}

func Unauthorized() *Error {
	return newErr(CodeUnauthorized, http.StatusUnauthorized, "Missing or invalid admin token", nil)
}

func Internal(err error) *Error {
	return &Error{Code: CodeInternal, Status: http.StatusInternalServerError,
		Message: "An unexpected error occurred", Err: err}
}

// ErrInvalidTransition is returned by stores when the current status does not admit the update.
var ErrInvalidTransition = errors.New("invalid status transition")

// ErrIncompleteResult rejects a completion that lacks the stored object.
var ErrIncompleteResult = errors.New("completed job requires a download url, provider and remote name")

func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

func HasCode(err error, code Code) bool {
	e, ok := AsError(err)
	return ok && e.Code == code
}

func IsRetryable(err error) bool {
	e, ok := AsError(err)
	return ok && e.Retryable
}

// Transient marks err as worth another attempt.
func Transient(err error) *Error {
	if e, ok := AsError(err); ok {
		cp := *e
		cp.Retryable = true
		return &cp
	}
	e := Internal(err)
	e.Retryable = true
	return e
}
