package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"unicode/utf8"
)

var (
	// ErrInvalidInput 是所有参数校验错误的根。
	ErrInvalidInput = errors.New("invalid input")
	// ErrNotFound 表示请求的资源不存在。
	ErrNotFound = errors.New("not found")
	// ErrPreconditionNotMet 表示操作被跳过，不视为失败。
	ErrPreconditionNotMet = errors.New("precondition not met")
)

// Invalid returns an input validation error wrapping ErrInvalidInput.
func Invalid(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, msg)
}

// ConfigurationError reports a required secret or setting that is missing.
// It is raised before any network call is attempted.
type ConfigurationError struct {
	Key    string // env var, e.g. "ANAM_API_KEY"
	Action string // "start avatar session", "initialize memory"
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s is not set, cannot %s", e.Key, e.Action)
}

// ExternalServiceError wraps transport, status and response-shape failures
// of the avatar and memory services.
type ExternalServiceError struct {
	Service    string // "anam", "memu", "local-memory", "llm"
	Op         string
	StatusCode int
	Err        error
}

func (e *ExternalServiceError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s failed (status %d): %v", e.Service, e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s failed: %v", e.Service, e.Op, e.Err)
}

func (e *ExternalServiceError) Unwrap() error {
	return e.Err
}

// External builds an ExternalServiceError without a status code.
func External(service, op string, err error) error {
	return &ExternalServiceError{Service: service, Op: op, Err: err}
}

// HTTPStatus 将错误映射为 HTTP 状态码。
func HTTPStatus(err error) int {
	var cfgErr *ConfigurationError
	var extErr *ExternalServiceError

	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &cfgErr):
		return http.StatusServiceUnavailable
	case errors.As(err, &extErr):
		return http.StatusBadGateway
	case errors.Is(err, ErrPreconditionNotMet):
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}

// Snippet 截取外部服务返回的正文用于错误信息，最多 n 字节且不切断多字节字符。
func Snippet(text string, n int) string {
	if len(text) <= n {
		return text
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + "..."
}
