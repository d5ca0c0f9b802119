// Package errors 定义编排服务统一的错误码体系。每个错误码登记默认信息、
// 严重程度与 HTTP 状态，API 层据此生成响应，告警据此分级。
package errors

import (
	stdErrors "errors"
	"fmt"
	"maps"
	"net/http"
	"sync"
)

// Code 表示系统内的统一错误码。
type Code string

// Severity 描述错误的严重程度，用于告警和审计。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
	CodeTimeout               Code = "TIMEOUT"
	CodeUnknownPattern        Code = "UNKNOWN_PATTERN"
	CodeCircuitOpen           Code = "CIRCUIT_OPEN"
	CodeRateLimitExceeded     Code = "RATE_LIMIT_EXCEEDED"
	CodeQueueFull             Code = "QUEUE_FULL"
	CodeTransientDownstream   Code = "TRANSIENT_DOWNSTREAM"
	CodePermanentDownstream   Code = "PERMANENT_DOWNSTREAM"
	CodeSerialization         Code = "SERIALIZATION_FAILED"
)

// Attributes 是错误码的默认描述。
type Attributes struct {
	Message    string
	Severity   Severity
	HTTPStatus int
}

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeUnknown:               {"unknown error", SeverityCritical, http.StatusInternalServerError},
		CodeInvalidArgument:       {"invalid argument", SeverityInfo, http.StatusBadRequest},
		CodeInitializationFailure: {"service not initialized", SeverityWarning, http.StatusServiceUnavailable},
		CodeStorageFailure:        {"storage failure", SeverityCritical, http.StatusInternalServerError},
		CodeTimeout:               {"operation timed out", SeverityWarning, http.StatusGatewayTimeout},
		CodeUnknownPattern:        {"unknown routing pattern", SeverityInfo, http.StatusBadRequest},
		CodeCircuitOpen:           {"target circuit is open", SeverityWarning, http.StatusServiceUnavailable},
		CodeRateLimitExceeded:     {"rate limit exceeded", SeverityInfo, http.StatusTooManyRequests},
		CodeQueueFull:             {"task queue is full", SeverityWarning, http.StatusServiceUnavailable},
		CodeTransientDownstream:   {"transient downstream failure", SeverityWarning, http.StatusBadGateway},
		CodePermanentDownstream:   {"downstream returned an error status", SeverityWarning, http.StatusBadGateway},
		CodeSerialization:         {"serialization failed", SeverityWarning, http.StatusInternalServerError},
	}
)

// Register 在初始化阶段登记业务模块自己的错误码。
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[code] = attr
}

// Lookup 返回错误码的属性，未登记的错误码按 UNKNOWN 处理。
func Lookup(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}

// Error 是系统内统一的错误类型。
type Error struct {
	code     Code
	message  string
	cause    error
	metadata map[string]string
	details  any
}

// Option 定义可选配置。
type Option func(*Error)

// WithMetadata 附加一对键值，API 层放在 error.metadata 中输出。
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithDetails 附加结构化详情，例如未知 pattern 时的可用路由列表。
func WithDetails(details any) Option {
	return func(e *Error) { e.details = details }
}

// New 创建错误，message 为空时使用错误码的默认信息。
func New(code Code, message string, opts ...Option) *Error {
	if message == "" {
		message = Lookup(code).Message
	}
	e := &Error{code: code, message: message}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Wrap 在已有错误外包裹统一错误类型。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.code, e.message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 让 errors.Is 按错误码比较。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e != nil && t != nil && e.code == t.code
}

// Code 返回错误码。
func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Message 返回不含错误码前缀的信息。
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Metadata 返回附加信息的副本。
func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return nil
	}
	return maps.Clone(e.metadata)
}

// Details 返回结构化详情。
func (e *Error) Details() any {
	if e == nil {
		return nil
	}
	return e.details
}

// Severity 返回错误码登记的严重程度。
func (e *Error) Severity() Severity {
	return Lookup(e.Code()).Severity
}

// From 在错误链中查找统一错误类型。
func From(err error) (*Error, bool) {
	var target *Error
	if err != nil && stdErrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf 返回错误链中第一个统一错误的错误码。
func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.Code()
	}
	return CodeUnknown
}

// HasCode 判断错误链中是否包含指定错误码。
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// HTTPStatus 将错误映射为 HTTP 状态码。
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	if status := Lookup(CodeOf(err)).HTTPStatus; status != 0 {
		return status
	}
	return http.StatusInternalServerError
}
