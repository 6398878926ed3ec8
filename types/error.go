package types

import (
	"errors"
	"fmt"
)

// ErrorCode 引擎统一错误码，用于对齐 HTTP 状态、可重试性与降级策略。
type ErrorCode string

const (
	// 客户端错误：立即拒绝，不执行任何检索
	ErrInvalidQuery   ErrorCode = "INVALID_QUERY"   // 查询文本/过滤器非法
	ErrInvalidMode    ErrorCode = "INVALID_MODE"    // 未识别的显式检索模式
	ErrInvalidFilters ErrorCode = "INVALID_FILTERS" // 过滤器格式错误

	// 通道/模式级降级：被吸收，仅影响质量
	ErrChannelTimeout  ErrorCode = "CHANNEL_TIMEOUT"  // 单通道超时
	ErrChannelFailed   ErrorCode = "CHANNEL_FAILED"   // 单通道错误
	ErrRerankerFailed  ErrorCode = "RERANKER_FAILED"  // 重排序失败，回退融合顺序
	ErrMapStepFailed   ErrorCode = "MAP_STEP_FAILED"  // global 模式单个 map 调用失败
	ErrToolFailed      ErrorCode = "TOOL_FAILED"      // 智能体工具执行失败（记为观察）
	ErrGenerationError ErrorCode = "GENERATION_ERROR" // 生成调用失败

	// 请求级失败：向调用方传播
	ErrNoEvidence      ErrorCode = "NO_EVIDENCE"      // 所有通道失败或无任何证据
	ErrStructuredQuery ErrorCode = "STRUCTURED_QUERY" // 结构化查询整体失败
	ErrInternal        ErrorCode = "INTERNAL"         // 内部错误
	ErrUnauthorized    ErrorCode = "UNAUTHORIZED"     // 认证失败
	ErrRateLimited     ErrorCode = "RATE_LIMITED"     // 限流
)

// Error 结构化错误，携带错误码、HTTP 状态与可重试标记。
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Cause      error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError 创建结构化错误。
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause 附加底层错误。
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus 附加 HTTP 状态码。
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable 标记错误可重试。
func (e *Error) WithRetryable() *Error {
	e.Retryable = true
	return e
}

// AsError 将任意 error 转换为 *Error；非结构化错误包装为 ErrInternal。
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Code: ErrInternal, Message: err.Error(), Cause: err, HTTPStatus: 500}
}

// IsErrorCode 判断 err 是否携带指定错误码。
func IsErrorCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsClientError 判断是否为客户端错误（无需重试，不执行检索）。
func IsClientError(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Code {
	case ErrInvalidQuery, ErrInvalidMode, ErrInvalidFilters:
		return true
	}
	return false
}

// NewNoEvidenceError 构造"证据不足"错误。所有检索通道失败时，
// 引擎返回此错误而不是编造答案：有据可依是正确性约束。
func NewNoEvidenceError(cause error) *Error {
	return &Error{
		Code:       ErrNoEvidence,
		Message:    "insufficient information: no retrieval channel produced evidence",
		HTTPStatus: 502,
		Cause:      cause,
	}
}
