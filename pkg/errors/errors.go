// Package errors 提供统一的错误定义
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode 错误码类型
type ErrorCode string

// 预定义错误码
const (
	// 通用错误 (1xxx)
	CodeSuccess            ErrorCode = "0"
	CodeUnknown            ErrorCode = "1000"
	CodeInvalidParam       ErrorCode = "1001"
	CodeNotFound           ErrorCode = "1004"
	CodeConflict           ErrorCode = "1005"
	CodeInternalError      ErrorCode = "1007"
	CodeServiceUnavailable ErrorCode = "1008"

	// 资源错误 (3xxx)
	CodeBatchNotFound ErrorCode = "3005"

	// 业务错误 (4xxx)
	CodeUnitRejected       ErrorCode = "4101"
	CodeUnitTimeout        ErrorCode = "4102"
	CodeUnitNotPersisted   ErrorCode = "4103"
	CodeBatchCancelled     ErrorCode = "4104"
	CodeBatchConflict      ErrorCode = "4105"
	CodeDecisionNotPending ErrorCode = "4106"

	// 外部服务错误 (5xxx)
	CodeCacheError      ErrorCode = "5002"
	CodeDatabaseError   ErrorCode = "5001"
	CodeStreamTransport ErrorCode = "5101"
	CodeStreamStatus    ErrorCode = "5102"

	// CodeBadUpstreamResponse 上游成功响应但内容不可用，不算传输失败
	CodeBadUpstreamResponse ErrorCode = "5103"
)

// AppError 应用错误
type AppError struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	Detail     string    `json:"detail,omitempty"`
	HTTPStatus int       `json:"-"`
	Err        error     `json:"-"`
}

// Error 实现 error 接口
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 返回底层错误
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetail 添加详细信息
func (e *AppError) WithDetail(detail string) *AppError {
	cp := *e
	cp.Detail = detail
	return &cp
}

// New 创建新的应用错误
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: codeToHTTPStatus(code),
	}
}

// Wrap 包装错误
func Wrap(err error, code ErrorCode, message string) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: codeToHTTPStatus(code),
		Err:        err,
	}
}

// codeToHTTPStatus 错误码转 HTTP 状态码
func codeToHTTPStatus(code ErrorCode) int {
	switch code {
	case CodeSuccess:
		return http.StatusOK
	case CodeInvalidParam:
		return http.StatusBadRequest
	case CodeNotFound, CodeBatchNotFound:
		return http.StatusNotFound
	case CodeConflict, CodeBatchConflict, CodeDecisionNotPending:
		return http.StatusConflict
	case CodeServiceUnavailable:
		return http.StatusServiceUnavailable
	case CodeUnitTimeout:
		return http.StatusGatewayTimeout
	case CodeStreamTransport, CodeStreamStatus, CodeUnitRejected, CodeBadUpstreamResponse:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// 预定义错误
var (
	ErrInvalidParam       = New(CodeInvalidParam, "invalid parameter")
	ErrNotFound           = New(CodeNotFound, "resource not found")
	ErrInternalError      = New(CodeInternalError, "internal server error")
	ErrServiceUnavailable = New(CodeServiceUnavailable, "service unavailable")

	ErrBatchNotFound      = New(CodeBatchNotFound, "batch job not found")
	ErrBatchCancelled     = New(CodeBatchCancelled, "batch job cancelled")
	ErrBatchConflict      = New(CodeBatchConflict, "batch job already finished")
	ErrDecisionNotPending = New(CodeDecisionNotPending, "no failure decision pending")
)

// IsAppError 检查是否为 AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return stderrors.As(err, &appErr)
}

// AsAppError 将错误转换为 AppError
func AsAppError(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return Wrap(err, CodeUnknown, "unknown error")
}

// HasCode 检查错误链中是否包含指定错误码
func HasCode(err error, code ErrorCode) bool {
	var appErr *AppError
	if !stderrors.As(err, &appErr) {
		return false
	}
	return appErr.Code == code
}

// IsTimeout 轮询等待超时
func IsTimeout(err error) bool {
	return HasCode(err, CodeUnitTimeout)
}

// IsTransport 流传输层错误（读失败或非成功状态码）
func IsTransport(err error) bool {
	return HasCode(err, CodeStreamTransport) || HasCode(err, CodeStreamStatus)
}

// IsCancelled 批量任务已取消
func IsCancelled(err error) bool {
	return HasCode(err, CodeBatchCancelled)
}
