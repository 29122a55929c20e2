// internal/errors/errors.go
package errors

import (
	"errors"
	"fmt"
)

// ErrorType 定义错误类型
type ErrorType string

const (
	// 通用错误类型
	ErrorTypeValidation ErrorType = "validation_error"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeError      ErrorType = "processing_error"
	ErrorTypeConflict   ErrorType = "conflict"
	ErrorTypeTimeout    ErrorType = "timeout"
	ErrorTypeInternal   ErrorType = "internal"

	// 回合流水线错误类型
	ErrorTypeBusy                      ErrorType = "busy"
	ErrorTypeSchemaViolation           ErrorType = "schema_violation"
	ErrorTypeNoJSONFound               ErrorType = "no_json_found"
	ErrorTypeUnknownDiceRequest        ErrorType = "unknown_dice_request"
	ErrorTypeNothingToRetry            ErrorType = "nothing_to_retry"
	ErrorTypeRetryContextStale         ErrorType = "retry_context_stale"
	ErrorTypeEngineTimeout             ErrorType = "engine_timeout"
	ErrorTypeEngineTransport           ErrorType = "engine_transport_error"
	ErrorTypeEngineProvider            ErrorType = "engine_provider_error"
	ErrorTypeInvariantViolation        ErrorType = "invariant_violation"
	ErrorTypeContinuationDepthExceeded ErrorType = "continuation_depth_exceeded"
)

// AppError 应用程序错误结构
type AppError struct {
	Type    ErrorType
	Message string
	Err     error
	Code    string // 用户友好的错误代码
}

// Error 实现 error 接口
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap 实现错误链接
func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError 创建新的 AppError
func NewAppError(errType ErrorType, message string, originalError error) *AppError {
	return &AppError{
		Type:    errType,
		Message: message,
		Err:     originalError,
		Code:    generateErrorCode(errType),
	}
}

// NewValidationError 创建验证错误
func NewValidationError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeValidation, message, originalError)
}

// NewNotFoundError 创建未找到错误
func NewNotFoundError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeNotFound, message, originalError)
}

// NewProcessingError 创建处理错误
func NewProcessingError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeError, message, originalError)
}

// NewConflictError 创建冲突错误
func NewConflictError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeConflict, message, originalError)
}

// NewInternalError 创建内部错误
func NewInternalError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeInternal, message, originalError)
}

// NewBusyError 后端正在处理其他动作
func NewBusyError(message string) *AppError {
	return NewAppError(ErrorTypeBusy, message, nil)
}

// NewSchemaViolationError 严格模式下引擎输出不符合结构
func NewSchemaViolationError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeSchemaViolation, message, originalError)
}

// NewNoJSONFoundError 宽松模式下找不到JSON对象
func NewNoJSONFoundError(message string) *AppError {
	return NewAppError(ErrorTypeNoJSONFound, message, nil)
}

// NewUnknownDiceRequestError 提交的骰子请求ID未挂起
func NewUnknownDiceRequestError(requestID string) *AppError {
	return NewAppError(ErrorTypeUnknownDiceRequest,
		fmt.Sprintf("no pending dice request %q", requestID), nil)
}

// NewNothingToRetryError 没有可重试的请求上下文
func NewNothingToRetryError() *AppError {
	return NewAppError(ErrorTypeNothingToRetry, "no stored request context to retry", nil)
}

// NewRetryContextStaleError 请求上下文已过期
func NewRetryContextStaleError(message string) *AppError {
	return NewAppError(ErrorTypeRetryContextStale, message, nil)
}

// NewEngineError 叙事引擎调用失败
func NewEngineError(errType ErrorType, message string, originalError error) *AppError {
	return NewAppError(errType, message, originalError)
}

// NewInvariantViolationError 状态更新违反不变量
func NewInvariantViolationError(message string) *AppError {
	return NewAppError(ErrorTypeInvariantViolation, message, nil)
}

// IsValidationError 检查是否为验证错误
func IsValidationError(err error) bool {
	return Is(err, ErrorTypeValidation)
}

// IsNotFoundError 检查是否为未找到错误
func IsNotFoundError(err error) bool {
	return Is(err, ErrorTypeNotFound)
}

// IsConflictError 检查是否为冲突错误
func IsConflictError(err error) bool {
	return Is(err, ErrorTypeConflict)
}

// IsBusyError 检查是否为忙碌错误
func IsBusyError(err error) bool {
	return Is(err, ErrorTypeBusy)
}

// Is 检查错误链中是否包含指定类型的 AppError
func Is(err error, errType ErrorType) bool {
	var appError *AppError
	if errors.As(err, &appError) {
		return appError.Type == errType
	}
	return false
}

// Kind 返回错误的类型，非 AppError 归为 internal
func Kind(err error) ErrorType {
	if err == nil {
		return ""
	}
	var appError *AppError
	if errors.As(err, &appError) {
		return appError.Type
	}
	return ErrorTypeInternal
}

// Retryable 报告该错误是否保留了请求上下文供 Retry 使用
func Retryable(err error) bool {
	switch Kind(err) {
	case ErrorTypeEngineTimeout, ErrorTypeEngineTransport, ErrorTypeEngineProvider,
		ErrorTypeSchemaViolation, ErrorTypeNoJSONFound:
		return true
	}
	return false
}

// generateErrorCode 根据错误类型生成错误代码
func generateErrorCode(errType ErrorType) string {
	switch errType {
	case ErrorTypeValidation:
		return "VALIDATION_ERROR"
	case ErrorTypeNotFound:
		return "NOT_FOUND"
	case ErrorTypeError:
		return "PROCESSING_ERROR"
	case ErrorTypeConflict:
		return "CONFLICT"
	case ErrorTypeTimeout:
		return "TIMEOUT"
	case ErrorTypeBusy:
		return "BACKEND_BUSY"
	case ErrorTypeSchemaViolation:
		return "SCHEMA_VIOLATION"
	case ErrorTypeNoJSONFound:
		return "NO_JSON_FOUND"
	case ErrorTypeUnknownDiceRequest:
		return "UNKNOWN_DICE_REQUEST"
	case ErrorTypeNothingToRetry:
		return "NOTHING_TO_RETRY"
	case ErrorTypeRetryContextStale:
		return "RETRY_CONTEXT_STALE"
	case ErrorTypeEngineTimeout:
		return "ENGINE_TIMEOUT"
	case ErrorTypeEngineTransport:
		return "ENGINE_TRANSPORT_ERROR"
	case ErrorTypeEngineProvider:
		return "ENGINE_PROVIDER_ERROR"
	case ErrorTypeInvariantViolation:
		return "INVARIANT_VIOLATION"
	case ErrorTypeContinuationDepthExceeded:
		return "CONTINUATION_DEPTH_EXCEEDED"
	case ErrorTypeInternal:
		return "INTERNAL_ERROR"
	default:
		return "UNKNOWN_ERROR"
	}
}

// WrapError 包装现有错误
func WrapError(err error, message string, errType ErrorType) error {
	if err == nil {
		return nil
	}

	var appError *AppError
	if errors.As(err, &appError) {
		// 如果已经是 AppError，只更新消息
		return &AppError{
			Type:    appError.Type,
			Message: fmt.Sprintf("%s: %s", message, appError.Message),
			Err:     appError,
			Code:    appError.Code,
		}
	}

	// 否则创建新的 AppError
	return NewAppError(errType, message, err)
}
