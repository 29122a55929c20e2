// internal/api/error_codes.go
package api

import (
	"net/http"

	"github.com/Corphon/SceneIntruderGM/internal/errors"
)

// API错误代码常量
const (
	// 通用错误
	ErrorBadRequest    = "BAD_REQUEST"
	ErrorNotFound      = "NOT_FOUND"
	ErrorInternalError = "INTERNAL_ERROR"
	ErrorConflict      = "CONFLICT"
	ErrorRateLimited   = "RATE_LIMIT_EXCEEDED"
	ErrorUnauthorized  = "UNAUTHORIZED"
	ErrorForbidden     = "FORBIDDEN"

	// 会话相关错误
	ErrorSessionNotFound = "SESSION_NOT_FOUND"
	ErrorBackendBusy     = "BACKEND_BUSY"
	ErrorInvalidAction   = "INVALID_ACTION"
	ErrorSaveFailed      = "SESSION_SAVE_FAILED"
	ErrorResetFailed     = "SESSION_RESET_FAILED"

	// 叙事引擎相关错误
	ErrorEngineUnavailable = "ENGINE_UNAVAILABLE"
	ErrorEngineConfig      = "ENGINE_CONFIG_INVALID"

	// 事件流相关错误
	ErrorInvalidSequence = "INVALID_SEQUENCE"
)

// statusForKind 动作响应中的错误类型对应的 HTTP 状态码；
// 其余失败（引擎错误、解析错误等）以 200 返回，错误放在响应体中
func statusForKind(kind errors.ErrorType) int {
	switch kind {
	case errors.ErrorTypeBusy:
		return http.StatusConflict
	case errors.ErrorTypeValidation:
		return http.StatusBadRequest
	case errors.ErrorTypeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusOK
	}
}

// codeForError 服务层错误对应的错误代码与状态码
func codeForError(err error) (int, string) {
	switch errors.Kind(err) {
	case errors.ErrorTypeBusy:
		return http.StatusConflict, ErrorBackendBusy
	case errors.ErrorTypeValidation:
		return http.StatusBadRequest, ErrorBadRequest
	case errors.ErrorTypeNotFound:
		return http.StatusNotFound, ErrorNotFound
	default:
		return http.StatusInternalServerError, ErrorInternalError
	}
}
