// internal/llm/errors.go
package llm

import (
	"errors"
	"fmt"
	"net/http"
)

// TransportError 请求没有得到服务端的有效响应（连接失败、读取中断等）
type TransportError struct {
	Provider string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s transport: %v", e.Provider, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProviderError 服务端返回了错误状态或无法使用的内容
type ProviderError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *ProviderError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s: %s", e.Provider, e.Body)
	}
	return fmt.Sprintf("%s api错误(%d): %s", e.Provider, e.StatusCode, truncate(e.Body, 512))
}

// Temporary 限流和服务端错误可以稍后重试
func (e *ProviderError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// IsTransportError 检查错误链中是否有 TransportError
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsProviderError 检查错误链中是否有 ProviderError
func IsProviderError(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
