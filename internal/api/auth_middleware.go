// internal/api/auth_middleware.go
package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/Corphon/SceneIntruderGM/internal/auth"
	"github.com/Corphon/SceneIntruderGM/internal/utils"
)

const operatorKey = "operator"

// OperatorAuth 保护管理类接口；tokens 为 nil 时不做校验
func OperatorAuth(tokens *auth.TokenConfig) gin.HandlerFunc {
	logger := utils.GetLogger()
	return func(c *gin.Context) {
		if tokens == nil {
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || raw == "" {
			NewResponseHelper().Error(c, http.StatusUnauthorized, ErrorUnauthorized, "operator credentials required")
			c.Abort()
			return
		}

		token, err := auth.ParseToken(raw, tokens)
		if err != nil {
			logger.Warn("operator token rejected", map[string]interface{}{
				"path":  c.FullPath(),
				"error": err.Error(),
			})
			NewResponseHelper().Error(c, http.StatusUnauthorized, ErrorUnauthorized, "invalid operator credentials")
			c.Abort()
			return
		}
		if token.Scope != auth.ScopeOperator {
			NewResponseHelper().Error(c, http.StatusForbidden, ErrorForbidden, "operator scope does not allow this operation")
			c.Abort()
			return
		}

		c.Set(operatorKey, token.Subject)
		c.Next()
	}
}
