// internal/auth/auth.go
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ScopeOperator 允许修改引擎配置和重置会话
const ScopeOperator = "operator"

// TokenConfig 令牌签名配置
type TokenConfig struct {
	Secret     []byte
	Expiration time.Duration
}

// Token 操作员令牌
type Token struct {
	Subject   string `json:"subject"`
	Scope     string `json:"scope"`
	ExpiresAt int64  `json:"expires_at"`
	IssuedAt  int64  `json:"issued_at"`
}

// NewTokenConfig secret 为空时返回 nil，表示不启用鉴权
func NewTokenConfig(secret string, expiration time.Duration) *TokenConfig {
	if secret == "" {
		return nil
	}
	if expiration <= 0 {
		expiration = 24 * time.Hour
	}
	return &TokenConfig{Secret: []byte(secret), Expiration: expiration}
}

// GenerateToken 签发令牌，格式为 base64(payload).base64(hmac)
func GenerateToken(subject, scope string, config *TokenConfig) (string, error) {
	if config == nil || len(config.Secret) == 0 {
		return "", fmt.Errorf("secret key is required")
	}
	if strings.Contains(subject, "|") || strings.Contains(scope, "|") {
		return "", fmt.Errorf("subject and scope must not contain '|'")
	}

	now := time.Now()
	payload := fmt.Sprintf("%s|%s|%d|%d", subject, scope, now.Add(config.Expiration).Unix(), now.Unix())

	encodedPayload := base64.URLEncoding.EncodeToString([]byte(payload))
	encodedSignature := base64.URLEncoding.EncodeToString(sign(config.Secret, []byte(payload)))
	return encodedPayload + "." + encodedSignature, nil
}

// ParseToken 校验签名和有效期
func ParseToken(tokenString string, config *TokenConfig) (*Token, error) {
	if config == nil || len(config.Secret) == 0 {
		return nil, fmt.Errorf("secret key is required")
	}

	encodedPayload, encodedSignature, ok := strings.Cut(tokenString, ".")
	if !ok {
		return nil, fmt.Errorf("invalid token format")
	}

	payloadBytes, err := base64.URLEncoding.DecodeString(encodedPayload)
	if err != nil {
		return nil, fmt.Errorf("invalid token payload: %w", err)
	}
	signatureBytes, err := base64.URLEncoding.DecodeString(encodedSignature)
	if err != nil {
		return nil, fmt.Errorf("invalid token signature: %w", err)
	}
	if !hmac.Equal(signatureBytes, sign(config.Secret, payloadBytes)) {
		return nil, fmt.Errorf("invalid token signature")
	}

	parts := strings.Split(string(payloadBytes), "|")
	if len(parts) != 4 {
		return nil, fmt.Errorf("invalid payload format")
	}
	expiresAt, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid expiry: %w", err)
	}
	issuedAt, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid issue time: %w", err)
	}

	if time.Now().Unix() > expiresAt {
		return nil, fmt.Errorf("token has expired")
	}

	return &Token{
		Subject:   parts[0],
		Scope:     parts[1],
		ExpiresAt: expiresAt,
		IssuedAt:  issuedAt,
	}, nil
}

func sign(secret, payload []byte) []byte {
	h := hmac.New(sha256.New, secret)
	h.Write(payload)
	return h.Sum(nil)
}

// GenerateSecureKey 生成随机签名密钥
func GenerateSecureKey(length int) ([]byte, error) {
	if length <= 0 {
		length = 32
	}

	key := make([]byte, length)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}
