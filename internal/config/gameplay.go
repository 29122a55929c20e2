package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// GameplayConfig 回合处理的可调参数
type GameplayConfig struct {
	EngineTimeout        time.Duration `env:"ENGINE_TIMEOUT" envDefault:"60s"`
	ResponseMode         string        `env:"RESPONSE_MODE" envDefault:"flexible"`
	MaxContinuationDepth int           `env:"MAX_CONTINUATION_DEPTH" envDefault:"20"`
	RetryMaxAge          time.Duration `env:"RETRY_MAX_AGE" envDefault:"300s"`
	ChatTailSize         int           `env:"CHAT_TAIL_SIZE" envDefault:"20"`
	ContextHistorySize   int           `env:"CONTEXT_HISTORY_SIZE" envDefault:"12"`
	LoreEnabled          bool          `env:"LORE_ENABLED" envDefault:"true"`
	LoreTopK             int           `env:"LORE_TOP_K" envDefault:"3"`
	AutoEndCombat        bool          `env:"AUTO_END_COMBAT" envDefault:"true"`
	StrictUpdates        bool          `env:"STRICT_UPDATES" envDefault:"false"`
	NarrationEnabled     bool          `env:"NARRATION_ENABLED" envDefault:"false"`
	StorageBackend       string        `env:"STORAGE_BACKEND" envDefault:"file"`
	SQLitePath           string        `env:"SQLITE_PATH" envDefault:"data/session.db"`
	SessionID            string        `env:"SESSION_ID" envDefault:"default"`
	SessionSeed          string        `env:"SESSION_SEED"`
	ActionRateLimit      int           `env:"ACTION_RATE_LIMIT" envDefault:"30"`
	OperatorSecret       string        `env:"OPERATOR_SECRET"`
	OperatorTokenTTL     time.Duration `env:"OPERATOR_TOKEN_TTL" envDefault:"24h"`
}

// LoadGameplay 从环境变量解析玩法参数
func LoadGameplay() (*GameplayConfig, error) {
	cfg := &GameplayConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse gameplay env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultGameplay 不读取环境变量的默认值
func DefaultGameplay() *GameplayConfig {
	cfg := &GameplayConfig{}
	_ = env.ParseWithOptions(cfg, env.Options{Environment: map[string]string{}})
	return cfg
}

// Validate 校验参数取值
func (c *GameplayConfig) Validate() error {
	switch c.ResponseMode {
	case "strict", "flexible":
	default:
		return fmt.Errorf("RESPONSE_MODE must be strict or flexible, got %q", c.ResponseMode)
	}
	switch c.StorageBackend {
	case "file", "sqlite":
	default:
		return fmt.Errorf("STORAGE_BACKEND must be file or sqlite, got %q", c.StorageBackend)
	}
	if c.MaxContinuationDepth < 1 {
		return fmt.Errorf("MAX_CONTINUATION_DEPTH must be positive")
	}
	if c.EngineTimeout <= 0 {
		return fmt.Errorf("ENGINE_TIMEOUT must be positive")
	}
	if c.ChatTailSize < 0 || c.ContextHistorySize < 0 || c.LoreTopK < 0 {
		return fmt.Errorf("history and lore sizes must not be negative")
	}
	return nil
}
