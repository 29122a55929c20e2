// internal/services/engine_usage.go
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Corphon/SceneIntruderGM/internal/utils"
)

const usageFileName = "engine_usage.json"

// EngineUsage 叙事引擎调用统计
type EngineUsage struct {
	TodayCalls    int            `json:"today_calls"`
	TodayFailures int            `json:"today_failures"`
	MonthlyTokens int            `json:"monthly_tokens"`
	DailyCalls    map[string]int `json:"daily_calls"`
	MonthlyStats  map[string]int `json:"monthly_tokens_by_month"`
	LastUpdated   time.Time      `json:"last_updated"`
}

func newEngineUsage(now time.Time) *EngineUsage {
	return &EngineUsage{
		DailyCalls:   make(map[string]int),
		MonthlyStats: make(map[string]int),
		LastUpdated:  now,
	}
}

// UsageTracker 记录引擎调用次数与令牌用量，并定期写入数据目录
type UsageTracker struct {
	path         string
	mutex        sync.Mutex
	usage        *EngineUsage
	isDirty      bool
	lastSaveTime time.Time
	saveInterval time.Duration
	now          func() time.Time
	logger       *utils.Logger
}

// NewUsageTracker 在 dataDir/stats 下加载或创建统计文件
func NewUsageTracker(dataDir string) (*UsageTracker, error) {
	dir := filepath.Join(dataDir, "stats")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("创建统计目录失败: %w", err)
	}

	t := &UsageTracker{
		path:         filepath.Join(dir, usageFileName),
		saveInterval: 30 * time.Second,
		now:          time.Now,
		logger:       utils.GetLogger(),
	}

	usage, err := t.load()
	if err != nil {
		if !os.IsNotExist(err) {
			t.logger.Warn("usage stats unreadable, starting fresh", map[string]interface{}{"err": err.Error()})
		}
		usage = newEngineUsage(t.now())
	}
	t.usage = usage
	t.rollPeriod()
	return t, nil
}

func (t *UsageTracker) load() (*EngineUsage, error) {
	data, err := os.ReadFile(t.path)
	if err != nil {
		return nil, err
	}
	var usage EngineUsage
	if err := json.Unmarshal(data, &usage); err != nil {
		return nil, fmt.Errorf("failed to parse usage stats: %w", err)
	}
	if usage.DailyCalls == nil {
		usage.DailyCalls = make(map[string]int)
	}
	if usage.MonthlyStats == nil {
		usage.MonthlyStats = make(map[string]int)
	}
	return &usage, nil
}

// rollPeriod 跨天或跨月时清零当期计数，调用方持锁
func (t *UsageTracker) rollPeriod() {
	now := t.now()
	last := t.usage.LastUpdated
	if now.Format("2006-01-02") != last.Format("2006-01-02") {
		t.usage.TodayCalls = 0
		t.usage.TodayFailures = 0
		t.isDirty = true
	}
	if now.Format("2006-01") != last.Format("2006-01") {
		t.usage.MonthlyTokens = 0
		t.isDirty = true
	}
	t.usage.LastUpdated = now
}

// Record 记录一次引擎调用
func (t *UsageTracker) Record(tokens int, failed bool) {
	if t == nil {
		return
	}
	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.rollPeriod()
	now := t.usage.LastUpdated
	t.usage.TodayCalls++
	t.usage.DailyCalls[now.Format("2006-01-02")]++
	if failed {
		t.usage.TodayFailures++
	}
	t.usage.MonthlyTokens += tokens
	t.usage.MonthlyStats[now.Format("2006-01")] += tokens
	t.isDirty = true

	if now.Sub(t.lastSaveTime) > t.saveInterval {
		if err := t.flushLocked(); err != nil {
			t.logger.Warn("failed to save usage stats", map[string]interface{}{"err": err.Error()})
		}
	}
}

// Snapshot 返回统计副本
func (t *UsageTracker) Snapshot() *EngineUsage {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.rollPeriod()
	out := *t.usage
	out.DailyCalls = maps.Clone(t.usage.DailyCalls)
	out.MonthlyStats = maps.Clone(t.usage.MonthlyStats)
	return &out
}

// Start 定期保存，ctx 结束时退出
func (t *UsageTracker) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(t.saveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := t.Flush(); err != nil {
					t.logger.Warn("periodic usage save failed", map[string]interface{}{"err": err.Error()})
				}
			}
		}
	}()
}

// Flush 有未保存数据时写入文件
func (t *UsageTracker) Flush() error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.flushLocked()
}

func (t *UsageTracker) flushLocked() error {
	if !t.isDirty {
		return nil
	}
	data, err := json.MarshalIndent(t.usage, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize usage stats: %w", err)
	}

	tempFile := t.path + ".tmp"
	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp usage file: %w", err)
	}
	if err := os.Rename(tempFile, t.path); err != nil {
		os.Remove(tempFile)
		return fmt.Errorf("failed to replace usage file: %w", err)
	}

	t.isDirty = false
	t.lastSaveTime = t.now()
	return nil
}

// Reset 清空统计
func (t *UsageTracker) Reset() error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.usage = newEngineUsage(t.now())
	t.isDirty = true
	return t.flushLocked()
}

// Close 保存未写入的数据
func (t *UsageTracker) Close() error {
	return t.Flush()
}
