// internal/utils/metrics.go
package utils

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// MetricsCollector 进程内计数器、仪表和直方图
type MetricsCollector struct {
	mu         sync.RWMutex
	counters   map[string]*atomic.Int64
	gauges     map[string]*atomic.Int64
	histograms map[string]*Histogram
}

// Histogram 只记录 count/sum/min/max
type Histogram struct {
	mu    sync.Mutex
	count int64
	sum   int64
	min   int64
	max   int64
}

var (
	globalMetrics *MetricsCollector
	metricsOnce   sync.Once
)

// NewMetricsCollector 创建独立的收集器
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		counters:   make(map[string]*atomic.Int64),
		gauges:     make(map[string]*atomic.Int64),
		histograms: make(map[string]*Histogram),
	}
}

// GetMetricsCollector 全局收集器
func GetMetricsCollector() *MetricsCollector {
	metricsOnce.Do(func() {
		globalMetrics = NewMetricsCollector()
	})
	return globalMetrics
}

// slot 读锁快路径，不存在时加写锁创建
func slot(mu *sync.RWMutex, m map[string]*atomic.Int64, name string) *atomic.Int64 {
	mu.RLock()
	v, ok := m[name]
	mu.RUnlock()
	if ok {
		return v
	}

	mu.Lock()
	defer mu.Unlock()
	if v, ok = m[name]; !ok {
		v = &atomic.Int64{}
		m[name] = v
	}
	return v
}

func (m *MetricsCollector) IncrementCounter(name string) {
	slot(&m.mu, m.counters, name).Add(1)
}

func (m *MetricsCollector) AddCounter(name string, value int64) {
	slot(&m.mu, m.counters, name).Add(value)
}

func (m *MetricsCollector) SetGauge(name string, value int64) {
	slot(&m.mu, m.gauges, name).Store(value)
}

func (m *MetricsCollector) IncGauge(name string) {
	slot(&m.mu, m.gauges, name).Add(1)
}

func (m *MetricsCollector) DecGauge(name string) {
	slot(&m.mu, m.gauges, name).Add(-1)
}

// GetGauge 未注册的仪表返回 0
func (m *MetricsCollector) GetGauge(name string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if g, ok := m.gauges[name]; ok {
		return g.Load()
	}
	return 0
}

// GetCounterValue 未注册的计数器返回 0
func (m *MetricsCollector) GetCounterValue(name string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.counters[name]; ok {
		return c.Load()
	}
	return 0
}

// RecordHistogram 记录一个观测值
func (m *MetricsCollector) RecordHistogram(name string, value int64) {
	m.mu.RLock()
	h, ok := m.histograms[name]
	m.mu.RUnlock()
	if !ok {
		m.mu.Lock()
		if h, ok = m.histograms[name]; !ok {
			h = &Histogram{min: value, max: value}
			m.histograms[name] = h
		}
		m.mu.Unlock()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += value
	h.min = min(h.min, value)
	h.max = max(h.max, value)
}

// GetMetrics 返回所有指标的快照
func (m *MetricsCollector) GetMetrics() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counters := make(map[string]int64, len(m.counters))
	for name, c := range m.counters {
		counters[name] = c.Load()
	}
	gauges := make(map[string]int64, len(m.gauges))
	for name, g := range m.gauges {
		gauges[name] = g.Load()
	}
	histograms := make(map[string]map[string]int64, len(m.histograms))
	for name, h := range m.histograms {
		h.mu.Lock()
		histograms[name] = map[string]int64{"count": h.count, "sum": h.sum, "min": h.min, "max": h.max}
		h.mu.Unlock()
	}

	return map[string]interface{}{
		"counters":   counters,
		"gauges":     gauges,
		"histograms": histograms,
	}
}

// GameMetrics 回合处理相关的指标
type GameMetrics struct {
	metrics *MetricsCollector
	logger  *Logger
}

// NewGameMetrics 使用给定收集器；nil 时使用全局收集器
func NewGameMetrics(collector *MetricsCollector) *GameMetrics {
	if collector == nil {
		collector = GetMetricsCollector()
	}
	return &GameMetrics{metrics: collector, logger: GetLogger()}
}

// Collector 底层收集器
func (gm *GameMetrics) Collector() *MetricsCollector {
	return gm.metrics
}

// RecordAction 记录一次动作及其结果
func (gm *GameMetrics) RecordAction(actionType string, success bool, duration time.Duration) {
	gm.metrics.IncrementCounter("actions_total")
	gm.metrics.IncrementCounter("actions_" + actionType)
	if !success {
		gm.metrics.IncrementCounter("actions_failed")
	}
	gm.metrics.RecordHistogram("action_duration_ms", duration.Milliseconds())
}

// RecordBusyRejection 记录因后端忙被拒绝的动作
func (gm *GameMetrics) RecordBusyRejection(actionType string) {
	gm.metrics.IncrementCounter("actions_rejected_busy")
	gm.logger.Debug("action rejected: backend busy", map[string]interface{}{"action": actionType})
}

// RecordEngineCall 记录一次叙事引擎调用
func (gm *GameMetrics) RecordEngineCall(provider string, duration time.Duration, err error) {
	gm.metrics.IncrementCounter("engine_calls_total")
	gm.metrics.RecordHistogram("engine_latency_ms", duration.Milliseconds())
	if err != nil {
		gm.metrics.IncrementCounter("engine_failures_total")
		gm.logger.Warn("engine call failed", map[string]interface{}{
			"provider":    provider,
			"duration_ms": duration.Milliseconds(),
			"err":         err.Error(),
		})
	}
}

// RecordUpdates 记录已应用和被丢弃的更新数量
func (gm *GameMetrics) RecordUpdates(applied, dropped int) {
	gm.metrics.AddCounter("updates_applied_total", int64(applied))
	gm.metrics.AddCounter("updates_dropped_total", int64(dropped))
}

// RecordForcedTurnEnd 续写深度超限后强制结束回合
func (gm *GameMetrics) RecordForcedTurnEnd() {
	gm.metrics.IncrementCounter("forced_turn_ends_total")
}

// RecordHTTPStatus 按状态码类别计数
func (gm *GameMetrics) RecordHTTPStatus(status int, duration time.Duration) {
	gm.metrics.IncrementCounter("http_responses_" + strconv.Itoa(status/100) + "xx")
	gm.metrics.RecordHistogram("http_response_time_ms", duration.Milliseconds())
}

// SetSubscribers 当前事件流订阅者数量
func (gm *GameMetrics) SetSubscribers(n int) {
	gm.metrics.SetGauge("event_subscribers", int64(n))
}

// StartReporting 周期性地把指标写入日志
func (gm *GameMetrics) StartReporting(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				gm.logger.Info("metrics report", map[string]interface{}{"metrics": gm.metrics.GetMetrics()})
			}
		}
	}()
}
