// internal/services/narration.go
package services

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/Corphon/SceneIntruderGM/internal/utils"
)

// Narrator 叙述渲染（例如语音合成），由外部实现
type Narrator interface {
	Narrate(ctx context.Context, correlationID, text string) error
}

// LogNarrator 只把叙述写入日志
type LogNarrator struct {
	logger *utils.Logger
}

// NewLogNarrator 创建日志叙述器
func NewLogNarrator() *LogNarrator {
	return &LogNarrator{logger: utils.GetLogger()}
}

func (n *LogNarrator) Narrate(_ context.Context, correlationID, text string) error {
	n.logger.Debug("narration", map[string]interface{}{
		"correlation_id": correlationID,
		"chars":          len(text),
	})
	return nil
}

type narrationJob struct {
	correlationID string
	text          string
}

// NarrationQueue 异步叙述队列，满时丢弃，不阻塞回合处理
type NarrationQueue struct {
	narrator Narrator
	jobs     chan narrationJob
	workers  int

	mu      sync.Mutex
	cancel  context.CancelFunc
	group   *errgroup.Group
	started bool

	delivered atomic.Int64
	dropped   atomic.Int64
	failed    atomic.Int64
	logger    *utils.Logger
}

// NewNarrationQueue 创建队列，capacity 为缓冲长度
func NewNarrationQueue(narrator Narrator, capacity, workers int) *NarrationQueue {
	if capacity <= 0 {
		capacity = 32
	}
	if workers <= 0 {
		workers = 1
	}
	return &NarrationQueue{
		narrator: narrator,
		jobs:     make(chan narrationJob, capacity),
		workers:  workers,
		logger:   utils.GetLogger(),
	}
}

// Start 启动工作协程
func (q *NarrationQueue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	ctx, q.cancel = context.WithCancel(ctx)
	q.group, ctx = errgroup.WithContext(ctx)
	for i := 0; i < q.workers; i++ {
		q.group.Go(func() error {
			q.work(ctx)
			return nil
		})
	}
	q.started = true
}

func (q *NarrationQueue) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-q.jobs:
			if err := q.narrator.Narrate(ctx, job.correlationID, job.text); err != nil {
				q.failed.Add(1)
				q.logger.Warn("narration failed", map[string]interface{}{
					"correlation_id": job.correlationID,
					"err":            err.Error(),
				})
				continue
			}
			q.delivered.Add(1)
		}
	}
}

// Enqueue 非阻塞入队，队列满时返回 false
func (q *NarrationQueue) Enqueue(correlationID, text string) bool {
	if text == "" {
		return false
	}
	select {
	case q.jobs <- narrationJob{correlationID: correlationID, text: text}:
		return true
	default:
		q.dropped.Add(1)
		return false
	}
}

// Stop 停止工作协程并等待退出
func (q *NarrationQueue) Stop() {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return
	}
	q.cancel()
	group := q.group
	q.started = false
	q.mu.Unlock()
	_ = group.Wait()
}

// NarrationStats 队列统计
type NarrationStats struct {
	Queued    int   `json:"queued"`
	Delivered int64 `json:"delivered"`
	Dropped   int64 `json:"dropped"`
	Failed    int64 `json:"failed"`
}

// Stats 返回队列统计
func (q *NarrationQueue) Stats() NarrationStats {
	return NarrationStats{
		Queued:    len(q.jobs),
		Delivered: q.delivered.Load(),
		Dropped:   q.dropped.Load(),
		Failed:    q.failed.Load(),
	}
}
