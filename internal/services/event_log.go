// internal/services/event_log.go
package services

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/Corphon/SceneIntruderGM/internal/models"
	"github.com/Corphon/SceneIntruderGM/internal/utils"
)

const defaultSubscriberBuffer = 256

// EventLog 单写者、只追加的事件日志
//
// 追加和订阅共用同一把锁：订阅时返回的积压事件与随后推送的实时事件之间
// 既不重复也不遗漏。消费过慢的订阅者会被直接关闭，需要重新订阅并回填。
type EventLog struct {
	mu          sync.RWMutex
	events      []models.Event
	lastSeq     uint64
	subscribers map[uint64]*Subscription
	nextSubID   uint64
	bufferSize  int
	logger      *utils.Logger
}

// Subscription 事件订阅
type Subscription struct {
	ID     uint64
	C      <-chan models.Event
	ch     chan models.Event
	closed bool
}

// NewEventLog 创建事件日志
func NewEventLog() *EventLog {
	return &EventLog{
		subscribers: make(map[uint64]*Subscription),
		bufferSize:  defaultSubscriberBuffer,
		logger:      utils.GetLogger(),
	}
}

// SetSubscriberBuffer 调整新订阅的缓冲区大小
func (l *EventLog) SetSubscriberBuffer(n int) {
	if n <= 0 {
		return
	}
	l.mu.Lock()
	l.bufferSize = n
	l.mu.Unlock()
}

// Append 追加事件并分配下一个序号
func (l *EventLog) Append(eventType models.EventType, correlationID string, payload map[string]interface{}) models.Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.lastSeq++
	ev := models.Event{
		Seq:           l.lastSeq,
		ID:            ulid.Make().String(),
		Timestamp:     time.Now().UTC(),
		Type:          eventType,
		CorrelationID: correlationID,
		Payload:       payload,
	}
	l.events = append(l.events, ev)

	for id, sub := range l.subscribers {
		select {
		case sub.ch <- ev:
		default:
			l.logger.Warn("dropping slow event subscriber", map[string]interface{}{
				"subscriber": id,
				"seq":        ev.Seq,
			})
			l.closeLocked(sub)
		}
	}
	return ev
}

// Since 返回序号大于 afterSeq 的事件，limit<=0 表示不限
func (l *EventLog) Since(afterSeq uint64, limit int) []models.Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.sinceLocked(afterSeq, limit)
}

func (l *EventLog) sinceLocked(afterSeq uint64, limit int) []models.Event {
	if len(l.events) == 0 || afterSeq >= l.lastSeq {
		return nil
	}
	first := l.events[0].Seq
	start := 0
	if afterSeq >= first {
		start = int(afterSeq - first + 1)
	}
	end := len(l.events)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	out := make([]models.Event, end-start)
	copy(out, l.events[start:end])
	return out
}

// LastSeq 当前最后一个序号
func (l *EventLog) LastSeq() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastSeq
}

// Subscribe 原子地返回 afterSeq 之后的积压事件和实时通道
func (l *EventLog) Subscribe(afterSeq uint64) (*Subscription, []models.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	backlog := l.sinceLocked(afterSeq, 0)
	l.nextSubID++
	ch := make(chan models.Event, l.bufferSize)
	sub := &Subscription{ID: l.nextSubID, C: ch, ch: ch}
	l.subscribers[sub.ID] = sub
	return sub, backlog
}

// Unsubscribe 取消订阅，可重复调用
func (l *EventLog) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeLocked(sub)
}

func (l *EventLog) closeLocked(sub *Subscription) {
	if sub.closed {
		return
	}
	sub.closed = true
	delete(l.subscribers, sub.ID)
	close(sub.ch)
}

// SubscriberCount 当前订阅数
func (l *EventLog) SubscriberCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.subscribers)
}

// Resume 从归档恢复事件，之后的追加从归档中最大的序号继续。
// 内存中只保留连续的部分；归档有缺口时丢弃缺口之前的事件。
func (l *EventLog) Resume(archived []models.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ev := range archived {
		if ev.Seq <= l.lastSeq {
			continue
		}
		if ev.Seq != l.lastSeq+1 && (len(l.events) > 0 || l.lastSeq > 0) {
			l.logger.Warn("event archive has a sequence gap", map[string]interface{}{
				"after_seq": l.lastSeq,
				"next_seq":  ev.Seq,
			})
			l.events = nil
		}
		l.events = append(l.events, ev)
		l.lastSeq = ev.Seq
	}
}
