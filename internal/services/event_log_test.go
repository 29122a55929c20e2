package services

import (
	"sync"
	"testing"

	"github.com/Corphon/SceneIntruderGM/internal/models"
)

// TestEventLogSequenceIsGapFree 测试序号严格递增且无空洞
func TestEventLogSequenceIsGapFree(t *testing.T) {
	log := NewEventLog()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Append(models.EventSystemMessage, "", nil)
		}()
	}
	wg.Wait()

	events := log.Since(0, 0)
	if len(events) != 50 {
		t.Fatalf("事件数量 = %d, 期望 50", len(events))
	}
	for i, ev := range events {
		if ev.Seq != uint64(i+1) {
			t.Fatalf("第 %d 个事件序号 = %d, 期望 %d", i, ev.Seq, i+1)
		}
		if ev.ID == "" {
			t.Fatal("事件ID不应为空")
		}
	}
	if log.LastSeq() != 50 {
		t.Fatalf("LastSeq = %d", log.LastSeq())
	}
}

// TestEventLogSinceAndLimit 测试回填查询
func TestEventLogSinceAndLimit(t *testing.T) {
	log := NewEventLog()
	for i := 0; i < 10; i++ {
		log.Append(models.EventChatMessage, "c", map[string]interface{}{"i": i})
	}

	got := log.Since(4, 3)
	if len(got) != 3 || got[0].Seq != 5 || got[2].Seq != 7 {
		t.Fatalf("Since(4,3) 结果错误: %+v", got)
	}
	if len(log.Since(10, 0)) != 0 {
		t.Fatal("最新序号之后不应有事件")
	}
	if len(log.Since(0, 0)) != 10 {
		t.Fatal("Since(0) 应返回全部事件")
	}
}

// TestEventLogSubscribeBacklogThenLive 测试订阅时积压与实时事件衔接
func TestEventLogSubscribeBacklogThenLive(t *testing.T) {
	log := NewEventLog()
	log.Append(models.EventChatMessage, "", nil)
	log.Append(models.EventChatMessage, "", nil)
	log.Append(models.EventChatMessage, "", nil)

	sub, backlog := log.Subscribe(1)
	defer log.Unsubscribe(sub)
	if len(backlog) != 2 || backlog[0].Seq != 2 {
		t.Fatalf("积压事件错误: %+v", backlog)
	}

	log.Append(models.EventHPChanged, "", nil)
	ev := <-sub.C
	if ev.Seq != 4 || ev.Type != models.EventHPChanged {
		t.Fatalf("实时事件错误: %+v", ev)
	}
}

// TestEventLogDropsSlowSubscriber 测试慢订阅者被关闭
func TestEventLogDropsSlowSubscriber(t *testing.T) {
	log := NewEventLog()
	log.SetSubscriberBuffer(2)
	sub, _ := log.Subscribe(0)

	for i := 0; i < 3; i++ {
		log.Append(models.EventSystemMessage, "", nil)
	}
	if log.SubscriberCount() != 0 {
		t.Fatal("慢订阅者应被移除")
	}

	n := 0
	for range sub.C {
		n++
	}
	if n != 2 {
		t.Fatalf("关闭前应收到 2 个事件, 实际 %d", n)
	}
	// 重复取消订阅不应 panic
	log.Unsubscribe(sub)
}

// TestEventLogResume 测试从归档恢复后序号继续
func TestEventLogResume(t *testing.T) {
	log := NewEventLog()
	log.Resume([]models.Event{{Seq: 1}, {Seq: 2}, {Seq: 3}})
	ev := log.Append(models.EventSystemMessage, "", nil)
	if ev.Seq != 4 {
		t.Fatalf("恢复后的序号 = %d, 期望 4", ev.Seq)
	}
	if got := log.Since(2, 0); len(got) != 2 || got[0].Seq != 3 {
		t.Fatalf("恢复后的回填错误: %+v", got)
	}
}

// TestEventLogResumeAcrossGap 测试归档有缺口时序号不会重复
func TestEventLogResumeAcrossGap(t *testing.T) {
	log := NewEventLog()
	log.Resume([]models.Event{{Seq: 1}, {Seq: 2}, {Seq: 5}, {Seq: 6}})
	if log.LastSeq() != 6 {
		t.Fatalf("最后序号 = %d, 期望 6", log.LastSeq())
	}
	if ev := log.Append(models.EventSystemMessage, "", nil); ev.Seq != 7 {
		t.Fatalf("恢复后的序号 = %d, 期望 7", ev.Seq)
	}
	got := log.Since(0, 0)
	if len(got) != 3 || got[0].Seq != 5 || got[2].Seq != 7 {
		t.Fatalf("内存中应只保留缺口之后的连续事件: %+v", got)
	}
	if got := log.Since(5, 0); len(got) != 2 || got[0].Seq != 6 {
		t.Fatalf("缺口之后的回填错误: %+v", got)
	}
}
