package utils

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestEncryptRoundTrip(t *testing.T) {
	sealed, err := Encrypt("sk-test", "secret")
	if err != nil {
		t.Fatalf("加密失败: %v", err)
	}
	if sealed == "sk-test" {
		t.Fatal("密文不应等于明文")
	}
	plain, err := Decrypt(sealed, "secret")
	if err != nil || plain != "sk-test" {
		t.Fatalf("解密结果错误: %q %v", plain, err)
	}
	if _, err := Decrypt(sealed, "other"); err == nil {
		t.Fatal("错误的口令应解密失败")
	}
	if _, err := Decrypt("AAAA", "secret"); err == nil {
		t.Fatal("过短的密文应失败")
	}
}

func TestMetricsCollectorConcurrentCounters(t *testing.T) {
	m := NewMetricsCollector()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.IncrementCounter("hits")
			m.RecordHistogram("lat", 5)
		}()
	}
	wg.Wait()

	if got := m.GetCounterValue("hits"); got != 20 {
		t.Fatalf("计数应为20, 得到 %d", got)
	}
	hist := m.GetMetrics()["histograms"].(map[string]map[string]int64)["lat"]
	if hist["count"] != 20 || hist["min"] != 5 || hist["max"] != 5 {
		t.Fatalf("直方图错误: %v", hist)
	}
	if m.GetGauge("missing") != 0 {
		t.Fatal("未注册仪表应为0")
	}
}

func TestGameMetrics(t *testing.T) {
	gm := NewGameMetrics(NewMetricsCollector())
	gm.RecordAction("player_action", false, time.Millisecond)
	gm.RecordUpdates(3, 1)
	gm.RecordForcedTurnEnd()
	gm.RecordHTTPStatus(409, time.Millisecond)

	c := gm.Collector()
	if c.GetCounterValue("actions_failed") != 1 || c.GetCounterValue("updates_applied_total") != 3 ||
		c.GetCounterValue("forced_turn_ends_total") != 1 || c.GetCounterValue("http_responses_4xx") != 1 {
		t.Fatalf("指标不正确: %v", c.GetMetrics())
	}
}

func TestLoggerWritesFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "test")
	logger.Info("turn advanced", map[string]interface{}{"round": 2, "combatant": "orc"})

	out := buf.String()
	if !strings.Contains(out, "turn advanced") || !strings.Contains(out, "round=2") || !strings.Contains(out, "combatant=orc") {
		t.Fatalf("日志输出缺少字段: %q", out)
	}

	logger.SetLogLevel(ERROR)
	buf.Reset()
	logger.Info("hidden", nil)
	if buf.Len() != 0 {
		t.Fatalf("低于级别的日志不应输出: %q", buf.String())
	}
}

func TestParseLogLevel(t *testing.T) {
	if ParseLogLevel("warn") != WARNING || ParseLogLevel("bogus") != INFO {
		t.Fatal("日志级别解析错误")
	}
}
