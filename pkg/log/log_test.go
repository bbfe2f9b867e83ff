package log

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func initBuffer() *bytes.Buffer {
	var buf bytes.Buffer
	Init(Config{Level: DebugLevel, JSONOutput: true, Output: &buf})
	return &buf
}

func lastLine(buf *bytes.Buffer) map[string]interface{} {
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	var out map[string]interface{}
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &out); err != nil {
		return nil
	}
	return out
}

// The With* constructors must support level calls chained directly off the
// result; zerolog's level methods have pointer receivers.
func TestChildLoggersChainLevelCalls(t *testing.T) {
	buf := initBuffer()

	WithComponent("queue").Warn().Str("extra", "x").Msg("chained warn")
	entry := lastLine(buf)
	if entry == nil {
		t.Fatal("no JSON log line emitted")
	}
	if entry["component"] != "queue" {
		t.Errorf("component = %v, want queue", entry["component"])
	}
	if entry["level"] != "warn" {
		t.Errorf("level = %v, want warn", entry["level"])
	}
	if entry["extra"] != "x" {
		t.Errorf("extra = %v, want x", entry["extra"])
	}

	buf.Reset()
	WithChannelID("ch-1").Error().Msg("chained error")
	if entry := lastLine(buf); entry["channel_id"] != "ch-1" || entry["level"] != "error" {
		t.Errorf("channel entry = %v", entry)
	}

	buf.Reset()
	WithTaskID("task-1").Info().Msg("chained info")
	if entry := lastLine(buf); entry["task_id"] != "task-1" {
		t.Errorf("task entry = %v", entry)
	}

	buf.Reset()
	WithWorkerID("worker-1").Debug().Msg("chained debug")
	if entry := lastLine(buf); entry["worker_id"] != "worker-1" {
		t.Errorf("worker entry = %v", entry)
	}
}

func TestChildLoggerReuse(t *testing.T) {
	buf := initBuffer()

	logger := WithWorkerID("worker-2")
	logger.Info().Msg("first")
	logger.Warn().Msg("second")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("emitted %d lines, want 2", len(lines))
	}
	for _, line := range lines {
		if !strings.Contains(line, `"worker_id":"worker-2"`) {
			t.Errorf("line missing worker_id: %s", line)
		}
	}
}

func TestInitLevels(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: WarnLevel, JSONOutput: true, Output: &buf})

	Info("suppressed")
	if buf.Len() != 0 {
		t.Errorf("info at warn level emitted: %s", buf.String())
	}
	Warn("visible")
	if !strings.Contains(buf.String(), "visible") {
		t.Error("warn at warn level was not emitted")
	}
}
