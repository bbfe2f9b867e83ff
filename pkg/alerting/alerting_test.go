package alerting

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cuemby/showrunner/pkg/log"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

type captureSink struct {
	mu     sync.Mutex
	alerts []Alert
	err    error
}

func (c *captureSink) Deliver(_ context.Context, a Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, a)
	return c.err
}

func (c *captureSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.alerts)
}

func TestSendDeliversToSinks(t *testing.T) {
	sink := &captureSink{}
	a := New(sink)

	a.Send(context.Background(), Alert{
		Severity:  SeverityWarning,
		ChannelID: "ch-1",
		Title:     "spend cap reached",
	})
	assert.Equal(t, 1, sink.count())
	assert.Equal(t, "spend cap reached", sink.alerts[0].Title)
}

func TestSendSuppressesDuplicatesWithinWindow(t *testing.T) {
	sink := &captureSink{}
	a := New(sink)

	alert := Alert{Severity: SeverityCritical, ChannelID: "ch-1", Title: "planning token rejected"}
	a.Send(context.Background(), alert)
	a.Send(context.Background(), alert)
	a.Send(context.Background(), alert)
	assert.Equal(t, 1, sink.count(), "identical alert should be suppressed")

	// A different title is a different condition.
	a.Send(context.Background(), Alert{Severity: SeverityCritical, ChannelID: "ch-1", Title: "quota exhausted"})
	assert.Equal(t, 2, sink.count())

	// Same title against a different channel is not suppressed either.
	a.Send(context.Background(), Alert{Severity: SeverityCritical, ChannelID: "ch-2", Title: "planning token rejected"})
	assert.Equal(t, 3, sink.count())
}

func TestSendSurvivesSinkFailure(t *testing.T) {
	broken := &captureSink{err: errors.New("webhook down")}
	a := New(broken)

	assert.NotPanics(t, func() {
		a.Send(context.Background(), Alert{Severity: SeverityInfo, Title: "task completed"})
	})
	assert.Equal(t, 1, broken.count())
}

func TestNewAlwaysAppendsLogSink(t *testing.T) {
	a := New(&captureSink{})
	assert.Len(t, a.sinks, 2)
	_, ok := a.sinks[len(a.sinks)-1].(LogSink)
	assert.True(t, ok, "log sink must be the fallback")
}

// error sits between warning and critical: it logs at error level like
// critical, distinct from warning's warn level.
func TestLogSinkSeverityLevels(t *testing.T) {
	var buf bytes.Buffer
	log.Init(log.Config{Level: log.DebugLevel, JSONOutput: true, Output: &buf})
	t.Cleanup(func() {
		log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	})

	tests := []struct {
		severity Severity
		level    string
	}{
		{SeverityInfo, `"level":"warn"`},
		{SeverityWarning, `"level":"warn"`},
		{SeverityError, `"level":"error"`},
		{SeverityCritical, `"level":"error"`},
	}
	for _, tt := range tests {
		buf.Reset()
		assert.NoError(t, LogSink{}.Deliver(context.Background(), Alert{
			Severity: tt.severity,
			Title:    "taxonomy check",
		}))
		assert.Contains(t, buf.String(), tt.level, "severity %s", tt.severity)
		assert.Contains(t, buf.String(), string(tt.severity))
	}
}

func TestSeverityColor(t *testing.T) {
	for severity, want := range map[Severity]string{
		SeverityInfo:     "#439FE0",
		SeverityWarning:  "warning",
		SeverityError:    "danger",
		SeverityCritical: "danger",
	} {
		assert.Equal(t, want, severityColor(severity), "severity %s", severity)
	}
}
