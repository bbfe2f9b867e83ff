package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/slack-go/slack"

	"github.com/cuemby/showrunner/pkg/log"
	"github.com/cuemby/showrunner/pkg/metrics"
)

// Severity orders alerts for routing and formatting.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Alert is one operator notification.
type Alert struct {
	Severity  Severity
	ChannelID string
	TaskID    string
	Title     string
	Message   string
}

// Sink delivers alerts somewhere.
type Sink interface {
	Deliver(ctx context.Context, a Alert) error
}

// Alerter fans alerts out to its sinks. Delivery failures are logged and
// swallowed; alerting must never take the pipeline down with it.
type Alerter struct {
	sinks []Sink

	// Identical alerts within the suppression window are dropped so a
	// flapping condition cannot flood the operator.
	mu       sync.Mutex
	lastSent map[string]time.Time
	window   time.Duration
}

// New creates an alerter with the given sinks. The log sink is always
// appended last so every alert lands in the structured log regardless of
// external delivery.
func New(sinks ...Sink) *Alerter {
	return &Alerter{
		sinks:    append(sinks, LogSink{}),
		lastSent: make(map[string]time.Time),
		window:   10 * time.Minute,
	}
}

// Send dispatches an alert to every sink.
func (a *Alerter) Send(ctx context.Context, alert Alert) {
	key := fmt.Sprintf("%s|%s|%s|%s", alert.Severity, alert.ChannelID, alert.TaskID, alert.Title)
	a.mu.Lock()
	if last, ok := a.lastSent[key]; ok && time.Since(last) < a.window {
		a.mu.Unlock()
		return
	}
	a.lastSent[key] = time.Now()
	a.mu.Unlock()

	metrics.AlertsDispatched.WithLabelValues(string(alert.Severity)).Inc()
	for _, sink := range a.sinks {
		if err := sink.Deliver(ctx, alert); err != nil {
			log.WithComponent("alerting").Warn().Err(err).
				Str("title", alert.Title).
				Msg("alert sink delivery failed")
		}
	}
}

// LogSink writes alerts to the structured log. It is the fallback that
// cannot fail to be configured.
type LogSink struct{}

func (LogSink) Deliver(_ context.Context, a Alert) error {
	ev := log.WithComponent("alerting").Warn()
	if a.Severity == SeverityError || a.Severity == SeverityCritical {
		ev = log.WithComponent("alerting").Error()
	}
	ev.Str("severity", string(a.Severity)).
		Str("channel_id", a.ChannelID).
		Str("task_id", a.TaskID).
		Str("title", a.Title).
		Msg(a.Message)
	return nil
}

// SlackSink posts alerts to an incoming webhook.
type SlackSink struct {
	WebhookURL string
}

// severityColor collapses the four severities onto Slack's three
// attachment colors: info blue, warning yellow, error and critical red.
func severityColor(s Severity) string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityError, SeverityCritical:
		return "danger"
	default:
		return "#439FE0"
	}
}

func (s SlackSink) Deliver(ctx context.Context, a Alert) error {
	color := severityColor(a.Severity)
	var fields []slack.AttachmentField
	if a.ChannelID != "" {
		fields = append(fields, slack.AttachmentField{Title: "Channel", Value: a.ChannelID, Short: true})
	}
	if a.TaskID != "" {
		fields = append(fields, slack.AttachmentField{Title: "Task", Value: a.TaskID, Short: true})
	}
	msg := &slack.WebhookMessage{
		Attachments: []slack.Attachment{{
			Color:  color,
			Title:  a.Title,
			Text:   a.Message,
			Fields: fields,
			Footer: "showrunner",
			Ts:     json.Number(fmt.Sprintf("%d", time.Now().Unix())),
		}},
	}
	if err := slack.PostWebhookContext(ctx, s.WebhookURL, msg); err != nil {
		return fmt.Errorf("failed to post slack webhook: %w", err)
	}
	return nil
}
