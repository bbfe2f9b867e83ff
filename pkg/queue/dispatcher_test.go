package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/cuemby/showrunner/pkg/events"
)

func TestNewDispatcherDefaults(t *testing.T) {
	d := NewDispatcher(Config{}, nil, nil, nil, nil, nil)
	assert.Equal(t, 4, d.cfg.Workers)
	assert.Equal(t, DefaultLease, d.cfg.Lease)

	d = NewDispatcher(Config{Workers: 2, Lease: 10 * time.Minute}, nil, nil, nil, nil, nil)
	assert.Equal(t, 2, d.cfg.Workers)
	assert.Equal(t, 10*time.Minute, d.cfg.Lease)
}

func TestWakeEvent(t *testing.T) {
	tests := []struct {
		eventType events.EventType
		wake      bool
	}{
		{events.EventTaskEnqueued, true},
		{events.EventReviewRecorded, true},
		{events.EventTaskRetried, true},
		{events.EventChannelReloaded, true},
		{events.EventLeaseExpired, true},
		{events.EventTaskClaimed, false},
		{events.EventChannelPaused, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.eventType), func(t *testing.T) {
			got := wakeEvent(&events.Event{Type: tt.eventType})
			assert.Equal(t, tt.wake, got)
		})
	}
}
