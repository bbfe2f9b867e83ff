package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/cuemby/showrunner/pkg/log"
)

// NotifyChannelTasks is the Postgres notification channel used to wake
// dispatchers after an enqueue or a lease release.
const NotifyChannelTasks = "showrunner_tasks"

// Listener holds a dedicated connection in LISTEN mode and forwards
// notification payloads to a Go channel. Listening cannot share the pool
// because LISTEN binds to a single session.
type Listener struct {
	dsn     string
	channel string
	out     chan string
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewListener creates a listener for the given notification channel. Call
// Start to begin receiving.
func NewListener(dsn, channel string) *Listener {
	return &Listener{
		dsn:     dsn,
		channel: channel,
		out:     make(chan string, 16),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Notifications returns the channel payloads are delivered on. Payloads are
// advisory; consumers treat any notification as "poll now".
func (l *Listener) Notifications() <-chan string {
	return l.out
}

// Start runs the listen loop in a goroutine. Connection loss is retried with
// a flat backoff; the durable queue makes missed notifications harmless.
func (l *Listener) Start(ctx context.Context) {
	go func() {
		defer close(l.doneCh)
		for {
			select {
			case <-l.stopCh:
				return
			case <-ctx.Done():
				return
			default:
			}
			if err := l.listen(ctx); err != nil {
				log.WithComponent("storage").Warn().Err(err).
					Str("channel", l.channel).
					Msg("notification listener disconnected, retrying")
			}
			select {
			case <-l.stopCh:
				return
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
		}
	}()
}

// Stop terminates the listen loop and waits for it to exit.
func (l *Listener) Stop() {
	close(l.stopCh)
	<-l.doneCh
}

func (l *Listener) listen(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.dsn)
	if err != nil {
		return fmt.Errorf("failed to connect for LISTEN: %w", err)
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, fmt.Sprintf("LISTEN %s", pgx.Identifier{l.channel}.Sanitize())); err != nil {
		return fmt.Errorf("failed to LISTEN on %s: %w", l.channel, err)
	}

	for {
		select {
		case <-l.stopCh:
			return nil
		default:
		}
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed waiting for notification: %w", err)
		}
		select {
		case l.out <- n.Payload:
		default:
			// Consumer is already awake, dropping is fine.
		}
	}
}
