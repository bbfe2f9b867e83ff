package queue

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/cuemby/showrunner/pkg/channels"
	"github.com/cuemby/showrunner/pkg/events"
	"github.com/cuemby/showrunner/pkg/log"
	"github.com/cuemby/showrunner/pkg/metrics"
	"github.com/cuemby/showrunner/pkg/pipeline"
	"github.com/cuemby/showrunner/pkg/storage"
	"github.com/cuemby/showrunner/pkg/types"
)

const (
	// DefaultLease is how long a claim lasts before a dead worker's task
	// becomes claimable again. The upload stage extends its own lease.
	DefaultLease = 30 * time.Minute

	basePoll = 2 * time.Second
	maxPoll  = 5 * time.Second

	sweepInterval = time.Minute
	depthInterval = 30 * time.Second
)

// Config tunes the dispatcher.
type Config struct {
	Workers int
	Lease   time.Duration
}

// Dispatcher runs the worker pool. Each worker claims one task at a time,
// drives it through the engine, and goes back to the queue. The database is
// the only coordination point, so dispatchers in separate processes share
// the queue safely.
type Dispatcher struct {
	cfg      Config
	store    *storage.Store
	registry *channels.Registry
	engine   *pipeline.Engine
	broker   *events.Broker
	listener *storage.Listener
}

// NewDispatcher wires a dispatcher.
func NewDispatcher(cfg Config, store *storage.Store, registry *channels.Registry,
	engine *pipeline.Engine, broker *events.Broker, listener *storage.Listener) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Lease <= 0 {
		cfg.Lease = DefaultLease
	}
	return &Dispatcher{
		cfg:      cfg,
		store:    store,
		registry: registry,
		engine:   engine,
		broker:   broker,
		listener: listener,
	}
}

// Run blocks until ctx is cancelled, running workers plus the lease sweep
// and queue depth loops.
func (d *Dispatcher) Run(ctx context.Context) error {
	host, _ := os.Hostname()
	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < d.cfg.Workers; i++ {
		workerID := fmt.Sprintf("%s-%s", host, uuid.New().String()[:8])
		g.Go(func() error {
			return d.workerLoop(ctx, workerID)
		})
	}
	g.Go(func() error { return d.sweepLoop(ctx) })
	g.Go(func() error { return d.depthLoop(ctx) })

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// workerLoop claims and runs tasks until cancelled. The idle backoff grows
// from the base poll toward the cap with jitter and resets whenever work
// arrives or a nudge lands.
func (d *Dispatcher) workerLoop(ctx context.Context, workerID string) error {
	logger := log.WithWorkerID(workerID)
	logger.Info().Msg("worker started")

	sub := d.broker.Subscribe()
	defer d.broker.Unsubscribe(sub)

	idle := basePoll
	for {
		worked, err := d.claimAndRun(ctx, workerID)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info().Msg("worker stopping")
				return ctx.Err()
			}
			logger.Error().Err(err).Msg("worker iteration failed")
		}
		if worked {
			idle = basePoll
			continue
		}

		wait := idle + time.Duration(rand.Int63n(int64(idle/2)+1))
		if idle < maxPoll {
			idle += idle / 2
			if idle > maxPoll {
				idle = maxPoll
			}
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Info().Msg("worker stopping")
			return ctx.Err()
		case <-timer.C:
		case ev := <-sub:
			timer.Stop()
			if wakeEvent(ev) {
				idle = basePoll
			}
		case <-d.notifications():
			timer.Stop()
			idle = basePoll
		}
	}
}

func (d *Dispatcher) notifications() <-chan string {
	if d.listener == nil {
		return nil
	}
	return d.listener.Notifications()
}

func wakeEvent(ev *events.Event) bool {
	switch ev.Type {
	case events.EventTaskEnqueued, events.EventReviewRecorded,
		events.EventTaskRetried, events.EventChannelReloaded, events.EventLeaseExpired:
		return true
	}
	return false
}

// claimAndRun performs one claim attempt. Returns true when a task was run.
func (d *Dispatcher) claimAndRun(ctx context.Context, workerID string) (bool, error) {
	eligible := d.registry.Eligible()
	if len(eligible) == 0 {
		return false, nil
	}

	task, err := d.store.ClaimNextTask(ctx, workerID, eligible, d.cfg.Lease)
	if errors.Is(err, storage.ErrNoWork) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if !d.registry.Acquire(task.ChannelID) {
		// Lost the capacity race between Eligible and the claim.
		if rerr := d.store.ReleaseTask(ctx, task.ID, workerID); rerr != nil {
			return false, rerr
		}
		return false, nil
	}
	defer d.registry.Release(task.ChannelID)

	metrics.TasksClaimed.WithLabelValues(task.ChannelID).Inc()
	d.broker.Publish(&events.Event{
		Type:      events.EventTaskClaimed,
		ChannelID: task.ChannelID,
		TaskID:    task.ID,
	})
	log.WithWorkerID(workerID).Info().
		Str("task_id", task.ID).
		Str("channel_id", task.ChannelID).
		Int("stage", task.Stage).
		Msg("task claimed")

	if err := d.engine.Run(ctx, task, workerID); err != nil {
		// Infrastructure error: put the task back with a short delay so
		// the lease does not have to expire first.
		log.WithWorkerID(workerID).Error().Err(err).
			Str("task_id", task.ID).
			Msg("engine run failed")
		serr := d.store.ScheduleRetry(ctx, task.ID, time.Now().UTC().Add(time.Minute), &types.ErrorLog{
			Stage:      task.Stage,
			Kind:       types.ErrKindInfrastructure,
			Timestamp:  time.Now().UTC(),
			Message:    err.Error(),
			RetryCount: task.RetryCount,
		}, false)
		if serr != nil && ctx.Err() == nil {
			return true, serr
		}
	}
	return true, nil
}

// sweepLoop resurrects tasks whose lease expired with a dead worker.
func (d *Dispatcher) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		ids, err := d.store.ReleaseExpiredLeases(ctx)
		if err != nil {
			log.WithComponent("queue").Error().Err(err).Msg("lease sweep failed")
			continue
		}
		if len(ids) == 0 {
			continue
		}
		metrics.TasksResurrected.Add(float64(len(ids)))
		log.WithComponent("queue").Warn().
			Int("count", len(ids)).
			Strs("task_ids", ids).
			Msg("expired leases released")
		for _, id := range ids {
			d.broker.Publish(&events.Event{Type: events.EventLeaseExpired, TaskID: id})
		}
		if err := d.store.Notify(ctx, storage.NotifyChannelTasks, "lease_expired"); err != nil {
			log.WithComponent("queue").Debug().Err(err).Msg("notify failed")
		}
	}
}

// depthLoop exports queue depth by state.
func (d *Dispatcher) depthLoop(ctx context.Context) error {
	ticker := time.NewTicker(depthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		counts, err := d.store.CountTasksByState(ctx)
		if err != nil {
			log.WithComponent("queue").Debug().Err(err).Msg("depth poll failed")
			continue
		}
		for _, state := range []types.TaskState{
			types.TaskStatePending, types.TaskStateClaimed, types.TaskStateProcessing,
			types.TaskStateAwaitingReview, types.TaskStateApproved, types.TaskStateRetry,
			types.TaskStateRejected, types.TaskStateFailed, types.TaskStateCompleted,
		} {
			metrics.QueueDepth.WithLabelValues(string(state)).Set(float64(counts[state]))
		}
	}
}
