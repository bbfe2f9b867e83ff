package reconciler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cuemby/showrunner/pkg/alerting"
	"github.com/cuemby/showrunner/pkg/audit"
	"github.com/cuemby/showrunner/pkg/channels"
	"github.com/cuemby/showrunner/pkg/events"
	"github.com/cuemby/showrunner/pkg/log"
	"github.com/cuemby/showrunner/pkg/planning"
	"github.com/cuemby/showrunner/pkg/security"
	"github.com/cuemby/showrunner/pkg/storage"
	"github.com/cuemby/showrunner/pkg/types"
)

const (
	// OutboundInterval paces the mirror loop. Outbound lag is cosmetic;
	// the database already holds the truth.
	OutboundInterval = 15 * time.Second

	// InboundInterval paces the planning poll. The webhook makes inbound
	// changes near-instant; the poll is the safety net for missed webhooks.
	InboundInterval = 60 * time.Second

	outboundBatch = 100

	// transientBuffer bounds the in-memory queue of transient progress
	// labels. Overflow drops the oldest concern silently; these labels are
	// cosmetic and the durable mirror supersedes them within seconds.
	transientBuffer = 64
)

// Reconciler keeps the planning database and the task queue converging from
// both directions. Outbound it mirrors task state onto planning pages;
// inbound it turns page edits into enqueues, re-queues, and gate approvals.
type Reconciler struct {
	store    *storage.Store
	registry *channels.Registry
	vault    *security.Vault
	broker   *events.Broker
	recorder *audit.Recorder
	alerter  *alerting.Alerter

	mu      sync.Mutex
	clients map[string]*planning.Client

	transient chan transientPost

	// test seam
	newClient func(token string) *planning.Client
}

// transientPost is one best-effort progress label bound for a planning page.
type transientPost struct {
	channelID string
	pageID    string
	label     types.StatusLabel
}

// New wires a reconciler.
func New(store *storage.Store, registry *channels.Registry, vault *security.Vault,
	broker *events.Broker, recorder *audit.Recorder, alerter *alerting.Alerter) *Reconciler {
	return &Reconciler{
		store:     store,
		registry:  registry,
		vault:     vault,
		broker:    broker,
		recorder:  recorder,
		alerter:   alerter,
		clients:   make(map[string]*planning.Client),
		transient: make(chan transientPost, transientBuffer),
		newClient: func(token string) *planning.Client { return planning.NewClient(token) },
	}
}

// Run blocks until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.loop(ctx, OutboundInterval, r.outboundOnce) })
	g.Go(func() error { return r.loop(ctx, InboundInterval, r.inboundOnce) })
	g.Go(func() error { return r.transientLoop(ctx) })
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *Reconciler) loop(ctx context.Context, interval time.Duration, pass func(context.Context)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			pass(ctx)
		}
	}
}

// client returns the cached planning client for a channel, creating it from
// the vaulted token on first use.
func (r *Reconciler) client(ctx context.Context, channelID string) (*planning.Client, error) {
	r.mu.Lock()
	c, ok := r.clients[channelID]
	r.mu.Unlock()
	if ok {
		return c, nil
	}

	token, err := r.vault.GetCredential(ctx, channelID, types.CredentialPlanningToken)
	if err != nil {
		return nil, err
	}
	c = r.newClient(strings.TrimSpace(string(token)))
	r.mu.Lock()
	r.clients[channelID] = c
	r.mu.Unlock()
	return c, nil
}

func (r *Reconciler) dropClient(channelID string) {
	r.mu.Lock()
	delete(r.clients, channelID)
	r.mu.Unlock()
}

// outboundOnce mirrors every task whose state changed since its last mirror.
// Ordering is oldest-first and the mirror stamp is monotonic, so a stale
// pass can never overwrite a newer status.
func (r *Reconciler) outboundOnce(ctx context.Context) {
	tasks, err := r.store.ListUnmirrored(ctx, outboundBatch)
	if err != nil {
		log.WithComponent("reconciler").Error().Err(err).Msg("failed to list unmirrored tasks")
		return
	}
	for _, task := range tasks {
		if err := r.mirrorTask(ctx, task); err != nil {
			log.WithTaskID(task.ID).Warn().Err(err).Msg("outbound mirror failed, will retry")
		}
	}
}

func (r *Reconciler) mirrorTask(ctx context.Context, task *types.Task) error {
	if _, ok := r.registry.Get(task.ChannelID); !ok {
		// Channel dropped from config; stop mirroring its tasks.
		_, err := r.store.MarkMirrored(ctx, task.ID, task.UpdatedAt)
		return err
	}
	client, err := r.client(ctx, task.ChannelID)
	if err != nil {
		if errors.Is(err, security.ErrCredentialUnavailable) {
			r.registry.Pause(task.ChannelID, "planning credential unavailable")
		}
		return err
	}

	label := types.LabelForTask(task)
	update := planning.StatusUpdate{Label: string(label)}
	if task.State == types.TaskStateCompleted {
		update.VideoURL = task.VideoURL
	}
	if task.LastError != nil {
		switch task.State {
		case types.TaskStateRetry, types.TaskStateFailed, types.TaskStateRejected:
			update.ErrorMessage = fmt.Sprintf("[%s] %s", task.LastError.Kind, task.LastError.Message)
		}
	}

	err = client.UpdateStatus(ctx, task.PlanningPageID, update)
	switch {
	case err == nil:
		_, merr := r.store.MarkMirrored(ctx, task.ID, task.UpdatedAt)
		return merr
	case errors.Is(err, planning.ErrTokenInvalid):
		r.dropClient(task.ChannelID)
		r.registry.Pause(task.ChannelID, "planning token rejected")
		r.alerter.Send(ctx, alerting.Alert{
			Severity:  alerting.SeverityError,
			ChannelID: task.ChannelID,
			Title:     "planning token rejected",
			Message:   "outbound mirroring paused until the token is replaced",
		})
		return err
	case errors.Is(err, planning.ErrPermanent):
		// Page archived or schema mismatch. Abandon this update so the
		// loop does not grind on it forever.
		r.recorder.MirrorDropped(ctx, task, label, err.Error())
		_, merr := r.store.MarkMirrored(ctx, task.ID, task.UpdatedAt)
		if merr != nil {
			return merr
		}
		return err
	default:
		return err
	}
}

// EnqueueTransient queues a transient progress label (Composites Ready,
// Audio Ready, Assembly Ready) for best-effort posting. These labels exist
// only between a gateless stage finishing and the next stage starting, so
// the durable mirror never sees them; the pipeline engine hands them over
// directly. Never blocks: a full buffer drops the label.
func (r *Reconciler) EnqueueTransient(channelID, pageID string, label types.StatusLabel) {
	select {
	case r.transient <- transientPost{channelID: channelID, pageID: pageID, label: label}:
	default:
		log.WithChannelID(channelID).Debug().
			Str("label", string(label)).
			Msg("transient label buffer full, dropped")
	}
}

// transientLoop drains the transient buffer in order. Failures are logged
// and dropped; the durable mirror posts the authoritative state regardless.
func (r *Reconciler) transientLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case p := <-r.transient:
			client, err := r.client(ctx, p.channelID)
			if err != nil {
				log.WithChannelID(p.channelID).Debug().Err(err).
					Msg("skipping transient label, no planning client")
				continue
			}
			update := planning.StatusUpdate{Label: string(p.label)}
			if err := client.UpdateStatus(ctx, p.pageID, update); err != nil {
				log.WithChannelID(p.channelID).Debug().Err(err).
					Str("label", string(p.label)).
					Msg("transient label post failed, durable mirror will supersede")
			}
		}
	}
}

// inboundOnce polls every active channel's planning database.
func (r *Reconciler) inboundOnce(ctx context.Context) {
	for _, ch := range r.registry.List() {
		if !ch.Active || r.registry.Paused(ch.ID) {
			continue
		}
		if err := r.pollChannel(ctx, ch); err != nil {
			log.WithChannelID(ch.ID).Warn().Err(err).Msg("inbound poll failed")
		}
	}
}

func (r *Reconciler) pollChannel(ctx context.Context, ch *types.Channel) error {
	client, err := r.client(ctx, ch.ID)
	if err != nil {
		if errors.Is(err, security.ErrCredentialUnavailable) {
			r.registry.Pause(ch.ID, "planning credential unavailable")
		}
		return err
	}
	pages, err := client.QueryDatabase(ctx, ch.PlanningDatabaseID)
	if err != nil {
		if errors.Is(err, planning.ErrTokenInvalid) {
			r.dropClient(ch.ID)
			r.registry.Pause(ch.ID, "planning token rejected")
		}
		return err
	}
	for _, page := range pages {
		if err := r.handlePage(ctx, ch, page); err != nil {
			log.WithChannelID(ch.ID).Warn().Err(err).
				Str("page_id", page.ID).
				Msg("failed to apply inbound page change")
		}
	}
	return nil
}

// HandlePage applies one page observation. The webhook handler calls this
// directly for near-instant reaction; the poll loop calls it for every page.
// Observations are deduplicated on (page, label, edit time), so webhook and
// poll never double-apply.
func (r *Reconciler) HandlePage(ctx context.Context, channelID, pageID string) error {
	ch, ok := r.registry.Get(channelID)
	if !ok {
		return fmt.Errorf("unknown channel %s", channelID)
	}
	client, err := r.client(ctx, channelID)
	if err != nil {
		return err
	}
	page, err := client.GetPage(ctx, pageID)
	if err != nil {
		return err
	}
	return r.handlePage(ctx, ch, page)
}

func (r *Reconciler) handlePage(ctx context.Context, ch *types.Channel, page *planning.Page) error {
	label := types.StatusLabel(page.StatusLabel)
	if label == "" {
		return nil
	}
	fresh, err := r.store.ObserveOnce(ctx, page.ID, page.StatusLabel, page.UpdatedAt)
	if err != nil {
		return err
	}
	if !fresh {
		return nil
	}

	switch {
	case label == types.LabelQueued:
		return r.handleQueued(ctx, ch, page)
	default:
		if gate, ok := types.GateForApprovalLabel(label); ok {
			return r.handleApproval(ctx, ch, page, gate)
		}
	}
	return nil
}

// handleQueued enqueues a new task for the page, or re-queues the previous
// one when the user flips a failed/rejected page back to Queued. Reviving
// keeps the completed-stage bitmap, so the task resumes where it died
// instead of regenerating everything.
func (r *Reconciler) handleQueued(ctx context.Context, ch *types.Channel, page *planning.Page) error {
	prior, err := r.store.GetLatestTaskByPage(ctx, ch.ID, page.ID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if prior != nil && (prior.State == types.TaskStateFailed || prior.State == types.TaskStateRejected) {
		revived, err := r.store.RequeueTask(ctx, prior.ID)
		if err != nil {
			return err
		}
		r.recorder.TaskRetried(ctx, revived, "planning-db")
		r.broker.Publish(&events.Event{
			Type:      events.EventTaskRetried,
			ChannelID: ch.ID,
			TaskID:    revived.ID,
		})
		_ = r.store.Notify(ctx, storage.NotifyChannelTasks, "requeued")
		return nil
	}

	task, created, err := r.store.EnqueueTask(ctx, &types.Task{
		ChannelID:      ch.ID,
		PlanningPageID: page.ID,
		Title:          page.Title,
		Topic:          page.Topic,
		StoryDirection: page.StoryDirection,
		Priority:       parsePriority(page.Priority),
	})
	if err != nil {
		return err
	}
	if !created {
		return nil
	}
	r.recorder.TaskEnqueued(ctx, task, "planning-db")
	r.broker.Publish(&events.Event{
		Type:      events.EventTaskEnqueued,
		ChannelID: ch.ID,
		TaskID:    task.ID,
	})
	_ = r.store.Notify(ctx, storage.NotifyChannelTasks, "enqueued")
	log.WithTaskID(task.ID).Info().
		Str("channel_id", ch.ID).
		Str("page_id", page.ID).
		Msg("task enqueued from planning database")
	return nil
}

func (r *Reconciler) handleApproval(ctx context.Context, ch *types.Channel, page *planning.Page, gate types.ReviewGate) error {
	task, err := r.store.GetLiveTaskByPage(ctx, ch.ID, page.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	review := &types.Review{
		TaskID:   task.ID,
		Gate:     gate,
		Reviewer: "planning-db",
		Decision: types.DecisionApproved,
	}
	if _, err := r.store.ApplyReview(ctx, review); err != nil {
		if errors.Is(err, storage.ErrDuplicateReview) {
			return nil
		}
		return err
	}
	r.recorder.Review(ctx, review, ch.ID)
	r.broker.Publish(&events.Event{
		Type:      events.EventReviewRecorded,
		ChannelID: ch.ID,
		TaskID:    task.ID,
		Gate:      string(gate),
	})
	_ = r.store.Notify(ctx, storage.NotifyChannelTasks, "approved")
	log.WithTaskID(task.ID).Info().
		Str("gate", string(gate)).
		Msg("gate approved from planning database")
	return nil
}

func parsePriority(s string) types.TaskPriority {
	switch strings.ToLower(s) {
	case "high":
		return types.PriorityHigh
	case "low":
		return types.PriorityLow
	default:
		return types.PriorityNormal
	}
}
