package audit

import (
	"context"
	"strconv"

	"github.com/cuemby/showrunner/pkg/log"
	"github.com/cuemby/showrunner/pkg/storage"
	"github.com/cuemby/showrunner/pkg/types"
)

// Recorder writes the append-only audit trail. A failed write is logged and
// swallowed: audit is evidence, not a lock, and must not block the action
// it records.
type Recorder struct {
	store *storage.Store
}

// NewRecorder creates a recorder.
func NewRecorder(store *storage.Store) *Recorder {
	return &Recorder{store: store}
}

func (r *Recorder) record(ctx context.Context, e *types.AuditEntry) {
	if err := r.store.AppendAudit(ctx, e); err != nil {
		log.WithComponent("audit").Error().Err(err).
			Str("action", e.Action).
			Str("task_id", e.TaskID).
			Msg("failed to append audit entry")
	}
}

// Review records a gate decision.
func (r *Recorder) Review(ctx context.Context, rev *types.Review, channelID string) {
	action := types.AuditReviewApproved
	if rev.Decision == types.DecisionRejected {
		action = types.AuditReviewRejected
	}
	r.record(ctx, &types.AuditEntry{
		ChannelID: channelID,
		TaskID:    rev.TaskID,
		Action:    action,
		Actor:     rev.Reviewer,
		Note:      rev.Note,
		Metadata: map[string]string{
			"gate":    string(rev.Gate),
			"attempt": strconv.Itoa(rev.Attempt),
		},
	})
}

// TaskRetried records a human re-queue of a failed or rejected task.
func (r *Recorder) TaskRetried(ctx context.Context, task *types.Task, actor string) {
	r.record(ctx, &types.AuditEntry{
		ChannelID: task.ChannelID,
		TaskID:    task.ID,
		Action:    types.AuditTaskRetried,
		Actor:     actor,
		Metadata: map[string]string{
			"attempt": strconv.Itoa(task.Attempt),
			"stage":   strconv.Itoa(task.Stage),
		},
	})
}

// TaskEnqueued records a new task entering the queue.
func (r *Recorder) TaskEnqueued(ctx context.Context, task *types.Task, actor string) {
	r.record(ctx, &types.AuditEntry{
		ChannelID: task.ChannelID,
		TaskID:    task.ID,
		Action:    types.AuditTaskEnqueued,
		Actor:     actor,
		Metadata: map[string]string{
			"planning_page_id": task.PlanningPageID,
			"priority":         string(task.Priority),
		},
	})
}

// ChannelRegistered records a channel being added or updated via the CLI.
func (r *Recorder) ChannelRegistered(ctx context.Context, channelID, actor string) {
	r.record(ctx, &types.AuditEntry{
		ChannelID: channelID,
		Action:    types.AuditChannelRegister,
		Actor:     actor,
	})
}

// MirrorDropped records an outbound status update abandoned after repeated
// failures.
func (r *Recorder) MirrorDropped(ctx context.Context, task *types.Task, label types.StatusLabel, reason string) {
	r.record(ctx, &types.AuditEntry{
		ChannelID: task.ChannelID,
		TaskID:    task.ID,
		Action:    types.AuditMirrorDropped,
		Actor:     "reconciler",
		Note:      reason,
		Metadata:  map[string]string{"label": string(label)},
	})
}

// Query passes through to the store.
func (r *Recorder) Query(ctx context.Context, f storage.AuditFilter) ([]*types.AuditEntry, error) {
	return r.store.QueryAudit(ctx, f)
}
