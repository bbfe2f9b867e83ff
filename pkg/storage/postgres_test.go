package storage

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/showrunner/pkg/types"
)

var taskColumns = []string{
	"id", "channel_id", "planning_page_id", "title", "topic", "story_direction",
	"priority", "state", "stage", "completed_stages", "attempt", "retry_count",
	"available_at", "claimed_by", "claimed_at", "lease_expires_at", "awaiting_gate",
	"last_error", "video_url", "correlation_id", "mirrored_at", "created_at", "updated_at",
}

type taskSeed struct {
	id        string
	state     string
	stage     int
	completed int
	attempt   int
	gate      string
}

func seedTaskRows(s taskSeed) *sqlmock.Rows {
	now := time.Now().UTC()
	if s.attempt == 0 {
		s.attempt = 1
	}
	return sqlmock.NewRows(taskColumns).AddRow(
		s.id, "ch-1", "page-1", "Volcano Facts", "volcanoes", "",
		"normal", s.state, s.stage, s.completed, s.attempt, 0,
		now, "", nil, nil, s.gate,
		nil, "", "corr-1", now, now, now)
}

func TestEnqueueTaskReturnsExistingOnConflict(t *testing.T) {
	store, mock := newMockStore(t, 0)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO tasks")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("state NOT IN ('rejected','failed','completed')")).
		WithArgs("ch-1", "page-1").
		WillReturnRows(seedTaskRows(taskSeed{id: "t-existing", state: "processing", stage: 3, completed: 7}))

	task, created, err := store.EnqueueTask(context.Background(), &types.Task{
		ChannelID:      "ch-1",
		PlanningPageID: "page-1",
		Title:          "Volcano Facts",
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "t-existing", task.ID)
	assert.Equal(t, types.TaskStateProcessing, task.State)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueueTaskInsertsNew(t *testing.T) {
	store, mock := newMockStore(t, 0)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO tasks")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("FROM tasks")).
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(seedTaskRows(taskSeed{id: "t-new", state: "pending"}))

	task, created, err := store.EnqueueTask(context.Background(), &types.Task{
		ChannelID:      "ch-1",
		PlanningPageID: "page-1",
		Title:          "Volcano Facts",
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, types.TaskStatePending, task.State)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimNextTaskResumesAtFirstIncompleteStage(t *testing.T) {
	store, mock := newMockStore(t, 0)
	mock.ExpectBegin()
	// Stages 0 and 1 already done from a previous lease; the claim must land
	// the worker on stage 2, not stage 0.
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE OF tasks SKIP LOCKED")).
		WithArgs("ch-1").
		WillReturnRows(seedTaskRows(taskSeed{id: "t-1", state: "pending", completed: 0b11}))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE tasks SET state = 'claimed'")).
		WithArgs("t-1", types.StageVideo, "worker-1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE channels SET last_served_at")).
		WithArgs("ch-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	task, err := store.ClaimNextTask(context.Background(), "worker-1", []string{"ch-1"}, 20*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateClaimed, task.State)
	assert.Equal(t, types.StageVideo, task.Stage)
	assert.Equal(t, "worker-1", task.ClaimedBy)
	assert.False(t, task.LeaseExpiresAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimNextTaskNoEligibleChannels(t *testing.T) {
	store, _ := newMockStore(t, 0)
	_, err := store.ClaimNextTask(context.Background(), "worker-1", nil, time.Minute)
	assert.ErrorIs(t, err, ErrNoWork)
}

func TestClaimNextTaskEmptyQueue(t *testing.T) {
	store, mock := newMockStore(t, 0)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE OF tasks SKIP LOCKED")).
		WithArgs("ch-1").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, err := store.ClaimNextTask(context.Background(), "worker-1", []string{"ch-1"}, time.Minute)
	assert.ErrorIs(t, err, ErrNoWork)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReserveUploadUnitsExhausted(t *testing.T) {
	store, mock := newMockStore(t, 0)
	// The conditional upsert returns no row when the reservation would
	// overshoot the ceiling, and the ledger is left untouched.
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO upload_quota_ledger")).
		WithArgs("ch-1", "2026-08-26", int64(1600), int64(10000)).
		WillReturnRows(sqlmock.NewRows([]string{"units_used"}))

	_, err := store.ReserveUploadUnits(context.Background(), "ch-1", "2026-08-26", 1600, 10000)
	assert.ErrorIs(t, err, ErrQuotaExhausted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReserveUploadUnitsExactlyAtCeiling(t *testing.T) {
	store, mock := newMockStore(t, 0)
	// 8400 used + 1600 lands exactly on a 10000 ceiling; that reservation
	// still fits.
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO upload_quota_ledger")).
		WithArgs("ch-1", "2026-08-26", int64(1600), int64(10000)).
		WillReturnRows(sqlmock.NewRows([]string{"units_used"}).AddRow(int64(10000)))

	used, err := store.ReserveUploadUnits(context.Background(), "ch-1", "2026-08-26", 1600, 10000)
	require.NoError(t, err)
	assert.Equal(t, int64(10000), used)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReleaseUploadUnitsRefunds(t *testing.T) {
	store, mock := newMockStore(t, 0)
	mock.ExpectQuery(regexp.QuoteMeta("SET units_used = GREATEST(units_used - $3, 0)")).
		WithArgs("ch-1", "2026-08-26", int64(1600)).
		WillReturnRows(sqlmock.NewRows([]string{"units_used"}).AddRow(int64(8400)))

	used, err := store.ReleaseUploadUnits(context.Background(), "ch-1", "2026-08-26", 1600)
	require.NoError(t, err)
	assert.Equal(t, int64(8400), used)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// Releasing against a day with no ledger row (midnight rolled over between
// reserve and release) is a no-op, not an error.
func TestReleaseUploadUnitsMissingRow(t *testing.T) {
	store, mock := newMockStore(t, 0)
	mock.ExpectQuery(regexp.QuoteMeta("SET units_used = GREATEST(units_used - $3, 0)")).
		WithArgs("ch-1", "2026-08-27", int64(1600)).
		WillReturnRows(sqlmock.NewRows([]string{"units_used"}))

	used, err := store.ReleaseUploadUnits(context.Background(), "ch-1", "2026-08-27", 1600)
	require.NoError(t, err)
	assert.Equal(t, int64(0), used)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// The claim ordering weights channel staleness by priority_weight so a
// heavier channel is served proportionally more often; equal weights reduce
// to least-recently-served round robin.
func TestClaimQueryWeightsChannelStaleness(t *testing.T) {
	query, args, err := buildClaimQuery([]string{"ch-1", "ch-2"})
	require.NoError(t, err)
	assert.Len(t, args, 2)
	assert.Contains(t, query, "c.priority_weight")
	assert.Contains(t, query, "coalesce(c.last_served_at, 'epoch'::timestamptz)")
	assert.Contains(t, query, "FOR UPDATE OF tasks SKIP LOCKED")
}

func TestMarkMirroredIsMonotonic(t *testing.T) {
	store, mock := newMockStore(t, 0)
	at := time.Now().UTC()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE tasks SET mirrored_at")).
		WithArgs("t-1", at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE tasks SET mirrored_at")).
		WithArgs("t-1", at).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := store.MarkMirrored(context.Background(), "t-1", at)
	require.NoError(t, err)
	assert.True(t, ok)

	// A stale mirror attempt with the same timestamp is a no-op.
	ok, err = store.MarkMirrored(context.Background(), "t-1", at)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkCompletedRefusesIncompleteBitmap(t *testing.T) {
	store, mock := newMockStore(t, 0)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE tasks SET state = 'completed'")).
		WithArgs("t-1", "https://example.com/watch?v=abc").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.MarkCompleted(context.Background(), "t-1", "https://example.com/watch?v=abc")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "incomplete stages")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyReviewRejectionClearsGatedStageBit(t *testing.T) {
	store, mock := newMockStore(t, 0)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WithArgs("t-1").
		WillReturnRows(seedTaskRows(taskSeed{
			id: "t-1", state: "awaiting_review", stage: types.StageVideo,
			completed: 0b111, gate: string(types.GateVideo),
		}))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO reviews")).
		WithArgs(sqlmock.AnyArg(), "t-1", "video", 1, "alice", "rejected", "clip 7 glitches").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE tasks SET state = 'rejected'")).
		WithArgs("t-1", sqlmock.AnyArg(), types.StageVideo).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	task, err := store.ApplyReview(context.Background(), &types.Review{
		TaskID:   "t-1",
		Gate:     types.GateVideo,
		Reviewer: "alice",
		Decision: types.DecisionRejected,
		Note:     "clip 7 glitches",
	})
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateRejected, task.State)
	// The rejected stage reruns on re-queue instead of being skipped.
	assert.False(t, task.StageDone(types.StageVideo))
	assert.True(t, task.StageDone(types.StageAssets))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyReviewOnWrongGate(t *testing.T) {
	store, mock := newMockStore(t, 0)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WithArgs("t-1").
		WillReturnRows(seedTaskRows(taskSeed{id: "t-1", state: "processing", stage: 2, completed: 0b11}))
	mock.ExpectRollback()

	_, err := store.ApplyReview(context.Background(), &types.Review{
		TaskID:   "t-1",
		Gate:     types.GateVideo,
		Reviewer: "alice",
		Decision: types.DecisionApproved,
	})
	assert.ErrorIs(t, err, ErrDuplicateReview)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFirstIncomplete(t *testing.T) {
	tests := []struct {
		bitmap uint16
		want   int
	}{
		{0, 0},
		{0b1, 1},
		{0b111, 3},
		{0b1011, 2},
		{0b11111111, types.StageCount},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, firstIncomplete(tt.bitmap), "bitmap %b", tt.bitmap)
	}
}
