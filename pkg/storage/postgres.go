package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/cuemby/showrunner/pkg/types"
)

// --- Channels ---

func (s *Store) UpsertChannel(ctx context.Context, c *types.Channel) error {
	intro, outro := "", ""
	if c.Branding != nil {
		intro, outro = c.Branding.IntroPath, c.Branding.OutroPath
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO channels (id, name, planning_database_id, active, priority_weight,
			max_concurrent, voice_id, intro_path, outro_path, storage_strategy,
			upload_privacy, daily_spend_cap_usd, daily_upload_units, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,now(),now())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			planning_database_id = EXCLUDED.planning_database_id,
			active = EXCLUDED.active,
			priority_weight = EXCLUDED.priority_weight,
			max_concurrent = EXCLUDED.max_concurrent,
			voice_id = EXCLUDED.voice_id,
			intro_path = EXCLUDED.intro_path,
			outro_path = EXCLUDED.outro_path,
			storage_strategy = EXCLUDED.storage_strategy,
			upload_privacy = EXCLUDED.upload_privacy,
			daily_spend_cap_usd = EXCLUDED.daily_spend_cap_usd,
			daily_upload_units = EXCLUDED.daily_upload_units,
			updated_at = now()`,
		c.ID, c.Name, c.PlanningDatabaseID, c.Active, c.PriorityWeight,
		c.MaxConcurrent, c.VoiceID, intro, outro, string(c.StorageStrategy),
		string(c.UploadPrivacy), c.DailySpendCapUSD, c.DailyUploadUnits)
	if err != nil {
		return fmt.Errorf("failed to upsert channel %s: %w", c.ID, err)
	}
	return nil
}

type channelRow struct {
	ID                 string     `db:"id"`
	Name               string     `db:"name"`
	PlanningDatabaseID string     `db:"planning_database_id"`
	Active             bool       `db:"active"`
	PriorityWeight     int        `db:"priority_weight"`
	MaxConcurrent      int        `db:"max_concurrent"`
	VoiceID            string     `db:"voice_id"`
	IntroPath          string     `db:"intro_path"`
	OutroPath          string     `db:"outro_path"`
	StorageStrategy    string     `db:"storage_strategy"`
	UploadPrivacy      string     `db:"upload_privacy"`
	DailySpendCapUSD   float64    `db:"daily_spend_cap_usd"`
	DailyUploadUnits   int64      `db:"daily_upload_units"`
	LastServedAt       *time.Time `db:"last_served_at"`
	CreatedAt          time.Time  `db:"created_at"`
	UpdatedAt          time.Time  `db:"updated_at"`
}

func (r *channelRow) toChannel() *types.Channel {
	c := &types.Channel{
		ID:                 r.ID,
		Name:               r.Name,
		PlanningDatabaseID: r.PlanningDatabaseID,
		Active:             r.Active,
		PriorityWeight:     r.PriorityWeight,
		MaxConcurrent:      r.MaxConcurrent,
		VoiceID:            r.VoiceID,
		StorageStrategy:    types.StorageStrategy(r.StorageStrategy),
		UploadPrivacy:      types.UploadPrivacy(r.UploadPrivacy),
		DailySpendCapUSD:   r.DailySpendCapUSD,
		DailyUploadUnits:   r.DailyUploadUnits,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}
	if r.IntroPath != "" || r.OutroPath != "" {
		c.Branding = &types.Branding{IntroPath: r.IntroPath, OutroPath: r.OutroPath}
	}
	return c
}

const channelCols = `id, name, planning_database_id, active, priority_weight,
	max_concurrent, voice_id, intro_path, outro_path, storage_strategy,
	upload_privacy, daily_spend_cap_usd, daily_upload_units, last_served_at,
	created_at, updated_at`

func (s *Store) GetChannel(ctx context.Context, id string) (*types.Channel, error) {
	var row channelRow
	err := s.db.GetContext(ctx, &row, `SELECT `+channelCols+` FROM channels WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("channel %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get channel %s: %w", id, err)
	}
	return row.toChannel(), nil
}

func (s *Store) ListChannels(ctx context.Context) ([]*types.Channel, error) {
	var rows []channelRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+channelCols+` FROM channels ORDER BY id`); err != nil {
		return nil, fmt.Errorf("failed to list channels: %w", err)
	}
	channels := make([]*types.Channel, len(rows))
	for i := range rows {
		channels[i] = rows[i].toChannel()
	}
	return channels, nil
}

func (s *Store) SetChannelActive(ctx context.Context, id string, active bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE channels SET active = $2, updated_at = now() WHERE id = $1`, id, active)
	if err != nil {
		return fmt.Errorf("failed to set channel %s active=%v: %w", id, active, err)
	}
	return nil
}

// --- Credentials ---

func (s *Store) PutCredential(ctx context.Context, c *types.Credential) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credentials (channel_id, kind, data, created_at, updated_at)
		VALUES ($1,$2,$3,now(),now())
		ON CONFLICT (channel_id, kind) DO UPDATE SET data = EXCLUDED.data, updated_at = now()`,
		c.ChannelID, string(c.Kind), c.Data)
	if err != nil {
		return fmt.Errorf("failed to store credential %s/%s: %w", c.ChannelID, c.Kind, err)
	}
	return nil
}

func (s *Store) GetCredential(ctx context.Context, channelID string, kind types.CredentialKind) (*types.Credential, error) {
	var row struct {
		ChannelID string    `db:"channel_id"`
		Kind      string    `db:"kind"`
		Data      []byte    `db:"data"`
		CreatedAt time.Time `db:"created_at"`
		UpdatedAt time.Time `db:"updated_at"`
	}
	err := s.db.GetContext(ctx, &row,
		`SELECT channel_id, kind, data, created_at, updated_at FROM credentials WHERE channel_id = $1 AND kind = $2`,
		channelID, string(kind))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("credential %s/%s: %w", channelID, kind, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credential %s/%s: %w", channelID, kind, err)
	}
	return &types.Credential{
		ChannelID: row.ChannelID,
		Kind:      types.CredentialKind(row.Kind),
		Data:      row.Data,
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}, nil
}

// --- Tasks ---

type taskRow struct {
	ID              string     `db:"id"`
	ChannelID       string     `db:"channel_id"`
	PlanningPageID  string     `db:"planning_page_id"`
	Title           string     `db:"title"`
	Topic           string     `db:"topic"`
	StoryDirection  string     `db:"story_direction"`
	Priority        string     `db:"priority"`
	State           string     `db:"state"`
	Stage           int        `db:"stage"`
	CompletedStages int        `db:"completed_stages"`
	Attempt         int        `db:"attempt"`
	RetryCount      int        `db:"retry_count"`
	AvailableAt     time.Time  `db:"available_at"`
	ClaimedBy       string     `db:"claimed_by"`
	ClaimedAt       *time.Time `db:"claimed_at"`
	LeaseExpiresAt  *time.Time `db:"lease_expires_at"`
	AwaitingGate    string     `db:"awaiting_gate"`
	LastError       []byte     `db:"last_error"`
	VideoURL        string     `db:"video_url"`
	CorrelationID   string     `db:"correlation_id"`
	MirroredAt      time.Time  `db:"mirrored_at"`
	CreatedAt       time.Time  `db:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at"`
}

const taskCols = `id, channel_id, planning_page_id, title, topic, story_direction,
	priority, state, stage, completed_stages, attempt, retry_count, available_at,
	claimed_by, claimed_at, lease_expires_at, awaiting_gate, last_error, video_url,
	correlation_id, mirrored_at, created_at, updated_at`

func (r *taskRow) toTask() (*types.Task, error) {
	t := &types.Task{
		ID:              r.ID,
		ChannelID:       r.ChannelID,
		PlanningPageID:  r.PlanningPageID,
		Title:           r.Title,
		Topic:           r.Topic,
		StoryDirection:  r.StoryDirection,
		Priority:        types.TaskPriority(r.Priority),
		State:           types.TaskState(r.State),
		Stage:           r.Stage,
		CompletedStages: uint16(r.CompletedStages),
		Attempt:         r.Attempt,
		RetryCount:      r.RetryCount,
		AvailableAt:     r.AvailableAt,
		ClaimedBy:       r.ClaimedBy,
		AwaitingGate:    types.ReviewGate(r.AwaitingGate),
		VideoURL:        r.VideoURL,
		CorrelationID:   r.CorrelationID,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
	if r.ClaimedAt != nil {
		t.ClaimedAt = *r.ClaimedAt
	}
	if r.LeaseExpiresAt != nil {
		t.LeaseExpiresAt = *r.LeaseExpiresAt
	}
	if len(r.LastError) > 0 && string(r.LastError) != "null" {
		var e types.ErrorLog
		if err := json.Unmarshal(r.LastError, &e); err != nil {
			return nil, fmt.Errorf("failed to decode error log for task %s: %w", r.ID, err)
		}
		t.LastError = &e
	}
	return t, nil
}

// EnqueueTask inserts a pending task. Enqueueing the same (channel, page)
// while a non-terminal task exists is a no-op that returns the existing task.
func (s *Store) EnqueueTask(ctx context.Context, t *types.Task) (*types.Task, bool, error) {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Priority == "" {
		t.Priority = types.PriorityNormal
	}
	if t.CorrelationID == "" {
		t.CorrelationID = uuid.New().String()
	}
	if t.AvailableAt.IsZero() {
		t.AvailableAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, channel_id, planning_page_id, title, topic, story_direction,
			priority, state, stage, completed_stages, attempt, available_at, correlation_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,'pending',$8,$9,$10,$11,$12)
		ON CONFLICT (channel_id, planning_page_id) WHERE state NOT IN ('rejected','failed','completed')
		DO NOTHING`,
		t.ID, t.ChannelID, t.PlanningPageID, t.Title, t.Topic, t.StoryDirection,
		string(t.Priority), t.Stage, int(t.CompletedStages), max(t.Attempt, 1),
		t.AvailableAt, t.CorrelationID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to enqueue task for page %s: %w", t.PlanningPageID, err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		existing, err := s.getLiveTaskByPage(ctx, t.ChannelID, t.PlanningPageID)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}

	created, err := s.GetTask(ctx, t.ID)
	return created, true, err
}

func (s *Store) getLiveTaskByPage(ctx context.Context, channelID, pageID string) (*types.Task, error) {
	var row taskRow
	err := s.db.GetContext(ctx, &row, `
		SELECT `+taskCols+` FROM tasks
		WHERE channel_id = $1 AND planning_page_id = $2
		  AND state NOT IN ('rejected','failed','completed')`,
		channelID, pageID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("live task for page %s: %w", pageID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up task for page %s: %w", pageID, err)
	}
	return row.toTask()
}

// GetLiveTaskByPage returns the non-terminal task for a planning page.
func (s *Store) GetLiveTaskByPage(ctx context.Context, channelID, pageID string) (*types.Task, error) {
	return s.getLiveTaskByPage(ctx, channelID, pageID)
}

// GetLatestTaskByPage returns the most recent task for a page regardless of
// state; inbound retry observations need the terminal one.
func (s *Store) GetLatestTaskByPage(ctx context.Context, channelID, pageID string) (*types.Task, error) {
	var row taskRow
	err := s.db.GetContext(ctx, &row, `
		SELECT `+taskCols+` FROM tasks
		WHERE channel_id = $1 AND planning_page_id = $2
		ORDER BY created_at DESC LIMIT 1`,
		channelID, pageID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task for page %s: %w", pageID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up task for page %s: %w", pageID, err)
	}
	return row.toTask()
}

func (s *Store) GetTask(ctx context.Context, id string) (*types.Task, error) {
	var row taskRow
	err := s.db.GetContext(ctx, &row, `SELECT `+taskCols+` FROM tasks WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task %s: %w", id, err)
	}
	return row.toTask()
}

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	ChannelID string
	State     types.TaskState
	Limit     int
}

func (s *Store) ListTasks(ctx context.Context, f TaskFilter) ([]*types.Task, error) {
	query := `SELECT ` + taskCols + ` FROM tasks`
	var conds []string
	var args []interface{}
	if f.ChannelID != "" {
		args = append(args, f.ChannelID)
		conds = append(conds, fmt.Sprintf("channel_id = $%d", len(args)))
	}
	if f.State != "" {
		args = append(args, string(f.State))
		conds = append(conds, fmt.Sprintf("state = $%d", len(args)))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	var rows []taskRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	tasks := make([]*types.Task, 0, len(rows))
	for i := range rows {
		t, err := rows[i].toTask()
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// CountTasksByState powers queue-depth reporting and metrics.
func (s *Store) CountTasksByState(ctx context.Context) (map[types.TaskState]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, count(*) FROM tasks GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[types.TaskState]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[types.TaskState(state)] = n
	}
	return counts, rows.Err()
}

// ClaimNextTask atomically claims the best available task for a worker.
// Ordering is priority first, then least-recently-served channel, then FIFO.
// FOR UPDATE SKIP LOCKED keeps concurrent claimers off each other's rows.
func (s *Store) ClaimNextTask(ctx context.Context, workerID string, eligible []string, lease time.Duration) (*types.Task, error) {
	if len(eligible) == 0 {
		return nil, ErrNoWork
	}

	var claimed *types.Task
	err := s.WithTx(ctx, func(tx *Tx) error {
		query, args, err := buildClaimQuery(eligible)
		if err != nil {
			return err
		}
		var row taskRow
		err = tx.GetContext(ctx, &row, query, args...)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNoWork
		}
		if err != nil {
			return fmt.Errorf("failed to select claimable task: %w", err)
		}

		now := time.Now().UTC()
		resumeStage := firstIncomplete(uint16(row.CompletedStages))
		_, err = tx.ExecContext(ctx, `
			UPDATE tasks SET state = 'claimed', stage = $2, claimed_by = $3,
				claimed_at = $4, lease_expires_at = $5, awaiting_gate = '', updated_at = now()
			WHERE id = $1`,
			row.ID, resumeStage, workerID, now, now.Add(lease))
		if err != nil {
			return fmt.Errorf("failed to claim task %s: %w", row.ID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE channels SET last_served_at = $2 WHERE id = $1`, row.ChannelID, now); err != nil {
			return fmt.Errorf("failed to stamp channel %s: %w", row.ChannelID, err)
		}

		row.State = string(types.TaskStateClaimed)
		row.Stage = resumeStage
		row.ClaimedBy = workerID
		row.ClaimedAt = &now
		exp := now.Add(lease)
		row.LeaseExpiresAt = &exp
		claimed, err = row.toTask()
		return err
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func buildClaimQuery(eligible []string) (string, []interface{}, error) {
	placeholders := make([]string, len(eligible))
	args := make([]interface{}, len(eligible))
	for i, id := range eligible {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	// Fairness term: seconds since the channel was last served, scaled by
	// its priority_weight. A never-served channel coalesces to the epoch and
	// wins outright; among served channels a weight of 3 accrues staleness
	// three times as fast, so it is picked proportionally more often. Equal
	// weights reduce to least-recently-served round robin.
	query := fmt.Sprintf(`
		SELECT `+taskCols+` FROM tasks
		WHERE state IN ('pending','retry','approved')
		  AND available_at <= now()
		  AND channel_id IN (%s)
		ORDER BY
		  CASE priority WHEN 'high' THEN 2 WHEN 'normal' THEN 1 ELSE 0 END DESC,
		  (SELECT extract(epoch from now() - coalesce(c.last_served_at, 'epoch'::timestamptz)) * c.priority_weight
		     FROM channels c WHERE c.id = tasks.channel_id) DESC,
		  created_at ASC
		FOR UPDATE OF tasks SKIP LOCKED
		LIMIT 1`, strings.Join(placeholders, ","))
	return query, args, nil
}

func firstIncomplete(bitmap uint16) int {
	for i := 0; i < types.StageCount; i++ {
		if bitmap&(1<<uint(i)) == 0 {
			return i
		}
	}
	return types.StageCount
}

// ExtendLease pushes the lease out for long stages (upload). Only the holder
// may extend.
func (s *Store) ExtendLease(ctx context.Context, taskID, workerID string, until time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET lease_expires_at = $3, updated_at = now()
		WHERE id = $1 AND claimed_by = $2 AND state IN ('claimed','processing')`,
		taskID, workerID, until)
	if err != nil {
		return fmt.Errorf("failed to extend lease on task %s: %w", taskID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("lease on task %s not held by %s: %w", taskID, workerID, ErrNotFound)
	}
	return nil
}

// ReleaseExpiredLeases returns expired claimed/processing tasks to the queue.
// The resume bitmap makes re-claiming safe.
func (s *Store) ReleaseExpiredLeases(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE tasks SET state = 'pending', claimed_by = '', claimed_at = NULL,
			lease_expires_at = NULL, updated_at = now()
		WHERE state IN ('claimed','processing') AND lease_expires_at < now()
		RETURNING id`)
	if err != nil {
		return nil, fmt.Errorf("failed to release expired leases: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ReleaseTask returns a claimed task to pending untouched. Used when the
// claimer loses the channel-capacity race after claiming.
func (s *Store) ReleaseTask(ctx context.Context, taskID, workerID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET state = 'pending', claimed_by = '', claimed_at = NULL,
			lease_expires_at = NULL, updated_at = now()
		WHERE id = $1 AND claimed_by = $2 AND state = 'claimed'`,
		taskID, workerID)
	if err != nil {
		return fmt.Errorf("failed to release task %s: %w", taskID, err)
	}
	return nil
}

// BeginStage moves a claimed task into processing at the given stage and
// clears the previous error.
func (s *Store) BeginStage(ctx context.Context, taskID, workerID string, stage int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET state = 'processing', stage = $3, awaiting_gate = '',
			last_error = NULL, updated_at = now()
		WHERE id = $1 AND claimed_by = $2`,
		taskID, workerID, stage)
	if err != nil {
		return fmt.Errorf("failed to begin stage %d on task %s: %w", stage, taskID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s not claimed by %s: %w", taskID, workerID, ErrNotFound)
	}
	return nil
}

// RecordStageDone sets the stage bit and either parks the task at a review
// gate or leaves it processing at the next stage. Cost entries land in the
// same transaction.
func (s *Store) RecordStageDone(ctx context.Context, taskID string, stage int, gate types.ReviewGate, costs []*types.CostEntry) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		var err error
		if gate != "" {
			_, err = tx.ExecContext(ctx, `
				UPDATE tasks SET completed_stages = completed_stages | (1 << $2),
					state = 'awaiting_review', awaiting_gate = $3,
					claimed_by = '', claimed_at = NULL, lease_expires_at = NULL,
					updated_at = now()
				WHERE id = $1`, taskID, stage, string(gate))
		} else {
			_, err = tx.ExecContext(ctx, `
				UPDATE tasks SET completed_stages = completed_stages | (1 << $2),
					stage = $2 + 1, updated_at = now()
				WHERE id = $1`, taskID, stage)
		}
		if err != nil {
			return fmt.Errorf("failed to record stage %d done on task %s: %w", stage, taskID, err)
		}
		for _, c := range costs {
			if err := insertCost(ctx, tx, c); err != nil {
				return err
			}
		}
		return nil
	})
}

// ScheduleRetry parks the task until availableAt. Quota deferrals pass
// countRetry=false so midnight waits never consume the retry budget.
func (s *Store) ScheduleRetry(ctx context.Context, taskID string, availableAt time.Time, errLog *types.ErrorLog, countRetry bool) error {
	raw, err := json.Marshal(errLog)
	if err != nil {
		return fmt.Errorf("failed to encode error log: %w", err)
	}
	bump := 0
	if countRetry {
		bump = 1
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE tasks SET state = 'retry', retry_count = retry_count + $2,
			available_at = $3, last_error = $4,
			claimed_by = '', claimed_at = NULL, lease_expires_at = NULL,
			updated_at = now()
		WHERE id = $1`,
		taskID, bump, availableAt, raw)
	if err != nil {
		return fmt.Errorf("failed to schedule retry for task %s: %w", taskID, err)
	}
	return nil
}

// MarkFailed is terminal until a human re-queues the task.
func (s *Store) MarkFailed(ctx context.Context, taskID string, errLog *types.ErrorLog) error {
	raw, err := json.Marshal(errLog)
	if err != nil {
		return fmt.Errorf("failed to encode error log: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE tasks SET state = 'failed', last_error = $2,
			claimed_by = '', claimed_at = NULL, lease_expires_at = NULL,
			updated_at = now()
		WHERE id = $1`, taskID, raw)
	if err != nil {
		return fmt.Errorf("failed to mark task %s failed: %w", taskID, err)
	}
	return nil
}

// MarkCompleted requires every stage bit to be set (including finalize).
func (s *Store) MarkCompleted(ctx context.Context, taskID, videoURL string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET state = 'completed', video_url = $2,
			claimed_by = '', claimed_at = NULL, lease_expires_at = NULL,
			updated_at = now()
		WHERE id = $1 AND completed_stages & 255 = 255`, taskID, videoURL)
	if err != nil {
		return fmt.Errorf("failed to complete task %s: %w", taskID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s has incomplete stages, refusing to complete", taskID)
	}
	return nil
}

// RequeueTask is the human retry path for failed or rejected tasks. A new
// attempt starts at the first incomplete stage with a fresh retry budget.
func (s *Store) RequeueTask(ctx context.Context, taskID string) (*types.Task, error) {
	var out *types.Task
	err := s.WithTx(ctx, func(tx *Tx) error {
		var row taskRow
		err := tx.GetContext(ctx, &row,
			`SELECT `+taskCols+` FROM tasks WHERE id = $1 FOR UPDATE`, taskID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to load task %s: %w", taskID, err)
		}
		state := types.TaskState(row.State)
		if state != types.TaskStateFailed && state != types.TaskStateRejected {
			return fmt.Errorf("task %s is %s, only failed or rejected tasks can be re-queued", taskID, state)
		}

		resumeStage := firstIncomplete(uint16(row.CompletedStages))
		_, err = tx.ExecContext(ctx, `
			UPDATE tasks SET state = 'pending', stage = $2, attempt = attempt + 1,
				retry_count = 0, available_at = now(), awaiting_gate = '',
				last_error = NULL, updated_at = now()
			WHERE id = $1`, taskID, resumeStage)
		if err != nil {
			return fmt.Errorf("failed to re-queue task %s: %w", taskID, err)
		}

		row.State = string(types.TaskStatePending)
		row.Stage = resumeStage
		row.Attempt++
		row.RetryCount = 0
		row.LastError = nil
		out, err = row.toTask()
		return err
	})
	return out, err
}

// ListUnmirrored returns tasks whose current state has not been posted to
// the planning database yet, oldest first.
func (s *Store) ListUnmirrored(ctx context.Context, limit int) ([]*types.Task, error) {
	var rows []taskRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+taskCols+` FROM tasks
		WHERE updated_at > mirrored_at
		ORDER BY updated_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unmirrored tasks: %w", err)
	}
	tasks := make([]*types.Task, 0, len(rows))
	for i := range rows {
		t, err := rows[i].toTask()
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// SetVideoURL persists the published URL as soon as the upload reports it,
// so a crash between upload and finalize cannot lose it.
func (s *Store) SetVideoURL(ctx context.Context, taskID, videoURL string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET video_url = $2, updated_at = now() WHERE id = $1`, taskID, videoURL)
	if err != nil {
		return fmt.Errorf("failed to set video url on task %s: %w", taskID, err)
	}
	return nil
}

// MarkMirrored records a successful outbound status post. The guard keeps
// the mirror monotonic: an older status never overwrites a newer one.
func (s *Store) MarkMirrored(ctx context.Context, taskID string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET mirrored_at = $2 WHERE id = $1 AND mirrored_at < $2`, taskID, at)
	if err != nil {
		return false, fmt.Errorf("failed to mark task %s mirrored: %w", taskID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// --- Reviews ---

// ApplyReview records a decisive review and applies its state transition in
// one transaction. Reviews against tasks not awaiting that gate fail with
// ErrDuplicateReview or a gate-closed error from the caller's perspective.
func (s *Store) ApplyReview(ctx context.Context, r *types.Review) (*types.Task, error) {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	var out *types.Task
	err := s.WithTx(ctx, func(tx *Tx) error {
		var row taskRow
		err := tx.GetContext(ctx, &row,
			`SELECT `+taskCols+` FROM tasks WHERE id = $1 FOR UPDATE`, r.TaskID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("task %s: %w", r.TaskID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to load task %s: %w", r.TaskID, err)
		}
		if types.TaskState(row.State) != types.TaskStateAwaitingReview || row.AwaitingGate != string(r.Gate) {
			return fmt.Errorf("task %s is not awaiting %s review: %w", r.TaskID, r.Gate, ErrDuplicateReview)
		}
		r.Attempt = row.Attempt

		_, err = tx.ExecContext(ctx, `
			INSERT INTO reviews (id, task_id, gate, attempt, reviewer, decision, note)
			VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			r.ID, r.TaskID, string(r.Gate), r.Attempt, r.Reviewer, string(r.Decision), r.Note)
		if isUniqueViolation(err) {
			return ErrDuplicateReview
		}
		if err != nil {
			return fmt.Errorf("failed to insert review: %w", err)
		}

		if r.Decision == types.DecisionApproved {
			_, err = tx.ExecContext(ctx, `
				UPDATE tasks SET state = 'approved', available_at = now(), updated_at = now()
				WHERE id = $1`, r.TaskID)
		} else {
			errLog, merr := json.Marshal(&types.ErrorLog{
				Stage:      row.Stage,
				Kind:       types.ErrKindReview,
				Timestamp:  time.Now().UTC(),
				Message:    fmt.Sprintf("rejected at %s gate by %s: %s", r.Gate, r.Reviewer, r.Note),
				RetryCount: row.RetryCount,
			})
			if merr != nil {
				return merr
			}
			// The gated stage's bit comes off so a human re-queue reruns
			// the stage the reviewer found wanting instead of skipping it.
			_, err = tx.ExecContext(ctx, `
				UPDATE tasks SET state = 'rejected', last_error = $2,
					completed_stages = completed_stages & ~(1 << $3),
					updated_at = now()
				WHERE id = $1`, r.TaskID, errLog, types.GateStage(r.Gate))
		}
		if err != nil {
			return fmt.Errorf("failed to apply review to task %s: %w", r.TaskID, err)
		}

		reloaded := row
		if r.Decision == types.DecisionApproved {
			reloaded.State = string(types.TaskStateApproved)
		} else {
			reloaded.State = string(types.TaskStateRejected)
			reloaded.CompletedStages &^= 1 << types.GateStage(r.Gate)
		}
		out, err = reloaded.toTask()
		return err
	})
	return out, err
}

func (s *Store) GetReview(ctx context.Context, taskID string, gate types.ReviewGate, attempt int) (*types.Review, error) {
	var row struct {
		ID        string    `db:"id"`
		TaskID    string    `db:"task_id"`
		Gate      string    `db:"gate"`
		Attempt   int       `db:"attempt"`
		Reviewer  string    `db:"reviewer"`
		Decision  string    `db:"decision"`
		Note      string    `db:"note"`
		CreatedAt time.Time `db:"created_at"`
	}
	err := s.db.GetContext(ctx, &row, `
		SELECT id, task_id, gate, attempt, reviewer, decision, note, created_at
		FROM reviews WHERE task_id = $1 AND gate = $2 AND attempt = $3`,
		taskID, string(gate), attempt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("review %s/%s/%d: %w", taskID, gate, attempt, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get review: %w", err)
	}
	return &types.Review{
		ID:        row.ID,
		TaskID:    row.TaskID,
		Gate:      types.ReviewGate(row.Gate),
		Attempt:   row.Attempt,
		Reviewer:  row.Reviewer,
		Decision:  types.ReviewDecision(row.Decision),
		Note:      row.Note,
		CreatedAt: row.CreatedAt,
	}, nil
}

// --- Costs ---

func insertCost(ctx context.Context, tx *Tx, c *types.CostEntry) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	meta, err := json.Marshal(orEmpty(c.Metadata))
	if err != nil {
		return fmt.Errorf("failed to encode cost metadata: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO cost_entries (id, task_id, channel_id, component, units, cost_usd, api_calls, metadata)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		c.ID, c.TaskID, c.ChannelID, string(c.Component), c.Units, c.CostUSD, c.APICalls, meta)
	if err != nil {
		return fmt.Errorf("failed to insert cost entry: %w", err)
	}
	return nil
}

func (s *Store) InsertCostEntry(ctx context.Context, c *types.CostEntry) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		return insertCost(ctx, tx, c)
	})
}

func (s *Store) ListCostsByTask(ctx context.Context, taskID string) ([]*types.CostEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, channel_id, component, units, cost_usd, api_calls, metadata, created_at
		FROM cost_entries WHERE task_id = $1 ORDER BY created_at`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list costs for task %s: %w", taskID, err)
	}
	defer rows.Close()

	var out []*types.CostEntry
	for rows.Next() {
		var c types.CostEntry
		var component string
		var meta []byte
		if err := rows.Scan(&c.ID, &c.TaskID, &c.ChannelID, &component, &c.Units,
			&c.CostUSD, &c.APICalls, &meta, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.Component = types.CostComponent(component)
		if err := json.Unmarshal(meta, &c.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode cost metadata: %w", err)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// SumChannelSpendSince totals USD spend for the daily cap check.
func (s *Store) SumChannelSpendSince(ctx context.Context, channelID string, since time.Time) (float64, error) {
	var total float64
	err := s.db.GetContext(ctx, &total, `
		SELECT COALESCE(SUM(cost_usd), 0) FROM cost_entries
		WHERE channel_id = $1 AND created_at >= $2`, channelID, since)
	if err != nil {
		return 0, fmt.Errorf("failed to sum spend for channel %s: %w", channelID, err)
	}
	return total, nil
}

// --- Audit ---

// AppendAudit inserts an audit row. The table carries a trigger that rejects
// UPDATE and DELETE, so append is the only verb.
func (s *Store) AppendAudit(ctx context.Context, e *types.AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	meta, err := json.Marshal(orEmpty(e.Metadata))
	if err != nil {
		return fmt.Errorf("failed to encode audit metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_entries (id, ts, channel_id, task_id, action, actor, note, metadata)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		e.ID, e.Timestamp, e.ChannelID, e.TaskID, e.Action, e.Actor, e.Note, meta)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// AuditFilter narrows QueryAudit. Zero values mean "any".
type AuditFilter struct {
	TaskID    string
	ChannelID string
	Action    string
	From      time.Time
	To        time.Time
	Limit     int
}

func (s *Store) QueryAudit(ctx context.Context, f AuditFilter) ([]*types.AuditEntry, error) {
	query := `SELECT id, ts, channel_id, task_id, action, actor, note, metadata FROM audit_entries`
	var conds []string
	var args []interface{}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.TaskID != "" {
		add("task_id = $%d", f.TaskID)
	}
	if f.ChannelID != "" {
		add("channel_id = $%d", f.ChannelID)
	}
	if f.Action != "" {
		add("action = $%d", f.Action)
	}
	if !f.From.IsZero() {
		add("ts >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("ts < $%d", f.To)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY ts DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var out []*types.AuditEntry
	for rows.Next() {
		var e types.AuditEntry
		var meta []byte
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.ChannelID, &e.TaskID,
			&e.Action, &e.Actor, &e.Note, &meta); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(meta, &e.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode audit metadata: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// --- Upload quota ledger ---

// ReserveUploadUnits reserves quota for (channel, day) or fails with
// ErrQuotaExhausted leaving the ledger untouched. Reservation and check are
// one statement, so concurrent reservations cannot oversubscribe.
func (s *Store) ReserveUploadUnits(ctx context.Context, channelID, day string, units, ceiling int64) (int64, error) {
	var used int64
	err := s.db.GetContext(ctx, &used, `
		INSERT INTO upload_quota_ledger (channel_id, day, units_used, ceiling)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (channel_id, day) DO UPDATE
			SET units_used = upload_quota_ledger.units_used + $3, updated_at = now()
			WHERE upload_quota_ledger.units_used + $3 <= upload_quota_ledger.ceiling
		RETURNING units_used`,
		channelID, day, units, ceiling)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrQuotaExhausted
	}
	if isCheckViolation(err) {
		return 0, ErrQuotaExhausted
	}
	if err != nil {
		return 0, fmt.Errorf("failed to reserve %d upload units for %s: %w", units, channelID, err)
	}
	return used, nil
}

// ReleaseUploadUnits refunds a reservation whose upload never happened. The
// floor at zero keeps a release that straddles the midnight rollover from
// corrupting the new day's row.
func (s *Store) ReleaseUploadUnits(ctx context.Context, channelID, day string, units int64) (int64, error) {
	var used int64
	err := s.db.GetContext(ctx, &used, `
		UPDATE upload_quota_ledger
		SET units_used = GREATEST(units_used - $3, 0), updated_at = now()
		WHERE channel_id = $1 AND day = $2
		RETURNING units_used`,
		channelID, day, units)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to release %d upload units for %s: %w", units, channelID, err)
	}
	return used, nil
}

func (s *Store) GetLedger(ctx context.Context, channelID, day string) (*types.QuotaLedger, error) {
	var row struct {
		ChannelID string    `db:"channel_id"`
		Day       time.Time `db:"day"`
		UnitsUsed int64     `db:"units_used"`
		Ceiling   int64     `db:"ceiling"`
		UpdatedAt time.Time `db:"updated_at"`
	}
	err := s.db.GetContext(ctx, &row, `
		SELECT channel_id, day, units_used, ceiling, updated_at
		FROM upload_quota_ledger WHERE channel_id = $1 AND day = $2`, channelID, day)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ledger %s/%s: %w", channelID, day, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ledger %s/%s: %w", channelID, day, err)
	}
	return &types.QuotaLedger{
		ChannelID: row.ChannelID,
		Date:      row.Day.Format("2006-01-02"),
		UnitsUsed: row.UnitsUsed,
		Ceiling:   row.Ceiling,
		UpdatedAt: row.UpdatedAt,
	}, nil
}

// --- Sync observations ---

// ObserveOnce records an inbound (page, label, updated_at) observation.
// Returns false when the same observation was already processed.
func (s *Store) ObserveOnce(ctx context.Context, pageID string, label string, pageUpdated time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_observations (page_id, status_label, page_updated)
		VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
		pageID, label, pageUpdated)
	if err != nil {
		return false, fmt.Errorf("failed to record observation for page %s: %w", pageID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// --- Worker heartbeats ---

func (s *Store) UpsertHeartbeat(ctx context.Context, hb *types.WorkerHeartbeat) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO worker_heartbeats (worker_id, seen_at, task_id, stage, started_at)
		VALUES ($1, now(), $2, $3, $4)
		ON CONFLICT (worker_id) DO UPDATE
			SET seen_at = now(), task_id = $2, stage = $3, started_at = $4`,
		hb.WorkerID, hb.TaskID, hb.Stage, nullableTime(hb.StartedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert heartbeat for %s: %w", hb.WorkerID, err)
	}
	return nil
}

func (s *Store) ListHeartbeats(ctx context.Context, since time.Time) ([]*types.WorkerHeartbeat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT worker_id, seen_at, task_id, stage, started_at
		FROM worker_heartbeats WHERE seen_at >= $1 ORDER BY worker_id`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list heartbeats: %w", err)
	}
	defer rows.Close()

	var out []*types.WorkerHeartbeat
	for rows.Next() {
		var hb types.WorkerHeartbeat
		var started sql.NullTime
		if err := rows.Scan(&hb.WorkerID, &hb.SeenAt, &hb.TaskID, &hb.Stage, &started); err != nil {
			return nil, err
		}
		if started.Valid {
			hb.StartedAt = started.Time
		}
		out = append(out, &hb)
	}
	return out, rows.Err()
}

// --- Settings ---

func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.GetContext(ctx, &value, `SELECT value FROM settings WHERE key = $1`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("setting %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to get setting %s: %w", key, err)
	}
	return value, nil
}

func (s *Store) PutSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = $2, updated_at = now()`, key, value)
	if err != nil {
		return fmt.Errorf("failed to put setting %s: %w", key, err)
	}
	return nil
}

// --- helpers ---

func orEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isCheckViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23514"
}
