package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cuemby/showrunner/pkg/alerting"
	"github.com/cuemby/showrunner/pkg/channels"
	"github.com/cuemby/showrunner/pkg/events"
	"github.com/cuemby/showrunner/pkg/log"
	"github.com/cuemby/showrunner/pkg/metrics"
	"github.com/cuemby/showrunner/pkg/storage"
	"github.com/cuemby/showrunner/pkg/supervisor"
	"github.com/cuemby/showrunner/pkg/types"
	"github.com/cuemby/showrunner/pkg/uploader"
	"github.com/cuemby/showrunner/pkg/workspace"
)

// StatusMirror accepts best-effort transient progress labels bound for the
// planning database. The reconciler implements it.
type StatusMirror interface {
	EnqueueTransient(channelID, pageID string, label types.StatusLabel)
}

// Engine drives one claimed task through its remaining stages. All state
// transitions go through short storage transactions; the engine itself holds
// nothing a crash could lose.
type Engine struct {
	store    *storage.Store
	registry *channels.Registry
	sup      *supervisor.Supervisor
	ws       *workspace.Workspace
	quota    *uploader.Quota
	tokens   *uploader.TokenManager
	broker   *events.Broker
	alerter  *alerting.Alerter
	mirror   StatusMirror
}

// NewEngine wires the pipeline engine. mirror may be nil; transient labels
// are then skipped.
func NewEngine(store *storage.Store, registry *channels.Registry, sup *supervisor.Supervisor,
	ws *workspace.Workspace, quota *uploader.Quota, tokens *uploader.TokenManager,
	broker *events.Broker, alerter *alerting.Alerter, mirror StatusMirror) *Engine {
	return &Engine{
		store:    store,
		registry: registry,
		sup:      sup,
		ws:       ws,
		quota:    quota,
		tokens:   tokens,
		broker:   broker,
		alerter:  alerter,
		mirror:   mirror,
	}
}

// Run executes the task from its first incomplete stage until it parks at a
// review gate, defers, fails, or completes. Run always leaves the task in a
// consistent persisted state before returning; its error return is for
// infrastructure problems only.
func (e *Engine) Run(ctx context.Context, task *types.Task, workerID string) error {
	ch, ok := e.registry.Get(task.ChannelID)
	if !ok {
		return fmt.Errorf("task %s references unknown channel %s", task.ID, task.ChannelID)
	}
	if err := e.ws.Prepare(task.ChannelID, task.ID); err != nil {
		return fmt.Errorf("failed to prepare workspace for task %s: %w", task.ID, err)
	}

	for stage := task.FirstIncompleteStage(); stage < types.StageCount; stage++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		e.heartbeat(ctx, workerID, task.ID, stage)

		if stage == types.StageFinalize {
			return e.finalize(ctx, task)
		}

		deferred, err := e.checkSpendCap(ctx, task, ch, stage)
		if err != nil || deferred {
			return err
		}

		spec := Spec(stage)
		env := []string{}
		if stage == types.StageUpload {
			parked, uenv, err := e.prepareUpload(ctx, task, ch, workerID, spec)
			if err != nil || parked {
				return err
			}
			env = uenv
		}

		if err := e.store.BeginStage(ctx, task.ID, workerID, stage); err != nil {
			if stage == types.StageUpload {
				e.quota.Release(ctx, ch)
			}
			return err
		}
		task.State = types.TaskStateProcessing
		task.Stage = stage

		log.WithTaskID(task.ID).Info().
			Str("stage", spec.Name).
			Int("attempt", task.Attempt).
			Msg("stage starting")

		start := time.Now()
		res, err := e.sup.Run(ctx, spec.Program, e.stageArgs(task, ch, stage), env, spec.Timeout)
		if err != nil {
			if stage == types.StageUpload {
				e.quota.Release(ctx, ch)
			}
			return fmt.Errorf("supervisor failed on task %s stage %s: %w", task.ID, spec.Name, err)
		}
		metrics.StageDuration.WithLabelValues(spec.Name).Observe(time.Since(start).Seconds())

		if !res.Failed() {
			missing, perr := e.ws.MissingOutputs(task.ChannelID, task.ID, stage)
			if perr != nil {
				return perr
			}
			if len(missing) > 0 {
				res.Failure = supervisor.FailureNonZeroExit
				res.Stderr = fmt.Sprintf("program exited 0 but %d expected outputs are missing, first: %s",
					len(missing), missing[0])
			}
		}

		if res.Failed() {
			return e.handleFailure(ctx, task, stage, spec, res)
		}

		if stage == types.StageUpload {
			task.VideoURL = parseVideoURL(res.Stdout)
			if task.VideoURL == "" {
				res.Failure = supervisor.FailureNonZeroExit
				res.Stderr = "upload program exited 0 without reporting a video URL"
				return e.handleFailure(ctx, task, stage, spec, res)
			}
			if err := e.store.SetVideoURL(ctx, task.ID, task.VideoURL); err != nil {
				return err
			}
		}

		costs := parseCosts(task, spec, res.Stdout)
		gate, hasGate := types.GateAfterStage(stage)
		if !hasGate {
			gate = ""
		}
		if err := e.store.RecordStageDone(ctx, task.ID, stage, gate, costs); err != nil {
			return err
		}
		task.MarkStageDone(stage)

		log.WithTaskID(task.ID).Info().
			Str("stage", spec.Name).
			Dur("duration", time.Since(start)).
			Msg("stage completed")

		// Composites Ready, Audio Ready and Assembly Ready flash between a
		// stage finishing and the next state taking over. The durable
		// mirror coalesces past them, so they go out of band, best effort.
		if label, ok := types.StageCompletedLabel(stage); ok && e.mirror != nil {
			e.mirror.EnqueueTransient(task.ChannelID, task.PlanningPageID, label)
		}

		if hasGate {
			// Parked awaiting review; the claim was released inside
			// RecordStageDone and another worker resumes after approval.
			e.broker.Publish(&events.Event{
				Type:      events.EventReviewRecorded,
				ChannelID: task.ChannelID,
				TaskID:    task.ID,
				Gate:      string(gate),
			})
			return nil
		}
	}
	return nil
}

// finalize is the in-process last stage: mark the task completed and clean
// the workspace when the channel does not retain local artifacts.
func (e *Engine) finalize(ctx context.Context, task *types.Task) error {
	if err := e.store.RecordStageDone(ctx, task.ID, types.StageFinalize, "", nil); err != nil {
		return err
	}
	if err := e.store.MarkCompleted(ctx, task.ID, task.VideoURL); err != nil {
		return err
	}
	metrics.TasksCompleted.WithLabelValues(task.ChannelID).Inc()
	e.broker.Publish(&events.Event{
		Type:      events.EventTaskCompleted,
		ChannelID: task.ChannelID,
		TaskID:    task.ID,
	})
	log.WithTaskID(task.ID).Info().Str("video_url", task.VideoURL).Msg("task completed")

	if ch, ok := e.registry.Get(task.ChannelID); ok && ch.StorageStrategy == types.StorageObjectStore {
		if err := e.ws.Remove(task.ChannelID, task.ID); err != nil {
			log.WithTaskID(task.ID).Warn().Err(err).Msg("failed to clean workspace after completion")
		}
	}
	return nil
}

// checkSpendCap defers the task to the next UTC midnight when the channel
// has exceeded its daily spend cap. Deferral never consumes retry budget.
func (e *Engine) checkSpendCap(ctx context.Context, task *types.Task, ch *types.Channel, stage int) (bool, error) {
	if ch.DailySpendCapUSD <= 0 || Spec(stage).Cost == "" {
		return false, nil
	}
	now := time.Now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	spent, err := e.store.SumChannelSpendSince(ctx, ch.ID, midnight)
	if err != nil {
		return false, err
	}
	if spent < ch.DailySpendCapUSD {
		return false, nil
	}

	next := uploader.NextUTCMidnight(now)
	err = e.store.ScheduleRetry(ctx, task.ID, next, &types.ErrorLog{
		Stage:      stage,
		Kind:       types.ErrKindQuota,
		Timestamp:  now,
		Message:    fmt.Sprintf("daily spend cap reached: $%.4f of $%.4f", spent, ch.DailySpendCapUSD),
		RetryCount: task.RetryCount,
	}, false)
	if err != nil {
		return false, err
	}
	e.alerter.Send(ctx, alerting.Alert{
		Severity:  alerting.SeverityWarning,
		ChannelID: ch.ID,
		TaskID:    task.ID,
		Title:     "daily spend cap reached",
		Message:   fmt.Sprintf("task deferred to %s", next.Format(time.RFC3339)),
	})
	return true, nil
}

// prepareUpload reserves quota, fetches an access token, and extends the
// lease to cover a slow upload. Returns parked=true when the task was
// deferred or the channel quiesced.
func (e *Engine) prepareUpload(ctx context.Context, task *types.Task, ch *types.Channel, workerID string, spec StageSpec) (bool, []string, error) {
	if err := e.quota.Reserve(ctx, ch); err != nil {
		if errors.Is(err, storage.ErrQuotaExhausted) {
			next := uploader.NextUTCMidnight(time.Now())
			serr := e.store.ScheduleRetry(ctx, task.ID, next, &types.ErrorLog{
				Stage:      types.StageUpload,
				Kind:       types.ErrKindQuota,
				Timestamp:  time.Now().UTC(),
				Message:    "daily upload quota exhausted, deferred to next UTC midnight",
				RetryCount: task.RetryCount,
			}, false)
			if serr != nil {
				return false, nil, serr
			}
			log.WithTaskID(task.ID).Info().Time("available_at", next).Msg("upload deferred, quota exhausted")
			return true, nil, nil
		}
		return false, nil, err
	}

	token, err := e.tokens.AccessToken(ctx, ch.ID)
	if err != nil {
		// The reservation was made for an upload that will not start;
		// refund it before parking or propagating.
		e.quota.Release(ctx, ch)
		if errors.Is(err, uploader.ErrReauthRequired) {
			e.registry.Pause(ch.ID, "upload re-authorization required")
			serr := e.store.ScheduleRetry(ctx, task.ID, time.Now().UTC(), &types.ErrorLog{
				Stage:      types.StageUpload,
				Kind:       types.ErrKindReauth,
				Timestamp:  time.Now().UTC(),
				Message:    "refresh token revoked, channel paused pending re-authorization",
				RetryCount: task.RetryCount,
			}, false)
			if serr != nil {
				return false, nil, serr
			}
			e.alerter.Send(ctx, alerting.Alert{
				Severity:  alerting.SeverityError,
				ChannelID: ch.ID,
				TaskID:    task.ID,
				Title:     "upload re-authorization required",
				Message:   "refresh token was revoked; channel paused until re-authorized",
			})
			return true, nil, nil
		}
		return false, nil, err
	}

	// Uploads can legitimately run long; give the lease twice the program
	// timeout so a slow upload is not resurrected mid-flight.
	until := time.Now().UTC().Add(2 * spec.Timeout)
	if err := e.store.ExtendLease(ctx, task.ID, workerID, until); err != nil {
		e.quota.Release(ctx, ch)
		return false, nil, err
	}
	return false, []string{"UPLOAD_ACCESS_TOKEN=" + token}, nil
}

// handleFailure applies the retry policy to a failed stage.
func (e *Engine) handleFailure(ctx context.Context, task *types.Task, stage int, spec StageSpec, res *supervisor.Result) error {
	// An upload that failed consumed no quota on the provider side; refund
	// the reservation so the retry does not double-charge the day.
	if stage == types.StageUpload {
		if ch, ok := e.registry.Get(task.ChannelID); ok {
			e.quota.Release(ctx, ch)
		}
	}

	kind := classify(spec, res)
	now := time.Now().UTC()
	message := fmt.Sprintf("%s failed (%s, exit %d): %s",
		spec.Name, res.Failure, res.ExitCode, tail(res.Stderr, 500))

	if kind == types.ErrKindPermanent {
		if err := e.markTaskFailed(ctx, task, stage, types.ErrKindPermanent, now, message); err != nil {
			return err
		}
		return nil
	}

	if task.RetryCount >= MaxRetries {
		message = fmt.Sprintf("retry budget exhausted after %d attempts; last error: %s", task.RetryCount, message)
		return e.markTaskFailed(ctx, task, stage, types.ErrKindRetryExhausted, now, message)
	}

	delay := retryDelay(task.RetryCount)
	err := e.store.ScheduleRetry(ctx, task.ID, now.Add(delay), &types.ErrorLog{
		Stage:      stage,
		Kind:       kind,
		Timestamp:  now,
		Message:    message,
		RetryCount: task.RetryCount + 1,
	}, true)
	if err != nil {
		return err
	}
	metrics.StageRetries.WithLabelValues(spec.Name).Inc()
	e.broker.Publish(&events.Event{
		Type:      events.EventTaskRetried,
		ChannelID: task.ChannelID,
		TaskID:    task.ID,
	})
	log.WithTaskID(task.ID).Warn().
		Str("stage", spec.Name).
		Str("kind", string(kind)).
		Dur("retry_in", delay).
		Int("retry_count", task.RetryCount+1).
		Msg("stage failed, retry scheduled")
	return nil
}

func (e *Engine) markTaskFailed(ctx context.Context, task *types.Task, stage int, kind types.ErrorKind, now time.Time, message string) error {
	err := e.store.MarkFailed(ctx, task.ID, &types.ErrorLog{
		Stage:      stage,
		Kind:       kind,
		Timestamp:  now,
		Message:    message,
		RetryCount: task.RetryCount,
	})
	if err != nil {
		return err
	}
	metrics.TasksFailed.WithLabelValues(task.ChannelID, string(kind)).Inc()
	e.broker.Publish(&events.Event{
		Type:      events.EventTaskFailed,
		ChannelID: task.ChannelID,
		TaskID:    task.ID,
	})
	e.alerter.Send(ctx, alerting.Alert{
		Severity:  alerting.SeverityError,
		ChannelID: task.ChannelID,
		TaskID:    task.ID,
		Title:     fmt.Sprintf("task failed at %s", Spec(stage).Name),
		Message:   message,
	})
	log.WithTaskID(task.ID).Error().
		Str("stage", Spec(stage).Name).
		Str("kind", string(kind)).
		Msg("task failed")
	return nil
}

// stageArgs builds the command line for a stage program. Paths come from the
// deterministic workspace layout so programs need no state of their own.
func (e *Engine) stageArgs(task *types.Task, ch *types.Channel, stage int) []string {
	args := []string{
		"--channel", task.ChannelID,
		"--project", task.ID,
		"--workspace", e.ws.ProjectDir(task.ChannelID, task.ID),
	}
	switch stage {
	case types.StageAssets:
		args = append(args, "--topic", task.Topic, "--story-direction", task.StoryDirection)
	case types.StageVideo:
		args = append(args, "--clips", strconv.Itoa(workspace.ClipCount))
	case types.StageNarration:
		args = append(args, "--voice", ch.VoiceID, "--tracks", strconv.Itoa(workspace.ClipCount))
	case types.StageSFX:
		args = append(args, "--tracks", strconv.Itoa(workspace.ClipCount))
	case types.StageAssembly:
		args = append(args, "--output", e.ws.FinalPath(task.ChannelID, task.ID))
		if ch.Branding != nil {
			if ch.Branding.IntroPath != "" {
				args = append(args, "--intro", ch.Branding.IntroPath)
			}
			if ch.Branding.OutroPath != "" {
				args = append(args, "--outro", ch.Branding.OutroPath)
			}
		}
	case types.StageUpload:
		args = append(args,
			"--file", e.ws.FinalPath(task.ChannelID, task.ID),
			"--title", task.Title,
			"--privacy", string(ch.UploadPrivacy))
	}
	return args
}

func (e *Engine) heartbeat(ctx context.Context, workerID, taskID string, stage int) {
	err := e.store.UpsertHeartbeat(ctx, &types.WorkerHeartbeat{
		WorkerID:  workerID,
		TaskID:    taskID,
		Stage:     stage,
		StartedAt: time.Now().UTC(),
	})
	if err != nil {
		log.WithWorkerID(workerID).Warn().Err(err).Msg("heartbeat failed")
	}
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
