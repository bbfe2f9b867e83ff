package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cuemby/showrunner/pkg/events"
	"github.com/cuemby/showrunner/pkg/log"
	"github.com/cuemby/showrunner/pkg/storage"
	"github.com/cuemby/showrunner/pkg/types"
	"github.com/cuemby/showrunner/pkg/workspace"
)

// healthDeadline bounds the health check; the endpoint answers within half a
// second even when the database is struggling.
const healthDeadline = 500 * time.Millisecond

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthDeadline)
	defer cancel()

	dbOK := s.store.Ping(ctx) == nil

	workers := 0
	if hbs, err := s.store.ListHeartbeats(ctx, time.Now().Add(-5*time.Minute)); err == nil {
		workers = len(hbs)
	}

	status := "ok"
	code := http.StatusOK
	if !dbOK {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"status":         status,
		"database":       dbOK,
		"active_workers": workers,
		"channels":       len(s.registry.List()),
	})
}

// verificationTokenKey is where the provider's handshake token is stored;
// it is echoed back on every event acknowledgement.
const verificationTokenKey = "planning_webhook_verification_token"

// webhookPayload is the planning provider's event shape, reduced to what we
// use. The verification handshake arrives as a bare verification_token.
type webhookPayload struct {
	VerificationToken string `json:"verification_token"`
	Entity            struct {
		ID string `json:"id"`
	} `json:"entity"`
	Data struct {
		Parent struct {
			ID string `json:"id"`
		} `json:"parent"`
	} `json:"data"`
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if s.cfg.WebhookSecret == "" {
		writeError(w, http.StatusNotFound, "webhook not configured")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	// Signature first; an unsigned body is never parsed.
	if !s.verifyWebhook(r, body) {
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	if payload.VerificationToken != "" {
		if err := s.store.PutSetting(r.Context(), verificationTokenKey, payload.VerificationToken); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to store verification token")
			return
		}
		log.WithComponent("api").Info().Msg("webhook verification token stored")
		writeJSON(w, http.StatusOK, map[string]string{"status": "verified"})
		return
	}

	pageID := payload.Entity.ID
	if pageID == "" {
		writeError(w, http.StatusBadRequest, "payload has no entity id")
		return
	}
	channelID := s.channelForDatabase(payload.Data.Parent.ID)

	// Respond fast; the provider retries on slow acks. The observation log
	// deduplicates against the poll loop.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if channelID == "" {
			log.WithComponent("api").Debug().Str("page_id", pageID).Msg("webhook for unknown database, ignoring")
			return
		}
		if err := s.reconciler.HandlePage(ctx, channelID, pageID); err != nil {
			log.WithComponent("api").Warn().Err(err).
				Str("page_id", pageID).
				Msg("webhook page sync failed, poll will catch up")
		}
	}()

	// Event deliveries are acknowledged 200 with the stored verification
	// token echoed back, as the provider expects.
	resp := map[string]string{"status": "accepted"}
	if tok, err := s.store.GetSetting(r.Context(), verificationTokenKey); err == nil && tok != "" {
		resp["verification_token"] = tok
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) channelForDatabase(databaseID string) string {
	for _, ch := range s.registry.List() {
		if ch.PlanningDatabaseID == databaseID {
			return ch.ID
		}
	}
	return ""
}

// --- channels ---

type channelJSON struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	Active           bool   `json:"active"`
	Paused           bool   `json:"paused"`
	PriorityWeight   int    `json:"priority_weight"`
	MaxConcurrent    int    `json:"max_concurrent"`
	InFlight         int    `json:"in_flight"`
	UploadPrivacy    string `json:"upload_privacy"`
	DailySpendCapUSD string `json:"daily_spend_cap_usd"`
	DailyUploadUnits int64  `json:"daily_upload_units"`
}

func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	list := s.registry.List()
	out := make([]channelJSON, 0, len(list))
	for _, ch := range list {
		out = append(out, channelJSON{
			ID:               ch.ID,
			Name:             ch.Name,
			Active:           ch.Active,
			Paused:           s.registry.Paused(ch.ID),
			PriorityWeight:   ch.PriorityWeight,
			MaxConcurrent:    ch.MaxConcurrent,
			InFlight:         s.registry.InFlight(ch.ID),
			UploadPrivacy:    string(ch.UploadPrivacy),
			DailySpendCapUSD: money(ch.DailySpendCapUSD),
			DailyUploadUnits: ch.DailyUploadUnits,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"channels": out})
}

func (s *Server) handleChannelQuota(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ch, ok := s.registry.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "channel not found")
		return
	}
	day := time.Now().UTC().Format("2006-01-02")
	used := int64(0)
	if ledger, err := s.store.GetLedger(r.Context(), id, day); err == nil {
		used = ledger.UnitsUsed
	} else if !errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusInternalServerError, "failed to read ledger")
		return
	}
	midnight := time.Now().UTC().Truncate(24 * time.Hour)
	spent, err := s.store.SumChannelSpendSince(r.Context(), id, midnight)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to sum spend")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"channel_id":     id,
		"day":            day,
		"units_used":     used,
		"units_ceiling":  ch.DailyUploadUnits,
		"spend_usd":      money(spent),
		"spend_cap_usd":  money(ch.DailySpendCapUSD),
	})
}

func (s *Server) handleChannelPause(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.registry.Get(id); !ok {
		writeError(w, http.StatusNotFound, "channel not found")
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Reason == "" {
		req.Reason = "paused via api"
	}
	s.registry.Pause(id, req.Reason)
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) handleChannelResume(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.registry.Get(id); !ok {
		writeError(w, http.StatusNotFound, "channel not found")
		return
	}
	s.registry.Resume(id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

// --- tasks ---

type taskJSON struct {
	ID              string          `json:"id"`
	ChannelID       string          `json:"channel_id"`
	PlanningPageID  string          `json:"planning_page_id"`
	Title           string          `json:"title"`
	Priority        string          `json:"priority"`
	State           string          `json:"state"`
	StatusLabel     string          `json:"status_label"`
	Stage           int             `json:"stage"`
	CompletedStages []string        `json:"completed_stages"`
	Attempt         int             `json:"attempt"`
	RetryCount      int             `json:"retry_count"`
	AvailableAt     time.Time       `json:"available_at"`
	AwaitingGate    string          `json:"awaiting_gate,omitempty"`
	LastError       *types.ErrorLog `json:"last_error,omitempty"`
	VideoURL        string          `json:"video_url,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

var stageNames = [types.StageCount]string{
	"assets", "composites", "video", "narration", "sfx", "assembly", "upload", "finalize",
}

func toTaskJSON(t *types.Task) taskJSON {
	var done []string
	for i := 0; i < types.StageCount; i++ {
		if t.StageDone(i) {
			done = append(done, stageNames[i])
		}
	}
	return taskJSON{
		ID:              t.ID,
		ChannelID:       t.ChannelID,
		PlanningPageID:  t.PlanningPageID,
		Title:           t.Title,
		Priority:        string(t.Priority),
		State:           string(t.State),
		StatusLabel:     string(types.LabelForTask(t)),
		Stage:           t.Stage,
		CompletedStages: done,
		Attempt:         t.Attempt,
		RetryCount:      t.RetryCount,
		AvailableAt:     t.AvailableAt,
		AwaitingGate:    string(t.AwaitingGate),
		LastError:       t.LastError,
		VideoURL:        t.VideoURL,
		CreatedAt:       t.CreatedAt,
		UpdatedAt:       t.UpdatedAt,
	}
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	f := storage.TaskFilter{
		ChannelID: r.URL.Query().Get("channel_id"),
		State:     types.TaskState(r.URL.Query().Get("state")),
		Limit:     100,
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be 1..1000")
			return
		}
		f.Limit = n
	}
	tasks, err := s.store.ListTasks(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}
	out := make([]taskJSON, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, toTaskJSON(t))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": out})
}

type costJSON struct {
	Component string  `json:"component"`
	Units     float64 `json:"units"`
	CostUSD   string  `json:"cost_usd"`
	APICalls  int     `json:"api_calls"`
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	task, err := s.store.GetTask(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get task")
		return
	}
	costs, err := s.store.ListCostsByTask(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get costs")
		return
	}
	costsOut := make([]costJSON, 0, len(costs))
	total := 0.0
	for _, c := range costs {
		costsOut = append(costsOut, costJSON{
			Component: string(c.Component),
			Units:     c.Units,
			CostUSD:   money(c.CostUSD),
			APICalls:  c.APICalls,
		})
		total += c.CostUSD
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"task":           toTaskJSON(task),
		"costs":          costsOut,
		"total_cost_usd": money(total),
	})
}

type reviewRequest struct {
	Gate     string `json:"gate"`
	Reviewer string `json:"reviewer"`
	Note     string `json:"note"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	s.applyReview(w, r, types.DecisionApproved)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	s.applyReview(w, r, types.DecisionRejected)
}

func (s *Server) applyReview(w http.ResponseWriter, r *http.Request, decision types.ReviewDecision) {
	id := chi.URLParam(r, "id")
	var req reviewRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Reviewer == "" {
		writeError(w, http.StatusBadRequest, "reviewer is required")
		return
	}
	gate := types.ReviewGate(req.Gate)
	switch gate {
	case types.GateAssets, types.GateVideo, types.GateAudio, types.GateFinal:
	default:
		writeError(w, http.StatusBadRequest, "gate must be one of assets, video, audio, final")
		return
	}

	review := &types.Review{
		TaskID:   id,
		Gate:     gate,
		Reviewer: req.Reviewer,
		Decision: decision,
		Note:     req.Note,
	}
	task, err := s.store.ApplyReview(r.Context(), review)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "task not found")
		return
	case errors.Is(err, storage.ErrDuplicateReview):
		writeError(w, http.StatusConflict, "task is not awaiting this review or a decision already exists")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "failed to apply review")
		return
	}

	if decision == types.DecisionRejected {
		s.invalidateRejectedOutputs(task, gate, req.Note)
	}

	s.recorder.Review(r.Context(), review, task.ChannelID)
	s.broker.Publish(&events.Event{
		Type:      events.EventReviewRecorded,
		ChannelID: task.ChannelID,
		TaskID:    task.ID,
		Gate:      string(gate),
	})
	_ = s.store.Notify(r.Context(), storage.NotifyChannelTasks, "review")
	writeJSON(w, http.StatusOK, map[string]interface{}{"task": toTaskJSON(task)})
}

// rejectedOutputRe matches the numbered artifacts reviewers reference in
// rejection notes, e.g. "clip 7 glitched" or "narration 3 clipped".
var rejectedOutputRe = regexp.MustCompile(`(?i)\b(clip|narration|sfx)\s*#?\s*(\d{1,2})\b`)

// invalidateRejectedOutputs deletes the files a rejection note calls out by
// number, so the re-run regenerates only those instead of the whole stage.
// A note that names nothing leaves the workspace alone.
func (s *Server) invalidateRejectedOutputs(task *types.Task, gate types.ReviewGate, note string) {
	if s.ws == nil {
		return
	}
	for _, m := range rejectedOutputRe.FindAllStringSubmatch(note, -1) {
		n, err := strconv.Atoi(m[2])
		if err != nil || n < 1 || n > workspace.ClipCount {
			continue
		}
		var path string
		switch strings.ToLower(m[1]) {
		case "clip":
			path = s.ws.ClipPath(task.ChannelID, task.ID, n)
		case "narration":
			path = s.ws.NarrationPath(task.ChannelID, task.ID, n)
		case "sfx":
			path = s.ws.SFXPath(task.ChannelID, task.ID, n)
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.WithTaskID(task.ID).Warn().Err(err).
				Str("path", path).
				Msg("failed to remove rejected output")
			continue
		}
		log.WithTaskID(task.ID).Info().
			Str("gate", string(gate)).
			Str("path", path).
			Msg("rejected output removed, will regenerate on retry")
	}
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		Actor string `json:"actor"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Actor == "" {
		writeError(w, http.StatusBadRequest, "actor is required")
		return
	}

	task, err := s.store.RequeueTask(r.Context(), id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "task not found")
		return
	case err != nil:
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	s.recorder.TaskRetried(r.Context(), task, req.Actor)
	s.broker.Publish(&events.Event{
		Type:      events.EventTaskRetried,
		ChannelID: task.ChannelID,
		TaskID:    task.ID,
	})
	_ = s.store.Notify(r.Context(), storage.NotifyChannelTasks, "retry")
	writeJSON(w, http.StatusOK, map[string]interface{}{"task": toTaskJSON(task)})
}

// --- audit ---

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	f := storage.AuditFilter{
		TaskID:    r.URL.Query().Get("task_id"),
		ChannelID: r.URL.Query().Get("channel_id"),
		Action:    r.URL.Query().Get("action"),
		Limit:     200,
	}
	entries, err := s.recorder.Query(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to query audit log")
		return
	}
	type auditJSON struct {
		ID        string            `json:"id"`
		Timestamp time.Time         `json:"timestamp"`
		ChannelID string            `json:"channel_id,omitempty"`
		TaskID    string            `json:"task_id,omitempty"`
		Action    string            `json:"action"`
		Actor     string            `json:"actor"`
		Note      string            `json:"note,omitempty"`
		Metadata  map[string]string `json:"metadata,omitempty"`
	}
	out := make([]auditJSON, 0, len(entries))
	for _, e := range entries {
		out = append(out, auditJSON{
			ID:        e.ID,
			Timestamp: e.Timestamp,
			ChannelID: e.ChannelID,
			TaskID:    e.TaskID,
			Action:    e.Action,
			Actor:     e.Actor,
			Note:      e.Note,
			Metadata:  e.Metadata,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": out})
}

// money renders USD amounts as 4-decimal strings so JSON consumers never
// see float artifacts.
func money(v float64) string {
	return fmt.Sprintf("%.4f", v)
}
