package types

import (
	"time"
)

// Channel represents one configured output destination: a planning database
// plus an upload account, with isolated credentials and quotas.
type Channel struct {
	ID                 string
	Name               string
	PlanningDatabaseID string
	Active             bool
	PriorityWeight     int
	MaxConcurrent      int
	VoiceID            string
	Branding           *Branding
	StorageStrategy    StorageStrategy
	UploadPrivacy      UploadPrivacy
	DailySpendCapUSD   float64 // 0 means unlimited
	DailyUploadUnits   int64   // upload quota ceiling per UTC day
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Branding holds optional intro/outro clips passed to the assembly program.
type Branding struct {
	IntroPath string
	OutroPath string
}

// StorageStrategy selects where finished artifacts are kept.
type StorageStrategy string

const (
	StorageLocal       StorageStrategy = "local"
	StorageObjectStore StorageStrategy = "external_object_store"
)

// UploadPrivacy is the default visibility for uploaded videos.
type UploadPrivacy string

const (
	PrivacyPrivate  UploadPrivacy = "private"
	PrivacyUnlisted UploadPrivacy = "unlisted"
	PrivacyPublic   UploadPrivacy = "public"
)

// CredentialKind names one encrypted credential blob held per channel.
type CredentialKind string

const (
	CredentialPlanningToken      CredentialKind = "planning_token"
	CredentialUploadRefreshToken CredentialKind = "upload_refresh_token"
	CredentialModelProviderKey   CredentialKind = "model_provider_key"
)

// Credential is an encrypted secret owned by a channel. Data is AES-256-GCM
// ciphertext with the nonce prepended; plaintext never persists.
type Credential struct {
	ChannelID string
	Kind      CredentialKind
	Data      []byte
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TaskState is the internal lifecycle state of a task.
type TaskState string

const (
	TaskStatePending        TaskState = "pending"
	TaskStateClaimed        TaskState = "claimed"
	TaskStateProcessing     TaskState = "processing"
	TaskStateAwaitingReview TaskState = "awaiting_review"
	TaskStateApproved       TaskState = "approved"
	TaskStateRejected       TaskState = "rejected"
	TaskStateRetry          TaskState = "retry"
	TaskStateFailed         TaskState = "failed"
	TaskStateCompleted      TaskState = "completed"
)

// Terminal reports whether the state admits no further engine transitions.
// Rejected and failed tasks can only leave via a human-initiated retry.
func (s TaskState) Terminal() bool {
	return s == TaskStateRejected || s == TaskStateFailed || s == TaskStateCompleted
}

// TaskPriority orders tasks within and across channels.
type TaskPriority string

const (
	PriorityHigh   TaskPriority = "high"
	PriorityNormal TaskPriority = "normal"
	PriorityLow    TaskPriority = "low"
)

// Rank maps priority to a sortable integer, higher first.
func (p TaskPriority) Rank() int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityLow:
		return 0
	default:
		return 1
	}
}

// Pipeline stage indices. Stages are strictly ordered; each sets its bit in
// Task.CompletedStages on success.
const (
	StageAssets    = 0
	StageComposite = 1
	StageVideo     = 2
	StageNarration = 3
	StageSFX       = 4
	StageAssembly  = 5
	StageUpload    = 6
	StageFinalize  = 7

	StageCount = 8
)

// ReviewGate identifies a human approval point between stages.
type ReviewGate string

const (
	GateAssets ReviewGate = "assets"
	GateVideo  ReviewGate = "video"
	GateAudio  ReviewGate = "audio"
	GateFinal  ReviewGate = "final"
)

// GateAfterStage returns the review gate that follows a stage, if any.
// The audio gate sits after SFX, not after narration.
func GateAfterStage(stage int) (ReviewGate, bool) {
	switch stage {
	case StageAssets:
		return GateAssets, true
	case StageVideo:
		return GateVideo, true
	case StageSFX:
		return GateAudio, true
	case StageAssembly:
		return GateFinal, true
	}
	return "", false
}

// GateStage returns the stage whose output a gate reviews.
func GateStage(gate ReviewGate) int {
	switch gate {
	case GateAssets:
		return StageAssets
	case GateVideo:
		return StageVideo
	case GateAudio:
		return StageSFX
	default:
		return StageAssembly
	}
}

// ErrorKind classifies a task failure per the retry policy.
type ErrorKind string

const (
	ErrKindRetriable      ErrorKind = "retriable"
	ErrKindRetryExhausted ErrorKind = "retriable_exhausted"
	ErrKindPermanent      ErrorKind = "permanent"
	ErrKindQuota          ErrorKind = "quota"
	ErrKindReview         ErrorKind = "review_rejected"
	ErrKindInfrastructure ErrorKind = "infrastructure"
	ErrKindReauth         ErrorKind = "reauth_required"
)

// ErrorLog is the user-visible record of a task's last failure.
type ErrorLog struct {
	Stage      int       `json:"stage"`
	Kind       ErrorKind `json:"kind"`
	Timestamp  time.Time `json:"timestamp"`
	Message    string    `json:"message"`
	RetryCount int       `json:"retry_count"`
}

// Task is one planned video progressing through the 8-stage pipeline.
type Task struct {
	ID              string
	ChannelID       string
	PlanningPageID  string
	Title           string
	Topic           string
	StoryDirection  string
	Priority        TaskPriority
	State           TaskState
	Stage           int
	CompletedStages uint16 // bits 0..7, monotonically non-decreasing
	Attempt         int    // incremented on every human re-queue
	RetryCount      int
	AvailableAt     time.Time
	ClaimedBy       string
	ClaimedAt       time.Time
	LeaseExpiresAt  time.Time
	AwaitingGate    ReviewGate // set while State == awaiting_review
	LastError       *ErrorLog
	VideoURL        string
	CorrelationID   string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// StageDone reports whether the stage bit is set in the completed bitmap.
func (t *Task) StageDone(stage int) bool {
	return t.CompletedStages&(1<<uint(stage)) != 0
}

// MarkStageDone sets the stage bit. Bits are never cleared.
func (t *Task) MarkStageDone(stage int) {
	t.CompletedStages |= 1 << uint(stage)
}

// FirstIncompleteStage returns the lowest stage whose bit is unset.
func (t *Task) FirstIncompleteStage() int {
	for i := 0; i < StageCount; i++ {
		if !t.StageDone(i) {
			return i
		}
	}
	return StageCount
}

// ReviewDecision is a reviewer's verdict at a gate.
type ReviewDecision string

const (
	DecisionApproved ReviewDecision = "approved"
	DecisionRejected ReviewDecision = "rejected"
)

// Review is one human decision at a gate. At most one decisive review exists
// per (task, gate, attempt).
type Review struct {
	ID        string
	TaskID    string
	Gate      ReviewGate
	Attempt   int
	Reviewer  string
	Decision  ReviewDecision
	Note      string
	CreatedAt time.Time
}

// CostComponent tags which pipeline component incurred an external charge.
type CostComponent string

const (
	CostAssets     CostComponent = "assets"
	CostComposites CostComponent = "composites"
	CostVideoClips CostComponent = "video_clips"
	CostNarration  CostComponent = "narration"
	CostSFX        CostComponent = "sfx"
	CostAssembly   CostComponent = "assembly"
	CostUpload     CostComponent = "upload"
	CostPlanningDB CostComponent = "planning_db"
)

// CostEntry records one external-API charge against a task.
type CostEntry struct {
	ID        string
	TaskID    string
	ChannelID string
	Component CostComponent
	Units     float64
	CostUSD   float64
	APICalls  int
	Metadata  map[string]string
	CreatedAt time.Time
}

// AuditEntry is an immutable record of a human-initiated or compliance
// relevant event. No update or delete path exists.
type AuditEntry struct {
	ID        string
	Timestamp time.Time
	ChannelID string
	TaskID    string // empty when the action is channel-scoped
	Action    string
	Actor     string
	Note      string
	Metadata  map[string]string
}

// Audit action tags.
const (
	AuditReviewApproved  = "review.approved"
	AuditReviewRejected  = "review.rejected"
	AuditTaskRetried     = "task.retried"
	AuditTaskEnqueued    = "task.enqueued"
	AuditChannelRegister = "channel.registered"
	AuditMirrorDropped   = "mirror.dropped"
)

// QuotaLedger is the running total of upload units consumed by a channel on
// one UTC date. Reservations happen in the same transaction that checks the
// ceiling, so the sum never exceeds it.
type QuotaLedger struct {
	ChannelID string
	Date      string // YYYY-MM-DD, UTC
	UnitsUsed int64
	Ceiling   int64
	UpdatedAt time.Time
}

// WorkerHeartbeat tracks liveness of one in-process worker for /health.
type WorkerHeartbeat struct {
	WorkerID  string
	SeenAt    time.Time
	TaskID    string
	Stage     int
	StartedAt time.Time
}
