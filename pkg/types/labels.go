package types

// StatusLabel is one of the 26 user-facing status values mirrored to the
// planning database.
type StatusLabel string

const (
	LabelDraft               StatusLabel = "Draft"
	LabelQueued              StatusLabel = "Queued"
	LabelClaimed             StatusLabel = "Claimed"
	LabelGeneratingAssets    StatusLabel = "Generating Assets"
	LabelAssetsReady         StatusLabel = "Assets Ready"
	LabelAssetsApproved      StatusLabel = "Assets Approved"
	LabelGeneratingComposite StatusLabel = "Generating Composites"
	LabelCompositesReady     StatusLabel = "Composites Ready"
	LabelGeneratingVideo     StatusLabel = "Generating Video"
	LabelVideoReady          StatusLabel = "Video Ready"
	LabelVideoApproved       StatusLabel = "Video Approved"
	LabelGeneratingAudio     StatusLabel = "Generating Audio"
	LabelAudioReady          StatusLabel = "Audio Ready"
	LabelAudioApproved       StatusLabel = "Audio Approved"
	LabelGeneratingSFX       StatusLabel = "Generating SFX"
	LabelSFXReady            StatusLabel = "SFX Ready"
	LabelAssembling          StatusLabel = "Assembling"
	LabelAssemblyReady       StatusLabel = "Assembly Ready"
	LabelFinalReview         StatusLabel = "Final Review"
	LabelApproved            StatusLabel = "Approved"
	LabelUploading           StatusLabel = "Uploading"
	LabelPublished           StatusLabel = "Published"
	LabelAssetError          StatusLabel = "Asset Error"
	LabelVideoError          StatusLabel = "Video Error"
	LabelAudioError          StatusLabel = "Audio Error"
	LabelUploadError         StatusLabel = "Upload Error"
)

// LabelForTask maps the internal (state, stage, gate) triple onto the
// external status label. The nine internal lifecycle states fan out across
// the 26 labels by stage:
//
//	pending                      -> Queued
//	claimed                      -> Claimed
//	processing  stage 0..6       -> Generating Assets / Generating Composites /
//	                                Generating Video / Generating Audio /
//	                                Generating SFX / Assembling / Uploading
//	processing  stage 7          -> Uploading (finalize is part of publish)
//	awaiting_review assets       -> Assets Ready
//	awaiting_review video        -> Video Ready
//	awaiting_review audio        -> SFX Ready
//	awaiting_review final        -> Final Review
//	approved    assets/video/... -> Assets Approved / Video Approved /
//	                                Audio Approved / Approved
//	retry                        -> stage error label (retry is user-visible
//	                                as the errored stage)
//	failed      stage 0..1       -> Asset Error
//	failed      stage 2,5        -> Video Error
//	failed      stage 3..4       -> Audio Error
//	failed      stage 6..7       -> Upload Error
//	rejected                     -> stage error label, same mapping as failed
//	completed                    -> Published
//
// Composites Ready, Audio Ready and Assembly Ready are the transient labels
// posted on gateless stage completion, before the next stage starts.
func LabelForTask(t *Task) StatusLabel {
	switch t.State {
	case TaskStatePending:
		return LabelQueued
	case TaskStateClaimed:
		return LabelClaimed
	case TaskStateProcessing:
		return generatingLabel(t.Stage)
	case TaskStateAwaitingReview:
		return awaitingLabel(t.AwaitingGate)
	case TaskStateApproved:
		return approvedLabel(t.AwaitingGate)
	case TaskStateRetry, TaskStateFailed, TaskStateRejected:
		return errorLabel(t.Stage)
	case TaskStateCompleted:
		return LabelPublished
	}
	return LabelDraft
}

// StageCompletedLabel is the transient label for a gateless stage finishing.
func StageCompletedLabel(stage int) (StatusLabel, bool) {
	switch stage {
	case StageComposite:
		return LabelCompositesReady, true
	case StageNarration:
		return LabelAudioReady, true
	case StageAssembly:
		return LabelAssemblyReady, true
	}
	return "", false
}

func generatingLabel(stage int) StatusLabel {
	switch stage {
	case StageAssets:
		return LabelGeneratingAssets
	case StageComposite:
		return LabelGeneratingComposite
	case StageVideo:
		return LabelGeneratingVideo
	case StageNarration:
		return LabelGeneratingAudio
	case StageSFX:
		return LabelGeneratingSFX
	case StageAssembly:
		return LabelAssembling
	default:
		return LabelUploading
	}
}

func awaitingLabel(gate ReviewGate) StatusLabel {
	switch gate {
	case GateAssets:
		return LabelAssetsReady
	case GateVideo:
		return LabelVideoReady
	case GateAudio:
		return LabelSFXReady
	default:
		return LabelFinalReview
	}
}

func approvedLabel(gate ReviewGate) StatusLabel {
	switch gate {
	case GateAssets:
		return LabelAssetsApproved
	case GateVideo:
		return LabelVideoApproved
	case GateAudio:
		return LabelAudioApproved
	default:
		return LabelApproved
	}
}

func errorLabel(stage int) StatusLabel {
	switch stage {
	case StageAssets, StageComposite:
		return LabelAssetError
	case StageVideo, StageAssembly:
		return LabelVideoError
	case StageNarration, StageSFX:
		return LabelAudioError
	default:
		return LabelUploadError
	}
}

// GateForApprovalLabel resolves an inbound approval label to its gate.
// Users approve from the planning UI by flipping the status; the reconciler
// turns that observation into a Review row.
func GateForApprovalLabel(l StatusLabel) (ReviewGate, bool) {
	switch l {
	case LabelAssetsApproved:
		return GateAssets, true
	case LabelVideoApproved:
		return GateVideo, true
	case LabelAudioApproved:
		return GateAudio, true
	case LabelApproved:
		return GateFinal, true
	}
	return "", false
}
