package types

import (
	"testing"
)

func TestTaskStateTerminal(t *testing.T) {
	tests := []struct {
		state    TaskState
		terminal bool
	}{
		{TaskStatePending, false},
		{TaskStateClaimed, false},
		{TaskStateProcessing, false},
		{TaskStateAwaitingReview, false},
		{TaskStateApproved, false},
		{TaskStateRetry, false},
		{TaskStateRejected, true},
		{TaskStateFailed, true},
		{TaskStateCompleted, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			if got := tt.state.Terminal(); got != tt.terminal {
				t.Errorf("Terminal() = %v, want %v", got, tt.terminal)
			}
		})
	}
}

func TestPriorityRank(t *testing.T) {
	if PriorityHigh.Rank() <= PriorityNormal.Rank() {
		t.Error("high must outrank normal")
	}
	if PriorityNormal.Rank() <= PriorityLow.Rank() {
		t.Error("normal must outrank low")
	}
	if got := TaskPriority("bogus").Rank(); got != PriorityNormal.Rank() {
		t.Errorf("unknown priority rank = %d, want normal's %d", got, PriorityNormal.Rank())
	}
}

func TestGateAfterStage(t *testing.T) {
	tests := []struct {
		stage   int
		gate    ReviewGate
		hasGate bool
	}{
		{StageAssets, GateAssets, true},
		{StageComposite, "", false},
		{StageVideo, GateVideo, true},
		{StageNarration, "", false},
		{StageSFX, GateAudio, true},
		{StageAssembly, GateFinal, true},
		{StageUpload, "", false},
		{StageFinalize, "", false},
	}
	for _, tt := range tests {
		gate, ok := GateAfterStage(tt.stage)
		if ok != tt.hasGate || gate != tt.gate {
			t.Errorf("GateAfterStage(%d) = (%q, %v), want (%q, %v)",
				tt.stage, gate, ok, tt.gate, tt.hasGate)
		}
	}
}

func TestGateStage(t *testing.T) {
	tests := []struct {
		gate  ReviewGate
		stage int
	}{
		{GateAssets, StageAssets},
		{GateVideo, StageVideo},
		{GateAudio, StageSFX},
		{GateFinal, StageAssembly},
	}
	for _, tt := range tests {
		if got := GateStage(tt.gate); got != tt.stage {
			t.Errorf("GateStage(%q) = %d, want %d", tt.gate, got, tt.stage)
		}
	}
	// GateStage and GateAfterStage are inverses over the gated stages.
	for stage := 0; stage < StageCount; stage++ {
		if gate, ok := GateAfterStage(stage); ok {
			if got := GateStage(gate); got != stage {
				t.Errorf("GateStage(GateAfterStage(%d)) = %d", stage, got)
			}
		}
	}
}

func TestStageBitmap(t *testing.T) {
	var task Task

	if got := task.FirstIncompleteStage(); got != StageAssets {
		t.Fatalf("fresh task FirstIncompleteStage = %d, want %d", got, StageAssets)
	}

	task.MarkStageDone(StageAssets)
	task.MarkStageDone(StageComposite)
	if !task.StageDone(StageAssets) || !task.StageDone(StageComposite) {
		t.Fatal("marked stages should read done")
	}
	if task.StageDone(StageVideo) {
		t.Fatal("unmarked stage should not read done")
	}
	if got := task.FirstIncompleteStage(); got != StageVideo {
		t.Fatalf("FirstIncompleteStage = %d, want %d", got, StageVideo)
	}

	// Bits are idempotent and never cleared.
	task.MarkStageDone(StageAssets)
	if got := task.FirstIncompleteStage(); got != StageVideo {
		t.Fatalf("re-marking changed resume point to %d", got)
	}

	for i := 0; i < StageCount; i++ {
		task.MarkStageDone(i)
	}
	if got := task.FirstIncompleteStage(); got != StageCount {
		t.Fatalf("all-done task FirstIncompleteStage = %d, want %d", got, StageCount)
	}
}
