package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/cuemby/showrunner/pkg/supervisor"
	"github.com/cuemby/showrunner/pkg/types"
)

func TestClassify(t *testing.T) {
	spec := Spec(types.StageVideo)
	tests := []struct {
		name string
		res  supervisor.Result
		want types.ErrorKind
	}{
		{
			name: "timeout is retriable",
			res:  supervisor.Result{Failure: supervisor.FailureTimeout},
			want: types.ErrKindRetriable,
		},
		{
			name: "spawn failure is infrastructure",
			res:  supervisor.Result{Failure: supervisor.FailureSpawn},
			want: types.ErrKindInfrastructure,
		},
		{
			name: "plain non-zero exit is retriable",
			res:  supervisor.Result{Failure: supervisor.FailureNonZeroExit, Stderr: "connection reset by peer"},
			want: types.ErrKindRetriable,
		},
		{
			name: "permanent marker in stderr",
			res:  supervisor.Result{Failure: supervisor.FailureNonZeroExit, Stderr: "ERROR: Content Policy Violation on scene 4"},
			want: types.ErrKindPermanent,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classify(spec, &tt.res))
		})
	}
}

func TestRetryDelaySchedule(t *testing.T) {
	want := []time.Duration{
		1 * time.Minute,
		5 * time.Minute,
		15 * time.Minute,
		60 * time.Minute,
		60 * time.Minute,
		60 * time.Minute, // past the schedule the last entry repeats
	}
	for i, w := range want {
		if got := retryDelay(i); got != w {
			t.Errorf("retryDelay(%d) = %v, want %v", i, got, w)
		}
	}
}

func TestStageTableShape(t *testing.T) {
	// Every stage but finalize runs a program; gates sit after assets,
	// video, sfx, and assembly.
	for stage := 0; stage < types.StageCount; stage++ {
		spec := Spec(stage)
		if stage == types.StageFinalize {
			assert.Empty(t, spec.Program, "finalize has no program")
			continue
		}
		assert.NotEmpty(t, spec.Program, "stage %d", stage)
		assert.Greater(t, spec.Timeout, time.Duration(0), "stage %d", stage)
	}

	gated := map[int]bool{}
	for stage := 0; stage < types.StageCount; stage++ {
		if _, ok := types.GateAfterStage(stage); ok {
			gated[stage] = true
		}
	}
	assert.Equal(t, map[int]bool{
		types.StageAssets:   true,
		types.StageVideo:    true,
		types.StageSFX:      true,
		types.StageAssembly: true,
	}, gated)
}

func TestParseCosts(t *testing.T) {
	task := &types.Task{ID: "t1", ChannelID: "ch1"}
	spec := Spec(types.StageNarration)
	stdout := `starting narration
COST {"component":"narration","units":18,"cost_usd":0.5400,"api_calls":18}
progress 50%
COST {"units":2,"cost_usd":0.0600,"api_calls":2}
COST not-json-at-all
done
`
	costs := parseCosts(task, spec, stdout)
	if len(costs) != 2 {
		t.Fatalf("parsed %d cost entries, want 2", len(costs))
	}
	assert.Equal(t, types.CostNarration, costs[0].Component)
	assert.Equal(t, 18.0, costs[0].Units)
	assert.Equal(t, 0.54, costs[0].CostUSD)
	// Missing component falls back to the stage's own.
	assert.Equal(t, types.CostNarration, costs[1].Component)
	assert.Equal(t, "t1", costs[1].TaskID)
	assert.Equal(t, "ch1", costs[1].ChannelID)
}

func TestParseVideoURL(t *testing.T) {
	tests := []struct {
		name   string
		stdout string
		want   string
	}{
		{
			name:   "present",
			stdout: "uploading...\nVIDEO_URL https://youtu.be/abc123\ndone\n",
			want:   "https://youtu.be/abc123",
		},
		{
			name:   "absent",
			stdout: "uploading...\ndone\n",
			want:   "",
		},
		{
			name:   "trailing whitespace",
			stdout: "VIDEO_URL   https://youtu.be/xyz   \n",
			want:   "https://youtu.be/xyz",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseVideoURL(tt.stdout))
		})
	}
}
