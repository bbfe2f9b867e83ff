package pipeline

import (
	"bufio"
	"encoding/json"
	"strings"
	"time"

	"github.com/cuemby/showrunner/pkg/log"
	"github.com/cuemby/showrunner/pkg/supervisor"
	"github.com/cuemby/showrunner/pkg/types"
)

// StageSpec describes one external stage program.
type StageSpec struct {
	Name    string
	Program string
	Timeout time.Duration
	Cost    types.CostComponent

	// Substrings in stderr that mark a failure permanent regardless of
	// exit code. Everything else non-zero is retriable.
	PermanentMarkers []string
}

// stageTable maps stage index to its program. Finalize has no program; it
// is the in-process bookkeeping stage.
var stageTable = [types.StageCount]StageSpec{
	types.StageAssets: {
		Name:             "assets",
		Program:          "generate_assets",
		Timeout:          10 * time.Minute,
		Cost:             types.CostAssets,
		PermanentMarkers: []string{"content policy violation", "invalid story input"},
	},
	types.StageComposite: {
		Name:             "composites",
		Program:          "compose_scenes",
		Timeout:          10 * time.Minute,
		Cost:             types.CostComposites,
		PermanentMarkers: []string{"missing required asset", "unsupported image format"},
	},
	types.StageVideo: {
		Name:             "video",
		Program:          "generate_clips",
		Timeout:          20 * time.Minute,
		Cost:             types.CostVideoClips,
		PermanentMarkers: []string{"content policy violation", "unsupported resolution"},
	},
	types.StageNarration: {
		Name:             "narration",
		Program:          "generate_narration",
		Timeout:          10 * time.Minute,
		Cost:             types.CostNarration,
		PermanentMarkers: []string{"unknown voice id", "script too long"},
	},
	types.StageSFX: {
		Name:             "sfx",
		Program:          "generate_sfx",
		Timeout:          10 * time.Minute,
		Cost:             types.CostSFX,
		PermanentMarkers: []string{"unsupported audio format"},
	},
	types.StageAssembly: {
		Name:             "assembly",
		Program:          "assemble_video",
		Timeout:          15 * time.Minute,
		Cost:             types.CostAssembly,
		PermanentMarkers: []string{"corrupt input clip", "codec not available"},
	},
	types.StageUpload: {
		Name:             "upload",
		Program:          "upload_video",
		Timeout:          20 * time.Minute,
		Cost:             types.CostUpload,
		PermanentMarkers: []string{"video rejected", "account terminated", "duplicate upload"},
	},
	types.StageFinalize: {
		Name: "finalize",
	},
}

// Spec returns the stage table entry.
func Spec(stage int) StageSpec {
	return stageTable[stage]
}

// retrySchedule is the wait before each automatic retry, indexed by the
// current retry count. The last entry repeats up to MaxRetries.
var retrySchedule = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	60 * time.Minute,
	60 * time.Minute,
}

// MaxRetries is the automatic retry budget per stage failure streak.
const MaxRetries = 5

// retryDelay returns the backoff for the Nth retry, 0-based.
func retryDelay(retryCount int) time.Duration {
	if retryCount >= len(retrySchedule) {
		return retrySchedule[len(retrySchedule)-1]
	}
	return retrySchedule[retryCount]
}

// classify maps a supervisor result onto the error taxonomy. A spawn
// failure is infrastructure (the host, not the task, is suspect); a timeout
// is retriable; a non-zero exit is permanent only when stderr carries one
// of the stage's permanent markers.
func classify(spec StageSpec, res *supervisor.Result) types.ErrorKind {
	switch res.Failure {
	case supervisor.FailureSpawn:
		return types.ErrKindInfrastructure
	case supervisor.FailureTimeout:
		return types.ErrKindRetriable
	case supervisor.FailureNonZeroExit:
		lower := strings.ToLower(res.Stderr)
		for _, marker := range spec.PermanentMarkers {
			if strings.Contains(lower, marker) {
				return types.ErrKindPermanent
			}
		}
		return types.ErrKindRetriable
	}
	return types.ErrKindRetriable
}

// costLine is the shape stage programs emit on stdout, one JSON object per
// line prefixed with "COST ".
type costLine struct {
	Component string  `json:"component"`
	Units     float64 `json:"units"`
	CostUSD   float64 `json:"cost_usd"`
	APICalls  int     `json:"api_calls"`
}

const costPrefix = "COST "

// parseCosts extracts cost records from a stage's stdout. Unparseable cost
// lines are logged and skipped; they never fail the stage.
func parseCosts(task *types.Task, spec StageSpec, stdout string) []*types.CostEntry {
	var out []*types.CostEntry
	scanner := bufio.NewScanner(strings.NewReader(stdout))
	scanner.Buffer(make([]byte, 64*1024), 64*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, costPrefix) {
			continue
		}
		var c costLine
		if err := json.Unmarshal([]byte(line[len(costPrefix):]), &c); err != nil {
			log.WithTaskID(task.ID).Warn().Err(err).Msg("unparseable cost line from stage program")
			continue
		}
		component := types.CostComponent(c.Component)
		if component == "" {
			component = spec.Cost
		}
		out = append(out, &types.CostEntry{
			TaskID:    task.ID,
			ChannelID: task.ChannelID,
			Component: component,
			Units:     c.Units,
			CostUSD:   c.CostUSD,
			APICalls:  c.APICalls,
		})
	}
	return out
}

// videoURLPrefix marks the upload program's result line.
const videoURLPrefix = "VIDEO_URL "

// parseVideoURL extracts the published URL from the upload program's stdout.
func parseVideoURL(stdout string) string {
	scanner := bufio.NewScanner(strings.NewReader(stdout))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, videoURLPrefix) {
			return strings.TrimSpace(line[len(videoURLPrefix):])
		}
	}
	return ""
}
