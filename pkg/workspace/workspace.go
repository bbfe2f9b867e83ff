package workspace

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/cuemby/showrunner/pkg/types"
)

// ClipCount is the fixed number of scene clips per video. Narration and SFX
// tracks are numbered to match.
const ClipCount = 18

// assetDirs are the subdirectories of a project's assets tree.
var assetDirs = []string{"characters", "environments", "props", "composites"}

// Workspace resolves the on-disk layout for project artifacts. Paths are a
// pure function of (channel, project), so any worker can resume any task.
type Workspace struct {
	root string
}

// New creates a workspace rooted at the given directory.
func New(root string) *Workspace {
	return &Workspace{root: root}
}

// ProjectDir is channels/<channel>/projects/<project> under the root.
func (w *Workspace) ProjectDir(channelID, projectID string) string {
	return filepath.Join(w.root, "channels", channelID, "projects", projectID)
}

// AssetsDir returns the assets tree, or one of its subdirectories when sub
// is non-empty.
func (w *Workspace) AssetsDir(channelID, projectID, sub string) string {
	return filepath.Join(w.ProjectDir(channelID, projectID), "assets", sub)
}

// ClipPath returns the numbered scene clip, 1-based.
func (w *Workspace) ClipPath(channelID, projectID string, n int) string {
	return filepath.Join(w.ProjectDir(channelID, projectID), "videos", fmt.Sprintf("clip_%02d.mp4", n))
}

// NarrationPath returns the numbered narration track, 1-based.
func (w *Workspace) NarrationPath(channelID, projectID string, n int) string {
	return filepath.Join(w.ProjectDir(channelID, projectID), "audio", fmt.Sprintf("narration_%02d.mp3", n))
}

// SFXPath returns the numbered effects track, 1-based.
func (w *Workspace) SFXPath(channelID, projectID string, n int) string {
	return filepath.Join(w.ProjectDir(channelID, projectID), "sfx", fmt.Sprintf("sfx_%02d.mp3", n))
}

// FinalPath is the assembled video.
func (w *Workspace) FinalPath(channelID, projectID string) string {
	return filepath.Join(w.ProjectDir(channelID, projectID), projectID+"_final.mp4")
}

// Prepare creates the full directory tree for a project. Safe to call on an
// existing project.
func (w *Workspace) Prepare(channelID, projectID string) error {
	dirs := []string{
		filepath.Join(w.ProjectDir(channelID, projectID), "videos"),
		filepath.Join(w.ProjectDir(channelID, projectID), "audio"),
		filepath.Join(w.ProjectDir(channelID, projectID), "sfx"),
	}
	for _, d := range assetDirs {
		dirs = append(dirs, w.AssetsDir(channelID, projectID, d))
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// ExpectedOutputs lists the files a stage must produce. Stages without
// file outputs (upload, finalize) return nil.
func (w *Workspace) ExpectedOutputs(channelID, projectID string, stage int) []string {
	switch stage {
	case types.StageAssets:
		// Asset generation is open-ended; presence is probed per directory.
		return nil
	case types.StageComposite:
		return []string{w.AssetsDir(channelID, projectID, "composites")}
	case types.StageVideo:
		return w.numbered(func(n int) string { return w.ClipPath(channelID, projectID, n) })
	case types.StageNarration:
		return w.numbered(func(n int) string { return w.NarrationPath(channelID, projectID, n) })
	case types.StageSFX:
		return w.numbered(func(n int) string { return w.SFXPath(channelID, projectID, n) })
	case types.StageAssembly:
		return []string{w.FinalPath(channelID, projectID)}
	}
	return nil
}

func (w *Workspace) numbered(path func(int) string) []string {
	out := make([]string, 0, ClipCount)
	for n := 1; n <= ClipCount; n++ {
		out = append(out, path(n))
	}
	return out
}

// MissingOutputs returns which expected outputs are absent or empty. A stage
// that exits zero but leaves outputs missing did not succeed; a stage that
// left some outputs behind resumes by regenerating only the missing ones.
func (w *Workspace) MissingOutputs(channelID, projectID string, stage int) ([]string, error) {
	var missing []string
	for _, path := range w.ExpectedOutputs(channelID, projectID, stage) {
		info, err := os.Stat(path)
		if os.IsNotExist(err) {
			missing = append(missing, path)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to probe %s: %w", path, err)
		}
		if !info.IsDir() && info.Size() == 0 {
			missing = append(missing, path)
		}
	}
	return missing, nil
}

// CleanStage removes a stage's outputs so a rejected gate can regenerate
// from scratch. Stages without file outputs are a no-op.
func (w *Workspace) CleanStage(channelID, projectID string, stage int) error {
	for _, path := range w.ExpectedOutputs(channelID, projectID, stage) {
		if err := os.RemoveAll(path); err != nil {
			return fmt.Errorf("failed to remove %s: %w", path, err)
		}
	}
	if stage == types.StageComposite {
		// RemoveAll took the composites directory with it.
		return os.MkdirAll(w.AssetsDir(channelID, projectID, "composites"), 0o755)
	}
	return nil
}

// Remove deletes the whole project tree. Used after completed tasks on
// channels with local storage retention disabled.
func (w *Workspace) Remove(channelID, projectID string) error {
	return os.RemoveAll(w.ProjectDir(channelID, projectID))
}
