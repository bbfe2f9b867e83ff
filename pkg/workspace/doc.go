// Package workspace resolves the deterministic artifact layout on disk.
//
// Every path is a pure function of channel and project IDs:
//
//	channels/<channel>/projects/<project>/
//	    assets/{characters,environments,props,composites}/
//	    videos/clip_01.mp4 .. clip_18.mp4
//	    audio/narration_01.mp3 .. narration_18.mp3
//	    sfx/sfx_01.mp3 .. sfx_18.mp3
//	    <project>_final.mp4
//
// Because the layout is deterministic, a task re-claimed by a different
// worker on shared storage finds its partial outputs exactly where the
// previous worker left them. MissingOutputs is the resume probe: it reports
// which expected files are absent or empty, which both verifies a stage's
// success and tells a re-run what still needs generating.
package workspace
