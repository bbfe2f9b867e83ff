// Package pipeline is the stage engine: it drives a claimed task through
// the eight ordered stages, from asset generation to finalize.
//
// Each stage except finalize is an external program run under the
// supervisor with a hard timeout. Success means exit zero AND the expected
// outputs present on disk; a program that exits cleanly but leaves files
// missing failed. Completed stages set a bit in the task's bitmap, so a
// resumed task re-enters at its first incomplete stage and stage programs
// regenerate only what is missing.
//
// Four stages park the task at a human review gate (after assets, video,
// SFX, and assembly). Parking releases the claim; approval makes the task
// claimable again and any worker resumes it.
//
// Failure handling follows the error taxonomy. Retriable failures back off
// 1, 5, 15, 60, 60 minutes with a budget of five; permanent failures and an
// exhausted budget are terminal until a human re-queues. Quota exhaustion
// and the daily spend cap are deferrals to the next UTC midnight and never
// consume retry budget. A revoked upload refresh token quiesces the whole
// channel rather than failing the task.
package pipeline
