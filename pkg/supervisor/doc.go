// Package supervisor runs the external stage programs.
//
// Each pipeline stage is an executable in the scripts directory, invoked
// with arguments and a hard timeout. Children run in their own process
// group; on timeout the whole group gets SIGTERM, a grace period, then
// SIGKILL, so orphaned grandchildren cannot outlive a stage.
//
// Stdout and stderr are captured up to one MiB per stream and marked when
// truncated. A child's failure is data, not an error: Run returns a Result
// whose Failure field distinguishes spawn failures, non-zero exits, and
// timeouts, and the pipeline maps those onto its retry policy.
package supervisor
