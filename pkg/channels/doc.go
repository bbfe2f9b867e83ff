// Package channels manages the channel registry.
//
// Channels are declared one YAML file per channel in a configuration
// directory, validated per file, and mirrored into the database on every
// load. A broken edit to one file never takes the others down: the invalid
// file is skipped with a precise error and the remaining channels load
// normally. The directory is re-scanned on fsnotify events and on demand
// (the server wires SIGHUP to Reload).
//
// The registry also owns per-channel concurrency accounting. Workers acquire
// a slot before claiming a task for a channel and release it when the task
// leaves their hands, which caps concurrent work per channel at
// max_concurrent regardless of how many workers are running. Pausing a
// channel (bad credentials, re-authorization) blocks new acquisitions only;
// in-flight tasks finish their current stage.
package channels
