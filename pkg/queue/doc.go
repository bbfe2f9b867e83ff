// Package queue is the dispatcher: a pool of workers that claim tasks from
// the database and hand them to the pipeline engine.
//
// Claiming is channel-aware. A worker offers the store only the channels
// that are active, unpaused, and below their concurrency cap; the store
// picks by priority, then least-recently-served channel, then age. One busy
// channel therefore cannot starve the others, and a channel's cap holds
// across every worker in every process.
//
// Workers poll every two seconds, backing off with jitter to a five second
// cap when idle. Enqueues, approvals, retries, and lease expiries nudge
// them awake early through the in-process broker and Postgres NOTIFY, so
// latency stays near zero without a tight poll.
//
// The sweep loop resurrects tasks whose lease expired, which is the whole
// crash-recovery story: a dead worker's task simply becomes claimable again
// and resumes from its first incomplete stage.
package queue
