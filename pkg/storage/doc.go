// Package storage is the Postgres persistence layer for the orchestrator.
//
// Every piece of coordination state lives here: the durable task queue, the
// review ledger, per-channel upload quota, cost and audit records, and the
// sync observation log. There is no secondary store and no in-memory state
// that cannot be rebuilt from these tables, which is what makes worker crash
// recovery a matter of lease expiry rather than repair.
//
// Three mechanics carry most of the weight:
//
//   - Claiming uses SELECT ... FOR UPDATE SKIP LOCKED, so any number of
//     workers can poll concurrently without handing the same task to two of
//     them. Fairness is ordering, not locking: priority first, then the
//     channel served least recently, then FIFO.
//
//   - Transactions are short by contract and by enforcement. WithTx measures
//     wall-clock time and aborts any transaction that exceeds the configured
//     ceiling, which catches subprocess or network calls accidentally nested
//     inside a transaction before they can stall the pool.
//
//   - LISTEN/NOTIFY wakes sleeping dispatchers early after an enqueue or a
//     lease release. Notifications are purely advisory; the poll loop is the
//     source of truth, so a dropped notification costs latency, not work.
//
// Schema migrations are embedded and applied through goose under a Postgres
// advisory lock, so concurrently booting processes serialize on migration.
package storage
