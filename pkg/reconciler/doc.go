// Package reconciler keeps the planning database and the task queue in
// agreement, in both directions, without either side blocking the other.
//
// Outbound, a mirror loop posts each task's current status label to its
// planning page. The mirror stamp is monotonic per task, so reordered or
// repeated passes cannot regress a page to an older status. A permanently
// unmirrorable page (archived, schema drift) is abandoned with an audit
// entry rather than retried forever, and mirror failures never touch task
// execution: the queue is the source of truth, the page is a view.
//
// A second outbound lane carries the transient Ready labels (Composites
// Ready, Audio Ready, Assembly Ready) the pipeline engine hands over when a
// stage finishes. They live in a small in-memory buffer and are posted best
// effort in order; a drop or failure costs nothing because the durable
// mirror posts the authoritative state within seconds.
//
// Inbound, a poll loop reads every active channel's planning database once
// a minute, and the webhook feeds individual pages in between. Each
// (page, label, edit-time) observation is recorded once, so webhook and
// poll deduplicate naturally. A page flipped to Queued becomes a new task,
// or revives its failed predecessor with the completed-stage bitmap intact;
// an approval label becomes a decisive review at the matching gate.
package reconciler
