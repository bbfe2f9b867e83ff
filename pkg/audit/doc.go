// Package audit records human-initiated and compliance-relevant events.
//
// Entries are append-only, enforced by a database trigger rather than
// convention. The recorder deliberately swallows write failures after
// logging them: an audit outage must not block a review or a retry, it
// just leaves a logged gap.
package audit
