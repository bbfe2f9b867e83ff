// Package events is the in-process broker that wakes the dispatcher and
// reconciler when something changes.
//
// Events are advisory: the database holds the authoritative state, and a
// dropped event costs at most one idle-poll interval of latency. Subscriber
// channels are buffered and a full subscriber is skipped rather than
// blocking the publisher.
package events
