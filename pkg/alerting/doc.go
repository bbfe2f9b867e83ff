// Package alerting delivers operator notifications.
//
// Alerts carry a severity and optional channel/task scope and fan out to
// every configured sink. A Slack incoming webhook is the usual external
// sink; the structured log sink is always present, so alerting degrades to
// log-only when no webhook is configured. Identical alerts are suppressed
// for ten minutes to keep a flapping condition from flooding anyone, and a
// sink failure is logged rather than propagated: alerting is advisory and
// must never stall the pipeline.
package alerting
