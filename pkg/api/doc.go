// Package api is the HTTP control surface.
//
// It serves four concerns on one listener: the health probe (answers within
// 500ms regardless of database state), Prometheus metrics, the planning
// webhook, and the operator API for reviews, retries, and inspection.
//
// The webhook verifies an HMAC-SHA256 signature in constant time before the
// body is ever parsed; unsigned or mis-signed requests get a 401 and nothing
// else. Accepted events are acknowledged immediately and applied in the
// background, with the reconciler's observation log deduplicating against
// the poll loop. The provider's subscription handshake (a bare verification
// token) is stored in settings.
//
// Responses are snake_case JSON; money travels as 4-decimal strings; every
// error body is {"detail": "..."}.
package api
