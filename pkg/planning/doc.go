// Package planning is the client for the external planning database.
//
// One client exists per channel because integration tokens, and therefore
// rate limits, are per integration. Every call passes through three layers
// in order: a token bucket pinned to the provider's 3 requests/second limit,
// a circuit breaker that opens after five consecutive failures, and a retry
// loop with full-jitter exponential backoff (1s base, 60s cap, three
// attempts). The limiter gates retries too, so a retry storm cannot exceed
// the token's budget.
//
// Failures are classified at the HTTP layer: 401/403 is ErrTokenInvalid and
// pauses the channel, 429 and 5xx are retriable, remaining 4xx are
// ErrPermanent. Retry-After is honored when the provider sends it.
package planning
