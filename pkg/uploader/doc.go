// Package uploader holds the upload-side concerns that are not the upload
// program itself: OAuth access tokens and quota accounting.
//
// The upload stage is an external program like every other stage; this
// package supplies its access token via the environment and charges the
// channel's daily ledger before the program ever starts. Reservation and
// ceiling check are one database statement, so two workers cannot jointly
// oversubscribe a channel's quota. Exhausted quota is a deferral to the
// next UTC midnight, never a retry.
//
// Access tokens are minted from per-channel refresh tokens held in the
// vault, cached, and refreshed five minutes before expiry. Refreshes for
// the same channel collapse through singleflight. A dead refresh token
// (invalid_grant) surfaces as ErrReauthRequired, which pauses the channel
// until a human re-authorizes it.
package uploader
