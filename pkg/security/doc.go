// Package security holds the credential vault and webhook signature helpers.
//
// Channel credentials (planning tokens, upload refresh tokens, model provider
// keys) are sealed with AES-256-GCM under a single master key supplied via
// the environment, nonce prepended to each ciphertext. Only ciphertext is
// persisted; decryption happens in memory at the moment of use. A credential
// that is missing or fails to decrypt reports ErrCredentialUnavailable, which
// pauses the owning channel without touching any other channel's work.
package security
