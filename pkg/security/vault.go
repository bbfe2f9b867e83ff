package security

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/cuemby/showrunner/pkg/storage"
	"github.com/cuemby/showrunner/pkg/types"
)

// EncryptionKeyEnv is the environment variable holding the base64-encoded
// 32-byte master key.
const EncryptionKeyEnv = "ENCRYPTION_KEY"

// ErrCredentialUnavailable is returned when a channel's credential is missing
// or cannot be decrypted. Callers pause the channel rather than fail tasks.
var ErrCredentialUnavailable = errors.New("credential unavailable")

// Vault encrypts channel credentials with AES-256-GCM before they touch the
// database and decrypts them on demand. Plaintext lives only in memory.
type Vault struct {
	key   []byte // 32 bytes for AES-256
	store *storage.Store
}

// NewVault creates a vault with the given master key.
func NewVault(key []byte, store *storage.Store) (*Vault, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes for AES-256, got %d", len(key))
	}
	return &Vault{key: key, store: store}, nil
}

// NewVaultFromEnv reads the base64-encoded master key from the environment.
func NewVaultFromEnv(store *storage.Store) (*Vault, error) {
	raw := os.Getenv(EncryptionKeyEnv)
	if raw == "" {
		return nil, fmt.Errorf("%s is not set", EncryptionKeyEnv)
	}
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", EncryptionKeyEnv, err)
	}
	return NewVault(key, store)
}

// Encrypt seals plaintext with AES-256-GCM, nonce prepended.
func (v *Vault) Encrypt(plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("cannot encrypt empty data")
	}

	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens ciphertext produced by Encrypt.
func (v *Vault) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, fmt.Errorf("cannot decrypt empty data")
	}

	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

// PutCredential encrypts and stores one credential for a channel.
func (v *Vault) PutCredential(ctx context.Context, channelID string, kind types.CredentialKind, plaintext []byte) error {
	encrypted, err := v.Encrypt(plaintext)
	if err != nil {
		return fmt.Errorf("failed to encrypt credential %s/%s: %w", channelID, kind, err)
	}
	return v.store.PutCredential(ctx, &types.Credential{
		ChannelID: channelID,
		Kind:      kind,
		Data:      encrypted,
	})
}

// GetCredential fetches and decrypts one credential. A missing row or a
// failed decryption both surface as ErrCredentialUnavailable so the caller
// treats them identically: pause the channel, alert, keep others running.
func (v *Vault) GetCredential(ctx context.Context, channelID string, kind types.CredentialKind) ([]byte, error) {
	cred, err := v.store.GetCredential(ctx, channelID, kind)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("credential %s/%s not stored: %w", channelID, kind, ErrCredentialUnavailable)
	}
	if err != nil {
		return nil, err
	}
	plaintext, err := v.Decrypt(cred.Data)
	if err != nil {
		return nil, fmt.Errorf("credential %s/%s undecryptable: %w", channelID, kind, ErrCredentialUnavailable)
	}
	return plaintext, nil
}

// SignPayload computes the hex HMAC-SHA256 of body under the shared secret.
// Used for webhook signature verification.
func SignPayload(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature compares a presented hex signature against the expected
// HMAC in constant time.
func VerifySignature(secret, body []byte, presented string) bool {
	expected := SignPayload(secret, body)
	return hmac.Equal([]byte(expected), []byte(presented))
}
