package security

import (
	"bytes"
	"testing"
)

func testVault(t *testing.T) *Vault {
	t.Helper()
	key := bytes.Repeat([]byte{0x42}, 32)
	v, err := NewVault(key, nil)
	if err != nil {
		t.Fatalf("NewVault() error = %v", err)
	}
	return v
}

func TestNewVaultKeyLength(t *testing.T) {
	tests := []struct {
		name    string
		keyLen  int
		wantErr bool
	}{
		{"valid 32-byte key", 32, false},
		{"short key", 16, true},
		{"long key", 64, true},
		{"empty key", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewVault(make([]byte, tt.keyLen), nil)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewVault() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	v := testVault(t)
	plaintext := []byte("secret_ntn_token_abc123")

	ciphertext, err := v.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if bytes.Contains(ciphertext, plaintext) {
		t.Fatal("ciphertext contains plaintext")
	}

	got, err := v.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("Decrypt() = %q, want %q", got, plaintext)
	}
}

func TestEncryptNonceUniqueness(t *testing.T) {
	v := testVault(t)
	a, _ := v.Encrypt([]byte("same input"))
	b, _ := v.Encrypt([]byte("same input"))
	if bytes.Equal(a, b) {
		t.Error("two encryptions of the same plaintext produced identical ciphertext")
	}
}

func TestDecryptFailures(t *testing.T) {
	v := testVault(t)
	ciphertext, _ := v.Encrypt([]byte("payload"))

	t.Run("wrong key", func(t *testing.T) {
		other, _ := NewVault(bytes.Repeat([]byte{0x7}, 32), nil)
		if _, err := other.Decrypt(ciphertext); err == nil {
			t.Error("decryption with wrong key should fail")
		}
	})
	t.Run("tampered ciphertext", func(t *testing.T) {
		mangled := append([]byte(nil), ciphertext...)
		mangled[len(mangled)-1] ^= 0xFF
		if _, err := v.Decrypt(mangled); err == nil {
			t.Error("tampered ciphertext should fail authentication")
		}
	})
	t.Run("too short", func(t *testing.T) {
		if _, err := v.Decrypt([]byte{1, 2, 3}); err == nil {
			t.Error("short ciphertext should fail")
		}
	})
	t.Run("empty", func(t *testing.T) {
		if _, err := v.Decrypt(nil); err == nil {
			t.Error("empty ciphertext should fail")
		}
	})
}

func TestEncryptEmpty(t *testing.T) {
	v := testVault(t)
	if _, err := v.Encrypt(nil); err == nil {
		t.Error("encrypting empty data should fail")
	}
}

func TestVerifySignature(t *testing.T) {
	secret := []byte("webhook-secret")
	body := []byte(`{"entity":{"id":"page-1"}}`)
	sig := SignPayload(secret, body)

	tests := []struct {
		name      string
		secret    []byte
		body      []byte
		presented string
		want      bool
	}{
		{"valid", secret, body, sig, true},
		{"wrong secret", []byte("other"), body, sig, false},
		{"tampered body", secret, []byte(`{"entity":{"id":"page-2"}}`), sig, false},
		{"empty signature", secret, body, "", false},
		{"garbage signature", secret, body, "deadbeef", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := VerifySignature(tt.secret, tt.body, tt.presented); got != tt.want {
				t.Errorf("VerifySignature() = %v, want %v", got, tt.want)
			}
		})
	}
}
