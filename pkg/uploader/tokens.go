package uploader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/cuemby/showrunner/pkg/log"
	"github.com/cuemby/showrunner/pkg/security"
	"github.com/cuemby/showrunner/pkg/types"
)

// earlyRefresh is how long before expiry a cached access token is considered
// stale. Upload runs are long; a token must outlive the run it starts.
const earlyRefresh = 5 * time.Minute

const defaultTokenURL = "https://oauth2.googleapis.com/token"

// ErrReauthRequired means the refresh token itself was revoked or expired.
// The channel must be paused until a human re-authorizes it.
var ErrReauthRequired = errors.New("upload re-authorization required")

// storedToken is the decrypted shape of the upload_refresh_token credential.
type storedToken struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	RefreshToken string `json:"refresh_token"`
	TokenURL     string `json:"token_url,omitempty"`
}

// TokenManager exchanges per-channel refresh tokens for access tokens and
// caches them. Concurrent requests for the same channel share one refresh
// via singleflight, so parallel uploads never race the token endpoint.
type TokenManager struct {
	vault *security.Vault

	mu    sync.Mutex
	cache map[string]*oauth2.Token
	group singleflight.Group
}

// NewTokenManager creates a token manager backed by the credential vault.
func NewTokenManager(vault *security.Vault) *TokenManager {
	return &TokenManager{
		vault: vault,
		cache: make(map[string]*oauth2.Token),
	}
}

// AccessToken returns a live access token for a channel, refreshing if the
// cached one expires within the early-refresh window.
func (m *TokenManager) AccessToken(ctx context.Context, channelID string) (string, error) {
	m.mu.Lock()
	tok := m.cache[channelID]
	m.mu.Unlock()
	if tok != nil && tok.Valid() && time.Until(tok.Expiry) > earlyRefresh {
		return tok.AccessToken, nil
	}

	v, err, _ := m.group.Do(channelID, func() (interface{}, error) {
		return m.refresh(ctx, channelID)
	})
	if err != nil {
		return "", err
	}
	return v.(*oauth2.Token).AccessToken, nil
}

func (m *TokenManager) refresh(ctx context.Context, channelID string) (*oauth2.Token, error) {
	raw, err := m.vault.GetCredential(ctx, channelID, types.CredentialUploadRefreshToken)
	if err != nil {
		return nil, err
	}
	var stored storedToken
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, fmt.Errorf("failed to decode upload credential for %s: %w", channelID, err)
	}
	tokenURL := stored.TokenURL
	if tokenURL == "" {
		tokenURL = defaultTokenURL
	}

	cfg := &oauth2.Config{
		ClientID:     stored.ClientID,
		ClientSecret: stored.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: tokenURL},
	}
	tok, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: stored.RefreshToken}).Token()
	if err != nil {
		if isInvalidGrant(err) {
			return nil, fmt.Errorf("refresh token for %s revoked: %w", channelID, ErrReauthRequired)
		}
		return nil, fmt.Errorf("failed to refresh upload token for %s: %w", channelID, err)
	}

	m.mu.Lock()
	m.cache[channelID] = tok
	m.mu.Unlock()
	log.WithChannelID(channelID).Debug().Time("expiry", tok.Expiry).Msg("upload token refreshed")
	return tok, nil
}

// Invalidate drops the cached token, forcing a refresh on next use. Called
// after a 401 from the upload API.
func (m *TokenManager) Invalidate(channelID string) {
	m.mu.Lock()
	delete(m.cache, channelID)
	m.mu.Unlock()
}

// isInvalidGrant detects the OAuth error that means the refresh token is
// dead rather than the request having failed transiently.
func isInvalidGrant(err error) bool {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return retrieveErr.ErrorCode == "invalid_grant"
	}
	return strings.Contains(err.Error(), "invalid_grant")
}
