package calendar

import (
	"context"
	"errors"
	"time"
)

// ErrTokenNotFound is returned by a TokenStore when the sender has never
// completed the OAuth flow.
var ErrTokenNotFound = errors.New("calendar: user token not found")

// Token holds a sender's OAuth credentials for calendar API calls.
// Tokens are persisted keyed by the sender's open_id.
type Token struct {
	UserID           string    `json:"user_id"`
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	ExpiresAt        time.Time `json:"expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// AccessValidAt reports whether the access token is still usable at now,
// keeping a leeway so a token about to expire counts as invalid.
func (t Token) AccessValidAt(now time.Time, leeway time.Duration) bool {
	if t.AccessToken == "" || t.ExpiresAt.IsZero() {
		return false
	}
	if leeway < 0 {
		leeway = 0
	}
	return now.Add(leeway).Before(t.ExpiresAt)
}

// TokenStore persists per-sender OAuth tokens.
type TokenStore interface {
	GetToken(ctx context.Context, userID string) (Token, error)
	PutToken(ctx context.Context, token Token) error
	DeleteToken(ctx context.Context, userID string) error
}
