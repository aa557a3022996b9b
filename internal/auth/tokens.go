package auth

import (
	"context"
	"errors"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"codexbridge/internal/metrics"
	"codexbridge/internal/secrets"
)

const (
	keyAccessToken  = "oauth_access_token"
	keyRefreshToken = "oauth_refresh_token"
	keyExpiresAt    = "oauth_expires_at"
)

// refreshBuffer refreshes tokens this long before their recorded expiry so
// an in-flight request never races the cutoff.
const refreshBuffer = 5 * time.Minute

// TokenManager owns the persisted credential fields; no other component
// writes them. Reads transparently refresh an expiring access token.
type TokenManager struct {
	store  secrets.Store
	flow   *Flow
	logger *zap.Logger
	group  singleflight.Group

	now func() time.Time // override for tests
}

func NewTokenManager(store secrets.Store, flow *Flow, logger *zap.Logger) *TokenManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TokenManager{
		store:  store,
		flow:   flow,
		logger: logger.Named("tokens"),
		now:    time.Now,
	}
}

// AccessToken returns a usable access token, or "" when the caller must
// treat the session as not authenticated. It refreshes expiring tokens
// behind a single-flight guard; a failed refresh degrades to "" rather
// than erroring. The returned error is reserved for storage failures.
func (m *TokenManager) AccessToken(ctx context.Context) (string, error) {
	access, ok, err := m.store.Get(ctx, keyAccessToken)
	if err != nil {
		return "", err
	}
	if !ok || access == "" {
		return "", nil
	}

	expStr, ok, err := m.store.Get(ctx, keyExpiresAt)
	if err != nil {
		return "", err
	}
	if !ok || expStr == "" {
		// No recorded expiry: assume non-expiring or externally managed.
		return access, nil
	}

	expUnix, err := strconv.ParseInt(expStr, 10, 64)
	if err != nil {
		m.logger.Warn("ignoring unparseable token expiry", zap.String("value", expStr))
		return access, nil
	}

	if m.now().Before(time.Unix(expUnix, 0).Add(-refreshBuffer)) {
		return access, nil
	}

	// Expired or inside the buffer: try a refresh. Concurrent callers share
	// one refresh request; it runs detached from the winning caller's
	// cancellation so the coalesced callers are not starved by it.
	v, err, _ := m.group.Do("refresh", func() (interface{}, error) {
		return m.refresh(context.WithoutCancel(ctx)), nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// refresh performs one best-effort refresh; any failure is logged and
// yields "" so callers degrade to "not authenticated".
func (m *TokenManager) refresh(ctx context.Context) string {
	refreshTok, ok, err := m.store.Get(ctx, keyRefreshToken)
	if err != nil {
		m.logger.Error("reading refresh token failed", zap.Error(err))
		return ""
	}
	if !ok || refreshTok == "" {
		m.logger.Warn("access token expired and no refresh token is stored")
		return ""
	}

	m.logger.Debug("access token expired, refreshing")
	tok, err := m.flow.Refresh(ctx, refreshTok)
	if err != nil {
		metrics.TokenRefreshesTotal.WithLabelValues("error").Inc()
		m.logger.Error("token refresh failed", zap.Error(err))
		return ""
	}

	if err := m.StoreTokens(ctx, tok); err != nil {
		m.logger.Error("persisting refreshed tokens failed", zap.Error(err))
		return ""
	}

	metrics.TokenRefreshesTotal.WithLabelValues("ok").Inc()
	m.logger.Info("access token refreshed", zap.Time("expires_at", tok.ExpiresAt))
	return tok.AccessToken
}

// IsConnected reports whether a non-empty access token is persisted. It
// never triggers a refresh.
func (m *TokenManager) IsConnected(ctx context.Context) bool {
	access, ok, err := m.store.Get(ctx, keyAccessToken)
	return err == nil && ok && access != ""
}

// StoreTokens persists the credential triple.
func (m *TokenManager) StoreTokens(ctx context.Context, tok *Token) error {
	if tok == nil || tok.AccessToken == "" {
		return errors.New("auth: refusing to store empty token")
	}
	if err := m.store.Set(ctx, keyAccessToken, tok.AccessToken); err != nil {
		return err
	}
	if err := m.store.Set(ctx, keyRefreshToken, tok.RefreshToken); err != nil {
		return err
	}
	if tok.ExpiresAt.IsZero() {
		return m.store.Delete(ctx, keyExpiresAt)
	}
	return m.store.Set(ctx, keyExpiresAt, strconv.FormatInt(tok.ExpiresAt.Unix(), 10))
}

// ClearTokens removes all persisted credential fields.
func (m *TokenManager) ClearTokens(ctx context.Context) error {
	return errors.Join(
		m.store.Delete(ctx, keyAccessToken),
		m.store.Delete(ctx, keyRefreshToken),
		m.store.Delete(ctx, keyExpiresAt),
	)
}
