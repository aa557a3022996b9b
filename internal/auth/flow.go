package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	grantTypeDeviceCode   = "urn:ietf:params:oauth:grant-type:device_code"
	grantTypeRefreshToken = "refresh_token"

	defaultPollIntervalSec = 5
	defaultGrantExpirySec  = 900
	defaultTokenExpirySec  = 3600
	defaultTokenType       = "Bearer"
)

// Endpoints configures one OAuth provider's device-authorization surface.
type Endpoints struct {
	// required fields
	ClientID      string
	DeviceCodeURL string
	TokenURL      string

	ClientSecret string // optional; some providers want it on the device-code call
	Scopes       []string

	// Custom HTTP client (for testing or special configs)
	HTTPClient *http.Client
}

func (e *Endpoints) Validate() error {
	if e.ClientID == "" {
		return errors.New("ClientID is required")
	}
	if e.DeviceCodeURL == "" {
		return errors.New("DeviceCodeURL is required")
	}
	if e.TokenURL == "" {
		return errors.New("TokenURL is required")
	}
	return nil
}

// DeviceGrant is what the user needs to authorize the device out-of-band,
// plus the polling parameters the provider dictated.
type DeviceGrant struct {
	DeviceCode      string
	UserCode        string
	VerificationURL string
	ExpiresIn       int // seconds
	Interval        int // seconds
}

// Token is one issued access/refresh pair. Both token strings are opaque
// credential material and must never be logged.
type Token struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresAt    time.Time
}

// Flow implements the three device-flow operations (initiate, poll,
// refresh) against a configured provider endpoint set.
type Flow struct {
	cfg        Endpoints
	httpClient *http.Client
	logger     *zap.Logger
}

func NewFlow(cfg Endpoints, logger *zap.Logger) (*Flow, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid endpoints: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Flow{
		cfg:        cfg,
		httpClient: httpClient,
		logger:     logger.Named("oauth"),
	}, nil
}

type deviceCodeResponse struct {
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
	VerificationURL string `json:"verification_url"` // some providers spell it this way
	ExpiresIn       int    `json:"expires_in"`
	Interval        int    `json:"interval"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

type oauthErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// Initiate starts a device authorization and returns the grant the user
// completes out-of-band. Missing polling parameters get provider-standard
// defaults (5s interval, 900s expiry).
func (f *Flow) Initiate(ctx context.Context) (*DeviceGrant, error) {
	form := url.Values{}
	form.Set("client_id", f.cfg.ClientID)
	form.Set("scope", strings.Join(f.cfg.Scopes, " "))
	if f.cfg.ClientSecret != "" {
		form.Set("client_secret", f.cfg.ClientSecret)
	}

	body, status, err := f.postForm(ctx, f.cfg.DeviceCodeURL, form)
	if err != nil {
		return nil, fmt.Errorf("oauth: device code request: %w", err)
	}
	if status < 200 || status >= 300 {
		return nil, fmt.Errorf("oauth: device code request failed (%d): %s", status, truncate(string(body), 200))
	}

	var dcr deviceCodeResponse
	if err := json.Unmarshal(body, &dcr); err != nil {
		return nil, fmt.Errorf("oauth: decode device code response: %w", err)
	}

	grant := &DeviceGrant{
		DeviceCode:      dcr.DeviceCode,
		UserCode:        dcr.UserCode,
		VerificationURL: dcr.VerificationURI,
		ExpiresIn:       dcr.ExpiresIn,
		Interval:        dcr.Interval,
	}
	if grant.VerificationURL == "" {
		grant.VerificationURL = dcr.VerificationURL
	}
	if grant.Interval <= 0 {
		grant.Interval = defaultPollIntervalSec
	}
	if grant.ExpiresIn <= 0 {
		grant.ExpiresIn = defaultGrantExpirySec
	}

	f.logger.Info("device authorization initiated",
		zap.String("verification_url", grant.VerificationURL),
		zap.String("user_code", grant.UserCode),
		zap.Int("interval_s", grant.Interval),
		zap.Int("expires_in_s", grant.ExpiresIn),
	)
	return grant, nil
}

// Poll asks the token endpoint once whether the user has authorized the
// device yet. (nil, nil) means "still pending, keep waiting"; any other
// provider error is fatal for the flow.
func (f *Flow) Poll(ctx context.Context, deviceCode string) (*Token, error) {
	form := url.Values{}
	form.Set("grant_type", grantTypeDeviceCode)
	form.Set("client_id", f.cfg.ClientID)
	form.Set("device_code", deviceCode)

	body, status, err := f.postForm(ctx, f.cfg.TokenURL, form)
	if err != nil {
		return nil, fmt.Errorf("oauth: token poll request: %w", err)
	}

	if status < 200 || status >= 300 {
		var oerr oauthErrorResponse
		if jsonErr := json.Unmarshal(body, &oerr); jsonErr == nil {
			switch oerr.Error {
			case "authorization_pending", "slow_down":
				// Not an error: the user hasn't finished yet.
				return nil, nil
			}
			if oerr.Error != "" {
				return nil, fmt.Errorf("oauth: authorization failed: %s (%s)", oerr.Error, oerr.ErrorDescription)
			}
		}
		return nil, fmt.Errorf("oauth: token poll failed (%d): %s", status, truncate(string(body), 200))
	}

	tok, err := f.decodeToken(body, "")
	if err != nil {
		return nil, err
	}
	f.logger.Info("device authorization completed",
		zap.Time("expires_at", tok.ExpiresAt),
	)
	return tok, nil
}

// Refresh exchanges a refresh token for a fresh pair. Providers that omit
// the refresh token on refresh mean the original one stays valid, so it is
// carried over.
func (f *Flow) Refresh(ctx context.Context, refreshToken string) (*Token, error) {
	form := url.Values{}
	form.Set("grant_type", grantTypeRefreshToken)
	form.Set("client_id", f.cfg.ClientID)
	form.Set("refresh_token", refreshToken)

	body, status, err := f.postForm(ctx, f.cfg.TokenURL, form)
	if err != nil {
		return nil, fmt.Errorf("oauth: refresh request: %w", err)
	}
	if status < 200 || status >= 300 {
		var oerr oauthErrorResponse
		if jsonErr := json.Unmarshal(body, &oerr); jsonErr == nil && oerr.Error != "" {
			return nil, fmt.Errorf("oauth: refresh failed: %s (%s)", oerr.Error, oerr.ErrorDescription)
		}
		return nil, fmt.Errorf("oauth: refresh failed (%d): %s", status, truncate(string(body), 200))
	}

	return f.decodeToken(body, refreshToken)
}

func (f *Flow) decodeToken(body []byte, prevRefreshToken string) (*Token, error) {
	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("oauth: decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return nil, errors.New("oauth: token response missing access_token")
	}

	tok := &Token{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		TokenType:    tr.TokenType,
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = prevRefreshToken
	}
	if tok.TokenType == "" {
		tok.TokenType = defaultTokenType
	}
	expiresIn := tr.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = defaultTokenExpirySec
	}
	tok.ExpiresAt = time.Now().Add(time.Duration(expiresIn) * time.Second)

	return tok, nil
}

// postForm sends one form-urlencoded POST and returns the full body and
// status; callers decide what each status means.
func (f *Flow) postForm(ctx context.Context, endpoint string, form url.Values) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}

// truncate limits string length for error messages
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
