// Package oauth talks to the Google identity provider: token refresh,
// entitlement lookup (loadCodeAssist) and account onboarding (onboardUser).
// Every call is gated through the shared rate limiter and the retry
// executor so the aggregate call rate never exceeds OAUTH_TPS.
package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/Yoo1tic/pollux/ratelimit"
	"github.com/Yoo1tic/pollux/retry"
	"github.com/Yoo1tic/pollux/types"
)

// OAuth client constants used by the gemini-cli installed application.
const (
	DefaultTokenURL   = "https://oauth2.googleapis.com/token"
	DefaultLoadURL    = "https://cloudcode-pa.googleapis.com/v1internal:loadCodeAssist"
	DefaultOnboardURL = "https://cloudcode-pa.googleapis.com/v1internal:onboardUser"

	clientID     = "681255809395-oo8ft2oprdrnp9e3aqf6av3hmdib135j.apps.googleusercontent.com"
	clientSecret = "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"
)

// TokenResult is the outcome of a successful token refresh.
type TokenResult struct {
	AccessToken string
	// Email recovered from the ID token, when present.
	Email     string
	ExpiresAt time.Time
}

// TierInfo describes one entitlement tier in provider responses.
type TierInfo struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	IsDefault bool   `json:"isDefault,omitempty"`
	// UserDefinedCloudaicompanionProject marks tiers requiring the caller
	// to bring their own project.
	UserDefinedCloudaicompanionProject bool `json:"userDefinedCloudaicompanionProject,omitempty"`
}

// LoadResponse is the entitlement-lookup (loadCodeAssist) payload subset
// the scheduler consumes.
type LoadResponse struct {
	CurrentTier             *TierInfo  `json:"currentTier,omitempty"`
	AllowedTiers            []TierInfo `json:"allowedTiers,omitempty"`
	CloudAICompanionProject string     `json:"cloudaicompanionProject,omitempty"`
}

// OnboardResponse is the onboarding (onboardUser) payload subset.
type OnboardResponse struct {
	Done     bool `json:"done"`
	Response struct {
		CloudAICompanionProject struct {
			ID string `json:"id"`
		} `json:"cloudaicompanionProject"`
	} `json:"response"`
}

// Client performs identity-provider calls.
type Client struct {
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	retryer    *retry.Executor
	logger     *zap.Logger

	tokenURL   string
	loadURL    string
	onboardURL string
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client (tests point it at a fake server).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithEndpoints overrides the provider endpoints.
func WithEndpoints(tokenURL, loadURL, onboardURL string) Option {
	return func(c *Client) {
		c.tokenURL = tokenURL
		c.loadURL = loadURL
		c.onboardURL = onboardURL
	}
}

// NewClient creates an identity-provider client gated by the given limiter
// and retry executor.
func NewClient(limiter *ratelimit.Limiter, retryer *retry.Executor, logger *zap.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		limiter:    limiter,
		retryer:    retryer,
		logger:     logger,
		tokenURL:   DefaultTokenURL,
		loadURL:    DefaultLoadURL,
		onboardURL: DefaultOnboardURL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RefreshToken exchanges a refresh token for a fresh access token.
// An invalid_grant response is fatal: the grant was revoked upstream.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*TokenResult, error) {
	return retry.DoWithResult(c.retryer, ctx, func(ctx context.Context) (*TokenResult, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, types.NewError(types.ErrOAuthTransport, "rate limiter wait interrupted").WithCause(err)
		}

		form := url.Values{
			"grant_type":    {"refresh_token"},
			"client_id":     {clientID},
			"client_secret": {clientSecret},
			"refresh_token": {refreshToken},
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
		if err != nil {
			return nil, types.NewError(types.ErrInternalError, "build token request").WithCause(err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, types.NewError(types.ErrOAuthTransport, "token endpoint unreachable").
				WithRetryable(true).WithCause(err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)

		if resp.StatusCode != http.StatusOK {
			return nil, classifyOAuthStatus(resp.StatusCode, body)
		}

		var tokenResp struct {
			AccessToken string `json:"access_token"`
			ExpiresIn   int64  `json:"expires_in"`
			IDToken     string `json:"id_token"`
		}
		if err := json.Unmarshal(body, &tokenResp); err != nil {
			return nil, types.NewError(types.ErrOAuthServer, "malformed token response").WithCause(err)
		}
		if tokenResp.AccessToken == "" {
			return nil, types.NewError(types.ErrOAuthServer, "token response missing access_token")
		}

		result := &TokenResult{
			AccessToken: tokenResp.AccessToken,
			ExpiresAt:   time.Now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second),
			Email:       emailFromIDToken(tokenResp.IDToken),
		}
		c.logger.Debug("access token refreshed", zap.Time("expires_at", result.ExpiresAt))
		return result, nil
	})
}

// LoadCodeAssist performs the entitlement lookup for an account.
func (c *Client) LoadCodeAssist(ctx context.Context, accessToken, projectID string) (*LoadResponse, error) {
	payload := map[string]any{
		"metadata": map[string]string{
			"ideType":    "IDE_UNSPECIFIED",
			"platform":   "PLATFORM_UNSPECIFIED",
			"pluginType": "GEMINI",
		},
	}
	if projectID != "" {
		payload["cloudaicompanionProject"] = projectID
	}

	var out LoadResponse
	if err := c.postJSON(ctx, c.loadURL, accessToken, payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// OnboardUser registers an account for API use under the given tier.
func (c *Client) OnboardUser(ctx context.Context, accessToken, tierID, projectID string) (*OnboardResponse, error) {
	payload := map[string]any{
		"tierId": tierID,
		"metadata": map[string]string{
			"ideType":    "IDE_UNSPECIFIED",
			"platform":   "PLATFORM_UNSPECIFIED",
			"pluginType": "GEMINI",
		},
	}
	if projectID != "" {
		payload["cloudaicompanionProject"] = projectID
	}

	var out OnboardResponse
	if err := c.postJSON(ctx, c.onboardURL, accessToken, payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// postJSON is the shared rate-limited, retried JSON POST used by the
// entitlement and onboarding calls.
func (c *Client) postJSON(ctx context.Context, endpoint, accessToken string, payload any, out any) error {
	return c.retryer.Do(ctx, func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return types.NewError(types.ErrOAuthTransport, "rate limiter wait interrupted").WithCause(err)
		}

		data, err := json.Marshal(payload)
		if err != nil {
			return types.NewError(types.ErrInternalError, "marshal request payload").WithCause(err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
		if err != nil {
			return types.NewError(types.ErrInternalError, "build request").WithCause(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+accessToken)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return types.NewError(types.ErrOAuthTransport, "endpoint unreachable").
				WithRetryable(true).WithCause(err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)

		if resp.StatusCode != http.StatusOK {
			return classifyOAuthStatus(resp.StatusCode, body)
		}
		if err := json.Unmarshal(body, out); err != nil {
			return types.NewError(types.ErrOAuthServer, "malformed response body").WithCause(err)
		}
		return nil
	})
}

// classifyOAuthStatus maps an identity-provider HTTP failure to the error
// taxonomy: 5xx and 429 are retryable, invalid_grant and other 4xx fatal.
func classifyOAuthStatus(status int, body []byte) error {
	msg := fmt.Sprintf("identity provider returned %d", status)
	switch {
	case status == http.StatusTooManyRequests || status >= 500:
		return types.NewError(types.ErrOAuthTransport, msg).
			WithHTTPStatus(status).WithRetryable(true)
	case bytes.Contains(body, []byte("invalid_grant")):
		return types.NewError(types.ErrOAuthServer, "grant revoked or expired").
			WithHTTPStatus(status)
	default:
		return types.NewError(types.ErrOAuthServer, msg).WithHTTPStatus(status)
	}
}

// emailFromIDToken extracts the email claim from an ID token without
// signature verification; the token arrived over TLS from the provider.
func emailFromIDToken(idToken string) string {
	if idToken == "" {
		return ""
	}
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(idToken, claims); err != nil {
		return ""
	}
	if email, ok := claims["email"].(string); ok {
		return email
	}
	return ""
}
