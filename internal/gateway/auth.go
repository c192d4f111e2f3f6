package gateway

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/golang-jwt/jwt/v5"

	"github.com/clanhub/appcore/internal/apperrors"
	"github.com/clanhub/appcore/internal/keystore"
	"github.com/clanhub/appcore/internal/logging"
	"github.com/clanhub/appcore/internal/models"
)

// LoginRequest is the body of POST /auth/login.
type LoginRequest struct {
	Email      string            `json:"email"`
	Password   string            `json:"password"`
	Platform   string            `json:"platform"`
	DeviceInfo map[string]string `json:"deviceInfo,omitempty"`
}

// LoginResult is the decoded response of POST /auth/login.
type LoginResult struct {
	Session     *models.AuthSession `json:"session"`
	MFARequired bool                `json:"mfaRequired,omitempty"`
}

// Login authenticates against the server and installs the resulting
// session. When the account requires a second factor the session is nil and
// MFARequired is set.
func (c *Client) Login(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	payload, err := c.Request(ctx, http.MethodPost, "/auth/login", req, &Options{})
	if err != nil {
		return nil, err
	}

	var result LoginResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, "decode login response", err)
	}
	if result.Session != nil {
		fillSessionFromToken(result.Session)
		if err := c.SetAuth(result.Session); err != nil {
			return nil, err
		}
	}
	return &result, nil
}

// Logout notifies the server (best effort) and clears the session.
func (c *Client) Logout(ctx context.Context) error {
	if c.Session() != nil && c.monitor.State().Online {
		if _, err := c.Request(ctx, http.MethodPost, "/auth/logout", nil, &Options{RequireAuth: true, Retries: -1}); err != nil {
			logging.Warn("logout request failed, clearing session anyway", logging.Fields{"error": err.Error()})
		}
	}
	return c.ClearAuth()
}

// RestoreSession loads a persisted session from the keystore, recovering
// subject and expiry from the token claims when the stored record predates
// them. Returns nil without error when nothing is stored.
func (c *Client) RestoreSession() (*models.AuthSession, error) {
	session, err := keystore.LoadSession(c.ks)
	if err != nil || session == nil {
		return nil, err
	}
	fillSessionFromToken(session)

	c.mu.Lock()
	c.session = session
	c.mu.Unlock()
	return session, nil
}

// refreshSession performs the single refresh attempt allowed after a 401.
// On failure the session is cleared and the caller gets Unauthorized.
func (c *Client) refreshSession(ctx context.Context) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	session := c.Session()
	if session == nil || session.RefreshToken == "" {
		return apperrors.New(apperrors.CodeUnauthorized, "no refresh token")
	}

	body, err := json.Marshal(map[string]string{"refreshToken": session.RefreshToken})
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInternal, "encode refresh request", err)
	}

	payload, err := c.doOnce(ctx, http.MethodPost, "/auth/refresh", body, &Options{})
	if err != nil {
		if clearErr := c.ClearAuth(); clearErr != nil {
			logging.Warn("failed to clear session after refresh failure", logging.Fields{"error": clearErr.Error()})
		}
		return apperrors.Wrap(apperrors.CodeUnauthorized, "token refresh failed", err)
	}

	var result struct {
		Session *models.AuthSession `json:"session"`
	}
	if err := json.Unmarshal(payload, &result); err != nil || result.Session == nil {
		_ = c.ClearAuth()
		return apperrors.New(apperrors.CodeUnauthorized, "malformed refresh response")
	}

	fillSessionFromToken(result.Session)
	return c.SetAuth(result.Session)
}

// fillSessionFromToken backfills SubjectID and ExpiresAt from the access
// token claims when the server response omitted them. The token is parsed
// without signature verification: the server remains the authority, the
// claims are only scheduling hints.
func fillSessionFromToken(session *models.AuthSession) {
	if session.AccessToken == "" || (session.SubjectID != "" && session.ExpiresAt > 0) {
		return
	}

	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(session.AccessToken, claims); err != nil {
		return
	}

	if session.SubjectID == "" {
		if sub, err := claims.GetSubject(); err == nil {
			session.SubjectID = sub
		}
	}
	if session.ExpiresAt == 0 {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			session.ExpiresAt = exp.Time.UnixMilli()
		}
	}
}
