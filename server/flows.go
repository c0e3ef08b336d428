package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/averlane/oauth/internal/util"
	"github.com/averlane/oauth/storage"
)

// Supported grant types.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
)

// TokenRequest is a call to the token endpoint. Fields not relevant to the
// grant type are ignored.
type TokenRequest struct {
	GrantType    string
	ClientID     string
	ClientSecret string
	ClientIP     string

	// authorization_code grant
	Code         string
	RedirectURI  string
	CodeVerifier string

	// refresh_token grant
	RefreshToken string
	Scope        string // optional narrowing, space-delimited
}

// TokenResponse is the success payload of the token endpoint.
type TokenResponse struct {
	AccessToken  string
	TokenType    string
	ExpiresIn    int64
	RefreshToken string
	Scope        string
}

// Token handles a token endpoint call: client authentication, then grant
// dispatch.
func (s *Server) Token(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	if req.GrantType == "" {
		return nil, ErrInvalidRequest("Missing grant_type")
	}

	app, err := s.authenticateClient(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		s.auditor.LogAuthFailure("", req.ClientID, req.ClientIP, "client_authentication_failed")
		return nil, err
	}

	switch req.GrantType {
	case GrantTypeAuthorizationCode:
		return s.exchangeAuthorizationCode(ctx, app, req)
	case GrantTypeRefreshToken:
		return s.refreshAccessToken(ctx, app, req)
	default:
		return nil, ErrUnsupportedGrantType(
			fmt.Sprintf("Unsupported grant type: %s", util.SafeTruncate(req.GrantType, 32)))
	}
}

// exchangeAuthorizationCode redeems a code for a fresh token pair. The code
// is claimed atomically before anything else is checked, so a concurrent
// replay loses even when the winner's request later fails validation; a
// claimed code is burned either way.
func (s *Server) exchangeAuthorizationCode(ctx context.Context, app *storage.Application, req TokenRequest) (*TokenResponse, error) {
	if req.Code == "" || req.RedirectURI == "" {
		return nil, ErrInvalidRequest("Missing required parameters")
	}

	code, err := s.codes.ClaimAuthorizationCode(ctx, req.Code)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrCodeNotFound):
			s.metrics.RecordCodeExchange(ctx, "unknown_code")
			return nil, ErrInvalidGrant("Invalid authorization code")
		case errors.Is(err, storage.ErrCodeConsumed):
			s.metrics.RecordCodeExchange(ctx, "replay")
			s.auditor.LogAuthFailure("", app.ClientID, req.ClientIP, "authorization_code_replay")
			s.revokeReplayedCodeTokens(ctx, app, req.Code, req.ClientIP)
			return nil, ErrInvalidGrant("Invalid authorization code")
		case errors.Is(err, storage.ErrCodeExpired):
			s.metrics.RecordCodeExchange(ctx, "expired")
			return nil, ErrInvalidGrant("Authorization code expired")
		default:
			s.logger.Error("Failed to claim authorization code", "error", err)
			return nil, ErrServerError("Internal server error")
		}
	}

	if code.ApplicationID != app.ID {
		s.metrics.RecordCodeExchange(ctx, "wrong_client")
		s.auditor.LogAuthFailure(code.UserID, app.ClientID, req.ClientIP, "code_client_mismatch")
		return nil, ErrInvalidGrant("Invalid authorization code")
	}

	if code.RedirectURI != req.RedirectURI {
		s.metrics.RecordCodeExchange(ctx, "redirect_mismatch")
		return nil, ErrInvalidGrant("Invalid redirect_uri")
	}

	if err := s.validatePKCE(code, req.CodeVerifier); err != nil {
		s.metrics.RecordCodeExchange(ctx, "pkce_failed")
		s.auditor.LogAuthFailure(code.UserID, app.ClientID, req.ClientIP, "pkce_verification_failed")
		return nil, err
	}

	pair, err := s.tokens.IssueTokenPair(ctx, storage.IssueTokenPairParams{
		ApplicationID: app.ID,
		UserID:        code.UserID,
		TeamID:        code.TeamID,
		Scopes:        code.Scopes,
		AccessTTL:     time.Duration(s.config.AccessTokenTTL) * time.Second,
		RefreshTTL:    time.Duration(s.config.RefreshTokenTTL) * time.Second,
	})
	if err != nil {
		s.logger.Error("Failed to issue token pair", "error", err)
		return nil, ErrServerError("Internal server error")
	}

	// Link the minted family back to the code so a replay can revoke it.
	if err := s.codes.BindCodeTokenFamily(ctx, req.Code, pair.FamilyID); err != nil {
		s.logger.Warn("Failed to bind token family to authorization code",
			"family_id", pair.FamilyID,
			"error", err)
	}

	s.metrics.RecordCodeExchange(ctx, "success")
	s.auditor.LogTokenIssued(code.UserID, app.ClientID, req.ClientIP, pair.Scopes)

	return tokenResponseFromPair(pair), nil
}

// revokeReplayedCodeTokens revokes every token minted from a replayed
// authorization code. A second presentation of a code means it leaked in
// transit; tokens issued to its first presenter cannot be trusted
// (RFC 6819 §4.4.1.1).
func (s *Server) revokeReplayedCodeTokens(ctx context.Context, app *storage.Application, rawCode, clientIP string) {
	code, err := s.codes.GetAuthorizationCode(ctx, rawCode)
	if err != nil {
		if !errors.Is(err, storage.ErrCodeNotFound) {
			s.logger.Error("Failed to load replayed authorization code", "error", err)
		}
		return
	}
	if code.TokenFamilyID == "" {
		return
	}

	revoked, err := s.tokens.RevokeFamily(ctx, code.TokenFamilyID)
	if err != nil {
		s.logger.Error("Failed to revoke token family after code replay",
			"family_id", code.TokenFamilyID,
			"error", err)
		return
	}
	s.metrics.RecordFamilyRevoked(ctx, revoked)

	if s.allowSecurityEvent(app.ClientID) {
		s.logger.Warn("Authorization code replay detected, issued tokens revoked",
			"client_id", app.ClientID,
			"family_id", code.TokenFamilyID,
			"ip", clientIP,
			"tokens_revoked", revoked)
	}
}

// refreshAccessToken rotates a refresh token into a successor pair. A
// rotated token presented again is treated as theft: the whole family is
// revoked before the caller is told the token is invalid.
func (s *Server) refreshAccessToken(ctx context.Context, app *storage.Application, req TokenRequest) (*TokenResponse, error) {
	if req.RefreshToken == "" {
		return nil, ErrInvalidRequest("Missing refresh_token")
	}

	tokenHash := storage.HashToken(req.RefreshToken)
	token, err := s.tokens.GetRefreshToken(ctx, tokenHash)
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			s.metrics.RecordTokenRefresh(ctx, "unknown_token")
			return nil, ErrInvalidGrant("Invalid refresh token")
		}
		s.logger.Error("Failed to load refresh token", "error", err)
		return nil, ErrServerError("Internal server error")
	}

	// Ownership before state: a token presented by the wrong client reveals
	// nothing about its lifecycle.
	if token.ApplicationID != app.ID {
		s.metrics.RecordTokenRefresh(ctx, "wrong_client")
		s.auditor.LogAuthFailure(token.UserID, app.ClientID, req.ClientIP, "refresh_token_client_mismatch")
		return nil, ErrInvalidGrant("Invalid refresh token")
	}

	if token.RotatedTo != "" {
		return nil, s.handleRefreshReuse(ctx, app, token, req.ClientIP)
	}
	if token.Revoked {
		s.metrics.RecordTokenRefresh(ctx, "revoked")
		return nil, ErrInvalidGrant("Refresh token revoked")
	}
	if token.Expired(time.Now()) {
		s.metrics.RecordTokenRefresh(ctx, "expired")
		return nil, ErrInvalidGrant("Refresh token expired")
	}

	scopes := token.Scopes
	if req.Scope != "" {
		requested := util.Dedupe(util.SplitScopes(req.Scope))
		if offender, ok := util.Subset(requested, token.Scopes); !ok {
			s.metrics.RecordTokenRefresh(ctx, "scope_escalation")
			return nil, ErrInvalidScope(
				fmt.Sprintf("Scope '%s' exceeds the original grant", offender))
		}
		scopes = requested
	}

	pair, err := s.tokens.RotateRefreshToken(ctx, storage.RotateRefreshTokenParams{
		TokenHash:  tokenHash,
		Scopes:     scopes,
		AccessTTL:  time.Duration(s.config.AccessTokenTTL) * time.Second,
		RefreshTTL: time.Duration(s.config.RefreshTokenTTL) * time.Second,
	})
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrTokenRotated):
			// Lost the rotation race: someone else just used this token.
			return nil, s.handleRefreshReuse(ctx, app, token, req.ClientIP)
		case errors.Is(err, storage.ErrTokenRevoked):
			s.metrics.RecordTokenRefresh(ctx, "revoked")
			return nil, ErrInvalidGrant("Refresh token revoked")
		case errors.Is(err, storage.ErrTokenExpired):
			s.metrics.RecordTokenRefresh(ctx, "expired")
			return nil, ErrInvalidGrant("Refresh token expired")
		case errors.Is(err, storage.ErrTokenNotFound):
			s.metrics.RecordTokenRefresh(ctx, "unknown_token")
			return nil, ErrInvalidGrant("Invalid refresh token")
		default:
			s.logger.Error("Failed to rotate refresh token", "error", err)
			return nil, ErrServerError("Internal server error")
		}
	}

	s.metrics.RecordTokenRefresh(ctx, "success")
	s.auditor.LogTokenRefreshed(token.UserID, app.ClientID, req.ClientIP)

	return tokenResponseFromPair(pair), nil
}

// handleRefreshReuse revokes the family of a refresh token that was
// presented after rotation and returns the error for the caller. The
// presenter may be the attacker or the victim; either way every descendant
// token is cut off.
func (s *Server) handleRefreshReuse(ctx context.Context, app *storage.Application, token *storage.Token, clientIP string) error {
	s.metrics.RecordReuseDetected(ctx)

	revoked, err := s.tokens.RevokeFamily(ctx, token.FamilyID)
	if err != nil {
		s.logger.Error("Failed to revoke token family after reuse",
			"family_id", token.FamilyID,
			"error", err)
	} else {
		s.metrics.RecordFamilyRevoked(ctx, revoked)
	}

	s.auditor.LogTokenReuse(token.UserID, app.ClientID, token.FamilyID)
	if s.allowSecurityEvent(token.FamilyID) {
		s.logger.Warn("Refresh token reuse detected, family revoked",
			"client_id", app.ClientID,
			"family_id", token.FamilyID,
			"ip", clientIP,
			"tokens_revoked", revoked)
	}

	return ErrInvalidGrant("Invalid refresh token")
}

// RevokeRequest is a call to the revocation endpoint.
type RevokeRequest struct {
	Token         string
	TokenTypeHint string // access_token or refresh_token; advisory only
	ClientID      string
	ClientSecret  string
	ClientIP      string
}

// Revoke revokes a presented token. Per RFC 7009 the outcome is the same
// whether the token existed or not; only client authentication and malformed
// requests produce errors. Revoking a refresh token does not touch its
// descendants — those fall when reuse detection fires or they expire.
func (s *Server) Revoke(ctx context.Context, req RevokeRequest) error {
	app, err := s.authenticateClient(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		s.auditor.LogAuthFailure("", req.ClientID, req.ClientIP, "client_authentication_failed")
		return err
	}

	if req.Token == "" {
		return ErrInvalidRequest("Missing token")
	}

	found, err := s.tokens.RevokeToken(ctx, storage.HashToken(req.Token), app.ID)
	if err != nil {
		s.logger.Error("Failed to revoke token", "error", err)
		return ErrServerError("Internal server error")
	}

	s.metrics.RecordTokenRevocation(ctx, found)
	s.auditor.LogTokenRevoked(app.ClientID, req.ClientIP, found)
	return nil
}

// ValidateAccessToken authenticates a raw access token presented to a
// resource server and returns its stored record.
func (s *Server) ValidateAccessToken(ctx context.Context, raw string) (*storage.Token, error) {
	if !strings.HasPrefix(raw, storage.AccessTokenPrefix) {
		return nil, ErrUnauthorized("Invalid access token")
	}

	token, err := s.tokens.GetAccessToken(ctx, storage.HashToken(raw))
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			return nil, ErrUnauthorized("Invalid access token")
		}
		s.logger.Error("Failed to load access token", "error", err)
		return nil, ErrServerError("Internal server error")
	}
	return token, nil
}

// DisconnectApplication revokes every live token a user holds for an
// application. Backs the "uninstall app" action in team settings.
func (s *Server) DisconnectApplication(ctx context.Context, userID, clientID string) error {
	app, err := s.applications.GetApplicationByClientID(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrApplicationNotFound) {
			return ErrInvalidRequest("Invalid client_id")
		}
		s.logger.Error("Application lookup failed", "error", err)
		return ErrServerError("Internal server error")
	}

	if err := s.tokens.RevokeUserApplicationTokens(ctx, userID, app.ID); err != nil {
		s.logger.Error("Failed to revoke user application tokens", "error", err)
		return ErrServerError("Internal server error")
	}
	return nil
}

func tokenResponseFromPair(pair *storage.TokenPair) *TokenResponse {
	return &TokenResponse{
		AccessToken:  pair.AccessToken,
		TokenType:    "bearer",
		ExpiresIn:    pair.ExpiresIn,
		RefreshToken: pair.RefreshToken,
		Scope:        util.JoinScopes(pair.Scopes),
	}
}
