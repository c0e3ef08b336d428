package server

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/averlane/oauth/internal/util"
	"github.com/averlane/oauth/notify"
	"github.com/averlane/oauth/storage"
)

// Consent decisions.
const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
)

// AuthorizationRequest is a consumer's authorization request as presented to
// GET /oauth/authorize.
type AuthorizationRequest struct {
	ClientID            string
	RedirectURI         string
	Scope               string // space-delimited
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// ConsentData is everything the consent UI needs to render an authorization
// prompt: the validated request parameters plus the application's display
// metadata.
type ConsentData struct {
	Application         *storage.Application
	RedirectURI         string
	Scopes              []string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// ValidateAuthorizationRequest validates an incoming authorization request
// and returns the consent data to render. No state is written; validation
// repeats at decision time because the browser round-trip is untrusted.
func (s *Server) ValidateAuthorizationRequest(ctx context.Context, req AuthorizationRequest) (*ConsentData, error) {
	app, err := s.lookupActiveApplication(ctx, req.ClientID)
	if err != nil {
		return nil, err
	}

	// Public clients must bring PKCE; checked before anything else about
	// the request so the caller learns the binding requirement first.
	if app.IsPublic() && req.CodeChallenge == "" {
		return nil, ErrInvalidRequest("PKCE is required for public clients")
	}

	if err := validateRedirectURI(app, req.RedirectURI); err != nil {
		return nil, err
	}

	scopes, err := validateRequestedScopes(app, util.SplitScopes(req.Scope))
	if err != nil {
		return nil, err
	}

	if err := validateState(req.State); err != nil {
		return nil, err
	}

	method, err := s.validateCodeChallenge(req.CodeChallenge, req.CodeChallengeMethod)
	if err != nil {
		return nil, err
	}

	return &ConsentData{
		Application:         app,
		RedirectURI:         req.RedirectURI,
		Scopes:              scopes,
		State:               req.State,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: method,
	}, nil
}

// DecisionParams carries an authenticated user's consent decision.
type DecisionParams struct {
	SessionToken        string
	ClientID            string
	Decision            string // DecisionAllow or DecisionDeny
	Scopes              []string
	RedirectURI         string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	TeamID              string
	ClientIP            string
}

// DecideAuthorization applies a consent decision and returns the redirect
// URL to send the browser to: either carrying a fresh authorization code or
// an access_denied error. The request is re-validated in full; nothing from
// the earlier GET is trusted.
func (s *Server) DecideAuthorization(ctx context.Context, p DecisionParams) (string, error) {
	session, err := s.sessions.VerifySession(ctx, p.SessionToken)
	if err != nil {
		if errors.Is(err, ErrInvalidSession) {
			return "", ErrUnauthorized("Authentication required")
		}
		s.logger.Error("Session verification failed", "error", err)
		return "", ErrServerError("Internal server error")
	}

	app, err := s.lookupActiveApplication(ctx, p.ClientID)
	if err != nil {
		return "", err
	}
	if app.IsPublic() && p.CodeChallenge == "" {
		return "", ErrInvalidRequest("PKCE is required for public clients")
	}
	if err := validateRedirectURI(app, p.RedirectURI); err != nil {
		return "", err
	}
	if err := validateState(p.State); err != nil {
		return "", err
	}

	switch p.Decision {
	case DecisionDeny:
		s.auditor.LogConsentDenied(session.UserID, app.ClientID, p.TeamID)
		return buildRedirect(p.RedirectURI, map[string]string{
			"error":             "access_denied",
			"error_description": "User denied access",
			"state":             p.State,
		})
	case DecisionAllow:
		// fall through
	default:
		return "", ErrInvalidRequest("Invalid decision")
	}

	if p.TeamID == "" {
		return "", ErrInvalidRequest("Missing team_id")
	}
	team, err := s.memberships.Membership(ctx, session.UserID, p.TeamID)
	if err != nil {
		if errors.Is(err, ErrNotAMember) {
			s.auditor.LogAuthFailure(session.UserID, app.ClientID, p.ClientIP, "not_a_team_member")
			return "", ErrForbidden("User is not a member of the selected team")
		}
		s.logger.Error("Membership check failed", "error", err)
		return "", ErrServerError("Internal server error")
	}

	scopes, err := validateRequestedScopes(app, p.Scopes)
	if err != nil {
		return "", err
	}

	method, err := s.validateCodeChallenge(p.CodeChallenge, p.CodeChallengeMethod)
	if err != nil {
		return "", err
	}

	code, err := s.issueAuthorizationCode(ctx, app, session, team, scopes, p.RedirectURI, p.CodeChallenge, method)
	if err != nil {
		return "", err
	}

	s.auditor.LogCodeIssued(session.UserID, app.ClientID, team.ID, scopes)
	s.metrics.RecordCodeIssued(ctx)
	s.sendAppInstalledEmail(ctx, session, team, app)

	return buildRedirect(p.RedirectURI, map[string]string{
		"code":  code,
		"state": p.State,
	})
}

// issueAuthorizationCode mints and stores a code, regenerating on the
// (practically unreachable) collision of two 256-bit random values.
func (s *Server) issueAuthorizationCode(
	ctx context.Context,
	app *storage.Application,
	session *Session,
	team *Team,
	scopes []string,
	redirectURI, challenge, method string,
) (string, error) {
	now := time.Now()
	ttl := time.Duration(s.config.AuthorizationCodeTTL) * time.Second

	for attempt := 0; attempt < DefaultCodeIssueAttempts; attempt++ {
		code := storage.NewAuthorizationCode()
		record := &storage.AuthorizationCode{
			Code:                code,
			ApplicationID:       app.ID,
			UserID:              session.UserID,
			TeamID:              team.ID,
			Scopes:              scopes,
			RedirectURI:         redirectURI,
			CodeChallenge:       challenge,
			CodeChallengeMethod: method,
			IssuedAt:            now,
			ExpiresAt:           now.Add(ttl),
		}
		if challenge == "" {
			record.CodeChallengeMethod = ""
		}

		err := s.codes.SaveAuthorizationCode(ctx, record)
		if err == nil {
			return code, nil
		}
		if errors.Is(err, storage.ErrCodeExists) {
			continue
		}
		s.logger.Error("Failed to store authorization code", "error", err)
		return "", ErrServerError("Internal server error")
	}

	s.logger.Error("Authorization code collision retries exhausted")
	return "", ErrServerError("Internal server error")
}

// sendAppInstalledEmail notifies the user that the application is connected.
// Best effort: failures are logged and never surface to the flow.
func (s *Server) sendAppInstalledEmail(ctx context.Context, session *Session, team *Team, app *storage.Application) {
	if s.notifier == nil || session.Email == "" {
		return
	}

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	err := s.notifier.AppInstalled(sendCtx, notify.AppInstalled{
		Email:    session.Email,
		UserName: session.FullName,
		TeamName: team.Name,
		AppName:  app.Name,
	})
	if err != nil {
		s.logger.Warn("Failed to send app installed notification",
			"app", app.Name,
			"error", err)
	}
}

// lookupActiveApplication resolves a client_id for the authorization flow.
// Unknown and inactive applications get the same answer.
func (s *Server) lookupActiveApplication(ctx context.Context, clientID string) (*storage.Application, error) {
	if clientID == "" {
		return nil, ErrInvalidRequest("Missing client_id")
	}
	app, err := s.applications.GetApplicationByClientID(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrApplicationNotFound) {
			return nil, ErrInvalidRequest("Invalid client_id")
		}
		s.logger.Error("Application lookup failed", "error", err)
		return nil, ErrServerError("Internal server error")
	}
	if !app.Active {
		return nil, ErrInvalidRequest("Invalid client_id")
	}
	return app, nil
}

// buildRedirect appends query parameters to a redirect URI, preserving any
// query the consumer registered. Empty values are omitted.
func buildRedirect(redirectURI string, params map[string]string) (string, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		// The URI matched a registered value byte-for-byte, so this only
		// fires when an unparsable URI was registered in the first place.
		return "", ErrServerError("Internal server error")
	}
	q := u.Query()
	for k, v := range params {
		if v != "" {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
