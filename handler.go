package oauth

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/averlane/oauth/instrumentation"
	"github.com/averlane/oauth/security"
	"github.com/averlane/oauth/server"
	"github.com/averlane/oauth/storage/memory"
)

// Handler exposes the authorization server over HTTP. Every endpoint is
// rate-limited per client IP before any other processing.
type Handler struct {
	server  *server.Server
	limiter *security.FixedWindowLimiter
	inst    *instrumentation.Instrumentation
	logger  *slog.Logger
}

// HandlerConfig holds the optional pieces of a Handler.
type HandlerConfig struct {
	// RateLimiter overrides the request rate limiter. Nil means a limiter
	// over an in-process counter; multi-instance deployments pass one backed
	// by valkey so the cap holds across the fleet.
	RateLimiter *security.FixedWindowLimiter

	// Instrumentation enables tracing and request metrics. Nil disables.
	Instrumentation *instrumentation.Instrumentation

	// Logger overrides the log destination. Nil means slog.Default().
	Logger *slog.Logger
}

// NewHandler creates an HTTP handler for the given server.
func NewHandler(srv *server.Server, cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	limiter := cfg.RateLimiter
	if limiter == nil {
		serverCfg := srv.Config()
		limiter = security.NewFixedWindowLimiter(
			memory.New(),
			serverCfg.RateLimitMax,
			time.Duration(serverCfg.RateLimitWindow)*time.Second,
			logger,
		)
	}

	return &Handler{
		server:  srv,
		limiter: limiter,
		inst:    cfg.Instrumentation,
		logger:  logger,
	}
}

// RegisterRoutes registers the OAuth endpoints on a mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("GET /oauth/authorize", h.endpoint("authorize", h.handleAuthorize))
	mux.Handle("POST /oauth/authorize", h.endpoint("authorize_decision", h.handleAuthorizeDecision))
	mux.Handle("POST /oauth/token", h.endpoint("token", h.handleToken))
	mux.Handle("POST /oauth/revoke", h.endpoint("revoke", h.handleRevoke))
}

// endpoint wraps a handler with the shared request plumbing: security
// headers, rate limiting, tracing, and duration metrics.
func (h *Handler) endpoint(name string, fn http.HandlerFunc) http.Handler {
	cfg := h.server.Config()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := r.Context()

		if h.inst != nil {
			var span trace.Span
			ctx, span = h.inst.StartSpan(ctx, "oauth."+name)
			defer span.End()
			r = r.WithContext(ctx)
		}

		security.SetSecurityHeaders(w, cfg.Issuer)

		clientIP := security.GetClientIP(r, cfg.TrustProxyHeaders, cfg.TrustedProxyCount)
		if !h.limiter.Allow(ctx, "oauth:ratelimit:"+clientIP) {
			if h.inst != nil {
				h.inst.Metrics.RecordRateLimitRejection(ctx, name)
				h.inst.Metrics.RecordRequestDuration(ctx, name, http.StatusTooManyRequests, time.Since(start).Seconds())
			}
			w.Header().Set("Retry-After", fmt.Sprintf("%d", cfg.RateLimitWindow))
			http.Error(w, "Too many requests, please try again later.", http.StatusTooManyRequests)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		fn(rec, r)

		if h.inst != nil {
			h.inst.Metrics.RecordRequestDuration(ctx, name, rec.status, time.Since(start).Seconds())
		}
	})
}

// handleAuthorize validates an authorization request and returns the consent
// screen payload.
func (h *Handler) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	consent, err := h.server.ValidateAuthorizationRequest(r.Context(), server.AuthorizationRequest{
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		Scope:               q.Get("scope"),
		State:               q.Get("state"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	app := consent.Application
	h.writeJSON(w, http.StatusOK, ConsentScreenResponse{
		ClientID:            app.ClientID,
		AppName:             app.Name,
		AppDescription:      app.Description,
		AppOverview:         app.Overview,
		DeveloperName:       app.DeveloperName,
		LogoURL:             app.LogoURL,
		Website:             app.Website,
		InstallURL:          app.InstallURL,
		Screenshots:         app.Screenshots,
		Status:              app.Status,
		Scopes:              consent.Scopes,
		RedirectURI:         consent.RedirectURI,
		State:               consent.State,
		CodeChallenge:       consent.CodeChallenge,
		CodeChallengeMethod: consent.CodeChallengeMethod,
	})
}

// handleAuthorizeDecision applies the authenticated user's consent decision.
func (h *Handler) handleAuthorizeDecision(w http.ResponseWriter, r *http.Request) {
	sessionToken, ok := bearerToken(r)
	if !ok {
		h.writeError(w, server.ErrUnauthorized("Authentication required"))
		return
	}

	var req AuthorizationDecisionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		h.writeError(w, server.ErrInvalidRequest("Invalid request body"))
		return
	}

	redirectURL, err := h.server.DecideAuthorization(r.Context(), server.DecisionParams{
		SessionToken:        sessionToken,
		ClientID:            req.ClientID,
		Decision:            req.Decision,
		Scopes:              req.Scopes,
		RedirectURI:         req.RedirectURI,
		State:               req.State,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		TeamID:              req.TeamID,
		ClientIP:            h.clientIP(r),
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, AuthorizationDecisionResponse{RedirectURL: redirectURL})
}

// tokenRequestBody is the token endpoint body, accepted as JSON or form.
type tokenRequestBody struct {
	GrantType    string `json:"grant_type"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	Code         string `json:"code"`
	RedirectURI  string `json:"redirect_uri"`
	CodeVerifier string `json:"code_verifier"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope"`
}

// handleToken runs the authorization_code and refresh_token grants.
func (h *Handler) handleToken(w http.ResponseWriter, r *http.Request) {
	var body tokenRequestBody
	if err := decodeBody(w, r, &body, func(form map[string]string) {
		body.GrantType = form["grant_type"]
		body.ClientID = form["client_id"]
		body.ClientSecret = form["client_secret"]
		body.Code = form["code"]
		body.RedirectURI = form["redirect_uri"]
		body.CodeVerifier = form["code_verifier"]
		body.RefreshToken = form["refresh_token"]
		body.Scope = form["scope"]
	}); err != nil {
		h.writeError(w, err)
		return
	}

	resp, err := h.server.Token(r.Context(), server.TokenRequest{
		GrantType:    body.GrantType,
		ClientID:     body.ClientID,
		ClientSecret: body.ClientSecret,
		ClientIP:     h.clientIP(r),
		Code:         body.Code,
		RedirectURI:  body.RedirectURI,
		CodeVerifier: body.CodeVerifier,
		RefreshToken: body.RefreshToken,
		Scope:        body.Scope,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, TokenResponse{
		AccessToken:  resp.AccessToken,
		TokenType:    resp.TokenType,
		ExpiresIn:    resp.ExpiresIn,
		RefreshToken: resp.RefreshToken,
		Scope:        resp.Scope,
	})
}

// revokeRequestBody is the revocation endpoint body, JSON or form.
type revokeRequestBody struct {
	Token         string `json:"token"`
	TokenTypeHint string `json:"token_type_hint"`
	ClientID      string `json:"client_id"`
	ClientSecret  string `json:"client_secret"`
}

// handleRevoke revokes a token for an authenticated client.
func (h *Handler) handleRevoke(w http.ResponseWriter, r *http.Request) {
	var body revokeRequestBody
	if err := decodeBody(w, r, &body, func(form map[string]string) {
		body.Token = form["token"]
		body.TokenTypeHint = form["token_type_hint"]
		body.ClientID = form["client_id"]
		body.ClientSecret = form["client_secret"]
	}); err != nil {
		h.writeError(w, err)
		return
	}

	err := h.server.Revoke(r.Context(), server.RevokeRequest{
		Token:         body.Token,
		TokenTypeHint: body.TokenTypeHint,
		ClientID:      body.ClientID,
		ClientSecret:  body.ClientSecret,
		ClientIP:      h.clientIP(r),
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, RevokeResponse{Success: true})
}

// decodeBody reads a request body as JSON or urlencoded form depending on
// Content-Type. An absent Content-Type is treated as JSON.
func decodeBody(w http.ResponseWriter, r *http.Request, jsonDst any, fromForm func(map[string]string)) error {
	contentType := r.Header.Get("Content-Type")
	mediaType := contentType
	if contentType != "" {
		if parsed, _, err := mime.ParseMediaType(contentType); err == nil {
			mediaType = parsed
		}
	}

	if mediaType == "application/x-www-form-urlencoded" {
		r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
		if err := r.ParseForm(); err != nil {
			return server.ErrInvalidRequest("Invalid request body")
		}
		form := make(map[string]string, len(r.PostForm))
		for key := range r.PostForm {
			form[key] = r.PostForm.Get(key)
		}
		fromForm(form)
		return nil
	}

	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(jsonDst); err != nil {
		return server.ErrInvalidRequest("Invalid request body")
	}
	return nil
}

// writeError maps a flow error onto the wire: protocol errors carry their
// status and message, anything else is an opaque 500.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	if oauthErr, ok := AsError(err); ok {
		h.writeJSON(w, oauthErr.Status, ErrorResponse{Message: oauthErr.Description})
		return
	}
	h.logger.Error("Unclassified handler error", "error", err)
	h.writeJSON(w, http.StatusInternalServerError, ErrorResponse{Message: "Internal server error"})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

func (h *Handler) clientIP(r *http.Request) string {
	cfg := h.server.Config()
	return security.GetClientIP(r, cfg.TrustProxyHeaders, cfg.TrustedProxyCount)
}

// bearerToken extracts a bearer credential from the Authorization header.
func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return "", false
	}
	return auth[len(prefix):], true
}

// statusRecorder captures the response status for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
