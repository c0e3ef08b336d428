// Package server implements the OAuth 2.0 authorization server core: the
// authorization, token, and revocation flows over pluggable storage. The
// HTTP surface lives in the root package; this package is transport-free.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/averlane/oauth/instrumentation"
	"github.com/averlane/oauth/notify"
	"github.com/averlane/oauth/security"
	"github.com/averlane/oauth/storage"
)

// Session identifies the authenticated end user approving or denying a
// consent request. Sessions are established by the surrounding product, not
// by this module.
type Session struct {
	UserID   string
	Email    string
	FullName string
}

// SessionVerifier authenticates a bearer session token from the consent UI.
type SessionVerifier interface {
	// VerifySession validates a session token and returns the session.
	// Returns ErrInvalidSession for unknown or expired tokens.
	VerifySession(ctx context.Context, token string) (*Session, error)
}

// Team is the organizational unit an authorization grants access to.
type Team struct {
	ID   string
	Name string
}

// MembershipChecker answers whether a user belongs to a team.
type MembershipChecker interface {
	// Membership returns the team if the user is a member, or ErrNotAMember.
	Membership(ctx context.Context, userID, teamID string) (*Team, error)
}

// Sentinel errors for the injected collaborators.
var (
	ErrInvalidSession = errors.New("invalid session")
	ErrNotAMember     = errors.New("user is not a member of the team")
)

// Server implements the authorization server flows.
type Server struct {
	applications storage.ApplicationStore
	codes        storage.CodeStore
	tokens       storage.TokenStore
	sessions     SessionVerifier
	memberships  MembershipChecker

	notifier     notify.Notifier
	auditor      *security.Auditor
	eventLimiter *security.EventLimiter
	metrics      *instrumentation.Metrics
	logger       *slog.Logger
	config       *Config
}

// New creates a Server. The stores, session verifier, and membership checker
// are required; everything else has a working default. The config is
// validated and defaulted; the caller's copy is not modified.
func New(
	applications storage.ApplicationStore,
	codes storage.CodeStore,
	tokens storage.TokenStore,
	sessions SessionVerifier,
	memberships MembershipChecker,
	cfg *Config,
	logger *slog.Logger,
) (*Server, error) {
	if applications == nil {
		return nil, fmt.Errorf("application store is required")
	}
	if codes == nil {
		return nil, fmt.Errorf("code store is required")
	}
	if tokens == nil {
		return nil, fmt.Errorf("token store is required")
	}
	if sessions == nil {
		return nil, fmt.Errorf("session verifier is required")
	}
	if memberships == nil {
		return nil, fmt.Errorf("membership checker is required")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := validateIssuer(cfg, logger); err != nil {
		return nil, err
	}

	return &Server{
		applications: applications,
		codes:        codes,
		tokens:       tokens,
		sessions:     sessions,
		memberships:  memberships,
		logger:       logger,
		config:       applySecureDefaults(cfg, logger),
		// One security event per identifier per 10 seconds, burst of 5;
		// keeps an attacker replaying stolen tokens from flooding the logs.
		eventLimiter: security.NewEventLimiter(0.1, 5, 10000),
	}, nil
}

// SetNotifier installs a notifier for best-effort product emails.
func (s *Server) SetNotifier(n notify.Notifier) {
	s.notifier = n
}

// SetAuditor installs a security audit logger.
func (s *Server) SetAuditor(a *security.Auditor) {
	s.auditor = a
}

// SetMetrics installs OpenTelemetry metrics recording.
func (s *Server) SetMetrics(m *instrumentation.Metrics) {
	s.metrics = m
}

// Config returns the effective (defaulted) configuration.
func (s *Server) Config() *Config {
	return s.config
}

// allowSecurityEvent rate-limits noisy security log lines per identifier.
func (s *Server) allowSecurityEvent(identifier string) bool {
	if s.eventLimiter == nil {
		return true
	}
	return s.eventLimiter.Allow(identifier)
}
