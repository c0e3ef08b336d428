// Package security provides the cross-cutting security pieces of the OAuth
// server: request rate limiting, audit logging with PII protection, client
// IP extraction, and response security headers.
package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Auditor logs security events. User identifiers are hashed before logging
// so audit trails correlate without containing PII.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates an auditor. A nil logger falls back to slog.Default().
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{logger: logger, enabled: enabled}
}

// Event is a single security audit event.
type Event struct {
	Type      string
	UserID    string
	ClientID  string
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with hashed user identity.
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}

	event.Timestamp = time.Now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"user_id_hash", hashForLogging(event.UserID),
		"client_id", event.ClientID,
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogAuthFailure logs a failed authorization or authentication attempt.
func (a *Auditor) LogAuthFailure(userID, clientID, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      "auth_failure",
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   map[string]any{"reason": reason},
	})
}

// LogCodeIssued logs an authorization code grant after user consent.
func (a *Auditor) LogCodeIssued(userID, clientID, teamID string, scopes []string) {
	a.LogEvent(Event{
		Type:     "authorization_code_issued",
		UserID:   userID,
		ClientID: clientID,
		Details:  map[string]any{"team_id": teamID, "scopes": scopes},
	})
}

// LogConsentDenied logs a user declining consent.
func (a *Auditor) LogConsentDenied(userID, clientID, teamID string) {
	a.LogEvent(Event{
		Type:     "authorization_denied",
		UserID:   userID,
		ClientID: clientID,
		Details:  map[string]any{"team_id": teamID},
	})
}

// LogTokenIssued logs an access+refresh pair minted at code exchange.
func (a *Auditor) LogTokenIssued(userID, clientID, ipAddress string, scopes []string) {
	a.LogEvent(Event{
		Type:      "token_issued",
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   map[string]any{"scopes": scopes},
	})
}

// LogTokenRefreshed logs a refresh token rotation.
func (a *Auditor) LogTokenRefreshed(userID, clientID, ipAddress string) {
	a.LogEvent(Event{
		Type:      "token_refreshed",
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   map[string]any{"rotated": true},
	})
}

// LogTokenRevoked logs an explicit token revocation.
func (a *Auditor) LogTokenRevoked(clientID, ipAddress string, found bool) {
	a.LogEvent(Event{
		Type:      "token_revoked",
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   map[string]any{"token_found": found},
	})
}

// LogTokenReuse logs detected reuse of a rotated refresh token. This is the
// token-theft signal; the caller revokes the whole family alongside it.
func (a *Auditor) LogTokenReuse(userID, clientID, familyID string) {
	a.LogEvent(Event{
		Type:     "refresh_token_reuse_detected",
		UserID:   userID,
		ClientID: clientID,
		Details: map[string]any{
			"severity":  "critical",
			"family_id": familyID,
			"action":    "family_revoked",
		},
	})
}

// LogRateLimitExceeded logs a request rejected by the fixed-window limiter.
func (a *Auditor) LogRateLimitExceeded(ipAddress, endpoint string) {
	a.LogEvent(Event{
		Type:      "rate_limit_exceeded",
		IPAddress: ipAddress,
		Details:   map[string]any{"endpoint": endpoint},
	})
}

// hashForLogging returns a short SHA-256 prefix of an identifier, or empty
// for empty input.
func hashForLogging(id string) string {
	if id == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:])[:16]
}
