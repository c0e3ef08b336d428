// Package memory provides an in-memory implementation of all storage
// interfaces. It is suitable for development, testing, and single-instance
// deployments; the atomic claim and rotation contracts are enforced by
// running each operation inside one mutex critical section.
package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/averlane/oauth/storage"
)

// expiredCodeRetention is how long consumed or expired authorization codes
// are kept before the cleanup loop drops them. Keeping them briefly lets the
// claim path distinguish "consumed" from "unknown" for audit logging.
const expiredCodeRetention = time.Hour

// dummySecretHash is a bcrypt hash compared against when the client is
// unknown or public, so that VerifyClientSecret costs the same for every
// outcome and cannot be used as a client-enumeration timing oracle.
var dummySecretHash = func() []byte {
	h, err := bcrypt.GenerateFromPassword([]byte("averlane-dummy-secret"), bcrypt.DefaultCost)
	if err != nil {
		panic(err)
	}
	return h
}()

// Store is an in-memory implementation of storage.ApplicationStore,
// storage.CodeStore, storage.TokenStore, and storage.Counters.
type Store struct {
	mu sync.Mutex

	applications map[string]*storage.Application       // client ID -> application
	codes        map[string]*storage.AuthorizationCode // code -> record
	tokens       map[string]*storage.Token             // token hash -> record
	counters     map[string]*counterWindow             // limiter key -> window

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

var (
	_ storage.ApplicationStore = (*Store)(nil)
	_ storage.CodeStore        = (*Store)(nil)
	_ storage.TokenStore       = (*Store)(nil)
	_ storage.Counters         = (*Store)(nil)
)

// New creates an in-memory store with the default cleanup interval (1 minute).
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates an in-memory store with a custom cleanup interval.
// A non-positive interval falls back to 1 minute.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		applications:    make(map[string]*storage.Application),
		codes:           make(map[string]*storage.AuthorizationCode),
		tokens:          make(map[string]*storage.Token),
		counters:        make(map[string]*counterWindow),
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if logger != nil {
		s.logger = logger
	}
}

// Stop terminates the background cleanup goroutine.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// ============================================================
// ApplicationStore
// ============================================================

// SaveApplication registers or replaces an application. The administrative
// flow that creates applications lives outside this module; this method
// exists to seed the registry.
func (s *Store) SaveApplication(app *storage.Application) {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := cloneApplication(app)
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	s.applications[clone.ClientID] = clone
}

// GetApplicationByClientID looks up an application by its client identifier.
func (s *Store) GetApplicationByClientID(_ context.Context, clientID string) (*storage.Application, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	app, ok := s.applications[clientID]
	if !ok {
		return nil, storage.ErrApplicationNotFound
	}
	return cloneApplication(app), nil
}

// VerifyClientSecret validates a confidential client's secret in constant
// time. A bcrypt comparison is always performed, against a dummy hash when
// the client is unknown or holds no secret, so the duration does not reveal
// whether the client exists.
func (s *Store) VerifyClientSecret(_ context.Context, clientID, clientSecret string) error {
	s.mu.Lock()
	app, ok := s.applications[clientID]
	var hash string
	if ok {
		hash = app.ClientSecretHash
	}
	s.mu.Unlock()

	compareAgainst := []byte(hash)
	if !ok || hash == "" {
		compareAgainst = dummySecretHash
	}

	cmpErr := bcrypt.CompareHashAndPassword(compareAgainst, []byte(clientSecret))

	if !ok {
		return storage.ErrApplicationNotFound
	}
	if hash == "" || cmpErr != nil {
		return storage.ErrInvalidClientSecret
	}
	return nil
}

// ============================================================
// CodeStore
// ============================================================

// SaveAuthorizationCode stores a newly issued code, rejecting collisions.
func (s *Store) SaveAuthorizationCode(_ context.Context, code *storage.AuthorizationCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.codes[code.Code]; exists {
		return storage.ErrCodeExists
	}
	s.codes[code.Code] = cloneCode(code)
	return nil
}

// ClaimAuthorizationCode atomically checks and marks a code consumed.
// The lookup, the consumed check, and the mark happen under one lock, so two
// concurrent claims of the same code can never both succeed.
func (s *Store) ClaimAuthorizationCode(_ context.Context, code string) (*storage.AuthorizationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.codes[code]
	if !ok {
		return nil, storage.ErrCodeNotFound
	}
	if rec.ConsumedAt != nil {
		return nil, storage.ErrCodeConsumed
	}
	now := time.Now()
	if rec.Expired(now) {
		return nil, storage.ErrCodeExpired
	}

	rec.ConsumedAt = &now
	return cloneCode(rec), nil
}

// GetAuthorizationCode looks up a code record without consuming it.
func (s *Store) GetAuthorizationCode(_ context.Context, code string) (*storage.AuthorizationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.codes[code]
	if !ok {
		return nil, storage.ErrCodeNotFound
	}
	return cloneCode(rec), nil
}

// BindCodeTokenFamily records the token family minted when a code was
// redeemed.
func (s *Store) BindCodeTokenFamily(_ context.Context, code, familyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.codes[code]
	if !ok {
		return storage.ErrCodeNotFound
	}
	rec.TokenFamilyID = familyID
	return nil
}

// DeleteAuthorizationCode removes a code.
func (s *Store) DeleteAuthorizationCode(_ context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.codes, code)
	return nil
}

// ============================================================
// TokenStore
// ============================================================

// IssueTokenPair mints a fresh access+refresh pair in a new family.
func (s *Store) IssueTokenPair(_ context.Context, params storage.IssueTokenPairParams) (*storage.TokenPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mintPairLocked(params.ApplicationID, params.UserID, params.TeamID, params.Scopes,
		uuid.NewString(), params.AccessTTL, params.RefreshTTL), nil
}

// GetRefreshToken looks up a refresh token record by hash.
func (s *Store) GetRefreshToken(_ context.Context, tokenHash string) (*storage.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tok, ok := s.tokens[tokenHash]
	if !ok || tok.Kind != storage.TokenKindRefresh {
		return nil, storage.ErrTokenNotFound
	}
	return cloneToken(tok), nil
}

// RotateRefreshToken atomically supersedes a refresh token with a new pair
// in the same family. The RotatedTo compare-and-swap and the minting of the
// successor happen in one critical section; a concurrent rotation of the
// same token observes ErrTokenRotated.
func (s *Store) RotateRefreshToken(_ context.Context, params storage.RotateRefreshTokenParams) (*storage.TokenPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tok, ok := s.tokens[params.TokenHash]
	if !ok || tok.Kind != storage.TokenKindRefresh {
		return nil, storage.ErrTokenNotFound
	}
	if tok.Revoked {
		return nil, storage.ErrTokenRevoked
	}
	if tok.RotatedTo != "" {
		return nil, storage.ErrTokenRotated
	}
	if tok.Expired(time.Now()) {
		return nil, storage.ErrTokenExpired
	}

	pair := s.mintPairLocked(tok.ApplicationID, tok.UserID, tok.TeamID, params.Scopes,
		tok.FamilyID, params.AccessTTL, params.RefreshTTL)
	tok.RotatedTo = storage.HashToken(pair.RefreshToken)
	return pair, nil
}

// RevokeToken marks a token revoked if it exists, is live, and belongs to
// the given application (when one is specified).
func (s *Store) RevokeToken(_ context.Context, tokenHash, applicationID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tok, ok := s.tokens[tokenHash]
	if !ok || tok.Revoked {
		return false, nil
	}
	if applicationID != "" && tok.ApplicationID != applicationID {
		return false, nil
	}
	s.revokeLocked(tok)
	return true, nil
}

// RevokeFamily revokes every live token in a family.
func (s *Store) RevokeFamily(_ context.Context, familyID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	revoked := 0
	for _, tok := range s.tokens {
		if tok.FamilyID == familyID && !tok.Revoked {
			s.revokeLocked(tok)
			revoked++
		}
	}
	return revoked, nil
}

// RevokeUserApplicationTokens revokes all live tokens a user holds for an
// application.
func (s *Store) RevokeUserApplicationTokens(_ context.Context, userID, applicationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, tok := range s.tokens {
		if tok.UserID == userID && tok.ApplicationID == applicationID && !tok.Revoked {
			s.revokeLocked(tok)
		}
	}
	return nil
}

// GetAccessToken looks up a live access token by hash and stamps LastUsedAt.
// Absent, revoked, and expired tokens are indistinguishable to the caller.
func (s *Store) GetAccessToken(_ context.Context, tokenHash string) (*storage.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tok, ok := s.tokens[tokenHash]
	if !ok || tok.Kind != storage.TokenKindAccess || tok.Revoked || tok.Expired(time.Now()) {
		return nil, storage.ErrTokenNotFound
	}
	now := time.Now()
	tok.LastUsedAt = &now
	return cloneToken(tok), nil
}

// mintPairLocked creates and stores an access+refresh record pair. Must be
// called with the mutex held.
func (s *Store) mintPairLocked(applicationID, userID, teamID string, scopes []string, familyID string, accessTTL, refreshTTL time.Duration) *storage.TokenPair {
	now := time.Now()
	accessToken := storage.NewAccessToken()
	refreshToken := storage.NewRefreshToken()

	s.tokens[storage.HashToken(accessToken)] = &storage.Token{
		TokenHash:     storage.HashToken(accessToken),
		Kind:          storage.TokenKindAccess,
		ApplicationID: applicationID,
		UserID:        userID,
		TeamID:        teamID,
		Scopes:        cloneScopes(scopes),
		IssuedAt:      now,
		ExpiresAt:     now.Add(accessTTL),
		FamilyID:      familyID,
	}
	s.tokens[storage.HashToken(refreshToken)] = &storage.Token{
		TokenHash:     storage.HashToken(refreshToken),
		Kind:          storage.TokenKindRefresh,
		ApplicationID: applicationID,
		UserID:        userID,
		TeamID:        teamID,
		Scopes:        cloneScopes(scopes),
		IssuedAt:      now,
		ExpiresAt:     now.Add(refreshTTL),
		FamilyID:      familyID,
	}

	return &storage.TokenPair{
		AccessToken:      accessToken,
		RefreshToken:     refreshToken,
		ExpiresIn:        int64(accessTTL / time.Second),
		RefreshExpiresIn: int64(refreshTTL / time.Second),
		Scopes:           cloneScopes(scopes),
		FamilyID:         familyID,
	}
}

func (s *Store) revokeLocked(tok *storage.Token) {
	now := time.Now()
	tok.Revoked = true
	tok.RevokedAt = &now
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCleanup:
			return
		}
	}
}

// cleanup drops expired counters, long-expired codes, and tokens whose
// expiry has passed. Revoked tokens are removed only once expired so that
// revocation state survives for their natural lifetime.
func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	removedCodes, removedTokens := 0, 0

	for code, rec := range s.codes {
		if now.Sub(rec.ExpiresAt) > expiredCodeRetention {
			delete(s.codes, code)
			removedCodes++
		}
	}
	for hash, tok := range s.tokens {
		if tok.Expired(now) {
			delete(s.tokens, hash)
			removedTokens++
		}
	}
	for key, win := range s.counters {
		if now.After(win.resetAt) {
			delete(s.counters, key)
		}
	}

	if removedCodes > 0 || removedTokens > 0 {
		s.logger.Debug("Storage cleanup completed",
			"removed_codes", removedCodes,
			"removed_tokens", removedTokens)
	}
}

func cloneApplication(app *storage.Application) *storage.Application {
	clone := *app
	clone.RedirectURIs = append([]string(nil), app.RedirectURIs...)
	clone.Scopes = append([]string(nil), app.Scopes...)
	clone.Screenshots = append([]string(nil), app.Screenshots...)
	return &clone
}

func cloneCode(code *storage.AuthorizationCode) *storage.AuthorizationCode {
	clone := *code
	clone.Scopes = cloneScopes(code.Scopes)
	if code.ConsumedAt != nil {
		t := *code.ConsumedAt
		clone.ConsumedAt = &t
	}
	return &clone
}

func cloneToken(tok *storage.Token) *storage.Token {
	clone := *tok
	clone.Scopes = cloneScopes(tok.Scopes)
	if tok.RevokedAt != nil {
		t := *tok.RevokedAt
		clone.RevokedAt = &t
	}
	if tok.LastUsedAt != nil {
		t := *tok.LastUsedAt
		clone.LastUsedAt = &t
	}
	return &clone
}

func cloneScopes(scopes []string) []string {
	return append([]string(nil), scopes...)
}
