package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/averlane/oauth/storage"
)

// ============================================================
// ApplicationStore Implementation
// ============================================================

// SaveApplication stores an application in the registry. The registry is
// populated by administrative tooling; the OAuth flows only read it.
func (s *Store) SaveApplication(ctx context.Context, app *storage.Application) error {
	if app == nil || app.ClientID == "" {
		return fmt.Errorf("invalid application")
	}

	data, err := json.Marshal(toApplicationJSON(app))
	if err != nil {
		return fmt.Errorf("failed to marshal application: %w", err)
	}

	key := s.applicationKey(app.ClientID)
	if err := s.client.Do(ctx, s.client.B().Set().Key(key).Value(string(data)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to save application: %w", err)
	}

	s.logger.Debug("Saved application", "client_id", app.ClientID)
	return nil
}

// GetApplicationByClientID retrieves an application by client identifier.
func (s *Store) GetApplicationByClientID(ctx context.Context, clientID string) (*storage.Application, error) {
	key := s.applicationKey(clientID)

	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrApplicationNotFound
		}
		return nil, fmt.Errorf("failed to get application: %w", err)
	}

	var j applicationJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal application: %w", err)
	}
	return fromApplicationJSON(&j), nil
}

// dummySecretHash is compared when the client is unknown or public, so a
// failed authentication costs one bcrypt comparison regardless of why it
// failed. bcrypt hash of an arbitrary constant.
var dummySecretHash = []byte("$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy")

// VerifyClientSecret checks a client secret against the stored bcrypt hash.
// The comparison always runs; response time does not reveal whether the
// client exists or is confidential.
func (s *Store) VerifyClientSecret(ctx context.Context, clientID, clientSecret string) error {
	app, lookupErr := s.GetApplicationByClientID(ctx, clientID)

	hashToCompare := dummySecretHash
	if lookupErr == nil && app.ClientSecretHash != "" {
		hashToCompare = []byte(app.ClientSecretHash)
	}

	compareErr := bcrypt.CompareHashAndPassword(hashToCompare, []byte(clientSecret))

	switch {
	case lookupErr != nil:
		return lookupErr
	case app.ClientSecretHash == "":
		// Public clients have no secret to verify against.
		return storage.ErrInvalidClientSecret
	case compareErr != nil:
		return storage.ErrInvalidClientSecret
	}
	return nil
}

// ============================================================
// CodeStore Implementation
// ============================================================

// SaveAuthorizationCode stores a newly issued code with its remaining TTL.
// SET NX makes a value collision visible instead of silently overwriting an
// outstanding code.
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if code == nil || code.Code == "" {
		return fmt.Errorf("invalid authorization code")
	}

	data, err := json.Marshal(toAuthorizationCodeJSON(code))
	if err != nil {
		return fmt.Errorf("failed to marshal authorization code: %w", err)
	}

	ttl := calculateTTL(code.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("authorization code already expired")
	}

	key := s.codeKey(code.Code)
	set, err := s.client.Do(ctx,
		s.client.B().Set().Key(key).Value(string(data)).Nx().Ex(ttl).Build(),
	).ToString()
	if err != nil {
		if isNilError(err) {
			// SET NX returns nil when the key already exists.
			return storage.ErrCodeExists
		}
		return fmt.Errorf("failed to save authorization code: %w", err)
	}
	if set != "OK" {
		return storage.ErrCodeExists
	}

	s.logger.Debug("Saved authorization code",
		"code_prefix", safeTruncate(code.Code, credentialLogLength))
	return nil
}

// luaClaimAuthorizationCode atomically checks and consumes an authorization
// code. Only one concurrent claim can succeed; the loser sees CONSUMED.
//
// KEYS[1] = code key
// ARGV[1] = current Unix timestamp in seconds
//
// Returns:
//   - the code JSON on a successful claim
//   - "NOT_FOUND" when the key is absent
//   - "EXPIRED" when past expires_at (the key TTL normally gets there first)
//   - "CONSUMED" when consumed_at is already set
const luaClaimAuthorizationCode = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local code = cjson.decode(data)

if code.consumed_at and code.consumed_at > 0 then
    return 'CONSUMED'
end

local now = tonumber(ARGV[1])
local expiresAt = tonumber(code.expires_at)
if expiresAt and now > expiresAt then
    return 'EXPIRED'
end

code.consumed_at = now
redis.call('SET', KEYS[1], cjson.encode(code), 'KEEPTTL')

return cjson.encode(code)
`

// ClaimAuthorizationCode atomically consumes a code and returns its record.
func (s *Store) ClaimAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaClaimAuthorizationCode).
			Numkeys(1).
			Key(s.codeKey(code)).
			Arg(fmt.Sprintf("%d", time.Now().Unix())).
			Build(),
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to claim authorization code: %w", err)
	}

	switch result {
	case "NOT_FOUND":
		return nil, storage.ErrCodeNotFound
	case "CONSUMED":
		return nil, storage.ErrCodeConsumed
	case "EXPIRED":
		return nil, storage.ErrCodeExpired
	}

	var j authorizationCodeJSON
	if err := json.Unmarshal([]byte(result), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal claimed code: %w", err)
	}

	s.logger.Debug("Claimed authorization code",
		"code_prefix", safeTruncate(code, credentialLogLength))
	return fromAuthorizationCodeJSON(&j), nil
}

// GetAuthorizationCode looks up a code record without consuming it. The
// record survives its claim with KEEPTTL, so replay lookups within the
// code's natural lifetime find it.
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.codeKey(code)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrCodeNotFound
		}
		return nil, fmt.Errorf("failed to get authorization code: %w", err)
	}

	var j authorizationCodeJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal authorization code: %w", err)
	}
	return fromAuthorizationCodeJSON(&j), nil
}

// BindCodeTokenFamily stamps the minted token family onto a redeemed code.
// Only the exchange winner calls this, so a plain read-modify-write is safe.
func (s *Store) BindCodeTokenFamily(ctx context.Context, code, familyID string) error {
	rec, err := s.GetAuthorizationCode(ctx, code)
	if err != nil {
		return err
	}
	rec.TokenFamilyID = familyID

	data, err := json.Marshal(toAuthorizationCodeJSON(rec))
	if err != nil {
		return fmt.Errorf("failed to marshal authorization code: %w", err)
	}
	if err := s.client.Do(ctx,
		s.client.B().Set().Key(s.codeKey(code)).Value(string(data)).Keepttl().Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to bind token family to code: %w", err)
	}
	return nil
}

// DeleteAuthorizationCode removes a code. Unknown codes are not an error.
func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) error {
	key := s.codeKey(code)
	if err := s.client.Do(ctx, s.client.B().Del().Key(key).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete authorization code: %w", err)
	}
	return nil
}
