package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/averlane/oauth/storage"
)

// ============================================================
// TokenStore Implementation
// ============================================================

// IssueTokenPair mints a fresh access+refresh pair in a new family.
func (s *Store) IssueTokenPair(ctx context.Context, params storage.IssueTokenPairParams) (*storage.TokenPair, error) {
	now := time.Now()
	familyID := uuid.NewString()

	accessRaw := storage.NewAccessToken()
	refreshRaw := storage.NewRefreshToken()

	access := &storage.Token{
		TokenHash:     storage.HashToken(accessRaw),
		Kind:          storage.TokenKindAccess,
		ApplicationID: params.ApplicationID,
		UserID:        params.UserID,
		TeamID:        params.TeamID,
		Scopes:        params.Scopes,
		IssuedAt:      now,
		ExpiresAt:     now.Add(params.AccessTTL),
		FamilyID:      familyID,
	}
	refresh := &storage.Token{
		TokenHash:     storage.HashToken(refreshRaw),
		Kind:          storage.TokenKindRefresh,
		ApplicationID: params.ApplicationID,
		UserID:        params.UserID,
		TeamID:        params.TeamID,
		Scopes:        params.Scopes,
		IssuedAt:      now,
		ExpiresAt:     now.Add(params.RefreshTTL),
		FamilyID:      familyID,
	}

	if err := s.writeTokens(ctx, access, refresh); err != nil {
		return nil, err
	}

	s.logger.Debug("Issued token pair",
		"family_id", familyID,
		"application_id", params.ApplicationID)

	return &storage.TokenPair{
		AccessToken:      accessRaw,
		RefreshToken:     refreshRaw,
		ExpiresIn:        int64(params.AccessTTL.Seconds()),
		RefreshExpiresIn: int64(params.RefreshTTL.Seconds()),
		Scopes:           params.Scopes,
		FamilyID:         familyID,
	}, nil
}

// writeTokens stores token records with their TTLs and indexes them under
// the family and user+application sets.
func (s *Store) writeTokens(ctx context.Context, tokens ...*storage.Token) error {
	for _, token := range tokens {
		data, err := json.Marshal(toTokenJSON(token))
		if err != nil {
			return fmt.Errorf("failed to marshal token: %w", err)
		}

		ttl := calculateTTL(token.ExpiresAt)
		if ttl <= 0 {
			return fmt.Errorf("token already expired")
		}

		key := s.tokenKey(token.TokenHash)
		if err := s.client.Do(ctx,
			s.client.B().Set().Key(key).Value(string(data)).Ex(ttl).Build(),
		).Error(); err != nil {
			return fmt.Errorf("failed to save token: %w", err)
		}

		indexTTL := ttl + familyRetention
		for _, indexKey := range []string{
			s.familyKey(token.FamilyID),
			s.userAppKey(token.UserID, token.ApplicationID),
		} {
			if err := s.client.Do(ctx,
				s.client.B().Sadd().Key(indexKey).Member(token.TokenHash).Build(),
			).Error(); err != nil {
				return fmt.Errorf("failed to index token: %w", err)
			}
			// Extend, never shorten: GT keeps the longest-lived member's TTL.
			if err := s.client.Do(ctx,
				s.client.B().Expire().Key(indexKey).Seconds(int64(indexTTL.Seconds())).Gt().Build(),
			).Error(); err != nil {
				s.logger.Warn("Failed to set TTL on token index",
					"key", indexKey,
					"error", err)
			}
		}
	}
	return nil
}

// GetRefreshToken looks up a refresh token record by hash. The record may be
// revoked, expired, or rotated; classification is the caller's job.
func (s *Store) GetRefreshToken(ctx context.Context, tokenHash string) (*storage.Token, error) {
	token, err := s.getToken(ctx, tokenHash)
	if err != nil {
		return nil, err
	}
	if token.Kind != storage.TokenKindRefresh {
		return nil, storage.ErrTokenNotFound
	}
	return token, nil
}

// luaRotateRefreshToken is the compare-and-swap at the center of refresh
// token rotation. It sets rotated_to exactly once; a concurrent rotation of
// the same token loses with ROTATED, which the caller treats as reuse.
//
// KEYS[1] = refresh token key
// ARGV[1] = current Unix timestamp in seconds
// ARGV[2] = successor refresh token hash
//
// Returns:
//   - the pre-rotation token JSON on success
//   - "NOT_FOUND", "REVOKED", "ROTATED", or "EXPIRED" otherwise
const luaRotateRefreshToken = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local token = cjson.decode(data)

if token.rotated_to and token.rotated_to ~= '' then
    return 'ROTATED'
end

if token.revoked then
    return 'REVOKED'
end

local now = tonumber(ARGV[1])
local expiresAt = tonumber(token.expires_at)
if expiresAt and now > expiresAt then
    return 'EXPIRED'
end

token.rotated_to = ARGV[2]
redis.call('SET', KEYS[1], cjson.encode(token), 'KEEPTTL')

return data
`

// RotateRefreshToken atomically marks the old refresh token rotated and
// mints its successor pair in the same family. Exactly one concurrent caller
// wins the CAS; everyone else gets ErrTokenRotated.
func (s *Store) RotateRefreshToken(ctx context.Context, params storage.RotateRefreshTokenParams) (*storage.TokenPair, error) {
	accessRaw := storage.NewAccessToken()
	refreshRaw := storage.NewRefreshToken()
	newRefreshHash := storage.HashToken(refreshRaw)

	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaRotateRefreshToken).
			Numkeys(1).
			Key(s.tokenKey(params.TokenHash)).
			Arg(fmt.Sprintf("%d", time.Now().Unix())).
			Arg(newRefreshHash).
			Build(),
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to rotate refresh token: %w", err)
	}

	switch result {
	case "NOT_FOUND":
		return nil, storage.ErrTokenNotFound
	case "ROTATED":
		return nil, storage.ErrTokenRotated
	case "REVOKED":
		return nil, storage.ErrTokenRevoked
	case "EXPIRED":
		return nil, storage.ErrTokenExpired
	}

	var j tokenJSON
	if err := json.Unmarshal([]byte(result), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal rotated token: %w", err)
	}
	old := fromTokenJSON(&j)

	now := time.Now()
	access := &storage.Token{
		TokenHash:     storage.HashToken(accessRaw),
		Kind:          storage.TokenKindAccess,
		ApplicationID: old.ApplicationID,
		UserID:        old.UserID,
		TeamID:        old.TeamID,
		Scopes:        params.Scopes,
		IssuedAt:      now,
		ExpiresAt:     now.Add(params.AccessTTL),
		FamilyID:      old.FamilyID,
	}
	refresh := &storage.Token{
		TokenHash:     newRefreshHash,
		Kind:          storage.TokenKindRefresh,
		ApplicationID: old.ApplicationID,
		UserID:        old.UserID,
		TeamID:        old.TeamID,
		Scopes:        params.Scopes,
		IssuedAt:      now,
		ExpiresAt:     now.Add(params.RefreshTTL),
		FamilyID:      old.FamilyID,
	}

	if err := s.writeTokens(ctx, access, refresh); err != nil {
		// The CAS already burned the old token. Leave it burned: failing
		// open would hand out a live predecessor after a partial rotation.
		return nil, err
	}

	s.logger.Debug("Rotated refresh token", "family_id", old.FamilyID)

	return &storage.TokenPair{
		AccessToken:      accessRaw,
		RefreshToken:     refreshRaw,
		ExpiresIn:        int64(params.AccessTTL.Seconds()),
		RefreshExpiresIn: int64(params.RefreshTTL.Seconds()),
		Scopes:           params.Scopes,
		FamilyID:         old.FamilyID,
	}, nil
}

// RevokeToken marks a token revoked, optionally scoped to an application.
// Idempotent: unknown and already-revoked tokens report found=false.
func (s *Store) RevokeToken(ctx context.Context, tokenHash, applicationID string) (bool, error) {
	token, err := s.getToken(ctx, tokenHash)
	if err != nil {
		if err == storage.ErrTokenNotFound {
			return false, nil
		}
		return false, err
	}

	if applicationID != "" && token.ApplicationID != applicationID {
		return false, nil
	}
	if token.Revoked {
		return false, nil
	}

	now := time.Now()
	token.Revoked = true
	token.RevokedAt = &now
	if err := s.updateToken(ctx, token); err != nil {
		return false, err
	}
	return true, nil
}

// RevokeFamily revokes every live token in a family.
func (s *Store) RevokeFamily(ctx context.Context, familyID string) (int, error) {
	if familyID == "" {
		return 0, nil
	}

	hashes, err := s.client.Do(ctx,
		s.client.B().Smembers().Key(s.familyKey(familyID)).Build(),
	).AsStrSlice()
	if err != nil {
		return 0, fmt.Errorf("failed to load token family: %w", err)
	}

	revoked := 0
	now := time.Now()
	for _, hash := range hashes {
		token, err := s.getToken(ctx, hash)
		if err != nil {
			if err == storage.ErrTokenNotFound {
				continue // expired out from under the index
			}
			return revoked, err
		}
		if token.Revoked {
			continue
		}
		token.Revoked = true
		token.RevokedAt = &now
		if err := s.updateToken(ctx, token); err != nil {
			return revoked, err
		}
		revoked++
	}

	if revoked > 0 {
		s.logger.Info("Revoked token family",
			"family_id", familyID,
			"tokens_revoked", revoked)
	}
	return revoked, nil
}

// RevokeUserApplicationTokens revokes all live tokens a user holds for an
// application.
func (s *Store) RevokeUserApplicationTokens(ctx context.Context, userID, applicationID string) error {
	hashes, err := s.client.Do(ctx,
		s.client.B().Smembers().Key(s.userAppKey(userID, applicationID)).Build(),
	).AsStrSlice()
	if err != nil {
		return fmt.Errorf("failed to load user application tokens: %w", err)
	}

	now := time.Now()
	for _, hash := range hashes {
		token, err := s.getToken(ctx, hash)
		if err != nil {
			if err == storage.ErrTokenNotFound {
				continue
			}
			return err
		}
		if token.Revoked {
			continue
		}
		token.Revoked = true
		token.RevokedAt = &now
		if err := s.updateToken(ctx, token); err != nil {
			return err
		}
	}
	return nil
}

// GetAccessToken looks up a live access token by hash and stamps its last
// use.
func (s *Store) GetAccessToken(ctx context.Context, tokenHash string) (*storage.Token, error) {
	token, err := s.getToken(ctx, tokenHash)
	if err != nil {
		return nil, err
	}
	if token.Kind != storage.TokenKindAccess || token.Revoked || token.Expired(time.Now()) {
		return nil, storage.ErrTokenNotFound
	}

	now := time.Now()
	token.LastUsedAt = &now
	if err := s.updateToken(ctx, token); err != nil {
		// The stamp is advisory; authentication already succeeded.
		s.logger.Warn("Failed to stamp access token last use", "error", err)
	}
	return token, nil
}

// getToken fetches and decodes a token record.
func (s *Store) getToken(ctx context.Context, tokenHash string) (*storage.Token, error) {
	data, err := s.client.Do(ctx,
		s.client.B().Get().Key(s.tokenKey(tokenHash)).Build(),
	).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to get token: %w", err)
	}

	var j tokenJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token: %w", err)
	}
	return fromTokenJSON(&j), nil
}

// updateToken rewrites a token record preserving its TTL.
func (s *Store) updateToken(ctx context.Context, token *storage.Token) error {
	data, err := json.Marshal(toTokenJSON(token))
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}
	if err := s.client.Do(ctx,
		s.client.B().Set().Key(s.tokenKey(token.TokenHash)).Value(string(data)).Keepttl().Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to update token: %w", err)
	}
	return nil
}
