package storage

import (
	"context"
	"errors"
	"time"
)

// ClientType distinguishes confidential clients (hold a secret, authenticate
// with it) from public clients (native/SPA apps that rely on PKCE instead).
type ClientType string

const (
	// ClientTypeConfidential clients authenticate with a client secret.
	ClientTypeConfidential ClientType = "confidential"
	// ClientTypePublic clients must not present a secret and must use PKCE.
	ClientTypePublic ClientType = "public"
)

// TokenKind separates access tokens from refresh tokens. Both share the
// Token shape and the same storage.
type TokenKind string

const (
	TokenKindAccess  TokenKind = "access"
	TokenKindRefresh TokenKind = "refresh"
)

// Application is a registered OAuth client. Applications are created by an
// administrative flow outside this module and are read-only here.
//
// Invariant: a public application has an empty ClientSecretHash; a
// confidential application always has one.
type Application struct {
	ID               string
	ClientID         string
	ClientSecretHash string // bcrypt hash; empty for public clients
	ClientType       ClientType
	Active           bool
	RedirectURIs     []string // exact-match set
	Scopes           []string // grantable scopes

	// Display metadata shown on the consent screen.
	Name          string
	Description   string
	Overview      string
	DeveloperName string
	LogoURL       string
	Website       string
	InstallURL    string
	Screenshots   []string
	Status        string // verification status: draft, pending, approved, rejected

	CreatedAt time.Time
}

// IsPublic reports whether the application is a public client.
func (a *Application) IsPublic() bool {
	return a.ClientType == ClientTypePublic
}

// AuthorizationCode is a single-use credential issued at consent time and
// redeemed exactly once at the token endpoint.
type AuthorizationCode struct {
	Code                string
	ApplicationID       string
	UserID              string
	TeamID              string
	Scopes              []string
	RedirectURI         string
	CodeChallenge       string // empty when PKCE is not in play
	CodeChallengeMethod string // "S256" (or "plain" when explicitly allowed)
	IssuedAt            time.Time
	ExpiresAt           time.Time
	ConsumedAt          *time.Time // nil = still redeemable

	// TokenFamilyID links the code to the token family minted when it was
	// redeemed, set by BindCodeTokenFamily after a successful exchange. A
	// replayed code with a family bound means tokens were already handed
	// out for it; the whole family gets revoked (RFC 6819 §4.4.1.1).
	TokenFamilyID string
}

// Expired reports whether the code is past its expiry at the given instant.
func (c *AuthorizationCode) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// Token is a stored access or refresh token. Raw token values are never
// persisted; TokenHash is the SHA-256 of the value handed to the client.
type Token struct {
	TokenHash     string
	Kind          TokenKind
	ApplicationID string
	UserID        string
	TeamID        string
	Scopes        []string
	IssuedAt      time.Time
	ExpiresAt     time.Time
	Revoked       bool
	RevokedAt     *time.Time

	// FamilyID groups a refresh token with every token it was rotated
	// from or to, including the access tokens minted alongside them.
	// Revoking a family invalidates the whole lineage.
	FamilyID string

	// RotatedTo is the hash of the successor refresh token, set exactly
	// once when this refresh token is exchanged. A non-empty RotatedTo on
	// a presented refresh token is the token-theft signal.
	RotatedTo string

	LastUsedAt *time.Time
}

// Expired reports whether the token is past its expiry at the given instant.
func (t *Token) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// TokenPair is the result of minting or rotating tokens: the raw values to
// hand to the client plus the granted scopes.
type TokenPair struct {
	AccessToken      string // raw value, never stored
	RefreshToken     string // raw value, never stored
	ExpiresIn        int64  // access token lifetime in seconds
	RefreshExpiresIn int64  // refresh token lifetime in seconds
	Scopes           []string
	FamilyID         string
}

// IssueTokenPairParams describes a fresh access+refresh pair minted at
// code-exchange time. A new token family is always created.
type IssueTokenPairParams struct {
	ApplicationID string
	UserID        string
	TeamID        string
	Scopes        []string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
}

// RotateRefreshTokenParams describes a rotation of an existing refresh token
// into a successor pair within the same family. Scopes is the validated
// scope set for the successor (the caller enforces the subset rule).
type RotateRefreshTokenParams struct {
	TokenHash  string // hash of the refresh token being rotated
	Scopes     []string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// ApplicationStore is the read-only registry of OAuth applications.
type ApplicationStore interface {
	// GetApplicationByClientID looks up an application by its public client
	// identifier. Returns ErrApplicationNotFound for unknown clients.
	GetApplicationByClientID(ctx context.Context, clientID string) (*Application, error)

	// VerifyClientSecret checks a confidential client's secret against its
	// stored hash in constant time. It must take the same time for unknown
	// clients as for known ones. Returns ErrInvalidClientSecret on mismatch.
	VerifyClientSecret(ctx context.Context, clientID, clientSecret string) error
}

// CodeStore persists authorization codes.
type CodeStore interface {
	// SaveAuthorizationCode stores a newly issued code. Returns
	// ErrCodeExists if the code value collides with any previously issued
	// code; callers regenerate and retry.
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// ClaimAuthorizationCode atomically checks that the code is unconsumed
	// and marks it consumed, returning the record. Two concurrent claims of
	// the same code must never both succeed: the loser gets ErrCodeConsumed.
	// Returns ErrCodeNotFound for unknown codes and ErrCodeExpired for
	// expired ones; an expired code is never claimable.
	ClaimAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// GetAuthorizationCode looks up a code record without consuming it.
	// Used by the replay path to recover the bound token family. Returns
	// ErrCodeNotFound for unknown codes.
	GetAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// BindCodeTokenFamily records the token family minted when the code was
	// redeemed, so a later replay can revoke everything issued from it.
	// Binding an unknown code returns ErrCodeNotFound.
	BindCodeTokenFamily(ctx context.Context, code, familyID string) error

	// DeleteAuthorizationCode removes a code. Deleting an unknown code is
	// not an error.
	DeleteAuthorizationCode(ctx context.Context, code string) error
}

// TokenStore mints, rotates, and revokes token pairs. It holds only token
// hashes; raw values exist solely in the returned TokenPair.
type TokenStore interface {
	// IssueTokenPair mints a fresh access+refresh pair in a new family.
	IssueTokenPair(ctx context.Context, params IssueTokenPairParams) (*TokenPair, error)

	// GetRefreshToken looks up a refresh token by hash. Returns
	// ErrTokenNotFound when absent. The returned record may be revoked,
	// expired, or rotated; callers classify.
	GetRefreshToken(ctx context.Context, tokenHash string) (*Token, error)

	// RotateRefreshToken atomically marks the old refresh token as rotated
	// and mints its successor pair in the same family. Setting RotatedTo is
	// a compare-and-swap: if the token was already rotated (concurrently or
	// earlier), ErrTokenRotated is returned and nothing is minted — the
	// caller treats that as reuse and revokes the family. Also returns
	// ErrTokenNotFound, ErrTokenRevoked, or ErrTokenExpired as appropriate.
	RotateRefreshToken(ctx context.Context, params RotateRefreshTokenParams) (*TokenPair, error)

	// RevokeToken marks the token with the given hash revoked, optionally
	// scoped to an application. Idempotent: revoking an unknown or
	// already-revoked token reports found=false with no error.
	RevokeToken(ctx context.Context, tokenHash, applicationID string) (found bool, err error)

	// RevokeFamily revokes every token in a family and returns how many
	// records changed state.
	RevokeFamily(ctx context.Context, familyID string) (int, error)

	// RevokeUserApplicationTokens revokes all live tokens a user holds for
	// an application (app uninstall).
	RevokeUserApplicationTokens(ctx context.Context, userID, applicationID string) error

	// GetAccessToken looks up a live access token by hash for resource
	// server authentication. Returns ErrTokenNotFound when absent, revoked,
	// or expired. Implementations stamp LastUsedAt.
	GetAccessToken(ctx context.Context, tokenHash string) (*Token, error)
}

// Counters is a keyed fixed-window counter with expiry, shared across all
// server instances of a deployment. It backs the request rate limiter; a
// process-local implementation under-enforces the limit when horizontally
// scaled, so multi-instance deployments use the valkey implementation.
type Counters interface {
	// Increment adds one to the counter for key, starting a window of the
	// given length on first increment, and returns the updated count.
	Increment(ctx context.Context, key string, window time.Duration) (int64, error)
}

// Sentinel errors returned by stores. Messages are generic on purpose: the
// handler layer decides what a caller may learn.
var (
	ErrApplicationNotFound = errors.New("application not found")
	ErrInvalidClientSecret = errors.New("invalid client secret")

	ErrCodeExists   = errors.New("authorization code already exists")
	ErrCodeNotFound = errors.New("authorization code not found")
	ErrCodeExpired  = errors.New("authorization code expired")
	ErrCodeConsumed = errors.New("authorization code already consumed")

	ErrTokenNotFound = errors.New("token not found")
	ErrTokenExpired  = errors.New("token expired")
	ErrTokenRevoked  = errors.New("token revoked")
	ErrTokenRotated  = errors.New("refresh token already rotated")
)
