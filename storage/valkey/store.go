package valkey

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/averlane/oauth/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys.
	DefaultKeyPrefix = "avl:oauth:"

	// connectionVerifyTimeout bounds the initial PING.
	connectionVerifyTimeout = 5 * time.Second

	// familyRetention keeps family membership sets around past the last
	// refresh token's expiry so reuse forensics have something to look at.
	familyRetention = 24 * time.Hour

	// credentialLogLength is how many characters of a credential show up in
	// debug logs.
	credentialLogLength = 8
)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g. "localhost:6379".
	Address string

	// Password is the optional password for authentication.
	Password string

	// DB is the optional database number (default 0).
	DB int

	// KeyPrefix is the prefix for all keys (default "avl:oauth:").
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections.
	TLS *tls.Config

	// Logger is the optional structured logger (default slog.Default()).
	Logger *slog.Logger
}

// Store is a Valkey-backed implementation of the storage interfaces. Codes
// and tokens carry native TTLs, so there is no cleanup goroutine; the
// single-use and rotation guarantees are enforced server-side with Lua.
type Store struct {
	client valkeygo.Client
	prefix string
	logger *slog.Logger
}

var (
	_ storage.ApplicationStore = (*Store)(nil)
	_ storage.CodeStore        = (*Store)(nil)
	_ storage.TokenStore       = (*Store)(nil)
	_ storage.Counters         = (*Store)(nil)
)

// New creates a Valkey-backed store and verifies the connection.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client: client,
		prefix: prefix,
		logger: logger,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// ============================================================
// Key Helpers
// ============================================================

// applicationKey returns the key for an application: {prefix}app:{clientID}
func (s *Store) applicationKey(clientID string) string {
	return fmt.Sprintf("%sapp:%s", s.prefix, clientID)
}

// codeKey returns the key for an authorization code: {prefix}code:{code}
func (s *Store) codeKey(code string) string {
	return fmt.Sprintf("%scode:%s", s.prefix, code)
}

// tokenKey returns the key for a token record: {prefix}token:{hash}
func (s *Store) tokenKey(tokenHash string) string {
	return fmt.Sprintf("%stoken:%s", s.prefix, tokenHash)
}

// familyKey returns the set of token hashes in a family: {prefix}family:{id}
func (s *Store) familyKey(familyID string) string {
	return fmt.Sprintf("%sfamily:%s", s.prefix, familyID)
}

// userAppKey returns the set of token hashes a user holds for an
// application: {prefix}userapp:{userID}:{applicationID}
func (s *Store) userAppKey(userID, applicationID string) string {
	return fmt.Sprintf("%suserapp:%s:%s", s.prefix, userID, applicationID)
}

// counterKey returns the key for a rate-limit counter: {prefix}counter:{key}
func (s *Store) counterKey(key string) string {
	return fmt.Sprintf("%scounter:%s", s.prefix, key)
}

// ============================================================
// JSON Serialization
// ============================================================

// applicationJSON is the stored representation of an application.
type applicationJSON struct {
	ID               string   `json:"id"`
	ClientID         string   `json:"client_id"`
	ClientSecretHash string   `json:"client_secret_hash,omitempty"`
	ClientType       string   `json:"client_type"`
	Active           bool     `json:"active"`
	RedirectURIs     []string `json:"redirect_uris"`
	Scopes           []string `json:"scopes"`
	Name             string   `json:"name,omitempty"`
	Description      string   `json:"description,omitempty"`
	Overview         string   `json:"overview,omitempty"`
	DeveloperName    string   `json:"developer_name,omitempty"`
	LogoURL          string   `json:"logo_url,omitempty"`
	Website          string   `json:"website,omitempty"`
	InstallURL       string   `json:"install_url,omitempty"`
	Screenshots      []string `json:"screenshots,omitempty"`
	Status           string   `json:"status,omitempty"`
	CreatedAt        int64    `json:"created_at"`
}

func toApplicationJSON(app *storage.Application) *applicationJSON {
	return &applicationJSON{
		ID:               app.ID,
		ClientID:         app.ClientID,
		ClientSecretHash: app.ClientSecretHash,
		ClientType:       string(app.ClientType),
		Active:           app.Active,
		RedirectURIs:     app.RedirectURIs,
		Scopes:           app.Scopes,
		Name:             app.Name,
		Description:      app.Description,
		Overview:         app.Overview,
		DeveloperName:    app.DeveloperName,
		LogoURL:          app.LogoURL,
		Website:          app.Website,
		InstallURL:       app.InstallURL,
		Screenshots:      app.Screenshots,
		Status:           app.Status,
		CreatedAt:        app.CreatedAt.Unix(),
	}
}

func fromApplicationJSON(j *applicationJSON) *storage.Application {
	if j == nil {
		return nil
	}
	return &storage.Application{
		ID:               j.ID,
		ClientID:         j.ClientID,
		ClientSecretHash: j.ClientSecretHash,
		ClientType:       storage.ClientType(j.ClientType),
		Active:           j.Active,
		RedirectURIs:     j.RedirectURIs,
		Scopes:           j.Scopes,
		Name:             j.Name,
		Description:      j.Description,
		Overview:         j.Overview,
		DeveloperName:    j.DeveloperName,
		LogoURL:          j.LogoURL,
		Website:          j.Website,
		InstallURL:       j.InstallURL,
		Screenshots:      j.Screenshots,
		Status:           j.Status,
		CreatedAt:        time.Unix(j.CreatedAt, 0),
	}
}

// authorizationCodeJSON is the stored representation of a code. Timestamps
// are Unix seconds so the Lua claim script can compare them.
type authorizationCodeJSON struct {
	Code                string   `json:"code"`
	ApplicationID       string   `json:"application_id"`
	UserID              string   `json:"user_id"`
	TeamID              string   `json:"team_id"`
	Scopes              []string `json:"scopes"`
	RedirectURI         string   `json:"redirect_uri"`
	CodeChallenge       string   `json:"code_challenge,omitempty"`
	CodeChallengeMethod string   `json:"code_challenge_method,omitempty"`
	IssuedAt            int64    `json:"issued_at"`
	ExpiresAt           int64    `json:"expires_at"`
	ConsumedAt          int64    `json:"consumed_at,omitempty"`
	TokenFamilyID       string   `json:"token_family_id,omitempty"`
}

func toAuthorizationCodeJSON(code *storage.AuthorizationCode) *authorizationCodeJSON {
	j := &authorizationCodeJSON{
		Code:                code.Code,
		ApplicationID:       code.ApplicationID,
		UserID:              code.UserID,
		TeamID:              code.TeamID,
		Scopes:              code.Scopes,
		RedirectURI:         code.RedirectURI,
		CodeChallenge:       code.CodeChallenge,
		CodeChallengeMethod: code.CodeChallengeMethod,
		IssuedAt:            code.IssuedAt.Unix(),
		ExpiresAt:           code.ExpiresAt.Unix(),
		TokenFamilyID:       code.TokenFamilyID,
	}
	if code.ConsumedAt != nil {
		j.ConsumedAt = code.ConsumedAt.Unix()
	}
	return j
}

func fromAuthorizationCodeJSON(j *authorizationCodeJSON) *storage.AuthorizationCode {
	if j == nil {
		return nil
	}
	code := &storage.AuthorizationCode{
		Code:                j.Code,
		ApplicationID:       j.ApplicationID,
		UserID:              j.UserID,
		TeamID:              j.TeamID,
		Scopes:              j.Scopes,
		RedirectURI:         j.RedirectURI,
		CodeChallenge:       j.CodeChallenge,
		CodeChallengeMethod: j.CodeChallengeMethod,
		IssuedAt:            time.Unix(j.IssuedAt, 0),
		ExpiresAt:           time.Unix(j.ExpiresAt, 0),
		TokenFamilyID:       j.TokenFamilyID,
	}
	if j.ConsumedAt > 0 {
		t := time.Unix(j.ConsumedAt, 0)
		code.ConsumedAt = &t
	}
	return code
}

// tokenJSON is the stored representation of a token record.
type tokenJSON struct {
	TokenHash     string   `json:"token_hash"`
	Kind          string   `json:"kind"`
	ApplicationID string   `json:"application_id"`
	UserID        string   `json:"user_id"`
	TeamID        string   `json:"team_id"`
	Scopes        []string `json:"scopes"`
	IssuedAt      int64    `json:"issued_at"`
	ExpiresAt     int64    `json:"expires_at"`
	Revoked       bool     `json:"revoked,omitempty"`
	RevokedAt     int64    `json:"revoked_at,omitempty"`
	FamilyID      string   `json:"family_id"`
	RotatedTo     string   `json:"rotated_to,omitempty"`
	LastUsedAt    int64    `json:"last_used_at,omitempty"`
}

func toTokenJSON(token *storage.Token) *tokenJSON {
	j := &tokenJSON{
		TokenHash:     token.TokenHash,
		Kind:          string(token.Kind),
		ApplicationID: token.ApplicationID,
		UserID:        token.UserID,
		TeamID:        token.TeamID,
		Scopes:        token.Scopes,
		IssuedAt:      token.IssuedAt.Unix(),
		ExpiresAt:     token.ExpiresAt.Unix(),
		Revoked:       token.Revoked,
		FamilyID:      token.FamilyID,
		RotatedTo:     token.RotatedTo,
	}
	if token.RevokedAt != nil {
		j.RevokedAt = token.RevokedAt.Unix()
	}
	if token.LastUsedAt != nil {
		j.LastUsedAt = token.LastUsedAt.Unix()
	}
	return j
}

func fromTokenJSON(j *tokenJSON) *storage.Token {
	if j == nil {
		return nil
	}
	token := &storage.Token{
		TokenHash:     j.TokenHash,
		Kind:          storage.TokenKind(j.Kind),
		ApplicationID: j.ApplicationID,
		UserID:        j.UserID,
		TeamID:        j.TeamID,
		Scopes:        j.Scopes,
		IssuedAt:      time.Unix(j.IssuedAt, 0),
		ExpiresAt:     time.Unix(j.ExpiresAt, 0),
		Revoked:       j.Revoked,
		FamilyID:      j.FamilyID,
		RotatedTo:     j.RotatedTo,
	}
	if j.RevokedAt > 0 {
		t := time.Unix(j.RevokedAt, 0)
		token.RevokedAt = &t
	}
	if j.LastUsedAt > 0 {
		t := time.Unix(j.LastUsedAt, 0)
		token.LastUsedAt = &t
	}
	return token
}

// ============================================================
// Helpers
// ============================================================

// calculateTTL returns the TTL until expiresAt, or 0 when already past.
func calculateTTL(expiresAt time.Time) time.Duration {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return 0
	}
	return ttl
}

// safeTruncate truncates a credential for logging.
func safeTruncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}
