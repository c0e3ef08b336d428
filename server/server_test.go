package server

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"log/slog"
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/averlane/oauth/notify"
	"github.com/averlane/oauth/storage"
	"github.com/averlane/oauth/storage/memory"
)

const (
	testSessionToken = "session-token-ok"
	testUserID       = "user-1"
	testUserEmail    = "user@example.com"
	testTeamID       = "team-1"
	testTeamName     = "Acme Inc"

	confidentialClientID = "avl_client_confidential"
	confidentialSecret   = "avl_secret_confidential"
	publicClientID       = "avl_client_public"

	testRedirectURI = "https://consumer.example.com/callback"

	// 43 characters from the RFC 7636 unreserved set.
	testCodeVerifier = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
)

func testChallengeS256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

type fakeSessions struct {
	sessions map[string]*Session
}

func (f *fakeSessions) VerifySession(_ context.Context, token string) (*Session, error) {
	if s, ok := f.sessions[token]; ok {
		return s, nil
	}
	return nil, ErrInvalidSession
}

type fakeMemberships struct {
	// userID -> teamID -> team
	teams map[string]map[string]*Team
}

func (f *fakeMemberships) Membership(_ context.Context, userID, teamID string) (*Team, error) {
	if team, ok := f.teams[userID][teamID]; ok {
		return team, nil
	}
	return nil, ErrNotAMember
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.AppInstalled
}

func (n *recordingNotifier) AppInstalled(_ context.Context, event notify.AppInstalled) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

func (n *recordingNotifier) sent() []notify.AppInstalled {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.AppInstalled(nil), n.events...)
}

type testEnv struct {
	server   *Server
	store    *memory.Store
	notifier *recordingNotifier
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store := memory.New()
	t.Cleanup(store.Stop)

	secretHash, err := storage.HashClientSecret(confidentialSecret)
	require.NoError(t, err)

	store.SaveApplication(&storage.Application{
		ID:               "app-confidential",
		ClientID:         confidentialClientID,
		ClientSecretHash: secretHash,
		ClientType:       storage.ClientTypeConfidential,
		Active:           true,
		RedirectURIs:     []string{testRedirectURI, "https://consumer.example.com/alt"},
		Scopes:           []string{"transactions.read", "invoices.read", "customers.read"},
		Name:             "Ledger Sync",
		DeveloperName:    "Consumer Co",
	})
	store.SaveApplication(&storage.Application{
		ID:           "app-public",
		ClientID:     publicClientID,
		ClientType:   storage.ClientTypePublic,
		Active:       true,
		RedirectURIs: []string{testRedirectURI},
		Scopes:       []string{"transactions.read"},
		Name:         "Mobile App",
	})
	store.SaveApplication(&storage.Application{
		ID:           "app-inactive",
		ClientID:     "avl_client_inactive",
		ClientType:   storage.ClientTypePublic,
		Active:       false,
		RedirectURIs: []string{testRedirectURI},
		Scopes:       []string{"transactions.read"},
	})

	sessions := &fakeSessions{sessions: map[string]*Session{
		testSessionToken: {UserID: testUserID, Email: testUserEmail, FullName: "Test User"},
	}}
	memberships := &fakeMemberships{teams: map[string]map[string]*Team{
		testUserID: {testTeamID: {ID: testTeamID, Name: testTeamName}},
	}}

	srv, err := New(store, store, store, sessions, memberships, &Config{}, slog.Default())
	require.NoError(t, err)

	notifier := &recordingNotifier{}
	srv.SetNotifier(notifier)

	return &testEnv{server: srv, store: store, notifier: notifier}
}

// authorize walks the consent flow for the confidential client and returns
// the issued authorization code.
func (e *testEnv) authorize(t *testing.T, challenge string) string {
	t.Helper()

	params := DecisionParams{
		SessionToken: testSessionToken,
		ClientID:     confidentialClientID,
		Decision:     DecisionAllow,
		Scopes:       []string{"transactions.read", "invoices.read"},
		RedirectURI:  testRedirectURI,
		TeamID:       testTeamID,
	}
	if challenge != "" {
		params.CodeChallenge = challenge
		params.CodeChallengeMethod = CodeChallengeMethodS256
	}

	redirectURL, err := e.server.DecideAuthorization(context.Background(), params)
	require.NoError(t, err)

	parsed, err := url.Parse(redirectURL)
	require.NoError(t, err)
	code := parsed.Query().Get("code")
	require.NotEmpty(t, code)
	return code
}

func TestNew_RequiredDependencies(t *testing.T) {
	store := memory.New()
	defer store.Stop()

	sessions := &fakeSessions{}
	memberships := &fakeMemberships{}

	_, err := New(nil, store, store, sessions, memberships, nil, nil)
	require.Error(t, err)

	_, err = New(store, nil, store, sessions, memberships, nil, nil)
	require.Error(t, err)

	_, err = New(store, store, store, nil, memberships, nil, nil)
	require.Error(t, err)

	srv, err := New(store, store, store, sessions, memberships, nil, nil)
	require.NoError(t, err)
	require.NotNil(t, srv)
}

func TestNew_IssuerEnforcement(t *testing.T) {
	store := memory.New()
	defer store.Stop()

	sessions := &fakeSessions{}
	memberships := &fakeMemberships{}

	tests := []struct {
		name    string
		cfg     *Config
		wantErr bool
	}{
		{"https issuer", &Config{Issuer: "https://api.averlane.com"}, false},
		{"http localhost", &Config{Issuer: "http://localhost:8080"}, false},
		{"http loopback", &Config{Issuer: "http://127.0.0.1:8080"}, false},
		{"http public host", &Config{Issuer: "http://api.averlane.com"}, true},
		{"http public host allowed", &Config{Issuer: "http://api.averlane.com", AllowInsecureHTTP: true}, false},
		{"bad scheme", &Config{Issuer: "ftp://api.averlane.com"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(store, store, store, sessions, memberships, tt.cfg, slog.Default())
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestConfig_SecureDefaults(t *testing.T) {
	env := newTestEnv(t)
	cfg := env.server.Config()

	require.Equal(t, DefaultAuthorizationCodeTTL, cfg.AuthorizationCodeTTL)
	require.Equal(t, DefaultAccessTokenTTL, cfg.AccessTokenTTL)
	require.Equal(t, DefaultRefreshTokenTTL, cfg.RefreshTokenTTL)
	require.Equal(t, DefaultRateLimitWindow, cfg.RateLimitWindow)
	require.Equal(t, DefaultRateLimitMax, cfg.RateLimitMax)
}

func TestConfig_CodeTTLCap(t *testing.T) {
	cfg := applySecureDefaults(&Config{AuthorizationCodeTTL: 3600}, slog.Default())
	require.Equal(t, 600, cfg.AuthorizationCodeTTL)
}

func TestValidateAccessToken(t *testing.T) {
	env := newTestEnv(t)
	code := env.authorize(t, "")

	resp, err := env.server.Token(context.Background(), TokenRequest{
		GrantType:    GrantTypeAuthorizationCode,
		ClientID:     confidentialClientID,
		ClientSecret: confidentialSecret,
		Code:         code,
		RedirectURI:  testRedirectURI,
	})
	require.NoError(t, err)

	token, err := env.server.ValidateAccessToken(context.Background(), resp.AccessToken)
	require.NoError(t, err)
	require.Equal(t, testUserID, token.UserID)
	require.Equal(t, testTeamID, token.TeamID)
	require.NotNil(t, token.LastUsedAt)

	// Garbage and wrong-prefix values are rejected up front.
	_, err = env.server.ValidateAccessToken(context.Background(), "not-a-token")
	require.Error(t, err)
	_, err = env.server.ValidateAccessToken(context.Background(), storage.NewAccessToken())
	require.Error(t, err)
}

func TestDisconnectApplication(t *testing.T) {
	env := newTestEnv(t)
	code := env.authorize(t, "")

	resp, err := env.server.Token(context.Background(), TokenRequest{
		GrantType:    GrantTypeAuthorizationCode,
		ClientID:     confidentialClientID,
		ClientSecret: confidentialSecret,
		Code:         code,
		RedirectURI:  testRedirectURI,
	})
	require.NoError(t, err)

	require.NoError(t, env.server.DisconnectApplication(context.Background(), testUserID, confidentialClientID))

	_, err = env.server.ValidateAccessToken(context.Background(), resp.AccessToken)
	require.Error(t, err)

	_, err = env.server.Token(context.Background(), TokenRequest{
		GrantType:    GrantTypeRefreshToken,
		ClientID:     confidentialClientID,
		ClientSecret: confidentialSecret,
		RefreshToken: resp.RefreshToken,
	})
	requireOAuthError(t, err, ErrorCodeInvalidGrant)
}

// requireOAuthError asserts err is a protocol error with the given code.
func requireOAuthError(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	var oauthErr *Error
	require.ErrorAs(t, err, &oauthErr)
	require.Equal(t, code, oauthErr.Code)
}
