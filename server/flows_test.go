package server

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/averlane/oauth/storage"
)

func TestToken_Exchange(t *testing.T) {
	env := newTestEnv(t)
	code := env.authorize(t, testChallengeS256(testCodeVerifier))

	resp, err := env.server.Token(context.Background(), TokenRequest{
		GrantType:    GrantTypeAuthorizationCode,
		ClientID:     confidentialClientID,
		ClientSecret: confidentialSecret,
		Code:         code,
		RedirectURI:  testRedirectURI,
		CodeVerifier: testCodeVerifier,
	})
	require.NoError(t, err)

	require.True(t, strings.HasPrefix(resp.AccessToken, storage.AccessTokenPrefix))
	require.True(t, strings.HasPrefix(resp.RefreshToken, storage.RefreshTokenPrefix))
	require.Equal(t, "bearer", resp.TokenType)
	require.Equal(t, int64(DefaultAccessTokenTTL), resp.ExpiresIn)
	require.Equal(t, "transactions.read invoices.read", resp.Scope)
}

func TestToken_Exchange_ReplayLoses(t *testing.T) {
	env := newTestEnv(t)
	code := env.authorize(t, "")

	req := TokenRequest{
		GrantType:    GrantTypeAuthorizationCode,
		ClientID:     confidentialClientID,
		ClientSecret: confidentialSecret,
		Code:         code,
		RedirectURI:  testRedirectURI,
	}

	_, err := env.server.Token(context.Background(), req)
	require.NoError(t, err)

	_, err = env.server.Token(context.Background(), req)
	requireOAuthError(t, err, ErrorCodeInvalidGrant)
}

func TestToken_Exchange_ReplayRevokesIssuedTokens(t *testing.T) {
	env := newTestEnv(t)
	code := env.authorize(t, "")

	req := TokenRequest{
		GrantType:    GrantTypeAuthorizationCode,
		ClientID:     confidentialClientID,
		ClientSecret: confidentialSecret,
		Code:         code,
		RedirectURI:  testRedirectURI,
	}

	first, err := env.server.Token(context.Background(), req)
	require.NoError(t, err)

	// Before the replay the issued tokens work.
	_, err = env.server.ValidateAccessToken(context.Background(), first.AccessToken)
	require.NoError(t, err)

	// A second presentation of the code means it leaked; everything minted
	// from the first presentation gets revoked along with it.
	_, err = env.server.Token(context.Background(), req)
	requireOAuthError(t, err, ErrorCodeInvalidGrant)

	_, err = env.server.ValidateAccessToken(context.Background(), first.AccessToken)
	require.Error(t, err)

	_, err = env.server.Token(context.Background(), TokenRequest{
		GrantType:    GrantTypeRefreshToken,
		ClientID:     confidentialClientID,
		ClientSecret: confidentialSecret,
		RefreshToken: first.RefreshToken,
	})
	requireOAuthError(t, err, ErrorCodeInvalidGrant)
}

func TestToken_Exchange_ConcurrentSingleWinner(t *testing.T) {
	env := newTestEnv(t)
	code := env.authorize(t, "")

	req := TokenRequest{
		GrantType:    GrantTypeAuthorizationCode,
		ClientID:     confidentialClientID,
		ClientSecret: confidentialSecret,
		Code:         code,
		RedirectURI:  testRedirectURI,
	}

	const attempts = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := env.server.Token(context.Background(), req); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, winners)
}

func TestToken_Exchange_Failures(t *testing.T) {
	env := newTestEnv(t)

	challenge := testChallengeS256(testCodeVerifier)

	tests := []struct {
		name      string
		challenge string
		mutate    func(*TokenRequest)
		wantCode  string
	}{
		{
			name:     "missing code",
			mutate:   func(r *TokenRequest) { r.Code = "" },
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name:     "missing redirect_uri",
			mutate:   func(r *TokenRequest) { r.RedirectURI = "" },
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name:     "unknown code",
			mutate:   func(r *TokenRequest) { r.Code = "avl_authorization_code_bogus" },
			wantCode: ErrorCodeInvalidGrant,
		},
		{
			name:     "wrong client secret",
			mutate:   func(r *TokenRequest) { r.ClientSecret = "avl_secret_wrong" },
			wantCode: ErrorCodeInvalidClient,
		},
		{
			name:     "missing client secret",
			mutate:   func(r *TokenRequest) { r.ClientSecret = "" },
			wantCode: ErrorCodeInvalidClient,
		},
		{
			name: "redirect mismatch at exchange",
			mutate: func(r *TokenRequest) {
				// Registered, but not the one bound to the code.
				r.RedirectURI = "https://consumer.example.com/alt"
			},
			wantCode: ErrorCodeInvalidGrant,
		},
		{
			name:      "wrong verifier",
			challenge: challenge,
			mutate: func(r *TokenRequest) {
				r.CodeVerifier = "wrong-verifier-wrong-verifier-wrong-verifier-wrong"
			},
			wantCode: ErrorCodeInvalidGrant,
		},
		{
			name:      "missing verifier when challenge bound",
			challenge: challenge,
			mutate:    func(r *TokenRequest) { r.CodeVerifier = "" },
			wantCode:  ErrorCodeInvalidRequest,
		},
		{
			name:      "verifier too short",
			challenge: challenge,
			mutate:    func(r *TokenRequest) { r.CodeVerifier = "tooshort" },
			wantCode:  ErrorCodeInvalidRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code := env.authorize(t, tt.challenge)
			req := TokenRequest{
				GrantType:    GrantTypeAuthorizationCode,
				ClientID:     confidentialClientID,
				ClientSecret: confidentialSecret,
				Code:         code,
				RedirectURI:  testRedirectURI,
				CodeVerifier: testCodeVerifier,
			}
			if tt.challenge == "" {
				req.CodeVerifier = ""
			}
			tt.mutate(&req)

			_, err := env.server.Token(context.Background(), req)
			requireOAuthError(t, err, tt.wantCode)
		})
	}
}

func TestToken_Exchange_CodeBoundToClient(t *testing.T) {
	env := newTestEnv(t)

	// Code issued to the confidential client, redeemed by the public one.
	code := env.authorize(t, "")
	_, err := env.server.Token(context.Background(), TokenRequest{
		GrantType:   GrantTypeAuthorizationCode,
		ClientID:    publicClientID,
		Code:        code,
		RedirectURI: testRedirectURI,
	})
	requireOAuthError(t, err, ErrorCodeInvalidGrant)
}

func TestToken_UnsupportedGrantType(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.server.Token(context.Background(), TokenRequest{
		GrantType:    "client_credentials",
		ClientID:     confidentialClientID,
		ClientSecret: confidentialSecret,
	})
	requireOAuthError(t, err, ErrorCodeUnsupportedGrantType)

	_, err = env.server.Token(context.Background(), TokenRequest{
		ClientID:     confidentialClientID,
		ClientSecret: confidentialSecret,
	})
	requireOAuthError(t, err, ErrorCodeInvalidRequest)
}

func TestToken_PublicClientMustNotSendSecret(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.server.Token(context.Background(), TokenRequest{
		GrantType:    GrantTypeAuthorizationCode,
		ClientID:     publicClientID,
		ClientSecret: "avl_secret_anything",
		Code:         "avl_authorization_code_whatever",
		RedirectURI:  testRedirectURI,
	})
	// Malformed request, not failed authentication: there is no secret a
	// public client could get wrong.
	requireOAuthError(t, err, ErrorCodeInvalidRequest)
}

func exchange(t *testing.T, env *testEnv) *TokenResponse {
	t.Helper()
	code := env.authorize(t, "")
	resp, err := env.server.Token(context.Background(), TokenRequest{
		GrantType:    GrantTypeAuthorizationCode,
		ClientID:     confidentialClientID,
		ClientSecret: confidentialSecret,
		Code:         code,
		RedirectURI:  testRedirectURI,
	})
	require.NoError(t, err)
	return resp
}

func TestToken_Refresh(t *testing.T) {
	env := newTestEnv(t)
	first := exchange(t, env)

	second, err := env.server.Token(context.Background(), TokenRequest{
		GrantType:    GrantTypeRefreshToken,
		ClientID:     confidentialClientID,
		ClientSecret: confidentialSecret,
		RefreshToken: first.RefreshToken,
	})
	require.NoError(t, err)

	require.NotEqual(t, first.RefreshToken, second.RefreshToken)
	require.NotEqual(t, first.AccessToken, second.AccessToken)
	require.Equal(t, first.Scope, second.Scope)

	// The successor works, and stays in the same family.
	oldTok, err := env.store.GetRefreshToken(context.Background(), storage.HashToken(first.RefreshToken))
	require.NoError(t, err)
	newTok, err := env.store.GetRefreshToken(context.Background(), storage.HashToken(second.RefreshToken))
	require.NoError(t, err)
	require.Equal(t, oldTok.FamilyID, newTok.FamilyID)
	require.Equal(t, newTok.TokenHash, oldTok.RotatedTo)
}

func TestToken_Refresh_ScopeNarrowing(t *testing.T) {
	env := newTestEnv(t)
	first := exchange(t, env)

	narrowed, err := env.server.Token(context.Background(), TokenRequest{
		GrantType:    GrantTypeRefreshToken,
		ClientID:     confidentialClientID,
		ClientSecret: confidentialSecret,
		RefreshToken: first.RefreshToken,
		Scope:        "transactions.read",
	})
	require.NoError(t, err)
	require.Equal(t, "transactions.read", narrowed.Scope)

	// Narrowing sticks: the new refresh token cannot widen back, even to a
	// scope present in the original grant.
	_, err = env.server.Token(context.Background(), TokenRequest{
		GrantType:    GrantTypeRefreshToken,
		ClientID:     confidentialClientID,
		ClientSecret: confidentialSecret,
		RefreshToken: narrowed.RefreshToken,
		Scope:        "transactions.read invoices.read",
	})
	requireOAuthError(t, err, ErrorCodeInvalidScope)
}

func TestToken_Refresh_ScopeEscalation(t *testing.T) {
	env := newTestEnv(t)
	first := exchange(t, env)

	_, err := env.server.Token(context.Background(), TokenRequest{
		GrantType:    GrantTypeRefreshToken,
		ClientID:     confidentialClientID,
		ClientSecret: confidentialSecret,
		RefreshToken: first.RefreshToken,
		Scope:        "transactions.read customers.read",
	})
	requireOAuthError(t, err, ErrorCodeInvalidScope)
}

func TestToken_Refresh_ReuseRevokesFamily(t *testing.T) {
	env := newTestEnv(t)
	first := exchange(t, env)

	refresh := func(token string) (*TokenResponse, error) {
		return env.server.Token(context.Background(), TokenRequest{
			GrantType:    GrantTypeRefreshToken,
			ClientID:     confidentialClientID,
			ClientSecret: confidentialSecret,
			RefreshToken: token,
		})
	}

	second, err := refresh(first.RefreshToken)
	require.NoError(t, err)

	// The old refresh token comes back: theft signal.
	_, err = refresh(first.RefreshToken)
	requireOAuthError(t, err, ErrorCodeInvalidGrant)

	// The entire family is dead, including the freshly rotated tokens.
	_, err = refresh(second.RefreshToken)
	requireOAuthError(t, err, ErrorCodeInvalidGrant)
	_, err = env.server.ValidateAccessToken(context.Background(), second.AccessToken)
	require.Error(t, err)
	_, err = env.server.ValidateAccessToken(context.Background(), first.AccessToken)
	require.Error(t, err)
}

func TestToken_Refresh_ConcurrentSingleWinner(t *testing.T) {
	env := newTestEnv(t)
	first := exchange(t, env)

	const attempts = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.server.Token(context.Background(), TokenRequest{
				GrantType:    GrantTypeRefreshToken,
				ClientID:     confidentialClientID,
				ClientSecret: confidentialSecret,
				RefreshToken: first.RefreshToken,
			})
			if err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// Exactly one rotation wins the compare-and-swap; every other caller
	// trips reuse detection.
	require.Equal(t, 1, winners)
}

func TestToken_Refresh_Failures(t *testing.T) {
	env := newTestEnv(t)
	first := exchange(t, env)

	tests := []struct {
		name     string
		req      TokenRequest
		wantCode string
	}{
		{
			name: "missing refresh_token",
			req: TokenRequest{
				GrantType:    GrantTypeRefreshToken,
				ClientID:     confidentialClientID,
				ClientSecret: confidentialSecret,
			},
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name: "unknown refresh token",
			req: TokenRequest{
				GrantType:    GrantTypeRefreshToken,
				ClientID:     confidentialClientID,
				ClientSecret: confidentialSecret,
				RefreshToken: storage.NewRefreshToken(),
			},
			wantCode: ErrorCodeInvalidGrant,
		},
		{
			name: "access token presented as refresh token",
			req: TokenRequest{
				GrantType:    GrantTypeRefreshToken,
				ClientID:     confidentialClientID,
				ClientSecret: confidentialSecret,
				RefreshToken: first.AccessToken,
			},
			wantCode: ErrorCodeInvalidGrant,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.server.Token(context.Background(), tt.req)
			requireOAuthError(t, err, tt.wantCode)
		})
	}
}

func TestToken_Refresh_WrongClient(t *testing.T) {
	env := newTestEnv(t)
	first := exchange(t, env)

	_, err := env.server.Token(context.Background(), TokenRequest{
		GrantType:    GrantTypeRefreshToken,
		ClientID:     publicClientID,
		RefreshToken: first.RefreshToken,
	})
	requireOAuthError(t, err, ErrorCodeInvalidGrant)

	// Presenting it through the wrong client must not burn the token.
	_, err = env.server.Token(context.Background(), TokenRequest{
		GrantType:    GrantTypeRefreshToken,
		ClientID:     confidentialClientID,
		ClientSecret: confidentialSecret,
		RefreshToken: first.RefreshToken,
	})
	require.NoError(t, err)
}

func TestRevoke(t *testing.T) {
	env := newTestEnv(t)
	first := exchange(t, env)

	revoke := func(token string) error {
		return env.server.Revoke(context.Background(), RevokeRequest{
			Token:        token,
			ClientID:     confidentialClientID,
			ClientSecret: confidentialSecret,
		})
	}

	// Revoking an access token kills it without touching the refresh token.
	require.NoError(t, revoke(first.AccessToken))
	_, err := env.server.ValidateAccessToken(context.Background(), first.AccessToken)
	require.Error(t, err)

	_, err = env.server.Token(context.Background(), TokenRequest{
		GrantType:    GrantTypeRefreshToken,
		ClientID:     confidentialClientID,
		ClientSecret: confidentialSecret,
		RefreshToken: first.RefreshToken,
	})
	require.NoError(t, err)
}

func TestRevoke_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	first := exchange(t, env)

	req := RevokeRequest{
		Token:        first.AccessToken,
		ClientID:     confidentialClientID,
		ClientSecret: confidentialSecret,
	}
	require.NoError(t, env.server.Revoke(context.Background(), req))
	require.NoError(t, env.server.Revoke(context.Background(), req))

	// Unknown tokens revoke "successfully" too.
	req.Token = "no-such-token"
	require.NoError(t, env.server.Revoke(context.Background(), req))
}

func TestRevoke_RequiresClientAuth(t *testing.T) {
	env := newTestEnv(t)
	first := exchange(t, env)

	err := env.server.Revoke(context.Background(), RevokeRequest{
		Token:        first.AccessToken,
		ClientID:     confidentialClientID,
		ClientSecret: "avl_secret_wrong",
	})
	requireOAuthError(t, err, ErrorCodeInvalidClient)

	err = env.server.Revoke(context.Background(), RevokeRequest{
		ClientID:     confidentialClientID,
		ClientSecret: confidentialSecret,
	})
	requireOAuthError(t, err, ErrorCodeInvalidRequest)
}

func TestRevoke_OtherClientsToken(t *testing.T) {
	env := newTestEnv(t)
	first := exchange(t, env)

	// The public client revoking the confidential client's token: the call
	// reports success per RFC 7009, but the token stays live.
	err := env.server.Revoke(context.Background(), RevokeRequest{
		Token:    first.AccessToken,
		ClientID: publicClientID,
	})
	require.NoError(t, err)

	_, err = env.server.ValidateAccessToken(context.Background(), first.AccessToken)
	require.NoError(t, err)
}

func TestToken_Refresh_RevokedToken(t *testing.T) {
	env := newTestEnv(t)
	first := exchange(t, env)

	require.NoError(t, env.server.Revoke(context.Background(), RevokeRequest{
		Token:        first.RefreshToken,
		ClientID:     confidentialClientID,
		ClientSecret: confidentialSecret,
	}))

	_, err := env.server.Token(context.Background(), TokenRequest{
		GrantType:    GrantTypeRefreshToken,
		ClientID:     confidentialClientID,
		ClientSecret: confidentialSecret,
		RefreshToken: first.RefreshToken,
	})
	requireOAuthError(t, err, ErrorCodeInvalidGrant)
}
