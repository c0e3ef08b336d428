package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"

	"github.com/averlane/oauth/internal/util"
	"github.com/averlane/oauth/storage"
)

// PKCE code challenge methods.
const (
	CodeChallengeMethodS256  = "S256"
	CodeChallengeMethodPlain = "plain"
)

// RFC 7636 bounds for code verifiers and challenges.
const (
	minVerifierLength = 43
	maxVerifierLength = 128
)

// State parameter bounds. The state carries the consumer's CSRF binding, so
// a too-short value defeats its purpose and an unbounded one is a vector for
// header-stuffing through the redirect.
const (
	minStateLength = 32
	maxStateLength = 512
)

// validatePKCE verifies a code verifier against the challenge stored with
// the authorization code. The comparison is constant-time; PKCE failures
// must not leak how close a guess came.
func (s *Server) validatePKCE(code *storage.AuthorizationCode, codeVerifier string) error {
	if code.CodeChallenge == "" {
		// Challenge was not bound at authorization time; a verifier sent
		// anyway is ignored per RFC 7636.
		return nil
	}

	if codeVerifier == "" {
		return ErrInvalidRequest("Missing code_verifier")
	}
	if err := validateVerifierFormat(codeVerifier); err != nil {
		return err
	}

	switch code.CodeChallengeMethod {
	case CodeChallengeMethodS256, "":
		sum := sha256.Sum256([]byte(codeVerifier))
		computed := base64.RawURLEncoding.EncodeToString(sum[:])
		if subtle.ConstantTimeCompare([]byte(computed), []byte(code.CodeChallenge)) != 1 {
			return ErrInvalidGrant("Invalid code verifier")
		}
	case CodeChallengeMethodPlain:
		if !s.config.AllowPKCEPlain {
			return ErrInvalidGrant("Invalid code verifier")
		}
		if subtle.ConstantTimeCompare([]byte(codeVerifier), []byte(code.CodeChallenge)) != 1 {
			return ErrInvalidGrant("Invalid code verifier")
		}
	default:
		return ErrInvalidGrant("Invalid code verifier")
	}
	return nil
}

// validateCodeChallenge checks a challenge and method presented at
// authorization time. The method defaults to S256 when a challenge is given
// without one.
func (s *Server) validateCodeChallenge(challenge, method string) (string, error) {
	if challenge == "" {
		if method != "" {
			return "", ErrInvalidRequest("code_challenge_method requires code_challenge")
		}
		return "", nil
	}

	// S256 challenges are the unpadded base64url SHA-256 digest, always 43
	// characters. Plain challenges mirror verifier bounds.
	if len(challenge) < minVerifierLength || len(challenge) > maxVerifierLength {
		return "", ErrInvalidRequest("Invalid code_challenge")
	}
	if !verifierCharsetOK(challenge) {
		return "", ErrInvalidRequest("Invalid code_challenge")
	}

	switch method {
	case "", CodeChallengeMethodS256:
		return CodeChallengeMethodS256, nil
	case CodeChallengeMethodPlain:
		if !s.config.AllowPKCEPlain {
			return "", ErrInvalidRequest("Unsupported code_challenge_method: plain")
		}
		return CodeChallengeMethodPlain, nil
	default:
		return "", ErrInvalidRequest(fmt.Sprintf("Unsupported code_challenge_method: %s", method))
	}
}

func validateVerifierFormat(verifier string) error {
	if len(verifier) < minVerifierLength || len(verifier) > maxVerifierLength {
		return ErrInvalidRequest("Invalid code_verifier format")
	}
	if !verifierCharsetOK(verifier) {
		return ErrInvalidRequest("Invalid code_verifier format")
	}
	return nil
}

// verifierCharsetOK reports whether s uses only the RFC 7636 unreserved
// characters: [A-Za-z0-9-._~].
func verifierCharsetOK(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z':
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '.' || c == '_' || c == '~':
		default:
			return false
		}
	}
	return true
}

// validateRedirectURI checks a redirect URI against the application's
// registered set. Matching is byte-exact: no scheme normalization, no
// trailing-slash tolerance, no prefix matching.
func validateRedirectURI(app *storage.Application, redirectURI string) error {
	if redirectURI == "" {
		return ErrInvalidRequest("Missing redirect_uri")
	}
	for _, registered := range app.RedirectURIs {
		if registered == redirectURI {
			return nil
		}
	}
	return ErrInvalidRequest("Invalid redirect_uri")
}

// validateRequestedScopes parses and deduplicates a requested scope set and
// checks each scope against what the application is allowed to ask for.
func validateRequestedScopes(app *storage.Application, scopes []string) ([]string, error) {
	scopes = util.Dedupe(scopes)
	if len(scopes) == 0 {
		return nil, ErrInvalidScope("Missing scope")
	}
	if offender, ok := util.Subset(scopes, app.Scopes); !ok {
		return nil, ErrInvalidScope(fmt.Sprintf("Scope '%s' is not available for this application", offender))
	}
	return scopes, nil
}

// validateState checks an opaque state value when one is present. State is
// generated by the consumer and echoed back verbatim; only its shape is
// policed here.
func validateState(state string) error {
	if state == "" {
		return nil
	}
	if len(state) < minStateLength || len(state) > maxStateLength {
		return ErrInvalidRequest("Invalid state parameter")
	}
	for i := 0; i < len(state); i++ {
		c := state[i]
		switch {
		case c >= 'A' && c <= 'Z':
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '.' || c == '_':
		default:
			return ErrInvalidRequest("Invalid state parameter")
		}
	}
	return nil
}
