package server

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"

	"github.com/caarlos0/env/v11"
)

// Default lifetimes and limits. Values mirror what the surrounding product
// ships with: short-lived codes, two-hour access tokens, thirty-day refresh
// tokens, and a 20-requests-per-15-minutes cap on the OAuth surface.
const (
	DefaultAuthorizationCodeTTL = 300       // 5 minutes, seconds
	DefaultAccessTokenTTL       = 7200      // 2 hours, seconds
	DefaultRefreshTokenTTL      = 2592000   // 30 days, seconds
	DefaultRateLimitWindow      = 15 * 60   // seconds
	DefaultRateLimitMax         = 20        // requests per window per IP
	DefaultCodeIssueAttempts    = 3         // retries on code value collision
)

// Config holds the authorization server configuration.
type Config struct {
	// Issuer is the public base URL of this server. Must be HTTPS outside
	// localhost unless AllowInsecureHTTP is set.
	Issuer string `env:"OAUTH_ISSUER"`

	// AuthorizationCodeTTL is the authorization code lifetime in seconds.
	AuthorizationCodeTTL int `env:"OAUTH_CODE_TTL"`

	// AccessTokenTTL is the access token lifetime in seconds.
	AccessTokenTTL int `env:"OAUTH_ACCESS_TOKEN_TTL"`

	// RefreshTokenTTL is the refresh token lifetime in seconds.
	RefreshTokenTTL int `env:"OAUTH_REFRESH_TOKEN_TTL"`

	// RateLimitWindow is the fixed rate-limit window in seconds.
	RateLimitWindow int `env:"OAUTH_RATE_LIMIT_WINDOW"`

	// RateLimitMax is the request cap per client IP per window.
	RateLimitMax int `env:"OAUTH_RATE_LIMIT_MAX"`

	// AllowPKCEPlain permits the deprecated "plain" code challenge method
	// for legacy clients. S256 is otherwise the only accepted method.
	AllowPKCEPlain bool `env:"OAUTH_ALLOW_PKCE_PLAIN"`

	// AllowInsecureHTTP disables HTTPS enforcement on the issuer. Intended
	// for development only.
	AllowInsecureHTTP bool `env:"OAUTH_ALLOW_INSECURE_HTTP"`

	// TrustProxyHeaders enables reading the client IP from X-Forwarded-For
	// and X-Real-IP. Only set this behind a proxy you operate; the headers
	// are spoofable otherwise and the rate limiter is keyed on the result.
	TrustProxyHeaders bool `env:"OAUTH_TRUST_PROXY_HEADERS"`

	// TrustedProxyCount is the number of trusted proxy hops in front of the
	// server, used to pick the client address out of X-Forwarded-For.
	TrustedProxyCount int `env:"OAUTH_TRUSTED_PROXY_COUNT"`
}

// ConfigFromEnv builds a Config from OAUTH_* environment variables.
func ConfigFromEnv() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config from environment: %w", err)
	}
	return cfg, nil
}

// applySecureDefaults fills in zero-valued fields with safe defaults.
func applySecureDefaults(cfg *Config, logger *slog.Logger) *Config {
	out := *cfg

	if out.AuthorizationCodeTTL <= 0 {
		out.AuthorizationCodeTTL = DefaultAuthorizationCodeTTL
	}
	if out.AuthorizationCodeTTL > 600 {
		// Codes are single-use bearer credentials in transit through the
		// browser; RFC 6749 recommends a maximum lifetime of 10 minutes.
		logger.Warn("Authorization code TTL capped at 600 seconds",
			"configured", out.AuthorizationCodeTTL)
		out.AuthorizationCodeTTL = 600
	}
	if out.AccessTokenTTL <= 0 {
		out.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if out.RefreshTokenTTL <= 0 {
		out.RefreshTokenTTL = DefaultRefreshTokenTTL
	}
	if out.RateLimitWindow <= 0 {
		out.RateLimitWindow = DefaultRateLimitWindow
	}
	if out.RateLimitMax <= 0 {
		out.RateLimitMax = DefaultRateLimitMax
	}

	return &out
}

// validateIssuer enforces HTTPS on the issuer URL. HTTP is allowed on
// loopback for development; anywhere else it requires AllowInsecureHTTP,
// since OAuth over plain HTTP exposes every credential on the wire.
func validateIssuer(cfg *Config, logger *slog.Logger) error {
	if cfg.Issuer == "" {
		return nil
	}

	issuerURL, err := url.Parse(cfg.Issuer)
	if err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}

	switch issuerURL.Scheme {
	case "https":
		return nil
	case "http":
		if isLoopbackHostname(issuerURL.Hostname()) {
			return nil
		}
		if !cfg.AllowInsecureHTTP {
			return fmt.Errorf("issuer must use HTTPS outside localhost (got %s); set AllowInsecureHTTP for development", cfg.Issuer)
		}
		logger.Error("Running OAuth server over plain HTTP",
			"issuer", cfg.Issuer,
			"risk", "tokens and credentials exposed to interception")
		return nil
	default:
		return fmt.Errorf("invalid issuer URL scheme: %s", issuerURL.Scheme)
	}
}

func isLoopbackHostname(hostname string) bool {
	if hostname == "localhost" {
		return true
	}
	if len(hostname) > 2 && hostname[0] == '[' && hostname[len(hostname)-1] == ']' {
		hostname = hostname[1 : len(hostname)-1]
	}
	if ip := net.ParseIP(hostname); ip != nil {
		return ip.IsLoopback()
	}
	return false
}
