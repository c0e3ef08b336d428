// Package oauth is an OAuth 2.0 authorization server for connecting
// third-party applications to teams: authorization-code grant with PKCE,
// refresh token rotation with family revocation on reuse, and RFC 7009
// token revocation.
//
// The package layering:
//
//   - oauth (this package): the HTTP handler for the /oauth/* endpoints
//   - server: transport-free flow logic and validation
//   - storage: store interfaces, with memory and valkey implementations
//   - security: rate limiting, audit logging, client IP, headers
//   - instrumentation: OpenTelemetry metrics and tracing
//   - notify: best-effort product notifications
//
// A minimal setup wires a store, a session verifier, and a membership
// checker into server.New, wraps it in NewHandler, and registers the routes
// on an http.ServeMux.
package oauth
