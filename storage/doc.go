// Package storage defines the persistence interfaces behind the OAuth
// authorization server: the application registry, the authorization code
// store, the token store, and the shared rate-limit counters.
//
// Implementations must uphold the atomicity contracts documented on
// ClaimAuthorizationCode and RotateRefreshToken; the protocol logic in the
// server package is written against these guarantees. See the memory and
// valkey subpackages for implementations.
package storage
