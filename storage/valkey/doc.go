// Package valkey is the Valkey-backed storage for the OAuth server,
// intended for production deployments where state must survive restarts and
// be shared across instances.
//
// # Key layout
//
// All keys carry a configurable prefix (default "avl:oauth:"):
//
//	app:{clientID}                 application registry entry
//	code:{code}                    authorization code, TTL = remaining life
//	token:{hash}                   token record, TTL = remaining life
//	family:{familyID}              set of token hashes in a rotation family
//	userapp:{userID}:{appID}       set of token hashes a user holds per app
//	counter:{key}                  fixed-window rate-limit counter
//
// # Atomicity
//
// The two operations where concurrency is security-relevant run as Lua
// scripts, so they are serialized server-side:
//
//   - claiming an authorization code (single use)
//   - setting rotated_to on a refresh token (rotation CAS)
//
// Everything else is plain reads and KEEPTTL rewrites. Token records keep
// their natural TTL after revocation or rotation; a rotated record must stay
// readable until it expires for reuse detection to work.
package valkey
