package oauth

import (
	"errors"

	"github.com/averlane/oauth/server"
)

// Error is the protocol error type returned by the flows. Re-exported so
// embedding applications can classify failures without importing the server
// package.
type Error = server.Error

// AsError extracts a protocol error from an error chain.
func AsError(err error) (*Error, bool) {
	var oauthErr *Error
	if errors.As(err, &oauthErr) {
		return oauthErr, true
	}
	return nil, false
}
