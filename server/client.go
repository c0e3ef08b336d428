package server

import (
	"context"
	"errors"

	"github.com/averlane/oauth/storage"
)

// authenticateClient resolves and authenticates the client presented at the
// token or revocation endpoint.
//
// Confidential clients must present their secret; public clients must not
// (they prove possession through PKCE instead). Unknown clients still pay
// for a hash comparison so the response time does not reveal whether a
// client_id exists.
func (s *Server) authenticateClient(ctx context.Context, clientID, clientSecret string) (*storage.Application, error) {
	if clientID == "" {
		return nil, ErrInvalidRequest("Missing client_id")
	}

	app, err := s.applications.GetApplicationByClientID(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrApplicationNotFound) {
			_ = s.applications.VerifyClientSecret(ctx, clientID, clientSecret)
			return nil, ErrInvalidClient("Invalid client credentials")
		}
		s.logger.Error("Application lookup failed", "error", err)
		return nil, ErrServerError("Internal server error")
	}

	if !app.Active {
		return nil, ErrInvalidClient("Invalid client credentials")
	}

	if app.IsPublic() {
		if clientSecret != "" {
			// A malformed request, not a failed authentication: public
			// clients have no secret that could be wrong.
			return nil, ErrInvalidRequest("Public clients must not send a client secret")
		}
		return app, nil
	}

	if clientSecret == "" {
		return nil, ErrInvalidClient("Missing client_secret")
	}
	if err := s.applications.VerifyClientSecret(ctx, clientID, clientSecret); err != nil {
		if errors.Is(err, storage.ErrInvalidClientSecret) || errors.Is(err, storage.ErrApplicationNotFound) {
			return nil, ErrInvalidClient("Invalid client credentials")
		}
		s.logger.Error("Client secret verification failed", "error", err)
		return nil, ErrServerError("Internal server error")
	}

	return app, nil
}
