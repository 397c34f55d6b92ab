package oauth

import (
	"context"
	"errors"
	"net/http"

	"tasknest/internal/oauth/store"
)

// RegisterClient performs dynamic client registration (RFC 7591) and audits
// the outcome. ip is the caller's address, for the audit trail only.
func (s *Server) RegisterClient(ctx context.Context, req *ClientRegistrationRequest, ip string) (*store.Client, *OAuthError) {
	client, err := s.clients.Register(ctx, store.RegistrationRequest{
		ClientName:              req.ClientName,
		RedirectURIs:            req.RedirectURIs,
		ResponseTypes:           req.ResponseTypes,
		GrantTypes:              req.GrantTypes,
		TokenEndpointAuthMethod: req.TokenEndpointAuthMethod,
	})
	if err != nil {
		var regErr *store.RegistrationError
		if errors.As(err, &regErr) {
			s.audit(func() { s.Auditor.LogClientRegistrationRejected(req.ClientName, ip, regErr.Code) })
			return nil, NewOAuthError(regErr.Code, regErr.Description, http.StatusBadRequest)
		}
		s.Logger.Error("Client registration failed", "error", err)
		return nil, ErrServerError("client registration failed")
	}

	s.audit(func() { s.Auditor.LogClientRegistered(client.ClientID, client.ClientName, ip) })
	return client, nil
}
