package oauth

// GetAuthorizationServerMetadata assembles the RFC 8414 metadata document.
// Pure data assembly, no state transition.
func (s *Server) GetAuthorizationServerMetadata() *AuthorizationServerMetadata {
	return &AuthorizationServerMetadata{
		Issuer:                            s.Config.Issuer,
		AuthorizationEndpoint:             s.Config.Issuer + "/oauth/authorize",
		TokenEndpoint:                     s.Config.Issuer + "/oauth/token",
		RegistrationEndpoint:              s.Config.Issuer + "/oauth/register",
		ScopesSupported:                   s.Config.SupportedScopes,
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{"authorization_code", "refresh_token"},
		TokenEndpointAuthMethodsSupported: []string{"none"},
		CodeChallengeMethodsSupported:     []string{"S256"},
	}
}

// GetProtectedResourceMetadata assembles the RFC 9728 metadata document.
func (s *Server) GetProtectedResourceMetadata() *ProtectedResourceMetadata {
	return &ProtectedResourceMetadata{
		Resource:               s.Config.Resource,
		AuthorizationServers:   []string{s.Config.Issuer},
		BearerMethodsSupported: []string{"header"},
		ScopesSupported:        s.Config.SupportedScopes,
	}
}
