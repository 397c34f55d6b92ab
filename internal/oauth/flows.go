package oauth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/oauth2"

	"tasknest/internal/oauth/pkce"
	"tasknest/internal/oauth/store"
)

// ValidateAuthorizationRequest checks a parsed /oauth/authorize request.
// On failure it returns the error plus whether the error may be delivered as
// a redirect: when the client or redirect_uri cannot be trusted the caller
// must render the error locally instead of redirecting (open redirect risk).
func (s *Server) ValidateAuthorizationRequest(req *AuthorizationRequest) (*store.Client, *OAuthError, bool) {
	if req.ClientID == "" {
		return nil, ErrInvalidRequest("client_id is required"), false
	}

	client := s.clients.Get(req.ClientID)
	if client == nil {
		s.audit(func() { s.Auditor.LogAuthFailure(req.ClientID, "", "unknown_client") })
		return nil, ErrInvalidClient("unknown client"), false
	}

	if req.RedirectURI == "" || !s.clients.IsValidRedirectURI(req.ClientID, req.RedirectURI) {
		s.audit(func() { s.Auditor.LogAuthFailure(req.ClientID, "", "invalid_redirect_uri") })
		return nil, ErrInvalidRedirectURI("redirect_uri is not registered for this client"), false
	}

	// The redirect target is trustworthy from here on; remaining failures
	// go back to the client as error redirects.
	if req.ResponseType != "code" {
		return client, NewOAuthError(ErrorCodeUnsupportedResponseType,
			"only the authorization code flow is supported", http.StatusBadRequest), true
	}
	if req.CodeChallenge == "" || req.CodeChallengeMethod == "" {
		return client, ErrInvalidRequest("code_challenge and code_challenge_method are required (PKCE)"), true
	}
	if req.CodeChallengeMethod != pkce.MethodS256 {
		return client, ErrInvalidRequest("only the S256 code_challenge_method is supported"), true
	}
	if !pkce.IsValidCodeChallenge(req.CodeChallenge) {
		return client, ErrInvalidRequest("code_challenge is malformed"), true
	}
	if strings.TrimSpace(req.Scope) == "" {
		return client, ErrInvalidScope("scope is required"), true
	}
	if err := s.validateScopes(req.Scope); err != nil {
		return client, err, true
	}

	return client, nil, false
}

// validateScopes checks requested scopes against the configured set.
func (s *Server) validateScopes(scope string) *OAuthError {
	if len(s.Config.SupportedScopes) == 0 {
		return nil
	}
	for _, requested := range strings.Fields(scope) {
		found := false
		for _, supported := range s.Config.SupportedScopes {
			if requested == supported {
				found = true
				break
			}
		}
		if !found {
			return ErrInvalidScope("unsupported scope: " + requested)
		}
	}
	return nil
}

// StorePendingAuthRequest stores a validated request under a fresh opaque id
// while the user completes login and consent. Returns the request id.
func (s *Server) StorePendingAuthRequest(req *AuthorizationRequest, client *store.Client) string {
	requestID := uuid.NewString()
	s.pending.Set(requestID, &PendingAuthorization{Request: req, Client: client}, ttlcache.DefaultTTL)
	return requestID
}

// GetPendingAuthRequest returns the pending authorization for requestID, or
// nil when it is unknown or has expired.
func (s *Server) GetPendingAuthRequest(requestID string) *PendingAuthorization {
	item := s.pending.Get(requestID)
	if item == nil {
		return nil
	}
	return item.Value()
}

// DeletePendingAuthRequest removes a pending authorization once consumed.
func (s *Server) DeletePendingAuthRequest(requestID string) {
	s.pending.Delete(requestID)
}

// CompleteAuthorization mints a single-use authorization code bound to the
// request's client, redirect URI, PKCE challenge, and the authenticated
// user. The code is independent of any session or refresh token.
func (s *Server) CompleteAuthorization(req *AuthorizationRequest, userID string) string {
	code := oauth2.GenerateVerifier()
	s.codes.Set(code, &authorizationCode{
		ClientID:            req.ClientID,
		RedirectURI:         req.RedirectURI,
		Scope:               req.Scope,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		UserID:              userID,
		Resource:            req.Resource,
		IssuedAt:            time.Now(),
	}, ttlcache.DefaultTTL)

	s.Logger.Info("Authorization code issued",
		"client_id", req.ClientID,
		"scope", req.Scope)
	return code
}

// ExchangeAuthorizationCode exchanges a code for an access/refresh token
// pair. The code is consumed before any further validation so a second
// exchange attempt always fails, and every failure mode maps to
// invalid_grant without revealing the cause.
func (s *Server) ExchangeAuthorizationCode(ctx context.Context, code, clientID, redirectURI, codeVerifier, resource string) (*TokenResponse, *OAuthError) {
	item, present := s.codes.GetAndDelete(code)
	if !present || item.IsExpired() {
		s.Logger.Debug("Authorization code unknown or expired",
			"client_id", clientID,
			"code_prefix", safeTruncate(code, 8))
		s.audit(func() { s.Auditor.LogAuthFailure(clientID, "", "invalid_authorization_code") })
		return nil, ErrInvalidGrant("invalid authorization code")
	}
	grant := item.Value()

	if grant.ClientID != clientID {
		s.Logger.Debug("Authorization code client mismatch",
			"expected_client_id", grant.ClientID,
			"provided_client_id", clientID)
		s.audit(func() { s.Auditor.LogAuthFailure(clientID, "", "client_id_mismatch") })
		return nil, ErrInvalidGrant("invalid authorization code")
	}
	if grant.RedirectURI != redirectURI {
		s.Logger.Debug("Authorization code redirect_uri mismatch",
			"client_id", clientID)
		s.audit(func() { s.Auditor.LogAuthFailure(clientID, "", "redirect_uri_mismatch") })
		return nil, ErrInvalidGrant("invalid authorization code")
	}
	if resource != "" && grant.Resource != "" && resource != grant.Resource {
		return nil, ErrInvalidGrant("invalid authorization code")
	}

	ok, err := pkce.VerifyCodeChallenge(codeVerifier, grant.CodeChallenge, grant.CodeChallengeMethod)
	if err != nil || !ok {
		s.audit(func() { s.Auditor.LogAuthFailure(clientID, "", "pkce_verification_failed") })
		return nil, ErrInvalidGrant("PKCE verification failed")
	}

	accessToken, mintErr := s.MintAccessToken(grant.UserID, clientID, grant.Scope, grant.Resource)
	if mintErr != nil {
		s.Logger.Error("Failed to mint access token", "error", mintErr)
		return nil, ErrServerError("failed to issue tokens")
	}
	refreshToken := s.refreshTokens.Generate(clientID, grant.UserID, grant.Scope)

	s.audit(func() { s.Auditor.LogTokenIssued(grant.UserID, clientID, grant.Scope) })

	return &TokenResponse{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.Config.AccessTokenTTL.Seconds()),
		Scope:        grant.Scope,
	}, nil
}

// ExchangeRefreshToken rotates refreshToken and issues a fresh access token.
// The presented token becomes permanently invalid. A requested scope must be
// a subset of the original grant; it may narrow the grant but never widen it.
func (s *Server) ExchangeRefreshToken(ctx context.Context, refreshToken, clientID, scope string) (*TokenResponse, *OAuthError) {
	record, err := s.refreshTokens.Validate(refreshToken, clientID)
	if err != nil {
		s.Logger.Debug("Refresh token validation failed",
			"client_id", clientID,
			"token_prefix", safeTruncate(refreshToken, 8))
		s.audit(func() { s.Auditor.LogTokenReuse(clientID) })
		return nil, ErrInvalidGrant("invalid refresh token")
	}

	grantScope := record.Scope
	if scope != "" {
		if !scopeSubset(scope, record.Scope) {
			return nil, ErrInvalidScope("requested scope exceeds the original grant")
		}
		grantScope = scope
	}

	rotated := s.refreshTokens.Rotate(refreshToken, clientID)
	if rotated == nil {
		// Lost the race against a concurrent exchange of the same token.
		return nil, ErrInvalidGrant("invalid refresh token")
	}

	accessToken, mintErr := s.MintAccessToken(record.UserID, clientID, grantScope, "")
	if mintErr != nil {
		s.Logger.Error("Failed to mint access token", "error", mintErr)
		return nil, ErrServerError("failed to issue tokens")
	}

	s.audit(func() { s.Auditor.LogTokenRefreshed(record.UserID, clientID, true) })

	return &TokenResponse{
		AccessToken:  accessToken,
		RefreshToken: rotated.Token,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.Config.AccessTokenTTL.Seconds()),
		Scope:        grantScope,
	}, nil
}

// AuthenticateUser delegates the credential check to the configured
// authenticator and creates a login session on success.
func (s *Server) AuthenticateUser(ctx context.Context, username, password string) (*store.Session, *OAuthError) {
	userID, err := s.authenticator.Authenticate(ctx, username, password)
	if err != nil {
		s.audit(func() { s.Auditor.LogLogin(username, "", false) })
		return nil, ErrAccessDenied("invalid username or password")
	}

	session := s.sessions.Create(ctx, userID)
	s.audit(func() { s.Auditor.LogLogin(userID, "", true) })
	return session, nil
}

// scopeSubset reports whether every scope in requested appears in granted.
func scopeSubset(requested, granted string) bool {
	grantedSet := make(map[string]struct{})
	for _, g := range strings.Fields(granted) {
		grantedSet[g] = struct{}{}
	}
	for _, r := range strings.Fields(requested) {
		if _, ok := grantedSet[r]; !ok {
			return false
		}
	}
	return true
}

// audit runs fn only when an auditor is configured.
func (s *Server) audit(fn func()) {
	if s.Auditor != nil {
		fn()
	}
}
