package oauth

import (
	"context"
	"testing"

	"tasknest/internal/oauth/pkce"
)

func TestValidateAuthorizationRequest(t *testing.T) {
	srv := newTestServer(t)
	client := registerTestClient(t, srv)
	_, challenge := newPKCEPair(t)

	mutate := func(fn func(*AuthorizationRequest)) *AuthorizationRequest {
		req := authRequest(client, challenge)
		fn(req)
		return req
	}

	tests := []struct {
		name             string
		req              *AuthorizationRequest
		wantCode         string
		wantRedirectable bool
	}{
		{
			name:     "missing client_id",
			req:      mutate(func(r *AuthorizationRequest) { r.ClientID = "" }),
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name:     "unknown client",
			req:      mutate(func(r *AuthorizationRequest) { r.ClientID = "nope" }),
			wantCode: ErrorCodeInvalidClient,
		},
		{
			name:     "missing redirect_uri",
			req:      mutate(func(r *AuthorizationRequest) { r.RedirectURI = "" }),
			wantCode: ErrorCodeInvalidRedirectURI,
		},
		{
			name:     "unregistered redirect_uri",
			req:      mutate(func(r *AuthorizationRequest) { r.RedirectURI = "https://evil.example.com/cb" }),
			wantCode: ErrorCodeInvalidRedirectURI,
		},
		{
			name:             "wrong response_type",
			req:              mutate(func(r *AuthorizationRequest) { r.ResponseType = "token" }),
			wantCode:         ErrorCodeUnsupportedResponseType,
			wantRedirectable: true,
		},
		{
			name:             "missing code_challenge",
			req:              mutate(func(r *AuthorizationRequest) { r.CodeChallenge = "" }),
			wantCode:         ErrorCodeInvalidRequest,
			wantRedirectable: true,
		},
		{
			name:             "plain challenge method",
			req:              mutate(func(r *AuthorizationRequest) { r.CodeChallengeMethod = pkce.MethodPlain }),
			wantCode:         ErrorCodeInvalidRequest,
			wantRedirectable: true,
		},
		{
			name:             "malformed challenge",
			req:              mutate(func(r *AuthorizationRequest) { r.CodeChallenge = "short" }),
			wantCode:         ErrorCodeInvalidRequest,
			wantRedirectable: true,
		},
		{
			name:             "missing scope",
			req:              mutate(func(r *AuthorizationRequest) { r.Scope = "" }),
			wantCode:         ErrorCodeInvalidScope,
			wantRedirectable: true,
		},
		{
			name:             "unsupported scope",
			req:              mutate(func(r *AuthorizationRequest) { r.Scope = "tasks:admin" }),
			wantCode:         ErrorCodeInvalidScope,
			wantRedirectable: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, oerr, redirectable := srv.ValidateAuthorizationRequest(tt.req)
			if oerr == nil {
				t.Fatal("ValidateAuthorizationRequest() error = nil, want error")
			}
			if oerr.Code != tt.wantCode {
				t.Errorf("error code = %q, want %q", oerr.Code, tt.wantCode)
			}
			if redirectable != tt.wantRedirectable {
				t.Errorf("redirectable = %v, want %v", redirectable, tt.wantRedirectable)
			}
		})
	}

	got, oerr, _ := srv.ValidateAuthorizationRequest(authRequest(client, challenge))
	if oerr != nil {
		t.Fatalf("valid request error = %v", oerr)
	}
	if got.ClientID != client.ClientID {
		t.Errorf("client = %q, want %q", got.ClientID, client.ClientID)
	}
}

func TestPendingAuthRequestLifecycle(t *testing.T) {
	srv := newTestServer(t)
	client := registerTestClient(t, srv)
	_, challenge := newPKCEPair(t)
	req := authRequest(client, challenge)

	id := srv.StorePendingAuthRequest(req, client)
	if id == "" {
		t.Fatal("StorePendingAuthRequest() returned empty id")
	}

	pending := srv.GetPendingAuthRequest(id)
	if pending == nil {
		t.Fatal("GetPendingAuthRequest() = nil for stored request")
	}
	if pending.Request != req || pending.Client != client {
		t.Error("pending request does not carry the stored request and client")
	}

	srv.DeletePendingAuthRequest(id)
	if srv.GetPendingAuthRequest(id) != nil {
		t.Error("GetPendingAuthRequest() returned a deleted request")
	}
	if srv.GetPendingAuthRequest("unknown") != nil {
		t.Error("GetPendingAuthRequest() returned a request for an unknown id")
	}
}

func TestAuthorizationCodeFlow(t *testing.T) {
	srv := newTestServer(t)
	client := registerTestClient(t, srv)
	verifier, challenge := newPKCEPair(t)
	req := authRequest(client, challenge)

	code := srv.CompleteAuthorization(req, testUser)
	if code == "" {
		t.Fatal("CompleteAuthorization() returned empty code")
	}

	tokens, oerr := srv.ExchangeAuthorizationCode(context.Background(),
		code, client.ClientID, req.RedirectURI, verifier, "")
	if oerr != nil {
		t.Fatalf("ExchangeAuthorizationCode() error = %v", oerr)
	}
	if tokens.AccessToken == "" || tokens.RefreshToken == "" {
		t.Fatal("token response missing access or refresh token")
	}
	if tokens.TokenType != "Bearer" {
		t.Errorf("TokenType = %q, want %q", tokens.TokenType, "Bearer")
	}
	if tokens.Scope != req.Scope {
		t.Errorf("Scope = %q, want %q", tokens.Scope, req.Scope)
	}
	if tokens.ExpiresIn <= 0 {
		t.Errorf("ExpiresIn = %d, want positive", tokens.ExpiresIn)
	}

	info, err := srv.ValidateAccessToken(tokens.AccessToken)
	if err != nil {
		t.Fatalf("ValidateAccessToken() error = %v", err)
	}
	if info.UserID != testUser {
		t.Errorf("UserID = %q, want %q", info.UserID, testUser)
	}
	if info.ClientID != client.ClientID {
		t.Errorf("ClientID = %q, want %q", info.ClientID, client.ClientID)
	}
}

func TestExchangeAuthorizationCode_SingleUse(t *testing.T) {
	srv := newTestServer(t)
	client := registerTestClient(t, srv)
	verifier, challenge := newPKCEPair(t)
	req := authRequest(client, challenge)

	code := srv.CompleteAuthorization(req, testUser)
	if _, oerr := srv.ExchangeAuthorizationCode(context.Background(),
		code, client.ClientID, req.RedirectURI, verifier, ""); oerr != nil {
		t.Fatalf("first exchange error = %v", oerr)
	}

	_, oerr := srv.ExchangeAuthorizationCode(context.Background(),
		code, client.ClientID, req.RedirectURI, verifier, "")
	if oerr == nil || oerr.Code != ErrorCodeInvalidGrant {
		t.Errorf("second exchange error = %v, want invalid_grant", oerr)
	}
}

func TestExchangeAuthorizationCode_Failures(t *testing.T) {
	srv := newTestServer(t)
	client := registerTestClient(t, srv)
	verifier, challenge := newPKCEPair(t)
	wrongVerifier, _ := newPKCEPair(t)
	req := authRequest(client, challenge)

	tests := []struct {
		name string
		fn   func(code string) *OAuthError
	}{
		{
			name: "unknown code",
			fn: func(code string) *OAuthError {
				_, oerr := srv.ExchangeAuthorizationCode(context.Background(),
					"bogus", client.ClientID, req.RedirectURI, verifier, "")
				return oerr
			},
		},
		{
			name: "client mismatch",
			fn: func(code string) *OAuthError {
				_, oerr := srv.ExchangeAuthorizationCode(context.Background(),
					code, "other-client", req.RedirectURI, verifier, "")
				return oerr
			},
		},
		{
			name: "redirect mismatch",
			fn: func(code string) *OAuthError {
				_, oerr := srv.ExchangeAuthorizationCode(context.Background(),
					code, client.ClientID, "http://localhost:9000/other", verifier, "")
				return oerr
			},
		},
		{
			name: "wrong verifier",
			fn: func(code string) *OAuthError {
				_, oerr := srv.ExchangeAuthorizationCode(context.Background(),
					code, client.ClientID, req.RedirectURI, wrongVerifier, "")
				return oerr
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code := srv.CompleteAuthorization(req, testUser)
			oerr := tt.fn(code)
			if oerr == nil || oerr.Code != ErrorCodeInvalidGrant {
				t.Errorf("error = %v, want invalid_grant", oerr)
			}
		})
	}
}

func TestExchangeRefreshToken_RotationAndReuse(t *testing.T) {
	srv := newTestServer(t)
	client := registerTestClient(t, srv)
	verifier, challenge := newPKCEPair(t)
	req := authRequest(client, challenge)

	code := srv.CompleteAuthorization(req, testUser)
	first, oerr := srv.ExchangeAuthorizationCode(context.Background(),
		code, client.ClientID, req.RedirectURI, verifier, "")
	if oerr != nil {
		t.Fatalf("code exchange error = %v", oerr)
	}

	second, oerr := srv.ExchangeRefreshToken(context.Background(),
		first.RefreshToken, client.ClientID, "")
	if oerr != nil {
		t.Fatalf("ExchangeRefreshToken() error = %v", oerr)
	}
	if second.RefreshToken == first.RefreshToken {
		t.Error("refresh token was not rotated")
	}
	if second.Scope != req.Scope {
		t.Errorf("Scope = %q, want original grant %q", second.Scope, req.Scope)
	}

	// Replaying the rotated token must fail.
	_, oerr = srv.ExchangeRefreshToken(context.Background(),
		first.RefreshToken, client.ClientID, "")
	if oerr == nil || oerr.Code != ErrorCodeInvalidGrant {
		t.Errorf("replay error = %v, want invalid_grant", oerr)
	}

	// The replacement keeps working.
	if _, oerr := srv.ExchangeRefreshToken(context.Background(),
		second.RefreshToken, client.ClientID, ""); oerr != nil {
		t.Errorf("rotated token exchange error = %v", oerr)
	}
}

func TestExchangeRefreshToken_ScopeNarrowing(t *testing.T) {
	srv := newTestServer(t)
	client := registerTestClient(t, srv)
	verifier, challenge := newPKCEPair(t)
	req := authRequest(client, challenge) // tasks:read tasks:write

	code := srv.CompleteAuthorization(req, testUser)
	first, oerr := srv.ExchangeAuthorizationCode(context.Background(),
		code, client.ClientID, req.RedirectURI, verifier, "")
	if oerr != nil {
		t.Fatalf("code exchange error = %v", oerr)
	}

	// Narrowing is allowed.
	narrowed, oerr := srv.ExchangeRefreshToken(context.Background(),
		first.RefreshToken, client.ClientID, "tasks:read")
	if oerr != nil {
		t.Fatalf("narrowing exchange error = %v", oerr)
	}
	if narrowed.Scope != "tasks:read" {
		t.Errorf("Scope = %q, want %q", narrowed.Scope, "tasks:read")
	}

	// Widening is rejected, and the presented token must not be consumed.
	_, oerr = srv.ExchangeRefreshToken(context.Background(),
		narrowed.RefreshToken, client.ClientID, "tasks:read tasks:write")
	if oerr == nil || oerr.Code != ErrorCodeInvalidScope {
		t.Fatalf("widening exchange error = %v, want invalid_scope", oerr)
	}
	if _, oerr := srv.ExchangeRefreshToken(context.Background(),
		narrowed.RefreshToken, client.ClientID, ""); oerr != nil {
		t.Errorf("token consumed by rejected widening attempt: %v", oerr)
	}
}

func TestExchangeRefreshToken_WrongClient(t *testing.T) {
	srv := newTestServer(t)
	client := registerTestClient(t, srv)
	verifier, challenge := newPKCEPair(t)
	req := authRequest(client, challenge)

	code := srv.CompleteAuthorization(req, testUser)
	tokens, oerr := srv.ExchangeAuthorizationCode(context.Background(),
		code, client.ClientID, req.RedirectURI, verifier, "")
	if oerr != nil {
		t.Fatalf("code exchange error = %v", oerr)
	}

	_, oerr = srv.ExchangeRefreshToken(context.Background(),
		tokens.RefreshToken, "other-client", "")
	if oerr == nil || oerr.Code != ErrorCodeInvalidGrant {
		t.Errorf("wrong-client exchange error = %v, want invalid_grant", oerr)
	}
}
