package oauth

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"tasknest/internal/auth"
	"tasknest/internal/fslock"
	"tasknest/internal/oauth/pkce"
	"tasknest/internal/oauth/store"
	"tasknest/internal/security"
)

const (
	testIssuer   = "http://localhost:8085"
	testUser     = "alice"
	testPassword = "password123"
)

func newTestStores(t *testing.T) (*store.ClientStore, *store.SessionStore, *store.RefreshTokenStore) {
	t.Helper()
	key, err := security.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	vault, err := security.NewFileVault(key, nil)
	if err != nil {
		t.Fatalf("NewFileVault() error = %v", err)
	}
	locks := fslock.NewManager(nil)
	dir := t.TempDir()
	// Background session saves must settle before the temp dir goes away.
	t.Cleanup(func() {
		time.Sleep(20 * time.Millisecond)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = locks.WaitForPending(ctx)
	})

	clients := store.NewClientStore(filepath.Join(dir, "clients.enc"), vault, locks, store.ClientStoreConfig{
		AllowedRedirectOrigins: []string{"*"},
		SaveDebounce:           10 * time.Millisecond,
	}, nil)
	sessions := store.NewSessionStore(filepath.Join(dir, "sessions.enc"), vault, locks, time.Hour, nil)
	tokens := store.NewRefreshTokenStore(filepath.Join(dir, "tokens.enc"), vault, locks, time.Hour, 10*time.Millisecond, nil)
	return clients, sessions, tokens
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	clients, sessions, tokens := newTestStores(t)

	srv, err := New(clients, sessions, tokens,
		auth.NewStatic(map[string]string{testUser: testPassword}),
		&Config{
			Issuer:                testIssuer,
			SupportedScopes:       []string{"tasks:read", "tasks:write"},
			AccessTokenSigningKey: []byte("test-signing-key"),
		})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(srv.Stop)
	return srv
}

// registerTestClient registers a client accepting a loopback callback.
func registerTestClient(t *testing.T, srv *Server) *store.Client {
	t.Helper()
	client, oerr := srv.RegisterClient(context.Background(), &ClientRegistrationRequest{
		ClientName:   "Test Client",
		RedirectURIs: []string{"http://localhost:9000/callback"},
	}, "127.0.0.1")
	if oerr != nil {
		t.Fatalf("RegisterClient() error = %v", oerr)
	}
	return client
}

// newPKCEPair returns a matching verifier and S256 challenge.
func newPKCEPair(t *testing.T) (string, string) {
	t.Helper()
	verifier, err := pkce.GenerateCodeVerifier(0)
	if err != nil {
		t.Fatalf("GenerateCodeVerifier() error = %v", err)
	}
	challenge, err := pkce.GenerateCodeChallenge(verifier)
	if err != nil {
		t.Fatalf("GenerateCodeChallenge() error = %v", err)
	}
	return verifier, challenge
}

func authRequest(client *store.Client, challenge string) *AuthorizationRequest {
	return &AuthorizationRequest{
		ResponseType:        "code",
		ClientID:            client.ClientID,
		RedirectURI:         client.RedirectURIs[0],
		Scope:               "tasks:read tasks:write",
		State:               "xyz",
		CodeChallenge:       challenge,
		CodeChallengeMethod: pkce.MethodS256,
	}
}

func TestNew_RequiresDependencies(t *testing.T) {
	clients, sessions, tokens := newTestStores(t)
	authn := auth.NewStatic(map[string]string{testUser: testPassword})
	cfg := &Config{Issuer: testIssuer, AccessTokenSigningKey: []byte("k")}

	tests := []struct {
		name string
		fn   func() (*Server, error)
	}{
		{"nil clients", func() (*Server, error) { return New(nil, sessions, tokens, authn, cfg) }},
		{"nil sessions", func() (*Server, error) { return New(clients, nil, tokens, authn, cfg) }},
		{"nil tokens", func() (*Server, error) { return New(clients, sessions, nil, authn, cfg) }},
		{"nil authenticator", func() (*Server, error) { return New(clients, sessions, tokens, nil, cfg) }},
		{"nil config", func() (*Server, error) { return New(clients, sessions, tokens, authn, nil) }},
		{
			"missing issuer",
			func() (*Server, error) {
				return New(clients, sessions, tokens, authn, &Config{AccessTokenSigningKey: []byte("k")})
			},
		},
		{
			"relative issuer",
			func() (*Server, error) {
				return New(clients, sessions, tokens, authn, &Config{Issuer: "/oauth", AccessTokenSigningKey: []byte("k")})
			},
		},
		{
			"missing signing key",
			func() (*Server, error) {
				return New(clients, sessions, tokens, authn, &Config{Issuer: testIssuer})
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.fn(); err == nil {
				t.Error("New() should fail")
			}
		})
	}
}

func TestAuthenticateUser(t *testing.T) {
	srv := newTestServer(t)

	session, oerr := srv.AuthenticateUser(context.Background(), testUser, testPassword)
	if oerr != nil {
		t.Fatalf("AuthenticateUser() error = %v", oerr)
	}
	if session.UserID != testUser {
		t.Errorf("UserID = %q, want %q", session.UserID, testUser)
	}
	if srv.Sessions().Get(session.ID) == nil {
		t.Error("session was not stored")
	}

	_, oerr = srv.AuthenticateUser(context.Background(), testUser, "wrong")
	if oerr == nil || oerr.Code != ErrorCodeAccessDenied {
		t.Errorf("AuthenticateUser() with wrong password error = %v, want access_denied", oerr)
	}
	_, oerr = srv.AuthenticateUser(context.Background(), "mallory", testPassword)
	if oerr == nil || oerr.Code != ErrorCodeAccessDenied {
		t.Errorf("AuthenticateUser() with unknown user error = %v, want access_denied", oerr)
	}
}
