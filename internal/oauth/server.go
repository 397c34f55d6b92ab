// Package oauth implements the embedded OAuth 2.1 authorization server that
// protects the remote assistant: PKCE-bound authorization code flow, dynamic
// client registration, refresh token rotation, and the metadata documents.
package oauth

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"tasknest/internal/oauth/store"
	"tasknest/internal/security"
)

// UserAuthenticator checks a username/password pair against the credential
// backend. Implementations return the stable user id on success.
type UserAuthenticator interface {
	Authenticate(ctx context.Context, username, password string) (string, error)
}

// AuthorizationRequest is a parsed /oauth/authorize request.
type AuthorizationRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Resource            string
}

// PendingAuthorization bridges the redirect-to-login/consent round trip.
// It lives only in process memory with a short TTL.
type PendingAuthorization struct {
	Request *AuthorizationRequest
	Client  *store.Client
}

// authorizationCode binds a single-use code to the full exchange context.
type authorizationCode struct {
	ClientID            string
	RedirectURI         string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
	UserID              string
	Resource            string
	IssuedAt            time.Time
}

// Server implements the OAuth 2.1 authorization server state machine on top
// of the three persisted stores.
type Server struct {
	clients       *store.ClientStore
	sessions      *store.SessionStore
	refreshTokens *store.RefreshTokenStore
	authenticator UserAuthenticator

	pending *ttlcache.Cache[string, *PendingAuthorization]
	codes   *ttlcache.Cache[string, *authorizationCode]

	Auditor *security.Auditor
	Logger  *slog.Logger
	Config  *Config
}

// New creates an authorization server. All stores and the authenticator are
// required; config is validated and defaulted.
func New(
	clients *store.ClientStore,
	sessions *store.SessionStore,
	refreshTokens *store.RefreshTokenStore,
	authenticator UserAuthenticator,
	config *Config,
) (*Server, error) {
	if clients == nil {
		return nil, fmt.Errorf("client store is required")
	}
	if sessions == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if refreshTokens == nil {
		return nil, fmt.Errorf("refresh token store is required")
	}
	if authenticator == nil {
		return nil, fmt.Errorf("user authenticator is required")
	}
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := config.applyDefaults(); err != nil {
		return nil, err
	}

	pending := ttlcache.New(
		ttlcache.WithTTL[string, *PendingAuthorization](config.PendingRequestTTL),
		ttlcache.WithDisableTouchOnHit[string, *PendingAuthorization](),
	)
	codes := ttlcache.New(
		ttlcache.WithTTL[string, *authorizationCode](config.AuthorizationCodeTTL),
		ttlcache.WithDisableTouchOnHit[string, *authorizationCode](),
	)
	go pending.Start()
	go codes.Start()

	return &Server{
		clients:       clients,
		sessions:      sessions,
		refreshTokens: refreshTokens,
		authenticator: authenticator,
		pending:       pending,
		codes:         codes,
		Logger:        config.Logger,
		Config:        config,
	}, nil
}

// SetAuditor sets the security auditor.
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// Stop halts the background expiry of the ephemeral caches.
func (s *Server) Stop() {
	s.pending.Stop()
	s.codes.Stop()
}

// Clients exposes the client store to the HTTP handler.
func (s *Server) Clients() *store.ClientStore { return s.clients }

// Sessions exposes the session store to the HTTP handler.
func (s *Server) Sessions() *store.SessionStore { return s.sessions }

// RefreshTokens exposes the refresh token store for host-driven cleanup.
func (s *Server) RefreshTokens() *store.RefreshTokenStore { return s.refreshTokens }

// safeTruncate safely truncates a string to maxLen characters for logging.
func safeTruncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
