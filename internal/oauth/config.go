package oauth

import (
	"fmt"
	"log/slog"
	"net/url"
	"time"
)

// Config holds the authorization server configuration.
type Config struct {
	// Issuer is the base URL of this authorization server, e.g.
	// "https://assistant.example.com". Required.
	Issuer string

	// Resource is the protected resource identifier (RFC 8707/9728).
	// Defaults to Issuer + "/mcp".
	Resource string

	// SupportedScopes lists the scopes clients may request. Empty allows all.
	SupportedScopes []string

	// AccessTokenSigningKey signs access tokens (HS256). Required.
	AccessTokenSigningKey []byte

	// AccessTokenTTL is the access token lifetime. Default: 1 hour.
	AccessTokenTTL time.Duration

	// AuthorizationCodeTTL is the authorization code lifetime. Default: 1 minute.
	AuthorizationCodeTTL time.Duration

	// PendingRequestTTL bounds how long a pending authorization request may
	// bridge the redirect-to-login round trip. Default: 10 minutes.
	PendingRequestTTL time.Duration

	// Logger for structured logging (optional, uses default if not provided).
	Logger *slog.Logger
}

// applyDefaults fills zero values with secure defaults and validates the
// required fields.
func (c *Config) applyDefaults() error {
	if c.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}
	issuer, err := url.Parse(c.Issuer)
	if err != nil || issuer.Scheme == "" || issuer.Host == "" {
		return fmt.Errorf("issuer must be an absolute URL, got %q", c.Issuer)
	}
	if len(c.AccessTokenSigningKey) == 0 {
		return fmt.Errorf("access token signing key is required")
	}

	if c.Resource == "" {
		c.Resource = c.Issuer + "/mcp"
	}
	if c.AccessTokenTTL <= 0 {
		c.AccessTokenTTL = time.Hour
	}
	if c.AuthorizationCodeTTL <= 0 {
		c.AuthorizationCodeTTL = time.Minute
	}
	if c.PendingRequestTTL <= 0 {
		c.PendingRequestTTL = 10 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}
