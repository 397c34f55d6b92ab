package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"tasknest/internal/fslock"
	"tasknest/internal/security"
)

// Registration error codes (RFC 7591 Section 3.2.2).
const (
	ErrorCodeInvalidClientMetadata = "invalid_client_metadata"
	ErrorCodeInvalidRedirectURI    = "invalid_redirect_uri"
)

// RegistrationError is a typed dynamic-client-registration failure.
type RegistrationError struct {
	Code        string
	Description string
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Client is a registered OAuth client. Immutable once issued except for
// deletion.
type Client struct {
	ClientID                string   `json:"client_id"`
	ClientName              string   `json:"client_name"`
	RedirectURIs            []string `json:"redirect_uris"`
	ResponseTypes           []string `json:"response_types"`
	GrantTypes              []string `json:"grant_types"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	ClientIDIssuedAt        int64    `json:"client_id_issued_at"`
}

// RegistrationRequest carries the client-supplied metadata for dynamic
// registration.
type RegistrationRequest struct {
	ClientName              string
	RedirectURIs            []string
	ResponseTypes           []string
	GrantTypes              []string
	TokenEndpointAuthMethod string
}

// ClientStoreConfig controls redirect URI validation for registration.
type ClientStoreConfig struct {
	// OfficialCallbacks are callback URIs always accepted verbatim.
	OfficialCallbacks []string

	// AllowedRedirectOrigins is the HTTPS origin allow-list. The single
	// entry "*" accepts any HTTPS redirect URI.
	AllowedRedirectOrigins []string

	// SaveDebounce overrides the persistence debounce window (tests).
	SaveDebounce time.Duration
}

// ClientStore is the persisted registry of dynamically registered clients.
type ClientStore struct {
	mu      sync.RWMutex
	clients map[string]*Client

	path   string
	vault  *security.FileVault
	locks  *fslock.Manager
	cfg    ClientStoreConfig
	logger *slog.Logger
	tracer trace.Tracer
	save   *saveTask
}

// clientsFile is the decrypted on-disk document.
type clientsFile struct {
	Clients []*Client `json:"clients"`
}

// NewClientStore creates a client store persisting to path.
func NewClientStore(path string, vault *security.FileVault, locks *fslock.Manager, cfg ClientStoreConfig, logger *slog.Logger) *ClientStore {
	if logger == nil {
		logger = slog.Default()
	}
	s := &ClientStore{
		clients: make(map[string]*Client),
		path:    path,
		vault:   vault,
		locks:   locks,
		cfg:     cfg,
		logger:  logger,
		tracer:  otel.Tracer("tasknest/internal/oauth/store"),
	}
	s.save = newSaveTask(cfg.SaveDebounce, func() {
		if err := s.persist(context.Background()); err != nil {
			s.logger.Error("Failed to persist client store", "error", err)
		}
	})
	return s
}

// Register validates the request and, on success, issues a client_id and
// schedules a debounced persist. Failures return a *RegistrationError.
func (s *ClientStore) Register(ctx context.Context, req RegistrationRequest) (*Client, error) {
	if strings.TrimSpace(req.ClientName) == "" {
		return nil, &RegistrationError{
			Code:        ErrorCodeInvalidClientMetadata,
			Description: "client_name is required",
		}
	}
	if len(req.RedirectURIs) == 0 {
		return nil, &RegistrationError{
			Code:        ErrorCodeInvalidRedirectURI,
			Description: "at least one redirect_uri is required",
		}
	}
	for _, uri := range req.RedirectURIs {
		if err := s.validateRedirectURI(uri); err != nil {
			return nil, &RegistrationError{
				Code:        ErrorCodeInvalidRedirectURI,
				Description: err.Error(),
			}
		}
	}

	responseTypes := req.ResponseTypes
	if len(responseTypes) == 0 {
		responseTypes = []string{"code"}
	}
	grantTypes := req.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = []string{"authorization_code", "refresh_token"}
	}
	authMethod := req.TokenEndpointAuthMethod
	if authMethod == "" {
		authMethod = "none"
	}

	client := &Client{
		ClientID:                oauth2.GenerateVerifier(),
		ClientName:              req.ClientName,
		RedirectURIs:            append([]string(nil), req.RedirectURIs...),
		ResponseTypes:           responseTypes,
		GrantTypes:              grantTypes,
		TokenEndpointAuthMethod: authMethod,
		ClientIDIssuedAt:        time.Now().Unix(),
	}

	s.mu.Lock()
	s.clients[client.ClientID] = client
	s.mu.Unlock()

	s.save.Schedule()

	s.logger.Info("Registered new OAuth client",
		"client_id", client.ClientID,
		"client_name", client.ClientName,
		"redirect_uris", len(client.RedirectURIs))

	return client, nil
}

// validateRedirectURI applies the registration rules to one URI: official
// callback, loopback (any port), or HTTPS against the origin allow-list.
func (s *ClientStore) validateRedirectURI(raw string) error {
	for _, official := range s.cfg.OfficialCallbacks {
		if raw == official {
			return nil
		}
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("redirect_uri %q is not a valid URI", raw)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("redirect_uri %q must be absolute", raw)
	}
	if parsed.Fragment != "" {
		return fmt.Errorf("redirect_uri %q must not contain a fragment", raw)
	}

	if isLoopbackHost(parsed.Hostname()) {
		return nil
	}

	if parsed.Scheme != "https" {
		return fmt.Errorf("redirect_uri %q must use HTTPS", raw)
	}

	for _, origin := range s.cfg.AllowedRedirectOrigins {
		if origin == "*" {
			return nil
		}
		if sameOrigin(parsed, origin) {
			return nil
		}
	}
	return fmt.Errorf("redirect_uri %q is not on the allowed origin list", raw)
}

// Get returns the client with the given id, or nil.
func (s *ClientStore) Get(clientID string) *Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clients[clientID]
}

// Delete removes a client and persists the deletion. Returns false when the
// client does not exist.
func (s *ClientStore) Delete(ctx context.Context, clientID string) bool {
	s.mu.Lock()
	_, ok := s.clients[clientID]
	if ok {
		delete(s.clients, clientID)
	}
	s.mu.Unlock()

	if !ok {
		return false
	}
	if err := s.persist(ctx); err != nil {
		s.logger.Error("Failed to persist client deletion", "error", err)
	}
	return true
}

// IsValidRedirectURI reports whether uri is acceptable for the client at
// authorization time. Exact match is required, except that a registered
// loopback URI matches any port on the same scheme and host, which supports
// CLI tools binding an ephemeral local callback server.
func (s *ClientStore) IsValidRedirectURI(clientID, uri string) bool {
	client := s.Get(clientID)
	if client == nil {
		return false
	}

	for _, registered := range client.RedirectURIs {
		if registered == uri {
			return true
		}
	}

	candidate, err := url.Parse(uri)
	if err != nil {
		return false
	}
	if !isLoopbackHost(candidate.Hostname()) {
		return false
	}
	for _, registered := range client.RedirectURIs {
		reg, err := url.Parse(registered)
		if err != nil || !isLoopbackHost(reg.Hostname()) {
			continue
		}
		if reg.Scheme == candidate.Scheme &&
			reg.Hostname() == candidate.Hostname() &&
			reg.Path == candidate.Path {
			return true
		}
	}
	return false
}

// Load decrypts the store file and replaces the in-memory registry. Missing
// or corrupt files start the store empty.
func (s *ClientStore) Load(ctx context.Context) error {
	var data []byte
	err := s.locks.WithLock(ctx, s.path, func() error {
		var readErr error
		data, readErr = s.vault.DecryptFromFile(s.path)
		return readErr
	})
	if err != nil {
		return fmt.Errorf("failed to read client store: %w", err)
	}

	clients := make(map[string]*Client)
	if len(data) > 0 {
		var file clientsFile
		if err := json.Unmarshal(data, &file); err != nil {
			s.logger.Warn("Client store file is malformed, starting empty", "error", err)
		} else {
			for _, c := range file.Clients {
				clients[c.ClientID] = c
			}
		}
	}

	s.mu.Lock()
	s.clients = clients
	s.mu.Unlock()

	s.logger.Debug("Loaded client store", "clients", len(clients))
	return nil
}

// Flush forces an immediate write, bypassing the debounce.
func (s *ClientStore) Flush(ctx context.Context) error {
	s.save.Cancel()
	return s.persist(ctx)
}

// Len returns the number of registered clients.
func (s *ClientStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *ClientStore) snapshot() ([]byte, error) {
	s.mu.RLock()
	file := clientsFile{Clients: make([]*Client, 0, len(s.clients))}
	for _, c := range s.clients {
		file.Clients = append(file.Clients, c)
	}
	s.mu.RUnlock()
	return json.Marshal(&file)
}

func (s *ClientStore) persist(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "clientstore.persist")
	defer span.End()

	data, err := s.snapshot()
	if err != nil {
		return fmt.Errorf("failed to marshal client store: %w", err)
	}
	return s.locks.WithLock(ctx, s.path, func() error {
		return s.vault.EncryptToFile(data, s.path)
	})
}

// isLoopbackHost reports whether a hostname names the local machine for the
// purposes of redirect URI matching.
func isLoopbackHost(hostname string) bool {
	return hostname == "localhost" || hostname == "127.0.0.1"
}

// sameOrigin reports whether u matches an allow-list origin entry
// (scheme://host[:port]).
func sameOrigin(u *url.URL, origin string) bool {
	allowed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Scheme, allowed.Scheme) &&
		strings.EqualFold(u.Host, allowed.Host)
}
