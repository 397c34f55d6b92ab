package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"tasknest/internal/fslock"
	"tasknest/internal/security"
)

// ErrInvalidGrant is returned for every refresh-token validation failure:
// unknown token, client mismatch, expiry, or prior rotation. Callers map it
// to the OAuth "invalid_grant" error code without distinguishing the cause.
var ErrInvalidGrant = errors.New("invalid_grant")

// RefreshToken is one refresh token record. Rotated records stay in the
// store until Cleanup removes them so that reuse of a rotated token remains
// detectable.
type RefreshToken struct {
	Token     string    `json:"token"`
	ClientID  string    `json:"client_id"`
	UserID    string    `json:"user_id"`
	Scope     string    `json:"scope"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Rotated   bool      `json:"rotated"`
}

// RefreshTokenStore is the persisted set of refresh tokens with single-use
// rotation. Issuance bursts are coalesced into one write by a debounced
// save; Flush forces an immediate write.
type RefreshTokenStore struct {
	mu     sync.Mutex
	tokens map[string]*RefreshToken

	path   string
	vault  *security.FileVault
	locks  *fslock.Manager
	ttl    time.Duration
	logger *slog.Logger
	tracer trace.Tracer
	save   *saveTask
}

type tokensFile struct {
	Tokens []*RefreshToken `json:"tokens"`
}

// NewRefreshTokenStore creates a refresh token store persisting to path.
// ttl is the token lifetime; saveDebounce <= 0 selects the default window.
func NewRefreshTokenStore(path string, vault *security.FileVault, locks *fslock.Manager, ttl time.Duration, saveDebounce time.Duration, logger *slog.Logger) *RefreshTokenStore {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	s := &RefreshTokenStore{
		tokens: make(map[string]*RefreshToken),
		path:   path,
		vault:  vault,
		locks:  locks,
		ttl:    ttl,
		logger: logger,
		tracer: otel.Tracer("tasknest/internal/oauth/store"),
	}
	s.save = newSaveTask(saveDebounce, func() {
		if err := s.persist(context.Background()); err != nil {
			s.logger.Error("Failed to persist refresh token store", "error", err)
		}
	})
	return s
}

// Generate mints a new active refresh token and schedules a debounced save.
func (s *RefreshTokenStore) Generate(clientID, userID, scope string) string {
	now := time.Now()
	record := &RefreshToken{
		Token:     oauth2.GenerateVerifier(),
		ClientID:  clientID,
		UserID:    userID,
		Scope:     scope,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}

	s.mu.Lock()
	s.tokens[record.Token] = record
	s.mu.Unlock()

	s.save.Schedule()
	return record.Token
}

// Validate returns the record for token when it is known, bound to clientID,
// unexpired, and not rotated. Every failure mode returns ErrInvalidGrant.
func (s *RefreshTokenStore) Validate(token, clientID string) (*RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.validateLocked(token, clientID)
}

func (s *RefreshTokenStore) validateLocked(token, clientID string) (*RefreshToken, error) {
	record, ok := s.tokens[token]
	if !ok {
		return nil, ErrInvalidGrant
	}
	if record.ClientID != clientID {
		return nil, ErrInvalidGrant
	}
	if !record.ExpiresAt.After(time.Now()) {
		return nil, ErrInvalidGrant
	}
	if record.Rotated {
		return nil, ErrInvalidGrant
	}
	return record, nil
}

// Rotate validates oldToken and, on success, marks it rotated and issues a
// fresh active record with the same user, client, and scope. The rotated
// record is kept for reuse detection; Cleanup removes it later. Invalid
// input returns nil without mutating the store.
func (s *RefreshTokenStore) Rotate(oldToken, clientID string) *RefreshToken {
	s.mu.Lock()
	old, err := s.validateLocked(oldToken, clientID)
	if err != nil {
		s.mu.Unlock()
		return nil
	}

	old.Rotated = true

	now := time.Now()
	fresh := &RefreshToken{
		Token:     oauth2.GenerateVerifier(),
		ClientID:  old.ClientID,
		UserID:    old.UserID,
		Scope:     old.Scope,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}
	s.tokens[fresh.Token] = fresh
	s.mu.Unlock()

	s.save.Schedule()
	return fresh
}

// Revoke removes a token outright and schedules a save. Returns false when
// the token is unknown.
func (s *RefreshTokenStore) Revoke(token string) bool {
	s.mu.Lock()
	_, ok := s.tokens[token]
	if ok {
		delete(s.tokens, token)
	}
	s.mu.Unlock()

	if ok {
		s.save.Schedule()
	}
	return ok
}

// RevokeAllForClient removes every token issued to clientID and returns how
// many were removed.
func (s *RefreshTokenStore) RevokeAllForClient(clientID string) int {
	s.mu.Lock()
	removed := 0
	for key, record := range s.tokens {
		if record.ClientID == clientID {
			delete(s.tokens, key)
			removed++
		}
	}
	s.mu.Unlock()

	if removed > 0 {
		s.save.Schedule()
	}
	return removed
}

// Cleanup removes all expired or rotated records and returns the count. A
// save is scheduled only when at least one record was removed.
func (s *RefreshTokenStore) Cleanup() int {
	now := time.Now()

	s.mu.Lock()
	removed := 0
	for key, record := range s.tokens {
		if record.Rotated || !record.ExpiresAt.After(now) {
			delete(s.tokens, key)
			removed++
		}
	}
	s.mu.Unlock()

	if removed > 0 {
		s.save.Schedule()
		s.logger.Debug("Cleaned up refresh tokens", "removed", removed)
	}
	return removed
}

// Load decrypts the store file and replaces the in-memory set. Missing or
// corrupt files start the store empty.
func (s *RefreshTokenStore) Load(ctx context.Context) error {
	var data []byte
	err := s.locks.WithLock(ctx, s.path, func() error {
		var readErr error
		data, readErr = s.vault.DecryptFromFile(s.path)
		return readErr
	})
	if err != nil {
		return fmt.Errorf("failed to read refresh token store: %w", err)
	}

	tokens := make(map[string]*RefreshToken)
	if len(data) > 0 {
		var file tokensFile
		if err := json.Unmarshal(data, &file); err != nil {
			s.logger.Warn("Refresh token store file is malformed, starting empty", "error", err)
		} else {
			for _, record := range file.Tokens {
				tokens[record.Token] = record
			}
		}
	}

	s.mu.Lock()
	s.tokens = tokens
	s.mu.Unlock()

	s.logger.Debug("Loaded refresh token store", "tokens", len(tokens))
	return nil
}

// Flush cancels any pending debounced save and writes immediately.
func (s *RefreshTokenStore) Flush(ctx context.Context) error {
	s.save.Cancel()
	return s.persist(ctx)
}

// Len returns the number of records, including rotated ones awaiting
// cleanup.
func (s *RefreshTokenStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens)
}

func (s *RefreshTokenStore) snapshot() ([]byte, error) {
	s.mu.Lock()
	file := tokensFile{Tokens: make([]*RefreshToken, 0, len(s.tokens))}
	for _, record := range s.tokens {
		file.Tokens = append(file.Tokens, record)
	}
	s.mu.Unlock()
	return json.Marshal(&file)
}

func (s *RefreshTokenStore) persist(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "refreshtokenstore.persist")
	defer span.End()

	data, err := s.snapshot()
	if err != nil {
		return fmt.Errorf("failed to marshal refresh token store: %w", err)
	}
	return s.locks.WithLock(ctx, s.path, func() error {
		return s.vault.EncryptToFile(data, s.path)
	})
}
