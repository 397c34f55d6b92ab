package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"tasknest/internal/fslock"
	"tasknest/internal/security"
)

// maxSessions caps how many login sessions are retained. When the cap would
// be exceeded, the oldest sessions by creation time are evicted, so the
// limit holds after every save and after every reload.
const maxSessions = 100

// Session is a login session backing the authorization UI.
type Session struct {
	ID        string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the session has expired at the given instant.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}

// SessionStore is the persisted set of login sessions.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*Session

	path   string
	vault  *security.FileVault
	locks  *fslock.Manager
	ttl    time.Duration
	logger *slog.Logger
	tracer trace.Tracer
}

type sessionsFile struct {
	Sessions []*Session `json:"sessions"`
}

// NewSessionStore creates a session store persisting to path. ttl is the
// session lifetime from creation.
func NewSessionStore(path string, vault *security.FileVault, locks *fslock.Manager, ttl time.Duration, logger *slog.Logger) *SessionStore {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &SessionStore{
		sessions: make(map[string]*Session),
		path:     path,
		vault:    vault,
		locks:    locks,
		ttl:      ttl,
		logger:   logger,
		tracer:   otel.Tracer("tasknest/internal/oauth/store"),
	}
}

// Create inserts a new session for userID and triggers an asynchronous,
// best-effort save. A failed save does not roll back the insert.
func (s *SessionStore) Create(ctx context.Context, userID string) *Session {
	now := time.Now()
	session := &Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}

	s.mu.Lock()
	s.sessions[session.ID] = session
	evicted := s.evictOverCapLocked()
	s.mu.Unlock()

	if evicted > 0 {
		s.logger.Debug("Evicted oldest sessions over cap", "evicted", evicted)
	}

	go func() {
		if err := s.persist(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("Best-effort session save failed", "error", err)
		}
	}()

	return session
}

// Get returns the session with the given id, deleting it first when it has
// expired (lazy expiry). The expiry check and the eviction are an explicit
// two-step so the side effect of the read stays visible and testable.
func (s *SessionStore) Get(id string) *Session {
	s.mu.Lock()
	session, ok := s.sessions[id]
	expired := ok && session.Expired(time.Now())
	if expired {
		delete(s.sessions, id)
	}
	s.mu.Unlock()

	if !ok {
		return nil
	}
	if expired {
		go func() {
			if err := s.persist(context.Background()); err != nil {
				s.logger.Warn("Failed to persist lazy session eviction", "error", err)
			}
		}()
		return nil
	}
	return session
}

// Delete removes a session and triggers an asynchronous save.
func (s *SessionStore) Delete(ctx context.Context, id string) bool {
	s.mu.Lock()
	_, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
	}
	s.mu.Unlock()

	if !ok {
		return false
	}
	go func() {
		if err := s.persist(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("Failed to persist session deletion", "error", err)
		}
	}()
	return true
}

// Load decrypts the store file and replaces the in-memory set, filtering out
// already-expired sessions and enforcing the retention cap.
func (s *SessionStore) Load(ctx context.Context) error {
	var data []byte
	err := s.locks.WithLock(ctx, s.path, func() error {
		var readErr error
		data, readErr = s.vault.DecryptFromFile(s.path)
		return readErr
	})
	if err != nil {
		return fmt.Errorf("failed to read session store: %w", err)
	}

	sessions := make(map[string]*Session)
	if len(data) > 0 {
		var file sessionsFile
		if err := json.Unmarshal(data, &file); err != nil {
			s.logger.Warn("Session store file is malformed, starting empty", "error", err)
		} else {
			now := time.Now()
			for _, sess := range file.Sessions {
				if !sess.Expired(now) {
					sessions[sess.ID] = sess
				}
			}
		}
	}

	s.mu.Lock()
	s.sessions = sessions
	s.evictOverCapLocked()
	s.mu.Unlock()

	s.logger.Debug("Loaded session store", "sessions", len(sessions))
	return nil
}

// Flush performs an immediate, mutex-serialized write. Repeated calls are
// idempotent: each write replaces the file with a complete snapshot.
func (s *SessionStore) Flush(ctx context.Context) error {
	return s.persist(ctx)
}

// Len returns the number of retained sessions.
func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// evictOverCapLocked drops the oldest-by-creation sessions until the cap
// holds. Caller must hold s.mu. Returns how many sessions were evicted.
func (s *SessionStore) evictOverCapLocked() int {
	if len(s.sessions) <= maxSessions {
		return 0
	}

	all := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		all = append(all, sess)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})

	evicted := 0
	for _, sess := range all[:len(all)-maxSessions] {
		delete(s.sessions, sess.ID)
		evicted++
	}
	return evicted
}

func (s *SessionStore) snapshot() ([]byte, error) {
	s.mu.Lock()
	file := sessionsFile{Sessions: make([]*Session, 0, len(s.sessions))}
	for _, sess := range s.sessions {
		file.Sessions = append(file.Sessions, sess)
	}
	s.mu.Unlock()
	return json.Marshal(&file)
}

func (s *SessionStore) persist(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "sessionstore.persist")
	defer span.End()

	data, err := s.snapshot()
	if err != nil {
		return fmt.Errorf("failed to marshal session store: %w", err)
	}
	return s.locks.WithLock(ctx, s.path, func() error {
		return s.vault.EncryptToFile(data, s.path)
	})
}
