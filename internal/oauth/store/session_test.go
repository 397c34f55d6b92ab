package store

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func TestSessionStore_CreateAndGet(t *testing.T) {
	vault, locks, dir := newTestDeps(t)
	s := NewSessionStore(filepath.Join(dir, "sessions.enc"), vault, locks, time.Hour, nil)

	session := s.Create(context.Background(), "alice")
	if session.ID == "" {
		t.Fatal("Create() issued empty session id")
	}
	if session.UserID != "alice" {
		t.Errorf("UserID = %q, want %q", session.UserID, "alice")
	}
	if !session.ExpiresAt.After(session.CreatedAt) {
		t.Error("ExpiresAt must be after CreatedAt")
	}

	if got := s.Get(session.ID); got == nil || got.ID != session.ID {
		t.Error("Get() did not return the created session")
	}
	if s.Get("unknown") != nil {
		t.Error("Get() returned a session for an unknown id")
	}
}

func TestSessionStore_LazyExpiry(t *testing.T) {
	vault, locks, dir := newTestDeps(t)
	s := NewSessionStore(filepath.Join(dir, "sessions.enc"), vault, locks, 20*time.Millisecond, nil)

	session := s.Create(context.Background(), "alice")
	time.Sleep(30 * time.Millisecond)

	if got := s.Get(session.ID); got != nil {
		t.Error("Get() returned an expired session")
	}
	// The expired session was evicted by the read itself.
	if s.Len() != 0 {
		t.Errorf("Len() after lazy expiry = %d, want 0", s.Len())
	}
}

func TestSessionStore_Delete(t *testing.T) {
	vault, locks, dir := newTestDeps(t)
	s := NewSessionStore(filepath.Join(dir, "sessions.enc"), vault, locks, time.Hour, nil)

	session := s.Create(context.Background(), "alice")
	if !s.Delete(context.Background(), session.ID) {
		t.Error("Delete() = false for existing session")
	}
	if s.Get(session.ID) != nil {
		t.Error("Get() returned a deleted session")
	}
	if s.Delete(context.Background(), session.ID) {
		t.Error("Delete() = true for missing session")
	}
}

func TestSessionStore_CapEnforcedOnCreate(t *testing.T) {
	vault, locks, dir := newTestDeps(t)
	s := NewSessionStore(filepath.Join(dir, "sessions.enc"), vault, locks, time.Hour, nil)

	for i := 0; i < maxSessions+20; i++ {
		s.Create(context.Background(), fmt.Sprintf("user-%d", i))
	}
	if got := s.Len(); got != maxSessions {
		t.Errorf("Len() = %d, want %d", got, maxSessions)
	}
}

func TestSessionStore_CapEnforcedOnLoad(t *testing.T) {
	vault, locks, dir := newTestDeps(t)
	path := filepath.Join(dir, "sessions.enc")

	// 150 sessions with strictly increasing creation times: after load only
	// the newest 100 may remain.
	base := time.Now().Add(-time.Minute)
	file := sessionsFile{}
	for i := 0; i < 150; i++ {
		file.Sessions = append(file.Sessions, &Session{
			ID:        fmt.Sprintf("sess-%03d", i),
			UserID:    "alice",
			CreatedAt: base.Add(time.Duration(i) * time.Millisecond),
			ExpiresAt: time.Now().Add(time.Hour),
		})
	}
	data, err := json.Marshal(&file)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if err := vault.EncryptToFile(data, path); err != nil {
		t.Fatalf("EncryptToFile() error = %v", err)
	}

	s := NewSessionStore(path, vault, locks, time.Hour, nil)
	if err := s.Load(context.Background()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if got := s.Len(); got != maxSessions {
		t.Errorf("Len() = %d, want %d", got, maxSessions)
	}
	if s.Get("sess-000") != nil {
		t.Error("oldest session survived the cap")
	}
	if s.Get("sess-149") == nil {
		t.Error("newest session was evicted")
	}
}

func TestSessionStore_LoadFiltersExpired(t *testing.T) {
	vault, locks, dir := newTestDeps(t)
	path := filepath.Join(dir, "sessions.enc")

	file := sessionsFile{Sessions: []*Session{
		{ID: "live", UserID: "alice", CreatedAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour)},
		{ID: "dead", UserID: "alice", CreatedAt: time.Now().Add(-2 * time.Hour), ExpiresAt: time.Now().Add(-time.Hour)},
	}}
	data, err := json.Marshal(&file)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if err := vault.EncryptToFile(data, path); err != nil {
		t.Fatalf("EncryptToFile() error = %v", err)
	}

	s := NewSessionStore(path, vault, locks, time.Hour, nil)
	if err := s.Load(context.Background()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if s.Get("live") == nil {
		t.Error("unexpired session was dropped on load")
	}
	if s.Get("dead") != nil {
		t.Error("expired session survived load")
	}
}

func TestSessionStore_FlushAndReload(t *testing.T) {
	vault, locks, dir := newTestDeps(t)
	path := filepath.Join(dir, "sessions.enc")

	s := NewSessionStore(path, vault, locks, time.Hour, nil)
	session := s.Create(context.Background(), "alice")
	if err := s.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	// Flush is idempotent.
	if err := s.Flush(context.Background()); err != nil {
		t.Fatalf("second Flush() error = %v", err)
	}

	reloaded := NewSessionStore(path, vault, locks, time.Hour, nil)
	if err := reloaded.Load(context.Background()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	got := reloaded.Get(session.ID)
	if got == nil {
		t.Fatal("session did not survive flush and reload")
	}
	if got.UserID != "alice" {
		t.Errorf("UserID = %q, want %q", got.UserID, "alice")
	}
}
