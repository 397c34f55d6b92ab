// Package auth provides the username/password backend for the authorization
// server's login page. Credentials live in a YAML file mapping usernames to
// bcrypt hashes, so the secret material at rest is never reversible.
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

// ErrInvalidCredentials is returned for any unknown user or wrong password.
// Callers must not distinguish the two cases.
var ErrInvalidCredentials = fmt.Errorf("invalid credentials")

// credentialsFile is the on-disk layout of the credentials file.
type credentialsFile struct {
	Users map[string]string `yaml:"users"`
}

// FileAuthenticator validates logins against a credentials file loaded at
// startup. The file maps usernames to bcrypt password hashes.
type FileAuthenticator struct {
	users  map[string]string
	logger *slog.Logger
}

// NewFileAuthenticator loads the credentials file at path.
func NewFileAuthenticator(path string, logger *slog.Logger) (*FileAuthenticator, error) {
	if logger == nil {
		logger = slog.Default()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials file: %w", err)
	}

	var file credentialsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse credentials file: %w", err)
	}
	if len(file.Users) == 0 {
		return nil, fmt.Errorf("credentials file %s defines no users", path)
	}

	for username, hash := range file.Users {
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("credentials for %q are not a bcrypt hash: %w", username, err)
		}
	}

	logger.Info("Loaded user credentials", "path", path, "users", len(file.Users))
	return &FileAuthenticator{users: file.Users, logger: logger}, nil
}

// Authenticate checks the password against the stored bcrypt hash. The
// username doubles as the stable user id.
func (a *FileAuthenticator) Authenticate(ctx context.Context, username, password string) (string, error) {
	hash, ok := a.users[username]
	if !ok {
		// Burn comparable time on unknown users to keep the timing
		// profile uniform.
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return "", ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}
	return username, nil
}

// dummyHash is a bcrypt hash of an unguessable throwaway value, used to
// equalize timing for unknown usernames.
var dummyHash = func() []byte {
	h, err := bcrypt.GenerateFromPassword([]byte("tasknest-dummy"), bcrypt.DefaultCost)
	if err != nil {
		panic(err)
	}
	return h
}()

// StaticAuthenticator validates against an in-memory map of plaintext
// passwords. Test use only.
type StaticAuthenticator struct {
	users map[string]string
}

// NewStatic creates an authenticator from a username to plaintext password map.
func NewStatic(users map[string]string) *StaticAuthenticator {
	return &StaticAuthenticator{users: users}
}

// Authenticate implements the same contract as FileAuthenticator.
func (a *StaticAuthenticator) Authenticate(ctx context.Context, username, password string) (string, error) {
	stored, ok := a.users[username]
	if !ok || stored != password {
		return "", ErrInvalidCredentials
	}
	return username, nil
}

// HashPassword produces a bcrypt hash suitable for the credentials file.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}
