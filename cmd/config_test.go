package cmd

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tasknest.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

const minimalConfig = `
issuer: http://localhost:8085
data_dir: /tmp/tasknest
credentials_file: /tmp/users.yaml
encryption_passphrase: swordfish
access_token_signing_key: sign-me
`

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.ListenAddr != "127.0.0.1:8085" {
		t.Errorf("ListenAddr = %q, want default", cfg.ListenAddr)
	}
	if len(cfg.Scopes) == 0 {
		t.Error("Scopes should default to a non-empty set")
	}
	if got := cfg.StorePath("clients.enc"); got != filepath.Join("/tmp/tasknest", "clients.enc") {
		t.Errorf("StorePath() = %q", got)
	}
}

func TestLoadConfig_Validation(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing issuer", `
data_dir: /tmp/t
credentials_file: /tmp/u.yaml
encryption_passphrase: x
access_token_signing_key: k
`},
		{"missing data_dir", `
issuer: http://localhost:8085
credentials_file: /tmp/u.yaml
encryption_passphrase: x
access_token_signing_key: k
`},
		{"no key material", `
issuer: http://localhost:8085
data_dir: /tmp/t
credentials_file: /tmp/u.yaml
access_token_signing_key: k
`},
		{"both key materials", `
issuer: http://localhost:8085
data_dir: /tmp/t
credentials_file: /tmp/u.yaml
encryption_key: abc
encryption_passphrase: x
access_token_signing_key: k
`},
		{"missing signing key", `
issuer: http://localhost:8085
data_dir: /tmp/t
credentials_file: /tmp/u.yaml
encryption_passphrase: x
`},
		{"not yaml", ":\tnope"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadConfig(writeConfig(t, tt.content)); err == nil {
				t.Error("LoadConfig() should fail")
			}
		})
	}

	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("LoadConfig() should fail on missing file")
	}
}
