package database

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/shellport/shellport/internal/profile"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSettings(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.GetSetting("missing"); err == nil {
		t.Error("expected error for missing setting")
	}
	if err := s.SetSetting("a", "1"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	if err := s.SetSetting("a", "2"); err != nil {
		t.Fatalf("SetSetting overwrite: %v", err)
	}
	if v, err := s.GetSetting("a"); err != nil || v != "2" {
		t.Errorf("GetSetting = %q, %v", v, err)
	}

	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}

	// Open generates and stores the sealing key.
	if v, err := s.GetSetting("fernet_key"); err != nil || v == "" {
		t.Errorf("fernet_key not stored: %q, %v", v, err)
	}
}

func TestProfileSecretsAreSealed(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.CreateProfile(ctx, profile.Profile{
		Nickname: "web-1",
		Host:     "10.0.0.5",
		Username: "deploy",
		AuthType: profile.AuthPassword,
		Password: "hunter2",
	})
	if err != nil {
		t.Fatalf("CreateProfile: %v", err)
	}

	var row Profile
	if err := s.db.First(&row, id).Error; err != nil {
		t.Fatalf("load row: %v", err)
	}
	if row.EncryptedPassword == "" || row.EncryptedPassword == "hunter2" {
		t.Errorf("password stored as %q", row.EncryptedPassword)
	}
	if row.Port != profile.DefaultPort {
		t.Errorf("Port = %d, want default", row.Port)
	}

	p, err := s.GetProfile(ctx, id)
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if p.Password != "hunter2" || p.Host != "10.0.0.5" || p.ID != id {
		t.Errorf("GetProfile = %+v", p)
	}
	if p.SessionKey() != "sftp_1_deploy_10.0.0.5_22" {
		t.Errorf("SessionKey = %q", p.SessionKey())
	}
}

func TestGetProfileNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetProfile(context.Background(), 42)
	if !errors.Is(err, profile.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSeedFileUpserts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	dir := t.TempDir()
	keyPath := filepath.Join(dir, "id.pem")
	if err := os.WriteFile(keyPath, []byte("-----BEGIN KEY-----"), 0600); err != nil {
		t.Fatal(err)
	}
	seed := filepath.Join(dir, "profiles.yaml")
	doc := `profiles:
  - nickname: web-1
    host: 10.0.0.5
    username: deploy
    password: pw
  - nickname: db-1
    host: 10.0.0.6
    port: 2222
    username: admin
    auth_type: KEY
    private_key_file: ` + keyPath + `
`
	if err := os.WriteFile(seed, []byte(doc), 0600); err != nil {
		t.Fatal(err)
	}

	if err := s.LoadSeedFile(ctx, seed, nil); err != nil {
		t.Fatalf("LoadSeedFile: %v", err)
	}
	// Loading twice must not duplicate rows.
	if err := s.LoadSeedFile(ctx, seed, nil); err != nil {
		t.Fatalf("second LoadSeedFile: %v", err)
	}

	rows, err := s.ListProfiles(ctx)
	if err != nil {
		t.Fatalf("ListProfiles: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d profiles, want 2", len(rows))
	}

	p, err := s.GetProfile(ctx, rows[1].ID)
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if p.AuthType != profile.AuthKey || p.PrivateKey != "-----BEGIN KEY-----" || p.Port != 2222 {
		t.Errorf("db-1 = %+v", p)
	}
}

func TestParseSeedRejectsInvalid(t *testing.T) {
	tests := map[string]string{
		"no nickname": "profiles:\n  - host: h\n    username: u\n",
		"no host":     "profiles:\n  - nickname: n\n    username: u\n",
		"bad yaml":    "profiles: [",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseSeed([]byte(doc)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoadSeedFileEmptyPath(t *testing.T) {
	s := openTestStore(t)
	if err := s.LoadSeedFile(context.Background(), "", nil); err != nil {
		t.Errorf("empty path: %v", err)
	}
}
