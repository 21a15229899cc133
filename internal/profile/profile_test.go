package profile

import (
	"context"
	"errors"
	"testing"
)

func TestSessionKey(t *testing.T) {
	p := Profile{ID: 7, Username: "deploy", Host: "10.0.0.5", Port: 2222}
	if got, want := p.SessionKey(), "sftp_7_deploy_10.0.0.5_2222"; got != want {
		t.Errorf("SessionKey() = %q, want %q", got, want)
	}

	// Same state, same key.
	q := p
	if q.SessionKey() != p.SessionKey() {
		t.Error("identical profiles produced different keys")
	}

	// Nickname and secrets do not take part in the key.
	q.Nickname = "prod"
	q.Password = "changed"
	if q.SessionKey() != p.SessionKey() {
		t.Error("nickname/password changed the key")
	}

	q.Port = 22
	if q.SessionKey() == p.SessionKey() {
		t.Error("port change must change the key")
	}
}

func TestSessionKeyDefaultPort(t *testing.T) {
	p := Profile{ID: 1, Username: "root", Host: "example.com"}
	if got, want := p.SessionKey(), "sftp_1_root_example.com_22"; got != want {
		t.Errorf("SessionKey() = %q, want %q", got, want)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		p       Profile
		wantErr bool
	}{
		{"password ok", Profile{Host: "h", Username: "u", AuthType: AuthPassword}, false},
		{"key ok", Profile{Host: "h", Username: "u", AuthType: AuthKey, PrivateKey: "pem"}, false},
		{"no host", Profile{Username: "u", AuthType: AuthPassword}, true},
		{"no user", Profile{Host: "h", AuthType: AuthPassword}, true},
		{"bad port", Profile{Host: "h", Username: "u", Port: 70000, AuthType: AuthPassword}, true},
		{"key without key", Profile{Host: "h", Username: "u", AuthType: AuthKey}, true},
		{"unknown auth", Profile{Host: "h", Username: "u", AuthType: "TOTP"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.p.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDisplayName(t *testing.T) {
	if got := (Profile{Nickname: "web-1"}).DisplayName(); got != "web-1" {
		t.Errorf("got %q", got)
	}
	if got := (Profile{Username: "root", Host: "h"}).DisplayName(); got != "root@h" {
		t.Errorf("got %q", got)
	}
}

func TestStaticSource(t *testing.T) {
	src := StaticSource{3: {ID: 3, Host: "h"}}

	p, err := src.GetProfile(context.Background(), 3)
	if err != nil || p.ID != 3 {
		t.Fatalf("GetProfile(3) = %+v, %v", p, err)
	}

	_, err = src.GetProfile(context.Background(), 4)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
