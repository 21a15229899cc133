// Package profile defines the connection profile consumed by the session,
// transfer and terminal layers, and the lookup contract used to fetch it.
package profile

import (
	"context"
	"errors"
	"fmt"
)

// AuthType selects how a profile authenticates.
type AuthType string

const (
	AuthPassword AuthType = "PASSWORD"
	AuthKey      AuthType = "KEY"
)

// DefaultPort is used when a profile does not specify one.
const DefaultPort = 22

// ErrNotFound is returned by a Source for an unknown profile id.
var ErrNotFound = errors.New("profile not found")

// Profile holds decrypted connection credentials for one remote host.
// It is read-only to everything that consumes it.
type Profile struct {
	ID         uint
	Nickname   string
	Host       string
	Port       int
	Username   string
	AuthType   AuthType
	Password   string
	PrivateKey string
	Passphrase string
}

// Source looks profiles up by id.
type Source interface {
	GetProfile(ctx context.Context, id uint) (Profile, error)
}

// SessionKey returns the deterministic SFTP session key for the profile:
// sftp_<profileId>_<username>_<host>_<port>. The same profile state always
// yields the same key, which is what lets connections be reused.
func (p Profile) SessionKey() string {
	return fmt.Sprintf("sftp_%d_%s_%s_%d", p.ID, p.Username, p.Host, p.EffectivePort())
}

// EffectivePort returns Port, or DefaultPort when unset.
func (p Profile) EffectivePort() int {
	if p.Port <= 0 {
		return DefaultPort
	}
	return p.Port
}

// DisplayName is the nickname, falling back to user@host.
func (p Profile) DisplayName() string {
	if p.Nickname != "" {
		return p.Nickname
	}
	return p.Username + "@" + p.Host
}

// Validate checks the fields needed to open a connection.
func (p Profile) Validate() error {
	if p.Host == "" {
		return fmt.Errorf("profile %d: host is empty", p.ID)
	}
	if p.Username == "" {
		return fmt.Errorf("profile %d: username is empty", p.ID)
	}
	if port := p.EffectivePort(); port > 65535 {
		return fmt.Errorf("profile %d: invalid port %d", p.ID, port)
	}
	switch p.AuthType {
	case AuthPassword:
	case AuthKey:
		if p.PrivateKey == "" {
			return fmt.Errorf("profile %d: key auth without private key", p.ID)
		}
	default:
		return fmt.Errorf("profile %d: unknown auth type %q", p.ID, p.AuthType)
	}
	return nil
}

// StaticSource is an in-memory Source.
type StaticSource map[uint]Profile

// GetProfile implements Source.
func (s StaticSource) GetProfile(_ context.Context, id uint) (Profile, error) {
	p, ok := s[id]
	if !ok {
		return Profile{}, fmt.Errorf("profile %d: %w", id, ErrNotFound)
	}
	return p, nil
}
