package database

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/shellport/shellport/internal/profile"
)

// seedFile is the on-disk format of PROFILES_FILE:
//
//	profiles:
//	  - nickname: web-1
//	    host: 10.0.0.5
//	    port: 22
//	    username: deploy
//	    auth_type: KEY
//	    private_key_file: /etc/shellport/web-1.pem
type seedFile struct {
	Profiles []seedProfile `yaml:"profiles"`
}

type seedProfile struct {
	Nickname       string `yaml:"nickname"`
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	Username       string `yaml:"username"`
	AuthType       string `yaml:"auth_type"`
	Password       string `yaml:"password"`
	PrivateKey     string `yaml:"private_key"`
	PrivateKeyFile string `yaml:"private_key_file"`
	Passphrase     string `yaml:"passphrase"`
}

// ParseSeed decodes a profile seed document.
func ParseSeed(data []byte) ([]profile.Profile, error) {
	var doc seedFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse profiles: %w", err)
	}

	out := make([]profile.Profile, 0, len(doc.Profiles))
	for i, sp := range doc.Profiles {
		if sp.Nickname == "" {
			return nil, fmt.Errorf("profiles[%d]: nickname is required", i)
		}
		authType := profile.AuthType(sp.AuthType)
		if authType == "" {
			authType = profile.AuthPassword
		}
		key := sp.PrivateKey
		if key == "" && sp.PrivateKeyFile != "" {
			b, err := os.ReadFile(sp.PrivateKeyFile)
			if err != nil {
				return nil, fmt.Errorf("profiles[%d]: read private key: %w", i, err)
			}
			key = string(b)
		}
		p := profile.Profile{
			Nickname:   sp.Nickname,
			Host:       sp.Host,
			Port:       sp.Port,
			Username:   sp.Username,
			AuthType:   authType,
			Password:   sp.Password,
			PrivateKey: key,
			Passphrase: sp.Passphrase,
		}
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("profiles[%d] (%s): %w", i, sp.Nickname, err)
		}
		out = append(out, p)
	}
	return out, nil
}

// LoadSeedFile upserts every profile in the YAML file at path, keyed by
// nickname. An empty path is a no-op.
func (s *Store) LoadSeedFile(ctx context.Context, path string, logger *slog.Logger) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read profiles file: %w", err)
	}
	profiles, err := ParseSeed(data)
	if err != nil {
		return err
	}
	for _, p := range profiles {
		id, err := s.UpsertProfileByNickname(ctx, p)
		if err != nil {
			return err
		}
		if logger != nil {
			logger.Info("seeded profile", "id", id, "nickname", p.Nickname, "host", p.Host)
		}
	}
	return nil
}
