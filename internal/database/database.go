package database

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/shellport/shellport/internal/crypto"
	"github.com/shellport/shellport/internal/profile"
)

// Store is the sqlite-backed profile and settings store.
type Store struct {
	db     *gorm.DB
	sealer *crypto.Sealer
}

// Open opens (creating if needed) the sqlite database at path, migrates the
// schema and loads the secret sealing key.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if err := db.AutoMigrate(&Profile{}, &Setting{}); err != nil {
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}

	s := &Store{db: db}
	sealer, err := crypto.LoadOrCreate(s)
	if err != nil {
		return nil, fmt.Errorf("load sealing key: %w", err)
	}
	s.sealer = sealer
	return s, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// GetSetting implements crypto.SettingStore.
func (s *Store) GetSetting(key string) (string, error) {
	var setting Setting
	if err := s.db.Where("key = ?", key).First(&setting).Error; err != nil {
		return "", err
	}
	return setting.Value, nil
}

// SetSetting implements crypto.SettingStore.
func (s *Store) SetSetting(key, value string) error {
	return s.db.Save(&Setting{Key: key, Value: value}).Error
}

// GetProfile implements profile.Source, returning decrypted credentials.
func (s *Store) GetProfile(ctx context.Context, id uint) (profile.Profile, error) {
	var row Profile
	if err := s.db.WithContext(ctx).First(&row, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return profile.Profile{}, fmt.Errorf("profile %d: %w", id, profile.ErrNotFound)
		}
		return profile.Profile{}, fmt.Errorf("load profile %d: %w", id, err)
	}
	return s.open(row)
}

// ListProfiles returns all stored profiles. Secret columns are not decrypted.
func (s *Store) ListProfiles(ctx context.Context) ([]Profile, error) {
	var rows []Profile
	if err := s.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	return rows, nil
}

// CreateProfile seals p's secrets and inserts it, returning the new id.
func (s *Store) CreateProfile(ctx context.Context, p profile.Profile) (uint, error) {
	row, err := s.seal(p)
	if err != nil {
		return 0, err
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return 0, fmt.Errorf("create profile: %w", err)
	}
	return row.ID, nil
}

// UpsertProfileByNickname updates the profile with the same nickname, or
// creates it. Used by the seed loader so restarts don't duplicate entries.
func (s *Store) UpsertProfileByNickname(ctx context.Context, p profile.Profile) (uint, error) {
	row, err := s.seal(p)
	if err != nil {
		return 0, err
	}

	var existing Profile
	err = s.db.WithContext(ctx).Where("nickname = ?", p.Nickname).First(&existing).Error
	switch {
	case err == nil:
		row.ID = existing.ID
		row.CreatedAt = existing.CreatedAt
		if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
			return 0, fmt.Errorf("update profile %q: %w", p.Nickname, err)
		}
		return row.ID, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
			return 0, fmt.Errorf("create profile %q: %w", p.Nickname, err)
		}
		return row.ID, nil
	default:
		return 0, fmt.Errorf("find profile %q: %w", p.Nickname, err)
	}
}

func (s *Store) seal(p profile.Profile) (Profile, error) {
	port := p.Port
	if port <= 0 {
		port = profile.DefaultPort
	}
	row := Profile{
		ID:       p.ID,
		Nickname: p.Nickname,
		Host:     p.Host,
		Port:     port,
		Username: p.Username,
		AuthType: string(p.AuthType),
	}
	var err error
	if row.EncryptedPassword, err = s.sealer.Encrypt(p.Password); err != nil {
		return Profile{}, fmt.Errorf("seal password: %w", err)
	}
	if row.EncryptedPrivateKey, err = s.sealer.Encrypt(p.PrivateKey); err != nil {
		return Profile{}, fmt.Errorf("seal private key: %w", err)
	}
	if row.EncryptedPassphrase, err = s.sealer.Encrypt(p.Passphrase); err != nil {
		return Profile{}, fmt.Errorf("seal passphrase: %w", err)
	}
	return row, nil
}

func (s *Store) open(row Profile) (profile.Profile, error) {
	p := profile.Profile{
		ID:       row.ID,
		Nickname: row.Nickname,
		Host:     row.Host,
		Port:     row.Port,
		Username: row.Username,
		AuthType: profile.AuthType(row.AuthType),
	}
	var err error
	if p.Password, err = s.sealer.Decrypt(row.EncryptedPassword); err != nil {
		return profile.Profile{}, fmt.Errorf("profile %d password: %w", row.ID, err)
	}
	if p.PrivateKey, err = s.sealer.Decrypt(row.EncryptedPrivateKey); err != nil {
		return profile.Profile{}, fmt.Errorf("profile %d private key: %w", row.ID, err)
	}
	if p.Passphrase, err = s.sealer.Decrypt(row.EncryptedPassphrase); err != nil {
		return profile.Profile{}, fmt.Errorf("profile %d passphrase: %w", row.ID, err)
	}
	return p, nil
}
