package database

import "time"

// Profile is the persisted form of a connection profile. Secret columns hold
// fernet tokens, never plaintext.
type Profile struct {
	ID                  uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Nickname            string    `gorm:"not null" json:"nickname"`
	Host                string    `gorm:"not null" json:"host"`
	Port                int       `gorm:"not null;default:22" json:"port"`
	Username            string    `gorm:"not null" json:"username"`
	AuthType            string    `gorm:"not null;default:PASSWORD" json:"auth_type"`
	EncryptedPassword   string    `json:"-"`
	EncryptedPrivateKey string    `json:"-"`
	EncryptedPassphrase string    `json:"-"`
	CreatedAt           time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
