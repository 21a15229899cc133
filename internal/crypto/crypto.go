package crypto

import (
	"errors"
	"fmt"

	"github.com/fernet/fernet-go"
)

// fernetKeySetting is the settings key the sealing key is persisted under.
const fernetKeySetting = "fernet_key"

// ErrInvalidToken is returned when a ciphertext fails verification.
var ErrInvalidToken = errors.New("decrypt: invalid token")

// SettingStore persists the sealing key.
type SettingStore interface {
	GetSetting(key string) (string, error)
	SetSetting(key, value string) error
}

// Sealer encrypts profile secrets at rest with a fernet key.
type Sealer struct {
	key *fernet.Key
}

// NewSealer builds a Sealer from an encoded fernet key.
func NewSealer(encodedKey string) (*Sealer, error) {
	key, err := fernet.DecodeKey(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("decode fernet key: %w", err)
	}
	return &Sealer{key: key}, nil
}

// LoadOrCreate reads the sealing key from store, generating and saving a new
// one on first use.
func LoadOrCreate(store SettingStore) (*Sealer, error) {
	keyStr, err := store.GetSetting(fernetKeySetting)
	if err != nil || keyStr == "" {
		var k fernet.Key
		if err := k.Generate(); err != nil {
			return nil, fmt.Errorf("generate fernet key: %w", err)
		}
		if err := store.SetSetting(fernetKeySetting, k.Encode()); err != nil {
			return nil, fmt.Errorf("save fernet key: %w", err)
		}
		return &Sealer{key: &k}, nil
	}
	return NewSealer(keyStr)
}

// Encrypt seals plaintext. Empty input stays empty.
func (s *Sealer) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	tok, err := fernet.EncryptAndSign([]byte(plaintext), s.key)
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	return string(tok), nil
}

// Decrypt opens a token produced by Encrypt. Empty input stays empty.
func (s *Sealer) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	msg := fernet.VerifyAndDecrypt([]byte(ciphertext), 0, []*fernet.Key{s.key})
	if msg == nil {
		return "", ErrInvalidToken
	}
	return string(msg), nil
}

// Mask hides all but the last four characters of a secret.
func Mask(value string) string {
	if value == "" {
		return ""
	}
	if len(value) > 4 {
		return "****" + value[len(value)-4:]
	}
	return "****"
}
