// Package secrets stores the webhook signing key outside the config file.
package secrets

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"

	"github.com/zalando/go-keyring"
	"golang.org/x/crypto/argon2"
)

const (
	// keyringService is the service name used in the system keyring.
	keyringService = "captrail"
	// keyringUser is the user/account name used in the system keyring.
	keyringUser = "webhook-signing-key"
	// keyLength is the signing key length in bytes.
	keyLength = 32
)

// EnvKey is the environment variable checked before the keyring, for CI and
// headless hosts.
const EnvKey = "CAPTRAIL_SIGNING_KEY"

// Argon2 parameters for passphrase-based key derivation.
const (
	argon2Time    = 1
	argon2Memory  = 64 * 1024 // 64 MB
	argon2Threads = 4
)

// ErrKeyringUnavailable indicates the system keyring is not available.
var ErrKeyringUnavailable = errors.New("system keyring unavailable")

// KeyProvider obtains the webhook signing key.
type KeyProvider interface {
	// GetKey returns the 32-byte signing key, generating and storing one if
	// none exists.
	GetKey() ([]byte, error)

	// ResetKey generates a new signing key, replacing any existing key.
	ResetKey() ([]byte, error)

	// Description returns a human-readable description of the key storage
	// mechanism.
	Description() string
}

// KeyringKeyProvider stores the signing key in the system keyring
// (macOS Keychain, Windows Credential Manager, Linux Secret Service).
type KeyringKeyProvider struct {
	mu sync.Mutex
}

// NewKeyringKeyProvider creates a new KeyringKeyProvider.
func NewKeyringKeyProvider() *KeyringKeyProvider {
	return &KeyringKeyProvider{}
}

// GetKey retrieves the signing key from the system keyring, generating a new
// random key on first use.
func (p *KeyringKeyProvider) GetKey() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	keyHex, err := keyring.Get(keyringService, keyringUser)
	if err == nil {
		key, decErr := hex.DecodeString(keyHex)
		if decErr == nil && len(key) == keyLength {
			return key, nil
		}
		// Invalid key format, regenerate
	}
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return nil, fmt.Errorf("%w: %v", ErrKeyringUnavailable, err)
	}

	return p.generateAndStoreKey()
}

// SetKey stores a caller-provided signing key in the keyring, replacing any
// existing key. Used by `captrail secret set`.
func (p *KeyringKeyProvider) SetKey(key []byte) error {
	if len(key) != keyLength {
		return fmt.Errorf("signing key must be %d bytes, got %d", keyLength, len(key))
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := keyring.Set(keyringService, keyringUser, hex.EncodeToString(key)); err != nil {
		return fmt.Errorf("%w: storing key: %v", ErrKeyringUnavailable, err)
	}
	return nil
}

// ResetKey generates a new signing key and stores it in the keyring.
func (p *KeyringKeyProvider) ResetKey() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.generateAndStoreKey()
}

// generateAndStoreKey creates a new random key and stores it in the keyring.
// Caller must hold p.mu.
func (p *KeyringKeyProvider) generateAndStoreKey() ([]byte, error) {
	key := make([]byte, keyLength)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating random key: %w", err)
	}

	if err := keyring.Set(keyringService, keyringUser, hex.EncodeToString(key)); err != nil {
		return nil, fmt.Errorf("%w: storing key: %v", ErrKeyringUnavailable, err)
	}
	return key, nil
}

// Description returns a description of this key provider.
func (p *KeyringKeyProvider) Description() string {
	switch runtime.GOOS {
	case "darwin":
		return "macOS Keychain"
	case "windows":
		return "Windows Credential Manager"
	default:
		return "System Keyring (Secret Service)"
	}
}

// PassphraseKeyProvider derives the signing key from a user-provided
// passphrase using Argon2id, for hosts without a keyring.
type PassphraseKeyProvider struct {
	passphrase string
	salt       []byte
}

// NewPassphraseKeyProvider creates a new PassphraseKeyProvider. The salt
// must be stored alongside the config so the same key derives on restart.
func NewPassphraseKeyProvider(passphrase string, salt []byte) *PassphraseKeyProvider {
	return &PassphraseKeyProvider{passphrase: passphrase, salt: salt}
}

// GetKey derives the signing key from the passphrase.
func (p *PassphraseKeyProvider) GetKey() ([]byte, error) {
	if p.passphrase == "" {
		return nil, errors.New("passphrase is required")
	}
	if len(p.salt) == 0 {
		return nil, errors.New("salt is required")
	}

	key := argon2.IDKey(
		[]byte(p.passphrase),
		p.salt,
		argon2Time,
		argon2Memory,
		argon2Threads,
		keyLength,
	)
	return key, nil
}

// ResetKey returns the same key (passphrase-derived keys cannot be reset).
func (p *PassphraseKeyProvider) ResetKey() ([]byte, error) {
	return p.GetKey()
}

// Description returns a description of this key provider.
func (p *PassphraseKeyProvider) Description() string {
	return "Passphrase-derived key (Argon2id)"
}

// GenerateSalt generates a random salt for passphrase key derivation.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}
	return salt, nil
}

// EnvKeyProvider reads the signing key from an environment variable,
// primarily for testing and CI environments.
type EnvKeyProvider struct {
	envVar string
}

// NewEnvKeyProvider creates an EnvKeyProvider reading the given variable.
func NewEnvKeyProvider(envVar string) *EnvKeyProvider {
	return &EnvKeyProvider{envVar: envVar}
}

// GetKey returns the hex-decoded key from the environment variable.
func (p *EnvKeyProvider) GetKey() ([]byte, error) {
	keyHex := os.Getenv(p.envVar)
	if keyHex == "" {
		return nil, fmt.Errorf("environment variable %s not set", p.envVar)
	}

	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid key in %s: %w", p.envVar, err)
	}
	if len(key) != keyLength {
		return nil, fmt.Errorf("key in %s must be %d bytes, got %d", p.envVar, keyLength, len(key))
	}
	return key, nil
}

// ResetKey is not supported for environment-based keys.
func (p *EnvKeyProvider) ResetKey() ([]byte, error) {
	return nil, errors.New("cannot reset environment-based key")
}

// Description returns a description of this key provider.
func (p *EnvKeyProvider) Description() string {
	return fmt.Sprintf("Environment variable (%s)", p.envVar)
}

// GetDefaultKeyProvider returns the key provider for the current
// environment. Priority:
//  1. CAPTRAIL_SIGNING_KEY environment variable (CI/testing)
//  2. System keyring
//
// If the keyring is unavailable, the error suggests setting the environment
// variable or using a passphrase-based provider.
func GetDefaultKeyProvider() (KeyProvider, error) {
	if os.Getenv(EnvKey) != "" {
		return NewEnvKeyProvider(EnvKey), nil
	}

	provider := NewKeyringKeyProvider()
	if _, err := provider.GetKey(); err != nil {
		if errors.Is(err, ErrKeyringUnavailable) {
			return nil, fmt.Errorf("system keyring unavailable; set %s environment variable: %w", EnvKey, err)
		}
		return nil, err
	}
	return provider, nil
}

// IsKeyringAvailable checks if the system keyring is accessible.
func IsKeyringAvailable() bool {
	provider := NewKeyringKeyProvider()
	_, err := provider.GetKey()
	return err == nil
}
