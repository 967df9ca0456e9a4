// Package vault encrypts and persists per-platform credentials. Secrets are
// sealed with AES-256-GCM under a master key that lives in the OS secret
// service, never in application files. No other component stores secrets.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/zalando/go-keyring"

	"tuneplane/internal/platform"
)

const (
	keyringService = "tuneplane"
	keyringUser    = "vault-master-key"
	masterKeyLen   = 32
)

// ErrNotFound is returned when no credentials are stored for a platform.
var ErrNotFound = errors.New("vault: no credentials for platform")

// Keyring is the subset of the OS secret service the vault needs. The real
// implementation is the system keychain; tests inject a fake.
type Keyring interface {
	Get(service, user string) (string, error)
	Set(service, user, secret string) error
}

type systemKeyring struct{}

func (systemKeyring) Get(service, user string) (string, error) { return keyring.Get(service, user) }
func (systemKeyring) Set(service, user, secret string) error {
	return keyring.Set(service, user, secret)
}

// Vault persists sealed credentials in a single file keyed by platform name.
// Writes are serialized and go through an atomic rename so the file is never
// observed half-written.
type Vault struct {
	path string
	ring Keyring

	mu  sync.Mutex
	key []byte // cached after first unlock
}

// vaultFile is the on-disk format. Values are base64(nonce || ciphertext).
type vaultFile struct {
	Version   int               `json:"version"`
	Platforms map[string]string `json:"platforms"`
}

// New creates a vault backed by the OS keychain.
func New(path string) *Vault {
	return &Vault{path: path, ring: systemKeyring{}}
}

// NewWithKeyring creates a vault with an explicit keyring, for tests.
func NewWithKeyring(path string, ring Keyring) *Vault {
	return &Vault{path: path, ring: ring}
}

// Store seals and persists credentials for a platform, replacing any previous
// value. The write is durable before Store returns.
func (v *Vault) Store(name string, creds platform.Credentials) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	key, err := v.masterKey()
	if err != nil {
		return err
	}

	plaintext, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("vault: failed to encode credentials: %w", err)
	}

	sealed, err := seal(key, plaintext)
	if err != nil {
		return err
	}

	file, err := v.load()
	if err != nil {
		return err
	}
	file.Platforms[name] = sealed

	return v.save(file)
}

// Retrieve unseals the credentials for a platform.
func (v *Vault) Retrieve(name string) (platform.Credentials, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	file, err := v.load()
	if err != nil {
		return platform.Credentials{}, err
	}

	sealed, ok := file.Platforms[name]
	if !ok {
		return platform.Credentials{}, ErrNotFound
	}

	key, err := v.masterKey()
	if err != nil {
		return platform.Credentials{}, err
	}

	plaintext, err := open(key, sealed)
	if err != nil {
		return platform.Credentials{}, err
	}

	var creds platform.Credentials
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return platform.Credentials{}, fmt.Errorf("vault: failed to decode credentials: %w", err)
	}
	return creds, nil
}

// Delete removes the credentials for a platform. Deleting an absent platform
// is not an error.
func (v *Vault) Delete(name string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	file, err := v.load()
	if err != nil {
		return err
	}
	if _, ok := file.Platforms[name]; !ok {
		return nil
	}
	delete(file.Platforms, name)

	return v.save(file)
}

// Has reports whether credentials exist for a platform without unsealing.
func (v *Vault) Has(name string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	file, err := v.load()
	if err != nil {
		return false
	}
	_, ok := file.Platforms[name]
	return ok
}

// masterKey returns the cached key, fetching or generating it in the OS
// keychain on first use. Callers hold v.mu.
func (v *Vault) masterKey() ([]byte, error) {
	if v.key != nil {
		return v.key, nil
	}

	encoded, err := v.ring.Get(keyringService, keyringUser)
	if err == nil {
		key, decErr := base64.StdEncoding.DecodeString(encoded)
		if decErr != nil || len(key) != masterKeyLen {
			return nil, fmt.Errorf("vault: keychain holds a malformed master key")
		}
		v.key = key
		return key, nil
	}

	// First run: generate a key and hand it to the keychain.
	key := make([]byte, masterKeyLen)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("vault: failed to generate master key: %w", err)
	}
	if err := v.ring.Set(keyringService, keyringUser, base64.StdEncoding.EncodeToString(key)); err != nil {
		return nil, fmt.Errorf("vault: failed to store master key in keychain: %w", err)
	}
	v.key = key
	return key, nil
}

func (v *Vault) load() (*vaultFile, error) {
	data, err := os.ReadFile(v.path)
	if errors.Is(err, os.ErrNotExist) {
		return &vaultFile{Version: 1, Platforms: map[string]string{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("vault: failed to read %s: %w", v.path, err)
	}

	var file vaultFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("vault: failed to parse %s: %w", v.path, err)
	}
	if file.Platforms == nil {
		file.Platforms = map[string]string{}
	}
	return &file, nil
}

// save writes the vault file atomically: temp file in the same directory,
// then rename.
func (v *Vault) save(file *vaultFile) error {
	data, err := json.Marshal(file)
	if err != nil {
		return fmt.Errorf("vault: failed to encode file: %w", err)
	}

	dir := filepath.Dir(v.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("vault: failed to create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".vault-*")
	if err != nil {
		return fmt.Errorf("vault: failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("vault: failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, v.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("vault: failed to replace %s: %w", v.path, err)
	}
	return nil
}

func seal(key, plaintext []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("vault: failed to init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("vault: failed to init gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("vault: failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func open(key []byte, encoded string) ([]byte, error) {
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("vault: malformed sealed value: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: failed to init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: failed to init gcm: %w", err)
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, fmt.Errorf("vault: sealed value too short")
	}

	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("vault: failed to unseal credentials: %w", err)
	}
	return plaintext, nil
}
