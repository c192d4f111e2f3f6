package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/clanhub/appcore/internal/apperrors"
)

// File is a Keystore backed by a single AES-256-GCM encrypted file. It is
// the fallback for hosts without an OS keychain; mobile shells should plug a
// platform-backed Keystore instead.
type File struct {
	path string
	key  []byte

	mu      sync.Mutex
	entries map[string][]byte
}

// OpenFile loads (or creates) the encrypted keystore file under dir. The
// secret seeds the encryption key; it must be stable across restarts for
// stored sessions to survive.
func OpenFile(dir string, secret []byte) (*File, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUnavailable, "create keystore dir", err)
	}

	f := &File{
		path:    filepath.Join(dir, "keystore.bin"),
		key:     deriveKey(secret),
		entries: make(map[string][]byte),
	}
	if err := f.load(); err != nil {
		return nil, err
	}
	return f, nil
}

var _ Keystore = (*File)(nil)

// Get returns the value stored under key.
func (f *File) Get(key string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	value, ok := f.entries[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), value...), true, nil
}

// Set stores value under key and flushes to disk.
func (f *File) Set(key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[key] = append([]byte(nil), value...)
	return f.flush()
}

// Delete removes key and flushes to disk. Deleting an absent key is a no-op.
func (f *File) Delete(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.entries[key]; !ok {
		return nil
	}
	delete(f.entries, key)
	return f.flush()
}

func (f *File) load() error {
	raw, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return apperrors.Wrap(apperrors.CodeUnavailable, "read keystore file", err)
	}

	plain, err := decrypt(string(raw), f.key)
	if err != nil {
		// Wrong secret or corrupt file. Starting empty forces a re-login
		// instead of bricking the app.
		f.entries = make(map[string][]byte)
		return nil
	}
	if err := json.Unmarshal(plain, &f.entries); err != nil {
		f.entries = make(map[string][]byte)
	}
	return nil
}

// flush writes the encrypted snapshot via a temp file and rename so a crash
// never leaves a half-written keystore. Caller holds f.mu.
func (f *File) flush() error {
	plain, err := json.Marshal(f.entries)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInternal, "encode keystore", err)
	}
	sealed, err := encrypt(plain, f.key)
	if err != nil {
		return err
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(sealed), 0o600); err != nil {
		return apperrors.Wrap(apperrors.CodeUnavailable, "write keystore file", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return apperrors.Wrap(apperrors.CodeUnavailable, "replace keystore file", err)
	}
	return nil
}

func deriveKey(secret []byte) []byte {
	sum := sha256.Sum256(secret)
	return sum[:]
}

// encrypt seals plaintext with AES-256-GCM, nonce prepended, base64 encoded.
func encrypt(plaintext, key []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeInternal, "init cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeInternal, "init gcm", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", apperrors.Wrap(apperrors.CodeInternal, "generate nonce", err)
	}

	sealed := gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func decrypt(ciphertext string, key []byte) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, apperrors.New(apperrors.CodeInternal, "malformed keystore ciphertext")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, "init cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, "init gcm", err)
	}
	if len(data) < gcm.NonceSize() {
		return nil, apperrors.New(apperrors.CodeInternal, "malformed keystore ciphertext")
	}

	nonce, sealed := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, "decrypt keystore", err)
	}
	return plain, nil
}
