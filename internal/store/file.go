package store

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/scrypt"
)

const (
	fileFormatVersion = 1
	saltSize          = 32
	keySize           = 32
)

// ScryptParams are the key derivation costs for the encrypted file store
type ScryptParams struct {
	N int
	R int
	P int
}

// DefaultScryptParams follows the OWASP minimum for interactive use
var DefaultScryptParams = ScryptParams{N: 32768, R: 8, P: 1}

// encryptedFile is the on-disk layout
type encryptedFile struct {
	Version    uint8  `json:"version"`
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// FileStore keeps all keys in one AES-256-GCM encrypted JSON document.
// The whole document is rewritten atomically on every change.
type FileStore struct {
	mu   sync.Mutex
	path string
	salt []byte
	gcm  cipher.AEAD
	data map[string][]byte
}

// OpenFileStore opens or creates the encrypted store at path
func OpenFileStore(path, secret string) (*FileStore, error) {
	return OpenFileStoreWithParams(path, secret, DefaultScryptParams)
}

// OpenFileStoreWithParams is OpenFileStore with explicit scrypt costs
func OpenFileStoreWithParams(path, secret string, params ScryptParams) (*FileStore, error) {
	if secret == "" {
		return nil, errors.New("file store secret cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	s := &FileStore{path: path, data: make(map[string][]byte)}

	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		s.salt = make([]byte, saltSize)
		if _, err := rand.Read(s.salt); err != nil {
			return nil, fmt.Errorf("failed to generate salt: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to read store file: %w", err)
	default:
		var f encryptedFile
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, fmt.Errorf("store file is corrupted: %w", err)
		}
		if f.Version != fileFormatVersion {
			return nil, fmt.Errorf("unsupported store file version %d", f.Version)
		}
		s.salt = f.Salt
		if err := s.deriveKey(secret, params); err != nil {
			return nil, err
		}
		plaintext, err := s.gcm.Open(nil, f.Nonce, f.Ciphertext, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt store file: %w", err)
		}
		if err := json.Unmarshal(plaintext, &s.data); err != nil {
			return nil, fmt.Errorf("store payload is corrupted: %w", err)
		}
		return s, nil
	}

	if err := s.deriveKey(secret, params); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) deriveKey(secret string, params ScryptParams) error {
	key, err := scrypt.Key([]byte(secret), s.salt, params.N, params.R, params.P, keySize)
	if err != nil {
		return fmt.Errorf("key derivation failed: %w", err)
	}
	defer clear(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("failed to create GCM: %w", err)
	}
	s.gcm = gcm
	return nil
}

func (s *FileStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), v...), nil
}

func (s *FileStore) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, had := s.data[key]
	s.data[key] = append([]byte(nil), value...)
	if err := s.flush(); err != nil {
		if had {
			s.data[key] = prev
		} else {
			delete(s.data, key)
		}
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

func (s *FileStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, had := s.data[key]
	if !had {
		return nil
	}
	delete(s.data, key)
	if err := s.flush(); err != nil {
		s.data[key] = prev
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// Ping checks that the store directory is still writable
func (s *FileStore) Ping(context.Context) error {
	info, err := os.Stat(filepath.Dir(s.path))
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", filepath.Dir(s.path))
	}
	return nil
}

func (s *FileStore) Close() error { return nil }

// flush encrypts and writes the document; caller holds mu
func (s *FileStore) flush() error {
	plaintext, err := json.Marshal(s.data)
	if err != nil {
		return err
	}
	defer clear(plaintext)

	nonce := make([]byte, s.gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}

	out, err := json.Marshal(encryptedFile{
		Version:    fileFormatVersion,
		Salt:       s.salt,
		Nonce:      nonce,
		Ciphertext: s.gcm.Seal(nil, nonce, plaintext, nil),
	})
	if err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, out, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
