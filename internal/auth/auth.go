// Package auth stores the session token used to authenticate against the
// download service.
package auth

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// TokenKey is the key the token is stored under. The service also accepts it
// as a cookie of the same name.
const TokenKey = "ncm_auth_token"

// FileStore is a key-value file holding the session token. Values are kept
// in a flat YAML map so other keys written by the web UI survive.
type FileStore struct {
	path string

	mu     sync.Mutex
	values map[string]string
}

// OpenFileStore loads path if it exists. A missing file is an empty store.
func OpenFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("token file path is required")
	}

	s := &FileStore{path: path, values: make(map[string]string)}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read token file: %w", err)
	}

	if err := yaml.Unmarshal(data, &s.values); err != nil {
		return nil, fmt.Errorf("parse token file: %w", err)
	}
	if s.values == nil {
		s.values = make(map[string]string)
	}

	return s, nil
}

// Get returns the stored token.
func (s *FileStore) Get() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.values[TokenKey]
	return tok, ok && tok != ""
}

// Set stores token and persists the file.
func (s *FileStore) Set(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[TokenKey] = token
	return s.save()
}

// Remove deletes the token and persists the file.
func (s *FileStore) Remove() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, TokenKey)
	return s.save()
}

// save writes the map through a temp file so readers never see a partial file.
func (s *FileStore) save() error {
	data, err := yaml.Marshal(s.values)
	if err != nil {
		return fmt.Errorf("encode token file: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create token dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".token-*")
	if err != nil {
		return fmt.Errorf("create temp token file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write token file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod token file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close token file: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace token file: %w", err)
	}
	return nil
}

// MemoryStore keeps the token in memory only.
type MemoryStore struct {
	mu    sync.Mutex
	token string
}

// NewMemoryStore returns a store holding token ("" for none).
func NewMemoryStore(token string) *MemoryStore {
	return &MemoryStore{token: token}
}

func (s *MemoryStore) Get() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token, s.token != ""
}

func (s *MemoryStore) Set(token string) error {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Remove() error {
	return s.Set("")
}

// Header builds the WebSocket handshake headers for token: a bearer
// Authorization header and the session cookie.
func Header(token string) http.Header {
	header := http.Header{}
	if token == "" {
		return header
	}
	header.Set("Authorization", "Bearer "+token)
	header.Set("Cookie", (&http.Cookie{Name: TokenKey, Value: token}).String())
	return header
}
