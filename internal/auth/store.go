package auth

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	stateEnvVar    = "KBCHAT_STATE_DIR"
	stateSubdir    = "kbchat"
	sessionFile    = "session.json"
	sessionFileMod = 0o600
)

// Store persists the session token between runs.
type Store interface {
	Load() (string, error)
	Save(token string) error
	Clear() error
}

type storedSession struct {
	Token   string    `json:"token"`
	SavedAt time.Time `json:"savedAt"`
}

// FileStore keeps the token in a JSON file readable only by the owner.
type FileStore struct {
	path string
}

// DefaultStateDir resolves the directory session state lives in:
// $KBCHAT_STATE_DIR, then the user config dir, then a temp dir.
func DefaultStateDir() string {
	if dir := os.Getenv(stateEnvVar); dir != "" {
		return dir
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "kbchat-state")
	}
	return filepath.Join(base, stateSubdir)
}

// NewFileStore stores the session under dir, or DefaultStateDir when dir is empty.
func NewFileStore(dir string) *FileStore {
	if dir == "" {
		dir = DefaultStateDir()
	}
	return &FileStore{path: filepath.Join(dir, sessionFile)}
}

// Path reports the session file location.
func (s *FileStore) Path() string {
	return s.path
}

// Load returns the stored token, or "" when nothing is stored.
func (s *FileStore) Load() (string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return "", nil
	}
	var stored storedSession
	if err := json.Unmarshal(data, &stored); err != nil {
		return "", fmt.Errorf("read session %s: %w", s.path, err)
	}
	return stored.Token, nil
}

// Save replaces the stored token.
func (s *FileStore) Save(token string) error {
	if token == "" {
		return s.Clear()
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(storedSession{Token: token, SavedAt: time.Now().UTC()}, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, sessionFileMod); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// Clear removes the stored token. Clearing an empty store is not an error.
func (s *FileStore) Clear() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
