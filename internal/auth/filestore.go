package auth

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// FileStore keeps credentials in a YAML file with an in-memory mirror.
//
// Writes are serialized by mu and land through a temp file + rename, so a
// crash never leaves a half-written file. The mirror only changes after the
// rename succeeded.
type FileStore struct {
	path string

	mu    sync.RWMutex
	users map[string]Credential // key: normalized username
}

type credentialFile struct {
	Users []Credential `yaml:"users"`
}

// NewFileStore creates a store backed by path. Call Load before use.
func NewFileStore(path string) *FileStore {
	return &FileStore{
		path:  path,
		users: make(map[string]Credential),
	}
}

// Load reads the file. A missing file is an empty store.
func (s *FileStore) Load(ctx context.Context) error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		slog.Info("auth: credential file not found, starting empty", "path", s.path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: read %s: %v", ErrPersistence, s.path, err)
	}

	var file credentialFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("%w: parse %s: %v", ErrPersistence, s.path, err)
	}

	users := make(map[string]Credential, len(file.Users))
	for _, cred := range file.Users {
		key := normalizeUsername(cred.Username)
		if key == "" {
			continue
		}
		if _, dup := users[key]; dup {
			slog.Warn("auth: duplicate username in credential file, keeping first",
				"username", cred.Username,
				"path", s.path,
			)
			continue
		}
		users[key] = cred
	}

	s.mu.Lock()
	s.users = users
	s.mu.Unlock()

	slog.Info("auth: credentials loaded", "count", len(users), "path", s.path)
	return nil
}

// Lookup implements CredentialStore
func (s *FileStore) Lookup(ctx context.Context, username string) (Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cred, ok := s.users[normalizeUsername(username)]
	if !ok {
		return Credential{}, ErrCredentialNotFound
	}
	return cred, nil
}

// Insert implements CredentialStore
func (s *FileStore) Insert(ctx context.Context, cred Credential) error {
	key := normalizeUsername(cred.Username)
	if key == "" {
		return errors.New("auth: username must not be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[key]; exists {
		return ErrUsernameTaken
	}

	next := make([]Credential, 0, len(s.users)+1)
	for _, c := range s.users {
		next = append(next, c)
	}
	next = append(next, cred)
	sort.Slice(next, func(i, j int) bool {
		return normalizeUsername(next[i].Username) < normalizeUsername(next[j].Username)
	})

	if err := s.writeFile(next); err != nil {
		return err
	}

	s.users[key] = cred
	return nil
}

// Any implements CredentialStore
func (s *FileStore) Any(ctx context.Context) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users) > 0, nil
}

// writeFile rewrites the whole file atomically. Caller holds mu.
func (s *FileStore) writeFile(users []Credential) error {
	data, err := yaml.Marshal(credentialFile{Users: users})
	if err != nil {
		return fmt.Errorf("%w: encode: %v", ErrPersistence, err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("%w: mkdir %s: %v", ErrPersistence, dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".users-*.yaml")
	if err != nil {
		return fmt.Errorf("%w: create temp: %v", ErrPersistence, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: write: %v", ErrPersistence, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: sync: %v", ErrPersistence, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: close: %v", ErrPersistence, err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return fmt.Errorf("%w: chmod: %v", ErrPersistence, err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("%w: rename: %v", ErrPersistence, err)
	}
	return nil
}
