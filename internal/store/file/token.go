package file

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nextlevelbuilder/goclaw/internal/store"
)

// FileTokenStore persists session_tokens to a single JSON file, written
// atomically the same way FileHeartbeatStore/FileCronStore do.
type FileTokenStore struct {
	mu     sync.RWMutex
	path   string
	tokens map[string]store.SessionToken // tokenHash -> token
}

func NewFileTokenStore(path string) (*FileTokenStore, error) {
	s := &FileTokenStore{path: path, tokens: make(map[string]store.SessionToken)}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("load token store: %w", err)
	}
	if err := json.Unmarshal(data, &s.tokens); err != nil {
		return nil, fmt.Errorf("parse token store: %w", err)
	}
	return s, nil
}

func (s *FileTokenStore) save() error {
	data, err := json.MarshalIndent(s.tokens, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tokens-*.json.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, s.path)
}

func (s *FileTokenStore) Lookup(tokenHash string) (store.SessionToken, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tokens[tokenHash]
	return t, ok
}

func (s *FileTokenStore) Put(tok store.SessionToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[tok.TokenHash] = tok
	return s.save()
}

func (s *FileTokenStore) Revoke(tokenHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[tokenHash]
	if !ok {
		return nil
	}
	t.RevokedAtMS = time.Now().UnixMilli()
	s.tokens[tokenHash] = t
	return s.save()
}

func (s *FileTokenStore) List() []store.SessionToken {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.SessionToken, 0, len(s.tokens))
	for _, t := range s.tokens {
		out = append(out, t)
	}
	return out
}

var _ store.TokenStore = (*FileTokenStore)(nil)
