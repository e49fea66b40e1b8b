package file

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/nextlevelbuilder/goclaw/internal/store"
)

// FileHeartbeatStore persists heartbeat_config/heartbeat_last rows to a
// single JSON file, written atomically the same way FileCronStore does.
type FileHeartbeatStore struct {
	mu      sync.RWMutex
	path    string
	configs map[string]store.HeartbeatConfig
	last    map[string]store.HeartbeatLast
}

type heartbeatFileFormat struct {
	Version int                               `json:"version"`
	Configs map[string]store.HeartbeatConfig `json:"configs"`
	Last    map[string]store.HeartbeatLast   `json:"last"`
}

func NewFileHeartbeatStore(path string) (*FileHeartbeatStore, error) {
	s := &FileHeartbeatStore{
		path:    path,
		configs: make(map[string]store.HeartbeatConfig),
		last:    make(map[string]store.HeartbeatLast),
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("load heartbeat store: %w", err)
	}

	var doc heartbeatFileFormat
	if err := json.Unmarshal(data, &doc); err == nil && (doc.Configs != nil || doc.Last != nil) {
		if doc.Configs != nil {
			s.configs = doc.Configs
		}
		if doc.Last != nil {
			s.last = doc.Last
		}
		return s, nil
	}

	// Legacy format: a bare agentID -> HeartbeatLast map.
	var legacy map[string]store.HeartbeatLast
	if err := json.Unmarshal(data, &legacy); err != nil {
		return nil, fmt.Errorf("parse heartbeat store: %w", err)
	}
	s.last = legacy
	return s, nil
}

func (s *FileHeartbeatStore) save() error {
	doc := heartbeatFileFormat{Version: 2, Configs: s.configs, Last: s.last}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".heartbeat-*.json.tmp")
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

func (s *FileHeartbeatStore) GetConfig(agentID string) (store.HeartbeatConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.configs[agentID]
	return c, ok
}

func (s *FileHeartbeatStore) SetConfig(cfg store.HeartbeatConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs[cfg.AgentID] = cfg
	return s.save()
}

func (s *FileHeartbeatStore) DeleteConfig(agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.configs, agentID)
	return s.save()
}

func (s *FileHeartbeatStore) ListConfigs() []store.HeartbeatConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.HeartbeatConfig, 0, len(s.configs))
	for _, c := range s.configs {
		out = append(out, c)
	}
	return out
}

func (s *FileHeartbeatStore) GetLast(agentID string) (store.HeartbeatLast, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.last[agentID]
	return l, ok
}

func (s *FileHeartbeatStore) SetLast(last store.HeartbeatLast) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last[last.AgentID] = last
	return s.save()
}

var _ store.HeartbeatStore = (*FileHeartbeatStore)(nil)
