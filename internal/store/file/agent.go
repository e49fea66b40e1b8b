package file

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/goclaw/internal/store"
)

// FileAgentStore resolves a configured channel agent key to a stable
// UUID (deterministic, derived from the key itself) and tracks the
// per-group file-writer allow list in memory, matching
// FilePairingStore's standalone-mode "restart loses it, that's fine"
// idiom — group-file-writer lists are a convenience allow list, not
// data that needs surviving a restart in standalone mode.
type FileAgentStore struct {
	mu      sync.Mutex
	writers map[string]map[string]store.GroupFileWriter // groupID -> userID -> writer
}

func NewFileAgentStore() *FileAgentStore {
	return &FileAgentStore{writers: make(map[string]map[string]store.GroupFileWriter)}
}

// GetByKey derives a stable UUID from the agent key via uuid.NewSHA1, so
// the same key always resolves to the same id across restarts without
// needing a persisted mapping.
func (s *FileAgentStore) GetByKey(_ context.Context, key string) (store.AgentRef, error) {
	if key == "" {
		return store.AgentRef{}, fmt.Errorf("empty agent key")
	}
	return store.AgentRef{ID: uuid.NewSHA1(uuid.NameSpaceOID, []byte(key)), Key: key}, nil
}

func (s *FileAgentStore) IsGroupFileWriter(_ context.Context, agentID uuid.UUID, groupID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	group := s.writers[groupKey(agentID, groupID)]
	if len(group) == 0 {
		// First interaction in a group auto-admits its sender as a writer,
		// matching commands.go's "first person to interact is added
		// automatically" message.
		return true, nil
	}
	_, ok := group[userID]
	return ok, nil
}

func (s *FileAgentStore) AddGroupFileWriter(_ context.Context, agentID uuid.UUID, groupID, userID, displayName, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := groupKey(agentID, groupID)
	if s.writers[key] == nil {
		s.writers[key] = make(map[string]store.GroupFileWriter)
	}
	w := store.GroupFileWriter{UserID: userID}
	if displayName != "" {
		w.DisplayName = &displayName
	}
	if username != "" {
		w.Username = &username
	}
	s.writers[key][userID] = w
	return nil
}

func (s *FileAgentStore) RemoveGroupFileWriter(_ context.Context, agentID uuid.UUID, groupID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := groupKey(agentID, groupID)
	delete(s.writers[key], userID)
	return nil
}

func (s *FileAgentStore) ListGroupFileWriters(_ context.Context, agentID uuid.UUID, groupID string) ([]store.GroupFileWriter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	group := s.writers[groupKey(agentID, groupID)]
	out := make([]store.GroupFileWriter, 0, len(group))
	for _, w := range group {
		out = append(out, w)
	}
	return out, nil
}

func groupKey(agentID uuid.UUID, groupID string) string { return agentID.String() + ":" + groupID }

var _ store.AgentStore = (*FileAgentStore)(nil)
