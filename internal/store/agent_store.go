package store

import (
	"context"

	"github.com/google/uuid"
)

// AgentRef is the minimal agent identity channels need to resolve a
// configured agent key (e.g. the value of channels.telegram.agent_key)
// to a stable UUID for group-file-writer bookkeeping.
type AgentRef struct {
	ID  uuid.UUID `json:"id"`
	Key string    `json:"key"`
}

// GroupFileWriter is one sender allow-listed to let the agent write
// files into a given group chat, per the /writers, /addwriter and
// /removewriter channel commands.
type GroupFileWriter struct {
	UserID      string  `json:"userId"`
	DisplayName *string `json:"displayName,omitempty"`
	Username    *string `json:"username,omitempty"`
}

// AgentStore resolves agent keys and manages the per-group file-writer
// allow list a chat channel consults before letting a sender's files
// through. Channels that run without one (standalone mode) disable the
// feature rather than fail.
type AgentStore interface {
	GetByKey(ctx context.Context, key string) (AgentRef, error)
	IsGroupFileWriter(ctx context.Context, agentID uuid.UUID, groupID, userID string) (bool, error)
	AddGroupFileWriter(ctx context.Context, agentID uuid.UUID, groupID, userID, displayName, username string) error
	RemoveGroupFileWriter(ctx context.Context, agentID uuid.UUID, groupID, userID string) error
	ListGroupFileWriters(ctx context.Context, agentID uuid.UUID, groupID string) ([]GroupFileWriter, error)
}
