package pg

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/nextlevelbuilder/goclaw/internal/store"
)

// PGAgentStore implements store.AgentStore on Postgres via sqlx, the
// managed-mode counterpart to store/file.FileAgentStore. Agent keys are
// resolved to a stable UUID the same way the file backend does
// (uuid.NewSHA1), so a channel's agent_key config resolves identically
// regardless of backend; the group-file-writer allow list is the part
// that actually needs to survive a restart in managed mode, so it's the
// only part persisted here.
type PGAgentStore struct {
	db *sqlx.DB
}

// NewPGAgentStore wraps db (already open, from OpenDB) in sqlx and
// returns an AgentStore backed by the agent_group_writers table.
func NewPGAgentStore(db *sql.DB) *PGAgentStore {
	return &PGAgentStore{db: OpenSqlx(db)}
}

func (s *PGAgentStore) GetByKey(_ context.Context, key string) (store.AgentRef, error) {
	if key == "" {
		return store.AgentRef{}, fmt.Errorf("empty agent key")
	}
	return store.AgentRef{ID: uuid.NewSHA1(uuid.NameSpaceOID, []byte(key)), Key: key}, nil
}

func (s *PGAgentStore) IsGroupFileWriter(ctx context.Context, agentID uuid.UUID, groupID, userID string) (bool, error) {
	var count int
	if err := s.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM agent_group_writers WHERE agent_id = $1 AND group_id = $2`,
		agentID.String(), groupID); err != nil {
		return false, fmt.Errorf("count group writers: %w", err)
	}
	if count == 0 {
		// First interaction in a group auto-admits its sender, matching
		// the file backend and commands.go's "first person to interact
		// is added automatically" message.
		return true, nil
	}
	var exists bool
	if err := s.db.GetContext(ctx, &exists,
		`SELECT EXISTS(SELECT 1 FROM agent_group_writers WHERE agent_id = $1 AND group_id = $2 AND user_id = $3)`,
		agentID.String(), groupID, userID); err != nil {
		return false, fmt.Errorf("check group writer: %w", err)
	}
	return exists, nil
}

func (s *PGAgentStore) AddGroupFileWriter(ctx context.Context, agentID uuid.UUID, groupID, userID, displayName, username string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_group_writers (agent_id, group_id, user_id, display_name, username)
		 VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''))
		 ON CONFLICT (agent_id, group_id, user_id) DO UPDATE
		   SET display_name = EXCLUDED.display_name, username = EXCLUDED.username`,
		agentID.String(), groupID, userID, displayName, username)
	if err != nil {
		return fmt.Errorf("add group writer: %w", err)
	}
	return nil
}

func (s *PGAgentStore) RemoveGroupFileWriter(ctx context.Context, agentID uuid.UUID, groupID, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM agent_group_writers WHERE agent_id = $1 AND group_id = $2 AND user_id = $3`,
		agentID.String(), groupID, userID)
	if err != nil {
		return fmt.Errorf("remove group writer: %w", err)
	}
	return nil
}

func (s *PGAgentStore) ListGroupFileWriters(ctx context.Context, agentID uuid.UUID, groupID string) ([]store.GroupFileWriter, error) {
	type row struct {
		UserID      string         `db:"user_id"`
		DisplayName sql.NullString `db:"display_name"`
		Username    sql.NullString `db:"username"`
	}
	var rows []row
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT user_id, display_name, username FROM agent_group_writers WHERE agent_id = $1 AND group_id = $2`,
		agentID.String(), groupID); err != nil {
		return nil, fmt.Errorf("list group writers: %w", err)
	}
	out := make([]store.GroupFileWriter, 0, len(rows))
	for _, r := range rows {
		w := store.GroupFileWriter{UserID: r.UserID}
		if r.DisplayName.Valid {
			w.DisplayName = &r.DisplayName.String
		}
		if r.Username.Valid {
			w.Username = &r.Username.String
		}
		out = append(out, w)
	}
	return out, nil
}

var _ store.AgentStore = (*PGAgentStore)(nil)
