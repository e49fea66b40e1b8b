package pg

import (
	"database/sql"

	"github.com/jmoiron/sqlx"

	"github.com/nextlevelbuilder/goclaw/internal/store"
)

// PGHeartbeatStore implements store.HeartbeatStore on the
// heartbeat_config/heartbeat_last tables via sqlx, mirroring PGCronStore.
type PGHeartbeatStore struct {
	db *sqlx.DB
}

func NewPGHeartbeatStore(db *sql.DB) *PGHeartbeatStore {
	return &PGHeartbeatStore{db: OpenSqlx(db)}
}

type heartbeatConfigRow struct {
	AgentID    string `db:"agent_id"`
	Enabled    bool   `db:"enabled"`
	IntervalMS int64  `db:"interval_ms"`
	Prompt     string `db:"prompt"`
}

type heartbeatLastRow struct {
	AgentID     string `db:"agent_id"`
	TimestampMS int64  `db:"timestamp_ms"`
	Status      string `db:"status"`
	Response    string `db:"response"`
	Suppressed  bool   `db:"suppressed"`
	RunID       string `db:"run_id"`
	JobID       string `db:"job_id"`
}

func (s *PGHeartbeatStore) GetConfig(agentID string) (store.HeartbeatConfig, bool) {
	var row heartbeatConfigRow
	if err := s.db.Get(&row, `SELECT agent_id, enabled, interval_ms, prompt FROM heartbeat_config WHERE agent_id = $1`, agentID); err != nil {
		return store.HeartbeatConfig{}, false
	}
	return store.HeartbeatConfig{AgentID: row.AgentID, Enabled: row.Enabled, IntervalMS: row.IntervalMS, Prompt: row.Prompt}, true
}

func (s *PGHeartbeatStore) SetConfig(cfg store.HeartbeatConfig) error {
	_, err := s.db.Exec(`
		INSERT INTO heartbeat_config (agent_id, enabled, interval_ms, prompt)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (agent_id) DO UPDATE SET
			enabled = EXCLUDED.enabled, interval_ms = EXCLUDED.interval_ms, prompt = EXCLUDED.prompt
	`, cfg.AgentID, cfg.Enabled, cfg.IntervalMS, cfg.Prompt)
	return err
}

func (s *PGHeartbeatStore) DeleteConfig(agentID string) error {
	_, err := s.db.Exec(`DELETE FROM heartbeat_config WHERE agent_id = $1`, agentID)
	return err
}

func (s *PGHeartbeatStore) ListConfigs() []store.HeartbeatConfig {
	var rows []heartbeatConfigRow
	if err := s.db.Select(&rows, `SELECT agent_id, enabled, interval_ms, prompt FROM heartbeat_config`); err != nil {
		return nil
	}
	out := make([]store.HeartbeatConfig, len(rows))
	for i, r := range rows {
		out[i] = store.HeartbeatConfig{AgentID: r.AgentID, Enabled: r.Enabled, IntervalMS: r.IntervalMS, Prompt: r.Prompt}
	}
	return out
}

func (s *PGHeartbeatStore) GetLast(agentID string) (store.HeartbeatLast, bool) {
	var row heartbeatLastRow
	if err := s.db.Get(&row, `SELECT agent_id, timestamp_ms, status, response, suppressed, run_id, job_id FROM heartbeat_last WHERE agent_id = $1`, agentID); err != nil {
		return store.HeartbeatLast{}, false
	}
	return store.HeartbeatLast{
		AgentID: row.AgentID, TimestampMS: row.TimestampMS, Status: row.Status,
		Response: row.Response, Suppressed: row.Suppressed, RunID: row.RunID, JobID: row.JobID,
	}, true
}

func (s *PGHeartbeatStore) SetLast(last store.HeartbeatLast) error {
	_, err := s.db.Exec(`
		INSERT INTO heartbeat_last (agent_id, timestamp_ms, status, response, suppressed, run_id, job_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (agent_id) DO UPDATE SET
			timestamp_ms = EXCLUDED.timestamp_ms,
			status = EXCLUDED.status,
			response = EXCLUDED.response,
			suppressed = EXCLUDED.suppressed,
			run_id = EXCLUDED.run_id,
			job_id = EXCLUDED.job_id
	`, last.AgentID, last.TimestampMS, last.Status, last.Response, last.Suppressed, last.RunID, last.JobID)
	return err
}

var _ store.HeartbeatStore = (*PGHeartbeatStore)(nil)
