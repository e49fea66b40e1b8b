package pg

import (
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/nextlevelbuilder/goclaw/internal/store"
)

// PGTokenStore implements store.TokenStore on the session_tokens table,
// mirroring PGHeartbeatStore.
type PGTokenStore struct {
	db *sqlx.DB
}

func NewPGTokenStore(db *sql.DB) *PGTokenStore {
	return &PGTokenStore{db: OpenSqlx(db)}
}

type sessionTokenRow struct {
	TokenHash   string         `db:"token_hash"`
	Role        string         `db:"role"`
	Scopes      pq.StringArray `db:"scopes"`
	Label       string         `db:"label"`
	CreatedAtMS int64          `db:"created_at_ms"`
	RevokedAtMS int64          `db:"revoked_at_ms"`
}

func (r sessionTokenRow) toToken() store.SessionToken {
	return store.SessionToken{
		TokenHash: r.TokenHash, Role: r.Role, Scopes: []string(r.Scopes),
		Label: r.Label, CreatedAtMS: r.CreatedAtMS, RevokedAtMS: r.RevokedAtMS,
	}
}

func (s *PGTokenStore) Lookup(tokenHash string) (store.SessionToken, bool) {
	var row sessionTokenRow
	if err := s.db.Get(&row, `SELECT token_hash, role, scopes, label, created_at_ms, revoked_at_ms FROM session_tokens WHERE token_hash = $1`, tokenHash); err != nil {
		return store.SessionToken{}, false
	}
	return row.toToken(), true
}

func (s *PGTokenStore) Put(tok store.SessionToken) error {
	if tok.CreatedAtMS == 0 {
		tok.CreatedAtMS = time.Now().UnixMilli()
	}
	_, err := s.db.Exec(`
		INSERT INTO session_tokens (token_hash, role, scopes, label, created_at_ms, revoked_at_ms)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (token_hash) DO UPDATE SET
			role = EXCLUDED.role, scopes = EXCLUDED.scopes, label = EXCLUDED.label,
			revoked_at_ms = EXCLUDED.revoked_at_ms
	`, tok.TokenHash, tok.Role, pq.StringArray(tok.Scopes), tok.Label, tok.CreatedAtMS, tok.RevokedAtMS)
	return err
}

func (s *PGTokenStore) Revoke(tokenHash string) error {
	_, err := s.db.Exec(`UPDATE session_tokens SET revoked_at_ms = $2 WHERE token_hash = $1`, tokenHash, time.Now().UnixMilli())
	return err
}

func (s *PGTokenStore) List() []store.SessionToken {
	var rows []sessionTokenRow
	if err := s.db.Select(&rows, `SELECT token_hash, role, scopes, label, created_at_ms, revoked_at_ms FROM session_tokens`); err != nil {
		return nil
	}
	out := make([]store.SessionToken, len(rows))
	for i, r := range rows {
		out[i] = r.toToken()
	}
	return out
}

var _ store.TokenStore = (*PGTokenStore)(nil)
