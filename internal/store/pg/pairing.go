package pg

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/goclaw/internal/store"
)

// PGPairingStore implements store.PairingStore on Postgres.
type PGPairingStore struct {
	db *sql.DB
}

func NewPGPairingStore(db *sql.DB) *PGPairingStore {
	return &PGPairingStore{db: db}
}

func (s *PGPairingStore) IsPaired(senderID, channel string) bool {
	var exists bool
	err := s.db.QueryRow(
		`SELECT EXISTS(SELECT 1 FROM pairings WHERE sender_id = $1 AND channel = $2)`,
		senderID, channel,
	).Scan(&exists)
	return err == nil && exists
}

func (s *PGPairingStore) RequestPairing(senderID, channel, chatID, agentID string) (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	code := hex.EncodeToString(b)

	_, err := s.db.Exec(
		`INSERT INTO pairing_requests (code, sender_id, channel, chat_id, agent_id, created_ms)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		code, senderID, channel, chatID, agentID, time.Now().UnixMilli(),
	)
	if err != nil {
		return "", fmt.Errorf("insert pairing request: %w", err)
	}
	return code, nil
}

func (s *PGPairingStore) Approve(code string) (store.PairingRequest, error) {
	var req store.PairingRequest
	err := s.db.QueryRow(
		`SELECT code, sender_id, channel, chat_id, agent_id, created_ms FROM pairing_requests WHERE code = $1`,
		code,
	).Scan(&req.Code, &req.SenderID, &req.Channel, &req.ChatID, &req.AgentID, &req.CreatedMS)
	if err != nil {
		return store.PairingRequest{}, fmt.Errorf("pairing code %q not found: %w", code, err)
	}

	if _, err := s.db.Exec(
		`INSERT INTO pairings (sender_id, channel) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		req.SenderID, req.Channel,
	); err != nil {
		return store.PairingRequest{}, fmt.Errorf("record pairing: %w", err)
	}
	_, _ = s.db.Exec(`DELETE FROM pairing_requests WHERE code = $1`, code)
	return req, nil
}

func (s *PGPairingStore) List() []store.PairingRequest {
	rows, err := s.db.Query(`SELECT code, sender_id, channel, chat_id, agent_id, created_ms FROM pairing_requests`)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var out []store.PairingRequest
	for rows.Next() {
		var r store.PairingRequest
		if err := rows.Scan(&r.Code, &r.SenderID, &r.Channel, &r.ChatID, &r.AgentID, &r.CreatedMS); err == nil {
			out = append(out, r)
		}
	}
	return out
}

var _ store.PairingStore = (*PGPairingStore)(nil)
