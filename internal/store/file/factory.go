package file

import (
	"fmt"
	"path/filepath"

	"github.com/nextlevelbuilder/goclaw/internal/sessions"
	"github.com/nextlevelbuilder/goclaw/internal/store"
)

// NewFileStores creates all stores backed by flat files (standalone mode),
// rooted under cfg.DataDir.
func NewFileStores(cfg store.StoreConfig) (*store.Stores, error) {
	dir := cfg.DataDir
	if dir == "" {
		dir = "."
	}

	cronStore, err := NewFileCronStore(filepath.Join(dir, "cron.json"))
	if err != nil {
		return nil, fmt.Errorf("open cron store: %w", err)
	}

	heartbeatStore, err := NewFileHeartbeatStore(filepath.Join(dir, "heartbeat.json"))
	if err != nil {
		return nil, fmt.Errorf("open heartbeat store: %w", err)
	}

	sessionMgr := sessions.NewManager(filepath.Join(dir, "sessions"))

	tokenStore, err := NewFileTokenStore(filepath.Join(dir, "tokens.json"))
	if err != nil {
		return nil, fmt.Errorf("open token store: %w", err)
	}

	return &store.Stores{
		Sessions:  NewFileSessionStore(sessionMgr),
		Cron:      cronStore,
		Heartbeat: heartbeatStore,
		Pairing:   NewFilePairingStore(),
		Tokens:    tokenStore,
	}, nil
}
