package file

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/nextlevelbuilder/goclaw/internal/store"
)

// FilePairingStore is an in-memory pairing table. Pairing state is
// intentionally not persisted across restarts in standalone mode: an
// unpaired sender just re-requests a code, which is cheap and keeps this
// store simple (unlike sessions/cron, losing pairing state on restart
// has no data-loss consequence).
type FilePairingStore struct {
	mu      sync.Mutex
	paired  map[string]bool // "channel:senderID" -> true
	pending map[string]store.PairingRequest
}

func NewFilePairingStore() *FilePairingStore {
	return &FilePairingStore{
		paired:  make(map[string]bool),
		pending: make(map[string]store.PairingRequest),
	}
}

func pairKey(senderID, channel string) string { return channel + ":" + senderID }

func (s *FilePairingStore) IsPaired(senderID, channel string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paired[pairKey(senderID, channel)]
}

func (s *FilePairingStore) RequestPairing(senderID, channel, chatID, agentID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	code, err := randomCode()
	if err != nil {
		return "", err
	}
	s.pending[code] = store.PairingRequest{
		Code: code, SenderID: senderID, Channel: channel, ChatID: chatID,
		AgentID: agentID, CreatedMS: time.Now().UnixMilli(),
	}
	return code, nil
}

func (s *FilePairingStore) Approve(code string) (store.PairingRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.pending[code]
	if !ok {
		return store.PairingRequest{}, fmt.Errorf("pairing code %q not found", code)
	}
	s.paired[pairKey(req.SenderID, req.Channel)] = true
	delete(s.pending, code)
	return req, nil
}

func (s *FilePairingStore) List() []store.PairingRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.PairingRequest, 0, len(s.pending))
	for _, r := range s.pending {
		out = append(out, r)
	}
	return out
}

func randomCode() (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

var _ store.PairingStore = (*FilePairingStore)(nil)
