package gateway

import (
	"testing"

	"github.com/nextlevelbuilder/goclaw/internal/sessionkey"
	"github.com/nextlevelbuilder/goclaw/pkg/protocol"
)

func TestBuildJobRejectsMalformedSessionKey(t *testing.T) {
	m := &ChatMethods{}
	_, perr := m.buildJob(map[string]any{"session_key": "garbage", "prompt": "hi"})
	if perr == nil || perr.Code != protocol.ErrInvalidParams {
		t.Fatalf("expected invalid_params for a malformed session_key, got %+v", perr)
	}
}

func TestBuildJobAcceptsCanonicalSessionKey(t *testing.T) {
	m := &ChatMethods{}
	key := sessionkey.NewChannelPeer("agent1", "telegram", "acct1", "dm", "peer1").String()
	job, perr := m.buildJob(map[string]any{"session_key": key, "prompt": "hi", "agent_id": "agent1"})
	if perr != nil {
		t.Fatalf("unexpected error: %+v", perr)
	}
	if job.SessionKey != key || job.Prompt != "hi" || job.AgentID != "agent1" {
		t.Fatalf("unexpected job: %+v", job)
	}
}
