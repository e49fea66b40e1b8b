package gateway

import (
	"testing"

	"github.com/nextlevelbuilder/goclaw/pkg/protocol"
)

func TestConnectionPromoteTransitionsToReady(t *testing.T) {
	c := &Connection{id: "c1", state: StateHandshakeRequired}
	if err := c.promote("operator", NewScopeSet(ScopeRead)); err != nil {
		t.Fatalf("promote: %v", err)
	}
	if c.State() != StateReady {
		t.Fatalf("expected StateReady, got %v", c.State())
	}
	if c.Role() != "operator" {
		t.Fatalf("expected role operator, got %q", c.Role())
	}
}

func TestConnectionSecondConnectIsAlreadyConnected(t *testing.T) {
	c := &Connection{id: "c1", state: StateHandshakeRequired}
	if err := c.promote("operator", NewScopeSet(ScopeRead)); err != nil {
		t.Fatalf("first promote: %v", err)
	}
	err := c.promote("operator", NewScopeSet(ScopeRead))
	if err == nil || err.Code != protocol.ErrAlreadyConnected {
		t.Fatalf("expected already_connected, got %+v", err)
	}
	if c.State() != StateReady {
		t.Fatal("state must remain ready after a rejected second connect")
	}
}

func TestConnectionPromoteAfterCloseIsUnavailable(t *testing.T) {
	c := &Connection{id: "c1", state: StateClosed}
	err := c.promote("operator", NewScopeSet(ScopeRead))
	if err == nil || err.Code != protocol.ErrUnavailable {
		t.Fatalf("expected unavailable, got %+v", err)
	}
}
