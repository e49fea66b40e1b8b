package gateway

import (
	"testing"

	"github.com/nextlevelbuilder/goclaw/internal/sessionkey"
	"github.com/nextlevelbuilder/goclaw/pkg/protocol"
)

func TestValidateKeyRejectsMalformed(t *testing.T) {
	if perr := validateKey("not a session key"); perr == nil || perr.Code != protocol.ErrInvalidParams {
		t.Fatalf("expected invalid_params for a malformed key, got %+v", perr)
	}
}

func TestValidateKeyAcceptsEitherVariant(t *testing.T) {
	main := sessionkey.New("agent1").String()
	if perr := validateKey(main); perr != nil {
		t.Fatalf("expected a main-variant key to validate, got %+v", perr)
	}

	channelPeer := sessionkey.NewChannelPeer("agent1", "telegram", "acct1", "dm", "peer1").String()
	if perr := validateKey(channelPeer); perr != nil {
		t.Fatalf("expected a channel_peer-variant key to validate, got %+v", perr)
	}
}
