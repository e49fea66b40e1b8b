// Package sessionkey implements the two structured session-key grammars
// used across the fabric: the colon-joined "main" key for an agent's
// primary conversation, and the slash-separated "channel_peer" key for a
// specific channel/account/peer conversation. Both support an optional
// subagent fork suffix.
//
// Round-trip is an invariant: Parse(k.String()) must equal k for every
// Key produced by New/NewChannelPeer.
package sessionkey

import (
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/goclaw/internal/clock"
)

// Variant identifies which of the two key grammars a Key uses.
type Variant string

const (
	VariantMain        Variant = "main"
	VariantChannelPeer  Variant = "channel_peer"
	// VariantUnknown is returned by Parse for any string that matches
	// neither grammar. Per spec.md §3, "Parsing is total; unknown shapes
	// yield a distinct unknown variant" — Parse never errors.
	VariantUnknown Variant = "unknown"
)

// Key is a parsed, structured session identifier.
type Key struct {
	Variant Variant

	AgentID string

	// channel_peer fields
	ChannelID string
	AccountID string
	PeerKind  string // "dm" | "group" | "channel" | ...
	PeerID    string
	ThreadID  string // optional

	// shared fork suffix
	SubID string // optional; non-empty marks this as a subagent fork

	// Raw holds the original string for VariantUnknown keys, so callers
	// can still log/forward the value even though it didn't parse.
	Raw string
}

// IsSubagent reports whether this key names a subagent fork rather than
// a base session.
func (k Key) IsSubagent() bool { return k.SubID != "" }

// NewSubID mints a fork id for a new subagent session, per spec.md §4.4.
// The cron Manager uses this (via the "cron_" prefix) when forking a job's
// base session into a per-run sub-session.
func NewSubID() string { return clock.NewID("cron") }

// Base returns a copy of k with any subagent fork suffix cleared, i.e.
// the base session the fork belongs to.
func (k Key) Base() Key {
	k.SubID = ""
	return k
}

// New builds a "main" variant key: agent:{agent_id}:main[:sub:{sub_id}].
func New(agentID string) Key {
	return Key{Variant: VariantMain, AgentID: agentID}
}

// NewSubagent builds a subagent fork of a main key.
func NewSubagent(agentID, subID string) Key {
	return Key{Variant: VariantMain, AgentID: agentID, SubID: subID}
}

// NewChannelPeer builds a "channel_peer" variant key:
// {agent_id}/{channel_id}/{account_id}/{peer_kind}/{peer_id}[/{thread_id}][/sub/{sub_id}].
func NewChannelPeer(agentID, channelID, accountID, peerKind, peerID string) Key {
	return Key{
		Variant:   VariantChannelPeer,
		AgentID:   agentID,
		ChannelID: channelID,
		AccountID: accountID,
		PeerKind:  peerKind,
		PeerID:    peerID,
	}
}

// WithThread returns a copy of k with ThreadID set. Only meaningful for
// channel_peer keys.
func (k Key) WithThread(threadID string) Key {
	k.ThreadID = threadID
	return k
}

// WithSub returns a copy of k with SubID set, marking it as a subagent
// fork of the same base identity.
func (k Key) WithSub(subID string) Key {
	k.SubID = subID
	return k
}

// String synthesizes the wire form of k.
func (k Key) String() string {
	switch k.Variant {
	case VariantMain:
		s := fmt.Sprintf("agent:%s:main", k.AgentID)
		if k.SubID != "" {
			s += ":sub:" + k.SubID
		}
		return s
	case VariantChannelPeer:
		parts := []string{k.AgentID, k.ChannelID, k.AccountID, k.PeerKind, k.PeerID}
		s := strings.Join(parts, "/")
		if k.ThreadID != "" {
			s += "/" + k.ThreadID
		}
		if k.SubID != "" {
			s += "/sub/" + k.SubID
		}
		return s
	case VariantUnknown:
		return k.Raw
	default:
		return ""
	}
}

// Parse decomposes a session key string into its structured form. Per
// spec.md §3, parsing is total: a string that matches neither the "main"
// nor the "channel_peer" grammar yields VariantUnknown rather than an
// error. Use ParseStrict when a malformed key should be rejected outright
// (e.g. validating a freshly-typed control-plane parameter).
func Parse(raw string) (Key, error) {
	k, _ := ParseStrict(raw)
	if k.Variant == "" {
		return Key{Variant: VariantUnknown, Raw: raw}, nil
	}
	return k, nil
}

// ParseStrict is the non-total variant: it returns an error for any
// string that doesn't match one of the two recognized grammars.
func ParseStrict(raw string) (Key, error) {
	if strings.HasPrefix(raw, "agent:") {
		return parseMain(raw)
	}
	return parseChannelPeer(raw)
}

func parseMain(raw string) (Key, error) {
	parts := strings.Split(raw, ":")
	// agent:{agent_id}:main[:sub:{sub_id}]
	if len(parts) < 3 || parts[0] != "agent" || parts[2] != "main" {
		return Key{}, fmt.Errorf("sessionkey: malformed main key %q", raw)
	}
	k := Key{Variant: VariantMain, AgentID: parts[1]}
	rest := parts[3:]
	switch len(rest) {
	case 0:
	case 2:
		if rest[0] != "sub" || rest[1] == "" {
			return Key{}, fmt.Errorf("sessionkey: malformed main key suffix in %q", raw)
		}
		k.SubID = rest[1]
	default:
		return Key{}, fmt.Errorf("sessionkey: malformed main key suffix in %q", raw)
	}
	if k.AgentID == "" {
		return Key{}, fmt.Errorf("sessionkey: empty agent_id in %q", raw)
	}
	return k, nil
}

func parseChannelPeer(raw string) (Key, error) {
	parts := strings.Split(raw, "/")
	if len(parts) < 5 {
		return Key{}, fmt.Errorf("sessionkey: malformed channel_peer key %q", raw)
	}
	k := Key{
		Variant:   VariantChannelPeer,
		AgentID:   parts[0],
		ChannelID: parts[1],
		AccountID: parts[2],
		PeerKind:  parts[3],
		PeerID:    parts[4],
	}
	for _, f := range []string{k.AgentID, k.ChannelID, k.AccountID, k.PeerKind, k.PeerID} {
		if f == "" {
			return Key{}, fmt.Errorf("sessionkey: empty field in %q", raw)
		}
	}

	rest := parts[5:]
	switch len(rest) {
	case 0:
	case 1:
		k.ThreadID = rest[0]
	case 2:
		if rest[0] != "sub" || rest[1] == "" {
			return Key{}, fmt.Errorf("sessionkey: malformed channel_peer suffix in %q", raw)
		}
		k.SubID = rest[1]
	case 3:
		if rest[1] != "sub" || rest[2] == "" {
			return Key{}, fmt.Errorf("sessionkey: malformed channel_peer suffix in %q", raw)
		}
		k.ThreadID = rest[0]
		k.SubID = rest[2]
	default:
		return Key{}, fmt.Errorf("sessionkey: malformed channel_peer suffix in %q", raw)
	}
	return k, nil
}
