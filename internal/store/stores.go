package store

// Stores is the top-level container for the storage backends the
// automation fabric needs. Unlike the wider GoClaw lineage (which also
// carries memory, skills, multi-tenant team, and managed-admin stores),
// this container is scoped to what the cron/session/ingest/control-plane
// fabric actually persists.
type Stores struct {
	Sessions  SessionStore
	Cron      CronStore
	Heartbeat HeartbeatStore
	Pairing   PairingStore
	Tokens    TokenStore
}
