package gateway

import (
	"sync/atomic"

	"github.com/google/uuid"
)

// Session is the authenticated identity of one WebSocket connection: the user it belongs to, the guilds and intents
// it declared at IDENTIFY or RESUME, and the monotonically increasing sequence counter used to number dispatch
// frames. A Session belongs to the Connection that created it. Only the sequence counter changes after creation, and
// the Hub's dispatch paths advance it, so it is atomic and the hot dispatch path never takes a lock here.
type Session struct {
	userID    uuid.UUID
	sessionID string
	guildIDs  []string
	intents   Intent
	seq       atomic.Int64
}

// newSession creates a Session for a freshly identified connection.
func newSession(userID uuid.UUID, sessionID string, guildIDs []string, intents Intent) *Session {
	return &Session{userID: userID, sessionID: sessionID, guildIDs: guildIDs, intents: intents}
}

// nextSeq increments and returns the next sequence number for a dispatch frame.
func (s *Session) nextSeq() int64 { return s.seq.Add(1) }

// currentSeq returns the current sequence number without incrementing it.
func (s *Session) currentSeq() int64 { return s.seq.Load() }

// setSeq restores the sequence counter, used when resuming a session from its persisted descriptor.
func (s *Session) setSeq(v int64) { s.seq.Store(v) }
