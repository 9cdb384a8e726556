package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// sessionData is the JSON structure persisted in Valkey for a disconnected session.
type sessionData struct {
	UserID         string `json:"user_id"`
	LastSeq        int64  `json:"last_seq"`
	DisconnectedAt int64  `json:"disconnected_at"`
}

// SessionStore manages gateway session persistence and replay buffers in Valkey. Sessions are saved when a client
// disconnects and loaded when the client resumes. The session descriptor itself expires after ttl; the resume window
// (SessionIndex and replay buffer, both needed only to service a RESUME) expires after resumeWindow.
type SessionStore struct {
	rdb          *redis.Client
	ttl          time.Duration
	resumeWindow time.Duration
	maxReplay    int
}

// NewSessionStore creates a new session store backed by the given Valkey client.
func NewSessionStore(rdb *redis.Client, ttl, resumeWindow time.Duration, maxReplay int) *SessionStore {
	return &SessionStore{rdb: rdb, ttl: ttl, resumeWindow: resumeWindow, maxReplay: maxReplay}
}

func sessionKey(sessionID string) string { return "gwsession:" + sessionID }
func replayKey(sessionID string) string  { return "gwreplay:" + sessionID }

// Save persists a session when a client disconnects. The session descriptor expires after ttl; the replay buffer's
// expiry is reset to resumeWindow.
func (s *SessionStore) Save(ctx context.Context, sessionID string, userID uuid.UUID, lastSeq int64) error {
	data, err := json.Marshal(sessionData{
		UserID:         userID.String(),
		LastSeq:        lastSeq,
		DisconnectedAt: time.Now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	pipe := s.rdb.Pipeline()
	pipe.Set(ctx, sessionKey(sessionID), data, s.ttl)
	pipe.Expire(ctx, replayKey(sessionID), s.resumeWindow)
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// LoadedSession contains the restored state for a resumed session.
type LoadedSession struct {
	UserID  uuid.UUID
	LastSeq int64
}

// Load retrieves a saved session. Returns ErrSessionNotFound if the session does not exist or has expired.
func (s *SessionStore) Load(ctx context.Context, sessionID string) (*LoadedSession, error) {
	raw, err := s.rdb.Get(ctx, sessionKey(sessionID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("load session: %w", err)
	}

	var sd sessionData
	if err := json.Unmarshal(raw, &sd); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}

	userID, err := uuid.Parse(sd.UserID)
	if err != nil {
		return nil, fmt.Errorf("parse session user ID: %w", err)
	}

	return &LoadedSession{UserID: userID, LastSeq: sd.LastSeq}, nil
}

// Delete removes a session and its replay buffer. This is called after a successful resume.
func (s *SessionStore) Delete(ctx context.Context, sessionID string) error {
	if err := s.rdb.Del(ctx, sessionKey(sessionID), replayKey(sessionID), indexKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// replayEntry stores a serialised dispatch frame alongside its sequence number for efficient filtering during replay.
type replayEntry struct {
	Seq     int64           `json:"s"`
	Payload json.RawMessage `json:"p"`
}

// AppendReplay adds a serialised dispatch frame to the session's replay buffer. The buffer is capped at the configured
// maximum size using LTRIM and the TTL is refreshed on each append.
func (s *SessionStore) AppendReplay(ctx context.Context, sessionID string, seq int64, payload json.RawMessage) error {
	entry, err := json.Marshal(replayEntry{Seq: seq, Payload: payload})
	if err != nil {
		return fmt.Errorf("marshal replay entry: %w", err)
	}

	key := replayKey(sessionID)
	pipe := s.rdb.Pipeline()
	pipe.RPush(ctx, key, entry)
	pipe.LTrim(ctx, key, int64(-s.maxReplay), -1)
	pipe.Expire(ctx, key, s.resumeWindow)
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("append replay: %w", err)
	}
	return nil
}

// Replay returns all buffered dispatch frame payloads with sequence numbers strictly greater than afterSeq, plus
// whether a gap exists between afterSeq and the buffer's earliest surviving entry. A gap means the buffer's tail (or
// all of it) was trimmed or expired before the client resumed, so the returned frames — even though non-empty — do
// not reconstruct a contiguous history; the caller must treat the session as unresumable and force a fresh IDENTIFY.
func (s *SessionStore) Replay(ctx context.Context, sessionID string, afterSeq int64) (missed []json.RawMessage, gap bool, err error) {
	raw, err := s.rdb.LRange(ctx, replayKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, false, fmt.Errorf("read replay buffer: %w", err)
	}

	var minSeq int64
	haveMin := false
	for _, item := range raw {
		var entry replayEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			continue
		}
		if !haveMin || entry.Seq < minSeq {
			minSeq = entry.Seq
			haveMin = true
		}
		if entry.Seq > afterSeq {
			missed = append(missed, entry.Payload)
		}
	}

	if haveMin && minSeq > afterSeq+1 {
		gap = true
	}
	return missed, gap, nil
}

// NewSessionID generates a unique session identifier.
func NewSessionID() string {
	return strconv.FormatInt(time.Now().UnixNano(), 36) + "-" + uuid.New().String()[:8]
}

func indexKey(sessionID string) string { return "gwindex:" + sessionID }

// SessionIndexEntry is the cross-process lookup record for a live or recently-disconnected session: the intent mask
// it identified with and the guilds it is subscribed to, so another process (or this one, after a restart) can
// reconstruct routing decisions for it without replaying IDENTIFY.
type SessionIndexEntry struct {
	UserID       uuid.UUID `json:"user_id"`
	ConnectionID string    `json:"connection_id"`
	Intents      Intent    `json:"intents"`
	GuildIDs     []string  `json:"guild_ids"`
}

// StoreIndex persists a session's routing metadata alongside its resume descriptor. It expires after resumeWindow.
func (s *SessionStore) StoreIndex(ctx context.Context, sessionID string, entry SessionIndexEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal session index: %w", err)
	}
	if err := s.rdb.Set(ctx, indexKey(sessionID), data, s.resumeWindow).Err(); err != nil {
		return fmt.Errorf("store session index: %w", err)
	}
	return nil
}

// LookupIndex retrieves a session's routing metadata. Returns ErrSessionNotFound if absent or expired.
func (s *SessionStore) LookupIndex(ctx context.Context, sessionID string) (*SessionIndexEntry, error) {
	raw, err := s.rdb.Get(ctx, indexKey(sessionID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("lookup session index: %w", err)
	}
	var entry SessionIndexEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("unmarshal session index: %w", err)
	}
	return &entry, nil
}
