package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/uncord-chat/uncord-server/internal/presence"
)

const (
	// maxMessageSize is the maximum size in bytes of a single inbound WebSocket message.
	maxMessageSize = 4096

	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// identifyTimeout is how long a connection has to send Identify or Resume after connecting.
	identifyTimeout = 30 * time.Second

	// heartbeatGrace is added to HEARTBEAT_INTERVAL when arming the read deadline, so a single heartbeat delayed by
	// network jitter does not immediately sever the connection.
	heartbeatGrace = 10 * time.Second
)

// Connection represents a single WebSocket transport. It owns the socket, the write pump, rate limiting, and
// liveness detection (both the application heartbeat and an independent transport ping). It owns at most one Session,
// set once the client completes IDENTIFY or RESUME; everything about the authenticated identity lives on that Session,
// never on Connection itself, so a Connection that never identifies still runs and is still rate limited and reaped
// on timeout.
type Connection struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	log  zerolog.Logger

	// done is closed to signal that the connection is shutting down. The send channel is never closed directly;
	// writePump and enqueue both select on done to detect termination, avoiding send-on-closed-channel panics that
	// would otherwise occur when unregister races with dispatch.
	done      chan struct{}
	closeOnce sync.Once

	// mu protects session, written once at IDENTIFY/RESUME and read by the Hub afterward.
	mu         sync.RWMutex
	session    *Session
	identified bool

	limiter *connectionRateLimiter

	missedPongs int
}

func newConnection(hub *Hub, conn *websocket.Conn, logger zerolog.Logger) *Connection {
	return &Connection{
		hub:     hub,
		conn:    conn,
		send:    make(chan []byte, 256),
		done:    make(chan struct{}),
		log:     logger,
		limiter: newConnectionRateLimiter(hub.rateLimits),
	}
}

// closeSend signals the connection's write loop to stop. Safe to call from multiple goroutines; only the first call
// has any effect.
func (c *Connection) closeSend() {
	c.closeOnce.Do(func() { close(c.done) })
}

// UserID returns the authenticated user ID, or the zero UUID if not yet identified.
func (c *Connection) UserID() uuid.UUID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session == nil {
		return uuid.UUID{}
	}
	return c.session.userID
}

// SessionID returns the session identifier, or the empty string if not yet identified.
func (c *Connection) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session == nil {
		return ""
	}
	return c.session.sessionID
}

// GuildIDs returns the guilds the session is subscribed to.
func (c *Connection) GuildIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session == nil {
		return nil
	}
	return c.session.guildIDs
}

// Intents returns the intent mask the session declared.
func (c *Connection) Intents() Intent {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session == nil {
		return 0
	}
	return c.session.intents
}

// IsIdentified returns whether the connection has completed authentication.
func (c *Connection) IsIdentified() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identified
}

// setSession installs the Session produced by a successful IDENTIFY or RESUME.
func (c *Connection) setSession(s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = s
	c.identified = true
}

// nextSeq increments and returns the connection's next dispatch sequence number.
func (c *Connection) nextSeq() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session.nextSeq()
}

// currentSeq returns the connection's current dispatch sequence number without incrementing it.
func (c *Connection) currentSeq() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session.currentSeq()
}

// readPump reads messages from the WebSocket connection and routes them by opcode. It runs in its own goroutine and
// is responsible for unregistering and closing the connection when the read loop exits.
func (c *Connection) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()

	heartbeatInterval := time.Duration(c.hub.cfg.GatewayHeartbeatIntervalMS) * time.Millisecond
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(heartbeatInterval + heartbeatGrace))
	c.conn.SetPongHandler(func(string) error {
		c.missedPongs = 0
		return nil
	})

	identifyTimer := time.AfterFunc(identifyTimeout, func() {
		if !c.IsIdentified() {
			c.log.Debug().Msg("Connection did not identify in time")
			c.closeWithCode(CloseNotAuthenticated, "identify timeout")
		}
	})
	defer identifyTimer.Stop()

	go c.pingLoop()

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Msg("WebSocket read error")
			}
			return
		}

		var frame Frame
		if err := json.Unmarshal(message, &frame); err != nil {
			c.closeWithCode(CloseDecodeError, "invalid JSON")
			return
		}

		if !c.limiter.allow(frame.Op) {
			c.closeWithCode(CloseRateLimited, "rate limit exceeded")
			return
		}

		switch frame.Op {
		case OpcodeHeartbeat:
			c.handleHeartbeat(heartbeatInterval)
		case OpcodeIdentify:
			identifyTimer.Stop()
			c.handleIdentify(frame.Data)
		case OpcodePresenceUpdate:
			c.handlePresenceUpdate(frame.Data)
		case OpcodeResume:
			identifyTimer.Stop()
			c.handleResume(frame.Data)
		case OpcodeRequestGuildMembers:
			c.handleRequestGuildMembers(frame.Data)
		case OpcodeVoiceStateUpdate:
			c.handleVoiceStateUpdate(frame.Data)
		default:
			c.closeWithCode(CloseUnknownOpcode, "unknown opcode")
			return
		}
	}
}

// pingLoop sends a transport-level ping independent of the application heartbeat, and terminates the connection if
// two consecutive pings go unanswered. This catches a dead TCP path the application heartbeat alone might miss.
func (c *Connection) pingLoop() {
	pingInterval := time.Duration(c.hub.cfg.GatewayPingIntervalMS) * time.Millisecond
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.missedPongs++
			if c.missedPongs > 2 {
				c.log.Debug().Msg("Connection missed too many pings")
				c.closeWithCode(CloseSessionTimedOut, "ping timeout")
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// writePump writes messages from the send channel to the WebSocket connection. It runs in its own goroutine and
// exits when done is closed, draining any buffered messages first so the peer receives them before the socket
// closes.
func (c *Connection) writePump() {
	defer func() { _ = c.conn.Close() }()

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.log.Debug().Err(err).Msg("WebSocket write error")
				return
			}
		case <-c.done:
			for {
				select {
				case msg := <-c.send:
					_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// handleHeartbeat responds with a HeartbeatACK and resets the read deadline. For identified connections, the
// heartbeat also refreshes the presence TTL so the key does not expire while the connection is alive.
func (c *Connection) handleHeartbeat(heartbeatInterval time.Duration) {
	_ = c.conn.SetReadDeadline(time.Now().Add(heartbeatInterval + heartbeatGrace))

	ack, err := NewHeartbeatACKFrame()
	if err != nil {
		c.log.Error().Err(err).Msg("Failed to build heartbeat ACK")
		return
	}
	c.enqueue(ack)

	if c.IsIdentified() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		c.hub.refreshPresence(ctx, c.UserID())
	}
}

// handleIdentify processes an op 2 Identify payload.
func (c *Connection) handleIdentify(data json.RawMessage) {
	if c.IsIdentified() {
		c.closeWithCode(CloseAlreadyAuthenticated, "already identified")
		return
	}

	var id IdentifyData
	if err := json.Unmarshal(data, &id); err != nil {
		c.closeWithCode(CloseDecodeError, "invalid identify payload")
		return
	}
	if id.Token == "" {
		c.closeWithCode(CloseAuthFailed, "token required")
		return
	}

	c.hub.handleIdentify(c, id.Token, id.Intents)
}

// handleResume processes an op 6 Resume payload.
func (c *Connection) handleResume(data json.RawMessage) {
	if c.IsIdentified() {
		c.closeWithCode(CloseAlreadyAuthenticated, "already identified")
		return
	}

	var r ResumeData
	if err := json.Unmarshal(data, &r); err != nil {
		c.closeWithCode(CloseDecodeError, "invalid resume payload")
		return
	}
	if r.Token == "" || r.SessionID == "" {
		c.closeWithCode(CloseAuthFailed, "token and session_id required")
		return
	}

	c.hub.handleResume(c, r)
}

// handlePresenceUpdate processes an op 3 PresenceUpdate payload.
func (c *Connection) handlePresenceUpdate(data json.RawMessage) {
	if !c.IsIdentified() {
		c.closeWithCode(CloseNotAuthenticated, "not identified")
		return
	}

	var req PresenceUpdateRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.closeWithCode(CloseDecodeError, "invalid presence payload")
		return
	}
	if !presence.ValidStatus(req.Status) {
		c.closeWithCode(CloseDecodeError, "invalid status value")
		return
	}

	c.hub.handlePresenceUpdate(c, req)
}

// handleRequestGuildMembers processes an op 8 RequestGuildMembers payload.
func (c *Connection) handleRequestGuildMembers(data json.RawMessage) {
	if !c.IsIdentified() {
		c.closeWithCode(CloseNotAuthenticated, "not identified")
		return
	}

	var req RequestGuildMembersData
	if err := json.Unmarshal(data, &req); err != nil {
		c.closeWithCode(CloseDecodeError, "invalid request_guild_members payload")
		return
	}

	c.hub.handleRequestGuildMembers(c, req)
}

// handleVoiceStateUpdate processes an op 4 VoiceStateUpdate payload.
func (c *Connection) handleVoiceStateUpdate(data json.RawMessage) {
	if !c.IsIdentified() {
		c.closeWithCode(CloseNotAuthenticated, "not identified")
		return
	}

	var req VoiceStateUpdateData
	if err := json.Unmarshal(data, &req); err != nil {
		c.closeWithCode(CloseDecodeError, "invalid voice_state_update payload")
		return
	}

	c.hub.handleVoiceStateUpdate(c, req)
}

// enqueue sends a message to the connection's write channel. If the connection has already been shut down the
// message is silently dropped. If the channel is full, the message is dropped and the connection is closed to
// prevent one slow reader from stalling the Hub's dispatch loop.
func (c *Connection) enqueue(msg []byte) {
	select {
	case <-c.done:
		return
	default:
	}

	select {
	case c.send <- msg:
	case <-c.done:
	default:
		c.log.Warn().Msg("Connection send buffer full, closing connection")
		c.closeSend()
		_ = c.conn.Close()
	}
}

// closeWithCode sends a WebSocket close frame with the given code and reason, then closes the underlying connection.
func (c *Connection) closeWithCode(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = c.conn.Close()
}
