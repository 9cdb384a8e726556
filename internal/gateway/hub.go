package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/uncord-chat/uncord-server/internal/auth"
	"github.com/uncord-chat/uncord-server/internal/category"
	"github.com/uncord-chat/uncord-server/internal/channel"
	"github.com/uncord-chat/uncord-server/internal/config"
	"github.com/uncord-chat/uncord-server/internal/guild"
	"github.com/uncord-chat/uncord-server/internal/gwmodel"
	"github.com/uncord-chat/uncord-server/internal/member"
	"github.com/uncord-chat/uncord-server/internal/permission"
	"github.com/uncord-chat/uncord-server/internal/presence"
	"github.com/uncord-chat/uncord-server/internal/role"
	"github.com/uncord-chat/uncord-server/internal/user"
	"github.com/uncord-chat/uncord-server/internal/voice"
)

// Hub is the central WebSocket connection registry and event distributor. It owns the process-local RoomIndex,
// subscribes to gateway events on Valkey pub/sub, and dispatches them to connected clients after the intent filter
// (intent.go) and permission gate (internal/permission) both pass. Unlike the teacher's single-guild Hub, a user may
// hold more than one live Connection at once (distinct sessions, e.g. desktop and mobile), so connection bookkeeping
// goes entirely through RoomIndex rather than a userID-keyed map of one client each.
type Hub struct {
	cfg *config.Config
	rdb *redis.Client

	sessions   *SessionStore
	roomIndex  *RoomIndex
	bus        *Bus
	resolver   *permission.Resolver
	rateLimits map[Opcode]rateLimit

	users      user.Repository
	guilds     guild.Repository
	channels   channel.Repository
	categories category.Repository
	roles      role.Repository
	members    member.Repository
	presence   *presence.Store
	voice      *voice.Client

	voiceStates *voiceStateTracker

	log zerolog.Logger
}

// NewHub creates a new gateway hub.
func NewHub(
	rdb *redis.Client,
	cfg *config.Config,
	sessions *SessionStore,
	bus *Bus,
	resolver *permission.Resolver,
	users user.Repository,
	guilds guild.Repository,
	channels channel.Repository,
	categories category.Repository,
	roles role.Repository,
	members member.Repository,
	presenceStore *presence.Store,
	voiceClient *voice.Client,
	logger zerolog.Logger,
) *Hub {
	return &Hub{
		cfg:         cfg,
		rdb:         rdb,
		sessions:    sessions,
		roomIndex:   NewRoomIndex(),
		bus:         bus,
		resolver:    resolver,
		rateLimits:  RateLimitsFromConfig(cfg),
		users:       users,
		guilds:      guilds,
		channels:    channels,
		categories:  categories,
		roles:       roles,
		members:     members,
		presence:    presenceStore,
		voice:       voiceClient,
		voiceStates: newVoiceStateTracker(),
		log:         logger.With().Str("component", "gateway").Logger(),
	}
}

// Run subscribes to the guild and user event channel patterns and dispatches each message to connected clients. It
// blocks until the context is cancelled or the subscription fails.
func (h *Hub) Run(ctx context.Context) error {
	sub := h.rdb.PSubscribe(ctx, guildChannelPattern, userChannelPattern)
	defer func() { _ = sub.Close() }()

	h.log.Info().Msg("Gateway hub subscribed to event channels")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			h.handlePubSubEvent(ctx, msg.Channel, msg.Payload)
		}
	}
}

// ServeWebSocket initialises a new connection for an upgraded WebSocket, sends the Hello frame, and starts its read
// and write pumps. It blocks until the connection closes.
func (h *Hub) ServeWebSocket(conn *websocket.Conn) {
	c := newConnection(h, conn, h.log)

	hello, err := NewHelloFrame(h.cfg.GatewayHeartbeatIntervalMS)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to build Hello frame")
		_ = conn.Close()
		return
	}

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, hello); err != nil {
		h.log.Debug().Err(err).Msg("Failed to send Hello frame")
		_ = conn.Close()
		return
	}

	go c.writePump()
	c.readPump()
}

// register adds an identified connection to the RoomIndex, enforcing the process-wide connection ceiling.
func (h *Hub) register(c *Connection) error {
	if len(h.roomIndex.All()) >= h.cfg.GatewayMaxConnections {
		return ErrMaxConnections
	}
	h.roomIndex.Add(c, c.UserID().String(), c.GuildIDs())
	h.log.Debug().Stringer("user_id", c.UserID()).Str("session_id", c.SessionID()).Msg("Connection registered")
	return nil
}

// unregister removes a connection from the RoomIndex and, if it had identified, persists its session (and the
// routing metadata a future resume needs) for later resumption.
func (h *Hub) unregister(c *Connection) {
	if !c.IsIdentified() {
		return
	}

	userID := c.UserID()
	sessionID := c.SessionID()
	guildIDs := c.GuildIDs()
	intents := c.Intents()

	h.roomIndex.Remove(c, userID.String(), guildIDs)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := h.sessions.Save(ctx, sessionID, userID, c.currentSeq()); err != nil {
		h.log.Warn().Err(err).Stringer("user_id", userID).Msg("Failed to save session on disconnect")
	}
	if err := h.sessions.StoreIndex(ctx, sessionID, SessionIndexEntry{
		UserID:       userID,
		ConnectionID: sessionID,
		Intents:      intents,
		GuildIDs:     guildIDs,
	}); err != nil {
		h.log.Warn().Err(err).Stringer("user_id", userID).Msg("Failed to store session index on disconnect")
	}

	if h.presence != nil {
		go h.delayedOffline(userID, guildIDs)
	}

	h.log.Debug().Stringer("user_id", userID).Str("session_id", sessionID).Msg("Connection unregistered")
}

// delayedOffline waits for the configured offline grace period then publishes an offline presence event if the user
// has not reconnected with another session in the meantime.
func (h *Hub) delayedOffline(userID uuid.UUID, guildIDs []string) {
	time.Sleep(time.Duration(h.cfg.GatewayOfflineDelayMS) * time.Millisecond)

	if len(h.roomIndex.ForUser(userID.String())) > 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := h.presence.Delete(ctx, userID); err != nil {
		h.log.Warn().Err(err).Stringer("user_id", userID).Msg("Failed to delete presence on delayed offline")
	}
	h.publishPresence(ctx, userID, guildIDs, presence.StatusOffline, "", nil)
}

// handleIdentify authenticates a connection using a JWT token, assembles the READY payload across every guild the
// user belongs to, and registers the connection.
func (h *Hub) handleIdentify(c *Connection, token string, intents Intent) {
	claims, err := auth.ValidateAccessToken(token, h.cfg.JWTSecret, h.cfg.ServerURL)
	if err != nil {
		h.log.Debug().Err(err).Msg("Identify token validation failed")
		c.closeWithCode(CloseAuthFailed, "invalid token")
		return
	}

	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		c.closeWithCode(CloseAuthFailed, "invalid token subject")
		return
	}

	if intents&PrivilegedIntents != 0 && !h.cfg.GatewayPrivilegedIntentsAllowed {
		c.closeWithCode(CloseDisallowedIntents, ErrDisallowedIntents.Error())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	readyData, err := h.assembleReady(ctx, userID)
	if err != nil {
		h.log.Error().Err(err).Stringer("user_id", userID).Msg("Failed to assemble READY payload")
		c.closeWithCode(CloseUnknownError, "internal error")
		return
	}

	guildIDs := make([]string, len(readyData.Guilds))
	for i, g := range readyData.Guilds {
		guildIDs[i] = g.ID
	}

	sessionID := NewSessionID()
	readyData.SessionID = sessionID
	c.setSession(newSession(userID, sessionID, guildIDs, intents))

	if err := h.register(c); err != nil {
		h.log.Warn().Err(err).Msg("Failed to register connection")
		c.closeWithCode(CloseUnknownError, "registration failed")
		return
	}

	readyPayload, err := json.Marshal(readyData)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to marshal READY payload")
		return
	}

	seq := c.nextSeq()
	frame, err := NewDispatchFrame(seq, Ready, readyPayload)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to build READY frame")
		return
	}
	c.enqueue(frame)

	if h.presence != nil {
		if err := h.presence.Set(ctx, userID, presence.StatusOnline, "", nil); err != nil {
			h.log.Warn().Err(err).Stringer("user_id", userID).Msg("Failed to set initial presence")
		} else {
			h.publishPresence(ctx, userID, guildIDs, presence.StatusOnline, "", nil)
		}
	}

	h.log.Info().Stringer("user_id", userID).Str("session_id", sessionID).Msg("Connection identified")
}

// handleResume restores a connection's session from Valkey and replays missed events.
func (h *Hub) handleResume(c *Connection, data ResumeData) {
	claims, err := auth.ValidateAccessToken(data.Token, h.cfg.JWTSecret, h.cfg.ServerURL)
	if err != nil {
		h.log.Debug().Err(err).Msg("Resume token validation failed")
		c.closeWithCode(CloseAuthFailed, "invalid token")
		return
	}

	tokenUserID, err := uuid.Parse(claims.Subject)
	if err != nil {
		c.closeWithCode(CloseAuthFailed, "invalid token subject")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	saved, err := h.sessions.Load(ctx, data.SessionID)
	if err != nil {
		h.log.Debug().Err(err).Str("session_id", data.SessionID).Msg("Session not found for resume")
		h.sendInvalidSession(c, false)
		return
	}
	if saved.UserID != tokenUserID {
		h.log.Debug().Msg("Resume user ID does not match token")
		h.sendInvalidSession(c, false)
		return
	}
	if data.Seq > saved.LastSeq {
		h.log.Debug().Int64("client_seq", data.Seq).Int64("server_seq", saved.LastSeq).
			Msg("Resume sequence ahead of server")
		h.sendInvalidSession(c, false)
		return
	}

	idx, err := h.sessions.LookupIndex(ctx, data.SessionID)
	if err != nil {
		h.log.Debug().Err(err).Str("session_id", data.SessionID).Msg("Session index not found for resume")
		h.sendInvalidSession(c, false)
		return
	}

	missed, gap, err := h.sessions.Replay(ctx, data.SessionID, data.Seq)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to load replay buffer")
		h.sendInvalidSession(c, false)
		return
	}
	// A gap also exists if the buffer holds nothing past the client's sequence yet the server advanced beyond it —
	// the whole buffer expired or was otherwise lost, not just its tail.
	if gap || (len(missed) == 0 && data.Seq < saved.LastSeq) {
		h.log.Debug().Str("session_id", data.SessionID).Int64("client_seq", data.Seq).
			Int64("server_seq", saved.LastSeq).Msg("Resume buffer gap detected, forcing re-identify")
		h.sendInvalidSession(c, true)
		return
	}

	session := newSession(tokenUserID, data.SessionID, idx.GuildIDs, idx.Intents)
	session.setSeq(saved.LastSeq)
	c.setSession(session)

	if err := h.register(c); err != nil {
		h.log.Warn().Err(err).Msg("Failed to register resumed connection")
		c.closeWithCode(CloseUnknownError, "registration failed")
		return
	}

	if err := h.sessions.Delete(ctx, data.SessionID); err != nil {
		h.log.Warn().Err(err).Msg("Failed to delete session after resume")
	}

	for _, payload := range missed {
		c.enqueue(payload)
	}

	seq := c.nextSeq()
	resumedData, _ := json.Marshal(struct{}{})
	frame, err := NewDispatchFrame(seq, Resumed, resumedData)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to build RESUMED frame")
		return
	}
	c.enqueue(frame)

	if h.presence != nil {
		status, gErr := h.presence.Get(ctx, tokenUserID)
		if gErr != nil {
			h.log.Warn().Err(gErr).Stringer("user_id", tokenUserID).Msg("Failed to get presence on resume")
		}
		if status == presence.StatusOffline {
			if pErr := h.presence.Set(ctx, tokenUserID, presence.StatusOnline, "", nil); pErr != nil {
				h.log.Warn().Err(pErr).Stringer("user_id", tokenUserID).Msg("Failed to restore presence on resume")
			} else {
				h.publishPresence(ctx, tokenUserID, idx.GuildIDs, presence.StatusOnline, "", nil)
			}
		} else {
			_ = h.presence.Refresh(ctx, tokenUserID)
		}
	}

	h.log.Info().Stringer("user_id", tokenUserID).Str("session_id", data.SessionID).
		Int("replayed", len(missed)).Msg("Connection resumed")
}

// sendInvalidSession enqueues an INVALID_SESSION frame. resumable tells the client whether its buffered prefix was
// intact (it may retry RESUME once re-identified) or was lost entirely (it must rebuild state from scratch).
func (h *Hub) sendInvalidSession(c *Connection, resumable bool) {
	if frame, err := NewInvalidSessionFrame(resumable); err == nil {
		c.enqueue(frame)
	}
}

// handlePresenceUpdate processes an op 3 presence update. It validates the status, stores it in Valkey, and publishes
// a PRESENCE_UPDATE dispatch to every guild the session belongs to. Invisible status is stored truthfully but
// broadcast as offline.
func (h *Hub) handlePresenceUpdate(c *Connection, req PresenceUpdateRequest) {
	if h.presence == nil {
		return
	}

	userID := c.UserID()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := h.presence.Set(ctx, userID, req.Status, req.CustomStatus, req.Activities); err != nil {
		h.log.Warn().Err(err).Stringer("user_id", userID).Msg("Failed to set presence")
		return
	}

	broadcastStatus := req.Status
	if req.Status == presence.StatusInvisible {
		broadcastStatus = presence.StatusOffline
	}
	h.publishPresence(ctx, userID, c.GuildIDs(), broadcastStatus, req.CustomStatus, req.Activities)
}

// publishPresence publishes a PRESENCE_UPDATE dispatch event to every one of the user's guild channels, so every
// other member sharing a guild with them observes the change.
func (h *Hub) publishPresence(ctx context.Context, userID uuid.UUID, guildIDs []string, status, customStatus string, activities []string) {
	data := gwmodel.PresenceUpdateData{
		UserID:       userID.String(),
		Status:       status,
		CustomStatus: customStatus,
		Activities:   activities,
	}
	for _, guildID := range guildIDs {
		if err := h.bus.PublishGuild(ctx, guildID, PresenceUpdate, data); err != nil {
			h.log.Warn().Err(err).Stringer("user_id", userID).Str("guild_id", guildID).
				Msg("Failed to publish presence update")
		}
	}
}

// refreshPresence extends the TTL of the user's presence key without changing the stored status.
func (h *Hub) refreshPresence(ctx context.Context, userID uuid.UUID) {
	if h.presence == nil {
		return
	}
	if err := h.presence.Refresh(ctx, userID); err != nil {
		h.log.Debug().Err(err).Stringer("user_id", userID).Msg("Failed to refresh presence TTL")
	}
}

// handleRequestGuildMembers answers an op 8 request by resolving either an explicit user ID list or a username/
// nickname prefix query, chunking the result into groups of 1000 members per GUILD_MEMBERS_CHUNK dispatch. Requests
// from a session without IntentGuildMembers are dropped.
func (h *Hub) handleRequestGuildMembers(c *Connection, req RequestGuildMembersData) {
	if !c.Intents().Has(IntentGuildMembers) {
		return
	}
	guildID, err := uuid.Parse(req.GuildID)
	if err != nil || !isSubscribedToGuild(c, req.GuildID) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var members []member.MemberWithProfile
	if len(req.UserIDs) > 0 {
		ids := make([]uuid.UUID, 0, len(req.UserIDs))
		for _, s := range req.UserIDs {
			if id, pErr := uuid.Parse(s); pErr == nil {
				ids = append(ids, id)
			}
		}
		members, err = h.members.ByIDs(ctx, guildID, ids)
	} else {
		limit := req.Limit
		if limit <= 0 || limit > 1000 {
			limit = 1000
		}
		members, err = h.members.ByPrefix(ctx, guildID, req.Query, limit)
	}
	if err != nil {
		h.log.Warn().Err(err).Str("guild_id", req.GuildID).Msg("Failed to resolve REQUEST_GUILD_MEMBERS")
		return
	}

	const chunkSize = 1000
	total := (len(members) + chunkSize - 1) / chunkSize
	if total == 0 {
		total = 1
	}

	for i := 0; i == 0 || i < len(members); i += chunkSize {
		end := min(i+chunkSize, len(members))
		chunkMembers := make([]gwmodel.Member, 0, end-i)
		for _, m := range members[i:end] {
			chunkMembers = append(chunkMembers, m.ToModel())
		}

		h.sendGuildMembersChunk(ctx, c, req.GuildID, req.Nonce, i/chunkSize, total, chunkMembers)
		if len(members) == 0 {
			break
		}
	}
}

func (h *Hub) sendGuildMembersChunk(ctx context.Context, c *Connection, guildID, nonce string, chunkIndex, total int, members []gwmodel.Member) {
	payload, err := json.Marshal(gwmodel.GuildMembersChunkData{
		GuildID: guildID,
		Members: members,
		Nonce:   nonce,
		Chunk:   chunkIndex,
		Total:   total,
	})
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to marshal GUILD_MEMBERS_CHUNK")
		return
	}

	seq := c.nextSeq()
	frame, err := NewDispatchFrame(seq, GuildMembersChunk, payload)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to build GUILD_MEMBERS_CHUNK frame")
		return
	}
	c.enqueue(frame)
	if sid := c.SessionID(); sid != "" {
		if err := h.sessions.AppendReplay(ctx, sid, seq, frame); err != nil {
			h.log.Warn().Err(err).Str("session_id", sid).Msg("Failed to append GUILD_MEMBERS_CHUNK to replay buffer")
		}
	}
}

// handleVoiceStateUpdate processes an op 4 payload: it checks the Connect permission, notifies the Voice
// collaborator, and broadcasts the resulting VOICE_STATE_UPDATE to the guild.
func (h *Hub) handleVoiceStateUpdate(c *Connection, req VoiceStateUpdateData) {
	guildID, err := uuid.Parse(req.GuildID)
	if err != nil || !isSubscribedToGuild(c, req.GuildID) {
		return
	}

	userID := c.UserID()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	prevChannel, hadPrev := h.voiceStates.current(userID)

	if req.ChannelID == nil {
		if hadPrev {
			if h.voice != nil {
				if err := h.voice.Leave(ctx, req.GuildID, prevChannel, userID.String()); err != nil {
					h.log.Warn().Err(err).Stringer("user_id", userID).Msg("Voice collaborator leave failed")
				}
			}
			h.voiceStates.clear(userID)
		}
		h.broadcastVoiceState(ctx, guildID, userID, nil, req.SelfMute, req.SelfDeaf)
		return
	}

	channelID, err := uuid.Parse(*req.ChannelID)
	if err != nil {
		return
	}

	ok, err := h.resolver.HasPermission(ctx, guildID, userID, channelID, permission.Connect)
	if err != nil {
		h.log.Warn().Err(err).Stringer("user_id", userID).Msg("Voice permission check failed")
		return
	}
	if !ok {
		return
	}

	if h.voice != nil {
		if hadPrev && prevChannel != *req.ChannelID {
			if err := h.voice.Leave(ctx, req.GuildID, prevChannel, userID.String()); err != nil {
				h.log.Warn().Err(err).Stringer("user_id", userID).Msg("Voice collaborator leave failed")
			}
		}
		result, err := h.voice.Join(ctx, req.GuildID, *req.ChannelID, userID.String(), req.SelfMute, req.SelfDeaf)
		if err != nil {
			h.log.Warn().Err(err).Stringer("user_id", userID).Msg("Voice collaborator join failed")
			return
		}
		if result != nil {
			h.publishVoiceServerUpdate(ctx, userID, req.GuildID, *result)
		}
	}

	h.voiceStates.set(userID, *req.ChannelID)
	h.broadcastVoiceState(ctx, guildID, userID, req.ChannelID, req.SelfMute, req.SelfDeaf)
}

// publishVoiceServerUpdate relays the Voice collaborator's media-server credentials to the joining user alone, on
// their own user channel, rather than broadcasting them to the whole guild.
func (h *Hub) publishVoiceServerUpdate(ctx context.Context, userID uuid.UUID, guildID string, result voice.JoinResult) {
	data := gwmodel.VoiceServerUpdateData{
		GuildID:  guildID,
		Endpoint: result.Endpoint,
		Token:    result.Token,
	}
	if err := h.bus.PublishUser(ctx, userID.String(), VoiceServerUpdate, data); err != nil {
		h.log.Warn().Err(err).Stringer("user_id", userID).Msg("Failed to publish voice server update")
	}
}

func (h *Hub) broadcastVoiceState(ctx context.Context, guildID, userID uuid.UUID, channelID *string, selfMute, selfDeaf bool) {
	data := gwmodel.VoiceStateData{
		GuildID:   guildID.String(),
		ChannelID: channelID,
		UserID:    userID.String(),
		SelfMute:  selfMute,
		SelfDeaf:  selfDeaf,
	}
	if err := h.bus.PublishGuild(ctx, guildID.String(), VoiceStateUpdate, data); err != nil {
		h.log.Warn().Err(err).Stringer("user_id", userID).Msg("Failed to publish voice state update")
	}
}

// handlePubSubEvent processes a single message from the guild/user pub/sub patterns and dispatches it to the
// connections this process holds that are entitled to see it.
func (h *Hub) handlePubSubEvent(ctx context.Context, channelName, payload string) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		h.log.Debug().Err(err).Msg("Invalid gateway event envelope")
		return
	}

	if env.Type == sessionInvalidateType {
		h.handleSessionInvalidate(channelName, env)
		return
	}

	eventType := DispatchEvent(env.Type)
	rawData, err := json.Marshal(env.Data)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to re-marshal event data")
		return
	}

	var targets []*Connection
	switch {
	case strings.HasPrefix(channelName, "gateway:guild:"):
		targets = h.roomIndex.ForGuild(strings.TrimPrefix(channelName, "gateway:guild:"))
	case strings.HasPrefix(channelName, "gateway:user:"):
		targets = h.roomIndex.ForUser(strings.TrimPrefix(channelName, "gateway:user:"))
	default:
		return
	}
	if len(targets) == 0 {
		return
	}

	var scoped channelScoped
	_ = json.Unmarshal(rawData, &scoped)
	var channelID, scopedGuildID uuid.UUID
	isChannelScoped := false
	if scoped.ChannelID != "" && scoped.GuildID != "" {
		if cid, cErr := uuid.Parse(scoped.ChannelID); cErr == nil {
			if gid, gErr := uuid.Parse(scoped.GuildID); gErr == nil {
				channelID, scopedGuildID, isChannelScoped = cid, gid, true
			}
		}
	}

	required, needsIntent := requiredIntent(eventType)

	filtered := make([]*Connection, 0, len(targets))
	for _, c := range targets {
		if !c.IsIdentified() {
			continue
		}
		if needsIntent && !c.Intents().Has(required) {
			continue
		}
		if isChannelScoped {
			ok, pErr := h.resolver.HasPermission(ctx, scopedGuildID, c.UserID(), channelID, permission.ViewChannels)
			if pErr != nil {
				h.log.Warn().Err(pErr).Stringer("user_id", c.UserID()).Msg("Permission check failed during dispatch")
				continue
			}
			if !ok {
				continue
			}
		}
		filtered = append(filtered, c)
	}
	if len(filtered) == 0 {
		return
	}

	if ephemeralEvent(eventType) {
		for _, c := range filtered {
			frame, fErr := NewEphemeralDispatchFrame(eventType, h.redactFor(eventType, rawData, c))
			if fErr != nil {
				h.log.Warn().Err(fErr).Msg("Failed to build ephemeral dispatch frame")
				continue
			}
			c.enqueue(frame)
		}
		return
	}

	for _, c := range filtered {
		seq := c.nextSeq()
		frame, fErr := NewDispatchFrame(seq, eventType, h.redactFor(eventType, rawData, c))
		if fErr != nil {
			h.log.Warn().Err(fErr).Msg("Failed to build dispatch frame")
			continue
		}
		c.enqueue(frame)
		if sid := c.SessionID(); sid != "" {
			if rErr := h.sessions.AppendReplay(ctx, sid, seq, frame); rErr != nil {
				h.log.Warn().Err(rErr).Str("session_id", sid).Msg("Failed to append to replay buffer")
			}
		}
	}
}

func (h *Hub) redactFor(eventType DispatchEvent, rawData json.RawMessage, c *Connection) json.RawMessage {
	if needsContentRedaction(eventType, rawData, c.Intents(), c.UserID().String()) {
		return redactContent(rawData)
	}
	return rawData
}

// handleSessionInvalidate force-disconnects every locally-held session for a user except, optionally, one to keep.
func (h *Hub) handleSessionInvalidate(channelName string, env envelope) {
	if !strings.HasPrefix(channelName, "gateway:user:") {
		return
	}
	userID := strings.TrimPrefix(channelName, "gateway:user:")

	dataBytes, err := json.Marshal(env.Data)
	if err != nil {
		return
	}
	var payload sessionInvalidatePayload
	if err := json.Unmarshal(dataBytes, &payload); err != nil {
		return
	}

	for _, c := range h.roomIndex.ForUser(userID) {
		if payload.ExcludeSessionID != "" && c.SessionID() == payload.ExcludeSessionID {
			continue
		}
		h.sendInvalidSession(c, false)
		c.closeSend()
	}
}

// channelScoped extracts the channel and guild IDs from an event payload for permission filtering.
type channelScoped struct {
	ChannelID string `json:"channel_id"`
	GuildID   string `json:"guild_id"`
}

// assembleReady queries every repository for all state a newly identified connection needs, spanning every guild the
// user belongs to.
func (h *Hub) assembleReady(ctx context.Context, userID uuid.UUID) (*gwmodel.ReadyData, error) {
	u, err := h.users.GetByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}

	guilds, err := h.guilds.ListForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list guilds: %w", err)
	}

	guildModels := make([]gwmodel.Guild, len(guilds))
	var allChannels []gwmodel.Channel
	var allCategories []gwmodel.Category
	var allRoles []gwmodel.Role
	var allMembers []gwmodel.Member
	var memberIDs []uuid.UUID
	seen := make(map[uuid.UUID]struct{})

	for i := range guilds {
		g := &guilds[i]
		guildModels[i] = g.ToModel()

		chs, err := h.channels.List(ctx, g.ID)
		if err != nil {
			return nil, fmt.Errorf("list channels for guild %s: %w", g.ID, err)
		}
		for j := range chs {
			allChannels = append(allChannels, chs[j].ToModel())
		}

		cats, err := h.categories.List(ctx, g.ID)
		if err != nil {
			return nil, fmt.Errorf("list categories for guild %s: %w", g.ID, err)
		}
		for j := range cats {
			allCategories = append(allCategories, cats[j].ToModel())
		}

		rs, err := h.roles.List(ctx, g.ID)
		if err != nil {
			return nil, fmt.Errorf("list roles for guild %s: %w", g.ID, err)
		}
		for j := range rs {
			allRoles = append(allRoles, rs[j].ToModel())
		}

		ms, err := h.members.List(ctx, g.ID, nil, 1000)
		if err != nil {
			return nil, fmt.Errorf("list members for guild %s: %w", g.ID, err)
		}
		for j := range ms {
			allMembers = append(allMembers, ms[j].ToModel())
			if _, ok := seen[ms[j].UserID]; !ok {
				seen[ms[j].UserID] = struct{}{}
				memberIDs = append(memberIDs, ms[j].UserID)
			}
		}
	}

	var presences []gwmodel.PresenceState
	if h.presence != nil && len(memberIDs) > 0 {
		presences, err = h.presence.GetMany(ctx, memberIDs)
		if err != nil {
			return nil, fmt.Errorf("get presences: %w", err)
		}
	}

	return &gwmodel.ReadyData{
		User:       u.ToModel(),
		Guilds:     guildModels,
		Channels:   allChannels,
		Categories: allCategories,
		Roles:      allRoles,
		Members:    allMembers,
		Presences:  presences,
	}, nil
}

// Shutdown gracefully closes every connection this process holds: it sends a Reconnect frame, clears presence, and
// closes the underlying WebSocket with a Going Away status.
func (h *Hub) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conns := h.roomIndex.All()
	reconnect, _ := NewReconnectFrame()

	for _, c := range conns {
		if h.presence != nil && c.IsIdentified() {
			_ = h.presence.Delete(ctx, c.UserID())
		}
		if reconnect != nil {
			c.enqueue(reconnect)
		}
		c.closeSend()
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait),
		)
		_ = c.conn.Close()
	}
	h.log.Info().Msg("Gateway hub shut down")
}

// ConnectionCount returns the number of connections currently held by this process.
func (h *Hub) ConnectionCount() int {
	return len(h.roomIndex.All())
}

func isSubscribedToGuild(c *Connection, guildID string) bool {
	for _, gid := range c.GuildIDs() {
		if gid == guildID {
			return true
		}
	}
	return false
}
