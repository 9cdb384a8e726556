// Package gwmodel holds the JSON-facing snapshot types the gateway assembles into the READY payload and individual
// dispatch events. Domain packages (user, guild, channel, role, member) convert their internal rows to these types
// via a ToModel method, the single source of truth for that conversion, mirroring how the REST handlers and the
// gateway once shared uncord-protocol's models package.
package gwmodel

// User is the public-facing shape of an account.
type User struct {
	ID                   string  `json:"id"`
	Email                string  `json:"email,omitempty"`
	Username             string  `json:"username"`
	DisplayName          *string `json:"display_name,omitempty"`
	AvatarKey            *string `json:"avatar_key,omitempty"`
	Pronouns             *string `json:"pronouns,omitempty"`
	BannerKey            *string `json:"banner_key,omitempty"`
	About                *string `json:"about,omitempty"`
	ThemeColourPrimary   *int    `json:"theme_colour_primary,omitempty"`
	ThemeColourSecondary *int    `json:"theme_colour_secondary,omitempty"`
	MFAEnabled           bool    `json:"mfa_enabled"`
	EmailVerified        bool    `json:"email_verified"`
}

// Guild is the public-facing shape of a guild (the teacher calls this a "server").
type Guild struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	OwnerID     string `json:"owner_id"`
}

// Channel is the public-facing shape of a channel.
type Channel struct {
	ID              string `json:"id"`
	GuildID         string `json:"guild_id"`
	CategoryID      *string `json:"category_id,omitempty"`
	Name            string `json:"name"`
	Type            string `json:"type"`
	Topic           string `json:"topic,omitempty"`
	Position        int    `json:"position"`
	SlowmodeSeconds int    `json:"slowmode_seconds"`
	NSFW            bool   `json:"nsfw"`
}

// Category is the public-facing shape of a channel category.
type Category struct {
	ID       string `json:"id"`
	GuildID  string `json:"guild_id"`
	Name     string `json:"name"`
	Position int    `json:"position"`
}

// Role is the public-facing shape of a role.
type Role struct {
	ID          string `json:"id"`
	GuildID     string `json:"guild_id"`
	Name        string `json:"name"`
	Colour      int    `json:"colour"`
	Position    int    `json:"position"`
	Hoist       bool   `json:"hoist"`
	Permissions int64  `json:"permissions"`
	IsEveryone  bool   `json:"is_everyone"`
}

// Member is the public-facing shape of a guild member (a user's membership in one guild).
type Member struct {
	GuildID     string   `json:"guild_id"`
	UserID      string   `json:"user_id"`
	Nickname    *string  `json:"nickname,omitempty"`
	RoleIDs     []string `json:"role_ids"`
	JoinedAt    string   `json:"joined_at"`
	User        *User    `json:"user,omitempty"`
}

// PresenceState is the public-facing shape of a user's presence.
type PresenceState struct {
	UserID       string   `json:"user_id"`
	Status       string   `json:"status"`
	CustomStatus string   `json:"custom_status,omitempty"`
	Activities   []string `json:"activities,omitempty"`
}

// ReadState is the public-facing shape of a user's last-read marker for a channel.
type ReadState struct {
	ChannelID     string `json:"channel_id"`
	LastMessageID string `json:"last_message_id,omitempty"`
	MentionCount  int    `json:"mention_count"`
}

// Relationship is the public-facing shape of a friendship/block edge between two users.
type Relationship struct {
	UserID string `json:"user_id"`
	Type   string `json:"type"`
}

// DMChannel is the public-facing shape of a direct-message channel.
type DMChannel struct {
	ID            string   `json:"id"`
	RecipientIDs  []string `json:"recipient_ids"`
	LastMessageID string   `json:"last_message_id,omitempty"`
}

// ReadyData is the op 0 READY payload sent immediately after a successful IDENTIFY.
type ReadyData struct {
	SessionID     string         `json:"session_id"`
	User          User           `json:"user"`
	Guilds        []Guild        `json:"guilds"`
	Channels      []Channel      `json:"channels"`
	Categories    []Category     `json:"categories"`
	Roles         []Role         `json:"roles"`
	Members       []Member       `json:"members"`
	Presences     []PresenceState `json:"presences,omitempty"`
	ReadStates    []ReadState    `json:"read_states,omitempty"`
	Relationships []Relationship `json:"relationships,omitempty"`
	DMChannels    []DMChannel    `json:"dm_channels,omitempty"`
}

// GuildMembersChunkData is the GUILD_MEMBERS_CHUNK dispatch payload sent in response to op 8.
type GuildMembersChunkData struct {
	GuildID string   `json:"guild_id"`
	Members []Member `json:"members"`
	Nonce   string   `json:"nonce,omitempty"`
	Chunk   int      `json:"chunk_index"`
	Total   int      `json:"chunk_count"`
}

// VoiceStateData is the VOICE_STATE_UPDATE dispatch payload.
type VoiceStateData struct {
	GuildID   string  `json:"guild_id"`
	ChannelID *string `json:"channel_id"`
	UserID    string  `json:"user_id"`
	SelfMute  bool    `json:"self_mute"`
	SelfDeaf  bool    `json:"self_deaf"`
}

// VoiceServerUpdateData is the VOICE_SERVER_UPDATE dispatch payload, addressed to a single user after the Voice
// collaborator hands back media-server credentials for a channel join.
type VoiceServerUpdateData struct {
	GuildID  string `json:"guild_id"`
	Endpoint string `json:"endpoint"`
	Token    string `json:"token"`
}

// PresenceUpdateData is the PRESENCE_UPDATE dispatch payload.
type PresenceUpdateData struct {
	UserID       string   `json:"user_id"`
	Status       string   `json:"status"`
	CustomStatus string   `json:"custom_status,omitempty"`
	Activities   []string `json:"activities,omitempty"`
}
