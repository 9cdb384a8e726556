package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// guildChannelPattern and userChannelPattern are the PSUBSCRIBE patterns the Hub listens on. A publishing process
// (this one, when a dispatch originates locally, or another process entirely) never needs to know who is listening;
// it just publishes to the channel for the guild or user the event concerns.
const (
	guildChannelPattern = "gateway:guild:*"
	userChannelPattern  = "gateway:user:*"
)

func guildChannel(guildID string) string { return "gateway:guild:" + guildID }
func userChannel(userID string) string   { return "gateway:user:" + userID }

// envelope is the JSON structure published to a bus channel.
type envelope struct {
	Type string `json:"t"`
	Data any    `json:"d"`
}

// sessionInvalidatePayload is published on a user channel to force-disconnect that user's other sessions, e.g. after
// a password change or an explicit "log out everywhere".
type sessionInvalidatePayload struct {
	ExcludeSessionID string `json:"exclude_session_id,omitempty"`
}

// sessionInvalidateType is the envelope Type value the Hub recognises as a control message rather than a dispatch
// event to forward to clients.
const sessionInvalidateType = "SESSION_INVALIDATE"

// Bus publishes dispatch events to per-guild and per-user Valkey pub/sub channels, and is the sole write path the
// rest of the server uses to get an event to the gateway. It has no notion of which process, if any, holds the
// target connections — that is RoomIndex's job, one hop downstream inside each subscribing process.
type Bus struct {
	rdb *redis.Client
	log zerolog.Logger
}

// NewBus creates a new gateway event bus.
func NewBus(rdb *redis.Client, logger zerolog.Logger) *Bus {
	return &Bus{rdb: rdb, log: logger}
}

// PublishGuild serialises the event as JSON and publishes it to the given guild's channel.
func (b *Bus) PublishGuild(ctx context.Context, guildID string, eventType DispatchEvent, data any) error {
	return b.publish(ctx, guildChannel(guildID), string(eventType), data)
}

// PublishUser serialises the event as JSON and publishes it to the given user's channel.
func (b *Bus) PublishUser(ctx context.Context, userID string, eventType DispatchEvent, data any) error {
	return b.publish(ctx, userChannel(userID), string(eventType), data)
}

// InvalidateSessions publishes a SESSION_INVALIDATE control message for a user, causing every Hub subscribed to that
// user's channel to disconnect its locally-held sessions for that user except, optionally, one to keep.
func (b *Bus) InvalidateSessions(ctx context.Context, userID, excludeSessionID string) error {
	return b.publish(ctx, userChannel(userID), sessionInvalidateType, sessionInvalidatePayload{ExcludeSessionID: excludeSessionID})
}

func (b *Bus) publish(ctx context.Context, channel, eventType string, data any) error {
	payload, err := json.Marshal(envelope{Type: eventType, Data: data})
	if err != nil {
		return fmt.Errorf("marshal gateway event: %w", err)
	}
	if err := b.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish gateway event to %s: %w", channel, err)
	}
	return nil
}
