package gateway

import (
	"time"

	"github.com/uncord-chat/uncord-server/internal/config"
)

// rateLimit is the fixed-window budget for one opcode.
type rateLimit struct {
	count  int
	window time.Duration
}

// defaultRateLimits holds the built-in per-opcode budgets, used as a fallback anywhere a limits table isn't supplied
// explicitly (e.g. tests). In the running server, RateLimitsFromConfig builds the table connectionRateLimiter
// actually uses, seeded from these same defaults and overridden by config.Config's RateLimitWS* fields.
var defaultRateLimits = map[Opcode]rateLimit{
	OpcodeIdentify:            {count: 1, window: 5 * time.Second},
	OpcodeHeartbeat:           {count: 3, window: 41 * time.Second},
	OpcodePresenceUpdate:      {count: 5, window: 60 * time.Second},
	OpcodeVoiceStateUpdate:    {count: 5, window: 10 * time.Second},
	OpcodeRequestGuildMembers: {count: 10, window: 120 * time.Second},
}

// RateLimitsFromConfig builds the per-opcode rate-limit table a Hub's connections enforce, starting from
// defaultRateLimits and applying cfg's RateLimitWS* overrides.
func RateLimitsFromConfig(cfg *config.Config) map[Opcode]rateLimit {
	limits := make(map[Opcode]rateLimit, len(defaultRateLimits))
	for op, d := range defaultRateLimits {
		limits[op] = d
	}

	override := func(op Opcode, count, windowSeconds int) {
		if count > 0 && windowSeconds > 0 {
			limits[op] = rateLimit{count: count, window: time.Duration(windowSeconds) * time.Second}
		}
	}
	override(OpcodeIdentify, cfg.RateLimitWSIdentifyCount, cfg.RateLimitWSIdentifyWindowSeconds)
	override(OpcodeHeartbeat, cfg.RateLimitWSHeartbeatCount, cfg.RateLimitWSHeartbeatWindowSeconds)
	override(OpcodePresenceUpdate, cfg.RateLimitWSPresenceUpdateCount, cfg.RateLimitWSPresenceUpdateWindowSeconds)
	override(OpcodeVoiceStateUpdate, cfg.RateLimitWSVoiceStateUpdateCount, cfg.RateLimitWSVoiceStateUpdateWindowSeconds)
	override(OpcodeRequestGuildMembers, cfg.RateLimitWSRequestGuildMembersCount, cfg.RateLimitWSRequestGuildMembersWindowSeconds)
	return limits
}

// bucket tracks a fixed window of events for a single opcode.
type bucket struct {
	limit       rateLimit
	count       int
	windowStart time.Time
}

// connectionRateLimiter enforces a fixed-window budget per opcode for a single Connection. It is owned exclusively
// by the Connection's read loop, so no synchronisation is needed.
type connectionRateLimiter struct {
	limits  map[Opcode]rateLimit
	buckets map[Opcode]*bucket
}

func newConnectionRateLimiter(limits map[Opcode]rateLimit) *connectionRateLimiter {
	return &connectionRateLimiter{limits: limits, buckets: make(map[Opcode]*bucket)}
}

// allow reports whether a frame with the given opcode may proceed, advancing the window if it has elapsed. Buckets
// whose window started more than two windows ago are pruned first. Opcodes with no configured budget are never rate
// limited.
func (r *connectionRateLimiter) allow(op Opcode) bool {
	limit, ok := r.limits[op]
	if !ok {
		return true
	}

	now := time.Now()
	for o, sb := range r.buckets {
		if now.Sub(sb.windowStart) > 2*sb.limit.window {
			delete(r.buckets, o)
		}
	}

	b, ok := r.buckets[op]
	if !ok {
		b = &bucket{limit: limit, windowStart: now}
		r.buckets[op] = b
	}

	if now.Sub(b.windowStart) > b.limit.window {
		b.count = 0
		b.windowStart = now
	}
	b.count++
	return b.count <= b.limit.count
}
