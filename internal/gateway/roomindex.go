package gateway

import "sync"

// RoomIndex is the process-local routing table the Hub consults to find every Connection subscribed to a guild or
// owned by a user. It never touches Valkey: only connections held by this process appear here, and a fan-out that
// originates on another process reaches this process's subscribers through the Bus instead. Reads (the hot path, one
// per dispatched event) take the read lock; writes only happen on register/unregister.
type RoomIndex struct {
	mu      sync.RWMutex
	byGuild map[string]map[*Connection]struct{}
	byUser  map[string]map[*Connection]struct{}
}

// NewRoomIndex creates an empty RoomIndex.
func NewRoomIndex() *RoomIndex {
	return &RoomIndex{
		byGuild: make(map[string]map[*Connection]struct{}),
		byUser:  make(map[string]map[*Connection]struct{}),
	}
}

// Add registers a connection under its user ID and every guild ID its session declared.
func (r *RoomIndex) Add(conn *Connection, userID string, guildIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.addToSet(r.byUser, userID, conn)
	for _, gid := range guildIDs {
		r.addToSet(r.byGuild, gid, conn)
	}
}

// Remove unregisters a connection from its user ID and guild sets.
func (r *RoomIndex) Remove(conn *Connection, userID string, guildIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.removeFromSet(r.byUser, userID, conn)
	for _, gid := range guildIDs {
		r.removeFromSet(r.byGuild, gid, conn)
	}
}

// ForGuild returns every locally-held connection subscribed to the given guild.
func (r *RoomIndex) ForGuild(guildID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return snapshot(r.byGuild[guildID])
}

// ForUser returns every locally-held connection (there may be more than one, per spec scenario S6) owned by the
// given user.
func (r *RoomIndex) ForUser(userID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return snapshot(r.byUser[userID])
}

// All returns every identified connection held by this process. Used for the connection ceiling, ConnectionCount and
// Shutdown.
func (r *RoomIndex) All() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[*Connection]struct{})
	for _, set := range r.byUser {
		for c := range set {
			seen[c] = struct{}{}
		}
	}
	return snapshot(seen)
}

func (r *RoomIndex) addToSet(m map[string]map[*Connection]struct{}, key string, conn *Connection) {
	set, ok := m[key]
	if !ok {
		set = make(map[*Connection]struct{})
		m[key] = set
	}
	set[conn] = struct{}{}
}

func (r *RoomIndex) removeFromSet(m map[string]map[*Connection]struct{}, key string, conn *Connection) {
	set, ok := m[key]
	if !ok {
		return
	}
	delete(set, conn)
	if len(set) == 0 {
		delete(m, key)
	}
}

func snapshot(set map[*Connection]struct{}) []*Connection {
	out := make([]*Connection, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}
