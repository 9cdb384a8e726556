package gateway

import (
	"sync"

	"github.com/google/uuid"
)

// voiceStateTracker remembers which voice channel, if any, each user currently occupies. It is process-local: the
// Voice collaborator is the cross-process source of truth for who is actually connected to media, but the gateway
// still needs to know a user's current channel itself to call the collaborator's Leave endpoint with the right path
// when the user switches channels or sends a leave (a null channel). Entries are not removed when a connection closes.
type voiceStateTracker struct {
	mu    sync.Mutex
	chans map[uuid.UUID]string
}

func newVoiceStateTracker() *voiceStateTracker {
	return &voiceStateTracker{chans: make(map[uuid.UUID]string)}
}

// current returns the channel ID the user currently occupies, if any.
func (t *voiceStateTracker) current(userID uuid.UUID) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.chans[userID]
	return ch, ok
}

func (t *voiceStateTracker) set(userID uuid.UUID, channelID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.chans[userID] = channelID
}

func (t *voiceStateTracker) clear(userID uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.chans, userID)
}
