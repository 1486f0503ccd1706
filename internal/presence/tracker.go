// Package presence mirrors who is in which voice channel, independent of the
// room the local user has joined.
package presence

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/pyromancerx/starcitizen-hub/hubrtc/internal/domain"
	"github.com/pyromancerx/starcitizen-hub/hubrtc/internal/logger"
	"github.com/pyromancerx/starcitizen-hub/hubrtc/internal/signal"
)

// Tracker keeps the latest member list of every room it has heard of.
type Tracker struct {
	log   *zap.Logger
	unsub func()

	mu       sync.Mutex
	rooms    map[string][]domain.UserID
	watchers []func(roomID string, members []domain.UserID)
}

// NewTracker starts listening on sig.
func NewTracker(sig signal.Channel, log *zap.Logger) *Tracker {
	t := &Tracker{
		log:   logger.OrNop(log).Named("presence"),
		rooms: make(map[string][]domain.UserID),
	}
	t.unsub = sig.Subscribe(t.handle)
	return t
}

// Rooms lists rooms with at least one member, sorted.
func (t *Tracker) Rooms() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.rooms))
	for id := range t.rooms {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Members returns a copy of the member list of roomID.
func (t *Tracker) Members(roomID string) []domain.UserID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]domain.UserID(nil), t.rooms[roomID]...)
}

// Watch registers fn for member list changes.
func (t *Tracker) Watch(fn func(roomID string, members []domain.UserID)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.watchers = append(t.watchers, fn)
}

// Close stops listening and forgets every room.
func (t *Tracker) Close() {
	t.unsub()
	t.mu.Lock()
	t.rooms = make(map[string][]domain.UserID)
	t.mu.Unlock()
}

func (t *Tracker) handle(msg signal.Message) {
	switch v := msg.(type) {
	case signal.RoomPresence:
		t.update(v.RoomID, func([]domain.UserID) []domain.UserID {
			return append([]domain.UserID(nil), v.UserIDs...)
		})
	case signal.UserLeft:
		if v.RoomID == "" {
			return
		}
		t.update(v.RoomID, func(cur []domain.UserID) []domain.UserID {
			out := cur[:0:0]
			for _, id := range cur {
				if id != v.UserID {
					out = append(out, id)
				}
			}
			return out
		})
	}
}

func (t *Tracker) update(roomID string, next func([]domain.UserID) []domain.UserID) {
	t.mu.Lock()
	members := next(t.rooms[roomID])
	if len(members) == 0 {
		delete(t.rooms, roomID)
	} else {
		t.rooms[roomID] = members
	}
	watchers := append(([]func(string, []domain.UserID))(nil), t.watchers...)
	t.mu.Unlock()

	t.log.Debug("presence", zap.String("room", roomID), zap.Int("members", len(members)))
	for _, fn := range watchers {
		fn(roomID, append([]domain.UserID(nil), members...))
	}
}
