package call

import (
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"github.com/pyromancerx/starcitizen-hub/hubrtc/internal/domain"
)

// Invitation is a pending incoming call.
type Invitation struct {
	ID       string
	From     domain.UserID
	FromName string
	To       domain.UserID
	Received time.Time
}

// inviteStore keeps pending invitations until they are resolved or expire.
// Deletions made by the store itself are tagged in resolved so the eviction
// hook can tell them apart from expiry.
type inviteStore struct {
	cache *gocache.Cache

	mu       sync.Mutex
	resolved map[string]bool
	expired  func(*Invitation)
}

func newInviteStore(ttl time.Duration, expired func(*Invitation)) *inviteStore {
	exp, cleanup := gocache.NoExpiration, time.Duration(0)
	if ttl > 0 {
		exp, cleanup = ttl, ttl/2
	}
	s := &inviteStore{
		cache:    gocache.New(exp, cleanup),
		resolved: make(map[string]bool),
		expired:  expired,
	}
	s.cache.OnEvicted(s.evicted)
	return s
}

func (s *inviteStore) add(from domain.UserID, name string, to domain.UserID) *Invitation {
	inv := &Invitation{ID: uuid.NewString(), From: from, FromName: name, To: to, Received: time.Now()}
	s.cache.SetDefault(inv.ID, inv)
	return inv
}

// latest returns the most recent unexpired invitation.
func (s *inviteStore) latest() *Invitation {
	var out *Invitation
	for _, item := range s.cache.Items() {
		inv := item.Object.(*Invitation)
		if out == nil || inv.Received.After(out.Received) {
			out = inv
		}
	}
	return out
}

func (s *inviteStore) all() []*Invitation {
	items := s.cache.Items()
	out := make([]*Invitation, 0, len(items))
	for _, item := range items {
		out = append(out, item.Object.(*Invitation))
	}
	return out
}

// remove resolves one invitation without reporting it as expired.
func (s *inviteStore) remove(id string) {
	s.mu.Lock()
	s.resolved[id] = true
	s.mu.Unlock()
	s.cache.Delete(id)
}

func (s *inviteStore) clear() int {
	invs := s.all()
	for _, inv := range invs {
		s.remove(inv.ID)
	}
	return len(invs)
}

func (s *inviteStore) evicted(id string, v interface{}) {
	s.mu.Lock()
	mine := s.resolved[id]
	delete(s.resolved, id)
	s.mu.Unlock()
	if mine {
		return
	}
	if s.expired != nil {
		s.expired(v.(*Invitation))
	}
}
