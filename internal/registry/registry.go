// Package registry is the per-process source of truth for which push streams are alive.
//
// Entries are spread over fixed shards keyed by connection id, each behind its own lock,
// with a separately sharded index from user id to connection ids. Every mutation touches a
// single entry, so connection churn on different shards never contends.
package registry

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"

	"github.com/strogmv/notify/internal/domain"
)

const shardCount = 32

type entry struct {
	info domain.ConnectionInfo
}

type connShard struct {
	mu    sync.RWMutex
	conns map[string]*entry
}

type userShard struct {
	mu    sync.RWMutex
	users map[string]map[string]struct{}
}

// Registry implements port.ConnectionRegistry.
type Registry struct {
	clock clock.Clock
	conns [shardCount]connShard
	users [shardCount]userShard
	newID func() string
}

// New returns an empty registry reading time from clk. A nil clk means the wall clock.
func New(clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.WallClock
	}
	r := &Registry{
		clock: clk,
		newID: func() string { return uuid.NewString() },
	}
	for i := range r.conns {
		r.conns[i].conns = make(map[string]*entry)
		r.users[i].users = make(map[string]map[string]struct{})
	}
	return r
}

func shardOf(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % shardCount)
}

func (r *Registry) connShard(connectionID string) *connShard {
	return &r.conns[shardOf(connectionID)]
}

func (r *Registry) userShard(userID string) *userShard {
	return &r.users[shardOf(userID)]
}

// Register creates an entry for a new stream owned by userID.
func (r *Registry) Register(userID string) (domain.ConnectionInfo, error) {
	if userID == "" {
		return domain.ConnectionInfo{}, domain.ErrInvalidPayload
	}
	now := r.clock.Now()
	info := domain.ConnectionInfo{
		ConnectionID:    r.newID(),
		UserID:          userID,
		CreatedAt:       now,
		LastHeartbeatAt: now,
		Channel:         domain.ChannelForUser(userID),
		Alive:           true,
	}

	// Index the user first so a concurrent sweep never sees a connection without its owner.
	us := r.userShard(userID)
	us.mu.Lock()
	set, ok := us.users[userID]
	if !ok {
		set = make(map[string]struct{})
		us.users[userID] = set
	}
	set[info.ConnectionID] = struct{}{}
	us.mu.Unlock()

	cs := r.connShard(info.ConnectionID)
	cs.mu.Lock()
	cs.conns[info.ConnectionID] = &entry{info: info}
	cs.mu.Unlock()
	return info, nil
}

// Heartbeat marks the connection as known-good now. The timestamp never moves backwards.
func (r *Registry) Heartbeat(connectionID string) error {
	now := r.clock.Now()
	cs := r.connShard(connectionID)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	e, ok := cs.conns[connectionID]
	if !ok {
		return domain.ErrUnknownConnection
	}
	if now.After(e.info.LastHeartbeatAt) {
		e.info.LastHeartbeatAt = now
	}
	return nil
}

// Unregister removes the connection and reports whether it was present.
func (r *Registry) Unregister(connectionID string) bool {
	cs := r.connShard(connectionID)
	cs.mu.Lock()
	e, ok := cs.conns[connectionID]
	if ok {
		delete(cs.conns, connectionID)
	}
	cs.mu.Unlock()
	if !ok {
		return false
	}
	r.unindex(e.info.UserID, connectionID)
	return true
}

func (r *Registry) unindex(userID, connectionID string) {
	us := r.userShard(userID)
	us.mu.Lock()
	defer us.mu.Unlock()
	set := us.users[userID]
	delete(set, connectionID)
	if len(set) == 0 {
		delete(us.users, userID)
	}
}

// SweepStale removes and returns every connection whose last heartbeat is older than threshold.
// Each shard is locked only while it is scanned.
func (r *Registry) SweepStale(threshold time.Duration) []domain.ConnectionInfo {
	now := r.clock.Now()
	var evicted []domain.ConnectionInfo
	for i := range r.conns {
		cs := &r.conns[i]
		cs.mu.Lock()
		for id, e := range cs.conns {
			if e.info.StaleAt(now, threshold) {
				delete(cs.conns, id)
				info := e.info
				info.Alive = false
				evicted = append(evicted, info)
			}
		}
		cs.mu.Unlock()
	}
	for _, info := range evicted {
		r.unindex(info.UserID, info.ConnectionID)
	}
	return evicted
}

// Get returns a copy of the connection's current state.
func (r *Registry) Get(connectionID string) (domain.ConnectionInfo, bool) {
	cs := r.connShard(connectionID)
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	e, ok := cs.conns[connectionID]
	if !ok {
		return domain.ConnectionInfo{}, false
	}
	return e.info, true
}

func (r *Registry) CountForUser(userID string) int {
	us := r.userShard(userID)
	us.mu.RLock()
	defer us.mu.RUnlock()
	return len(us.users[userID])
}

func (r *Registry) TotalCount() int {
	total := 0
	for i := range r.conns {
		cs := &r.conns[i]
		cs.mu.RLock()
		total += len(cs.conns)
		cs.mu.RUnlock()
	}
	return total
}

// Users returns the connection count of every user with at least one live connection.
func (r *Registry) Users() map[string]int {
	out := make(map[string]int)
	for i := range r.users {
		us := &r.users[i]
		us.mu.RLock()
		for userID, set := range us.users {
			out[userID] = len(set)
		}
		us.mu.RUnlock()
	}
	return out
}

// Snapshot copies every entry. It is not atomic across shards.
func (r *Registry) Snapshot() []domain.ConnectionInfo {
	var out []domain.ConnectionInfo
	for i := range r.conns {
		cs := &r.conns[i]
		cs.mu.RLock()
		for _, e := range cs.conns {
			out = append(out, e.info)
		}
		cs.mu.RUnlock()
	}
	return out
}
