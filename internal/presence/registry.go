// Package presence tracks which users are online. A user is online while at
// least one of their connections is registered; only the 0→1 and 1→0
// transitions produce events.
package presence

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"messenger/internal/keyset"
	"messenger/internal/repositories"
)

// Transition is an online/offline change of one user.
type Transition struct {
	UserID   int
	Online   bool
	LastSeen time.Time
}

// Registry maps users to their active connection handles.
type Registry struct {
	conns      *keyset.Registry[int, string]
	lastSeen   sync.Map // user id -> time.Time
	lastActive sync.Map // conn id -> time.Time
	users      repositories.UserRepository
	now        func() time.Time

	// Transitions are appended under the user's shard lock, so per-user order
	// is kept, and never block. Run drains them outside every registry lock.
	qmu     sync.Mutex
	pending []Transition
	wake    chan struct{}
}

// Option customizes a Registry.
type Option func(*Registry)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithBuffer sets the initial capacity of the transition queue. The queue
// grows past it instead of blocking.
func WithBuffer(n int) Option {
	return func(r *Registry) { r.pending = make([]Transition, 0, n) }
}

// NewRegistry builds a registry persisting presence through users, which may
// be nil.
func NewRegistry(users repositories.UserRepository, opts ...Option) *Registry {
	r := &Registry{
		conns:  keyset.New[int, string](64, keyset.IntHash),
		users:   users,
		now:     time.Now,
		pending: make([]Transition, 0, 1024),
		wake:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Connect registers connID for userID and reports whether the user came online.
func (r *Registry) Connect(userID int, connID string) bool {
	now := r.now()
	r.lastActive.Store(connID, now)
	_, first, _ := r.conns.AddThen(userID, connID, func(_ int, first, _ bool) {
		if first {
			r.enqueue(Transition{UserID: userID, Online: true, LastSeen: now})
		}
	})
	return first
}

// Disconnect removes connID and reports whether the user went offline.
func (r *Registry) Disconnect(userID int, connID string) bool {
	now := r.now()
	r.lastActive.Delete(connID)
	_, last, _ := r.conns.RemoveThen(userID, connID, func(_ int, last, _ bool) {
		if last {
			r.lastSeen.Store(userID, now)
			r.enqueue(Transition{UserID: userID, Online: false, LastSeen: now})
		}
	})
	return last
}

// Ping refreshes the last-active time of a connection. It never changes
// presence state.
func (r *Registry) Ping(connID string) {
	if _, ok := r.lastActive.Load(connID); ok {
		r.lastActive.Store(connID, r.now())
	}
}

// LastActive returns the last ping time of a connection.
func (r *Registry) LastActive(connID string) (time.Time, bool) {
	v, ok := r.lastActive.Load(connID)
	if !ok {
		return time.Time{}, false
	}
	return v.(time.Time), true
}

// IsOnline reports whether userID has at least one connection.
func (r *Registry) IsOnline(userID int) bool {
	return r.conns.Len(userID) > 0
}

// Connections returns the number of active connections of userID.
func (r *Registry) Connections(userID int) int {
	return r.conns.Len(userID)
}

// OnlineUsers returns the number of users currently online.
func (r *Registry) OnlineUsers() int {
	return r.conns.Keys()
}

// LastSeen returns when userID last went offline, or nil while online or when
// unknown to this process and the store.
func (r *Registry) LastSeen(ctx context.Context, userID int) *time.Time {
	if r.IsOnline(userID) {
		return nil
	}
	if v, ok := r.lastSeen.Load(userID); ok {
		t := v.(time.Time)
		return &t
	}
	if r.users == nil {
		return nil
	}
	p, err := r.users.GetPresence(ctx, userID)
	if err != nil {
		log.WithError(err).WithField("user_id", userID).Warn("presence lookup failed")
		return nil
	}
	return p.LastSeenAt
}

func (r *Registry) enqueue(t Transition) {
	r.qmu.Lock()
	r.pending = append(r.pending, t)
	r.qmu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// take removes and returns every queued transition, oldest first.
func (r *Registry) take() []Transition {
	r.qmu.Lock()
	defer r.qmu.Unlock()
	out := r.pending
	r.pending = nil
	return out
}

// Run persists transitions and hands them to notify, in the order they
// happened, until ctx is cancelled. notify may call back into the registry.
func (r *Registry) Run(ctx context.Context, notify func(context.Context, Transition)) {
	for {
		for _, t := range r.take() {
			if ctx.Err() != nil {
				return
			}
			if r.users != nil {
				if err := r.users.SetPresence(ctx, t.UserID, t.Online, t.LastSeen); err != nil {
					log.WithError(err).WithField("user_id", t.UserID).Error("persist presence failed")
				}
			}
			if notify != nil {
				notify(ctx, t)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-r.wake:
		}
	}
}
