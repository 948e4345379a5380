// Package session holds the client's view of the authenticated identity.
package session

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/pwndepot/ctfgate/bus"
	"github.com/pwndepot/ctfgate/nav"
)

// invalidateTimeout bounds the best-effort remote logout of a forced logout.
const invalidateTimeout = 10 * time.Second

// Invalidator performs a best-effort remote session invalidation. It never
// reports failure; local state is authoritative.
type Invalidator interface {
	Invalidate(ctx context.Context)
}

// Router is the part of nav.Location the forced-logout reaction needs.
type Router interface {
	nav.Navigator
	AtLanding() bool
	Landing() string
}

// Snapshot is a point-in-time copy of the store.
type Snapshot struct {
	User        *Identity
	AuthLoading bool
	MFAPending  bool
}

// Store is the process-wide holder of the current identity.
type Store struct {
	mu          sync.RWMutex
	user        *Identity
	authLoading bool
	probed      bool
	mfaPending  bool
	subs        map[int]func(Snapshot)
	nextSub     int
	logger      *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// NewStore creates an empty Store.
func NewStore(opts ...Option) *Store {
	s := &Store{subs: make(map[int]func(Snapshot))}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	s.logger = s.logger.With("component", "session")
	return s
}

// User returns a copy of the current identity, or nil.
func (s *Store) User() *Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return nil
	}
	u := *s.user
	return &u
}

// AuthLoading reports whether the initial identity probe is outstanding.
func (s *Store) AuthLoading() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authLoading
}

// MFAPending reports whether the probe found a session waiting for its
// second factor.
func (s *Store) MFAPending() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mfaPending
}

// Snapshot returns a copy of the whole store.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() Snapshot {
	snap := Snapshot{AuthLoading: s.authLoading, MFAPending: s.mfaPending}
	if s.user != nil {
		u := *s.user
		snap.User = &u
	}
	return snap
}

// BeginProbe marks the initial identity probe as started. It returns false
// if a probe already ran; authLoading is never raised a second time.
func (s *Store) BeginProbe() bool {
	s.mu.Lock()
	if s.probed {
		s.mu.Unlock()
		return false
	}
	s.probed = true
	s.authLoading = true
	s.mu.Unlock()
	s.notify()
	return true
}

// EndProbe records the probe result and clears authLoading.
func (s *Store) EndProbe(user *Identity, mfaPending bool) {
	s.mu.Lock()
	s.user = cloneIdentity(user)
	s.mfaPending = mfaPending && user == nil
	s.authLoading = false
	s.mu.Unlock()
	s.notify()
}

// SetUser installs an identity after an explicit login or MFA verification.
func (s *Store) SetUser(user *Identity) {
	s.mu.Lock()
	s.user = cloneIdentity(user)
	if user != nil {
		s.mfaPending = false
	}
	s.mu.Unlock()
	s.notify()
}

// SetMFAPending records that a login is waiting for its second factor.
func (s *Store) SetMFAPending(pending bool) {
	s.mu.Lock()
	s.mfaPending = pending
	s.mu.Unlock()
	s.notify()
}

// Clear drops the identity. It reports whether an identity was present.
func (s *Store) Clear() bool {
	s.mu.Lock()
	had := s.user != nil
	s.user = nil
	s.mfaPending = false
	s.mu.Unlock()
	if had {
		s.notify()
	}
	return had
}

// Subscribe registers fn to receive a Snapshot after every change.
func (s *Store) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	s.mu.Lock()
	s.nextSub++
	id := s.nextSub
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *Store) notify() {
	s.mu.RLock()
	snap := s.snapshotLocked()
	fns := make([]func(Snapshot), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.RUnlock()
	for _, fn := range fns {
		fn(snap)
	}
}

// ForceLogout is the forced-logout reaction: drop the identity, invalidate
// the remote session, and return to the landing route. Repeated calls
// converge: the server is contacted by the call that actually cleared an
// identity, or on a failed refresh, where cookies may outlive a session the
// store never loaded. Navigation happens only off the landing route.
func (s *Store) ForceLogout(ctx context.Context, inv Invalidator, router Router, reason bus.Reason) {
	cleared := s.Clear()
	s.logger.Info("forced logout", "reason", string(reason), "cleared", cleared)

	if (cleared || reason == bus.ReasonRefreshFailed) && inv != nil {
		ictx, cancel := context.WithTimeout(context.WithoutCancel(ctx), invalidateTimeout)
		inv.Invalidate(ictx)
		cancel()
	}
	if router != nil && !router.AtLanding() {
		router.Navigate(router.Landing())
	}
}

// AttachForcedLogout subscribes the store to bus.SessionEnded.
func (s *Store) AttachForcedLogout(b *bus.Bus, inv Invalidator, router Router) (detach func()) {
	return b.Subscribe(bus.SessionEnded, func(payload any) {
		reason := bus.Reason("")
		if p, ok := payload.(bus.SessionEndedPayload); ok {
			reason = p.Reason
		}
		s.ForceLogout(context.Background(), inv, router, reason)
	})
}

func cloneIdentity(u *Identity) *Identity {
	if u == nil {
		return nil
	}
	c := *u
	if u.TokenData != nil {
		td := *u.TokenData
		c.TokenData = &td
	}
	return &c
}
