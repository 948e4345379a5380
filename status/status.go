// Package status keeps the live "event active / time remaining" signal in
// sync with the platform by polling and by listening on the push channel.
package status

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/pwndepot/ctfgate/apierr"
	"github.com/pwndepot/ctfgate/bus"
	"github.com/pwndepot/ctfgate/metrics"
	"github.com/pwndepot/ctfgate/storage"
)

const (
	DefaultPollInterval   = 30 * time.Second
	DefaultCooldown       = 8 * time.Second
	DefaultReconnectDelay = 3 * time.Second

	StatusPath   = "/ctf-status"
	EventsPath   = "/ctf-events"
	ChangedEvent = "ctf_changed"
)

// ErrRunning is returned by Run when the synchronizer is already running.
var ErrRunning = errors.New("status synchronizer already running")

// API is the part of the gateway the synchronizer needs.
type API interface {
	Get(ctx context.Context, path string, out any) error
	Stream(ctx context.Context, path string) (io.ReadCloser, error)
}

// Location is the route state the synchronizer consults.
type Location interface {
	Path() string
	Privileged() bool
	Visible() bool
}

// EventStatus is the platform-wide activity signal. A nil Active means the
// status is not known yet.
type EventStatus struct {
	Active           *bool
	SecondsRemaining *int
	EndsAt           *time.Time
	CheckedAt        time.Time
}

// Known reports whether the status has been synced at least once.
func (s EventStatus) Known() bool { return s.Active != nil }

// IsActive reports whether the event is known to be running.
func (s EventStatus) IsActive() bool { return s.Active != nil && *s.Active }

// Ended reports whether the event is known to be over.
func (s EventStatus) Ended() bool { return s.Active != nil && !*s.Active }

type statusResponse struct {
	Active           bool    `json:"active"`
	RemainingSeconds *int    `json:"remaining_seconds"`
	EndsAt           *string `json:"ends_at"`
}

// Synchronizer maintains EventStatus.
type Synchronizer struct {
	api      API
	bus      *bus.Bus
	loc      Location
	tabs     *storage.TabStore
	logger   *slog.Logger
	metrics  metrics.Recorder
	now      func() time.Time
	interval time.Duration
	cooldown time.Duration
	retryIn  time.Duration

	mu            sync.Mutex
	status        EventStatus
	inFlight      bool
	cooldownUntil time.Time
	subs          map[int]func(EventStatus)
	nextSub       int

	runCtx context.Context
	torn   bool
	push   *pushConn
	retry  *time.Timer
}

type pushConn struct {
	cancel context.CancelFunc
}

// Option configures a Synchronizer.
type Option func(*Synchronizer)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Synchronizer) { s.logger = logger }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(rec metrics.Recorder) Option {
	return func(s *Synchronizer) { s.metrics = rec }
}

// WithTabStore persists the status and hydrates it on construction.
func WithTabStore(tabs *storage.TabStore) Option {
	return func(s *Synchronizer) { s.tabs = tabs }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Synchronizer) { s.now = now }
}

// WithPollInterval sets the repeating poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(s *Synchronizer) { s.interval = d }
}

// WithCooldown sets how long polling pauses after a rate-limited poll.
func WithCooldown(d time.Duration) Option {
	return func(s *Synchronizer) { s.cooldown = d }
}

// WithReconnectDelay sets the delay before the push channel reconnects.
func WithReconnectDelay(d time.Duration) Option {
	return func(s *Synchronizer) { s.retryIn = d }
}

// New creates a Synchronizer.
func New(api API, b *bus.Bus, loc Location, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		api:      api,
		bus:      b,
		loc:      loc,
		now:      time.Now,
		interval: DefaultPollInterval,
		cooldown: DefaultCooldown,
		retryIn:  DefaultReconnectDelay,
		subs:     make(map[int]func(EventStatus)),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	s.logger = s.logger.With("component", "status")
	if s.metrics == nil {
		s.metrics = metrics.Nop{}
	}
	s.hydrate()
	return s
}

func (s *Synchronizer) hydrate() {
	if s.tabs == nil {
		return
	}
	var rec storage.StatusRecord
	ok, err := s.tabs.Get(storage.KeyCTFStatus, &rec)
	if err != nil {
		s.logger.Warn("loading persisted status failed", "error", err)
		return
	}
	if ok {
		s.status = EventStatus(rec)
	}
}

// Status returns the current status.
func (s *Synchronizer) Status() EventStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Subscribe registers fn to receive every status update.
func (s *Synchronizer) Subscribe(fn func(EventStatus)) (unsubscribe func()) {
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

// Refresh polls the status endpoint. It is a no-op while another poll is
// outstanding or while a rate-limit cooldown is in effect.
func (s *Synchronizer) Refresh(ctx context.Context) error {
	s.mu.Lock()
	if s.inFlight {
		s.mu.Unlock()
		s.metrics.RecordStatusPoll("skipped")
		return nil
	}
	if s.now().Before(s.cooldownUntil) {
		s.mu.Unlock()
		s.metrics.RecordStatusPoll("cooldown")
		return nil
	}
	s.inFlight = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.inFlight = false
		s.mu.Unlock()
	}()

	var resp statusResponse
	err := s.api.Get(ctx, StatusPath, &resp)
	switch apierr.KindOf(err) {
	case apierr.RateLimited:
		s.mu.Lock()
		s.cooldownUntil = s.now().Add(s.cooldown)
		s.mu.Unlock()
		s.metrics.RecordStatusPoll("rate_limited")
		s.logger.Info("status poll rate limited", "cooldown", s.cooldown)
		return err
	case apierr.EventEnded:
		s.metrics.RecordStatusPoll("ended")
		s.apply(ended(s.now()), true)
		return nil
	}
	if err != nil {
		s.metrics.RecordStatusPoll("error")
		s.logger.Debug("status poll failed", "error", err)
		return err
	}

	active := resp.Active
	st := EventStatus{Active: &active, SecondsRemaining: resp.RemainingSeconds, CheckedAt: s.now()}
	if resp.EndsAt != nil {
		if t, err := time.Parse(time.RFC3339Nano, *resp.EndsAt); err == nil {
			st.EndsAt = &t
		}
	}
	if !active && st.SecondsRemaining == nil {
		zero := 0
		st.SecondsRemaining = &zero
	}
	s.metrics.RecordStatusPoll("ok")
	s.apply(st, true)
	return nil
}

func ended(now time.Time) EventStatus {
	inactive, zero := false, 0
	return EventStatus{Active: &inactive, SecondsRemaining: &zero, CheckedAt: now}
}

// markEnded records an event-ended answer seen on any call. The gateway has
// already handled eviction for that call.
func (s *Synchronizer) markEnded() {
	s.apply(ended(s.now()), false)
}

// apply installs st, persists it and notifies subscribers. With evict set,
// an ended status on an unprivileged route ends the session; the consumer
// is idempotent so repeated observations converge.
func (s *Synchronizer) apply(st EventStatus, evict bool) {
	s.mu.Lock()
	s.status = st
	fns := make([]func(EventStatus), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	if s.tabs != nil {
		if err := s.tabs.Set(storage.KeyCTFStatus, storage.StatusRecord(st)); err != nil {
			s.logger.Warn("persisting status failed", "error", err)
		}
	}
	for _, fn := range fns {
		fn(st)
	}
	if evict && st.Ended() && !s.loc.Privileged() {
		s.metrics.RecordForcedLogout(string(bus.ReasonStatusEnded))
		s.bus.Publish(bus.SessionEnded, bus.SessionEndedPayload{Reason: bus.ReasonStatusEnded, Path: s.loc.Path()})
	}
	s.syncPush()
}

// Run polls on start, on every route change, on status-changed
// notifications and on a repeating timer, and keeps the push channel open
// while the event is active. The timer is skipped while the client is not
// visible and stopped on privileged routes. Run returns when ctx ends.
func (s *Synchronizer) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.runCtx != nil {
		s.mu.Unlock()
		return ErrRunning
	}
	s.runCtx = ctx
	s.torn = false
	s.mu.Unlock()

	routeCh := make(chan struct{}, 1)
	pollCh := make(chan struct{}, 1)
	unsubs := []func(){
		s.bus.Subscribe(bus.RouteChanged, func(any) {
			select {
			case routeCh <- struct{}{}:
			default:
			}
		}),
		s.bus.Subscribe(bus.StatusChanged, func(any) {
			select {
			case pollCh <- struct{}{}:
			default:
			}
		}),
		s.bus.Subscribe(bus.EventEnded, func(any) { s.markEnded() }),
	}
	defer func() {
		for _, u := range unsubs {
			u()
		}
		s.teardown()
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	if s.loc.Privileged() {
		ticker.Stop()
	}
	s.poll(ctx)
	s.syncPush()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if s.loc.Visible() {
				s.poll(ctx)
			}
		case <-routeCh:
			if s.loc.Privileged() {
				ticker.Stop()
			} else {
				ticker.Reset(s.interval)
			}
			s.poll(ctx)
		case <-pollCh:
			s.poll(ctx)
		}
		s.syncPush()
	}
}

func (s *Synchronizer) poll(ctx context.Context) {
	_ = s.Refresh(ctx)
}

// syncPush opens the push channel when the event is active on an
// unprivileged route and closes it otherwise. A pending reconnect holds off
// reopening until its delay passes.
func (s *Synchronizer) syncPush() {
	privileged := s.loc.Privileged()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runCtx == nil || s.torn {
		return
	}
	want := s.status.IsActive() && !privileged
	switch {
	case want && s.push == nil && s.retry == nil:
		ctx, cancel := context.WithCancel(s.runCtx)
		p := &pushConn{cancel: cancel}
		s.push = p
		go s.consume(ctx, p)
	case !want:
		if s.push != nil {
			s.push.cancel()
			s.push = nil
		}
		if s.retry != nil {
			s.retry.Stop()
			s.retry = nil
		}
	}
}

func (s *Synchronizer) consume(ctx context.Context, p *pushConn) {
	body, err := s.api.Stream(ctx, EventsPath)
	if err == nil {
		s.logger.Debug("push channel open")
		err = readEvents(body, func(ev event) {
			if ev.Name == ChangedEvent {
				s.poll(ctx)
			}
		})
		body.Close()
	}
	s.pushEnded(p, err)
}

// pushEnded handles a push channel that closed. A deliberately closed
// channel is ignored; otherwise one reconnect is scheduled if the
// synchronizer is still running and the event is still active.
func (s *Synchronizer) pushEnded(p *pushConn, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.push != p {
		return
	}
	s.push = nil
	p.cancel()
	if s.torn || !s.status.IsActive() {
		return
	}
	s.logger.Info("push channel lost", "error", cause, "reconnect_in", s.retryIn)
	s.metrics.RecordPushReconnect()
	s.retry = time.AfterFunc(s.retryIn, func() {
		s.mu.Lock()
		s.retry = nil
		s.mu.Unlock()
		s.syncPush()
	})
}

// PushOpen reports whether the push channel is currently open.
func (s *Synchronizer) PushOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.push != nil
}

// ReconnectPending reports whether a push reconnect is scheduled.
func (s *Synchronizer) ReconnectPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retry != nil
}

func (s *Synchronizer) teardown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.torn = true
	s.runCtx = nil
	if s.push != nil {
		s.push.cancel()
		s.push = nil
	}
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
}
