package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/pwndepot/ctfgate/apierr"
	"github.com/pwndepot/ctfgate/metrics"
)

const (
	refreshPath           = "/users/auth/refresh"
	defaultRefreshTimeout = 15 * time.Second
)

// RenewFunc performs the credential renewal network call.
type RenewFunc func(ctx context.Context) error

// RefreshCoordinator guarantees at most one credential renewal is
// outstanding. Concurrent callers share the in-flight result.
type RefreshCoordinator struct {
	renew   RenewFunc
	group   singleflight.Group
	timeout time.Duration
	now     func() time.Time
	metrics metrics.Recorder
	logger  *slog.Logger

	mu            sync.Mutex
	generation    uint64
	inFlight      bool
	cooldown      time.Duration
	cooldownUntil time.Time
	lastErr       error
	attempts      int
}

// NewRefreshCoordinator creates a coordinator around renew. A positive
// cooldown makes callers fail fast with the last RefreshFailed error for that
// long after a failed renewal.
func NewRefreshCoordinator(renew RenewFunc, cooldown time.Duration, rec metrics.Recorder, logger *slog.Logger) *RefreshCoordinator {
	if rec == nil {
		rec = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RefreshCoordinator{
		renew:    renew,
		timeout:  defaultRefreshTimeout,
		now:      time.Now,
		cooldown: cooldown,
		metrics:  rec,
		logger:   logger.With("component", "refresh"),
	}
}

// Generation counts successful renewals.
func (c *RefreshCoordinator) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// Attempts counts renewal network calls made so far.
func (c *RefreshCoordinator) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// InFlight reports whether a renewal is outstanding.
func (c *RefreshCoordinator) InFlight() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}

// EnsureFresh renews the credential, joining any renewal already in flight.
// It fails with an *apierr.Error of kind RefreshFailed.
func (c *RefreshCoordinator) EnsureFresh(ctx context.Context) error {
	return c.ensureFreshSince(ctx, c.Generation())
}

// ensureFreshSince renews unless a renewal already succeeded after seen was
// observed. Callers pass the generation read before sending the request
// that failed, so a 401 that raced a completed renewal just retries.
func (c *RefreshCoordinator) ensureFreshSince(ctx context.Context, seen uint64) error {
	c.mu.Lock()
	if c.generation != seen {
		c.mu.Unlock()
		return nil
	}
	if c.now().Before(c.cooldownUntil) {
		err := c.lastErr
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	ch := c.group.DoChan("refresh", func() (any, error) {
		return nil, c.run(ctx, seen)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *RefreshCoordinator) run(ctx context.Context, seen uint64) error {
	c.mu.Lock()
	if c.generation != seen {
		c.mu.Unlock()
		return nil
	}
	c.attempts++
	c.inFlight = true
	c.mu.Unlock()

	// The renewal outlives any single caller's cancellation.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()
	err := c.renew(rctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.inFlight = false
	if err == nil {
		c.generation++
		c.lastErr = nil
		c.cooldownUntil = time.Time{}
		c.metrics.RecordRefresh("ok")
		c.logger.Debug("credential renewed", "generation", c.generation)
		return nil
	}

	failed := &apierr.Error{Kind: apierr.RefreshFailed, Method: http.MethodPost, Path: refreshPath, Err: err}
	var ae *apierr.Error
	if errors.As(err, &ae) {
		failed.Status = ae.Status
		failed.Code = ae.Code
	}
	c.lastErr = failed
	if c.cooldown > 0 {
		c.cooldownUntil = c.now().Add(c.cooldown)
	}
	c.metrics.RecordRefresh("failed")
	c.logger.Warn("credential renewal failed", "error", err)
	return failed
}
