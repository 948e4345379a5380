// Package nav tracks the client's current route and visibility.
package nav

import (
	"net/url"
	"strings"
	"sync"

	"github.com/pwndepot/ctfgate/bus"
)

const (
	DefaultLanding    = "/"
	DefaultPrivileged = "/admin"
)

// Navigator requests navigation to a route.
type Navigator interface {
	Navigate(to string)
}

// Location holds the active route. It is safe for concurrent use.
type Location struct {
	mu         sync.RWMutex
	path       string
	landing    string
	privileged []string
	visible    bool
	bus        *bus.Bus
	history    []string
}

var _ Navigator = (*Location)(nil)

// Option configures a Location.
type Option func(*Location)

// WithLanding sets the landing route used for forced logouts.
func WithLanding(path string) Option {
	return func(l *Location) { l.landing = path }
}

// WithPrivilegedPrefixes replaces the privileged route prefixes.
func WithPrivilegedPrefixes(prefixes ...string) Option {
	return func(l *Location) { l.privileged = prefixes }
}

// WithBus publishes bus.RouteChanged on every navigation.
func WithBus(b *bus.Bus) Option {
	return func(l *Location) { l.bus = b }
}

// NewLocation creates a Location starting at start.
func NewLocation(start string, opts ...Option) *Location {
	l := &Location{
		path:       start,
		landing:    DefaultLanding,
		privileged: []string{DefaultPrivileged},
		visible:    true,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.path == "" {
		l.path = l.landing
	}
	return l
}

// Path returns the current route, including any query string.
func (l *Location) Path() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.path
}

// Landing returns the landing route.
func (l *Location) Landing() string {
	return l.landing
}

// AtLanding reports whether the current route is the landing route.
func (l *Location) AtLanding() bool {
	return routePath(l.Path()) == routePath(l.landing)
}

// Privileged reports whether the current route is a privileged surface.
func (l *Location) Privileged() bool {
	return l.IsPrivileged(l.Path())
}

// IsPrivileged reports whether path falls under a privileged prefix.
func (l *Location) IsPrivileged(path string) bool {
	p := routePath(path)
	for _, prefix := range l.privileged {
		prefix = strings.TrimSuffix(prefix, "/")
		if p == prefix || strings.HasPrefix(p, prefix+"/") {
			return true
		}
	}
	return false
}

// Navigate moves to a new route and publishes bus.RouteChanged. Navigating
// to the current route is a no-op.
func (l *Location) Navigate(to string) {
	l.mu.Lock()
	from := l.path
	if from == to {
		l.mu.Unlock()
		return
	}
	l.path = to
	l.history = append(l.history, to)
	l.mu.Unlock()

	if l.bus != nil {
		l.bus.Publish(bus.RouteChanged, bus.RouteChangedPayload{From: from, To: to})
	}
}

// History returns every route navigated to, oldest first.
func (l *Location) History() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, len(l.history))
	copy(out, l.history)
	return out
}

// Visible reports whether the client is in the foreground.
func (l *Location) Visible() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.visible
}

// SetVisible records a foreground/background transition.
func (l *Location) SetVisible(v bool) {
	l.mu.Lock()
	l.visible = v
	l.mu.Unlock()
}

func routePath(p string) string {
	u, err := url.Parse(p)
	if err != nil || u.Path == "" {
		return p
	}
	return u.Path
}
