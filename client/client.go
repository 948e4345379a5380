// Package client wires the gateway, session store, status synchronizer and
// account deletion flow into a single client of the platform API.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/pwndepot/ctfgate/apierr"
	"github.com/pwndepot/ctfgate/bus"
	"github.com/pwndepot/ctfgate/config"
	"github.com/pwndepot/ctfgate/gateway"
	"github.com/pwndepot/ctfgate/internal/logging"
	"github.com/pwndepot/ctfgate/internal/util"
	"github.com/pwndepot/ctfgate/metrics"
	"github.com/pwndepot/ctfgate/nav"
	"github.com/pwndepot/ctfgate/session"
	"github.com/pwndepot/ctfgate/status"
	"github.com/pwndepot/ctfgate/stepup"
	"github.com/pwndepot/ctfgate/storage"
	bboltstorage "github.com/pwndepot/ctfgate/storage/bbolt"
	"github.com/pwndepot/ctfgate/storage/memory"
)

const (
	MePath         = "/users/me"
	LoginPath      = "/users/login"
	VerifyMFAPath  = "/mfa/verify"
	MFAVerifyRoute = "/mfa-verify"

	tabDBFile  = "tabs.db"
	tabKeyFile = "tab.key"
)

// ErrMFAPending is returned by Probe when the session still needs its
// second factor.
var ErrMFAPending = errors.New("second factor verification pending")

// Client is the composed platform client.
type Client struct {
	cfg     *config.Config
	logger  *slog.Logger
	bus     *bus.Bus
	loc     *nav.Location
	closer  io.Closer
	tabs    *storage.TabStore
	jar     *gateway.Jar
	session *session.Store
	gw      *gateway.Gateway
	status  *status.Synchronizer
	metrics metrics.Recorder
	detach  func()
}

type options struct {
	logger     *slog.Logger
	repo       storage.Repository
	registerer prometheus.Registerer
	httpClient *http.Client
	tracer     trace.TracerProvider
	start      string
}

// Option configures a Client.
type Option func(*options)

// WithLogger overrides the logger built from the configuration.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithRepository overrides the tab store backend chosen by DataDir.
func WithRepository(repo storage.Repository) Option {
	return func(o *options) { o.repo = repo }
}

// WithRegisterer records metrics into reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithTracerProvider sets the tracer provider for call spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracer = tp }
}

// WithStartPath sets the initial route. It defaults to the landing route.
func WithStartPath(path string) Option {
	return func(o *options) { o.start = path }
}

// New builds a Client from cfg.
func New(cfg *config.Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	c := &Client{cfg: cfg, logger: o.logger, bus: bus.New(), metrics: metrics.Nop{}}
	if c.logger == nil {
		logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
		if err != nil {
			return nil, err
		}
		c.logger = logger
	}
	if o.registerer != nil {
		c.metrics = metrics.NewCollector(o.registerer)
	}

	if err := c.openTabs(o.repo); err != nil {
		return nil, err
	}

	start := o.start
	if start == "" {
		start = cfg.Landing
	}
	c.loc = nav.NewLocation(start,
		nav.WithLanding(cfg.Landing),
		nav.WithPrivilegedPrefixes(cfg.PrivilegedPrefixes...),
		nav.WithBus(c.bus),
	)

	jar, err := gateway.NewJar(c.tabs, c.logger)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.jar = jar

	httpClient := o.httpClient
	if httpClient == nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.ResponseHeaderTimeout = cfg.RequestTimeout.Duration
		httpClient = &http.Client{Transport: t}
	}
	gwOpts := []gateway.Option{
		gateway.WithHTTPClient(httpClient),
		gateway.WithJar(jar),
		gateway.WithLocation(c.loc),
		gateway.WithTabStore(c.tabs),
		gateway.WithLogger(c.logger),
		gateway.WithMetrics(c.metrics),
		gateway.WithRefreshCooldown(cfg.Refresh.Cooldown.Duration),
		gateway.WithUserAgent(cfg.UserAgent),
	}
	if cfg.Pacing.Rate > 0 {
		gwOpts = append(gwOpts, gateway.WithPacing(rate.Limit(cfg.Pacing.Rate), cfg.Pacing.Burst))
	}
	if o.tracer != nil {
		gwOpts = append(gwOpts, gateway.WithTracerProvider(o.tracer))
	}
	c.gw, err = gateway.New(cfg.BaseURL, c.bus, gwOpts...)
	if err != nil {
		c.Close()
		return nil, err
	}

	c.session = session.NewStore(session.WithLogger(c.logger))
	c.detach = c.session.AttachForcedLogout(c.bus, c.gw, c.loc)

	c.status = status.New(c.gw, c.bus, c.loc,
		status.WithLogger(c.logger),
		status.WithMetrics(c.metrics),
		status.WithTabStore(c.tabs),
		status.WithPollInterval(cfg.Status.PollInterval.Duration),
		status.WithCooldown(cfg.Status.Cooldown.Duration),
		status.WithReconnectDelay(cfg.Status.ReconnectDelay.Duration),
	)
	return c, nil
}

func (c *Client) openTabs(repo storage.Repository) error {
	var secret []byte
	var err error
	switch {
	case repo != nil:
		secret, err = util.RandomBytes(util.AESKeySize)
	case c.cfg.DataDir != "":
		if err := os.MkdirAll(c.cfg.DataDir, 0o700); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
		var store *bboltstorage.Store
		store, err = bboltstorage.NewRepositoryFromFile(filepath.Join(c.cfg.DataDir, tabDBFile), nil)
		if err != nil {
			return fmt.Errorf("failed to open tab storage: %w", err)
		}
		repo, c.closer = store, store
		secret, err = loadOrCreateSecret(filepath.Join(c.cfg.DataDir, tabKeyFile))
	default:
		repo = memory.NewRepository()
		secret, err = util.RandomBytes(util.AESKeySize)
	}
	if err != nil {
		c.closeRepo()
		return err
	}
	defer util.WipeBytes(secret)

	c.tabs, err = storage.NewTabStore(repo, c.cfg.TabID, secret)
	if err != nil {
		c.closeRepo()
		return err
	}
	return nil
}

// loadOrCreateSecret returns the tab store secret kept at path, creating it
// on first use.
func loadOrCreateSecret(path string) ([]byte, error) {
	secret, err := os.ReadFile(path)
	switch {
	case err == nil:
		if len(secret) < util.AESKeySize {
			return nil, fmt.Errorf("tab key %s is truncated", path)
		}
		return secret, nil
	case !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("read tab key: %w", err)
	}
	secret, err = util.RandomBytes(util.AESKeySize)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, secret, 0o600); err != nil {
		return nil, fmt.Errorf("write tab key: %w", err)
	}
	return secret, nil
}

// Gateway returns the access gateway.
func (c *Client) Gateway() *gateway.Gateway { return c.gw }

// Session returns the session store.
func (c *Client) Session() *session.Store { return c.session }

// Status returns the event status synchronizer.
func (c *Client) Status() *status.Synchronizer { return c.status }

// Location returns the route state.
func (c *Client) Location() *nav.Location { return c.loc }

// Bus returns the message bus.
func (c *Client) Bus() *bus.Bus { return c.bus }

// Logger returns the client logger.
func (c *Client) Logger() *slog.Logger { return c.logger }

// Probe asks the platform who the session belongs to. An anonymous session
// yields a nil identity and no error. A session still waiting for its
// second factor is routed to the verification page and yields
// ErrMFAPending.
func (c *Client) Probe(ctx context.Context) (*session.Identity, error) {
	c.session.BeginProbe()

	var me session.Identity
	err := c.gw.Get(ctx, MePath, &me)
	switch {
	case err == nil:
		c.session.EndProbe(&me, false)
		return c.session.User(), nil
	case apierr.CodeOf(err) == apierr.CodeMFARequired:
		c.session.EndProbe(nil, true)
		c.loc.Navigate(MFAVerifyRoute)
		return nil, ErrMFAPending
	case apierr.KindOf(err) == apierr.Unauthenticated:
		c.session.EndProbe(nil, false)
		return nil, nil
	default:
		c.session.EndProbe(c.session.User(), false)
		return nil, fmt.Errorf("identity probe: %w", err)
	}
}

type loginResponse struct {
	Message     string `json:"message"`
	MFARequired bool   `json:"mfa_required"`
}

// Login signs in with email and password. It reports whether the platform
// asked for a second factor; otherwise the identity is probed and stored.
func (c *Client) Login(ctx context.Context, email, password string) (mfaRequired bool, err error) {
	form := url.Values{"username": {email}, "password": {password}}
	var resp loginResponse
	if err := c.gw.Do(ctx, &gateway.Request{Method: http.MethodPost, Path: LoginPath, Form: form}, &resp); err != nil {
		return false, err
	}
	if resp.MFARequired {
		c.session.SetMFAPending(true)
		c.loc.Navigate(MFAVerifyRoute)
		return true, nil
	}
	if _, err := c.Probe(ctx); err != nil {
		return false, err
	}
	return false, nil
}

// VerifyMFA completes a login that is waiting for its second factor.
func (c *Client) VerifyMFA(ctx context.Context, code string) (*session.Identity, error) {
	if err := c.gw.Post(ctx, VerifyMFAPath, map[string]string{"code": code}, nil); err != nil {
		return nil, err
	}
	user, err := c.Probe(ctx)
	if err != nil {
		return nil, err
	}
	if c.loc.Path() == MFAVerifyRoute {
		c.loc.Navigate(c.cfg.Landing)
	}
	return user, nil
}

// Logout ends the session remotely on a best-effort basis, then locally.
func (c *Client) Logout(ctx context.Context) {
	c.gw.Invalidate(ctx)
	c.session.Clear()
	if err := c.jar.Clear(); err != nil {
		c.logger.Warn("clearing cookies failed", "error", err)
	}
	if !c.loc.AtLanding() {
		c.loc.Navigate(c.loc.Landing())
	}
}

// DeleteFlow returns the account deletion machine for this session,
// resuming any flow persisted in the tab store.
func (c *Client) DeleteFlow(opts ...stepup.Option) (*stepup.Machine, error) {
	opts = append([]stepup.Option{stepup.WithLogger(c.logger), stepup.WithTabStore(c.tabs)}, opts...)
	return stepup.New(c.gw, c.gw, c.session, c.loc, opts...)
}

// Run keeps the event status in sync until ctx ends.
func (c *Client) Run(ctx context.Context) error {
	return c.status.Run(ctx)
}

// Close releases the tab store and its backend.
func (c *Client) Close() error {
	if c.detach != nil {
		c.detach()
	}
	if c.tabs != nil {
		c.tabs.Close()
	}
	return c.closeRepo()
}

func (c *Client) closeRepo() error {
	if c.closer == nil {
		return nil
	}
	err := c.closer.Close()
	c.closer = nil
	return err
}
