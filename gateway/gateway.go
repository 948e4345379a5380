// Package gateway wraps every platform API call with CSRF injection, error
// classification, single-flight credential refresh and the event-ended
// reaction.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/pwndepot/ctfgate/apierr"
	"github.com/pwndepot/ctfgate/bus"
	"github.com/pwndepot/ctfgate/metrics"
	"github.com/pwndepot/ctfgate/storage"
)

const (
	requestIDHeader   = "X-Request-ID"
	mfaRequiredHeader = "X-MFA-Required"
	maxErrorBody      = 64 << 10
	tracerName        = "github.com/pwndepot/ctfgate/gateway"

	logoutPath = "/users/logout"
)

// DefaultExemptPaths never trigger a credential refresh.
var DefaultExemptPaths = []string{
	"/users/me",
	"/users/login",
	"/users/register",
	"/users/verify-email",
	"/users/resend-verification",
	"/users/auth/refresh",
	"/users/logout",
	"/users/forgot-password",
	"/users/reset-password",
	"/mfa/admin/verify",
}

// Location is the part of the route state the gateway consults.
type Location interface {
	Path() string
	Privileged() bool
}

// Gateway is the single path every platform API call takes.
type Gateway struct {
	base      *url.URL
	client    *http.Client
	jar       http.CookieJar
	bus       *bus.Bus
	location  Location
	tabs      *storage.TabStore
	refresh   *RefreshCoordinator
	exempt    map[string]bool
	limiter   *rate.Limiter
	metrics   metrics.Recorder
	tracer    trace.Tracer
	logger    *slog.Logger
	now       func() time.Time
	userAgent string

	httpClient      *http.Client
	tracerProvider  trace.TracerProvider
	refreshCooldown time.Duration
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithHTTPClient sets the underlying HTTP client. Its Jar is replaced by the
// gateway's jar.
func WithHTTPClient(c *http.Client) Option {
	return func(g *Gateway) { g.httpClient = c }
}

// WithJar sets the cookie jar holding the platform session.
func WithJar(jar http.CookieJar) Option {
	return func(g *Gateway) { g.jar = jar }
}

// WithLocation sets the route state used for the privileged-surface check.
func WithLocation(l Location) Option {
	return func(g *Gateway) { g.location = l }
}

// WithTabStore persists the terminal event status on event-ended responses.
func WithTabStore(s *storage.TabStore) Option {
	return func(g *Gateway) { g.tabs = s }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) { g.logger = logger }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(rec metrics.Recorder) Option {
	return func(g *Gateway) { g.metrics = rec }
}

// WithTracerProvider sets the OpenTelemetry tracer provider. The global
// provider is used otherwise.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(g *Gateway) { g.tracerProvider = tp }
}

// WithPacing limits outbound calls to r per second with the given burst.
func WithPacing(r rate.Limit, burst int) Option {
	return func(g *Gateway) {
		if r > 0 {
			g.limiter = rate.NewLimiter(r, burst)
		}
	}
}

// WithExemptPaths replaces the paths that never trigger a refresh.
func WithExemptPaths(paths ...string) Option {
	return func(g *Gateway) {
		g.exempt = make(map[string]bool, len(paths))
		for _, p := range paths {
			g.exempt[p] = true
		}
	}
}

// WithRefreshCooldown makes refresh attempts fail fast for d after a failed
// renewal.
func WithRefreshCooldown(d time.Duration) Option {
	return func(g *Gateway) { g.refreshCooldown = d }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(g *Gateway) { g.userAgent = ua }
}

// New creates a Gateway for the API rooted at baseURL (for example
// "https://ctf.example.org/api/v1").
func New(baseURL string, b *bus.Bus, opts ...Option) (*Gateway, error) {
	base, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing API base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("API base URL %q must be http or https", baseURL)
	}
	if b == nil {
		return nil, errors.New("gateway requires a bus")
	}

	g := &Gateway{
		base: base,
		bus:  b,
		now:  time.Now,
	}
	WithExemptPaths(DefaultExemptPaths...)(g)
	for _, opt := range opts {
		opt(g)
	}
	if g.logger == nil {
		g.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	g.logger = g.logger.With("component", "gateway")
	if g.metrics == nil {
		g.metrics = metrics.Nop{}
	}
	if g.tracerProvider == nil {
		g.tracerProvider = otel.GetTracerProvider()
	}
	g.tracer = g.tracerProvider.Tracer(tracerName)
	if g.jar == nil {
		jar, err := NewJar(nil, g.logger)
		if err != nil {
			return nil, err
		}
		g.jar = jar
	}
	client := &http.Client{}
	if g.httpClient != nil {
		c := *g.httpClient
		client = &c
	}
	client.Jar = g.jar
	g.client = client
	g.refresh = NewRefreshCoordinator(g.renew, g.refreshCooldown, g.metrics, g.logger)
	return g, nil
}

// Refresh returns the gateway's refresh coordinator.
func (g *Gateway) Refresh() *RefreshCoordinator {
	return g.refresh
}

// Jar returns the cookie jar holding the platform session.
func (g *Gateway) Jar() http.CookieJar {
	return g.jar
}

// Exempt reports whether a call to path must never trigger a refresh.
func (g *Gateway) Exempt(path string) bool {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	return g.exempt[strings.TrimSuffix(path, "/")]
}

// Do executes req and decodes a successful JSON response into out (which
// may be nil). Failures are *apierr.Error values.
func (g *Gateway) Do(ctx context.Context, req *Request, out any) error {
	resp, err := g.send(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decoding %s %s response: %w", req.Method, req.Path, err)
	}
	return nil
}

// Get issues a GET.
func (g *Gateway) Get(ctx context.Context, path string, out any) error {
	return g.Do(ctx, &Request{Method: http.MethodGet, Path: path}, out)
}

// Post issues a POST with a JSON body.
func (g *Gateway) Post(ctx context.Context, path string, body, out any) error {
	return g.Do(ctx, &Request{Method: http.MethodPost, Path: path, JSON: body}, out)
}

// Put issues a PUT with a JSON body.
func (g *Gateway) Put(ctx context.Context, path string, body, out any) error {
	return g.Do(ctx, &Request{Method: http.MethodPut, Path: path, JSON: body}, out)
}

// Delete issues a DELETE.
func (g *Gateway) Delete(ctx context.Context, path string, out any) error {
	return g.Do(ctx, &Request{Method: http.MethodDelete, Path: path}, out)
}

// Stream opens a server-sent event stream through the full pipeline. The
// caller owns the returned body.
func (g *Gateway) Stream(ctx context.Context, path string) (io.ReadCloser, error) {
	h := http.Header{}
	h.Set("Accept", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	resp, err := g.send(ctx, &Request{Method: http.MethodGet, Path: path, Header: h})
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// Logout asks the platform to end the session.
func (g *Gateway) Logout(ctx context.Context) error {
	return g.Do(ctx, &Request{Method: http.MethodPost, Path: logoutPath}, nil)
}

// Invalidate is the best-effort remote logout: a plain logout, then the
// forced variant if that fails. Errors are logged and dropped.
func (g *Gateway) Invalidate(ctx context.Context) {
	err := g.Logout(ctx)
	if err == nil {
		return
	}
	g.logger.Debug("logout failed, forcing", "error", err)
	force := &Request{Method: http.MethodPost, Path: logoutPath, Query: url.Values{"force": {"true"}}}
	if err := g.Do(ctx, force, nil); err != nil {
		g.logger.Debug("forced logout failed", "error", err)
	}
}

func (g *Gateway) renew(ctx context.Context) error {
	return g.Do(ctx, &Request{Method: http.MethodPost, Path: refreshPath}, nil)
}

// send runs the pipeline and returns a successful response with an unread
// body.
func (g *Gateway) send(ctx context.Context, req *Request) (*http.Response, error) {
	e, err := req.encode()
	if err != nil {
		return nil, err
	}

	retried := false
	for {
		seen := g.refresh.Generation()
		start := g.now()
		resp, err := g.roundTrip(ctx, e, retried)
		if err != nil {
			g.metrics.RecordCall(e.Method, "transport", g.now().Sub(start))
			return nil, err
		}
		if resp.StatusCode < http.StatusBadRequest {
			g.metrics.RecordCall(e.Method, "ok", g.now().Sub(start))
			return resp, nil
		}

		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		apiErr := apierr.New(e.Method, e.route(), resp.StatusCode, data)
		apiErr.Retried = retried
		if apiErr.Code == "" && resp.Header.Get(mfaRequiredHeader) == "true" {
			apiErr.Code = apierr.CodeMFARequired
		}
		g.metrics.RecordCall(e.Method, apiErr.Kind.String(), g.now().Sub(start))

		switch apiErr.Kind {
		case apierr.EventEnded:
			g.onEventEnded(e, apiErr)
			return nil, apiErr
		case apierr.Unauthenticated:
			if retried || g.Exempt(e.Path) {
				g.logger.Debug("unauthenticated", "path", e.Path, "retried", retried)
				return nil, apiErr
			}
			if err := g.refresh.ensureFreshSince(ctx, seen); err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return nil, apierr.Transport(e.Method, e.route(), ctxErr)
				}
				g.endSession(bus.ReasonRefreshFailed, e.Path)
				return nil, err
			}
			retried = true
		default:
			g.logger.Debug("call failed", "path", e.Path, "status", apiErr.Status, "kind", apiErr.Kind.String(), "code", apiErr.Code)
			return nil, apiErr
		}
	}
}

func (g *Gateway) roundTrip(ctx context.Context, e *encoded, retried bool) (*http.Response, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, apierr.Transport(e.Method, e.route(), err)
		}
	}

	ctx, span := g.tracer.Start(ctx, "ctfgate "+e.Method+" "+e.Path,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", e.Method),
			attribute.String("url.path", e.Path),
			attribute.Bool("ctfgate.retried", retried),
		),
	)
	defer span.End()

	u := *g.base
	u.Path = g.base.Path + e.Path
	u.RawQuery = e.Query.Encode()
	req, err := http.NewRequestWithContext(ctx, e.Method, u.String(), e.bodyReader())
	if err != nil {
		return nil, apierr.Transport(e.Method, e.route(), err)
	}
	for k, vs := range e.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if e.contentType != "" {
		req.Header.Set("Content-Type", e.contentType)
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
	if g.userAgent != "" {
		req.Header.Set("User-Agent", g.userAgent)
	}
	req.Header.Set(requestIDHeader, uuid.NewString())
	injectCSRF(req, g.jar)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := g.client.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, apierr.Transport(e.Method, e.route(), err)
	}
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	if resp.StatusCode >= http.StatusBadRequest {
		span.SetStatus(codes.Error, http.StatusText(resp.StatusCode))
	}
	return resp, nil
}

// onEventEnded persists the terminal status, asks the status synchronizer
// to re-poll and evicts unprivileged sessions. Privileged routes keep their
// session.
func (g *Gateway) onEventEnded(e *encoded, apiErr *apierr.Error) {
	g.logger.Info("event ended", "path", e.Path)
	if g.tabs != nil {
		inactive, zero := false, 0
		rec := storage.StatusRecord{Active: &inactive, SecondsRemaining: &zero, CheckedAt: g.now()}
		if err := g.tabs.Set(storage.KeyCTFStatus, rec); err != nil {
			g.logger.Warn("persisting event status failed", "error", err)
		}
	}
	g.bus.Publish(bus.StatusChanged, bus.StatusChangedPayload{Path: e.Path})
	g.bus.Publish(bus.EventEnded, bus.EventEndedPayload{Path: e.Path, Message: apiErr.Message})
	if g.location != nil && g.location.Privileged() {
		g.logger.Info("privileged route keeps session", "route", g.location.Path())
		return
	}
	g.endSession(bus.ReasonEventEnded, e.Path)
}

func (g *Gateway) endSession(reason bus.Reason, path string) {
	g.metrics.RecordForcedLogout(string(reason))
	g.bus.Publish(bus.SessionEnded, bus.SessionEndedPayload{Reason: reason, Path: path})
}
