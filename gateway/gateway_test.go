package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/pwndepot/ctfgate/apierr"
	"github.com/pwndepot/ctfgate/bus"
	"github.com/pwndepot/ctfgate/internal/ctftest"
	"github.com/pwndepot/ctfgate/internal/util"
	"github.com/pwndepot/ctfgate/nav"
	"github.com/pwndepot/ctfgate/session"
	"github.com/pwndepot/ctfgate/storage"
	"github.com/pwndepot/ctfgate/storage/memory"
)

const (
	testEmail    = "alice@example.org"
	testPassword = "correct horse battery staple"
)

type harness struct {
	srv   *ctftest.Server
	bus   *bus.Bus
	loc   *nav.Location
	store *session.Store
	tabs  *storage.TabStore
	gw    *Gateway

	mu    sync.Mutex
	ended []bus.SessionEndedPayload
	polls int
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T, start string, opts ...Option) *harness {
	t.Helper()
	h := &harness{srv: ctftest.New(t), bus: bus.New()}
	h.srv.AddUser(ctftest.User{Username: "alice", Email: testEmail, Password: testPassword})

	secret, err := util.RandomBytes(32)
	require.NoError(t, err)
	h.tabs, err = storage.NewTabStore(memory.NewRepository(), "tab-test", secret)
	require.NoError(t, err)
	t.Cleanup(h.tabs.Close)

	h.loc = nav.NewLocation(start, nav.WithBus(h.bus))
	h.store = session.NewStore(session.WithLogger(testLogger()))

	opts = append([]Option{
		WithLocation(h.loc),
		WithTabStore(h.tabs),
		WithLogger(testLogger()),
		WithTracerProvider(noop.NewTracerProvider()),
	}, opts...)
	h.gw, err = New(h.srv.APIURL(), h.bus, opts...)
	require.NoError(t, err)

	h.store.AttachForcedLogout(h.bus, h.gw, h.loc)
	h.bus.Subscribe(bus.SessionEnded, func(p any) {
		h.mu.Lock()
		h.ended = append(h.ended, p.(bus.SessionEndedPayload))
		h.mu.Unlock()
	})
	h.bus.Subscribe(bus.StatusChanged, func(any) {
		h.mu.Lock()
		h.polls++
		h.mu.Unlock()
	})
	return h
}

func (h *harness) login(t *testing.T) {
	t.Helper()
	form := url.Values{"username": {testEmail}, "password": {testPassword}}
	var resp struct {
		MFARequired bool `json:"mfa_required"`
	}
	require.NoError(t, h.gw.Do(context.Background(), &Request{Method: http.MethodPost, Path: "/users/login", Form: form}, &resp))
	require.False(t, resp.MFARequired)
	h.store.SetUser(&session.Identity{ID: 1, Username: "alice"})
}

func (h *harness) sessionEnds() []bus.SessionEndedPayload {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]bus.SessionEndedPayload(nil), h.ended...)
}

func TestConcurrentUnauthenticatedShareOneRefresh(t *testing.T) {
	h := newHarness(t, "/challenges")
	h.login(t)
	h.srv.ExpireAccessTokens()
	h.srv.SetRefreshDelay(200 * time.Millisecond)

	const n = 8
	var wg sync.WaitGroup
	var failures atomic.Int32
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := h.gw.Get(context.Background(), "/challenges", nil); err != nil {
				failures.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Zero(t, failures.Load())
	assert.Equal(t, 1, h.srv.Calls("POST /users/auth/refresh"))
	assert.Equal(t, 1, h.gw.Refresh().Attempts())
	assert.Equal(t, 2*n, h.srv.Calls("GET /challenges"), "every call is replayed exactly once")
	assert.False(t, h.gw.Refresh().InFlight())
	assert.Empty(t, h.sessionEnds())
}

func TestRefreshResetsAfterSettling(t *testing.T) {
	h := newHarness(t, "/challenges")
	h.login(t)

	h.srv.ExpireAccessTokens()
	require.NoError(t, h.gw.Get(context.Background(), "/challenges", nil))
	h.srv.ExpireAccessTokens()
	require.NoError(t, h.gw.Get(context.Background(), "/challenges", nil))

	assert.Equal(t, 2, h.srv.Calls("POST /users/auth/refresh"))
	assert.Equal(t, uint64(2), h.gw.Refresh().Generation())
}

func TestRetriedCallFailsFinally(t *testing.T) {
	h := newHarness(t, "/challenges")
	h.login(t)
	h.srv.SetRejectAccess(true)

	err := h.gw.Get(context.Background(), "/challenges", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, apierr.ErrUnauthenticated)

	var apiErr *apierr.Error
	require.True(t, errors.As(err, &apiErr))
	assert.True(t, apiErr.Retried)
	assert.Equal(t, 1, h.srv.Calls("POST /users/auth/refresh"), "no second refresh for a retried call")
	assert.Equal(t, 2, h.srv.Calls("GET /challenges"))
	assert.Empty(t, h.sessionEnds())
}

func TestExemptPathNeverRefreshes(t *testing.T) {
	h := newHarness(t, "/")

	err := h.gw.Get(context.Background(), "/users/me", nil)
	assert.ErrorIs(t, err, apierr.ErrUnauthenticated)
	assert.Zero(t, h.srv.Calls("POST /users/auth/refresh"))

	assert.True(t, h.gw.Exempt("/users/logout?force=true"))
	assert.True(t, h.gw.Exempt("/users/me/"))
	assert.False(t, h.gw.Exempt("/users/me/delete"))
}

func TestRefreshFailureEndsSession(t *testing.T) {
	h := newHarness(t, "/challenges")
	h.login(t)
	h.srv.ExpireAccessTokens()
	h.srv.SetRefreshFails(true)

	err := h.gw.Get(context.Background(), "/challenges", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, apierr.ErrRefreshFailed)
	assert.Equal(t, apierr.RefreshFailed, apierr.KindOf(err))

	ends := h.sessionEnds()
	require.Len(t, ends, 1)
	assert.Equal(t, bus.ReasonRefreshFailed, ends[0].Reason)
	assert.Nil(t, h.store.User())
	assert.Equal(t, "/", h.loc.Path())
}

func TestRefreshFailureWithoutIdentityLogsOut(t *testing.T) {
	h := newHarness(t, "/")
	form := url.Values{"username": {testEmail}, "password": {testPassword}}
	require.NoError(t, h.gw.Do(context.Background(), &Request{Method: http.MethodPost, Path: "/users/login", Form: form}, nil))
	require.Nil(t, h.store.User())

	h.srv.ExpireAccessTokens()
	h.srv.SetRefreshFails(true)
	err := h.gw.Get(context.Background(), "/challenges", nil)
	assert.ErrorIs(t, err, apierr.ErrRefreshFailed)
	assert.Equal(t, 1, h.srv.Calls("POST /users/logout"), "the remote session is ended even though no identity was loaded")
}

func TestRefreshCooldownFailsFast(t *testing.T) {
	h := newHarness(t, "/challenges", WithRefreshCooldown(time.Minute))
	h.login(t)
	h.srv.ExpireAccessTokens()
	h.srv.SetRefreshFails(true)

	require.Error(t, h.gw.Get(context.Background(), "/challenges", nil))
	err := h.gw.Get(context.Background(), "/challenges", nil)
	assert.ErrorIs(t, err, apierr.ErrRefreshFailed)
	assert.Equal(t, 1, h.srv.Calls("POST /users/auth/refresh"))
}

func TestEventEndedEvictsUnprivilegedSession(t *testing.T) {
	h := newHarness(t, "/challenges")
	h.login(t)
	h.srv.EndEvent()

	err := h.gw.Get(context.Background(), "/challenges", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, apierr.ErrEventEnded)
	assert.Equal(t, "CTF has ended. Only admin endpoints are available.", err.(*apierr.Error).Message)

	assert.Nil(t, h.store.User())
	assert.Equal(t, "/", h.loc.Path())
	assert.Equal(t, 1, h.srv.Calls("POST /users/logout"))

	// A second observation converges on the same state without another logout.
	require.Error(t, h.gw.Get(context.Background(), "/challenges", nil))
	assert.Equal(t, 1, h.srv.Calls("POST /users/logout"))
	assert.Equal(t, []string{"/"}, h.loc.History())

	var rec storage.StatusRecord
	ok, err := h.tabs.Get(storage.KeyCTFStatus, &rec)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, rec.Active)
	assert.False(t, *rec.Active)
	assert.Equal(t, 0, *rec.SecondsRemaining)

	h.mu.Lock()
	assert.Equal(t, 2, h.polls)
	h.mu.Unlock()
}

func TestEventEndedKeepsPrivilegedSession(t *testing.T) {
	h := newHarness(t, "/admin/ctf")
	h.login(t)
	h.srv.EndEvent()

	var events []bus.EventEndedPayload
	h.bus.Subscribe(bus.EventEnded, func(p any) { events = append(events, p.(bus.EventEndedPayload)) })

	err := h.gw.Get(context.Background(), "/challenges", nil)
	assert.ErrorIs(t, err, apierr.ErrEventEnded)

	assert.NotNil(t, h.store.User())
	assert.Equal(t, "/admin/ctf", h.loc.Path())
	assert.Empty(t, h.sessionEnds())
	assert.Zero(t, h.srv.Calls("POST /users/logout"))
	require.Len(t, events, 1)
	assert.Equal(t, "/challenges", events[0].Path)
}

func TestCSRFOnlyOnUnsafeMethods(t *testing.T) {
	h := newHarness(t, "/challenges")
	h.login(t)
	h.srv.SetRequireCSRF(true)

	require.NoError(t, h.gw.Get(context.Background(), "/challenges", nil))
	var out struct {
		Correct bool `json:"correct"`
	}
	require.NoError(t, h.gw.Post(context.Background(), "/challenges/1/submit", map[string]string{"flag": "pwn{x}"}, &out))
	assert.True(t, out.Correct)

	assert.Equal(t, []string{""}, h.srv.CSRFHeaders("GET /challenges"))
	posted := h.srv.CSRFHeaders("POST /challenges/1/submit")
	require.Len(t, posted, 1)
	assert.NotEmpty(t, posted[0])
	assert.Equal(t, []string{""}, h.srv.CSRFHeaders("POST /users/login"), "no cookie yet, no header")
}

func TestMFARequiredHeaderBecomesCode(t *testing.T) {
	h := newHarness(t, "/")
	h.srv.AddUser(ctftest.User{Username: "bob", Email: "bob@example.org", Password: testPassword, MFACode: "123456"})
	form := url.Values{"username": {"bob@example.org"}, "password": {testPassword}}
	var resp struct {
		MFARequired bool `json:"mfa_required"`
	}
	require.NoError(t, h.gw.Do(context.Background(), &Request{Method: http.MethodPost, Path: "/users/login", Form: form}, &resp))
	assert.True(t, resp.MFARequired)

	err := h.gw.Get(context.Background(), "/users/me", nil)
	assert.ErrorIs(t, err, apierr.ErrForbidden)
	assert.Equal(t, apierr.CodeMFARequired, apierr.CodeOf(err))
}

func TestInvalidateFallsBackToForce(t *testing.T) {
	h := newHarness(t, "/challenges")
	h.login(t)
	h.srv.SetLogoutFails(true)

	h.gw.Invalidate(context.Background())
	assert.Equal(t, 2, h.srv.Calls("POST /users/logout"))

	err := h.gw.Get(context.Background(), "/challenges", nil)
	assert.ErrorIs(t, err, apierr.ErrRefreshFailed, "forced logout dropped both session cookies")
}

func TestTransportErrorIsUnknown(t *testing.T) {
	h := newHarness(t, "/")
	h.srv.Close()

	err := h.gw.Get(context.Background(), "/challenges", nil)
	require.Error(t, err)
	assert.Equal(t, apierr.Unknown, apierr.KindOf(err))
	assert.ErrorIs(t, err, apierr.ErrUnknown)
}

func TestPacingHonorsContext(t *testing.T) {
	h := newHarness(t, "/", WithPacing(0.001, 1))
	require.Error(t, h.gw.Get(context.Background(), "/users/me", nil))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := h.gw.Get(ctx, "/users/me", nil)
	assert.Equal(t, apierr.Unknown, apierr.KindOf(err))
	assert.Equal(t, 1, h.srv.Calls("GET /users/me"))
}

func TestStreamDeliversEvents(t *testing.T) {
	h := newHarness(t, "/challenges")
	h.login(t)

	body, err := h.gw.Stream(context.Background(), "/ctf-events")
	require.NoError(t, err)
	defer body.Close()

	buf := make([]byte, 64)
	n, err := body.Read(buf)
	require.NoError(t, err)
	assert.Contains(t, string(buf[:n]), "event: hello")
}

func TestNewValidation(t *testing.T) {
	_, err := New("ftp://example.org", bus.New())
	assert.Error(t, err)
	_, err = New("https://example.org/api/v1", nil)
	assert.Error(t, err)

	g, err := New("https://example.org/api/v1/", bus.New(), WithLogger(testLogger()))
	require.NoError(t, err)
	assert.Error(t, g.Do(context.Background(), &Request{Path: "users/me"}, nil))
	assert.Error(t, g.Do(context.Background(), &Request{Method: http.MethodPost, Path: "/x", JSON: 1, Form: url.Values{}}, nil))
}
