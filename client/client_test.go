package client

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/pwndepot/ctfgate/apierr"
	"github.com/pwndepot/ctfgate/config"
	"github.com/pwndepot/ctfgate/internal/ctftest"
	"github.com/pwndepot/ctfgate/session"
	"github.com/pwndepot/ctfgate/stepup"
	"github.com/pwndepot/ctfgate/storage"
)

const (
	testEmail    = "alice@example.org"
	testPassword = "correct horse battery staple"
	testCode     = "135790"
)

func testConfig(srv *ctftest.Server) *config.Config {
	cfg := config.Default()
	cfg.BaseURL = srv.APIURL()
	cfg.Pacing = config.PacingConfig{}
	return cfg
}

func newClient(t *testing.T, cfg *config.Config, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithTracerProvider(noop.NewTracerProvider()),
	}, opts...)
	c, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestProbeAnonymous(t *testing.T) {
	srv := ctftest.New(t)
	c := newClient(t, testConfig(srv))

	var loading []bool
	c.Session().Subscribe(func(s session.Snapshot) { loading = append(loading, s.AuthLoading) })

	user, err := c.Probe(context.Background())
	require.NoError(t, err)
	assert.Nil(t, user)
	assert.False(t, c.Session().AuthLoading())
	assert.Equal(t, []bool{true, false}, loading)
	assert.Zero(t, srv.Calls("POST /users/auth/refresh"), "the identity probe never refreshes")
}

func TestLoginStoresIdentity(t *testing.T) {
	srv := ctftest.New(t)
	srv.AddUser(ctftest.User{Username: "alice", Email: testEmail, Password: testPassword, Role: "admin"})
	c := newClient(t, testConfig(srv))

	mfa, err := c.Login(context.Background(), testEmail, testPassword)
	require.NoError(t, err)
	assert.False(t, mfa)

	user := c.Session().User()
	require.NotNil(t, user)
	assert.Equal(t, "alice", user.Username)
	assert.True(t, user.IsAdmin())

	_, err = c.Login(context.Background(), testEmail, "wrong password!")
	assert.ErrorIs(t, err, apierr.ErrUnauthenticated)
}

func TestLoginWithSecondFactor(t *testing.T) {
	srv := ctftest.New(t)
	srv.AddUser(ctftest.User{Username: "alice", Email: testEmail, Password: testPassword, MFACode: testCode})
	c := newClient(t, testConfig(srv))
	ctx := context.Background()

	mfa, err := c.Login(ctx, testEmail, testPassword)
	require.NoError(t, err)
	assert.True(t, mfa)
	assert.True(t, c.Session().MFAPending())
	assert.Equal(t, MFAVerifyRoute, c.Location().Path())

	user, err := c.Probe(ctx)
	assert.ErrorIs(t, err, ErrMFAPending)
	assert.Nil(t, user)
	assert.True(t, c.Session().MFAPending())

	_, err = c.VerifyMFA(ctx, "000000")
	assert.True(t, apierr.IsValidation(err, apierr.CodeInvalidMFA))

	user, err = c.VerifyMFA(ctx, testCode)
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.True(t, user.MFAEnabled)
	assert.False(t, c.Session().MFAPending())
	assert.Equal(t, "/", c.Location().Path())
}

func TestLogoutClearsEverything(t *testing.T) {
	srv := ctftest.New(t)
	srv.AddUser(ctftest.User{Username: "alice", Email: testEmail, Password: testPassword})
	c := newClient(t, testConfig(srv), WithStartPath("/challenges"))
	ctx := context.Background()

	_, err := c.Login(ctx, testEmail, testPassword)
	require.NoError(t, err)
	c.Logout(ctx)

	assert.Nil(t, c.Session().User())
	assert.Equal(t, "/", c.Location().Path())
	assert.Equal(t, 1, srv.Calls("POST /users/logout"))

	user, err := c.Probe(ctx)
	require.NoError(t, err)
	assert.Nil(t, user)
}

func TestEventEndedEvictsSession(t *testing.T) {
	srv := ctftest.New(t)
	srv.AddUser(ctftest.User{Username: "alice", Email: testEmail, Password: testPassword})
	c := newClient(t, testConfig(srv), WithStartPath("/challenges"))
	ctx := context.Background()
	_, err := c.Login(ctx, testEmail, testPassword)
	require.NoError(t, err)

	srv.EndEvent()
	err = c.Gateway().Get(ctx, "/challenges", nil)
	assert.ErrorIs(t, err, apierr.ErrEventEnded)

	assert.Nil(t, c.Session().User())
	assert.Equal(t, "/", c.Location().Path())

	var rec storage.StatusRecord
	ok, err := c.tabs.Get(storage.KeyCTFStatus, &rec)
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, *rec.Active)
}

func TestDataDirPersistsSession(t *testing.T) {
	srv := ctftest.New(t)
	srv.AddUser(ctftest.User{Username: "alice", Email: testEmail, Password: testPassword})
	cfg := testConfig(srv)
	cfg.DataDir = filepath.Join(t.TempDir(), "state")

	first, err := New(cfg, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)
	_, err = first.Login(context.Background(), testEmail, testPassword)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	info, err := os.Stat(filepath.Join(cfg.DataDir, tabKeyFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	second := newClient(t, cfg)
	user, err := second.Probe(context.Background())
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, "alice", user.Username)
}

func TestDeleteFlow(t *testing.T) {
	srv := ctftest.New(t)
	u := srv.AddUser(ctftest.User{Username: "alice", Email: testEmail, Password: testPassword})
	c := newClient(t, testConfig(srv), WithStartPath("/account"))
	ctx := context.Background()
	_, err := c.Login(ctx, testEmail, testPassword)
	require.NoError(t, err)

	m, err := c.DeleteFlow()
	require.NoError(t, err)
	defer m.Close()
	require.NoError(t, m.SetPassword(testPassword))
	require.NoError(t, m.Submit(ctx))
	assert.Equal(t, stepup.StatusSuccess, m.View().Status)
	assert.Equal(t, []int64{u.ID}, srv.Deleted())
}

func TestMetricsRegistered(t *testing.T) {
	srv := ctftest.New(t)
	reg := prometheus.NewRegistry()
	c := newClient(t, testConfig(srv), WithRegisterer(reg))

	_, err := c.Probe(context.Background())
	require.NoError(t, err)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "ctfgate_api_calls_total")
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.BaseURL = "not a url"
	_, err := New(cfg)
	assert.Error(t, err)
}
