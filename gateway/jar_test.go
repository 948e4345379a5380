package gateway

import (
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pwndepot/ctfgate/internal/util"
	"github.com/pwndepot/ctfgate/storage"
	"github.com/pwndepot/ctfgate/storage/memory"
)

func TestJarPersistsAcrossRestart(t *testing.T) {
	repo := memory.NewRepository()
	secret, err := util.RandomBytes(32)
	require.NoError(t, err)
	tabs, err := storage.NewTabStore(repo, "tab", secret)
	require.NoError(t, err)

	u, _ := url.Parse("http://ctf.example.org/api/v1/users/login")
	jar, err := NewJar(tabs, testLogger())
	require.NoError(t, err)
	jar.SetCookies(u, []*http.Cookie{
		{Name: "access_token", Value: "a1", Path: "/", HttpOnly: true},
		{Name: "refresh_token", Value: "r1", Path: "/api/v1/users/auth/refresh", HttpOnly: true},
		{Name: "stale", Value: "x", Path: "/", Expires: time.Now().Add(-time.Hour)},
	})

	restored, err := NewJar(tabs, testLogger())
	require.NoError(t, err)

	home, _ := url.Parse("http://ctf.example.org/api/v1/challenges")
	names := cookieNames(restored.Cookies(home))
	assert.Equal(t, []string{"access_token"}, names)

	refresh, _ := url.Parse("http://ctf.example.org/api/v1/users/auth/refresh")
	assert.ElementsMatch(t, []string{"access_token", "refresh_token"}, cookieNames(restored.Cookies(refresh)))
}

func TestJarDeletionPersists(t *testing.T) {
	secret, err := util.RandomBytes(32)
	require.NoError(t, err)
	tabs, err := storage.NewTabStore(memory.NewRepository(), "tab", secret)
	require.NoError(t, err)

	u, _ := url.Parse("http://ctf.example.org/api/v1/users/logout")
	jar, err := NewJar(tabs, testLogger())
	require.NoError(t, err)
	jar.SetCookies(u, []*http.Cookie{{Name: "access_token", Value: "a1", Path: "/"}})
	jar.SetCookies(u, []*http.Cookie{{Name: "access_token", Path: "/", MaxAge: -1}})

	restored, err := NewJar(tabs, testLogger())
	require.NoError(t, err)
	assert.Empty(t, restored.Cookies(u))

	jar.SetCookies(u, []*http.Cookie{{Name: "csrf_token", Value: "c", Path: "/"}})
	require.NoError(t, jar.Clear())
	assert.Empty(t, jar.Cookies(u))
	assert.False(t, tabs.Has(storage.KeyCookies))
}

func TestCSRFTokenLookup(t *testing.T) {
	jar, err := NewJar(nil, testLogger())
	require.NoError(t, err)
	u, _ := url.Parse("http://ctf.example.org/api/v1/x")

	assert.Empty(t, csrfToken(jar, u))
	jar.SetCookies(u, []*http.Cookie{{Name: "XSRF-TOKEN", Value: "x", Path: "/"}})
	assert.Equal(t, "x", csrfToken(jar, u))
	jar.SetCookies(u, []*http.Cookie{{Name: "csrf_token", Value: "c", Path: "/"}})
	assert.Equal(t, "c", csrfToken(jar, u), "csrf_token wins over XSRF-TOKEN")

	get, _ := http.NewRequest(http.MethodGet, u.String(), nil)
	injectCSRF(get, jar)
	assert.Empty(t, get.Header.Get(csrfHeaderName))

	del, _ := http.NewRequest(http.MethodDelete, u.String(), nil)
	injectCSRF(del, jar)
	assert.Equal(t, "c", del.Header.Get(csrfHeaderName))
}

func cookieNames(cs []*http.Cookie) []string {
	out := make([]string, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.Name)
	}
	return out
}
