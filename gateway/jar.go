package gateway

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/pwndepot/ctfgate/storage"
)

// Jar is an http.CookieJar that mirrors accepted cookies into the tab store
// so a restarted client resumes the same platform session.
type Jar struct {
	mu      sync.Mutex
	jar     *cookiejar.Jar
	store   *storage.TabStore
	records map[string]cookieRecord
	logger  *slog.Logger
	now     func() time.Time
}

var _ http.CookieJar = (*Jar)(nil)

type cookieRecord struct {
	URL      string    `json:"url"`
	Name     string    `json:"name"`
	Value    string    `json:"value"`
	Path     string    `json:"path,omitempty"`
	Domain   string    `json:"domain,omitempty"`
	Expires  time.Time `json:"expires,omitzero"`
	Secure   bool      `json:"secure,omitempty"`
	HttpOnly bool      `json:"http_only,omitempty"`
	SameSite int       `json:"same_site,omitempty"`
}

func (r cookieRecord) key() string {
	return r.Domain + "|" + r.Path + "|" + r.Name
}

func (r cookieRecord) cookie() *http.Cookie {
	return &http.Cookie{
		Name:     r.Name,
		Value:    r.Value,
		Path:     r.Path,
		Domain:   r.Domain,
		Expires:  r.Expires,
		Secure:   r.Secure,
		HttpOnly: r.HttpOnly,
		SameSite: http.SameSite(r.SameSite),
	}
}

// NewJar creates a jar and restores any cookies persisted in store. store may
// be nil for a purely in-memory jar.
func NewJar(store *storage.TabStore, logger *slog.Logger) (*Jar, error) {
	inner, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("creating cookie jar: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	j := &Jar{
		jar:     inner,
		store:   store,
		records: make(map[string]cookieRecord),
		logger:  logger.With("component", "cookie-jar"),
		now:     time.Now,
	}
	if store == nil {
		return j, nil
	}

	var saved []cookieRecord
	ok, err := store.Get(storage.KeyCookies, &saved)
	if err != nil {
		return nil, fmt.Errorf("loading cookies: %w", err)
	}
	if !ok {
		return j, nil
	}
	now := j.now()
	for _, r := range saved {
		if !r.Expires.IsZero() && !r.Expires.After(now) {
			continue
		}
		u, err := url.Parse(r.URL)
		if err != nil {
			continue
		}
		inner.SetCookies(u, []*http.Cookie{r.cookie()})
		j.records[r.key()] = r
	}
	return j, nil
}

// SetCookies implements http.CookieJar.
func (j *Jar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.jar.SetCookies(u, cookies)
	if j.store == nil {
		return
	}

	origin := &url.URL{Scheme: u.Scheme, Host: u.Host, Path: u.Path}
	now := j.now()
	for _, c := range cookies {
		r := cookieRecord{
			URL:      origin.String(),
			Name:     c.Name,
			Value:    c.Value,
			Path:     c.Path,
			Domain:   c.Domain,
			Secure:   c.Secure,
			HttpOnly: c.HttpOnly,
			SameSite: int(c.SameSite),
		}
		switch {
		case c.MaxAge < 0:
			delete(j.records, r.key())
			continue
		case c.MaxAge > 0:
			r.Expires = now.Add(time.Duration(c.MaxAge) * time.Second)
		case !c.Expires.IsZero():
			r.Expires = c.Expires
		}
		if !r.Expires.IsZero() && !r.Expires.After(now) {
			delete(j.records, r.key())
			continue
		}
		j.records[r.key()] = r
	}
	j.persistLocked()
}

// Cookies implements http.CookieJar.
func (j *Jar) Cookies(u *url.URL) []*http.Cookie {
	j.mu.Lock()
	inner := j.jar
	j.mu.Unlock()
	return inner.Cookies(u)
}

// Clear drops every cookie, in memory and persisted.
func (j *Jar) Clear() error {
	inner, err := cookiejar.New(nil)
	if err != nil {
		return fmt.Errorf("creating cookie jar: %w", err)
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.jar = inner
	j.records = make(map[string]cookieRecord)
	if j.store == nil {
		return nil
	}
	return j.store.Remove(storage.KeyCookies)
}

func (j *Jar) persistLocked() {
	out := make([]cookieRecord, 0, len(j.records))
	for _, r := range j.records {
		out = append(out, r)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].key() < out[b].key() })
	if err := j.store.Set(storage.KeyCookies, out); err != nil {
		j.logger.Warn("persisting cookies failed", "error", err)
	}
}
